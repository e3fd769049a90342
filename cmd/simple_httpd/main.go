package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"simple_httpd"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		srv     simple_httpd.Server
		maxBody int64
	)

	rootCmd := &cobra.Command{
		Use:   "simple_httpd",
		Short: "Serve static files over HTTP/1.x",
		Long: `simple_httpd serves the files below a document root over HTTP/1.0 and
HTTP/1.1 with keep-alive. Directories are served through their index.html.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			srv.Parser = &simple_httpd.DefaultParser{MaxBodyBytes: maxBody}
			srv.ErrorLog = log.New(cmd.ErrOrStderr(), "", log.LstdFlags)
			return run(cmd.Context(), &srv)
		},
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}

	flags := rootCmd.Flags()
	flags.StringVar(&srv.Network, "network", "tcp", "network type: tcp, tcp4, tcp6, unix or unixpacket")
	flags.StringVar(&srv.Addr, "addr", ":8080", "address to listen on")
	flags.StringVar(&srv.DocumentRoot, "root", ".", "document root")
	flags.DurationVar(&srv.ReadHeaderTimeout, "read-header-timeout", 0, "time allowed to read request headers")
	flags.DurationVar(&srv.ReadTimeout, "read-timeout", 30*time.Second, "time allowed to read a whole request")
	flags.DurationVar(&srv.WriteTimeout, "write-timeout", 30*time.Second, "time allowed to write a response")
	flags.DurationVar(&srv.IdleTimeout, "idle-timeout", 2*time.Minute, "time to wait for the next request on a keep-alive connection")
	flags.Int64Var(&maxBody, "max-body", simple_httpd.DefaultMaxBodyBytes, "maximum request body size in bytes")

	return rootCmd
}

func run(ctx context.Context, srv *simple_httpd.Server) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() {
		srv.ErrorLog.Printf("simple_httpd: serving %s on %s %s", srv.DocumentRoot, srv.Network, srv.Addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	srv.ErrorLog.Println("simple_httpd: received shutdown signal, shutting down gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, simple_httpd.ErrServerClosed) {
		return err
	}
	return nil
}
