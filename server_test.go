package simple_httpd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T, srv *Server) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	if srv.ErrorLog == nil {
		srv.ErrorLog = log.New(io.Discard, "", 0)
	}
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ln) }()
	t.Cleanup(func() {
		srv.Close()
		assert.ErrorIs(t, <-done, ErrServerClosed)
	})
	return ln.Addr().String()
}

func writeFile(t *testing.T, name, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(name), 0o755))
	require.NoError(t, os.WriteFile(name, []byte(content), 0o644))
}

func TestFileServer(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "index.html"), "<h1>home</h1>")
	writeFile(t, filepath.Join(root, "docs", "a.txt"), "hello")

	addr := startServer(t, &Server{DocumentRoot: root})
	client := &http.Client{Timeout: 5 * time.Second}

	tests := []struct {
		method string
		path   string
		status int
		body   string
		ctype  string
	}{
		{"GET", "/", http.StatusOK, "<h1>home</h1>", "text/html; charset=utf-8"},
		{"GET", "/docs/a.txt?x=1", http.StatusOK, "hello", "text/plain; charset=utf-8"},
		{"GET", "/missing", http.StatusNotFound, "404 page not found\n", "text/plain; charset=utf-8"},
		{"GET", "/docs", http.StatusNotFound, "404 page not found\n", "text/plain; charset=utf-8"},
		{"DELETE", "/index.html", http.StatusMethodNotAllowed, "405 method not allowed\n", "text/plain; charset=utf-8"},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, "http://"+addr+tt.path, nil)
			require.NoError(t, err)
			resp, err := client.Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.body, string(body))
			assert.Equal(t, tt.ctype, resp.Header.Get("Content-Type"))
			assert.Equal(t, "simple_httpd", resp.Header.Get("Server"))
		})
	}
}

func TestFileServerHead(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.txt"), "hello")
	addr := startServer(t, &Server{DocumentRoot: root})

	resp, err := http.Head("http://" + addr + "/a.txt")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(5), resp.ContentLength)
}

// rawRoundTrip writes raw on a new connection and returns everything the
// server sends until it closes the connection.
func rawRoundTrip(t *testing.T, addr, raw string) string {
	t.Helper()
	c, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.SetDeadline(time.Now().Add(5*time.Second)))

	_, err = io.WriteString(c, raw)
	require.NoError(t, err)
	out, err := io.ReadAll(c)
	require.NoError(t, err)
	return string(out)
}

func TestPathTraversalForbidden(t *testing.T) {
	root := t.TempDir()
	addr := startServer(t, &Server{DocumentRoot: root})

	out := rawRoundTrip(t, addr, "GET /../../etc/passwd HTTP/1.1\r\nConnection: close\r\n\r\n")
	assert.True(t, strings.HasPrefix(out, "HTTP/1.1 403 Forbidden\r\n"), out)
	assert.Contains(t, out, "Connection: close\r\n")
}

func TestMalformedRequest(t *testing.T) {
	addr := startServer(t, &Server{DocumentRoot: t.TempDir()})

	out := rawRoundTrip(t, addr, "GARBAGE\r\n\r\n")
	assert.True(t, strings.HasPrefix(out, "HTTP/1.1 400 Bad Request\r\n"), out)

	out = rawRoundTrip(t, addr, "GET / HTTP/2.0\r\n\r\n")
	assert.True(t, strings.HasPrefix(out, "HTTP/1.1 505 HTTP Version Not Supported\r\n"), out)
}

func TestBodyTooLarge(t *testing.T) {
	srv := &Server{
		DocumentRoot: t.TempDir(),
		Parser:       &DefaultParser{MaxBodyBytes: 2},
	}
	addr := startServer(t, srv)

	out := rawRoundTrip(t, addr, "POST / HTTP/1.1\r\nContent-Length: 3\r\n\r\nabc")
	assert.True(t, strings.HasPrefix(out, "HTTP/1.1 413 Request Entity Too Large\r\n"), out)
}

func TestHTTP10ClosesConnection(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.txt"), "hello")
	addr := startServer(t, &Server{DocumentRoot: root})

	out := rawRoundTrip(t, addr, "GET /a.txt HTTP/1.0\r\n\r\n")
	assert.True(t, strings.HasPrefix(out, "HTTP/1.0 200 OK\r\n"), out)
	assert.True(t, strings.HasSuffix(out, "\r\n\r\nhello"), out)
}

func TestKeepAlive(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []string
	)
	handler := HandlerFunc(func(w ResponseWriter, r *Request) {
		body, err := io.ReadAll(r.BodyStream())
		if err != nil {
			Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		mu.Lock()
		seen = append(seen, r.Method()+" "+r.URI()+" "+r.QueryString()+" "+string(body))
		mu.Unlock()
		fmt.Fprintf(w, "%s %s", r.Method(), r.RealPath())
	})
	addr := startServer(t, &Server{DocumentRoot: "/srv", Handler: handler})

	c, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.SetDeadline(time.Now().Add(5*time.Second)))

	_, err = io.WriteString(c, "POST /a?x=1 HTTP/1.1\r\nContent-Length: 3\r\n\r\nabc"+
		"GET /b HTTP/1.1\r\n\r\n")
	require.NoError(t, err)

	br := bufio.NewReader(c)
	for _, want := range []string{"POST /srv/a", "GET /srv/b"} {
		resp, err := http.ReadResponse(br, nil)
		require.NoError(t, err)
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, want, string(body))
		assert.False(t, resp.Close)
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"POST /a x=1 abc", "GET /b  "}, seen)
}

func TestHandlerPanicClosesConnection(t *testing.T) {
	handler := HandlerFunc(func(w ResponseWriter, r *Request) {
		panic("boom")
	})
	addr := startServer(t, &Server{DocumentRoot: t.TempDir(), Handler: handler})

	out := rawRoundTrip(t, addr, "GET / HTTP/1.1\r\n\r\n")
	assert.Empty(t, out)
}

func TestListenAndServeErrors(t *testing.T) {
	assert.ErrorIs(t, (&Server{Network: "tcp"}).ListenAndServe(), ErrServerAddrError)
	assert.ErrorIs(t, (&Server{Network: "udp", Addr: ":0"}).ListenAndServe(), ErrServerNetworkError)

	srv := &Server{Network: "tcp", Addr: "127.0.0.1:0"}
	require.NoError(t, srv.Shutdown(context.Background()))
	assert.ErrorIs(t, srv.ListenAndServe(), ErrServerClosed)
}

func TestShutdown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &Server{DocumentRoot: t.TempDir(), ErrorLog: log.New(io.Discard, "", 0)}
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ln) }()

	// wait until the server accepts connections
	require.Eventually(t, func() bool {
		c, err := net.Dial("tcp", ln.Addr().String())
		if err != nil {
			return false
		}
		c.Close()
		return true
	}, time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
	assert.ErrorIs(t, <-done, ErrServerClosed)
}

func TestHeaderChangesAfterWriteHeaderIgnored(t *testing.T) {
	handler := HandlerFunc(func(w ResponseWriter, r *Request) {
		w.Header()["X-Before"] = "1"
		w.WriteHeader(http.StatusAccepted)
		w.Header()["X-After"] = "1"
		io.WriteString(w, "ok")
	})
	addr := startServer(t, &Server{DocumentRoot: t.TempDir(), Handler: handler})

	out := rawRoundTrip(t, addr, "GET / HTTP/1.1\r\nConnection: close\r\n\r\n")
	assert.True(t, strings.HasPrefix(out, "HTTP/1.1 202 Accepted\r\n"), out)
	assert.Contains(t, out, "X-Before: 1\r\n")
	assert.NotContains(t, out, "X-After")
}

func TestHTTP10KeepAlive(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.txt"), "hello")
	addr := startServer(t, &Server{DocumentRoot: root})

	c, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.SetDeadline(time.Now().Add(5*time.Second)))

	br := bufio.NewReader(c)
	for i := 0; i < 2; i++ {
		_, err = io.WriteString(c, "GET /a.txt HTTP/1.0\r\nConnection: keep-alive\r\n\r\n")
		require.NoError(t, err)
		resp, err := http.ReadResponse(br, nil)
		require.NoError(t, err)
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		require.NoError(t, err)
		assert.Equal(t, "hello", string(body))
		assert.Equal(t, "keep-alive", resp.Header.Get("Connection"))
		assert.False(t, resp.Close)
	}
}

func TestShutdownWaitsForPartialRequest(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.txt"), "hello")
	srv := &Server{DocumentRoot: root}
	addr := startServer(t, srv)

	c, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.SetDeadline(time.Now().Add(10*time.Second)))
	br := bufio.NewReader(c)

	_, err = io.WriteString(c, "GET /a.txt HTTP/1.1\r\n\r\n")
	require.NoError(t, err)
	resp, err := http.ReadResponse(br, nil)
	require.NoError(t, err)
	io.ReadAll(resp.Body)
	resp.Body.Close()

	// second request, only partly sent
	_, err = io.WriteString(c, "GET /a.txt HT")
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)

	shutdown := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutdown <- srv.Shutdown(ctx)
	}()
	time.Sleep(100 * time.Millisecond)

	_, err = io.WriteString(c, "TP/1.1\r\n\r\n")
	require.NoError(t, err)
	resp, err = http.ReadResponse(br, nil)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, "hello", string(body))

	assert.NoError(t, <-shutdown)
}
