package simple_httpd

import (
	"context"
	"errors"
	"log"
	"net"
	"sync"
	"syscall"
	"time"

	atom "go.uber.org/atomic"
)

type contextKey struct {
	name string
}

var (
	// ServerContextKey is a context key. It can be used in server
	// handlers with context.WithValue to access the server that
	// started the handler. The associated value will be of
	// type *Server.
	ServerContextKey = &contextKey{"simple_httpd"}

	// LocalAddrContextKey is a context key. It can be used in
	// server handlers with context.WithValue to access the local
	// address the connection arrived on.
	// The associated value will be of type net.Addr.
	LocalAddrContextKey = &contextKey{"simple_httpd_local_addr"}
)

var shutdownPollInterval = 500 * time.Millisecond

var (
	ErrServerClosed       = errors.New("simple_httpd: server closed")
	ErrServerAddrError    = errors.New("simple_httpd: address error")
	ErrServerNetworkError = errors.New("simple_httpd: network type error")
)

// A Server defines parameters for running a simple_httpd server.
type Server struct {
	Network string // network type to listen on, ErrServerNetworkError if empty
	Addr    string // address to listen on, ErrServerAddrError if empty

	// DocumentRoot is set on every request before it is parsed.
	DocumentRoot string

	Handler Handler // handler to invoke, FileServer() if nil

	// Parser reads requests off the connection. If nil, a
	// DefaultParser with default limits is used.
	Parser Parser

	// ReadHeaderTimeout is the amount of time allowed to read
	// request headers. If zero, the value of ReadTimeout is used.
	// Headers and body are read together, so the earlier of the two
	// deadlines bounds the whole request.
	ReadHeaderTimeout time.Duration

	// ReadTimeout is the maximum duration for reading the entire
	// request, including the body.
	ReadTimeout time.Duration

	// WriteTimeout is the maximum duration before timing out
	// writes of the response. It is reset whenever a new
	// request is read.
	WriteTimeout time.Duration

	// IdleTimeout is the maximum amount of time to wait for the
	// next request. If IdleTimeout is zero, the value of
	// ReadTimeout is used.
	IdleTimeout time.Duration

	// ErrorLog specifies an optional logger for errors accepting
	// connections, malformed requests and panics in handlers.
	// If nil, logging is done via the log package's standard logger.
	ErrorLog *log.Logger

	inShutdown atom.Bool

	mu         sync.Mutex
	listeners  map[*net.Listener]struct{}
	activeConn map[*conn]struct{}
	doneChan   chan struct{}
}

// ListenAndServe listens on the network address addr and then calls
// Serve with handler to handle requests on incoming connections.
// Accepted TCP connections are configured to enable TCP keep-alives.
//
// The handler is typically nil, in which case files below root are
// served.
//
// ListenAndServe always returns a non-nil error.
func ListenAndServe(network string, addr string, root string, handler Handler) error {
	server := &Server{Network: network, Addr: addr, DocumentRoot: root, Handler: handler}
	return server.ListenAndServe()
}

// ListenAndServe listens on the address srv.Addr and then
// calls Serve to handle requests on incoming connections.
//
// If srv.Addr is blank, the returned error is ErrServerAddrError.
func (srv *Server) ListenAndServe() error {
	if srv.shuttingDown() {
		return ErrServerClosed
	}
	addr := srv.Addr
	if len(addr) == 0 {
		return ErrServerAddrError
	}
	network := srv.Network
	switch network {
	case "unix", "unixpacket":
	case "tcp", "tcp4", "tcp6":
	default:
		return ErrServerNetworkError
	}

	ln, err := net.Listen(network, addr)
	if err != nil {
		return err
	}
	switch ln.(type) {
	case *net.TCPListener:
		ln = tcpKeepAliveListener{ln.(*net.TCPListener)}
	default:
	}
	return srv.Serve(ln)
}

func (srv *Server) shuttingDown() bool {
	return srv.inShutdown.Load()
}

func (srv *Server) Serve(l net.Listener) error {
	l = &onceCloseListener{Listener: l}
	defer l.Close()

	if !srv.trackListener(&l, true) {
		return ErrServerClosed
	}
	defer srv.trackListener(&l, false)
	var tempDelay time.Duration // how long to sleep on accept failure
	ctx := context.WithValue(context.Background(), ServerContextKey, srv)
	for {
		rw, e := l.Accept()
		if e != nil {
			select {
			case <-srv.getDoneChan():
				return ErrServerClosed
			default:
			}
			if isTemporaryAcceptError(e) {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if max := 1 * time.Second; tempDelay > max {
					tempDelay = max
				}
				srv.logf("simple_httpd: accept error: %v; retrying in %v", e, tempDelay)
				time.Sleep(tempDelay)
				continue
			}
			return e
		}
		tempDelay = 0
		c := srv.newConn(rw)
		c.setState(c.rwc, StateNew) // before Serve can return
		go c.serve(ctx)
	}
}

func (srv *Server) parser() Parser {
	if srv.Parser != nil {
		return srv.Parser
	}
	return defaultParser
}

var defaultParser = &DefaultParser{}

// isTemporaryAcceptError reports whether Accept failed for a reason that
// may go away, such as running out of file descriptors.
func isTemporaryAcceptError(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, syscall.EMFILE) ||
		errors.Is(err, syscall.ENFILE) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.ECONNRESET)
}

func (srv *Server) trackConn(c *conn, add bool) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.activeConn == nil {
		srv.activeConn = make(map[*conn]struct{})
	}
	if add {
		srv.activeConn[c] = struct{}{}
	} else {
		delete(srv.activeConn, c)
	}
}

func (srv *Server) trackListener(ln *net.Listener, add bool) bool {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.listeners == nil {
		srv.listeners = make(map[*net.Listener]struct{})
	}
	if add {
		if srv.shuttingDown() {
			return false
		}
		srv.listeners[ln] = struct{}{}
	} else {
		delete(srv.listeners, ln)
	}
	return true
}

// Create new connection from rwc.
func (srv *Server) newConn(rwc net.Conn) *conn {
	c := &conn{
		srv: srv,
		rwc: rwc,
	}
	return c
}

func (srv *Server) closeListenersLocked() error {
	var err error
	for ln := range srv.listeners {
		if cerr := (*ln).Close(); cerr != nil && err == nil {
			err = cerr
		}
		delete(srv.listeners, ln)
	}
	return err
}

func (srv *Server) Shutdown(ctx context.Context) error {
	srv.inShutdown.Store(true)
	srv.mu.Lock()
	lnErr := srv.closeListenersLocked()
	srv.closeDoneChanLocked()
	srv.mu.Unlock()

	ticker := time.NewTicker(shutdownPollInterval)
	defer ticker.Stop()
	for {
		if srv.closeIdleConns() {
			return lnErr
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// closeIdleConns closes all idle connections and reports whether the
// srv is quiescent.
func (srv *Server) closeIdleConns() bool {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	quiescent := true
	for c := range srv.activeConn {
		st, unixSec := c.getState()
		// Issue 22682: treat StateNew connections as if
		// they're idle if we haven't read the first request's
		// header in over 5 seconds.
		if st == StateNew && unixSec < time.Now().Unix()-5 {
			st = StateIdle
		}
		if st != StateIdle || unixSec == 0 {
			// Assume unixSec == 0 means it's a very new
			// connection, without state set yet.
			quiescent = false
			continue
		}
		c.rwc.Close()
		delete(srv.activeConn, c)
	}
	return quiescent
}

// Close immediately closes all active net.Listeners and any
// connections in state StateNew, StateActive, or StateIdle. For a
// graceful shutdown, use Shutdown.
//
// Close does not attempt to close (and does not even know about)
// any hijacked connections, such as WebSockets.
//
// Close returns any error returned from closing the Server's
// underlying Listener(s).
func (srv *Server) Close() error {
	srv.inShutdown.Store(true)
	srv.mu.Lock()
	defer srv.mu.Unlock()

	srv.closeDoneChanLocked()
	err := srv.closeListenersLocked()
	for c := range srv.activeConn {
		c.rwc.Close()
		delete(srv.activeConn, c)
	}
	return err
}

func (srv *Server) getDoneChan() <-chan struct{} {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return srv.getDoneChanLocked()
}

func (srv *Server) getDoneChanLocked() chan struct{} {
	if srv.doneChan == nil {
		srv.doneChan = make(chan struct{})
	}
	return srv.doneChan
}

func (srv *Server) closeDoneChanLocked() {
	ch := srv.getDoneChanLocked()
	select {
	case <-ch:
		// Already closed. Don't close again.
	default:
		// Safe to close here. We're the only closer, guarded
		// by s.mu.
		close(ch)
	}
}

func (srv *Server) logf(format string, args ...interface{}) {
	if srv.ErrorLog != nil {
		srv.ErrorLog.Printf(format, args...)
	} else {
		log.Printf(format, args...)
	}
}

func (srv *Server) idleTimeout() time.Duration {
	if srv.IdleTimeout != 0 {
		return srv.IdleTimeout
	}
	return srv.ReadTimeout
}

func (s *Server) readHeaderTimeout() time.Duration {
	if s.ReadHeaderTimeout != 0 {
		return s.ReadHeaderTimeout
	}
	return s.ReadTimeout
}
