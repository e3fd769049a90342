package simple_httpd

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"runtime"
	"sync"
	"time"

	atom "go.uber.org/atomic"
	"golang.org/x/net/http/httpguts"
)

var (
	bufioReaderPool sync.Pool
	bufioWriterPool sync.Pool
)

type ConnState int

const (
	// StateNew represents a new connection that is expected to
	// send a request immediately. Connections begin at this
	// state and then transition to either StateActive or
	// StateClosed.
	StateNew ConnState = iota

	// StateActive represents a connection that has read 1 or more
	// bytes of a request.
	StateActive

	// StateIdle represents a connection that has finished
	// handling a request and is in the keep-alive state, waiting
	// for a new request. Connections transition from StateIdle
	// to either StateActive or StateClosed.
	StateIdle

	// StateClosed represents a closed connection.
	// This is a terminal state.
	StateClosed
)

// A conn represents the server side of a connection.
type conn struct {
	// srv is the simple_httpd server on which the connection arrived.
	// Immutable; never nil.
	srv *Server

	// cancelCtx cancels the connection-level context.
	cancelCtx context.CancelFunc

	// rwc is the underlying network connection.
	rwc net.Conn

	// remoteAddr is rwc.RemoteAddr().String(). It is not populated synchronously
	// inside the Listener's Accept goroutine, as some implementations block.
	// It is populated immediately inside the (*conn).serve goroutine.
	remoteAddr string

	// werr is set to the first write error to rwc.
	// It is set via checkConnErrorWriter{w}, where bufw writes.
	werr error

	// bufr reads from r.
	bufr *bufio.Reader

	// bufw writes to checkConnErrorWriter{c}, which populates werr on error.
	bufw *bufio.Writer

	//curState struct{ atomic uint64 } // packed (unixtime<<8|uint8(ConnState))
	curState atom.Uint64
}

func (c *conn) setState(nc net.Conn, state ConnState) {
	srv := c.srv
	switch state {
	case StateNew:
		srv.trackConn(c, true)
	case StateClosed:
		srv.trackConn(c, false)
	}
	if state > 0xff || state < 0 {
		panic("conn: internal error")
	}
	packedState := uint64(time.Now().Unix()<<8) | uint64(state)
	c.curState.Store(packedState)
}

func (c *conn) getState() (state ConnState, unixSec int64) {
	packedState := c.curState.Load()
	return ConnState(packedState & 0xff), int64(packedState >> 8)
}

// Serve a new connection.
func (c *conn) serve(ctx context.Context) {
	c.remoteAddr = c.rwc.RemoteAddr().String()
	ctx = context.WithValue(ctx, LocalAddrContextKey, c.rwc.LocalAddr())
	defer func() {
		if err := recover(); err != nil {
			const size = 64 << 10
			buf := make([]byte, size)
			buf = buf[:runtime.Stack(buf, false)]
			c.srv.logf("simple_httpd: panic serving %v: %v\n%s", c.remoteAddr, err, buf)
		}
		c.close()
		c.setState(c.rwc, StateClosed)
	}()

	ctx, cancelCtx := context.WithCancel(ctx)
	c.cancelCtx = cancelCtx
	defer cancelCtx()

	c.bufr = newBufioReader(c.rwc)
	c.bufw = newBufioWriter(checkConnErrorWriter{c})

	for {
		req := acquireRequest()
		w, err := c.readRequest(ctx, req)
		c.setState(c.rwc, StateActive)
		if err != nil {
			releaseRequest(req)
			if isClosedConnError(err) {
				break
			}
			c.srv.logf("simple_httpd: read request on %v with error: %v", c.remoteAddr, err)
			status := statusForError(err)
			c.writeError(status, http.StatusText(status))
			break
		}
		c.serveRequest(w)
		if w.closeAfter || c.werr != nil {
			break
		}

		c.setState(c.rwc, StateIdle)

		if d := c.srv.idleTimeout(); d != 0 {
			c.rwc.SetReadDeadline(time.Now().Add(d))
		}
		if _, err := c.bufr.Peek(1); err != nil {
			return
		}
		// A request has started, Shutdown must wait for it.
		c.setState(c.rwc, StateActive)
		c.rwc.SetReadDeadline(time.Time{})
	}
}

// serveRequest runs the handler for w.req and sends the response. The
// request is returned to the pool even if the handler panics.
func (c *conn) serveRequest(w *response) {
	defer releaseRequest(w.req)
	defer w.cancelCtx()

	serverHandler{c.srv}.Serve(w, w.req)
	w.finishRequest()
}

// isClosedConnError reports whether err means the peer went away or the
// connection timed out, neither of which gets a response.
func isClosedConnError(err error) bool {
	if err == io.EOF || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var oe *net.OpError
	return errors.As(err, &oe) && oe.Op == "read"
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, ErrHeaderTooLarge):
		return http.StatusRequestHeaderFieldsTooLarge
	case errors.Is(err, ErrBodyTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ErrUnsupportedTransferEncoding):
		return http.StatusNotImplemented
	case errors.Is(err, ErrUnsupportedVersion):
		return http.StatusHTTPVersionNotSupported
	default:
		return http.StatusBadRequest
	}
}

// readRequest reads the next request on the connection into req.
func (c *conn) readRequest(ctx context.Context, req *Request) (w *response, err error) {
	var (
		wholeReqDeadline time.Time // or zero if none
		hdrDeadline      time.Time // or zero if none
	)
	t0 := time.Now()
	if d := c.srv.readHeaderTimeout(); d != 0 {
		hdrDeadline = t0.Add(d)
	}
	if d := c.srv.ReadTimeout; d != 0 {
		wholeReqDeadline = t0.Add(d)
	}
	// Headers and body are read in one pass.
	if wholeReqDeadline.IsZero() || (!hdrDeadline.IsZero() && hdrDeadline.Before(wholeReqDeadline)) {
		c.rwc.SetReadDeadline(hdrDeadline)
	} else {
		c.rwc.SetReadDeadline(wholeReqDeadline)
	}
	if d := c.srv.WriteTimeout; d != 0 {
		defer func() {
			c.rwc.SetWriteDeadline(time.Now().Add(d))
		}()
	}

	req.SetDocumentRoot(c.srv.DocumentRoot)

	if err := c.srv.parser().ReadRequest(c.bufr, req); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	req.SetContext(ctx)

	w = &response{
		conn:       c,
		cancelCtx:  cancel,
		req:        req,
		header:     make(map[string]string),
		closeAfter: shouldClose(req),
	}
	return w, nil
}

// shouldClose reports whether the connection must be closed after
// responding to req.
func shouldClose(req *Request) bool {
	conn, err := req.GetHeader("Connection")
	hasConn := err == nil
	if hasConn && httpguts.HeaderValuesContainsToken([]string{conn}, "close") {
		return true
	}
	if req.Version() == "HTTP/1.0" {
		return !hasConn || !httpguts.HeaderValuesContainsToken([]string{conn}, "keep-alive")
	}
	return false
}

// Close the connection.
func (c *conn) close() {
	c.finalFlush()
	c.rwc.Close()
}

// checkConnErrorWriter writes to c.rwc and records any write errors to c.werr.
// It only contains one field (and a pointer field at that), so it
// fits in an interface value without an extra allocation.
type checkConnErrorWriter struct {
	c *conn
}

func (w checkConnErrorWriter) Write(p []byte) (n int, err error) {
	n, err = w.c.rwc.Write(p)
	if err != nil && w.c.werr == nil {
		w.c.werr = err
		w.c.cancelCtx()
	}
	return
}

func (c *conn) finalFlush() {
	if c.bufr != nil {
		// Steal the bufio.Reader (~4KB worth of memory) and its associated
		// reader for a future connection.
		putBufioReader(c.bufr)
		c.bufr = nil
	}

	if c.bufw != nil {
		c.bufw.Flush()
		// Steal the bufio.Writer (~4KB worth of memory) and its associated
		// writer for a future connection.
		putBufioWriter(c.bufw)
		c.bufw = nil
	}
}

func putBufioWriter(bw *bufio.Writer) {
	bw.Reset(nil)
	bufioWriterPool.Put(bw)
}

func putBufioReader(br *bufio.Reader) {
	br.Reset(nil)
	bufioReaderPool.Put(br)
}

func newBufioReader(r io.Reader) *bufio.Reader {
	if v := bufioReaderPool.Get(); v != nil {
		br := v.(*bufio.Reader)
		br.Reset(r)
		return br
	}
	return bufio.NewReader(r)
}

func newBufioWriter(w io.Writer) *bufio.Writer {
	if v := bufioWriterPool.Get(); v != nil {
		bw := v.(*bufio.Writer)
		bw.Reset(w)
		return bw
	}
	return bufio.NewWriter(w)
}
