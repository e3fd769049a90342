package simple_httpd

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/url"
	"path"
	"path/filepath"
	"strings"

	atom "go.uber.org/atomic"
)

var (
	ErrHeaderNotFound   = errors.New("simple_httpd: request header not found")
	ErrPathTraversal    = errors.New("simple_httpd: path escapes document root")
	ErrBodyStreamClosed = errors.New("simple_httpd: body stream closed")
	ErrNoDocumentRoot   = errors.New("simple_httpd: document root not set")
	ErrInvalidPath      = errors.New("simple_httpd: invalid path encoding")
)

// HeaderNotFoundError is returned by GetHeader when the named header is absent.
type HeaderNotFoundError struct {
	Name string
}

func (e *HeaderNotFoundError) Error() string {
	return "simple_httpd: request header not found '" + e.Name + "'"
}

// Is reports whether target is ErrHeaderNotFound.
func (e *HeaderNotFoundError) Is(target error) bool {
	return target == ErrHeaderNotFound
}

// A Request holds the state of one inbound request. It is owned by a
// single connection goroutine at a time and is reused across requests
// through Init.
type Request struct {
	ctx context.Context

	headers      map[string]string
	method       string
	version      string
	uri          string
	queryString  string
	documentRoot string

	// bodyStream is never nil after Init.
	bodyStream io.ReadWriteCloser
}

// NewRequest returns an initialized Request.
func NewRequest() *Request {
	r := new(Request)
	r.Init()
	return r
}

// Init resets r for a new request. The current body stream, if any, is
// closed and replaced with an empty in-memory one. The document root is
// left untouched.
func (r *Request) Init() {
	if r.bodyStream != nil {
		r.bodyStream.Close()
	}
	r.bodyStream = NewMemoryStream()

	r.ctx = nil
	r.headers = make(map[string]string)
	r.uri = ""
	r.method = ""
	r.version = ""
	r.queryString = ""
}

// Context returns the request's context, or context.Background if none
// has been set.
func (r *Request) Context() context.Context {
	if r.ctx != nil {
		return r.ctx
	}
	return context.Background()
}

// SetContext sets the request's context.
func (r *Request) SetContext(ctx context.Context) {
	if ctx == nil {
		panic("nil context")
	}
	r.ctx = ctx
}

// AddHeader sets the header name to value, replacing any previous value.
func (r *Request) AddHeader(name, value string) {
	if r.headers == nil {
		r.headers = make(map[string]string)
	}
	r.headers[name] = value
}

// HasHeader reports whether the header name has been added.
func (r *Request) HasHeader(name string) bool {
	_, ok := r.headers[name]
	return ok
}

// GetHeader returns the value of the named header or a
// *HeaderNotFoundError if it was never added.
func (r *Request) GetHeader(name string) (string, error) {
	v, ok := r.headers[name]
	if !ok {
		return "", &HeaderNotFoundError{Name: name}
	}
	return v, nil
}

// Headers returns a copy of the request headers. Changes to the returned
// map do not affect r.
func (r *Request) Headers() map[string]string {
	h := make(map[string]string, len(r.headers))
	for k, v := range r.headers {
		h[k] = v
	}
	return h
}

// SetHeaders replaces all headers with a copy of headers.
func (r *Request) SetHeaders(headers map[string]string) {
	r.headers = make(map[string]string, len(headers))
	for k, v := range headers {
		r.headers[k] = v
	}
}

// SetURI sets the request target path, without the query string.
func (r *Request) SetURI(uri string) { r.uri = uri }
func (r *Request) URI() string       { return r.uri }

func (r *Request) SetMethod(method string) { r.method = method }
func (r *Request) Method() string          { return r.method }

func (r *Request) SetVersion(version string) { r.version = version }
func (r *Request) Version() string           { return r.version }

func (r *Request) SetQueryString(qs string) { r.queryString = qs }
func (r *Request) QueryString() string      { return r.queryString }

func (r *Request) SetDocumentRoot(root string) { r.documentRoot = root }
func (r *Request) DocumentRoot() string        { return r.documentRoot }

// RealPath returns the document root followed by the uri, exactly as set.
// No cleaning is done; use CleanRealPath for anything that touches the
// file system with a client supplied uri.
func (r *Request) RealPath() string {
	return r.documentRoot + r.uri
}

// CleanRealPath percent-decodes the uri and resolves it under the
// document root. A uri that does not decode is rejected with
// ErrInvalidPath, and one with a ".." segment after decoding with
// ErrPathTraversal.
func (r *Request) CleanRealPath() (string, error) {
	if r.documentRoot == "" {
		return "", ErrNoDocumentRoot
	}
	uri, err := url.PathUnescape(r.uri)
	if err != nil || strings.IndexByte(uri, 0) >= 0 {
		return "", ErrInvalidPath
	}
	for _, seg := range strings.Split(uri, "/") {
		if seg == ".." {
			return "", ErrPathTraversal
		}
	}
	p := path.Clean("/" + uri)
	return filepath.Join(r.documentRoot, filepath.FromSlash(p)), nil
}

// SetBodyStream installs s as the body stream. r owns its body stream,
// so the previous one is closed first. A nil s installs a new empty
// in-memory stream.
func (r *Request) SetBodyStream(s io.ReadWriteCloser) {
	if s == nil {
		s = NewMemoryStream()
	}
	if r.bodyStream != nil && r.bodyStream != s {
		r.bodyStream.Close()
	}
	r.bodyStream = s
}

// BodyStream returns the current body stream. It is nil only before the
// first Init and after Close.
func (r *Request) BodyStream() io.ReadWriteCloser {
	return r.bodyStream
}

// Close releases the body stream. r must be re-initialized with Init
// before it is used again.
func (r *Request) Close() error {
	if r.bodyStream == nil {
		return nil
	}
	err := r.bodyStream.Close()
	r.bodyStream = nil
	return err
}

// A MemoryStream is an in-memory body stream. Reads consume what has
// been written so far.
type MemoryStream struct {
	buf    bytes.Buffer
	closed atom.Bool
}

// NewMemoryStream returns an empty, open MemoryStream.
func NewMemoryStream() *MemoryStream {
	return &MemoryStream{}
}

// Read reads buffered body bytes. It returns ErrBodyStreamClosed once m
// is closed.
func (m *MemoryStream) Read(p []byte) (int, error) {
	if m.closed.Load() {
		return 0, ErrBodyStreamClosed
	}
	return m.buf.Read(p)
}

// Write appends p to the buffer. It returns ErrBodyStreamClosed once m
// is closed.
func (m *MemoryStream) Write(p []byte) (int, error) {
	if m.closed.Load() {
		return 0, ErrBodyStreamClosed
	}
	return m.buf.Write(p)
}

// Len returns the number of unread bytes.
func (m *MemoryStream) Len() int {
	return m.buf.Len()
}

// Close discards the buffered content. It is safe to call more than once.
func (m *MemoryStream) Close() error {
	if m.closed.CompareAndSwap(false, true) {
		m.buf = bytes.Buffer{}
	}
	return nil
}
