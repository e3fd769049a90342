package simple_httpd

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/textproto"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"
)

const (
	DefaultMaxHeaderBytes = 1 << 20
	DefaultMaxBodyBytes   = 10 << 20
)

var (
	ErrMalformedRequestLine        = errors.New("simple_httpd: malformed request line")
	ErrUnsupportedVersion          = errors.New("simple_httpd: unsupported protocol version")
	ErrMalformedHeader             = errors.New("simple_httpd: malformed header line")
	ErrHeaderTooLarge              = errors.New("simple_httpd: request header too large")
	ErrInvalidContentLength        = errors.New("simple_httpd: invalid Content-Length")
	ErrBodyTooLarge                = errors.New("simple_httpd: request body too large")
	ErrUnsupportedTransferEncoding = errors.New("simple_httpd: unsupported Transfer-Encoding")
)

// A Parser reads one request from br into req. req has already been
// reset with Init.
type Parser interface {
	ReadRequest(br *bufio.Reader, req *Request) error
}

// DefaultParser reads HTTP/1.0 and HTTP/1.1 requests with an optional
// Content-Length delimited body.
type DefaultParser struct {
	// MaxHeaderBytes limits the size of the request line and headers.
	// Zero means DefaultMaxHeaderBytes.
	MaxHeaderBytes int

	// MaxBodyBytes limits the size of the request body.
	// Zero means DefaultMaxBodyBytes.
	MaxBodyBytes int64
}

func (p *DefaultParser) maxHeaderBytes() int {
	if p.MaxHeaderBytes > 0 {
		return p.MaxHeaderBytes
	}
	return DefaultMaxHeaderBytes
}

func (p *DefaultParser) maxBodyBytes() int64 {
	if p.MaxBodyBytes > 0 {
		return p.MaxBodyBytes
	}
	return DefaultMaxBodyBytes
}

func (p *DefaultParser) ReadRequest(br *bufio.Reader, req *Request) error {
	// Headers and body share br, so nothing read past the header block
	// is lost.
	remaining := p.maxHeaderBytes()

	line, err := readLine(br, &remaining)
	if err != nil {
		return err
	}
	if err := parseRequestLine(line, req); err != nil {
		return err
	}

	for {
		line, err := readLine(br, &remaining)
		if err != nil {
			if err == io.EOF {
				return io.ErrUnexpectedEOF
			}
			return err
		}
		if line == "" {
			break
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok || !httpguts.ValidHeaderFieldName(name) {
			return fmt.Errorf("%w: %q", ErrMalformedHeader, line)
		}
		value = strings.TrimSpace(value)
		if !httpguts.ValidHeaderFieldValue(value) {
			return fmt.Errorf("%w: %q", ErrMalformedHeader, line)
		}
		name = textproto.CanonicalMIMEHeaderKey(name)
		if prev, err := req.GetHeader(name); err == nil {
			value = prev + ", " + value
		}
		req.AddHeader(name, value)
	}

	return p.readBody(br, req)
}

func (p *DefaultParser) readBody(br *bufio.Reader, req *Request) error {
	if te, err := req.GetHeader("Transfer-Encoding"); err == nil && !strings.EqualFold(te, "identity") {
		return fmt.Errorf("%w: %s", ErrUnsupportedTransferEncoding, te)
	}

	cl, err := req.GetHeader("Content-Length")
	if errors.Is(err, ErrHeaderNotFound) {
		return nil
	}
	cl = strings.TrimSpace(cl)
	if cl == "" || strings.TrimLeft(cl, "0123456789") != "" {
		return fmt.Errorf("%w: %q", ErrInvalidContentLength, cl)
	}
	n, err := strconv.ParseInt(cl, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidContentLength, cl)
	}
	if n > p.maxBodyBytes() {
		return ErrBodyTooLarge
	}
	if n == 0 {
		return nil
	}
	if _, err := io.CopyN(req.BodyStream(), br, n); err != nil {
		if err == io.EOF {
			return io.ErrUnexpectedEOF
		}
		return err
	}
	return nil
}

// readLine reads one LF or CRLF terminated line from br without the line
// ending. Every fragment is charged against *remaining as it is read, so
// a line never grows past the header limit plus one buffer of br.
func readLine(br *bufio.Reader, remaining *int) (string, error) {
	var line []byte
	for {
		frag, err := br.ReadSlice('\n')
		if *remaining -= len(frag); *remaining < 0 {
			return "", ErrHeaderTooLarge
		}
		line = append(line, frag...)
		if err == nil {
			break
		}
		if err != bufio.ErrBufferFull {
			if err == io.EOF && len(line) > 0 {
				return "", io.ErrUnexpectedEOF
			}
			return "", err
		}
	}
	line = bytes.TrimSuffix(line[:len(line)-1], []byte("\r"))
	return string(line), nil
}

// parseRequestLine parses "METHOD target HTTP/x.y" into req. The target is
// split at the first '?' into the uri and the query string.
func parseRequestLine(line string, req *Request) error {
	method, rest, ok1 := strings.Cut(line, " ")
	target, version, ok2 := strings.Cut(rest, " ")
	if !ok1 || !ok2 || method == "" || target == "" || strings.Contains(version, " ") {
		return fmt.Errorf("%w: %q", ErrMalformedRequestLine, line)
	}
	if !httpguts.ValidHeaderFieldName(method) {
		return fmt.Errorf("%w: bad method %q", ErrMalformedRequestLine, method)
	}
	switch version {
	case "HTTP/1.0", "HTTP/1.1":
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedVersion, version)
	}

	uri, query, _ := strings.Cut(target, "?")
	req.SetMethod(method)
	req.SetURI(uri)
	req.SetQueryString(query)
	req.SetVersion(version)
	return nil
}
