package simple_httpd

import (
	"bytes"
	"context"
	"fmt"
	"maps"
	"net/http"
	"sort"
	"strconv"
	"time"
)

const serverName = "simple_httpd"

type ResponseWriter interface {
	// Header returns the response headers. Changes after the first call
	// to WriteHeader have no effect.
	Header() map[string]string
	WriteHeader(statusCode int)
	Write([]byte) (int, error)
}

// A response represents the server side of a response. The body is
// buffered and sent with a Content-Length when the handler returns.
type response struct {
	conn      *conn
	req       *Request           // request for this response
	cancelCtx context.CancelFunc // when Serve exits

	header      map[string]string
	sentHeader  map[string]string // header as of WriteHeader
	status      int
	wroteHeader bool
	body        bytes.Buffer

	// closeAfter is set when the connection must not be reused.
	closeAfter bool
}

func (w *response) Header() map[string]string {
	return w.header
}

func (w *response) WriteHeader(statusCode int) {
	if w.wroteHeader {
		w.conn.srv.logf("simple_httpd: superfluous WriteHeader call for %s", w.req.URI())
		return
	}
	if statusCode < 100 || statusCode > 999 {
		panic(fmt.Sprintf("invalid WriteHeader code %v", statusCode))
	}
	w.wroteHeader = true
	w.status = statusCode
	w.sentHeader = maps.Clone(w.header)
}

func (w *response) Write(p []byte) (n int, err error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	if w.req.Method() == "HEAD" {
		return len(p), nil
	}
	return w.body.Write(p)
}

// finishRequest writes the status line, headers and buffered body to the
// connection and flushes it.
func (w *response) finishRequest() {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	header := w.sentHeader
	if _, ok := header["Content-Length"]; !ok {
		header["Content-Length"] = strconv.Itoa(w.body.Len())
	}
	if w.closeAfter {
		header["Connection"] = "close"
	} else if w.req.Version() == "HTTP/1.0" {
		header["Connection"] = "keep-alive"
	}
	writeResponse(w.conn, w.req.Version(), w.status, header, w.body.Bytes())
}

// writeResponse sends a complete response on c and flushes it.
func writeResponse(c *conn, version string, status int, header map[string]string, body []byte) {
	if version == "" {
		version = "HTTP/1.1"
	}
	if _, ok := header["Date"]; !ok {
		header["Date"] = time.Now().UTC().Format(http.TimeFormat)
	}
	if _, ok := header["Server"]; !ok {
		header["Server"] = serverName
	}

	fmt.Fprintf(c.bufw, "%s %03d %s\r\n", version, status, http.StatusText(status))

	keys := make([]string, 0, len(header))
	for k := range header {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(c.bufw, "%s: %s\r\n", k, header[k])
	}
	c.bufw.WriteString("\r\n")
	c.bufw.Write(body)
	c.bufw.Flush()
}

// writeError sends a plain text error response and marks the connection
// for closing.
func (c *conn) writeError(status int, msg string) {
	body := []byte(msg + "\n")
	writeResponse(c, "HTTP/1.1", status, map[string]string{
		"Content-Type":   "text/plain; charset=utf-8",
		"Content-Length": strconv.Itoa(len(body)),
		"Connection":     "close",
	}, body)
}
