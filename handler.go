package simple_httpd

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
)

type serverHandler struct {
	srv *Server
}

func (sh serverHandler) Serve(rw ResponseWriter, req *Request) {
	handler := sh.srv.Handler
	if handler == nil {
		handler = FileServer()
	}
	handler.Serve(rw, req)
}

type Handler interface {
	Serve(ResponseWriter, *Request)
}

type HandlerFunc func(ResponseWriter, *Request)

// Serve calls f(w, r).
func (f HandlerFunc) Serve(w ResponseWriter, r *Request) {
	f(w, r)
}

// Error replies to the request with the given status code and a plain
// text message.
func Error(w ResponseWriter, msg string, code int) {
	w.Header()["Content-Type"] = "text/plain; charset=utf-8"
	w.WriteHeader(code)
	fmt.Fprintln(w, msg)
}

// NotFound replies to the request with a 404 error.
func NotFound(w ResponseWriter, r *Request) {
	Error(w, "404 page not found", http.StatusNotFound)
}

// NotFoundHandler returns a simple request handler
// that replies to each request with a ``404 page not found'' reply.
func NotFoundHandler() Handler { return HandlerFunc(NotFound) }

const indexPage = "index.html"

type fileHandler struct{}

// FileServer returns a handler that serves files below the request's
// document root. Directories are served through their index.html.
func FileServer() Handler { return fileHandler{} }

func (fileHandler) Serve(w ResponseWriter, r *Request) {
	switch r.Method() {
	case "GET", "HEAD":
	default:
		w.Header()["Allow"] = "GET, HEAD"
		Error(w, "405 method not allowed", http.StatusMethodNotAllowed)
		return
	}

	name, err := r.CleanRealPath()
	switch {
	case errors.Is(err, ErrPathTraversal):
		Error(w, "403 forbidden", http.StatusForbidden)
		return
	case errors.Is(err, ErrInvalidPath):
		Error(w, "400 bad request", http.StatusBadRequest)
		return
	case err != nil:
		Error(w, "500 internal server error", http.StatusInternalServerError)
		return
	}

	f, fi, err := openFile(name)
	if err != nil {
		switch {
		case errors.Is(err, fs.ErrNotExist):
			NotFound(w, r)
		case errors.Is(err, fs.ErrPermission):
			Error(w, "403 forbidden", http.StatusForbidden)
		default:
			Error(w, "500 internal server error", http.StatusInternalServerError)
		}
		return
	}
	defer f.Close()

	ctype := mime.TypeByExtension(filepath.Ext(fi.Name()))
	if ctype == "" {
		ctype = "application/octet-stream"
	}
	w.Header()["Content-Type"] = ctype
	w.Header()["Content-Length"] = strconv.FormatInt(fi.Size(), 10)
	w.Header()["Last-Modified"] = fi.ModTime().UTC().Format(http.TimeFormat)
	w.WriteHeader(http.StatusOK)

	if r.Method() == "HEAD" {
		return
	}
	io.Copy(w, f)
}

// openFile opens name, or the index page if name is a directory.
func openFile(name string) (*os.File, fs.FileInfo, error) {
	fi, err := os.Stat(name)
	if err != nil {
		return nil, nil, err
	}
	if fi.IsDir() {
		name = filepath.Join(name, indexPage)
		if fi, err = os.Stat(name); err != nil {
			return nil, nil, err
		}
		if fi.IsDir() {
			return nil, nil, fs.ErrNotExist
		}
	}
	f, err := os.Open(name)
	if err != nil {
		return nil, nil, err
	}
	return f, fi, nil
}
