package simple_httpd

import "sync"

var requestPool sync.Pool

// acquireRequest returns a pooled Request reset by Init.
func acquireRequest() *Request {
	if v := requestPool.Get(); v != nil {
		r := v.(*Request)
		r.Init()
		return r
	}
	return NewRequest()
}

// releaseRequest closes the body stream of r and puts r back in the pool.
// r must not be used after this call.
func releaseRequest(r *Request) {
	r.Close()
	r.documentRoot = ""
	requestPool.Put(r)
}
