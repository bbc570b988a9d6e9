package http

import (
	"net/textproto"
	"strings"
	"sync"
)

// Request is a parsed HTTP request. Requests are pooled; handlers must not
// retain them after returning.
type Request struct {
	Method     string
	Path       string
	RawQuery   string
	Proto      string
	RemoteAddr string

	// Predefined common header fields
	ContentType   string
	ContentLength int64
	UserAgent     string
	Host          string
	Connection    string

	// Extra headers, keyed by canonical name
	ExtraHeaders map[string]string

	// Query parameters
	Query map[string]string

	Body []byte
}

var requestPool = sync.Pool{
	New: func() any {
		return &Request{
			Body: make([]byte, 0, 1024),
		}
	},
}

// AcquireRequest returns an empty request from the pool.
func AcquireRequest() *Request {
	return requestPool.Get().(*Request)
}

// ReleaseRequest resets req and puts it back in the pool.
func ReleaseRequest(req *Request) {
	req.Reset()
	requestPool.Put(req)
}

// Reset clears the request, keeping allocated capacity.
func (r *Request) Reset() {
	r.Method = ""
	r.Path = ""
	r.RawQuery = ""
	r.Proto = ""
	r.RemoteAddr = ""
	r.ContentType = ""
	r.ContentLength = 0
	r.UserAgent = ""
	r.Host = ""
	r.Connection = ""
	clear(r.ExtraHeaders)
	clear(r.Query)
	r.Body = r.Body[:0]
}

// SetHeader stores a header value, preferring the predefined fields.
// Content-Length is handled by the parser and ignored here.
func (r *Request) SetHeader(key, value string) {
	switch key = textproto.CanonicalMIMEHeaderKey(key); key {
	case "Content-Type":
		r.ContentType = value
	case "Content-Length":
	case "User-Agent":
		r.UserAgent = value
	case "Host":
		r.Host = value
	case "Connection":
		r.Connection = value
	default:
		if r.ExtraHeaders == nil {
			r.ExtraHeaders = make(map[string]string)
		}
		if prev, ok := r.ExtraHeaders[key]; ok {
			value = prev + ", " + value
		}
		r.ExtraHeaders[key] = value
	}
}

// Header returns the value of the named request header.
func (r *Request) Header(key string) string {
	switch key = textproto.CanonicalMIMEHeaderKey(key); key {
	case "Content-Type":
		return r.ContentType
	case "User-Agent":
		return r.UserAgent
	case "Host":
		return r.Host
	case "Connection":
		return r.Connection
	}
	return r.ExtraHeaders[key]
}

// KeepAlive reports whether the client asked for the connection to stay open.
func (r *Request) KeepAlive() bool {
	conn := strings.ToLower(r.Connection)
	if r.Proto == "HTTP/1.0" {
		return strings.Contains(conn, "keep-alive")
	}
	return !strings.Contains(conn, "close")
}
