package http

import (
	"strconv"
	"strings"
)

// HeaderField is a single response header. Order is preserved on the wire.
type HeaderField struct {
	Name  string
	Value string
}

// Response is a buffered HTTP response built by a handler and written by the
// connection loop once the handler returns.
type Response struct {
	StatusCode int
	Header     []HeaderField
	Body       []byte
}

// Reset clears the response, keeping allocated capacity.
func (r *Response) Reset() {
	r.StatusCode = 0
	r.Header = r.Header[:0]
	r.Body = r.Body[:0]
}

// SetHeader replaces every header named name with a single value.
func (r *Response) SetHeader(name, value string) {
	r.DelHeader(name)
	r.Header = append(r.Header, HeaderField{Name: name, Value: value})
}

// AddHeader appends a header without touching existing ones.
func (r *Response) AddHeader(name, value string) {
	r.Header = append(r.Header, HeaderField{Name: name, Value: value})
}

// GetHeader returns the first value of the named header.
func (r *Response) GetHeader(name string) string {
	for _, h := range r.Header {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// HasHeader reports whether the named header is present.
func (r *Response) HasHeader(name string) bool {
	for _, h := range r.Header {
		if strings.EqualFold(h.Name, name) {
			return true
		}
	}
	return false
}

// DelHeader removes every header named name.
func (r *Response) DelHeader(name string) {
	kept := r.Header[:0]
	for _, h := range r.Header {
		if !strings.EqualFold(h.Name, name) {
			kept = append(kept, h)
		}
	}
	r.Header = kept
}

// Status returns the status code, defaulting to 200.
func (r *Response) Status() int {
	if r.StatusCode == 0 {
		return 200
	}
	return r.StatusCode
}

// AppendTo serializes the response as HTTP/1.1. Content-Length is always
// computed from the body; a user supplied one is dropped. The body is omitted
// for HEAD requests.
func (r *Response) AppendTo(b []byte, head, closeConn bool) []byte {
	code := r.Status()
	b = append(b, "HTTP/1.1 "...)
	b = strconv.AppendInt(b, int64(code), 10)
	b = append(b, ' ')
	b = append(b, StatusText(code)...)
	b = append(b, "\r\n"...)
	for _, h := range r.Header {
		if strings.EqualFold(h.Name, "Content-Length") || strings.EqualFold(h.Name, "Connection") {
			continue
		}
		b = append(b, h.Name...)
		b = append(b, ": "...)
		b = append(b, h.Value...)
		b = append(b, "\r\n"...)
	}
	if bodyAllowed(code) {
		b = append(b, "Content-Length: "...)
		b = strconv.AppendInt(b, int64(len(r.Body)), 10)
		b = append(b, "\r\n"...)
	}
	if closeConn {
		b = append(b, "Connection: close\r\n"...)
	}
	b = append(b, "\r\n"...)
	if !head && bodyAllowed(code) {
		b = append(b, r.Body...)
	}
	return b
}

func bodyAllowed(code int) bool {
	return code >= 200 && code != 204 && code != 304
}

// StatusText returns the reason phrase for code.
func StatusText(code int) string {
	switch code {
	case 100:
		return "Continue"
	case 200:
		return "OK"
	case 201:
		return "Created"
	case 202:
		return "Accepted"
	case 204:
		return "No Content"
	case 301:
		return "Moved Permanently"
	case 302:
		return "Found"
	case 304:
		return "Not Modified"
	case 400:
		return "Bad Request"
	case 401:
		return "Unauthorized"
	case 403:
		return "Forbidden"
	case 404:
		return "Not Found"
	case 405:
		return "Method Not Allowed"
	case 408:
		return "Request Timeout"
	case 413:
		return "Payload Too Large"
	case 429:
		return "Too Many Requests"
	case 431:
		return "Request Header Fields Too Large"
	case 500:
		return "Internal Server Error"
	case 501:
		return "Not Implemented"
	case 502:
		return "Bad Gateway"
	case 503:
		return "Service Unavailable"
	case 504:
		return "Gateway Timeout"
	default:
		return "Unknown"
	}
}
