package http

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net/url"
	"strconv"
	"strings"
)

var (
	ErrInvalidRequest      = errors.New("invalid HTTP request")
	ErrHeaderTooLarge      = errors.New("request header too large")
	ErrBodyTooLarge        = errors.New("request body too large")
	ErrUnsupportedEncoding = errors.New("unsupported transfer encoding")
)

// Limits bounds what ReadRequest accepts.
type Limits struct {
	MaxHeaderBytes int
	MaxBodyBytes   int64
}

// DefaultLimits is used when a zero Limits is passed to ReadRequest.
var DefaultLimits = Limits{
	MaxHeaderBytes: 1 << 20,
	MaxBodyBytes:   10 << 20,
}

// ReadRequest reads one request from r. It returns io.EOF when the peer closed
// the connection before sending anything.
func ReadRequest(r *bufio.Reader, limits Limits) (*Request, error) {
	if limits.MaxHeaderBytes <= 0 {
		limits.MaxHeaderBytes = DefaultLimits.MaxHeaderBytes
	}
	if limits.MaxBodyBytes <= 0 {
		limits.MaxBodyBytes = DefaultLimits.MaxBodyBytes
	}
	budget := limits.MaxHeaderBytes

	line, err := readLine(r, &budget)
	if err != nil {
		return nil, err
	}
	// Tolerate stray CRLF between pipelined requests.
	for len(line) == 0 {
		if line, err = readLine(r, &budget); err != nil {
			return nil, err
		}
	}

	req := AcquireRequest()
	if err := parseRequestLine(req, line); err != nil {
		ReleaseRequest(req)
		return nil, err
	}

	chunked := false
	for {
		line, err = readLine(r, &budget)
		if err != nil {
			ReleaseRequest(req)
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
		if len(line) == 0 {
			break
		}
		key, value, ok := bytes.Cut(line, []byte{':'})
		if !ok || len(key) == 0 {
			ReleaseRequest(req)
			return nil, ErrInvalidRequest
		}
		k := string(bytes.TrimSpace(key))
		v := string(bytes.TrimSpace(value))
		switch {
		case strings.EqualFold(k, "Content-Length"):
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil || n < 0 {
				ReleaseRequest(req)
				return nil, ErrInvalidRequest
			}
			req.ContentLength = n
		case strings.EqualFold(k, "Transfer-Encoding"):
			if !strings.EqualFold(v, "identity") {
				chunked = true
			}
		default:
			req.SetHeader(k, v)
		}
	}

	if chunked {
		ReleaseRequest(req)
		return nil, ErrUnsupportedEncoding
	}
	if req.ContentLength > limits.MaxBodyBytes {
		ReleaseRequest(req)
		return nil, ErrBodyTooLarge
	}
	if req.ContentLength > 0 {
		n := int(req.ContentLength)
		if cap(req.Body) < n {
			req.Body = make([]byte, n)
		}
		req.Body = req.Body[:n]
		if _, err := io.ReadFull(r, req.Body); err != nil {
			ReleaseRequest(req)
			return nil, io.ErrUnexpectedEOF
		}
	}
	return req, nil
}

func parseRequestLine(req *Request, line []byte) error {
	method, rest, ok := bytes.Cut(line, []byte{' '})
	if !ok || len(method) == 0 {
		return ErrInvalidRequest
	}
	target, proto, ok := bytes.Cut(rest, []byte{' '})
	if !ok || len(target) == 0 {
		return ErrInvalidRequest
	}
	if !bytes.HasPrefix(proto, []byte("HTTP/1.")) {
		return ErrInvalidRequest
	}

	req.Method = string(method)
	req.Proto = string(proto)

	path := string(target)
	if idx := strings.IndexByte(path, '?'); idx != -1 {
		req.RawQuery = path[idx+1:]
		path = path[:idx]
		parseQuery(req, req.RawQuery)
	}
	if unescaped, err := url.PathUnescape(path); err == nil {
		path = unescaped
	}
	req.Path = path
	return nil
}

// parseQuery keeps the first value of each key.
func parseQuery(req *Request, raw string) {
	if raw == "" {
		return
	}
	if req.Query == nil {
		req.Query = make(map[string]string)
	}
	for raw != "" {
		var pair string
		pair, raw, _ = strings.Cut(raw, "&")
		if pair == "" {
			continue
		}
		key, value, _ := strings.Cut(pair, "=")
		if k, err := url.QueryUnescape(key); err == nil {
			key = k
		}
		if v, err := url.QueryUnescape(value); err == nil {
			value = v
		}
		if _, ok := req.Query[key]; !ok {
			req.Query[key] = value
		}
	}
}

// readLine returns one line without its CRLF, charging it against budget.
func readLine(r *bufio.Reader, budget *int) ([]byte, error) {
	var line []byte
	for {
		chunk, err := r.ReadSlice('\n')
		*budget -= len(chunk)
		if *budget < 0 {
			return nil, ErrHeaderTooLarge
		}
		if err == bufio.ErrBufferFull {
			line = append(line, chunk...)
			continue
		}
		if err != nil {
			if err == io.EOF && (len(line) > 0 || len(chunk) > 0) {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		if line != nil {
			chunk = append(line, chunk...)
		}
		chunk = bytes.TrimSuffix(chunk, []byte{'\n'})
		return bytes.TrimSuffix(chunk, []byte{'\r'}), nil
	}
}
