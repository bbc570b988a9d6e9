package http2

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/http2"

	corehttp "github.com/searchktools/prefork/core/http"
)

// Server serves HTTP/2 connections negotiated through ALPN and bridges every
// stream to a corehttp.HandlerFunc.
type Server struct {
	handler      corehttp.HandlerFunc
	base         *http.Server
	h2           *http2.Server
	writeTimeout time.Duration
	maxBody      int64
}

// Config contains HTTP/2 server configuration
type Config struct {
	Handler              corehttp.HandlerFunc
	MaxConcurrentStreams uint32
	MaxReadFrameSize     uint32
	IdleTimeout          time.Duration
	// WriteTimeout bounds writing one response.
	WriteTimeout time.Duration
	MaxBodyBytes int64
}

// NewServer creates a new HTTP/2 server
func NewServer(cfg Config) (*Server, error) {
	if cfg.MaxConcurrentStreams == 0 {
		cfg.MaxConcurrentStreams = 250
	}
	if cfg.MaxReadFrameSize == 0 {
		cfg.MaxReadFrameSize = 1 << 20
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 120 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = corehttp.DefaultLimits.MaxBodyBytes
	}

	s := &Server{
		handler:      cfg.Handler,
		base:         &http.Server{},
		writeTimeout: cfg.WriteTimeout,
		maxBody:      cfg.MaxBodyBytes,
		h2: &http2.Server{
			MaxConcurrentStreams: cfg.MaxConcurrentStreams,
			MaxReadFrameSize:     cfg.MaxReadFrameSize,
			IdleTimeout:          cfg.IdleTimeout,
		},
	}
	// Registers the GOAWAY hook run by Shutdown.
	if err := http2.ConfigureServer(s.base, s.h2); err != nil {
		return nil, err
	}
	return s, nil
}

// ServeConn serves an established connection whose TLS handshake negotiated
// "h2". It returns when the connection is closed.
func (s *Server) ServeConn(ctx context.Context, conn net.Conn) {
	s.h2.ServeConn(conn, &http2.ServeConnOpts{
		Context:    ctx,
		BaseConfig: s.base,
		Handler:    s,
	})
}

// Shutdown sends GOAWAY on every open connection. Connections close on their
// own once their streams finish.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.base.Shutdown(ctx)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	req := corehttp.AcquireRequest()
	defer corehttp.ReleaseRequest(req)

	req.Method = r.Method
	req.Path = r.URL.Path
	req.RawQuery = r.URL.RawQuery
	req.Proto = r.Proto
	req.RemoteAddr = r.RemoteAddr
	req.Host = r.Host
	if values := r.URL.Query(); len(values) > 0 {
		if req.Query == nil {
			req.Query = make(map[string]string, len(values))
		}
		for k, v := range values {
			req.Query[k] = v[0]
		}
	}
	for k, v := range r.Header {
		req.SetHeader(k, strings.Join(v, ", "))
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, s.maxBody+1))
	if err != nil {
		http.Error(w, corehttp.StatusText(400), 400)
		return
	}
	if int64(len(body)) > s.maxBody {
		http.Error(w, corehttp.StatusText(413), 413)
		return
	}
	req.Body = append(req.Body[:0], body...)
	req.ContentLength = int64(len(body))

	c := corehttp.AcquireContext(r.Context(), req)
	defer corehttp.ReleaseContext(c)
	if err := s.handler(c); err != nil {
		c.Response().Reset()
		c.String(500, corehttp.StatusText(500))
	}

	if s.writeTimeout > 0 {
		_ = http.NewResponseController(w).SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	resp := c.Response()
	h := w.Header()
	for _, f := range resp.Header {
		switch strings.ToLower(f.Name) {
		case "connection", "keep-alive", "transfer-encoding", "upgrade", "content-length":
			continue
		}
		h.Add(f.Name, f.Value)
	}
	code := resp.Status()
	if code == 204 || code == 304 {
		w.WriteHeader(code)
		return
	}
	h.Set("Content-Length", strconv.Itoa(len(resp.Body)))
	w.WriteHeader(code)
	if r.Method != http.MethodHead {
		_, _ = w.Write(resp.Body)
	}
}
