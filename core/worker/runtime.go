// Package worker runs one server process: it drives the application
// lifecycle, accepts on every socket of a shared socket set and stops
// gracefully when told to.
package worker

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/searchktools/prefork/config"
	"github.com/searchktools/prefork/core"
	"github.com/searchktools/prefork/core/http"
	"github.com/searchktools/prefork/core/http2"
	"github.com/searchktools/prefork/core/middleware"
	"github.com/searchktools/prefork/core/observability"
	"github.com/searchktools/prefork/core/shutdown"
	"github.com/searchktools/prefork/core/socket"
)

var (
	// ErrStartup is returned by Serve when the application startup hook
	// failed. Nothing was accepted.
	ErrStartup = errors.New("worker startup failed")
	// ErrReload is returned by Serve after a clean stop caused by a change
	// of a watched file. The caller is expected to restart the process.
	ErrReload = errors.New("reload requested")
)

const maxAcceptBackoff = time.Second

// Runtime serves an application on a socket set until stopped.
type Runtime struct {
	cfg     *config.Config
	app     core.Application
	logger  *zap.Logger
	metrics *observability.WorkerMetrics
	id      int

	handler   http.HandlerFunc
	serveCfg  http.ServeConfig
	tlsConfig *tls.Config
	h2        *http2.Server
	slots     chan struct{}

	quit   chan struct{}
	mu     sync.Mutex
	conns  map[net.Conn]http.ConnState
	connWG sync.WaitGroup
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Runtime) { r.logger = logger }
}

// WithMetrics sets the metrics the runtime records into.
func WithMetrics(m *observability.WorkerMetrics) Option {
	return func(r *Runtime) { r.metrics = m }
}

// WithWorkerID sets the id used in logs and metrics. Defaults to 1.
func WithWorkerID(id int) Option {
	return func(r *Runtime) { r.id = id }
}

// New prepares a runtime. It loads the TLS material when secure addresses are
// configured and builds the request pipeline around app.
func New(cfg *config.Config, app core.Application, opts ...Option) (*Runtime, error) {
	r := &Runtime{
		cfg:    cfg,
		app:    app,
		logger: zap.NewNop(),
		id:     1,
		conns:  make(map[net.Conn]http.ConnState),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(zap.Int("worker", r.id))
	if r.metrics == nil {
		r.metrics = observability.NewWorkerMetrics(r.id)
	}
	if cfg.MaxConnections > 0 {
		r.slots = make(chan struct{}, cfg.MaxConnections)
	}

	r.handler = r.pipeline().Then(app.Handle)
	r.serveCfg = http.ServeConfig{
		ReadTimeout:  cfg.ReadTimeout,
		IdleTimeout:  cfg.IdleTimeout,
		WriteTimeout: cfg.ResponseTimeout,
		Limits: http.Limits{
			MaxHeaderBytes: cfg.MaxHeaderBytes,
			MaxBodyBytes:   cfg.MaxBodyBytes,
		},
		ConnState: r.setConnState,
	}

	if len(cfg.Bind.Secure) > 0 {
		cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load TLS key pair: %w", err)
		}
		r.tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			NextProtos:   []string{"h2", "http/1.1"},
			MinVersion:   tls.VersionTLS12,
		}
		r.h2, err = http2.NewServer(http2.Config{
			Handler:      r.handler,
			IdleTimeout:  cfg.IdleTimeout,
			WriteTimeout: cfg.ResponseTimeout,
			MaxBodyBytes: cfg.MaxBodyBytes,
		})
		if err != nil {
			return nil, fmt.Errorf("configure http2: %w", err)
		}
	}
	return r, nil
}

func (r *Runtime) pipeline() *middleware.Pipeline {
	headers := make([]middleware.HeaderField, 0, len(r.cfg.Headers))
	for _, h := range r.cfg.Headers {
		headers = append(headers, middleware.HeaderField{Name: h.Name, Value: h.Value})
	}

	p := middleware.NewPipeline()
	p.Use(middleware.Headers(headers, r.cfg.IncludeServerHeader))
	if r.cfg.Logging.AccessLog {
		p.Use(middleware.AccessLog(r.logger))
	}
	p.Use(middleware.Metrics(r.metrics))
	if r.cfg.MetricsPath != "" {
		p.Use(middleware.MetricsEndpoint(r.cfg.MetricsPath, r.metrics))
	}
	p.Use(middleware.RequestID())
	p.Use(middleware.Recovery(r.logger, r.metrics.HandlerError))
	if r.cfg.RateLimit > 0 {
		p.Use(middleware.RateLimiter(r.cfg.RateLimit))
	}
	return p
}

// Metrics returns the metrics of this runtime.
func (r *Runtime) Metrics() *observability.WorkerMetrics { return r.metrics }

// Serve runs the application startup hook, then serves every socket of set
// until ctx is done, sig is set or, with the reloader enabled, a watched file
// changes. It then stops accepting, waits for accepted connections to finish
// and runs the shutdown hook. Serve never closes set. sig may be nil.
func (r *Runtime) Serve(ctx context.Context, set *socket.Set, sig *shutdown.Signal) error {
	if len(set.Secure) > 0 && r.tlsConfig == nil {
		return errors.New("secure sockets need a TLS certificate and key")
	}

	var reloader *Reloader
	if r.cfg.UseReloader {
		var err error
		if reloader, err = NewReloader(r.cfg.ReloadPaths, r.logger); err != nil {
			return err
		}
		defer reloader.Close()
	}

	r.logger.Info("Starting worker")
	if err := r.startup(ctx); err != nil {
		r.logger.Error("Application startup failed", zap.Error(err))
		return fmt.Errorf("%w: %w", ErrStartup, err)
	}

	r.quit = make(chan struct{})
	connCtx := context.WithoutCancel(ctx)
	group, groupCtx := errgroup.WithContext(ctx)
	for _, l := range set.Secure {
		group.Go(func() error { return r.acceptLoop(connCtx, l, true) })
	}
	for _, l := range set.Insecure {
		group.Go(func() error { return r.acceptLoop(connCtx, l, false) })
	}
	for _, pc := range set.Datagram {
		group.Go(func() error { return r.datagramLoop(connCtx, pc) })
	}
	r.logger.Info("Worker serving", zap.Int("sockets", set.Counts().Total()))

	reload := r.waitForStop(groupCtx, sig, reloader)

	r.stop(set)
	err := group.Wait()
	r.drain(connCtx)
	r.shutdown(connCtx)
	r.logger.Info("Worker stopped")

	switch {
	case err != nil:
		return err
	case reload:
		return ErrReload
	}
	return nil
}

// waitForStop blocks until the worker has to stop and reports whether a
// reload caused it.
func (r *Runtime) waitForStop(ctx context.Context, sig *shutdown.Signal, reloader *Reloader) bool {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	signaled := make(chan struct{})
	go func() {
		if sig.Wait(ctx, r.cfg.ShutdownPollInterval) == nil {
			close(signaled)
		}
	}()

	var reloads <-chan struct{}
	if reloader != nil {
		reloads = reloader.Events()
	}

	select {
	case <-ctx.Done():
		r.logger.Info("Stopping worker", zap.String("reason", "interrupt"))
	case <-signaled:
		r.logger.Info("Stopping worker", zap.String("reason", "shutdown signal"))
	case <-reloads:
		r.logger.Info("Stopping worker", zap.String("reason", "reload"))
		return true
	}
	return false
}

// stop makes every accept and read on set return without closing anything.
func (r *Runtime) stop(set *socket.Set) {
	close(r.quit)
	for _, l := range append(append([]net.Listener{}, set.Secure...), set.Insecure...) {
		if err := socket.StopAccepting(l); err != nil {
			r.logger.Warn("Cannot stop accepting", zap.Stringer("addr", l.Addr()), zap.Error(err))
		}
	}
	for _, pc := range set.Datagram {
		if err := socket.StopReading(pc); err != nil {
			r.logger.Warn("Cannot stop reading", zap.Stringer("addr", pc.LocalAddr()), zap.Error(err))
		}
	}
}

// drain wakes connections idle between requests and waits for every accepted
// connection to finish. Connections in the middle of a request are left to
// their own timeouts.
func (r *Runtime) drain(ctx context.Context) {
	r.mu.Lock()
	for conn, state := range r.conns {
		if state == http.StateIdle {
			_ = conn.SetReadDeadline(time.Now())
		}
	}
	r.mu.Unlock()

	if r.h2 != nil {
		if err := r.h2.Shutdown(ctx); err != nil {
			r.logger.Warn("HTTP/2 shutdown failed", zap.Error(err))
		}
	}
	r.connWG.Wait()
}

func (r *Runtime) stopping() bool {
	select {
	case <-r.quit:
		return true
	default:
		return false
	}
}

func (r *Runtime) acceptLoop(ctx context.Context, l net.Listener, secure bool) error {
	var backoff time.Duration
	for {
		if !r.acquireSlot() {
			return nil
		}
		conn, err := l.Accept()
		if err != nil {
			r.releaseSlot()
			if r.stopping() {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("accept on %s: %w", l.Addr(), err)
			}
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else {
				backoff = min(2*backoff, maxAcceptBackoff)
			}
			r.logger.Warn("Accept failed", zap.Stringer("addr", l.Addr()), zap.Error(err), zap.Duration("retry", backoff))
			select {
			case <-time.After(backoff):
			case <-r.quit:
				return nil
			}
			continue
		}
		backoff = 0
		r.connWG.Add(1)
		go r.serveConn(ctx, conn, secure)
	}
}

func (r *Runtime) acquireSlot() bool {
	if r.slots == nil {
		return true
	}
	select {
	case r.slots <- struct{}{}:
		return true
	case <-r.quit:
		return false
	}
}

func (r *Runtime) releaseSlot() {
	if r.slots != nil {
		<-r.slots
	}
}

// setConnState records the phase of conn. drain holds r.mu while it expires
// deadlines, so a connection leaving StateIdle is never woken afterwards.
func (r *Runtime) setConnState(conn net.Conn, state http.ConnState) {
	r.mu.Lock()
	r.conns[conn] = state
	r.mu.Unlock()
}

func (r *Runtime) forget(conn net.Conn) {
	r.mu.Lock()
	delete(r.conns, conn)
	r.mu.Unlock()
}

func (r *Runtime) serveConn(ctx context.Context, conn net.Conn, secure bool) {
	defer r.connWG.Done()
	defer r.releaseSlot()
	defer conn.Close()

	r.metrics.ConnectionOpened()
	defer r.metrics.ConnectionClosed()

	raw := conn
	defer r.forget(raw)
	if secure {
		tlsConn, ok := r.handshake(ctx, raw)
		if !ok {
			return
		}
		if tlsConn.ConnectionState().NegotiatedProtocol == "h2" {
			r.h2.ServeConn(ctx, tlsConn)
			return
		}
		conn = tlsConn
		defer r.forget(conn)
	}

	err := http.ServeConn(ctx, conn, r.serveCfg, r.handler, r.quit)
	switch {
	case errors.Is(err, http.ErrSendTimeout):
		r.metrics.SendTimeout()
		r.logger.Debug("Response send timed out, dropping connection", zap.Stringer("remote", raw.RemoteAddr()))
	case err != nil:
		r.logger.Debug("Connection closed with error", zap.Stringer("remote", raw.RemoteAddr()), zap.Error(err))
	}
}

// handshake waits for the client hello as an idle connection, so a stop wakes
// clients that connect and send nothing, then runs the TLS handshake.
func (r *Runtime) handshake(ctx context.Context, raw net.Conn) (*tls.Conn, bool) {
	r.setConnState(raw, http.StateIdle)
	var deadline time.Time
	if r.cfg.TLS.HandshakeTimeout > 0 {
		deadline = time.Now().Add(r.cfg.TLS.HandshakeTimeout)
	}
	_ = raw.SetDeadline(deadline)
	if r.stopping() {
		return nil, false
	}
	first := make([]byte, 1)
	if _, err := io.ReadFull(raw, first); err != nil {
		r.logger.Debug("No TLS client hello", zap.Stringer("remote", raw.RemoteAddr()), zap.Error(err))
		return nil, false
	}
	r.setConnState(raw, http.StateActive)
	_ = raw.SetDeadline(deadline)

	tlsConn := tls.Server(&helloConn{Conn: raw, first: first}, r.tlsConfig)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		r.logger.Debug("TLS handshake failed", zap.Stringer("remote", raw.RemoteAddr()), zap.Error(err))
		return nil, false
	}
	_ = raw.SetDeadline(time.Time{})
	return tlsConn, true
}

// helloConn replays the first byte read while waiting for a client hello.
type helloConn struct {
	net.Conn
	first []byte
}

func (c *helloConn) Read(p []byte) (int, error) {
	if len(c.first) > 0 {
		n := copy(p, c.first)
		c.first = c.first[n:]
		return n, nil
	}
	return c.Conn.Read(p)
}
