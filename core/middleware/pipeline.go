package middleware

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/searchktools/prefork/core/http"
	"github.com/searchktools/prefork/core/observability"
)

// Middleware wraps the rest of the chain. It calls next to continue and may
// inspect or rewrite the response after next returns.
type Middleware func(ctx http.Context, next http.HandlerFunc) error

// Pipeline is an ordered middleware chain. The first middleware added is the
// outermost one.
type Pipeline struct {
	handlers []Middleware
}

// NewPipeline creates a new middleware pipeline
func NewPipeline() *Pipeline {
	return &Pipeline{
		handlers: make([]Middleware, 0, 8),
	}
}

// Use adds a middleware to the pipeline
func (p *Pipeline) Use(m Middleware) *Pipeline {
	p.handlers = append(p.handlers, m)
	return p
}

// Len returns the number of middlewares.
func (p *Pipeline) Len() int { return len(p.handlers) }

// Then compiles the pipeline around final. Later calls to Use do not affect
// the returned handler.
func (p *Pipeline) Then(final http.HandlerFunc) http.HandlerFunc {
	h := final
	for i := len(p.handlers) - 1; i >= 0; i-- {
		m, next := p.handlers[i], h
		h = func(ctx http.Context) error {
			return m(ctx, next)
		}
	}
	return h
}

// Execute runs the pipeline once around final.
func (p *Pipeline) Execute(ctx http.Context, final http.HandlerFunc) error {
	return p.Then(final)(ctx)
}

// Recovery turns a handler error or panic into a 500 response so that one
// failing request never affects the connection loop or other requests.
// onFailure, when set, is called once per converted failure.
func Recovery(logger *zap.Logger, onFailure func()) Middleware {
	return func(ctx http.Context, next http.HandlerFunc) (err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("handler panicked",
					zap.String("method", ctx.Method()),
					zap.String("path", ctx.Path()),
					zap.Any("panic", r),
					zap.Stack("stack"),
				)
				internalError(ctx)
				err = nil
				if onFailure != nil {
					onFailure()
				}
			}
		}()

		if err := next(ctx); err != nil {
			logger.Error("handler failed",
				zap.String("method", ctx.Method()),
				zap.String("path", ctx.Path()),
				zap.Error(err),
			)
			internalError(ctx)
			if onFailure != nil {
				onFailure()
			}
		}
		return nil
	}
}

func internalError(ctx http.Context) {
	ctx.Response().Reset()
	ctx.String(500, http.StatusText(500))
}

// HeaderField is a custom header appended to every response.
type HeaderField = http.HeaderField

// ServerName is the value of the default server header.
const ServerName = "prefork"

const dateFormat = "Mon, 02 Jan 2006 15:04:05 GMT"

// Headers appends, after the handler ran, a date header, a server header
// (unless disabled or provided in custom) and then every custom header in
// order. Custom headers are added even when the response already carries the
// same name; custom server headers replace the application's.
func Headers(custom []HeaderField, includeServer bool) Middleware {
	customServer := false
	for _, h := range custom {
		if strings.EqualFold(h.Name, "server") {
			customServer = true
		}
	}
	return func(ctx http.Context, next http.HandlerFunc) error {
		err := next(ctx)
		resp := ctx.Response()
		resp.SetHeader("date", time.Now().UTC().Format(dateFormat))
		if includeServer && !customServer {
			resp.SetHeader("server", ServerName)
		}
		if customServer {
			resp.DelHeader("server")
		}
		for _, h := range custom {
			resp.AddHeader(h.Name, h.Value)
		}
		return err
	}
}

// RequestIDHeader carries the request id.
const RequestIDHeader = "X-Request-ID"

// RequestID echoes the client's request id or generates a new one.
func RequestID() Middleware {
	return func(ctx http.Context, next http.HandlerFunc) error {
		id := ctx.Header(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		err := next(ctx)
		ctx.Response().SetHeader(RequestIDHeader, id)
		return err
	}
}

// AccessLog writes one log line per request.
func AccessLog(logger *zap.Logger) Middleware {
	logger = logger.With(zap.String("type", "access"))
	return func(ctx http.Context, next http.HandlerFunc) error {
		start := time.Now()
		err := next(ctx)
		logger.Info(fmt.Sprintf("%s %s", ctx.Method(), ctx.Path()),
			zap.String("remote", ctx.RemoteAddr()),
			zap.String("proto", ctx.Request().Proto),
			zap.Int("status", ctx.Response().Status()),
			zap.Int("size", len(ctx.Response().Body)),
			zap.Duration("duration", time.Since(start)),
		)
		return err
	}
}

// RateLimiter answers 429 once more than requestsPerSecond requests arrive
// in a second, allowing bursts of the same size.
func RateLimiter(requestsPerSecond float64) Middleware {
	burst := int(requestsPerSecond)
	if burst < 1 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(requestsPerSecond), burst)
	return func(ctx http.Context, next http.HandlerFunc) error {
		if !limiter.Allow() {
			ctx.Error(429, http.StatusText(429))
			return nil
		}
		return next(ctx)
	}
}

// Metrics records every answered request.
func Metrics(m *observability.WorkerMetrics) Middleware {
	return func(ctx http.Context, next http.HandlerFunc) error {
		start := time.Now()
		err := next(ctx)
		m.ObserveRequest(ctx.Response().Status(), time.Since(start))
		return err
	}
}

// MetricsEndpoint answers GET requests on path with the worker metrics in the
// Prometheus text format.
func MetricsEndpoint(path string, m *observability.WorkerMetrics) Middleware {
	return func(ctx http.Context, next http.HandlerFunc) error {
		if ctx.Path() != path || ctx.Method() != "GET" {
			return next(ctx)
		}
		var buf bytes.Buffer
		if err := m.WriteText(&buf); err != nil {
			return err
		}
		ctx.Data(200, string(observability.TextFormat), buf.Bytes())
		return nil
	}
}
