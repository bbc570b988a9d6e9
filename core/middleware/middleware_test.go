package middleware

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/searchktools/prefork/core/http"
	"github.com/searchktools/prefork/core/observability"
)

func newContext(t *testing.T, method, path string) *http.StandardContext {
	t.Helper()
	req := &http.Request{Method: method, Path: path, Proto: "HTTP/1.1", RemoteAddr: "10.0.0.1:1234"}
	c := http.AcquireContext(context.Background(), req)
	t.Cleanup(func() { http.ReleaseContext(c) })
	return c
}

func ok(ctx http.Context) error {
	ctx.String(200, "ok")
	return nil
}

func TestPipelineOrder(t *testing.T) {
	var trace []string
	mark := func(name string) Middleware {
		return func(ctx http.Context, next http.HandlerFunc) error {
			trace = append(trace, name+">")
			err := next(ctx)
			trace = append(trace, "<"+name)
			return err
		}
	}

	p := NewPipeline().Use(mark("a")).Use(mark("b"))
	require.Equal(t, 2, p.Len())

	err := p.Execute(newContext(t, "GET", "/"), func(ctx http.Context) error {
		trace = append(trace, "handler")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a>", "b>", "handler", "<b", "<a"}, trace)
}

func TestPipelineShortCircuit(t *testing.T) {
	called := false
	p := NewPipeline().Use(func(ctx http.Context, next http.HandlerFunc) error {
		ctx.Status(204)
		return nil
	})
	c := newContext(t, "OPTIONS", "/")
	require.NoError(t, p.Execute(c, func(ctx http.Context) error {
		called = true
		return nil
	}))
	assert.False(t, called)
	assert.Equal(t, 204, c.Response().Status())
}

func TestRecovery(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	failures := 0
	p := NewPipeline().Use(Recovery(zap.New(core), func() { failures++ }))

	t.Run("panic", func(t *testing.T) {
		c := newContext(t, "GET", "/panic")
		err := p.Execute(c, func(ctx http.Context) error {
			ctx.String(200, "half written")
			panic("kaboom")
		})
		require.NoError(t, err)
		assert.Equal(t, 500, c.Response().Status())
		assert.Equal(t, "Internal Server Error", string(c.Response().Body))
	})

	t.Run("error", func(t *testing.T) {
		c := newContext(t, "GET", "/error")
		err := p.Execute(c, func(ctx http.Context) error {
			return errors.New("db down")
		})
		require.NoError(t, err)
		assert.Equal(t, 500, c.Response().Status())
	})

	t.Run("success", func(t *testing.T) {
		c := newContext(t, "GET", "/")
		require.NoError(t, p.Execute(c, ok))
		assert.Equal(t, 200, c.Response().Status())
	})

	assert.Equal(t, 2, failures)
	require.Equal(t, 2, logs.Len())
	entries := logs.All()
	assert.Equal(t, "handler panicked", entries[0].Message)
	assert.Equal(t, "/panic", entries[0].ContextMap()["path"])
	assert.Equal(t, "handler failed", entries[1].Message)
	assert.Equal(t, "db down", entries[1].ContextMap()["error"])
}

func TestHeaders(t *testing.T) {
	custom := []HeaderField{
		{Name: "x-one", Value: "1"},
		{Name: "x-two", Value: "2"},
		{Name: "x-one", Value: "again"},
	}

	c := newContext(t, "GET", "/")
	require.NoError(t, NewPipeline().Use(Headers(custom, true)).Execute(c, ok))

	var names []string
	for _, h := range c.Response().Header {
		names = append(names, h.Name)
	}
	assert.Equal(t, []string{"Content-Type", "date", "server", "x-one", "x-two", "x-one"}, names)
	assert.Equal(t, ServerName, c.Response().GetHeader("server"))
	assert.True(t, strings.HasSuffix(c.Response().GetHeader("date"), " GMT"))
}

func TestHeadersServerOverride(t *testing.T) {
	custom := []HeaderField{{Name: "Server", Value: "edge"}}

	c := newContext(t, "GET", "/")
	require.NoError(t, NewPipeline().Use(Headers(custom, true)).Execute(c, func(ctx http.Context) error {
		ctx.SetHeader("server", "app")
		return ok(ctx)
	}))
	assert.Equal(t, "edge", c.Response().GetHeader("server"))

	c = newContext(t, "GET", "/")
	require.NoError(t, NewPipeline().Use(Headers(nil, false)).Execute(c, ok))
	assert.False(t, c.Response().HasHeader("server"))
	assert.True(t, c.Response().HasHeader("date"))
}

func TestHeadersMultipleCustomServers(t *testing.T) {
	custom := []HeaderField{{Name: "server", Value: "edge"}, {Name: "Server", Value: "origin"}}

	c := newContext(t, "GET", "/")
	require.NoError(t, NewPipeline().Use(Headers(custom, true)).Execute(c, func(ctx http.Context) error {
		ctx.SetHeader("server", "app")
		return ok(ctx)
	}))
	var servers []string
	for _, h := range c.Response().Header {
		if strings.EqualFold(h.Name, "server") {
			servers = append(servers, h.Value)
		}
	}
	assert.Equal(t, []string{"edge", "origin"}, servers)
}

func TestRequestIDOnRecoveredFailure(t *testing.T) {
	p := NewPipeline().
		Use(RequestID()).
		Use(Recovery(zaptest.NewLogger(t), nil))

	c := newContext(t, "GET", "/")
	c.Request().SetHeader(RequestIDHeader, "req-1")
	require.NoError(t, p.Execute(c, func(ctx http.Context) error { panic("x") }))
	assert.Equal(t, 500, c.Response().Status())
	assert.Equal(t, "req-1", c.Response().GetHeader(RequestIDHeader))
}

func TestHeadersOnFailure(t *testing.T) {
	p := NewPipeline().
		Use(Headers([]HeaderField{{Name: "x-app", Value: "demo"}}, true)).
		Use(Recovery(zaptest.NewLogger(t), nil))

	c := newContext(t, "GET", "/")
	require.NoError(t, p.Execute(c, func(ctx http.Context) error { panic("x") }))
	assert.Equal(t, 500, c.Response().Status())
	assert.Equal(t, "demo", c.Response().GetHeader("x-app"))
}

func TestRequestID(t *testing.T) {
	c := newContext(t, "GET", "/")
	require.NoError(t, NewPipeline().Use(RequestID()).Execute(c, ok))
	assert.Len(t, c.Response().GetHeader(RequestIDHeader), 36)

	c = newContext(t, "GET", "/")
	c.Request().SetHeader(RequestIDHeader, "abc")
	require.NoError(t, NewPipeline().Use(RequestID()).Execute(c, ok))
	assert.Equal(t, "abc", c.Response().GetHeader(RequestIDHeader))
}

func TestAccessLog(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	c := newContext(t, "GET", "/hello")
	require.NoError(t, NewPipeline().Use(AccessLog(zap.New(core))).Execute(c, ok))

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "GET /hello", entry.Message)
	fields := entry.ContextMap()
	assert.Equal(t, "access", fields["type"])
	assert.EqualValues(t, 200, fields["status"])
	assert.Equal(t, "10.0.0.1:1234", fields["remote"])
}

func TestRateLimiter(t *testing.T) {
	p := NewPipeline().Use(RateLimiter(2))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		c := newContext(t, "GET", "/")
		require.NoError(t, p.Execute(c, ok))
		codes = append(codes, c.Response().Status())
	}
	assert.Equal(t, []int{200, 200, 429}, codes)
}

func TestMetrics(t *testing.T) {
	m := observability.NewWorkerMetrics(0)
	p := NewPipeline().Use(MetricsEndpoint("/metrics", m)).Use(Metrics(m))

	c := newContext(t, "GET", "/")
	require.NoError(t, p.Execute(c, ok))

	c = newContext(t, "GET", "/metrics")
	require.NoError(t, p.Execute(c, func(ctx http.Context) error {
		t.Error("metrics path must not reach the handler")
		return nil
	}))
	assert.Equal(t, 200, c.Response().Status())
	assert.Contains(t, string(c.Response().Body), `prefork_worker_requests_total{code="200",worker="0"} 1`)
}
