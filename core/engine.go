package core

import (
	"context"
	"fmt"
	"net"
	"slices"
	"strings"
	"sync"

	"go.uber.org/multierr"

	"github.com/searchktools/prefork/core/http"
)

// HandlerFunc defines the route handler type
type HandlerFunc = http.HandlerFunc

// HookFunc runs on startup or shutdown.
type HookFunc func(ctx context.Context) error

// DatagramFunc answers one datagram.
type DatagramFunc func(ctx context.Context, payload []byte, from net.Addr) ([]byte, error)

type route struct {
	segments []string
	handler  HandlerFunc
}

// Engine is a small Application: method and path routes with ":name"
// parameters and a trailing "*name" catch-all, plus lifecycle hooks.
type Engine struct {
	mu       sync.RWMutex
	routes   map[string][]route
	startup  []HookFunc
	shutdown []HookFunc
	datagram DatagramFunc
}

// NewEngine creates a new engine instance
func NewEngine() *Engine {
	return &Engine{
		routes: make(map[string][]route),
	}
}

// Route registers handler for method and path. It panics on an invalid path.
func (e *Engine) Route(method, path string, handler HandlerFunc) {
	segments, err := splitRoute(path)
	if err != nil {
		panic(err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.routes[method] = append(e.routes[method], route{segments: segments, handler: handler})
}

func (e *Engine) GET(path string, handler HandlerFunc)     { e.Route("GET", path, handler) }
func (e *Engine) POST(path string, handler HandlerFunc)    { e.Route("POST", path, handler) }
func (e *Engine) PUT(path string, handler HandlerFunc)     { e.Route("PUT", path, handler) }
func (e *Engine) DELETE(path string, handler HandlerFunc)  { e.Route("DELETE", path, handler) }
func (e *Engine) PATCH(path string, handler HandlerFunc)   { e.Route("PATCH", path, handler) }
func (e *Engine) HEAD(path string, handler HandlerFunc)    { e.Route("HEAD", path, handler) }
func (e *Engine) OPTIONS(path string, handler HandlerFunc) { e.Route("OPTIONS", path, handler) }

// OnStartup adds a hook run by Startup, in registration order.
func (e *Engine) OnStartup(hook HookFunc) {
	e.mu.Lock()
	e.startup = append(e.startup, hook)
	e.mu.Unlock()
}

// OnShutdown adds a hook run by Shutdown, in reverse registration order.
func (e *Engine) OnShutdown(hook HookFunc) {
	e.mu.Lock()
	e.shutdown = append(e.shutdown, hook)
	e.mu.Unlock()
}

// Datagram sets the datagram handler.
func (e *Engine) Datagram(fn DatagramFunc) {
	e.mu.Lock()
	e.datagram = fn
	e.mu.Unlock()
}

// Startup runs the startup hooks and stops at the first failure.
func (e *Engine) Startup(ctx context.Context) error {
	e.mu.RLock()
	hooks := slices.Clone(e.startup)
	e.mu.RUnlock()

	for i, hook := range hooks {
		if err := hook(ctx); err != nil {
			return fmt.Errorf("%w: hook %d: %w", ErrStartup, i, err)
		}
	}
	return nil
}

// Shutdown runs every shutdown hook, newest first, and combines their errors.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.RLock()
	hooks := slices.Clone(e.shutdown)
	e.mu.RUnlock()

	var err error
	for i := len(hooks) - 1; i >= 0; i-- {
		err = multierr.Append(err, hooks[i](ctx))
	}
	return err
}

// Handle implements Application.
func (e *Engine) Handle(ctx http.Context) error {
	path := ctx.Path()
	method := ctx.Method()

	e.mu.RLock()
	handler, params := match(e.routes[method], path)
	if handler == nil && method == "HEAD" {
		handler, params = match(e.routes["GET"], path)
	}
	var allowed []string
	if handler == nil {
		for m, routes := range e.routes {
			if h, _ := match(routes, path); h != nil {
				allowed = append(allowed, m)
			}
		}
	}
	e.mu.RUnlock()

	if handler == nil {
		if len(allowed) > 0 {
			slices.Sort(allowed)
			ctx.SetHeader(HeaderAllow, strings.Join(allowed, ", "))
			ctx.Error(405, http.StatusText(405))
			return nil
		}
		ctx.Error(404, http.StatusText(404))
		return nil
	}
	for i := 0; i+1 < len(params); i += 2 {
		ctx.SetParam(params[i], params[i+1])
	}
	return handler(ctx)
}

// HandleDatagram implements DatagramHandler. Without a registered handler
// datagrams are dropped.
func (e *Engine) HandleDatagram(ctx context.Context, payload []byte, from net.Addr) ([]byte, error) {
	e.mu.RLock()
	fn := e.datagram
	e.mu.RUnlock()
	if fn == nil {
		return nil, nil
	}
	return fn(ctx, payload, from)
}

func splitRoute(path string) ([]string, error) {
	if !strings.HasPrefix(path, "/") {
		return nil, fmt.Errorf("%w: %q must start with /", ErrInvalidRoute, path)
	}
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) == 1 && segments[0] == "" {
		return nil, nil
	}
	for i, s := range segments {
		switch {
		case s == "" || s == ":" || s == "*":
			return nil, fmt.Errorf("%w: empty segment in %q", ErrInvalidRoute, path)
		case s[0] == '*' && i != len(segments)-1:
			return nil, fmt.Errorf("%w: catch-all must be last in %q", ErrInvalidRoute, path)
		}
	}
	return segments, nil
}

// match returns the first matching route and its parameters as key, value
// pairs. Routes are tried in registration order.
func match(routes []route, path string) (HandlerFunc, []string) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) == 1 && parts[0] == "" {
		parts = nil
	}
	for _, r := range routes {
		if params, ok := matchSegments(r.segments, parts); ok {
			return r.handler, params
		}
	}
	return nil, nil
}

func matchSegments(segments, parts []string) ([]string, bool) {
	var params []string
	for i, s := range segments {
		if s[0] == '*' {
			return append(params, s[1:], strings.Join(parts[i:], "/")), true
		}
		if i >= len(parts) {
			return nil, false
		}
		switch {
		case s[0] == ':':
			params = append(params, s[1:], parts[i])
		case s != parts[i]:
			return nil, false
		}
	}
	return params, len(segments) == len(parts)
}
