package app

import (
	"bytes"
	"context"
	"net"
	"os"

	"github.com/searchktools/prefork/core"
	"github.com/searchktools/prefork/core/http"
)

// registerRoutes installs the built-in demo application.
func registerRoutes(e *core.Engine) {
	e.GET("/", func(ctx http.Context) error {
		ctx.String(200, "prefork")
		return nil
	})
	e.GET("/healthz", func(ctx http.Context) error {
		ctx.String(200, "ok")
		return nil
	})
	e.GET("/api/process", func(ctx http.Context) error {
		ctx.Success(map[string]int{"pid": os.Getpid()})
		return nil
	})
	e.POST("/api/echo", func(ctx http.Context) error {
		ctx.Data(200, ctx.Header("Content-Type"), ctx.Body())
		return nil
	})
	e.Datagram(func(_ context.Context, payload []byte, _ net.Addr) ([]byte, error) {
		return bytes.TrimSpace(payload), nil
	})
}
