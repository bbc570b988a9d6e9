package app

import (
	"context"
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/searchktools/prefork/core"
	"github.com/searchktools/prefork/core/http"
)

func call(t *testing.T, e *core.Engine, req *http.Request) *http.Response {
	t.Helper()
	c := http.AcquireContext(context.Background(), req)
	t.Cleanup(func() { http.ReleaseContext(c) })
	require.NoError(t, e.Handle(c))
	return c.Response()
}

func TestRoutes(t *testing.T) {
	e := core.NewEngine()
	registerRoutes(e)

	resp := call(t, e, &http.Request{Method: "GET", Path: "/healthz"})
	assert.Equal(t, 200, resp.Status())
	assert.Equal(t, "ok", string(resp.Body))

	resp = call(t, e, &http.Request{Method: "GET", Path: "/api/process"})
	require.Equal(t, 200, resp.Status())
	var body struct {
		Data struct {
			Pid int `json:"pid"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(resp.Body, &body))
	assert.Equal(t, os.Getpid(), body.Data.Pid)

	req := &http.Request{Method: "POST", Path: "/api/echo", Body: []byte(`{"a":1}`)}
	req.SetHeader("Content-Type", "application/json")
	resp = call(t, e, req)
	assert.Equal(t, `{"a":1}`, string(resp.Body))
	assert.Equal(t, "application/json", resp.GetHeader("Content-Type"))

	reply, err := e.HandleDatagram(context.Background(), []byte("ping\n"), nil)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(reply))
}

func TestRootFlags(t *testing.T) {
	for _, name := range []string{"config", "bind", "workers", "reload", "header"} {
		assert.NotNil(t, rootCmd.Flags().Lookup(name), name)
	}
}
