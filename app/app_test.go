package app

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/searchktools/prefork/config"
	"github.com/searchktools/prefork/core/supervisor"
)

func TestNewAppliesDefaults(t *testing.T) {
	cfg := &config.Config{Bind: config.BindConfig{Insecure: []string{"127.0.0.1:0"}}}
	a := New(cfg)
	require.NotNil(t, a.Engine())
	assert.Equal(t, 1, a.cfg.Workers)
	assert.Equal(t, config.WorkerClassAsync, a.cfg.WorkerClass)
	assert.Zero(t, cfg.Workers, "caller configuration is not modified")
}

func TestServeRejectsWorkerClass(t *testing.T) {
	cfg := config.Default()
	cfg.WorkerClass = "gevent"
	err := New(cfg).Serve(context.Background(), zaptest.NewLogger(t))
	assert.ErrorIs(t, err, supervisor.ErrUnsupportedWorkerClass)
}

func TestServeStopsOnCancel(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	cfg := config.Default()
	cfg.Bind.Insecure = []string{addr}
	cfg.ShutdownPollInterval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- New(cfg).Serve(ctx, zaptest.NewLogger(t)) }()

	require.Eventually(t, func() bool {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
}
