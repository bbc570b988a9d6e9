//go:build unix

package supervisor

import (
	"context"
	"errors"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sys/unix"

	"github.com/searchktools/prefork/config"
)

func TestRunWorkers(t *testing.T) {
	s := New(testConfig(3, 2), testApp(), WithLogger(zaptest.NewLogger(t)))
	cancel, errc := start(t, s)
	waitReady(t, s, errc)

	addrs := s.Addrs()
	require.Len(t, addrs, 2)
	workers := s.Workers()
	require.Len(t, workers, 3)
	workerPids := make(map[int]bool)
	for _, w := range workers {
		assert.True(t, w.Running())
		workerPids[w.Pid()] = true
	}
	require.Len(t, workerPids, 3)

	c := client()
	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(1)
		go func(addr net.Addr) {
			defer wg.Done()
			pid, err := servedBy(c, addr)
			if assert.NoError(t, err) {
				assert.True(t, workerPids[pid], "served by unknown process %d", pid)
			}
		}(addrs[i%len(addrs)])
	}
	wg.Wait()

	cancel()
	require.NoError(t, result(t, errc))
	for _, w := range workers {
		assert.False(t, w.Running())
		assert.Equal(t, ExitOK, w.ExitCode())
	}
	assertClosed(t, addrs)
}

func TestRunWorkersPassFD(t *testing.T) {
	cfg := testConfig(2, 1)
	cfg.SocketTransfer = config.TransferPassFD
	cfg.SpawnJitter = 5 * time.Millisecond

	s := New(cfg, testApp(), WithLogger(zaptest.NewLogger(t)))
	cancel, errc := start(t, s)
	waitReady(t, s, errc)

	pid, err := servedBy(client(), s.Addrs()[0])
	require.NoError(t, err)
	assert.NotEqual(t, os.Getpid(), pid)

	cancel()
	require.NoError(t, result(t, errc))
	for _, w := range s.Workers() {
		assert.Equal(t, ExitOK, w.ExitCode())
	}
}

func TestRunWorkerStartupFailure(t *testing.T) {
	s := New(testConfig(2, 1), testApp(),
		WithLogger(zaptest.NewLogger(t)),
		WithEnv(append(os.Environ(), testAppEnv+"=startup-fail")),
	)
	_, errc := start(t, s)

	assert.ErrorIs(t, result(t, errc), ErrWorkersExited)
	require.Len(t, s.Workers(), 2)
	for _, w := range s.Workers() {
		assert.Equal(t, ExitStartupFailure, w.ExitCode())
	}
	assertClosed(t, s.Addrs())
}

func TestRunSiblingsContinueAfterFailure(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "failed")
	s := New(testConfig(2, 1), testApp(),
		WithLogger(zaptest.NewLogger(t)),
		WithEnv(append(os.Environ(), failMarkerEnv+"="+marker)),
	)
	cancel, errc := start(t, s)
	waitReady(t, s, errc)

	require.Eventually(t, func() bool {
		for _, w := range s.Workers() {
			if !w.Running() {
				return true
			}
		}
		return false
	}, 10*time.Second, 20*time.Millisecond)

	pid, err := servedBy(client(), s.Addrs()[0])
	require.NoError(t, err)
	assert.NotEqual(t, os.Getpid(), pid)

	cancel()
	require.NoError(t, result(t, errc))
}

func TestRunAbortOnWorkerFailure(t *testing.T) {
	cfg := testConfig(2, 1)
	cfg.AbortOnWorkerFailure = true
	marker := filepath.Join(t.TempDir(), "failed")

	s := New(cfg, testApp(),
		WithLogger(zaptest.NewLogger(t)),
		WithEnv(append(os.Environ(), failMarkerEnv+"="+marker)),
	)
	_, errc := start(t, s)

	assert.ErrorIs(t, result(t, errc), ErrWorkersExited)
	codes := map[int]int{}
	for _, w := range s.Workers() {
		codes[w.ExitCode()]++
	}
	assert.Equal(t, map[int]int{ExitStartupFailure: 1, ExitOK: 1}, codes)
}

func TestRunSpawnFailure(t *testing.T) {
	s := New(testConfig(2, 1), testApp(),
		WithLogger(zaptest.NewLogger(t)),
		WithCommand(filepath.Join(t.TempDir(), "no-such-binary")),
	)
	err := s.Run(context.Background())
	assert.ErrorIs(t, err, ErrSpawn)
	assert.Empty(t, s.Workers())
	assertClosed(t, s.Addrs())

	select {
	case <-s.Ready():
		t.Fatal("ready after a failed spawn")
	default:
	}
}

func TestRunForceStop(t *testing.T) {
	defer func(d time.Duration) { killTimeout = d }(killTimeout)
	killTimeout = 200 * time.Millisecond

	cfg := testConfig(2, 1)
	cfg.ShutdownGracePeriod = 100 * time.Millisecond
	s := New(cfg, testApp(),
		WithLogger(zaptest.NewLogger(t)),
		WithCommand("sh", "-c", `trap "" TERM INT; exec sleep 30`),
	)
	cancel, errc := start(t, s)
	waitReady(t, s, errc)

	begin := time.Now()
	cancel()
	require.NoError(t, result(t, errc))
	assert.Less(t, time.Since(begin), 5*time.Second)
	for _, w := range s.Workers() {
		assert.False(t, w.Running())
		assert.Equal(t, -1, w.ExitCode())
	}
}

func TestRunPartialSpawnFailure(t *testing.T) {
	defer func(f func(int, *exec.Cmd) (*Worker, error)) { startWorker = f }(startWorker)
	started := make(chan *Worker, 1)
	startWorker = func(id int, cmd *exec.Cmd) (*Worker, error) {
		if id == 2 {
			return nil, errors.New("process table full")
		}
		w, err := startProcess(id, cmd)
		if err == nil {
			started <- w
		}
		return w, err
	}

	s := New(testConfig(2, 1), testApp(), WithLogger(zaptest.NewLogger(t)))
	err := s.Run(context.Background())
	assert.ErrorIs(t, err, ErrSpawn)

	var first *Worker
	select {
	case first = <-started:
	default:
		t.Fatal("first worker was not started")
	}
	assert.False(t, first.Running())
	assert.Equal(t, ExitOK, first.ExitCode())
	assert.Len(t, s.Workers(), 1)
	assertClosed(t, s.Addrs())
}

// nonblocking reports whether O_NONBLOCK is set on the socket behind l.
func nonblocking(t *testing.T, l net.Listener) bool {
	t.Helper()
	sc, ok := l.(syscall.Conn)
	require.True(t, ok)
	raw, err := sc.SyscallConn()
	require.NoError(t, err)
	var flags int
	var ferr error
	require.NoError(t, raw.Control(func(fd uintptr) {
		flags, ferr = unix.FcntlInt(fd, unix.F_GETFL, 0)
	}))
	require.NoError(t, ferr)
	return flags&unix.O_NONBLOCK != 0
}

func TestSpawnKeepsSocketsNonblocking(t *testing.T) {
	for _, transfer := range []string{config.TransferInherit, config.TransferPassFD} {
		t.Run(transfer, func(t *testing.T) {
			cfg := testConfig(2, 1)
			cfg.SocketTransfer = transfer
			cfg.SpawnJitter = time.Millisecond
			cfg.ShutdownGracePeriod = 100 * time.Millisecond

			// The workers never restore their sockets themselves.
			s := New(cfg, testApp(),
				WithLogger(zaptest.NewLogger(t)),
				WithCommand("sleep", "30"),
			)
			cancel, errc := start(t, s)
			waitReady(t, s, errc)

			s.mu.Lock()
			set := s.set
			s.mu.Unlock()
			for _, l := range set.Insecure {
				assert.True(t, nonblocking(t, l), "listener %s left in blocking mode", l.Addr())
			}

			cancel()
			require.NoError(t, result(t, errc))
		})
	}
}
