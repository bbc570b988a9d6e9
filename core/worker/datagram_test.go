package worker

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingPacketConn records deadline and write calls in order.
type recordingPacketConn struct {
	net.PacketConn
	mu  sync.Mutex
	ops []string
}

func (c *recordingPacketConn) record(op string) {
	c.mu.Lock()
	c.ops = append(c.ops, op)
	c.mu.Unlock()
}

func (c *recordingPacketConn) SetWriteDeadline(time.Time) error {
	c.record("deadline")
	time.Sleep(time.Millisecond)
	return nil
}

func (c *recordingPacketConn) WriteTo(p []byte, _ net.Addr) (int, error) {
	c.record("write")
	return len(p), nil
}

func TestReplyWriterDeadlinePerReply(t *testing.T) {
	pc := &recordingPacketConn{}
	w := &replyWriter{pc: pc, timeout: time.Second}

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, w.WriteTo([]byte("reply"), nil))
		}()
	}
	wg.Wait()

	require.Len(t, pc.ops, 16)
	for i := 0; i < len(pc.ops); i += 2 {
		assert.Equal(t, []string{"deadline", "write"}, pc.ops[i:i+2])
	}
}
