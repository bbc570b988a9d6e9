package worker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/searchktools/prefork/core"
	"github.com/searchktools/prefork/core/pools"
)

// datagramLoop reads packets from pc and hands each one to the application
// in its own goroutine. Packets are dropped when the application does not
// implement core.DatagramHandler.
func (r *Runtime) datagramLoop(ctx context.Context, pc net.PacketConn) error {
	dh, _ := r.app.(core.DatagramHandler)
	buf := pools.AcquireBuffer(pools.LargeBufferSize)
	defer pools.ReleaseBuffer(buf)
	packet := (*buf)[:cap(*buf)]
	w := &replyWriter{pc: pc, timeout: r.cfg.ResponseTimeout}

	for {
		n, from, err := pc.ReadFrom(packet)
		if err != nil {
			if r.stopping() {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("read on %s: %w", pc.LocalAddr(), err)
			}
			r.logger.Debug("Datagram read failed", zap.Stringer("addr", pc.LocalAddr()), zap.Error(err))
			continue
		}
		r.metrics.Datagram()
		if dh == nil {
			continue
		}

		payload := append([]byte(nil), packet[:n]...)
		r.connWG.Add(1)
		go func() {
			defer r.connWG.Done()
			r.serveDatagram(ctx, dh, w, payload, from)
		}()
	}
}

func (r *Runtime) serveDatagram(ctx context.Context, dh core.DatagramHandler, w *replyWriter, payload []byte, from net.Addr) {
	defer func() {
		if p := recover(); p != nil {
			r.metrics.HandlerError()
			r.logger.Error("Datagram handler panicked", zap.Stringer("from", from), zap.Any("panic", p))
		}
	}()

	reply, err := dh.HandleDatagram(ctx, payload, from)
	if err != nil {
		r.metrics.HandlerError()
		r.logger.Error("Datagram handler failed", zap.Stringer("from", from), zap.Error(err))
		return
	}
	if len(reply) == 0 {
		return
	}
	if err := w.WriteTo(reply, from); err != nil {
		r.logger.Debug("Datagram reply dropped", zap.Stringer("to", from), zap.Error(err))
	}
}

// replyWriter sends replies on a shared packet conn one at a time, each under
// its own write deadline.
type replyWriter struct {
	mu      sync.Mutex
	pc      net.PacketConn
	timeout time.Duration
}

func (w *replyWriter) WriteTo(reply []byte, to net.Addr) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timeout > 0 {
		if err := w.pc.SetWriteDeadline(time.Now().Add(w.timeout)); err != nil {
			return err
		}
	}
	_, err := w.pc.WriteTo(reply, to)
	return err
}
