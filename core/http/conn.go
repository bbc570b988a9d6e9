package http

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"time"

	"github.com/searchktools/prefork/core/pools"
)

// ErrSendTimeout is returned by ServeConn when a response could not be written
// within ServeConfig.WriteTimeout.
var ErrSendTimeout = errors.New("response send timed out")

// ConnState is the phase of a connection served by ServeConn.
type ConnState int

const (
	// StateActive is a connection reading or serving a request.
	StateActive ConnState = iota
	// StateIdle is a keep-alive connection waiting for its next request.
	// Only idle connections may be woken by a stop.
	StateIdle
)

// ServeConfig configures the keep-alive connection loop.
type ServeConfig struct {
	// ReadTimeout bounds reading one request.
	ReadTimeout time.Duration
	// IdleTimeout bounds waiting for the next request on a kept-alive
	// connection.
	IdleTimeout time.Duration
	// WriteTimeout bounds writing one response.
	WriteTimeout time.Duration
	Limits       Limits
	// ConnState, when set, is called synchronously on every state change.
	ConnState func(net.Conn, ConnState)
}

func (cfg ServeConfig) setState(conn net.Conn, state ConnState) {
	if cfg.ConnState != nil {
		cfg.ConnState(conn, state)
	}
}

func deadline(timeout time.Duration) time.Time {
	if timeout > 0 {
		return time.Now().Add(timeout)
	}
	return time.Time{}
}

// ServeConn runs the HTTP/1.1 request loop on conn until the peer closes it,
// a request asks for close, an error occurs or quit is closed.
//
// Closing quit only ends the loop between requests: the first request of a
// connection and any request whose first byte has arrived are read under
// ReadTimeout and answered. A stop wakes a connection blocked in the idle
// phase by expiring its read deadline after closing quit.
// The caller owns conn and closes it.
func ServeConn(ctx context.Context, conn net.Conn, cfg ServeConfig, handler HandlerFunc, quit <-chan struct{}) error {
	br := pools.AcquireReader(conn)
	defer pools.ReleaseReader(br)

	remote := ""
	if addr := conn.RemoteAddr(); addr != nil {
		remote = addr.String()
	}

	cfg.setState(conn, StateActive)
	for first := true; ; first = false {
		if !first {
			cfg.setState(conn, StateIdle)
			if err := conn.SetReadDeadline(deadline(cfg.IdleTimeout)); err != nil {
				return err
			}
			// Checked after the deadline is armed so a stop that closes quit
			// and then expires the deadline of idle connections is never missed.
			if stopped(quit) {
				return nil
			}
			if _, err := br.Peek(1); err != nil {
				if err == io.EOF || isTimeout(err) || stopped(quit) {
					return nil
				}
				return err
			}
			cfg.setState(conn, StateActive)
		}
		if err := conn.SetReadDeadline(deadline(cfg.ReadTimeout)); err != nil {
			return err
		}

		req, err := ReadRequest(br, cfg.Limits)
		if err != nil {
			switch {
			case err == io.EOF, isTimeout(err):
				return nil
			case errors.Is(err, ErrHeaderTooLarge):
				writeStatus(conn, cfg, 431)
			case errors.Is(err, ErrBodyTooLarge):
				writeStatus(conn, cfg, 413)
			case errors.Is(err, ErrUnsupportedEncoding):
				writeStatus(conn, cfg, 501)
			case errors.Is(err, ErrInvalidRequest):
				writeStatus(conn, cfg, 400)
			}
			return err
		}
		req.RemoteAddr = remote

		c := AcquireContext(ctx, req)
		if err := handler(c); err != nil {
			c.Response().Reset()
			c.String(500, StatusText(500))
		}
		closeConn := !req.KeepAlive() || stopped(quit)
		err = writeResponse(conn, cfg, c.Response(), req.Method == "HEAD", closeConn)
		ReleaseContext(c)
		ReleaseRequest(req)
		if err != nil || closeConn {
			return err
		}
	}
}

func writeResponse(conn net.Conn, cfg ServeConfig, resp *Response, head, closeConn bool) error {
	buf := pools.AcquireBuffer(len(resp.Body) + 512)
	defer pools.ReleaseBuffer(buf)
	*buf = resp.AppendTo((*buf)[:0], head, closeConn)

	if cfg.WriteTimeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout)); err != nil {
			return err
		}
	}
	if _, err := conn.Write(*buf); err != nil {
		if isTimeout(err) {
			return ErrSendTimeout
		}
		return err
	}
	return nil
}

func writeStatus(conn net.Conn, cfg ServeConfig, code int) {
	resp := Response{StatusCode: code, Body: []byte(StatusText(code))}
	resp.SetHeader("Content-Type", "text/plain; charset=utf-8")
	_ = writeResponse(conn, cfg, &resp, false, true)
}

func stopped(quit <-chan struct{}) bool {
	select {
	case <-quit:
		return true
	default:
		return false
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
