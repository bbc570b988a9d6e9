package core

import (
	"context"
	"net"

	"github.com/searchktools/prefork/core/http"
)

// Application is served by every worker. Startup runs once before the worker
// accepts anything; a failure means the worker never serves. Shutdown runs once
// after every connection has finished. Handle serves one request and may be
// called concurrently.
type Application interface {
	Startup(ctx context.Context) error
	Shutdown(ctx context.Context) error
	Handle(ctx http.Context) error
}

// DatagramHandler is implemented by applications that serve datagram
// sockets. A non-empty reply is sent back to from.
type DatagramHandler interface {
	HandleDatagram(ctx context.Context, payload []byte, from net.Addr) ([]byte, error)
}
