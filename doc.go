/*
Package prefork provides a pre-forking HTTP and UDP server.

A supervisor binds every configured address once, then serves the sockets
from one or more worker processes that share them. Each worker runs an
asynchronous runtime: HTTP/1.1 and HTTP/2 over plain TCP or TLS, plus
datagram handlers over UDP. Stopping is cooperative. The supervisor sets a
shutdown flag mapped into every worker, the workers stop accepting and let
in-flight requests finish, and stragglers are terminated after the graceful
timeout.

Features

  - Socket sharing by inheritance or by fd passing over a unix socket
  - Secure (TLS, with h2 via ALPN), insecure and datagram binds
  - Graceful shutdown with a bounded grace period and forced stop
  - Application startup and shutdown hooks run once per worker
  - Per-worker connection limits, custom response headers and request ids
  - Code reload for single-worker development setups
  - Prometheus metrics for workers and the supervisor

Quick Start

Basic usage example:

package main

import (
    "log"

    "github.com/searchktools/prefork/app"
    "github.com/searchktools/prefork/config"
    "github.com/searchktools/prefork/core/http"
)

func main() {
    cfg := config.Default()
    cfg.Workers = 4
    application := app.New(cfg)

    engine := application.Engine()
    engine.GET("/hello", func(ctx http.Context) error {
        ctx.String(200, "Hello, World!")
        return nil
    })

    if err := application.Run(); err != nil {
        log.Fatal(err)
    }
}

The program runs again in every worker process, so routes must be
registered before Run.

Modules

The server is organized into several modules:

  - app: Application entry point (supervisor or worker)
  - cmd/prefork: Command line server
  - config: Configuration loading and validation
  - core: Application contract and routing engine
  - core/http: HTTP/1.1 request parsing and responses
  - core/http2: HTTP/2 connections
  - core/middleware: Middleware pipeline
  - core/pools: Buffer pooling
  - core/socket: Socket sets and platform socket options
  - core/shutdown: Cross-process shutdown signal
  - core/worker: Per-process worker runtime
  - core/supervisor: Worker process supervision
  - core/observability: Metrics

For more information, see https://github.com/searchktools/prefork
*/
package prefork
