package config

import (
	"time"
)

// Worker classes
const (
	WorkerClassAsync = "async"
)

// Socket transfer strategies used to hand the bound sockets to worker
// processes.
const (
	// TransferInherit passes the sockets as inherited descriptors at spawn.
	TransferInherit = "inherit"
	// TransferPassFD sends each socket over a unix socketpair after spawn.
	TransferPassFD = "passfd"
)

// Config holds the whole server configuration.
//
// Sources, in order of precedence:
//  1. command line flags
//  2. environment variables (PREFORK_*)
//  3. configuration file (YAML)
//  4. defaults
type Config struct {
	// Bind lists the addresses to listen on, by socket kind.
	Bind BindConfig `mapstructure:"bind" yaml:"bind"`

	// Workers is the number of worker processes. 1 serves in-process.
	Workers int `mapstructure:"workers" yaml:"workers" validate:"gte=1"`

	// WorkerClass selects the worker implementation. Only "async" exists.
	WorkerClass string `mapstructure:"worker_class" yaml:"worker_class"`

	// Backlog is the listen queue length of every stream socket.
	Backlog int `mapstructure:"backlog" yaml:"backlog" validate:"gte=1"`

	TLS TLSConfig `mapstructure:"tls" yaml:"tls"`

	// UseReloader restarts the process when a watched file changes.
	// Single worker only.
	UseReloader bool `mapstructure:"use_reloader" yaml:"use_reloader"`

	// ReloadPaths are the files watched by the reloader. Defaults to the
	// running executable.
	ReloadPaths []string `mapstructure:"reload_paths" yaml:"reload_paths"`

	// ResponseTimeout bounds sending one response. A response that cannot be
	// sent in time is dropped together with its connection.
	ResponseTimeout time.Duration `mapstructure:"response_timeout" yaml:"response_timeout" validate:"gte=0"`

	// ReadTimeout bounds reading the first request of a connection.
	ReadTimeout time.Duration `mapstructure:"read_timeout" yaml:"read_timeout" validate:"gte=0"`

	// IdleTimeout bounds waiting for the next request on a keep-alive
	// connection.
	IdleTimeout time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout" validate:"gte=0"`

	MaxHeaderBytes int   `mapstructure:"max_header_bytes" yaml:"max_header_bytes" validate:"gte=0"`
	MaxBodyBytes   int64 `mapstructure:"max_body_bytes" yaml:"max_body_bytes" validate:"gte=0"`

	// Headers are appended, in order, to every response.
	Headers []Header `mapstructure:"headers" yaml:"headers" validate:"dive"`

	// IncludeServerHeader adds "server: prefork" unless Headers sets one.
	IncludeServerHeader bool `mapstructure:"include_server_header" yaml:"include_server_header"`

	// PidFile, when set, receives the supervisor pid.
	PidFile string `mapstructure:"pid_file" yaml:"pid_file"`

	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// ShutdownGracePeriod is how long the supervisor waits for workers to
	// stop on their own before terminating them.
	ShutdownGracePeriod time.Duration `mapstructure:"shutdown_grace_period" yaml:"shutdown_grace_period" validate:"gte=0"`

	// ShutdownPollInterval is how often workers check the shutdown signal.
	ShutdownPollInterval time.Duration `mapstructure:"shutdown_poll_interval" yaml:"shutdown_poll_interval" validate:"gte=0"`

	SocketTransfer string `mapstructure:"socket_transfer" yaml:"socket_transfer" validate:"oneof=inherit passfd"`

	// SpawnJitter is the maximum random delay between two worker spawns.
	SpawnJitter time.Duration `mapstructure:"spawn_jitter" yaml:"spawn_jitter" validate:"gte=0"`

	// AbortOnWorkerFailure stops every worker as soon as one exits with a
	// failure before shutdown was requested.
	AbortOnWorkerFailure bool `mapstructure:"abort_on_worker_failure" yaml:"abort_on_worker_failure"`

	// MaxConnections caps concurrent connections per worker. 0 is unlimited.
	MaxConnections int `mapstructure:"max_connections" yaml:"max_connections" validate:"gte=0"`

	// MetricsPath, when set, is answered by every worker with its own
	// metrics.
	MetricsPath string `mapstructure:"metrics_path" yaml:"metrics_path" validate:"omitempty,startswith=/"`

	// MetricsBind, when set, serves the supervisor metrics.
	MetricsBind string `mapstructure:"metrics_bind" yaml:"metrics_bind"`

	// RateLimit is the per worker requests per second limit. 0 disables it.
	RateLimit float64 `mapstructure:"rate_limit" yaml:"rate_limit" validate:"gte=0"`
}

// BindConfig lists listen addresses. Stream addresses are "host:port", a bare
// port, or "unix:/path".
type BindConfig struct {
	Secure   []string `mapstructure:"secure" yaml:"secure"`
	Insecure []string `mapstructure:"insecure" yaml:"insecure"`
	Datagram []string `mapstructure:"datagram" yaml:"datagram"`
}

// Count returns the total number of addresses.
func (b BindConfig) Count() int {
	return len(b.Secure) + len(b.Insecure) + len(b.Datagram)
}

// TLSConfig configures the secure sockets.
type TLSConfig struct {
	CertFile         string        `mapstructure:"cert_file" yaml:"cert_file"`
	KeyFile          string        `mapstructure:"key_file" yaml:"key_file"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout" yaml:"handshake_timeout" validate:"gte=0"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level     string `mapstructure:"level" yaml:"level" validate:"oneof=debug info warn error DEBUG INFO WARN ERROR"`
	Format    string `mapstructure:"format" yaml:"format" validate:"oneof=console json"`
	AccessLog bool   `mapstructure:"access_log" yaml:"access_log"`
}
