package config

import (
	"strings"
	"time"
)

// Default values
const (
	DefaultBind                 = "127.0.0.1:8000"
	DefaultBacklog              = 100
	DefaultResponseTimeout      = 60 * time.Second
	DefaultReadTimeout          = 60 * time.Second
	DefaultIdleTimeout          = 5 * time.Second
	DefaultHandshakeTimeout     = 60 * time.Second
	DefaultMaxHeaderBytes       = 1 << 20
	DefaultMaxBodyBytes         = 10 << 20
	DefaultShutdownGracePeriod  = 30 * time.Second
	DefaultShutdownPollInterval = 100 * time.Millisecond
	DefaultPassFDSpawnJitter    = 100 * time.Millisecond
)

// Default returns a configuration with every default applied, listening on
// DefaultBind.
func Default() *Config {
	cfg := &Config{
		Bind:                BindConfig{Insecure: []string{DefaultBind}},
		IncludeServerHeader: true,
	}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills unset fields. Booleans are left alone; their defaults
// come from Default and Load.
func ApplyDefaults(cfg *Config) {
	if cfg.Workers == 0 {
		cfg.Workers = 1
	}
	if cfg.WorkerClass == "" {
		cfg.WorkerClass = WorkerClassAsync
	}
	if cfg.Backlog == 0 {
		cfg.Backlog = DefaultBacklog
	}
	if cfg.TLS.HandshakeTimeout == 0 {
		cfg.TLS.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.ResponseTimeout == 0 {
		cfg.ResponseTimeout = DefaultResponseTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.MaxHeaderBytes == 0 {
		cfg.MaxHeaderBytes = DefaultMaxHeaderBytes
	}
	if cfg.MaxBodyBytes == 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.ShutdownGracePeriod == 0 {
		cfg.ShutdownGracePeriod = DefaultShutdownGracePeriod
	}
	if cfg.ShutdownPollInterval == 0 {
		cfg.ShutdownPollInterval = DefaultShutdownPollInterval
	}
	if cfg.SocketTransfer == "" {
		cfg.SocketTransfer = TransferInherit
	}
	if cfg.SocketTransfer == TransferPassFD && cfg.SpawnJitter == 0 {
		cfg.SpawnJitter = DefaultPassFDSpawnJitter
	}
	applyLoggingDefaults(&cfg.Logging)
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	cfg.Level = strings.ToLower(cfg.Level)
	if cfg.Format == "" {
		cfg.Format = "console"
	}
}
