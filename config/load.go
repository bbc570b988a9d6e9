package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. PREFORK_WORKERS=4.
const EnvPrefix = "PREFORK"

// flagKeys maps command line flags to configuration keys.
var flagKeys = map[string]string{
	"bind":             "bind.insecure",
	"secure-bind":      "bind.secure",
	"datagram-bind":    "bind.datagram",
	"workers":          "workers",
	"worker-class":     "worker_class",
	"backlog":          "backlog",
	"certfile":         "tls.cert_file",
	"keyfile":          "tls.key_file",
	"reload":           "use_reloader",
	"pid":              "pid_file",
	"header":           "headers",
	"response-timeout": "response_timeout",
	"graceful-timeout": "shutdown_grace_period",
	"socket-transfer":  "socket_transfer",
	"max-connections":  "max_connections",
	"metrics-path":     "metrics_path",
	"metrics-bind":     "metrics_bind",
	"log-level":        "logging.level",
	"log-format":       "logging.format",
	"access-log":       "logging.access_log",
}

// RegisterFlags adds every configuration flag to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.StringArrayP("bind", "b", nil, "address to serve plain HTTP on (repeatable)")
	fs.StringArray("secure-bind", nil, "address to serve HTTPS on (repeatable)")
	fs.StringArray("datagram-bind", nil, "UDP address to serve datagrams on (repeatable)")
	fs.IntP("workers", "w", 0, "number of worker processes")
	fs.StringP("worker-class", "k", "", "worker class (async)")
	fs.Int("backlog", 0, "listen backlog")
	fs.String("certfile", "", "TLS certificate file")
	fs.String("keyfile", "", "TLS key file")
	fs.Bool("reload", false, "restart when the executable changes (single worker only)")
	fs.StringP("pid", "p", "", "pid file")
	fs.StringArray("header", nil, `"Name: value" header added to every response (repeatable)`)
	fs.Duration("response-timeout", 0, "maximum time to send one response")
	fs.Duration("graceful-timeout", 0, "time to wait for workers before terminating them")
	fs.String("socket-transfer", "", "how sockets reach workers (inherit, passfd)")
	fs.Int("max-connections", 0, "concurrent connections per worker (0 = unlimited)")
	fs.String("metrics-path", "", "request path answered with worker metrics")
	fs.String("metrics-bind", "", "address serving supervisor metrics")
	fs.String("log-level", "", "log level (debug, info, warn, error)")
	fs.String("log-format", "", "log format (console, json)")
	fs.Bool("access-log", false, "log every request")
}

// Load reads the configuration from defaults, the optional YAML file at path,
// the environment and the changed flags of fs (which may be nil), then applies
// defaults and validates it.
func Load(path string, fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setupViper(v, path)
	setDefaults(v)

	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
				}
			}
		}
	}

	if err := readConfigFile(v, path); err != nil {
		return nil, err
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		headerDecodeHook(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal config: %w", ErrInvalid, err)
	}

	if cfg.Bind.Count() == 0 {
		cfg.Bind.Insecure = []string{DefaultBind}
	}
	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// setupViper configures viper with environment variables and config file settings.
func setupViper(v *viper.Viper, path string) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
	}
}

// setDefaults registers every key so that environment variables are seen by
// Unmarshal.
func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("bind.secure", []string{})
	v.SetDefault("bind.insecure", []string{})
	v.SetDefault("bind.datagram", []string{})
	v.SetDefault("workers", d.Workers)
	v.SetDefault("worker_class", d.WorkerClass)
	v.SetDefault("backlog", d.Backlog)
	v.SetDefault("tls.cert_file", "")
	v.SetDefault("tls.key_file", "")
	v.SetDefault("tls.handshake_timeout", d.TLS.HandshakeTimeout)
	v.SetDefault("use_reloader", false)
	v.SetDefault("reload_paths", []string{})
	v.SetDefault("response_timeout", d.ResponseTimeout)
	v.SetDefault("read_timeout", d.ReadTimeout)
	v.SetDefault("idle_timeout", d.IdleTimeout)
	v.SetDefault("max_header_bytes", d.MaxHeaderBytes)
	v.SetDefault("max_body_bytes", d.MaxBodyBytes)
	v.SetDefault("headers", []Header{})
	v.SetDefault("include_server_header", d.IncludeServerHeader)
	v.SetDefault("pid_file", "")
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.access_log", false)
	v.SetDefault("shutdown_grace_period", d.ShutdownGracePeriod)
	v.SetDefault("shutdown_poll_interval", d.ShutdownPollInterval)
	v.SetDefault("socket_transfer", d.SocketTransfer)
	v.SetDefault("spawn_jitter", time.Duration(0))
	v.SetDefault("abort_on_worker_failure", false)
	v.SetDefault("max_connections", 0)
	v.SetDefault("metrics_path", "")
	v.SetDefault("metrics_bind", "")
	v.SetDefault("rate_limit", 0.0)
}

// readConfigFile reads the configuration file if one was given.
func readConfigFile(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}
