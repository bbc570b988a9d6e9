package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ErrInvalid is wrapped by every configuration error.
var ErrInvalid = errors.New("invalid configuration")

// validate is the singleton validator instance
var validate = validator.New()

// Validate validates the configuration using struct tags and custom rules.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}
	return validateCustomRules(cfg)
}

// validateCustomRules performs validation beyond struct tags.
func validateCustomRules(cfg *Config) error {
	if cfg.Bind.Count() == 0 {
		return fmt.Errorf("%w: bind: at least one address must be configured", ErrInvalid)
	}
	if cfg.UseReloader && cfg.Workers > 1 {
		return fmt.Errorf("%w: use_reloader can only be used with a single worker (workers: %d)", ErrInvalid, cfg.Workers)
	}
	if len(cfg.Bind.Secure) > 0 && (cfg.TLS.CertFile == "" || cfg.TLS.KeyFile == "") {
		return fmt.Errorf("%w: tls: cert_file and key_file are required for secure binds", ErrInvalid)
	}
	for i, addr := range cfg.Bind.Datagram {
		if strings.HasPrefix(addr, "unix:") {
			return fmt.Errorf("%w: bind.datagram[%d]: unix sockets are not supported for datagrams", ErrInvalid, i)
		}
	}
	for i, h := range cfg.Headers {
		if strings.ContainsAny(h.Name, ": \r\n") || strings.ContainsAny(h.Value, "\r\n") {
			return fmt.Errorf("%w: headers[%d]: invalid header %q", ErrInvalid, i, h.String())
		}
	}
	return nil
}

// formatValidationError converts validator errors into user-friendly messages.
func formatValidationError(err error) error {
	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) && len(validationErrs) > 0 {
		e := validationErrs[0]
		return fmt.Errorf("%w: %s: validation failed on '%s' tag (value: %v)",
			ErrInvalid, e.Namespace(), e.Tag(), e.Value())
	}
	return fmt.Errorf("%w: %v", ErrInvalid, err)
}
