package domain

import (
	"errors"
	"fmt"
)

// ConfigurationError reports a missing or invalid required setting.
// It is fatal and cannot be retried without reconfiguration.
type ConfigurationError struct {
	Key string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s is not set", e.Key)
}

// HostInitializationError wraps a failure of the host session SDK
// (init, login or profile). Retrying means starting a fresh page load.
type HostInitializationError struct {
	Op  string
	Err error
}

func (e *HostInitializationError) Error() string {
	return fmt.Sprintf("host %s failed: %v", e.Op, e.Err)
}

func (e *HostInitializationError) Unwrap() error {
	return e.Err
}

// RedirectAmbiguityError describes a deep-link value that was ignored.
// It is only ever logged.
type RedirectAmbiguityError struct {
	Raw    string
	Path   string
	Reason string
}

func (e *RedirectAmbiguityError) Error() string {
	return fmt.Sprintf("ignoring deep link %q: %s", e.Path, e.Reason)
}

// IsConfigurationError reports whether err is, or wraps, a ConfigurationError.
func IsConfigurationError(err error) bool {
	var cfgErr *ConfigurationError
	return errors.As(err, &cfgErr)
}
