package tunnel

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrAlreadyRunning is returned by StartTunnel when an active tunnel is
	// already registered for the configuration.
	ErrAlreadyRunning = errors.New("tunnel is already running")

	// ErrNotRunning is returned by StopTunnel when no active tunnel is
	// registered for the configuration.
	ErrNotRunning = errors.New("tunnel is not running")

	// ErrConfigNotFound is returned by stores when no configuration exists
	// for the requested id.
	ErrConfigNotFound = errors.New("tunnel configuration not found")
)

// ConfigurationError describes one or more problems with a tunnel
// configuration. It is always returned synchronously, before any process is
// spawned.
type ConfigurationError struct {
	reasons []string
}

func newConfigurationError(reasons ...string) *ConfigurationError {
	return &ConfigurationError{reasons: reasons}
}

func (e *ConfigurationError) add(m string, args ...interface{}) {
	e.reasons = append(e.reasons, fmt.Sprintf(m, args...))
}

func (e *ConfigurationError) isEmpty() bool {
	return len(e.reasons) == 0
}

func (e *ConfigurationError) Reasons() []string {
	return e.reasons
}

func (e *ConfigurationError) Error() string {
	if e.isEmpty() {
		return "invalid tunnel configuration"
	}
	return "invalid tunnel configuration: " + strings.Join(e.reasons, "; ")
}

// IsConfigurationError reports whether err is a ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// SpawnError means the SSH client process could not be started at all, for
// example because the binary is missing. It is returned synchronously from
// StartTunnel.
type SpawnError struct {
	Err error
}

func (e *SpawnError) Error() string {
	return "could not spawn ssh client: " + e.Err.Error()
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// TerminationError means a process did not exit after a polite termination
// signal and had to be killed. The tunnel still reaches Stopped; the error is
// logged, never surfaced to the caller.
type TerminationError struct {
	Pid int
}

func (e *TerminationError) Error() string {
	return fmt.Sprintf("process %d did not exit after termination signal, killed", e.Pid)
}
