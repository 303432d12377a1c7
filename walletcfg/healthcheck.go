package walletcfg

import (
	"fmt"
	"time"
)

const (
	// DefaultHealthCheckInterval is the interval between two explorer
	// reachability checks.
	DefaultHealthCheckInterval = time.Minute

	// DefaultHealthCheckTimeout bounds a single check.
	DefaultHealthCheckTimeout = 30 * time.Second

	// DefaultHealthCheckBackoff is the wait between two failed attempts.
	DefaultHealthCheckBackoff = 30 * time.Second

	// DefaultHealthCheckAttempts is the number of failed attempts in a row
	// after which the daemon shuts down.
	DefaultHealthCheckAttempts = 3
)

// HealthCheck holds the options of the explorer health check.
//
//nolint:ll
type HealthCheck struct {
	Interval time.Duration `long:"interval" description:"How often to check that the explorer is reachable, 0 disables the check."`

	Timeout time.Duration `long:"timeout" description:"The amount of time allowed for a single check."`

	Backoff time.Duration `long:"backoff" description:"The amount of time to wait between failed attempts."`

	Attempts int `long:"attempts" description:"The number of failed attempts in a row before shutting down."`
}

// DefaultHealthCheck returns the default health check options.
func DefaultHealthCheck() *HealthCheck {
	return &HealthCheck{
		Interval: DefaultHealthCheckInterval,
		Timeout:  DefaultHealthCheckTimeout,
		Backoff:  DefaultHealthCheckBackoff,
		Attempts: DefaultHealthCheckAttempts,
	}
}

// Enabled reports whether the check runs at all.
func (h *HealthCheck) Enabled() bool {
	return h.Interval > 0
}

// Validate checks the health check options.
func (h *HealthCheck) Validate() error {
	if !h.Enabled() {
		return nil
	}

	switch {
	case h.Timeout <= 0:
		return fmt.Errorf("healthcheck.timeout must be positive")

	case h.Backoff < 0:
		return fmt.Errorf("healthcheck.backoff must not be negative")

	case h.Attempts <= 0:
		return fmt.Errorf("healthcheck.attempts must be positive")
	}

	return nil
}
