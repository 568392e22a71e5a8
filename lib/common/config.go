package common

import (
	"fmt"
	"runtime"
	"strings"
	"time"
)

// --------------------------------------------------------------------------
// Host configuration struct
// --------------------------------------------------------------------------

// HostConfig holds all configuration parameters of a host runtime.
type HostConfig struct {
	// Contexts is the number of execution contexts (worker goroutines) started
	Contexts int
	// TickInterval is the period of the per-context tick that turns idle time into
	// activity boundaries and drives callback processing
	TickInterval time.Duration
	// MaxBatch is the number of callbacks a context invokes before yielding
	MaxBatch int
	// MaxContexts bounds the number of contexts that can be online at once
	MaxContexts int
	// FastClass enables the second, independent grace-period class
	FastClass bool

	// Endpoint serves /metrics and /debug/pprof (empty = disabled)
	Endpoint string

	// Logging configuration
	LogLevel string
}

// DefaultHostConfig returns the default configuration: one context per CPU
func DefaultHostConfig() HostConfig {
	return HostConfig{
		Contexts:     runtime.NumCPU(),
		TickInterval: time.Millisecond,
		MaxBatch:     10,
		MaxContexts:  1024,
		FastClass:    true,
		LogLevel:     "info",
	}
}

// Validate checks the configuration for values a host cannot run with
func (c *HostConfig) Validate() error {
	if c.Contexts < 1 {
		return fmt.Errorf("at least one context is required, got %d", c.Contexts)
	}
	if c.MaxContexts > 0 && c.Contexts > c.MaxContexts {
		return fmt.Errorf("%d contexts exceed the limit of %d", c.Contexts, c.MaxContexts)
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("tick interval must be positive, got %s", c.TickInterval)
	}
	if c.MaxBatch < 1 {
		return fmt.Errorf("max batch must be positive, got %d", c.MaxBatch)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// String returns a formatted string representation of the configuration
func (c *HostConfig) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("Host")
	addField("Contexts", fmt.Sprintf("%d", c.Contexts))
	addField("Max Contexts", fmt.Sprintf("%d", c.MaxContexts))
	addField("Tick Interval", c.TickInterval.String())

	addSection("Grace Periods")
	addField("Max Batch", fmt.Sprintf("%d", c.MaxBatch))
	addField("Fast Class", fmt.Sprintf("%t", c.FastClass))

	addSection("Metrics")
	if c.Endpoint == "" {
		addField("Endpoint", "disabled")
	} else {
		addField("Endpoint", c.Endpoint)
	}

	addSection("Logging")
	addField("Log Level", c.LogLevel)

	return sb.String()
}
