package duplex

import (
	"time"

	"github.com/sirupsen/logrus"
)

const (
	DefaultPollInterval     = 10 * time.Millisecond
	DefaultMaxAttempts      = 200
	DefaultMaxPendingOutput = 1 << 20
)

// Executor runs one delegated engine task and returns its result. It must
// not return before the task finished.
type Executor func(task func() error) error

// RunInline runs the task on the calling goroutine.
func RunInline(task func() error) error { return task() }

// Config tunes a Channel. Zero fields take their defaults.
type Config struct {
	Logger *logrus.Entry

	// Blocking starts the channel in simulated-blocking mode.
	Blocking bool

	// PollInterval and MaxAttempts bound every simulated-blocking wait.
	PollInterval time.Duration
	MaxAttempts  int

	// MaxPendingOutput caps queued ciphertext; Write stops accepting
	// plaintext above it.
	MaxPendingOutput int

	Executor Executor
}

// DefaultConfig returns the default channel configuration.
func DefaultConfig() Config {
	return Config{
		Logger:           logrus.WithField("component", "duplex"),
		PollInterval:     DefaultPollInterval,
		MaxAttempts:      DefaultMaxAttempts,
		MaxPendingOutput: DefaultMaxPendingOutput,
		Executor:         RunInline,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Logger == nil {
		c.Logger = d.Logger
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.MaxPendingOutput <= 0 {
		c.MaxPendingOutput = d.MaxPendingOutput
	}
	if c.Executor == nil {
		c.Executor = d.Executor
	}
	return c
}
