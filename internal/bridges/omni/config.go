package omni

import "time"

// Default settings for the lock server.
const (
	// defaultCommandTimeout is how long a command waits for its acknowledgement.
	defaultCommandTimeout = 10 * time.Second

	// defaultQueueTimeout bounds how long a queued command waits for its turn.
	defaultQueueTimeout = 30 * time.Second

	// defaultMaxQueueDepth bounds how many commands may wait per connection.
	defaultMaxQueueDepth = 8

	// defaultWriteTimeout is the deadline for writing one frame.
	defaultWriteTimeout = 5 * time.Second

	// defaultIdleTimeout closes connections that send nothing for this long.
	// Locks heartbeat every few minutes.
	defaultIdleTimeout = 15 * time.Minute

	// defaultUserID is sent in unlock frames when no operator is named.
	defaultUserID = "0"
)

// Config holds lock server settings.
type Config struct {
	// Host and Port the listener binds. Port 0 picks a free port.
	Host string
	Port int

	// CommandTimeout is how long a command waits for the lock to answer.
	// Default: 10 seconds.
	CommandTimeout time.Duration

	// QueueCommands makes a second command on a busy connection wait its
	// turn (FIFO) instead of failing with ErrCommandInFlight.
	QueueCommands bool

	// QueueTimeout bounds the wait for a turn when QueueCommands is set.
	// Default: 30 seconds.
	QueueTimeout time.Duration

	// MaxQueueDepth bounds the number of waiting commands per connection.
	// Default: 8.
	MaxQueueDepth int

	// WriteTimeout is the deadline for writing a frame. Default: 5 seconds.
	WriteTimeout time.Duration

	// IdleTimeout closes a connection after this long without inbound bytes.
	// Default: 15 minutes. Negative disables it.
	IdleTimeout time.Duration

	// MaxFrameSize bounds a single inbound frame. Default: 512 bytes.
	MaxFrameSize int
}

// withDefaults returns a copy with zero values replaced by defaults.
func (c Config) withDefaults() Config {
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = defaultCommandTimeout
	}
	if c.QueueTimeout <= 0 {
		c.QueueTimeout = defaultQueueTimeout
	}
	if c.MaxQueueDepth <= 0 {
		c.MaxQueueDepth = defaultMaxQueueDepth
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = defaultIdleTimeout
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = defaultMaxFrameSize
	}
	return c
}
