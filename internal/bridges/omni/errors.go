package omni

import "errors"

// Domain errors for the Omni lock bridge package.
var (
	// ErrMalformedFrame is returned by Decode when a frame does not carry
	// a well-formed *CMDR message. It is never fatal to a session.
	ErrMalformedFrame = errors.New("omni: malformed frame")

	// ErrTransport wraps I/O failures on a lock connection. A transport
	// error ends the session that observed it.
	ErrTransport = errors.New("omni: transport error")

	// ErrUnknownLock is returned when a command names a connection that is
	// not registered or has not reported an IMEI yet. No I/O is attempted.
	ErrUnknownLock = errors.New("omni: unknown lock")

	// ErrCommandInFlight is returned when a command is issued while another
	// is outstanding on the same connection and queueing is disabled (or
	// the queue is full).
	ErrCommandInFlight = errors.New("omni: command already in flight")

	// ErrConnectionLost is returned when the connection closed before the
	// lock answered a pending command.
	ErrConnectionLost = errors.New("omni: connection lost")

	// ErrTimeout is returned when the lock did not answer within the
	// configured command timeout.
	ErrTimeout = errors.New("omni: command timed out")

	// ErrNotFound is returned by Registry lookups for identities that are
	// not (or no longer) connected.
	ErrNotFound = errors.New("omni: connection not found")

	// ErrIMEIConflict is returned when a connection reports an IMEI that
	// differs from the one it identified with.
	ErrIMEIConflict = errors.New("omni: imei conflict")

	// ErrServerStopped is returned when an operation needs a running server.
	ErrServerStopped = errors.New("omni: server not running")
)
