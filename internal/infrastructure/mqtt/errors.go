package mqtt

import "errors"

// Errors returned by the broker client. Compare with errors.Is.
var (
	// ErrNotConnected is returned while the broker session is down,
	// including between automatic reconnect attempts.
	ErrNotConnected = errors.New("mqtt: client not connected")

	ErrConnectionFailed  = errors.New("mqtt: connection failed")
	ErrPublishFailed     = errors.New("mqtt: publish failed")
	ErrSubscribeFailed   = errors.New("mqtt: subscribe failed")
	ErrUnsubscribeFailed = errors.New("mqtt: unsubscribe failed")

	// ErrPayloadTooLarge rejects a publish above maxPayloadSize before it
	// reaches the broker.
	ErrPayloadTooLarge = errors.New("mqtt: payload too large")

	ErrInvalidQoS   = errors.New("mqtt: invalid QoS level (must be 0, 1, or 2)")
	ErrInvalidTopic = errors.New("mqtt: topic cannot be empty")
)
