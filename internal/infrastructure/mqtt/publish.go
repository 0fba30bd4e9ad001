package mqtt

import "fmt"

// Publish sends payload to topic and waits for the broker acknowledgement
// (QoS 1 and 2) or the local write (QoS 0).
//
// Lockgate retains the per-lock state, bridge health and system status
// topics so a late subscriber sees the current picture. Events and
// command responses are never retained.
//
// Parameters:
//   - topic: full topic, for example "lockgate/event/omni/lock.command"
//   - payload: message body, at most maxPayloadSize bytes
//   - qos: 0, 1 or 2
//   - retained: whether the broker keeps the message for new subscribers
//
// Returns:
//   - error: ErrInvalidTopic, ErrInvalidQoS, ErrPayloadTooLarge,
//     ErrNotConnected or a wrapped ErrPublishFailed
func (c *Client) Publish(topic string, payload []byte, qos byte, retained bool) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrPayloadTooLarge, len(payload), maxPayloadSize)
	}
	if !c.IsConnected() {
		c.counters.publishErrors.Add(1)
		return ErrNotConnected
	}

	err := waitToken(c.client.Publish(topic, qos, retained, payload))
	if err != nil {
		c.counters.publishErrors.Add(1)
		return fmt.Errorf("%w: %s: %w", ErrPublishFailed, topic, err)
	}
	c.counters.published.Add(1)
	return nil
}
