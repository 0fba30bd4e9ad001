package mqtt

import "sync/atomic"

// Stats is a point-in-time snapshot of broker traffic, reported by the
// /api/v1/system endpoint.
type Stats struct {
	Connected     bool   `json:"connected"`
	Subscriptions int    `json:"subscriptions"`
	Published     uint64 `json:"published"`
	PublishErrors uint64 `json:"publish_errors"`
	Received      uint64 `json:"received"`
	HandlerErrors uint64 `json:"handler_errors"`
	Reconnects    uint64 `json:"reconnects"`
}

type counters struct {
	published     atomic.Uint64
	publishErrors atomic.Uint64
	received      atomic.Uint64
	handlerErrors atomic.Uint64
	reconnects    atomic.Uint64
}

// Stats returns the client's traffic counters since Connect.
func (c *Client) Stats() Stats {
	return Stats{
		Connected:     c.IsConnected(),
		Subscriptions: c.SubscriptionCount(),
		Published:     c.counters.published.Load(),
		PublishErrors: c.counters.publishErrors.Load(),
		Received:      c.counters.received.Load(),
		HandlerErrors: c.counters.handlerErrors.Load(),
		Reconnects:    c.counters.reconnects.Load(),
	}
}
