package omni

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "lockgate",
			Subsystem: "omni",
			Name:      "sessions_active",
			Help:      "Lock connections with a running read loop.",
		},
	)
	sessionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "lockgate",
			Subsystem: "omni",
			Name:      "sessions_total",
			Help:      "Lock connections accepted.",
		},
	)
	framesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lockgate",
			Subsystem: "omni",
			Name:      "frames_received_total",
			Help:      "Decoded inbound frames by instruction code.",
		},
		[]string{"code"},
	)
	decodeErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "lockgate",
			Subsystem: "omni",
			Name:      "decode_errors_total",
			Help:      "Inbound frames that failed to decode.",
		},
	)
	commandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lockgate",
			Subsystem: "omni",
			Name:      "commands_total",
			Help:      "Commands issued to locks by code and outcome.",
		},
		[]string{"code", "outcome"},
	)
	commandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "lockgate",
			Subsystem: "omni",
			Name:      "command_duration_seconds",
			Help:      "Time from sending a command to its resolution.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"code"},
	)
	eventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "lockgate",
			Subsystem: "omni",
			Name:      "events_dropped_total",
			Help:      "Events dropped because the event queue was full.",
		},
	)
)

// RegisterMetrics registers the package collectors with the default
// Prometheus registry. Safe to call more than once.
func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			sessionsActive,
			sessionsTotal,
			framesReceived,
			decodeErrors,
			commandsTotal,
			commandDuration,
			eventsDropped,
		)
	})
}

// Command outcome labels.
const (
	outcomeSuccess        = "success"
	outcomeFailure        = "failure"
	outcomeTimeout        = "timeout"
	outcomeConnectionLost = "connection_lost"
	outcomeRejected       = "rejected"
	outcomeCanceled       = "canceled" // caller gave up before the lock answered
)

func recordCommand(code Code, outcome string, elapsed time.Duration) {
	commandsTotal.WithLabelValues(string(code), outcome).Inc()
	if elapsed > 0 {
		commandDuration.WithLabelValues(string(code)).Observe(elapsed.Seconds())
	}
}

// counters backs Server.Stats. The Prometheus collectors are process-wide;
// these are per server.
type counters struct {
	sessions       atomic.Uint64
	frames         atomic.Uint64
	decodeErrors   atomic.Uint64
	commandsOK     atomic.Uint64
	commandsFailed atomic.Uint64
	timeouts       atomic.Uint64
	connectionLost atomic.Uint64
	rejected       atomic.Uint64
	canceled       atomic.Uint64
}

func (c *counters) command(code Code, outcome string, elapsed time.Duration) {
	switch outcome {
	case outcomeSuccess:
		c.commandsOK.Add(1)
	case outcomeFailure:
		c.commandsFailed.Add(1)
	case outcomeTimeout:
		c.timeouts.Add(1)
	case outcomeConnectionLost:
		c.connectionLost.Add(1)
	case outcomeRejected:
		c.rejected.Add(1)
	case outcomeCanceled:
		c.canceled.Add(1)
	}
	recordCommand(code, outcome, elapsed)
}
