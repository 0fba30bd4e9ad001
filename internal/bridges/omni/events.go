package omni

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// EventType names a lock lifecycle or telemetry event.
type EventType string

// Event types emitted by the server.
const (
	EventConnected    EventType = "lock.connected"
	EventIdentified   EventType = "lock.identified"
	EventTelemetry    EventType = "lock.telemetry"
	EventCommand      EventType = "lock.command"
	EventDisconnected EventType = "lock.disconnected"
)

// Event is delivered to every registered EventSink.
type Event struct {
	Type         EventType `json:"type"`
	ConnectionID string    `json:"connection_id"`
	IMEI         string    `json:"imei,omitempty"`
	Code         Code      `json:"code,omitempty"`
	Status       *Status   `json:"status,omitempty"`
	Result       *Result   `json:"result,omitempty"`
	Error        string    `json:"error,omitempty"`
	Source       string    `json:"source,omitempty"`
	UserID       string    `json:"user_id,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// EventSink receives events. HandleEvent runs on the notifier worker and
// must not block for long.
type EventSink interface {
	HandleEvent(Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(Event)

// HandleEvent implements EventSink.
func (f EventSinkFunc) HandleEvent(e Event) { f(e) }

// eventQueueSize is the buffer size for the event queue.
const eventQueueSize = 256

// notifier fans events out to sinks from a single worker, so events for one
// lock are delivered in the order they were emitted. A full queue drops the
// event rather than stalling a session read loop.
type notifier struct {
	queue   chan Event
	done    *closeOnce
	wg      sync.WaitGroup
	sinks   []EventSink
	sinksMu sync.RWMutex
	dropped atomic.Uint64
	logger  Logger
}

func newNotifier(logger Logger) *notifier {
	return &notifier{
		queue:  make(chan Event, eventQueueSize),
		done:   newCloseOnce(),
		logger: logger,
	}
}

func (n *notifier) addSink(s EventSink) {
	n.sinksMu.Lock()
	n.sinks = append(n.sinks, s)
	n.sinksMu.Unlock()
}

func (n *notifier) start() {
	n.wg.Add(1)
	go n.run()
}

func (n *notifier) emit(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	select {
	case <-n.done.Done():
		return
	default:
	}
	select {
	case n.queue <- e:
	default:
		n.dropped.Add(1)
		eventsDropped.Inc()
		n.logger.Warn("event queue full, dropping event", "type", e.Type, "connection_id", e.ConnectionID)
	}
}

func (n *notifier) run() {
	defer n.wg.Done()
	for {
		select {
		case <-n.done.Done():
			n.drain()
			return
		case e := <-n.queue:
			n.deliver(e)
		}
	}
}

// drain delivers whatever is already queued at shutdown.
func (n *notifier) drain() {
	for {
		select {
		case e := <-n.queue:
			n.deliver(e)
		default:
			return
		}
	}
}

func (n *notifier) deliver(e Event) {
	n.sinksMu.RLock()
	sinks := make([]EventSink, len(n.sinks))
	copy(sinks, n.sinks)
	n.sinksMu.RUnlock()

	for _, s := range sinks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					n.logger.Error("event sink panic", "type", e.Type, "error", fmt.Errorf("%v", r))
				}
			}()
			s.HandleEvent(e)
		}()
	}
}

func (n *notifier) stop() {
	n.done.Close()
	n.wg.Wait()
}

// closeOnce wraps a channel with sync.Once to prevent double-close panics.
type closeOnce struct {
	ch   chan struct{}
	once sync.Once
}

func newCloseOnce() *closeOnce {
	return &closeOnce{ch: make(chan struct{})}
}

func (c *closeOnce) Close() {
	c.once.Do(func() { close(c.ch) })
}

func (c *closeOnce) Done() <-chan struct{} {
	return c.ch
}
