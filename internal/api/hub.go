package api

import (
	"context"
	"encoding/json"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/lockgate-core/internal/bridges/omni"
	"github.com/nerrad567/lockgate-core/internal/infrastructure/config"
	"github.com/nerrad567/lockgate-core/internal/infrastructure/logging"
)

// WSEventAll subscribes a client to every lock event type.
const WSEventAll = "*"

// streamEvents are the event types a client may subscribe to by name.
var streamEvents = []omni.EventType{
	omni.EventConnected,
	omni.EventIdentified,
	omni.EventTelemetry,
	omni.EventCommand,
	omni.EventDisconnected,
}

// eventFilter selects the lock events a client receives. A client starts
// with an empty filter and receives nothing until it subscribes. An empty
// IMEI set matches every lock, including ones not yet identified.
type eventFilter struct {
	all    bool
	events map[omni.EventType]struct{}
	imeis  map[string]struct{}
}

func newEventFilter() eventFilter {
	return eventFilter{
		events: make(map[omni.EventType]struct{}),
		imeis:  make(map[string]struct{}),
	}
}

func (f *eventFilter) matches(e omni.Event) bool {
	if _, ok := f.events[e.Type]; !ok && !f.all {
		return false
	}
	if len(f.imeis) == 0 {
		return true
	}
	_, ok := f.imeis[e.IMEI]
	return ok
}

// add merges a subscribe request. Unknown event names are rejected before
// anything changes.
func (f *eventFilter) add(req WSSubscribePayload) error {
	if err := req.validate(); err != nil {
		return err
	}
	for _, name := range req.Events {
		if name == WSEventAll {
			f.all = true
			continue
		}
		f.events[omni.EventType(name)] = struct{}{}
	}
	for _, imei := range req.IMEIs {
		f.imeis[imei] = struct{}{}
	}
	return nil
}

func (f *eventFilter) remove(req WSSubscribePayload) error {
	if err := req.validate(); err != nil {
		return err
	}
	for _, name := range req.Events {
		if name == WSEventAll {
			f.all = false
			continue
		}
		delete(f.events, omni.EventType(name))
	}
	for _, imei := range req.IMEIs {
		delete(f.imeis, imei)
	}
	return nil
}

// snapshot reports the filter in subscribe-payload form, sorted.
func (f *eventFilter) snapshot() WSSubscribePayload {
	out := WSSubscribePayload{Events: []string{}, IMEIs: []string{}}
	if f.all {
		out.Events = append(out.Events, WSEventAll)
	}
	for e := range f.events {
		out.Events = append(out.Events, string(e))
	}
	for imei := range f.imeis {
		out.IMEIs = append(out.IMEIs, imei)
	}
	slices.Sort(out.Events)
	slices.Sort(out.IMEIs)
	return out
}

// Hub fans lock events out to connected event stream clients. Register it
// with the lock server as an omni.EventSink.
//
// Sends never block: a client whose buffer is full misses the frame and the
// drop is counted.
type Hub struct {
	cfg     config.WebSocketConfig
	logger  *logging.Logger
	clients map[*WSClient]struct{}
	mu      sync.RWMutex

	sent    atomic.Uint64
	dropped atomic.Uint64
}

// NewHub creates an empty hub.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[*WSClient]struct{}),
	}
}

// Run blocks until ctx is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.closeAll()
}

// Register adds a client.
func (h *Hub) Register(client *WSClient) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("event stream client connected", "user_id", client.userID, "clients", n)
}

// Unregister removes a client and closes its send channel. Repeated calls
// are no-ops.
func (h *Hub) Unregister(client *WSClient) {
	h.mu.Lock()
	_, existed := h.clients[client]
	if existed {
		delete(h.clients, client)
		close(client.send)
	}
	n := len(h.clients)
	h.mu.Unlock()

	if existed {
		h.logger.Debug("event stream client disconnected", "user_id", client.userID, "clients", n)
	}
}

// HandleEvent implements omni.EventSink.
func (h *Hub) HandleEvent(e omni.Event) {
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	data, err := json.Marshal(WSMessage{
		Type:      WSTypeEvent,
		EventType: string(e.Type),
		Timestamp: ts.UTC().Format(time.RFC3339Nano),
		Payload:   e,
	})
	if err != nil {
		h.logger.Error("encoding lock event for event stream", "type", e.Type, "error", err)
		return
	}

	// Holding the read lock keeps Unregister from closing a channel
	// mid-send. Sends are non-blocking so the hold is short.
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if client.wants(e) {
			h.enqueue(client, data)
		}
	}
}

// send queues a frame for one registered client.
func (h *Hub) send(client *WSClient, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[client]; ok {
		h.enqueue(client, data)
	}
}

// enqueue must be called with h.mu held.
func (h *Hub) enqueue(client *WSClient, data []byte) {
	select {
	case client.send <- data:
		h.sent.Add(1)
	default:
		h.dropped.Add(1)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stats reports the hub for /system.
func (h *Hub) Stats() WSMetrics {
	return WSMetrics{
		ConnectedClients: h.ClientCount(),
		FramesSent:       h.sent.Load(),
		FramesDropped:    h.dropped.Load(),
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		if client.conn != nil {
			client.conn.Close()
		}
		delete(h.clients, client)
	}
}
