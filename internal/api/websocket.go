package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/lockgate-core/internal/bridges/omni"
	"github.com/nerrad567/lockgate-core/internal/infrastructure/config"
)

// Event stream frame types.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeEvent       = "event"
	WSTypeResponse    = "response"
	WSTypeError       = "error"

	wsSendBufferSize = 256
)

// WSMessage is a frame sent to a client.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// wsRequest is a frame received from a client. The payload is decoded once
// the type is known.
type wsRequest struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// WSSubscribePayload is the payload of subscribe and unsubscribe frames,
// and of the response to both. Events are lock event types or "*".
// IMEIs narrow delivery to the named locks.
type WSSubscribePayload struct {
	Events []string `json:"events"`
	IMEIs  []string `json:"imeis,omitempty"`
}

func (p WSSubscribePayload) validate() error {
	if len(p.Events) == 0 && len(p.IMEIs) == 0 {
		return errors.New("events or imeis required")
	}
	for _, name := range p.Events {
		if name != WSEventAll && !slices.Contains(streamEvents, omni.EventType(name)) {
			return fmt.Errorf("unknown event type %q", name)
		}
	}
	if slices.Contains(p.IMEIs, "") {
		return errors.New("imeis must not contain an empty string")
	}
	return nil
}

// WSClient is one event stream connection.
type WSClient struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	userID string // token subject; empty when auth is disabled

	filter eventFilter
	mu     sync.RWMutex
}

func newWSClient(hub *Hub, conn *websocket.Conn, userID string) *WSClient {
	return &WSClient{
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, wsSendBufferSize),
		userID: userID,
		filter: newEventFilter(),
	}
}

func (c *WSClient) wants(e omni.Event) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.filter.matches(e)
}

// Origin checks are left to the CORS middleware.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(_ *http.Request) bool { return true },
}

// handleWebSocket upgrades GET /api/v1/ws to an event stream. It sits in
// the authenticated route group, so the token subject is already known.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("event stream upgrade failed", "error", err)
		return
	}

	client := newWSClient(s.hub, conn, userIDFromContext(r.Context()))
	s.hub.Register(client)

	timing := newWSTiming(s.wsCfg)
	go client.writePump(timing)
	go client.readPump(timing, int64(s.wsCfg.MaxMessageSize))
}

// wsTiming holds the keepalive intervals derived from config.
type wsTiming struct {
	ping     time.Duration
	deadline time.Duration // read deadline: one ping interval plus the pong wait
	write    time.Duration
}

func newWSTiming(cfg config.WebSocketConfig) wsTiming {
	ping := time.Duration(cfg.PingInterval) * time.Second
	pong := time.Duration(cfg.PongTimeout) * time.Second
	return wsTiming{ping: ping, deadline: ping + pong, write: pong}
}

// readPump handles client frames until the connection fails, then
// unregisters the client.
func (c *WSClient) readPump(timing wsTiming, limit int64) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(limit)
	extend := func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(timing.deadline))
	}
	extend("") //nolint:errcheck // a failed deadline surfaces on the next read
	c.conn.SetPongHandler(extend)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("event stream read failed", "user_id", c.userID, "error", err)
			}
			return
		}
		// Browsers may not answer protocol pings; any frame counts as alive.
		extend("") //nolint:errcheck // see above
		c.handleFrame(data)
	}
}

// writePump drains the send channel and pings on the keepalive interval.
func (c *WSClient) writePump(timing wsTiming) {
	ticker := time.NewTicker(timing.ping)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	write := func(kind int, data []byte) error {
		c.conn.SetWriteDeadline(time.Now().Add(timing.write)) //nolint:errcheck // write below reports it
		return c.conn.WriteMessage(kind, data)
	}

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				write(websocket.CloseMessage, nil) //nolint:errcheck // closing anyway
				return
			}
			if write(websocket.TextMessage, data) != nil {
				return
			}
		case <-ticker.C:
			if write(websocket.PingMessage, nil) != nil {
				return
			}
		}
	}
}

func (c *WSClient) handleFrame(data []byte) {
	var req wsRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.reply("", WSTypeError, wsError("frame is not a JSON object"))
		return
	}

	switch req.Type {
	case WSTypePing:
		c.reply(req.ID, WSTypePong, nil)
	case WSTypeSubscribe, WSTypeUnsubscribe:
		c.changeSubscription(req)
	default:
		c.reply(req.ID, WSTypeError, wsError("unknown frame type: "+req.Type))
	}
}

// changeSubscription applies a subscribe or unsubscribe frame and replies
// with the resulting filter.
func (c *WSClient) changeSubscription(req wsRequest) {
	var p WSSubscribePayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		c.reply(req.ID, WSTypeError, wsError("invalid "+req.Type+" payload"))
		return
	}

	c.mu.Lock()
	var err error
	if req.Type == WSTypeSubscribe {
		err = c.filter.add(p)
	} else {
		err = c.filter.remove(p)
	}
	current := c.filter.snapshot()
	c.mu.Unlock()

	if err != nil {
		c.reply(req.ID, WSTypeError, wsError(err.Error()))
		return
	}
	c.hub.logger.Info("event stream subscription changed",
		"user_id", c.userID,
		"events", current.Events,
		"imeis", current.IMEIs,
	)
	c.reply(req.ID, WSTypeResponse, current)
}

func (c *WSClient) reply(id, kind string, payload any) {
	data, err := json.Marshal(WSMessage{
		Type:      kind,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Payload:   payload,
	})
	if err != nil {
		return
	}
	c.hub.send(c, data)
}

func wsError(message string) map[string]string {
	return map[string]string{"message": message}
}
