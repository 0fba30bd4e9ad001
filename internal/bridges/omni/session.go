package omni

import (
	"bufio"
	"errors"
	"net"
	"sync"
	"time"
)

// SessionState is the lifecycle stage of a lock connection.
type SessionState int

// Session states, in order.
const (
	StateConnecting SessionState = iota
	StateIdentified
	StateActive
	StateDisconnected
)

// String returns the state name.
func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateIdentified:
		return "identified"
	case StateActive:
		return "active"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// session owns the read side of one lock connection.
//
// It is the only reader of its transport. Telemetry frames update the
// registry; acknowledgements are handed to the dispatcher. The session ends
// on EOF, read error, idle timeout or when the transport is closed from
// elsewhere, and its cleanup always runs in the same order: close the
// transport, remove the registry entry, fail outstanding commands, emit the
// disconnect event.
type session struct {
	id         string
	conn       net.Conn
	registry   *Registry
	dispatcher *Dispatcher
	notify     func(Event)
	logger     Logger
	counters   *counters
	now        func() time.Time

	idleTimeout  time.Duration
	maxFrameSize int

	mu    sync.Mutex
	state SessionState

	closeOnce sync.Once
}

func newSession(id string, conn net.Conn, s *Server) *session {
	return &session{
		id:           id,
		conn:         conn,
		registry:     s.registry,
		dispatcher:   s.dispatcher,
		notify:       s.notifier.emit,
		logger:       s.logger,
		counters:     s.counters,
		now:          time.Now,
		idleTimeout:  s.cfg.IdleTimeout,
		maxFrameSize: s.cfg.MaxFrameSize,
		state:        StateConnecting,
	}
}

// State returns the current lifecycle state.
func (s *session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *session) setState(st SessionState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// run reads frames until the connection ends, then cleans up.
func (s *session) run() {
	sessionsActive.Inc()
	sessionsTotal.Inc()
	s.counters.sessions.Add(1)
	defer sessionsActive.Dec()
	defer s.cleanup()

	s.notify(Event{Type: EventConnected, ConnectionID: s.id})
	s.logger.Info("lock connected", "connection_id", s.id)

	scanner := bufio.NewScanner(&deadlineReader{conn: s.conn, timeout: s.idleTimeout})
	scanner.Buffer(make([]byte, 0, 256), 2*s.maxFrameSize)
	scanner.Split(SplitFrames(s.maxFrameSize))

	for scanner.Scan() {
		s.handleFrame(scanner.Bytes())
	}

	if err := scanner.Err(); err != nil {
		var ne net.Error
		switch {
		case errors.Is(err, net.ErrClosed):
			s.logger.Debug("connection closed locally", "connection_id", s.id)
		case errors.As(err, &ne) && ne.Timeout():
			s.logger.Info("lock idle, closing connection", "connection_id", s.id, "idle_timeout", s.idleTimeout)
		default:
			s.logger.Warn("connection read failed", "connection_id", s.id, "error", err)
		}
	}
}

// handleFrame processes one frame. No frame content can end the session.
func (s *session) handleFrame(frame []byte) {
	s.registry.Touch(s.id)

	resp, err := Decode(frame)
	if err != nil {
		decodeErrors.Inc()
		s.counters.decodeErrors.Add(1)
		s.logger.Warn("discarding malformed frame", "connection_id", s.id, "error", err, "bytes", len(frame))
		return
	}
	framesReceived.WithLabelValues(string(resp.Code)).Inc()
	s.counters.frames.Add(1)

	first, err := s.registry.UpdateIMEI(s.id, resp.IMEI)
	if err != nil {
		s.logger.Warn("discarding frame", "connection_id", s.id, "imei", resp.IMEI, "error", err)
		return
	}
	if first {
		s.setState(StateIdentified)
		s.logger.Info("lock identified", "connection_id", s.id, "imei", resp.IMEI)
		s.notify(Event{Type: EventIdentified, ConnectionID: s.id, IMEI: resp.IMEI, Code: resp.Code})
		s.closeSuperseded(resp.IMEI)
	}

	switch resp.Code {
	case CodeCheckIn, CodeHeartbeat:
		s.handleTelemetry(resp)
	case CodeUnlock, CodeLock, CodeStatus:
		if !s.dispatcher.resolve(s.id, resp) {
			s.logger.Warn("unexpected response, no matching command pending",
				"connection_id", s.id, "imei", resp.IMEI, "code", resp.Code)
		}
	default:
		s.logger.Debug("ignoring unsupported instruction", "connection_id", s.id, "imei", resp.IMEI, "code", resp.Code)
	}

	if s.State() == StateIdentified {
		s.setState(StateActive)
	}
}

// closeSuperseded closes earlier connections still bound to imei. A
// cellular lock that reconnects leaves its old socket half-open until the
// idle timeout; commands must not be routed to it.
func (s *session) closeSuperseded(imei string) {
	for id, conn := range s.registry.supersededBy(s.id, imei) {
		s.logger.Info("closing superseded lock connection",
			"connection_id", id, "imei", imei, "replaced_by", s.id)
		_ = conn.Close() //nolint:errcheck // its session cleans up
	}
}

func (s *session) handleTelemetry(resp Response) {
	_, rec, err := s.registry.Lookup(s.id)
	if err != nil {
		return
	}
	status, ok := statusFromResponse(rec.Status, resp, s.now())
	if !ok {
		return
	}
	if err := s.registry.UpdateStatus(s.id, status); err != nil {
		return
	}
	s.logger.Debug("lock telemetry", "connection_id", s.id, "imei", resp.IMEI, "code", resp.Code,
		"voltage", status.Voltage, "signal", status.Signal)
	s.notify(Event{
		Type:         EventTelemetry,
		ConnectionID: s.id,
		IMEI:         resp.IMEI,
		Code:         resp.Code,
		Status:       status.Clone(),
	})
}

// cleanup tears the session down exactly once.
func (s *session) cleanup() {
	s.closeOnce.Do(func() {
		_ = s.conn.Close() //nolint:errcheck // already closing

		var imei string
		if conn, rec, err := s.registry.Lookup(s.id); err == nil && conn == s.conn {
			imei = rec.IMEI
		}
		if s.registry.release(s.id, s.conn) {
			s.dispatcher.connectionLost(s.id)
		}
		s.setState(StateDisconnected)

		s.logger.Info("lock disconnected", "connection_id", s.id, "imei", imei)
		s.notify(Event{Type: EventDisconnected, ConnectionID: s.id, IMEI: imei})
	})
}

// deadlineReader refreshes the read deadline before every read, so a
// connection that goes quiet for longer than timeout fails its read.
type deadlineReader struct {
	conn    net.Conn
	timeout time.Duration
}

func (r *deadlineReader) Read(p []byte) (int, error) {
	if r.timeout > 0 {
		if err := r.conn.SetReadDeadline(time.Now().Add(r.timeout)); err != nil {
			return 0, err
		}
	}
	return r.conn.Read(p)
}
