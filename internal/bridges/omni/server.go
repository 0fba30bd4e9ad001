package omni

import (
	"context"
	"net"
	"sync"
	"time"
)

// Server is the lock control server: a listener, the connection registry
// and the command dispatcher behind one facade.
//
// Thread Safety: All methods are safe for concurrent use.
type Server struct {
	cfg        Config
	registry   *Registry
	dispatcher *Dispatcher
	notifier   *notifier
	counters   *counters
	logger     Logger

	mu        sync.Mutex
	listener  net.Listener
	running   bool
	stopped   bool
	startedAt time.Time

	// stopOnce runs the teardown; torndown is closed when it finishes so
	// every Stop caller, not just the first, returns after it.
	stopOnce sync.Once
	torndown chan struct{}

	done *closeOnce
	wg   sync.WaitGroup
}

// ServerOptions holds optional collaborators for NewServer.
type ServerOptions struct {
	// Logger is optional structured logger.
	Logger Logger

	// Sinks receive lock events. More can be added with AddSink.
	Sinks []EventSink
}

// ConnectionInfo describes one open lock connection.
type ConnectionInfo struct {
	ID          string    `json:"id"`
	IMEI        string    `json:"imei,omitempty"`
	Connected   bool      `json:"connected"`
	Status      *Status   `json:"status,omitempty"`
	ConnectedAt time.Time `json:"connected_at"`
	LastSeen    time.Time `json:"last_seen"`
}

// Stats holds server counters.
type Stats struct {
	Running           bool      `json:"running"`
	Address           string    `json:"address,omitempty"`
	StartedAt         time.Time `json:"started_at,omitempty"`
	Connections       int       `json:"connections"`
	Identified        int       `json:"identified"`
	SessionsTotal     uint64    `json:"sessions_total"`
	FramesReceived    uint64    `json:"frames_received"`
	DecodeErrors      uint64    `json:"decode_errors"`
	CommandsSucceeded uint64    `json:"commands_succeeded"`
	CommandsFailed    uint64    `json:"commands_failed"`
	CommandsTimedOut  uint64    `json:"commands_timed_out"`
	CommandsLost      uint64    `json:"commands_lost"`
	CommandsRejected  uint64    `json:"commands_rejected"`
	CommandsCanceled  uint64    `json:"commands_canceled"`
	EventsDropped     uint64    `json:"events_dropped"`
}

// NewServer creates a lock server. Call Start to begin accepting.
func NewServer(cfg Config, opts ServerOptions) *Server {
	cfg = cfg.withDefaults()

	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}

	registry := NewRegistry()
	dispatcher := NewDispatcher(registry, cfg)
	dispatcher.SetLogger(logger)

	s := &Server{
		cfg:        cfg,
		registry:   registry,
		dispatcher: dispatcher,
		notifier:   newNotifier(logger),
		counters:   dispatcher.counters,
		logger:     logger,
		done:       newCloseOnce(),
		torndown:   make(chan struct{}),
	}
	dispatcher.emit = s.notifier.emit

	for _, sink := range opts.Sinks {
		s.AddSink(sink)
	}
	return s
}

// AddSink registers an event sink. Sinks added after Start receive only
// later events.
func (s *Server) AddSink(sink EventSink) {
	if sink != nil {
		s.notifier.addSink(sink)
	}
}

// Addr returns the bound listening address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Registry returns the connection registry.
func (s *Server) Registry() *Registry {
	return s.registry
}

// ListConnections returns a snapshot of open connections, ordered by
// identity.
func (s *Server) ListConnections() []ConnectionInfo {
	records := s.registry.List()
	out := make([]ConnectionInfo, 0, len(records))
	for _, r := range records {
		out = append(out, connectionInfo(r))
	}
	return out
}

// Connection returns one open connection.
func (s *Server) Connection(id string) (ConnectionInfo, error) {
	_, rec, err := s.registry.Lookup(id)
	if err != nil {
		return ConnectionInfo{}, err
	}
	return connectionInfo(rec), nil
}

// ConnectionForIMEI returns the identity of the connection a lock is using.
func (s *Server) ConnectionForIMEI(imei string) (string, error) {
	return s.registry.LookupIMEI(imei)
}

func connectionInfo(r DeviceRecord) ConnectionInfo {
	return ConnectionInfo{
		ID:          r.ID,
		IMEI:        r.IMEI,
		Connected:   true,
		Status:      r.Status,
		ConnectedAt: r.ConnectedAt,
		LastSeen:    r.LastSeen,
	}
}

// Unlock opens a lock. See Dispatcher.Unlock.
func (s *Server) Unlock(ctx context.Context, id string, resetTime bool) (Result, error) {
	return s.dispatcher.Unlock(ctx, id, resetTime)
}

// UnlockAs opens a lock on behalf of userID. See Dispatcher.UnlockAs.
func (s *Server) UnlockAs(ctx context.Context, id string, resetTime bool, userID string) (Result, error) {
	return s.dispatcher.UnlockAs(ctx, id, resetTime, userID)
}

// Lock closes a lock. See Dispatcher.Lock.
func (s *Server) Lock(ctx context.Context, id string) (Result, error) {
	return s.dispatcher.Lock(ctx, id)
}

// GetStatus queries a lock. See Dispatcher.GetStatus.
func (s *Server) GetStatus(ctx context.Context, id string) (Result, error) {
	return s.dispatcher.GetStatus(ctx, id)
}

// Stats returns a snapshot of server counters.
func (s *Server) Stats() Stats {
	s.mu.Lock()
	st := Stats{
		Running:   s.running,
		StartedAt: s.startedAt,
	}
	if s.listener != nil {
		st.Address = s.listener.Addr().String()
	}
	s.mu.Unlock()

	for _, r := range s.registry.List() {
		st.Connections++
		if r.Identified() {
			st.Identified++
		}
	}

	c := s.counters
	st.SessionsTotal = c.sessions.Load()
	st.FramesReceived = c.frames.Load()
	st.DecodeErrors = c.decodeErrors.Load()
	st.CommandsSucceeded = c.commandsOK.Load()
	st.CommandsFailed = c.commandsFailed.Load()
	st.CommandsTimedOut = c.timeouts.Load()
	st.CommandsLost = c.connectionLost.Load()
	st.CommandsRejected = c.rejected.Load()
	st.CommandsCanceled = c.canceled.Load()
	st.EventsDropped = s.notifier.dropped.Load()
	return st
}

// HealthCheck reports whether the server is accepting connections.
func (s *Server) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !s.isRunning() {
		return ErrServerStopped
	}
	return nil
}
