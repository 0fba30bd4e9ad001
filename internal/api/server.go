package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/nerrad567/lockgate-core/internal/audit"
	"github.com/nerrad567/lockgate-core/internal/bridges/omni"
	"github.com/nerrad567/lockgate-core/internal/infrastructure/config"
	"github.com/nerrad567/lockgate-core/internal/infrastructure/database"
	"github.com/nerrad567/lockgate-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/lockgate-core/internal/infrastructure/logging"
	"github.com/nerrad567/lockgate-core/internal/infrastructure/mqtt"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// LockService is the lock server surface the API drives. *omni.Server
// satisfies it.
type LockService interface {
	ListConnections() []omni.ConnectionInfo
	Connection(id string) (omni.ConnectionInfo, error)
	ConnectionForIMEI(imei string) (string, error)
	UnlockAs(ctx context.Context, id string, resetTime bool, userID string) (omni.Result, error)
	Lock(ctx context.Context, id string) (omni.Result, error)
	GetStatus(ctx context.Context, id string) (omni.Result, error)
	Stats() omni.Stats
}

// BrokerStats reports MQTT traffic for /system. *mqtt.Client satisfies it.
type BrokerStats interface {
	Stats() mqtt.Stats
}

// TelemetryStats reports InfluxDB point counters for /system.
// *influxdb.Client satisfies it.
type TelemetryStats interface {
	Stats() influxdb.Stats
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config    config.APIConfig
	WS        config.WebSocketConfig
	Security  config.SecurityConfig
	Logger    *logging.Logger
	Locks     LockService
	AuditRepo audit.Repository // optional: audit endpoint returns 503 without it
	DB        *database.DB     // optional: reported by /system
	Broker    BrokerStats      // optional: reported by /system
	Telemetry TelemetryStats   // optional: reported by /system
	Version   string
}

// Server is the HTTP API server for Lockgate.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg       config.APIConfig
	wsCfg     config.WebSocketConfig
	secCfg    config.SecurityConfig
	logger    *logging.Logger
	locks     LockService
	auditRepo audit.Repository
	db        *database.DB
	broker    BrokerStats
	telemetry TelemetryStats
	version   string
	startTime time.Time
	hub       *Hub

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	cancel   context.CancelFunc // cancels the hub on Close()
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
//
// Parameters:
//   - deps: Required dependencies (config, logger, lock service)
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Locks == nil {
		return nil, fmt.Errorf("lock service is required")
	}

	s := &Server{
		cfg:       deps.Config,
		wsCfg:     deps.WS,
		secCfg:    deps.Security,
		logger:    deps.Logger,
		locks:     deps.Locks,
		auditRepo: deps.AuditRepo,
		db:        deps.DB,
		broker:    deps.Broker,
		telemetry: deps.Telemetry,
		version:   deps.Version,
		startTime: time.Now(),
		hub:       NewHub(deps.WS, deps.Logger.With("component", "event_stream")),
	}
	return s, nil
}

// Hub returns the WebSocket hub. Register it as a lock event sink to stream
// events to clients.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler returns the fully wired router.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

// Start binds the listener and serves HTTP in a background goroutine.
//
// Binding happens before Start returns so a port conflict is reported to
// the caller. The server can be stopped with Close().
//
// Parameters:
//   - ctx: Parent context for the WebSocket hub
//
// Returns:
//   - error: If the listener cannot be bound
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprintf("%d", s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("binding API listener %s: %w", addr, err)
	}

	hubCtx, cancel := context.WithCancel(ctx)
	go s.hub.Run(hubCtx)

	srv := &http.Server{
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	s.mu.Lock()
	s.server = srv
	s.listener = ln
	s.cancel = cancel
	s.mu.Unlock()

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS",
				"address", ln.Addr().String(),
				"cert", s.cfg.TLS.CertFile,
			)
			err = srv.ServeTLS(ln, s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", ln.Addr().String())
			err = srv.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
//
// Returns:
//   - error: If shutdown encounters an error
func (s *Server) Close() error {
	s.mu.Lock()
	srv, cancel := s.server, s.cancel
	s.server = nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	if cancel != nil {
		cancel()
	}

	ctx, done := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer done()

	s.logger.Info("API server shutting down")
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running and responsive.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//
// Returns:
//   - error: nil if healthy, error describing the issue otherwise
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	return nil
}
