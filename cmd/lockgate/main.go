// Lockgate - TCP gateway for Omni *CMDS/*CMDR bike locks.
//
// This is the main entry point for the Lockgate server. It accepts lock
// connections, keeps a registry of identified locks and exposes unlock, lock
// and status commands to operators over HTTP, MQTT and an optional console.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/lockgate-core/internal/api"
	"github.com/nerrad567/lockgate-core/internal/audit"
	"github.com/nerrad567/lockgate-core/internal/bridges/omni"
	"github.com/nerrad567/lockgate-core/internal/console"
	"github.com/nerrad567/lockgate-core/internal/infrastructure/config"
	"github.com/nerrad567/lockgate-core/internal/infrastructure/database"
	"github.com/nerrad567/lockgate-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/lockgate-core/internal/infrastructure/logging"
	"github.com/nerrad567/lockgate-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/lockgate-core/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// subcommands run instead of the server when named as the first argument.
var subcommands = map[string]func(args []string, out io.Writer) error{
	"token":   runToken,
	"migrate": runMigrate,
}

func main() {
	if len(os.Args) > 1 {
		if sub, ok := subcommands[os.Args[1]]; ok {
			if err := sub(os.Args[2:], os.Stdout); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(2) //nolint:mnd // usage error
			}
			return
		}
	}

	// Cancel on Ctrl+C and SIGTERM for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// Returning an error allows main to handle exit codes consistently.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error { //nolint:gocognit,gocyclo // linear startup sequence
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting Lockgate",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	cfg, configPath, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath, "site", cfg.Site.ID)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	defer log.Close() //nolint:errcheck // last thing to run
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
		"output", cfg.Logging.Output,
	)

	omni.RegisterMetrics()
	api.RegisterMetrics()

	// Open database and apply the audit schema
	db, err := database.Open(ctx, database.FromConfig(cfg.Database))
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	applied, err := db.Migrate(ctx, migrations.FS)
	if err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	log.Info("database migrations complete", "applied", applied)

	auditRepo := audit.NewSQLiteRepository(db.DB)

	// Lock server. Sinks are attached before Start so no event is missed.
	lockServer := omni.NewServer(lockServerConfig(cfg), omni.ServerOptions{
		Logger: log.With("component", "lockserver"),
		Sinks:  []omni.EventSink{audit.NewRecorder(auditRepo, log)},
	})

	// Connect to InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(ctx, cfg.InfluxDB, cfg.Site.ID)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		lockServer.AddSink(omni.NewTelemetrySink(influxClient))
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	// Connect to MQTT broker (optional)
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT, mqtt.Identity{SiteID: cfg.Site.ID, Version: version})
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetLogger(log)
		mqttClient.SetOnConnect(func() {
			log.Info("MQTT reconnected")
		})
		mqttClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)

		bridge, bridgeErr := omni.NewMQTTBridge(omni.MQTTBridgeOptions{
			Client:         mqttAdapter{mqttClient},
			Locks:          lockServer,
			Version:        version,
			HealthInterval: cfg.GetMQTTHealthInterval(),
			CommandTimeout: cfg.GetCommandTimeout(),
			Logger:         log.With("component", "mqtt_bridge"),
		})
		if bridgeErr != nil {
			return fmt.Errorf("creating MQTT bridge: %w", bridgeErr)
		}
		lockServer.AddSink(bridge)
		if startErr := bridge.Start(ctx); startErr != nil {
			return fmt.Errorf("starting MQTT bridge: %w", startErr)
		}
		defer func() {
			log.Info("stopping MQTT bridge")
			bridge.Stop()
		}()
	} else {
		log.Info("MQTT disabled")
	}

	// HTTP API (optional)
	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer, err = api.New(api.Deps{
			Config:    cfg.API,
			WS:        cfg.WebSocket,
			Security:  cfg.Security,
			Logger:    log.With("component", "api"),
			Locks:     lockServer,
			AuditRepo: auditRepo,
			DB:        db,
			Broker:    brokerStats(mqttClient),
			Telemetry: telemetryStats(influxClient),
			Version:   version,
		})
		if err != nil {
			return fmt.Errorf("creating API server: %w", err)
		}
		lockServer.AddSink(apiServer.Hub())
		if startErr := apiServer.Start(ctx); startErr != nil {
			return fmt.Errorf("starting API server: %w", startErr)
		}
		defer func() {
			if closeErr := apiServer.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
		if !cfg.AuthEnabled() {
			log.Warn("API authentication disabled: set security.jwt.secret to require bearer tokens")
		}
	} else {
		log.Info("HTTP API disabled")
	}

	// Lock listener last, so every sink is ready for the first connection.
	if startErr := lockServer.Start(ctx); startErr != nil {
		return fmt.Errorf("starting lock server: %w", startErr)
	}
	defer lockServer.Stop()

	if err := healthCheck(ctx, db, lockServer, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	// Supervise the console (if enabled) and audit retention until
	// shutdown. Quitting the console shuts the process down.
	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	g, gctx := errgroup.WithContext(runCtx)

	if cfg.Console.Enabled {
		cons := console.New(lockServer, os.Stdin, os.Stdout, console.Options{
			Prompt: cfg.Console.Prompt,
			Logger: log.With("component", "console"),
		})
		g.Go(func() error {
			defer stop()
			return cons.Run(gctx)
		})
	}

	retention := &audit.Retention{
		Pruner:     auditRepo,
		MaxAge:     cfg.GetAuditRetention(),
		AfterPrune: db.Optimize,
		Logger:     log.With("component", "audit_retention"),
	}
	g.Go(func() error { return retention.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	log.Info("initialisation complete, waiting for shutdown signal")
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("shutdown signal received, cleaning up")

	// Deferred calls run in reverse order:
	// 1. Lock server (closes every lock connection)
	// 2. API server
	// 3. MQTT bridge and client (if enabled)
	// 4. InfluxDB (if enabled)
	// 5. Database
	log.Info("Lockgate stopping")
	return nil
}

// loadConfig reads the file named by LOCKGATE_CONFIG, or the default path.
// A missing default file falls back to built-in defaults plus environment
// overrides; a missing file that was asked for explicitly is an error.
func loadConfig() (*config.Config, string, error) {
	path, explicit := getConfigPath()
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, path, nil
	}
	if !explicit && errors.Is(err, os.ErrNotExist) {
		cfg, err = config.Default()
		return cfg, "(defaults)", err
	}
	return nil, path, err
}

// getConfigPath returns the configuration file path.
// Uses LOCKGATE_CONFIG environment variable if set, otherwise default.
func getConfigPath() (string, bool) {
	if path := os.Getenv("LOCKGATE_CONFIG"); path != "" {
		return path, true
	}
	return defaultConfigPath, false
}

// lockServerConfig maps the lockserver section onto the Omni server options.
func lockServerConfig(cfg *config.Config) omni.Config {
	return omni.Config{
		Host:           cfg.LockServer.Host,
		Port:           cfg.LockServer.Port,
		CommandTimeout: cfg.GetCommandTimeout(),
		QueueCommands:  cfg.LockServer.QueueCommands,
		QueueTimeout:   cfg.GetQueueTimeout(),
		MaxQueueDepth:  cfg.LockServer.MaxQueueDepth,
		WriteTimeout:   cfg.GetLockWriteTimeout(),
		IdleTimeout:    cfg.GetLockIdleTimeout(),
		MaxFrameSize:   cfg.LockServer.MaxFrameSize,
	}
}

// mqttAdapter fits the infrastructure MQTT client to the bridge's
// handler signature. Handler errors are not used by the bridge.
type mqttAdapter struct {
	*mqtt.Client
}

// Subscribe registers handler for topic.
func (a mqttAdapter) Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error {
	return a.Client.Subscribe(topic, qos, func(t string, p []byte) error {
		handler(t, p)
		return nil
	})
}

// brokerStats avoids handing the API a non-nil interface holding a nil
// client when MQTT is disabled.
func brokerStats(c *mqtt.Client) api.BrokerStats {
	if c == nil {
		return nil
	}
	return c
}

func telemetryStats(c *influxdb.Client) api.TelemetryStats {
	if c == nil {
		return nil
	}
	return c
}

// healthCheck verifies all infrastructure connections are healthy.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - db: Database connection to check
//   - locks: Lock server to check
//   - mqttClient: MQTT client to check (may be nil if disabled)
//   - influxClient: InfluxDB client to check (may be nil if disabled)
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, db *database.DB, locks *omni.Server, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := locks.HealthCheck(ctx); err != nil {
		return fmt.Errorf("lock server: %w", err)
	}
	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}
	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}
	return nil
}
