// camrelay - camera relay
//
// This is the main entry point for the camrelay server. Cameras dial in
// over a WebSocket and push frames; viewers authenticate with a one-time
// code sent to the camera owner's email and then watch live MJPEG or
// WebSocket streams, fetch the latest frame, or ask for a fresh capture.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/nerrad567/camrelay/migrations"

	"github.com/nerrad567/camrelay/internal/api"
	"github.com/nerrad567/camrelay/internal/audit"
	"github.com/nerrad567/camrelay/internal/auth"
	"github.com/nerrad567/camrelay/internal/device"
	"github.com/nerrad567/camrelay/internal/directory"
	"github.com/nerrad567/camrelay/internal/infrastructure/config"
	"github.com/nerrad567/camrelay/internal/infrastructure/database"
	"github.com/nerrad567/camrelay/internal/infrastructure/influxdb"
	"github.com/nerrad567/camrelay/internal/infrastructure/logging"
	"github.com/nerrad567/camrelay/internal/infrastructure/mqtt"
	"github.com/nerrad567/camrelay/internal/metrics"
	"github.com/nerrad567/camrelay/internal/notify"
	"github.com/nerrad567/camrelay/internal/relay"
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

func main() {
	// Create a context that cancels on interrupt signals (Ctrl+C, SIGTERM)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// Components are stopped in reverse start order by the deferred calls, so
// the HTTP server goes first and the database last.
func run(ctx context.Context) error { //nolint:gocognit,gocyclo // Linear startup sequence
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting camrelay",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	db, err := database.Open(ctx, database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
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

	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	dir := directory.NewStore(db)
	stopPruner := startPruner(ctx, dir, cfg.Relay.PruneInterval, log)
	defer stopPruner()

	accessLog := audit.NewSQLiteRepository(db.DB)
	if cfg.Relay.AccessLogRetention > 0 {
		stopAccessPruner := startPruner(ctx, retention{accessLog, cfg.Relay.AccessLogRetention}, cfg.Relay.PruneInterval, log)
		defer stopAccessPruner()
	}

	// Session gate and one-time codes
	tokens := auth.NewTokenService(cfg.Security.JWT.Secret)
	gate := auth.NewGate(tokens, auth.NewRevocations(dir), cfg.SessionTTL())
	challenges := auth.NewChallenges(dir, cfg.OTPTTL(), cfg.Security.OTP.MaxAttempts)

	// Device records and discovery
	devices := device.NewStore(dir)
	catalog := device.NewCatalog(dir)
	catalog.SetLogger(log.Component("catalog"))
	if startErr := catalog.Start(ctx); startErr != nil {
		return fmt.Errorf("starting device catalog: %w", startErr)
	}
	defer func() {
		log.Info("stopping device catalog")
		catalog.Stop()
	}()
	log.Info("device catalog started")

	// Connect to MQTT broker (optional)
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetLogger(log.Component("mqtt"))
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
	} else {
		log.Info("MQTT disabled")
	}

	// Presence is published only when a broker is configured. The interface
	// must stay nil otherwise.
	var publisher device.StatusPublisher
	if mqttClient != nil {
		publisher = mqttClient
	}
	presence := device.NewPresence(devices, publisher, cfg.Relay.ID, cfg.Relay.HeartbeatInterval)
	presence.SetLogger(log.Component("presence"))
	if startErr := presence.Start(ctx); startErr != nil {
		return fmt.Errorf("starting presence tracker: %w", startErr)
	}
	defer func() {
		log.Info("stopping presence tracker")
		presence.Stop()
	}()

	prom := metrics.NewPrometheus()
	observers := relay.Observers{prom, presence}

	// Connect to InfluxDB (optional)
	if cfg.InfluxDB.Enabled {
		influxClient, connErr := influxdb.Connect(cfg.InfluxDB)
		if connErr != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", connErr)
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
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)

		telemetry := metrics.NewTelemetry(influxClient, 0)
		telemetry.SetLogger(log.Component("telemetry"))
		telemetry.Start(ctx)
		defer func() {
			log.Info("flushing telemetry")
			telemetry.Stop()
		}()
		observers = append(observers, telemetry)
	} else {
		log.Info("InfluxDB disabled")
	}

	// The relay core
	r := relay.New(relay.Options{
		HeartbeatInterval:      cfg.Relay.HeartbeatInterval,
		CaptureTimeout:         cfg.Relay.CaptureTimeout,
		CommandTimeout:         cfg.Relay.CommandTimeout,
		SubscriberBuffer:       cfg.Relay.SubscriberBuffer,
		SubscriberWriteTimeout: cfg.Relay.SubscriberWriteTimeout,
		StaleFrameAfter:        cfg.Relay.StaleFrameAfter,
	})
	r.SetLogger(log.Component("relay"))
	r.SetObserver(observers)
	r.SetStartQueue(devices)
	r.Start(ctx)
	defer func() {
		log.Info("closing relay")
		r.Close()
	}()
	prom.RegisterPendingCommands(r.Stats)
	log.Info("relay started", "heartbeat_interval", cfg.Relay.HeartbeatInterval)

	// Code delivery and broker-side commands
	var notifier notify.Sender = notify.NewLogSender(log)
	if mqttClient != nil {
		topics := mqtt.Topics{}
		notifier = notify.NewMQTTSender(mqttClient, topics.NotifyEmail())

		// #nosec G115 -- QoS validated to 0..2 by config.Validate
		qos := byte(cfg.MQTT.QoS)
		handler := device.CommandHandler(r, cfg.Relay.CommandTimeout, log)
		if subErr := mqttClient.Subscribe(topics.AllDeviceCommands(), qos, handler); subErr != nil {
			return fmt.Errorf("subscribing to device commands: %w", subErr)
		}
		log.Info("subscribed to device commands", "topic", topics.AllDeviceCommands())
	} else {
		log.Warn("no mailer bridge configured, one-time codes are written to the log")
	}

	deps := api.Deps{
		Config:     cfg.API,
		WS:         cfg.WebSocket,
		Security:   cfg.Security,
		Logger:     log,
		Relay:      r,
		Devices:    devices,
		Catalog:    catalog,
		Gate:       gate,
		Challenges: challenges,
		Notifier:   notifier,
		Metrics:    prom,
		DB:         db,
		Audit:      accessLog,
		Version:    version,
	}
	if mqttClient != nil {
		deps.MQTT = mqttClient
	}
	server, err := api.New(deps)
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if startErr := server.Start(ctx); startErr != nil {
		return fmt.Errorf("starting API server: %w", startErr)
	}
	defer func() {
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	if err := healthCheck(ctx, db, mqttClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")
	return nil
}

func getConfigPath() string {
	if path := os.Getenv("CAMRELAY_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}

	return nil
}

// expirer deletes directory entries whose TTL has passed.
type expirer interface {
	DeleteExpired(ctx context.Context) (int64, error)
}

// retention adapts the access log to the pruner by deleting entries older
// than keep.
type retention struct {
	log  *audit.SQLiteRepository
	keep time.Duration
}

func (r retention) DeleteExpired(ctx context.Context) (int64, error) {
	return r.log.DeleteBefore(ctx, time.Now().Add(-r.keep))
}

// startPruner deletes expired entries every interval until ctx is cancelled
// or the returned stop function is called.
func startPruner(ctx context.Context, dir expirer, interval time.Duration, log *logging.Logger) (stop func()) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				n, err := dir.DeleteExpired(ctx)
				if err != nil {
					log.Warn("pruning expired entries failed", "error", err)
					continue
				}
				if n > 0 {
					log.Debug("pruned expired entries", "count", n)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return func() {
		cancel()
		wg.Wait()
	}
}
