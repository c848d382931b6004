package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nerrad567/camrelay/internal/auth"
	"github.com/nerrad567/camrelay/internal/device"
	"github.com/nerrad567/camrelay/internal/infrastructure/config"
	"github.com/nerrad567/camrelay/internal/infrastructure/database"
	"github.com/nerrad567/camrelay/internal/infrastructure/logging"
	"github.com/nerrad567/camrelay/internal/metrics"
	"github.com/nerrad567/camrelay/internal/notify"
	"github.com/nerrad567/camrelay/internal/relay"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// ConnectionChecker reports broker connectivity. Satisfied by *mqtt.Client.
type ConnectionChecker interface {
	IsConnected() bool
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config     config.APIConfig
	WS         config.WebSocketConfig
	Security   config.SecurityConfig
	Logger     *logging.Logger
	Relay      *relay.Relay
	Devices    *device.Store
	Catalog    *device.Catalog
	Gate       *auth.Gate
	Challenges *auth.Challenges
	Notifier   notify.Sender
	Metrics    *metrics.Prometheus // optional
	DB         *database.DB        // optional, for health and status
	MQTT       ConnectionChecker   // optional
	Audit      AccessLog           // optional
	Version    string
}

// Server is the HTTP front door.
//
// It manages the HTTP listener, routes, middleware, and the device and
// viewer WebSockets. The server is created with New() and started with
// Start().
type Server struct {
	cfg        config.APIConfig
	wsCfg      config.WebSocketConfig
	secCfg     config.SecurityConfig
	logger     *logging.Logger
	relay      *relay.Relay
	devices    *device.Store
	catalog    *device.Catalog
	gate       *auth.Gate
	challenges *auth.Challenges
	notifier   notify.Sender
	metrics    *metrics.Prometheus
	db         *database.DB
	mqtt       ConnectionChecker
	audit      AccessLog
	version    string
	startTime  time.Time
	server     *http.Server
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Relay == nil {
		return nil, fmt.Errorf("relay is required")
	}
	if deps.Devices == nil || deps.Catalog == nil {
		return nil, fmt.Errorf("device store and catalog are required")
	}
	if deps.Gate == nil || deps.Challenges == nil {
		return nil, fmt.Errorf("session gate and challenges are required")
	}
	if deps.Notifier == nil {
		return nil, fmt.Errorf("notifier is required")
	}

	return &Server{
		cfg:        deps.Config,
		wsCfg:      deps.WS,
		secCfg:     deps.Security,
		logger:     deps.Logger,
		relay:      deps.Relay,
		devices:    deps.Devices,
		catalog:    deps.Catalog,
		gate:       deps.Gate,
		challenges: deps.Challenges,
		notifier:   deps.Notifier,
		metrics:    deps.Metrics,
		db:         deps.DB,
		mqtt:       deps.MQTT,
		audit:      deps.Audit,
		version:    deps.Version,
		startTime:  time.Now(),
	}, nil
}

// Start begins listening for HTTP connections in a background goroutine.
// The server can be stopped with Close().
func (s *Server) Start(_ context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS",
				"address", s.server.Addr,
				"cert", s.cfg.TLS.CertFile,
			)
			err = s.server.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", s.server.Addr)
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete. Hijacked
// WebSocket connections are not tracked by http.Server; they end when the
// relay closes them.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running and responsive.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}

	return nil
}
