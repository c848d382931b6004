package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/camrelay/internal/panel"
)

// healthCheckTimeout bounds the dependency checks behind /health.
const healthCheckTimeout = 2 * time.Second

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	// Device transport (devices assert their own identity in the hello)
	devicePath := s.wsCfg.DevicePath
	if devicePath == "" {
		devicePath = "/ws/device"
	}
	r.Get(devicePath, s.handleDeviceSocket)

	r.Route("/api/v1", func(r chi.Router) {
		// Health and monitoring (no auth required)
		r.Get("/health", s.handleHealth)
		r.Get("/status", s.handleStatus)
		if s.metrics != nil {
			r.Handle("/metrics", s.metrics.Handler())
		}

		// Login flow (no session required)
		r.Route("/auth", func(r chi.Router) {
			r.Post("/register", s.handleRegister)
			r.Post("/session", s.handleSession)
			r.Post("/otp/request", s.handleOTPRequest)
			r.Post("/otp/verify", s.handleOTPVerify)
			r.Post("/logout", s.handleLogout)
		})

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(s.sessionMiddleware)

			r.Route("/devices", func(r chi.Router) {
				r.Get("/", s.handleListDevices)
				r.Get("/online", s.handleListOnline)

				r.Route("/{id}", func(r chi.Router) {
					r.Use(s.deviceAccessMiddleware)
					r.Get("/", s.handleGetDevice)
					r.Get("/stream", s.handleMJPEGStream)
					r.Get("/ws", s.handleViewerSocket)
					r.Get("/capture", s.handleCapture)
					r.Get("/latest", s.handleLatest)
					r.Post("/commands", s.handleCommand)
					r.Post("/start", s.handleStart)
					r.Get("/access", s.handleAccessLog)
				})
			})
		})
	})

	// Browser viewer page. Registered last so API routes keep their own 404s.
	if s.cfg.Viewer.Enabled {
		r.Handle("/*", panel.Handler(s.cfg.Viewer.Dir))
	}

	return r
}

// handleHealth reports whether the server and its database are usable.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()
		if err := s.db.HealthCheck(ctx); err != nil {
			s.logger.Warn("health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status":  "degraded",
				"version": s.version,
				"error":   "database unavailable",
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
	})
}
