package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"sipgate-server/pkg/config"
	"sipgate-server/pkg/metrics"
	"sipgate-server/pkg/session"
	"sipgate-server/pkg/version"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// StatsProvider exposes gateway state for the reporting endpoints
type StatsProvider interface {
	Stats() map[string]interface{}
	Sessions() []session.Snapshot
}

// RateLimitMiddleware interface for rate limiting
type RateLimitMiddleware interface {
	Middleware(next http.Handler) http.Handler
}

// Server represents the HTTP server for health checks, metrics and the
// security event stream
type Server struct {
	config              *config.HTTPConfig
	logger              *logrus.Logger
	httpServer          *http.Server
	mux                 *http.ServeMux
	gateway             StatsProvider
	hub                 *EventHub
	signaling           interface{} // Reference to the signaling front end
	amqpClient          interface{} // Reference to the AMQP publisher
	rateLimitMiddleware RateLimitMiddleware
	startTime           time.Time
}

// NewServer creates a new HTTP server instance
func NewServer(logger *logrus.Logger, cfg *config.HTTPConfig, gateway StatsProvider) *Server {
	if cfg == nil {
		cfg = &config.HTTPConfig{
			Port:          8080,
			Enabled:       true,
			EnableMetrics: true,
			ReadTimeout:   10 * time.Second,
			WriteTimeout:  30 * time.Second,
		}
	}

	server := &Server{
		config:    cfg,
		logger:    logger,
		gateway:   gateway,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	server.mux = mux
	rootHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler := http.Handler(mux)
		if server.rateLimitMiddleware != nil {
			handler = server.rateLimitMiddleware.Middleware(handler)
		}
		handler.ServeHTTP(w, r)
	})

	// Wrap handlers with middleware that adds Server header
	addServerHeader := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Server", version.ServerHeader())
			next(w, r)
		}
	}

	// Register standard endpoints
	mux.HandleFunc("/health", addServerHeader(server.HealthHandler))
	mux.HandleFunc("/health/live", addServerHeader(server.LivenessHandler))
	mux.HandleFunc("/health/ready", addServerHeader(server.ReadinessHandler))

	if cfg.EnableMetrics {
		if registry := metrics.GetRegistry(); registry != nil {
			promHandler := promhttp.HandlerFor(
				registry,
				promhttp.HandlerOpts{
					EnableOpenMetrics: true,
					Registry:          registry,
				},
			)
			mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Server", version.ServerHeader())
				promHandler.ServeHTTP(w, r)
			})
			logger.Info("Prometheus metrics endpoint enabled at /metrics")
		} else {
			logger.Warn("Metrics enabled but registry not initialized, endpoint disabled")
		}
	} else {
		logger.Info("Metrics endpoint disabled")
	}

	mux.HandleFunc("/status", addServerHeader(server.statusHandler))
	mux.HandleFunc("/api/sessions", addServerHeader(server.sessionsHandler))

	server.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      rootHandler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return server
}

// SetRateLimitMiddleware sets the rate limiting middleware for the server.
func (s *Server) SetRateLimitMiddleware(middleware RateLimitMiddleware) {
	s.rateLimitMiddleware = middleware
	s.logger.Info("Rate limiting middleware configured")
}

// SetSignalingHandler sets the signaling front end reference for health checks
func (s *Server) SetSignalingHandler(handler interface{}) {
	s.signaling = handler
}

// SetEventHub attaches the security event hub and registers its endpoint
func (s *Server) SetEventHub(hub *EventHub) {
	s.hub = hub

	if s.mux != nil {
		s.mux.HandleFunc("/ws/events", hub.ServeWS)
		s.logger.Info("Security event stream registered at /ws/events")
	}
}

// SetAMQPClient sets the AMQP publisher reference for health checks
func (s *Server) SetAMQPClient(client interface{}) {
	s.amqpClient = client
}

// Start starts the HTTP server in a goroutine
func (s *Server) Start() {
	s.logger.WithField("port", s.config.Port).Info("Starting HTTP server")

	go func() {
		s.logger.Infof("HTTP server listening on port %d", s.config.Port)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("HTTP server failed")
		}
	}()

	// Verify that we can actually bind to the port
	go func() {
		time.Sleep(500 * time.Millisecond)

		conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", s.config.Port), 2*time.Second)
		if err != nil {
			s.logger.WithError(err).Error("Could not connect to HTTP server")
		} else {
			s.logger.Info("HTTP server is running correctly")
			conn.Close()
		}
	}()
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server...")
	return s.httpServer.Shutdown(ctx)
}

// statusHandler handles the /status endpoint
func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	s.logger.WithField("endpoint", "/status").Debug("Status endpoint accessed")

	status := map[string]interface{}{
		"status":     "ok",
		"uptime":     time.Since(s.startTime).String(),
		"version":    version.Version,
		"started_at": s.startTime.Format(time.RFC3339),
	}

	if s.gateway != nil {
		for k, v := range s.gateway.Stats() {
			status[k] = v
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(status)
}

// sessionsHandler lists active session snapshots
func (s *Server) sessionsHandler(w http.ResponseWriter, r *http.Request) {
	var snapshots []session.Snapshot
	if s.gateway != nil {
		snapshots = s.gateway.Sessions()
	}
	if snapshots == nil {
		snapshots = []session.Snapshot{}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"count":    len(snapshots),
		"sessions": snapshots,
	})
}
