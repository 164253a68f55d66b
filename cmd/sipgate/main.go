package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"sipgate-server/pkg/config"
	"sipgate-server/pkg/gateway"
	http_server "sipgate-server/pkg/http"
	"sipgate-server/pkg/messaging"
	"sipgate-server/pkg/metrics"
	"sipgate-server/pkg/ratelimit"
	"sipgate-server/pkg/security"
	"sipgate-server/pkg/sip"
)

var (
	logger    = logrus.New()
	appConfig *config.Config

	gw            *gateway.Gateway
	sipServer     *sip.Server
	httpServer    *http_server.Server
	eventHub      *http_server.EventHub
	amqpPublisher *messaging.Publisher

	// Context for graceful shutdown
	rootCtx    context.Context
	rootCancel context.CancelFunc
)

func main() {
	// Set up logger with basic configuration (will be updated after config is loaded)
	logger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "message",
		},
	})
	logger.SetOutput(os.Stdout)

	// Initialize the root context for graceful shutdown
	rootCtx, rootCancel = context.WithCancel(context.Background())
	defer rootCancel()

	if err := initialize(); err != nil {
		logger.WithError(err).Fatal("Failed to initialize application")
	}

	var wg sync.WaitGroup
	wg.Add(1)

	// Start HTTP server for health checks, metrics and the event stream
	if appConfig.HTTP.Enabled {
		httpServer.Start()
		logger.Info("HTTP server started")
	} else {
		logger.Info("HTTP server is disabled by configuration")
	}

	// Start SIP server
	go startSIPServer(&wg)

	// Graceful shutdown handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigChan
		logger.WithField("signal", sig.String()).Info("Received shutdown signal, cleaning up...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()

		// Cancel the root context to signal shutdown to all goroutines
		rootCancel()

		// Shutdown HTTP server first
		if httpServer != nil {
			logger.Debug("Shutting down HTTP server...")
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				logger.WithError(err).Error("Error shutting down HTTP server")
			} else {
				logger.Info("HTTP server shut down successfully")
			}
		}

		// Shutdown SIP server next (with its own dedicated timeout)
		if sipServer != nil {
			logger.Debug("Shutting down SIP server...")
			sipShutdownCtx, sipShutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer sipShutdownCancel()

			if err := sipServer.Shutdown(sipShutdownCtx); err != nil {
				logger.WithError(err).Error("Error shutting down SIP server")
			} else {
				logger.Info("SIP server shut down successfully")
			}
		}

		// Disconnect from the broker
		if amqpPublisher != nil && amqpPublisher.Enabled() {
			logger.Debug("Closing AMQP publisher...")
			amqpPublisher.Close()
			logger.Info("AMQP publisher closed")
		}

		// The event hub stops through root context cancellation; give
		// connected clients a moment to drain
		if eventHub != nil {
			time.Sleep(500 * time.Millisecond)
			logger.Info("WebSocket event hub shut down")
		}

		// Stop the gateway's background reapers last
		if gw != nil {
			gw.Stop()
			logger.Info("Gateway stopped")
		}

		select {
		case <-shutdownCtx.Done():
			logger.Warn("Global shutdown timed out, forcing exit")
		case <-time.After(500 * time.Millisecond):
			logger.Info("All components shut down successfully")
		}

		logger.Info("Application shut down gracefully")
		os.Exit(0)
	}()

	wg.Wait()
}

// initialize loads configuration and wires all components together
func initialize() error {
	var err error

	appConfig, err = config.Load(logger)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := appConfig.ApplyLogging(logger); err != nil {
		return fmt.Errorf("failed to apply logging configuration: %w", err)
	}
	logger.WithField("level", logger.GetLevel().String()).Info("Log level set")

	// Initialize metrics system
	metrics.StartMetrics(logger, appConfig.HTTP.EnableMetrics)

	// The gateway owns the whole pipeline: validation, rate limiting,
	// authentication, sessions and media policy
	gw = gateway.New(appConfig, nil, logger)
	logger.Info("Security gateway initialized")

	// SIP front end feeds the gateway
	sipServer, err = sip.NewServer(logger, gw, nil)
	if err != nil {
		return fmt.Errorf("failed to create SIP server: %w", err)
	}

	// Security events fan out to the websocket hub and, when a broker
	// is configured, to AMQP
	panics := security.NewPanicHandler(logger)
	eventHub = http_server.NewEventHub(logger)
	panics.SafeGo(func() { eventHub.Run(rootCtx) }, "event_hub")

	publishers := []gateway.EventPublisher{eventHub}
	amqpPublisher = messaging.NewPublisher(&appConfig.Messaging, logger)
	if amqpPublisher.Enabled() {
		if err := amqpPublisher.Start(); err != nil {
			logger.WithError(err).Warn("AMQP publisher failed to start, continuing without broker")
		} else {
			publishers = append(publishers, amqpPublisher)
		}
	} else {
		logger.Info("AMQP publishing disabled (no broker configured)")
	}
	gw.SetEventPublisher(gateway.MultiPublisher(publishers...))

	// HTTP admin plane
	httpServer = http_server.NewServer(logger, &appConfig.HTTP, gw)
	httpServer.SetSignalingHandler(sipServer)
	httpServer.SetEventHub(eventHub)
	httpServer.SetAMQPClient(amqpPublisher)
	httpServer.SetRateLimitMiddleware(ratelimit.NewHTTPMiddleware(nil, nil, logger))

	logStartupConfig()
	return nil
}

// startSIPServer starts listeners on every configured transport and
// blocks until one fails or the root context is cancelled
func startSIPServer(wg *sync.WaitGroup) {
	defer wg.Done()

	ip := appConfig.Network.Host
	ctx, cancel := context.WithCancel(rootCtx)
	defer cancel()

	// Error channel to communicate errors from listener goroutines
	errChan := make(chan error, 10)

	var wgListeners sync.WaitGroup

	// Start UDP listeners
	for _, port := range appConfig.Network.GetUDPPorts() {
		address := fmt.Sprintf("%s:%d", ip, port)
		wgListeners.Add(1)

		go func(address string, port int) {
			defer wgListeners.Done()

			logger.WithField("address", address).Info("Starting SIP server on UDP")
			if err := sipServer.ListenAndServe(ctx, "udp", address); err != nil {
				logger.WithError(err).WithField("port", port).Error("Failed to start SIP server on UDP")
				errChan <- fmt.Errorf("UDP listener error: %w", err)
			}
		}(address, port)
	}

	// Start TCP listeners
	for _, port := range appConfig.Network.GetTCPPorts() {
		address := fmt.Sprintf("%s:%d", ip, port)
		wgListeners.Add(1)

		go func(address string, port int) {
			defer wgListeners.Done()

			logger.WithField("address", address).Info("Starting SIP server on TCP")
			if err := sipServer.ListenAndServe(ctx, "tcp", address); err != nil {
				logger.WithError(err).WithField("port", port).Error("Failed to start SIP server on TCP")
				errChan <- fmt.Errorf("TCP listener error: %w", err)
			}
		}(address, port)
	}

	// Start the TLS listener when certificates are configured
	startTLS := appConfig.Network.EnableTLS && appConfig.Network.TLSPort != 0
	if startTLS {
		if appConfig.Network.TLSCertFile == "" || appConfig.Network.TLSKeyFile == "" {
			logger.Warn("TLS is enabled but certificate or key file is not specified, skipping TLS listener")
			startTLS = false
		}
	}
	if startTLS {
		if _, err := os.Stat(appConfig.Network.TLSCertFile); os.IsNotExist(err) {
			logger.WithField("cert_file", appConfig.Network.TLSCertFile).Error("TLS certificate file does not exist, skipping TLS listener")
			startTLS = false
		}
	}
	if startTLS {
		if _, err := os.Stat(appConfig.Network.TLSKeyFile); os.IsNotExist(err) {
			logger.WithField("key_file", appConfig.Network.TLSKeyFile).Error("TLS key file does not exist, skipping TLS listener")
			startTLS = false
		}
	}
	if startTLS {
		cert, err := tls.LoadX509KeyPair(appConfig.Network.TLSCertFile, appConfig.Network.TLSKeyFile)
		if err != nil {
			logger.WithError(err).Error("Failed to load TLS certificate and key, skipping TLS listener")
		} else {
			sipServer.SetTLSConfig(&tls.Config{
				MinVersion:   tls.VersionTLS12,
				Certificates: []tls.Certificate{cert},
			})

			tlsAddress := fmt.Sprintf("%s:%d", ip, appConfig.Network.TLSPort)
			wgListeners.Add(1)

			go func() {
				defer wgListeners.Done()

				logger.WithField("address", tlsAddress).Info("Starting SIP server on TLS")
				if err := sipServer.ListenAndServe(ctx, "tls", tlsAddress); err != nil {
					logger.WithError(err).WithField("port", appConfig.Network.TLSPort).Error("Failed to start SIP server on TLS")
					errChan <- fmt.Errorf("TLS listener error: %w", err)
				}
			}()
		}
	}

	// Keep running until an error occurs or the context is cancelled
	select {
	case err := <-errChan:
		logger.WithError(err).Error("SIP server error, shutting down")
		cancel()
	case <-ctx.Done():
		logger.Info("SIP server context cancelled, shutting down")
	}

	wgListeners.Wait()
}

// logStartupConfig logs the effective configuration
func logStartupConfig() {
	logger.Info("Signaling security gateway is starting with the following configuration:")

	logger.WithFields(logrus.Fields{
		"sip_host":    appConfig.Network.Host,
		"sip_ports":   appConfig.Network.Ports,
		"udp_ports":   appConfig.Network.GetUDPPorts(),
		"tcp_ports":   appConfig.Network.GetTCPPorts(),
		"tls_enabled": appConfig.Network.EnableTLS,
		"tls_port":    appConfig.Network.TLSPort,
	}).Info("Network configuration")

	logger.WithFields(logrus.Fields{
		"http_enabled": appConfig.HTTP.Enabled,
		"http_port":    appConfig.HTTP.Port,
		"metrics":      appConfig.HTTP.EnableMetrics,
	}).Info("HTTP configuration")

	logger.WithFields(logrus.Fields{
		"auth_required":       appConfig.Auth.RequireAuth,
		"realm":               appConfig.Auth.Realm,
		"validation_enabled":  appConfig.Security.MessageValidationEnabled,
		"max_message_size":    appConfig.Security.MaxMessageSizeBytes,
		"rate_limit_enabled":  appConfig.RateLimit.Enabled,
		"requests_per_minute": appConfig.RateLimit.MaxRequestsPerMinute,
	}).Info("Security configuration")

	logger.WithFields(logrus.Fields{
		"require_encryption":    appConfig.Media.RequireEncryption,
		"validate_certificates": appConfig.Media.ValidateCertificates,
		"ice_candidate_cap":     appConfig.Media.ICECandidateCap,
		"bandwidth_limit_bps":   appConfig.Media.BandwidthLimitBps,
	}).Info("Media policy")

	logger.WithFields(logrus.Fields{
		"amqp_configured": appConfig.Messaging.AMQPUrl != "",
		"amqp_queue":      appConfig.Messaging.AMQPQueueName,
	}).Info("Messaging configuration")
}
