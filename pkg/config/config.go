package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"sipgate-server/pkg/errors"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Config represents the complete gateway configuration
type Config struct {
	Network   NetworkConfig   `json:"network"`
	HTTP      HTTPConfig      `json:"http"`
	Logging   LoggingConfig   `json:"logging"`
	Security  SecurityConfig  `json:"security"`
	Auth      AuthConfig      `json:"auth"`
	RateLimit RateLimitConfig `json:"rate_limit"`
	Session   SessionConfig   `json:"session"`
	Media     MediaConfig     `json:"media"`
	Messaging MessagingConfig `json:"messaging"`
}

// NetworkConfig holds SIP listener configurations
type NetworkConfig struct {
	// SIP host address to bind to (0.0.0.0 = all interfaces)
	Host string `json:"host" env:"SIP_HOST" default:"0.0.0.0"`

	// SIP ports to listen on (both UDP and TCP)
	Ports []int `json:"ports" env:"PORTS" default:"5060"`

	// UDP-specific SIP ports (overrides Ports for UDP if set)
	UDPPorts []int `json:"udp_ports" env:"UDP_PORTS"`

	// TCP-specific SIP ports (overrides Ports for TCP if set)
	TCPPorts []int `json:"tcp_ports" env:"TCP_PORTS"`

	// TLS certificate file
	TLSCertFile string `json:"tls_cert_file" env:"TLS_CERT_PATH"`

	// TLS key file
	TLSKeyFile string `json:"tls_key_file" env:"TLS_KEY_PATH"`

	// TLS port
	TLSPort int `json:"tls_port" env:"TLS_PORT" default:"5061"`

	// Whether TLS is enabled
	EnableTLS bool `json:"enable_tls" env:"ENABLE_TLS" default:"false"`
}

// HTTPConfig holds HTTP server configurations
type HTTPConfig struct {
	// HTTP port
	Port int `json:"port" env:"HTTP_PORT" default:"8080"`

	// Whether HTTP server is enabled
	Enabled bool `json:"enabled" env:"HTTP_ENABLED" default:"true"`

	// Whether metrics endpoint is enabled
	EnableMetrics bool `json:"enable_metrics" env:"HTTP_ENABLE_METRICS" default:"true"`

	// Read timeout for HTTP requests
	ReadTimeout time.Duration `json:"read_timeout" env:"HTTP_READ_TIMEOUT" default:"10s"`

	// Write timeout for HTTP responses
	WriteTimeout time.Duration `json:"write_timeout" env:"HTTP_WRITE_TIMEOUT" default:"30s"`
}

// LoggingConfig holds logging-related configurations
type LoggingConfig struct {
	// Log level (debug, info, warn, error)
	Level string `json:"level" env:"LOG_LEVEL" default:"info"`

	// Log format (json or text)
	Format string `json:"format" env:"LOG_FORMAT" default:"json"`

	// Log output file (empty = stdout)
	OutputFile string `json:"output_file" env:"LOG_OUTPUT_FILE"`
}

// SecurityConfig holds message validation configurations
type SecurityConfig struct {
	// Whether inbound message validation is enabled
	MessageValidationEnabled bool `json:"message_validation_enabled" env:"MESSAGE_VALIDATION_ENABLED" default:"true"`

	// Maximum total message size in bytes
	MaxMessageSizeBytes int `json:"max_message_size_bytes" env:"MAX_MESSAGE_SIZE" default:"1048576"`
}

// AuthConfig holds digest authentication configurations
type AuthConfig struct {
	// Whether digest authentication is required for state-changing methods
	RequireAuth bool `json:"require_auth" env:"AUTH_REQUIRED" default:"true"`

	// Realm presented in challenges
	Realm string `json:"realm" env:"AUTH_REALM" default:"sipgate"`

	// Nonce lifetime
	NonceTTL time.Duration `json:"nonce_ttl" env:"AUTH_NONCE_TTL" default:"5m"`

	// Minimum accepted password length
	MinPasswordLength int `json:"min_password_length" env:"AUTH_MIN_PASSWORD_LENGTH" default:"8"`

	// Static user table, comma-separated user:password pairs
	Users string `json:"-" env:"SIP_USERS"`
}

// RateLimitConfig holds flood-control configurations
type RateLimitConfig struct {
	// Whether per-source rate limiting is enabled
	Enabled bool `json:"enabled" env:"RATE_LIMIT_ENABLED" default:"true"`

	// Maximum messages per source within the window
	MaxRequestsPerMinute int `json:"max_requests_per_minute" env:"MAX_REQUESTS_PER_MINUTE" default:"120"`

	// Trailing window length
	Window time.Duration `json:"window" env:"RATE_LIMIT_WINDOW" default:"1m"`

	// Initial penalty duration for a source that exceeds its ceiling
	PenaltyBase time.Duration `json:"penalty_base" env:"PENALTY_BASE" default:"30s"`

	// Upper bound on escalated penalties
	PenaltyMax time.Duration `json:"penalty_max" env:"PENALTY_MAX" default:"5m"`

	// Maximum REGISTER messages per source within the window
	MaxRegistrationsPerMinute int `json:"max_registrations_per_minute" env:"MAX_REGISTRATIONS_PER_MINUTE" default:"10"`

	// Interval for the background sweep of stale windows and penalties
	CleanupInterval time.Duration `json:"cleanup_interval" env:"RATE_LIMIT_CLEANUP_INTERVAL" default:"1m"`
}

// SessionConfig holds session registry configurations
type SessionConfig struct {
	// Idle time after which a session is considered abandoned
	IdleTimeout time.Duration `json:"idle_timeout" env:"SESSION_IDLE_TIMEOUT" default:"30m"`

	// Interval for the background sweep of expired sessions
	CleanupInterval time.Duration `json:"cleanup_interval" env:"SESSION_CLEANUP_INTERVAL" default:"1m"`

	// Number of shards in the session store (rounded up to a power of two)
	ShardCount int `json:"shard_count" env:"SESSION_SHARD_COUNT" default:"32"`
}

// MediaConfig holds media negotiation policy configurations
type MediaConfig struct {
	// Whether offered media must use encrypted transports
	RequireEncryption bool `json:"require_encryption" env:"REQUIRE_ENCRYPTION" default:"true"`

	// Whether certificate fingerprints are required and checked
	ValidateCertificates bool `json:"validate_certificates" env:"VALIDATE_CERTIFICATES" default:"true"`

	// Maximum ICE candidates accepted per session
	ICECandidateCap int `json:"ice_candidate_cap" env:"ICE_CANDIDATE_CAP" default:"50"`

	// Ceiling applied to requested session bandwidth
	BandwidthLimitBps int `json:"bandwidth_limit_bps" env:"BANDWIDTH_LIMIT_BPS" default:"4000000"`

	// Maximum concurrent sessions per authenticated user
	MaxConnectionsPerUser int `json:"max_connections_per_user" env:"MAX_CONNECTIONS_PER_USER" default:"5"`

	// Maximum connection attempts per source within the attempt window
	MaxAttemptsPerWindow int `json:"max_attempts_per_window" env:"MAX_ATTEMPTS_PER_WINDOW" default:"30"`

	// Trailing window for connection attempt counting
	AttemptWindow time.Duration `json:"attempt_window" env:"ATTEMPT_WINDOW" default:"1m"`

	// Quality advisory thresholds
	MaxPacketLossPercent float64 `json:"max_packet_loss_percent" env:"QUALITY_MAX_PACKET_LOSS" default:"15"`
	MaxJitterMs          float64 `json:"max_jitter_ms" env:"QUALITY_MAX_JITTER_MS" default:"150"`
	MaxRTTMs             float64 `json:"max_rtt_ms" env:"QUALITY_MAX_RTT_MS" default:"800"`
}

// MessagingConfig holds AMQP security-event publishing configurations
type MessagingConfig struct {
	// AMQP URL (empty = event publishing disabled)
	AMQPUrl string `json:"amqp_url" env:"AMQP_URL"`

	// Queue name for security events
	AMQPQueueName string `json:"amqp_queue_name" env:"AMQP_QUEUE_NAME" default:"sipgate_events"`
}

// Load loads the configuration from environment variables, reading a .env
// file first when one is present.
func Load(logger *logrus.Logger) (*Config, error) {
	// Get current working directory
	wd, err := os.Getwd()
	if err != nil {
		logger.WithError(err).Warn("Failed to get current working directory")
		wd = "unknown"
	}

	// Define possible locations for .env file
	possibleEnvFiles := []string{
		".env",                    // Current directory
		"../.env",                 // Parent directory
		filepath.Join(wd, ".env"), // Absolute path
	}

	// Try loading .env file from each possible location
	var loadedFrom string
	var loadErr error

	for _, envFile := range possibleEnvFiles {
		if _, statErr := os.Stat(envFile); statErr == nil {
			absPath, _ := filepath.Abs(envFile)
			logger.WithField("path", absPath).Debug("Attempting to load .env file")

			if loadErr = godotenv.Load(envFile); loadErr == nil {
				loadedFrom = absPath
				break
			}
		}
	}

	// If all attempts failed, try default Load() which uses working directory
	if loadedFrom == "" {
		if loadErr = godotenv.Load(); loadErr == nil {
			if _, statErr := os.Stat(".env"); statErr == nil {
				loadedFrom, _ = filepath.Abs(".env")
			}
		}
	}

	// Report results
	if loadedFrom != "" {
		logger.WithFields(logrus.Fields{
			"working_dir": wd,
			"path":        loadedFrom,
		}).Info("Successfully loaded .env file")
	} else {
		logger.WithField("working_dir", wd).Warn("No .env file found, using environment variables only")
	}

	config := &Config{}

	if err := loadNetworkConfig(logger, &config.Network); err != nil {
		return nil, errors.Wrap(err, "failed to load network configuration")
	}

	if err := loadHTTPConfig(logger, &config.HTTP); err != nil {
		return nil, errors.Wrap(err, "failed to load HTTP configuration")
	}

	if err := loadLoggingConfig(logger, &config.Logging); err != nil {
		return nil, errors.Wrap(err, "failed to load logging configuration")
	}

	if err := loadSecurityConfig(logger, &config.Security); err != nil {
		return nil, errors.Wrap(err, "failed to load security configuration")
	}

	if err := loadAuthConfig(logger, &config.Auth); err != nil {
		return nil, errors.Wrap(err, "failed to load authentication configuration")
	}

	if err := loadRateLimitConfig(logger, &config.RateLimit); err != nil {
		return nil, errors.Wrap(err, "failed to load rate limit configuration")
	}

	if err := loadSessionConfig(logger, &config.Session); err != nil {
		return nil, errors.Wrap(err, "failed to load session configuration")
	}

	if err := loadMediaConfig(logger, &config.Media); err != nil {
		return nil, errors.Wrap(err, "failed to load media configuration")
	}

	if err := loadMessagingConfig(logger, &config.Messaging); err != nil {
		return nil, errors.Wrap(err, "failed to load messaging configuration")
	}

	if err := validateConfig(logger, config); err != nil {
		return nil, errors.Wrap(err, "configuration validation failed")
	}

	return config, nil
}

// loadNetworkConfig loads the network configuration section
func loadNetworkConfig(logger *logrus.Logger, config *NetworkConfig) error {
	config.Host = getEnv("SIP_HOST", "0.0.0.0")

	var err error
	config.Ports, err = parsePorts(getEnv("PORTS", "5060"), "PORTS")
	if err != nil {
		return err
	}
	logger.WithField("sip_ports", config.Ports).Info("Configured SIP ports")

	// Load UDP-specific ports (optional)
	if udpPortsStr := getEnv("UDP_PORTS", ""); udpPortsStr != "" {
		config.UDPPorts, err = parsePorts(udpPortsStr, "UDP_PORTS")
		if err != nil {
			return err
		}
		logger.WithField("udp_ports", config.UDPPorts).Info("Configured UDP-specific ports")
	}

	// Load TCP-specific ports (optional)
	if tcpPortsStr := getEnv("TCP_PORTS", ""); tcpPortsStr != "" {
		config.TCPPorts, err = parsePorts(tcpPortsStr, "TCP_PORTS")
		if err != nil {
			return err
		}
		logger.WithField("tcp_ports", config.TCPPorts).Info("Configured TCP-specific ports")
	}

	if len(config.Ports) == 0 && len(config.UDPPorts) == 0 && len(config.TCPPorts) == 0 {
		config.Ports = []int{5060}
		logger.Warn("No SIP ports configured, defaulting to 5060")
	}

	config.EnableTLS = getEnvBool("ENABLE_TLS", false)
	config.TLSCertFile = getEnv("TLS_CERT_PATH", "")
	config.TLSKeyFile = getEnv("TLS_KEY_PATH", "")
	config.TLSPort = getEnvInt("TLS_PORT", 5061)

	if config.EnableTLS && (config.TLSCertFile == "" || config.TLSKeyFile == "") {
		return errors.New("TLS enabled but TLS_CERT_PATH or TLS_KEY_PATH is missing")
	}

	return nil
}

// loadHTTPConfig loads the HTTP configuration section
func loadHTTPConfig(logger *logrus.Logger, config *HTTPConfig) error {
	config.Port = getEnvInt("HTTP_PORT", 8080)
	config.Enabled = getEnvBool("HTTP_ENABLED", true)
	config.EnableMetrics = getEnvBool("HTTP_ENABLE_METRICS", true)
	config.ReadTimeout = getEnvDuration("HTTP_READ_TIMEOUT", 10*time.Second)
	config.WriteTimeout = getEnvDuration("HTTP_WRITE_TIMEOUT", 30*time.Second)

	return nil
}

// loadLoggingConfig loads the logging configuration section
func loadLoggingConfig(logger *logrus.Logger, config *LoggingConfig) error {
	config.Level = getEnv("LOG_LEVEL", "info")

	_, err := logrus.ParseLevel(config.Level)
	if err != nil {
		logger.Warnf("Invalid LOG_LEVEL '%s', defaulting to 'info'", config.Level)
		config.Level = "info"
	}

	config.Format = getEnv("LOG_FORMAT", "json")
	if config.Format != "json" && config.Format != "text" {
		logger.Warn("Invalid LOG_FORMAT, must be 'json' or 'text', defaulting to 'json'")
		config.Format = "json"
	}

	config.OutputFile = getEnv("LOG_OUTPUT_FILE", "")

	return nil
}

// loadSecurityConfig loads the message validation configuration section
func loadSecurityConfig(logger *logrus.Logger, config *SecurityConfig) error {
	config.MessageValidationEnabled = getEnvBool("MESSAGE_VALIDATION_ENABLED", true)
	config.MaxMessageSizeBytes = getEnvInt("MAX_MESSAGE_SIZE", 1048576)

	if config.MaxMessageSizeBytes <= 0 {
		logger.Warn("Invalid MAX_MESSAGE_SIZE, defaulting to 1048576")
		config.MaxMessageSizeBytes = 1048576
	}

	return nil
}

// loadAuthConfig loads the authentication configuration section
func loadAuthConfig(logger *logrus.Logger, config *AuthConfig) error {
	config.RequireAuth = getEnvBool("AUTH_REQUIRED", true)
	config.Realm = getEnv("AUTH_REALM", "sipgate")
	config.NonceTTL = getEnvDuration("AUTH_NONCE_TTL", 5*time.Minute)
	config.MinPasswordLength = getEnvInt("AUTH_MIN_PASSWORD_LENGTH", 8)
	config.Users = getEnv("SIP_USERS", "")

	if config.RequireAuth && config.Users == "" {
		logger.Warn("Authentication required but SIP_USERS is empty; all authenticated methods will be challenged and rejected")
	}

	return nil
}

// ParseUsers splits the SIP_USERS value into username/password pairs.
// Malformed entries are skipped.
func (a *AuthConfig) ParseUsers() map[string]string {
	users := make(map[string]string)
	for _, entry := range strings.Split(a.Users, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		parts := strings.SplitN(entry, ":", 2)
		if len(parts) != 2 || parts[0] == "" {
			continue
		}
		users[parts[0]] = parts[1]
	}
	return users
}

// loadRateLimitConfig loads the rate limiting configuration section
func loadRateLimitConfig(logger *logrus.Logger, config *RateLimitConfig) error {
	config.Enabled = getEnvBool("RATE_LIMIT_ENABLED", true)
	config.MaxRequestsPerMinute = getEnvInt("MAX_REQUESTS_PER_MINUTE", 120)
	config.Window = getEnvDuration("RATE_LIMIT_WINDOW", time.Minute)
	config.PenaltyBase = getEnvDuration("PENALTY_BASE", 30*time.Second)
	config.PenaltyMax = getEnvDuration("PENALTY_MAX", 5*time.Minute)
	config.MaxRegistrationsPerMinute = getEnvInt("MAX_REGISTRATIONS_PER_MINUTE", 10)
	config.CleanupInterval = getEnvDuration("RATE_LIMIT_CLEANUP_INTERVAL", time.Minute)

	if config.Enabled {
		logger.WithFields(logrus.Fields{
			"max_per_minute": config.MaxRequestsPerMinute,
			"window":         config.Window,
			"penalty_base":   config.PenaltyBase,
			"penalty_max":    config.PenaltyMax,
		}).Info("Signaling rate limiting enabled")
	}

	return nil
}

// loadSessionConfig loads the session registry configuration section
func loadSessionConfig(logger *logrus.Logger, config *SessionConfig) error {
	config.IdleTimeout = getEnvDuration("SESSION_IDLE_TIMEOUT", 30*time.Minute)
	config.CleanupInterval = getEnvDuration("SESSION_CLEANUP_INTERVAL", time.Minute)
	config.ShardCount = getEnvInt("SESSION_SHARD_COUNT", 32)

	if config.ShardCount <= 0 {
		logger.Warn("Invalid SESSION_SHARD_COUNT, defaulting to 32")
		config.ShardCount = 32
	}

	return nil
}

// loadMediaConfig loads the media policy configuration section
func loadMediaConfig(logger *logrus.Logger, config *MediaConfig) error {
	config.RequireEncryption = getEnvBool("REQUIRE_ENCRYPTION", true)
	config.ValidateCertificates = getEnvBool("VALIDATE_CERTIFICATES", true)
	config.ICECandidateCap = getEnvInt("ICE_CANDIDATE_CAP", 50)
	config.BandwidthLimitBps = getEnvInt("BANDWIDTH_LIMIT_BPS", 4000000)
	config.MaxConnectionsPerUser = getEnvInt("MAX_CONNECTIONS_PER_USER", 5)
	config.MaxAttemptsPerWindow = getEnvInt("MAX_ATTEMPTS_PER_WINDOW", 30)
	config.AttemptWindow = getEnvDuration("ATTEMPT_WINDOW", time.Minute)
	config.MaxPacketLossPercent = getEnvFloat("QUALITY_MAX_PACKET_LOSS", 15)
	config.MaxJitterMs = getEnvFloat("QUALITY_MAX_JITTER_MS", 150)
	config.MaxRTTMs = getEnvFloat("QUALITY_MAX_RTT_MS", 800)

	logger.WithFields(logrus.Fields{
		"require_encryption":    config.RequireEncryption,
		"validate_certificates": config.ValidateCertificates,
		"ice_candidate_cap":     config.ICECandidateCap,
	}).Info("Media security policy configured")

	return nil
}

// loadMessagingConfig loads the messaging configuration section
func loadMessagingConfig(logger *logrus.Logger, config *MessagingConfig) error {
	config.AMQPUrl = getEnv("AMQP_URL", "")
	config.AMQPQueueName = getEnv("AMQP_QUEUE_NAME", "sipgate_events")

	if config.AMQPUrl == "" {
		logger.Info("AMQP_URL not set, security event publishing disabled")
	}

	return nil
}

// validateConfig performs cross-section validation of the loaded configuration
func validateConfig(logger *logrus.Logger, config *Config) error {
	// Validate port conflicts
	for _, sipPort := range config.Network.Ports {
		if sipPort == config.HTTP.Port {
			return errors.New(fmt.Sprintf("port conflict: SIP port %d conflicts with HTTP port", sipPort))
		}

		if config.Network.EnableTLS && sipPort == config.Network.TLSPort {
			return errors.New(fmt.Sprintf("port conflict: SIP port %d conflicts with TLS port", sipPort))
		}
	}

	if config.Network.EnableTLS && config.Network.TLSPort == config.HTTP.Port {
		return errors.New(fmt.Sprintf("port conflict: TLS port %d conflicts with HTTP port", config.Network.TLSPort))
	}

	if config.RateLimit.MaxRequestsPerMinute <= 0 {
		return errors.New("invalid MAX_REQUESTS_PER_MINUTE: must be a positive integer")
	}

	if config.RateLimit.PenaltyBase <= 0 || config.RateLimit.PenaltyMax < config.RateLimit.PenaltyBase {
		return errors.New("invalid penalty configuration: PENALTY_MAX must be at least PENALTY_BASE")
	}

	if config.Media.ICECandidateCap <= 0 {
		return errors.New("invalid ICE_CANDIDATE_CAP: must be a positive integer")
	}

	if config.Media.MaxConnectionsPerUser <= 0 {
		return errors.New("invalid MAX_CONNECTIONS_PER_USER: must be a positive integer")
	}

	// Validate logging configuration
	if config.Logging.OutputFile != "" {
		f, err := os.OpenFile(config.Logging.OutputFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return errors.Wrap(err, fmt.Sprintf("cannot write to log file: %s", config.Logging.OutputFile))
		}
		f.Close()
	}

	return nil
}

// ApplyLogging applies the configuration to the logger
func (c *Config) ApplyLogging(logger *logrus.Logger) error {
	level, err := logrus.ParseLevel(c.Logging.Level)
	if err != nil {
		return errors.Wrap(err, fmt.Sprintf("invalid log level: %s", c.Logging.Level))
	}
	logger.SetLevel(level)

	if c.Logging.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339Nano,
		})
	}

	if c.Logging.OutputFile != "" {
		f, err := os.OpenFile(c.Logging.OutputFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return errors.Wrap(err, fmt.Sprintf("failed to open log file: %s", c.Logging.OutputFile))
		}
		logger.SetOutput(f)
	} else {
		logger.SetOutput(os.Stdout)
	}

	return nil
}

// Helper function to parse comma-separated port list
func parsePorts(portsStr, envName string) ([]int, error) {
	portsStr = strings.TrimSpace(portsStr)
	if portsStr == "" {
		return nil, nil
	}

	portsSlice := strings.Split(portsStr, ",")
	var ports []int

	for _, portStr := range portsSlice {
		portStr = strings.TrimSpace(portStr)
		if portStr == "" {
			continue
		}

		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, errors.Wrap(err, fmt.Sprintf("invalid port in %s: %s", envName, portStr))
		}

		if port < 1 || port > 65535 {
			return nil, errors.New(fmt.Sprintf("port out of range in %s: %d", envName, port))
		}

		ports = append(ports, port)
	}

	return ports, nil
}

// GetUDPPorts returns the ports to use for UDP listeners
func (n *NetworkConfig) GetUDPPorts() []int {
	if len(n.UDPPorts) > 0 {
		return n.UDPPorts
	}
	return n.Ports
}

// GetTCPPorts returns the ports to use for TCP listeners
func (n *NetworkConfig) GetTCPPorts() []int {
	if len(n.TCPPorts) > 0 {
		return n.TCPPorts
	}
	return n.Ports
}

// Helper function to get an environment variable with a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// Helper function to get a boolean environment variable with a default value
func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	switch strings.ToLower(value) {
	case "true", "yes", "1", "on":
		return true
	case "false", "no", "0", "off":
		return false
	default:
		return defaultValue
	}
}

// Helper function to get an integer environment variable with a default value
func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	intValue, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}

	return intValue
}

// Helper function to get a duration environment variable with a default value
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	duration, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}

	return duration
}

// getEnvFloat retrieves an environment variable and converts it to float64
func getEnvFloat(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	floatValue, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return defaultValue
	}

	return floatValue
}
