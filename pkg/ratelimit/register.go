package ratelimit

import (
	"net"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
)

// RegistrationLimiter enforces a tighter per-source ceiling on REGISTER
// traffic. Registration floods are checked before authentication, so
// the ceiling is deliberately low and tracked apart from the general
// message budget.
type RegistrationLimiter struct {
	counter         *WindowCounter
	config          *Config
	logger          *logrus.Logger
	whitelistedIPs  map[string]bool
	whitelistedNets []*net.IPNet
	mu              sync.RWMutex
}

// NewRegistrationLimiter creates a registration limiter from the shared
// rate limit configuration
func NewRegistrationLimiter(config *Config, clk clock.Clock, logger *logrus.Logger) *RegistrationLimiter {
	if config == nil {
		config = DefaultConfig()
	}

	r := &RegistrationLimiter{
		counter:        NewWindowCounter(config.MaxRegistrations, config.RegistrationWindow, clk),
		config:         config,
		logger:         logger,
		whitelistedIPs: make(map[string]bool),
	}

	for _, ip := range config.WhitelistedSources {
		ip = strings.TrimSpace(ip)
		if ip == "" {
			continue
		}
		if strings.Contains(ip, "/") {
			_, ipNet, err := net.ParseCIDR(ip)
			if err == nil {
				r.whitelistedNets = append(r.whitelistedNets, ipNet)
			} else if logger != nil {
				logger.WithError(err).Warnf("Invalid CIDR in registration whitelist: %s", ip)
			}
		} else {
			r.whitelistedIPs[ip] = true
		}
	}

	if logger != nil {
		logger.WithFields(logrus.Fields{
			"max_registrations": config.MaxRegistrations,
			"window":            config.RegistrationWindow,
			"whitelisted":       len(r.whitelistedIPs) + len(r.whitelistedNets),
		}).Info("Registration limiter initialized")
	}

	return r
}

// Allow records a registration attempt from source and reports whether
// it fits the per-source ceiling
func (r *RegistrationLimiter) Allow(source string) bool {
	if !r.config.Enabled {
		return true
	}
	if r.isWhitelisted(source) {
		return true
	}

	allowed := r.counter.Allow(source)
	if !allowed && r.logger != nil {
		r.logger.WithFields(logrus.Fields{
			"source": source,
			"max":    r.config.MaxRegistrations,
			"window": r.config.RegistrationWindow,
		}).Warn("Registration rate limit exceeded")
	}
	return allowed
}

// Count returns the number of registration attempts from source inside
// the current window
func (r *RegistrationLimiter) Count(source string) int {
	return r.counter.Count(source)
}

// AddToWhitelist adds an address or CIDR that bypasses registration limits
func (r *RegistrationLimiter) AddToWhitelist(ip string) error {
	ip = strings.TrimSpace(ip)
	if ip == "" {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if strings.Contains(ip, "/") {
		_, ipNet, err := net.ParseCIDR(ip)
		if err != nil {
			return err
		}
		r.whitelistedNets = append(r.whitelistedNets, ipNet)
	} else {
		if net.ParseIP(ip) == nil {
			return &net.ParseError{Type: "IP address", Text: ip}
		}
		r.whitelistedIPs[ip] = true
	}

	return nil
}

// GetStats returns current registration limiter statistics
func (r *RegistrationLimiter) GetStats() map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return map[string]interface{}{
		"max_registrations": r.config.MaxRegistrations,
		"window":            r.config.RegistrationWindow.String(),
		"whitelisted":       len(r.whitelistedIPs) + len(r.whitelistedNets),
	}
}

// Reset clears all registration tracking
func (r *RegistrationLimiter) Reset() {
	r.counter.Reset()
}

// isWhitelisted checks if an address bypasses registration limits.
// Sources may carry a port suffix; the host part decides.
func (r *RegistrationLimiter) isWhitelisted(source string) bool {
	host := source
	if h, _, err := net.SplitHostPort(source); err == nil {
		host = h
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.whitelistedIPs[host] {
		return true
	}

	parsedIP := net.ParseIP(host)
	if parsedIP == nil {
		return false
	}

	for _, ipNet := range r.whitelistedNets {
		if ipNet.Contains(parsedIP) {
			return true
		}
	}

	return false
}
