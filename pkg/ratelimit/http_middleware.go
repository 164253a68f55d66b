package ratelimit

import (
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
)

// HTTPMiddleware provides rate limiting for the administrative HTTP
// endpoints. It shares the window semantics of the signaling limiter
// but keeps its own counter so HTTP traffic never eats into a source's
// signaling budget.
type HTTPMiddleware struct {
	counter          *WindowCounter
	config           *Config
	logger           *logrus.Logger
	whitelistedIPs   map[string]bool
	whitelistedNets  []*net.IPNet
	whitelistedPaths map[string]bool
}

// NewHTTPMiddleware creates a new HTTP rate limiting middleware
func NewHTTPMiddleware(config *Config, clk clock.Clock, logger *logrus.Logger) *HTTPMiddleware {
	if config == nil {
		config = DefaultConfig()
	}

	m := &HTTPMiddleware{
		counter:          NewWindowCounter(config.MaxRequests, config.Window, clk),
		config:           config,
		logger:           logger,
		whitelistedIPs:   make(map[string]bool),
		whitelistedPaths: make(map[string]bool),
	}

	for _, ip := range config.WhitelistedSources {
		ip = strings.TrimSpace(ip)
		if ip == "" {
			continue
		}
		if strings.Contains(ip, "/") {
			_, ipNet, err := net.ParseCIDR(ip)
			if err == nil {
				m.whitelistedNets = append(m.whitelistedNets, ipNet)
			} else if logger != nil {
				logger.WithError(err).Warnf("Invalid CIDR in whitelist: %s", ip)
			}
		} else {
			m.whitelistedIPs[ip] = true
		}
	}

	for _, path := range config.WhitelistedPaths {
		path = strings.TrimSpace(path)
		if path != "" {
			m.whitelistedPaths[path] = true
		}
	}

	if logger != nil {
		logger.WithFields(logrus.Fields{
			"max_requests":      config.MaxRequests,
			"window":            config.Window,
			"whitelisted_ips":   len(m.whitelistedIPs) + len(m.whitelistedNets),
			"whitelisted_paths": len(m.whitelistedPaths),
		}).Info("HTTP rate limiting middleware initialized")
	}

	return m
}

// Middleware returns an HTTP middleware function that applies rate limiting
func (m *HTTPMiddleware) Middleware(next http.Handler) http.Handler {
	if !m.config.Enabled {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientIP := m.getClientIP(r)
		path := r.URL.Path

		if m.isPathWhitelisted(path) {
			next.ServeHTTP(w, r)
			return
		}

		if m.isIPWhitelisted(clientIP) {
			next.ServeHTTP(w, r)
			return
		}

		if !m.counter.Allow(clientIP) {
			m.logger.WithFields(logrus.Fields{
				"client_ip": clientIP,
				"path":      path,
				"method":    r.Method,
			}).Warn("HTTP rate limit exceeded")

			w.Header().Set("Retry-After", strconv.Itoa(int(m.config.Window.Seconds())))
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(m.config.MaxRequests))
			w.Header().Set("X-RateLimit-Remaining", "0")
			http.Error(w, "Rate limit exceeded. Please retry later.", http.StatusTooManyRequests)
			return
		}

		remaining := m.config.MaxRequests - m.counter.Count(clientIP)
		if remaining < 0 {
			remaining = 0
		}
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(m.config.MaxRequests))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))

		next.ServeHTTP(w, r)
	})
}

// getClientIP extracts the client IP from the request
func (m *HTTPMiddleware) getClientIP(r *http.Request) string {
	// Check X-Forwarded-For header (from reverse proxies)
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// Take the first IP in the chain
		parts := strings.Split(xff, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if net.ParseIP(ip) != nil {
				return ip
			}
		}
	}

	// Check X-Real-IP header
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		if net.ParseIP(xri) != nil {
			return xri
		}
	}

	// Fall back to RemoteAddr
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// isIPWhitelisted checks if an IP is in the whitelist
func (m *HTTPMiddleware) isIPWhitelisted(ip string) bool {
	if m.whitelistedIPs[ip] {
		return true
	}

	parsedIP := net.ParseIP(ip)
	if parsedIP == nil {
		return false
	}

	for _, ipNet := range m.whitelistedNets {
		if ipNet.Contains(parsedIP) {
			return true
		}
	}

	return false
}

// isPathWhitelisted checks if a path is in the whitelist
func (m *HTTPMiddleware) isPathWhitelisted(path string) bool {
	if m.whitelistedPaths[path] {
		return true
	}

	// Check prefix matches (paths ending with *)
	for p := range m.whitelistedPaths {
		if strings.HasSuffix(p, "*") {
			prefix := strings.TrimSuffix(p, "*")
			if strings.HasPrefix(path, prefix) {
				return true
			}
		}
	}

	return false
}
