package ratelimit

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"sipgate-server/pkg/metrics"
)

// Outcome classifies the result of a rate limit check
type Outcome int

const (
	// Allowed means the message is within the source's budget
	Allowed Outcome = iota

	// RateExceeded means this message pushed the source over its budget
	// and a penalty was imposed or extended
	RateExceeded

	// Penalized means the source is inside an active penalty window
	Penalized
)

// String returns a stable label for logging and metrics
func (o Outcome) String() string {
	switch o {
	case Allowed:
		return "allowed"
	case RateExceeded:
		return "rate_exceeded"
	case Penalized:
		return "penalized"
	default:
		return "unknown"
	}
}

// Result carries the outcome of a check together with penalty details
type Result struct {
	Outcome Outcome

	// RetryAfter is how long the source should wait before retrying.
	// Zero when the message was allowed.
	RetryAfter time.Duration

	// PenaltyImposed is true when this check created or extended a penalty
	PenaltyImposed bool

	// PenaltyDuration is the duration of the penalty in effect, if any
	PenaltyDuration time.Duration
}

// Config holds rate limiter configuration
type Config struct {
	// Enabled determines if rate limiting is active
	Enabled bool `json:"enabled" env:"RATE_LIMIT_ENABLED" default:"true"`

	// MaxRequests is the number of messages allowed per source per window
	MaxRequests int `json:"max_requests" env:"MAX_REQUESTS_PER_MINUTE" default:"120"`

	// Window is the sliding window over which messages are counted
	Window time.Duration `json:"window" env:"RATE_LIMIT_WINDOW" default:"1m"`

	// PenaltyBase is the duration of a source's first penalty
	PenaltyBase time.Duration `json:"penalty_base" env:"PENALTY_BASE" default:"30s"`

	// PenaltyMax caps the penalty duration regardless of repeat offenses
	PenaltyMax time.Duration `json:"penalty_max" env:"PENALTY_MAX" default:"5m"`

	// CleanupInterval is how often stale source entries are removed
	CleanupInterval time.Duration `json:"cleanup_interval" env:"RATE_LIMIT_CLEANUP_INTERVAL" default:"5m"`

	// Registration-specific settings
	MaxRegistrations   int           `json:"max_registrations" env:"MAX_REGISTRATIONS_PER_MINUTE" default:"10"`
	RegistrationWindow time.Duration `json:"registration_window" env:"REGISTRATION_WINDOW" default:"1m"`

	// WhitelistedSources are addresses that bypass registration limits
	WhitelistedSources []string `json:"whitelisted_sources" env:"RATE_LIMIT_WHITELIST"`

	// WhitelistedPaths are URL paths that bypass rate limiting (for HTTP)
	WhitelistedPaths []string `json:"whitelisted_paths" env:"RATE_LIMIT_WHITELIST_PATHS"`
}

// DefaultConfig returns sensible defaults for rate limiting
func DefaultConfig() *Config {
	return &Config{
		Enabled:            true,
		MaxRequests:        120,
		Window:             time.Minute,
		PenaltyBase:        30 * time.Second,
		PenaltyMax:         5 * time.Minute,
		CleanupInterval:    5 * time.Minute,
		MaxRegistrations:   10,
		RegistrationWindow: time.Minute,
		WhitelistedSources: []string{"127.0.0.1", "::1"},
		WhitelistedPaths:   []string{"/health", "/health/live", "/health/ready"},
	}
}

// Limiter implements a sliding window rate limiter with escalating
// per-source penalties. Messages arriving during an active penalty are
// rejected without being counted against the window, so a penalized
// source cannot extend its own penalty by retrying.
type Limiter struct {
	cfg     *Config
	sources map[string]*sourceState
	mu      sync.RWMutex
	clk     clock.Clock
	logger  *logrus.Logger
	stop    chan struct{}
	once    sync.Once
}

// sourceState tracks one source's recent activity and penalty status
type sourceState struct {
	timestamps      []time.Time
	lastSeen        time.Time
	penaltyUntil    time.Time
	penaltyDuration time.Duration
}

// NewLimiter creates a new rate limiter with the given configuration.
// A nil clock falls back to the wall clock.
func NewLimiter(cfg *Config, clk clock.Clock, logger *logrus.Logger) *Limiter {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if clk == nil {
		clk = clock.New()
	}

	l := &Limiter{
		cfg:     cfg,
		sources: make(map[string]*sourceState),
		clk:     clk,
		logger:  logger,
		stop:    make(chan struct{}),
	}

	if cfg.CleanupInterval > 0 {
		go l.cleanup()
	}

	if logger != nil {
		logger.WithFields(logrus.Fields{
			"enabled":      cfg.Enabled,
			"max_requests": cfg.MaxRequests,
			"window":       cfg.Window,
			"penalty_base": cfg.PenaltyBase,
			"penalty_max":  cfg.PenaltyMax,
		}).Info("Rate limiter initialized")
	}

	return l
}

// Check records a message from the given source and reports whether it
// may proceed. The first message over the ceiling imposes a penalty and
// returns RateExceeded; further messages return Penalized until the
// penalty expires.
func (l *Limiter) Check(source string) Result {
	if !l.cfg.Enabled {
		return Result{Outcome: Allowed}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clk.Now()

	st, exists := l.sources[source]
	if !exists {
		st = &sourceState{}
		l.sources[source] = st
	}
	st.lastSeen = now

	// Active penalty: reject without counting
	if now.Before(st.penaltyUntil) {
		return Result{
			Outcome:         Penalized,
			RetryAfter:      st.penaltyUntil.Sub(now),
			PenaltyDuration: st.penaltyDuration,
		}
	}

	// Slide the window forward and count this message
	cutoff := now.Add(-l.cfg.Window)
	kept := st.timestamps[:0]
	for _, t := range st.timestamps {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	st.timestamps = append(kept, now)

	if len(st.timestamps) <= l.cfg.MaxRequests {
		return Result{Outcome: Allowed}
	}

	// Over the ceiling: impose a fresh penalty or double the previous one
	dur := l.cfg.PenaltyBase
	if st.penaltyDuration > 0 {
		dur = st.penaltyDuration * 2
		if dur > l.cfg.PenaltyMax {
			dur = l.cfg.PenaltyMax
		}
	}
	if dur < st.penaltyDuration {
		dur = st.penaltyDuration
	}
	st.penaltyDuration = dur
	st.penaltyUntil = now.Add(dur)

	metrics.RecordPenalty()

	if l.logger != nil {
		l.logger.WithFields(logrus.Fields{
			"source":   source,
			"count":    len(st.timestamps),
			"window":   l.cfg.Window,
			"duration": dur,
		}).Warn("Rate limit exceeded, penalty imposed")
	}

	return Result{
		Outcome:         RateExceeded,
		RetryAfter:      dur,
		PenaltyImposed:  true,
		PenaltyDuration: dur,
	}
}

// IsPenalized reports whether a source is inside an active penalty
// window without counting a message against it.
func (l *Limiter) IsPenalized(source string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	st, exists := l.sources[source]
	if !exists {
		return false
	}
	return l.clk.Now().Before(st.penaltyUntil)
}

// ActivePenalties returns the number of sources currently serving a penalty
func (l *Limiter) ActivePenalties() int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	now := l.clk.Now()
	count := 0
	for _, st := range l.sources {
		if now.Before(st.penaltyUntil) {
			count++
		}
	}
	return count
}

// SourceCount returns the number of tracked sources
func (l *Limiter) SourceCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.sources)
}

// Reset removes all tracked sources and penalties
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sources = make(map[string]*sourceState)
}

// Stop terminates the background cleanup goroutine
func (l *Limiter) Stop() {
	l.once.Do(func() {
		close(l.stop)
	})
}

// cleanup periodically removes sources that have gone quiet and served
// out any penalty. Removing an entry also forgets its penalty history,
// so the doubling sequence restarts for sources that stay clean.
func (l *Limiter) cleanup() {
	ticker := l.clk.Ticker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.mu.Lock()
			now := l.clk.Now()
			active := 0
			for source, st := range l.sources {
				if now.Before(st.penaltyUntil) {
					active++
					continue
				}
				if now.Sub(st.lastSeen) > l.cfg.Window+l.cfg.CleanupInterval {
					delete(l.sources, source)
				}
			}
			l.mu.Unlock()
			metrics.SetPenaltiesActive(active)
		}
	}
}
