package media

import (
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"sipgate-server/pkg/config"
	"sipgate-server/pkg/errors"
	"sipgate-server/pkg/metrics"
	"sipgate-server/pkg/ratelimit"
)

// Governor bounds media session establishment: concurrent sessions per
// authenticated identity and connection attempts per source in a
// trailing window.
type Governor struct {
	maxPerUser int
	attempts   *ratelimit.WindowCounter
	active     map[string]int
	mu         sync.Mutex
	logger     *logrus.Logger
}

// NewGovernor creates a governor from the media policy
func NewGovernor(cfg *config.MediaConfig, clk clock.Clock, logger *logrus.Logger) *Governor {
	return &Governor{
		maxPerUser: cfg.MaxConnectionsPerUser,
		attempts:   ratelimit.NewWindowCounter(cfg.MaxAttemptsPerWindow, cfg.AttemptWindow, clk),
		active:     make(map[string]int),
		logger:     logger,
	}
}

// Admit accounts for a new session establishment attempt. identity may
// be empty when authentication is disabled; the per-user ceiling then
// does not apply, but the per-source attempt window does.
func (g *Governor) Admit(identity, source string) error {
	if !g.attempts.Allow(source) {
		metrics.RecordRejection("connection_attempts")
		g.logger.WithField("source", source).Warn("Connection attempts exceeded for source")
		return errors.NewRateExceeded(source, map[string]interface{}{
			"scope": "connection_attempts",
		})
	}

	if identity == "" || g.maxPerUser <= 0 {
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.active[identity] >= g.maxPerUser {
		metrics.RecordRejection("concurrent_sessions")
		g.logger.WithFields(logrus.Fields{
			"identity": identity,
			"limit":    g.maxPerUser,
		}).Warn("Concurrent session ceiling reached for identity")
		return errors.NewRateExceeded(source, map[string]interface{}{
			"scope":    "concurrent_sessions",
			"identity": identity,
		})
	}
	g.active[identity]++
	return nil
}

// Release returns a session slot for the identity. Safe to call for
// identities that were never admitted.
func (g *Governor) Release(identity string) {
	if identity == "" {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.active[identity] <= 1 {
		delete(g.active, identity)
		return
	}
	g.active[identity]--
}

// ActiveFor returns the number of live sessions held by an identity
func (g *Governor) ActiveFor(identity string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active[identity]
}

// Stats reports the governor's current occupancy
func (g *Governor) Stats() map[string]interface{} {
	g.mu.Lock()
	defer g.mu.Unlock()

	total := 0
	for _, n := range g.active {
		total += n
	}
	return map[string]interface{}{
		"identities_active": len(g.active),
		"sessions_active":   total,
		"max_per_user":      g.maxPerUser,
	}
}
