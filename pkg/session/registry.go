package session

import (
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"sipgate-server/pkg/config"
	"sipgate-server/pkg/errors"
	"sipgate-server/pkg/metrics"
)

// Registry tracks every live call and enforces ownership: a call
// identifier belongs to the source that opened it, and no later message
// can move it to another source, identity, or dialog tag.
type Registry struct {
	store    *ShardedStore
	cfg      *config.SessionConfig
	clk      clock.Clock
	logger   *logrus.Logger
	onExpire func(*Session)
	mu       sync.RWMutex
	stop     chan struct{}
	once     sync.Once
}

// NewRegistry creates a session registry and starts its idle reaper
func NewRegistry(cfg *config.SessionConfig, clk clock.Clock, logger *logrus.Logger) *Registry {
	if clk == nil {
		clk = clock.New()
	}

	r := &Registry{
		store:  NewShardedStore(cfg.ShardCount),
		cfg:    cfg,
		clk:    clk,
		logger: logger,
		stop:   make(chan struct{}),
	}

	if cfg.CleanupInterval > 0 {
		go r.reap()
	}

	if logger != nil {
		logger.WithFields(logrus.Fields{
			"idle_timeout":     cfg.IdleTimeout,
			"cleanup_interval": cfg.CleanupInterval,
			"shards":           cfg.ShardCount,
		}).Info("Session registry initialized")
	}

	return r
}

// SetExpireHandler registers a callback invoked for every session the
// idle reaper removes
func (r *Registry) SetExpireHandler(fn func(*Session)) {
	r.mu.Lock()
	r.onExpire = fn
	r.mu.Unlock()
}

// Open handles a call setup for callID. A new session is created bound
// to the caller; an existing one is returned only when the caller
// matches its owner. The check-and-create is atomic, so two racing
// setups for the same call cannot both win.
func (r *Registry) Open(callID, owner, source, fromTag string) (*Session, bool, error) {
	now := r.clk.Now()

	sess, created := r.store.GetOrCreate(callID, func() *Session {
		s := newSession(callID, owner, source, fromTag, now)
		s.endTimer = metrics.StartSessionTimer()
		return s
	})

	if created {
		if r.logger != nil {
			r.logger.WithFields(logrus.Fields{
				"call_id": callID,
				"owner":   owner,
				"source":  source,
				"state":   sess.State(),
			}).Info("Session created")
		}
		return sess, true, nil
	}

	if err := r.verifyOwner(sess, owner, source, fromTag); err != nil {
		return nil, false, err
	}
	sess.Touch(now)
	return sess, false, nil
}

// Claim returns the session for an in-dialog request after verifying
// the caller owns it
func (r *Registry) Claim(callID, owner, source, fromTag string) (*Session, error) {
	sess, ok := r.store.Load(callID)
	if !ok {
		return nil, errors.NewSessionNotFound(callID)
	}
	if err := r.verifyOwner(sess, owner, source, fromTag); err != nil {
		return nil, err
	}
	sess.Touch(r.clk.Now())
	return sess, nil
}

// End terminates and removes the session for a hangup from its owner
func (r *Registry) End(callID, owner, source, fromTag string) (*Session, error) {
	sess, err := r.Claim(callID, owner, source, fromTag)
	if err != nil {
		return nil, err
	}
	r.remove(sess, "bye")
	return sess, nil
}

// Cancel aborts a call that has not been answered yet. A cancel racing
// an answered call reports the pending transaction gone rather than
// tearing down the established session.
func (r *Registry) Cancel(callID, owner, source, fromTag string) (*Session, error) {
	sess, err := r.Claim(callID, owner, source, fromTag)
	if err != nil {
		return nil, err
	}
	if !sess.Pending() {
		return nil, errors.NewSessionNotFound(callID, map[string]interface{}{
			"state": string(sess.State()),
		})
	}
	r.remove(sess, "cancel")
	return sess, nil
}

// Discard drops a session the gateway decided not to keep, such as a
// call setup whose media offer failed validation
func (r *Registry) Discard(callID, reason string) {
	if sess, ok := r.store.Load(callID); ok {
		r.remove(sess, reason)
	}
}

// Get returns the session for callID without an ownership check.
// Reporting surfaces use it; request handling goes through Claim.
func (r *Registry) Get(callID string) (*Session, bool) {
	return r.store.Load(callID)
}

// Count returns the number of live sessions
func (r *Registry) Count() int {
	return r.store.Count()
}

// Snapshots returns a view of every live session
func (r *Registry) Snapshots() []Snapshot {
	out := make([]Snapshot, 0, r.store.Count())
	r.store.Range(func(_ string, sess *Session) bool {
		out = append(out, sess.Snapshot())
		return true
	})
	return out
}

// Stop terminates the idle reaper
func (r *Registry) Stop() {
	r.once.Do(func() {
		close(r.stop)
	})
}

func (r *Registry) verifyOwner(sess *Session, owner, source, fromTag string) error {
	mismatch := sess.Source != source
	if owner != "" && sess.Owner != "" && owner != sess.Owner {
		mismatch = true
	}
	if fromTag != "" && sess.FromTag != "" && fromTag != sess.FromTag {
		mismatch = true
	}
	if !mismatch {
		return nil
	}

	metrics.RecordSessionHijack()
	if r.logger != nil {
		r.logger.WithFields(logrus.Fields{
			"call_id":        sess.CallID,
			"owner_source":   sess.Source,
			"claimed_source": source,
			"owner":          sess.Owner,
			"claimed_owner":  owner,
		}).Warn("Session ownership conflict")
	}
	return errors.NewSessionConflict(sess.CallID)
}

func (r *Registry) remove(sess *Session, reason string) {
	state := sess.State()
	_ = sess.Terminate()
	r.store.Delete(sess.CallID)
	if sess.endTimer != nil {
		sess.endTimer(reason)
	}
	if r.logger != nil {
		r.logger.WithFields(logrus.Fields{
			"call_id": sess.CallID,
			"reason":  reason,
			"state":   state,
		}).Info("Session ended")
	}
}

// reap periodically removes sessions with no recent activity
func (r *Registry) reap() {
	ticker := r.clk.Ticker(r.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.expireIdle()
		}
	}
}

func (r *Registry) expireIdle() {
	now := r.clk.Now()
	var idle []*Session
	r.store.Range(func(_ string, sess *Session) bool {
		if now.Sub(sess.LastActivity()) > r.cfg.IdleTimeout {
			idle = append(idle, sess)
		}
		return true
	})

	if len(idle) == 0 {
		return
	}

	r.mu.RLock()
	onExpire := r.onExpire
	r.mu.RUnlock()

	for _, sess := range idle {
		r.remove(sess, "idle_timeout")
		if onExpire != nil {
			onExpire(sess)
		}
	}

	if r.logger != nil {
		r.logger.WithField("count", len(idle)).Info("Expired idle sessions")
	}
}
