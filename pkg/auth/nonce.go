package auth

import (
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"sipgate-server/pkg/metrics"
)

// TakeResult reports what happened to a nonce when it was consumed
type TakeResult int

const (
	// TakeOK means the nonce was live and has now been consumed
	TakeOK TakeResult = iota

	// TakeUnknown means the nonce was never issued or was already used
	TakeUnknown

	// TakeExpired means the nonce outlived its TTL before being used
	TakeExpired

	// TakeWrongSource means the nonce was presented from a different
	// address than the one it was issued to
	TakeWrongSource
)

type nonceEntry struct {
	source   string
	issuedAt time.Time
}

// NonceStore tracks outstanding challenge nonces. Every nonce is
// single-use: Take removes the entry on any outcome, so a replayed
// nonce always comes back TakeUnknown even when two copies of a
// message race for it.
type NonceStore struct {
	ttl     time.Duration
	entries map[string]nonceEntry
	mu      sync.Mutex
	clk     clock.Clock
	stop    chan struct{}
	once    sync.Once
}

// NewNonceStore creates a nonce store and starts its reaper
func NewNonceStore(ttl time.Duration, clk clock.Clock) *NonceStore {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if clk == nil {
		clk = clock.New()
	}

	s := &NonceStore{
		ttl:     ttl,
		entries: make(map[string]nonceEntry),
		clk:     clk,
		stop:    make(chan struct{}),
	}
	go s.reap()
	return s
}

// Issue mints a fresh nonce bound to the given source address
func (s *NonceStore) Issue(source string) string {
	nonce := strings.ReplaceAll(uuid.NewString(), "-", "")

	s.mu.Lock()
	s.entries[nonce] = nonceEntry{source: source, issuedAt: s.clk.Now()}
	s.mu.Unlock()

	return nonce
}

// Take consumes a nonce and reports whether it was live for the source
func (s *NonceStore) Take(nonce, source string) TakeResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[nonce]
	if !ok {
		return TakeUnknown
	}
	delete(s.entries, nonce)

	if s.clk.Now().Sub(entry.issuedAt) > s.ttl {
		metrics.RecordNonceExpired()
		return TakeExpired
	}
	if entry.source != source {
		return TakeWrongSource
	}
	return TakeOK
}

// Outstanding returns the number of unconsumed nonces
func (s *NonceStore) Outstanding() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Stop terminates the background reaper
func (s *NonceStore) Stop() {
	s.once.Do(func() {
		close(s.stop)
	})
}

// reap drops nonces that were never answered. Take detects expiry on
// its own, so the reaper only reclaims memory and can tick slowly.
func (s *NonceStore) reap() {
	ticker := s.clk.Ticker(2 * s.ttl)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			now := s.clk.Now()
			for nonce, entry := range s.entries {
				if now.Sub(entry.issuedAt) > s.ttl {
					delete(s.entries, nonce)
					metrics.RecordNonceExpired()
				}
			}
			s.mu.Unlock()
		}
	}
}
