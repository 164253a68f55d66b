package media

import (
	"net"
	"strings"
	"sync"

	"github.com/pion/ice/v4"
	"github.com/sirupsen/logrus"

	"sipgate-server/pkg/errors"
	"sipgate-server/pkg/metrics"
	"sipgate-server/pkg/security"
)

// maskedAddress replaces network literals that would expose internal
// topology when candidates are disclosed outward.
const maskedAddress = "masked.invalid"

// CandidateFilter screens trickled ICE candidates: structural parsing,
// content checks, and a per-session ceiling on accepted candidates.
type CandidateFilter struct {
	cap    int
	counts map[string]int
	mu     sync.Mutex
	logger *logrus.Logger
}

// NewCandidateFilter creates a filter accepting up to cap candidates per
// session.
func NewCandidateFilter(cap int, logger *logrus.Logger) *CandidateFilter {
	if cap <= 0 {
		cap = 50
	}
	return &CandidateFilter{
		cap:    cap,
		counts: make(map[string]int),
		logger: logger,
	}
}

// Screen validates one candidate for a session and counts it against the
// session's ceiling. A nil return means the candidate was accepted.
func (f *CandidateFilter) Screen(callID, raw string) error {
	f.mu.Lock()
	over := f.counts[callID] >= f.cap
	f.mu.Unlock()

	// Beyond the ceiling nothing is inspected; every further candidate
	// gets the same answer
	if over {
		metrics.RecordCandidateRejected("over_cap")
		f.logger.WithFields(logrus.Fields{
			"call_id": callID,
			"cap":     f.cap,
		}).Warn("Candidate ceiling reached")
		return errors.NewMediaSecurity("too many candidates", map[string]interface{}{
			"call_id": callID,
		})
	}

	if err := security.CheckValue(raw); err != nil {
		metrics.RecordCandidateRejected("hostile_content")
		f.logger.WithField("call_id", callID).Warn("Candidate carries hostile content")
		return errors.NewMediaSecurity("invalid candidate")
	}

	value := strings.TrimPrefix(strings.TrimSpace(raw), "candidate:")
	if _, err := ice.UnmarshalCandidate(value); err != nil {
		metrics.RecordCandidateRejected("unparseable")
		f.logger.WithField("call_id", callID).Warn("Candidate failed to parse")
		return errors.NewMediaSecurity("invalid candidate")
	}

	f.mu.Lock()
	f.counts[callID]++
	f.mu.Unlock()
	metrics.RecordCandidateAccepted()
	return nil
}

// Count returns the number of candidates accepted for a session
func (f *CandidateFilter) Count(callID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[callID]
}

// Forget drops the counter for an ended session
func (f *CandidateFilter) Forget(callID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.counts, callID)
}

// MaskCandidate rewrites a candidate string for outbound disclosure,
// replacing address literals that reveal internal topology. Candidates
// that do not parse are masked whole.
func MaskCandidate(raw string) string {
	value := strings.TrimPrefix(strings.TrimSpace(raw), "candidate:")
	cand, err := ice.UnmarshalCandidate(value)
	if err != nil {
		return maskedAddress
	}

	masked := raw
	if revealsTopology(cand.Address()) {
		masked = strings.ReplaceAll(masked, cand.Address(), maskedAddress)
	}
	if rel := cand.RelatedAddress(); rel != nil && revealsTopology(rel.Address) {
		masked = strings.ReplaceAll(masked, rel.Address, maskedAddress)
	}
	return masked
}

// revealsTopology reports whether an address literal would aid network
// reconnaissance if disclosed: private, link-local, loopback and
// unspecified ranges, plus raw hostnames that are not mDNS obfuscations.
func revealsTopology(address string) bool {
	ip := net.ParseIP(address)
	if ip == nil {
		return !strings.HasSuffix(strings.ToLower(address), ".local")
	}
	return ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsLoopback() ||
		ip.IsUnspecified()
}
