package gateway

import (
	"time"
)

// Event outcomes. Rejections cover every refused message; challenges
// are the 401s that invite a retry; advisories are observations that
// refused nothing.
const (
	OutcomeRejected   = "rejected"
	OutcomeChallenged = "challenged"
	OutcomeAdvisory   = "advisory"
)

// SecurityEvent is the record published for every rejection, challenge,
// and advisory the gateway produces. Identifiers are sanitized before
// the event is built, so subscribers never receive raw message bytes.
type SecurityEvent struct {
	ID         string    `json:"id"`
	Time       time.Time `json:"time"`
	Source     string    `json:"source"`
	Method     string    `json:"method,omitempty"`
	CallID     string    `json:"call_id,omitempty"`
	Outcome    string    `json:"outcome"`
	Reason     string    `json:"reason"`
	StatusCode int       `json:"status_code,omitempty"`
	Detail     string    `json:"detail,omitempty"`
}

// EventPublisher delivers security events to interested subscribers.
// Implementations must not block; the gateway publishes from the
// message handling path.
type EventPublisher interface {
	PublishSecurityEvent(event SecurityEvent)
}

type noopPublisher struct{}

func (noopPublisher) PublishSecurityEvent(SecurityEvent) {}

type multiPublisher struct {
	targets []EventPublisher
}

// MultiPublisher fans each event out to every target in order. Nil
// targets are skipped so callers can pass optional subscribers
// without guarding.
func MultiPublisher(targets ...EventPublisher) EventPublisher {
	kept := make([]EventPublisher, 0, len(targets))
	for _, t := range targets {
		if t != nil {
			kept = append(kept, t)
		}
	}
	return &multiPublisher{targets: kept}
}

func (m *multiPublisher) PublishSecurityEvent(event SecurityEvent) {
	for _, t := range m.targets {
		t.PublishSecurityEvent(event)
	}
}
