package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"sipgate-server/pkg/errors"
)

// State is a stage in the session lifecycle
type State string

const (
	StateTrying      State = "trying"
	StateRinging     State = "ringing"
	StateEstablished State = "established"
	StateHeld        State = "held"
	StateEnding      State = "ending"
	StateTerminated  State = "terminated"
)

const (
	eventRing      = "ring"
	eventAnswer    = "answer"
	eventHold      = "hold"
	eventResume    = "resume"
	eventHangup    = "hangup"
	eventTerminate = "terminate"
)

// Session is one call tracked by the registry. Ownership is fixed at
// creation: the source address, authenticated identity, and from-tag
// recorded here decide who may act on the call later.
type Session struct {
	CallID    string
	Owner     string // authenticated identity, empty when auth is off
	Source    string
	FromTag   string
	CreatedAt time.Time

	machine *fsm.FSM

	mu            sync.RWMutex
	toTag         string
	lastActivity  time.Time
	establishedAt time.Time
	mediaProfile  interface{}

	// endTimer records the session duration metric when called
	endTimer func(endReason string)
}

func newSession(callID, owner, source, fromTag string, now time.Time) *Session {
	s := &Session{
		CallID:       callID,
		Owner:        owner,
		Source:       source,
		FromTag:      fromTag,
		CreatedAt:    now,
		lastActivity: now,
	}

	s.machine = fsm.NewFSM(
		string(StateTrying),
		fsm.Events{
			{Name: eventRing, Src: []string{"trying"}, Dst: "ringing"},
			{Name: eventAnswer, Src: []string{"trying", "ringing"}, Dst: "established"},
			{Name: eventHold, Src: []string{"established"}, Dst: "held"},
			{Name: eventResume, Src: []string{"held"}, Dst: "established"},
			{Name: eventHangup, Src: []string{"trying", "ringing", "established", "held"}, Dst: "ending"},
			{Name: eventTerminate, Src: []string{"trying", "ringing", "established", "held", "ending"}, Dst: "terminated"},
		},
		fsm.Callbacks{},
	)

	return s
}

// State returns the current lifecycle state
func (s *Session) State() State {
	return State(s.machine.Current())
}

// Pending reports whether the call is still waiting to be answered
func (s *Session) Pending() bool {
	st := s.State()
	return st == StateTrying || st == StateRinging
}

// Active reports whether the call has been answered and not torn down
func (s *Session) Active() bool {
	st := s.State()
	return st == StateEstablished || st == StateHeld
}

// Ring moves a new call into the ringing state
func (s *Session) Ring() error {
	return s.fire(eventRing)
}

// Answer confirms the call, recording when it was established
func (s *Session) Answer(now time.Time) error {
	if err := s.fire(eventAnswer); err != nil {
		return err
	}
	s.mu.Lock()
	s.establishedAt = now
	s.mu.Unlock()
	return nil
}

// Hold parks an established call
func (s *Session) Hold() error {
	return s.fire(eventHold)
}

// Resume takes an established call off hold
func (s *Session) Resume() error {
	return s.fire(eventResume)
}

// Terminate drives the session to its terminal state from wherever it
// is. Calling it on an already terminated session reports an error.
func (s *Session) Terminate() error {
	_ = s.machine.Event(context.Background(), eventHangup)
	return s.machine.Event(context.Background(), eventTerminate)
}

func (s *Session) fire(event string) error {
	if err := s.machine.Event(context.Background(), event); err != nil {
		return errors.Wrap(err, fmt.Sprintf("invalid transition %q from state %q", event, s.machine.Current()))
	}
	return nil
}

// Touch records activity on the session
func (s *Session) Touch(now time.Time) {
	s.mu.Lock()
	s.lastActivity = now
	s.mu.Unlock()
}

// LastActivity returns when the session last saw a valid message
func (s *Session) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

// EstablishedAt returns when the call was answered, zero if it never was
func (s *Session) EstablishedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.establishedAt
}

// SetToTag records the tag the gateway chose for its side of the dialog
func (s *Session) SetToTag(tag string) {
	s.mu.Lock()
	s.toTag = tag
	s.mu.Unlock()
}

// ToTag returns the gateway's dialog tag
func (s *Session) ToTag() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.toTag
}

// SetMediaProfile stores the media state accepted for this call. The
// media validator compares later offers against it to catch downgrades.
func (s *Session) SetMediaProfile(profile interface{}) {
	s.mu.Lock()
	s.mediaProfile = profile
	s.mu.Unlock()
}

// MediaProfile returns the media state accepted for this call
func (s *Session) MediaProfile() interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mediaProfile
}

// Snapshot is a read-only view of a session for reporting surfaces
type Snapshot struct {
	CallID       string    `json:"call_id"`
	Owner        string    `json:"owner,omitempty"`
	Source       string    `json:"source"`
	State        string    `json:"state"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

// Snapshot captures the session's current state for reporting
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	last := s.lastActivity
	s.mu.RUnlock()

	return Snapshot{
		CallID:       s.CallID,
		Owner:        s.Owner,
		Source:       s.Source,
		State:        string(s.State()),
		CreatedAt:    s.CreatedAt,
		LastActivity: last,
	}
}
