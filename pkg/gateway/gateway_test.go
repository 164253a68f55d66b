package gateway

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/icholy/digest"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sipgate-server/pkg/config"
	"sipgate-server/pkg/media"
)

func newTestConfig() *config.Config {
	return &config.Config{
		Security: config.SecurityConfig{
			MessageValidationEnabled: true,
			MaxMessageSizeBytes:      1024 * 1024,
		},
		Auth: config.AuthConfig{
			RequireAuth:       false,
			Realm:             "sipgate",
			NonceTTL:          5 * time.Minute,
			MinPasswordLength: 8,
		},
		RateLimit: config.RateLimitConfig{
			Enabled:                   true,
			MaxRequestsPerMinute:      100,
			Window:                    time.Minute,
			PenaltyBase:               30 * time.Second,
			PenaltyMax:                5 * time.Minute,
			MaxRegistrationsPerMinute: 10,
			CleanupInterval:           time.Minute,
		},
		Session: config.SessionConfig{
			IdleTimeout:     30 * time.Minute,
			CleanupInterval: 10 * time.Minute,
			ShardCount:      16,
		},
		Media: config.MediaConfig{
			RequireEncryption:     true,
			ValidateCertificates:  true,
			ICECandidateCap:       5,
			BandwidthLimitBps:     2_000_000,
			MaxConnectionsPerUser: 3,
			MaxAttemptsPerWindow:  50,
			AttemptWindow:         time.Minute,
			MaxPacketLossPercent:  15,
			MaxJitterMs:           150,
			MaxRTTMs:              800,
		},
	}
}

func newTestGateway(t *testing.T, cfg *config.Config) (*Gateway, *clock.Mock) {
	t.Helper()

	if cfg == nil {
		cfg = newTestConfig()
	}
	mock := clock.NewMock()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	g := New(cfg, mock, logger)
	t.Cleanup(g.Stop)
	return g, mock
}

// signal builds a normalized message the way a transport front end
// would after parsing
func signal(mock *clock.Mock, method, callID, source, fromTag, body string, extra map[string]string) *Message {
	headers := map[string][]string{
		"From":         {"<sip:alice@example.com>;tag=" + fromTag},
		"To":           {"<sip:bob@gateway.example.com>"},
		"CSeq":         {"1 " + method},
		"Max-Forwards": {"70"},
	}
	if callID != "" {
		headers["Call-ID"] = []string{callID}
	}
	var payload []byte
	if body != "" {
		headers["Content-Type"] = []string{"application/sdp"}
		payload = []byte(body)
	}
	for name, value := range extra {
		headers[name] = []string{value}
	}
	return NewMessage(method, "sip:bob@gateway.example.com", source, headers, payload, mock.Now())
}

func sdesKey(n int) string {
	return base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{0x42}, n))
}

// secureBody builds an encrypted audio offer. Extra lines are inserted
// between the media line and its crypto attribute, where bandwidth and
// direction attributes are legal.
func secureBody(lines ...string) string {
	base := []string{
		"v=0",
		"o=- 1234567890 2 IN IP4 203.0.113.10",
		"s=-",
		"c=IN IP4 203.0.113.10",
		"t=0 0",
		"m=audio 49170 RTP/SAVP 0",
	}
	base = append(base, lines...)
	base = append(base, "a=crypto:1 AES_CM_128_HMAC_SHA1_80 inline:"+sdesKey(30))
	return strings.Join(base, "\r\n") + "\r\n"
}

func insecureBody() string {
	return strings.Join([]string{
		"v=0",
		"o=- 1234567890 2 IN IP4 203.0.113.10",
		"s=-",
		"c=IN IP4 203.0.113.10",
		"t=0 0",
		"m=audio 49170 RTP/AVP 0",
	}, "\r\n") + "\r\n"
}

// capturePublisher records published events for assertions
type capturePublisher struct {
	mu     sync.Mutex
	events []SecurityEvent
}

func (c *capturePublisher) PublishSecurityEvent(event SecurityEvent) {
	c.mu.Lock()
	c.events = append(c.events, event)
	c.mu.Unlock()
}

func (c *capturePublisher) byReason(reason string) []SecurityEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []SecurityEvent
	for _, e := range c.events {
		if e.Reason == reason {
			out = append(out, e)
		}
	}
	return out
}

func TestGateway_Options_Stateless(t *testing.T) {
	g, mock := newTestGateway(t, nil)

	resp := g.Process(signal(mock, "OPTIONS", "", "203.0.113.1:5060", "tag1", "", nil))
	require.Equal(t, 200, resp.StatusCode)
	assert.Contains(t, resp.Headers["Allow"], "INVITE")
	assert.Contains(t, resp.Headers["Allow"], "OPTIONS")
	assert.Equal(t, "application/sdp", resp.Headers["Accept"])
	assert.NotEmpty(t, resp.Headers["Server"])

	// A capability probe must leave no trace in the registry
	assert.Empty(t, g.Sessions())
}

func TestGateway_UnknownMethod(t *testing.T) {
	g, mock := newTestGateway(t, nil)
	pub := &capturePublisher{}
	g.SetEventPublisher(pub)

	resp := g.Process(signal(mock, "NOTIFY", "call-1", "203.0.113.1:5060", "tag1", "", nil))
	assert.Equal(t, 501, resp.StatusCode)
	assert.Equal(t, "Not Implemented", resp.ReasonPhrase)

	events := pub.byReason("unsupported_method")
	require.Len(t, events, 1)
	assert.Equal(t, OutcomeRejected, events[0].Outcome)
	assert.Equal(t, 501, events[0].StatusCode)
	assert.Equal(t, "203.0.113.1:5060", events[0].Source)
	assert.NotEmpty(t, events[0].ID)
}

func TestGateway_NilMessage(t *testing.T) {
	g, _ := newTestGateway(t, nil)

	resp := g.Process(nil)
	assert.Equal(t, 400, resp.StatusCode)
}

func TestGateway_MissingTarget(t *testing.T) {
	g, mock := newTestGateway(t, nil)

	msg := NewMessage("INVITE", "", "203.0.113.1:5060", map[string][]string{
		"Call-ID": {"call-1"},
	}, nil, mock.Now())
	resp := g.Process(msg)
	assert.Equal(t, 400, resp.StatusCode)
}

func TestGateway_OversizedMessage(t *testing.T) {
	cfg := newTestConfig()
	cfg.Security.MaxMessageSizeBytes = 1024
	g, mock := newTestGateway(t, cfg)

	big := strings.Repeat("x", 2048)
	resp := g.Process(signal(mock, "MESSAGE", "call-1", "203.0.113.1:5060", "tag1", big, nil))
	assert.Equal(t, 413, resp.StatusCode)
}

func TestGateway_HostileHeaderRejected(t *testing.T) {
	g, mock := newTestGateway(t, nil)

	msg := signal(mock, "INVITE", "call-1", "203.0.113.1:5060", "tag1", "", map[string]string{
		"Subject": "<script>alert(1)</script>",
	})
	resp := g.Process(msg)
	assert.Equal(t, 400, resp.StatusCode)
	assert.Empty(t, g.Sessions())
}

func TestGateway_CallLifecycle(t *testing.T) {
	g, mock := newTestGateway(t, nil)
	source := "203.0.113.1:5060"

	// New call rings
	resp := g.Process(signal(mock, "INVITE", "call-1", source, "tag1", secureBody(), nil))
	require.Equal(t, 180, resp.StatusCode)

	snaps := g.Sessions()
	require.Len(t, snaps, 1)
	assert.Equal(t, "ringing", snaps[0].State)

	// Ack from the owner establishes it
	resp = g.Process(signal(mock, "ACK", "call-1", source, "tag1", "", nil))
	require.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "established", g.Sessions()[0].State)

	// Re-offer with sendonly puts the call on hold
	resp = g.Process(signal(mock, "INVITE", "call-1", source, "tag1", secureBody("a=sendonly"), nil))
	require.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "held", g.Sessions()[0].State)

	// Re-offer with sendrecv resumes it
	resp = g.Process(signal(mock, "INVITE", "call-1", source, "tag1", secureBody("a=sendrecv"), nil))
	require.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "established", g.Sessions()[0].State)

	// Hangup removes the session
	resp = g.Process(signal(mock, "BYE", "call-1", source, "tag1", "", nil))
	require.Equal(t, 200, resp.StatusCode)
	assert.Empty(t, g.Sessions())

	// A second hangup finds nothing
	resp = g.Process(signal(mock, "BYE", "call-1", source, "tag1", "", nil))
	assert.Equal(t, 404, resp.StatusCode)
}

func TestGateway_Cancel(t *testing.T) {
	g, mock := newTestGateway(t, nil)
	source := "203.0.113.1:5060"

	resp := g.Process(signal(mock, "INVITE", "call-1", source, "tag1", secureBody(), nil))
	require.Equal(t, 180, resp.StatusCode)

	resp = g.Process(signal(mock, "CANCEL", "call-1", source, "tag1", "", nil))
	require.Equal(t, 200, resp.StatusCode)
	assert.Empty(t, g.Sessions())

	// The ack for the cancelled call has nothing left to claim
	resp = g.Process(signal(mock, "ACK", "call-1", source, "tag1", "", nil))
	assert.Equal(t, 404, resp.StatusCode)
}

func TestGateway_InsecureOfferDiscardsNewSession(t *testing.T) {
	g, mock := newTestGateway(t, nil)
	pub := &capturePublisher{}
	g.SetEventPublisher(pub)
	source := "203.0.113.1:5060"

	resp := g.Process(signal(mock, "INVITE", "call-1", source, "tag1", insecureBody(), nil))
	assert.Equal(t, 403, resp.StatusCode)
	assert.Empty(t, g.Sessions())
	assert.NotEmpty(t, pub.byReason("media_security"))

	// The failed setup leaves no state that would block a clean retry
	resp = g.Process(signal(mock, "INVITE", "call-1", source, "tag1", secureBody(), nil))
	assert.Equal(t, 180, resp.StatusCode)
}

func TestGateway_RenegotiationDowngradeRejected(t *testing.T) {
	cfg := newTestConfig()
	cfg.Media.RequireEncryption = false
	g, mock := newTestGateway(t, cfg)
	source := "203.0.113.1:5060"

	g.Process(signal(mock, "INVITE", "call-1", source, "tag1", secureBody(), nil))
	g.Process(signal(mock, "ACK", "call-1", source, "tag1", "", nil))

	// Even with the global requirement off, an established secure call
	// cannot be renegotiated down to plain transport
	resp := g.Process(signal(mock, "INVITE", "call-1", source, "tag1", insecureBody(), nil))
	assert.Equal(t, 403, resp.StatusCode)

	snaps := g.Sessions()
	require.Len(t, snaps, 1)
	assert.Equal(t, "established", snaps[0].State)
}

func TestGateway_HijackRejected(t *testing.T) {
	g, mock := newTestGateway(t, nil)
	pub := &capturePublisher{}
	g.SetEventPublisher(pub)
	owner := "203.0.113.1:5060"
	attacker := "198.51.100.99:5060"

	g.Process(signal(mock, "INVITE", "call-1", owner, "tag1", secureBody(), nil))
	g.Process(signal(mock, "ACK", "call-1", owner, "tag1", "", nil))

	// Teardown from another address is refused and the call survives
	resp := g.Process(signal(mock, "BYE", "call-1", attacker, "tag1", "", nil))
	assert.Equal(t, 403, resp.StatusCode)
	require.Len(t, g.Sessions(), 1)
	assert.Equal(t, "established", g.Sessions()[0].State)

	events := pub.byReason("session_conflict")
	require.NotEmpty(t, events)
	assert.Equal(t, attacker, events[0].Source)

	// So is a re-offer hijack with the right address but wrong tag
	resp = g.Process(signal(mock, "INVITE", "call-1", owner, "other-tag", secureBody(), nil))
	assert.Equal(t, 403, resp.StatusCode)

	// The owner can still hang up
	resp = g.Process(signal(mock, "BYE", "call-1", owner, "tag1", "", nil))
	assert.Equal(t, 200, resp.StatusCode)
}

func TestGateway_InviteWithoutCallID(t *testing.T) {
	g, mock := newTestGateway(t, nil)

	resp := g.Process(signal(mock, "INVITE", "", "203.0.113.1:5060", "tag1", secureBody(), nil))
	assert.Equal(t, 400, resp.StatusCode)
}

func TestGateway_AuthFlow(t *testing.T) {
	cfg := newTestConfig()
	cfg.Auth.RequireAuth = true
	cfg.Auth.Users = "alice:correct-horse-battery"
	g, mock := newTestGateway(t, cfg)
	pub := &capturePublisher{}
	g.SetEventPublisher(pub)
	source := "203.0.113.1:5060"

	// First attempt carries no credentials and is challenged
	resp := g.Process(signal(mock, "INVITE", "call-1", source, "tag1", secureBody(), nil))
	require.Equal(t, 401, resp.StatusCode)
	require.NotEmpty(t, resp.Headers["WWW-Authenticate"])
	assert.Empty(t, g.Sessions())

	challenges := pub.byReason("auth_challenge")
	require.NotEmpty(t, challenges)
	assert.Equal(t, OutcomeChallenged, challenges[0].Outcome)

	chal, err := digest.ParseChallenge(resp.Headers["WWW-Authenticate"])
	require.NoError(t, err)
	assert.Equal(t, "SHA-256", chal.Algorithm)

	cred, err := digest.Digest(chal, digest.Options{
		Method:   "INVITE",
		URI:      "sip:bob@gateway.example.com",
		Username: "alice",
		Password: "correct-horse-battery",
		Count:    1,
	})
	require.NoError(t, err)
	authz := cred.String()

	// Answered challenge is accepted and the call proceeds
	resp = g.Process(signal(mock, "INVITE", "call-1", source, "tag1", secureBody(), map[string]string{
		"Authorization": authz,
	}))
	require.Equal(t, 180, resp.StatusCode)

	snaps := g.Sessions()
	require.Len(t, snaps, 1)
	assert.Equal(t, "alice", snaps[0].Owner)

	// Replaying the same credentials hits the consumed nonce and fails
	resp = g.Process(signal(mock, "INVITE", "call-2", source, "tag1", secureBody(), map[string]string{
		"Authorization": authz,
	}))
	assert.Equal(t, 401, resp.StatusCode)
	assert.NotEmpty(t, resp.Headers["WWW-Authenticate"], "replay must be re-challenged")
	assert.NotEmpty(t, pub.byReason("auth_failed"))
	assert.Len(t, g.Sessions(), 1)
}

func TestGateway_WeakCredentialRejected(t *testing.T) {
	cfg := newTestConfig()
	cfg.Auth.RequireAuth = true
	cfg.Auth.Users = "eve:short"
	g, mock := newTestGateway(t, cfg)
	source := "203.0.113.1:5060"

	resp := g.Process(signal(mock, "REGISTER", "", source, "tag1", "", nil))
	require.Equal(t, 401, resp.StatusCode)

	chal, err := digest.ParseChallenge(resp.Headers["WWW-Authenticate"])
	require.NoError(t, err)

	cred, err := digest.Digest(chal, digest.Options{
		Method:   "REGISTER",
		URI:      "sip:bob@gateway.example.com",
		Username: "eve",
		Password: "short",
		Count:    1,
	})
	require.NoError(t, err)

	// A correct answer for a weak configured credential is refused
	// outright, with no invitation to retry
	resp = g.Process(signal(mock, "REGISTER", "", source, "tag1", "", map[string]string{
		"Authorization": cred.String(),
	}))
	assert.Equal(t, 403, resp.StatusCode)
	assert.Empty(t, resp.Headers["WWW-Authenticate"])
}

func TestGateway_RegisterRateBeforeAuth(t *testing.T) {
	cfg := newTestConfig()
	cfg.Auth.RequireAuth = true
	cfg.Auth.Users = "alice:correct-horse-battery"
	cfg.RateLimit.MaxRegistrationsPerMinute = 3
	g, mock := newTestGateway(t, cfg)
	source := "203.0.113.9:5060"

	// Unanswered challenges still count against the registration budget
	for i := 0; i < 3; i++ {
		resp := g.Process(signal(mock, "REGISTER", "", source, "tag1", "", nil))
		require.Equal(t, 401, resp.StatusCode)
	}

	// The flood is cut before the digest machinery would issue another
	// challenge
	resp := g.Process(signal(mock, "REGISTER", "", source, "tag1", "", nil))
	assert.Equal(t, 429, resp.StatusCode)
	assert.Empty(t, resp.Headers["WWW-Authenticate"])

	// Another source is unaffected
	resp = g.Process(signal(mock, "REGISTER", "", "198.51.100.7:5060", "tag1", "", nil))
	assert.Equal(t, 401, resp.StatusCode)
}

func TestGateway_FloodPenalty(t *testing.T) {
	cfg := newTestConfig()
	cfg.RateLimit.MaxRequestsPerMinute = 10
	g, mock := newTestGateway(t, cfg)
	source := "203.0.113.1:5060"

	for i := 0; i < 10; i++ {
		resp := g.Process(signal(mock, "OPTIONS", "", source, "tag1", "", nil))
		require.Equal(t, 200, resp.StatusCode, "message %d should be allowed", i)
	}

	// Crossing the ceiling imposes a penalty
	resp := g.Process(signal(mock, "OPTIONS", "", source, "tag1", "", nil))
	assert.Equal(t, 429, resp.StatusCode)
	assert.Equal(t, "30", resp.Headers["Retry-After"])

	// Inside the penalty window everything is refused outright
	resp = g.Process(signal(mock, "OPTIONS", "", source, "tag1", "", nil))
	assert.Equal(t, 503, resp.StatusCode)
	assert.NotEmpty(t, resp.Headers["Retry-After"])

	// Once the penalty lapses and the window slides, service resumes
	mock.Add(61 * time.Second)
	resp = g.Process(signal(mock, "OPTIONS", "", source, "tag1", "", nil))
	assert.Equal(t, 200, resp.StatusCode)
}

func TestGateway_MediaAttemptWindow(t *testing.T) {
	cfg := newTestConfig()
	cfg.Media.MaxAttemptsPerWindow = 2
	g, mock := newTestGateway(t, cfg)
	source := "203.0.113.1:5060"

	for i := 0; i < 2; i++ {
		callID := fmt.Sprintf("call-%d", i)
		resp := g.Process(signal(mock, "INVITE", callID, source, "tag1", secureBody(), nil))
		require.Equal(t, 180, resp.StatusCode)
	}

	// The third setup attempt inside the window is refused and leaves
	// no session behind
	resp := g.Process(signal(mock, "INVITE", "call-2", source, "tag1", secureBody(), nil))
	assert.Equal(t, 429, resp.StatusCode)
	assert.Len(t, g.Sessions(), 2)
}

func TestGateway_BandwidthThrottleAdvisory(t *testing.T) {
	g, mock := newTestGateway(t, nil)
	pub := &capturePublisher{}
	g.SetEventPublisher(pub)
	source := "203.0.113.1:5060"

	resp := g.Process(signal(mock, "INVITE", "call-1", source, "tag1", secureBody("b=AS:8000"), nil))
	require.Equal(t, 180, resp.StatusCode)

	events := pub.byReason("bandwidth_throttled")
	require.Len(t, events, 1)
	assert.Equal(t, OutcomeAdvisory, events[0].Outcome)
}

func TestGateway_Refer(t *testing.T) {
	g, mock := newTestGateway(t, nil)
	pub := &capturePublisher{}
	g.SetEventPublisher(pub)
	source := "203.0.113.1:5060"

	g.Process(signal(mock, "INVITE", "call-1", source, "tag1", secureBody(), nil))
	g.Process(signal(mock, "ACK", "call-1", source, "tag1", "", nil))

	resp := g.Process(signal(mock, "REFER", "call-1", source, "tag1", "", map[string]string{
		"Refer-To": "<sip:carol@example.com>",
	}))
	assert.Equal(t, 202, resp.StatusCode)

	// Premium rate targets are screened out
	resp = g.Process(signal(mock, "REFER", "call-1", source, "tag1", "", map[string]string{
		"Refer-To": "<sip:+19005551234@example.com>",
	}))
	assert.Equal(t, 403, resp.StatusCode)
	assert.NotEmpty(t, pub.byReason("refer_denied"))

	// A transfer without a target is denied, not errored
	resp = g.Process(signal(mock, "REFER", "call-1", source, "tag1", "", nil))
	assert.Equal(t, 403, resp.StatusCode)

	// Only the owner may transfer
	resp = g.Process(signal(mock, "REFER", "call-1", "198.51.100.99:5060", "tag1", "", map[string]string{
		"Refer-To": "<sip:carol@example.com>",
	}))
	assert.Equal(t, 403, resp.StatusCode)
	assert.NotEmpty(t, pub.byReason("session_conflict"))
}

func TestGateway_MessageAccepted(t *testing.T) {
	g, mock := newTestGateway(t, nil)

	resp := g.Process(signal(mock, "MESSAGE", "call-1", "203.0.113.1:5060", "tag1", "", nil))
	assert.Equal(t, 202, resp.StatusCode)
}

func TestGateway_RegisterEchoesExpires(t *testing.T) {
	g, mock := newTestGateway(t, nil)

	resp := g.Process(signal(mock, "REGISTER", "", "203.0.113.1:5060", "tag1", "", map[string]string{
		"Expires": "600",
	}))
	require.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "600", resp.Headers["Expires"])

	resp = g.Process(signal(mock, "REGISTER", "", "203.0.113.1:5060", "tag1", "", nil))
	require.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "3600", resp.Headers["Expires"])
}

func TestGateway_ProcessCandidate(t *testing.T) {
	g, mock := newTestGateway(t, nil)
	pub := &capturePublisher{}
	g.SetEventPublisher(pub)
	source := "203.0.113.1:5060"
	line := "candidate:4234997325 1 udp 2043278322 203.0.113.7 44323 typ host"

	g.Process(signal(mock, "INVITE", "call-1", source, "tag1", secureBody(), nil))

	// Candidates up to the cap are admitted
	for i := 0; i < 5; i++ {
		resp := g.ProcessCandidate("call-1", source, ICECandidate{Candidate: line})
		require.Equal(t, 200, resp.StatusCode, "candidate %d should be accepted", i)
	}

	// Over the cap everything is refused, garbage included
	resp := g.ProcessCandidate("call-1", source, ICECandidate{Candidate: line})
	assert.Equal(t, 403, resp.StatusCode)
	assert.NotEmpty(t, pub.byReason("media_security"))

	// Submissions from a non-owner address never reach the filter
	resp = g.ProcessCandidate("call-1", "198.51.100.99:5060", ICECandidate{Candidate: line})
	assert.Equal(t, 403, resp.StatusCode)

	// Unknown calls have no candidate budget at all
	resp = g.ProcessCandidate("call-9", source, ICECandidate{Candidate: line})
	assert.Equal(t, 404, resp.StatusCode)

	// Oversized candidate lines are cut before parsing
	huge := "candidate:" + strings.Repeat("9", 600)
	resp = g.ProcessCandidate("call-1", source, ICECandidate{Candidate: huge})
	assert.Equal(t, 413, resp.StatusCode)
}

func TestGateway_CandidateBudgetResetOnHangup(t *testing.T) {
	g, mock := newTestGateway(t, nil)
	source := "203.0.113.1:5060"
	line := "candidate:4234997325 1 udp 2043278322 203.0.113.7 44323 typ host"

	g.Process(signal(mock, "INVITE", "call-1", source, "tag1", secureBody(), nil))
	for i := 0; i < 5; i++ {
		require.Equal(t, 200, g.ProcessCandidate("call-1", source, ICECandidate{Candidate: line}).StatusCode)
	}
	require.Equal(t, 403, g.ProcessCandidate("call-1", source, ICECandidate{Candidate: line}).StatusCode)

	g.Process(signal(mock, "BYE", "call-1", source, "tag1", "", nil))

	// A new call under the same identifier starts with a fresh budget
	g.Process(signal(mock, "INVITE", "call-1", source, "tag1", secureBody(), nil))
	assert.Equal(t, 200, g.ProcessCandidate("call-1", source, ICECandidate{Candidate: line}).StatusCode)
}

func TestGateway_ReportQuality(t *testing.T) {
	g, mock := newTestGateway(t, nil)
	pub := &capturePublisher{}
	g.SetEventPublisher(pub)
	source := "203.0.113.1:5060"

	g.Process(signal(mock, "INVITE", "call-1", source, "tag1", secureBody(), nil))
	g.Process(signal(mock, "ACK", "call-1", source, "tag1", "", nil))

	adv := g.ReportQuality("call-1", media.QualityReport{PacketLossPercent: 2, JitterMs: 20, RTTMs: 80})
	assert.Nil(t, adv)
	assert.Empty(t, pub.byReason("quality_degraded"))

	adv = g.ReportQuality("call-1", media.QualityReport{PacketLossPercent: 40, JitterMs: 300, RTTMs: 1500})
	require.NotNil(t, adv)
	assert.Len(t, adv.Issues, 3)

	events := pub.byReason("quality_degraded")
	require.Len(t, events, 1)
	assert.Equal(t, OutcomeAdvisory, events[0].Outcome)
	assert.Equal(t, source, events[0].Source)
	assert.NotEmpty(t, events[0].Detail)
}

func TestGateway_IdleExpiryReleasesCall(t *testing.T) {
	g, mock := newTestGateway(t, nil)
	pub := &capturePublisher{}
	g.SetEventPublisher(pub)
	source := "203.0.113.1:5060"

	g.Process(signal(mock, "INVITE", "call-1", source, "tag1", secureBody(), nil))
	g.Process(signal(mock, "ACK", "call-1", source, "tag1", "", nil))
	require.Len(t, g.Sessions(), 1)

	time.Sleep(10 * time.Millisecond)
	mock.Add(41 * time.Minute)

	require.Eventually(t, func() bool {
		return len(g.Sessions()) == 0
	}, time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return len(pub.byReason("session_idle_expired")) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, OutcomeAdvisory, pub.byReason("session_idle_expired")[0].Outcome)
}

func TestGateway_Stats(t *testing.T) {
	g, mock := newTestGateway(t, nil)
	source := "203.0.113.1:5060"

	g.Process(signal(mock, "INVITE", "call-1", source, "tag1", secureBody(), nil))

	stats := g.Stats()
	assert.Equal(t, 1, stats["sessions_active"])
	assert.Contains(t, stats, "penalties_active")
	assert.Contains(t, stats, "nonces_outstanding")
	assert.Contains(t, stats, "media_admissions")
}

func TestMultiPublisherFansOut(t *testing.T) {
	first := &capturePublisher{}
	second := &capturePublisher{}

	pub := MultiPublisher(first, nil, second)
	pub.PublishSecurityEvent(SecurityEvent{ID: "evt-1", Outcome: OutcomeRejected, Reason: "malformed"})

	require.Len(t, first.byReason("malformed"), 1)
	require.Len(t, second.byReason("malformed"), 1)
	assert.Equal(t, "evt-1", first.byReason("malformed")[0].ID)
}
