package gateway

import (
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"sipgate-server/pkg/auth"
	"sipgate-server/pkg/config"
	"sipgate-server/pkg/errors"
	"sipgate-server/pkg/media"
	"sipgate-server/pkg/metrics"
	"sipgate-server/pkg/ratelimit"
	"sipgate-server/pkg/security"
	"sipgate-server/pkg/session"
)

// allowedMethods is advertised in OPTIONS responses
const allowedMethods = "INVITE, ACK, CANCEL, BYE, REGISTER, OPTIONS, REFER, MESSAGE"

// ICECandidate is a trickled candidate submitted for an existing call
type ICECandidate struct {
	Candidate      string `json:"candidate"`
	MediaLineIndex int    `json:"media_line_index"`
}

// Gateway runs every inbound message through the security pipeline:
// flood control, structural validation, authentication, session
// ownership, then method handling with media policy enforcement. It
// owns all per-source and per-call state; front ends only parse,
// call Process, and serialize the verdict.
type Gateway struct {
	cfg    *config.Config
	clk    clock.Clock
	logger *logrus.Logger

	validator  *Validator
	limiter    *ratelimit.Limiter
	regLimiter *ratelimit.RegistrationLimiter
	auth       *auth.Engine
	sessions   *session.Registry
	media      *media.Validator
	candidates *media.CandidateFilter
	governor   *media.Governor
	quality    *media.QualityMonitor

	mu        sync.RWMutex
	publisher EventPublisher
}

// New wires the full pipeline from configuration. A nil clock falls
// back to the wall clock; events go nowhere until SetEventPublisher.
func New(cfg *config.Config, clk clock.Clock, logger *logrus.Logger) *Gateway {
	if clk == nil {
		clk = clock.New()
	}

	rlCfg := ratelimit.DefaultConfig()
	rlCfg.Enabled = cfg.RateLimit.Enabled
	rlCfg.MaxRequests = cfg.RateLimit.MaxRequestsPerMinute
	rlCfg.Window = cfg.RateLimit.Window
	rlCfg.PenaltyBase = cfg.RateLimit.PenaltyBase
	rlCfg.PenaltyMax = cfg.RateLimit.PenaltyMax
	rlCfg.MaxRegistrations = cfg.RateLimit.MaxRegistrationsPerMinute
	rlCfg.RegistrationWindow = cfg.RateLimit.Window
	rlCfg.CleanupInterval = cfg.RateLimit.CleanupInterval

	g := &Gateway{
		cfg:        cfg,
		clk:        clk,
		logger:     logger,
		validator:  NewValidator(&cfg.Security),
		limiter:    ratelimit.NewLimiter(rlCfg, clk, logger),
		regLimiter: ratelimit.NewRegistrationLimiter(rlCfg, clk, logger),
		auth:       auth.NewEngine(&cfg.Auth, clk, logger),
		sessions:   session.NewRegistry(&cfg.Session, clk, logger),
		media:      media.NewValidator(&cfg.Media, logger),
		candidates: media.NewCandidateFilter(cfg.Media.ICECandidateCap, logger),
		governor:   media.NewGovernor(&cfg.Media, clk, logger),
		quality:    media.NewQualityMonitor(&cfg.Media, nil, clk, logger),
		publisher:  noopPublisher{},
	}

	g.sessions.SetExpireHandler(g.onSessionExpired)

	return g
}

// SetEventPublisher routes security events to p. A nil publisher
// restores the discard default.
func (g *Gateway) SetEventPublisher(p EventPublisher) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if p == nil {
		g.publisher = noopPublisher{}
		return
	}
	g.publisher = p
}

// Process runs one parsed message through the pipeline and returns the
// response the front end should send. It never returns nil.
func (g *Gateway) Process(msg *Message) *Response {
	method := "UNKNOWN"
	if msg != nil {
		method = msg.Method.String()
	}
	done := metrics.ObserveProcessing(method)
	defer done()

	resp := g.process(msg)
	metrics.RecordMessage(method, resp.StatusCode)
	return resp
}

func (g *Gateway) process(msg *Message) *Response {
	if msg == nil {
		return FromError(errors.NewMalformed("empty message"))
	}

	// Flood control runs before anything is inspected, so a penalized
	// source cannot buy parsing or crypto work.
	if err := g.checkRate(msg.Source); err != nil {
		return g.reject(msg, err)
	}

	if err := g.validator.Validate(msg); err != nil {
		return g.reject(msg, err)
	}

	if msg.Method == MethodUnknown {
		return g.reject(msg, errors.NewUnsupportedMethod(security.SanitizeToken(msg.RawMethod)))
	}

	// Capability probes are answered statelessly before authentication;
	// they touch no registry and reveal only the method surface.
	if msg.Method == MethodOptions {
		return g.handleOptions()
	}

	// Registration floods are cut before the digest machinery runs
	if msg.Method == MethodRegister && !g.regLimiter.Allow(msg.Source) {
		return g.reject(msg, errors.NewRateExceeded(msg.Source, map[string]interface{}{
			"scope": "registrations",
		}))
	}

	identity := ""
	if g.auth.Enabled() && msg.Method.RequiresAuth() {
		result, err := g.auth.Authenticate(msg.Method.String(), msg.GetHeaderValue("Authorization"), msg.Source)
		if err != nil {
			resp := g.reject(msg, err)
			if result != nil && result.Challenge != nil {
				resp.WithHeader("WWW-Authenticate", result.Challenge.String())
			}
			return resp
		}
		identity = result.Identity
	}

	switch msg.Method {
	case MethodInvite:
		return g.handleInvite(msg, identity)
	case MethodAck:
		return g.handleAck(msg, identity)
	case MethodBye:
		return g.handleBye(msg, identity)
	case MethodCancel:
		return g.handleCancel(msg, identity)
	case MethodRegister:
		return g.handleRegister(msg, identity)
	case MethodMessage:
		return g.handleMessage(msg, identity)
	case MethodRefer:
		return g.handleRefer(msg, identity)
	default:
		return g.reject(msg, errors.NewUnsupportedMethod(security.SanitizeToken(msg.RawMethod)))
	}
}

// checkRate applies the penalty tracker and sliding window. It returns
// nil when the message may proceed.
func (g *Gateway) checkRate(source string) error {
	res := g.limiter.Check(source)
	switch res.Outcome {
	case ratelimit.Penalized:
		retry := int((res.RetryAfter + time.Second - 1) / time.Second)
		return errors.NewPenalized(source, retry)
	case ratelimit.RateExceeded:
		retry := int((res.RetryAfter + time.Second - 1) / time.Second)
		return errors.NewRateExceeded(source, map[string]interface{}{
			"retry_after": retry,
		})
	default:
		return nil
	}
}

func (g *Gateway) handleOptions() *Response {
	return NewResponse(200).
		WithHeader("Allow", allowedMethods).
		WithHeader("Accept", "application/sdp")
}

func (g *Gateway) handleInvite(msg *Message, identity string) *Response {
	if msg.CallID == "" {
		return g.reject(msg, errors.NewMalformed("missing call identifier"))
	}

	sess, created, err := g.sessions.Open(msg.CallID, identity, msg.Source, msg.FromTag)
	if err != nil {
		return g.reject(msg, err)
	}

	if created {
		if err := g.governor.Admit(identity, msg.Source); err != nil {
			g.sessions.Discard(msg.CallID, "admission_rejected")
			return g.reject(msg, err)
		}
	}

	if msg.HasSDP() {
		var prior *media.Profile
		if p, ok := sess.MediaProfile().(*media.Profile); ok {
			prior = p
		}

		result, err := g.media.ValidateOffer(prior, string(msg.Body), g.clk.Now())
		if err != nil {
			if created {
				g.sessions.Discard(msg.CallID, "media_rejected")
				g.governor.Release(identity)
			}
			return g.reject(msg, err)
		}

		sess.SetMediaProfile(result.Profile)
		if result.Throttled {
			g.publishAdvisory(msg.Source, msg.Method.String(), msg.CallID, "bandwidth_throttled", result.ThrottleReason)
		}
		if !created {
			g.applyDirection(sess, result.Profile)
		}
	}

	if created {
		if err := sess.Ring(); err == nil {
			g.logger.WithFields(logrus.Fields{
				"call_id": msg.CallID,
				"source":  msg.Source,
			}).Debug("Call ringing")
		}
		return NewResponse(180)
	}
	return NewResponse(200)
}

// applyDirection drives hold and resume from the re-offer's stream
// direction. Transition errors mean the session is not in a state the
// direction applies to and are ignored.
func (g *Gateway) applyDirection(sess *session.Session, profile *media.Profile) {
	if profile.OnHold() {
		if err := sess.Hold(); err == nil {
			g.logger.WithField("call_id", sess.CallID).Debug("Call held")
		}
		return
	}
	if err := sess.Resume(); err == nil {
		g.logger.WithField("call_id", sess.CallID).Debug("Call resumed")
	}
}

func (g *Gateway) handleAck(msg *Message, identity string) *Response {
	if msg.CallID == "" {
		return g.reject(msg, errors.NewMalformed("missing call identifier"))
	}

	sess, err := g.sessions.Claim(msg.CallID, identity, msg.Source, msg.FromTag)
	if err != nil {
		return g.reject(msg, err)
	}

	if sess.Pending() {
		if err := sess.Answer(g.clk.Now()); err == nil {
			g.logger.WithFields(logrus.Fields{
				"call_id": msg.CallID,
				"owner":   sess.Owner,
			}).Info("Call established")
		}
	}
	return NewResponse(200)
}

func (g *Gateway) handleBye(msg *Message, identity string) *Response {
	if msg.CallID == "" {
		return g.reject(msg, errors.NewMalformed("missing call identifier"))
	}

	sess, err := g.sessions.End(msg.CallID, identity, msg.Source, msg.FromTag)
	if err != nil {
		return g.reject(msg, err)
	}

	g.releaseCall(sess)
	return NewResponse(200)
}

func (g *Gateway) handleCancel(msg *Message, identity string) *Response {
	if msg.CallID == "" {
		return g.reject(msg, errors.NewMalformed("missing call identifier"))
	}

	sess, err := g.sessions.Cancel(msg.CallID, identity, msg.Source, msg.FromTag)
	if err != nil {
		return g.reject(msg, err)
	}

	g.releaseCall(sess)
	return NewResponse(200)
}

func (g *Gateway) handleRegister(msg *Message, identity string) *Response {
	expires := msg.GetHeaderValue("Expires")
	if expires == "" {
		expires = "3600"
	}

	g.logger.WithFields(logrus.Fields{
		"identity": identity,
		"source":   msg.Source,
		"expires":  expires,
	}).Info("Registration accepted")

	return NewResponse(200).WithHeader("Expires", expires)
}

func (g *Gateway) handleMessage(msg *Message, identity string) *Response {
	g.logger.WithFields(logrus.Fields{
		"identity": identity,
		"source":   msg.Source,
		"size":     len(msg.Body),
	}).Debug("Instant message accepted")

	return NewResponse(202)
}

func (g *Gateway) handleRefer(msg *Message, identity string) *Response {
	if msg.CallID == "" {
		return g.reject(msg, errors.NewMalformed("missing call identifier"))
	}

	if _, err := g.sessions.Claim(msg.CallID, identity, msg.Source, msg.FromTag); err != nil {
		return g.reject(msg, err)
	}

	target := msg.GetHeaderValue("Refer-To")
	if err := session.ScreenReferTarget(target); err != nil {
		return g.reject(msg, err)
	}

	g.logger.WithFields(logrus.Fields{
		"call_id": msg.CallID,
		"owner":   identity,
	}).Info("Transfer accepted")

	return NewResponse(202)
}

// ProcessCandidate screens one trickled ICE candidate for an existing
// call. The submitter must come from the session's source address; the
// candidate line itself is only parsed once flood and cap checks pass.
func (g *Gateway) ProcessCandidate(callID, source string, cand ICECandidate) *Response {
	if err := g.checkRate(source); err != nil {
		return g.rejectCandidate(source, callID, err)
	}

	if callID == "" {
		return g.rejectCandidate(source, callID, errors.NewMalformed("missing call identifier"))
	}
	if len(cand.Candidate) > security.MaxCandidateSize {
		return g.rejectCandidate(source, callID, errors.NewPayloadTooLarge(len(cand.Candidate), security.MaxCandidateSize))
	}

	if _, err := g.sessions.Claim(callID, "", source, ""); err != nil {
		return g.rejectCandidate(source, callID, err)
	}

	if err := g.candidates.Screen(callID, cand.Candidate); err != nil {
		return g.rejectCandidate(source, callID, err)
	}

	return NewResponse(200)
}

// ReportQuality evaluates a media quality report for a call and returns
// an advisory when any metric crosses its threshold, nil otherwise.
func (g *Gateway) ReportQuality(callID string, report media.QualityReport) *media.Advisory {
	adv := g.quality.Evaluate(callID, report)
	if adv == nil {
		return nil
	}

	source := ""
	if sess, ok := g.sessions.Get(callID); ok {
		source = sess.Source
	}
	g.publishAdvisory(source, "", callID, "quality_degraded", strings.Join(adv.Issues, "; "))

	return adv
}

// MaskCandidate applies the topology disclosure policy to a candidate
// line before it appears in any event or reporting surface.
func (g *Gateway) MaskCandidate(raw string) string {
	return media.MaskCandidate(raw)
}

// Sessions returns a snapshot of every live session for reporting
func (g *Gateway) Sessions() []session.Snapshot {
	return g.sessions.Snapshots()
}

// Stats summarizes pipeline state for the health surfaces
func (g *Gateway) Stats() map[string]interface{} {
	metrics.SetPenaltiesActive(g.limiter.ActivePenalties())
	return map[string]interface{}{
		"sessions_active":    g.sessions.Count(),
		"penalties_active":   g.limiter.ActivePenalties(),
		"tracked_sources":    g.limiter.SourceCount(),
		"nonces_outstanding": g.auth.OutstandingNonces(),
		"media_admissions":   g.governor.Stats(),
	}
}

// Stop terminates background sweepers. In-flight Process calls finish
// normally; new ones should not be started after Stop.
func (g *Gateway) Stop() {
	g.sessions.Stop()
	g.limiter.Stop()
	g.auth.Stop()
}

// onSessionExpired releases per-call state when the idle reaper drops a
// session nobody tore down.
func (g *Gateway) onSessionExpired(sess *session.Session) {
	g.releaseCall(sess)
	g.publishAdvisory(sess.Source, "", sess.CallID, "session_idle_expired", "")
}

func (g *Gateway) releaseCall(sess *session.Session) {
	g.governor.Release(sess.Owner)
	g.candidates.Forget(sess.CallID)
}

// reject turns an error into its response and publishes the matching
// security event.
func (g *Gateway) reject(msg *Message, err error) *Response {
	resp := FromError(err)

	outcome := OutcomeRejected
	if errors.IsErrorType(err, errors.ErrAuthChallenge) {
		outcome = OutcomeChallenged
	}

	event := SecurityEvent{
		ID:         uuid.NewString(),
		Time:       g.clk.Now(),
		Outcome:    outcome,
		Reason:     strings.ToLower(errors.GetErrorCode(err)),
		StatusCode: resp.StatusCode,
	}
	if msg != nil {
		event.Source = msg.Source
		event.Method = msg.Method.String()
		event.CallID = eventCallID(msg.CallID)
	}
	g.publish(event)

	entry := g.logger.WithFields(logrus.Fields{
		"status": resp.StatusCode,
		"reason": event.Reason,
	})
	if msg != nil {
		entry = entry.WithFields(logrus.Fields{
			"method": event.Method,
			"source": msg.Source,
		})
	}
	entry.WithError(err).Warn("Message rejected")

	return resp
}

func (g *Gateway) rejectCandidate(source, callID string, err error) *Response {
	resp := FromError(err)
	g.publish(SecurityEvent{
		ID:         uuid.NewString(),
		Time:       g.clk.Now(),
		Source:     source,
		Method:     "CANDIDATE",
		CallID:     eventCallID(callID),
		Outcome:    OutcomeRejected,
		Reason:     strings.ToLower(errors.GetErrorCode(err)),
		StatusCode: resp.StatusCode,
	})
	return resp
}

func (g *Gateway) publishAdvisory(source, method, callID, reason, detail string) {
	g.publish(SecurityEvent{
		ID:      uuid.NewString(),
		Time:    g.clk.Now(),
		Source:  source,
		Method:  method,
		CallID:  eventCallID(callID),
		Outcome: OutcomeAdvisory,
		Reason:  reason,
		Detail:  detail,
	})
}

// eventCallID sanitizes a call identifier for event payloads, keeping
// absent identifiers absent.
func eventCallID(callID string) string {
	if callID == "" {
		return ""
	}
	return security.SanitizeToken(callID)
}

func (g *Gateway) publish(event SecurityEvent) {
	g.mu.RLock()
	p := g.publisher
	g.mu.RUnlock()
	p.PublishSecurityEvent(event)
}
