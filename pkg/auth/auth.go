package auth

import (
	"crypto/subtle"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/icholy/digest"
	"github.com/sirupsen/logrus"

	"sipgate-server/pkg/config"
	"sipgate-server/pkg/errors"
	"sipgate-server/pkg/metrics"
)

// DigestAlgorithm is the only algorithm offered in challenges and
// accepted in responses. Clients answering with a weaker algorithm are
// rejected rather than accommodated.
const DigestAlgorithm = "SHA-256"

// Result is the outcome of an authentication pass
type Result struct {
	// Identity is the authenticated username, empty until a response
	// has been verified
	Identity string

	// Challenge is set when the caller must answer a new challenge.
	// Its String form goes into the WWW-Authenticate header.
	Challenge *digest.Challenge
}

type user struct {
	password string
	enabled  bool
}

// Engine implements digest authentication with single-use nonces. A
// request without credentials receives a challenge; the answered
// challenge is verified against the user table and its nonce is
// consumed whether or not verification succeeds.
type Engine struct {
	cfg    *config.AuthConfig
	mu     sync.RWMutex
	users  map[string]*user
	nonces *NonceStore
	logger *logrus.Logger
}

// NewEngine creates an authentication engine from the loaded
// configuration. The user table is seeded from the configured
// credentials and can be adjusted at runtime.
func NewEngine(cfg *config.AuthConfig, clk clock.Clock, logger *logrus.Logger) *Engine {
	e := &Engine{
		cfg:    cfg,
		users:  make(map[string]*user),
		nonces: NewNonceStore(cfg.NonceTTL, clk),
		logger: logger,
	}

	weak := 0
	for username, password := range cfg.ParseUsers() {
		e.users[username] = &user{password: password, enabled: true}
		if len(password) < cfg.MinPasswordLength {
			weak++
			if logger != nil {
				logger.WithField("username", username).Warn("Configured password below minimum length, user will be rejected")
			}
		}
	}

	if logger != nil {
		logger.WithFields(logrus.Fields{
			"enabled":   cfg.RequireAuth,
			"realm":     cfg.Realm,
			"algorithm": DigestAlgorithm,
			"users":     len(e.users),
			"weak":      weak,
			"nonce_ttl": cfg.NonceTTL,
		}).Info("Authentication engine initialized")
	}

	return e
}

// Enabled reports whether authentication is required at all
func (e *Engine) Enabled() bool {
	return e.cfg.RequireAuth
}

// AddUser adds or replaces a user in the table
func (e *Engine) AddUser(username, password string) {
	e.mu.Lock()
	e.users[username] = &user{password: password, enabled: true}
	e.mu.Unlock()

	if e.logger != nil {
		e.logger.WithField("username", username).Info("User added")
	}
}

// RemoveUser removes a user from the table
func (e *Engine) RemoveUser(username string) {
	e.mu.Lock()
	delete(e.users, username)
	e.mu.Unlock()

	if e.logger != nil {
		e.logger.WithField("username", username).Info("User removed")
	}
}

// DisableUser disables a user without removing the entry
func (e *Engine) DisableUser(username string) {
	e.setEnabled(username, false)
}

// EnableUser re-enables a previously disabled user
func (e *Engine) EnableUser(username string) {
	e.setEnabled(username, true)
}

func (e *Engine) setEnabled(username string, enabled bool) {
	e.mu.Lock()
	u, exists := e.users[username]
	if exists {
		u.enabled = enabled
	}
	e.mu.Unlock()

	if exists && e.logger != nil {
		e.logger.WithFields(logrus.Fields{
			"username": username,
			"enabled":  enabled,
		}).Info("User state changed")
	}
}

// Challenge mints a single-use nonce for source and returns the
// challenge to present. Stale marks a challenge triggered by an
// expired nonce so well-behaved clients retry without re-prompting.
func (e *Engine) Challenge(source string, stale bool) *digest.Challenge {
	metrics.RecordChallenge()
	return &digest.Challenge{
		Realm:     e.cfg.Realm,
		Nonce:     e.nonces.Issue(source),
		Algorithm: DigestAlgorithm,
		QOP:       []string{"auth"},
		Stale:     stale,
	}
}

// Authenticate verifies the Authorization header of a request from
// source. It returns the authenticated identity, or a challenge the
// caller must send back along with the error describing why.
func (e *Engine) Authenticate(method, authorization, source string) (*Result, error) {
	if !e.cfg.RequireAuth {
		return &Result{}, nil
	}

	if strings.TrimSpace(authorization) == "" {
		return &Result{Challenge: e.Challenge(source, false)},
			errors.NewAuthChallenge(e.cfg.Realm)
	}

	cred, err := digest.ParseCredentials(authorization)
	if err != nil {
		return e.fail("malformed_credentials", "", source)
	}

	if cred.Realm != e.cfg.Realm {
		return e.fail("realm_mismatch", cred.Username, source)
	}
	if cred.Algorithm != "" && !strings.EqualFold(cred.Algorithm, DigestAlgorithm) {
		return e.fail("algorithm_downgrade", cred.Username, source)
	}

	// Consume the nonce before verification so a failed attempt still
	// burns it
	switch e.nonces.Take(cred.Nonce, source) {
	case TakeUnknown:
		return e.fail("nonce_unknown_or_reused", cred.Username, source)
	case TakeWrongSource:
		return e.fail("nonce_source_mismatch", cred.Username, source)
	case TakeExpired:
		return &Result{Challenge: e.Challenge(source, true)},
			errors.NewAuthChallenge(e.cfg.Realm, map[string]interface{}{"stale": true})
	}

	e.mu.RLock()
	u, known := e.users[cred.Username]
	e.mu.RUnlock()

	// Unknown and disabled collapse into one rejection
	if !known || !u.enabled {
		return e.fail("user_unknown_or_disabled", cred.Username, source)
	}
	if len(u.password) < e.cfg.MinPasswordLength {
		metrics.RecordAuthFailure("weak_credential")
		if e.logger != nil {
			e.logger.WithFields(logrus.Fields{
				"username": cred.Username,
				"source":   source,
			}).Warn("Rejecting user with weak configured credential")
		}
		return nil, errors.NewWeakCredential(cred.Username)
	}

	// Recompute the response using our canonical realm and the consumed
	// nonce, never values the client chose
	expected, err := digest.Digest(&digest.Challenge{
		Realm:     e.cfg.Realm,
		Nonce:     cred.Nonce,
		Algorithm: DigestAlgorithm,
		QOP:       []string{"auth"},
	}, digest.Options{
		Method:   method,
		URI:      cred.URI,
		Username: cred.Username,
		Password: u.password,
		Cnonce:   cred.Cnonce,
		Count:    int(cred.Nc),
	})
	if err != nil {
		return e.fail("digest_compute", cred.Username, source)
	}

	if subtle.ConstantTimeCompare([]byte(cred.Response), []byte(expected.Response)) != 1 {
		return e.fail("bad_response", cred.Username, source)
	}

	metrics.RecordNonceConsumed()
	if e.logger != nil {
		e.logger.WithFields(logrus.Fields{
			"username": cred.Username,
			"source":   source,
			"method":   method,
		}).Debug("Authentication succeeded")
	}

	return &Result{Identity: cred.Username}, nil
}

// OutstandingNonces returns the number of unanswered challenges
func (e *Engine) OutstandingNonces() int {
	return e.nonces.Outstanding()
}

// Stop terminates the nonce reaper
func (e *Engine) Stop() {
	e.nonces.Stop()
}

func (e *Engine) fail(reason, username, source string) (*Result, error) {
	metrics.RecordAuthFailure(reason)
	if e.logger != nil {
		e.logger.WithFields(logrus.Fields{
			"reason":   reason,
			"username": username,
			"source":   source,
		}).Warn("Authentication failed")
	}
	return &Result{Challenge: e.Challenge(source, false)},
		errors.NewAuthFailed(reason, map[string]interface{}{
			"username": username,
			"source":   source,
		})
}
