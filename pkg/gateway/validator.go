package gateway

import (
	"strings"

	"sipgate-server/pkg/config"
	"sipgate-server/pkg/errors"
	"sipgate-server/pkg/metrics"
	"sipgate-server/pkg/security"
)

// Validator checks a parsed message against structural and content rules
// before the gateway acts on it. It holds no mutable state; a single
// instance serves all listeners.
type Validator struct {
	cfg *config.SecurityConfig
}

// NewValidator creates a message validator. A nil config falls back to
// the defaults.
func NewValidator(cfg *config.SecurityConfig) *Validator {
	if cfg == nil {
		cfg = &config.SecurityConfig{
			MessageValidationEnabled: true,
			MaxMessageSizeBytes:      security.DefaultMaxMessageSize,
		}
	}
	return &Validator{cfg: cfg}
}

// Validate rejects messages that are structurally incomplete, oversized,
// or carry hostile content in a header or the target URI. The size check
// runs unconditionally; content scanning can be switched off.
func (v *Validator) Validate(msg *Message) error {
	if msg == nil {
		return errors.NewMalformed("empty message")
	}

	limit := v.cfg.MaxMessageSizeBytes
	if limit <= 0 {
		limit = security.DefaultMaxMessageSize
	}
	if size := msg.Size(); size > limit {
		metrics.RecordRejection("payload_too_large")
		return errors.NewPayloadTooLarge(size, limit)
	}

	if msg.RawMethod == "" {
		metrics.RecordRejection("missing_method")
		return errors.NewMalformed("missing method")
	}
	if strings.TrimSpace(msg.TargetURI) == "" {
		metrics.RecordRejection("missing_target")
		return errors.NewMalformed("missing target")
	}

	if !v.cfg.MessageValidationEnabled {
		return nil
	}

	if err := security.CheckValue(msg.TargetURI); err != nil {
		metrics.RecordRejection("hostile_target")
		return errors.NewMalformed("target uri")
	}

	for name, values := range msg.Headers {
		for _, value := range values {
			if len(value) > security.MaxHeaderValueSize {
				metrics.RecordRejection("oversized_header")
				return errors.NewMalformed("header value too long", map[string]interface{}{
					"header": name,
				})
			}
			if err := security.CheckValue(value); err != nil {
				metrics.RecordRejection("hostile_header")
				return errors.NewMalformed("header value", map[string]interface{}{
					"header": name,
				})
			}
		}
	}

	if msg.HasSDP() && len(msg.Body) > security.MaxSDPSize {
		metrics.RecordRejection("oversized_sdp")
		return errors.NewPayloadTooLarge(len(msg.Body), security.MaxSDPSize)
	}

	return nil
}
