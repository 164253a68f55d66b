package media

import (
	"encoding/base64"
	"encoding/hex"
	"strings"
	"time"

	"github.com/pion/dtls/v2/pkg/crypto/fingerprint"
	"github.com/pion/sdp/v3"
	"github.com/pion/srtp/v2"
	"github.com/sirupsen/logrus"

	"sipgate-server/pkg/config"
	"sipgate-server/pkg/errors"
	"sipgate-server/pkg/metrics"
	"sipgate-server/pkg/security"
)

// secureTransports lists the m= line proto tokens accepted as encrypted
// media transports. Anything else is plain RTP as far as policy goes.
var secureTransports = map[string]bool{
	"RTP/SAVP":            true,
	"RTP/SAVPF":           true,
	"UDP/TLS/RTP/SAVP":    true,
	"UDP/TLS/RTP/SAVPF":   true,
}

// dtlsTransports are the secure transports that authenticate the remote
// endpoint with a certificate, so an offer using them must carry a
// fingerprint when certificate validation is on.
var dtlsTransports = map[string]bool{
	"UDP/TLS/RTP/SAVP":  true,
	"UDP/TLS/RTP/SAVPF": true,
}

// droppedAttributes are diagnostic attributes that leak client software
// details and serve no negotiation purpose. They are removed during
// sanitization.
var droppedAttributes = map[string]bool{
	"tool": true,
	"note": true,
}

// Profile summarizes an accepted description. It is attached to the
// session so later re-offers can be compared against what was already
// negotiated.
type Profile struct {
	SecureTransport bool
	Transports      []string
	MediaTypes      []string
	FingerprintAlgo string
	ICEUfrag        string
	BandwidthBps    int

	// Direction is the most restrictive stream direction across active
	// media lines: sendonly or inactive on a re-offer signals hold.
	Direction string

	AcceptedAt time.Time
}

// OnHold reports whether the profile's direction means the offerer has
// stopped sending media.
func (p *Profile) OnHold() bool {
	return p.Direction == "sendonly" || p.Direction == "inactive"
}

// Result carries the outcome of a successful validation: the sanitized
// description to store or forward, plus its profile.
type Result struct {
	SDP            string
	Profile        *Profile
	Throttled      bool
	ThrottleReason string
}

// Validator enforces the media negotiation policy on offered and
// answered session descriptions.
type Validator struct {
	cfg    *config.MediaConfig
	logger *logrus.Logger
}

// NewValidator creates a media validator with the given policy
func NewValidator(cfg *config.MediaConfig, logger *logrus.Logger) *Validator {
	logger.WithFields(logrus.Fields{
		"require_encryption":    cfg.RequireEncryption,
		"validate_certificates": cfg.ValidateCertificates,
		"ice_candidate_cap":     cfg.ICECandidateCap,
		"bandwidth_limit_bps":   cfg.BandwidthLimitBps,
	}).Info("Media validator initialized")

	return &Validator{cfg: cfg, logger: logger}
}

// ValidateOffer checks a remote description against the security policy.
// prior is the profile of the description previously accepted on the same
// session, or nil for a new session. On success the returned result holds
// the sanitized description.
func (v *Validator) ValidateOffer(prior *Profile, rawSDP string, now time.Time) (*Result, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(rawSDP)); err != nil {
		metrics.RecordRejection("malformed_sdp")
		return nil, errors.NewMalformed("session description")
	}

	profile := &Profile{AcceptedAt: now}
	offerSecure := true
	hasDTLS := false
	activeLines := 0

	for _, md := range desc.MediaDescriptions {
		// Port zero marks a rejected stream; its transport is irrelevant
		if md.MediaName.Port.Value == 0 {
			continue
		}
		activeLines++

		proto := strings.Join(md.MediaName.Protos, "/")
		profile.Transports = append(profile.Transports, proto)
		profile.MediaTypes = append(profile.MediaTypes, md.MediaName.Media)

		if !secureTransports[proto] {
			offerSecure = false
		}
		if dtlsTransports[proto] {
			hasDTLS = true
		}
	}
	if activeLines == 0 {
		metrics.RecordRejection("no_media_lines")
		return nil, errors.NewMalformed("session description")
	}
	profile.SecureTransport = offerSecure

	// Once a session has negotiated encrypted media, dropping it is never
	// acceptable, whatever the global policy says
	if prior != nil && prior.SecureTransport && !offerSecure {
		v.reject("encryption_downgrade", logrus.Fields{
			"prior_transports":   prior.Transports,
			"offered_transports": profile.Transports,
		})
		return nil, errors.NewMediaSecurity("encryption downgrade not allowed")
	}

	if v.cfg.RequireEncryption && !offerSecure {
		v.reject("insecure_transport", logrus.Fields{
			"offered_transports": profile.Transports,
		})
		return nil, errors.NewMediaSecurity("secure transport required")
	}

	if v.cfg.ValidateCertificates && hasDTLS {
		algo, err := v.checkFingerprint(&desc)
		if err != nil {
			return nil, err
		}
		profile.FingerprintAlgo = algo
	}

	if err := v.checkSDESKeys(&desc); err != nil {
		return nil, err
	}

	if ufrag, ok := findAttribute(&desc, "ice-ufrag"); ok {
		profile.ICEUfrag = ufrag
	}
	profile.Direction = offerDirection(&desc)

	v.sanitize(&desc)

	throttled, effectiveBps := v.clampBandwidth(&desc)
	profile.BandwidthBps = effectiveBps

	out, err := desc.Marshal()
	if err != nil {
		metrics.RecordRejection("sdp_remarshal")
		return nil, errors.NewMalformed("session description")
	}

	res := &Result{SDP: string(out), Profile: profile, Throttled: throttled}
	if throttled {
		res.ThrottleReason = "requested bandwidth above limit"
	}
	return res, nil
}

// checkFingerprint requires a certificate fingerprint attribute and
// verifies its algorithm label and digest shape.
func (v *Validator) checkFingerprint(desc *sdp.SessionDescription) (string, error) {
	value, ok := findAttribute(desc, "fingerprint")
	if !ok {
		v.reject("fingerprint_missing", nil)
		return "", errors.NewMediaSecurity("invalid fingerprint")
	}

	parts := strings.Fields(value)
	if len(parts) != 2 {
		v.reject("fingerprint_malformed", nil)
		return "", errors.NewMediaSecurity("invalid fingerprint")
	}
	algo := strings.ToLower(parts[0])

	hash, err := fingerprint.HashFromString(algo)
	if err != nil {
		v.reject("fingerprint_algorithm", logrus.Fields{"algorithm": algo})
		return "", errors.NewMediaSecurity("invalid fingerprint")
	}

	// The digest is colon separated hex pairs, one per byte of the hash
	pairs := strings.Split(parts[1], ":")
	if len(pairs) != hash.Size() {
		v.reject("fingerprint_length", logrus.Fields{"algorithm": algo})
		return "", errors.NewMediaSecurity("invalid fingerprint")
	}
	for _, pair := range pairs {
		if len(pair) != 2 {
			v.reject("fingerprint_format", nil)
			return "", errors.NewMediaSecurity("invalid fingerprint")
		}
		if _, err := hex.DecodeString(pair); err != nil {
			v.reject("fingerprint_format", nil)
			return "", errors.NewMediaSecurity("invalid fingerprint")
		}
	}

	return algo, nil
}

// checkSDESKeys validates every a=crypto attribute: the suite must be a
// known SRTP protection profile and the inline key material must decode
// to exactly the profile's key plus salt length.
func (v *Validator) checkSDESKeys(desc *sdp.SessionDescription) error {
	for _, md := range desc.MediaDescriptions {
		if md.MediaName.Port.Value == 0 {
			continue
		}
		for _, attr := range md.Attributes {
			if attr.Key != "crypto" {
				continue
			}
			if err := v.checkCryptoLine(attr.Value); err != nil {
				return err
			}
		}
	}
	return nil
}

func (v *Validator) checkCryptoLine(value string) error {
	fields := strings.Fields(value)
	if len(fields) < 3 {
		v.reject("crypto_malformed", nil)
		return errors.NewMediaSecurity("invalid key material")
	}

	profile, ok := protectionProfile(fields[1])
	if !ok {
		v.reject("crypto_suite", logrus.Fields{"suite": fields[1]})
		return errors.NewMediaSecurity("invalid key material")
	}

	var inline string
	for _, field := range fields[2:] {
		if strings.HasPrefix(field, "inline:") {
			inline = strings.TrimPrefix(field, "inline:")
			break
		}
	}
	if inline == "" {
		v.reject("crypto_no_inline", nil)
		return errors.NewMediaSecurity("invalid key material")
	}

	// Lifetime and MKI parameters follow the key after "|"
	keyPart := strings.SplitN(inline, "|", 2)[0]
	raw, err := base64.StdEncoding.DecodeString(keyPart)
	if err != nil {
		v.reject("crypto_encoding", nil)
		return errors.NewMediaSecurity("invalid key material")
	}

	keyLen, err := profile.KeyLen()
	if err != nil {
		v.reject("crypto_suite", nil)
		return errors.NewMediaSecurity("invalid key material")
	}
	saltLen, err := profile.SaltLen()
	if err != nil {
		v.reject("crypto_suite", nil)
		return errors.NewMediaSecurity("invalid key material")
	}
	if len(raw) != keyLen+saltLen {
		v.reject("crypto_key_length", logrus.Fields{
			"suite":    fields[1],
			"expected": keyLen + saltLen,
			"got":      len(raw),
		})
		return errors.NewMediaSecurity("invalid key material")
	}

	return nil
}

// protectionProfile maps an SDES suite name to its SRTP protection
// profile. Unknown suites are refused rather than defaulted.
func protectionProfile(suite string) (srtp.ProtectionProfile, bool) {
	switch strings.ToUpper(strings.TrimSpace(suite)) {
	case "AES_CM_128_HMAC_SHA1_80":
		return srtp.ProtectionProfileAes128CmHmacSha1_80, true
	case "AES_CM_128_HMAC_SHA1_32":
		return srtp.ProtectionProfileAes128CmHmacSha1_32, true
	case "AEAD_AES_128_GCM":
		return srtp.ProtectionProfileAeadAes128Gcm, true
	case "AEAD_AES_256_GCM":
		return srtp.ProtectionProfileAeadAes256Gcm, true
	default:
		return 0, false
	}
}

// sanitize removes diagnostic attributes and any attribute whose value
// carries active content or traversal sequences, and scrubs the free
// text session fields. Structured attribute values are dropped rather
// than rewritten so partial edits cannot change their meaning.
func (v *Validator) sanitize(desc *sdp.SessionDescription) {
	desc.SessionName = sdp.SessionName(security.SanitizeText(string(desc.SessionName)))
	if desc.SessionInformation != nil {
		cleaned := sdp.Information(security.SanitizeText(string(*desc.SessionInformation)))
		desc.SessionInformation = &cleaned
	}

	desc.Attributes = v.sanitizeAttributes(desc.Attributes)
	for _, md := range desc.MediaDescriptions {
		md.Attributes = v.sanitizeAttributes(md.Attributes)
	}
}

func (v *Validator) sanitizeAttributes(attrs []sdp.Attribute) []sdp.Attribute {
	kept := attrs[:0]
	for _, attr := range attrs {
		if droppedAttributes[attr.Key] {
			continue
		}
		if security.CheckValue(attr.Value) != nil {
			v.logger.WithField("attribute", attr.Key).Warn("Dropped hostile media attribute")
			metrics.RecordRejection("hostile_sdp_attribute")
			continue
		}
		kept = append(kept, attr)
	}
	return kept
}

// clampBandwidth caps requested b= lines at the configured limit.
// AS values are kilobits per second, TIAS values are bits per second.
func (v *Validator) clampBandwidth(desc *sdp.SessionDescription) (bool, int) {
	limit := v.cfg.BandwidthLimitBps
	if limit <= 0 {
		return false, 0
	}

	throttled := false
	effective := 0

	clamp := func(bws []sdp.Bandwidth) []sdp.Bandwidth {
		for i, bw := range bws {
			var requested int
			switch bw.Type {
			case "AS":
				requested = int(bw.Bandwidth) * 1000
			case "TIAS":
				requested = int(bw.Bandwidth)
			default:
				continue
			}
			if requested > limit {
				throttled = true
				if bw.Type == "AS" {
					bws[i].Bandwidth = uint64(limit / 1000)
				} else {
					bws[i].Bandwidth = uint64(limit)
				}
				requested = limit
			}
			if requested > effective {
				effective = requested
			}
		}
		return bws
	}

	desc.Bandwidth = clamp(desc.Bandwidth)
	for _, md := range desc.MediaDescriptions {
		md.Bandwidth = clamp(md.Bandwidth)
	}

	if throttled {
		metrics.RecordBandwidthThrottle()
		v.logger.WithFields(logrus.Fields{
			"limit_bps": limit,
		}).Warn("Requested bandwidth clamped to limit")
	}
	return throttled, effective
}

// directionRank orders stream directions from most to least restrictive
var directionRank = map[string]int{
	"inactive": 0,
	"sendonly": 1,
	"recvonly": 2,
	"sendrecv": 3,
}

// offerDirection returns the most restrictive direction attribute across
// active media lines. A line without its own direction inherits the
// session level one; absent both, sendrecv is assumed.
func offerDirection(desc *sdp.SessionDescription) string {
	sessionDir := "sendrecv"
	for _, attr := range desc.Attributes {
		if _, ok := directionRank[attr.Key]; ok {
			sessionDir = attr.Key
			break
		}
	}

	result := "sendrecv"
	resultRank := directionRank[result]
	for _, md := range desc.MediaDescriptions {
		if md.MediaName.Port.Value == 0 {
			continue
		}
		dir := sessionDir
		for _, attr := range md.Attributes {
			if _, ok := directionRank[attr.Key]; ok {
				dir = attr.Key
				break
			}
		}
		if directionRank[dir] < resultRank {
			result = dir
			resultRank = directionRank[dir]
		}
	}
	return result
}

// findAttribute looks up an attribute at session level first, then on
// each media description.
func findAttribute(desc *sdp.SessionDescription, key string) (string, bool) {
	if value, ok := desc.Attribute(key); ok {
		return value, true
	}
	for _, md := range desc.MediaDescriptions {
		for _, attr := range md.Attributes {
			if attr.Key == key {
				return attr.Value, true
			}
		}
	}
	return "", false
}

func (v *Validator) reject(reason string, fields logrus.Fields) {
	metrics.RecordRejection(reason)
	entry := v.logger.WithField("reason", reason)
	if fields != nil {
		entry = entry.WithFields(fields)
	}
	entry.Warn("Media description rejected")
}
