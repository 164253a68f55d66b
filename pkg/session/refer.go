package session

import (
	"net"
	"regexp"
	"strings"

	"sipgate-server/pkg/errors"
	"sipgate-server/pkg/security"
)

// premiumRatePattern matches user parts that dial premium-rate or
// operator service numbers, the classic target of toll-fraud transfers
var premiumRatePattern = regexp.MustCompile(`^\+?(1900|1976|900|976)\d+$`)

// ScreenReferTarget decides whether a transfer target is acceptable.
// The heuristic is deliberately strict: only sip/sips targets to
// routable hosts pass, and the rejection reason never reaches the wire.
func ScreenReferTarget(target string) error {
	target = strings.TrimSpace(target)
	if target == "" {
		return errors.NewReferDenied("missing_target")
	}

	// Refer-To may wrap the URI in angle brackets, with an optional
	// display name in front
	if i := strings.IndexByte(target, '<'); i >= 0 {
		j := strings.IndexByte(target[i:], '>')
		if j < 0 {
			return errors.NewReferDenied("unbalanced_brackets")
		}
		target = target[i+1 : i+j]
	}

	if err := security.CheckValue(target); err != nil {
		return errors.NewReferDenied("hostile_content")
	}

	lower := strings.ToLower(target)
	var rest string
	switch {
	case strings.HasPrefix(lower, "sips:"):
		rest = target[len("sips:"):]
	case strings.HasPrefix(lower, "sip:"):
		rest = target[len("sip:"):]
	default:
		return errors.NewReferDenied("bad_scheme")
	}

	// Drop URI parameters and embedded headers before looking at the
	// user and host parts
	if i := strings.IndexAny(rest, ";?"); i >= 0 {
		rest = rest[:i]
	}

	if strings.Count(rest, "@") > 1 {
		return errors.NewReferDenied("uri_confusion")
	}

	user, host := "", rest
	if i := strings.LastIndexByte(rest, '@'); i >= 0 {
		user, host = rest[:i], rest[i+1:]
	}

	if user != "" && premiumRatePattern.MatchString(user) {
		return errors.NewReferDenied("premium_rate")
	}

	if host == "" {
		return errors.NewReferDenied("missing_host")
	}
	if deniedHost(host) {
		return errors.NewReferDenied("denied_host")
	}

	return nil
}

// deniedHost refuses transfer targets pointing back at this machine or
// at non-routable addresses
func deniedHost(hostport string) bool {
	host := hostport
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")

	if strings.EqualFold(host, "localhost") {
		return true
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsUnspecified() || ip.IsMulticast()
}
