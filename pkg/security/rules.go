package security

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

// Size limits for various inputs to prevent resource exhaustion
const (
	// Default ceiling for a complete signaling message (method, target,
	// headers and body combined). Overridable through configuration.
	DefaultMaxMessageSize = 1024 * 1024

	// Ceiling for a single header value
	MaxHeaderValueSize = 8 * 1024

	// Ceiling for a session description body
	MaxSDPSize = 64 * 1024

	// Ceiling for a single ICE candidate line
	MaxCandidateSize = 512
)

// Deny rules are compiled once at load; request paths only execute them.
var (
	// Embedded markup and script markers
	markupPattern = regexp.MustCompile(`(?i)(<\s*script|<\s*/\s*script|<\s*iframe|<\s*object|<\s*embed|<\s*img\b|on(?:load|error|click|mouseover)\s*=)`)

	// Scheme based script execution markers
	schemePattern = regexp.MustCompile(`(?i)(javascript\s*:|vbscript\s*:|data\s*:\s*text/html)`)

	// Parent directory references, literal and percent encoded
	traversalPattern = regexp.MustCompile(`(?i)(\.\./|\.\.\\|%2e%2e%2f|%2e%2e/|\.\.%2f|%2e%2e%5c)`)
)

// ContainsActiveContent reports whether a value carries embedded markup or
// script execution markers.
func ContainsActiveContent(value string) bool {
	return markupPattern.MatchString(value) || schemePattern.MatchString(value)
}

// ContainsTraversal reports whether a value carries parent directory
// references in literal or percent encoded form.
func ContainsTraversal(value string) bool {
	return traversalPattern.MatchString(value)
}

// ContainsCRLF reports whether a value carries raw carriage return or line
// feed bytes. Header values that pass the parser must not smuggle line
// breaks into messages the gateway forwards.
func ContainsCRLF(value string) bool {
	return strings.ContainsAny(value, "\r\n")
}

// CheckValue runs every deny rule against a single value and reports the
// first class of violation. The offending value itself is never part of the
// returned reason.
func CheckValue(value string) error {
	if ContainsCRLF(value) {
		return fmt.Errorf("value contains forbidden control characters")
	}
	if ContainsActiveContent(value) {
		return fmt.Errorf("value contains active content markers")
	}
	if ContainsTraversal(value) {
		return fmt.Errorf("value contains path traversal sequences")
	}
	return nil
}

// SanitizeText strips active content and traversal sequences from free text
// while leaving the remaining characters untouched. Used for attribute
// values that are stored or forwarded rather than rejected outright.
func SanitizeText(value string) string {
	value = markupPattern.ReplaceAllString(value, "")
	value = schemePattern.ReplaceAllString(value, "")
	value = traversalPattern.ReplaceAllString(value, "")
	value = strings.ReplaceAll(value, "\r", "")
	value = strings.ReplaceAll(value, "\n", "")
	return value
}

// ValidateSize checks if data size is within allowed limits
func ValidateSize(data []byte, maxSize int, description string) error {
	if len(data) > maxSize {
		return fmt.Errorf("%s size %d exceeds maximum allowed %d", description, len(data), maxSize)
	}
	return nil
}

// SanitizeToken reduces an identifier to characters safe for log fields and
// event payloads. Keeps only letters, digits, dash, underscore, dot and @.
func SanitizeToken(token string) string {
	var sanitized strings.Builder
	for _, r := range token {
		if unicode.IsLetter(r) || unicode.IsDigit(r) ||
			r == '-' || r == '_' || r == '.' || r == '@' {
			sanitized.WriteRune(r)
		}
	}

	result := sanitized.String()

	if len(result) > 64 {
		result = result[:64]
	}

	if result == "" {
		result = "unknown"
	}

	return result
}
