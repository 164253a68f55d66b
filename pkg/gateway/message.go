package gateway

import (
	"strings"
	"time"
)

// Method identifies a signaling operation. The set is closed; anything the
// parser cannot map stays MethodUnknown and is answered with 501.
type Method string

const (
	MethodUnknown  Method = ""
	MethodInvite   Method = "INVITE"
	MethodRegister Method = "REGISTER"
	MethodBye      Method = "BYE"
	MethodOptions  Method = "OPTIONS"
	MethodRefer    Method = "REFER"
	MethodAck      Method = "ACK"
	MethodCancel   Method = "CANCEL"
	MethodMessage  Method = "MESSAGE"
)

// ParseMethod maps a wire method token onto the closed method set
func ParseMethod(token string) (Method, bool) {
	switch Method(strings.ToUpper(strings.TrimSpace(token))) {
	case MethodInvite:
		return MethodInvite, true
	case MethodRegister:
		return MethodRegister, true
	case MethodBye:
		return MethodBye, true
	case MethodOptions:
		return MethodOptions, true
	case MethodRefer:
		return MethodRefer, true
	case MethodAck:
		return MethodAck, true
	case MethodCancel:
		return MethodCancel, true
	case MethodMessage:
		return MethodMessage, true
	default:
		return MethodUnknown, false
	}
}

// String returns the wire form of the method
func (m Method) String() string {
	if m == MethodUnknown {
		return "UNKNOWN"
	}
	return string(m)
}

// RequiresAuth reports whether the method changes state and therefore needs
// digest authentication when the gateway runs with authentication enabled.
func (m Method) RequiresAuth() bool {
	switch m {
	case MethodInvite, MethodRegister, MethodMessage, MethodRefer:
		return true
	default:
		return false
	}
}

// Message is the normalized form of one inbound signaling message. It is
// built once by the parser and never mutated afterwards; sanitization
// produces derived values instead of rewriting the original.
type Message struct {
	Method     Method
	RawMethod  string
	TargetURI  string
	Headers    map[string][]string
	Body       []byte
	Source     string
	ReceivedAt time.Time

	// Parsed fields for easier access
	CallID      string
	FromUser    string
	FromTag     string
	ToTag       string
	CSeq        string
	ContentType string

	// headerNames maps lower-cased names onto the case as first received
	headerNames map[string]string
}

// NewMessage builds a normalized message from pre-split wire parts. Header
// name case is preserved for the first occurrence; lookups are
// case-insensitive. Values for repeated headers accumulate in order.
func NewMessage(rawMethod, targetURI, source string, headers map[string][]string, body []byte, receivedAt time.Time) *Message {
	method, _ := ParseMethod(rawMethod)

	msg := &Message{
		Method:      method,
		RawMethod:   rawMethod,
		TargetURI:   targetURI,
		Headers:     make(map[string][]string, len(headers)),
		Body:        body,
		Source:      source,
		ReceivedAt:  receivedAt,
		headerNames: make(map[string]string, len(headers)),
	}

	for name, values := range headers {
		msg.setHeader(name, values)
	}

	msg.CallID = msg.GetHeaderValue("Call-ID")
	msg.CSeq = msg.GetHeaderValue("CSeq")
	msg.ContentType = msg.GetHeaderValue("Content-Type")
	msg.FromUser = extractUser(msg.GetHeaderValue("From"))
	msg.FromTag = extractTag(msg.GetHeaderValue("From"))
	msg.ToTag = extractTag(msg.GetHeaderValue("To"))

	return msg
}

func (m *Message) setHeader(name string, values []string) {
	lower := strings.ToLower(name)
	canonical, seen := m.headerNames[lower]
	if !seen {
		canonical = name
		m.headerNames[lower] = name
	}
	m.Headers[canonical] = append(m.Headers[canonical], values...)
}

// GetHeader returns all values for a header, matched case-insensitively
func (m *Message) GetHeader(name string) []string {
	canonical, ok := m.headerNames[strings.ToLower(name)]
	if !ok {
		return nil
	}
	return m.Headers[canonical]
}

// GetHeaderValue returns the first value for a header, or ""
func (m *Message) GetHeaderValue(name string) string {
	values := m.GetHeader(name)
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

// HasBody reports whether the message carries a payload
func (m *Message) HasBody() bool {
	return len(m.Body) > 0
}

// HasSDP reports whether the body is a session description
func (m *Message) HasSDP() bool {
	if !m.HasBody() {
		return false
	}
	ct := strings.ToLower(m.ContentType)
	if ct == "" {
		// Bare INVITE bodies default to SDP in practice
		return strings.HasPrefix(strings.TrimSpace(string(m.Body)), "v=")
	}
	return strings.Contains(ct, "application/sdp")
}

// Size returns the total size of the message: target URI, headers and body
func (m *Message) Size() int {
	size := len(m.RawMethod) + len(m.TargetURI) + len(m.Body)
	for name, values := range m.Headers {
		for _, v := range values {
			size += len(name) + len(v)
		}
	}
	return size
}

// extractUser pulls the user part out of a From/To style address
// ("Alice" <sip:alice@example.com>;tag=abc -> alice).
func extractUser(addr string) string {
	start := strings.Index(addr, "sip:")
	if start == -1 {
		start = strings.Index(addr, "sips:")
		if start == -1 {
			return ""
		}
		start += len("sips:")
	} else {
		start += len("sip:")
	}

	rest := addr[start:]
	if at := strings.Index(rest, "@"); at != -1 {
		return rest[:at]
	}
	return ""
}

// extractTag pulls the tag parameter out of a From/To style address
func extractTag(addr string) string {
	for _, part := range strings.Split(addr, ";") {
		part = strings.TrimSpace(part)
		if strings.HasPrefix(part, "tag=") {
			return strings.TrimPrefix(part, "tag=")
		}
	}
	return ""
}
