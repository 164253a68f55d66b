package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMethod(t *testing.T) {
	cases := []struct {
		token  string
		method Method
		known  bool
	}{
		{"INVITE", MethodInvite, true},
		{"invite", MethodInvite, true},
		{" Register ", MethodRegister, true},
		{"BYE", MethodBye, true},
		{"OPTIONS", MethodOptions, true},
		{"REFER", MethodRefer, true},
		{"ACK", MethodAck, true},
		{"CANCEL", MethodCancel, true},
		{"MESSAGE", MethodMessage, true},
		{"NOTIFY", MethodUnknown, false},
		{"", MethodUnknown, false},
	}

	for _, tc := range cases {
		method, known := ParseMethod(tc.token)
		assert.Equal(t, tc.method, method, "token %q", tc.token)
		assert.Equal(t, tc.known, known, "token %q", tc.token)
	}
}

func TestMethod_RequiresAuth(t *testing.T) {
	assert.True(t, MethodInvite.RequiresAuth())
	assert.True(t, MethodRegister.RequiresAuth())
	assert.True(t, MethodMessage.RequiresAuth())
	assert.True(t, MethodRefer.RequiresAuth())

	assert.False(t, MethodAck.RequiresAuth())
	assert.False(t, MethodBye.RequiresAuth())
	assert.False(t, MethodCancel.RequiresAuth())
	assert.False(t, MethodOptions.RequiresAuth())
	assert.False(t, MethodUnknown.RequiresAuth())
}

func TestNewMessage_ParsedFields(t *testing.T) {
	msg := NewMessage("INVITE", "sip:bob@gateway.example.com", "203.0.113.1:5060", map[string][]string{
		"Call-ID":      {"a84b4c76e66710"},
		"From":         {"\"Alice\" <sip:alice@example.com>;tag=1928301774"},
		"To":           {"<sip:bob@example.com>;tag=8321234356"},
		"CSeq":         {"314159 INVITE"},
		"Content-Type": {"application/sdp"},
	}, []byte("v=0\r\n"), time.Now())

	assert.Equal(t, MethodInvite, msg.Method)
	assert.Equal(t, "a84b4c76e66710", msg.CallID)
	assert.Equal(t, "alice", msg.FromUser)
	assert.Equal(t, "1928301774", msg.FromTag)
	assert.Equal(t, "8321234356", msg.ToTag)
	assert.Equal(t, "314159 INVITE", msg.CSeq)
	assert.True(t, msg.HasBody())
	assert.True(t, msg.HasSDP())
}

func TestMessage_HeaderLookupCaseInsensitive(t *testing.T) {
	msg := NewMessage("OPTIONS", "sip:gw", "203.0.113.1:5060", map[string][]string{
		"Call-ID": {"abc"},
	}, nil, time.Now())

	assert.Equal(t, "abc", msg.GetHeaderValue("call-id"))
	assert.Equal(t, "abc", msg.GetHeaderValue("CALL-ID"))
	assert.Equal(t, "", msg.GetHeaderValue("Missing"))
	assert.Nil(t, msg.GetHeader("Missing"))
}

func TestMessage_RepeatedHeadersAccumulate(t *testing.T) {
	msg := NewMessage("INVITE", "sip:gw", "203.0.113.1:5060", map[string][]string{
		"Via": {"SIP/2.0/UDP a.example.com", "SIP/2.0/UDP b.example.com"},
	}, nil, time.Now())

	values := msg.GetHeader("via")
	require.Len(t, values, 2)
	assert.Equal(t, "SIP/2.0/UDP a.example.com", values[0])
}

func TestMessage_HasSDPWithoutContentType(t *testing.T) {
	msg := NewMessage("INVITE", "sip:gw", "203.0.113.1:5060", nil, []byte("v=0\r\no=- 1 1 IN IP4 10.0.0.1\r\n"), time.Now())
	assert.True(t, msg.HasSDP())

	msg = NewMessage("MESSAGE", "sip:gw", "203.0.113.1:5060", nil, []byte("hello"), time.Now())
	assert.False(t, msg.HasSDP())
}

func TestMessage_Size(t *testing.T) {
	msg := NewMessage("BYE", "sip:gw", "203.0.113.1:5060", map[string][]string{
		"Call-ID": {"abc"},
	}, []byte("xx"), time.Now())

	// method + target + header name and value + body
	assert.Equal(t, len("BYE")+len("sip:gw")+len("Call-ID")+len("abc")+len("xx"), msg.Size())
}
