package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sipgate-server/pkg/gateway"
)

func hubTestServer(t *testing.T, hub *EventHub) string {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(server.Close)
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func dialHub(t *testing.T, url string) *websocket.Conn {
	t.Helper()

	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

// readEvents collects n events from the connection, splitting coalesced
// frames on the newline separator the write pump inserts.
func readEvents(t *testing.T, ws *websocket.Conn, n int) []gateway.SecurityEvent {
	t.Helper()

	var events []gateway.SecurityEvent
	for len(events) < n {
		ws.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := ws.ReadMessage()
		require.NoError(t, err)

		for _, line := range bytes.Split(data, []byte{'\n'}) {
			if len(line) == 0 {
				continue
			}
			var event gateway.SecurityEvent
			require.NoError(t, json.Unmarshal(line, &event))
			events = append(events, event)
		}
	}
	return events
}

func TestEventHubBroadcastsToClients(t *testing.T) {
	hub := startedHub(t)
	url := hubTestServer(t, hub)

	ws := dialHub(t, url)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	hub.PublishSecurityEvent(gateway.SecurityEvent{
		ID:         "evt-1",
		Time:       time.Now().UTC(),
		Source:     "203.0.113.5:5060",
		Method:     "INVITE",
		Outcome:    gateway.OutcomeRejected,
		Reason:     "auth_failed",
		StatusCode: 401,
	})

	events := readEvents(t, ws, 1)
	assert.Equal(t, "evt-1", events[0].ID)
	assert.Equal(t, gateway.OutcomeRejected, events[0].Outcome)
	assert.Equal(t, "auth_failed", events[0].Reason)
	assert.Equal(t, 401, events[0].StatusCode)
}

func TestEventHubOutcomeFilter(t *testing.T) {
	hub := startedHub(t)
	url := hubTestServer(t, hub)

	wsAll := dialHub(t, url)
	wsAdvisory := dialHub(t, url+"?outcome=advisory")
	require.Eventually(t, func() bool { return hub.ClientCount() == 2 }, time.Second, 10*time.Millisecond)

	hub.PublishSecurityEvent(gateway.SecurityEvent{ID: "evt-rejected", Outcome: gateway.OutcomeRejected, Reason: "malformed"})
	hub.PublishSecurityEvent(gateway.SecurityEvent{ID: "evt-advisory", Outcome: gateway.OutcomeAdvisory, Reason: "quality_degraded"})

	// The filtered client never sees the rejection
	advisoryEvents := readEvents(t, wsAdvisory, 1)
	assert.Equal(t, "evt-advisory", advisoryEvents[0].ID)

	// The unfiltered client sees both, in publish order
	allEvents := readEvents(t, wsAll, 2)
	assert.Equal(t, "evt-rejected", allEvents[0].ID)
	assert.Equal(t, "evt-advisory", allEvents[1].ID)
}

func TestEventHubDisconnectCleansUp(t *testing.T) {
	hub := startedHub(t)
	url := hubTestServer(t, hub)

	ws := dialHub(t, url)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	ws.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, time.Second, 10*time.Millisecond)
}

func TestEventHubPublishNeverBlocks(t *testing.T) {
	hub := NewEventHub(newTestLogger())

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < eventQueueSize*2; i++ {
			hub.PublishSecurityEvent(gateway.SecurityEvent{ID: "evt", Outcome: gateway.OutcomeRejected})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked the caller")
	}
}

func TestEventHubRejectsClientsWhenStopped(t *testing.T) {
	hub := NewEventHub(newTestLogger())
	url := hubTestServer(t, hub)

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestEventHubStopsOnContextCancel(t *testing.T) {
	hub := NewEventHub(newTestLogger())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	require.Eventually(t, hub.IsRunning, time.Second, 10*time.Millisecond)

	url := hubTestServer(t, hub)
	dialHub(t, url)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	cancel()
	require.Eventually(t, func() bool { return !hub.IsRunning() }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, hub.ClientCount())
}
