package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/loanlens/internal/patterns"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

// ---------------------------------------------------------------------------
// shouldSend tests
// ---------------------------------------------------------------------------

func TestShouldSend_EmptySubscription(t *testing.T) {
	client := &Client{}
	if !shouldSend(client, &Event{Type: EventDetection, SessionID: "sess_a"}) {
		t.Error("empty subscription should receive everything")
	}
}

func TestShouldSend_SessionFilter(t *testing.T) {
	client := &Client{sub: Subscription{SessionIDs: []string{"sess_a"}}}

	if !shouldSend(client, &Event{Type: EventDetection, SessionID: "sess_a"}) {
		t.Error("should receive events for the subscribed session")
	}
	if shouldSend(client, &Event{Type: EventDetection, SessionID: "sess_b"}) {
		t.Error("should NOT receive events for another session")
	}
}

func TestShouldSend_EventTypeFilter(t *testing.T) {
	client := &Client{sub: Subscription{EventTypes: []EventType{EventPhaseChanged, EventSessionClosed}}}

	if !shouldSend(client, &Event{Type: EventPhaseChanged}) {
		t.Error("should receive phase_changed")
	}
	if shouldSend(client, &Event{Type: EventDetection}) {
		t.Error("should NOT receive detection")
	}
}

func TestShouldSend_MinSeverity(t *testing.T) {
	client := &Client{sub: Subscription{MinSeverity: patterns.SeverityHigh}}

	tests := []struct {
		sev  patterns.Severity
		want bool
	}{
		{patterns.SeverityLow, false},
		{patterns.SeverityMedium, false},
		{patterns.SeverityHigh, true},
		{patterns.SeverityExtreme, true},
		{"", true}, // events without severity pass through
	}
	for _, tt := range tests {
		got := shouldSend(client, &Event{Type: EventDetection, Severity: tt.sev})
		if got != tt.want {
			t.Errorf("severity %q: got %v, want %v", tt.sev, got, tt.want)
		}
	}
}

// ---------------------------------------------------------------------------
// Hub loop tests
// ---------------------------------------------------------------------------

func TestHub_Stats_Initial(t *testing.T) {
	stats := testHub().Stats()
	if stats["connectedClients"] != 0 {
		t.Errorf("expected 0 clients, got %v", stats["connectedClients"])
	}
	if stats["totalEvents"] != int64(0) {
		t.Errorf("expected 0 events, got %v", stats["totalEvents"])
	}
}

func TestHub_FilteredPublish(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 16),
		sub:  Subscription{SessionIDs: []string{"sess_a"}},
	}
	h.register <- client

	h.Publish(&Event{Type: EventDetection, SessionID: "sess_b"})
	h.Publish(&Event{Type: EventDetection, SessionID: "sess_a", Data: map[string]any{"patternId": "drip-fees"}})

	select {
	case msg := <-client.send:
		var ev Event
		if err := json.Unmarshal(msg, &ev); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if ev.SessionID != "sess_a" {
			t.Errorf("got session %q, want sess_a", ev.SessionID)
		}
		if ev.Timestamp.IsZero() {
			t.Error("Publish should stamp a timestamp")
		}
	case <-time.After(time.Second):
		t.Fatal("client should receive the sess_a event")
	}

	select {
	case msg := <-client.send:
		t.Errorf("unexpected second message: %s", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_SlowClientDropped(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	client := &Client{hub: h, send: make(chan []byte)} // unbuffered, never read
	h.register <- client

	h.Publish(&Event{Type: EventDetection, SessionID: "sess_a"})

	deadline := time.After(time.Second)
	for {
		if h.Stats()["connectedClients"] == 0 {
			return
		}
		select {
		case <-deadline:
			t.Fatal("slow client was not removed")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	client := &Client{hub: h, send: make(chan []byte, 1)}
	h.register <- client
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop after context cancellation")
	}
	if _, ok := <-client.send; ok {
		t.Error("client send channel should be closed on shutdown")
	}
}

// ---------------------------------------------------------------------------
// WebSocket round trip
// ---------------------------------------------------------------------------

func TestHandleWebSocket_PinnedSession(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.HandleWebSocket(w, r, "sess_a")
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close() }()

	// Wait for registration before publishing.
	deadline := time.Now().Add(time.Second)
	for h.Stats()["connectedClients"] != 1 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	h.Publish(&Event{Type: EventDetection, SessionID: "sess_b"})
	h.Publish(&Event{Type: EventPhaseChanged, SessionID: "sess_a", Data: map[string]any{"to": "ethical"}})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Type != EventPhaseChanged || ev.SessionID != "sess_a" {
		t.Errorf("got %s/%s, want phase_changed/sess_a", ev.Type, ev.SessionID)
	}
}

func TestHandleWebSocket_RejectsAfterShutdown(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	cancel()
	<-h.done

	rec := httptest.NewRecorder()
	h.HandleWebSocket(rec, httptest.NewRequest(http.MethodGet, "/ws", nil), "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("got %d, want 503", rec.Code)
	}
}
