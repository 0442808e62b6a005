package monitoring

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func dialHub(t *testing.T, h *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	deadline := time.Now().Add(2 * time.Second)
	for h.Stats().ConnectedClients == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return conn
}

func TestHubBroadcastReachesClient(t *testing.T) {
	h := NewHub(nil)
	h.Start()
	t.Cleanup(h.Stop)

	conn := dialHub(t, h)

	err := h.PublishDetection(DetectionEventMessage{
		CatalogID:   "SYN-000001",
		Period:      3.2,
		Depth:       0.01,
		Score:       0.4,
		Confidence:  0.91,
		IsExoplanet: true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}

	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.Fatalf("bad frame: %v", err)
	}
	if msg.Type != DetectionEvent {
		t.Errorf("type = %s, want %s", msg.Type, DetectionEvent)
	}
	if msg.ID == "" || msg.Timestamp.IsZero() {
		t.Error("envelope missing id or timestamp")
	}

	var event DetectionEventMessage
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		t.Fatalf("bad payload: %v", err)
	}
	if event.CatalogID != "SYN-000001" || !event.IsExoplanet {
		t.Errorf("unexpected payload: %+v", event)
	}
}

func TestHubStopDisconnectsClients(t *testing.T) {
	h := NewHub(nil)
	h.Start()

	conn := dialHub(t, h)
	h.Stop()

	if got := h.Stats().ConnectedClients; got != 0 {
		t.Errorf("connected clients = %d after stop", got)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

func TestHubCountsDroppedMessages(t *testing.T) {
	h := NewHub(nil)
	// no consumer: the queue fills, then publishes drop

	for i := 0; i < sendBufferSize+10; i++ {
		if err := h.PublishHeartbeat(); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	stats := h.Stats()
	if stats.MessagesSent != sendBufferSize {
		t.Errorf("sent = %d, want %d", stats.MessagesSent, sendBufferSize)
	}
	if stats.MessagesDropped != 10 {
		t.Errorf("dropped = %d, want 10", stats.MessagesDropped)
	}
}

func TestClientWants(t *testing.T) {
	c := &client{subs: make(map[MessageType]bool)}

	if !c.wants(DetectionEvent) {
		t.Error("client with no subscriptions should receive everything")
	}
	c.subscribe(Heartbeat)
	if c.wants(DetectionEvent) {
		t.Error("unsubscribed kind delivered")
	}
	if !c.wants(Heartbeat) {
		t.Error("subscribed kind withheld")
	}
	c.unsubscribe(Heartbeat)
	if !c.wants(DetectionEvent) {
		t.Error("empty subscriptions again should receive everything")
	}
}
