package http

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"transitscope/monitoring"
	"transitscope/transit"
	"transitscope/vetting"
)

func TestNewServerDefaults(t *testing.T) {
	s := NewServer(ServerConfig{}, Deps{})
	if s.Addr() != ":8080" {
		t.Errorf("unexpected addr: %s", s.Addr())
	}
	if s.config.Timeout != 30*time.Second {
		t.Errorf("unexpected timeout: %v", s.config.Timeout)
	}
	if s.deps.Tunables.Search().NumPeriods == 0 {
		t.Error("search config not defaulted")
	}
	if s.deps.Tunables.Vetting().MinScore == 0 {
		t.Error("vetting config not defaulted")
	}
}

func TestTunablesUpdate(t *testing.T) {
	tun := NewTunables(transit.SearchConfig{}, vetting.Config{})
	if tun.Search().NumPeriods != transit.DefaultNumPeriods {
		t.Fatalf("expected default grid, got %d", tun.Search().NumPeriods)
	}

	search := tun.Search()
	search.NumPeriods = 250
	vet := tun.Vetting()
	vet.MinScore = 0.5
	tun.Update(search, vet)

	if tun.Search().NumPeriods != 250 {
		t.Errorf("search update lost: %d", tun.Search().NumPeriods)
	}
	if tun.Vetting().MinScore != 0.5 {
		t.Errorf("vetting update lost: %v", tun.Vetting().MinScore)
	}

	tun.Update(transit.SearchConfig{}, vetting.Config{})
	if tun.Search().NumPeriods != 250 {
		t.Error("zero search config should not clobber the current knobs")
	}
}

func TestMonitorSocketThroughChain(t *testing.T) {
	f := newFixture()
	f.hub.Start()
	defer f.hub.Stop()

	srv := httptest.NewServer(f.server.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws/monitor"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for f.hub.Stats().ConnectedClients == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := f.hub.PublishSystemStatus(monitoring.SystemStatusMessage{
		Component: "archive",
		Status:    "healthy",
	}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	var msg monitoring.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.Fatalf("invalid frame: %v", err)
	}
	if msg.Type != monitoring.SystemStatus {
		t.Errorf("unexpected message type: %s", msg.Type)
	}

	var payload monitoring.SystemStatusMessage
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		t.Fatalf("invalid payload: %v", err)
	}
	if payload.Component != "archive" {
		t.Errorf("unexpected component: %s", payload.Component)
	}
}
