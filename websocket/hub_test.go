package websocket

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"hydrotrack/models"
)

func startHub(t *testing.T, origins []string) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(origins, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server, header http.Header) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) models.WebSocketMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg models.WebSocketMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read message: %v", err)
	}
	return msg
}

func TestHubWelcomesAndDelivers(t *testing.T) {
	hub, srv := startHub(t, nil)
	conn := dial(t, srv, nil)

	if msg := readMessage(t, conn); msg.Type != TypeConnection {
		t.Fatalf("expected connection message, got %q", msg.Type)
	}
	if hub.GetClientCount() != 1 {
		t.Fatalf("expected 1 client, got %d", hub.GetClientCount())
	}

	err := hub.Deliver(models.BusMessage{
		Kind: models.DomainProcessedReading,
		Data: map[string]interface{}{"element_id": "RCON", "value": 320.5},
	})
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}

	msg := readMessage(t, conn)
	if msg.Type != models.DomainProcessedReading {
		t.Fatalf("expected processed_reading, got %q", msg.Type)
	}
	data, ok := msg.Data.(map[string]interface{})
	if !ok || data["element_id"] != "RCON" {
		t.Fatalf("unexpected payload %#v", msg.Data)
	}
	if msg.Timestamp.IsZero() {
		t.Fatal("expected a timestamp on delivered message")
	}
}

func TestHubHonoursSubscriptions(t *testing.T) {
	hub, srv := startHub(t, nil)
	conn := dial(t, srv, nil)
	readMessage(t, conn)

	subscribe, _ := json.Marshal(map[string]interface{}{
		"type": "subscribe",
		"data": map[string]interface{}{"topics": []string{models.DomainEvent}},
	})
	if err := conn.WriteMessage(websocket.TextMessage, subscribe); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}
	// the pong is queued after the subscription is applied
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	if msg := readMessage(t, conn); msg.Type != TypePong {
		t.Fatalf("expected pong, got %q", msg.Type)
	}

	if err := hub.Deliver(models.BusMessage{Kind: models.DomainProcessedReading, Data: "skipped"}); err != nil {
		t.Fatalf("deliver reading: %v", err)
	}
	if err := hub.Deliver(models.BusMessage{Kind: models.DomainEvent, Data: "leak"}); err != nil {
		t.Fatalf("deliver event: %v", err)
	}

	msg := readMessage(t, conn)
	if msg.Type != models.DomainEvent || msg.Data != "leak" {
		t.Fatalf("expected only the event message, got %+v", msg)
	}
}

func TestHubBroadcastStats(t *testing.T) {
	hub, srv := startHub(t, nil)
	conn := dial(t, srv, nil)
	readMessage(t, conn)

	hub.BroadcastStats(map[string]int{"connected_clients": 1})
	if msg := readMessage(t, conn); msg.Type != TypeStats {
		t.Fatalf("expected stats message, got %q", msg.Type)
	}
}

func TestHubRejectsUnknownOrigin(t *testing.T) {
	_, srv := startHub(t, []string{"http://dashboard.local"})
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	header := http.Header{"Origin": []string{"http://elsewhere.local"}}
	if _, _, err := websocket.DefaultDialer.Dial(url, header); err == nil {
		t.Fatal("expected handshake to fail for a foreign origin")
	}

	dial(t, srv, http.Header{"Origin": []string{"http://dashboard.local"}})
}

func TestPingAfterClientDroppedDoesNotPanic(t *testing.T) {
	hub := NewHub(nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	client := &Client{hub: hub, send: make(chan []byte, 1), id: "slow", subscribed: make(map[string]bool)}
	hub.clients[client] = true

	hub.drop(client)
	if hub.GetClientCount() != 0 {
		t.Fatalf("expected dropped client to be removed, got %d", hub.GetClientCount())
	}

	client.handleMessage([]byte(`{"type":"ping"}`))
	if client.trySend([]byte("late")) {
		t.Fatal("send on a dropped client should be refused")
	}
}

func TestPingAfterHubShutdownDoesNotPanic(t *testing.T) {
	hub := NewHub(nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	client := &Client{hub: hub, send: make(chan []byte, 1), id: "late", subscribed: make(map[string]bool)}
	hub.clients[client] = true

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	hub.Run(ctx)

	client.handleMessage([]byte(`{"type":"ping"}`))
	hub.drop(client)
	client.closeSend()
}
