package connection

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"schoolmsg/internal/domain"

	"github.com/gorilla/websocket"
)

func TestWebSocketTransport_RoundTrip(t *testing.T) {
	upgrader := websocket.Upgrader{}
	gotAuth := make(chan string, 1)
	gotFrame := make(chan domain.Frame, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth <- r.Header.Get("Authorization")
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()

		var f domain.Frame
		if err := c.ReadJSON(&f); err != nil {
			return
		}
		gotFrame <- f

		c.WriteMessage(websocket.TextMessage, []byte("not json"))
		c.WriteJSON(domain.Frame{Event: domain.EventNewMessage, Data: json.RawMessage(`{"id":"m1"}`)})
		c.ReadMessage() // hold the socket until the client closes
	}))
	defer srv.Close()

	tr := NewWebSocketTransport(WSConfig{
		URL:    "ws" + strings.TrimPrefix(srv.URL, "http"),
		Logger: testLogger(),
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := tr.Dial(ctx, "secret")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if auth := <-gotAuth; auth != "Bearer secret" {
		t.Fatalf("expected bearer header, got %q", auth)
	}

	if err := conn.Send(ctx, frame(domain.EventJoinConversation, "k1")); err != nil {
		t.Fatalf("send: %v", err)
	}
	f := <-gotFrame
	if f.Event != domain.EventJoinConversation || !strings.Contains(string(f.Data), `"conversationId":"k1"`) {
		t.Fatalf("unexpected frame at server: %+v", f)
	}

	in, err := conn.Receive()
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if in.Event != domain.EventNewMessage || string(in.Data) != `{"id":"m1"}` {
		t.Fatalf("invalid frames should be skipped, got %+v", in)
	}
}

func TestWebSocketTransport_HandshakeRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	tr := NewWebSocketTransport(WSConfig{URL: "ws" + strings.TrimPrefix(srv.URL, "http"), Logger: testLogger()})
	_, err := tr.Dial(context.Background(), "bad")
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Fatalf("expected handshake error with status, got %v", err)
	}
}
