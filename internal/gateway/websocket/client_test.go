package websocket

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestNewClient(t *testing.T) {
	hub := NewHub()
	client := NewClient(hub, nil, "k1")

	if client.kiosk != "k1" {
		t.Errorf("client.kiosk = %q, want k1", client.kiosk)
	}
	if client.hub != hub {
		t.Error("client.hub != hub")
	}
	if client.topics == nil {
		t.Error("client.topics is nil")
	}
	if client.send == nil {
		t.Error("client.send is nil")
	}
	if client.id == "" {
		t.Error("client.id is empty")
	}
	if client.connectedAt.IsZero() {
		t.Error("client.connectedAt is zero")
	}
}

func TestClientHandleMessage(t *testing.T) {
	hub := NewHub()
	go hub.Run()
	defer hub.Stop()

	client := newTestClient(hub, "test-client")
	hub.Register(client)

	actions := make(chan WSMessage, 1)
	hub.SetActionHandler(func(_ context.Context, msg WSMessage) (string, error) {
		if msg.Action == "explode" {
			return "", errors.New("bus down")
		}
		actions <- msg
		return "msg-" + msg.Action, nil
	})

	send := func(msg WSMessage) {
		data, _ := json.Marshal(msg)
		client.handleMessage(data)
	}

	t.Run("subscribe message", func(t *testing.T) {
		send(WSMessage{Type: TypeSubscribe, Kiosk: "k1", Session: "s1"})
		if !client.topics[KioskTopic("k1")] || !client.topics[SessionTopic("s1")] {
			t.Errorf("topics = %v", client.topics)
		}
	})

	t.Run("ping message", func(t *testing.T) {
		send(WSMessage{Type: TypePing})
		if msg := receive(t, client); msg.Type != TypePong {
			t.Errorf("response type = %s, want %s", msg.Type, TypePong)
		}
	})

	t.Run("ui action", func(t *testing.T) {
		send(WSMessage{Type: TypeUIAction, Kiosk: "k1", Action: "add_to_cart", ItemID: 101, Quantity: 2})
		select {
		case msg := <-actions:
			if msg.ItemID != 101 || msg.Quantity != 2 {
				t.Errorf("action = %+v", msg)
			}
		case <-time.After(time.Second):
			t.Fatal("action not forwarded")
		}
		ack := receive(t, client)
		if ack.Type != TypeActionAck || ack.MessageID != "msg-add_to_cart" {
			t.Errorf("ack = %+v", ack)
		}
	})

	t.Run("bound kiosk fills action", func(t *testing.T) {
		client.kiosk = "k9"
		defer func() { client.kiosk = "" }()
		send(WSMessage{Type: TypeUIAction, Action: "checkout"})
		select {
		case msg := <-actions:
			if msg.Kiosk != "k9" {
				t.Errorf("kiosk = %q, want k9", msg.Kiosk)
			}
		case <-time.After(time.Second):
			t.Fatal("action not forwarded")
		}
		if ack := receive(t, client); ack.Kiosk != "k9" {
			t.Errorf("ack = %+v", ack)
		}
	})

	t.Run("ui action without action", func(t *testing.T) {
		send(WSMessage{Type: TypeUIAction})
		if msg := receive(t, client); msg.Type != TypeError || msg.Code != "INVALID_REQUEST" {
			t.Errorf("got %+v", msg)
		}
	})

	t.Run("ui action failure", func(t *testing.T) {
		send(WSMessage{Type: TypeUIAction, Action: "explode"})
		if msg := receive(t, client); msg.Code != "ACTION_ERROR" {
			t.Errorf("got %+v", msg)
		}
	})

	t.Run("unsubscribe message", func(t *testing.T) {
		send(WSMessage{Type: TypeUnsubscribe, Kiosk: "k1", Session: "s1"})
		if len(client.topics) != 0 {
			t.Errorf("topics = %v", client.topics)
		}
	})

	t.Run("invalid message", func(t *testing.T) {
		client.handleMessage([]byte("invalid json"))
		if msg := receive(t, client); msg.Type != TypeError {
			t.Errorf("response type = %s, want %s", msg.Type, TypeError)
		}
	})
}

func TestServeWs(t *testing.T) {
	hub := NewHub()
	go hub.Run()
	defer hub.Stop()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, w, r)
	}))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "?kiosk=k1"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer ws.Close()

	time.Sleep(50 * time.Millisecond)
	if hub.ClientCount() != 1 {
		t.Errorf("ClientCount = %d, want 1", hub.ClientCount())
	}

	if err := ws.WriteJSON(WSMessage{Type: TypePing}); err != nil {
		t.Fatalf("failed to send ping: %v", err)
	}
	var pong WSMessage
	if err := ws.ReadJSON(&pong); err != nil {
		t.Fatalf("failed to read pong: %v", err)
	}
	if pong.Type != TypePong {
		t.Errorf("response type = %s, want %s", pong.Type, TypePong)
	}

	hub.Broadcast([]byte(`{"type":"ui_update","kiosk":"k1"}`), KioskTopic("k1"))
	var upd WSMessage
	if err := ws.ReadJSON(&upd); err != nil {
		t.Fatalf("failed to read update: %v", err)
	}
	if upd.Type != TypeUIUpdate {
		t.Errorf("type = %s, want %s", upd.Type, TypeUIUpdate)
	}
}
