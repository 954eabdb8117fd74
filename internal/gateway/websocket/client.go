package websocket

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"kiosk/pkg/logger"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = 30 * time.Second

	// Renderer frames are small JSON actions.
	maxMessageSize = 64 * 1024

	// Time allowed to hand an action to the bus.
	actionTimeout = 5 * time.Second

	sendBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // renderers run on the kiosk itself
	},
}

// Client is one renderer connection. A client opened with ?kiosk= is bound
// to that kiosk: its actions default to it and it receives the kiosk's screens.
type Client struct {
	hub         *Hub
	conn        *websocket.Conn
	send        chan []byte
	topics      map[string]bool
	id          string
	kiosk       string
	connectedAt time.Time
	log         zerolog.Logger

	// set by the hub once send is closed
	gone bool
}

// NewClient creates a client bound to kiosk, which may be empty.
func NewClient(hub *Hub, conn *websocket.Conn, kiosk string) *Client {
	id := uuid.NewString()
	return &Client{
		hub:         hub,
		conn:        conn,
		send:        make(chan []byte, sendBuffer),
		topics:      make(map[string]bool),
		id:          id,
		kiosk:       kiosk,
		connectedAt: time.Now(),
		log:         logger.Component("ws").With().Str("client_id", id).Str("kiosk_id", kiosk).Logger(),
	}
}

// readPump reads renderer frames until the connection drops.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn().Err(err).Msg("renderer connection lost")
			}
			return
		}
		c.handleMessage(message)
	}
}

func (c *Client) handleMessage(message []byte) {
	var msg WSMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		c.log.Warn().Err(err).Msg("unparseable renderer frame")
		c.sendError("INVALID_MESSAGE", "failed to parse message")
		return
	}
	if msg.Kiosk == "" {
		msg.Kiosk = c.kiosk
	}

	switch msg.Type {
	case TypeSubscribe, TypeUnsubscribe:
		for _, topic := range msg.topics() {
			if msg.Type == TypeSubscribe {
				c.hub.Subscribe(c, topic)
			} else {
				c.hub.Unsubscribe(c, topic)
			}
		}

	case TypePing:
		c.sendMessage(WSMessage{Type: TypePong})

	case TypeUIAction:
		c.handleAction(msg)

	default:
		c.log.Debug().Str("type", msg.Type).Msg("ignoring unknown frame type")
	}
}

func (c *Client) handleAction(msg WSMessage) {
	if msg.Action == "" {
		c.sendError("INVALID_REQUEST", "ui_action requires action")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
	defer cancel()

	id, err := c.hub.HandleAction(ctx, msg)
	if err != nil {
		c.log.Error().Err(err).Str("action", msg.Action).Msg("renderer action rejected")
		c.sendError("ACTION_ERROR", err.Error())
		return
	}
	c.log.Debug().Str("action", msg.Action).Int("item_id", msg.ItemID).Str("message_id", id).Msg("renderer action published")
	c.sendMessage(WSMessage{Type: TypeActionAck, Kiosk: msg.Kiosk, Session: msg.Session, Action: msg.Action, MessageID: id})
}

// writePump drains send into the connection and keeps it alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.log.Warn().Err(err).Msg("renderer write failed")
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) sendError(code, message string) {
	c.sendMessage(WSMessage{Type: TypeError, Code: code, Message: message})
}

// sendMessage queues a reply; a full buffer drops it.
func (c *Client) sendMessage(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// ServeWs upgrades a renderer connection. The kiosk query parameter binds the
// client to that kiosk and subscribes it to the kiosk's screens.
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log := logger.Component("ws")
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	kiosk := r.URL.Query().Get("kiosk")
	client := NewClient(hub, conn, kiosk)
	hub.Register(client)
	if kiosk != "" {
		hub.Subscribe(client, KioskTopic(kiosk))
	}

	go client.writePump()
	go client.readPump()
}
