package websocket

import (
	"context"
	"sync"

	"kiosk/internal/synth"
	"kiosk/pkg/logger"
)

// ActionHandler forwards a renderer action into the orchestrator and returns
// the id of the message it produced.
type ActionHandler func(ctx context.Context, msg WSMessage) (string, error)

// Hub maintains the set of active clients and broadcasts messages.
type Hub struct {
	// Registered clients.
	clients map[*Client]bool

	// Topic to clients mapping for targeted broadcasts.
	topics map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *BroadcastMessage
	done       chan struct{}
	stopOnce   sync.Once

	mu sync.RWMutex

	// last ui_update frame per kiosk topic, replayed to new subscribers
	last map[string][]byte

	actionHandler ActionHandler
}

// NewHub creates a new Hub.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		topics:     make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *BroadcastMessage, 256),
		done:       make(chan struct{}),
		last:       make(map[string][]byte),
	}
}

// SetActionHandler sets the callback for renderer actions.
func (h *Hub) SetActionHandler(handler ActionHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.actionHandler = handler
}

// HandleAction processes an action from a client. Without a handler the
// action is dropped and no message id is returned.
func (h *Hub) HandleAction(ctx context.Context, msg WSMessage) (string, error) {
	h.mu.RLock()
	handler := h.actionHandler
	h.mu.RUnlock()

	if handler == nil {
		logger.Warn().Str("action", msg.Action).Msg("UI action received but no handler configured")
		return "", nil
	}
	return handler(ctx, msg)
}

// Run starts the hub's main loop. It returns after Stop.
func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			logger.Info().Str("client_id", client.id).Msg("WebSocket client connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.gone = true
				close(client.send)

				for topic := range client.topics {
					if clients, ok := h.topics[topic]; ok {
						delete(clients, client)
						if len(clients) == 0 {
							delete(h.topics, topic)
						}
					}
				}
			}
			h.mu.Unlock()
			logger.Info().Str("client_id", client.id).Msg("WebSocket client disconnected")

		case msg := <-h.broadcast:
			h.deliver(msg)
		}
	}
}

func (h *Hub) deliver(msg *BroadcastMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	targets := make(map[*Client]bool)
	if len(msg.Topics) == 0 {
		targets = h.clients
	} else {
		// a client subscribed to several topics gets one copy
		for _, topic := range msg.Topics {
			for client := range h.topics[topic] {
				targets[client] = true
			}
		}
	}
	for client := range targets {
		select {
		case client.send <- msg.Data:
		default:
			logger.Warn().Str("client_id", client.id).Msg("client buffer full, message dropped")
		}
	}
}

// Stop ends Run.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
	}
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Subscribe adds a client to a topic's subscriber list.
func (h *Hub) Subscribe(client *Client, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	client.topics[topic] = true
	if h.topics[topic] == nil {
		h.topics[topic] = make(map[*Client]bool)
	}
	h.topics[topic][client] = true

	// a renderer that reconnects draws the current screen right away
	if frame, ok := h.last[topic]; ok && !client.gone {
		select {
		case client.send <- frame:
		default:
		}
	}

	logger.Debug().Str("client_id", client.id).Str("topic", topic).Msg("Client subscribed")
}

// Unsubscribe removes a client from a topic's subscriber list.
func (h *Hub) Unsubscribe(client *Client, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(client.topics, topic)
	if clients, ok := h.topics[topic]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.topics, topic)
		}
	}

	logger.Debug().Str("client_id", client.id).Str("topic", topic).Msg("Client unsubscribed")
}

// Broadcast queues data for the subscribers of topics. It never blocks;
// a full queue drops the message.
func (h *Hub) Broadcast(data []byte, topics ...string) bool {
	select {
	case h.broadcast <- &BroadcastMessage{Topics: topics, Data: data}:
		return true
	default:
		logger.Warn().Strs("topics", topics).Msg("broadcast queue full, message dropped")
		return false
	}
}

// Push sends a UI descriptor to the renderers of the kiosk and of the
// descriptor's session.
func (h *Hub) Push(kioskID string, d *synth.Descriptor) {
	raw, err := json.Marshal(d)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to marshal descriptor")
		return
	}
	data, err := json.Marshal(WSMessage{
		Type:       TypeUIUpdate,
		Kiosk:      kioskID,
		Session:    d.SessionID,
		Descriptor: raw,
	})
	if err != nil {
		logger.Error().Err(err).Msg("Failed to marshal ui update")
		return
	}
	h.mu.Lock()
	h.last[KioskTopic(kioskID)] = data
	h.mu.Unlock()
	h.Broadcast(data, KioskTopic(kioskID), SessionTopic(d.SessionID))
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
