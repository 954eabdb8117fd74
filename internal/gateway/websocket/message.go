// Package websocket pushes UI descriptors to kiosk renderers and accepts
// their touch actions.
package websocket

import (
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// WSMessage represents a WebSocket message.
type WSMessage struct {
	Type    string `json:"type"`
	Kiosk   string `json:"kiosk,omitempty"`
	Session string `json:"session,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`

	// UI descriptor (ui_update)
	Descriptor jsoniter.RawMessage `json:"descriptor,omitempty"`

	// Renderer action (ui_action)
	Source         string   `json:"source,omitempty"` // touch, cart
	Action         string   `json:"action,omitempty"`
	ItemID         int      `json:"item_id,omitempty"`
	Quantity       int      `json:"quantity,omitempty"`
	Query          string   `json:"query,omitempty"`
	Customizations []string `json:"customizations,omitempty"`
	Component      string   `json:"component,omitempty"`

	// Envelope id of the published action (action_ack)
	MessageID string `json:"message_id,omitempty"`
}

// topics lists the topics a subscribe or unsubscribe frame names.
func (m WSMessage) topics() []string {
	var out []string
	if m.Kiosk != "" {
		out = append(out, KioskTopic(m.Kiosk))
	}
	if m.Session != "" {
		out = append(out, SessionTopic(m.Session))
	}
	return out
}

// BroadcastMessage wraps a message with its target topics. No topics means
// every client.
type BroadcastMessage struct {
	Topics []string
	Data   []byte
}

// Message types.
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypePing        = "ping"
	TypePong        = "pong"
	TypeError       = "error"

	TypeUIUpdate  = "ui_update"
	TypeUIAction  = "ui_action"
	TypeActionAck = "action_ack"
)

// KioskTopic names the topic carrying every screen of a kiosk.
func KioskTopic(kioskID string) string { return "kiosk:" + kioskID }

// SessionTopic names the topic carrying the screens of one session.
func SessionTopic(sessionID string) string { return "session:" + sessionID }
