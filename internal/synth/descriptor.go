// Package synth turns the result of one orchestration cycle into a UI
// descriptor and an utterance.
package synth

import (
	"kiosk/internal/agent"
	"kiosk/internal/router"
	"kiosk/internal/session"
)

// Layout modes.
const (
	LayoutAttract      = "attract"
	LayoutConversation = "conversation"
	LayoutHero         = "hero"
	LayoutGrid         = "grid"
	LayoutCheckout     = "checkout"
	LayoutFarewell     = "farewell"
)

// Component types.
const (
	ComponentWelcome     = "welcome"
	ComponentMessage     = "message"
	ComponentHero        = "hero"
	ComponentGrid        = "grid"
	ComponentSuggestions = "suggestions"
	ComponentUnavailable = "unavailable"
	ComponentCartUpdate  = "cart_update"
	ComponentPayment     = "payment"
)

// Descriptor is the renderer-agnostic description of one screen.
type Descriptor struct {
	SessionID        string      `json:"session_id"`
	State            string      `json:"state"`
	LayoutMode       string      `json:"layout_mode"`
	ThemeOverride    *string     `json:"theme_override"`
	Components       []Component `json:"components"`
	Cart             CartView    `json:"cart"`
	SuggestedActions []Action    `json:"suggested_actions"`
	Utterance        string      `json:"utterance"`
}

// Component is one renderable block.
type Component struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// CartView is the cart summary, always derived from the session cart.
type CartView struct {
	Items      []CartItemView `json:"items"`
	Total      float64        `json:"total"`
	TotalCents int64          `json:"total_cents"`
}

// CartItemView is one cart line as shown.
type CartItemView struct {
	ItemID         int      `json:"item_id"`
	Name           string   `json:"name"`
	Quantity       int      `json:"quantity"`
	UnitPrice      float64  `json:"unit_price"`
	LineTotal      float64  `json:"line_total"`
	Customizations []string `json:"customizations,omitempty"`
}

// Action is a suggested next step the renderer can offer.
type Action struct {
	Label  string `json:"label"`
	Action string `json:"action"`
	ItemID *int   `json:"item_id,omitempty"`
}

// MessageData backs message, welcome and payment components.
type MessageData struct {
	Title string `json:"title,omitempty"`
	Text  string `json:"text"`
}

// HeroData features one item.
type HeroData struct {
	Item   agent.MenuItem `json:"item"`
	InCart int            `json:"in_cart"`
}

// GridData lists several items.
type GridData struct {
	Items []agent.MenuItem `json:"items"`
	Total int              `json:"total"`
}

// SuggestionsData lists recommendations.
type SuggestionsData struct {
	Suggestions []agent.Suggestion `json:"suggestions"`
}

// UnavailableData lists what could not be served.
type UnavailableData struct {
	Notices []router.Notice `json:"notices"`
}

// CartUpdateData reports the line just added.
type CartUpdateData struct {
	Line session.CartLine `json:"line"`
}

// PaymentData reports a payment result.
type PaymentData struct {
	Status        string  `json:"status"`
	TransactionID string  `json:"transaction_id,omitempty"`
	Amount        float64 `json:"amount"`
	Message       string  `json:"message,omitempty"`
}

func cartView(sess *session.Session) CartView {
	v := CartView{Items: make([]CartItemView, 0, len(sess.Cart))}
	for _, l := range sess.Cart {
		v.Items = append(v.Items, CartItemView{
			ItemID:         l.ItemID,
			Name:           l.Name,
			Quantity:       l.Quantity,
			UnitPrice:      l.UnitPrice,
			LineTotal:      float64(l.SubtotalCents()) / 100,
			Customizations: l.Customizations,
		})
	}
	v.TotalCents = sess.TotalCents()
	v.Total = float64(v.TotalCents) / 100
	return v
}
