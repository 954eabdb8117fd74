package agent

import "kiosk/internal/session"

// MenuItem is a catalog entry.
type MenuItem struct {
	ItemID      int      `json:"item_id" yaml:"item_id"`
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description" yaml:"description"`
	Price       float64  `json:"price" yaml:"price"`
	Category    string   `json:"category" yaml:"category"`
	Tags        []string `json:"tags,omitempty" yaml:"tags"`
	Calories    int      `json:"calories,omitempty" yaml:"calories"`
	Allergens   []string `json:"allergens,omitempty" yaml:"allergens"`
	ImageURL    string   `json:"image_url,omitempty" yaml:"image_url"`
	Available   bool     `json:"available" yaml:"available"`
}

// SearchRequest asks the catalog for matching items.
type SearchRequest struct {
	Query          string   `json:"query"`
	Tags           []string `json:"tags,omitempty"`
	DietaryFilters []string `json:"dietary_filters,omitempty"`
	Limit          int      `json:"limit,omitempty"`
}

// SearchResult lists matching items.
type SearchResult struct {
	Items []MenuItem `json:"items"`
	Total int        `json:"total"`
}

// DetailsRequest asks for one item.
type DetailsRequest struct {
	ItemID int `json:"item_id"`
}

// AvailabilityRequest asks whether items can be ordered.
type AvailabilityRequest struct {
	ItemIDs []int `json:"item_ids"`
}

// AvailabilityResult maps item ids to availability.
type AvailabilityResult struct {
	Available map[int]bool `json:"available"`
}

// CartItem is the cart as seen by collaborators.
type CartItem struct {
	ItemID   int    `json:"item_id"`
	Name     string `json:"name"`
	Quantity int    `json:"quantity"`
}

// CartItems converts session lines.
func CartItems(lines []session.CartLine) []CartItem {
	out := make([]CartItem, 0, len(lines))
	for _, l := range lines {
		out = append(out, CartItem{ItemID: l.ItemID, Name: l.Name, Quantity: l.Quantity})
	}
	return out
}

// SuggestRequest asks for upsell and complement suggestions.
type SuggestRequest struct {
	Cart    []CartItem        `json:"cart"`
	Context map[string]string `json:"context,omitempty"`
	Limit   int               `json:"limit,omitempty"`
}

// Suggestion is one recommended item.
type Suggestion struct {
	ItemID int     `json:"item_id"`
	Name   string  `json:"name"`
	Price  float64 `json:"price"`
	Pitch  string  `json:"pitch"`
	Reason string  `json:"reason"`
}

// SuggestResult lists suggestions, best first.
type SuggestResult struct {
	Suggestions []Suggestion `json:"suggestions"`
}

// ChargeRequest asks the payment service to charge the cart.
type ChargeRequest struct {
	SessionID   string     `json:"session_id"`
	AmountCents int64      `json:"amount_cents"`
	Currency    string     `json:"currency"`
	Items       []CartItem `json:"items"`
}

// PaymentResult is an approved charge.
type PaymentResult struct {
	TransactionID string `json:"transaction_id"`
	Status        string `json:"status"`
	AmountCents   int64  `json:"amount_cents"`
}

// HardwareCommand drives a kiosk peripheral.
type HardwareCommand struct {
	Device string            `json:"device"` // printer, dispenser, light
	Action string            `json:"action"`
	Params map[string]string `json:"params,omitempty"`
}

// HardwareAck confirms a command.
type HardwareAck struct {
	Device string `json:"device"`
	Status string `json:"status"`
}

// IntentRequest asks the language service to interpret an utterance.
type IntentRequest struct {
	Text    string         `json:"text"`
	State   string         `json:"state"`
	History []session.Turn `json:"history,omitempty"`
	Cart    []CartItem     `json:"cart,omitempty"`
}

// IntentResult wraps the derived intent.
type IntentResult struct {
	Intent session.Intent `json:"intent"`
}

// RespondRequest asks the language service for a short utterance.
type RespondRequest struct {
	State     string         `json:"state"`
	Summary   string         `json:"summary"`
	ItemNames []string       `json:"item_names,omitempty"`
	CartTotal float64        `json:"cart_total"`
	History   []session.Turn `json:"history,omitempty"`
	MaxLength int            `json:"max_length,omitempty"`
}

// RespondResult carries the utterance.
type RespondResult struct {
	Utterance string `json:"utterance"`
}
