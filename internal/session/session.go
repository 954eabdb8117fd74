// Package session holds the per-customer conversation state and the stores
// that persist it between events.
package session

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"kiosk/internal/fsm"
)

var (
	// ErrNotFound is returned when a session is absent or expired.
	ErrNotFound = errors.New("session not found")
	// ErrInvalidLine is returned for cart lines that break the cart rules.
	ErrInvalidLine = errors.New("invalid cart line")
	// ErrNotInCart is returned when a cart mutation targets a missing item.
	ErrNotInCart = errors.New("item not in cart")
)

// CartLine is one product in the cart.
type CartLine struct {
	ItemID         int      `json:"item_id"`
	Name           string   `json:"name"`
	Quantity       int      `json:"quantity"`
	UnitPrice      float64  `json:"unit_price"`
	Customizations []string `json:"customizations,omitempty"`
}

// Validate checks quantity and price bounds.
func (l CartLine) Validate() error {
	if l.Quantity < 1 {
		return fmt.Errorf("%w: quantity %d", ErrInvalidLine, l.Quantity)
	}
	if l.UnitPrice < 0 || math.IsNaN(l.UnitPrice) || math.IsInf(l.UnitPrice, 0) {
		return fmt.Errorf("%w: unit price %v", ErrInvalidLine, l.UnitPrice)
	}
	return nil
}

// Cents converts a price to integer cents.
func Cents(price float64) int64 {
	return int64(math.Round(price * 100))
}

// SubtotalCents is unit price times quantity, in cents.
func (l CartLine) SubtotalCents() int64 {
	return Cents(l.UnitPrice) * int64(l.Quantity)
}

func (l CartLine) sameProduct(o CartLine) bool {
	if l.ItemID != o.ItemID || len(l.Customizations) != len(o.Customizations) {
		return false
	}
	for i := range l.Customizations {
		if l.Customizations[i] != o.Customizations[i] {
			return false
		}
	}
	return true
}

// Turn is one entry of the conversation history.
type Turn struct {
	Role string    `json:"role"` // customer, kiosk
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// Session is the authoritative state of one customer interaction.
type Session struct {
	ID                  string            `json:"session_id"`
	KioskID             string            `json:"kiosk_id"`
	State               fsm.State         `json:"current_state"`
	StartedAt           time.Time         `json:"started_at"`
	LastActivity        time.Time         `json:"last_activity"`
	Demographics        map[string]string `json:"demographics,omitempty"`
	DietaryRestrictions []string          `json:"dietary_restrictions,omitempty"`
	Cart                []CartLine        `json:"cart"`
	History             []Turn            `json:"conversation_history"`
	PendingIntent       *Intent           `json:"pending_intent,omitempty"`
	LastShown           []int             `json:"last_shown,omitempty"`
	SeenMessages        []string          `json:"seen_messages,omitempty"`
}

// New returns a session resting in IDLE.
func New(id, kioskID string, now time.Time) *Session {
	return &Session{
		ID:           id,
		KioskID:      kioskID,
		State:        fsm.Idle,
		StartedAt:    now,
		LastActivity: now,
		Demographics: map[string]string{},
		Cart:         []CartLine{},
		History:      []Turn{},
	}
}

// TotalCents recomputes the cart total from the lines.
func (s *Session) TotalCents() int64 {
	var total int64
	for _, l := range s.Cart {
		total += l.SubtotalCents()
	}
	return total
}

// Total is TotalCents in currency units.
func (s *Session) Total() float64 {
	return float64(s.TotalCents()) / 100
}

// AddLine adds a line, merging it with an identical product already in the cart.
func (s *Session) AddLine(line CartLine) error {
	if err := line.Validate(); err != nil {
		return err
	}
	line.Customizations = normalizeSet(line.Customizations)
	for i := range s.Cart {
		if s.Cart[i].sameProduct(line) {
			s.Cart[i].Quantity += line.Quantity
			return nil
		}
	}
	s.Cart = append(s.Cart, line)
	return nil
}

// RemoveItem drops every line for itemID.
func (s *Session) RemoveItem(itemID int) error {
	kept := s.Cart[:0]
	removed := false
	for _, l := range s.Cart {
		if l.ItemID == itemID {
			removed = true
			continue
		}
		kept = append(kept, l)
	}
	s.Cart = kept
	if !removed {
		return fmt.Errorf("%w: %d", ErrNotInCart, itemID)
	}
	return nil
}

// SetQuantity sets the quantity of the first line for itemID. Zero removes it.
func (s *Session) SetQuantity(itemID, qty int) error {
	if qty < 0 {
		return fmt.Errorf("%w: quantity %d", ErrInvalidLine, qty)
	}
	for i := range s.Cart {
		if s.Cart[i].ItemID != itemID {
			continue
		}
		if qty == 0 {
			s.Cart = append(s.Cart[:i], s.Cart[i+1:]...)
		} else {
			s.Cart[i].Quantity = qty
		}
		return nil
	}
	return fmt.Errorf("%w: %d", ErrNotInCart, itemID)
}

// Line returns the first cart line for itemID.
func (s *Session) Line(itemID int) (CartLine, bool) {
	for _, l := range s.Cart {
		if l.ItemID == itemID {
			return l, true
		}
	}
	return CartLine{}, false
}

// AddTurn appends to the conversation history.
func (s *Session) AddTurn(role, text string, at time.Time) {
	if text == "" {
		return
	}
	s.History = append(s.History, Turn{Role: role, Text: text, At: at})
}

// AddDietary records a dietary restriction.
func (s *Session) AddDietary(r string) {
	s.DietaryRestrictions = normalizeSet(append(s.DietaryRestrictions, r))
}

// Seen reports whether messageID was already applied.
func (s *Session) Seen(messageID string) bool {
	for _, id := range s.SeenMessages {
		if id == messageID {
			return true
		}
	}
	return false
}

// MarkSeen records messageID, keeping only the newest window ids.
func (s *Session) MarkSeen(messageID string, window int) {
	if messageID == "" || s.Seen(messageID) {
		return
	}
	s.SeenMessages = append(s.SeenMessages, messageID)
	if window > 0 && len(s.SeenMessages) > window {
		s.SeenMessages = append([]string(nil), s.SeenMessages[len(s.SeenMessages)-window:]...)
	}
}

// Apply moves the session along tr. Entering IDLE clears the order.
func (s *Session) Apply(tr fsm.Transition) {
	s.State = tr.To
	if !tr.At.IsZero() {
		s.LastActivity = tr.At
	}
	if tr.To == fsm.Idle {
		s.clear()
	}
}

func (s *Session) clear() {
	s.Cart = []CartLine{}
	s.History = []Turn{}
	s.PendingIntent = nil
	s.LastShown = nil
}

// Clone returns a deep copy.
func (s *Session) Clone() *Session {
	c := *s
	if s.Demographics != nil {
		c.Demographics = make(map[string]string, len(s.Demographics))
		for k, v := range s.Demographics {
			c.Demographics[k] = v
		}
	}
	c.DietaryRestrictions = append([]string(nil), s.DietaryRestrictions...)
	c.Cart = make([]CartLine, len(s.Cart))
	for i, l := range s.Cart {
		l.Customizations = append([]string(nil), l.Customizations...)
		c.Cart[i] = l
	}
	c.History = append([]Turn{}, s.History...)
	if s.PendingIntent != nil {
		pi := s.PendingIntent.Clone()
		c.PendingIntent = &pi
	}
	c.LastShown = append([]int(nil), s.LastShown...)
	c.SeenMessages = append([]string(nil), s.SeenMessages...)
	return &c
}

func normalizeSet(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
