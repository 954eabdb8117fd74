package router

import (
	"errors"
	"fmt"
	"time"

	"kiosk/internal/bus"
	"kiosk/internal/envelope"
	"kiosk/internal/fsm"
	"kiosk/internal/session"
)

// ErrUnknownEvent is returned for subjects the router has no variant for.
var ErrUnknownEvent = errors.New("unknown event type")

// Kind tags an event variant.
type Kind string

const (
	KindPerception Kind = "perception"
	KindTranscript Kind = "transcript"
	KindIntent     Kind = "intent"
	KindAction     Kind = "action"
	KindTimer      Kind = "timer"
	KindEnd        Kind = "end"
)

// Kinds lists every variant.
func Kinds() []Kind {
	return []Kind{KindPerception, KindTranscript, KindIntent, KindAction, KindTimer, KindEnd}
}

// Event is one inbound occurrence for a session.
type Event interface {
	Kind() Kind
	Envelope() *envelope.Envelope
}

type base struct {
	env *envelope.Envelope
}

func (b base) Envelope() *envelope.Envelope { return b.env }

// Perception signals.
const (
	PerceptionDetected = "detected"
	PerceptionLeft     = "left"
	PerceptionGaze     = "gaze"
)

// PerceptionEvent comes from the vision service.
type PerceptionEvent struct {
	base
	Signal          string  `json:"-"`
	Confidence      float64 `json:"confidence"`
	FaceDetected    bool    `json:"face_detected"`
	AgeGroup        string  `json:"estimated_age_group"`
	PartySize       int     `json:"estimated_party_size"`
	LookingAtScreen bool    `json:"looking_at_screen"`
	DurationMS      int     `json:"duration_ms"`
}

func (*PerceptionEvent) Kind() Kind { return KindPerception }

// TranscriptEvent is a final speech transcript.
type TranscriptEvent struct {
	base
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Language   string  `json:"language"`
	IsFinal    bool    `json:"is_final"`
}

func (*TranscriptEvent) Kind() Kind { return KindTranscript }

// IntentEvent carries an intent derived upstream.
type IntentEvent struct {
	base
	Intent session.Intent
}

func (*IntentEvent) Kind() Kind { return KindIntent }

type intentPayload struct {
	IntentType string            `json:"intent_type"`
	Entities   map[string]string `json:"entities"`
	Confidence float64           `json:"confidence"`
	RawText    string            `json:"raw_text"`
	ItemID     int               `json:"item_id"`
	Quantity   int               `json:"quantity"`
}

// Touch and cart actions.
const (
	ActionSelectItem     = "select_item"
	ActionAddToCart      = "add_to_cart"
	ActionRemoveFromCart = "remove_from_cart"
	ActionSetQuantity    = "set_quantity"
	ActionRecommend      = "recommend"
	ActionCheckout       = "checkout"
	ActionKeepOrdering   = "keep_ordering"
	ActionStartOver      = "start_over"
	ActionSearch         = "search"
)

// ActionEvent is a touch or cart action from the renderer.
type ActionEvent struct {
	base
	Source         string   `json:"-"` // touch, cart
	Action         string   `json:"action"`
	ItemID         int      `json:"item_id"`
	Quantity       int      `json:"quantity"`
	Customizations []string `json:"customizations"`
	Query          string   `json:"query"`
	Component      string   `json:"component"`
}

func (*ActionEvent) Kind() Kind { return KindAction }

// TimerEvent is synthesized by the orchestrator when a state timer fires.
// It is stale unless the session still rests in ArmedState with the same
// last activity it had when the timer was armed.
type TimerEvent struct {
	base
	Trigger    fsm.Trigger
	ArmedState fsm.State
	ArmedAt    time.Time
}

func (*TimerEvent) Kind() Kind { return KindTimer }

// Stale reports whether the timer no longer applies to sess.
func (t *TimerEvent) Stale(sess *session.Session) bool {
	return sess.State != t.ArmedState || !sess.LastActivity.Equal(t.ArmedAt)
}

// NewTimerEvent builds a timer event for sess.
func NewTimerEvent(sess *session.Session, trigger fsm.Trigger) (*TimerEvent, error) {
	env, err := envelope.New(sess.ID, "", map[string]string{"trigger": string(trigger)})
	if err != nil {
		return nil, err
	}
	env.KioskID = sess.KioskID
	return &TimerEvent{
		base:       base{env: env},
		Trigger:    trigger,
		ArmedState: sess.State,
		ArmedAt:    sess.LastActivity,
	}, nil
}

// EndEvent closes a session from outside the customer flow, such as an
// operator removing it through the admin API.
type EndEvent struct {
	base
	Reason string
}

func (*EndEvent) Kind() Kind { return KindEnd }

// NewEndEvent builds an end request for session id on kiosk.
func NewEndEvent(sessionID, kioskID, reason string) (*EndEvent, error) {
	env, err := envelope.New(sessionID, "", map[string]string{"reason": reason})
	if err != nil {
		return nil, err
	}
	env.KioskID = kioskID
	return &EndEvent{base: base{env: env}, Reason: reason}, nil
}

// Parse decodes an inbound bus message into its event variant.
func Parse(subject string, env *envelope.Envelope) (Event, error) {
	if env == nil {
		return nil, fmt.Errorf("%w: nil envelope", envelope.ErrMalformed)
	}
	b := base{env: env}
	switch subject {
	case bus.SubjectPersonDetected, bus.SubjectPersonLeft, bus.SubjectGazeDetected:
		ev := &PerceptionEvent{base: b}
		switch subject {
		case bus.SubjectPersonDetected:
			ev.Signal = PerceptionDetected
		case bus.SubjectPersonLeft:
			ev.Signal = PerceptionLeft
		default:
			ev.Signal = PerceptionGaze
		}
		if len(env.Payload) > 0 {
			if err := env.Decode(ev); err != nil {
				return nil, err
			}
		}
		return ev, nil

	case bus.SubjectTranscript:
		ev := &TranscriptEvent{base: b, IsFinal: true}
		if err := env.Decode(ev); err != nil {
			return nil, err
		}
		return ev, nil

	case bus.SubjectIntentDerived:
		var p intentPayload
		if err := env.Decode(&p); err != nil {
			return nil, err
		}
		if p.IntentType == "" {
			return nil, fmt.Errorf("%w: missing intent_type", envelope.ErrMalformed)
		}
		return &IntentEvent{base: b, Intent: p.intent()}, nil

	case bus.SubjectTouchAction, bus.SubjectCartAction:
		ev := &ActionEvent{base: b, Source: "touch"}
		if subject == bus.SubjectCartAction {
			ev.Source = "cart"
		}
		if err := env.Decode(ev); err != nil {
			return nil, err
		}
		if ev.Action == "" {
			return nil, fmt.Errorf("%w: missing action", envelope.ErrMalformed)
		}
		return ev, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, subject)
}

func (p intentPayload) intent() session.Intent {
	in := session.Intent{
		Name:       p.IntentType,
		Entities:   p.Entities,
		Confidence: p.Confidence,
		Source:     session.SourceUpstream,
		RawText:    p.RawText,
		ItemID:     p.ItemID,
		Quantity:   p.Quantity,
	}
	switch in.Name {
	case "order", "order_item", "search":
		in.Name = session.IntentSearchMenu
	}
	if q, ok := p.Entities["item"]; ok && in.Query == "" {
		in.Query = q
	}
	if q, ok := p.Entities["query"]; ok && in.Query == "" {
		in.Query = q
	}
	return in
}

// ActionIntent converts a touch or cart action into an intent.
func ActionIntent(a *ActionEvent) (session.Intent, bool) {
	in := session.Intent{
		ItemID:         a.ItemID,
		Quantity:       a.Quantity,
		Customizations: a.Customizations,
		Query:          a.Query,
		Confidence:     1,
		Source:         session.SourceTouch,
	}
	switch a.Action {
	case ActionSelectItem:
		in.Name = session.IntentItemDetails
	case ActionAddToCart:
		in.Name = session.IntentAddToCart
		if in.Quantity <= 0 {
			in.Quantity = 1
		}
	case ActionRemoveFromCart:
		in.Name = session.IntentRemoveFromCart
	case ActionSetQuantity:
		in.Name = session.IntentSetQuantity
	case ActionRecommend:
		in.Name = session.IntentRecommend
	case ActionCheckout:
		in.Name = session.IntentCheckout
	case ActionSearch:
		in.Name = session.IntentSearchMenu
	default:
		return session.Intent{}, false
	}
	return in, true
}
