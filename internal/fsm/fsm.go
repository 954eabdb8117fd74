// Package fsm holds the session state machine. It is a pure transition
// table: no timers, no I/O.
package fsm

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// State is a session lifecycle state.
type State string

const (
	Idle       State = "IDLE"
	Attract    State = "ATTRACT"
	Listening  State = "LISTENING"
	Processing State = "PROCESSING"
	Deciding   State = "DECIDING"
	Updating   State = "UPDATING"
	Checkout   State = "CHECKOUT"
)

// States lists every state in lifecycle order.
func States() []State {
	return []State{Idle, Attract, Listening, Processing, Deciding, Updating, Checkout}
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	for _, v := range States() {
		if v == s {
			return true
		}
	}
	return false
}

// Trigger is a named cause of a transition.
type Trigger string

const (
	PersonDetected           Trigger = "person-detected"
	UserEngaged              Trigger = "user-engaged"
	AttractTimeout           Trigger = "attract-timeout"
	SpeechTranscriptReceived Trigger = "speech-transcript-received"
	ActionReceived           Trigger = "action-received"
	IdleTimeout              Trigger = "idle-timeout"
	IntentDerived            Trigger = "intent-derived"
	IntentUnclear            Trigger = "intent-unclear"
	AllAgentsReplied         Trigger = "all-agents-replied"
	ContinueSignal           Trigger = "continue-signal"
	CheckoutRequested        Trigger = "checkout-requested"
	PaymentComplete          Trigger = "payment-complete"
	PaymentFailed            Trigger = "payment-failed"
	SessionEnded             Trigger = "session-ended"
)

// ErrInvalidTransition is returned for (state, trigger) pairs with no row.
var ErrInvalidTransition = errors.New("invalid transition")

type edge struct {
	from    State
	trigger Trigger
}

var table = map[edge]State{
	{Idle, PersonDetected}:                Attract,
	{Attract, UserEngaged}:                Listening,
	{Attract, AttractTimeout}:             Listening,
	{Listening, SpeechTranscriptReceived}: Processing,
	{Listening, ActionReceived}:           Processing,
	{Listening, IdleTimeout}:              Idle,
	{Processing, IntentDerived}:           Deciding,
	{Processing, IntentUnclear}:           Listening,
	{Deciding, AllAgentsReplied}:          Updating,
	{Updating, ContinueSignal}:            Listening,
	{Updating, CheckoutRequested}:         Checkout,
	{Checkout, PaymentComplete}:           Idle,
	{Checkout, PaymentFailed}:             Updating,
	{Attract, SessionEnded}:               Idle,
	{Listening, SessionEnded}:             Idle,
	{Updating, SessionEnded}:              Idle,
}

// Transition is one applied edge.
type Transition struct {
	From    State     `json:"from"`
	Trigger Trigger   `json:"trigger"`
	To      State     `json:"to"`
	At      time.Time `json:"at"`
}

// Next returns the target of (from, trigger) or ErrInvalidTransition.
func Next(from State, trigger Trigger) (State, error) {
	to, ok := table[edge{from, trigger}]
	if !ok {
		return from, fmt.Errorf("%w: %s --%s-->", ErrInvalidTransition, from, trigger)
	}
	return to, nil
}

// Can reports whether trigger has a row from state.
func Can(from State, trigger Trigger) bool {
	_, ok := table[edge{from, trigger}]
	return ok
}

// Fire applies trigger at time at. On an unmatched pair the returned
// transition has To == From and err wraps ErrInvalidTransition.
func Fire(from State, trigger Trigger, at time.Time) (Transition, error) {
	to, err := Next(from, trigger)
	return Transition{From: from, Trigger: trigger, To: to, At: at}, err
}

// Triggers returns the triggers accepted in state, sorted by name.
func Triggers(from State) []Trigger {
	var out []Trigger
	for e := range table {
		if e.from == from {
			out = append(out, e.trigger)
		}
	}
	slices.Sort(out)
	return out
}

// Timer describes the timeout armed while a session rests in a state.
type Timer struct {
	Trigger Trigger
	After   time.Duration
}

// Timeouts holds the durations for the timed states.
type Timeouts struct {
	Attract time.Duration
	Idle    time.Duration
	Linger  time.Duration
}

// TimerFor returns the timer to arm on entering state, if any.
func (t Timeouts) TimerFor(state State) (Timer, bool) {
	switch state {
	case Attract:
		return Timer{Trigger: AttractTimeout, After: t.Attract}, t.Attract > 0
	case Listening:
		return Timer{Trigger: IdleTimeout, After: t.Idle}, t.Idle > 0
	case Updating:
		return Timer{Trigger: ContinueSignal, After: t.Linger}, t.Linger > 0
	default:
		return Timer{}, false
	}
}
