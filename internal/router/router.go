// Package router decides what each inbound event means for a session: a
// direct state trigger, an intent that needs deriving first, or a fan-out
// to several collaborators.
package router

import (
	"github.com/rs/zerolog"

	"kiosk/internal/fsm"
	"kiosk/internal/session"
	"kiosk/pkg/logger"
)

// Next names the work that follows the plan's triggers.
type Next int

const (
	// NextNone: nothing beyond the triggers.
	NextNone Next = iota
	// NextDerive: derive an intent from Text, then handle it.
	NextDerive
	// NextIntent: handle Intent directly.
	NextIntent
	// NextCheckout: charge the cart.
	NextCheckout
)

// Plan is the router's decision for one event.
type Plan struct {
	Triggers []fsm.Trigger
	Next     Next
	Text     string
	Intent   *session.Intent
	// Perception is set when the event updates demographics.
	Perception *PerceptionEvent
	// Drop marks an event that does not apply in the current state.
	Drop   bool
	Reason string
}

func drop(reason string) Plan { return Plan{Drop: true, Reason: reason} }

type dispatchFunc func(r *Router, state fsm.State, ev Event) Plan

// Router routes events and executes intents.
type Router struct {
	dispatch      map[Kind]dispatchFunc
	services      Services
	minConfidence float64
	searchLimit   int
	log           zerolog.Logger
}

// Options tunes a router.
type Options struct {
	MinConfidence float64
	SearchLimit   int
}

// New creates a router over services.
func New(services Services, opts Options) *Router {
	if opts.MinConfidence <= 0 {
		opts.MinConfidence = 0.5
	}
	if opts.SearchLimit <= 0 {
		opts.SearchLimit = 10
	}
	return &Router{
		dispatch: map[Kind]dispatchFunc{
			KindPerception: routePerception,
			KindTranscript: routeTranscript,
			KindIntent:     routeIntent,
			KindAction:     routeAction,
			KindTimer:      routeTimer,
			KindEnd:        routeEnd,
		},
		services:      services,
		minConfidence: opts.MinConfidence,
		searchLimit:   opts.SearchLimit,
		log:           logger.Component("router"),
	}
}

// Route decides what ev means in state. It never performs I/O.
func (r *Router) Route(state fsm.State, ev Event) Plan {
	fn, ok := r.dispatch[ev.Kind()]
	if !ok {
		return drop("no handler for " + string(ev.Kind()))
	}
	return fn(r, state, ev)
}

// engage prefixes the triggers needed to reach LISTENING from a resting
// state before user input is handled. ok is false when input cannot be
// taken in state.
func engage(state fsm.State) ([]fsm.Trigger, bool) {
	switch state {
	case fsm.Attract:
		return []fsm.Trigger{fsm.UserEngaged}, true
	case fsm.Listening:
		return nil, true
	case fsm.Updating:
		return []fsm.Trigger{fsm.ContinueSignal}, true
	default:
		return nil, false
	}
}

func routePerception(_ *Router, state fsm.State, ev Event) Plan {
	p := ev.(*PerceptionEvent)
	switch p.Signal {
	case PerceptionDetected:
		if state != fsm.Idle {
			return drop("person already detected")
		}
		return Plan{Triggers: []fsm.Trigger{fsm.PersonDetected}, Perception: p}
	case PerceptionLeft:
		if !fsm.Can(state, fsm.SessionEnded) {
			return drop("person left during " + string(state))
		}
		return Plan{Triggers: []fsm.Trigger{fsm.SessionEnded}, Reason: "person_left"}
	case PerceptionGaze:
		if state == fsm.Attract && p.LookingAtScreen {
			return Plan{Triggers: []fsm.Trigger{fsm.UserEngaged}}
		}
		return drop("gaze ignored")
	}
	return drop("unknown perception signal")
}

func routeTranscript(_ *Router, state fsm.State, ev Event) Plan {
	t := ev.(*TranscriptEvent)
	if !t.IsFinal || t.Text == "" {
		return drop("partial or empty transcript")
	}
	pre, ok := engage(state)
	if !ok {
		return drop("speech not accepted in " + string(state))
	}
	return Plan{
		Triggers: append(pre, fsm.SpeechTranscriptReceived),
		Next:     NextDerive,
		Text:     t.Text,
	}
}

func routeIntent(_ *Router, state fsm.State, ev Event) Plan {
	in := ev.(*IntentEvent).Intent
	pre, ok := engage(state)
	if !ok {
		return drop("intent not accepted in " + string(state))
	}
	return Plan{
		Triggers: append(pre, fsm.ActionReceived),
		Next:     NextIntent,
		Intent:   &in,
	}
}

func routeAction(_ *Router, state fsm.State, ev Event) Plan {
	a := ev.(*ActionEvent)
	switch a.Action {
	case ActionStartOver:
		if !fsm.Can(state, fsm.SessionEnded) {
			return drop("start over not accepted in " + string(state))
		}
		return Plan{Triggers: []fsm.Trigger{fsm.SessionEnded}, Reason: "start_over"}
	case ActionKeepOrdering:
		if state == fsm.Updating {
			return Plan{Triggers: []fsm.Trigger{fsm.ContinueSignal}}
		}
		return drop("nothing to continue")
	case ActionCheckout:
		if state == fsm.Updating {
			return Plan{Triggers: []fsm.Trigger{fsm.CheckoutRequested}, Next: NextCheckout}
		}
	}

	in, ok := ActionIntent(a)
	if !ok {
		return drop("unknown action " + a.Action)
	}
	pre, ok := engage(state)
	if !ok {
		return drop("action not accepted in " + string(state))
	}
	return Plan{
		Triggers: append(pre, fsm.ActionReceived),
		Next:     NextIntent,
		Intent:   &in,
	}
}

func routeTimer(_ *Router, state fsm.State, ev Event) Plan {
	t := ev.(*TimerEvent)
	if state != t.ArmedState || !fsm.Can(state, t.Trigger) {
		return drop("stale timer")
	}
	plan := Plan{Triggers: []fsm.Trigger{t.Trigger}}
	if t.Trigger == fsm.IdleTimeout {
		plan.Reason = "idle_timeout"
	}
	return plan
}

func routeEnd(_ *Router, state fsm.State, ev Event) Plan {
	e := ev.(*EndEvent)
	if !fsm.Can(state, fsm.SessionEnded) {
		return drop("nothing to end in " + string(state))
	}
	return Plan{Triggers: []fsm.Trigger{fsm.SessionEnded}, Reason: e.Reason}
}

// Accept reports whether in is clear and confident enough to act on.
func (r *Router) Accept(in session.Intent) bool {
	return !in.Unclear(r.minConfidence)
}
