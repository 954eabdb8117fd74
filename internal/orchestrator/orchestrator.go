// Package orchestrator drives kiosk sessions: it takes events off the bus,
// runs each through the router and state machine inside a per-kiosk lane,
// persists the session and emits the resulting UI.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"kiosk/internal/agent"
	"kiosk/internal/bus"
	"kiosk/internal/config"
	"kiosk/internal/envelope"
	"kiosk/internal/fsm"
	"kiosk/internal/router"
	"kiosk/internal/scheduler"
	"kiosk/internal/session"
	"kiosk/internal/synth"
	"kiosk/pkg/logger"
)

// inbound lists the subjects the orchestrator consumes.
var inbound = []string{bus.SubjectAllVision, bus.SubjectAllVoice, bus.SubjectAllInput}

// Deps are the collaborators of an orchestrator. Bus, Store and Agents are
// required.
type Deps struct {
	Bus     bus.Bus
	Store   session.Store
	Agents  *agent.Agents
	Auditor Auditor
	UI      UISink
	Clock   Clock
}

// Orchestrator owns session lifecycles.
type Orchestrator struct {
	bus     bus.Bus
	store   session.Store
	agents  *agent.Agents
	router  *router.Router
	synth   *synth.Synthesizer
	auditor Auditor
	ui      UISink
	clock   Clock
	lanes   *scheduler.Lanes

	kioskID     string
	ttl         time.Duration
	dedupWindow int
	timeouts    fsm.Timeouts
	gridMax     int
	queueSize   int

	mu     sync.Mutex
	active map[string]string  // kiosk id -> session id
	owners map[string]string  // session id -> kiosk id whose lane runs it
	timers map[string]Stopper // kiosk id -> armed timer

	runCtx context.Context
	cancel context.CancelFunc
	subs   []bus.Subscription
	log    zerolog.Logger
}

// New wires an orchestrator from configuration.
func New(cfg *config.Config, deps Deps) (*Orchestrator, error) {
	if deps.Bus == nil || deps.Store == nil || deps.Agents == nil {
		return nil, errors.New("orchestrator: bus, store and agents are required")
	}
	if deps.Clock == nil {
		deps.Clock = RealClock()
	}
	sc := cfg.Session
	o := &Orchestrator{
		bus:     deps.Bus,
		store:   deps.Store,
		agents:  deps.Agents,
		auditor: deps.Auditor,
		ui:      deps.UI,
		clock:   deps.Clock,
		lanes:   scheduler.NewLanes(sc.QueueSize, sc.LaneIdle),

		kioskID:     sc.KioskID,
		ttl:         sc.TTL,
		dedupWindow: sc.DedupWindow,
		timeouts: fsm.Timeouts{
			Attract: sc.AttractTimeout,
			Idle:    sc.IdleTimeout,
			Linger:  sc.UpdateLinger,
		},
		gridMax:   cfg.Synth.GridMax,
		queueSize: sc.QueueSize,

		active: make(map[string]string),
		owners: make(map[string]string),
		timers: make(map[string]Stopper),
		runCtx: context.Background(),
		log:    logger.Component("orchestrator"),
	}
	o.router = router.New(router.Services{
		Menu:     deps.Agents.Menu,
		Recsys:   deps.Agents.Recsys,
		Language: deps.Agents.Language,
	}, router.Options{SearchLimit: cfg.Synth.SearchLimit})
	o.synth = synth.New(deps.Agents.Language, synth.Options{
		GridMax:     cfg.Synth.GridMax,
		HistoryTail: cfg.Synth.HistoryTail,
	})
	return o, nil
}

// Start subscribes to the inbound subjects. Events are processed until Stop.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.runCtx, o.cancel = context.WithCancel(ctx)
	for _, subject := range inbound {
		sub, err := o.bus.Subscribe(subject, o.onEvent)
		if err != nil {
			o.unsubscribe()
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		o.subs = append(o.subs, sub)
	}
	o.log.Info().Str("kiosk_id", o.kioskID).Strs("subjects", inbound).Msg("orchestrator started")
	return nil
}

// Stop unsubscribes, cancels timers and drains the lanes.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.unsubscribe()
	o.mu.Lock()
	for k, t := range o.timers {
		t.Stop()
		delete(o.timers, k)
	}
	o.mu.Unlock()
	o.log.Info().Int("lanes", o.lanes.Active()).Msg("draining lanes")
	err := o.lanes.Shutdown(ctx)
	if o.cancel != nil {
		o.cancel()
	}
	return err
}

func (o *Orchestrator) unsubscribe() {
	for _, s := range o.subs {
		_ = s.Unsubscribe()
	}
	o.subs = nil
}

func (o *Orchestrator) onEvent(_ context.Context, subject string, env *envelope.Envelope) {
	if _, err := o.Submit(o.runCtx, subject, env); err != nil {
		o.log.Warn().Err(err).Str("subject", subject).Msg("event dropped")
	}
}

// Submit validates an inbound event and queues it on the lane of the kiosk
// that owns its session. The returned channel yields the processing error
// once the event has run. Malformed envelopes and unknown subjects are
// rejected without touching any session.
func (o *Orchestrator) Submit(ctx context.Context, subject string, env *envelope.Envelope) (<-chan error, error) {
	if env == nil {
		return nil, fmt.Errorf("%w: nil envelope", envelope.ErrMalformed)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	ev, err := router.Parse(subject, env)
	if err != nil {
		return nil, err
	}
	lane, err := o.laneFor(ctx, env, subject == bus.SubjectPersonDetected)
	if err != nil {
		return nil, err
	}
	return o.enqueue(ctx, lane, ev)
}

// End closes session id through its lane, exactly as if the customer had
// walked away: the session is cleared, its timer disarmed and
// session.lifecycle.ended published with reason.
func (o *Orchestrator) End(ctx context.Context, id, reason string) (<-chan error, error) {
	o.mu.Lock()
	lane, ok := o.owners[id]
	o.mu.Unlock()
	if !ok {
		sess, err := o.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		lane = o.claim(id, sess.KioskID)
	}
	ev, err := router.NewEndEvent(id, lane, reason)
	if err != nil {
		return nil, err
	}
	// the caller may stop waiting, the end still runs
	return o.enqueue(o.runCtx, lane, ev)
}

// laneFor picks the lane for env. An event naming a session runs on the lane
// of the kiosk owning that session, whatever kiosk_id it carries, so one
// session never has two writers. claimNew lets an event that opens a session
// claim the lane for it.
func (o *Orchestrator) laneFor(ctx context.Context, env *envelope.Envelope, claimNew bool) (string, error) {
	id := env.SessionID
	if id == "" {
		return o.kioskOf(env), nil
	}
	o.mu.Lock()
	lane, ok := o.owners[id]
	o.mu.Unlock()
	if ok {
		return lane, nil
	}

	sess, err := o.store.Get(ctx, id)
	switch {
	case err == nil && sess.KioskID != "":
		return o.claim(id, sess.KioskID), nil
	case err == nil, errors.Is(err, session.ErrNotFound):
		if claimNew {
			return o.claim(id, o.kioskOf(env)), nil
		}
		return o.kioskOf(env), nil
	default:
		return "", fmt.Errorf("lookup session %s: %w", id, err)
	}
}

// claim records kiosk as the owner of session id unless another event got
// there first, and returns the owner.
func (o *Orchestrator) claim(id, kiosk string) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if owner, ok := o.owners[id]; ok {
		return owner
	}
	o.owners[id] = kiosk
	return kiosk
}

// CheckLanes fails when a known kiosk lane is full and new events for it
// are being rejected.
func (o *Orchestrator) CheckLanes(context.Context) error {
	if o.queueSize <= 0 {
		return nil
	}
	o.mu.Lock()
	kiosks := []string{o.kioskID}
	for k := range o.active {
		if k != o.kioskID {
			kiosks = append(kiosks, k)
		}
	}
	o.mu.Unlock()
	for _, k := range kiosks {
		if n := o.lanes.Pending(k); n >= o.queueSize {
			return fmt.Errorf("lane %s saturated: %d events queued", k, n)
		}
	}
	return nil
}

func (o *Orchestrator) enqueue(ctx context.Context, kiosk string, ev router.Event) (<-chan error, error) {
	return o.lanes.Enqueue(ctx, kiosk, func(ctx context.Context) error {
		err := o.handle(ctx, kiosk, ev)
		if err != nil {
			o.log.Error().Err(err).
				Str("kiosk_id", kiosk).
				Str("trace_id", ev.Envelope().TraceID).
				Str("kind", string(ev.Kind())).
				Msg("event failed")
		}
		return err
	})
}

func (o *Orchestrator) kioskOf(env *envelope.Envelope) string {
	if env.KioskID != "" {
		return env.KioskID
	}
	return o.kioskID
}

// ActiveSession returns the id of the session currently open on kiosk.
func (o *Orchestrator) ActiveSession(ctx context.Context, kiosk string) (string, error) {
	o.mu.Lock()
	id, ok := o.active[kiosk]
	o.mu.Unlock()
	if ok {
		return id, nil
	}
	list, err := o.store.List(ctx)
	if err != nil {
		return "", err
	}
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].KioskID == kiosk && list[i].State != fsm.Idle {
			o.setActive(kiosk, list[i].ID)
			return list[i].ID, nil
		}
	}
	return "", session.ErrNotFound
}

func (o *Orchestrator) setActive(kiosk, id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if id == "" {
		delete(o.active, kiosk)
		return
	}
	o.active[kiosk] = id
	o.owners[id] = kiosk
}

// resolve loads the session an event belongs to. ok is false when the event
// has no session to act on.
func (o *Orchestrator) resolve(ctx context.Context, kiosk string, ev router.Event) (*session.Session, bool, error) {
	id := ev.Envelope().SessionID
	if id == "" {
		active, err := o.ActiveSession(ctx, kiosk)
		if err != nil && !errors.Is(err, session.ErrNotFound) {
			return nil, false, err
		}
		id = active
	}
	if id != "" {
		sess, err := o.store.Get(ctx, id)
		switch {
		case err == nil:
			return sess, true, nil
		case errors.Is(err, session.ErrNotFound):
			o.forget(kiosk, id)
		default:
			return nil, false, err
		}
	}

	p, ok := ev.(*router.PerceptionEvent)
	if !ok || p.Signal != router.PerceptionDetected {
		return nil, false, nil
	}
	id = ev.Envelope().SessionID
	if id == "" {
		id = uuid.NewString()
	}
	return session.New(id, kiosk, o.clock.Now()), true, nil
}

// forget clears the active mapping for kiosk if it still points at id.
func (o *Orchestrator) forget(kiosk, id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active[kiosk] == id {
		delete(o.active, kiosk)
	}
	delete(o.owners, id)
}

func (o *Orchestrator) handle(ctx context.Context, kiosk string, ev router.Event) error {
	env := ev.Envelope()
	sess, ok, err := o.resolve(ctx, kiosk, ev)
	if err != nil {
		return fmt.Errorf("resolve session: %w", err)
	}
	if !ok {
		o.log.Debug().Str("kiosk_id", kiosk).Str("kind", string(ev.Kind())).Msg("no session for event")
		return nil
	}
	log := logger.ForSession(sess.ID, env.TraceID)

	if t, isTimer := ev.(*router.TimerEvent); isTimer {
		if t.Stale(sess) {
			log.Debug().Str("trigger", string(t.Trigger)).Msg("stale timer")
			return nil
		}
	} else if sess.Seen(env.MessageID) {
		log.Info().Str("message_id", env.MessageID).Msg("duplicate event ignored")
		return nil
	}

	plan := o.router.Route(sess.State, ev)
	if plan.Drop {
		log.Debug().Str("state", string(sess.State)).Str("kind", string(ev.Kind())).
			Str("reason", plan.Reason).Msg("event discarded")
		o.touch(ctx, sess, ev)
		return nil
	}

	c := &cycle{
		o:     o,
		sess:  sess,
		env:   env,
		kiosk: kiosk,
		now:   o.clock.Now(),
		fresh: sess.State == fsm.Idle,
		log:   log,
	}
	ctx = envelope.WithParent(ctx, env)
	if err := c.run(ctx, plan); err != nil {
		return err
	}
	return c.finish(ctx, ev)
}

// touch keeps a stored session alive when the customer is still there but
// the event changed nothing. Timers are not activity.
func (o *Orchestrator) touch(ctx context.Context, sess *session.Session, ev router.Event) {
	switch ev.(type) {
	case *router.TimerEvent, *router.EndEvent:
		return
	}
	if sess.State == fsm.Idle {
		return
	}
	if err := o.store.Touch(ctx, sess.ID, o.ttl); err != nil && !errors.Is(err, session.ErrNotFound) {
		o.log.Warn().Err(err).Str("session_id", sess.ID).Msg("refresh session ttl")
	}
}

// arm replaces the timer for kiosk with the one sess's state requires.
func (o *Orchestrator) arm(sess *session.Session) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if t, ok := o.timers[sess.KioskID]; ok {
		t.Stop()
		delete(o.timers, sess.KioskID)
	}
	timer, ok := o.timeouts.TimerFor(sess.State)
	if !ok {
		return
	}
	ev, err := router.NewTimerEvent(sess, timer.Trigger)
	if err != nil {
		o.log.Error().Err(err).Msg("build timer event")
		return
	}
	kiosk := sess.KioskID
	o.timers[kiosk] = o.clock.AfterFunc(timer.After, func() {
		if _, err := o.enqueue(o.runCtx, kiosk, ev); err != nil {
			o.log.Warn().Err(err).Str("kiosk_id", kiosk).Msg("timer event dropped")
		}
	})
}

func (o *Orchestrator) disarm(kiosk string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if t, ok := o.timers[kiosk]; ok {
		t.Stop()
		delete(o.timers, kiosk)
	}
}

// Breakers returns the breaker snapshots of every collaborator.
func (o *Orchestrator) Breakers() []agent.BreakerSnapshot {
	return o.agents.Breakers.Snapshots()
}
