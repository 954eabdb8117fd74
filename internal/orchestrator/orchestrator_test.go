package orchestrator

import (
	"context"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kiosk/internal/agent"
	"kiosk/internal/bus"
	"kiosk/internal/config"
	"kiosk/internal/envelope"
	"kiosk/internal/fsm"
	"kiosk/internal/responders"
	"kiosk/internal/router"
	"kiosk/internal/scheduler"
	"kiosk/internal/session"
	"kiosk/internal/storage"
	"kiosk/internal/synth"
)

const testKiosk = "k1"

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// manualClock fires timers only when advanced.
type manualClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

type manualTimer struct {
	clock   *manualClock
	at      time.Time
	f       func()
	stopped bool
}

func newManualClock() *manualClock { return &manualClock{now: epoch} }

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) Stopper {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := !t.stopped
	t.stopped = true
	return was
}

// Advance moves time forward and runs every timer that came due.
func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*manualTimer
	rest := c.timers[:0]
	for _, t := range c.timers {
		switch {
		case t.stopped:
		case !t.at.After(c.now):
			t.stopped = true
			due = append(due, t)
		default:
			rest = append(rest, t)
		}
	}
	c.timers = rest
	c.mu.Unlock()
	sort.Slice(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.f()
	}
}

type uiRecorder struct {
	mu  sync.Mutex
	all []*synth.Descriptor
}

func (r *uiRecorder) Push(_ string, d *synth.Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.all = append(r.all, d)
}

func (r *uiRecorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.all)
}

func (r *uiRecorder) Last() *synth.Descriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.all) == 0 {
		return nil
	}
	return r.all[len(r.all)-1]
}

type auditRecorder struct {
	mu   sync.Mutex
	recs []storage.TransitionRecord
}

func (a *auditRecorder) AppendTransition(_ context.Context, rec storage.TransitionRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.recs = append(a.recs, rec)
	return nil
}

func (a *auditRecorder) Path() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.recs))
	for _, r := range a.recs {
		out = append(out, r.From+">"+r.To)
	}
	return out
}

type harness struct {
	t      *testing.T
	o      *Orchestrator
	bus    *bus.MemoryBus
	store  *session.MemoryStore
	clock  *manualClock
	ui     *uiRecorder
	audit  *auditRecorder
	set    *responders.Set
	events chan *envelope.Envelope
}

type harnessOption func(cfg *config.Config, set *responders.Set, deps *Deps)

func testItems() []agent.MenuItem {
	items := responders.DefaultItems()
	for i := range items {
		if items[i].ItemID == 201 {
			items[i].Price = 5.99
		}
	}
	return items
}

func testConfig() *config.Config {
	fast := config.AgentConfig{RetryDelay: time.Millisecond}
	return &config.Config{
		Session: config.SessionConfig{
			KioskID:        testKiosk,
			TTL:            30 * time.Minute,
			AttractTimeout: 5 * time.Second,
			IdleTimeout:    30 * time.Second,
			UpdateLinger:   10 * time.Second,
			QueueSize:      64,
			LaneIdle:       time.Minute,
			DedupWindow:    64,
		},
		Agents: map[string]config.AgentConfig{
			config.ServiceMenu:     fast,
			config.ServiceRecsys:   fast,
			config.ServiceLanguage: fast,
			config.ServiceHardware: fast,
			config.ServicePayment:  {Timeout: 100 * time.Millisecond},
		},
		Synth: config.SynthConfig{GridMax: 9, SearchLimit: 10, HistoryTail: 6},
	}
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	cfg := testConfig()
	catalog := responders.NewCatalog(testItems())
	set := &responders.Set{
		Catalog:  catalog,
		Recsys:   responders.NewRecommender(catalog, nil, nil),
		Payment:  responders.NewPayment(0, 0),
		Hardware: responders.NewHardware(),
		Language: responders.NewLanguage(nil),
	}
	h := &harness{
		t:      t,
		bus:    bus.NewMemoryBus(),
		clock:  newManualClock(),
		ui:     &uiRecorder{},
		audit:  &auditRecorder{},
		set:    set,
		events: make(chan *envelope.Envelope, 64),
	}
	h.store = session.NewMemoryStore(h.clock.Now)
	deps := Deps{Bus: h.bus, Store: h.store, Auditor: h.audit, UI: h.ui, Clock: h.clock}
	for _, opt := range opts {
		opt(cfg, set, &deps)
	}

	g, err := responders.Serve(h.bus, set)
	require.NoError(t, err)
	agents, err := agent.New(h.bus, cfg, h.clock.Now)
	require.NoError(t, err)
	deps.Agents = agents

	sub, err := h.bus.Subscribe("session.lifecycle.>", func(_ context.Context, _ string, env *envelope.Envelope) {
		h.events <- env
	})
	require.NoError(t, err)

	h.o, err = New(cfg, deps)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.o.Stop(ctx)
		_ = sub.Unsubscribe()
		_ = g.Close()
		_ = h.bus.Close()
	})
	return h
}

func (h *harness) envelope(payload any) *envelope.Envelope {
	env, err := envelope.New("", "", payload)
	require.NoError(h.t, err)
	env.KioskID = testKiosk
	return env
}

// submit runs one event through the kiosk lane and waits for it.
func (h *harness) submit(subject string, env *envelope.Envelope) error {
	h.t.Helper()
	done, err := h.o.Submit(context.Background(), subject, env)
	if err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		h.t.Fatalf("event %s not processed", subject)
		return nil
	}
}

func (h *harness) send(subject string, payload any) {
	h.t.Helper()
	require.NoError(h.t, h.submit(subject, h.envelope(payload)))
}

// advance moves the clock and waits until timer events it produced ran.
func (h *harness) advance(d time.Duration) {
	h.t.Helper()
	h.clock.Advance(d)
	done, err := h.o.lanes.Enqueue(context.Background(), testKiosk, func(context.Context) error { return nil })
	require.NoError(h.t, err)
	<-done
}

func (h *harness) session() *session.Session {
	h.t.Helper()
	id, err := h.o.ActiveSession(context.Background(), testKiosk)
	require.NoError(h.t, err)
	sess, err := h.store.Get(context.Background(), id)
	require.NoError(h.t, err)
	return sess
}

func (h *harness) state() fsm.State { return h.session().State }

func (h *harness) lifecycle(subject string) Lifecycle {
	h.t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case env := <-h.events:
			var ev Lifecycle
			require.NoError(h.t, env.Decode(&ev))
			if env.KioskID == testKiosk && subject == bus.SubjectSessionEnded && ev.EndedAt != nil {
				return ev
			}
			if subject == bus.SubjectSessionStarted && ev.EndedAt == nil {
				return ev
			}
		case <-deadline:
			h.t.Fatalf("no %s event", subject)
			return Lifecycle{}
		}
	}
}

func (h *harness) engage() {
	h.send(bus.SubjectPersonDetected, map[string]any{"confidence": 0.95, "estimated_age_group": "adult", "estimated_party_size": 2})
	h.send(bus.SubjectGazeDetected, map[string]any{"looking_at_screen": true})
	require.Equal(h.t, fsm.Listening, h.state())
}

func (h *harness) addToCart(itemID, qty int) {
	h.send(bus.SubjectCartAction, map[string]any{"action": "add_to_cart", "item_id": itemID, "quantity": qty})
}

func componentTypes(d *synth.Descriptor) []string {
	var out []string
	for _, c := range d.Components {
		out = append(out, c.Type)
	}
	return out
}

func TestScenarioPersonDetected(t *testing.T) {
	h := newHarness(t)
	h.send(bus.SubjectPersonDetected, map[string]any{"confidence": 0.95, "face_detected": true, "estimated_age_group": "adult", "estimated_party_size": 2})

	sess := h.session()
	assert.Equal(t, fsm.Attract, sess.State)
	assert.Equal(t, testKiosk, sess.KioskID)
	assert.Equal(t, "adult", sess.Demographics["age_group"])
	assert.Equal(t, "2", sess.Demographics["party_size"])

	d := h.ui.Last()
	require.NotNil(t, d)
	assert.Equal(t, synth.LayoutAttract, d.LayoutMode)
	assert.Equal(t, string(fsm.Attract), d.State)
	assert.Equal(t, []string{"IDLE>ATTRACT"}, h.audit.Path())

	started := h.lifecycle(bus.SubjectSessionStarted)
	assert.Equal(t, sess.ID, started.SessionID)
	assert.Equal(t, "person_detected", started.Reason)
}

func TestScenarioTranscriptKeywordFallback(t *testing.T) {
	h := newHarness(t)
	h.engage()

	h.send(bus.SubjectTranscript, map[string]any{"text": "I want a burger", "confidence": 0.92, "language": "en"})

	sess := h.session()
	assert.Equal(t, fsm.Updating, sess.State)
	assert.Equal(t, []string{
		"IDLE>ATTRACT", "ATTRACT>LISTENING",
		"LISTENING>PROCESSING", "PROCESSING>DECIDING", "DECIDING>UPDATING",
	}, h.audit.Path())

	d := h.ui.Last()
	require.NotNil(t, d)
	assert.Equal(t, synth.LayoutGrid, d.LayoutMode)
	require.NotEmpty(t, d.Components)
	assert.Equal(t, synth.ComponentGrid, d.Components[0].Type)
	grid := d.Components[0].Data.(synth.GridData)
	assert.Equal(t, 3, grid.Total)
	assert.NotEmpty(t, d.Utterance)
	assert.Equal(t, []int{101, 102, 103}, sess.LastShown)

	require.GreaterOrEqual(t, len(sess.History), 2)
	assert.Equal(t, "I want a burger", sess.History[len(sess.History)-2].Text)
	assert.Equal(t, "kiosk", sess.History[len(sess.History)-1].Role)
}

func TestScenarioCartTotal(t *testing.T) {
	h := newHarness(t)
	h.engage()

	h.addToCart(101, 1)
	require.Equal(t, int64(1299), h.session().TotalCents())

	h.addToCart(201, 2)
	sess := h.session()
	assert.Equal(t, fsm.Updating, sess.State)
	assert.Equal(t, int64(2497), sess.TotalCents())
	assert.InDelta(t, 24.97, sess.Total(), 1e-9)

	d := h.ui.Last()
	assert.Equal(t, int64(2497), d.Cart.TotalCents)
	assert.InDelta(t, 24.97, d.Cart.Total, 1e-9)
	assert.Contains(t, componentTypes(d), synth.ComponentCartUpdate)
}

func TestScenarioPaymentTimeout(t *testing.T) {
	h := newHarness(t, func(_ *config.Config, set *responders.Set, _ *Deps) {
		set.Payment = responders.NewPayment(0, time.Second)
	})
	h.engage()
	h.addToCart(101, 1)

	h.send(bus.SubjectTouchAction, map[string]any{"action": "checkout"})

	sess := h.session()
	assert.Equal(t, fsm.Updating, sess.State)
	assert.Len(t, sess.Cart, 1)
	assert.Equal(t, int64(1), h.set.Payment.Charges())

	path := h.audit.Path()
	assert.Equal(t, []string{"UPDATING>CHECKOUT", "CHECKOUT>UPDATING"}, path[len(path)-2:])

	d := h.ui.Last()
	assert.Equal(t, synth.LayoutCheckout, d.LayoutMode)
	pay := d.Components[0].Data.(synth.PaymentData)
	assert.Equal(t, "failed", pay.Status)
	assert.Equal(t, "the terminal timed out", pay.Message)

	// the next attempt only happens on a new action
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(1), h.set.Payment.Charges())
}

func TestScenarioIdleTimeout(t *testing.T) {
	h := newHarness(t)
	h.engage()
	id := h.session().ID
	_ = h.lifecycle(bus.SubjectSessionStarted)

	h.advance(29 * time.Second)
	assert.Equal(t, fsm.Listening, h.state())

	h.advance(time.Second)
	_, err := h.store.Get(context.Background(), id)
	assert.ErrorIs(t, err, session.ErrNotFound)
	_, err = h.o.ActiveSession(context.Background(), testKiosk)
	assert.ErrorIs(t, err, session.ErrNotFound)

	ended := h.lifecycle(bus.SubjectSessionEnded)
	assert.Equal(t, id, ended.SessionID)
	assert.Equal(t, "idle_timeout", ended.Reason)

	path := h.audit.Path()
	assert.Equal(t, "LISTENING>IDLE", path[len(path)-1])
	assert.Equal(t, synth.LayoutFarewell, h.ui.Last().LayoutMode)
}

func TestIdleTimeoutClearsOrder(t *testing.T) {
	h := newHarness(t)
	h.engage()
	h.addToCart(101, 1)
	id := h.session().ID

	// linger back to listening, then idle out
	h.advance(10 * time.Second)
	require.Equal(t, fsm.Listening, h.state())
	h.advance(30 * time.Second)

	_, err := h.store.Get(context.Background(), id)
	assert.ErrorIs(t, err, session.ErrNotFound)

	// the next customer starts from an empty session
	h.send(bus.SubjectPersonDetected, map[string]any{"confidence": 0.9})
	sess := h.session()
	assert.NotEqual(t, id, sess.ID)
	assert.Empty(t, sess.Cart)
	assert.Len(t, sess.History, 1)
}

func TestAttractTimeout(t *testing.T) {
	h := newHarness(t)
	h.send(bus.SubjectPersonDetected, map[string]any{"confidence": 0.9})

	h.advance(4 * time.Second)
	assert.Equal(t, fsm.Attract, h.state())
	h.advance(time.Second)
	assert.Equal(t, fsm.Listening, h.state())
	assert.Equal(t, synth.LayoutConversation, h.ui.Last().LayoutMode)
}

func TestLingerKeepsScreen(t *testing.T) {
	h := newHarness(t)
	h.engage()
	h.addToCart(101, 1)
	pushed := h.ui.Len()

	h.advance(10 * time.Second)
	assert.Equal(t, fsm.Listening, h.state())
	assert.Equal(t, pushed, h.ui.Len())
}

func TestStaleTimerIgnored(t *testing.T) {
	h := newHarness(t)
	h.engage()

	h.advance(20 * time.Second)
	h.send(bus.SubjectTranscript, map[string]any{"text": "um okay"})
	require.Equal(t, fsm.Listening, h.state())

	// 30s after engagement, but only 10s after the last activity
	h.advance(10 * time.Second)
	assert.Equal(t, fsm.Listening, h.state())
	h.advance(20 * time.Second)
	_, err := h.o.ActiveSession(context.Background(), testKiosk)
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestUnclearTranscript(t *testing.T) {
	h := newHarness(t)
	h.engage()

	h.send(bus.SubjectTranscript, map[string]any{"text": "um okay"})
	assert.Equal(t, fsm.Listening, h.state())
	path := h.audit.Path()
	assert.Equal(t, "PROCESSING>LISTENING", path[len(path)-1])
	assert.Equal(t, synth.LayoutConversation, h.ui.Last().LayoutMode)
}

func TestDuplicateEventApplied(t *testing.T) {
	h := newHarness(t)
	h.engage()

	env := h.envelope(map[string]any{"action": "add_to_cart", "item_id": 101, "quantity": 1})
	require.NoError(t, h.submit(bus.SubjectCartAction, env))
	pushed := h.ui.Len()
	require.NoError(t, h.submit(bus.SubjectCartAction, env))

	sess := h.session()
	require.Len(t, sess.Cart, 1)
	assert.Equal(t, 1, sess.Cart[0].Quantity)
	assert.Equal(t, pushed, h.ui.Len())
}

func TestContractFailuresLeaveSessionUntouched(t *testing.T) {
	h := newHarness(t)
	h.engage()
	before := h.session()
	pushed := h.ui.Len()

	bad := h.envelope(map[string]any{"text": "burger"})
	bad.TraceID = ""
	_, err := h.o.Submit(context.Background(), bus.SubjectTranscript, bad)
	assert.ErrorIs(t, err, envelope.ErrMalformed)

	future := h.envelope(map[string]any{"text": "burger"})
	future.SchemaVersion = "2.0"
	_, err = h.o.Submit(context.Background(), bus.SubjectTranscript, future)
	assert.ErrorIs(t, err, envelope.ErrIncompatibleSchema)

	_, err = h.o.Submit(context.Background(), "vision.face.blurred", h.envelope(nil))
	assert.ErrorIs(t, err, router.ErrUnknownEvent)

	_, err = h.o.Submit(context.Background(), bus.SubjectTouchAction, h.envelope(map[string]any{"item_id": 1}))
	assert.ErrorIs(t, err, envelope.ErrMalformed)

	after := h.session()
	assert.Equal(t, before.State, after.State)
	assert.Equal(t, before.LastActivity, after.LastActivity)
	assert.Equal(t, pushed, h.ui.Len())
}

func TestPersonLeftEndsSession(t *testing.T) {
	h := newHarness(t)
	h.engage()
	h.addToCart(101, 1)
	id := h.session().ID

	h.send(bus.SubjectPersonLeft, map[string]any{"duration_ms": 42000})

	_, err := h.store.Get(context.Background(), id)
	assert.ErrorIs(t, err, session.ErrNotFound)
	ended := h.lifecycle(bus.SubjectSessionEnded)
	assert.Equal(t, "person_left", ended.Reason)
	assert.Equal(t, 1, ended.Items)
	assert.InDelta(t, 12.99, ended.CartTotal, 1e-9)
}

func TestEventsWithoutSessionIgnored(t *testing.T) {
	h := newHarness(t)
	h.send(bus.SubjectTranscript, map[string]any{"text": "burger"})
	h.send(bus.SubjectPersonLeft, nil)

	_, err := h.o.ActiveSession(context.Background(), testKiosk)
	assert.ErrorIs(t, err, session.ErrNotFound)
	assert.Zero(t, h.ui.Len())
}

func TestCheckoutCompletes(t *testing.T) {
	h := newHarness(t)
	h.engage()
	h.addToCart(101, 1)
	h.addToCart(201, 2)
	id := h.session().ID

	h.send(bus.SubjectTouchAction, map[string]any{"action": "checkout"})

	_, err := h.store.Get(context.Background(), id)
	assert.ErrorIs(t, err, session.ErrNotFound)
	d := h.ui.Last()
	assert.Equal(t, synth.LayoutFarewell, d.LayoutMode)
	pay := d.Components[0].Data.(synth.PaymentData)
	assert.Equal(t, "approved", pay.Status)
	assert.InDelta(t, 24.97, pay.Amount, 1e-9)
	assert.Equal(t, int64(1), h.set.Payment.Charges())

	ended := h.lifecycle(bus.SubjectSessionEnded)
	assert.Equal(t, "payment_complete", ended.Reason)
	path := h.audit.Path()
	assert.Equal(t, "CHECKOUT>IDLE", path[len(path)-1])
}

func TestPaymentDeclinedThenRetry(t *testing.T) {
	h := newHarness(t, func(_ *config.Config, set *responders.Set, _ *Deps) {
		set.Payment = responders.NewPayment(10, 0)
	})
	h.engage()
	h.addToCart(101, 1)

	h.send(bus.SubjectTouchAction, map[string]any{"action": "checkout"})
	assert.Equal(t, fsm.Updating, h.state())
	pay := h.ui.Last().Components[0].Data.(synth.PaymentData)
	assert.Equal(t, "card declined", pay.Message)

	h.send(bus.SubjectTouchAction, map[string]any{"action": "remove_from_cart", "item_id": 101})
	h.addToCart(201, 1)
	h.send(bus.SubjectTouchAction, map[string]any{"action": "checkout"})
	assert.Equal(t, int64(2), h.set.Payment.Charges())
	assert.Equal(t, synth.LayoutFarewell, h.ui.Last().LayoutMode)
}

func TestEmptyCartCheckout(t *testing.T) {
	h := newHarness(t)
	h.engage()
	h.send(bus.SubjectTranscript, map[string]any{"text": "show me fries"})
	require.Equal(t, fsm.Updating, h.state())

	h.send(bus.SubjectTouchAction, map[string]any{"action": "checkout"})
	assert.Equal(t, fsm.Updating, h.state())
	assert.Zero(t, h.set.Payment.Charges())
	assert.Contains(t, h.ui.Last().Utterance, "empty")
}

func TestOutOfStockRendered(t *testing.T) {
	h := newHarness(t)
	h.set.Catalog.SetAvailable(103, false)
	h.engage()

	h.addToCart(103, 1)
	sess := h.session()
	assert.Equal(t, fsm.Updating, sess.State)
	assert.Empty(t, sess.Cart)
	assert.Contains(t, componentTypes(h.ui.Last()), synth.ComponentUnavailable)
}

func TestCollaboratorsDownStillRender(t *testing.T) {
	h := newHarness(t, func(_ *config.Config, set *responders.Set, _ *Deps) {
		set.Catalog = nil
		set.Recsys = nil
	})
	h.engage()

	h.send(bus.SubjectTranscript, map[string]any{"text": "I want a burger"})
	assert.Equal(t, fsm.Updating, h.state())
	d := h.ui.Last()
	require.NotNil(t, d)
	assert.NotEmpty(t, d.Utterance)
	assert.NotNil(t, d.SuggestedActions)

	snaps := h.o.Breakers()
	assert.NotEmpty(t, snaps)
}

func TestStartOver(t *testing.T) {
	h := newHarness(t)
	h.engage()
	h.addToCart(101, 1)

	h.send(bus.SubjectTouchAction, map[string]any{"action": "start_over"})
	_, err := h.o.ActiveSession(context.Background(), testKiosk)
	assert.ErrorIs(t, err, session.ErrNotFound)
	assert.Equal(t, "start_over", h.lifecycle(bus.SubjectSessionEnded).Reason)
}

func TestUIPublishedOnBus(t *testing.T) {
	h := newHarness(t)
	got := make(chan *envelope.Envelope, 8)
	sub, err := h.bus.Subscribe(bus.SubjectUIUpdate, func(_ context.Context, _ string, env *envelope.Envelope) {
		got <- env
	})
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	env := h.envelope(map[string]any{"confidence": 0.9})
	require.NoError(t, h.submit(bus.SubjectPersonDetected, env))

	select {
	case ui := <-got:
		assert.Equal(t, env.TraceID, ui.TraceID)
		assert.Equal(t, env.MessageID, ui.CorrelationID)
		var upd UIUpdate
		require.NoError(t, ui.Decode(&upd))
		assert.Equal(t, testKiosk, upd.KioskID)
		assert.Equal(t, synth.LayoutAttract, upd.Descriptor.LayoutMode)
	case <-time.After(2 * time.Second):
		t.Fatal("no ui.update published")
	}
}

func TestAuditToSQLite(t *testing.T) {
	db, err := storage.Open(filepath.Join(t.TempDir(), "kiosk.db"))
	require.NoError(t, err)
	defer db.Close()

	h := newHarness(t, func(_ *config.Config, _ *responders.Set, deps *Deps) {
		deps.Auditor = db
	})
	h.engage()
	h.addToCart(101, 1)
	id := h.session().ID

	recs, err := db.ListTransitions(context.Background(), id, 0)
	require.NoError(t, err)
	require.Len(t, recs, 5)
	assert.Equal(t, "IDLE", recs[0].From)
	assert.Equal(t, string(fsm.PersonDetected), recs[0].Trigger)
	assert.Equal(t, "UPDATING", recs[4].To)
	for _, r := range recs {
		assert.NotEmpty(t, r.TraceID)
		assert.NotEmpty(t, r.MessageID)
	}
}

func TestKiosksRunIndependently(t *testing.T) {
	h := newHarness(t)
	h.send(bus.SubjectPersonDetected, map[string]any{"confidence": 0.9})

	other := h.envelope(map[string]any{"confidence": 0.9})
	other.KioskID = "k2"
	require.NoError(t, h.submit(bus.SubjectPersonDetected, other))

	a, err := h.o.ActiveSession(context.Background(), testKiosk)
	require.NoError(t, err)
	b, err := h.o.ActiveSession(context.Background(), "k2")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestNewRequiresDeps(t *testing.T) {
	_, err := New(testConfig(), Deps{})
	assert.Error(t, err)
}

func TestSubmitAfterStop(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.o.Stop(context.Background()))
	_, err := h.o.Submit(context.Background(), bus.SubjectPersonDetected, h.envelope(nil))
	assert.ErrorIs(t, err, scheduler.ErrClosed)
}

type touchCounter struct {
	session.Store
	mu      sync.Mutex
	touched []string
}

func (c *touchCounter) Touch(ctx context.Context, id string, ttl time.Duration) error {
	c.mu.Lock()
	c.touched = append(c.touched, id)
	c.mu.Unlock()
	return c.Store.Touch(ctx, id, ttl)
}

func (c *touchCounter) Touched() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.touched...)
}

func TestSessionStaysOnOwningLane(t *testing.T) {
	h := newHarness(t, func(_ *config.Config, set *responders.Set, _ *Deps) {
		set.Payment = responders.NewPayment(0, 60*time.Millisecond)
	})
	ended := make(chan Lifecycle, 1)
	sub, err := h.bus.Subscribe(bus.SubjectSessionEnded, func(_ context.Context, _ string, env *envelope.Envelope) {
		var ev Lifecycle
		if env.Decode(&ev) == nil && env.KioskID == "k2" {
			ended <- ev
		}
	})
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	onK2 := func(payload any) *envelope.Envelope {
		env := h.envelope(payload)
		env.KioskID = "k2"
		return env
	}
	require.NoError(t, h.submit(bus.SubjectPersonDetected, onK2(map[string]any{"confidence": 0.9})))
	require.NoError(t, h.submit(bus.SubjectGazeDetected, onK2(map[string]any{"looking_at_screen": true})))
	id, err := h.o.ActiveSession(context.Background(), "k2")
	require.NoError(t, err)
	add := onK2(map[string]any{"action": "add_to_cart", "item_id": 101, "quantity": 1})
	add.SessionID = id
	require.NoError(t, h.submit(bus.SubjectCartAction, add))
	pushed := h.ui.Len()

	// checkout names the session but no kiosk, the late add names both
	checkout := h.envelope(map[string]any{"action": "checkout"})
	checkout.KioskID = ""
	checkout.SessionID = id
	late := onK2(map[string]any{"action": "add_to_cart", "item_id": 201, "quantity": 1})
	late.SessionID = id

	var (
		mu    sync.Mutex
		order []string
	)
	wait := func(name string, done <-chan error) <-chan struct{} {
		out := make(chan struct{})
		go func() {
			defer close(out)
			assert.NoError(t, <-done)
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
		}()
		return out
	}
	d1, err := h.o.Submit(context.Background(), bus.SubjectTouchAction, checkout)
	require.NoError(t, err)
	w1 := wait("checkout", d1)
	d2, err := h.o.Submit(context.Background(), bus.SubjectCartAction, late)
	require.NoError(t, err)
	w2 := wait("add", d2)
	<-w1
	<-w2

	assert.Equal(t, []string{"checkout", "add"}, order)
	assert.Equal(t, pushed+1, h.ui.Len())
	assert.Equal(t, synth.LayoutFarewell, h.ui.Last().LayoutMode)
	_, err = h.store.Get(context.Background(), id)
	assert.ErrorIs(t, err, session.ErrNotFound)

	select {
	case ev := <-ended:
		assert.Equal(t, id, ev.SessionID)
		assert.Equal(t, 1, ev.Items)
	case <-time.After(2 * time.Second):
		t.Fatal("no session.lifecycle.ended for k2")
	}
}

func TestEndThroughLane(t *testing.T) {
	h := newHarness(t)
	h.engage()
	h.addToCart(101, 1)
	id := h.session().ID
	_ = h.lifecycle(bus.SubjectSessionStarted)

	done, err := h.o.End(context.Background(), id, "operator")
	require.NoError(t, err)
	require.NoError(t, <-done)

	_, err = h.store.Get(context.Background(), id)
	assert.ErrorIs(t, err, session.ErrNotFound)
	_, err = h.o.ActiveSession(context.Background(), testKiosk)
	assert.ErrorIs(t, err, session.ErrNotFound)

	ended := h.lifecycle(bus.SubjectSessionEnded)
	assert.Equal(t, id, ended.SessionID)
	assert.Equal(t, "operator", ended.Reason)
	assert.Equal(t, 1, ended.Items)

	// the disarmed idle timer never fires into the next customer
	h.send(bus.SubjectPersonDetected, map[string]any{"confidence": 0.9})
	next := h.session().ID
	h.advance(40 * time.Second)
	assert.Equal(t, next, h.session().ID)

	_, err = h.o.End(context.Background(), "missing", "operator")
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestCheckoutBlockedBySoldOutItem(t *testing.T) {
	h := newHarness(t)
	h.engage()
	h.addToCart(101, 1)
	h.set.Catalog.SetAvailable(101, false)

	h.send(bus.SubjectTouchAction, map[string]any{"action": "checkout"})

	sess := h.session()
	assert.Equal(t, fsm.Updating, sess.State)
	assert.Len(t, sess.Cart, 1)
	assert.Zero(t, h.set.Payment.Charges())
	d := h.ui.Last()
	assert.Equal(t, synth.LayoutCheckout, d.LayoutMode)
	pay := d.Components[0].Data.(synth.PaymentData)
	assert.Equal(t, "failed", pay.Status)
	assert.Contains(t, pay.Message, "sold out")
}

func TestCheckLanes(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config, _ *responders.Set, _ *Deps) {
		cfg.Session.QueueSize = 2
	})
	require.NoError(t, h.o.CheckLanes(context.Background()))

	started, release := make(chan struct{}), make(chan struct{})
	_, err := h.o.lanes.Enqueue(context.Background(), testKiosk, func(context.Context) error {
		close(started)
		<-release
		return nil
	})
	require.NoError(t, err)
	<-started
	for i := 0; i < 2; i++ {
		_, err := h.o.lanes.Enqueue(context.Background(), testKiosk, func(context.Context) error { return nil })
		require.NoError(t, err)
	}
	err = h.o.CheckLanes(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "saturated")

	close(release)
	require.Eventually(t, func() bool { return h.o.CheckLanes(context.Background()) == nil }, 2*time.Second, 10*time.Millisecond)
}

func TestDroppedEventRefreshesTTL(t *testing.T) {
	var counter *touchCounter
	h := newHarness(t, func(_ *config.Config, _ *responders.Set, deps *Deps) {
		counter = &touchCounter{Store: deps.Store}
		deps.Store = counter
	})
	h.engage()
	id := h.session().ID
	require.Empty(t, counter.Touched())

	h.send(bus.SubjectGazeDetected, map[string]any{"looking_at_screen": true})
	assert.Equal(t, fsm.Listening, h.state())
	assert.Equal(t, []string{id}, counter.Touched())

	// timers are not customer activity
	h.advance(10 * time.Second)
	assert.Equal(t, []string{id}, counter.Touched())
}
