package orchestrator

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"kiosk/internal/agent"
	"kiosk/internal/bus"
	"kiosk/internal/envelope"
	"kiosk/internal/fsm"
	"kiosk/internal/router"
	"kiosk/internal/session"
	"kiosk/internal/synth"
)

const currency = "USD"

// cycle is the processing of one event for one session. Steps run in a
// plain loop; nothing re-enters the router.
type cycle struct {
	o     *Orchestrator
	sess  *session.Session
	env   *envelope.Envelope
	kiosk string
	now   time.Time
	fresh bool
	log   zerolog.Logger

	kind     synth.Kind
	outcome  *router.Outcome
	payment  *synth.PaymentData
	snapshot *session.Session // taken just before entering IDLE
	reason   string
}

func (c *cycle) run(ctx context.Context, plan router.Plan) error {
	if plan.Perception != nil {
		c.perceive(plan.Perception)
	}
	if plan.Next == router.NextCheckout && len(c.sess.Cart) == 0 {
		c.kind = synth.KindResults
		c.outcome = &router.Outcome{EmptyCart: true}
		return nil
	}
	for _, t := range plan.Triggers {
		if err := c.fire(ctx, t); err != nil {
			return err
		}
	}
	c.reason = plan.Reason

	switch plan.Next {
	case router.NextDerive:
		c.sess.AddTurn("customer", plan.Text, c.now)
		in := c.o.router.Derive(ctx, c.sess, plan.Text)
		return c.decide(ctx, in)
	case router.NextIntent:
		if plan.Intent.RawText != "" {
			c.sess.AddTurn("customer", plan.Intent.RawText, c.now)
		}
		return c.decide(ctx, *plan.Intent)
	case router.NextCheckout:
		return c.checkout(ctx)
	}
	return nil
}

func (c *cycle) fire(ctx context.Context, trigger fsm.Trigger) error {
	from := c.sess.State
	tr, err := fsm.Fire(from, trigger, c.now)
	if err != nil {
		c.log.Warn().Str("state", string(from)).Str("trigger", string(trigger)).Msg("unmatched trigger discarded")
		return fmt.Errorf("fire %s: %w", trigger, err)
	}
	if tr.To == fsm.Idle {
		c.snapshot = c.sess.Clone()
	}
	c.sess.Apply(tr)
	c.o.audit(ctx, c, string(tr.From), string(tr.To), string(trigger))
	c.log.Info().
		Str("from", string(tr.From)).
		Str("trigger", string(trigger)).
		Str("to", string(tr.To)).
		Msg("transition")
	return nil
}

func (c *cycle) perceive(p *router.PerceptionEvent) {
	if c.sess.Demographics == nil {
		c.sess.Demographics = map[string]string{}
	}
	if p.AgeGroup != "" {
		c.sess.Demographics["age_group"] = p.AgeGroup
	}
	if p.PartySize > 0 {
		c.sess.Demographics["party_size"] = strconv.Itoa(p.PartySize)
	}
	if p.FaceDetected {
		c.sess.Demographics["face_detected"] = "true"
	}
}

func (c *cycle) decide(ctx context.Context, in session.Intent) error {
	if !c.o.router.Accept(in) {
		c.log.Info().Str("intent", in.Name).Float64("confidence", in.Confidence).Msg("intent unclear")
		c.kind = synth.KindClarify
		return c.fire(ctx, fsm.IntentUnclear)
	}

	c.sess.PendingIntent = &in
	if err := c.fire(ctx, fsm.IntentDerived); err != nil {
		return err
	}
	out := c.o.router.Execute(ctx, c.sess, in)
	for _, r := range out.Results {
		c.log.Debug().
			Str("task", r.Name).
			Str("status", string(r.Status)).
			Dur("elapsed", r.Elapsed).
			Err(r.Err).
			Msg("fan-out result")
	}
	if err := c.fire(ctx, fsm.AllAgentsReplied); err != nil {
		return err
	}
	c.sess.PendingIntent = nil

	if out.Checkout {
		if err := c.fire(ctx, fsm.CheckoutRequested); err != nil {
			return err
		}
		return c.checkout(ctx)
	}
	c.kind = synth.KindResults
	c.outcome = &out
	return nil
}

// checkout charges the cart exactly once. Items that went out of stock
// since they were added, and payment failures of any kind, become the
// payment-failed trigger.
func (c *cycle) checkout(ctx context.Context) error {
	amount := c.sess.TotalCents()
	if gone := c.soldOut(ctx); len(gone) > 0 {
		c.log.Info().Strs("items", gone).Msg("checkout blocked by sold out items")
		c.payment = &synth.PaymentData{
			Status:  "failed",
			Amount:  float64(amount) / 100,
			Message: strings.Join(gone, ", ") + " sold out, please update your order",
		}
		c.kind = synth.KindPaymentFailed
		return c.fire(ctx, fsm.PaymentFailed)
	}
	res, err := c.o.agents.Payment.Charge(ctx, agent.ChargeRequest{
		SessionID:   c.sess.ID,
		AmountCents: amount,
		Currency:    currency,
		Items:       agent.CartItems(c.sess.Cart),
	})
	if err != nil {
		msg := "payment could not be completed"
		if ae, ok := agent.AsAgentError(err); ok {
			msg = paymentMessage(ae)
		}
		c.log.Warn().Err(err).Int64("amount_cents", amount).Msg("payment failed")
		c.payment = &synth.PaymentData{Status: "failed", Amount: float64(amount) / 100, Message: msg}
		c.kind = synth.KindPaymentFailed
		return c.fire(ctx, fsm.PaymentFailed)
	}

	c.payment = &synth.PaymentData{
		Status:        "approved",
		TransactionID: res.TransactionID,
		Amount:        float64(amount) / 100,
	}
	c.kind = synth.KindComplete
	if err := c.fire(ctx, fsm.PaymentComplete); err != nil {
		return err
	}
	c.reason = "payment_complete"

	_, err = c.o.agents.Hardware.Command(ctx, agent.HardwareCommand{
		Device: "printer",
		Action: "print_receipt",
		Params: map[string]string{
			"transaction_id": res.TransactionID,
			"amount_cents":   strconv.FormatInt(amount, 10),
		},
	})
	if err != nil {
		c.log.Warn().Err(err).Msg("receipt not printed")
	}
	return nil
}

// soldOut returns the names of cart lines the menu now reports unavailable.
// A menu that cannot answer does not block the payment.
func (c *cycle) soldOut(ctx context.Context) []string {
	ids := make([]int, 0, len(c.sess.Cart))
	for _, l := range c.sess.Cart {
		ids = append(ids, l.ItemID)
	}
	avail, err := c.o.agents.Menu.Availability(ctx, ids)
	if err != nil {
		c.log.Warn().Err(err).Msg("availability check skipped")
		return nil
	}
	var gone []string
	for _, l := range c.sess.Cart {
		if ok, known := avail[l.ItemID]; known && !ok {
			gone = append(gone, l.Name)
		}
	}
	return gone
}

func paymentMessage(ae *agent.AgentError) string {
	switch ae.Code {
	case agent.CodePaymentDeclined:
		return "card declined"
	case agent.CodePaymentTimeout:
		return "the terminal timed out"
	case agent.CodeCircuitOpen, agent.CodeUnavailable:
		return "the payment terminal is unavailable"
	default:
		if ae.Message != "" {
			return ae.Message
		}
		return string(ae.Code)
	}
}

// finish renders the descriptor for the state the cycle rests in, persists
// the session and emits the UI.
func (c *cycle) finish(ctx context.Context, ev router.Event) error {
	sess := c.sess
	timer, isTimer := ev.(*router.TimerEvent)

	kind := c.kind
	render := true
	if kind == "" {
		switch sess.State {
		case fsm.Idle:
			kind = synth.KindFarewell
		case fsm.Attract:
			kind = synth.KindWelcome
		case fsm.Listening:
			kind = synth.KindListening
			// A lingering results screen keeps showing until the customer acts.
			render = !(isTimer && timer.Trigger == fsm.ContinueSignal)
		default:
			kind = synth.KindResults
		}
	}

	var d *synth.Descriptor
	if render {
		view := sess
		if sess.State == fsm.Idle && c.snapshot != nil {
			view = c.snapshot.Clone()
			view.State = sess.State
		}
		d = c.o.synth.Synthesize(ctx, synth.Input{
			Kind:    kind,
			Session: view,
			Outcome: c.outcome,
			Payment: c.payment,
		})
		if kind == synth.KindResults {
			sess.LastShown = synth.ShownIDs(synth.Shown(c.outcome, c.o.gridMax))
		}
	}

	if sess.State == fsm.Idle {
		if !c.fresh {
			if err := c.o.store.Delete(ctx, sess.ID); err != nil {
				return fmt.Errorf("delete session: %w", err)
			}
			c.o.forget(c.kiosk, sess.ID)
			c.o.disarm(c.kiosk)
			snap := c.snapshot
			if snap == nil {
				snap = sess
			}
			c.o.emitLifecycle(ctx, c, bus.SubjectSessionEnded, snap, c.reason)
		}
	} else {
		if d != nil {
			sess.AddTurn("kiosk", d.Utterance, c.now)
		}
		if !isTimer {
			sess.MarkSeen(c.env.MessageID, c.o.dedupWindow)
		}
		sess.LastActivity = c.now
		if err := c.o.store.Put(ctx, sess, c.o.ttl); err != nil {
			return fmt.Errorf("persist session: %w", err)
		}
		c.o.setActive(c.kiosk, sess.ID)
		c.o.arm(sess)
		if c.fresh {
			c.o.emitLifecycle(ctx, c, bus.SubjectSessionStarted, sess, "person_detected")
		}
	}

	if d != nil {
		c.o.emitUI(ctx, c, d)
	}
	c.log.Info().Str("state", string(sess.State)).Str("ui", string(kind)).Bool("rendered", d != nil).Msg("cycle complete")
	return nil
}
