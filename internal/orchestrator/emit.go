package orchestrator

import (
	"context"
	"time"

	"kiosk/internal/bus"
	"kiosk/internal/envelope"
	"kiosk/internal/session"
	"kiosk/internal/storage"
	"kiosk/internal/synth"
)

// UISink receives every descriptor the orchestrator emits, in addition to
// the ui.update subject.
type UISink interface {
	Push(kioskID string, d *synth.Descriptor)
}

// Auditor records applied transitions.
type Auditor interface {
	AppendTransition(ctx context.Context, rec storage.TransitionRecord) error
}

// Lifecycle is the payload of session.lifecycle.* events.
type Lifecycle struct {
	SessionID    string            `json:"session_id"`
	KioskID      string            `json:"kiosk_id"`
	Reason       string            `json:"reason"`
	StartedAt    time.Time         `json:"started_at"`
	EndedAt      *time.Time        `json:"ended_at,omitempty"`
	Demographics map[string]string `json:"demographics,omitempty"`
	Items        int               `json:"items"`
	CartTotal    float64           `json:"cart_total"`
}

// UIUpdate is the payload of ui.update events.
type UIUpdate struct {
	KioskID    string            `json:"kiosk_id"`
	Descriptor *synth.Descriptor `json:"descriptor"`
}

func (o *Orchestrator) emitUI(ctx context.Context, c *cycle, d *synth.Descriptor) {
	if o.ui != nil {
		o.ui.Push(c.kiosk, d)
	}
	env, err := envelope.New(c.sess.ID, c.env.TraceID, UIUpdate{KioskID: c.kiosk, Descriptor: d})
	if err != nil {
		c.log.Error().Err(err).Msg("encode ui update")
		return
	}
	env.KioskID = c.kiosk
	env.CorrelationID = c.env.MessageID
	if err := o.bus.Publish(ctx, bus.SubjectUIUpdate, env); err != nil {
		c.log.Warn().Err(err).Msg("publish ui update")
	}
}

func (o *Orchestrator) emitLifecycle(ctx context.Context, c *cycle, subject string, snap *session.Session, reason string) {
	ev := Lifecycle{
		SessionID:    snap.ID,
		KioskID:      c.kiosk,
		Reason:       reason,
		StartedAt:    snap.StartedAt,
		Demographics: snap.Demographics,
		Items:        len(snap.Cart),
		CartTotal:    snap.Total(),
	}
	if subject == bus.SubjectSessionEnded {
		now := c.now
		ev.EndedAt = &now
	}
	env, err := envelope.New(snap.ID, c.env.TraceID, ev)
	if err != nil {
		c.log.Error().Err(err).Msg("encode lifecycle event")
		return
	}
	env.KioskID = c.kiosk
	if err := o.bus.Publish(ctx, subject, env); err != nil {
		c.log.Warn().Err(err).Str("subject", subject).Msg("publish lifecycle event")
	}
}

func (o *Orchestrator) audit(ctx context.Context, c *cycle, from, to string, trigger string) {
	if o.auditor == nil {
		return
	}
	rec := storage.TransitionRecord{
		SessionID: c.sess.ID,
		TraceID:   c.env.TraceID,
		MessageID: c.env.MessageID,
		From:      from,
		Trigger:   trigger,
		To:        to,
		At:        c.now,
	}
	if err := o.auditor.AppendTransition(ctx, rec); err != nil {
		c.log.Warn().Err(err).Msg("audit transition")
	}
}
