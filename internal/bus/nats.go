package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"kiosk/internal/envelope"
	"kiosk/pkg/logger"
)

// NATSOptions configures a NATS connection.
type NATSOptions struct {
	URL           string
	Name          string
	Prefix        string
	ReconnectWait time.Duration
	MaxReconnects int
}

// NATSBus implements Bus over a NATS connection.
type NATSBus struct {
	conn   *nats.Conn
	prefix string
	log    zerolog.Logger
}

// ConnectNATS dials the server. The connection keeps retrying in the
// background when the server is not up yet.
func ConnectNATS(opts NATSOptions) (*NATSBus, error) {
	log := logger.Component("bus.nats")
	if opts.MaxReconnects == 0 {
		opts.MaxReconnects = 10
	}
	if opts.ReconnectWait <= 0 {
		opts.ReconnectWait = 2 * time.Second
	}

	conn, err := nats.Connect(opts.URL,
		nats.Name(opts.Name),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(opts.MaxReconnects),
		nats.ReconnectWait(opts.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Debug().Msg("connection closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", opts.URL, err)
	}

	log.Info().Str("url", opts.URL).Str("prefix", opts.Prefix).Msg("connected to message bus")
	return &NATSBus{conn: conn, prefix: opts.Prefix, log: log}, nil
}

func (b *NATSBus) full(subject string) string {
	if b.prefix == "" {
		return subject
	}
	return b.prefix + "." + subject
}

func (b *NATSBus) strip(subject string) string {
	if b.prefix == "" {
		return subject
	}
	return strings.TrimPrefix(subject, b.prefix+".")
}

// Publish sends a one-way event.
func (b *NATSBus) Publish(_ context.Context, subject string, env *envelope.Envelope) error {
	if err := validSubject(subject); err != nil {
		return err
	}
	data, err := envelope.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	if err := b.conn.Publish(b.full(subject), data); err != nil {
		return mapNATSError(err)
	}
	return nil
}

// Subscribe registers h. NATS invokes the callback of one subscription
// sequentially, which preserves publish order per publisher.
func (b *NATSBus) Subscribe(subject string, h Handler) (Subscription, error) {
	if err := validSubject(subject); err != nil {
		return nil, err
	}
	sub, err := b.conn.Subscribe(b.full(subject), func(m *nats.Msg) {
		env, err := envelope.Unmarshal(m.Data)
		if err != nil {
			b.log.Warn().Err(err).Str("subject", m.Subject).Msg("dropping undecodable message")
			return
		}
		h(context.Background(), b.strip(m.Subject), env)
	})
	if err != nil {
		return nil, mapNATSError(err)
	}
	return sub, nil
}

// Reply serves requests in a queue group. Each request is answered on its
// own goroutine so a slow call does not hold up the subscription.
func (b *NATSBus) Reply(subject, queue string, r Responder) (Subscription, error) {
	if err := validSubject(subject); err != nil {
		return nil, err
	}
	sub, err := b.conn.QueueSubscribe(b.full(subject), queue, func(m *nats.Msg) {
		go b.answer(m, r)
	})
	if err != nil {
		return nil, mapNATSError(err)
	}
	return sub, nil
}

func (b *NATSBus) answer(m *nats.Msg, r Responder) {
	req, err := envelope.Unmarshal(m.Data)
	if err != nil {
		b.log.Warn().Err(err).Str("subject", m.Subject).Msg("dropping undecodable request")
		return
	}
	rep, err := r(context.Background(), b.strip(m.Subject), req)
	if err != nil {
		b.log.Error().Err(err).Str("subject", m.Subject).Str("trace_id", req.TraceID).Msg("responder failed")
		return
	}
	if rep == nil {
		return
	}
	data, err := envelope.Marshal(rep)
	if err != nil {
		b.log.Error().Err(err).Msg("encode reply")
		return
	}
	if err := m.Respond(data); err != nil {
		b.log.Warn().Err(err).Str("subject", m.Subject).Msg("send reply")
	}
}

// Request sends env and waits for one reply until ctx is done.
func (b *NATSBus) Request(ctx context.Context, subject string, env *envelope.Envelope) (*envelope.Envelope, error) {
	if err := validSubject(subject); err != nil {
		return nil, err
	}
	data, err := envelope.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	msg, err := b.conn.RequestWithContext(ctx, b.full(subject), data)
	if err != nil {
		return nil, mapNATSError(err)
	}
	return envelope.Unmarshal(msg.Data)
}

// Connected reports whether the underlying connection is up.
func (b *NATSBus) Connected() bool {
	return b.conn.IsConnected()
}

// Close drains subscriptions and closes the connection.
func (b *NATSBus) Close() error {
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
		return err
	}
	return nil
}

func mapNATSError(err error) error {
	switch {
	case errors.Is(err, nats.ErrNoResponders):
		return ErrNoResponders
	case errors.Is(err, nats.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return ErrTimeout
	case errors.Is(err, nats.ErrConnectionClosed):
		return ErrClosed
	default:
		return err
	}
}
