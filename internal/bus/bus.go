// Package bus abstracts the asynchronous message bus the orchestrator and its
// collaborators talk over. Subjects are dotted domain.entity.action names
// without the deployment prefix; implementations add and strip it.
package bus

import (
	"context"
	"errors"
	"strings"

	"kiosk/internal/envelope"
)

var (
	// ErrNoResponders is returned by Request when nobody serves the subject.
	ErrNoResponders = errors.New("no responders")
	// ErrTimeout is returned by Request when the reply did not arrive in time.
	ErrTimeout = errors.New("request timed out")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("bus closed")
	// ErrInvalidSubject is returned for empty subjects or empty tokens.
	ErrInvalidSubject = errors.New("invalid subject")
)

// Handler receives one-way events. Handlers of a single subscription are
// invoked sequentially in publish order.
type Handler func(ctx context.Context, subject string, env *envelope.Envelope)

// Responder answers a request. A nil reply with a nil error sends nothing and
// the requester times out.
type Responder func(ctx context.Context, subject string, req *envelope.Envelope) (*envelope.Envelope, error)

// Subscription is an active interest in a subject.
type Subscription interface {
	Unsubscribe() error
}

// Bus is a pub/sub plus request/reply transport.
type Bus interface {
	Publish(ctx context.Context, subject string, env *envelope.Envelope) error
	Subscribe(subject string, h Handler) (Subscription, error)
	// Reply serves requests on subject. Responders sharing a queue name split the load.
	Reply(subject, queue string, r Responder) (Subscription, error)
	Request(ctx context.Context, subject string, env *envelope.Envelope) (*envelope.Envelope, error)
	Close() error
}

// Match reports whether subject matches pattern using NATS wildcard rules:
// "*" matches exactly one token and a trailing ">" matches one or more.
func Match(pattern, subject string) bool {
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")
	for i, p := range pt {
		if p == ">" {
			return i == len(pt)-1 && len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if p != "*" && p != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}

func validSubject(subject string) error {
	if subject == "" {
		return ErrInvalidSubject
	}
	for _, tok := range strings.Split(subject, ".") {
		if tok == "" {
			return ErrInvalidSubject
		}
	}
	return nil
}
