// Package responders contains reference implementations of the services the
// orchestrator talks to: a menu catalog, a rule based recommender, a payment
// simulator, a hardware controller and a language service. They answer over
// the same bus contract as production services and back `kiosk agents`.
package responders

import (
	"context"
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"kiosk/internal/agent"
	"kiosk/internal/bus"
	"kiosk/internal/envelope"
	"kiosk/pkg/logger"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// serve adapts a typed handler to a bus responder. *agent.AgentError values
// become error replies; any other error is reported as UNAVAILABLE.
func serve[Req, Resp any](service string, h func(context.Context, Req) (Resp, error)) bus.Responder {
	return func(ctx context.Context, subject string, req *envelope.Envelope) (*envelope.Envelope, error) {
		var in Req
		if len(req.Payload) > 0 {
			if err := req.Decode(&in); err != nil {
				return req.Reply(agent.Failure(agent.CodeInvalidRequest, err.Error()))
			}
		}
		out, err := h(ctx, in)
		if err != nil {
			var ae *agent.AgentError
			if !errors.As(err, &ae) {
				ae = agent.NewAgentError(agent.CodeUnavailable, service, err.Error())
			}
			logger.Debug().Str("service", service).Str("subject", subject).Str("code", string(ae.Code)).Msg("error reply")
			return req.Reply(agent.Failure(ae.Code, ae.Message))
		}
		rep, err := agent.Success(out)
		if err != nil {
			return nil, err
		}
		return req.Reply(rep)
	}
}

type route struct {
	subject string
	queue   string
	r       bus.Responder
}

// Group is a set of registered responders.
type Group struct {
	subs []bus.Subscription
}

func register(b bus.Bus, routes []route) (*Group, error) {
	g := &Group{}
	for _, rt := range routes {
		sub, err := b.Reply(rt.subject, rt.queue, rt.r)
		if err != nil {
			_ = g.Close()
			return nil, fmt.Errorf("serve %s: %w", rt.subject, err)
		}
		g.subs = append(g.subs, sub)
	}
	return g, nil
}

// Add merges other into g.
func (g *Group) Add(other *Group) {
	if other != nil {
		g.subs = append(g.subs, other.subs...)
	}
}

// Close unsubscribes every responder.
func (g *Group) Close() error {
	var errs []error
	for _, s := range g.subs {
		if err := s.Unsubscribe(); err != nil {
			errs = append(errs, err)
		}
	}
	g.subs = nil
	return errors.Join(errs...)
}
