package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"

	"kiosk/internal/bus"
	"kiosk/internal/envelope"
	"kiosk/pkg/logger"
)

// Requester is the part of the bus a proxy needs.
type Requester interface {
	Request(ctx context.Context, subject string, env *envelope.Envelope) (*envelope.Envelope, error)
}

// ProxyConfig configures one service proxy.
type ProxyConfig struct {
	Service string
	Timeout time.Duration
	Retry   RetryPolicy
	Breaker *Breaker
}

// Proxy is the single entry point for calls to one collaborating service.
type Proxy struct {
	service string
	bus     Requester
	timeout time.Duration
	retry   RetryPolicy
	breaker *Breaker
	log     zerolog.Logger
}

// NewProxy creates a proxy. A nil breaker gets a private default one.
func NewProxy(r Requester, cfg ProxyConfig) *Proxy {
	if cfg.Breaker == nil {
		cfg.Breaker = NewBreaker(cfg.Service, 5, 30*time.Second, nil)
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = NoRetry()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	return &Proxy{
		service: cfg.Service,
		bus:     r,
		timeout: cfg.Timeout,
		retry:   cfg.Retry,
		breaker: cfg.Breaker,
		log:     logger.Component("agent." + cfg.Service),
	}
}

// Service returns the service name.
func (p *Proxy) Service() string { return p.service }

// Breaker returns the breaker guarding this proxy.
func (p *Proxy) Breaker() *Breaker { return p.breaker }

// Timeout returns the default per-call timeout.
func (p *Proxy) Timeout() time.Duration { return p.timeout }

// Call sends params on operation and returns the reply data. timeout <= 0
// uses the proxy default; it bounds every attempt together.
func (p *Proxy) Call(ctx context.Context, operation string, params any, timeout time.Duration) (jsoniter.RawMessage, error) {
	if timeout <= 0 {
		timeout = p.timeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var last error
	for attempt := 1; ; attempt++ {
		if err := p.breaker.Allow(); err != nil {
			p.log.Debug().Str("operation", operation).Int("attempt", attempt).Msg("short-circuited")
			if last != nil {
				// a retry the breaker refused reports the failure that tripped it
				return nil, last
			}
			return nil, err
		}

		data, err := p.once(callCtx, operation, params)
		p.record(err)
		if err == nil {
			return data, nil
		}
		last = err

		if !p.retry.ShouldRetry(attempt, err) {
			return nil, err
		}
		delay := p.retry.NextDelay(attempt)
		if !fits(callCtx, delay) {
			return nil, err
		}
		p.log.Debug().Err(err).Int("attempt", attempt).Dur("delay", delay).Str("operation", operation).Msg("retrying")
		select {
		case <-time.After(delay):
		case <-callCtx.Done():
			return nil, err
		}
	}
}

func (p *Proxy) once(ctx context.Context, operation string, params any) (jsoniter.RawMessage, error) {
	req, err := envelope.DeriveFrom(ctx, params)
	if err != nil {
		return nil, &AgentError{Code: CodeInvalidRequest, Message: err.Error(), Service: p.service}
	}

	rep, err := p.bus.Request(ctx, operation, req)
	if err != nil {
		return nil, p.transportError(ctx, err)
	}
	if rep.CorrelationID != req.MessageID {
		return nil, &AgentError{
			Code:    CodeInvalidReply,
			Message: fmt.Sprintf("correlation id %q does not match request %q", rep.CorrelationID, req.MessageID),
			Service: p.service,
		}
	}

	var reply Reply
	if err := rep.Decode(&reply); err != nil {
		return nil, &AgentError{Code: CodeInvalidReply, Message: err.Error(), Service: p.service}
	}
	if err := reply.Err(p.service); err != nil {
		return nil, err
	}
	if reply.Status != StatusSuccess {
		return nil, &AgentError{Code: CodeInvalidReply, Message: "unknown status " + reply.Status, Service: p.service}
	}
	return reply.Data, nil
}

func (p *Proxy) transportError(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, context.Canceled) && ctx.Err() == context.Canceled:
		return err
	case errors.Is(err, bus.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return NewAgentError(CodeTimeout, p.service, "no reply before deadline")
	case errors.Is(err, bus.ErrNoResponders):
		return NewAgentError(CodeUnavailable, p.service, "no responders")
	default:
		return NewAgentError(CodeUnavailable, p.service, err.Error())
	}
}

// record feeds the outcome of one attempt into the breaker. Domain errors
// prove the service is answering and count as successes.
func (p *Proxy) record(err error) {
	if err == nil {
		p.breaker.Success()
		return
	}
	if ae, ok := AsAgentError(err); ok {
		if ae.Transient() {
			p.breaker.Failure()
			if p.breaker.State() != Closed {
				p.log.Warn().Str("state", p.breaker.State().String()).Msg("breaker tripped")
			}
			return
		}
		if ae.Code != CodeInvalidRequest {
			p.breaker.Success()
			return
		}
	}
	p.breaker.Release()
}

// Decode unmarshals reply data into v, reporting malformed data as INVALID_REPLY.
func (p *Proxy) Decode(data jsoniter.RawMessage, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return &AgentError{Code: CodeInvalidReply, Message: err.Error(), Service: p.service}
	}
	return nil
}
