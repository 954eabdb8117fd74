package agent

import (
	"context"
	"errors"
	"time"

	"kiosk/internal/bus"
	"kiosk/internal/config"
	"kiosk/internal/session"
)

// Menu calls the catalog service.
type Menu struct{ proxy *Proxy }

// Search runs a catalog search.
func (m *Menu) Search(ctx context.Context, req SearchRequest) (*SearchResult, error) {
	data, err := m.proxy.Call(ctx, bus.SubjectMenuSearch, req, 0)
	if err != nil {
		return nil, err
	}
	var out SearchResult
	if err := m.proxy.Decode(data, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Details fetches one item.
func (m *Menu) Details(ctx context.Context, itemID int) (*MenuItem, error) {
	data, err := m.proxy.Call(ctx, bus.SubjectMenuDetails, DetailsRequest{ItemID: itemID}, 0)
	if err != nil {
		return nil, err
	}
	var out MenuItem
	if err := m.proxy.Decode(data, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Availability checks a set of items.
func (m *Menu) Availability(ctx context.Context, itemIDs []int) (map[int]bool, error) {
	data, err := m.proxy.Call(ctx, bus.SubjectMenuAvailability, AvailabilityRequest{ItemIDs: itemIDs}, 0)
	if err != nil {
		return nil, err
	}
	var out AvailabilityResult
	if err := m.proxy.Decode(data, &out); err != nil {
		return nil, err
	}
	return out.Available, nil
}

// Recommender calls the recommendation service.
type Recommender struct{ proxy *Proxy }

// Suggest asks for suggestions for the cart.
func (r *Recommender) Suggest(ctx context.Context, req SuggestRequest) (*SuggestResult, error) {
	data, err := r.proxy.Call(ctx, bus.SubjectRecsysSuggest, req, 0)
	if err != nil {
		return nil, err
	}
	var out SuggestResult
	if err := r.proxy.Decode(data, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Payment calls the payment service. Charges are attempted exactly once.
type Payment struct{ proxy *Proxy }

// Charge requests a charge. A timeout is reported as PAYMENT_TIMEOUT.
func (p *Payment) Charge(ctx context.Context, req ChargeRequest) (*PaymentResult, error) {
	data, err := p.proxy.Call(ctx, bus.SubjectPaymentCharge, req, 0)
	if err != nil {
		if IsCode(err, CodeTimeout) {
			return nil, NewAgentError(CodePaymentTimeout, p.proxy.Service(), "payment did not complete in time")
		}
		return nil, err
	}
	var out PaymentResult
	if err := p.proxy.Decode(data, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Hardware calls the peripheral controller.
type Hardware struct{ proxy *Proxy }

// Command sends one command.
func (h *Hardware) Command(ctx context.Context, cmd HardwareCommand) (*HardwareAck, error) {
	data, err := h.proxy.Call(ctx, bus.SubjectHardwareCommand, cmd, 0)
	if err != nil {
		return nil, err
	}
	var out HardwareAck
	if err := h.proxy.Decode(data, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Language calls the language service.
type Language struct{ proxy *Proxy }

// DeriveIntent interprets an utterance.
func (l *Language) DeriveIntent(ctx context.Context, req IntentRequest) (*session.Intent, error) {
	data, err := l.proxy.Call(ctx, bus.SubjectLanguageIntent, req, 0)
	if err != nil {
		return nil, err
	}
	var out IntentResult
	if err := l.proxy.Decode(data, &out); err != nil {
		return nil, err
	}
	out.Intent.Source = session.SourceLanguage
	return &out.Intent, nil
}

// Respond asks for an utterance.
func (l *Language) Respond(ctx context.Context, req RespondRequest) (string, error) {
	data, err := l.proxy.Call(ctx, bus.SubjectLanguageRespond, req, 0)
	if err != nil {
		return "", err
	}
	var out RespondResult
	if err := l.proxy.Decode(data, &out); err != nil {
		return "", err
	}
	if out.Utterance == "" {
		return "", &AgentError{Code: CodeInvalidReply, Message: "empty utterance", Service: l.proxy.Service()}
	}
	return out.Utterance, nil
}

// Agents bundles the typed clients sharing one breaker registry.
type Agents struct {
	Menu     *Menu
	Recsys   *Recommender
	Payment  *Payment
	Hardware *Hardware
	Language *Language
	Breakers *BreakerRegistry
}

// New builds every client from configuration. now may be nil.
func New(r Requester, cfg *config.Config, now func() time.Time) (*Agents, error) {
	if r == nil {
		return nil, errors.New("agent: nil requester")
	}
	reg := NewBreakerRegistry(func(service string) *Breaker {
		ac := cfg.Agent(service)
		return NewBreaker(service, ac.Breaker.Threshold, ac.Breaker.Cooldown, now)
	})
	proxy := func(service string) *Proxy {
		ac := cfg.Agent(service)
		retry := NewRetryPolicy(ac.MaxAttempts, ac.RetryDelay)
		if service == config.ServicePayment {
			retry = NoRetry()
		}
		return NewProxy(r, ProxyConfig{
			Service: service,
			Timeout: ac.Timeout,
			Retry:   retry,
			Breaker: reg.Get(service),
		})
	}
	return &Agents{
		Menu:     &Menu{proxy: proxy(config.ServiceMenu)},
		Recsys:   &Recommender{proxy: proxy(config.ServiceRecsys)},
		Payment:  &Payment{proxy: proxy(config.ServicePayment)},
		Hardware: &Hardware{proxy: proxy(config.ServiceHardware)},
		Language: &Language{proxy: proxy(config.ServiceLanguage)},
		Breakers: reg,
	}, nil
}
