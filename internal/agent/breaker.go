package agent

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// BreakerState is the circuit state.
type BreakerState int32

const (
	Closed BreakerState = iota
	Open
	HalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the state name.
func (s BreakerState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Breaker tracks consecutive transient failures of one service. All fields
// are updated with atomics so one instance can be shared by every session.
type Breaker struct {
	service   string
	threshold int32
	cooldown  time.Duration
	now       func() time.Time

	state    atomic.Int32
	failures atomic.Int32
	openedAt atomic.Int64
	trial    atomic.Bool
}

// NewBreaker creates a closed breaker. now may be nil.
func NewBreaker(service string, threshold int, cooldown time.Duration, now func() time.Time) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if now == nil {
		now = time.Now
	}
	return &Breaker{service: service, threshold: int32(threshold), cooldown: cooldown, now: now}
}

// State returns the current state, reporting HALF_OPEN once the cool-down has elapsed.
func (b *Breaker) State() BreakerState {
	st := BreakerState(b.state.Load())
	if st == Open && b.cooledDown() {
		return HalfOpen
	}
	return st
}

func (b *Breaker) cooledDown() bool {
	return b.now().Sub(time.Unix(0, b.openedAt.Load())) >= b.cooldown
}

// Allow admits a call or returns a CIRCUIT_OPEN error. In HALF_OPEN exactly
// one caller is admitted as the trial.
func (b *Breaker) Allow() error {
	for {
		switch BreakerState(b.state.Load()) {
		case Closed:
			return nil
		case Open:
			if !b.cooledDown() {
				return b.openErr()
			}
			b.state.CompareAndSwap(int32(Open), int32(HalfOpen))
		case HalfOpen:
			if b.trial.CompareAndSwap(false, true) {
				return nil
			}
			return b.openErr()
		}
	}
}

func (b *Breaker) openErr() error {
	return &AgentError{Code: CodeCircuitOpen, Message: "circuit open", Service: b.service}
}

// Success resets the failure count and closes a half-open circuit.
func (b *Breaker) Success() {
	b.failures.Store(0)
	if b.state.CompareAndSwap(int32(HalfOpen), int32(Closed)) {
		b.trial.Store(false)
	}
}

// Failure counts a transient failure. Crossing the threshold opens the
// circuit; a failed trial reopens it and restarts the cool-down.
func (b *Breaker) Failure() {
	if BreakerState(b.state.Load()) == HalfOpen {
		b.openedAt.Store(b.now().UnixNano())
		if b.state.CompareAndSwap(int32(HalfOpen), int32(Open)) {
			b.trial.Store(false)
		}
		return
	}
	n := b.failures.Add(1)
	if n >= b.threshold && BreakerState(b.state.Load()) == Closed {
		b.openedAt.Store(b.now().UnixNano())
		b.state.CompareAndSwap(int32(Closed), int32(Open))
	}
}

// Release frees the half-open trial slot without judging the service, for
// calls abandoned by their caller.
func (b *Breaker) Release() {
	if BreakerState(b.state.Load()) == HalfOpen {
		b.trial.Store(false)
	}
}

// BreakerSnapshot is a point-in-time view for diagnostics.
type BreakerSnapshot struct {
	Service             string       `json:"service"`
	State               BreakerState `json:"state"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	OpenedAt            *time.Time   `json:"opened_at,omitempty"`
}

// Snapshot returns the current counters.
func (b *Breaker) Snapshot() BreakerSnapshot {
	snap := BreakerSnapshot{
		Service:             b.service,
		State:               b.State(),
		ConsecutiveFailures: int(b.failures.Load()),
	}
	if snap.State != Closed {
		t := time.Unix(0, b.openedAt.Load())
		snap.OpenedAt = &t
	}
	return snap
}

// BreakerRegistry hands out one shared breaker per service.
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	newFn    func(service string) *Breaker
}

// NewBreakerRegistry creates a registry using newFn to build missing breakers.
func NewBreakerRegistry(newFn func(service string) *Breaker) *BreakerRegistry {
	if newFn == nil {
		newFn = func(service string) *Breaker { return NewBreaker(service, 5, 30*time.Second, nil) }
	}
	return &BreakerRegistry{breakers: make(map[string]*Breaker), newFn: newFn}
}

// Get returns the breaker for service, creating it on first use.
func (r *BreakerRegistry) Get(service string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[service]
	if !ok {
		b = r.newFn(service)
		r.breakers[service] = b
	}
	return b
}

// Snapshots lists every breaker sorted by service.
func (r *BreakerRegistry) Snapshots() []BreakerSnapshot {
	r.mu.Lock()
	list := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.Unlock()

	out := make([]BreakerSnapshot, 0, len(list))
	for _, b := range list {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out
}
