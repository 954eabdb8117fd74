package bus

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"kiosk/internal/envelope"
	"kiosk/pkg/logger"
)

const memoryBuffer = 256

// MemoryBus is an in-process Bus with NATS subject semantics. Messages are
// copied through the wire codec so subscribers never share memory with the
// publisher.
type MemoryBus struct {
	mu      sync.RWMutex
	subs    map[uint64]*memSub
	nextID  uint64
	closed  atomic.Bool
	wg      sync.WaitGroup
	rrCount sync.Map // queue key -> *atomic.Uint64
	log     zerolog.Logger
}

type memSub struct {
	id      uint64
	pattern string
	queue   string
	handler Handler
	respond Responder
	ch      chan delivery
	done    chan struct{}
	once    sync.Once
	bus     *MemoryBus
}

type delivery struct {
	subject string
	data    []byte
}

// NewMemoryBus creates an empty in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		subs: make(map[uint64]*memSub),
		log:  logger.Component("bus.memory"),
	}
}

// Publish delivers env to every matching subscription. Responders are not
// reached by Publish.
func (b *MemoryBus) Publish(ctx context.Context, subject string, env *envelope.Envelope) error {
	if b.closed.Load() {
		return ErrClosed
	}
	if err := validSubject(subject); err != nil {
		return err
	}
	data, err := envelope.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}

	b.mu.RLock()
	var targets []*memSub
	for _, s := range b.subs {
		if s.handler != nil && Match(s.pattern, subject) {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range targets {
		select {
		case s.ch <- delivery{subject: subject, data: data}:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe registers h for subject; h runs on a dedicated goroutine per
// subscription so delivery order per subscription is preserved.
func (b *MemoryBus) Subscribe(subject string, h Handler) (Subscription, error) {
	if h == nil {
		return nil, fmt.Errorf("subscribe %s: nil handler", subject)
	}
	return b.add(&memSub{pattern: subject, handler: h})
}

// Reply registers a responder. Requests are spread round robin across the
// responders that share a queue name.
func (b *MemoryBus) Reply(subject, queue string, r Responder) (Subscription, error) {
	if r == nil {
		return nil, fmt.Errorf("reply %s: nil responder", subject)
	}
	return b.add(&memSub{pattern: subject, queue: queue, respond: r})
}

func (b *MemoryBus) add(s *memSub) (Subscription, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	if err := validSubject(s.pattern); err != nil {
		return nil, err
	}
	s.bus = b
	s.done = make(chan struct{})

	b.mu.Lock()
	b.nextID++
	s.id = b.nextID
	b.subs[s.id] = s
	b.mu.Unlock()

	if s.handler != nil {
		s.ch = make(chan delivery, memoryBuffer)
		b.wg.Add(1)
		go b.deliver(s)
	}
	return s, nil
}

func (b *MemoryBus) deliver(s *memSub) {
	defer b.wg.Done()
	for {
		select {
		case d := <-s.ch:
			env, err := envelope.Unmarshal(d.data)
			if err != nil {
				b.log.Warn().Err(err).Str("subject", d.subject).Msg("dropping undecodable message")
				continue
			}
			s.handler(context.Background(), d.subject, env)
		case <-s.done:
			return
		}
	}
}

// Request sends env to one responder and waits for its reply.
func (b *MemoryBus) Request(ctx context.Context, subject string, env *envelope.Envelope) (*envelope.Envelope, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	if err := validSubject(subject); err != nil {
		return nil, err
	}
	target := b.pickResponder(subject)
	if target == nil {
		return nil, ErrNoResponders
	}
	data, err := envelope.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}

	replyCh := make(chan []byte, 1)
	go func() {
		req, err := envelope.Unmarshal(data)
		if err != nil {
			return
		}
		rep, err := target.respond(ctx, subject, req)
		if err != nil {
			b.log.Warn().Err(err).Str("subject", subject).Msg("responder failed")
			return
		}
		if rep == nil {
			return
		}
		out, err := envelope.Marshal(rep)
		if err != nil {
			return
		}
		replyCh <- out
	}()

	select {
	case out := <-replyCh:
		rep, err := envelope.Unmarshal(out)
		if err != nil {
			return nil, err
		}
		return rep, nil
	case <-ctx.Done():
		if ctx.Err() == context.Canceled {
			return nil, ctx.Err()
		}
		return nil, ErrTimeout
	}
}

func (b *MemoryBus) pickResponder(subject string) *memSub {
	b.mu.RLock()
	var candidates []*memSub
	for _, s := range b.subs {
		if s.respond != nil && Match(s.pattern, subject) {
			candidates = append(candidates, s)
		}
	}
	b.mu.RUnlock()
	if len(candidates) == 0 {
		return nil
	}
	// map iteration is random; sort for a stable rotation
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].id < candidates[j].id })
	key := subject + "|" + candidates[0].queue
	v, _ := b.rrCount.LoadOrStore(key, new(atomic.Uint64))
	n := v.(*atomic.Uint64).Add(1) - 1
	return candidates[n%uint64(len(candidates))]
}

// Unsubscribe removes the subscription. Pending deliveries are discarded.
func (s *memSub) Unsubscribe() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s.id)
		s.bus.mu.Unlock()
		close(s.done)
	})
	return nil
}

// Close unsubscribes everything and waits for delivery goroutines to exit.
func (b *MemoryBus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	b.mu.RLock()
	subs := make([]*memSub, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()
	for _, s := range subs {
		_ = s.Unsubscribe()
	}
	b.wg.Wait()
	return nil
}
