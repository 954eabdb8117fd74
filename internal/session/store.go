package session

import (
	"context"
	"sort"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Store persists sessions with a time-to-live. Put is an idempotent
// overwrite that resets the TTL; concurrent Puts are last-writer-wins.
type Store interface {
	Get(ctx context.Context, id string) (*Session, error)
	Put(ctx context.Context, s *Session, ttl time.Duration) error
	// Touch refreshes the TTL without reading or writing the payload.
	Touch(ctx context.Context, id string, ttl time.Duration) error
	// Delete removes the session. Deleting a missing session is not an error.
	Delete(ctx context.Context, id string) error
	// List returns the live sessions ordered by start time.
	List(ctx context.Context) ([]*Session, error)
}

func encode(s *Session) ([]byte, error) {
	return json.Marshal(s)
}

func decode(data []byte) (*Session, error) {
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func sortByStart(list []*Session) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].StartedAt.Equal(list[j].StartedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].StartedAt.Before(list[j].StartedAt)
	})
}

// MemoryStore keeps encoded sessions in process memory.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]memItem
	now   func() time.Time
}

type memItem struct {
	data      []byte
	expiresAt time.Time
}

// NewMemoryStore creates an empty store. now may be nil.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{items: make(map[string]memItem), now: now}
}

func (m *MemoryStore) live(id string) (memItem, bool) {
	it, ok := m.items[id]
	if !ok {
		return memItem{}, false
	}
	if !it.expiresAt.IsZero() && !m.now().Before(it.expiresAt) {
		delete(m.items, id)
		return memItem{}, false
	}
	return it, true
}

func (m *MemoryStore) deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}

// Get returns a copy of the stored session.
func (m *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	m.mu.Lock()
	it, ok := m.live(id)
	m.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	return decode(it.data)
}

// Put stores s and resets its TTL.
func (m *MemoryStore) Put(_ context.Context, s *Session, ttl time.Duration) error {
	data, err := encode(s)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.items[s.ID] = memItem{data: data, expiresAt: m.deadline(ttl)}
	m.mu.Unlock()
	return nil
}

// Touch extends the TTL of a live session.
func (m *MemoryStore) Touch(_ context.Context, id string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.live(id)
	if !ok {
		return ErrNotFound
	}
	it.expiresAt = m.deadline(ttl)
	m.items[id] = it
	return nil
}

// Delete removes id.
func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.items, id)
	m.mu.Unlock()
	return nil
}

// List returns all live sessions.
func (m *MemoryStore) List(_ context.Context) ([]*Session, error) {
	m.mu.Lock()
	var raw [][]byte
	for id := range m.items {
		if it, ok := m.live(id); ok {
			raw = append(raw, it.data)
		}
	}
	m.mu.Unlock()

	out := make([]*Session, 0, len(raw))
	for _, data := range raw {
		s, err := decode(data)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	sortByStart(out)
	return out, nil
}
