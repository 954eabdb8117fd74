package session

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kiosk/internal/storage"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// storeContract runs the behaviour every Store must share.
func storeContract(t *testing.T, store Store) {
	ctx := context.Background()

	t.Run("get missing", func(t *testing.T) {
		_, err := store.Get(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("put get overwrite", func(t *testing.T) {
		s := New("s-put", "k1", t0)
		require.NoError(t, s.AddLine(CartLine{ItemID: 101, Name: "Volcano Burger", Quantity: 1, UnitPrice: 12.99}))
		require.NoError(t, store.Put(ctx, s, time.Hour))

		got, err := store.Get(ctx, "s-put")
		require.NoError(t, err)
		assert.Equal(t, "k1", got.KioskID)
		require.Len(t, got.Cart, 1)
		assert.Equal(t, int64(1299), got.TotalCents())

		s.Cart = nil
		require.NoError(t, store.Put(ctx, s, time.Hour))
		got, err = store.Get(ctx, "s-put")
		require.NoError(t, err)
		assert.Empty(t, got.Cart)
	})

	t.Run("touch missing", func(t *testing.T) {
		assert.ErrorIs(t, store.Touch(ctx, "nope", time.Minute), ErrNotFound)
	})

	t.Run("delete idempotent", func(t *testing.T) {
		require.NoError(t, store.Put(ctx, New("s-del", "k1", t0), time.Hour))
		require.NoError(t, store.Delete(ctx, "s-del"))
		require.NoError(t, store.Delete(ctx, "s-del"))
		_, err := store.Get(ctx, "s-del")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("list ordered by start", func(t *testing.T) {
		require.NoError(t, store.Put(ctx, New("s-b", "k2", t0.Add(2*time.Second)), time.Hour))
		require.NoError(t, store.Put(ctx, New("s-a", "k2", t0.Add(time.Second)), time.Hour))
		list, err := store.List(ctx)
		require.NoError(t, err)
		var ids []string
		for _, s := range list {
			if s.KioskID == "k2" {
				ids = append(ids, s.ID)
			}
		}
		assert.Equal(t, []string{"s-a", "s-b"}, ids)
	})
}

func TestMemoryStore(t *testing.T) {
	storeContract(t, NewMemoryStore(nil))
}

func TestMemoryStore_TTL(t *testing.T) {
	clock := &fakeClock{now: t0}
	store := NewMemoryStore(clock.Now)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, New("s1", "k1", t0), 10*time.Second))
	clock.Advance(8 * time.Second)
	require.NoError(t, store.Touch(ctx, "s1", 10*time.Second))
	clock.Advance(8 * time.Second)

	_, err := store.Get(ctx, "s1")
	require.NoError(t, err, "touch should extend the ttl")

	clock.Advance(3 * time.Second)
	_, err = store.Get(ctx, "s1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	store := NewMemoryStore(nil)
	ctx := context.Background()
	s := New("s1", "k1", t0)
	require.NoError(t, store.Put(ctx, s, time.Hour))

	s.State = "CHECKOUT"
	got, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "IDLE", string(got.State))
}

func TestSQLiteStore(t *testing.T) {
	db, err := storage.Open(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	defer db.Close()

	storeContract(t, NewSQLiteStore(db))
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	store := NewRedisStore(client, "test:session:")
	require.NoError(t, store.Ping(context.Background()))
	storeContract(t, store)
}

func TestRedisStore_TTL(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	store := NewRedisStore(client, "")
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, New("s1", "k1", t0), 10*time.Second))
	assert.Equal(t, 10*time.Second, mr.TTL("kiosk:session:s1"))

	mr.FastForward(8 * time.Second)
	require.NoError(t, store.Touch(ctx, "s1", 10*time.Second))
	mr.FastForward(8 * time.Second)
	_, err := store.Get(ctx, "s1")
	require.NoError(t, err)

	mr.FastForward(3 * time.Second)
	_, err = store.Get(ctx, "s1")
	assert.ErrorIs(t, err, ErrNotFound)
}
