package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kiosk/internal/envelope"
)

func TestMatch(t *testing.T) {
	tests := []struct {
		pattern, subject string
		want             bool
	}{
		{"vision.person.detected", "vision.person.detected", true},
		{"vision.*.detected", "vision.person.detected", true},
		{"vision.*", "vision.person.detected", false},
		{"vision.>", "vision.person.detected", true},
		{"vision.>", "vision", false},
		{"input.>", "vision.person.detected", false},
		{"agent.menu.search", "agent.menu", false},
		{"a.>.c", "a.b.c", false},
	}
	for _, tt := range tests {
		t.Run(tt.pattern+"|"+tt.subject, func(t *testing.T) {
			assert.Equal(t, tt.want, Match(tt.pattern, tt.subject))
		})
	}
}

func newEnv(t *testing.T, payload any) *envelope.Envelope {
	t.Helper()
	env, err := envelope.New("sess-1", "trace-1", payload)
	require.NoError(t, err)
	return env
}

func TestMemoryBus_PublishOrdered(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()

	var mu sync.Mutex
	var got []int
	done := make(chan struct{})
	_, err := b.Subscribe(SubjectAllInput, func(_ context.Context, subject string, env *envelope.Envelope) {
		var n int
		assert.NoError(t, env.Decode(&n))
		mu.Lock()
		got = append(got, n)
		if len(got) == 50 {
			close(done)
		}
		mu.Unlock()
	})
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 50; i++ {
		require.NoError(t, b.Publish(ctx, SubjectTouchAction, newEnv(t, i)))
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for deliveries")
	}
	for i, n := range got {
		assert.Equal(t, i, n)
	}
}

func TestMemoryBus_RequestReply(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()

	_, err := b.Reply(SubjectMenuSearch, QueueMenu, func(_ context.Context, _ string, req *envelope.Envelope) (*envelope.Envelope, error) {
		return req.Reply(map[string]string{"status": "success"})
	})
	require.NoError(t, err)

	req := newEnv(t, map[string]string{"query": "burger"})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	rep, err := b.Request(ctx, SubjectMenuSearch, req)
	require.NoError(t, err)
	assert.Equal(t, req.MessageID, rep.CorrelationID)
	assert.Equal(t, "trace-1", rep.TraceID)
}

func TestMemoryBus_NoResponders(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()

	_, err := b.Request(context.Background(), SubjectRecsysSuggest, newEnv(t, nil))
	assert.ErrorIs(t, err, ErrNoResponders)
}

func TestMemoryBus_RequestTimeout(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()

	_, err := b.Reply(SubjectHardwareCommand, QueueHardware, func(ctx context.Context, _ string, _ *envelope.Envelope) (*envelope.Envelope, error) {
		<-ctx.Done()
		return nil, nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = b.Request(ctx, SubjectHardwareCommand, newEnv(t, nil))
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestMemoryBus_QueueRoundRobin(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()

	hits := make([]int, 2)
	var mu sync.Mutex
	for i := 0; i < 2; i++ {
		i := i
		_, err := b.Reply(SubjectMenuDetails, QueueMenu, func(_ context.Context, _ string, req *envelope.Envelope) (*envelope.Envelope, error) {
			mu.Lock()
			hits[i]++
			mu.Unlock()
			return req.Reply(nil)
		})
		require.NoError(t, err)
	}

	for i := 0; i < 4; i++ {
		_, err := b.Request(context.Background(), SubjectMenuDetails, newEnv(t, nil))
		require.NoError(t, err)
	}
	assert.Equal(t, []int{2, 2}, hits)
}

func TestMemoryBus_Unsubscribe(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()

	sub, err := b.Reply(SubjectPaymentCharge, QueuePayment, func(_ context.Context, _ string, req *envelope.Envelope) (*envelope.Envelope, error) {
		return req.Reply(nil)
	})
	require.NoError(t, err)
	require.NoError(t, sub.Unsubscribe())

	_, err = b.Request(context.Background(), SubjectPaymentCharge, newEnv(t, nil))
	assert.ErrorIs(t, err, ErrNoResponders)
}

func TestMemoryBus_Closed(t *testing.T) {
	b := NewMemoryBus()
	require.NoError(t, b.Close())

	assert.ErrorIs(t, b.Publish(context.Background(), SubjectUIUpdate, newEnv(t, nil)), ErrClosed)
	_, err := b.Subscribe(SubjectUIUpdate, func(context.Context, string, *envelope.Envelope) {})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMemoryBus_InvalidSubject(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()

	assert.ErrorIs(t, b.Publish(context.Background(), "ui..update", newEnv(t, nil)), ErrInvalidSubject)
}
