package fsm

import (
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNext_Table(t *testing.T) {
	tests := []struct {
		from    State
		trigger Trigger
		to      State
	}{
		{Idle, PersonDetected, Attract},
		{Attract, UserEngaged, Listening},
		{Attract, AttractTimeout, Listening},
		{Listening, SpeechTranscriptReceived, Processing},
		{Listening, IdleTimeout, Idle},
		{Processing, IntentDerived, Deciding},
		{Processing, IntentUnclear, Listening},
		{Deciding, AllAgentsReplied, Updating},
		{Updating, ContinueSignal, Listening},
		{Updating, CheckoutRequested, Checkout},
		{Checkout, PaymentComplete, Idle},
		{Checkout, PaymentFailed, Updating},
		{Listening, ActionReceived, Processing},
		{Updating, SessionEnded, Idle},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"/"+string(tt.trigger), func(t *testing.T) {
			to, err := Next(tt.from, tt.trigger)
			require.NoError(t, err)
			assert.Equal(t, tt.to, to)
		})
	}
}

func TestNext_UnmatchedKeepsState(t *testing.T) {
	all := []Trigger{
		PersonDetected, UserEngaged, AttractTimeout, SpeechTranscriptReceived, ActionReceived,
		IdleTimeout, IntentDerived, IntentUnclear, AllAgentsReplied, ContinueSignal,
		CheckoutRequested, PaymentComplete, PaymentFailed, SessionEnded,
	}
	for _, s := range States() {
		for _, tr := range all {
			if Can(s, tr) {
				continue
			}
			to, err := Next(s, tr)
			assert.ErrorIs(t, err, ErrInvalidTransition, "%s/%s", s, tr)
			assert.Equal(t, s, to, "%s/%s", s, tr)
		}
	}
}

func TestFire(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	tr, err := Fire(Idle, PersonDetected, at)
	require.NoError(t, err)
	assert.Equal(t, Transition{From: Idle, Trigger: PersonDetected, To: Attract, At: at}, tr)

	tr, err = Fire(Idle, PaymentComplete, at)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, Idle, tr.To)
}

func TestCheckoutNotInterruptible(t *testing.T) {
	assert.False(t, Can(Checkout, SessionEnded))
	assert.False(t, Can(Checkout, IdleTimeout))
	assert.ElementsMatch(t, []Trigger{PaymentComplete, PaymentFailed}, Triggers(Checkout))
}

func TestEveryStateReachable(t *testing.T) {
	seen := map[State]bool{Idle: true}
	frontier := []State{Idle}
	for len(frontier) > 0 {
		s := frontier[0]
		frontier = frontier[1:]
		for _, tr := range Triggers(s) {
			to, _ := Next(s, tr)
			if !seen[to] {
				seen[to] = true
				frontier = append(frontier, to)
			}
		}
	}
	for _, s := range States() {
		assert.True(t, seen[s], "state %s unreachable", s)
	}
}

func TestTriggersSorted(t *testing.T) {
	first := Triggers(Updating)
	require.NotEmpty(t, first)
	assert.True(t, slices.IsSorted(first))
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, Triggers(Updating))
	}
	assert.Equal(t, []Trigger{PaymentComplete, PaymentFailed}, Triggers(Checkout))
}

func TestTimerFor(t *testing.T) {
	to := Timeouts{Attract: 5 * time.Second, Idle: 30 * time.Second, Linger: 10 * time.Second}

	timer, ok := to.TimerFor(Attract)
	require.True(t, ok)
	assert.Equal(t, Timer{Trigger: AttractTimeout, After: 5 * time.Second}, timer)

	timer, ok = to.TimerFor(Listening)
	require.True(t, ok)
	assert.Equal(t, IdleTimeout, timer.Trigger)

	timer, ok = to.TimerFor(Updating)
	require.True(t, ok)
	assert.Equal(t, ContinueSignal, timer.Trigger)

	_, ok = to.TimerFor(Checkout)
	assert.False(t, ok)

	_, ok = Timeouts{}.TimerFor(Updating)
	assert.False(t, ok)
}

func TestStateValid(t *testing.T) {
	assert.True(t, Listening.Valid())
	assert.False(t, State("PAYING").Valid())
}
