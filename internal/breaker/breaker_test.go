package breaker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeNow struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeNow() *fakeNow {
	return &fakeNow{t: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeNow) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeNow) Advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

func tripBreaker(t *testing.T, b *Breaker, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		ticket, err := b.Allow()
		require.NoError(t, err)
		b.OnFailure(ticket)
	}
}

func TestBreaker_OpensAtThreshold(t *testing.T) {
	clock := newFakeNow()
	b := New(5, time.Minute, WithClock(clock.Now))

	tripBreaker(t, b, 4)
	assert.Equal(t, StateClosed, b.Snapshot().State)
	assert.Equal(t, 4, b.Snapshot().FailureCount)

	tripBreaker(t, b, 1)
	snap := b.Snapshot()
	assert.Equal(t, StateOpen, snap.State)
	assert.Equal(t, 5, snap.FailureCount)
	assert.Equal(t, clock.Now().Add(time.Minute), snap.OpenUntil)

	_, err := b.Allow()
	var openErr *OpenError
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, time.Minute, openErr.RetryAfter)

	clock.Advance(20 * time.Second)
	_, err = b.Allow()
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, 40*time.Second, openErr.RetryAfter)
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	b := New(5, time.Minute)

	tripBreaker(t, b, 3)
	ticket, err := b.Allow()
	require.NoError(t, err)
	b.OnSuccess(ticket)

	assert.Equal(t, 0, b.Snapshot().FailureCount)
	tripBreaker(t, b, 4)
	assert.Equal(t, StateClosed, b.Snapshot().State)
}

func TestBreaker_HalfOpen(t *testing.T) {
	t.Run("probe success closes", func(t *testing.T) {
		clock := newFakeNow()
		b := New(5, time.Minute, WithClock(clock.Now))
		tripBreaker(t, b, 5)

		clock.Advance(time.Minute)
		probe, err := b.Allow()
		require.NoError(t, err)
		assert.True(t, probe.IsProbe())
		assert.Equal(t, StateHalfOpen, b.Snapshot().State)

		b.OnSuccess(probe)
		snap := b.Snapshot()
		assert.Equal(t, StateClosed, snap.State)
		assert.Equal(t, 0, snap.FailureCount)
	})

	t.Run("probe failure reopens with fresh deadline", func(t *testing.T) {
		clock := newFakeNow()
		b := New(5, time.Minute, WithClock(clock.Now))
		tripBreaker(t, b, 5)

		clock.Advance(61 * time.Second)
		probe, err := b.Allow()
		require.NoError(t, err)

		b.OnFailure(probe)
		snap := b.Snapshot()
		assert.Equal(t, StateOpen, snap.State)
		assert.Equal(t, clock.Now().Add(time.Minute), snap.OpenUntil)
	})

	t.Run("only one probe in flight", func(t *testing.T) {
		clock := newFakeNow()
		b := New(5, time.Minute, WithClock(clock.Now))
		tripBreaker(t, b, 5)
		clock.Advance(time.Minute)

		probe, err := b.Allow()
		require.NoError(t, err)

		_, err = b.Allow()
		var openErr *OpenError
		require.ErrorAs(t, err, &openErr)
		assert.Equal(t, StateHalfOpen, openErr.State)

		b.OnSuccess(probe)
		_, err = b.Allow()
		assert.NoError(t, err)
	})

	t.Run("neutral probe frees the slot without changing state", func(t *testing.T) {
		clock := newFakeNow()
		b := New(5, time.Minute, WithClock(clock.Now))
		tripBreaker(t, b, 5)
		clock.Advance(time.Minute)

		probe, err := b.Allow()
		require.NoError(t, err)
		b.OnNeutral(probe)

		snap := b.Snapshot()
		assert.Equal(t, StateHalfOpen, snap.State)
		assert.Equal(t, 5, snap.FailureCount)
		assert.False(t, snap.ProbeActive)

		next, err := b.Allow()
		require.NoError(t, err)
		assert.True(t, next.IsProbe())
	})
}

func TestBreaker_StaleTicketsIgnoredWhileOpen(t *testing.T) {
	clock := newFakeNow()
	b := New(2, time.Minute, WithClock(clock.Now))

	slow, err := b.Allow()
	require.NoError(t, err)
	tripBreaker(t, b, 2)
	require.Equal(t, StateOpen, b.Snapshot().State)

	b.OnSuccess(slow)
	snap := b.Snapshot()
	assert.Equal(t, StateOpen, snap.State)
	assert.Equal(t, 2, snap.FailureCount)
}

func TestBreaker_ZeroThresholdNeverOpens(t *testing.T) {
	b := New(0, time.Minute)
	tripBreaker(t, b, 50)
	assert.Equal(t, StateClosed, b.Snapshot().State)
}

func TestBreaker_ResetAndHooks(t *testing.T) {
	clock := newFakeNow()
	var transitions []Transition
	b := New(1, time.Minute, WithClock(clock.Now), WithStateChangeHook(func(tr Transition) {
		transitions = append(transitions, tr)
	}))

	tripBreaker(t, b, 1)
	clock.Advance(time.Minute)
	b.Snapshot()
	b.Reset()

	require.Len(t, transitions, 3)
	assert.Equal(t, StateClosed, transitions[0].From)
	assert.Equal(t, StateOpen, transitions[0].To)
	assert.Equal(t, StateOpen, transitions[1].From)
	assert.Equal(t, StateHalfOpen, transitions[1].To)
	assert.Equal(t, StateClosed, transitions[2].To)

	snap := b.Snapshot()
	assert.Equal(t, StateClosed, snap.State)
	assert.Equal(t, 0, snap.FailureCount)
	assert.Equal(t, "CLOSED", snap.StateName)
}

func TestBreaker_ConcurrentFailures(t *testing.T) {
	b := New(5, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticket, err := b.Allow()
			if err != nil {
				return
			}
			b.OnFailure(ticket)
		}()
	}
	wg.Wait()

	snap := b.Snapshot()
	assert.Equal(t, StateOpen, snap.State)
	assert.GreaterOrEqual(t, snap.FailureCount, 5)
}
