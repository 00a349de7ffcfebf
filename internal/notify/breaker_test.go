package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedSender struct {
	err   error
	calls int
}

func (s *scriptedSender) Send(context.Context, int64, string) error {
	s.calls++
	return s.err
}

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	clock := time.Date(2025, time.June, 10, 12, 0, 0, 0, time.UTC)
	transport := &scriptedSender{err: errors.New("telegram down")}
	b := NewBreaker(transport)
	b.now = func() time.Time { return clock }

	ctx := context.Background()
	for i := 0; i < tripThreshold; i++ {
		err := b.Send(ctx, 1, "hi")
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrCircuitOpen)
	}
	assert.Equal(t, tripThreshold, transport.calls)

	// Open: calls fail fast without reaching the transport.
	err := b.Send(ctx, 1, "hi")
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, tripThreshold, transport.calls)

	// After the cooldown one probe goes through; success closes the circuit.
	clock = clock.Add(baseCooldown + time.Second)
	transport.err = nil
	require.NoError(t, b.Send(ctx, 1, "hi"))
	assert.Equal(t, tripThreshold+1, transport.calls)

	require.NoError(t, b.Send(ctx, 1, "hi"))
	assert.Equal(t, tripThreshold+2, transport.calls)
}

func TestBreakerCooldownGrows(t *testing.T) {
	t.Parallel()

	clock := time.Date(2025, time.June, 10, 12, 0, 0, 0, time.UTC)
	transport := &scriptedSender{err: errors.New("down")}
	b := NewBreaker(transport)
	b.now = func() time.Time { return clock }

	ctx := context.Background()
	for i := 0; i < tripThreshold; i++ {
		_ = b.Send(ctx, 1, "x")
	}

	// One more failure after the first cooldown doubles the next one.
	clock = clock.Add(baseCooldown + time.Second)
	_ = b.Send(ctx, 1, "x")

	clock = clock.Add(baseCooldown + time.Second)
	err := b.Send(ctx, 1, "x")
	assert.ErrorIs(t, err, ErrCircuitOpen, "doubled cooldown still holds")

	clock = clock.Add(baseCooldown + time.Second)
	_ = b.Send(ctx, 1, "x")
	assert.Equal(t, tripThreshold+2, transport.calls)
}

func TestBreakerQuietPeriodResetsStreak(t *testing.T) {
	t.Parallel()

	clock := time.Date(2025, time.June, 10, 12, 0, 0, 0, time.UTC)
	transport := &scriptedSender{err: errors.New("down")}
	b := NewBreaker(transport)
	b.now = func() time.Time { return clock }

	ctx := context.Background()
	for i := 0; i < tripThreshold-1; i++ {
		_ = b.Send(ctx, 1, "x")
	}

	// A long quiet gap forgets the streak, so the next failure is only the
	// first of a new one and the circuit stays closed.
	clock = clock.Add(resetAfter + time.Minute)
	_ = b.Send(ctx, 1, "x")

	err := b.Send(ctx, 1, "x")
	assert.NotErrorIs(t, err, ErrCircuitOpen)
}
