package lock

import (
	"context"
	"testing"
	"time"

	"github.com/smallbiznis/tenantcore/internal/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLockerExclusive(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))
	l := New(nil, clk)
	ctx := context.Background()

	token, ok, err := l.TryLock(ctx, "retention", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.TryLock(ctx, "retention", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, l.Release(ctx, "retention", "someone-else"))
	_, ok, _ = l.TryLock(ctx, "retention", time.Minute)
	assert.False(t, ok, "foreign token must not release")

	require.NoError(t, l.Release(ctx, "retention", token))
	_, ok, _ = l.TryLock(ctx, "retention", time.Minute)
	assert.True(t, ok)
}

func TestLocalLockerExpires(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))
	l := NewLocal(clk)
	ctx := context.Background()

	_, ok, err := l.TryLock(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	clk.Advance(61 * time.Second)
	_, ok, err = l.TryLock(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLockValidation(t *testing.T) {
	l := NewLocal(nil)
	_, _, err := l.TryLock(context.Background(), "", time.Second)
	assert.ErrorIs(t, err, errEmptyKey)
	_, _, err = l.TryLock(context.Background(), "k", 0)
	assert.ErrorIs(t, err, errBadTTL)
}
