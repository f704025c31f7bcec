package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ovaphlow/pitchfork/service-auth-core/internal/account/entity"
)

func verifyReturns(ok bool, calls *int) func(context.Context, string) (bool, error) {
	return func(context.Context, string) (bool, error) {
		*calls++
		return ok, nil
	}
}

func TestLockoutGuardLocksAfterMaxAttempts(t *testing.T) {
	clock := newFakeClock()
	g := NewLockoutGuard(testPolicyConfig(), clock.Now)
	a := &entity.Account{ID: "a1"}
	calls := 0

	for i := 1; i <= 4; i++ {
		d, err := g.Apply(context.Background(), a, verifyReturns(false, &calls))
		require.NoError(t, err)
		assert.Equal(t, TransitionFailed, d.Transition)
		assert.Equal(t, i, a.FailedLoginCount)
		assert.Equal(t, 5-i, d.AttemptsRemaining)
		assert.Nil(t, a.LockUntil)
	}

	d, err := g.Apply(context.Background(), a, verifyReturns(false, &calls))
	require.NoError(t, err)
	assert.Equal(t, TransitionLocked, d.Transition)
	assert.Equal(t, 0, a.FailedLoginCount, "counter resets when the lock is applied")
	require.NotNil(t, a.LockUntil)
	assert.True(t, a.LockUntil.After(clock.Now()))
	assert.Equal(t, int64(600), d.SecondsRemaining)
	requireCode(t, d.Err(), CodeAccountLocked)
	assert.Equal(t, 5, calls)
}

func TestLockoutGuardRejectsWhileLockedWithoutComparing(t *testing.T) {
	clock := newFakeClock()
	g := NewLockoutGuard(testPolicyConfig(), clock.Now)
	until := clock.Now().Add(4 * time.Minute)
	a := &entity.Account{ID: "a1", LockUntil: &until}
	calls := 0

	d, err := g.Apply(context.Background(), a, verifyReturns(true, &calls))
	require.NoError(t, err)
	assert.Equal(t, TransitionRejectedLocked, d.Transition)
	assert.Equal(t, 0, calls)
	assert.Equal(t, int64(240), d.SecondsRemaining)
	assert.Nil(t, a.LastLoginAt)
}

func TestLockoutGuardUnlocksAfterDuration(t *testing.T) {
	clock := newFakeClock()
	g := NewLockoutGuard(testPolicyConfig(), clock.Now)
	until := clock.Now().Add(10 * time.Minute)
	a := &entity.Account{ID: "a1", LockUntil: &until}
	calls := 0

	clock.Advance(10 * time.Minute)
	d, err := g.Apply(context.Background(), a, verifyReturns(true, &calls))
	require.NoError(t, err)
	assert.True(t, d.Success())
	assert.Nil(t, a.LockUntil)
	assert.Equal(t, 0, a.FailedLoginCount)
	require.NotNil(t, a.LastLoginAt)
	assert.Equal(t, clock.Now(), *a.LastLoginAt)
}

func TestLockoutGuardExpiredLockFailureStartsNewCount(t *testing.T) {
	clock := newFakeClock()
	g := NewLockoutGuard(testPolicyConfig(), clock.Now)
	until := clock.Now().Add(-time.Second)
	a := &entity.Account{ID: "a1", LockUntil: &until}
	calls := 0

	d, err := g.Apply(context.Background(), a, verifyReturns(false, &calls))
	require.NoError(t, err)
	assert.Equal(t, TransitionFailed, d.Transition)
	assert.Equal(t, 1, a.FailedLoginCount)
	assert.Nil(t, a.LockUntil)
	require.NotNil(t, a.LastFailedLoginAt)
}

func TestLockoutGuardReportsPreviousTimestamps(t *testing.T) {
	clock := newFakeClock()
	g := NewLockoutGuard(testPolicyConfig(), clock.Now)
	lastLogin := clock.Now().Add(-48 * time.Hour)
	lastFail := clock.Now().Add(-time.Hour)
	a := &entity.Account{ID: "a1", LastLoginAt: &lastLogin, LastFailedLoginAt: &lastFail, FailedLoginCount: 2}
	calls := 0

	d, err := g.Apply(context.Background(), a, verifyReturns(true, &calls))
	require.NoError(t, err)
	require.NotNil(t, d.PreviousLoginAt)
	require.NotNil(t, d.PreviousFailedLoginAt)
	assert.Equal(t, lastLogin, *d.PreviousLoginAt)
	assert.Equal(t, lastFail, *d.PreviousFailedLoginAt)
	assert.Equal(t, clock.Now(), *a.LastLoginAt)
	assert.Equal(t, 0, a.FailedLoginCount)
}
