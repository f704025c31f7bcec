package auth

import (
	"context"
	"time"

	"github.com/ovaphlow/pitchfork/service-auth-core/internal/account/entity"
)

// Transition names the lockout state change a login attempt caused.
type Transition string

const (
	TransitionRejectedLocked Transition = "rejected_locked"
	TransitionFailed         Transition = "failed"
	TransitionLocked         Transition = "locked"
	TransitionSucceeded      Transition = "succeeded"
)

// Decision is the outcome of one login attempt against the lockout state.
type Decision struct {
	Transition        Transition
	FailCount         int
	AttemptsRemaining int
	SecondsRemaining  int64
	LockUntil         *time.Time
	// Timestamps as they were before this attempt.
	PreviousLoginAt       *time.Time
	PreviousFailedLoginAt *time.Time
}

// Success reports whether the credential was accepted.
func (d Decision) Success() bool { return d.Transition == TransitionSucceeded }

// Err converts a non-successful decision into its business error.
func (d Decision) Err() error {
	switch d.Transition {
	case TransitionSucceeded:
		return nil
	case TransitionRejectedLocked, TransitionLocked:
		return accountLocked(d.SecondsRemaining)
	default:
		return invalidCredentials(d.AttemptsRemaining)
	}
}

// LockoutGuard runs the per-account UNLOCKED(n)/LOCKED(until) state machine.
// Apply must be called with the account held exclusively (inside
// CredentialStore.UpdateAccount) so no attempt is lost.
type LockoutGuard struct {
	maxAttempts  int
	lockDuration time.Duration
	now          Clock
}

func NewLockoutGuard(cfg PolicyConfig, clock Clock) *LockoutGuard {
	cfg = cfg.withDefaults()
	if clock == nil {
		clock = systemClock
	}
	return &LockoutGuard{maxAttempts: cfg.MaxAttempts, lockDuration: cfg.LockDuration, now: clock}
}

// Apply evaluates one attempt and mutates a accordingly. verify is only
// invoked when the account is not currently locked.
func (g *LockoutGuard) Apply(ctx context.Context, a *entity.Account, verify func(ctx context.Context, hash string) (bool, error)) (Decision, error) {
	now := g.now()
	d := Decision{
		PreviousLoginAt:       cloneTimePtr(a.LastLoginAt),
		PreviousFailedLoginAt: cloneTimePtr(a.LastFailedLoginAt),
	}

	if a.LockUntil != nil && now.Before(*a.LockUntil) {
		d.Transition = TransitionRejectedLocked
		d.FailCount = a.FailedLoginCount
		d.LockUntil = cloneTimePtr(a.LockUntil)
		d.SecondsRemaining = ceilSeconds(a.LockUntil.Sub(now))
		return d, nil
	}

	ok, err := verify(ctx, a.PasswordHash)
	if err != nil {
		return Decision{}, err
	}

	// an expired lock no longer applies either way
	a.LockUntil = nil

	if ok {
		a.FailedLoginCount = 0
		t := now
		a.LastLoginAt = &t
		d.Transition = TransitionSucceeded
		d.AttemptsRemaining = g.maxAttempts
		return d, nil
	}

	a.FailedLoginCount++
	t := now
	a.LastFailedLoginAt = &t
	if a.FailedLoginCount >= g.maxAttempts {
		until := now.Add(g.lockDuration)
		a.LockUntil = &until
		a.FailedLoginCount = 0
		d.Transition = TransitionLocked
		d.LockUntil = cloneTimePtr(&until)
		d.SecondsRemaining = ceilSeconds(g.lockDuration)
		return d, nil
	}
	d.Transition = TransitionFailed
	d.FailCount = a.FailedLoginCount
	d.AttemptsRemaining = g.maxAttempts - a.FailedLoginCount
	return d, nil
}

func cloneTimePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
