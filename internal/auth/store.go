package auth

import (
	"context"
	"time"

	accountentity "github.com/ovaphlow/pitchfork/service-auth-core/internal/account/entity"
	sessionentity "github.com/ovaphlow/pitchfork/service-auth-core/internal/session/entity"
)

// CredentialStore owns Account records. Lookups of missing rows return
// sql.ErrNoRows.
type CredentialStore interface {
	Create(ctx context.Context, a *accountentity.Account) error
	GetByEmail(ctx context.Context, email string) (*accountentity.Account, error)
	GetByID(ctx context.Context, id string) (*accountentity.Account, error)
	EmailExists(ctx context.Context, email string) (bool, error)
	// UpdateAccount serializes read-modify-write on one account. fn sees the
	// current row; returning an error from fn discards its changes.
	UpdateAccount(ctx context.Context, id string, fn func(*accountentity.Account) error) (*accountentity.Account, error)
}

// SessionStore owns Session records. Lookups of missing rows return
// sql.ErrNoRows.
type SessionStore interface {
	Create(ctx context.Context, s *sessionentity.Session) error
	GetByHash(ctx context.Context, tokenHash string) (*sessionentity.Session, error)
	ListByAccount(ctx context.Context, accountID string) ([]*sessionentity.Session, error)
	// Rotate swaps oldHash for newHash only if the session is still usable and
	// still holds oldHash. false means another caller won.
	Rotate(ctx context.Context, id, oldHash, newHash string, issuedAt, expiresAt time.Time) (bool, error)
	Revoke(ctx context.Context, id string, at time.Time) (bool, error)
	RevokeAllForAccount(ctx context.Context, accountID string, at time.Time) (int64, error)
}

// Clock returns the current time. Injected so lockout windows are testable.
type Clock func() time.Time

func systemClock() time.Time { return time.Now().UTC() }
