package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/ovaphlow/pitchfork/service-auth-core/internal/session/entity"
)

// NOTE: expected table schema (Postgres):
// CREATE TABLE sessions (
//   id VARCHAR(32) PRIMARY KEY,
//   account_id VARCHAR(32) NOT NULL,
//   token_hash TEXT NOT NULL UNIQUE,
//   issued_at TIMESTAMPTZ NOT NULL,
//   expires_at TIMESTAMPTZ NOT NULL,
//   revoked_at TIMESTAMPTZ,
//   ip_address TEXT,
//   user_agent TEXT
// );
// account_id carries no foreign key: sessions are inserted while the account
// row is held FOR UPDATE by another connection.

const sessionColumns = `id, account_id, token_hash, issued_at, expires_at, revoked_at, ip_address, user_agent`

// SessionRepo persists refresh sessions. Rows are never deleted; revoked and
// expired sessions stay for audit.
type SessionRepo struct {
	db *sqlx.DB
}

func NewSessionRepo(db *sqlx.DB) *SessionRepo {
	return &SessionRepo{db: db}
}

// EnsureTable creates the sessions table and indexes if missing.
func (r *SessionRepo) EnsureTable(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS sessions (
  id VARCHAR(32) PRIMARY KEY,
  account_id VARCHAR(32) NOT NULL,
  token_hash TEXT NOT NULL,
  issued_at TIMESTAMPTZ NOT NULL,
  expires_at TIMESTAMPTZ NOT NULL,
  revoked_at TIMESTAMPTZ,
  ip_address TEXT NOT NULL DEFAULT '',
  user_agent TEXT NOT NULL DEFAULT ''
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_token_hash ON sessions(token_hash);
CREATE INDEX IF NOT EXISTS idx_sessions_account_id ON sessions(account_id);
`
	_, err := r.db.ExecContext(ctx, ddl)
	return err
}

func (r *SessionRepo) Create(ctx context.Context, s *entity.Session) error {
	const q = `INSERT INTO sessions (` + sessionColumns + `)
		VALUES (:id, :account_id, :token_hash, :issued_at, :expires_at, :revoked_at, :ip_address, :user_agent)`
	if _, err := r.db.NamedExecContext(ctx, q, s); err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetByHash returns the session holding tokenHash or sql.ErrNoRows.
func (r *SessionRepo) GetByHash(ctx context.Context, tokenHash string) (*entity.Session, error) {
	var s entity.Session
	if err := r.db.GetContext(ctx, &s, `SELECT `+sessionColumns+` FROM sessions WHERE token_hash = $1`, tokenHash); err != nil {
		return nil, err
	}
	return &s, nil
}

// ListByAccount returns every session of an account, newest first.
func (r *SessionRepo) ListByAccount(ctx context.Context, accountID string) ([]*entity.Session, error) {
	var out []*entity.Session
	if err := r.db.SelectContext(ctx, &out, `SELECT `+sessionColumns+` FROM sessions WHERE account_id = $1 ORDER BY issued_at DESC`, accountID); err != nil {
		return nil, err
	}
	return out, nil
}

// Rotate swaps the token hash only if the session still holds oldHash and is
// usable at issuedAt. It reports false when another writer got there first or
// the session was revoked/expired in the meantime.
func (r *SessionRepo) Rotate(ctx context.Context, id, oldHash, newHash string, issuedAt, expiresAt time.Time) (bool, error) {
	const q = `UPDATE sessions SET token_hash=$3, issued_at=$4, expires_at=$5
		WHERE id=$1 AND token_hash=$2 AND revoked_at IS NULL AND expires_at > $4`
	res, err := r.db.ExecContext(ctx, q, id, oldHash, newHash, issuedAt, expiresAt)
	if err != nil {
		return false, fmt.Errorf("rotate session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Revoke marks one session revoked. Already revoked sessions keep their
// original timestamp.
func (r *SessionRepo) Revoke(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE sessions SET revoked_at=$2 WHERE id=$1 AND revoked_at IS NULL`, id, at)
	if err != nil {
		return false, fmt.Errorf("revoke session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// RevokeAllForAccount revokes every non-revoked session of an account and
// returns how many rows changed.
func (r *SessionRepo) RevokeAllForAccount(ctx context.Context, accountID string, at time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE sessions SET revoked_at=$2 WHERE account_id=$1 AND revoked_at IS NULL`, accountID, at)
	if err != nil {
		return 0, fmt.Errorf("revoke sessions: %w", err)
	}
	return res.RowsAffected()
}
