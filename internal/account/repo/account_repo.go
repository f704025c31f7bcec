package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/ovaphlow/pitchfork/service-auth-core/internal/account/entity"
)

const accountColumns = `id, email, first_name, last_name, role, password_hash, password_changed_at,
	password_history, failed_login_count, last_failed_login_at, lock_until, last_login_at,
	security_questions, created_at, updated_at`

// AccountRepo provides data access for the accounts table using sqlx.
// Missing rows are reported as sql.ErrNoRows.
type AccountRepo struct {
	db *sqlx.DB
}

func NewAccountRepo(db *sqlx.DB) *AccountRepo { return &AccountRepo{db: db} }

// EnsureTable creates the accounts table if not exists (idempotent).
// Prefer migrations in production.
func (r *AccountRepo) EnsureTable(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS accounts (
  id VARCHAR(32) PRIMARY KEY,
  email TEXT NOT NULL,
  first_name TEXT NOT NULL DEFAULT '',
  last_name TEXT NOT NULL DEFAULT '',
  role TEXT NOT NULL DEFAULT 'STUDENT',
  password_hash TEXT NOT NULL,
  password_changed_at TIMESTAMPTZ,
  password_history TEXT[] NOT NULL DEFAULT '{}',
  failed_login_count INT NOT NULL DEFAULT 0,
  last_failed_login_at TIMESTAMPTZ,
  lock_until TIMESTAMPTZ,
  last_login_at TIMESTAMPTZ,
  security_questions JSONB NOT NULL DEFAULT '[]'::jsonb,
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_accounts_email ON accounts(email);
CREATE INDEX IF NOT EXISTS idx_accounts_role ON accounts(role);
`
	_, err := r.db.ExecContext(ctx, ddl)
	return err
}

// Create inserts a new account row. The caller supplies the ID.
func (r *AccountRepo) Create(ctx context.Context, a *entity.Account) error {
	const q = `INSERT INTO accounts (id, email, first_name, last_name, role, password_hash, password_changed_at,
		password_history, failed_login_count, security_questions, created_at, updated_at)
		VALUES (:id, :email, :first_name, :last_name, :role, :password_hash, :password_changed_at,
		:password_history, :failed_login_count, :security_questions, :created_at, :updated_at)`
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	if a.PasswordHistory == nil {
		a.PasswordHistory = []string{}
	}
	if _, err := r.db.NamedExecContext(ctx, q, a); err != nil {
		return fmt.Errorf("insert account: %w", err)
	}
	return nil
}

// GetByEmail returns the account with the given normalized email or sql.ErrNoRows.
func (r *AccountRepo) GetByEmail(ctx context.Context, email string) (*entity.Account, error) {
	var a entity.Account
	if err := r.db.GetContext(ctx, &a, `SELECT `+accountColumns+` FROM accounts WHERE email = $1`, email); err != nil {
		return nil, err
	}
	return &a, nil
}

// GetByID fetches a full account row.
func (r *AccountRepo) GetByID(ctx context.Context, id string) (*entity.Account, error) {
	var a entity.Account
	if err := r.db.GetContext(ctx, &a, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id); err != nil {
		return nil, err
	}
	return &a, nil
}

// EmailExists reports whether an account already uses the normalized email.
func (r *AccountRepo) EmailExists(ctx context.Context, email string) (bool, error) {
	var one int
	err := r.db.GetContext(ctx, &one, `SELECT 1 FROM accounts WHERE email = $1`, email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// UpdateAccount loads the account under a row lock, applies fn and writes the
// mutable credential/lockout columns back in the same transaction. If fn
// returns an error nothing is written.
func (r *AccountRepo) UpdateAccount(ctx context.Context, id string, fn func(*entity.Account) error) (*entity.Account, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var a entity.Account
	if err := tx.GetContext(ctx, &a, `SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, id); err != nil {
		return nil, err
	}
	if err := fn(&a); err != nil {
		return nil, err
	}
	a.UpdatedAt = time.Now().UTC()
	if a.PasswordHistory == nil {
		a.PasswordHistory = []string{}
	}

	const q = `UPDATE accounts SET password_hash=:password_hash, password_changed_at=:password_changed_at,
		password_history=:password_history, failed_login_count=:failed_login_count,
		last_failed_login_at=:last_failed_login_at, lock_until=:lock_until, last_login_at=:last_login_at,
		security_questions=:security_questions, updated_at=:updated_at
		WHERE id=:id`
	if _, err := tx.NamedExecContext(ctx, q, &a); err != nil {
		return nil, fmt.Errorf("update account: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return &a, nil
}
