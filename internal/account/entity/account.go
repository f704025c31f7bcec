package entity

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/lib/pq"
)

// Role is the fixed set of account roles.
type Role string

const (
	RoleAdmin   Role = "ADMIN"
	RoleTeacher Role = "TEACHER"
	RoleStudent Role = "STUDENT"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleTeacher, RoleStudent:
		return true
	}
	return false
}

// SecurityQuestion is one recovery challenge. Only the question index and a
// one-way hash of the normalized answer are kept.
type SecurityQuestion struct {
	QuestionIndex int    `json:"question_index"`
	AnswerHash    string `json:"answer_hash"`
}

// SecurityQuestions is stored as a JSONB array.
type SecurityQuestions []SecurityQuestion

// Value implements driver.Valuer.
func (q SecurityQuestions) Value() (driver.Value, error) {
	if q == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]SecurityQuestion(q))
}

// Scan implements sql.Scanner.
func (q *SecurityQuestions) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*q = nil
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return errors.New("security_questions: unsupported type")
	}
	var out []SecurityQuestion
	if err := json.Unmarshal(raw, &out); err != nil {
		return err
	}
	*q = out
	return nil
}

// Account represents a row in the `accounts` table: identity plus credential
// and lockout state.
type Account struct {
	ID                string            `db:"id" json:"id"`
	Email             string            `db:"email" json:"email"`
	FirstName         string            `db:"first_name" json:"first_name"`
	LastName          string            `db:"last_name" json:"last_name"`
	Role              Role              `db:"role" json:"role"`
	PasswordHash      string            `db:"password_hash" json:"-"`
	PasswordChangedAt *time.Time        `db:"password_changed_at" json:"password_changed_at,omitempty"`
	PasswordHistory   pq.StringArray    `db:"password_history" json:"-"`
	FailedLoginCount  int               `db:"failed_login_count" json:"-"`
	LastFailedLoginAt *time.Time        `db:"last_failed_login_at" json:"last_failed_login_at,omitempty"`
	LockUntil         *time.Time        `db:"lock_until" json:"lock_until,omitempty"`
	LastLoginAt       *time.Time        `db:"last_login_at" json:"last_login_at,omitempty"`
	SecurityQuestions SecurityQuestions `db:"security_questions" json:"-"`
	CreatedAt         time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time         `db:"updated_at" json:"updated_at"`
}

// Clone returns a deep copy so callers can mutate without touching shared state.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	c := *a
	c.PasswordChangedAt = cloneTime(a.PasswordChangedAt)
	c.LastFailedLoginAt = cloneTime(a.LastFailedLoginAt)
	c.LockUntil = cloneTime(a.LockUntil)
	c.LastLoginAt = cloneTime(a.LastLoginAt)
	if a.PasswordHistory != nil {
		c.PasswordHistory = append(pq.StringArray(nil), a.PasswordHistory...)
	}
	if a.SecurityQuestions != nil {
		c.SecurityQuestions = append(SecurityQuestions(nil), a.SecurityQuestions...)
	}
	return &c
}

// PublicProfile is the minimal projection returned to clients after login.
type PublicProfile struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Role      Role   `json:"role"`
}

// Profile returns the public projection of the account.
func (a *Account) Profile() PublicProfile {
	return PublicProfile{ID: a.ID, Email: a.Email, FirstName: a.FirstName, LastName: a.LastName, Role: a.Role}
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
