package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/semaphore"
	"golang.org/x/text/unicode/norm"
)

// PasswordPolicy validates, hashes and verifies passwords and security
// answers. It holds no storage.
type PasswordPolicy struct {
	cfg          PolicyConfig
	answerPepper []byte
	pool         *semaphore.Weighted
	dummyHash    []byte
}

func NewPasswordPolicy(cfg PolicyConfig, answerPepper string) *PasswordPolicy {
	cfg = cfg.withDefaults()
	p := &PasswordPolicy{
		cfg:          cfg,
		answerPepper: []byte(answerPepper),
		pool:         semaphore.NewWeighted(cfg.HashConcurrency),
	}
	// used to burn comparable time for unknown accounts
	h, err := bcrypt.GenerateFromPassword([]byte("dummy-password-for-timing"), cfg.BcryptCost)
	if err == nil {
		p.dummyHash = h
	}
	return p
}

// Config returns the effective policy.
func (p *PasswordPolicy) Config() PolicyConfig { return p.cfg }

// MaxPasswordBytes is the longest input bcrypt accepts.
const MaxPasswordBytes = 72

// ValidateStrength checks length and, when enabled, character classes.
// Symbols are anything other than letters, digits, underscore and spaces.
func (p *PasswordPolicy) ValidateStrength(password string) error {
	if password == "" {
		return policyViolation(ReasonEmpty)
	}
	if len([]rune(password)) < p.cfg.MinPasswordLength {
		return policyViolation(ReasonTooShort)
	}
	if len(password) > MaxPasswordBytes {
		return policyViolation(ReasonTooLong)
	}
	if !p.cfg.RequireComposition {
		return nil
	}
	var upper, lower, digit, symbol bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		case r == '_' || unicode.IsSpace(r):
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			symbol = true
		}
	}
	if !upper || !lower || !digit || !symbol {
		return policyViolation(ReasonComposition)
	}
	return nil
}

// ValidateMatch fails on empty or unequal input, then applies ValidateStrength.
func (p *PasswordPolicy) ValidateMatch(password, confirmation string) error {
	if password == "" || confirmation == "" {
		return policyViolation(ReasonEmpty)
	}
	if password != confirmation {
		return policyViolation(ReasonMismatch)
	}
	return p.ValidateStrength(password)
}

// Hash produces a bcrypt hash of secret on the bounded hashing pool.
func (p *PasswordPolicy) Hash(ctx context.Context, secret string) (string, error) {
	if err := p.pool.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer p.pool.Release(1)
	h, err := bcrypt.GenerateFromPassword([]byte(secret), p.cfg.BcryptCost)
	if errors.Is(err, bcrypt.ErrPasswordTooLong) {
		return "", policyViolation(ReasonTooLong)
	}
	if err != nil {
		return "", fmt.Errorf("hash: %w", err)
	}
	return string(h), nil
}

// Verify reports whether secret matches hash. Malformed hashes never match.
func (p *PasswordPolicy) Verify(ctx context.Context, secret, hash string) (bool, error) {
	if hash == "" {
		return false, nil
	}
	if err := p.pool.Acquire(ctx, 1); err != nil {
		return false, err
	}
	defer p.pool.Release(1)
	// mismatch and malformed hashes both count as non-matching
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil, nil
}

// DummyVerify spends about as long as a real Verify without a real hash.
func (p *PasswordPolicy) DummyVerify(ctx context.Context, secret string) {
	if p.dummyHash == nil {
		return
	}
	_, _ = p.Verify(ctx, secret, string(p.dummyHash))
}

// CheckReuse rejects newPassword if it matches the current hash or any
// retained history hash.
func (p *PasswordPolicy) CheckReuse(ctx context.Context, newPassword, currentHash string, history []string) error {
	candidates := make([]string, 0, 1+len(history))
	if currentHash != "" {
		candidates = append(candidates, currentHash)
	}
	limit := len(history)
	if limit > p.cfg.PasswordHistoryLimit {
		limit = p.cfg.PasswordHistoryLimit
	}
	candidates = append(candidates, history[:limit]...)
	for _, h := range candidates {
		ok, err := p.Verify(ctx, newPassword, h)
		if err != nil {
			return err
		}
		if ok {
			return policyViolation(ReasonReuse)
		}
	}
	return nil
}

// CheckMinimumAge rejects a change made less than MinPasswordAge after the
// last one, unless the caller declares the change forced.
func (p *PasswordPolicy) CheckMinimumAge(changedAt *time.Time, now time.Time, forced bool) error {
	if forced || changedAt == nil || p.cfg.MinPasswordAge <= 0 {
		return nil
	}
	elapsed := now.Sub(*changedAt)
	if elapsed >= p.cfg.MinPasswordAge {
		return nil
	}
	e := policyViolation(ReasonMinAge)
	e.SecondsRemaining = ceilSeconds(p.cfg.MinPasswordAge - elapsed)
	return e
}

// PushHistory prepends the outgoing hash and trims to the configured cap.
func (p *PasswordPolicy) PushHistory(history []string, oldHash string) []string {
	out := make([]string, 0, p.cfg.PasswordHistoryLimit)
	if oldHash != "" && p.cfg.PasswordHistoryLimit > 0 {
		out = append(out, oldHash)
	}
	for _, h := range history {
		if len(out) >= p.cfg.PasswordHistoryLimit {
			break
		}
		out = append(out, h)
	}
	return out
}

// NormalizeAnswer folds a free-text answer for hashing and comparison.
func NormalizeAnswer(answer string) string {
	return strings.ToLower(strings.TrimSpace(norm.NFKC.String(answer)))
}

// HashAnswer hashes a normalized answer keyed with the answer pepper, so
// answer hashes and password hashes are independent.
func (p *PasswordPolicy) HashAnswer(ctx context.Context, answer string) (string, error) {
	return p.Hash(ctx, p.pepperAnswer(answer))
}

// VerifyAnswer compares a raw answer with its stored hash.
func (p *PasswordPolicy) VerifyAnswer(ctx context.Context, answer, hash string) (bool, error) {
	return p.Verify(ctx, p.pepperAnswer(answer), hash)
}

func (p *PasswordPolicy) pepperAnswer(answer string) string {
	mac := hmac.New(sha256.New, p.answerPepper)
	mac.Write([]byte(NormalizeAnswer(answer)))
	return hex.EncodeToString(mac.Sum(nil))
}

func ceilSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64((d + time.Second - 1) / time.Second)
}
