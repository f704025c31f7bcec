package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConfigFromEnvDefaults(t *testing.T) {
	t.Setenv("ACCESS_TOKEN_SECRET", "a")
	t.Setenv("REFRESH_TOKEN_SECRET", "b")
	t.Setenv("AUTH_MAX_ATTEMPTS", "")
	t.Setenv("AUTH_LOCK_MINUTES", "")

	cfg := ConfigFromEnv()
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, 5, cfg.Policy.MaxAttempts)
	assert.Equal(t, 10*time.Minute, cfg.Policy.LockDuration)
	assert.Equal(t, 2, cfg.Policy.PasswordHistoryLimit)
	assert.Equal(t, 24*time.Hour, cfg.Policy.MinPasswordAge)
	assert.Equal(t, 15*time.Minute, cfg.Token.AccessTokenTTL)
	assert.Equal(t, 7*24*time.Hour, cfg.Token.RefreshTokenTTL)
}

func TestConfigFromEnvOverrides(t *testing.T) {
	t.Setenv("AUTH_MAX_ATTEMPTS", "3")
	t.Setenv("AUTH_LOCK_MINUTES", "30")
	t.Setenv("AUTH_PASSWORD_COMPOSITION", "0")
	t.Setenv("ACCESS_TOKEN_EXPIRY_MIN", "5")

	cfg := ConfigFromEnv()
	assert.Equal(t, 3, cfg.Policy.MaxAttempts)
	assert.Equal(t, 30*time.Minute, cfg.Policy.LockDuration)
	assert.False(t, cfg.Policy.RequireComposition)
	assert.Equal(t, 5*time.Minute, cfg.Token.AccessTokenTTL)
}

func TestConfigValidate(t *testing.T) {
	assert.ErrorIs(t, Config{}.Validate(), ErrMissingAccessSecret)
	assert.ErrorIs(t, Config{Token: TokenConfig{AccessTokenSecret: "x"}}.Validate(), ErrMissingRefreshSecret)
	assert.ErrorIs(t, Config{Token: TokenConfig{AccessTokenSecret: "x", RefreshTokenSecret: "x"}}.Validate(), ErrSameTokenSecrets)
}

func TestPolicyWithDefaultsFillsGaps(t *testing.T) {
	p := PolicyConfig{BcryptCost: 99}.withDefaults()
	assert.Equal(t, DefaultPolicy().BcryptCost, p.BcryptCost)
	assert.Equal(t, 5, p.MaxAttempts)
	assert.Equal(t, int64(4), p.HashConcurrency)
}

func TestErrorMatchesByCode(t *testing.T) {
	err := withStep(answerMismatch(1), StepSecurityAnswers)
	assert.ErrorIs(t, err, ErrAnswerMismatch)
	assert.NotErrorIs(t, err, ErrInvalidSession)
	assert.Contains(t, err.Error(), "security_answers")
	assert.Contains(t, accountLocked(42).Error(), "42s")
}
