package auth

import (
	"errors"
	"os"
	"strconv"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// PolicyConfig holds the password, lockout and recovery knobs. It is passed to
// each component at construction so tests can vary policy freely.
type PolicyConfig struct {
	MaxAttempts               int
	LockDuration              time.Duration
	PasswordHistoryLimit      int
	MinPasswordAge            time.Duration
	MinPasswordLength         int
	RequireComposition        bool
	RequiredSecurityQuestions int
	MinSecurityAnswerLength   int
	BcryptCost                int
	HashConcurrency           int64
}

// TokenConfig configures access/refresh token signing and session hashing.
type TokenConfig struct {
	Issuer             string
	AccessTokenSecret  string
	RefreshTokenSecret string
	SessionHashKey     string
	AnswerPepper       string
	AccessTokenTTL     time.Duration
	RefreshTokenTTL    time.Duration
}

// Config aggregates the auth core configuration.
type Config struct {
	Policy PolicyConfig
	Token  TokenConfig
}

// DefaultPolicy returns the production policy.
func DefaultPolicy() PolicyConfig {
	return PolicyConfig{
		MaxAttempts:               5,
		LockDuration:              10 * time.Minute,
		PasswordHistoryLimit:      2,
		MinPasswordAge:            24 * time.Hour,
		MinPasswordLength:         8,
		RequireComposition:        true,
		RequiredSecurityQuestions: 3,
		MinSecurityAnswerLength:   3,
		BcryptCost:                10,
		HashConcurrency:           4,
	}
}

var (
	ErrMissingAccessSecret  = errors.New("ACCESS_TOKEN_SECRET is required")
	ErrMissingRefreshSecret = errors.New("REFRESH_TOKEN_SECRET is required")
	ErrSameTokenSecrets     = errors.New("access and refresh secrets must differ")
)

// ConfigFromEnv reads the auth config from environment variables, falling
// back to DefaultPolicy for anything unset.
func ConfigFromEnv() Config {
	p := DefaultPolicy()
	p.MaxAttempts = envInt("AUTH_MAX_ATTEMPTS", p.MaxAttempts)
	p.LockDuration = time.Duration(envInt("AUTH_LOCK_MINUTES", int(p.LockDuration/time.Minute))) * time.Minute
	p.PasswordHistoryLimit = envInt("AUTH_PASSWORD_HISTORY_LIMIT", p.PasswordHistoryLimit)
	p.MinPasswordAge = time.Duration(envInt("AUTH_MIN_PASSWORD_AGE_HOURS", int(p.MinPasswordAge/time.Hour))) * time.Hour
	p.BcryptCost = envInt("AUTH_BCRYPT_COST", p.BcryptCost)
	p.HashConcurrency = int64(envInt("AUTH_HASH_CONCURRENCY", int(p.HashConcurrency)))
	if os.Getenv("AUTH_PASSWORD_COMPOSITION") == "0" {
		p.RequireComposition = false
	}

	issuer := os.Getenv("AUTH_ISSUER")
	if issuer == "" {
		issuer = "records-auth"
	}
	t := TokenConfig{
		Issuer:             issuer,
		AccessTokenSecret:  os.Getenv("ACCESS_TOKEN_SECRET"),
		RefreshTokenSecret: os.Getenv("REFRESH_TOKEN_SECRET"),
		SessionHashKey:     os.Getenv("SESSION_HASH_KEY"),
		AnswerPepper:       os.Getenv("ANSWER_PEPPER"),
		AccessTokenTTL:     time.Duration(envInt("ACCESS_TOKEN_EXPIRY_MIN", 15)) * time.Minute,
		RefreshTokenTTL:    time.Duration(envInt("REFRESH_TOKEN_EXPIRY_MIN", 7*24*60)) * time.Minute,
	}
	return Config{Policy: p, Token: t}
}

// Validate rejects configurations that would weaken the core.
func (c Config) Validate() error {
	if c.Token.AccessTokenSecret == "" {
		return ErrMissingAccessSecret
	}
	if c.Token.RefreshTokenSecret == "" {
		return ErrMissingRefreshSecret
	}
	if c.Token.AccessTokenSecret == c.Token.RefreshTokenSecret {
		return ErrSameTokenSecrets
	}
	return nil
}

func (p PolicyConfig) withDefaults() PolicyConfig {
	d := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.LockDuration <= 0 {
		p.LockDuration = d.LockDuration
	}
	if p.PasswordHistoryLimit < 0 {
		p.PasswordHistoryLimit = d.PasswordHistoryLimit
	}
	if p.MinPasswordLength <= 0 {
		p.MinPasswordLength = d.MinPasswordLength
	}
	if p.RequiredSecurityQuestions <= 0 {
		p.RequiredSecurityQuestions = d.RequiredSecurityQuestions
	}
	if p.MinSecurityAnswerLength <= 0 {
		p.MinSecurityAnswerLength = d.MinSecurityAnswerLength
	}
	if p.BcryptCost < bcrypt.MinCost || p.BcryptCost > bcrypt.MaxCost {
		p.BcryptCost = d.BcryptCost
	}
	if p.HashConcurrency <= 0 {
		p.HashConcurrency = d.HashConcurrency
	}
	return p
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
