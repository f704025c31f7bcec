package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	accountentity "github.com/ovaphlow/pitchfork/service-auth-core/internal/account/entity"
	sessionentity "github.com/ovaphlow/pitchfork/service-auth-core/internal/session/entity"
	"github.com/ovaphlow/pitchfork/service-auth-core/pkg/utilities"
)

const (
	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"
)

// Claims is carried by both access and refresh tokens.
type Claims struct {
	Role      string `json:"role"`
	TokenType string `json:"typ"`
	jwt.RegisteredClaims
}

// TokenPair is what a caller receives after login or refresh. The refresh
// token is handed out exactly once and only its hash is stored.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	SessionID        string    `json:"-"`
}

// TokenIssuer signs access/refresh tokens and manages the session rows
// backing refresh tokens.
type TokenIssuer struct {
	cfg      TokenConfig
	sessions SessionStore
	now      Clock
	newID    func() string
}

func NewTokenIssuer(cfg TokenConfig, sessions SessionStore, clock Clock) *TokenIssuer {
	if cfg.AccessTokenTTL <= 0 {
		cfg.AccessTokenTTL = 15 * time.Minute
	}
	if cfg.RefreshTokenTTL <= 0 {
		cfg.RefreshTokenTTL = 7 * 24 * time.Hour
	}
	if clock == nil {
		clock = systemClock
	}
	return &TokenIssuer{cfg: cfg, sessions: sessions, now: clock, newID: utilities.NewKSUID}
}

// HashToken returns the keyed digest under which a refresh token is stored.
func (i *TokenIssuer) HashToken(raw string) string {
	mac := hmac.New(sha256.New, []byte(i.cfg.SessionHashKey))
	mac.Write([]byte(raw))
	return hex.EncodeToString(mac.Sum(nil))
}

// Issue creates a new session for the account and returns its tokens.
func (i *TokenIssuer) Issue(ctx context.Context, a *accountentity.Account, origin sessionentity.Origin) (TokenPair, error) {
	now := i.now()
	access, accessExp, err := i.sign(a.ID, string(a.Role), tokenTypeAccess, now, i.cfg.AccessTokenTTL, i.cfg.AccessTokenSecret)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, refreshExp, err := i.sign(a.ID, string(a.Role), tokenTypeRefresh, now, i.cfg.RefreshTokenTTL, i.cfg.RefreshTokenSecret)
	if err != nil {
		return TokenPair{}, err
	}
	s := &sessionentity.Session{
		ID:        i.newID(),
		AccountID: a.ID,
		TokenHash: i.HashToken(refresh),
		IssuedAt:  now,
		ExpiresAt: refreshExp,
		IPAddress: origin.IPAddress,
		UserAgent: origin.UserAgent,
	}
	if err := i.sessions.Create(ctx, s); err != nil {
		return TokenPair{}, fmt.Errorf("create session: %w", err)
	}
	return TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
		SessionID:        s.ID,
	}, nil
}

// RoleLookup returns the role an account holds right now.
type RoleLookup func(ctx context.Context, accountID string) (accountentity.Role, error)

// Rotate exchanges a valid refresh token for a new pair. The session keeps
// its identity but takes a new hash, so the presented token stops working.
// The new tokens carry the role from roleOf, not the one in the presented
// token. When two callers race on the same token only the first swap
// succeeds; the other gets ErrInvalidSession.
func (i *TokenIssuer) Rotate(ctx context.Context, raw string, roleOf RoleLookup) (TokenPair, *sessionentity.Session, error) {
	_, s, err := i.Resolve(ctx, raw)
	if err != nil {
		return TokenPair{}, nil, err
	}
	role, err := roleOf(ctx, s.AccountID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return TokenPair{}, nil, ErrInvalidSession
		}
		return TokenPair{}, nil, fmt.Errorf("load role: %w", err)
	}
	now := i.now()
	access, accessExp, err := i.sign(s.AccountID, string(role), tokenTypeAccess, now, i.cfg.AccessTokenTTL, i.cfg.AccessTokenSecret)
	if err != nil {
		return TokenPair{}, nil, err
	}
	refresh, refreshExp, err := i.sign(s.AccountID, string(role), tokenTypeRefresh, now, i.cfg.RefreshTokenTTL, i.cfg.RefreshTokenSecret)
	if err != nil {
		return TokenPair{}, nil, err
	}
	ok, err := i.sessions.Rotate(ctx, s.ID, s.TokenHash, i.HashToken(refresh), now, refreshExp)
	if err != nil {
		return TokenPair{}, nil, err
	}
	if !ok {
		return TokenPair{}, nil, ErrInvalidSession
	}
	s.TokenHash = i.HashToken(refresh)
	s.IssuedAt = now
	s.ExpiresAt = refreshExp
	return TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
		SessionID:        s.ID,
	}, s, nil
}

// Resolve verifies a raw refresh token and returns its usable session.
func (i *TokenIssuer) Resolve(ctx context.Context, raw string) (*Claims, *sessionentity.Session, error) {
	claims, err := i.parse(raw, i.cfg.RefreshTokenSecret, tokenTypeRefresh)
	if err != nil {
		return nil, nil, ErrInvalidSession
	}
	s, err := i.sessions.GetByHash(ctx, i.HashToken(raw))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, ErrInvalidSession
		}
		return nil, nil, err
	}
	if !s.Usable(i.now()) || s.AccountID != claims.Subject {
		return nil, nil, ErrInvalidSession
	}
	return claims, s, nil
}

// Revoke marks one session revoked. A session that was already revoked
// reports ErrInvalidSession.
func (i *TokenIssuer) Revoke(ctx context.Context, s *sessionentity.Session) error {
	ok, err := i.sessions.Revoke(ctx, s.ID, i.now())
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidSession
	}
	return nil
}

// RevokeAll revokes every live session of the account.
func (i *TokenIssuer) RevokeAll(ctx context.Context, accountID string) (int64, error) {
	n, err := i.sessions.RevokeAllForAccount(ctx, accountID, i.now())
	if err != nil {
		return 0, fmt.Errorf("revoke all sessions: %w", err)
	}
	return n, nil
}

// VerifyAccess validates an access token and returns its claims.
func (i *TokenIssuer) VerifyAccess(raw string) (*Claims, error) {
	c, err := i.parse(raw, i.cfg.AccessTokenSecret, tokenTypeAccess)
	if err != nil {
		return nil, ErrInvalidSession
	}
	return c, nil
}

func (i *TokenIssuer) sign(subject, role, typ string, now time.Time, ttl time.Duration, secret string) (string, time.Time, error) {
	exp := now.Add(ttl)
	claims := Claims{
		Role:      role,
		TokenType: typ,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.cfg.Issuer,
			Subject:   subject,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign %s token: %w", typ, err)
	}
	return signed, exp, nil
}

func (i *TokenIssuer) parse(raw, secret, typ string) (*Claims, error) {
	if raw == "" {
		return nil, errors.New("empty token")
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(i.now),
		jwt.WithExpirationRequired(),
	}
	if i.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(i.cfg.Issuer))
	}
	var c Claims
	_, err := jwt.ParseWithClaims(raw, &c, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	if c.TokenType != typ || c.Subject == "" {
		return nil, errors.New("unexpected token type")
	}
	return &c, nil
}
