package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-auth-core/internal/account/entity"
	"github.com/ovaphlow/pitchfork/service-auth-core/internal/audit"
	sessionentity "github.com/ovaphlow/pitchfork/service-auth-core/internal/session/entity"
	"github.com/ovaphlow/pitchfork/service-auth-core/pkg/utilities"
)

// AuthenticationService orchestrates registration, login, logout, refresh
// and password change. It reaches storage only through the stores and
// crypto only through PasswordPolicy and TokenIssuer.
type AuthenticationService struct {
	credentials CredentialStore
	policy      *PasswordPolicy
	guard       *LockoutGuard
	issuer      *TokenIssuer
	events      audit.Sink
	logger      *zap.SugaredLogger
	now         Clock
	newID       func() string
}

// Deps bundles the collaborators shared by both services.
type Deps struct {
	Credentials CredentialStore
	Policy      *PasswordPolicy
	Guard       *LockoutGuard
	Issuer      *TokenIssuer
	Events      audit.Sink
	Logger      *zap.SugaredLogger
	Clock       Clock
}

func (d Deps) withDefaults() Deps {
	if d.Events == nil {
		d.Events = audit.NoOpSink{}
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop().Sugar()
	}
	if d.Clock == nil {
		d.Clock = systemClock
	}
	return d
}

func NewAuthenticationService(d Deps) *AuthenticationService {
	d = d.withDefaults()
	return &AuthenticationService{
		credentials: d.Credentials,
		policy:      d.Policy,
		guard:       d.Guard,
		issuer:      d.Issuer,
		events:      d.Events,
		logger:      d.Logger,
		now:         d.Clock,
		newID:       utilities.NewSnowflakeID,
	}
}

// NormalizeEmail trims and lower-cases an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validEmail(email string) bool {
	if email == "" {
		return false
	}
	addr, err := mail.ParseAddress(email)
	return err == nil && addr.Address == email
}

// RegisterInput is a new account request.
type RegisterInput struct {
	Email           string
	FirstName       string
	LastName        string
	Password        string
	Confirmation    string
	SecurityAnswers []SecurityAnswerInput
	// Role defaults to STUDENT when empty.
	Role   entity.Role
	Origin sessionentity.Origin
}

// Register creates an account with a hashed password and hashed security answers.
func (s *AuthenticationService) Register(ctx context.Context, in RegisterInput) (*entity.PublicProfile, error) {
	email := NormalizeEmail(in.Email)
	fail := func(err error) (*entity.PublicProfile, error) {
		if ae, ok := AsError(err); ok {
			s.emit(ctx, audit.New(audit.TypeRegisterFailure, false), in.Origin, ae.Reason)
		}
		return nil, err
	}

	if !validEmail(email) {
		return fail(policyViolation(ReasonInvalidEmail))
	}
	role := in.Role
	if role == "" {
		role = entity.RoleStudent
	}
	if !role.Valid() {
		return fail(policyViolation(ReasonInvalidRole))
	}
	if err := s.policy.ValidateMatch(in.Password, in.Confirmation); err != nil {
		return fail(err)
	}
	if err := s.policy.ValidateSecurityAnswers(in.SecurityAnswers); err != nil {
		return fail(err)
	}
	exists, err := s.credentials.EmailExists(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("check email: %w", err)
	}
	if exists {
		return fail(policyViolation(ReasonEmailTaken))
	}

	hash, err := s.policy.Hash(ctx, in.Password)
	if err != nil {
		return nil, err
	}
	questions, err := s.policy.HashSecurityAnswers(ctx, in.SecurityAnswers)
	if err != nil {
		return fail(err)
	}
	a := &entity.Account{
		ID:                s.newID(),
		Email:             email,
		FirstName:         strings.TrimSpace(in.FirstName),
		LastName:          strings.TrimSpace(in.LastName),
		Role:              role,
		PasswordHash:      hash,
		PasswordHistory:   []string{},
		SecurityQuestions: questions,
	}
	if err := s.credentials.Create(ctx, a); err != nil {
		return nil, fmt.Errorf("create account: %w", err)
	}
	e := audit.New(audit.TypeRegisterSuccess, true)
	e.AccountID = a.ID
	s.emit(ctx, e.With("role", string(role)), in.Origin, "")
	s.logger.Infow("account registered", "account_id", a.ID, "role", role)
	p := a.Profile()
	return &p, nil
}

// CheckEmailAvailable reports whether no account uses email yet.
func (s *AuthenticationService) CheckEmailAvailable(ctx context.Context, email string) (bool, error) {
	email = NormalizeEmail(email)
	if !validEmail(email) {
		return false, policyViolation(ReasonInvalidEmail)
	}
	exists, err := s.credentials.EmailExists(ctx, email)
	if err != nil {
		return false, fmt.Errorf("check email: %w", err)
	}
	return !exists, nil
}

// SecurityQuestionPool lists the questions an account may choose.
func (s *AuthenticationService) SecurityQuestionPool() []QuestionOption {
	return QuestionPool()
}

// LoginResult carries the tokens and the timestamps recorded before this login.
type LoginResult struct {
	Tokens                TokenPair
	Profile               entity.PublicProfile
	PreviousLoginAt       *time.Time
	PreviousFailedLoginAt *time.Time
}

// Login verifies credentials through the lockout guard and issues tokens.
// An unknown email fails exactly like a wrong password.
func (s *AuthenticationService) Login(ctx context.Context, email, password string, origin sessionentity.Origin) (*LoginResult, error) {
	email = NormalizeEmail(email)
	a, err := s.credentials.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.policy.DummyVerify(ctx, password)
			e := audit.New(audit.TypeLoginFailure, false)
			s.emit(ctx, e.With("email", email), origin, "unknown_account")
			return nil, invalidCredentials(0)
		}
		return nil, fmt.Errorf("load account: %w", err)
	}

	var (
		d      Decision
		tokens TokenPair
	)
	// Issue runs under the account lock, ordered against the RevokeAll of a
	// concurrent password change.
	updated, err := s.credentials.UpdateAccount(ctx, a.ID, func(cur *entity.Account) error {
		var err error
		d, err = s.guard.Apply(ctx, cur, func(ctx context.Context, hash string) (bool, error) {
			return s.policy.Verify(ctx, password, hash)
		})
		if err != nil || !d.Success() {
			return err
		}
		tokens, err = s.issuer.Issue(ctx, cur, origin)
		return err
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, invalidCredentials(0)
		}
		return nil, fmt.Errorf("record login attempt: %w", err)
	}

	if !d.Success() {
		e := audit.New(audit.TypeLoginFailure, false)
		e.AccountID = a.ID
		e = e.With("transition", string(d.Transition))
		if d.Transition == TransitionLocked {
			e.Severity = audit.SeverityCritical
			e = e.With("lock_seconds", strconv.FormatInt(d.SecondsRemaining, 10))
		} else if d.Transition == TransitionFailed {
			e = e.With("attempts_remaining", strconv.Itoa(d.AttemptsRemaining))
		}
		s.emit(ctx, e, origin, string(d.Transition))
		s.logger.Debugw("login rejected", "account_id", a.ID, "transition", d.Transition)
		return nil, d.Err()
	}

	e := audit.New(audit.TypeLoginSuccess, true)
	e.AccountID = updated.ID
	s.emit(ctx, e.With("session_id", tokens.SessionID), origin, "")
	return &LoginResult{
		Tokens:                tokens,
		Profile:               updated.Profile(),
		PreviousLoginAt:       d.PreviousLoginAt,
		PreviousFailedLoginAt: d.PreviousFailedLoginAt,
	}, nil
}

// Logout revokes the session behind a refresh token. Unknown, expired or
// already revoked tokens yield ErrInvalidSession.
func (s *AuthenticationService) Logout(ctx context.Context, refreshToken string, origin sessionentity.Origin) error {
	_, sess, err := s.issuer.Resolve(ctx, refreshToken)
	if err == nil {
		err = s.issuer.Revoke(ctx, sess)
	}
	if err != nil {
		if _, ok := AsError(err); ok {
			s.emit(ctx, audit.New(audit.TypeLogoutFailure, false), origin, string(CodeInvalidSession))
		}
		return err
	}
	e := audit.New(audit.TypeLogoutSuccess, true)
	e.AccountID = sess.AccountID
	s.emit(ctx, e.With("session_id", sess.ID), origin, "")
	return nil
}

// Refresh rotates a refresh token. The new access token carries the role
// currently stored for the account.
func (s *AuthenticationService) Refresh(ctx context.Context, refreshToken string, origin sessionentity.Origin) (TokenPair, error) {
	tokens, sess, err := s.issuer.Rotate(ctx, refreshToken, s.storedRole)
	if err != nil {
		if _, ok := AsError(err); ok {
			s.emit(ctx, audit.New(audit.TypeTokenRefreshFailure, false), origin, string(CodeInvalidSession))
		}
		return TokenPair{}, err
	}
	e := audit.New(audit.TypeTokenRefreshSuccess, true)
	e.AccountID = sess.AccountID
	s.emit(ctx, e.With("session_id", sess.ID), origin, "")
	return tokens, nil
}

func (s *AuthenticationService) storedRole(ctx context.Context, accountID string) (entity.Role, error) {
	a, err := s.credentials.GetByID(ctx, accountID)
	if err != nil {
		return "", err
	}
	return a.Role, nil
}

// ChangePasswordInput describes a password change. IsForced marks the
// recovery path: no current password is available, so security answers are
// required and the minimum age does not apply.
type ChangePasswordInput struct {
	AccountID       string
	CurrentPassword string
	NewPassword     string
	Confirmation    string
	SecurityAnswers []SecurityAnswerInput
	ForceLogoutAll  bool
	IsForced        bool
	Origin          sessionentity.Origin
}

// ChangePasswordResult reports the new change time and revoked session count.
type ChangePasswordResult struct {
	PasswordChangedAt time.Time `json:"password_changed_at"`
	RevokedSessions   int64     `json:"revoked_sessions"`
}

// ChangePassword runs the full change sequence against the locked account
// row. Nothing is written unless every check passes.
func (s *AuthenticationService) ChangePassword(ctx context.Context, in ChangePasswordInput) (*ChangePasswordResult, error) {
	fail := func(err error) (*ChangePasswordResult, error) {
		if ae, ok := AsError(err); ok {
			e := audit.New(audit.TypePasswordChangeFailure, false)
			e.AccountID = in.AccountID
			if in.IsForced {
				e = e.With("forced", "true")
			}
			s.emit(ctx, e, in.Origin, failureReason(ae))
		}
		return nil, err
	}

	if err := s.policy.ValidateMatch(in.NewPassword, in.Confirmation); err != nil {
		return fail(err)
	}

	now := s.now()
	var revoked int64
	_, err := s.credentials.UpdateAccount(ctx, in.AccountID, func(a *entity.Account) error {
		if !in.IsForced {
			ok, err := s.policy.Verify(ctx, in.CurrentPassword, a.PasswordHash)
			if err != nil {
				return err
			}
			if !ok {
				return invalidCredentials(0)
			}
		}
		if err := s.policy.CheckMinimumAge(a.PasswordChangedAt, now, in.IsForced); err != nil {
			return err
		}
		if in.IsForced || a.Role != entity.RoleAdmin {
			if err := s.policy.VerifySecurityAnswers(ctx, a.SecurityQuestions, in.SecurityAnswers); err != nil {
				return err
			}
		}
		if err := s.policy.CheckReuse(ctx, in.NewPassword, a.PasswordHash, a.PasswordHistory); err != nil {
			return err
		}
		hash, err := s.policy.Hash(ctx, in.NewPassword)
		if err != nil {
			return err
		}
		a.PasswordHistory = s.policy.PushHistory(a.PasswordHistory, a.PasswordHash)
		a.PasswordHash = hash
		changed := now
		a.PasswordChangedAt = &changed
		if in.ForceLogoutAll {
			// a failed revoke aborts the whole change
			n, err := s.issuer.RevokeAll(ctx, a.ID)
			if err != nil {
				return err
			}
			revoked = n
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fail(ErrNotFound)
		}
		if _, ok := AsError(err); ok {
			return fail(err)
		}
		return nil, fmt.Errorf("change password: %w", err)
	}

	e := audit.New(audit.TypePasswordChangeSuccess, true)
	e.AccountID = in.AccountID
	e = e.With("revoked_sessions", strconv.FormatInt(revoked, 10))
	if in.IsForced {
		e = e.With("forced", "true")
	}
	s.emit(ctx, e, in.Origin, "")
	return &ChangePasswordResult{PasswordChangedAt: now, RevokedSessions: revoked}, nil
}

func (s *AuthenticationService) emit(ctx context.Context, e audit.Event, origin sessionentity.Origin, reason string) {
	e.IP = origin.IPAddress
	e.UserAgent = origin.UserAgent
	e.Reason = reason
	s.events.Emit(ctx, e)
}

func failureReason(e *Error) string {
	if e.Reason != "" {
		return e.Reason
	}
	return string(e.Code)
}
