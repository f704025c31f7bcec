package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-auth-core/internal/account/entity"
	"github.com/ovaphlow/pitchfork/service-auth-core/internal/audit"
	sessionentity "github.com/ovaphlow/pitchfork/service-auth-core/internal/session/entity"
)

// RecoveryService handles self-service reset through security questions and
// admin-mediated resets.
type RecoveryService struct {
	auth        *AuthenticationService
	credentials CredentialStore
	policy      *PasswordPolicy
	issuer      *TokenIssuer
	events      audit.Sink
	logger      *zap.SugaredLogger
	now         Clock
}

func NewRecoveryService(d Deps, authSvc *AuthenticationService) *RecoveryService {
	d = d.withDefaults()
	return &RecoveryService{
		auth:        authSvc,
		credentials: d.Credentials,
		policy:      d.Policy,
		issuer:      d.Issuer,
		events:      d.Events,
		logger:      d.Logger,
		now:         d.Clock,
	}
}

// GetChallenge returns the question texts stored for email.
func (r *RecoveryService) GetChallenge(ctx context.Context, email string, origin sessionentity.Origin) ([]Challenge, error) {
	email = NormalizeEmail(email)
	a, err := r.credentials.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			r.emit(ctx, audit.New(audit.TypeForgotPasswordUserNotFound, false), origin, "challenge")
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load account: %w", err)
	}
	if len(a.SecurityQuestions) == 0 {
		return nil, ErrNotFound
	}
	e := audit.New(audit.TypeForgotPasswordChallenge, true)
	e.AccountID = a.ID
	r.emit(ctx, e, origin, "")
	return challengeFor(a.SecurityQuestions), nil
}

// ResetInput is a self-service reset request.
type ResetInput struct {
	Email        string
	NewPassword  string
	Confirmation string
	Answers      []SecurityAnswerInput
	Origin       sessionentity.Origin
}

// ResetWithAnswers resets a forgotten password. Failures carry the Step that
// rejected them. On success every session of the account is revoked.
func (r *RecoveryService) ResetWithAnswers(ctx context.Context, in ResetInput) (*ChangePasswordResult, error) {
	email := NormalizeEmail(in.Email)
	a, err := r.credentials.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			for _, ans := range in.Answers {
				r.policy.DummyVerify(ctx, ans.Answer)
			}
			r.emit(ctx, audit.New(audit.TypeForgotPasswordUserNotFound, false), in.Origin, "reset")
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load account: %w", err)
	}

	if err := r.policy.VerifySecurityAnswers(ctx, a.SecurityQuestions, in.Answers); err != nil {
		return nil, r.stepFailure(ctx, a.ID, in.Origin, StepSecurityAnswers, err)
	}
	if err := r.policy.ValidateMatch(in.NewPassword, in.Confirmation); err != nil {
		return nil, r.stepFailure(ctx, a.ID, in.Origin, StepPasswordValidation, err)
	}
	validated := audit.New(audit.TypeForgotPasswordPolicyValidated, true)
	validated.AccountID = a.ID
	r.emit(ctx, validated, in.Origin, "")

	res, err := r.auth.ChangePassword(ctx, ChangePasswordInput{
		AccountID:       a.ID,
		NewPassword:     in.NewPassword,
		Confirmation:    in.Confirmation,
		SecurityAnswers: in.Answers,
		ForceLogoutAll:  true,
		IsForced:        true,
		Origin:          in.Origin,
	})
	if err != nil {
		if ae, ok := AsError(err); ok {
			return nil, r.stepFailure(ctx, a.ID, in.Origin, stepFor(ae), err)
		}
		return nil, err
	}
	e := audit.New(audit.TypeForgotPasswordSuccess, true)
	e.AccountID = a.ID
	r.emit(ctx, e.With("revoked_sessions", strconv.FormatInt(res.RevokedSessions, 10)), in.Origin, "")
	return res, nil
}

func stepFor(e *Error) Step {
	switch {
	case e.Code == CodeSecurityAnswerMismatch:
		return StepSecurityAnswers
	case e.Code == CodePolicyViolation && e.Reason == ReasonReuse:
		return StepPasswordHistory
	default:
		return StepPasswordValidation
	}
}

func (r *RecoveryService) stepFailure(ctx context.Context, accountID string, origin sessionentity.Origin, step Step, err error) error {
	var t string
	switch step {
	case StepSecurityAnswers:
		t = audit.TypeForgotPasswordSecurityAnswerFailed
	case StepPasswordHistory:
		t = audit.TypeForgotPasswordHistoryCheckFailed
	default:
		t = audit.TypeForgotPasswordValidationFailure
	}
	e := audit.New(t, false)
	e.AccountID = accountID
	reason := err.Error()
	if ae, ok := AsError(err); ok {
		reason = failureReason(ae)
		if ae.QuestionIndex >= 0 {
			e = e.With("question_index", strconv.Itoa(ae.QuestionIndex))
		}
	}
	r.emit(ctx, e.With("step", string(step)), origin, reason)
	return withStep(err, step)
}

// Actor is the authenticated caller of an administrative operation.
type Actor struct {
	ID   string
	Role entity.Role
}

// PasswordUpdate is the password branch of an admin reset.
type PasswordUpdate struct {
	NewPassword  string `json:"new_password"`
	Confirmation string `json:"confirm_password"`
}

// AdminResetRequest selects which branches an admin reset applies. A nil
// Password and empty SecurityQuestions change nothing.
type AdminResetRequest struct {
	Password          *PasswordUpdate
	SecurityQuestions []SecurityAnswerInput
	Origin            sessionentity.Origin
}

// Changed branch names reported by AdminReset.
const (
	ChangedPassword          = "password"
	ChangedSecurityQuestions = "security_questions"
)

// AdminResetResult lists the branches that were applied.
type AdminResetResult struct {
	Changed         []string `json:"changed"`
	RevokedSessions int64    `json:"revoked_sessions"`
}

// AdminReset lets an ADMIN replace a non-admin account's password and/or
// security questions. Both branches are validated before anything is written
// and are applied in one account update.
func (r *RecoveryService) AdminReset(ctx context.Context, actor Actor, targetID string, req AdminResetRequest) (*AdminResetResult, error) {
	fail := func(err error) (*AdminResetResult, error) {
		if ae, ok := AsError(err); ok {
			e := audit.New(audit.TypeAdminResetFailure, false)
			e.AccountID = targetID
			e.ActorID = actor.ID
			e.ActorRole = string(actor.Role)
			if ae.Code == CodeNotAuthorized {
				e.Severity = audit.SeverityCritical
			}
			r.emit(ctx, e, req.Origin, failureReason(ae))
		}
		return nil, err
	}

	if actor.Role != entity.RoleAdmin {
		return fail(ErrNotAuthorized)
	}
	// the token role may be stale; the stored role decides
	admin, err := r.credentials.GetByID(ctx, actor.ID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fail(ErrNotAuthorized)
		}
		return nil, fmt.Errorf("load actor: %w", err)
	}
	if admin.Role != entity.RoleAdmin {
		return fail(ErrNotAuthorized)
	}
	target, err := r.credentials.GetByID(ctx, targetID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fail(ErrNotFound)
		}
		return nil, fmt.Errorf("load target: %w", err)
	}
	if target.Role == entity.RoleAdmin {
		return fail(ErrNotAuthorized)
	}

	var newHash string
	if req.Password != nil {
		if err := r.policy.ValidateMatch(req.Password.NewPassword, req.Password.Confirmation); err != nil {
			return fail(err)
		}
		h, err := r.policy.Hash(ctx, req.Password.NewPassword)
		if err != nil {
			return nil, err
		}
		newHash = h
	}
	var questions entity.SecurityQuestions
	if len(req.SecurityQuestions) > 0 {
		q, err := r.policy.HashSecurityAnswers(ctx, req.SecurityQuestions)
		if err != nil {
			return fail(err)
		}
		questions = q
	}

	res := &AdminResetResult{Changed: []string{}}
	if newHash == "" && questions == nil {
		return res, nil
	}

	now := r.now()
	_, err = r.credentials.UpdateAccount(ctx, targetID, func(a *entity.Account) error {
		res.Changed = res.Changed[:0]
		if a.Role == entity.RoleAdmin {
			return ErrNotAuthorized
		}
		if newHash != "" {
			if err := r.policy.CheckReuse(ctx, req.Password.NewPassword, a.PasswordHash, a.PasswordHistory); err != nil {
				return err
			}
			a.PasswordHistory = r.policy.PushHistory(a.PasswordHistory, a.PasswordHash)
			a.PasswordHash = newHash
			changed := now
			a.PasswordChangedAt = &changed
			a.FailedLoginCount = 0
			a.LockUntil = nil
			n, err := r.issuer.RevokeAll(ctx, a.ID)
			if err != nil {
				return err
			}
			res.RevokedSessions = n
			res.Changed = append(res.Changed, ChangedPassword)
		}
		if questions != nil {
			a.SecurityQuestions = questions
			res.Changed = append(res.Changed, ChangedSecurityQuestions)
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
		return nil, fmt.Errorf("admin reset: %w", err)
	}

	e := audit.New(audit.TypeAdminResetSuccess, true)
	e.AccountID = targetID
	e.ActorID = actor.ID
	e.ActorRole = string(actor.Role)
	r.logger.Infow("admin reset applied", "actor_id", actor.ID, "target_id", targetID, "changed", res.Changed)
	r.emit(ctx, e.With("changed", strings.Join(res.Changed, ",")), req.Origin, "")
	return res, nil
}

func (r *RecoveryService) emit(ctx context.Context, e audit.Event, origin sessionentity.Origin, reason string) {
	e.IP = origin.IPAddress
	e.UserAgent = origin.UserAgent
	e.Reason = reason
	r.events.Emit(ctx, e)
}
