package auth

import (
	"errors"
	"fmt"
)

// Code identifies an expected business failure.
type Code string

const (
	CodeInvalidCredentials     Code = "invalid_credentials"
	CodeAccountLocked          Code = "account_locked"
	CodePolicyViolation        Code = "policy_violation"
	CodeSecurityAnswerMismatch Code = "security_answer_mismatch"
	CodeInvalidSession         Code = "invalid_session"
	CodeNotAuthorized          Code = "not_authorized"
	CodeNotFound               Code = "not_found"
)

// Step tags which stage of a recovery flow rejected the request.
type Step string

const (
	StepPasswordValidation Step = "password_validation"
	StepSecurityAnswers    Step = "security_answers"
	StepPasswordHistory    Step = "password_history"
)

// Policy violation reasons.
const (
	ReasonEmpty          = "password_required"
	ReasonMismatch       = "password_mismatch"
	ReasonTooShort       = "password_too_short"
	ReasonTooLong        = "password_too_long"
	ReasonComposition    = "password_composition"
	ReasonReuse          = "password_reused"
	ReasonMinAge         = "password_min_age"
	ReasonInvalidEmail   = "invalid_email"
	ReasonEmailTaken     = "email_taken"
	ReasonQuestions      = "security_questions_invalid"
	ReasonAnswerTooShort = "security_answer_too_short"
	ReasonInvalidRole    = "invalid_role"
)

// Error is a typed business failure. Anything that is not an *Error is an
// infrastructure fault.
type Error struct {
	Code             Code
	Reason           string
	Step             Step
	SecondsRemaining int64
	// AttemptsRemaining is set on failed logins that did not lock the account.
	AttemptsRemaining int
	// QuestionIndex is the position of the first failing answer, or -1.
	QuestionIndex int
}

func (e *Error) Error() string {
	msg := string(e.Code)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Step != "" {
		msg = fmt.Sprintf("%s (step %s)", msg, e.Step)
	}
	if e.Code == CodeAccountLocked {
		msg = fmt.Sprintf("%s (%ds remaining)", msg, e.SecondsRemaining)
	}
	return msg
}

// Is matches on Code so callers can use errors.Is(err, ErrInvalidSession).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

var (
	ErrInvalidCredentials = &Error{Code: CodeInvalidCredentials, QuestionIndex: -1}
	ErrInvalidSession     = &Error{Code: CodeInvalidSession, QuestionIndex: -1}
	ErrNotAuthorized      = &Error{Code: CodeNotAuthorized, QuestionIndex: -1}
	ErrNotFound           = &Error{Code: CodeNotFound, QuestionIndex: -1}
	ErrAccountLocked      = &Error{Code: CodeAccountLocked, QuestionIndex: -1}
	ErrPolicyViolation    = &Error{Code: CodePolicyViolation, QuestionIndex: -1}
	ErrAnswerMismatch     = &Error{Code: CodeSecurityAnswerMismatch, QuestionIndex: -1}
)

func invalidCredentials(attemptsRemaining int) *Error {
	return &Error{Code: CodeInvalidCredentials, AttemptsRemaining: attemptsRemaining, QuestionIndex: -1}
}

func accountLocked(seconds int64) *Error {
	return &Error{Code: CodeAccountLocked, SecondsRemaining: seconds, QuestionIndex: -1}
}

func policyViolation(reason string) *Error {
	return &Error{Code: CodePolicyViolation, Reason: reason, QuestionIndex: -1}
}

func answerMismatch(index int) *Error {
	return &Error{Code: CodeSecurityAnswerMismatch, QuestionIndex: index}
}

func withStep(err error, step Step) error {
	var ae *Error
	if !errors.As(err, &ae) {
		return err
	}
	c := *ae
	c.Step = step
	return &c
}

// AsError extracts the business failure from err, if any.
func AsError(err error) (*Error, bool) {
	var ae *Error
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}
