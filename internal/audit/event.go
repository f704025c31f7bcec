package audit

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Severity grades an event for downstream alerting.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityError    Severity = "ERROR"
	SeverityCritical Severity = "CRITICAL"
)

// Security event types.
const (
	TypeRegisterSuccess = "REGISTER_SUCCESS"
	TypeRegisterFailure = "REGISTER_FAILURE"

	TypeLoginSuccess = "LOGIN_SUCCESS"
	TypeLoginFailure = "LOGIN_FAILURE"

	TypeLogoutSuccess = "LOGOUT_SUCCESS"
	TypeLogoutFailure = "LOGOUT_FAILURE"

	TypeTokenRefreshSuccess = "TOKEN_REFRESH_SUCCESS"
	TypeTokenRefreshFailure = "TOKEN_REFRESH_FAILURE"

	TypePasswordChangeSuccess = "PASSWORD_CHANGE_SUCCESS"
	TypePasswordChangeFailure = "PASSWORD_CHANGE_FAILURE"

	TypeForgotPasswordChallenge            = "FORGOT_PASSWORD_CHALLENGE"
	TypeForgotPasswordUserNotFound         = "FORGOT_PASSWORD_USER_NOT_FOUND"
	TypeForgotPasswordValidationFailure    = "FORGOT_PASSWORD_VALIDATION_FAILURE"
	TypeForgotPasswordSecurityAnswerFailed = "FORGOT_PASSWORD_SECURITY_ANSWER_FAILURE"
	TypeForgotPasswordHistoryCheckFailed   = "FORGOT_PASSWORD_HISTORY_CHECK_FAILURE"
	TypeForgotPasswordPolicyValidated      = "FORGOT_PASSWORD_POLICY_VALIDATED"
	TypeForgotPasswordSuccess              = "FORGOT_PASSWORD_SUCCESS"

	TypeAdminResetSuccess = "ADMIN_USER_RESET_SUCCESS"
	TypeAdminResetFailure = "ADMIN_USER_RESET_FAILURE"
)

const (
	CategorySecurity = "SECURITY"
	CategoryAction   = "ACTION"
)

var securityKeywords = []string{"LOGIN", "LOGOUT", "REGISTER", "PASSWORD", "SECURITY", "TOKEN", "RESET"}

// Categorize buckets an event type into SECURITY or ACTION logs.
func Categorize(eventType string) string {
	up := strings.ToUpper(eventType)
	for _, k := range securityKeywords {
		if strings.Contains(up, k) {
			return CategorySecurity
		}
	}
	return CategoryAction
}

// Event is a structured security event. It never carries raw tokens,
// passwords or security answers.
type Event struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Type      string            `json:"type"`
	Category  string            `json:"category"`
	Severity  Severity          `json:"severity"`
	Success   bool              `json:"success"`
	AccountID string            `json:"account_id,omitempty"`
	ActorID   string            `json:"actor_id,omitempty"`
	ActorRole string            `json:"actor_role,omitempty"`
	IP        string            `json:"ip,omitempty"`
	UserAgent string            `json:"user_agent,omitempty"`
	Reason    string            `json:"reason,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// New stamps an event with an ID, time and category. Failures default to
// WARNING severity.
func New(eventType string, success bool) Event {
	sev := SeverityInfo
	if !success {
		sev = SeverityWarning
	}
	return Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Type:      eventType,
		Category:  Categorize(eventType),
		Severity:  sev,
		Success:   success,
	}
}

// With returns a copy of e with the metadata key set.
func (e Event) With(key, value string) Event {
	md := make(map[string]string, len(e.Metadata)+1)
	for k, v := range e.Metadata {
		md[k] = v
	}
	md[key] = value
	e.Metadata = md
	return e
}

// Sink receives emitted security events.
type Sink interface {
	Emit(ctx context.Context, event Event)
}
