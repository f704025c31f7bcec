package auth

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-auth-core/internal/account/entity"
	sessionentity "github.com/ovaphlow/pitchfork/service-auth-core/internal/session/entity"
)

// Handler exposes the auth core over HTTP.
type Handler struct {
	auth     *AuthenticationService
	recovery *RecoveryService
	issuer   *TokenIssuer
	logger   *zap.SugaredLogger
}

func NewHandler(authSvc *AuthenticationService, recovery *RecoveryService, issuer *TokenIssuer, logger *zap.SugaredLogger) *Handler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Handler{auth: authSvc, recovery: recovery, issuer: issuer, logger: logger}
}

// RegisterRequest request body for registration.
type RegisterRequest struct {
	Email             string                `json:"email"`
	FirstName         string                `json:"first_name"`
	LastName          string                `json:"last_name"`
	Password          string                `json:"password"`
	ConfirmPassword   string                `json:"confirm_password"`
	SecurityQuestions []SecurityAnswerInput `json:"security_questions"`
	Role              string                `json:"role,omitempty"`
}

// Register creates an account. Only an authenticated ADMIN may pick a role
// other than STUDENT.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if !h.decode(w, r, &req) {
		return
	}
	role := entity.Role(strings.ToUpper(strings.TrimSpace(req.Role)))
	if role != "" && role != entity.RoleStudent {
		claims, err := h.bearer(r)
		if err != nil || entity.Role(claims.Role) != entity.RoleAdmin {
			h.writeError(w, ErrNotAuthorized)
			return
		}
	}
	p, err := h.auth.Register(r.Context(), RegisterInput{
		Email:           req.Email,
		FirstName:       req.FirstName,
		LastName:        req.LastName,
		Password:        req.Password,
		Confirmation:    req.ConfirmPassword,
		SecurityAnswers: req.SecurityQuestions,
		Role:            role,
		Origin:          originOf(r),
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, p)
}

// LoginRequest login payload.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginResponse is returned on successful login.
type LoginResponse struct {
	TokenPair
	TokenType             string               `json:"token_type"`
	User                  entity.PublicProfile `json:"user"`
	PreviousLoginAt       *time.Time           `json:"last_login_at,omitempty"`
	PreviousFailedLoginAt *time.Time           `json:"last_failed_login_at,omitempty"`
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.auth.Login(r.Context(), req.Email, req.Password, originOf(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, LoginResponse{
		TokenPair:             res.Tokens,
		TokenType:             "Bearer",
		User:                  res.Profile,
		PreviousLoginAt:       res.PreviousLoginAt,
		PreviousFailedLoginAt: res.PreviousFailedLoginAt,
	})
}

// RefreshRequest carries a refresh token for refresh and logout.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if !h.decode(w, r, &req) {
		return
	}
	tokens, err := h.auth.Refresh(r.Context(), req.RefreshToken, originOf(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, tokens)
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.auth.Logout(r.Context(), req.RefreshToken, originOf(r)); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

// ChangePasswordRequest is the authenticated password change payload.
type ChangePasswordRequest struct {
	CurrentPassword string                `json:"current_password"`
	NewPassword     string                `json:"new_password"`
	ConfirmPassword string                `json:"confirm_password"`
	SecurityAnswers []SecurityAnswerInput `json:"security_answers"`
	ForceLogoutAll  bool                  `json:"force_logout_all"`
}

func (h *Handler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	claims, err := h.bearer(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	var req ChangePasswordRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.auth.ChangePassword(r.Context(), ChangePasswordInput{
		AccountID:       claims.Subject,
		CurrentPassword: req.CurrentPassword,
		NewPassword:     req.NewPassword,
		Confirmation:    req.ConfirmPassword,
		SecurityAnswers: req.SecurityAnswers,
		ForceLogoutAll:  req.ForceLogoutAll,
		Origin:          originOf(r),
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

func (h *Handler) SecurityQuestions(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{"questions": h.auth.SecurityQuestionPool()})
}

// EmailRequest carries a single email address.
type EmailRequest struct {
	Email string `json:"email"`
}

func (h *Handler) CheckEmail(w http.ResponseWriter, r *http.Request) {
	var req EmailRequest
	if !h.decode(w, r, &req) {
		return
	}
	ok, err := h.auth.CheckEmailAvailable(r.Context(), req.Email)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"available": ok})
}

func (h *Handler) ForgotPasswordQuestions(w http.ResponseWriter, r *http.Request) {
	var req EmailRequest
	if !h.decode(w, r, &req) {
		return
	}
	qs, err := h.recovery.GetChallenge(r.Context(), req.Email, originOf(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"questions": qs})
}

// ResetPasswordRequest is the self-service reset payload.
type ResetPasswordRequest struct {
	Email           string                `json:"email"`
	NewPassword     string                `json:"new_password"`
	ConfirmPassword string                `json:"confirm_password"`
	SecurityAnswers []SecurityAnswerInput `json:"security_answers"`
}

func (h *Handler) ForgotPasswordReset(w http.ResponseWriter, r *http.Request) {
	var req ResetPasswordRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.recovery.ResetWithAnswers(r.Context(), ResetInput{
		Email:        req.Email,
		NewPassword:  req.NewPassword,
		Confirmation: req.ConfirmPassword,
		Answers:      req.SecurityAnswers,
		Origin:       originOf(r),
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

// AdminResetRequestBody is the admin reset payload. Either branch may be omitted.
type AdminResetRequestBody struct {
	UserID            string                `json:"user_id"`
	Password          *PasswordUpdate       `json:"password,omitempty"`
	SecurityQuestions []SecurityAnswerInput `json:"security_questions,omitempty"`
}

func (h *Handler) AdminResetUser(w http.ResponseWriter, r *http.Request) {
	claims, err := h.bearer(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	var req AdminResetRequestBody
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.recovery.AdminReset(r.Context(),
		Actor{ID: claims.Subject, Role: entity.Role(claims.Role)},
		req.UserID,
		AdminResetRequest{Password: req.Password, SecurityQuestions: req.SecurityQuestions, Origin: originOf(r)},
	)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

func (h *Handler) bearer(r *http.Request) (*Claims, error) {
	v := r.Header.Get("Authorization")
	if !strings.HasPrefix(v, "Bearer ") {
		return nil, ErrInvalidSession
	}
	return h.issuer.VerifyAccess(strings.TrimSpace(strings.TrimPrefix(v, "Bearer ")))
}

// MaxBodyBytes bounds every JSON request body.
const MaxBodyBytes = 64 << 10

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "payload too large"})
			return false
		}
		h.logger.Debugw("invalid payload", "path", r.URL.Path, "err", err)
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return false
	}
	return true
}

// StatusFor maps a business failure to its HTTP status.
func StatusFor(code Code) int {
	switch code {
	case CodeInvalidCredentials, CodeInvalidSession:
		return http.StatusUnauthorized
	case CodeAccountLocked:
		return http.StatusLocked
	case CodePolicyViolation, CodeSecurityAnswerMismatch:
		return http.StatusBadRequest
	case CodeNotAuthorized:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	ae, ok := AsError(err)
	if !ok {
		h.logger.Errorw("request failed", "err", err)
		h.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	body := map[string]any{"error": string(ae.Code)}
	switch ae.Code {
	case CodeAccountLocked:
		body["seconds_remaining"] = ae.SecondsRemaining
	case CodePolicyViolation:
		body["reason"] = ae.Reason
		if ae.SecondsRemaining > 0 {
			body["seconds_remaining"] = ae.SecondsRemaining
		}
	case CodeSecurityAnswerMismatch:
		if ae.QuestionIndex >= 0 {
			body["question_index"] = ae.QuestionIndex
		}
	}
	// invalid_credentials stays bare so unknown accounts look like wrong passwords
	if ae.Step != "" {
		body["step"] = string(ae.Step)
	}
	h.writeJSON(w, StatusFor(ae.Code), body)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func originOf(r *http.Request) sessionentity.Origin {
	ip := r.Header.Get("X-Forwarded-For")
	if i := strings.IndexByte(ip, ','); i >= 0 {
		ip = ip[:i]
	}
	ip = strings.TrimSpace(ip)
	if ip == "" {
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			ip = host
		} else {
			ip = r.RemoteAddr
		}
	}
	return sessionentity.Origin{IPAddress: ip, UserAgent: r.UserAgent()}
}
