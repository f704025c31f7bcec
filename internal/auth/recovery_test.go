package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ovaphlow/pitchfork/service-auth-core/internal/account/entity"
	"github.com/ovaphlow/pitchfork/service-auth-core/internal/audit"
)

func TestGetChallengeReturnsQuestionTextOnly(t *testing.T) {
	h := newHarness(t)
	h.register(t, "ada@example.edu", "")
	ctx := context.Background()

	qs, err := h.recovery.GetChallenge(ctx, "ADA@example.edu", origin)
	require.NoError(t, err)
	require.Len(t, qs, 3)
	for i, q := range qs {
		assert.Equal(t, goodAnswers()[i].QuestionIndex, q.QuestionIndex)
		text, _ := QuestionText(q.QuestionIndex)
		assert.Equal(t, text, q.Question)
	}

	_, err = h.recovery.GetChallenge(ctx, "ghost@example.edu", origin)
	requireCode(t, err, CodeNotFound)
	assert.Contains(t, h.events.Types(), audit.TypeForgotPasswordUserNotFound)
}

func resetInput() ResetInput {
	return ResetInput{
		Email:        "ada@example.edu",
		NewPassword:  otherPassword,
		Confirmation: otherPassword,
		Answers:      goodAnswers(),
		Origin:       origin,
	}
}

func TestResetWithAnswersRoundTrip(t *testing.T) {
	h := newHarness(t)
	id := h.register(t, "ada@example.edu", "")
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := h.auth.Login(ctx, "ada@example.edu", goodPassword, origin)
		require.NoError(t, err)
	}

	// minimum age does not block recovery
	_, err := h.auth.ChangePassword(ctx, ChangePasswordInput{
		AccountID: id, CurrentPassword: goodPassword, NewPassword: thirdPassword, Confirmation: thirdPassword,
		SecurityAnswers: goodAnswers(),
	})
	require.NoError(t, err)

	in := resetInput()
	in.Answers[1].Answer = "  ELM street"
	res, err := h.recovery.ResetWithAnswers(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.RevokedSessions)
	assert.Equal(t, 0, h.sessions.active(id, h.clock.Now()))

	_, err = h.auth.Login(ctx, "ada@example.edu", thirdPassword, origin)
	requireCode(t, err, CodeInvalidCredentials)
	_, err = h.auth.Login(ctx, "ada@example.edu", otherPassword, origin)
	require.NoError(t, err)

	types := h.events.Types()
	assert.Contains(t, types, audit.TypeForgotPasswordPolicyValidated)
	assert.Contains(t, types, audit.TypeForgotPasswordSuccess)
}

func TestResetWithAnswersStepTags(t *testing.T) {
	h := newHarness(t)
	id := h.register(t, "ada@example.edu", "")
	ctx := context.Background()
	before := h.credentials.get(t, id)

	in := resetInput()
	in.Answers[2].Answer = "Porto"
	_, err := h.recovery.ResetWithAnswers(ctx, in)
	ae := requireCode(t, err, CodeSecurityAnswerMismatch)
	assert.Equal(t, StepSecurityAnswers, ae.Step)
	assert.Equal(t, 2, ae.QuestionIndex)

	in = resetInput()
	in.Confirmation = thirdPassword
	_, err = h.recovery.ResetWithAnswers(ctx, in)
	ae = requireCode(t, err, CodePolicyViolation)
	assert.Equal(t, StepPasswordValidation, ae.Step)

	in = resetInput()
	in.NewPassword, in.Confirmation = "short", "short"
	_, err = h.recovery.ResetWithAnswers(ctx, in)
	ae = requireCode(t, err, CodePolicyViolation)
	assert.Equal(t, StepPasswordValidation, ae.Step)

	in = resetInput()
	in.NewPassword, in.Confirmation = goodPassword, goodPassword
	_, err = h.recovery.ResetWithAnswers(ctx, in)
	ae = requireCode(t, err, CodePolicyViolation)
	assert.Equal(t, StepPasswordHistory, ae.Step)
	assert.Equal(t, ReasonReuse, ae.Reason)

	after := h.credentials.get(t, id)
	assert.Equal(t, before.PasswordHash, after.PasswordHash)

	types := h.events.Types()
	assert.Contains(t, types, audit.TypeForgotPasswordSecurityAnswerFailed)
	assert.Contains(t, types, audit.TypeForgotPasswordValidationFailure)
	assert.Contains(t, types, audit.TypeForgotPasswordHistoryCheckFailed)
}

func TestResetWithAnswersUnknownEmail(t *testing.T) {
	h := newHarness(t)
	in := resetInput()
	in.Email = "ghost@example.edu"
	_, err := h.recovery.ResetWithAnswers(context.Background(), in)
	requireCode(t, err, CodeNotFound)
}

func adminSetup(t *testing.T) (*harness, string, string) {
	h := newHarness(t)
	adminID := h.register(t, "admin@example.edu", entity.RoleAdmin)
	studentID := h.register(t, "student@example.edu", entity.RoleStudent)
	return h, adminID, studentID
}

func TestAdminResetPasswordBranch(t *testing.T) {
	h, adminID, studentID := adminSetup(t)
	ctx := context.Background()
	_, err := h.auth.Login(ctx, "student@example.edu", goodPassword, origin)
	require.NoError(t, err)
	// leave the student locked out
	for i := 0; i < 5; i++ {
		_, _ = h.auth.Login(ctx, "student@example.edu", "Wrong-pass1!", origin)
	}
	require.NotNil(t, h.credentials.get(t, studentID).LockUntil)

	res, err := h.recovery.AdminReset(ctx, Actor{ID: adminID, Role: entity.RoleAdmin}, studentID, AdminResetRequest{
		Password: &PasswordUpdate{NewPassword: otherPassword, Confirmation: otherPassword},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{ChangedPassword}, res.Changed)
	assert.Equal(t, int64(1), res.RevokedSessions)
	assert.Equal(t, 0, h.sessions.active(studentID, h.clock.Now()))

	a := h.credentials.get(t, studentID)
	assert.Len(t, a.PasswordHistory, 1)
	assert.Nil(t, a.LockUntil)

	_, err = h.auth.Login(ctx, "student@example.edu", otherPassword, origin)
	require.NoError(t, err)
}

func TestAdminResetQuestionsBranch(t *testing.T) {
	h, adminID, studentID := adminSetup(t)
	ctx := context.Background()
	before := h.credentials.get(t, studentID)

	newAnswers := []SecurityAnswerInput{
		{QuestionIndex: 1, Answer: "Smith"},
		{QuestionIndex: 4, Answer: "Civic"},
		{QuestionIndex: 7, Answer: "Jamie"},
	}
	res, err := h.recovery.AdminReset(ctx, Actor{ID: adminID, Role: entity.RoleAdmin}, studentID, AdminResetRequest{
		SecurityQuestions: newAnswers,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{ChangedSecurityQuestions}, res.Changed)

	after := h.credentials.get(t, studentID)
	assert.Equal(t, before.PasswordHash, after.PasswordHash)
	require.NoError(t, h.policy.VerifySecurityAnswers(ctx, after.SecurityQuestions, newAnswers))
	requireCode(t, h.policy.VerifySecurityAnswers(ctx, after.SecurityQuestions, goodAnswers()), CodeSecurityAnswerMismatch)
}

func TestAdminResetBothBranchesValidateFirst(t *testing.T) {
	h, adminID, studentID := adminSetup(t)
	ctx := context.Background()
	before := h.credentials.get(t, studentID)

	// valid password, invalid questions: nothing applied
	_, err := h.recovery.AdminReset(ctx, Actor{ID: adminID, Role: entity.RoleAdmin}, studentID, AdminResetRequest{
		Password:          &PasswordUpdate{NewPassword: otherPassword, Confirmation: otherPassword},
		SecurityQuestions: goodAnswers()[:2],
	})
	requireCode(t, err, CodePolicyViolation)
	assert.Equal(t, before.PasswordHash, h.credentials.get(t, studentID).PasswordHash)

	res, err := h.recovery.AdminReset(ctx, Actor{ID: adminID, Role: entity.RoleAdmin}, studentID, AdminResetRequest{
		Password:          &PasswordUpdate{NewPassword: otherPassword, Confirmation: otherPassword},
		SecurityQuestions: goodAnswers(),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{ChangedPassword, ChangedSecurityQuestions}, res.Changed)
}

func TestAdminResetRejectsReuse(t *testing.T) {
	h, adminID, studentID := adminSetup(t)
	_, err := h.recovery.AdminReset(context.Background(), Actor{ID: adminID, Role: entity.RoleAdmin}, studentID, AdminResetRequest{
		Password: &PasswordUpdate{NewPassword: goodPassword, Confirmation: goodPassword},
	})
	assert.Equal(t, ReasonReuse, requireCode(t, err, CodePolicyViolation).Reason)
}

func TestAdminResetAuthority(t *testing.T) {
	h, adminID, studentID := adminSetup(t)
	otherAdmin := h.register(t, "admin2@example.edu", entity.RoleAdmin)
	teacherID := h.register(t, "teacher@example.edu", entity.RoleTeacher)
	ctx := context.Background()
	req := AdminResetRequest{
		Password:          &PasswordUpdate{NewPassword: otherPassword, Confirmation: otherPassword},
		SecurityQuestions: goodAnswers(),
	}

	updates := h.credentials.updates
	before := h.credentials.get(t, otherAdmin)

	_, err := h.recovery.AdminReset(ctx, Actor{ID: adminID, Role: entity.RoleAdmin}, otherAdmin, req)
	requireCode(t, err, CodeNotAuthorized)
	assert.Equal(t, updates, h.credentials.updates, "no state mutated")
	assert.Equal(t, before, h.credentials.get(t, otherAdmin))

	_, err = h.recovery.AdminReset(ctx, Actor{ID: teacherID, Role: entity.RoleTeacher}, studentID, req)
	requireCode(t, err, CodeNotAuthorized)

	// a token claiming ADMIN for a non-admin account is not enough
	_, err = h.recovery.AdminReset(ctx, Actor{ID: teacherID, Role: entity.RoleAdmin}, studentID, req)
	requireCode(t, err, CodeNotAuthorized)

	_, err = h.recovery.AdminReset(ctx, Actor{ID: adminID, Role: entity.RoleAdmin}, "missing", req)
	requireCode(t, err, CodeNotFound)

	var critical bool
	for _, e := range h.events.Events() {
		if e.Type == audit.TypeAdminResetFailure && e.Severity == audit.SeverityCritical {
			critical = true
		}
	}
	assert.True(t, critical)
}

func TestAdminResetWithoutUpdatesChangesNothing(t *testing.T) {
	h, adminID, studentID := adminSetup(t)
	updates := h.credentials.updates
	h.clock.Advance(time.Second)

	res, err := h.recovery.AdminReset(context.Background(), Actor{ID: adminID, Role: entity.RoleAdmin}, studentID, AdminResetRequest{})
	require.NoError(t, err)
	assert.Empty(t, res.Changed)
	assert.Equal(t, updates, h.credentials.updates)
}
