package auth

import (
	"context"
	"strings"

	"github.com/ovaphlow/pitchfork/service-auth-core/internal/account/entity"
)

// securityQuestionPool is the fixed list accounts choose recovery questions from.
// Stored indices refer to positions in this slice.
var securityQuestionPool = []string{
	"What is the name of your first pet?",
	"What is your mother's maiden name?",
	"What street did you grow up on?",
	"What is the name of your first nephew or niece?",
	"What was the model of your first car?",
	"What city were you born in?",
	"What was the first concert you attended?",
	"What is the name of your first best friend from childhood?",
}

// QuestionOption is one entry of the public question pool.
type QuestionOption struct {
	Index    int    `json:"index"`
	Question string `json:"question"`
}

// SecurityAnswerInput is a raw answer submitted for a question index.
type SecurityAnswerInput struct {
	QuestionIndex int    `json:"question_index"`
	Answer        string `json:"answer"`
}

// Challenge is the question text shown for a stored question, never its hash.
type Challenge struct {
	QuestionIndex int    `json:"question_index"`
	Question      string `json:"question"`
}

// QuestionPool returns the selectable security questions.
func QuestionPool() []QuestionOption {
	out := make([]QuestionOption, len(securityQuestionPool))
	for i, q := range securityQuestionPool {
		out[i] = QuestionOption{Index: i, Question: q}
	}
	return out
}

// QuestionText returns the text for a pool index.
func QuestionText(index int) (string, bool) {
	if index < 0 || index >= len(securityQuestionPool) {
		return "", false
	}
	return securityQuestionPool[index], true
}

// ValidateSecurityAnswers enforces the set contract: the configured number of
// answers, distinct valid indices, and answers of at least the minimum length.
func (p *PasswordPolicy) ValidateSecurityAnswers(answers []SecurityAnswerInput) error {
	if len(answers) != p.cfg.RequiredSecurityQuestions {
		return policyViolation(ReasonQuestions)
	}
	seen := make(map[int]struct{}, len(answers))
	for _, a := range answers {
		if _, ok := QuestionText(a.QuestionIndex); !ok {
			return policyViolation(ReasonQuestions)
		}
		if _, dup := seen[a.QuestionIndex]; dup {
			return policyViolation(ReasonQuestions)
		}
		seen[a.QuestionIndex] = struct{}{}
		if len([]rune(strings.TrimSpace(a.Answer))) < p.cfg.MinSecurityAnswerLength {
			return policyViolation(ReasonAnswerTooShort)
		}
	}
	return nil
}

// HashSecurityAnswers validates answers and returns their stored form.
func (p *PasswordPolicy) HashSecurityAnswers(ctx context.Context, answers []SecurityAnswerInput) (entity.SecurityQuestions, error) {
	if err := p.ValidateSecurityAnswers(answers); err != nil {
		return nil, err
	}
	out := make(entity.SecurityQuestions, 0, len(answers))
	for _, a := range answers {
		h, err := p.HashAnswer(ctx, a.Answer)
		if err != nil {
			return nil, err
		}
		out = append(out, entity.SecurityQuestion{QuestionIndex: a.QuestionIndex, AnswerHash: h})
	}
	return out, nil
}

// VerifySecurityAnswers checks submitted answers against every stored
// question. Each stored question must be answered. The returned error names
// only the position of the first failing question, never what was wrong.
// All stored answers are compared even after a mismatch.
func (p *PasswordPolicy) VerifySecurityAnswers(ctx context.Context, stored entity.SecurityQuestions, answers []SecurityAnswerInput) error {
	if len(stored) == 0 {
		return answerMismatch(-1)
	}
	byIndex := make(map[int]string, len(answers))
	for _, a := range answers {
		byIndex[a.QuestionIndex] = a.Answer
	}
	failed := -1
	for pos, q := range stored {
		answer, ok := byIndex[q.QuestionIndex]
		if !ok {
			if failed < 0 {
				failed = pos
			}
			continue
		}
		match, err := p.VerifyAnswer(ctx, answer, q.AnswerHash)
		if err != nil {
			return err
		}
		if !match && failed < 0 {
			failed = pos
		}
	}
	if failed >= 0 {
		return answerMismatch(failed)
	}
	return nil
}

// challengeFor maps stored questions to their public text.
func challengeFor(stored entity.SecurityQuestions) []Challenge {
	out := make([]Challenge, 0, len(stored))
	for _, q := range stored {
		text, _ := QuestionText(q.QuestionIndex)
		out = append(out, Challenge{QuestionIndex: q.QuestionIndex, Question: text})
	}
	return out
}
