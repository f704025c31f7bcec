package auth

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ovaphlow/pitchfork/service-auth-core/internal/account/entity"
	"github.com/ovaphlow/pitchfork/service-auth-core/internal/audit"
	sessionentity "github.com/ovaphlow/pitchfork/service-auth-core/internal/session/entity"
)

type memCredentials struct {
	mu       sync.Mutex
	byID     map[string]*entity.Account
	updates  int
	failNext error
}

func newMemCredentials() *memCredentials {
	return &memCredentials{byID: map[string]*entity.Account{}}
}

func (m *memCredentials) Create(_ context.Context, a *entity.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, x := range m.byID {
		if x.Email == a.Email {
			return errors.New("duplicate email")
		}
	}
	m.byID[a.ID] = a.Clone()
	return nil
}

func (m *memCredentials) GetByEmail(_ context.Context, email string) (*entity.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.byID {
		if a.Email == email {
			return a.Clone(), nil
		}
	}
	return nil, sql.ErrNoRows
}

func (m *memCredentials) GetByID(_ context.Context, id string) (*entity.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.byID[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return a.Clone(), nil
}

func (m *memCredentials) EmailExists(ctx context.Context, email string) (bool, error) {
	_, err := m.GetByEmail(ctx, email)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (m *memCredentials) UpdateAccount(_ context.Context, id string, fn func(*entity.Account) error) (*entity.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext != nil {
		err := m.failNext
		m.failNext = nil
		return nil, err
	}
	cur, ok := m.byID[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	work := cur.Clone()
	if err := fn(work); err != nil {
		return nil, err
	}
	m.byID[id] = work
	m.updates++
	return work.Clone(), nil
}

func (m *memCredentials) get(t *testing.T, id string) *entity.Account {
	t.Helper()
	a, err := m.GetByID(context.Background(), id)
	require.NoError(t, err)
	return a
}

type memSessions struct {
	mu   sync.Mutex
	rows map[string]*sessionentity.Session
}

func newMemSessions() *memSessions {
	return &memSessions{rows: map[string]*sessionentity.Session{}}
}

func (m *memSessions) Create(_ context.Context, s *sessionentity.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *s
	m.rows[s.ID] = &c
	return nil
}

func (m *memSessions) GetByHash(_ context.Context, hash string) (*sessionentity.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.rows {
		if s.TokenHash == hash {
			c := *s
			return &c, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (m *memSessions) ListByAccount(_ context.Context, accountID string) ([]*sessionentity.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*sessionentity.Session
	for _, s := range m.rows {
		if s.AccountID == accountID {
			c := *s
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IssuedAt.After(out[j].IssuedAt) })
	return out, nil
}

func (m *memSessions) Rotate(_ context.Context, id, oldHash, newHash string, issuedAt, expiresAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.rows[id]
	if !ok || s.TokenHash != oldHash || s.RevokedAt != nil || !issuedAt.Before(s.ExpiresAt) {
		return false, nil
	}
	s.TokenHash = newHash
	s.IssuedAt = issuedAt
	s.ExpiresAt = expiresAt
	return true, nil
}

func (m *memSessions) Revoke(_ context.Context, id string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.rows[id]
	if !ok || s.RevokedAt != nil {
		return false, nil
	}
	t := at
	s.RevokedAt = &t
	return true, nil
}

func (m *memSessions) RevokeAllForAccount(_ context.Context, accountID string, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, s := range m.rows {
		if s.AccountID == accountID && s.RevokedAt == nil {
			t := at
			s.RevokedAt = &t
			n++
		}
	}
	return n, nil
}

func (m *memSessions) active(accountID string, now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.rows {
		if s.AccountID == accountID && s.Usable(now) {
			n++
		}
	}
	return n
}

// hookedSessions runs beforeCreate once ahead of the next Create.
type hookedSessions struct {
	*memSessions
	beforeCreate func()
	createErr    error
}

func (h *hookedSessions) Create(ctx context.Context, s *sessionentity.Session) error {
	if f := h.beforeCreate; f != nil {
		h.beforeCreate = nil
		f()
	}
	if h.createErr != nil {
		return h.createErr
	}
	return h.memSessions.Create(ctx, s)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func testPolicyConfig() PolicyConfig {
	p := DefaultPolicy()
	p.BcryptCost = 4
	return p
}

func testTokenConfig() TokenConfig {
	return TokenConfig{
		Issuer:             "records-auth-test",
		AccessTokenSecret:  "access-secret",
		RefreshTokenSecret: "refresh-secret",
		SessionHashKey:     "session-key",
		AnswerPepper:       "answer-pepper",
		AccessTokenTTL:     15 * time.Minute,
		RefreshTokenTTL:    7 * 24 * time.Hour,
	}
}

type harness struct {
	clock       *fakeClock
	credentials *memCredentials
	sessions    *memSessions
	policy      *PasswordPolicy
	issuer      *TokenIssuer
	events      *audit.MemorySink
	auth        *AuthenticationService
	recovery    *RecoveryService
	seq         int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		clock:       newFakeClock(),
		credentials: newMemCredentials(),
		sessions:    newMemSessions(),
		events:      &audit.MemorySink{},
	}
	cfg := testPolicyConfig()
	tc := testTokenConfig()
	h.policy = NewPasswordPolicy(cfg, tc.AnswerPepper)
	h.issuer = NewTokenIssuer(tc, h.sessions, h.clock.Now)
	deps := Deps{
		Credentials: h.credentials,
		Policy:      h.policy,
		Guard:       NewLockoutGuard(cfg, h.clock.Now),
		Issuer:      h.issuer,
		Events:      h.events,
		Clock:       h.clock.Now,
	}
	h.auth = NewAuthenticationService(deps)
	h.auth.newID = func() string {
		h.seq++
		return "acct-" + strconv.Itoa(h.seq)
	}
	h.recovery = NewRecoveryService(deps, h.auth)
	return h
}

const (
	goodPassword  = "Orig1nal!pass"
	otherPassword = "N3w-secret!pass"
	thirdPassword = "Th1rd#secret"
	forthPassword = "F0urth$secret"
)

func goodAnswers() []SecurityAnswerInput {
	return []SecurityAnswerInput{
		{QuestionIndex: 0, Answer: "Rex"},
		{QuestionIndex: 2, Answer: "Elm Street"},
		{QuestionIndex: 5, Answer: "Lisbon"},
	}
}

// register creates an account through the service and returns its ID.
func (h *harness) register(t *testing.T, email string, role entity.Role) string {
	t.Helper()
	p, err := h.auth.Register(context.Background(), RegisterInput{
		Email:           email,
		FirstName:       "Ada",
		LastName:        "Lovelace",
		Password:        goodPassword,
		Confirmation:    goodPassword,
		SecurityAnswers: goodAnswers(),
		Role:            role,
	})
	require.NoError(t, err)
	return p.ID
}

func requireCode(t *testing.T, err error, code Code) *Error {
	t.Helper()
	require.Error(t, err)
	ae, ok := AsError(err)
	require.Truef(t, ok, "expected *auth.Error, got %T: %v", err, err)
	require.Equal(t, code, ae.Code)
	return ae
}
