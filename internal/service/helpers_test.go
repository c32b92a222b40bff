package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/sharp-crm/Sharp-crm2-sub002/internal/auth"
	"github.com/sharp-crm/Sharp-crm2-sub002/internal/domain"
	"github.com/sharp-crm/Sharp-crm2-sub002/internal/event"
	"github.com/sharp-crm/Sharp-crm2-sub002/internal/repository"
	"github.com/sharp-crm/Sharp-crm2-sub002/internal/repository/memory"
	pkgkafka "github.com/sharp-crm/Sharp-crm2-sub002/pkg/kafka"
	"github.com/sharp-crm/Sharp-crm2-sub002/pkg/logger"
)

const (
	testSecret     = "test-secret-that-is-long-enough-for-hs256"
	testPassword   = "correct horse battery"
	testAccessTTL  = 15 * time.Minute
	testRefreshTTL = 7 * 24 * time.Hour
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// recordingPublisher keeps every published event.
type recordingPublisher struct {
	mu     sync.Mutex
	events []*pkgkafka.Event
}

func (p *recordingPublisher) Publish(_ context.Context, _ string, evt *pkgkafka.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return nil
}

func (p *recordingPublisher) ofType(eventType string) []*pkgkafka.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*pkgkafka.Event
	for _, e := range p.events {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

type authFixture struct {
	events   *recordingPublisher
	clock    *testClock
	jwt      *auth.JWTManager
	users    *memory.UserRepository
	sessions *memory.SessionRepository
	tokens   *TokenAuthority
	svc      *AuthService
}

func newAuthFixture(t *testing.T, opts AuthOptions) *authFixture {
	t.Helper()
	return newAuthFixtureWithSessions(t, opts, nil)
}

// newAuthFixtureWithSessions builds the fixture; a non-nil sessions
// overrides the in-memory session store.
func newAuthFixtureWithSessions(t *testing.T, opts AuthOptions, sessions repository.SessionRepository) *authFixture {
	t.Helper()

	f := &authFixture{
		events:   &recordingPublisher{},
		clock:    newTestClock(),
		users:    memory.NewUserRepository(),
		sessions: memory.NewSessionRepository(),
	}
	f.jwt = auth.NewJWTManager(testSecret, "sharp-crm", testAccessTTL, testRefreshTTL, f.clock.Now)

	var store repository.SessionRepository = f.sessions
	if sessions != nil {
		store = sessions
	}

	log := logger.Discard()
	creds, err := NewCredentialVerifier(f.users, bcrypt.MinCost, log)
	require.NoError(t, err)

	f.tokens = NewTokenAuthority(f.jwt, store, f.users, DefaultNearExpiryThreshold, log)
	f.svc = NewAuthService(creds, f.tokens, f.users, event.NewProducer(f.events, "auth", log), opts, log)

	f.seedUser(t, "manager@acme.test", domain.RoleSalesManager, "acme", "")
	f.seedUser(t, "rep@acme.test", domain.RoleSalesRep, "acme", "manager@acme.test")
	f.seedUser(t, "admin@acme.test", domain.RoleAdmin, "acme", "")
	return f
}

func (f *authFixture) seedUser(t *testing.T, id string, role domain.Role, tenant, reportingTo string) {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	require.NoError(t, err)
	require.NoError(t, f.users.Create(context.Background(), &domain.User{
		Identifier:   id,
		PasswordHash: string(hash),
		Role:         role,
		TenantID:     tenant,
		ReportingTo:  reportingTo,
	}))
}

func (f *authFixture) login(t *testing.T, id string) *LoginResult {
	t.Helper()
	res, err := f.svc.Login(context.Background(), LoginInput{Identifier: id, Secret: testPassword})
	require.NoError(t, err)
	return res
}
