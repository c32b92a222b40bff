package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
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
	"github.com/sharp-crm/Sharp-crm2-sub002/internal/service"
	"github.com/sharp-crm/Sharp-crm2-sub002/pkg/health"
	"github.com/sharp-crm/Sharp-crm2-sub002/pkg/logger"
	"github.com/sharp-crm/Sharp-crm2-sub002/pkg/middleware"
)

const (
	testPassword   = "correct horse battery"
	testAccessTTL  = 15 * time.Minute
	testRefreshTTL = 7 * 24 * time.Hour
	testOrigin     = "https://crm.example.com"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// serverOptions overrides parts of the test server.
type serverOptions struct {
	sessions     repository.SessionRepository
	rateLimit    middleware.RateLimitConfig
	secureCookie bool
}

type testServer struct {
	clock    *testClock
	users    *memory.UserRepository
	sessions *memory.SessionRepository
	tasks    *memory.TaskRepository
	tokens   *service.TokenAuthority
	handler  http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	return newTestServerWith(t, serverOptions{})
}

// newTestServerWith wires the full router over in-memory stores and seeds
// tenant acme with a manager, a rep reporting to them, an unmanaged rep and
// an admin.
func newTestServerWith(t *testing.T, opts serverOptions) *testServer {
	t.Helper()

	s := &testServer{
		clock:    &testClock{t: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)},
		users:    memory.NewUserRepository(),
		sessions: memory.NewSessionRepository(),
		tasks:    memory.NewTaskRepository(),
	}
	var sessions repository.SessionRepository = s.sessions
	if opts.sessions != nil {
		sessions = opts.sessions
	}

	log := logger.Discard()
	jwtManager := auth.NewJWTManager("handler-test-secret-long-enough-for-hs256", "sharp-crm", testAccessTTL, testRefreshTTL, s.clock.Now)

	creds, err := service.NewCredentialVerifier(s.users, bcrypt.MinCost, log)
	require.NoError(t, err)

	s.tokens = service.NewTokenAuthority(jwtManager, sessions, s.users, service.DefaultNearExpiryThreshold, log)
	authService := service.NewAuthService(creds, s.tokens, s.users, event.NewProducer(nil, "auth", log), service.AuthOptions{}, log)
	taskService := service.NewTaskService(s.tasks, s.users, s.clock.Now, log)
	gate := NewRequestGate(s.tokens, s.users, log)

	s.handler = NewRouter(authService, taskService, gate, health.NewHandler(), log, RouterConfig{
		ServiceName: "crm-auth-test",
		CORS: middleware.CORSConfig{
			AllowedOrigins:   []string{testOrigin},
			AllowCredentials: true,
			Environment:      "test",
		},
		RateLimit: opts.rateLimit,
		Auth:      AuthHandlerOptions{SecureCookie: opts.secureCookie},
	})

	s.seedUser(t, "manager@acme.test", domain.RoleSalesManager, "")
	s.seedUser(t, "rep@acme.test", domain.RoleSalesRep, "manager@acme.test")
	s.seedUser(t, "solo@acme.test", domain.RoleSalesRep, "")
	s.seedUser(t, "admin@acme.test", domain.RoleAdmin, "")
	return s
}

func (s *testServer) seedUser(t *testing.T, id string, role domain.Role, reportingTo string) {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	require.NoError(t, err)
	require.NoError(t, s.users.Create(context.Background(), &domain.User{
		Identifier:   id,
		PasswordHash: string(hash),
		Role:         role,
		TenantID:     "acme",
		ReportingTo:  reportingTo,
	}))
}

func (s *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	s.handler.ServeHTTP(rr, req)
	return rr
}

// session is what a client holds after login.
type session struct {
	accessToken string
	cookie      *http.Cookie
}

func (s *testServer) login(t *testing.T, id string) session {
	t.Helper()
	rr := s.do(jsonRequest(t, http.MethodPost, "/auth/login", map[string]string{
		"identifier": id,
		"secret":     testPassword,
	}))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	body := decodeData[TokenResponse](t, rr)
	c := refreshCookie(rr)
	require.NotNil(t, c)
	return session{accessToken: body.AccessToken, cookie: c}
}

func jsonRequest(t *testing.T, method, target string, body any) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

func authRequest(t *testing.T, method, target, token string, body any) *http.Request {
	t.Helper()
	req := jsonRequest(t, method, target, body)
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func decodeData[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var env struct {
		Data T `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&env))
	return env.Data
}

type errorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id"`
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var env struct {
		Error errorBody `json:"error"`
	}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&env))
	return env.Error
}

func refreshCookie(rr *httptest.ResponseRecorder) *http.Cookie {
	for _, c := range rr.Result().Cookies() {
		if c.Name == RefreshCookieName {
			return c
		}
	}
	return nil
}
