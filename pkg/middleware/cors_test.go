package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func serveCORS(cfg CORSConfig, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	CORS(cfg)(okHandler()).ServeHTTP(rr, req)
	return rr
}

func TestCORS_Wildcard_WithoutCredentials(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://anything.example")

	rr := serveCORS(CORSConfig{AllowedOrigins: []string{"*"}, Environment: "production"}, req)

	assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, rr.Header().Get("Access-Control-Allow-Credentials"))
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestCORS_Wildcard_WithCredentials_EchoesOrigin(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "http://localhost:3000")

	rr := serveCORS(DefaultCORSConfig(), req)

	assert.Equal(t, "http://localhost:3000", rr.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rr.Header().Get("Access-Control-Allow-Credentials"))
	assert.Equal(t, "Origin", rr.Header().Get("Vary"))
}

func TestCORS_AllowedOrigin(t *testing.T) {
	cfg := CORSConfig{
		AllowedOrigins:   []string{"https://crm.example.com", "https://admin.example.com/"},
		AllowCredentials: true,
		Environment:      "production",
	}

	for _, origin := range []string{"https://crm.example.com", "https://admin.example.com"} {
		t.Run(origin, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set("Origin", origin)

			rr := serveCORS(cfg, req)

			assert.Equal(t, origin, rr.Header().Get("Access-Control-Allow-Origin"))
			assert.Equal(t, "true", rr.Header().Get("Access-Control-Allow-Credentials"))
		})
	}
}

func TestCORS_RejectedOrigin(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://evil.example")

	rr := serveCORS(CORSConfig{
		AllowedOrigins:   []string{"https://crm.example.com"},
		AllowCredentials: true,
		Environment:      "production",
	}, req)

	assert.Empty(t, rr.Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, rr.Header().Get("Access-Control-Allow-Credentials"))
	assert.Empty(t, rr.Header().Get("Access-Control-Expose-Headers"))
	// The request itself still reaches the handler; the browser enforces CORS.
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestCORS_ExposesTokenHeaders(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://crm.example.com")

	rr := serveCORS(CORSConfig{
		AllowedOrigins: []string{"https://crm.example.com"},
		ExposedHeaders: []string{"X-Correlation-ID", "X-Custom"},
		Environment:    "production",
	}, req)

	exposed := rr.Header().Get("Access-Control-Expose-Headers")
	for _, h := range []string{
		"X-Token-Expires-At",
		"X-Token-Near-Expiry",
		"X-Token-Refresh-Recommended",
		"X-Correlation-ID",
		"X-Custom",
	} {
		assert.Contains(t, exposed, h)
	}
	assert.Equal(t, 1, strings.Count(exposed, "X-Correlation-ID"))
}

func TestCORS_Preflight(t *testing.T) {
	called := false
	handler := CORS(CORSConfig{
		AllowedOrigins: []string{"https://crm.example.com"},
		Environment:    "production",
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	req := httptest.NewRequest(http.MethodOptions, "/auth/refresh", nil)
	req.Header.Set("Origin", "https://crm.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.False(t, called)
	assert.Equal(t, "3600", rr.Header().Get("Access-Control-Max-Age"))
	assert.Contains(t, rr.Header().Get("Access-Control-Allow-Methods"), "POST")
	assert.Contains(t, rr.Header().Get("Access-Control-Allow-Headers"), "Authorization")
}

func TestCORS_PlainOptions_PassesThrough(t *testing.T) {
	req := httptest.NewRequest(http.MethodOptions, "/", nil)
	req.Header.Set("Origin", "https://crm.example.com")

	rr := serveCORS(CORSConfig{
		AllowedOrigins: []string{"https://crm.example.com"},
		Environment:    "production",
	}, req)

	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestCORS_CustomMethodsAndMaxAge(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://crm.example.com")

	rr := serveCORS(CORSConfig{
		AllowedOrigins: []string{"https://crm.example.com"},
		AllowedMethods: []string{"GET", "POST"},
		MaxAge:         600,
		Environment:    "production",
	}, req)

	assert.Equal(t, "GET, POST", rr.Header().Get("Access-Control-Allow-Methods"))
	assert.Equal(t, "600", rr.Header().Get("Access-Control-Max-Age"))
}
