package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sharp-crm/Sharp-crm2-sub002/pkg/logger"
)

func TestRecovery_RendersEnvelope(t *testing.T) {
	var buf bytes.Buffer
	handler := Recovery(newTestLogger(&buf))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("nil map write")
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/tasks", nil))

	assert.Equal(t, http.StatusInternalServerError, rr.Code)

	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "INTERNAL_ERROR", body.Error.Code)
	assert.NotContains(t, body.Error.Message, "nil map")
	assert.Contains(t, buf.String(), "panic recovered")
}

func TestRecovery_RepanicsAbortHandler(t *testing.T) {
	handler := Recovery(logger.Discard())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(http.ErrAbortHandler)
	}))

	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	})
}

func TestRecovery_PassesThrough(t *testing.T) {
	rr := httptest.NewRecorder()
	Recovery(logger.Discard())(okHandler()).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
}
