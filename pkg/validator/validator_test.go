package validator

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type loginLike struct {
	Identifier string `json:"identifier" validate:"required,max=254"`
	Secret     string `json:"secret" validate:"required,min=8"`
}

func TestValidate_Success(t *testing.T) {
	err := Validate(loginLike{Identifier: "rep@acme.test", Secret: "correct-horse"})
	assert.NoError(t, err)
}

func TestValidate_ReportsJSONFieldNames(t *testing.T) {
	err := Validate(loginLike{})
	require.Error(t, err)

	var valErr *ValidationError
	require.ErrorAs(t, err, &valErr)
	fields := valErr.Fields()
	assert.Equal(t, "is required", fields["identifier"])
	assert.Equal(t, "is required", fields["secret"])
	assert.NotContains(t, fields, "Identifier")
}

func TestValidate_MinLength(t *testing.T) {
	err := Validate(loginLike{Identifier: "rep", Secret: "short"})
	require.Error(t, err)

	var valErr *ValidationError
	require.ErrorAs(t, err, &valErr)
	assert.Contains(t, valErr.Fields()["secret"], "at least 8")
	assert.Contains(t, err.Error(), "field 'secret'")
}

type statusLike struct {
	Status string `json:"status" validate:"omitempty,oneof=open in_progress done"`
}

func TestValidate_OneOf(t *testing.T) {
	require.NoError(t, Validate(statusLike{}))

	err := Validate(statusLike{Status: "archived"})
	require.Error(t, err)

	var valErr *ValidationError
	require.ErrorAs(t, err, &valErr)
	assert.Contains(t, valErr.Fields()["status"], "one of")
}

type passwordChange struct {
	Current string `json:"currentSecret" validate:"required"`
	Next    string `json:"newSecret" validate:"required,min=8,nefield=Current"`
}

func TestValidate_NeField(t *testing.T) {
	err := Validate(passwordChange{Current: "same-secret", Next: "same-secret"})
	require.Error(t, err)

	var valErr *ValidationError
	require.ErrorAs(t, err, &valErr)
	assert.Contains(t, valErr.Fields()["newSecret"], "must differ")
}

func TestDecodeAndValidate_Success(t *testing.T) {
	body := `{"identifier":"rep@acme.test","secret":"correct-horse"}`
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(body))

	var dst loginLike
	err := DecodeAndValidate(httptest.NewRecorder(), req, &dst)

	require.NoError(t, err)
	assert.Equal(t, "rep@acme.test", dst.Identifier)
}

func TestDecodeAndValidate_InvalidJSON(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("{invalid"))

	var dst loginLike
	err := DecodeAndValidate(httptest.NewRecorder(), req, &dst)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode request body")
}

type optionalBody struct {
	AllDevices bool `json:"allDevices"`
}

func TestDecodeAndValidate_EmptyBodyIsZeroValue(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", http.NoBody)

	var dst optionalBody
	err := DecodeAndValidate(httptest.NewRecorder(), req, &dst)

	require.NoError(t, err)
	assert.False(t, dst.AllDevices)
}

func TestDecodeAndValidate_BodyTooLarge(t *testing.T) {
	huge := `{"identifier":"` + strings.Repeat("a", MaxBodyBytes) + `"}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(huge))

	var dst loginLike
	err := DecodeAndValidate(httptest.NewRecorder(), req, &dst)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode request body")
}
