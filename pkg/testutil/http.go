// Package testutil holds helpers shared by the router, handler and
// integration suites.
package testutil

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atsflow/pkg/platform/httputil"
)

func newRequest(method, path string, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, path, body)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

// NewJSONRequest encodes body as the request payload. A nil body sends none.
func NewJSONRequest(t *testing.T, method, path string, body any) *http.Request {
	t.Helper()
	if body == nil {
		return newRequest(method, path, nil)
	}
	raw, err := json.Marshal(body)
	require.NoError(t, err, "encode request body")
	return newRequest(method, path, bytes.NewReader(raw))
}

// NewRequest builds a bodyless request, as for GET and DELETE routes.
func NewRequest(t *testing.T, method, path string) *http.Request {
	t.Helper()
	return newRequest(method, path, nil)
}

// NewRequestWithBody sends body verbatim, for malformed or hand-built JSON.
func NewRequestWithBody(t *testing.T, method, path string, body string) *http.Request {
	t.Helper()
	return newRequest(method, path, strings.NewReader(body))
}

// DoRequest serves req on handler.
func DoRequest(handler http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(bytes.NewReader(rr.Body.Bytes())).Decode(&out),
		"decode response body: %s", rr.Body.String())
	return out
}

// UnmarshalResponse decodes the response body. The recorder body is left
// intact so a test may decode it more than once.
func UnmarshalResponse[T any](t *testing.T, rr *httptest.ResponseRecorder) *T {
	t.Helper()
	out := decode[T](t, rr)
	return &out
}

// AssertStatus checks the status code and prints the body on mismatch.
func AssertStatus(t *testing.T, rr *httptest.ResponseRecorder, expected int) {
	t.Helper()
	assert.Equal(t, expected, rr.Code, "status; body: %s", rr.Body.String())
}

func AssertStatusOK(t *testing.T, rr *httptest.ResponseRecorder) {
	t.Helper()
	AssertStatus(t, rr, http.StatusOK)
}

// AssertStatusAndError checks the status and the error code of the envelope.
func AssertStatusAndError(t *testing.T, rr *httptest.ResponseRecorder, expectedStatus int, expectedCode string) {
	t.Helper()
	AssertStatus(t, rr, expectedStatus)
	assert.Equal(t, expectedCode, decode[httputil.ErrorResponse](t, rr).Error, "error code")
}

// AssertConflictState checks for a 409 carrying the error code and the
// session state the request collided with.
func AssertConflictState(t *testing.T, rr *httptest.ResponseRecorder, expectedCode, currentState string) {
	t.Helper()
	AssertStatus(t, rr, http.StatusConflict)
	envelope := decode[httputil.ErrorResponse](t, rr)
	assert.Equal(t, expectedCode, envelope.Error, "error code")
	assert.Equal(t, currentState, envelope.CurrentState, "current state")
}

// AssertJSONContains checks one top-level field of a JSON object response.
func AssertJSONContains(t *testing.T, rr *httptest.ResponseRecorder, key string, expectedValue any) {
	t.Helper()
	assert.Equal(t, expectedValue, decode[map[string]any](t, rr)[key], "field %q", key)
}
