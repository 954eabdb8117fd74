package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorDetail {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return resp.Error
}

func TestSendJSON(t *testing.T) {
	t.Run("body", func(t *testing.T) {
		w := httptest.NewRecorder()
		SendJSON(w, http.StatusOK, map[string]any{"count": 2})

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
		assert.JSONEq(t, `{"count":2}`, w.Body.String())
	})

	t.Run("status only", func(t *testing.T) {
		w := httptest.NewRecorder()
		SendJSON(w, http.StatusNoContent, nil)

		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.Empty(t, w.Body.String())
		assert.Empty(t, w.Header().Get("Content-Type"))
	})
}

func TestSendError_CarriesRequestID(t *testing.T) {
	w := httptest.NewRecorder()
	w.Header().Set("X-Request-ID", "req-42")
	SendError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "limit must be a non-negative integer")

	assert.Equal(t, http.StatusBadRequest, w.Code)
	e := decodeError(t, w)
	assert.Equal(t, ErrCodeInvalidRequest, e.Code)
	assert.Equal(t, "limit must be a non-negative integer", e.Message)
	assert.Equal(t, "req-42", e.RequestID)
}

func TestFallbackHandlers(t *testing.T) {
	tests := []struct {
		name    string
		handler http.Handler
		method  string
		status  int
		code    string
	}{
		{"not found", NotFound(), http.MethodGet, http.StatusNotFound, ErrCodeNotFound},
		{"method not allowed", MethodNotAllowed(), http.MethodPut, http.StatusMethodNotAllowed, ErrCodeMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			tt.handler.ServeHTTP(w, httptest.NewRequest(tt.method, "/api/v1/nope", nil))

			assert.Equal(t, tt.status, w.Code)
			e := decodeError(t, w)
			assert.Equal(t, tt.code, e.Code)
			assert.Contains(t, e.Message, "/api/v1/nope")
		})
	}
}
