package httputil

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/pairlink/session-server/internal/errors"
)

func TestWriteError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   apperrors.ErrorCode
	}{
		{"validation", apperrors.InvalidPhoneNumber(), http.StatusBadRequest, apperrors.ErrCodeInvalidPhoneNumber},
		{"not found", apperrors.NotFound("Session"), http.StatusNotFound, apperrors.ErrCodeNotFound},
		{"invalid token looks like not found", apperrors.InvalidToken(), http.StatusNotFound, apperrors.ErrCodeInvalidToken},
		{"expired", apperrors.SessionExpired(), http.StatusGone, apperrors.ErrCodeSessionExpired},
		{"backend", apperrors.External("pairing backend", errors.New("timeout")), http.StatusBadGateway, apperrors.ErrCodeExternal},
		{"not connected", apperrors.SessionNotConnected(), http.StatusConflict, apperrors.ErrCodeSessionNotConnected},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, apperrors.ErrCodeInternal},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			WriteError(rec, tc.err)

			assert.Equal(t, tc.status, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

			var body ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tc.code, body.Code)
			assert.NotEmpty(t, body.Error)
		})
	}
}

func TestWriteErrorHidesInternalCause(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, errors.New("pq: password authentication failed"))

	assert.NotContains(t, rec.Body.String(), "password")
}
