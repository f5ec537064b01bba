package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vantyr/costgate/services"
)

func TestHandleServiceError(t *testing.T) {
	logger := zap.NewNop()

	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantError  string
	}{
		{
			name:       "not found",
			err:        services.ErrDecisionNotFound,
			wantStatus: http.StatusNotFound,
			wantError:  "not_found",
		},
		{
			name:       "validation",
			err:        services.ErrInvalidInput.WithDetail("field", "action"),
			wantStatus: http.StatusBadRequest,
			wantError:  "bad_request",
		},
		{
			name:       "unauthorized",
			err:        services.ErrInvalidToken,
			wantStatus: http.StatusUnauthorized,
			wantError:  "unauthorized",
		},
		{
			name:       "forbidden",
			err:        services.ErrSelfApproval,
			wantStatus: http.StatusForbidden,
			wantError:  "forbidden",
		},
		{
			name:       "conflict",
			err:        services.ErrApprovalNotPending,
			wantStatus: http.StatusConflict,
			wantError:  "conflict",
		},
		{
			name:       "configuration",
			err:        services.ErrMissingSigningSecret,
			wantStatus: http.StatusInternalServerError,
			wantError:  "internal_error",
		},
		{
			name:       "internal",
			err:        services.WrapInternal("boom", errors.New("cause")),
			wantStatus: http.StatusInternalServerError,
			wantError:  "internal_error",
		},
		{
			name:       "unclassified",
			err:        errors.New("plain"),
			wantStatus: http.StatusInternalServerError,
			wantError:  "internal_error",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			HandleServiceError(rec, tt.err, logger)

			assert.Equal(t, tt.wantStatus, rec.Code)

			var body map[string]interface{}
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			assert.Equal(t, tt.wantError, body["error"])
		})
	}

	t.Run("conflict details survive to the response", func(t *testing.T) {
		rec := httptest.NewRecorder()
		HandleServiceError(rec, services.ErrAlreadyReconciled.WithDetail("idempotency_key", "rec-1"), logger)

		assert.Equal(t, http.StatusConflict, rec.Code)
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
		details := body["details"].(map[string]interface{})
		assert.Equal(t, "rec-1", details["idempotency_key"])
	})

	t.Run("internal error text is not leaked", func(t *testing.T) {
		rec := httptest.NewRecorder()
		HandleServiceError(rec, services.WrapInternal("failed to persist decision", errors.New("pq: password authentication failed")), logger)

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
		assert.NotContains(t, body["message"], "password")
	})
}

func TestHandleValidationError(t *testing.T) {
	rec := httptest.NewRecorder()
	HandleValidationError(rec, map[string]interface{}{"action": "required"}, zap.NewNop())

	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "bad_request", body["error"])
	details := body["details"].(map[string]interface{})
	assert.Equal(t, "required", details["action"])
}
