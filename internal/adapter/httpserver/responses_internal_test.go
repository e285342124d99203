package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/mahavishnu/internal/domain"
)

func TestWriteErrorStatusMapping(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"validation", domain.ErrValidation, 400, "VALIDATION"},
		{"wrapped validation", fmt.Errorf("op=x: %w", domain.ErrValidation), 400, "VALIDATION"},
		{"not found", domain.ErrNotFound, 404, "NOT_FOUND"},
		{"permission", domain.ErrPermission, 403, "PERMISSION"},
		{"pool unavailable", domain.ErrPoolUnavailable, 503, "POOL_UNAVAILABLE"},
		{"circuit open", domain.ErrCircuitOpen, 503, "CIRCUIT_OPEN"},
		{"timeout", domain.ErrTimeout, 504, "TIMEOUT"},
		{"internal", domain.ErrInternal, 500, "INTERNAL"},
		{"unknown", errors.New("boom"), 500, "INTERNAL"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			rec := httptest.NewRecorder()
			writeError(rec, nil, tc.err, nil)

			assert.Equal(t, tc.wantStatus, rec.Code)
			assert.Equal(t, "application/json; charset=utf-8", rec.Header().Get("Content-Type"))

			var env errorEnvelope
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
			assert.Equal(t, tc.wantCode, env.Error.Code)
			assert.Equal(t, tc.err.Error(), env.Error.Message)
		})
	}
}

func TestWriteJSON(t *testing.T) {
	t.Parallel()
	rec := httptest.NewRecorder()
	writeJSON(rec, 201, map[string]string{"id": "abc"})
	assert.Equal(t, 201, rec.Code)
	assert.JSONEq(t, `{"id":"abc"}`, rec.Body.String())
}
