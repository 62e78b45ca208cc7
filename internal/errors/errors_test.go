package errors_test

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"

	"github.com/victornm/baseera/internal/errors"
)

func TestNewReason(t *testing.T) {
	tests := map[string]struct {
		reason   errors.Reason
		wantCode errors.Code
		wantHTTP int
	}{
		"expired code is a failed precondition": {
			reason:   errors.ReasonExpired,
			wantCode: errors.CodeFailedPrecondition,
			wantHTTP: http.StatusPreconditionFailed,
		},
		"taken partner slot is a conflict": {
			reason:   errors.ReasonAlreadyJoined,
			wantCode: errors.CodeAlreadyExists,
			wantHTTP: http.StatusConflict,
		},
		"ownership conflict is forbidden": {
			reason:   errors.ReasonOwnershipConflict,
			wantCode: errors.CodePermissionDenied,
			wantHTTP: http.StatusForbidden,
		},
		"provider failure is unavailable": {
			reason:   errors.ReasonTransientProviderFailure,
			wantCode: errors.CodeUnavailable,
			wantHTTP: http.StatusServiceUnavailable,
		},
		"rate limited maps to too many requests": {
			reason:   errors.ReasonRateLimited,
			wantCode: errors.CodeUnavailable,
			wantHTTP: http.StatusTooManyRequests,
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			e := errors.NewReason(tt.reason, "message")
			assert.Equal(t, tt.wantCode, e.Code)
			assert.Equal(t, tt.wantHTTP, e.HTTPStatusCode())
			assert.Equal(t, "message", e.Message)
		})
	}
}

func TestIs(t *testing.T) {
	cause := stderrors.New("boom")
	err := fmt.Errorf("join: %w", errors.NewReason(errors.ReasonInvalidCode, "invalid share code", errors.WithCause(cause)))

	assert.True(t, errors.Is(err, errors.ReasonInvalidCode))
	assert.False(t, errors.Is(err, errors.ReasonExpired))
	assert.False(t, errors.Is(cause, errors.ReasonInvalidCode))
	assert.ErrorIs(t, err, cause)
}

func TestConvert(t *testing.T) {
	e := errors.Convert(stderrors.New("db down"))
	require.Equal(t, errors.CodeInternal, e.Code)
	assert.Equal(t, http.StatusInternalServerError, e.HTTPStatusCode())
	assert.Equal(t, codes.Internal, e.GRPCStatus().Code())

	nf := errors.NotFound("session not found: %s", "s1")
	assert.Same(t, nf, errors.Convert(fmt.Errorf("wrapped: %w", nf)))
	assert.Equal(t, "session not found: s1", nf.Message)
}
