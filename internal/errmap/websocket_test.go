package errmap_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/heartline/realtime/internal/domain"
	"github.com/heartline/realtime/internal/errmap"
)

func TestToWebSocketClose(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantCode   int
		wantReason string
	}{
		// Nil error
		{"nil error", nil, errmap.CloseNormalClosure, "normal_closure"},

		// Relationship errors
		{"ErrRelationshipDenied", domain.ErrRelationshipDenied, errmap.CloseForbidden, "relationship_denied"},
		{"ErrSelfAction", domain.ErrSelfAction, errmap.CloseForbidden, "self_action"},
		{"ErrNotFound", domain.ErrNotFound, errmap.CloseNotFound, "not_found"},
		{"ErrAlreadyExists", domain.ErrAlreadyExists, errmap.CloseAlreadyExists, "already_exists"},

		// Validation errors
		{"ErrInvalidInput", domain.ErrInvalidInput, errmap.CloseInvalidMessage, "invalid_message"},

		// Operational errors
		{"ErrRateLimited", domain.ErrRateLimited, errmap.CloseRateLimited, "rate_limited"},
		{"ErrSlowConsumer", domain.ErrSlowConsumer, errmap.CloseRateLimited, "slow_consumer"},
		{"ErrStoreUnavailable", domain.ErrStoreUnavailable, errmap.CloseTryAgainLater, "service_unavailable"},
		{"ErrTransportUnavailable", domain.ErrTransportUnavailable, errmap.CloseGoingAway, "transport_unavailable"},

		// Wrapped errors
		{"wrapped ErrNotFound", fmt.Errorf("chat: %w", domain.ErrNotFound), errmap.CloseNotFound, "not_found"},
		{"wrapped denial", fmt.Errorf("gate: message 1->2: %w", domain.ErrRelationshipDenied), errmap.CloseForbidden, "relationship_denied"},

		// Unknown errors map to Internal
		{"unknown error", fmt.Errorf("unexpected"), errmap.CloseInternalError, "internal_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := errmap.ToWebSocketClose(tt.err)
			assert.Equal(t, tt.wantCode, got.Code, "expected code %d, got %d", tt.wantCode, got.Code)
			assert.Equal(t, tt.wantReason, got.Reason, "expected reason %q, got %q", tt.wantReason, got.Reason)
		})
	}
}

func TestToErrorCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"denied", domain.ErrRelationshipDenied, errmap.CodeRelationshipDenied},
		{"self", domain.ErrSelfAction, errmap.CodeSelfAction},
		{"duplicate", domain.ErrAlreadyExists, errmap.CodeAlreadyExists},
		{"missing", domain.ErrNotFound, errmap.CodeNotFound},
		{"invalid", domain.ErrInvalidInput, errmap.CodeInvalidInput},
		{"throttled", domain.ErrRateLimited, errmap.CodeRateLimited},
		{"store down", fmt.Errorf("gate: find block: %w: %w", domain.ErrStoreUnavailable, fmt.Errorf("dial tcp")), errmap.CodeStoreUnavailable},
		{"unknown", fmt.Errorf("boom"), errmap.CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, msg := errmap.ToErrorCode(tt.err)
			assert.Equal(t, tt.want, code)
			assert.NotEmpty(t, msg)
		})
	}
}

func TestStoreFailureMessageHidesCause(t *testing.T) {
	_, msg := errmap.ToErrorCode(fmt.Errorf("%w: password=hunter2", domain.ErrStoreUnavailable))
	assert.NotContains(t, msg, "hunter2")
}

func TestWebSocketCloseCodes(t *testing.T) {
	t.Run("standard codes are in valid range", func(t *testing.T) {
		standardCodes := []int{
			errmap.CloseNormalClosure,
			errmap.CloseGoingAway,
			errmap.CloseProtocolError,
			errmap.ClosePolicyViolation,
			errmap.CloseInternalError,
			errmap.CloseTryAgainLater,
		}

		for _, code := range standardCodes {
			assert.True(t, code >= 1000 && code <= 1015, "standard code %d should be in range 1000-1015", code)
		}
	})

	t.Run("application codes are in valid range", func(t *testing.T) {
		appCodes := []int{
			errmap.CloseInvalidMessage,
			errmap.CloseUnauthorized,
			errmap.CloseForbidden,
			errmap.CloseNotFound,
			errmap.CloseAlreadyExists,
			errmap.CloseRateLimited,
		}

		for _, code := range appCodes {
			assert.True(t, code >= 4000 && code <= 4999, "app code %d should be in range 4000-4999", code)
		}
	})
}
