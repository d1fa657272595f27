// Package errmap translates domain errors into what clients see: error frame
// codes for failed actions and close codes for terminated sessions.
package errmap

import (
	"errors"

	"github.com/heartline/realtime/internal/domain"
)

// WebSocket close codes per RFC 6455.
// Application-specific codes use the 4000-4999 range.
const (
	// Standard codes (RFC 6455)
	CloseNormalClosure   = 1000
	CloseGoingAway       = 1001
	CloseProtocolError   = 1002
	ClosePolicyViolation = 1008
	CloseInternalError   = 1011
	CloseTryAgainLater   = 1013

	// Application-specific codes (4000-4999)
	CloseInvalidMessage = 4000
	CloseUnauthorized   = 4001
	CloseForbidden      = 4003
	CloseNotFound       = 4004
	CloseAlreadyExists  = 4009
	CloseRateLimited    = 4029
)

// Error codes carried by error frames.
const (
	CodeRelationshipDenied = "relationship_denied"
	CodeSelfAction         = "self_action"
	CodeAlreadyExists      = "already_exists"
	CodeNotFound           = "not_found"
	CodeInvalidInput       = "invalid_input"
	CodeRateLimited        = "rate_limited"
	CodeStoreUnavailable   = "store_unavailable"
	CodeParseError         = "parse_error"
	CodeUnsupportedType    = "unsupported_type"
	CodeInternal           = "internal_error"
)

// WebSocketClose represents a close code and reason for WebSocket termination.
type WebSocketClose struct {
	Code   int
	Reason string
}

// ToWebSocketClose converts a domain error to a WebSocket close code and reason.
func ToWebSocketClose(err error) WebSocketClose {
	if err == nil {
		return WebSocketClose{Code: CloseNormalClosure, Reason: "normal_closure"}
	}

	switch {
	case errors.Is(err, domain.ErrRelationshipDenied):
		return WebSocketClose{Code: CloseForbidden, Reason: "relationship_denied"}

	case errors.Is(err, domain.ErrSelfAction):
		return WebSocketClose{Code: CloseForbidden, Reason: "self_action"}

	case errors.Is(err, domain.ErrNotFound):
		return WebSocketClose{Code: CloseNotFound, Reason: "not_found"}

	case errors.Is(err, domain.ErrAlreadyExists):
		return WebSocketClose{Code: CloseAlreadyExists, Reason: "already_exists"}

	case errors.Is(err, domain.ErrInvalidInput):
		return WebSocketClose{Code: CloseInvalidMessage, Reason: "invalid_message"}

	case errors.Is(err, domain.ErrRateLimited):
		return WebSocketClose{Code: CloseRateLimited, Reason: "rate_limited"}

	case errors.Is(err, domain.ErrSlowConsumer):
		return WebSocketClose{Code: CloseRateLimited, Reason: "slow_consumer"}

	case errors.Is(err, domain.ErrStoreUnavailable):
		return WebSocketClose{Code: CloseTryAgainLater, Reason: "service_unavailable"}

	case errors.Is(err, domain.ErrTransportUnavailable):
		return WebSocketClose{Code: CloseGoingAway, Reason: "transport_unavailable"}

	default:
		return WebSocketClose{Code: CloseInternalError, Reason: "internal_error"}
	}
}

// ToErrorCode converts an action failure to the code sent in an error frame.
// Store failures and unknown errors are reported without detail.
func ToErrorCode(err error) (code, message string) {
	switch {
	case errors.Is(err, domain.ErrRelationshipDenied):
		return CodeRelationshipDenied, "action not allowed for this relationship"
	case errors.Is(err, domain.ErrSelfAction):
		return CodeSelfAction, "action cannot target yourself"
	case errors.Is(err, domain.ErrAlreadyExists):
		return CodeAlreadyExists, "already exists"
	case errors.Is(err, domain.ErrNotFound):
		return CodeNotFound, "not found"
	case errors.Is(err, domain.ErrInvalidInput):
		return CodeInvalidInput, "invalid input"
	case errors.Is(err, domain.ErrRateLimited):
		return CodeRateLimited, "rate limit exceeded"
	case errors.Is(err, domain.ErrStoreUnavailable):
		return CodeStoreUnavailable, "temporarily unavailable, retry later"
	default:
		return CodeInternal, "internal error"
	}
}

// Common close reasons for special cases not directly mapped to domain errors.
var (
	CloseServerShutdown    = WebSocketClose{Code: CloseGoingAway, Reason: "server_shutdown"}
	CloseProtocolViolation = WebSocketClose{Code: CloseProtocolError, Reason: "protocol_error"}
	CloseHeartbeatTimeout  = WebSocketClose{Code: ClosePolicyViolation, Reason: "heartbeat_timeout"}
	CloseClientDisconnect  = WebSocketClose{Code: CloseNormalClosure, Reason: "client_disconnect"}
)
