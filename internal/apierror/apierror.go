// Package apierror writes the JSON error bodies served by the sandbox. The
// body shape follows the Kong Admin API and proxy (`{"message": ...}`) so the
// kong client parses sandbox errors exactly as it parses real ones, with a
// stable error_code added for tests and scripts.
package apierror

import (
	"encoding/json"
	"net/http"
)

// ErrorCode is a machine-readable error classification string.
type ErrorCode string

// Sandbox error codes. Do not rename existing codes.
const (
	NotFound         ErrorCode = "SANDBOX_NOT_FOUND"
	MethodNotAllowed ErrorCode = "SANDBOX_METHOD_NOT_ALLOWED"
	BadRequest       ErrorCode = "SANDBOX_BAD_REQUEST"
	PayloadTooLarge  ErrorCode = "SANDBOX_PAYLOAD_TOO_LARGE"
	AuthMissingToken ErrorCode = "SANDBOX_AUTH_MISSING_TOKEN"
	AuthInvalidToken ErrorCode = "SANDBOX_AUTH_INVALID_TOKEN"
	AuthExpiredToken ErrorCode = "SANDBOX_AUTH_EXPIRED_TOKEN"
	AuthUnknownKey   ErrorCode = "SANDBOX_AUTH_UNKNOWN_KEY"
	RateLimited      ErrorCode = "SANDBOX_RATE_LIMITED"
	BadGateway       ErrorCode = "SANDBOX_BAD_GATEWAY"
	GatewayTimeout   ErrorCode = "SANDBOX_GATEWAY_TIMEOUT"
	InternalError    ErrorCode = "SANDBOX_INTERNAL_ERROR"
)

// Messages Kong itself uses for the common cases.
const (
	MsgNotFound     = "Not found"
	MsgUnauthorized = "Unauthorized"
	MsgRateLimited  = "API rate limit exceeded"
	MsgTooLarge     = "Request size limit exceeded"
	MsgInternal     = "An unexpected error occurred"

	MsgBadGateway     = "An invalid response was received from the upstream server"
	MsgGatewayTimeout = "The upstream server is timing out"
)

// ErrorResponse is the error body.
type ErrorResponse struct {
	Message   string `json:"message"`
	ErrorCode string `json:"error_code"`
	RequestID string `json:"request_id,omitempty"`
}

// Pre-serialized bodies for the most frequent errors. These do NOT include
// request_id since it varies per request.
var (
	preNotFound     = mustMarshal(NotFound, MsgNotFound)
	preUnauthorized = mustMarshal(AuthMissingToken, MsgUnauthorized)
)

func mustMarshal(code ErrorCode, message string) []byte {
	b, _ := json.Marshal(ErrorResponse{
		Message:   message,
		ErrorCode: string(code),
	})
	return append(b, '\n')
}

// WriteJSON writes a JSON error response. When the request carries an
// X-Request-ID it is echoed in the body. r may be nil.
func WriteJSON(w http.ResponseWriter, r *http.Request, status int, code ErrorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	requestID := ""
	if r != nil {
		requestID = r.Header.Get("X-Request-ID")
	}

	if requestID == "" {
		if body := preSerialized(code, message); body != nil {
			w.Write(body) //nolint:errcheck
			return
		}
	}

	json.NewEncoder(w).Encode(ErrorResponse{ //nolint:errcheck
		Message:   message,
		ErrorCode: string(code),
		RequestID: requestID,
	})
}

func preSerialized(code ErrorCode, message string) []byte {
	switch {
	case code == NotFound && message == MsgNotFound:
		return preNotFound
	case code == AuthMissingToken && message == MsgUnauthorized:
		return preUnauthorized
	}
	return nil
}
