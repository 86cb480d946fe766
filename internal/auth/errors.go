package auth

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Code identifies a gate rejection reason.
type Code string

// Rejection codes, in the order the gate can produce them.
const (
	// CodeProtocolError covers malformed or missing headers.
	CodeProtocolError Code = "protocol_error"

	// CodeUnauthorized covers bad keys, timestamps and signatures.
	CodeUnauthorized Code = "unauthorized"

	// CodeStepUpRequired is produced by the risk layer for high-risk
	// mutating requests without step-up proof.
	CodeStepUpRequired Code = "step_up_required"

	// CodeIdempotencyConflict covers client-token reuse with a new body.
	CodeIdempotencyConflict Code = "idempotency_conflict"

	// CodeRateLimited is produced downstream using the gate's multiplier.
	CodeRateLimited Code = "rate_limited"

	// CodeInternalError covers unexpected store failures.
	CodeInternalError Code = "internal_error"
)

// HTTPStatus returns the HTTP status for a rejection code.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeProtocolError:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeStepUpRequired:
		return http.StatusForbidden
	case CodeIdempotencyConflict:
		return http.StatusConflict
	case CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Rejection is a typed authentication failure. Callers receive it as a
// value, never as a control-flow panic, so every failure path is handled
// explicitly.
type Rejection struct {
	Code    Code
	Message string
	cause   error
}

// Error implements the error interface.
func (r *Rejection) Error() string {
	if r.cause != nil {
		return fmt.Sprintf("%s: %s: %v", r.Code, r.Message, r.cause)
	}
	return fmt.Sprintf("%s: %s", r.Code, r.Message)
}

// Unwrap returns the underlying cause.
func (r *Rejection) Unwrap() error {
	return r.cause
}

// Reject creates a Rejection.
func Reject(code Code, message string) *Rejection {
	return &Rejection{Code: code, Message: message}
}

// RejectWrap creates a Rejection with an underlying cause. The cause is for
// logs only; the envelope carries just code and message.
func RejectWrap(code Code, message string, cause error) *Rejection {
	return &Rejection{Code: code, Message: message, cause: cause}
}

// envelope is the wire form of an error response.
type envelope struct {
	Error envelopeBody `json:"error"`
}

type envelopeBody struct {
	Code      Code              `json:"code"`
	Message   string            `json:"message"`
	RequestID string            `json:"request_id,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
}

// WriteRejection writes the structured error envelope for a rejection.
// Internal causes are never serialized.
func WriteRejection(w http.ResponseWriter, requestID string, rej *Rejection) {
	WriteError(w, requestID, rej.Code, rej.Message, nil)
}

// WriteError writes the structured error envelope.
func WriteError(w http.ResponseWriter, requestID string, code Code, message string, details map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code.HTTPStatus())
	_ = json.NewEncoder(w).Encode(envelope{Error: envelopeBody{
		Code:      code,
		Message:   message,
		RequestID: requestID,
		Details:   details,
	}})
}
