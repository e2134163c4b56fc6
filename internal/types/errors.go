package types

import "errors"

// Error taxonomy shared by every protocol component. Callers match with errors.Is.
var (
	ErrInvalidParam       = errors.New("invalid parameter")
	ErrTimeout            = errors.New("timeout")
	ErrChecksumMismatch   = errors.New("checksum mismatch")
	ErrMalformedFrame     = errors.New("malformed frame")
	ErrCapabilityMismatch = errors.New("capability mismatch")
	ErrResourceExhausted  = errors.New("resource exhausted")
	ErrNotConnected       = errors.New("not connected")
	ErrNotFound           = errors.New("not found")

	ErrBusy         = errors.New("busy")
	ErrRejected     = errors.New("rejected by device")
	ErrUnreachable  = errors.New("device unreachable")
	ErrInvalidState = errors.New("invalid state")
)

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// NewErrorResponse builds a consistent API error payload.
// details can be string, map, struct, etc.
func NewErrorResponse(code, message string, details any) ErrorResponse {
	return ErrorResponse{
		Error: ErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// ErrorCode maps an error onto the short code used in API payloads.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidParam):
		return "INVALID_PARAM"
	case errors.Is(err, ErrTimeout):
		return "TIMEOUT"
	case errors.Is(err, ErrChecksumMismatch):
		return "CHECKSUM_MISMATCH"
	case errors.Is(err, ErrMalformedFrame):
		return "MALFORMED_FRAME"
	case errors.Is(err, ErrCapabilityMismatch):
		return "CAPABILITY_MISMATCH"
	case errors.Is(err, ErrResourceExhausted):
		return "RESOURCE_EXHAUSTED"
	case errors.Is(err, ErrNotConnected):
		return "NOT_CONNECTED"
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrBusy):
		return "BUSY"
	case errors.Is(err, ErrRejected):
		return "REJECTED"
	case errors.Is(err, ErrUnreachable):
		return "UNREACHABLE"
	case errors.Is(err, ErrInvalidState):
		return "INVALID_STATE"
	default:
		return "INTERNAL"
	}
}
