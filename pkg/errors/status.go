package errors

import (
	"encoding/json"
	"errors"
	"net/http"
)

// Signaling status code mappings, one per gateway sentinel. The vocabulary is
// deliberately closed; anything unmapped reports 500.
var signalStatusCodes = map[error]int{
	ErrMalformedMessage:  400,
	ErrPayloadTooLarge:   413,
	ErrAuthChallenge:     401,
	ErrAuthFailed:        401,
	ErrWeakCredential:    403,
	ErrRateExceeded:      429,
	ErrPenalized:         503,
	ErrSessionConflict:   403,
	ErrSessionNotFound:   404,
	ErrUnsupportedMethod: 501,
	ErrMediaSecurity:     403,
	ErrReferDenied:       403,

	ErrNotFound:          404,
	ErrInvalidInput:      400,
	ErrInternalError:     500,
	ErrTimeout:           504,
	ErrUnavailable:       503,
	ErrPermissionDenied:  403,
	ErrUnauthenticated:   401,
	ErrResourceExhausted: 429,
}

// SignalStatusFromError determines the signaling status code for an error
func SignalStatusFromError(err error) int {
	for err != nil {
		if code, ok := signalStatusCodes[err]; ok {
			return code
		}

		unwrapped := errors.Unwrap(err)
		if unwrapped == err || unwrapped == nil {
			break
		}
		err = unwrapped
	}

	return 500
}

// WriteError writes a standardized error response to the HTTP response writer
func WriteError(w http.ResponseWriter, err error) {
	var statusCode int
	var response map[string]interface{}

	var serr *Error
	if err == nil {
		statusCode = http.StatusInternalServerError
		response = map[string]interface{}{
			"error": "Unknown error",
		}
	} else if errors.As(err, &serr) {
		statusCode = SignalStatusFromError(serr.original)
		response = serr.AsJSON()
	} else {
		statusCode = SignalStatusFromError(err)
		response = map[string]interface{}{
			"error": err.Error(),
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(response)
}
