package errors

import (
	"encoding/json"
	"errors"
	"net/http"
)

var errorStatusCodes = map[error]int{
	ErrNotFound:            http.StatusNotFound,
	ErrInvalidInput:        http.StatusBadRequest,
	ErrInternalError:       http.StatusInternalServerError,
	ErrNotImplemented:      http.StatusNotImplemented,
	ErrTimeout:             http.StatusGatewayTimeout,
	ErrUnavailable:         http.StatusServiceUnavailable,
	ErrAlreadyExists:       http.StatusConflict,
	ErrCanceled:            http.StatusRequestTimeout,
	ErrSessionNotFound:     http.StatusNotFound,
	ErrSessionClosed:       http.StatusGone,
	ErrProviderUnavailable: http.StatusBadGateway,
	ErrNotConfigured:       http.StatusServiceUnavailable,
	ErrNetworkFailure:      http.StatusBadGateway,
	ErrRateLimited:         http.StatusTooManyRequests,
}

// WriteError writes a JSON error body with a status derived from the error chain
func WriteError(w http.ResponseWriter, err error) {
	statusCode := http.StatusInternalServerError
	response := map[string]interface{}{"error": "Unknown error"}

	var serr *Error
	if err != nil && errors.As(err, &serr) {
		statusCode = HTTPStatusFromError(serr)
		response = serr.AsJSON()
	} else if err != nil {
		statusCode = HTTPStatusFromError(err)
		response = map[string]interface{}{"error": err.Error()}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(response)
}

// HTTPStatusFromError walks the chain looking for a mapped sentinel
func HTTPStatusFromError(err error) int {
	for sentinel, code := range errorStatusCodes {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return http.StatusInternalServerError
}
