// internal/handler/response.go
package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Mileskamau/mpesa-backend/internal/domain"
)

// Response helpers
func sendSuccess(w http.ResponseWriter, statusCode int, message string, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": true,
		"message": message,
		"data":    data,
	})
}

func sendError(w http.ResponseWriter, statusCode int, message string, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := map[string]interface{}{
		"success": false,
		"message": message,
	}
	if err != nil {
		response["error"] = err.Error()
	}
	json.NewEncoder(w).Encode(response)
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidRequest), errors.Is(err, domain.ErrUnknownProvider):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrDuplicateKey):
		return http.StatusConflict
	case errors.Is(err, domain.ErrProviderRejected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrProviderUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
