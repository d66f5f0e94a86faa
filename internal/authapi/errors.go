package authapi

import (
	"encoding/json"
	"net/http"
)

// apiError is the JSON error body returned by every endpoint.
type apiError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"error"`
}

var (
	errMissingFields  = apiError{Status: http.StatusBadRequest, Code: "MISSING_FIELDS", Message: "Email and password are required"}
	errInvalidRequest = apiError{Status: http.StatusBadRequest, Code: "INVALID_REQUEST", Message: "Invalid request body"}
	errUnauthorized   = apiError{Status: http.StatusUnauthorized, Code: "UNAUTHORIZED", Message: "Unauthorized"}
	errInvalidToken   = apiError{Status: http.StatusUnauthorized, Code: "INVALID_TOKEN", Message: "Invalid token"}
	errTokenExpired   = apiError{Status: http.StatusUnauthorized, Code: "TOKEN_EXPIRED", Message: "Token expired"}
	errInternal       = apiError{Status: http.StatusInternalServerError, Code: "INTERNAL_ERROR", Message: "Internal server error"}
)

func providerRejected(msg string) apiError {
	return apiError{Status: http.StatusBadRequest, Code: "PROVIDER_ERROR", Message: msg}
}

func invalidCredentials(msg string) apiError {
	return apiError{Status: http.StatusUnauthorized, Code: "INVALID_CREDENTIALS", Message: msg}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, e apiError) {
	writeJSON(w, e.Status, e)
}
