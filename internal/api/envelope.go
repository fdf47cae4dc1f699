package api

import (
	"encoding/json"
	"net/http"
)

// Error kinds carried in the response envelope. Control-plane shapes are
// frozen within a major version, so these strings are part of the wire
// contract.
const (
	ErrBadRequest      = "bad_request"
	ErrUnauthenticated = "unauthenticated"
	ErrForbidden       = "forbidden"
	ErrNotFound        = "not_found"
	ErrTooManyRequests = "too_many_requests"
	// ErrUnavailable is the ingestion capacity kind: the queue stayed full
	// past the producer wait and the caller should retry. The cascade's
	// all-candidates-failed case uses its own kind (coord.KindNoCandidate*).
	ErrUnavailable = "unavailable"
	ErrInternal    = "internal"
)

type envelope struct {
	OK    bool        `json:"ok"`
	Data  interface{} `json:"data,omitempty"`
	Error *errBody    `json:"error,omitempty"`
}

type errBody struct {
	Kind    string      `json:"kind"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func writeData(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{OK: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeErrorDetails(w, status, kind, message, nil)
}

func writeErrorDetails(w http.ResponseWriter, status int, kind, message string, details interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{OK: false, Error: &errBody{Kind: kind, Message: message, Details: details}})
}
