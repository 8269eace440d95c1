package handlers

import (
	"encoding/json"
	"net/http"
)

type errorResponse struct {
	Valid *bool  `json:"valid,omitempty"`
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// writeInvalid is writeError for the credential endpoints, which also report valid=false.
func writeInvalid(w http.ResponseWriter, status int, message string) {
	valid := false
	writeJSON(w, status, errorResponse{Valid: &valid, Error: message})
}
