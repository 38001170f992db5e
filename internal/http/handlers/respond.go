package handlers

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/tracelight/server/internal/apperr"
)

// respondWithJSON sends a JSON response with the given status code
func respondWithJSON(w http.ResponseWriter, statusCode int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

// respondWithError sends a JSON error response
func respondWithError(w http.ResponseWriter, statusCode int, message string) {
	respondWithJSON(w, statusCode, map[string]string{"error": message})
}

// respondWithAppError maps a taxonomy error to its status and canonical
// message. Internal details are logged, never returned to the client.
func respondWithAppError(w http.ResponseWriter, err error) {
	status := apperr.Status(err)
	if status == http.StatusInternalServerError || status == http.StatusServiceUnavailable {
		log.Printf("request failed: %v", err)
	}
	respondWithError(w, status, apperr.Message(err))
}
