package handlers

import (
	"net/http"

	"github.com/tracelight/server/internal/middleware"
	"github.com/tracelight/server/internal/repo"
)

// RegistrationHandler handles registration lifecycle endpoints
type RegistrationHandler struct {
	registrations repo.RegistrationRepo
}

// NewRegistrationHandler creates a new registration handler
func NewRegistrationHandler(registrations repo.RegistrationRepo) *RegistrationHandler {
	return &RegistrationHandler{registrations: registrations}
}

// HandleForget handles DELETE /register: removes the caller's registration
// and everything that cascades with it. Upload tokens go with the row.
func (h *RegistrationHandler) HandleForget(w http.ResponseWriter, r *http.Request) {
	regID, ok := middleware.GetRegistrationID(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "missing registration")
		return
	}

	if err := h.registrations.Delete(r.Context(), regID); err != nil {
		respondWithError(w, http.StatusInternalServerError, "failed to delete registration")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
