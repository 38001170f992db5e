package handlers

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/tracelight/server/internal/config"
	"github.com/tracelight/server/internal/middleware"
	"github.com/tracelight/server/internal/ratelimit"
)

// CallbackHandler handles the follow-up endpoints that are pure rate-limit
// gates: callback requests, daily check-ins and self-isolation notices. The
// downstream delivery (CRM queue, notice distribution) is out of process;
// this side only decides whether the registration may act again.
type CallbackHandler struct {
	cfg             *config.Config
	callbackLimiter *ratelimit.Limiter
	checkInLimiter  *ratelimit.Limiter
	noticeLimiter   *ratelimit.Limiter
}

// NewCallbackHandler creates a new callback handler
func NewCallbackHandler(
	cfg *config.Config,
	callbackLimiter, checkInLimiter, noticeLimiter *ratelimit.Limiter,
) *CallbackHandler {
	return &CallbackHandler{
		cfg:             cfg,
		callbackLimiter: callbackLimiter,
		checkInLimiter:  checkInLimiter,
		noticeLimiter:   noticeLimiter,
	}
}

// noticeResponse carries the key under which a created notice is addressable
type noticeResponse struct {
	Nonce string `json:"nonce"`
}

// HandleCallback handles POST /callback. With a callback interval configured
// the registration gets a budget of requests per window; otherwise it gets
// exactly one callback, ever.
func (h *CallbackHandler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	regID, ok := middleware.GetRegistrationID(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "missing registration")
		return
	}

	var allowed bool
	var err error
	if h.cfg.CallbackRateLimitEnabled {
		allowed, err = h.callbackLimiter.TouchIfWithinBudget(
			r.Context(), regID, h.cfg.CallbackRateLimit, h.cfg.CallbackRequestCount)
	} else {
		allowed, err = h.callbackLimiter.TouchIfNever(r.Context(), regID)
	}
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "failed to request callback")
		return
	}
	if !allowed {
		respondWithError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleCheckIn handles POST /check-in, allowed once per calendar day
func (h *CallbackHandler) HandleCheckIn(w http.ResponseWriter, r *http.Request) {
	regID, ok := middleware.GetRegistrationID(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "missing registration")
		return
	}

	allowed, err := h.checkInLimiter.TouchIfNewDay(r.Context(), regID)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "failed to check in")
		return
	}
	if !allowed {
		respondWithError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleNotice handles POST /notices, gated by the notice interval
func (h *CallbackHandler) HandleNotice(w http.ResponseWriter, r *http.Request) {
	regID, ok := middleware.GetRegistrationID(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "missing registration")
		return
	}

	allowed, err := h.noticeLimiter.TouchIfElapsed(r.Context(), regID, h.cfg.NoticeRateLimit)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "failed to create notice")
		return
	}
	if !allowed {
		respondWithError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	respondWithJSON(w, http.StatusCreated, noticeResponse{Nonce: uuid.NewString()})
}
