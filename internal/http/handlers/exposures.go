package handlers

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/tracelight/server/internal/apperr"
	"github.com/tracelight/server/internal/attest"
	"github.com/tracelight/server/internal/auth"
	"github.com/tracelight/server/internal/export"
	"github.com/tracelight/server/internal/exposure"
	"github.com/tracelight/server/internal/middleware"
	"github.com/tracelight/server/internal/model"
	"github.com/tracelight/server/internal/repo"
	"github.com/tracelight/server/internal/token"
	"github.com/tracelight/server/internal/verification"
)

// chaffHeader marks decoy requests sent by clients to mask real upload
// traffic. Chaff requests are answered without touching any state.
const chaffHeader = "X-Chaff"

// ExposureHandler handles the verification and key publication endpoints
type ExposureHandler struct {
	ledger        *verification.Ledger
	tokens        *token.Manager
	service       *exposure.Service
	cursor        *export.Cursor
	attestor      *attest.Dispatcher
	certificates  *auth.CertificateVerifier
	defaultRegion string
}

// NewExposureHandler creates a new exposure handler. certificates may be nil
// when the tokenless publish path is not configured; POST /publish then
// rejects every request.
func NewExposureHandler(
	ledger *verification.Ledger,
	tokens *token.Manager,
	service *exposure.Service,
	cursor *export.Cursor,
	attestor *attest.Dispatcher,
	certificates *auth.CertificateVerifier,
	defaultRegion string,
) *ExposureHandler {
	return &ExposureHandler{
		ledger:        ledger,
		tokens:        tokens,
		service:       service,
		cursor:        cursor,
		attestor:      attestor,
		certificates:  certificates,
		defaultRegion: defaultRegion,
	}
}

// keyPayload is one submitted exposure key
type keyPayload struct {
	KeyData               string `json:"keyData"`
	RollingStartNumber    int64  `json:"rollingStartNumber"`
	RollingPeriod         int    `json:"rollingPeriod"`
	TransmissionRiskLevel int    `json:"transmissionRiskLevel"`
}

// verifyRequest is the request body for POST /exposures/verify
type verifyRequest struct {
	Hash string `json:"hash"`
}

// verifyResponse is the JSON response for a successful code exchange
type verifyResponse struct {
	Token string `json:"token"`
}

// uploadRequest is the request body for POST /exposures
type uploadRequest struct {
	Token                     string       `json:"token"`
	Platform                  string       `json:"platform"`
	DeviceVerificationPayload string       `json:"deviceVerificationPayload"`
	Timestamp                 int64        `json:"timestamp"`
	Exposures                 []keyPayload `json:"exposures"`
	Regions                   []string     `json:"regions"`
	Padding                   string       `json:"padding"`
}

// publishRequest is the request body for POST /publish (tokenless path)
type publishRequest struct {
	Certificate               string       `json:"certificate"`
	HMACKey                   string       `json:"hmackey"`
	Platform                  string       `json:"platform"`
	DeviceVerificationPayload string       `json:"deviceVerificationPayload"`
	Timestamp                 int64        `json:"timestamp"`
	Exposures                 []keyPayload `json:"exposures"`
	Regions                   []string     `json:"regions"`
	Padding                   string       `json:"padding"`
}

// publishResponse is the JSON response for POST /publish
type publishResponse struct {
	InsertedExposures int    `json:"insertedExposures"`
	Padding           string `json:"padding"`
}

// HandleVerify handles POST /exposures/verify: exchanges a diagnosis code
// hash for an upload token.
func (h *ExposureHandler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	regID, ok := middleware.GetRegistrationID(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "missing registration")
		return
	}

	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	control, code, err := verification.SplitHash(req.Hash)
	if err != nil {
		respondWithAppError(w, err)
		return
	}

	result, err := h.ledger.Exchange(r.Context(), regID, control, code)
	if err != nil {
		respondWithAppError(w, err)
		return
	}

	respondWithJSON(w, http.StatusOK, verifyResponse{Token: result.Token.String()})
}

// HandleUpload handles POST /exposures: publishes keys under an upload token.
// Responds 204 regardless of how many keys survived filtering.
func (h *ExposureHandler) HandleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get(chaffHeader) != "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	regID, ok := middleware.GetRegistrationID(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "missing registration")
		return
	}

	var req uploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	tokenID, err := uuid.Parse(req.Token)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid token")
		return
	}

	keys := toServiceKeys(req.Exposures)

	// Attest before consuming so a rejected proof does not burn the token
	att := attest.Attestation{
		Method:    attest.Method(req.Platform),
		Payload:   req.DeviceVerificationPayload,
		Nonce:     batchNonce(keys),
		Timestamp: attestationTime(req.Timestamp),
	}
	if err := h.attestor.Verify(r.Context(), att); err != nil {
		respondWithAppError(w, err)
		return
	}

	tok, err := h.tokens.Consume(r.Context(), tokenID, regID, repo.SurfaceKeys)
	if err != nil {
		respondWithAppError(w, err)
		return
	}

	if _, err := h.service.Ingest(r.Context(), keys, nil, tok.OnsetDate, tok.TestType, h.regions(req.Regions)); err != nil {
		respondWithAppError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandlePublish handles POST /publish: publishes keys under a signed upload
// certificate instead of an upload token.
func (h *ExposureHandler) HandlePublish(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get(chaffHeader) != "" {
		respondWithJSON(w, http.StatusOK, publishResponse{Padding: randomPadding()})
		return
	}

	if h.certificates == nil {
		respondWithAppError(w, apperr.ErrForbidden)
		return
	}

	var req publishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	claims, err := h.certificates.Verify(req.Certificate)
	if err != nil {
		respondWithAppError(w, fmt.Errorf("%w: %v", apperr.ErrForbidden, err))
		return
	}

	testType := reportTestType(claims.ReportType)
	if !testType.Valid() {
		respondWithError(w, http.StatusBadRequest, "invalid report type")
		return
	}

	att := attest.Attestation{
		Method:    attest.Method(req.Platform),
		Payload:   req.DeviceVerificationPayload,
		Nonce:     claims.TEKMAC,
		Timestamp: attestationTime(req.Timestamp),
	}
	if err := h.attestor.Verify(r.Context(), att); err != nil {
		respondWithAppError(w, err)
		return
	}

	hmacKey, err := base64.StdEncoding.DecodeString(req.HMACKey)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid hmac key")
		return
	}

	onset := time.Unix(claims.SymptomOnsetInterval*600, 0)
	binding := &exposure.Binding{HMACKey: hmacKey, ClaimedDigest: claims.TEKMAC}

	inserted, err := h.service.Ingest(r.Context(), toServiceKeys(req.Exposures), binding, &onset, testType, h.regions(req.Regions))
	if err != nil {
		respondWithAppError(w, err)
		return
	}

	respondWithJSON(w, http.StatusOK, publishResponse{
		InsertedExposures: inserted,
		Padding:           randomPadding(),
	})
}

// HandleList handles GET /exposures: returns the export files the caller
// needs to catch up from its cursor.
func (h *ExposureHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	if _, ok := middleware.GetRegistrationID(r.Context()); !ok {
		respondWithError(w, http.StatusUnauthorized, "missing registration")
		return
	}

	since := int64(0)
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			respondWithError(w, http.StatusBadRequest, "invalid since")
			return
		}
		since = parsed
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			respondWithError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}

	region := r.URL.Query().Get("region")
	if region == "" {
		region = h.defaultRegion
	}

	// Stale cursors are telemetry, not errors; the caller proceeds with
	// whatever files remain
	if _, err := h.cursor.IsStale(r.Context(), region, since); err != nil {
		respondWithAppError(w, err)
		return
	}

	files, err := h.cursor.ListFiles(r.Context(), region, since, limit)
	if err != nil {
		respondWithAppError(w, err)
		return
	}

	respondWithJSON(w, http.StatusOK, files)
}

// regions falls back to the configured default when the client sent none
func (h *ExposureHandler) regions(regions []string) []string {
	if len(regions) == 0 {
		return []string{h.defaultRegion}
	}
	return regions
}

func toServiceKeys(payloads []keyPayload) []exposure.Key {
	keys := make([]exposure.Key, len(payloads))
	for i, p := range payloads {
		keys[i] = exposure.Key{
			Key:                   p.KeyData,
			RollingStartNumber:    p.RollingStartNumber,
			RollingPeriod:         p.RollingPeriod,
			TransmissionRiskLevel: p.TransmissionRiskLevel,
		}
	}
	return keys
}

// attestationTime converts the client-declared millisecond timestamp,
// defaulting to server time when the client sent none. The DeviceCheck
// clock-skew fallback compares against this value.
func attestationTime(ms int64) time.Time {
	if ms == 0 {
		return time.Now()
	}
	return time.UnixMilli(ms)
}

// batchNonce derives the attestation nonce for the token upload path from
// the canonical batch serialization, so the proof is bound to the exact keys
// being published.
func batchNonce(keys []exposure.Key) string {
	sum := sha256.Sum256([]byte(exposure.CanonicalString(keys)))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// reportTestType maps a certificate report type onto a stored test type
func reportTestType(reportType string) model.TestType {
	return model.TestType(reportType)
}

// randomPadding returns 1 to 2 KiB of random base64 so publish responses all
// look alike on the wire
func randomPadding() string {
	size := int64(1024)
	if n, err := rand.Int(rand.Reader, big.NewInt(1024)); err == nil {
		size += n.Int64()
	}
	buf := make([]byte, size)
	_, _ = rand.Read(buf)
	return base64.StdEncoding.EncodeToString(buf)
}
