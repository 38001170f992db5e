package attest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tracelight/server/internal/apperr"
	"github.com/tracelight/server/internal/config"
)

const recaptchaDefaultURL = "https://www.google.com/recaptcha/api/siteverify"

// RecaptchaVerifier forwards challenge responses to the external
// verification service.
type RecaptchaVerifier struct {
	cfg    config.RecaptchaConfig
	client *http.Client
}

// NewRecaptchaVerifier creates a RecaptchaVerifier
func NewRecaptchaVerifier(cfg config.RecaptchaConfig) *RecaptchaVerifier {
	return &RecaptchaVerifier{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Verify posts the challenge response and fails unless the service reports success
func (v *RecaptchaVerifier) Verify(ctx context.Context, att Attestation) error {
	endpoint := v.cfg.URL
	if endpoint == "" {
		endpoint = recaptchaDefaultURL
	}

	form := url.Values{}
	form.Set("secret", v.cfg.Secret)
	form.Set("response", att.Payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrAttestationFailed, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := v.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: challenge service unreachable: %v", apperr.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	var result struct {
		Success    bool     `json:"success"`
		ErrorCodes []string `json:"error-codes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("%w: malformed challenge response: %v", apperr.ErrUpstreamUnavailable, err)
	}

	if !result.Success {
		return fmt.Errorf("%w: challenge rejected: %v", apperr.ErrAttestationFailed, result.ErrorCodes)
	}
	return nil
}
