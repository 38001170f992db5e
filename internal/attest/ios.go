package attest

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/tracelight/server/internal/apperr"
	"github.com/tracelight/server/internal/config"
)

const (
	deviceCheckProductionHost  = "api.devicecheck.apple.com"
	deviceCheckDevelopmentHost = "api.development.devicecheck.apple.com"
)

// DeviceCheckVerifier validates iOS device tokens against Apple's
// DeviceCheck service using an ES256 client assertion.
type DeviceCheckVerifier struct {
	cfg        config.DeviceCheckConfig
	privateKey *ecdsa.PrivateKey
	client     *http.Client
	host       string
}

// NewDeviceCheckVerifier parses the signing key and selects the endpoint.
// production chooses between Apple's live and development hosts unless a
// host override is configured.
func NewDeviceCheckVerifier(cfg config.DeviceCheckConfig, production bool) (*DeviceCheckVerifier, error) {
	key, err := jwt.ParseECPrivateKeyFromPEM([]byte(cfg.Key))
	if err != nil {
		return nil, fmt.Errorf("parse DeviceCheck key: %w", err)
	}

	host := cfg.Host
	if host == "" {
		if production {
			host = "https://" + deviceCheckProductionHost
		} else {
			host = "https://" + deviceCheckDevelopmentHost
		}
	}

	return &DeviceCheckVerifier{
		cfg:        cfg,
		privateKey: key,
		client:     &http.Client{Timeout: 10 * time.Second},
		host:       host,
	}, nil
}

// Verify posts the device token to DeviceCheck. A 400 response falls back to
// a clock-skew check against the client-declared timestamp: within the
// configured threshold the attestation is forgiven.
func (v *DeviceCheckVerifier) Verify(ctx context.Context, att Attestation) error {
	assertion, err := v.signAssertion()
	if err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrAttestationFailed, err)
	}

	serverTime := time.Now()
	body, err := json.Marshal(map[string]interface{}{
		"device_token":   strings.NewReplacer("\r", "", "\n", "").Replace(att.Payload),
		"transaction_id": uuid.NewString(),
		"timestamp":      serverTime.UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrAttestationFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.host+"/v1/validate_device_token", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrAttestationFailed, err)
	}
	req.Header.Set("Authorization", "Bearer "+assertion)
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: DeviceCheck unreachable: %v", apperr.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusBadRequest:
		skew := serverTime.Sub(att.Timestamp)
		if skew < 0 {
			skew = -skew
		}
		if skew > v.cfg.TimeDifferenceThreshold {
			return fmt.Errorf("%w: timestamp skew %s exceeds threshold", apperr.ErrAttestationFailed, skew)
		}
		// Declared bad request inside the skew threshold is forgiven
		return nil
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: DeviceCheck status %d: %s", apperr.ErrAttestationFailed, resp.StatusCode, msg)
	}
}

// signAssertion builds the short-lived ES256 bearer token DeviceCheck expects
func (v *DeviceCheckVerifier) signAssertion() (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.RegisteredClaims{
		Issuer:   v.cfg.TeamID,
		IssuedAt: jwt.NewNumericDate(time.Now()),
	})
	token.Header["kid"] = v.cfg.KeyID

	signed, err := token.SignedString(v.privateKey)
	if err != nil {
		return "", fmt.Errorf("sign DeviceCheck assertion: %w", err)
	}
	return signed, nil
}
