package attest

import (
	"context"
	"fmt"

	"github.com/tracelight/server/internal/apperr"
	"github.com/tracelight/server/internal/auth"
	"github.com/tracelight/server/internal/repo"
)

// TestVerifier accepts a signed identity token whose registration still
// exists. Only wired in non-production builds.
type TestVerifier struct {
	jwtService       *auth.JWTService
	registrationRepo repo.RegistrationRepo
}

// NewTestVerifier creates a TestVerifier
func NewTestVerifier(jwtService *auth.JWTService, registrationRepo repo.RegistrationRepo) *TestVerifier {
	return &TestVerifier{
		jwtService:       jwtService,
		registrationRepo: registrationRepo,
	}
}

// Verify checks the payload is a valid identity token for a live registration
func (v *TestVerifier) Verify(ctx context.Context, att Attestation) error {
	claims, err := v.jwtService.VerifyToken(att.Payload)
	if err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrAttestationFailed, err)
	}

	exists, err := v.registrationRepo.Exists(ctx, claims.ID)
	if err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrUpstreamUnavailable, err)
	}
	if !exists {
		return fmt.Errorf("%w: unknown registration", apperr.ErrAttestationFailed)
	}
	return nil
}
