package attest

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tracelight/server/internal/apperr"
	"github.com/tracelight/server/internal/config"
)

// StatementVerifier validates the signature and certificate chain of a JWS
// attestation statement. The cryptography is pluggable; the claim binding
// below is not.
type StatementVerifier interface {
	VerifyStatement(ctx context.Context, statementJWS string) error
}

// StatementVerifierFunc adapts a function to the StatementVerifier interface
type StatementVerifierFunc func(ctx context.Context, statementJWS string) error

// VerifyStatement calls f
func (f StatementVerifierFunc) VerifyStatement(ctx context.Context, statementJWS string) error {
	return f(ctx, statementJWS)
}

// safetyNetClaims is the attestation statement body we bind against
type safetyNetClaims struct {
	Nonce                      string   `json:"nonce"`
	ApkPackageName             string   `json:"apkPackageName"`
	ApkDigestSha256            string   `json:"apkDigestSha256"`
	ApkCertificateDigestSha256 []string `json:"apkCertificateDigestSha256"`
	CtsProfileMatch            bool     `json:"ctsProfileMatch"`
}

// SafetyNetVerifier validates Android attestation statements: signature via
// the pluggable StatementVerifier, then nonce and allow-list claim binding.
// Allow-list fields left unset in config are skipped.
type SafetyNetVerifier struct {
	policy    config.SafetyNetConfig
	statement StatementVerifier
}

// NewSafetyNetVerifier creates a SafetyNetVerifier. A nil StatementVerifier
// fails every attestation closed.
func NewSafetyNetVerifier(policy config.SafetyNetConfig, statement StatementVerifier) *SafetyNetVerifier {
	return &SafetyNetVerifier{
		policy:    policy,
		statement: statement,
	}
}

// Verify checks the statement signature and compares the embedded claims
// against the expected nonce and configured allow-list values
func (v *SafetyNetVerifier) Verify(ctx context.Context, att Attestation) error {
	if v.statement == nil {
		return fmt.Errorf("%w: no statement verifier configured", apperr.ErrAttestationFailed)
	}

	if err := v.statement.VerifyStatement(ctx, att.Payload); err != nil {
		return fmt.Errorf("%w: statement rejected: %v", apperr.ErrAttestationFailed, err)
	}

	claims, err := decodeStatementClaims(att.Payload)
	if err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrAttestationFailed, err)
	}

	if claims.Nonce != att.Nonce {
		return fmt.Errorf("%w: nonce mismatch", apperr.ErrAttestationFailed)
	}
	if v.policy.ApkPackageName != "" && claims.ApkPackageName != v.policy.ApkPackageName {
		return fmt.Errorf("%w: package name mismatch", apperr.ErrAttestationFailed)
	}
	if v.policy.ApkDigestSha256 != "" && claims.ApkDigestSha256 != v.policy.ApkDigestSha256 {
		return fmt.Errorf("%w: apk digest mismatch", apperr.ErrAttestationFailed)
	}
	if len(v.policy.ApkCertificateDigestSha256) > 0 &&
		!equalDigests(claims.ApkCertificateDigestSha256, v.policy.ApkCertificateDigestSha256) {
		return fmt.Errorf("%w: certificate digest mismatch", apperr.ErrAttestationFailed)
	}
	return nil
}

// decodeStatementClaims extracts the JWS payload segment without trusting it;
// the signature was already checked
func decodeStatementClaims(statementJWS string) (safetyNetClaims, error) {
	var claims safetyNetClaims

	parts := strings.Split(statementJWS, ".")
	if len(parts) != 3 {
		return claims, fmt.Errorf("malformed attestation statement")
	}

	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return claims, fmt.Errorf("malformed statement payload")
	}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return claims, fmt.Errorf("malformed statement claims")
	}
	return claims, nil
}

func equalDigests(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}
