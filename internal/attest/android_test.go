package attest

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/tracelight/server/internal/apperr"
	"github.com/tracelight/server/internal/config"
)

// acceptAll stands in for the pluggable signature check
var acceptAll = StatementVerifierFunc(func(context.Context, string) error { return nil })

// fakeStatement builds a JWS-shaped statement with the given claims body and
// a dummy signature. Signature validity is the StatementVerifier's concern.
func fakeStatement(t *testing.T, claims safetyNetClaims) string {
	t.Helper()
	payload, err := json.Marshal(claims)
	if err != nil {
		t.Fatalf("marshal claims: %v", err)
	}
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"RS256"}`))
	body := base64.RawURLEncoding.EncodeToString(payload)
	return fmt.Sprintf("%s.%s.%s", header, body, base64.RawURLEncoding.EncodeToString([]byte("sig")))
}

func TestSafetyNetAcceptsMatchingClaims(t *testing.T) {
	policy := config.SafetyNetConfig{
		ApkPackageName:             "com.example.app",
		ApkDigestSha256:            "digest",
		ApkCertificateDigestSha256: []string{"cert1", "cert2"},
	}
	v := NewSafetyNetVerifier(policy, acceptAll)

	statement := fakeStatement(t, safetyNetClaims{
		Nonce:                      "expected-nonce",
		ApkPackageName:             "com.example.app",
		ApkDigestSha256:            "digest",
		ApkCertificateDigestSha256: []string{"cert1", "cert2"},
		CtsProfileMatch:            true,
	})

	err := v.Verify(context.Background(), Attestation{Payload: statement, Nonce: "expected-nonce"})
	if err != nil {
		t.Fatalf("matching claims rejected: %v", err)
	}
}

func TestSafetyNetRejectsNonceMismatch(t *testing.T) {
	v := NewSafetyNetVerifier(config.SafetyNetConfig{}, acceptAll)
	statement := fakeStatement(t, safetyNetClaims{Nonce: "other"})

	err := v.Verify(context.Background(), Attestation{Payload: statement, Nonce: "expected"})
	if !errors.Is(err, apperr.ErrAttestationFailed) {
		t.Fatalf("err = %v, want ErrAttestationFailed", err)
	}
}

func TestSafetyNetRejectsPackageMismatch(t *testing.T) {
	policy := config.SafetyNetConfig{ApkPackageName: "com.example.app"}
	v := NewSafetyNetVerifier(policy, acceptAll)
	statement := fakeStatement(t, safetyNetClaims{
		Nonce:          "n",
		ApkPackageName: "com.evil.app",
	})

	err := v.Verify(context.Background(), Attestation{Payload: statement, Nonce: "n"})
	if !errors.Is(err, apperr.ErrAttestationFailed) {
		t.Fatalf("err = %v, want ErrAttestationFailed", err)
	}
}

func TestSafetyNetSkipsUnsetPolicyFields(t *testing.T) {
	v := NewSafetyNetVerifier(config.SafetyNetConfig{}, acceptAll)
	statement := fakeStatement(t, safetyNetClaims{
		Nonce:           "n",
		ApkPackageName:  "anything",
		ApkDigestSha256: "anything",
	})

	if err := v.Verify(context.Background(), Attestation{Payload: statement, Nonce: "n"}); err != nil {
		t.Fatalf("unset policy fields must be skipped: %v", err)
	}
}

func TestSafetyNetRejectsCertificateDigestMismatch(t *testing.T) {
	policy := config.SafetyNetConfig{ApkCertificateDigestSha256: []string{"cert1"}}
	v := NewSafetyNetVerifier(policy, acceptAll)
	statement := fakeStatement(t, safetyNetClaims{
		Nonce:                      "n",
		ApkCertificateDigestSha256: []string{"cert2"},
	})

	err := v.Verify(context.Background(), Attestation{Payload: statement, Nonce: "n"})
	if !errors.Is(err, apperr.ErrAttestationFailed) {
		t.Fatalf("err = %v, want ErrAttestationFailed", err)
	}
}

func TestSafetyNetFailsClosedWithoutStatementVerifier(t *testing.T) {
	v := NewSafetyNetVerifier(config.SafetyNetConfig{}, nil)
	err := v.Verify(context.Background(), Attestation{Payload: "x.y.z", Nonce: "n"})
	if !errors.Is(err, apperr.ErrAttestationFailed) {
		t.Fatalf("err = %v, want ErrAttestationFailed", err)
	}
}

func TestSafetyNetPropagatesSignatureRejection(t *testing.T) {
	reject := StatementVerifierFunc(func(context.Context, string) error {
		return errors.New("bad signature")
	})
	v := NewSafetyNetVerifier(config.SafetyNetConfig{}, reject)
	statement := fakeStatement(t, safetyNetClaims{Nonce: "n"})

	err := v.Verify(context.Background(), Attestation{Payload: statement, Nonce: "n"})
	if !errors.Is(err, apperr.ErrAttestationFailed) {
		t.Fatalf("err = %v, want ErrAttestationFailed", err)
	}
}

func TestSafetyNetRejectsMalformedStatement(t *testing.T) {
	v := NewSafetyNetVerifier(config.SafetyNetConfig{}, acceptAll)
	for _, payload := range []string{"", "onlyonepart", "two.parts", "a.!!!.c"} {
		err := v.Verify(context.Background(), Attestation{Payload: payload, Nonce: "n"})
		if !errors.Is(err, apperr.ErrAttestationFailed) {
			t.Errorf("payload %q: err = %v, want ErrAttestationFailed", payload, err)
		}
	}
}

func TestDispatcherRejectsUnknownMethod(t *testing.T) {
	d := NewDispatcher(map[Method]Verifier{})
	err := d.Verify(context.Background(), Attestation{Method: "windows", Payload: "x"})
	if !errors.Is(err, apperr.ErrAttestationFailed) {
		t.Fatalf("err = %v, want ErrAttestationFailed", err)
	}
}

func TestDispatcherSkipsNilVerifiers(t *testing.T) {
	d := NewDispatcher(map[Method]Verifier{MethodIOS: nil})
	err := d.Verify(context.Background(), Attestation{Method: MethodIOS, Payload: "x"})
	if !errors.Is(err, apperr.ErrAttestationFailed) {
		t.Fatalf("err = %v, want ErrAttestationFailed", err)
	}
}
