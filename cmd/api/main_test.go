package main

import (
	"context"
	"errors"
	"testing"

	"github.com/tracelight/server/internal/apperr"
	"github.com/tracelight/server/internal/attest"
	"github.com/tracelight/server/internal/auth"
	"github.com/tracelight/server/internal/config"
)

func TestBuildVerifiersWiresAndroidFromConfig(t *testing.T) {
	cfg := &config.Config{
		SafetyNet: config.SafetyNetConfig{ApkPackageName: "com.example.app"},
	}
	jwtService := auth.NewJWTService("test-secret-at-least-32-characters-long")

	verifiers := buildVerifiers(cfg, jwtService, nil)

	android, ok := verifiers[attest.MethodAndroid]
	if !ok {
		t.Fatal("android verifier not wired despite SafetyNet configuration")
	}

	// No statement verifier is plugged in, so attestations fail closed
	err := android.Verify(context.Background(), attest.Attestation{Payload: "x.y.z", Nonce: "n"})
	if !errors.Is(err, apperr.ErrAttestationFailed) {
		t.Fatalf("err = %v, want ErrAttestationFailed", err)
	}
}

func TestBuildVerifiersLeavesUnconfiguredMethodsAbsent(t *testing.T) {
	cfg := &config.Config{}
	jwtService := auth.NewJWTService("test-secret-at-least-32-characters-long")

	verifiers := buildVerifiers(cfg, jwtService, nil)

	for _, method := range []attest.Method{attest.MethodTest, attest.MethodAndroid, attest.MethodIOS, attest.MethodRecaptcha} {
		if _, ok := verifiers[method]; ok {
			t.Errorf("method %q wired without configuration", method)
		}
	}
}

func TestBuildVerifiersEnablesTestMethodInDevMode(t *testing.T) {
	cfg := &config.Config{DevMode: true}
	jwtService := auth.NewJWTService("test-secret-at-least-32-characters-long")

	verifiers := buildVerifiers(cfg, jwtService, nil)
	if _, ok := verifiers[attest.MethodTest]; !ok {
		t.Fatal("test verifier not wired in dev mode")
	}
}
