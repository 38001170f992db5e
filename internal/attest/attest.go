// Package attest verifies device/platform attestations. One Verifier per
// method, selected by an explicit enum; adding a platform means adding an
// implementation, not a string branch. Every rejection surfaces as the same
// client-visible error so callers cannot probe which check failed.
package attest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"time"

	"github.com/tracelight/server/internal/apperr"
)

// Method is a supported attestation method
type Method string

const (
	MethodTest      Method = "test"
	MethodAndroid   Method = "android"
	MethodIOS       Method = "ios"
	MethodRecaptcha Method = "recaptcha"
)

// ErrUnsupportedMethod wraps apperr.ErrAttestationFailed so unknown methods
// render exactly like rejected proofs.
var ErrUnsupportedMethod = fmt.Errorf("%w: unsupported method", apperr.ErrAttestationFailed)

// Attestation is one caller-supplied proof
type Attestation struct {
	Method  Method
	Payload string
	// Nonce is the value the proof must be bound to (request-specific)
	Nonce string
	// Timestamp is the client-declared time, used by the iOS clock-drift fallback
	Timestamp time.Time
}

// Verifier validates a single attestation method
type Verifier interface {
	Verify(ctx context.Context, att Attestation) error
}

// Dispatcher routes an attestation to the verifier for its method
type Dispatcher struct {
	verifiers map[Method]Verifier
}

// NewDispatcher creates a dispatcher over the given verifiers. Nil entries
// are skipped so unconfigured methods fail closed.
func NewDispatcher(verifiers map[Method]Verifier) *Dispatcher {
	d := &Dispatcher{verifiers: make(map[Method]Verifier)}
	for method, v := range verifiers {
		if v != nil {
			d.verifiers[method] = v
		}
	}
	return d
}

// Verify runs the verifier for the attestation's method. Failures are logged
// with the method and a payload fingerprint, never the payload itself.
func (d *Dispatcher) Verify(ctx context.Context, att Attestation) error {
	verifier, ok := d.verifiers[att.Method]
	if !ok {
		log.Printf("attestation failed: method=%q payload=%s: no verifier", att.Method, Fingerprint(att.Payload))
		return ErrUnsupportedMethod
	}

	if err := verifier.Verify(ctx, att); err != nil {
		log.Printf("attestation failed: method=%q payload=%s: %v", att.Method, Fingerprint(att.Payload), err)
		return err
	}
	return nil
}

// Fingerprint returns a short hash of an attestation payload for logging
func Fingerprint(payload string) string {
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:8])
}
