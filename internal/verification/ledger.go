// Package verification implements the diagnosis-code ledger: one-time codes
// redeemed exactly once for an upload token, behind per-registration and
// per-control rate limits.
package verification

import (
	"context"
	"crypto/sha512"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/tracelight/server/internal/apperr"
	"github.com/tracelight/server/internal/model"
	"github.com/tracelight/server/internal/ratelimit"
	"github.com/tracelight/server/internal/repo"
	"github.com/tracelight/server/internal/token"
)

// hashLength is the hex length of one SHA-512 hash; a submitted hash is the
// control hash followed by the full-code hash.
const hashLength = 128

// ExchangeResult is the outcome of a successful code redemption
type ExchangeResult struct {
	OnsetDate *time.Time
	TestType  model.TestType
	Token     uuid.UUID
}

// Ledger redeems verification codes
type Ledger struct {
	verifications   repo.VerificationRepo
	regLimiter      *ratelimit.Limiter
	controlLimiter  *ratelimit.ControlLimiter
	tokens          *token.Manager
	codeLifetime    time.Duration
	verifyInterval  time.Duration
	controlInterval time.Duration
}

// NewLedger creates a Ledger
func NewLedger(
	verifications repo.VerificationRepo,
	regLimiter *ratelimit.Limiter,
	controlLimiter *ratelimit.ControlLimiter,
	tokens *token.Manager,
	codeLifetime, verifyInterval, controlInterval time.Duration,
) *Ledger {
	return &Ledger{
		verifications:   verifications,
		regLimiter:      regLimiter,
		controlLimiter:  controlLimiter,
		tokens:          tokens,
		codeLifetime:    codeLifetime,
		verifyInterval:  verifyInterval,
		controlInterval: controlInterval,
	}
}

// Exchange redeems a control+code hash pair for an upload token. Steps run
// strictly in order: registration rate limit, control rate limit, destructive
// read of the verification record, lifetime check, token mint. A wrong
// control and a wrong code both come back Forbidden.
func (l *Ledger) Exchange(ctx context.Context, regID uuid.UUID, controlHash, codeHash string) (ExchangeResult, error) {
	allowed, err := l.regLimiter.TouchIfElapsed(ctx, regID, l.verifyInterval)
	if err != nil {
		return ExchangeResult{}, fmt.Errorf("%w: verify rate limit: %v", apperr.ErrUpstreamUnavailable, err)
	}
	if !allowed {
		return ExchangeResult{}, apperr.ErrRateLimited
	}

	allowed, err = l.controlLimiter.TouchIfElapsed(ctx, controlHash, l.controlInterval)
	if err != nil {
		return ExchangeResult{}, fmt.Errorf("%w: control rate limit: %v", apperr.ErrUpstreamUnavailable, err)
	}
	if !allowed {
		return ExchangeResult{}, apperr.ErrRateLimited
	}

	record, err := l.verifications.RedeemAndDelete(ctx, controlHash, codeHash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ExchangeResult{}, apperr.ErrForbidden
		}
		return ExchangeResult{}, fmt.Errorf("%w: redeem code: %v", apperr.ErrUpstreamUnavailable, err)
	}

	if time.Since(record.CreatedAt) > l.codeLifetime {
		// The record is already gone; an expired code is terminal either way
		return ExchangeResult{}, apperr.ErrExpired
	}

	tokenID, err := l.tokens.Create(ctx, regID, record.OnsetDate, record.TestType)
	if err != nil {
		// The verification record was deleted above, so this code is burned.
		// Deliberate: a retryable half-redeemed code would weaken the
		// exactly-once guarantee.
		log.Printf("verification %d redeemed but token mint failed: %v", record.ID, err)
		return ExchangeResult{}, err
	}

	return ExchangeResult{
		OnsetDate: record.OnsetDate,
		TestType:  record.TestType,
		Token:     tokenID,
	}, nil
}

// SplitHash splits a submitted 256-character hash into its control and
// full-code halves
func SplitHash(hash string) (control, code string, err error) {
	if len(hash) != 2*hashLength {
		return "", "", fmt.Errorf("%w: hash must be %d characters", apperr.ErrMalformed, 2*hashLength)
	}
	return hash[:hashLength], hash[hashLength:], nil
}

// HashCode derives the control and full-code hashes from a plaintext code,
// the way the lab issuance side does: control over the first half of the
// code, full hash over the whole code.
func HashCode(code string) (control, full string) {
	return hashValue(code[:len(code)/2]), hashValue(code)
}

func hashValue(value string) string {
	sum := sha512.Sum512([]byte(value))
	return hex.EncodeToString(sum[:])
}
