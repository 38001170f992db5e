// Package exposure validates and stores submitted temporary exposure keys.
package exposure

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/tracelight/server/internal/apperr"
	"github.com/tracelight/server/internal/model"
	"github.com/tracelight/server/internal/repo"
)

// rollingInterval is the length of one rolling-start-number interval
const rollingInterval = 10 * time.Minute

const (
	maxRollingPeriod     = 144
	maxTransmissionRisk  = 8
	exposureKeyByteCount = 16
)

// Key is one candidate temporary exposure key as submitted
type Key struct {
	Key                   string
	RollingStartNumber    int64
	RollingPeriod         int
	TransmissionRiskLevel int
}

// Binding ties a key batch to an attestation-style upload: the HMAC of the
// canonical serialization under HMACKey must equal ClaimedDigest.
type Binding struct {
	HMACKey       []byte
	ClaimedDigest string
}

// Service validates, filters and persists exposure keys
type Service struct {
	exposures repo.ExposureRepo
	maxKeys   int
	now       func() time.Time
}

// NewService creates a Service. maxKeys caps the accepted batch size.
func NewService(exposures repo.ExposureRepo, maxKeys int) *Service {
	return &Service{
		exposures: exposures,
		maxKeys:   maxKeys,
		now:       time.Now,
	}
}

// Ingest runs the full §-ordered pipeline: binding check, batch cap, per-key
// validation and onset filtering, days-since-onset, bulk insert. The returned
// count is the number of rows actually inserted; filtered and duplicate keys
// simply reduce it.
func (s *Service) Ingest(ctx context.Context, candidates []Key, binding *Binding, onsetDate *time.Time, testType model.TestType, regions []string) (int, error) {
	if binding != nil {
		if err := VerifyBinding(candidates, binding.HMACKey, binding.ClaimedDigest); err != nil {
			return 0, err
		}
	}

	if len(candidates) > s.maxKeys {
		return 0, fmt.Errorf("%w: too many keys", apperr.ErrMalformed)
	}

	now := s.now()
	keys := make([]model.ExposureKey, 0, len(candidates))
	for _, candidate := range candidates {
		decoded, err := base64.StdEncoding.DecodeString(candidate.Key)
		if err != nil || len(decoded) != exposureKeyByteCount {
			return 0, fmt.Errorf("%w: invalid key length", apperr.ErrMalformed)
		}
		if candidate.RollingPeriod < 1 || candidate.RollingPeriod > maxRollingPeriod {
			return 0, fmt.Errorf("%w: invalid rolling period", apperr.ErrMalformed)
		}
		if candidate.TransmissionRiskLevel < 0 || candidate.TransmissionRiskLevel > maxTransmissionRisk {
			return 0, fmt.Errorf("%w: invalid transmission risk level", apperr.ErrMalformed)
		}

		startTime := time.Unix(candidate.RollingStartNumber*600, 0)
		if startTime.After(now) {
			return 0, fmt.Errorf("%w: future keys are not accepted", apperr.ErrMalformed)
		}

		// Keys whose active window ended before onset carry no risk signal;
		// they are dropped silently, not rejected
		endTime := startTime.Add(time.Duration(candidate.RollingPeriod) * rollingInterval)
		if onsetDate != nil && !endTime.After(*onsetDate) {
			continue
		}

		keys = append(keys, model.ExposureKey{
			KeyData:               candidate.Key,
			RollingStartNumber:    candidate.RollingStartNumber,
			RollingPeriod:         candidate.RollingPeriod,
			TransmissionRiskLevel: candidate.TransmissionRiskLevel,
			Regions:               regions,
			TestType:              testType,
			DaysSinceOnset:        DaysSinceOnset(startTime, onsetDate),
		})
	}

	if len(keys) == 0 {
		return 0, nil
	}

	inserted, err := s.exposures.BulkInsert(ctx, keys)
	if err != nil {
		return 0, fmt.Errorf("%w: store exposures: %v", apperr.ErrUpstreamUnavailable, err)
	}
	return inserted, nil
}

// CanonicalString serializes a key batch deterministically: keys sorted
// lexicographically, each rendered key.rollingStartNumber.rollingPeriod.risk,
// comma-joined. Both sides of the HMAC binding must agree on this form.
func CanonicalString(keys []Key) string {
	sorted := make([]Key, len(keys))
	copy(sorted, keys)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Key < sorted[j].Key
	})

	parts := make([]string, len(sorted))
	for i, key := range sorted {
		parts[i] = fmt.Sprintf("%s.%d.%d.%d", key.Key, key.RollingStartNumber, key.RollingPeriod, key.TransmissionRiskLevel)
	}
	return strings.Join(parts, ",")
}

// VerifyBinding recomputes the batch HMAC and compares it to the claimed digest
func VerifyBinding(keys []Key, hmacKey []byte, claimedDigest string) error {
	mac := hmac.New(sha256.New, hmacKey)
	mac.Write([]byte(CanonicalString(keys)))
	computed := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(computed), []byte(claimedDigest)) {
		return fmt.Errorf("%w: keys do not match HMAC", apperr.ErrForbidden)
	}
	return nil
}

// DaysSinceOnset returns the whole days between a key's start time and the
// onset date; 0 when no onset date is known. Negative values mean the key
// became active before onset.
func DaysSinceOnset(startTime time.Time, onsetDate *time.Time) int {
	if onsetDate == nil {
		return 0
	}
	return int(math.Floor(startTime.Sub(*onsetDate).Hours() / 24))
}
