package model

import (
	"time"

	"github.com/google/uuid"
)

// TestType is the diagnosis category attached to a verification code
type TestType string

const (
	TestTypeConfirmed TestType = "confirmed"
	TestTypeLikely    TestType = "likely"
	TestTypeNegative  TestType = "negative"
)

// Valid reports whether t is one of the known test types
func (t TestType) Valid() bool {
	switch t {
	case TestTypeConfirmed, TestTypeLikely, TestTypeNegative:
		return true
	}
	return false
}

// Registration represents one installed app instance
type Registration struct {
	ID                      uuid.UUID
	CreatedAt               time.Time
	LastVerificationAttempt *time.Time
	LastCallback            *time.Time
	CallbackRequestCount    int
	LastCheckIn             *time.Time
	LastNotice              *time.Time
}

// VerificationRecord represents one issued diagnosis code, stored as two hashes:
// control is the stable prefix hash used for per-control rate limiting, code is
// the full hash of the one-time code.
type VerificationRecord struct {
	ID        int64
	Control   string
	Code      string
	CreatedAt time.Time
	OnsetDate *time.Time
	TestType  TestType
	SendCount int
}

// UploadToken is a single-use capability authorizing key or venue uploads.
// Each surface has its own consumed marker; both transition NULL -> timestamp
// exactly once.
type UploadToken struct {
	ID             uuid.UUID
	RegistrationID uuid.UUID
	OnsetDate      *time.Time
	TestType       TestType
	CreatedAt      time.Time
	KeysUploaded   *time.Time
	VenuesUploaded *time.Time
}

// ExposureKey is a temporary exposure key accepted for distribution
type ExposureKey struct {
	ID                    int64
	KeyData               string // base64, decodes to exactly 16 bytes
	RollingStartNumber    int64  // 10-minute epoch index
	RollingPeriod         int    // 1..144
	TransmissionRiskLevel int    // 0..8
	Regions               []string
	TestType              TestType
	DaysSinceOnset        int
	CreatedAt             time.Time
}

// ExportFile references a generated batch of exposure keys for a region
type ExportFile struct {
	ID                     int64
	Region                 string
	Path                   string
	SinceExposureID        int64
	LastExposureID         int64
	ExposureCount          int
	FirstExposureCreatedAt time.Time
}
