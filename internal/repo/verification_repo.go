package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/tracelight/server/internal/model"
)

// VerificationRepo defines the interface for verification code repository operations
type VerificationRepo interface {
	Insert(ctx context.Context, control, code string, onsetDate *time.Time, testType model.TestType) (int64, error)
	RedeemAndDelete(ctx context.Context, control, code string) (model.VerificationRecord, error)
}

type verificationRepo struct {
	db *sql.DB
}

// NewVerificationRepo creates a new VerificationRepo instance
func NewVerificationRepo(db *sql.DB) VerificationRepo {
	return &verificationRepo{db: db}
}

// Insert stores an issued code (lab-issuance side). Re-issuing the same
// control+code pair bumps send_count instead of duplicating the row.
func (r *verificationRepo) Insert(ctx context.Context, control, code string, onsetDate *time.Time, testType model.TestType) (int64, error) {
	var id int64
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO verifications (control, code, onset_date, test_type)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT ON CONSTRAINT verifications_control_code_unique
		DO UPDATE SET send_count = verifications.send_count + 1, last_updated_at = now()
		RETURNING id
	`, control, code, onsetDate, testType).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert verification: %w", err)
	}
	return id, nil
}

// RedeemAndDelete atomically locates and deletes the record matching the
// control+code pair, returning its metadata. A redemption is a destructive
// read: losing a concurrent race yields sql.ErrNoRows exactly like a wrong
// code does.
func (r *verificationRepo) RedeemAndDelete(ctx context.Context, control, code string) (model.VerificationRecord, error) {
	var record model.VerificationRecord
	err := r.db.QueryRowContext(ctx, `
		DELETE FROM verifications
		WHERE control = $1 AND code = $2
		RETURNING id, control, code, created_at, onset_date, test_type, send_count
	`, control, code).Scan(
		&record.ID,
		&record.Control,
		&record.Code,
		&record.CreatedAt,
		&record.OnsetDate,
		&record.TestType,
		&record.SendCount,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return model.VerificationRecord{}, err
		}
		return model.VerificationRecord{}, fmt.Errorf("redeem verification: %w", err)
	}
	return record, nil
}
