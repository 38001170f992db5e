package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/lib/pq"
	"github.com/tracelight/server/internal/model"
)

// ExposureRepo defines the interface for exposure key repository operations
type ExposureRepo interface {
	BulkInsert(ctx context.Context, keys []model.ExposureKey) (int, error)
	CountAll(ctx context.Context) (int, error)
}

type exposureRepo struct {
	db *sql.DB
}

// NewExposureRepo creates a new ExposureRepo instance
func NewExposureRepo(db *sql.DB) ExposureRepo {
	return &exposureRepo{db: db}
}

// BulkInsert stores the keys in one statement. Duplicate key_data rows are
// skipped via the unique constraint, so re-submission is idempotent; the
// returned count covers only rows actually inserted.
func (r *exposureRepo) BulkInsert(ctx context.Context, keys []model.ExposureKey) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}

	var sb strings.Builder
	sb.WriteString(`INSERT INTO exposures
		(key_data, rolling_start_number, rolling_period, transmission_risk_level, regions, test_type, days_since_onset)
		VALUES `)

	args := make([]interface{}, 0, len(keys)*7)
	for i, key := range keys {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * 7
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7)
		args = append(args,
			key.KeyData,
			key.RollingStartNumber,
			key.RollingPeriod,
			key.TransmissionRiskLevel,
			pq.Array(key.Regions),
			key.TestType,
			key.DaysSinceOnset,
		)
	}
	sb.WriteString(" ON CONFLICT ON CONSTRAINT exposures_key_data_unique DO NOTHING")

	result, err := r.db.ExecContext(ctx, sb.String(), args...)
	if err != nil {
		return 0, fmt.Errorf("insert exposures: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("insert exposures rows: %w", err)
	}
	return int(n), nil
}

// CountAll returns the total number of stored exposure keys
func (r *exposureRepo) CountAll(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM exposures`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count exposures: %w", err)
	}
	return count, nil
}
