package repo

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/tracelight/server/internal/model"
)

// retentionDays is how long an export file stays servable. Rows may persist
// beyond this but the cursor never returns them.
const retentionDays = 14

// ExportRepo defines the interface for export file lookups. Files themselves
// are produced by an external batch job; this side is read-only.
type ExportRepo interface {
	NextFile(ctx context.Context, region string, sinceFileID int64) (model.ExportFile, error)
	MinimumLiveID(ctx context.Context, region string) (int64, bool, error)
}

type exportRepo struct {
	db *sql.DB
}

// NewExportRepo creates a new ExportRepo instance
func NewExportRepo(db *sql.DB) ExportRepo {
	return &exportRepo{db: db}
}

// NextFile selects the single file the caller needs next: among files for the
// region still inside the retention window, the one whose since_exposure_id
// is the smallest value >= the last_exposure_id of the file the caller
// already has. Ties prefer denser files. sql.ErrNoRows means caught up.
func (r *exportRepo) NextFile(ctx context.Context, region string, sinceFileID int64) (model.ExportFile, error) {
	var file model.ExportFile
	err := r.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT id, region, path, since_exposure_id, last_exposure_id, exposure_count, first_exposure_created_at
		FROM exposure_export_files
		WHERE region = $1
		AND first_exposure_created_at >= CURRENT_TIMESTAMP - INTERVAL '%d days'
		AND since_exposure_id >= (
			SELECT COALESCE(MAX(last_exposure_id), 0)
			FROM exposure_export_files
			WHERE id = $2 AND region = $1
		)
		ORDER BY since_exposure_id ASC, exposure_count DESC
		LIMIT 1
	`, retentionDays), region, sinceFileID).Scan(
		&file.ID,
		&file.Region,
		&file.Path,
		&file.SinceExposureID,
		&file.LastExposureID,
		&file.ExposureCount,
		&file.FirstExposureCreatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return model.ExportFile{}, err
		}
		return model.ExportFile{}, fmt.Errorf("select next export file: %w", err)
	}
	return file, nil
}

// MinimumLiveID returns the smallest file id for the region still inside the
// retention window. The boolean is false when the region has no live files.
func (r *exportRepo) MinimumLiveID(ctx context.Context, region string) (int64, bool, error) {
	var earliest sql.NullInt64
	err := r.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT MIN(id)
		FROM exposure_export_files
		WHERE region = $1
		AND first_exposure_created_at >= CURRENT_TIMESTAMP - INTERVAL '%d days'
	`, retentionDays), region).Scan(&earliest)
	if err != nil {
		return 0, false, fmt.Errorf("select minimum export file: %w", err)
	}
	if !earliest.Valid {
		return 0, false, nil
	}
	return earliest.Int64, true, nil
}
