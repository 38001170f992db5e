// Package export serves the incremental export-file cursor consumed by
// clients pulling key updates. File generation itself is an external batch
// job; this side only decides which file a caller needs next.
package export

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"

	"github.com/tracelight/server/internal/apperr"
	"github.com/tracelight/server/internal/model"
	"github.com/tracelight/server/internal/repo"
)

// minListLimit is the floor applied to a caller-supplied file list limit;
// export files are generated so one file catches any client up, so a handful
// is always enough.
const minListLimit = 6

// FileRef is what clients receive per export file
type FileRef struct {
	ID   int64  `json:"id"`
	Path string `json:"path"`
}

// Cursor answers "which file next" queries over the export file table
type Cursor struct {
	files repo.ExportRepo
}

// NewCursor creates a Cursor
func NewCursor(files repo.ExportRepo) *Cursor {
	return &Cursor{files: files}
}

// NextFile returns the one file the caller needs to catch up from
// sinceFileID, or ok=false when the caller is up to date.
func (c *Cursor) NextFile(ctx context.Context, region string, sinceFileID int64) (model.ExportFile, bool, error) {
	file, err := c.files.NextFile(ctx, region, sinceFileID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.ExportFile{}, false, nil
		}
		return model.ExportFile{}, false, fmt.Errorf("%w: next export file: %v", apperr.ErrUpstreamUnavailable, err)
	}
	return file, true, nil
}

// IsStale reports whether the caller's cursor predates the oldest retained
// file, i.e. files have already aged out that the caller never saw. A
// telemetry signal, not an error: the caller proceeds with partial data.
func (c *Cursor) IsStale(ctx context.Context, region string, sinceFileID int64) (bool, error) {
	if sinceFileID <= 0 {
		return false, nil
	}

	earliest, found, err := c.files.MinimumLiveID(ctx, region)
	if err != nil {
		return false, fmt.Errorf("%w: minimum export file: %v", apperr.ErrUpstreamUnavailable, err)
	}
	if !found {
		return false, nil
	}
	if sinceFileID < earliest {
		log.Printf("old export file requested: region=%s since=%d earliest=%d", region, sinceFileID, earliest)
		return true, nil
	}
	return false, nil
}

// ListFiles walks NextFile so a lagging client still gets a bounded list in
// one request. Repeated calls with the same arguments return the same refs.
func (c *Cursor) ListFiles(ctx context.Context, region string, sinceFileID int64, limit int) ([]FileRef, error) {
	if limit < minListLimit {
		limit = minListLimit
	}

	files := make([]FileRef, 0, limit)
	next := sinceFileID
	for len(files) < limit {
		file, ok, err := c.NextFile(ctx, region, next)
		if err != nil {
			return nil, err
		}
		if !ok || file.ID == next {
			break
		}
		files = append(files, FileRef{ID: file.ID, Path: file.Path})
		next = file.ID
	}
	return files, nil
}
