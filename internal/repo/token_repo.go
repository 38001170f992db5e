package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tracelight/server/internal/model"
)

// Surface identifies which upload a token consumption authorizes. The same
// token carries an independent consumed marker per surface.
type Surface string

const (
	SurfaceKeys   Surface = "keys"
	SurfaceVenues Surface = "venues"
)

// column maps a surface to its marker column. Identifiers cannot be
// parameterized, so unknown surfaces are rejected before building SQL.
func (s Surface) column() (string, error) {
	switch s {
	case SurfaceKeys:
		return "keys_uploaded", nil
	case SurfaceVenues:
		return "venues_uploaded", nil
	}
	return "", fmt.Errorf("unknown upload surface %q", string(s))
}

// TokenRepo defines the interface for upload token repository operations
type TokenRepo interface {
	Create(ctx context.Context, regID uuid.UUID, onsetDate *time.Time, testType model.TestType) (uuid.UUID, error)
	Consume(ctx context.Context, tokenID, regID uuid.UUID, surface Surface) (model.UploadToken, error)
	GetByID(ctx context.Context, tokenID uuid.UUID) (model.UploadToken, error)
}

type tokenRepo struct {
	db *sql.DB
}

// NewTokenRepo creates a new TokenRepo instance
func NewTokenRepo(db *sql.DB) TokenRepo {
	return &tokenRepo{db: db}
}

// Create inserts a new upload token bound to the registration and onset metadata
func (r *tokenRepo) Create(ctx context.Context, regID uuid.UUID, onsetDate *time.Time, testType model.TestType) (uuid.UUID, error) {
	var idStr string
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO upload_tokens (reg_id, onset_date, test_type)
		VALUES ($1, $2, $3)
		RETURNING id
	`, regID, onsetDate, testType).Scan(&idStr)
	if err != nil {
		return uuid.Nil, fmt.Errorf("insert upload token: %w", err)
	}

	id, err := uuid.Parse(idStr)
	if err != nil {
		return uuid.Nil, fmt.Errorf("parse token ID: %w", err)
	}
	return id, nil
}

// Consume sets the surface marker if and only if it is still null, returning
// the row. Zero rows affected means the token is unknown, belongs to another
// registration, or was already consumed on that surface; all three come back
// as sql.ErrNoRows so callers cannot tell them apart.
func (r *tokenRepo) Consume(ctx context.Context, tokenID, regID uuid.UUID, surface Surface) (model.UploadToken, error) {
	column, err := surface.column()
	if err != nil {
		return model.UploadToken{}, err
	}

	query := fmt.Sprintf(`
		UPDATE upload_tokens
		SET %[1]s = CURRENT_TIMESTAMP
		WHERE id = $1 AND reg_id = $2 AND %[1]s IS NULL
		RETURNING id, reg_id, created_at, onset_date, test_type
	`, column)

	var token model.UploadToken
	var idStr, regStr string
	err = r.db.QueryRowContext(ctx, query, tokenID, regID).Scan(
		&idStr,
		&regStr,
		&token.CreatedAt,
		&token.OnsetDate,
		&token.TestType,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return model.UploadToken{}, err
		}
		return model.UploadToken{}, fmt.Errorf("consume upload token: %w", err)
	}

	if token.ID, err = uuid.Parse(idStr); err != nil {
		return model.UploadToken{}, fmt.Errorf("parse token ID: %w", err)
	}
	if token.RegistrationID, err = uuid.Parse(regStr); err != nil {
		return model.UploadToken{}, fmt.Errorf("parse token reg ID: %w", err)
	}
	return token, nil
}

// GetByID loads a token without consuming anything (test attestation path)
func (r *tokenRepo) GetByID(ctx context.Context, tokenID uuid.UUID) (model.UploadToken, error) {
	var token model.UploadToken
	var idStr, regStr string
	err := r.db.QueryRowContext(ctx, `
		SELECT id, reg_id, created_at, onset_date, test_type, keys_uploaded, venues_uploaded
		FROM upload_tokens
		WHERE id = $1
	`, tokenID).Scan(
		&idStr,
		&regStr,
		&token.CreatedAt,
		&token.OnsetDate,
		&token.TestType,
		&token.KeysUploaded,
		&token.VenuesUploaded,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return model.UploadToken{}, err
		}
		return model.UploadToken{}, fmt.Errorf("query upload token: %w", err)
	}

	if token.ID, err = uuid.Parse(idStr); err != nil {
		return model.UploadToken{}, fmt.Errorf("parse token ID: %w", err)
	}
	if token.RegistrationID, err = uuid.Parse(regStr); err != nil {
		return model.UploadToken{}, fmt.Errorf("parse token reg ID: %w", err)
	}
	return token, nil
}
