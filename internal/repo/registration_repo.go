package repo

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// RegistrationRepo defines the interface for registration repository operations
type RegistrationRepo interface {
	Create(ctx context.Context) (uuid.UUID, error)
	Exists(ctx context.Context, id uuid.UUID) (bool, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

type registrationRepo struct {
	db *sql.DB
}

// NewRegistrationRepo creates a new RegistrationRepo instance
func NewRegistrationRepo(db *sql.DB) RegistrationRepo {
	return &registrationRepo{db: db}
}

// Create inserts a new registration row and returns its id
func (r *registrationRepo) Create(ctx context.Context) (uuid.UUID, error) {
	var idStr string
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO registrations DEFAULT VALUES
		RETURNING id
	`).Scan(&idStr)
	if err != nil {
		return uuid.Nil, fmt.Errorf("insert registration: %w", err)
	}

	id, err := uuid.Parse(idStr)
	if err != nil {
		return uuid.Nil, fmt.Errorf("parse registration ID: %w", err)
	}
	return id, nil
}

// Exists reports whether a registration with the given id is present
func (r *registrationRepo) Exists(ctx context.Context, id uuid.UUID) (bool, error) {
	var found int
	err := r.db.QueryRowContext(ctx, `
		SELECT 1 FROM registrations WHERE id = $1
	`, id).Scan(&found)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query registration: %w", err)
	}
	return true, nil
}

// Delete removes a registration (user-initiated forget). Upload tokens
// cascade with the row.
func (r *registrationRepo) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM registrations WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("delete registration: %w", err)
	}
	return nil
}
