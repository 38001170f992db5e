// Package token manages upload tokens: opaque single-use capabilities bound
// to a registration and onset metadata.
package token

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tracelight/server/internal/apperr"
	"github.com/tracelight/server/internal/model"
	"github.com/tracelight/server/internal/repo"
)

// Manager creates and consumes upload tokens
type Manager struct {
	tokens   repo.TokenRepo
	lifetime time.Duration
}

// NewManager creates a Manager enforcing the given token lifetime
func NewManager(tokens repo.TokenRepo, lifetime time.Duration) *Manager {
	return &Manager{
		tokens:   tokens,
		lifetime: lifetime,
	}
}

// Create issues a new token for the registration
func (m *Manager) Create(ctx context.Context, regID uuid.UUID, onsetDate *time.Time, testType model.TestType) (uuid.UUID, error) {
	id, err := m.tokens.Create(ctx, regID, onsetDate, testType)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: create upload token: %v", apperr.ErrUpstreamUnavailable, err)
	}
	return id, nil
}

// Consume marks the token consumed on the given surface and returns its
// metadata. Unknown, foreign and already-consumed tokens are
// indistinguishable to the caller. The lifetime check runs after marking:
// a timed-out token stays consumed so the client cannot retry the write.
func (m *Manager) Consume(ctx context.Context, tokenID, regID uuid.UUID, surface repo.Surface) (model.UploadToken, error) {
	tok, err := m.tokens.Consume(ctx, tokenID, regID, surface)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.UploadToken{}, apperr.ErrForbidden
		}
		return model.UploadToken{}, fmt.Errorf("%w: consume upload token: %v", apperr.ErrUpstreamUnavailable, err)
	}

	if time.Since(tok.CreatedAt) > m.lifetime {
		return model.UploadToken{}, apperr.ErrExpired
	}
	return tok, nil
}
