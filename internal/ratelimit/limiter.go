// Package ratelimit implements "touch-if-elapsed" rate limiting as single
// atomic conditional updates against the registrations table. There is no
// in-memory state: the database row is the only synchronization point, so
// concurrent callers for the same subject cannot both observe "not yet
// touched".
package ratelimit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Column identifiers a Limiter may be bound to. SQL identifiers cannot be
// parameterized, so anything outside this set is rejected at construction.
var allowedColumns = map[string]bool{
	"last_verification_attempt": true,
	"last_callback":             true,
	"last_check_in":             true,
	"last_notice":               true,
}

var allowedCounters = map[string]bool{
	"callback_request_count": true,
}

// Limiter performs atomic touch-if-elapsed updates on one timestamp column
// of the registrations table.
type Limiter struct {
	db         *sql.DB
	timeColumn string
	counter    string
}

// NewLimiter creates a limiter bound to the given timestamp column.
func NewLimiter(db *sql.DB, timeColumn string) (*Limiter, error) {
	if !allowedColumns[timeColumn] {
		return nil, fmt.Errorf("unknown rate limit column %q", timeColumn)
	}
	return &Limiter{db: db, timeColumn: timeColumn}, nil
}

// NewBudgetLimiter creates a limiter that also tracks a rolling request counter.
func NewBudgetLimiter(db *sql.DB, timeColumn, counterColumn string) (*Limiter, error) {
	if !allowedColumns[timeColumn] {
		return nil, fmt.Errorf("unknown rate limit column %q", timeColumn)
	}
	if !allowedCounters[counterColumn] {
		return nil, fmt.Errorf("unknown rate limit counter %q", counterColumn)
	}
	return &Limiter{db: db, timeColumn: timeColumn, counter: counterColumn}, nil
}

// TouchIfElapsed advances the timestamp to now if it is null or older than
// interval. Returns false (and makes no change) when the subject acted too
// recently or does not exist.
func (l *Limiter) TouchIfElapsed(ctx context.Context, id uuid.UUID, interval time.Duration) (bool, error) {
	query := fmt.Sprintf(`
		UPDATE registrations
		SET %[1]s = CURRENT_TIMESTAMP
		WHERE id = $1 AND (
			%[1]s IS NULL OR
			%[1]s < CURRENT_TIMESTAMP - $2::INTERVAL
		)
	`, l.timeColumn)

	result, err := l.db.ExecContext(ctx, query, id, pgInterval(interval))
	if err != nil {
		return false, fmt.Errorf("touch %s: %w", l.timeColumn, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("touch %s rows: %w", l.timeColumn, err)
	}
	return n == 1, nil
}

// TouchIfNever advances the timestamp only if it has never been set (the
// "one action, ever" regime).
func (l *Limiter) TouchIfNever(ctx context.Context, id uuid.UUID) (bool, error) {
	query := fmt.Sprintf(`
		UPDATE registrations
		SET %[1]s = CURRENT_TIMESTAMP
		WHERE id = $1 AND %[1]s IS NULL
	`, l.timeColumn)

	result, err := l.db.ExecContext(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("touch %s: %w", l.timeColumn, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("touch %s rows: %w", l.timeColumn, err)
	}
	return n == 1, nil
}

// TouchIfNewDay advances the timestamp only if it was last set before today
// (the once-per-calendar-day regime).
func (l *Limiter) TouchIfNewDay(ctx context.Context, id uuid.UUID) (bool, error) {
	query := fmt.Sprintf(`
		UPDATE registrations
		SET %[1]s = CURRENT_TIMESTAMP
		WHERE id = $1 AND (
			%[1]s IS NULL OR
			%[1]s < CURRENT_DATE
		)
	`, l.timeColumn)

	result, err := l.db.ExecContext(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("touch %s: %w", l.timeColumn, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("touch %s rows: %w", l.timeColumn, err)
	}
	return n == 1, nil
}

// TouchIfWithinBudget allows up to maxCount actions inside one interval
// window. The counter resets to 1 whenever the interval has elapsed and
// otherwise increments; once it reaches maxCount further calls are blocked
// until the interval since the last allowed action passes.
func (l *Limiter) TouchIfWithinBudget(ctx context.Context, id uuid.UUID, interval time.Duration, maxCount int) (bool, error) {
	if l.counter == "" {
		return false, fmt.Errorf("limiter for %s has no counter column", l.timeColumn)
	}

	// SET expressions see the pre-update row, so the CASE and the WHERE
	// predicate evaluate against the same state.
	query := fmt.Sprintf(`
		UPDATE registrations
		SET %[2]s = CASE
				WHEN %[1]s IS NULL OR %[1]s < CURRENT_TIMESTAMP - $2::INTERVAL THEN 1
				ELSE %[2]s + 1
			END,
			%[1]s = CURRENT_TIMESTAMP
		WHERE id = $1 AND (
			%[1]s IS NULL OR
			%[1]s < CURRENT_TIMESTAMP - $2::INTERVAL OR
			%[2]s < $3
		)
	`, l.timeColumn, l.counter)

	result, err := l.db.ExecContext(ctx, query, id, pgInterval(interval), maxCount)
	if err != nil {
		return false, fmt.Errorf("touch %s within budget: %w", l.timeColumn, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("touch %s rows: %w", l.timeColumn, err)
	}
	return n == 1, nil
}

// ControlLimiter rate limits verification attempts sharing a control hash to
// blunt enumeration of codes with a common prefix.
type ControlLimiter struct {
	db *sql.DB
}

// NewControlLimiter creates a ControlLimiter.
func NewControlLimiter(db *sql.DB) *ControlLimiter {
	return &ControlLimiter{db: db}
}

// TouchIfElapsed touches every verification row for the control in one
// statement. The attempt is blocked only when rows exist for the control and
// none could be touched; an unknown control passes through so the caller's
// code lookup fails closed instead.
func (l *ControlLimiter) TouchIfElapsed(ctx context.Context, control string, interval time.Duration) (bool, error) {
	query := `
		WITH matched AS (
			SELECT count(*) AS total FROM verifications WHERE control = $1
		), touched AS (
			UPDATE verifications
			SET last_attempt = CURRENT_TIMESTAMP
			WHERE control = $1 AND (
				last_attempt IS NULL OR
				last_attempt < CURRENT_TIMESTAMP - $2::INTERVAL
			)
			RETURNING id
		)
		SELECT (SELECT total FROM matched), (SELECT count(*) FROM touched)
	`

	var matched, touched int64
	err := l.db.QueryRowContext(ctx, query, control, pgInterval(interval)).Scan(&matched, &touched)
	if err != nil {
		return false, fmt.Errorf("touch control: %w", err)
	}
	return matched == 0 || touched > 0, nil
}

// pgInterval renders a duration as a Postgres interval literal
func pgInterval(d time.Duration) string {
	return fmt.Sprintf("%d secs", int64(d.Seconds()))
}
