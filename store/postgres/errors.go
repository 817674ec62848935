package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/warp/allowance-engine/billing"
)

// mapError converts pgx/pgconn errors to billing errors. notFound is the
// sentinel reported for missing rows and foreign key violations.
// context.DeadlineExceeded and context.Canceled are NOT mapped; they pass through.
func mapError(err error, entity, id string, notFound error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s %s: %w", entity, id, err)
	}

	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", entity, id, notFound)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return fmt.Errorf("%s %s: %w", entity, id, billing.ErrAlreadyExists)
		case "23503": // foreign_key_violation
			return fmt.Errorf("%s %s: %w", entity, id, notFound)
		case "23514": // check_violation
			return fmt.Errorf("%s %s: %w", entity, id, billing.ErrInvalidInput)
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return fmt.Errorf("%s %s: %w", entity, id, billing.ErrConcurrentModification)
		}
	}

	return fmt.Errorf("%s %s: %w", entity, id, err)
}
