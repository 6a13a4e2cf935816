package rating

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// Error kinds returned by the aggregator. Callers match them with errors.Is.
var (
	ErrInvalidValue = errors.New("rating: invalid value")
	ErrNotFound     = errors.New("rating: not found")
	ErrConflict     = errors.New("rating: concurrent write conflict")
	ErrStorage      = errors.New("rating: storage failure")
)

const (
	sqlStateForeignKeyViolation  = "23503"
	sqlStateSerializationFailure = "40001"
	sqlStateDeadlockDetected     = "40P01"
)

// classify tags a transaction error with one of the error kinds. Errors that
// already carry a kind pass through unchanged.
func classify(err error) error {
	if err == nil {
		return nil
	}
	for _, kind := range []error{ErrInvalidValue, ErrNotFound, ErrConflict, ErrStorage} {
		if errors.Is(err, kind) {
			return err
		}
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case sqlStateSerializationFailure, sqlStateDeadlockDetected:
			return fmt.Errorf("%w: %w", ErrConflict, err)
		case sqlStateForeignKeyViolation:
			return fmt.Errorf("%w: %s", ErrNotFound, pgErr.Detail)
		}
	}
	return fmt.Errorf("%w: %w", ErrStorage, err)
}
