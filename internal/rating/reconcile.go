package rating

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/jackc/pgx/v5"

	"github.com/Clark-Hu/store-rater/internal/domain"
)

// Reconciliation reports the summary of one store before and after a full
// recompute from its rating rows.
type Reconciliation struct {
	StoreID int64                  `json:"storeId"`
	Before  domain.RatingAggregate `json:"before"`
	After   domain.RatingAggregate `json:"after"`
	// Drifted is true when the stored summary (including the stored average)
	// did not match the rating rows and was rewritten.
	Drifted bool `json:"drifted"`
}

const (
	lockStoreSummary = `
        SELECT rating_count, total_rating_value, average_rating
        FROM stores
        WHERE id = $1
        FOR UPDATE
    `

	countRatings = `
        SELECT COUNT(*)::int8, COALESCE(SUM(rating), 0)::float8
        FROM ratings
        WHERE store_id = $1
    `

	overwriteSummary = `
        UPDATE stores
        SET rating_count = $2,
            total_rating_value = $3,
            average_rating = $4,
            updated_at = now()
        WHERE id = $1
    `
)

// averageTolerance absorbs float8 noise when comparing stored averages.
const averageTolerance = 1e-9

// Reconcile recomputes storeID's summary by scanning its ratings and
// overwrites the stored values when they drifted. This is the slow path; the
// steady state is maintained by Submit and Remove.
//
// The store row is locked first. Ratings written by transactions still in
// flight are not counted here, and their delta lands on top of the
// recomputed summary once they get the lock.
func (a *Aggregator) Reconcile(ctx context.Context, storeID int64) (Reconciliation, error) {
	if storeID <= 0 {
		return Reconciliation{}, fmt.Errorf("%w: storeId is required", ErrInvalidValue)
	}

	rec := Reconciliation{StoreID: storeID}
	err := a.inTx(ctx, func(tx pgx.Tx) error {
		var storedAverage float64
		err := tx.QueryRow(ctx, lockStoreSummary, storeID).Scan(&rec.Before.Count, &rec.Before.Total, &storedAverage)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("%w: store %d", ErrNotFound, storeID)
			}
			return err
		}

		if err := tx.QueryRow(ctx, countRatings, storeID).Scan(&rec.After.Count, &rec.After.Total); err != nil {
			return err
		}

		rec.Drifted = rec.Before != rec.After ||
			math.Abs(storedAverage-rec.After.Average()) > averageTolerance
		if !rec.Drifted {
			return nil
		}
		_, err = tx.Exec(ctx, overwriteSummary, storeID, rec.After.Count, rec.After.Total, rec.After.Average())
		return err
	})
	if err != nil {
		return Reconciliation{}, err
	}
	return rec, nil
}

// ReconcileAll runs Reconcile for every store, one transaction per store, and
// returns the stores whose summary had drifted. It stops at the first error.
func (a *Aggregator) ReconcileAll(ctx context.Context) ([]Reconciliation, int, error) {
	rows, err := a.db.Query(ctx, `SELECT id FROM stores ORDER BY id`)
	if err != nil {
		return nil, 0, classify(err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, 0, classify(err)
	}

	drifted := make([]Reconciliation, 0)
	for i, id := range ids {
		rec, err := a.Reconcile(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return drifted, i, err
		}
		if rec.Drifted {
			drifted = append(drifted, rec)
		}
	}
	return drifted, len(ids), nil
}
