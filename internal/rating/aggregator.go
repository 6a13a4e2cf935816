// Package rating keeps each store's rating summary (count, total, average)
// consistent with its rating rows.
//
// Every write runs in one transaction that touches the rating row and then
// applies a delta to the store row with a single UPDATE evaluated by
// PostgreSQL, so concurrent submissions against the same store serialize on
// that row and never lose increments. Submissions for different stores do not
// share any lock.
package rating

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/Clark-Hu/store-rater/internal/domain"
	"github.com/Clark-Hu/store-rater/internal/repository"
)

// DB is satisfied by *pgxpool.Pool.
type DB interface {
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Aggregator is the only writer of the store rating summary columns.
type Aggregator struct {
	db DB
}

// NewAggregator returns an Aggregator running its transactions on db.
func NewAggregator(db DB) *Aggregator {
	return &Aggregator{db: db}
}

// Submission is one user's rating of one store.
type Submission struct {
	UserID     int64
	StoreID    int64
	Value      int
	ReviewText *string
}

// Result is the outcome of a successful Submit.
type Result struct {
	Store  domain.Store
	Rating domain.Rating
	// Created is false when an existing rating was replaced.
	Created bool
	// Previous holds the replaced value when Created is false.
	Previous *int
}

const ratingColumns = `id, user_id, store_id, rating, review_text, created_at, updated_at`

const (
	selectRatingForUpdate = `SELECT rating FROM ratings WHERE user_id = $1 AND store_id = $2 FOR UPDATE`

	insertRating = `
        INSERT INTO ratings (user_id, store_id, rating, review_text)
        VALUES ($1,$2,$3,$4)
        ON CONFLICT (user_id, store_id) DO NOTHING
        RETURNING ` + ratingColumns

	updateRating = `
        UPDATE ratings
        SET rating = $3, review_text = $4, updated_at = now()
        WHERE user_id = $1 AND store_id = $2
        RETURNING ` + ratingColumns

	deleteRating = `DELETE FROM ratings WHERE user_id = $1 AND store_id = $2 RETURNING rating`

	// applyDelta reads the current summary and writes the new one in a
	// single statement. $4 = false lets removals touch inactive stores.
	applyDelta = `
        UPDATE stores
        SET rating_count = rating_count + $2,
            total_rating_value = total_rating_value + $3,
            average_rating = CASE
                WHEN rating_count + $2 > 0
                    THEN ROUND(((total_rating_value + $3) / (rating_count + $2))::numeric, 2)::float8
                ELSE 0
            END,
            updated_at = now()
        WHERE id = $1 AND (is_active OR NOT $4)
        RETURNING ` + repository.StoreColumns
)

// Submit records value as userID's rating of storeID. A first rating adds to
// the store's count and total; a repeated one replaces the previous value.
// Either both the rating and the store summary are written or neither is.
func (a *Aggregator) Submit(ctx context.Context, s Submission) (Result, error) {
	if s.UserID <= 0 || s.StoreID <= 0 {
		return Result{}, fmt.Errorf("%w: userId and storeId are required", ErrInvalidValue)
	}
	if !domain.ValidRatingValue(s.Value) {
		return Result{}, fmt.Errorf("%w: rating must be an integer between %d and %d", ErrInvalidValue, domain.MinRatingValue, domain.MaxRatingValue)
	}

	var res Result
	err := a.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		res, err = submit(ctx, tx, s)
		return err
	})
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

func submit(ctx context.Context, tx pgx.Tx, s Submission) (Result, error) {
	if err := requireActiveUser(ctx, tx, s.UserID); err != nil {
		return Result{}, err
	}
	if err := requireActiveStore(ctx, tx, s.StoreID); err != nil {
		return Result{}, err
	}

	var (
		res      Result
		previous int
	)
	err := tx.QueryRow(ctx, selectRatingForUpdate, s.UserID, s.StoreID).Scan(&previous)
	exists := err == nil
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return Result{}, err
	}

	if !exists {
		res.Rating, err = scanRating(tx.QueryRow(ctx, insertRating, s.UserID, s.StoreID, s.Value, s.ReviewText))
		switch {
		case err == nil:
			res.Created = true
		case errors.Is(err, pgx.ErrNoRows):
			// The same user's concurrent first submission committed in between.
			if err := tx.QueryRow(ctx, selectRatingForUpdate, s.UserID, s.StoreID).Scan(&previous); err != nil {
				return Result{}, err
			}
			exists = true
		default:
			return Result{}, err
		}
	}

	delta := domain.AdditionDelta(s.Value)
	if exists {
		res.Rating, err = scanRating(tx.QueryRow(ctx, updateRating, s.UserID, s.StoreID, s.Value, s.ReviewText))
		if err != nil {
			return Result{}, err
		}
		prev := previous
		res.Previous = &prev
		delta = domain.ReplacementDelta(previous, s.Value)
	}

	res.Store, err = applyStoreDelta(ctx, tx, s.StoreID, delta, true)
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

// Remove deletes userID's rating of storeID and takes it out of the store
// summary. It fails with ErrNotFound when there is no such rating.
func (a *Aggregator) Remove(ctx context.Context, userID, storeID int64) (domain.Store, error) {
	if userID <= 0 || storeID <= 0 {
		return domain.Store{}, fmt.Errorf("%w: userId and storeId are required", ErrInvalidValue)
	}

	var st domain.Store
	err := a.inTx(ctx, func(tx pgx.Tx) error {
		var previous int
		if err := tx.QueryRow(ctx, deleteRating, userID, storeID).Scan(&previous); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("%w: no rating by user %d for store %d", ErrNotFound, userID, storeID)
			}
			return err
		}
		var err error
		st, err = applyStoreDelta(ctx, tx, storeID, domain.RemovalDelta(previous), false)
		return err
	})
	if err != nil {
		return domain.Store{}, err
	}
	return st, nil
}

func applyStoreDelta(ctx context.Context, tx pgx.Tx, storeID int64, d domain.RatingDelta, requireActive bool) (domain.Store, error) {
	st, err := repository.ScanStore(tx.QueryRow(ctx, applyDelta, storeID, d.Count, d.Total, requireActive))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Store{}, fmt.Errorf("%w: store %d", ErrNotFound, storeID)
		}
		return domain.Store{}, err
	}
	return st, nil
}

// requireActiveUser share-locks the user row so it cannot be deactivated
// before the rating commits.
func requireActiveUser(ctx context.Context, tx pgx.Tx, userID int64) error {
	var active bool
	err := tx.QueryRow(ctx, `SELECT is_active FROM users WHERE id = $1 FOR SHARE`, userID).Scan(&active)
	if errors.Is(err, pgx.ErrNoRows) || (err == nil && !active) {
		return fmt.Errorf("%w: user %d", ErrNotFound, userID)
	}
	return err
}

// requireActiveStore is a plain read; the store row is locked later by the
// delta UPDATE, which re-checks is_active. Taking a share lock here would
// deadlock two raters upgrading to the UPDATE lock.
func requireActiveStore(ctx context.Context, tx pgx.Tx, storeID int64) error {
	var active bool
	err := tx.QueryRow(ctx, `SELECT is_active FROM stores WHERE id = $1`, storeID).Scan(&active)
	if errors.Is(err, pgx.ErrNoRows) || (err == nil && !active) {
		return fmt.Errorf("%w: store %d", ErrNotFound, storeID)
	}
	return err
}

// inTx runs fn in a read-committed transaction. A conflict reported by
// PostgreSQL rolls the whole transaction back, so it is retried once; any
// other failure is returned as is.
func (a *Aggregator) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	err := classify(pgx.BeginTxFunc(ctx, a.db, pgx.TxOptions{}, fn))
	if errors.Is(err, ErrConflict) {
		err = classify(pgx.BeginTxFunc(ctx, a.db, pgx.TxOptions{}, fn))
	}
	return err
}

func scanRating(row pgx.Row) (domain.Rating, error) {
	var r domain.Rating
	err := row.Scan(&r.ID, &r.UserID, &r.StoreID, &r.Value, &r.ReviewText, &r.CreatedAt, &r.UpdatedAt)
	return r, err
}
