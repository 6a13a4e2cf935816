package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Clark-Hu/store-rater/internal/domain"
)

// RatingsRepository provides read helpers for ratings. Writes go through the
// rating aggregator so the store summary stays in step.
type RatingsRepository struct {
	pool *pgxpool.Pool
}

// StoreRater is one row of a store owner's rater list.
type StoreRater struct {
	UserID     int64
	Name       string
	Email      string
	Value      int
	ReviewText *string
	RatedAt    time.Time
}

// UserRating is one of a user's ratings together with the store name.
type UserRating struct {
	StoreID    int64
	StoreName  string
	Value      int
	ReviewText *string
	UpdatedAt  time.Time
}

// Get retrieves the rating a user gave a store.
func (r *RatingsRepository) Get(ctx context.Context, userID, storeID int64) (domain.Rating, error) {
	const query = `
        SELECT id, user_id, store_id, rating, review_text, created_at, updated_at
        FROM ratings
        WHERE user_id = $1 AND store_id = $2
    `
	var rating domain.Rating
	err := r.pool.QueryRow(ctx, query, userID, storeID).Scan(
		&rating.ID,
		&rating.UserID,
		&rating.StoreID,
		&rating.Value,
		&rating.ReviewText,
		&rating.CreatedAt,
		&rating.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Rating{}, ErrNotFound
		}
		return domain.Rating{}, err
	}
	return rating, nil
}

// ListByStore returns who rated a store, newest first.
func (r *RatingsRepository) ListByStore(ctx context.Context, storeID int64) ([]StoreRater, error) {
	const query = `
        SELECT u.id, u.name, u.email, r.rating, r.review_text, r.updated_at
        FROM ratings r
        JOIN users u ON u.id = r.user_id
        WHERE r.store_id = $1
        ORDER BY r.updated_at DESC, r.id DESC
    `
	rows, err := r.pool.Query(ctx, query, storeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	raters := make([]StoreRater, 0)
	for rows.Next() {
		var rater StoreRater
		if err := rows.Scan(&rater.UserID, &rater.Name, &rater.Email, &rater.Value, &rater.ReviewText, &rater.RatedAt); err != nil {
			return nil, err
		}
		raters = append(raters, rater)
	}
	return raters, rows.Err()
}

// ListByUser returns a user's ratings, most recently changed first.
func (r *RatingsRepository) ListByUser(ctx context.Context, userID int64) ([]UserRating, error) {
	const query = `
        SELECT s.id, s.name, r.rating, r.review_text, r.updated_at
        FROM ratings r
        JOIN stores s ON s.id = r.store_id
        WHERE r.user_id = $1
        ORDER BY r.updated_at DESC, r.id DESC
    `
	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ratings := make([]UserRating, 0)
	for rows.Next() {
		var ur UserRating
		if err := rows.Scan(&ur.StoreID, &ur.StoreName, &ur.Value, &ur.ReviewText, &ur.UpdatedAt); err != nil {
			return nil, err
		}
		ratings = append(ratings, ur)
	}
	return ratings, rows.Err()
}
