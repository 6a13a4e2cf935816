package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Clark-Hu/store-rater/internal/store"
)

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("repository: not found")

// ErrDuplicate indicates a unique constraint rejected the write.
var ErrDuplicate = errors.New("repository: duplicate")

// Repository aggregates all domain-specific repositories.
type Repository struct {
	Users   *UsersRepository
	Stores  *StoresRepository
	Ratings *RatingsRepository
	pool    *pgxpool.Pool
}

// New constructs a Repository backed by the provided store.
func New(st *store.Store) *Repository {
	return NewWithPool(st.Pool())
}

// NewWithPool allows constructing repositories directly from a pgx pool.
func NewWithPool(pool *pgxpool.Pool) *Repository {
	return &Repository{
		Users:   &UsersRepository{pool: pool},
		Stores:  &StoresRepository{pool: pool},
		Ratings: &RatingsRepository{pool: pool},
		pool:    pool,
	}
}

// Stats are the headline counters of the admin dashboard.
type Stats struct {
	Users   int64
	Stores  int64
	Ratings int64
}

// Stats counts active users, active stores and all ratings.
func (r *Repository) Stats(ctx context.Context) (Stats, error) {
	const query = `
        SELECT (SELECT COUNT(*) FROM users WHERE is_active),
               (SELECT COUNT(*) FROM stores WHERE is_active),
               (SELECT COUNT(*) FROM ratings)
    `
	var s Stats
	if err := r.pool.QueryRow(ctx, query).Scan(&s.Users, &s.Stores, &s.Ratings); err != nil {
		return Stats{}, err
	}
	return s, nil
}
