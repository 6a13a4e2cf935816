package domain

import "time"

// Store is a rateable shop. RatingCount, TotalRatingValue and AverageRating
// are a summary of the store's ratings and are only written by the rating
// aggregator.
type Store struct {
	ID               int64
	OwnerID          *int64
	Name             string
	Description      string
	Address          string
	Phone            *string
	Website          *string
	Featured         bool
	RatingCount      int64
	TotalRatingValue float64
	AverageRating    float64
	Active           bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Aggregate returns the store's rating summary.
func (s Store) Aggregate() RatingAggregate {
	return RatingAggregate{Count: s.RatingCount, Total: s.TotalRatingValue}
}
