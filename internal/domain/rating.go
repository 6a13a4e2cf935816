package domain

import (
	"math"
	"time"
)

const (
	MinRatingValue = 1
	MaxRatingValue = 5

	// averagePrecision is the number of decimals kept in average_rating.
	averagePrecision = 2
)

// Rating is one user's rating of one store. There is at most one per pair.
type Rating struct {
	ID         int64
	UserID     int64
	StoreID    int64
	Value      int
	ReviewText *string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ValidRatingValue reports whether v is an allowed star value.
func ValidRatingValue(v int) bool {
	return v >= MinRatingValue && v <= MaxRatingValue
}

// RatingAggregate is the count and sum of a store's ratings.
type RatingAggregate struct {
	Count int64   `json:"count"`
	Total float64 `json:"total"`
}

// Average is Total/Count rounded to two decimals, or 0 with no ratings.
func (a RatingAggregate) Average() float64 {
	if a.Count <= 0 {
		return 0
	}
	return RoundAverage(a.Total / float64(a.Count))
}

// Apply returns the aggregate after d.
func (a RatingAggregate) Apply(d RatingDelta) RatingAggregate {
	return RatingAggregate{Count: a.Count + d.Count, Total: a.Total + d.Total}
}

// RatingDelta is the change a single rating write makes to an aggregate.
type RatingDelta struct {
	Count int64
	Total float64
}

// AdditionDelta is the delta of a first rating with the given value.
func AdditionDelta(value int) RatingDelta {
	return RatingDelta{Count: 1, Total: float64(value)}
}

// ReplacementDelta is the delta of changing an existing rating.
func ReplacementDelta(previous, value int) RatingDelta {
	return RatingDelta{Total: float64(value - previous)}
}

// RemovalDelta is the delta of deleting a rating.
func RemovalDelta(previous int) RatingDelta {
	return RatingDelta{Count: -1, Total: -float64(previous)}
}

// RoundAverage rounds half away from zero to two decimals, matching
// PostgreSQL's ROUND(numeric, 2).
func RoundAverage(v float64) float64 {
	scale := math.Pow10(averagePrecision)
	return math.Round(v*scale) / scale
}
