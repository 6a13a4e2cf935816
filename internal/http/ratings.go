package httpserver

import (
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/Clark-Hu/store-rater/internal/domain"
	"github.com/Clark-Hu/store-rater/internal/rating"
	"github.com/Clark-Hu/store-rater/internal/repository"
)

type ratingRequest struct {
	UserID     int64   `json:"userId"`
	Rating     int     `json:"rating"`
	ReviewText *string `json:"reviewText"`
}

type removeRatingRequest struct {
	UserID int64 `json:"userId"`
}

type ratingResponse struct {
	ID             int64     `json:"id"`
	UserID         int64     `json:"userId"`
	StoreID        int64     `json:"storeId"`
	Rating         int       `json:"rating"`
	ReviewText     *string   `json:"reviewText,omitempty"`
	PreviousRating *int      `json:"previousRating,omitempty"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

type submitRatingResponse struct {
	Store  storeResponse  `json:"store"`
	Rating ratingResponse `json:"rating"`
}

type storeRaterResponse struct {
	UserID     int64     `json:"userId"`
	Name       string    `json:"name"`
	Email      string    `json:"email"`
	Rating     int       `json:"rating"`
	ReviewText *string   `json:"reviewText,omitempty"`
	RatedAt    time.Time `json:"ratedAt"`
}

type storeRatersResponse struct {
	StoreID       int64                `json:"storeId"`
	AverageRating float64              `json:"averageRating"`
	RatingCount   int64                `json:"ratingCount"`
	Items         []storeRaterResponse `json:"items"`
}

type userRatingResponse struct {
	StoreID    int64     `json:"storeId"`
	StoreName  string    `json:"storeName"`
	Rating     int       `json:"rating"`
	ReviewText *string   `json:"reviewText,omitempty"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

type userRatingsResponse struct {
	UserID int64                `json:"userId"`
	Items  []userRatingResponse `json:"items"`
}

// handleSubmitRating creates or replaces the caller's rating of a store and
// answers with the updated store summary: 201 for a new rating, 200 for a
// replacement.
func (s *Server) handleSubmitRating(w http.ResponseWriter, r *http.Request) {
	storeID, err := parseIDParam(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}

	var req ratingRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		s.respondDecodeError(w, err)
		return
	}

	res, err := s.agg.Submit(r.Context(), rating.Submission{
		UserID:     req.UserID,
		StoreID:    storeID,
		Value:      req.Rating,
		ReviewText: normalizeStringPtr(req.ReviewText),
	})
	if err != nil {
		s.recordRatingWrite("submit", s.respondRatingError(w, r, err))
		return
	}
	s.invalidateStore(r, storeID)

	status, outcome := http.StatusOK, "replaced"
	if res.Created {
		status, outcome = http.StatusCreated, "added"
	}
	s.recordRatingWrite("submit", outcome)

	resp := submitRatingResponse{
		Store:  toStoreResponse(res.Store),
		Rating: toRatingResponse(res.Rating),
	}
	resp.Rating.PreviousRating = res.Previous
	s.respondJSON(w, status, resp)
}

func (s *Server) handleRemoveRating(w http.ResponseWriter, r *http.Request) {
	storeID, err := parseIDParam(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}

	var req removeRatingRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		s.respondDecodeError(w, err)
		return
	}

	st, err := s.agg.Remove(r.Context(), req.UserID, storeID)
	if err != nil {
		s.recordRatingWrite("remove", s.respondRatingError(w, r, err))
		return
	}
	s.invalidateStore(r, storeID)
	s.recordRatingWrite("remove", "removed")

	s.respondJSON(w, http.StatusOK, map[string]storeResponse{"store": toStoreResponse(st)})
}

// handleGetRating returns one user's rating of a store, the "my rating" view.
func (s *Server) handleGetRating(w http.ResponseWriter, r *http.Request) {
	storeID, err := parseIDParam(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	userID, err := parsePositiveParam(r, "userId")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}

	rt, err := s.repo.Ratings.Get(r.Context(), userID, storeID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "NOT_FOUND", "Resource not found")
			return
		}
		s.log(r).Error("fetch rating failed", zap.Int64("store_id", storeID), zap.Int64("user_id", userID), zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to fetch rating")
		return
	}
	s.respondJSON(w, http.StatusOK, toRatingResponse(rt))
}

// handleListStoreRatings is the owner view of a store: its summary and who
// rated it.
func (s *Server) handleListStoreRatings(w http.ResponseWriter, r *http.Request) {
	storeID, err := parseIDParam(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}

	st, err := s.repo.Stores.GetByID(r.Context(), storeID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "NOT_FOUND", "Resource not found")
			return
		}
		s.log(r).Error("fetch store for raters failed", zap.Int64("store_id", storeID), zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list ratings")
		return
	}

	raters, err := s.repo.Ratings.ListByStore(r.Context(), storeID)
	if err != nil {
		s.log(r).Error("list store raters failed", zap.Int64("store_id", storeID), zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list ratings")
		return
	}

	items := make([]storeRaterResponse, 0, len(raters))
	for _, rater := range raters {
		items = append(items, storeRaterResponse{
			UserID:     rater.UserID,
			Name:       rater.Name,
			Email:      rater.Email,
			Rating:     rater.Value,
			ReviewText: rater.ReviewText,
			RatedAt:    rater.RatedAt,
		})
	}
	s.respondJSON(w, http.StatusOK, storeRatersResponse{
		StoreID:       st.ID,
		AverageRating: st.AverageRating,
		RatingCount:   st.RatingCount,
		Items:         items,
	})
}

func (s *Server) handleListUserRatings(w http.ResponseWriter, r *http.Request) {
	userID, err := parseIDParam(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}

	if _, err := s.repo.Users.GetByID(r.Context(), userID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "NOT_FOUND", "Resource not found")
			return
		}
		s.log(r).Error("fetch user failed", zap.Int64("user_id", userID), zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list ratings")
		return
	}

	ratings, err := s.repo.Ratings.ListByUser(r.Context(), userID)
	if err != nil {
		s.log(r).Error("list user ratings failed", zap.Int64("user_id", userID), zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list ratings")
		return
	}

	items := make([]userRatingResponse, 0, len(ratings))
	for _, ur := range ratings {
		items = append(items, userRatingResponse{
			StoreID:    ur.StoreID,
			StoreName:  ur.StoreName,
			Rating:     ur.Value,
			ReviewText: ur.ReviewText,
			UpdatedAt:  ur.UpdatedAt,
		})
	}
	s.respondJSON(w, http.StatusOK, userRatingsResponse{UserID: userID, Items: items})
}

func toRatingResponse(rt domain.Rating) ratingResponse {
	return ratingResponse{
		ID:         rt.ID,
		UserID:     rt.UserID,
		StoreID:    rt.StoreID,
		Rating:     rt.Value,
		ReviewText: rt.ReviewText,
		UpdatedAt:  rt.UpdatedAt,
	}
}
