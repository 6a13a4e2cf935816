package httpserver

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Clark-Hu/store-rater/internal/domain"
	"github.com/Clark-Hu/store-rater/internal/repository"
)

type storeResponse struct {
	ID               int64     `json:"id"`
	OwnerID          *int64    `json:"ownerId,omitempty"`
	Name             string    `json:"name"`
	Description      string    `json:"description"`
	Address          string    `json:"address"`
	Phone            *string   `json:"phone,omitempty"`
	Website          *string   `json:"website,omitempty"`
	Featured         bool      `json:"featured"`
	RatingCount      int64     `json:"ratingCount"`
	TotalRatingValue float64   `json:"totalRatingValue"`
	AverageRating    float64   `json:"averageRating"`
	Active           bool      `json:"active"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

type storeListResponse struct {
	Items      []storeResponse `json:"items"`
	NextCursor *string         `json:"nextCursor,omitempty"`
}

func (s *Server) handleListStores(w http.ResponseWriter, r *http.Request) {
	filters, err := buildStoreFilters(r.URL.Query())
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}

	result, err := s.repo.Stores.List(r.Context(), filters)
	if err != nil {
		s.log(r).Error("list stores failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list stores")
		return
	}

	items := make([]storeResponse, 0, len(result.Items))
	for _, st := range result.Items {
		items = append(items, toStoreResponse(st))
	}
	s.respondJSON(w, http.StatusOK, storeListResponse{Items: items, NextCursor: result.NextCursor})
}

func buildStoreFilters(query url.Values) (repository.StoreListFilters, error) {
	var filters repository.StoreListFilters

	if q := strings.TrimSpace(query.Get("q")); q != "" {
		filters.Query = &q
	}
	if val := strings.TrimSpace(query.Get("featured")); val != "" {
		featured, err := strconv.ParseBool(val)
		if err != nil {
			return filters, fmt.Errorf("invalid featured value")
		}
		filters.FeaturedOnly = featured
	}
	if val := strings.TrimSpace(query.Get("limit")); val != "" {
		limit, err := strconv.Atoi(val)
		if err != nil {
			return filters, fmt.Errorf("invalid limit value")
		}
		filters.Limit = limit
	}
	if val := strings.TrimSpace(query.Get("cursor")); val != "" {
		cursor, err := repository.DecodeCursor(val)
		if err != nil {
			return filters, fmt.Errorf("invalid cursor")
		}
		filters.Cursor = cursor
	}
	return filters, nil
}

// handleGetStore serves a store summary, from the cache when possible.
func (s *Server) handleGetStore(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}

	lookup, cacheErr := s.cache.Get(r.Context(), id)
	if cacheErr != nil {
		s.log(r).Warn("store cache read failed", zap.Int64("store_id", id), zap.Error(cacheErr))
	}
	if lookup.Hit && lookup.Store.Active {
		w.Header().Set("X-Cache", "HIT")
		s.respondJSON(w, http.StatusOK, toStoreResponse(lookup.Store))
		return
	}

	st, err := s.repo.Stores.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "NOT_FOUND", "Resource not found")
			return
		}
		s.log(r).Error("fetch store failed", zap.Int64("store_id", id), zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to fetch store")
		return
	}
	if !st.Active {
		s.respondError(w, http.StatusNotFound, "NOT_FOUND", "Resource not found")
		return
	}

	// Without a generation from a successful read there is nothing to guard
	// the fill with.
	if cacheErr == nil {
		stored, err := s.cache.Set(r.Context(), st, lookup.Generation)
		switch {
		case err != nil:
			s.log(r).Warn("store cache write failed", zap.Int64("store_id", id), zap.Error(err))
		case !stored:
			s.log(r).Debug("store changed during read, cache fill skipped", zap.Int64("store_id", id))
		}
	}
	w.Header().Set("X-Cache", "MISS")
	s.respondJSON(w, http.StatusOK, toStoreResponse(st))
}

// invalidateStore drops a cached summary after the store row changed. A
// failure only leaves a stale entry until its TTL runs out.
func (s *Server) invalidateStore(r *http.Request, id int64) {
	if err := s.cache.Invalidate(r.Context(), id); err != nil {
		s.log(r).Warn("store cache invalidation failed", zap.Int64("store_id", id), zap.Error(err))
	}
}

func toStoreResponse(st domain.Store) storeResponse {
	return storeResponse{
		ID:               st.ID,
		OwnerID:          st.OwnerID,
		Name:             st.Name,
		Description:      st.Description,
		Address:          st.Address,
		Phone:            st.Phone,
		Website:          st.Website,
		Featured:         st.Featured,
		RatingCount:      st.RatingCount,
		TotalRatingValue: st.TotalRatingValue,
		AverageRating:    st.AverageRating,
		Active:           st.Active,
		UpdatedAt:        st.UpdatedAt,
	}
}
