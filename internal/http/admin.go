package httpserver

import (
	"errors"
	"fmt"
	"net/http"
	"net/mail"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/Clark-Hu/store-rater/internal/domain"
	"github.com/Clark-Hu/store-rater/internal/rating"
	"github.com/Clark-Hu/store-rater/internal/repository"
)

type userCreateRequest struct {
	Name         string  `json:"name"`
	Email        string  `json:"email"`
	Role         string  `json:"role"`
	Address      *string `json:"address"`
	PasswordHash string  `json:"passwordHash"`
}

type userUpdateRequest struct {
	Name    *string `json:"name"`
	Email   *string `json:"email"`
	Role    *string `json:"role"`
	Address *string `json:"address"`
}

type userResponse struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Role      string    `json:"role"`
	Address   *string   `json:"address,omitempty"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
}

type storeCreateRequest struct {
	OwnerID     *int64  `json:"ownerId"`
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Address     string  `json:"address"`
	Phone       *string `json:"phone"`
	Website     *string `json:"website"`
	Featured    bool    `json:"featured"`
}

type userListResponse struct {
	Items []userResponse `json:"items"`
}

// storeUpdateRequest has no summary fields; unknown fields such as
// ratingCount are rejected by the decoder.
type storeUpdateRequest struct {
	OwnerID     *int64  `json:"ownerId"`
	Name        *string `json:"name"`
	Description *string `json:"description"`
	Address     *string `json:"address"`
	Phone       *string `json:"phone"`
	Website     *string `json:"website"`
	Featured    *bool   `json:"featured"`
}

type summaryResponse struct {
	RatingCount      int64   `json:"ratingCount"`
	TotalRatingValue float64 `json:"totalRatingValue"`
	AverageRating    float64 `json:"averageRating"`
}

type reconciliationResponse struct {
	StoreID int64           `json:"storeId"`
	Drifted bool            `json:"drifted"`
	Before  summaryResponse `json:"before"`
	After   summaryResponse `json:"after"`
}

type reconcileAllResponse struct {
	Checked   int                      `json:"checked"`
	Drifted   []reconciliationResponse `json:"drifted"`
	ElapsedMs int64                    `json:"elapsedMs"`
}

type statsResponse struct {
	Users   int64 `json:"users"`
	Stores  int64 `json:"stores"`
	Ratings int64 `json:"ratings"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.repo.Stats(r.Context())
	if err != nil {
		s.log(r).Error("read stats failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to read stats")
		return
	}
	s.respondJSON(w, http.StatusOK, statsResponse{Users: stats.Users, Stores: stats.Stores, Ratings: stats.Ratings})
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req userCreateRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		s.respondDecodeError(w, err)
		return
	}

	params, err := validateUser(req)
	if err != nil {
		s.respondError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error())
		return
	}

	user, err := s.repo.Users.Create(r.Context(), params)
	if err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			s.respondError(w, http.StatusConflict, "DUPLICATE", "Email already registered")
			return
		}
		s.log(r).Error("create user failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to create user")
		return
	}

	w.Header().Set("Location", fmt.Sprintf("/users/%d/ratings", user.ID))
	s.respondJSON(w, http.StatusCreated, toUserResponse(user))
}

func validateUser(req userCreateRequest) (repository.UserCreateParams, error) {
	name, err := validUserName(req.Name)
	if err != nil {
		return repository.UserCreateParams{}, err
	}
	email, err := validEmail(req.Email)
	if err != nil {
		return repository.UserCreateParams{}, err
	}
	role := domain.RoleUser
	if req.Role != "" {
		if role, err = validRole(req.Role); err != nil {
			return repository.UserCreateParams{}, err
		}
	}
	address, err := validUserAddress(req.Address)
	if err != nil {
		return repository.UserCreateParams{}, err
	}
	return repository.UserCreateParams{
		Name:         name,
		Email:        email,
		PasswordHash: req.PasswordHash,
		Role:         role,
		Address:      address,
	}, nil
}

func validateUserUpdate(req userUpdateRequest) (repository.UserUpdateParams, error) {
	var params repository.UserUpdateParams
	if req.Name == nil && req.Email == nil && req.Role == nil && req.Address == nil {
		return params, fmt.Errorf("at least one field is required")
	}
	if req.Name != nil {
		name, err := validUserName(*req.Name)
		if err != nil {
			return params, err
		}
		params.Name = &name
	}
	if req.Email != nil {
		email, err := validEmail(*req.Email)
		if err != nil {
			return params, err
		}
		params.Email = &email
	}
	if req.Role != nil {
		role, err := validRole(*req.Role)
		if err != nil {
			return params, err
		}
		params.Role = &role
	}
	address, err := validUserAddress(req.Address)
	if err != nil {
		return params, err
	}
	params.Address = address
	return params, nil
}

func validUserName(raw string) (string, error) {
	name := strings.TrimSpace(raw)
	if n := utf8.RuneCountInString(name); n < 2 || n > 60 {
		return "", fmt.Errorf("name must be between 2 and 60 characters")
	}
	return name, nil
}

func validEmail(raw string) (string, error) {
	email := strings.ToLower(strings.TrimSpace(raw))
	if addr, err := mail.ParseAddress(email); err != nil || addr.Address != email {
		return "", fmt.Errorf("email is invalid")
	}
	return email, nil
}

func validRole(raw string) (domain.Role, error) {
	role := domain.Role(strings.ToLower(strings.TrimSpace(raw)))
	if !role.Valid() {
		return "", fmt.Errorf("role must be one of admin, owner, user")
	}
	return role, nil
}

func validUserAddress(raw *string) (*string, error) {
	address := normalizeStringPtr(raw)
	if address != nil && utf8.RuneCountInString(*address) > 400 {
		return nil, fmt.Errorf("address must be at most 400 characters")
	}
	return address, nil
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	var role *domain.Role
	if raw := r.URL.Query().Get("role"); raw != "" {
		v, err := validRole(raw)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
			return
		}
		role = &v
	}

	users, err := s.repo.Users.ListActive(r.Context(), role)
	if err != nil {
		s.log(r).Error("list users failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list users")
		return
	}

	items := make([]userResponse, 0, len(users))
	for _, u := range users {
		items = append(items, toUserResponse(u))
	}
	s.respondJSON(w, http.StatusOK, userListResponse{Items: items})
}

func (s *Server) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}

	var req userUpdateRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		s.respondDecodeError(w, err)
		return
	}
	params, err := validateUserUpdate(req)
	if err != nil {
		s.respondError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error())
		return
	}

	user, err := s.repo.Users.Update(r.Context(), id, params)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			s.respondError(w, http.StatusNotFound, "NOT_FOUND", "Resource not found")
		case errors.Is(err, repository.ErrDuplicate):
			s.respondError(w, http.StatusConflict, "DUPLICATE", "Email already registered")
		default:
			s.log(r).Error("update user failed", zap.Int64("user_id", id), zap.Error(err))
			s.respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to update user")
		}
		return
	}
	s.respondJSON(w, http.StatusOK, toUserResponse(user))
}

func (s *Server) handleDeactivateUser(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	if err := s.repo.Users.Deactivate(r.Context(), id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "NOT_FOUND", "Resource not found")
			return
		}
		s.log(r).Error("deactivate user failed", zap.Int64("user_id", id), zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to deactivate user")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateStore(w http.ResponseWriter, r *http.Request) {
	var req storeCreateRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		s.respondDecodeError(w, err)
		return
	}

	params, err := validateStore(req)
	if err != nil {
		s.respondError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error())
		return
	}

	if params.OwnerID != nil && !s.checkStoreOwner(w, r, *params.OwnerID) {
		return
	}

	st, err := s.repo.Stores.Create(r.Context(), params)
	if err != nil {
		s.log(r).Error("create store failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to create store")
		return
	}

	w.Header().Set("Location", fmt.Sprintf("/stores/%d", st.ID))
	s.respondJSON(w, http.StatusCreated, toStoreResponse(st))
}

func validateStore(req storeCreateRequest) (repository.StoreCreateParams, error) {
	name := strings.TrimSpace(req.Name)
	if n := utf8.RuneCountInString(name); n < 2 || n > 100 {
		return repository.StoreCreateParams{}, fmt.Errorf("name must be between 2 and 100 characters")
	}
	description := strings.TrimSpace(req.Description)
	if utf8.RuneCountInString(description) > 500 {
		return repository.StoreCreateParams{}, fmt.Errorf("description must be at most 500 characters")
	}
	address := strings.TrimSpace(req.Address)
	if utf8.RuneCountInString(address) > 400 {
		return repository.StoreCreateParams{}, fmt.Errorf("address must be at most 400 characters")
	}
	if req.OwnerID != nil && *req.OwnerID <= 0 {
		return repository.StoreCreateParams{}, fmt.Errorf("ownerId must be positive")
	}
	return repository.StoreCreateParams{
		OwnerID:     req.OwnerID,
		Name:        name,
		Description: description,
		Address:     address,
		Phone:       normalizeStringPtr(req.Phone),
		Website:     normalizeStringPtr(req.Website),
		Featured:    req.Featured,
	}, nil
}

func validateStoreUpdate(req storeUpdateRequest) (repository.StoreUpdateParams, error) {
	params := repository.StoreUpdateParams{
		OwnerID:  req.OwnerID,
		Phone:    normalizeStringPtr(req.Phone),
		Website:  normalizeStringPtr(req.Website),
		Featured: req.Featured,
	}
	if req == (storeUpdateRequest{}) {
		return params, fmt.Errorf("at least one field is required")
	}
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if n := utf8.RuneCountInString(name); n < 2 || n > 100 {
			return params, fmt.Errorf("name must be between 2 and 100 characters")
		}
		params.Name = &name
	}
	if req.Description != nil {
		description := strings.TrimSpace(*req.Description)
		if utf8.RuneCountInString(description) > 500 {
			return params, fmt.Errorf("description must be at most 500 characters")
		}
		params.Description = &description
	}
	if req.Address != nil {
		address := strings.TrimSpace(*req.Address)
		if utf8.RuneCountInString(address) > 400 {
			return params, fmt.Errorf("address must be at most 400 characters")
		}
		params.Address = &address
	}
	if req.OwnerID != nil && *req.OwnerID <= 0 {
		return params, fmt.Errorf("ownerId must be positive")
	}
	return params, nil
}

// checkStoreOwner answers 422 unless ownerID is an active store owner.
func (s *Server) checkStoreOwner(w http.ResponseWriter, r *http.Request, ownerID int64) bool {
	owner, err := s.repo.Users.GetByID(r.Context(), ownerID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
	case err != nil:
		s.log(r).Error("fetch store owner failed", zap.Int64("user_id", ownerID), zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to verify store owner")
		return false
	case owner.Active && owner.Role == domain.RoleOwner:
		return true
	}
	s.respondError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "ownerId must reference an active store owner")
	return false
}

// handleUpdateStore edits store details. The rating summary is not part of
// the request and cannot be changed here.
func (s *Server) handleUpdateStore(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}

	var req storeUpdateRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		s.respondDecodeError(w, err)
		return
	}
	params, err := validateStoreUpdate(req)
	if err != nil {
		s.respondError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error())
		return
	}
	if params.OwnerID != nil && !s.checkStoreOwner(w, r, *params.OwnerID) {
		return
	}

	st, err := s.repo.Stores.Update(r.Context(), id, params)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "NOT_FOUND", "Resource not found")
			return
		}
		s.log(r).Error("update store failed", zap.Int64("store_id", id), zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to update store")
		return
	}
	s.invalidateStore(r, id)
	s.respondJSON(w, http.StatusOK, toStoreResponse(st))
}

func (s *Server) handleDeactivateStore(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	if err := s.repo.Stores.Deactivate(r.Context(), id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "NOT_FOUND", "Resource not found")
			return
		}
		s.log(r).Error("deactivate store failed", zap.Int64("store_id", id), zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to deactivate store")
		return
	}
	s.invalidateStore(r, id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReconcileStore(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}

	rec, err := s.agg.Reconcile(r.Context(), id)
	if err != nil {
		s.respondRatingError(w, r, err)
		return
	}
	if rec.Drifted {
		s.log(r).Warn("store rating summary drifted", zap.Int64("store_id", id))
		s.invalidateStore(r, id)
	}
	s.respondJSON(w, http.StatusOK, toReconciliationResponse(rec))
}

func (s *Server) handleReconcileAll(w http.ResponseWriter, r *http.Request) {
	pass, err := s.reconciler.RunOnce(r.Context())
	if err != nil {
		s.respondRatingError(w, r, err)
		return
	}

	drifted := make([]reconciliationResponse, 0, len(pass.Drifted))
	for _, rec := range pass.Drifted {
		drifted = append(drifted, toReconciliationResponse(rec))
	}
	s.respondJSON(w, http.StatusOK, reconcileAllResponse{
		Checked:   pass.Checked,
		Drifted:   drifted,
		ElapsedMs: pass.Elapsed.Milliseconds(),
	})
}

func toReconciliationResponse(rec rating.Reconciliation) reconciliationResponse {
	return reconciliationResponse{
		StoreID: rec.StoreID,
		Drifted: rec.Drifted,
		Before:  toSummaryResponse(rec.Before),
		After:   toSummaryResponse(rec.After),
	}
}

func toSummaryResponse(a domain.RatingAggregate) summaryResponse {
	return summaryResponse{
		RatingCount:      a.Count,
		TotalRatingValue: a.Total,
		AverageRating:    a.Average(),
	}
}

func toUserResponse(u domain.User) userResponse {
	return userResponse{
		ID:        u.ID,
		Name:      u.Name,
		Email:     u.Email,
		Role:      string(u.Role),
		Address:   u.Address,
		Active:    u.Active,
		CreatedAt: u.CreatedAt,
	}
}
