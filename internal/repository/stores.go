package repository

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Clark-Hu/store-rater/internal/domain"
)

// StoresRepository provides persistence helpers for stores. It never writes
// the rating summary columns; those belong to the rating aggregator.
type StoresRepository struct {
	pool *pgxpool.Pool
}

// StoreColumns is the column list matched by ScanStore.
const StoreColumns = `
    id,
    owner_id,
    name,
    description,
    address,
    phone,
    website,
    featured,
    rating_count,
    total_rating_value,
    average_rating,
    is_active,
    created_at,
    updated_at
`

// StoreCreateParams bundles the fields required to create a store.
type StoreCreateParams struct {
	OwnerID     *int64
	Name        string
	Description string
	Address     string
	Phone       *string
	Website     *string
	Featured    bool
}

// StoreUpdateParams holds a partial update; nil fields keep their value.
// The rating summary is not updatable here.
type StoreUpdateParams struct {
	OwnerID     *int64
	Name        *string
	Description *string
	Address     *string
	Phone       *string
	Website     *string
	Featured    *bool
}

// StoreListFilters encapsulates search and pagination options.
type StoreListFilters struct {
	Query        *string
	FeaturedOnly bool
	Limit        int
	Cursor       *StoreCursor
}

// StoreCursor allows stable pagination over the rating ranking.
type StoreCursor struct {
	AverageRating float64 `json:"avg"`
	RatingCount   int64   `json:"count"`
	ID            int64   `json:"id"`
}

// StoreListResult returns the paginated payload.
type StoreListResult struct {
	Items      []domain.Store
	NextCursor *string
}

// Create inserts a new store with an empty rating summary.
func (r *StoresRepository) Create(ctx context.Context, params StoreCreateParams) (domain.Store, error) {
	query := fmt.Sprintf(`
        INSERT INTO stores (owner_id, name, description, address, phone, website, featured)
        VALUES ($1,$2,$3,$4,$5,$6,$7)
        RETURNING %s
    `, StoreColumns)

	row := r.pool.QueryRow(ctx, query, params.OwnerID, params.Name, params.Description, params.Address, params.Phone, params.Website, params.Featured)
	return ScanStore(row)
}

// GetByID fetches a store by its identifier, active or not.
func (r *StoresRepository) GetByID(ctx context.Context, id int64) (domain.Store, error) {
	query := fmt.Sprintf(`SELECT %s FROM stores WHERE id = $1`, StoreColumns)
	st, err := ScanStore(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Store{}, ErrNotFound
		}
		return domain.Store{}, err
	}
	return st, nil
}

// Update applies params to an active store.
func (r *StoresRepository) Update(ctx context.Context, id int64, params StoreUpdateParams) (domain.Store, error) {
	query := fmt.Sprintf(`
        UPDATE stores
        SET owner_id = COALESCE($2, owner_id),
            name = COALESCE($3, name),
            description = COALESCE($4, description),
            address = COALESCE($5, address),
            phone = COALESCE($6, phone),
            website = COALESCE($7, website),
            featured = COALESCE($8, featured),
            updated_at = now()
        WHERE id = $1 AND is_active
        RETURNING %s
    `, StoreColumns)

	row := r.pool.QueryRow(ctx, query, id, params.OwnerID, params.Name, params.Description,
		params.Address, params.Phone, params.Website, params.Featured)
	st, err := ScanStore(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Store{}, ErrNotFound
		}
		return domain.Store{}, err
	}
	return st, nil
}

// Deactivate hides a store from listings and blocks new ratings.
func (r *StoresRepository) Deactivate(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `UPDATE stores SET is_active = FALSE, updated_at = now() WHERE id = $1 AND is_active`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns active stores ranked by average rating then rating count.
func (r *StoresRepository) List(ctx context.Context, filters StoreListFilters) (StoreListResult, error) {
	if filters.Limit <= 0 {
		filters.Limit = 20
	} else if filters.Limit > 100 {
		filters.Limit = 100
	}

	where := []string{"is_active"}
	args := make([]interface{}, 0)
	arg := func(value interface{}) string {
		args = append(args, value)
		return fmt.Sprintf("$%d", len(args))
	}

	if filters.Query != nil && strings.TrimSpace(*filters.Query) != "" {
		q := "%" + strings.TrimSpace(*filters.Query) + "%"
		p1 := arg(q)
		p2 := arg(q)
		where = append(where, fmt.Sprintf("(name ILIKE %s OR address ILIKE %s)", p1, p2))
	}
	if filters.FeaturedOnly {
		where = append(where, "featured")
	}
	if filters.Cursor != nil {
		avg := arg(filters.Cursor.AverageRating)
		count := arg(filters.Cursor.RatingCount)
		id := arg(filters.Cursor.ID)
		where = append(where, fmt.Sprintf("(average_rating, rating_count, id) < (%s, %s, %s)", avg, count, id))
	}

	queryBuilder := strings.Builder{}
	queryBuilder.WriteString("SELECT ")
	queryBuilder.WriteString(StoreColumns)
	queryBuilder.WriteString(" FROM stores WHERE ")
	queryBuilder.WriteString(strings.Join(where, " AND "))
	queryBuilder.WriteString(" ORDER BY average_rating DESC, rating_count DESC, id DESC")
	queryBuilder.WriteString(fmt.Sprintf(" LIMIT %d", filters.Limit))

	rows, err := r.pool.Query(ctx, queryBuilder.String(), args...)
	if err != nil {
		return StoreListResult{}, err
	}
	defer rows.Close()

	items := make([]domain.Store, 0)
	for rows.Next() {
		st, err := ScanStore(rows)
		if err != nil {
			return StoreListResult{}, err
		}
		items = append(items, st)
	}
	if err := rows.Err(); err != nil {
		return StoreListResult{}, err
	}

	var nextCursor *string
	if len(items) == filters.Limit {
		last := items[len(items)-1]
		token, err := encodeCursor(StoreCursor{AverageRating: last.AverageRating, RatingCount: last.RatingCount, ID: last.ID})
		if err != nil {
			return StoreListResult{}, err
		}
		nextCursor = &token
	}

	return StoreListResult{Items: items, NextCursor: nextCursor}, nil
}

// ScanStore reads one row selected with StoreColumns.
func ScanStore(row pgx.Row) (domain.Store, error) {
	var st domain.Store
	err := row.Scan(
		&st.ID,
		&st.OwnerID,
		&st.Name,
		&st.Description,
		&st.Address,
		&st.Phone,
		&st.Website,
		&st.Featured,
		&st.RatingCount,
		&st.TotalRatingValue,
		&st.AverageRating,
		&st.Active,
		&st.CreatedAt,
		&st.UpdatedAt,
	)
	if err != nil {
		return domain.Store{}, err
	}
	return st, nil
}

func encodeCursor(c StoreCursor) (string, error) {
	payload, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(payload), nil
}

// DecodeCursor parses a cursor token into a StoreCursor.
func DecodeCursor(token string) (*StoreCursor, error) {
	if token == "" {
		return nil, nil
	}
	data, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor: %w", err)
	}
	var cursor StoreCursor
	if err := json.Unmarshal(data, &cursor); err != nil {
		return nil, fmt.Errorf("invalid cursor payload: %w", err)
	}
	return &cursor, nil
}
