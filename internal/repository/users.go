package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Clark-Hu/store-rater/internal/domain"
)

// UsersRepository provides persistence helpers for user accounts.
type UsersRepository struct {
	pool *pgxpool.Pool
}

const userColumns = `
    id,
    name,
    email,
    password_hash,
    role,
    address,
    is_active,
    created_at,
    updated_at
`

// UserCreateParams bundles the fields required to create a user.
type UserCreateParams struct {
	Name         string
	Email        string
	PasswordHash string
	Role         domain.Role
	Address      *string
}

// Create inserts a new user. A taken email yields ErrDuplicate.
func (r *UsersRepository) Create(ctx context.Context, params UserCreateParams) (domain.User, error) {
	query := fmt.Sprintf(`
        INSERT INTO users (name, email, password_hash, role, address)
        VALUES ($1,$2,$3,$4,$5)
        RETURNING %s
    `, userColumns)

	row := r.pool.QueryRow(ctx, query, params.Name, params.Email, params.PasswordHash, string(params.Role), params.Address)
	user, err := scanUser(row)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.User{}, ErrDuplicate
		}
		return domain.User{}, err
	}
	return user, nil
}

// GetByID fetches a user by identifier, active or not.
func (r *UsersRepository) GetByID(ctx context.Context, id int64) (domain.User, error) {
	query := fmt.Sprintf(`SELECT %s FROM users WHERE id = $1`, userColumns)
	user, err := scanUser(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.User{}, ErrNotFound
		}
		return domain.User{}, err
	}
	return user, nil
}

// Deactivate soft-deletes a user. Users are never removed.
func (r *UsersRepository) Deactivate(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `UPDATE users SET is_active = FALSE, updated_at = now() WHERE id = $1 AND is_active`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UserUpdateParams holds a partial update; nil fields keep their value.
type UserUpdateParams struct {
	Name    *string
	Email   *string
	Role    *domain.Role
	Address *string
}

// Update applies params to an active user. A taken email yields ErrDuplicate.
func (r *UsersRepository) Update(ctx context.Context, id int64, params UserUpdateParams) (domain.User, error) {
	query := fmt.Sprintf(`
        UPDATE users
        SET name = COALESCE($2, name),
            email = COALESCE($3, email),
            role = COALESCE($4, role),
            address = COALESCE($5, address),
            updated_at = now()
        WHERE id = $1 AND is_active
        RETURNING %s
    `, userColumns)

	var role *string
	if params.Role != nil {
		v := string(*params.Role)
		role = &v
	}

	user, err := scanUser(r.pool.QueryRow(ctx, query, id, params.Name, params.Email, role, params.Address))
	if err != nil {
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			return domain.User{}, ErrNotFound
		case isUniqueViolation(err):
			return domain.User{}, ErrDuplicate
		}
		return domain.User{}, err
	}
	return user, nil
}

// ListActive returns active users, newest first. A non-nil role narrows the
// list to that role.
func (r *UsersRepository) ListActive(ctx context.Context, role *domain.Role) ([]domain.User, error) {
	var roleArg *string
	if role != nil {
		v := string(*role)
		roleArg = &v
	}
	query := fmt.Sprintf(`
        SELECT %s
        FROM users
        WHERE is_active AND ($1::text IS NULL OR role = $1)
        ORDER BY created_at DESC, id DESC
    `, userColumns)

	rows, err := r.pool.Query(ctx, query, roleArg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.User, 0)
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

func scanUser(row pgx.Row) (domain.User, error) {
	var (
		user domain.User
		role string
	)
	err := row.Scan(
		&user.ID,
		&user.Name,
		&user.Email,
		&user.PasswordHash,
		&role,
		&user.Address,
		&user.Active,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		return domain.User{}, err
	}
	user.Role = domain.Role(role)
	return user, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
