package sqlxrepos

import (
	"context"
	"time"

	"github.com/lib/pq"

	"github.com/trezcool/alama/core"
	"github.com/trezcool/alama/core/user"
)

type userRepository struct {
	exec core.DBExecutor
}

var _ user.Repository = (*userRepository)(nil) // interface compliance check

func NewUserRepository(exec core.DBExecutor) *userRepository {
	return &userRepository{exec: exec}
}

type userRow struct {
	ID        string         `db:"id"`
	Name      string         `db:"name"`
	Username  string         `db:"username"`
	Email     string         `db:"email"`
	IsActive  bool           `db:"is_active"`
	Roles     pq.StringArray `db:"roles"`
	CreatedAt time.Time      `db:"created_at"`
	UpdatedAt time.Time      `db:"updated_at"`
}

func (r userRow) user() user.User {
	return user.User{
		ID:        r.ID,
		Name:      r.Name,
		Username:  r.Username,
		Email:     r.Email,
		IsActive:  r.IsActive,
		Roles:     r.Roles,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

const userQuery = `
SELECT id, name, username, email, is_active, roles, created_at, updated_at
FROM "user"`

func (repo userRepository) GetUserByID(ctx context.Context, id string) (user.User, error) {
	var row userRow
	if err := repo.exec.GetContext(ctx, &row, userQuery+` WHERE id = $1`, id); err != nil {
		return user.User{}, trapNoRowsErr(err, user.ErrNotFound, "finding user by ID")
	}
	return row.user(), nil
}

func (repo userRepository) GetUserByUsername(ctx context.Context, username string) (user.User, error) {
	var row userRow
	if err := repo.exec.GetContext(ctx, &row, userQuery+` WHERE username = $1`, username); err != nil {
		return user.User{}, trapNoRowsErr(err, user.ErrNotFound, "finding user by username")
	}
	return row.user(), nil
}
