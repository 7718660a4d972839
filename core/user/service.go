package user

import (
	"context"
	"errors"

	"github.com/trezcool/alama/core"
)

var ErrNotFound = errors.New("user not found")

type (
	// Repository gives read access to the platform's account table.
	Repository interface {
		GetUserByID(ctx context.Context, id string) (User, error)
		GetUserByUsername(ctx context.Context, username string) (User, error)
	}

	Service interface {
		GetByID(ctx context.Context, id string) (User, error)
		GetByUsername(ctx context.Context, username string) (User, error)
	}

	service struct {
		repo Repository
	}
)

var _ Service = (*service)(nil) // interface compliance check

func NewService(repo Repository) *service {
	return &service{repo: repo}
}

func (svc *service) GetByID(ctx context.Context, id string) (User, error) {
	return svc.repo.GetUserByID(ctx, id)
}

func (svc *service) GetByUsername(ctx context.Context, uname string) (User, error) {
	return svc.repo.GetUserByUsername(ctx, core.CleanString(uname, true /* lower */))
}
