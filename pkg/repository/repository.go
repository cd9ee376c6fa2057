package repository

import (
	"context"

	"github.com/smallbiznis/attribution/pkg/db/option"
)

// Repository is a generic gorm-backed table accessor.
type Repository[T any] interface {
	Find(ctx context.Context, query *T, opts ...option.QueryOption) ([]*T, error)
	FindOne(ctx context.Context, query *T, opts ...option.QueryOption) (*T, error)
	Create(ctx context.Context, resource *T) error
	BatchCreate(ctx context.Context, resources []*T) error
}
