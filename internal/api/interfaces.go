package api

import (
	"context"

	"github.com/google/uuid"

	"github.com/veridian-security/customer-registry-service/internal/cache"
	"github.com/veridian-security/customer-registry-service/internal/model"
)

// CustomerStore abstracts the repository for handler testing.
// *store.CustomerRepository satisfies this interface.
type CustomerStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.Customer, error)
	Create(ctx context.Context, c *model.Customer) error
	Update(ctx context.Context, id uuid.UUID, upd model.CustomerUpdate) (*model.UpdateResult, error)
	Delete(ctx context.Context, id uuid.UUID) error
	RecordAssessment(ctx context.Context, id uuid.UUID) (*model.Customer, error)
}

// ListCache abstracts the in-process list cache for handler testing.
// *cache.ListCache satisfies this interface.
type ListCache interface {
	Get(ctx context.Context, key cache.Key) (*model.CustomerPage, error)
	InvalidateAll()
}
