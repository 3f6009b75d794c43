package cache

import (
	"context"
	"time"

	"lakupos/internal/domain"
)

// SaleCache keeps recently committed sales keyed by idempotency key so that
// replayed commits from flaky terminals can be answered without a database
// round trip. A miss is never an error; the repository stays authoritative.
type SaleCache interface {
	Get(ctx context.Context, idempotencyKey string) (*domain.Sale, bool, error)
	Set(ctx context.Context, idempotencyKey string, sale *domain.Sale, ttl time.Duration) error
	Delete(ctx context.Context, idempotencyKey string) error
}

type NoopSaleCache struct{}

func (NoopSaleCache) Get(_ context.Context, _ string) (*domain.Sale, bool, error) {
	return nil, false, nil
}

func (NoopSaleCache) Set(_ context.Context, _ string, _ *domain.Sale, _ time.Duration) error {
	return nil
}

func (NoopSaleCache) Delete(_ context.Context, _ string) error {
	return nil
}
