package cache

import (
	"context"
	"time"
)

// StockCache is an advisory cache of derived stock counts. The ledger fold
// remains the source of truth; a miss or an error just means recomputing.
type StockCache interface {
	Get(ctx context.Context, productID string) (int, bool, error)
	Set(ctx context.Context, productID string, stock int, ttl time.Duration) error
	Invalidate(ctx context.Context, productID string) error
}

type NoopStockCache struct{}

func (NoopStockCache) Get(_ context.Context, _ string) (int, bool, error) {
	return 0, false, nil
}

func (NoopStockCache) Set(_ context.Context, _ string, _ int, _ time.Duration) error {
	return nil
}

func (NoopStockCache) Invalidate(_ context.Context, _ string) error {
	return nil
}
