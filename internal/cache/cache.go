package cache

import (
	"context"
	"time"

	"kasbook/backend/internal/domain"
)

// SummaryCache caches the daily cash summary report. Ledger balances are
// never served from cache; only this derived aggregate is.
type SummaryCache interface {
	Get(ctx context.Context, key string) (*domain.CashSummary, bool, error)
	Set(ctx context.Context, key string, value *domain.CashSummary, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

type NoopSummaryCache struct{}

func (NoopSummaryCache) Get(_ context.Context, _ string) (*domain.CashSummary, bool, error) {
	return nil, false, nil
}

func (NoopSummaryCache) Set(_ context.Context, _ string, _ *domain.CashSummary, _ time.Duration) error {
	return nil
}

func (NoopSummaryCache) Delete(_ context.Context, _ string) error {
	return nil
}
