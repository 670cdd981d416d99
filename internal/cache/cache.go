package cache

import (
	"context"
	"time"

	"github.com/lomismoney/Mir01-sub000/internal/domain"
)

type TimeSeriesCache interface {
	Get(ctx context.Context, key string) ([]domain.TimeSeriesPoint, bool, error)
	Set(ctx context.Context, key string, value []domain.TimeSeriesPoint, ttl time.Duration) error
	Invalidate(ctx context.Context, pattern string) error
}

type NoopTimeSeriesCache struct{}

func (NoopTimeSeriesCache) Get(_ context.Context, _ string) ([]domain.TimeSeriesPoint, bool, error) {
	return nil, false, nil
}

func (NoopTimeSeriesCache) Set(_ context.Context, _ string, _ []domain.TimeSeriesPoint, _ time.Duration) error {
	return nil
}

func (NoopTimeSeriesCache) Invalidate(_ context.Context, _ string) error {
	return nil
}
