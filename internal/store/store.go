package store

import (
	"context"

	"github.com/nulzo/sermon-proxy/internal/store/model"
)

// Repository is the main contract for the data layer.
type Repository interface {
	Usage() UsageRepository

	// transaction support
	WithTx(ctx context.Context, fn func(repo Repository) error) error

	Close() error
}

type UsageRepository interface {
	// Log stores one usage record. Storing the same ID twice is a no-op.
	Log(ctx context.Context, rec *model.UsageRecord) error
	// ListAll returns every record, oldest first.
	ListAll(ctx context.Context) ([]model.UsageRecord, error)
	// ListRecent returns the last N records, newest first.
	ListRecent(ctx context.Context, limit int) ([]model.UsageRecord, error)
	// ListByIdempotencyKey returns every record logged under key, including replays.
	ListByIdempotencyKey(ctx context.Context, key string) ([]model.UsageRecord, error)
	// MonthlySummaries aggregates records per month and provider, newest month first.
	MonthlySummaries(ctx context.Context) ([]model.MonthlySummary, error)
}
