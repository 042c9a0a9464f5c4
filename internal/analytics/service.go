package analytics

import (
	"context"

	"github.com/nulzo/sermon-proxy/internal/store"
	"github.com/nulzo/sermon-proxy/internal/store/model"
	"github.com/nulzo/sermon-proxy/internal/usage"
)

// Service answers read-side questions about persisted usage.
type Service interface {
	MonthlySummaries(ctx context.Context) ([]model.MonthlySummary, error)
	// History loads the full persisted ledger, oldest first, as a usage log.
	History(ctx context.Context) (*usage.Log, error)
	Recent(ctx context.Context, limit int) ([]usage.Entry, error)
	// KeyHistory lists every attempt logged under one idempotency key, replays
	// included, oldest first.
	KeyHistory(ctx context.Context, key string) ([]usage.Entry, error)
}

type service struct {
	repo store.Repository
}

func NewService(repo store.Repository) Service {
	return &service{
		repo: repo,
	}
}

func (s *service) MonthlySummaries(ctx context.Context) ([]model.MonthlySummary, error) {
	return s.repo.Usage().MonthlySummaries(ctx)
}

func (s *service) History(ctx context.Context) (*usage.Log, error) {
	recs, err := s.repo.Usage().ListAll(ctx)
	if err != nil {
		return nil, err
	}
	return usage.NewLogFrom(toEntries(recs)), nil
}

func (s *service) Recent(ctx context.Context, limit int) ([]usage.Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	recs, err := s.repo.Usage().ListRecent(ctx, limit)
	if err != nil {
		return nil, err
	}
	return toEntries(recs), nil
}

func (s *service) KeyHistory(ctx context.Context, key string) ([]usage.Entry, error) {
	recs, err := s.repo.Usage().ListByIdempotencyKey(ctx, key)
	if err != nil {
		return nil, err
	}
	return toEntries(recs), nil
}

func toEntries(recs []model.UsageRecord) []usage.Entry {
	out := make([]usage.Entry, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Entry())
	}
	return out
}
