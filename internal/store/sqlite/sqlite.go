package sqlite

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"
	"github.com/nulzo/sermon-proxy/internal/store"
	"github.com/nulzo/sermon-proxy/internal/store/model"
)

// DB defines the interface for database operations (satisfied by *sqlx.DB and *sqlx.Tx)
type DB interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	NamedExecContext(ctx context.Context, query string, arg interface{}) (sql.Result, error)
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// SqliteRepository implements store.Repository
type SqliteRepository struct {
	db       *sqlx.DB // Required for starting new transactions
	executor DB       // Used for actual queries (can be *sqlx.DB or *sqlx.Tx)
}

func NewSqliteRepository(db *sqlx.DB) *SqliteRepository {
	return &SqliteRepository{
		db:       db,
		executor: db,
	}
}

func (r *SqliteRepository) Close() error {
	return r.db.Close()
}

func (r *SqliteRepository) WithTx(ctx context.Context, fn func(repo store.Repository) error) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}

	txRepo := &SqliteRepository{
		db:       r.db,
		executor: tx,
	}

	if err := fn(txRepo); err != nil {
		// attempt rollback, but prioritize original error
		_ = tx.Rollback()
		return err
	}

	return tx.Commit()
}

func (r *SqliteRepository) Usage() store.UsageRepository {
	return &usageRepo{db: r.executor}
}

type usageRepo struct {
	db DB
}

func (r *usageRepo) Log(ctx context.Context, rec *model.UsageRecord) error {
	// ids are client-minted UUIDs, so a retried batch must not duplicate rows
	query := `
	INSERT OR IGNORE INTO usage_records (
		id, idempotency_key, provider, model,
		input_word_count, output_word_count, tokens_used, replay,
		month_key, created_at
	) VALUES (
		:id, :idempotency_key, :provider, :model,
		:input_word_count, :output_word_count, :tokens_used, :replay,
		:month_key, :created_at
	)`
	_, err := r.db.NamedExecContext(ctx, query, rec)
	return err
}

func (r *usageRepo) ListAll(ctx context.Context) ([]model.UsageRecord, error) {
	var recs []model.UsageRecord
	err := r.db.SelectContext(ctx, &recs, `SELECT * FROM usage_records ORDER BY created_at ASC, rowid ASC`)
	return recs, err
}

func (r *usageRepo) ListRecent(ctx context.Context, limit int) ([]model.UsageRecord, error) {
	var recs []model.UsageRecord
	query := `SELECT * FROM usage_records ORDER BY created_at DESC, rowid DESC LIMIT ?`
	err := r.db.SelectContext(ctx, &recs, query, limit)
	return recs, err
}

func (r *usageRepo) ListByIdempotencyKey(ctx context.Context, key string) ([]model.UsageRecord, error) {
	var recs []model.UsageRecord
	query := `SELECT * FROM usage_records WHERE idempotency_key = ? ORDER BY created_at ASC, rowid ASC`
	err := r.db.SelectContext(ctx, &recs, query, key)
	return recs, err
}

func (r *usageRepo) MonthlySummaries(ctx context.Context) ([]model.MonthlySummary, error) {
	var stats []model.MonthlySummary
	query := `
		SELECT
			month_key,
			provider,
			COUNT(*) AS requests,
			COALESCE(SUM(CASE WHEN replay THEN 1 ELSE 0 END), 0) AS replays,
			COALESCE(SUM(input_word_count), 0) AS input_words,
			COALESCE(SUM(output_word_count), 0) AS output_words,
			COALESCE(SUM(tokens_used), 0) AS tokens_used
		FROM usage_records
		GROUP BY month_key, provider
		ORDER BY month_key DESC, provider ASC
	`
	err := r.db.SelectContext(ctx, &stats, query)
	return stats, err
}
