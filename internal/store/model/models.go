package model

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/nulzo/sermon-proxy/internal/usage"
)

// MonthKeyLayout matches the backend's monthKey, e.g. "2025-03".
const MonthKeyLayout = "2006-01"

// UsageRecord is the durable form of a usage log entry.
type UsageRecord struct {
	ID              string        `db:"id" json:"id"`
	IdempotencyKey  string        `db:"idempotency_key" json:"idempotency_key"`
	Provider        string        `db:"provider" json:"provider"`
	Model           string        `db:"model" json:"model"`
	InputWordCount  int           `db:"input_word_count" json:"input_word_count"`
	OutputWordCount int           `db:"output_word_count" json:"output_word_count"`
	TokensUsed      sql.NullInt64 `db:"tokens_used" json:"tokens_used"`
	Replay          bool          `db:"replay" json:"replay"`
	MonthKey        string        `db:"month_key" json:"month_key"`
	CreatedAt       time.Time     `db:"created_at" json:"created_at"`
}

// FromEntry converts a ledger entry for storage.
func FromEntry(e usage.Entry) *UsageRecord {
	ts := e.Timestamp.UTC()
	rec := &UsageRecord{
		ID:              e.ID.String(),
		IdempotencyKey:  e.IdempotencyKey,
		Provider:        e.Provider,
		Model:           e.Model,
		InputWordCount:  e.InputWordCount,
		OutputWordCount: e.OutputWordCount,
		Replay:          e.ReplayFlag,
		MonthKey:        ts.Format(MonthKeyLayout),
		CreatedAt:       ts,
	}
	if e.TokensUsed != nil {
		rec.TokensUsed = sql.NullInt64{Int64: int64(*e.TokensUsed), Valid: true}
	}
	return rec
}

// Entry converts a stored record back into a ledger entry.
func (r UsageRecord) Entry() usage.Entry {
	e := usage.Entry{
		Timestamp:       r.CreatedAt.UTC(),
		IdempotencyKey:  r.IdempotencyKey,
		Provider:        r.Provider,
		Model:           r.Model,
		InputWordCount:  r.InputWordCount,
		OutputWordCount: r.OutputWordCount,
		ReplayFlag:      r.Replay,
	}
	if id, err := uuid.Parse(r.ID); err == nil {
		e.ID = id
	}
	if r.TokensUsed.Valid {
		n := int(r.TokensUsed.Int64)
		e.TokensUsed = &n
	}
	return e
}

// MonthlySummary aggregates usage for one month and provider.
type MonthlySummary struct {
	MonthKey    string `db:"month_key" json:"month_key"`
	Provider    string `db:"provider" json:"provider"`
	Requests    int64  `db:"requests" json:"requests"`
	Replays     int64  `db:"replays" json:"replays"`
	InputWords  int64  `db:"input_words" json:"input_words"`
	OutputWords int64  `db:"output_words" json:"output_words"`
	TokensUsed  int64  `db:"tokens_used" json:"tokens_used"`
}
