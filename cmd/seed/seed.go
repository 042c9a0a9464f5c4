package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/nulzo/sermon-proxy/internal/store"
	"github.com/nulzo/sermon-proxy/internal/store/model"
	"github.com/nulzo/sermon-proxy/internal/store/sqlite"
	"github.com/nulzo/sermon-proxy/internal/usage"
	"go.uber.org/zap"
)

func main() {
	dsn := flag.String("dsn", "usage.db", "SQLite DSN of the usage database")
	count := flag.Int("n", 50, "Number of entries to create")
	months := flag.Int("months", 3, "Spread entries over this many months")
	flag.Parse()

	repo, err := sqlite.NewSQLiteStorage(*dsn, zap.NewNop())
	if err != nil {
		log.Fatal(err)
	}
	defer repo.Close()

	entries := sampleEntries(rand.New(rand.NewSource(time.Now().UnixNano())), time.Now().UTC(), *count, *months)

	ctx := context.Background()
	err = repo.WithTx(ctx, func(tx store.Repository) error {
		for _, e := range entries {
			if err := tx.Usage().Log(ctx, model.FromEntry(e)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		log.Fatal(err)
	}

	fmt.Printf("Seeded %d usage entries into %s\n", len(entries), *dsn)
}

var providers = []struct {
	name  string
	model string
}{
	{"openai", "gpt-4o-mini"},
	{"anthropic", "claude-3-7-sonnet-20250219"},
}

// sampleEntries builds n entries spread backwards over months. Roughly one in
// ten repeats the previous key as a replay with no charge.
func sampleEntries(rng *rand.Rand, now time.Time, n, months int) []usage.Entry {
	if months < 1 {
		months = 1
	}
	span := time.Duration(months) * 30 * 24 * time.Hour

	entries := make([]usage.Entry, 0, n)
	for i := 0; i < n; i++ {
		p := providers[rng.Intn(len(providers))]
		tokens := 200 + rng.Intn(1200)
		e := usage.Entry{
			ID:              uuid.New(),
			Timestamp:       now.Add(-time.Duration(rng.Int63n(int64(span)))),
			IdempotencyKey:  uuid.NewString(),
			Provider:        p.name,
			Model:           p.model,
			InputWordCount:  20 + rng.Intn(400),
			OutputWordCount: 150 + rng.Intn(900),
			TokensUsed:      &tokens,
		}

		if i > 0 && rng.Intn(10) == 0 {
			prev := entries[i-1]
			zero := 0
			e.IdempotencyKey = prev.IdempotencyKey
			e.Provider, e.Model = prev.Provider, prev.Model
			e.InputWordCount, e.OutputWordCount = prev.InputWordCount, prev.OutputWordCount
			e.Timestamp = prev.Timestamp.Add(time.Minute)
			e.TokensUsed = &zero
			e.ReplayFlag = true
		}
		entries = append(entries, e)
	}
	return entries
}
