package analytics

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/nulzo/sermon-proxy/internal/store"
	"github.com/nulzo/sermon-proxy/internal/store/sqlite"
	"github.com/nulzo/sermon-proxy/internal/usage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newRepo(t *testing.T) store.Repository {
	t.Helper()
	repo, err := sqlite.NewSQLiteStorage("file:"+filepath.Join(t.TempDir(), "usage.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestIngestor_PersistsEntriesFromLog(t *testing.T) {
	repo := newRepo(t)
	ing := NewIngestor(zap.NewNop(), repo, WithBatch(2, time.Hour))
	ing.Start(context.Background())

	log := usage.NewLog(ing)
	tokens := 12
	log.Append(usage.Entry{IdempotencyKey: "k1", Provider: "openai", Model: "gpt-4o-mini", InputWordCount: 1, TokensUsed: &tokens})
	log.Append(usage.Entry{IdempotencyKey: "k1", Provider: "openai", Model: "gpt-4o-mini", ReplayFlag: true})
	log.Append(usage.Entry{IdempotencyKey: "k2", Provider: "anthropic", Model: "claude"})

	ing.Stop()

	svc := NewService(repo)
	hist, err := svc.History(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, hist.Len())

	want := log.Entries()
	got := hist.Entries()
	for i := range want {
		assert.Equal(t, want[i].ID, got[i].ID)
		assert.Equal(t, want[i].IdempotencyKey, got[i].IdempotencyKey)
		assert.Equal(t, want[i].ReplayFlag, got[i].ReplayFlag)
		assert.Equal(t, want[i].TokensUsed, got[i].TokensUsed)
		assert.True(t, want[i].Timestamp.Equal(got[i].Timestamp))
	}

	summaries, err := svc.MonthlySummaries(context.Background())
	require.NoError(t, err)
	assert.Len(t, summaries, 2)

	recent, err := svc.Recent(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "k2", recent[0].IdempotencyKey)
}

func TestIngestor_FlushesOnTicker(t *testing.T) {
	repo := newRepo(t)
	ing := NewIngestor(zap.NewNop(), repo, WithBatch(100, 10*time.Millisecond))
	ing.Start(context.Background())
	defer ing.Stop()

	ing.Record(usage.Entry{IdempotencyKey: "k", Provider: "openai", Model: "m", Timestamp: time.Now()})

	assert.Eventually(t, func() bool {
		recs, err := repo.Usage().ListAll(context.Background())
		return err == nil && len(recs) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestIngestor_StopIsIdempotentAndDropsLateEntries(t *testing.T) {
	repo := newRepo(t)
	ing := NewIngestor(nil, repo)
	ing.Start(context.Background())

	ing.Stop()
	assert.NotPanics(t, ing.Stop)
	assert.NotPanics(t, func() {
		ing.Record(usage.Entry{IdempotencyKey: "late", Provider: "openai", Model: "m", Timestamp: time.Now()})
	})

	recs, err := repo.Usage().ListAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestIngestor_StopWithoutStart(t *testing.T) {
	repo := newRepo(t)
	ing := NewIngestor(nil, repo)
	ing.Record(usage.Entry{IdempotencyKey: "early", Provider: "openai", Model: "m", Timestamp: time.Now()})
	assert.NotPanics(t, ing.Stop)

	recs, err := repo.Usage().ListAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestIngestor_KeepsEntriesRecordedAfterCancel(t *testing.T) {
	repo := newRepo(t)
	ing := NewIngestor(zap.NewNop(), repo, WithBatch(100, time.Hour)).(*ingestor)

	ctx, cancel := context.WithCancel(context.Background())
	ing.Start(ctx)
	cancel()
	<-ing.done

	ing.Record(usage.Entry{IdempotencyKey: "after-cancel", Provider: "openai", Model: "m", Timestamp: time.Now()})
	ing.Stop()

	recs, err := repo.Usage().ListAll(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "after-cancel", recs[0].IdempotencyKey)
}
