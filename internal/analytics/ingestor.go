package analytics

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nulzo/sermon-proxy/internal/store"
	"github.com/nulzo/sermon-proxy/internal/store/model"
	"github.com/nulzo/sermon-proxy/internal/usage"
	"go.uber.org/zap"
)

// Ingestor handles the asynchronous persistence of usage entries. It is a
// usage.Sink, so it can be attached straight to the in-memory log.
type Ingestor interface {
	usage.Sink
	Start(ctx context.Context)
	// Stop waits for the worker, then persists anything still buffered,
	// including entries recorded after the Start context was cancelled.
	Stop()
}

type IngestorOption func(*ingestor)

// WithBatch overrides the batch size and flush interval.
func WithBatch(size int, flush time.Duration) IngestorOption {
	return func(i *ingestor) {
		if size > 0 {
			i.batchSize = size
		}
		if flush > 0 {
			i.flushTime = flush
		}
	}
}

// WithBuffer overrides the channel capacity; entries beyond it are dropped.
func WithBuffer(n int) IngestorOption {
	return func(i *ingestor) {
		if n > 0 {
			i.logChan = make(chan *model.UsageRecord, n)
		}
	}
}

type ingestor struct {
	logger    *zap.Logger
	repo      store.Repository
	logChan   chan *model.UsageRecord
	batchSize int
	flushTime time.Duration

	mu       sync.RWMutex
	started  bool
	stopped  bool
	stopOnce sync.Once
	done     chan struct{}
}

func NewIngestor(logger *zap.Logger, repo store.Repository, opts ...IngestorOption) Ingestor {
	i := &ingestor{
		logger:    logger,
		repo:      repo,
		logChan:   make(chan *model.UsageRecord, 10000),
		batchSize: 50,
		flushTime: 5 * time.Second,
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(i)
	}
	if i.logger == nil {
		i.logger = zap.NewNop()
	}
	return i
}

func (i *ingestor) Record(e usage.Entry) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	rec := model.FromEntry(e)

	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.stopped {
		i.logger.Warn("Ingestor stopped, dropping usage entry", zap.String("id", rec.ID))
		return
	}

	select {
	case i.logChan <- rec:
	default:
		i.logger.Warn("Usage buffer full, dropping entry", zap.String("id", rec.ID))
	}
}

func (i *ingestor) Start(ctx context.Context) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.started || i.stopped {
		return
	}
	i.started = true
	go i.worker(ctx)
}

func (i *ingestor) Stop() {
	i.stopOnce.Do(func() {
		i.mu.Lock()
		i.stopped = true
		close(i.logChan)
		started := i.started
		i.mu.Unlock()

		if started {
			<-i.done
		}
		// the worker may have left on cancellation, or never run
		var rest []*model.UsageRecord
		for rec := range i.logChan {
			rest = append(rest, rec)
		}
		i.persist(rest)
	})
}

// persist writes recs in one transaction. Failures are logged; usage
// persistence never fails a generation.
func (i *ingestor) persist(recs []*model.UsageRecord) {
	if len(recs) == 0 {
		return
	}
	ctx := context.Background()
	err := i.repo.WithTx(ctx, func(tx store.Repository) error {
		for _, rec := range recs {
			if err := tx.Usage().Log(ctx, rec); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		i.logger.Error("Failed to persist usage batch", zap.Int("size", len(recs)), zap.Error(err))
	}
}

func (i *ingestor) worker(ctx context.Context) {
	defer close(i.done)

	batch := make([]*model.UsageRecord, 0, i.batchSize)
	ticker := time.NewTicker(i.flushTime)
	defer ticker.Stop()

	flush := func() {
		i.persist(batch)
		batch = batch[:0]
	}

	for {
		select {
		case rec, ok := <-i.logChan:
			if !ok {
				flush()
				return
			}
			batch = append(batch, rec)
			if len(batch) >= i.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			// drain whatever was already accepted
			for {
				select {
				case rec, ok := <-i.logChan:
					if !ok {
						flush()
						return
					}
					batch = append(batch, rec)
				default:
					flush()
					return
				}
			}
		}
	}
}
