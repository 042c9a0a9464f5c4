// Package usage keeps the append-only ledger of generation requests.
package usage

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Entry records one completed generation attempt. Entries are never mutated
// after they are appended.
type Entry struct {
	ID              uuid.UUID `json:"id"`
	Timestamp       time.Time `json:"timestamp"`
	IdempotencyKey  string    `json:"idempotencyKey"`
	Provider        string    `json:"provider"`
	Model           string    `json:"model"`
	InputWordCount  int       `json:"inputWordCount"`
	OutputWordCount int       `json:"outputWordCount"`
	// TokensUsed is the before/after balance delta; nil when either side was unknown.
	TokensUsed *int `json:"tokensUsed,omitempty"`
	ReplayFlag bool `json:"replayFlag"`
}

// Sink receives every entry after it has been appended.
type Sink interface {
	Record(e Entry)
}

// Log is an in-memory, insertion-ordered ledger. Replayed results get their
// own entries; there is no dedup by idempotency key.
type Log struct {
	mu      sync.RWMutex
	entries []Entry
	sinks   []Sink
	now     func() time.Time
}

func NewLog(sinks ...Sink) *Log {
	return &Log{
		sinks: sinks,
		now:   time.Now,
	}
}

// NewLogFrom seeds a log with existing entries, e.g. loaded from the durable store.
func NewLogFrom(entries []Entry) *Log {
	l := NewLog()
	l.entries = append(l.entries, entries...)
	return l
}

// AddSink registers another sink for future appends.
func (l *Log) AddSink(s Sink) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sinks = append(l.sinks, s)
}

// Append stores e, filling in ID and Timestamp when they are zero, and
// returns the stored entry.
func (l *Log) Append(e Entry) Entry {
	l.mu.Lock()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now().UTC()
	}
	l.entries = append(l.entries, e)
	sinks := l.sinks
	l.mu.Unlock()

	for _, s := range sinks {
		s.Record(e)
	}
	return e
}

// Entries returns a copy of the ledger in append order.
func (l *Log) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Clear drops every entry. It is the only way entries leave the log.
func (l *Log) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = nil
}

// WordCount counts whitespace-separated words.
func WordCount(s string) int {
	return len(strings.Fields(s))
}
