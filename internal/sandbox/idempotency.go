package sandbox

import "sync"

type idemState int

const (
	idemInFlight idemState = iota
	idemDone
)

// storedResponse is the exact response served again on replay.
type storedResponse struct {
	status      int
	contentType string
	body        []byte
}

type idemEntry struct {
	state idemState
	resp  storedResponse
}

// idempotencyTable tracks generate requests per (subject, key). A key is
// in flight from Begin until Complete or Abort.
type idempotencyTable struct {
	mu      sync.Mutex
	entries map[string]*idemEntry
}

func newIdempotencyTable() *idempotencyTable {
	return &idempotencyTable{entries: make(map[string]*idemEntry)}
}

func idemKey(subject, key string) string {
	return subject + "\x00" + key
}

// Begin claims the key. When it is already known, the existing entry is
// returned and the caller must not process the request.
func (t *idempotencyTable) Begin(subject, key string) (existing *idemEntry, claimed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := idemKey(subject, key)
	if e, ok := t.entries[k]; ok {
		cp := *e
		return &cp, false
	}
	t.entries[k] = &idemEntry{state: idemInFlight}
	return nil, true
}

// Complete stores the response for replays.
func (t *idempotencyTable) Complete(subject, key string, resp storedResponse) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[idemKey(subject, key)] = &idemEntry{state: idemDone, resp: resp}
}

// Abort forgets a key whose request failed, so the same key can be retried.
func (t *idempotencyTable) Abort(subject, key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, idemKey(subject, key))
}

func (t *idempotencyTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

