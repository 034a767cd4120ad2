// Package idempotency provides the in-memory replay store that makes
// mutating rpc calls safe to retry.
package idempotency

import (
	"bytes"
	"encoding/json"
	"sync"
	"time"
)

// Outcome classifies a lookup for a (method, key) pair.
type Outcome int

const (
	// New means no record exists; the caller should execute and Store.
	New Outcome = iota
	// Replay means the identical request was seen; return the stored response.
	Replay
	// Conflict means the key was reused with different params.
	Conflict
)

type record struct {
	params   []byte
	status   int
	envelope []byte
	storedAt time.Time
}

// Store is a TTL-bounded map keyed by "<method>:<key>". Expired records
// are swept lazily on every access, so no background goroutine is needed.
type Store struct {
	mu      sync.Mutex
	ttl     time.Duration
	records map[string]record
	now     func() time.Time
}

// NewStore builds a store whose records live for ttl after being written.
func NewStore(ttl time.Duration) *Store {
	return &Store{
		ttl:     ttl,
		records: make(map[string]record),
		now:     time.Now,
	}
}

// Check classifies a request. On Replay the stored HTTP status and the
// exact envelope bytes of the first response are returned.
func (s *Store) Check(method, key string, params []byte) (Outcome, int, []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweep()

	rec, ok := s.records[compositeKey(method, key)]
	if !ok {
		return New, 0, nil
	}
	if !sameParams(rec.params, params) {
		return Conflict, 0, nil
	}
	return Replay, rec.status, rec.envelope
}

// Store records the response for a (method, key) pair. The envelope bytes
// are kept verbatim so replays are byte-exact.
func (s *Store) Store(method, key string, params []byte, status int, envelope []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweep()

	s.records[compositeKey(method, key)] = record{
		params:   bytes.Clone(params),
		status:   status,
		envelope: bytes.Clone(envelope),
		storedAt: s.now(),
	}
}

// Len reports the live record count after sweeping.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweep()
	return len(s.records)
}

// sweep drops expired records. Callers hold s.mu.
func (s *Store) sweep() {
	cutoff := s.now()
	for key, rec := range s.records {
		if cutoff.Sub(rec.storedAt) > s.ttl {
			delete(s.records, key)
		}
	}
}

func compositeKey(method, key string) string {
	return method + ":" + key
}

// sameParams compares params structurally so formatting differences
// between retries do not count as conflicts.
func sameParams(a, b []byte) bool {
	var av, bv any
	if err := json.Unmarshal(normalize(a), &av); err != nil {
		return bytes.Equal(a, b)
	}
	if err := json.Unmarshal(normalize(b), &bv); err != nil {
		return bytes.Equal(a, b)
	}
	return deepEqual(av, bv)
}

func normalize(raw []byte) []byte {
	if len(bytes.TrimSpace(raw)) == 0 {
		return []byte("{}")
	}
	return raw
}

func deepEqual(a, b any) bool {
	switch av := a.(type) {
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for key, value := range av {
			other, ok := bv[key]
			if !ok || !deepEqual(value, other) {
				return false
			}
		}
		return true
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !deepEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}
