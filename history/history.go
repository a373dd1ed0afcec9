// Package history records a summary of every terminated call.
//
// The recorder is a thin sink: the session state machine hands it exactly one
// record per call at teardown and never reads it back on the hot path. Two
// implementations are provided, an in-memory store for tests and a SQLite
// store for clients that keep call history locally.
package history

import (
	"context"
	"sync"
	"time"
)

// Status classifies how a call ended.
type Status string

const (
	// StatusCompleted means the call reached the connected state before
	// ending.
	StatusCompleted Status = "completed"
	// StatusMissed means the call never connected: the caller gave up, the
	// ring timed out, or the callee never acted.
	StatusMissed Status = "missed"
	// StatusDeclined means the callee explicitly rejected the call.
	StatusDeclined Status = "declined"
)

// Record is the persisted summary of one terminated call.
type Record struct {
	// Kind is the call kind, "audio" or "video".
	Kind string
	// Duration is connected time in seconds; zero when the call never
	// reached the connected state.
	Duration int
	// Status classifies the outcome.
	Status Status
	// Participants holds both user identities.
	Participants [2]string
	// CallerID is the identity that initiated the call.
	CallerID string
	// EndedAt is when the call terminated.
	EndedAt time.Time
}

// Recorder persists call records.
type Recorder interface {
	Record(ctx context.Context, rec Record) error
}

// MemoryStore keeps records in memory, newest last.
type MemoryStore struct {
	mu      sync.Mutex
	records []Record
}

// NewMemoryStore creates an empty in-memory history store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Record appends the record.
func (s *MemoryStore) Record(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

// Records returns a copy of everything recorded so far.
func (s *MemoryStore) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out
}
