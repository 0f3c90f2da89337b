// Package memory provides an in-memory transactional resource that records
// every physical operation. Writes are staged per transaction and become
// visible only on commit, which makes propagation outcomes observable.
package memory

import (
	"errors"
	"sync"

	"txflow/internal/core/tx"
)

// EventKind names a physical operation observed by the store.
type EventKind string

const (
	EventBegin               EventKind = "begin"
	EventCommit              EventKind = "commit"
	EventRollback            EventKind = "rollback"
	EventSuspend             EventKind = "suspend"
	EventResume              EventKind = "resume"
	EventSavepoint           EventKind = "savepoint"
	EventRollbackToSavepoint EventKind = "rollback_to_savepoint"
	EventReleaseSavepoint    EventKind = "release_savepoint"
)

var (
	ErrAlreadyBound = errors.New("memory: a transaction is already bound to this resource")
	ErrUnknownToken = errors.New("memory: unknown or finished transaction")
	ErrNoSavepoint  = errors.New("memory: savepoint not found")
	ErrReadOnly     = errors.New("memory: write in read-only transaction")
)

// Event is one observed physical operation. Txn is 0 when no transaction was involved.
type Event struct {
	Kind      EventKind
	Txn       int
	Savepoint string
}

// Record is a committed journal entry.
type Record struct {
	Stream string
	Value  string
	Txn    int
}

// Store holds committed records and the event log shared by all resources
// created from it. It is safe for concurrent use.
type Store struct {
	mu       sync.Mutex
	seq      int
	events   []Event
	records  []Record
	failures map[EventKind]error
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{failures: make(map[EventKind]error)}
}

// NewResource returns an unbound resource with savepoint support.
func (s *Store) NewResource() *SavepointResource {
	return &SavepointResource{Resource: &Resource{store: s}}
}

// NewResourceWithoutSavepoints returns an unbound resource that cannot run
// NESTED frames inside an existing transaction.
func (s *Store) NewResourceWithoutSavepoints() *Resource {
	return &Resource{store: s}
}

// Factory returns a tx.ResourceFactory producing resources from s.
func (s *Store) Factory(savepoints bool) tx.ResourceFactory {
	return func() tx.Resource {
		if savepoints {
			return s.NewResource()
		}
		return s.NewResourceWithoutSavepoints()
	}
}

// FailNext makes the next operation of kind fail with err.
func (s *Store) FailNext(kind EventKind, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[kind] = err
}

// Events returns a copy of the event log.
func (s *Store) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// Kinds returns the kinds of all logged events in order.
func (s *Store) Kinds() []EventKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]EventKind, len(s.events))
	for i, e := range s.events {
		out[i] = e.Kind
	}
	return out
}

// Count returns how many events of kind were logged.
func (s *Store) Count(kind EventKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

// Records returns the committed values of stream in commit order.
func (s *Store) Records(stream string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, r := range s.records {
		if r.Stream == stream {
			out = append(out, r.Value)
		}
	}
	return out
}

// Reset clears events, records and pending failures.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = nil
	s.records = nil
	s.failures = make(map[EventKind]error)
}

func (s *Store) nextTxn() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.seq
}

func (s *Store) log(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

// takeFailure consumes a failure registered for kind.
func (s *Store) takeFailure(kind EventKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err, ok := s.failures[kind]
	if !ok {
		return nil
	}
	delete(s.failures, kind)
	return err
}

func (s *Store) apply(recs []Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, recs...)
}
