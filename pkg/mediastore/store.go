// Package mediastore defines the media record collaborator the rotation
// engine re-wraps against, plus two implementations: an in-memory store
// and a PostgreSQL store. The core treats per-record failures as
// non-fatal; it never assumes transactional semantics across records.
package mediastore

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/onestarstream/onestar-vault/pkg/crypto/hybrid"
)

var (
	// ErrRecordNotFound indicates an update targeted an unknown record
	ErrRecordNotFound = errors.New("media record not found")
)

// Record pairs a media record identity with its wrapped media key.
type Record struct {
	RecordID   string
	WrappedKey *hybrid.Ciphertext
}

// Iterator walks a user's media records. Usage mirrors sql.Rows:
//
//	for it.Next() {
//	    rec := it.Record()
//	    ...
//	}
//	err := it.Err()
type Iterator interface {
	Next() bool
	Record() *Record
	Err() error
	Close() error
}

// Store is the collaborator surface the rotation engine depends on.
type Store interface {
	// ListRecords returns an iterator over all records owned by userID.
	ListRecords(ctx context.Context, userID string) (Iterator, error)
	// UpdateWrappedKey replaces the wrapped key of one record.
	UpdateWrappedKey(ctx context.Context, recordID string, wrapped *hybrid.Ciphertext) error
}

// Memory is an in-process Store used by tests and single-binary hosts.
type Memory struct {
	mu      sync.RWMutex
	records map[string]map[string]*hybrid.Ciphertext // userID -> recordID -> key
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		records: make(map[string]map[string]*hybrid.Ciphertext),
	}
}

// Put inserts or replaces a record.
func (m *Memory) Put(userID, recordID string, wrapped *hybrid.Ciphertext) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.records[userID] == nil {
		m.records[userID] = make(map[string]*hybrid.Ciphertext)
	}
	m.records[userID][recordID] = wrapped
}

// Get returns a record's wrapped key.
func (m *Memory) Get(userID, recordID string) (*hybrid.Ciphertext, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	wrapped, ok := m.records[userID][recordID]
	return wrapped, ok
}

// Count returns the number of records owned by userID.
func (m *Memory) Count(userID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records[userID])
}

// ListRecords implements Store. Records are returned in stable record-ID
// order; callers must not rely on it.
func (m *Memory) ListRecords(ctx context.Context, userID string) (Iterator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.records[userID]))
	for id := range m.records[userID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	records := make([]*Record, 0, len(ids))
	for _, id := range ids {
		records = append(records, &Record{
			RecordID:   id,
			WrappedKey: m.records[userID][id],
		})
	}

	return &sliceIterator{ctx: ctx, records: records}, nil
}

// UpdateWrappedKey implements Store.
func (m *Memory) UpdateWrappedKey(ctx context.Context, recordID string, wrapped *hybrid.Ciphertext) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, byID := range m.records {
		if _, ok := byID[recordID]; ok {
			byID[recordID] = wrapped
			return nil
		}
	}
	return ErrRecordNotFound
}

type sliceIterator struct {
	ctx     context.Context
	records []*Record
	pos     int
	err     error
}

func (it *sliceIterator) Next() bool {
	if it.err != nil || it.pos >= len(it.records) {
		return false
	}
	if err := it.ctx.Err(); err != nil {
		it.err = err
		return false
	}
	it.pos++
	return true
}

func (it *sliceIterator) Record() *Record {
	return it.records[it.pos-1]
}

func (it *sliceIterator) Err() error {
	return it.err
}

func (it *sliceIterator) Close() error {
	return nil
}
