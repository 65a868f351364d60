package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/obeci/obeci/backend/go-services/internal/instrument"
)

// MemoryStore keeps documents and change-log entries in process memory.
// Used by tests and the "memory" store driver.
type MemoryStore struct {
	mu      sync.RWMutex
	byOwner map[int64]*instrument.Document
	byID    map[string]*instrument.Document
	entries []*instrument.ChangeLogEntry
	lastAt  time.Time
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byOwner: make(map[int64]*instrument.Document),
		byID:    make(map[string]*instrument.Document),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryStore) Migrate(ctx context.Context) error { return nil }
func (m *MemoryStore) Ping(ctx context.Context) error    { return nil }

func (m *MemoryStore) GetByOwner(ctx context.Context, ownerID int64) (*instrument.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.byOwner[ownerID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) CreateEmpty(ctx context.Context, ownerID int64) (*instrument.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byOwner[ownerID]; ok {
		return nil, ErrAlreadyExists
	}
	now := m.now()
	d := &instrument.Document{
		ID:        newDocumentID(),
		OwnerID:   ownerID,
		Snapshot:  instrument.DefaultSnapshot(),
		Version:   0,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.byOwner[ownerID] = d
	m.byID[d.ID] = d
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) CompareAndSwap(ctx context.Context, documentID string, expected *int64, snapshot string) (*instrument.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.byID[documentID]
	if !ok {
		return nil, ErrNotFound
	}
	if expected != nil && *expected != d.Version {
		return nil, &VersionConflictError{Expected: *expected, Actual: d.Version}
	}
	d.Snapshot = snapshot
	d.Version++
	d.UpdatedAt = m.now()
	cp := *d
	return &cp, nil
}

// Append assigns id and createdAt. createdAt never goes backwards so that
// newest-first ordering is strict.
func (m *MemoryStore) Append(ctx context.Context, e *instrument.ChangeLogEntry) (*instrument.ChangeLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	cp.ID = newEntryID()
	at := m.now()
	if !at.After(m.lastAt) {
		at = m.lastAt.Add(time.Microsecond)
	}
	m.lastAt = at
	cp.CreatedAt = at
	m.entries = append(m.entries, &cp)
	out := cp
	return &out, nil
}

func (m *MemoryStore) ListRecent(ctx context.Context, ownerID int64, limit int) ([]*instrument.ChangeLogEntry, error) {
	limit = ClampLimit(limit)
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*instrument.ChangeLogEntry, 0, limit)
	for _, e := range m.entries {
		if e.OwnerID == ownerID {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
