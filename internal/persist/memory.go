package persist

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/JonMunkholm/feedloader/internal/mapping"
)

type memRow struct {
	id        int64
	clientID  string
	key       string
	keyed     bool
	values    map[string]any
	updatedAt time.Time
}

// MemoryStore keeps records in process memory. It backs tests and dry runs.
type MemoryStore struct {
	mu      sync.RWMutex
	nextID  int64
	rows    map[mapping.EntityType][]*memRow
	byID    map[int64]*memRow
	history []OperationRecord
	now     func() time.Time
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rows: make(map[mapping.EntityType][]*memRow),
		byID: make(map[int64]*memRow),
		now:  time.Now,
	}
}

func (m *MemoryStore) ExistingKeys(ctx context.Context, clientID string, schema *mapping.EntitySchema, keys []string) (map[string]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	want := make(map[string]bool, len(keys))
	for _, k := range keys {
		want[k] = true
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]int64)
	for _, r := range m.rows[schema.Type] {
		if r.clientID != clientID || !r.keyed || !want[r.key] {
			continue
		}
		if r.id > out[r.key] {
			out[r.key] = r.id
		}
	}
	return out, nil
}

func (m *MemoryStore) Write(ctx context.Context, clientID string, schema *mapping.EntitySchema, inserts []mapping.MappedRecord, updates []Update) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, u := range updates {
		r, ok := m.byID[u.ID]
		if !ok || r.clientID != clientID {
			return fmt.Errorf("update %s: no record with id %d", schema.Type, u.ID)
		}
	}

	now := m.now()
	for _, u := range updates {
		r := m.byID[u.ID]
		for k, v := range u.Record.Values {
			if v != nil {
				r.values[k] = v
			}
		}
		r.updatedAt = now
	}
	for _, rec := range inserts {
		m.nextID++
		key, keyed := RecordKey(schema, rec)
		r := &memRow{
			id:        m.nextID,
			clientID:  clientID,
			key:       key,
			keyed:     keyed,
			values:    rec.Clone().Values,
			updatedAt: now,
		}
		m.rows[schema.Type] = append(m.rows[schema.Type], r)
		m.byID[r.id] = r
	}
	return nil
}

func (m *MemoryStore) Fetch(ctx context.Context, schema *mapping.EntitySchema, filter Filter) ([]StoredRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []StoredRecord
	for _, r := range m.rows[schema.Type] {
		if r.id <= filter.AfterID || !m.matches(r, filter) {
			continue
		}
		rec := mapping.NewRecord(schema.Type, 0)
		for k, v := range r.values {
			rec.Values[k] = v
		}
		out = append(out, StoredRecord{ID: r.id, UpdatedAt: r.updatedAt, Record: rec})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) Count(ctx context.Context, schema *mapping.EntitySchema, filter Filter) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var n int64
	for _, r := range m.rows[schema.Type] {
		if m.matches(r, filter) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) matches(r *memRow, f Filter) bool {
	if r.clientID != f.ClientID {
		return false
	}
	if !f.UpdatedSince.IsZero() && r.updatedAt.Before(f.UpdatedSince) {
		return false
	}
	for field, sub := range f.Contains {
		s, _ := r.values[field].(string)
		if !strings.Contains(strings.ToLower(s), strings.ToLower(sub)) {
			return false
		}
	}
	return true
}

// RecordOperation stores the history row, replacing one with the same id.
func (m *MemoryStore) RecordOperation(ctx context.Context, op OperationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.history {
		if m.history[i].ID == op.ID {
			m.history[i] = op
			return nil
		}
	}
	m.history = append(m.history, op)
	return nil
}

// Operations returns the recorded history.
func (m *MemoryStore) Operations() []OperationRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]OperationRecord(nil), m.history...)
}

// Len returns the number of stored records of entity.
func (m *MemoryStore) Len(entity mapping.EntityType) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rows[entity])
}
