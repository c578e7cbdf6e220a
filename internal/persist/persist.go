// Package persist writes mapped records to a Store in sub-batches and
// applies the duplicate strategy chosen for each save.
package persist

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/JonMunkholm/feedloader/internal/mapping"
)

// DuplicateStrategy decides what happens to records whose unique key
// already exists.
type DuplicateStrategy string

const (
	StrategySkip     DuplicateStrategy = "skip"
	StrategyOverride DuplicateStrategy = "override"
	StrategyIgnore   DuplicateStrategy = "ignore"
)

// ErrUnknownStrategy is returned by ParseStrategy.
var ErrUnknownStrategy = errors.New("unknown duplicate strategy")

// ParseStrategy reads a strategy name; empty means skip.
func ParseStrategy(s string) (DuplicateStrategy, error) {
	switch DuplicateStrategy(strings.ToLower(strings.TrimSpace(s))) {
	case "", StrategySkip:
		return StrategySkip, nil
	case StrategyOverride:
		return StrategyOverride, nil
	case StrategyIgnore:
		return StrategyIgnore, nil
	}
	return "", fmt.Errorf("%w %q", ErrUnknownStrategy, s)
}

// keySeparator joins composite key parts. It cannot occur in trimmed cell text.
const keySeparator = "\x1f"

// RecordKey returns the unique key of rec. ok is false when the schema has
// no key or any key field is unset.
func RecordKey(schema *mapping.EntitySchema, rec mapping.MappedRecord) (key string, ok bool) {
	if len(schema.Key) == 0 {
		return "", false
	}
	parts := make([]string, len(schema.Key))
	for i, f := range schema.Key {
		if !rec.Has(f) {
			return "", false
		}
		parts[i] = keyPart(rec.Get(f))
	}
	return strings.Join(parts, keySeparator), true
}

func keyPart(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	}
	return fmt.Sprint(v)
}

// Update replaces the fields set in Record on the stored row ID.
type Update struct {
	ID     int64
	Record mapping.MappedRecord
}

// StoredRecord is a persisted record with its storage metadata.
type StoredRecord struct {
	ID        int64
	UpdatedAt time.Time
	Record    mapping.MappedRecord
}

// Filter selects stored records for export. Pages are keyset-paginated on
// ID: pass the last ID of one page as AfterID of the next.
type Filter struct {
	ClientID string
	// Contains maps a field to a case-insensitive substring it must contain.
	Contains     map[string]string
	UpdatedSince time.Time
	AfterID      int64
	Limit        int
}

// Store persists entity records for a client.
type Store interface {
	// ExistingKeys returns the stored id for each of keys that exists. When
	// a key was stored more than once the newest id is returned.
	ExistingKeys(ctx context.Context, clientID string, schema *mapping.EntitySchema, keys []string) (map[string]int64, error)
	// Write inserts and updates records atomically.
	Write(ctx context.Context, clientID string, schema *mapping.EntitySchema, inserts []mapping.MappedRecord, updates []Update) error
	// Fetch returns up to filter.Limit records ordered by id.
	Fetch(ctx context.Context, schema *mapping.EntitySchema, filter Filter) ([]StoredRecord, error)
	// Count returns the number of records matching filter, ignoring
	// AfterID and Limit.
	Count(ctx context.Context, schema *mapping.EntitySchema, filter Filter) (int64, error)
}

// OperationRecord is the history row written when an operation ends.
type OperationRecord struct {
	ID           string
	Kind         string
	ClientID     string
	Entity       string
	FileName     string
	Status       string
	Processed    int
	Saved        int
	Updated      int
	Skipped      int
	Failed       int
	RowErrors    int
	ErrorMessage string
	StartedAt    time.Time
	CompletedAt  time.Time
}

// HistoryRecorder is implemented by stores that keep operation history.
type HistoryRecorder interface {
	RecordOperation(ctx context.Context, op OperationRecord) error
}

// PersistenceError reports a failed sub-batch write. Every record of the
// sub-batch is counted as failed.
type PersistenceError struct {
	Entity mapping.EntityType
	Size   int
	Err    error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %d %s records: %v", e.Size, e.Entity, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
