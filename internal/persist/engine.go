package persist

import (
	"context"
	"log/slog"

	"github.com/samber/lo"

	"github.com/JonMunkholm/feedloader/internal/mapping"
)

const (
	// DefaultBatchSize is the number of records written per sub-batch.
	DefaultBatchSize = 1000
	// DefaultMaxErrors caps BatchResult.Errors.
	DefaultMaxErrors = 100
)

// BatchResult counts the outcome of a save.
type BatchResult struct {
	Saved   int      `json:"saved"`
	Updated int      `json:"updated"`
	Skipped int      `json:"skipped"`
	Failed  int      `json:"failed"`
	Errors  []string `json:"errors,omitempty"`
}

// Merge adds other's counts to r, keeping at most maxErrors messages.
func (r *BatchResult) Merge(other BatchResult, maxErrors int) {
	r.Saved += other.Saved
	r.Updated += other.Updated
	r.Skipped += other.Skipped
	r.Failed += other.Failed
	for _, e := range other.Errors {
		if len(r.Errors) >= maxErrors {
			break
		}
		r.Errors = append(r.Errors, e)
	}
}

// EngineOptions configure an Engine.
type EngineOptions struct {
	BatchSize int
	MaxErrors int
	Logger    *slog.Logger
}

// Engine saves records through a Store.
type Engine struct {
	store     Store
	batchSize int
	maxErrors int
	logger    *slog.Logger
}

// NewEngine returns an engine writing to store.
func NewEngine(store Store, opts EngineOptions) *Engine {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.MaxErrors <= 0 {
		opts.MaxErrors = DefaultMaxErrors
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Engine{
		store:     store,
		batchSize: opts.BatchSize,
		maxErrors: opts.MaxErrors,
		logger:    opts.Logger,
	}
}

// Store returns the engine's store.
func (e *Engine) Store() Store { return e.store }

// BatchSize is the number of records per sub-batch.
func (e *Engine) BatchSize() int { return e.batchSize }

// SaveBatch writes records in sub-batches of the configured size. A failed
// sub-batch counts all its records as failed and adds one error message;
// later sub-batches are still attempted.
func (e *Engine) SaveBatch(ctx context.Context, clientID string, schema *mapping.EntitySchema, records []mapping.MappedRecord, strategy DuplicateStrategy) BatchResult {
	var total BatchResult
	for _, batch := range lo.Chunk(records, e.batchSize) {
		res, err := e.saveSubBatch(ctx, clientID, schema, batch, strategy)
		if err != nil {
			perr := &PersistenceError{Entity: schema.Type, Size: len(batch), Err: err}
			e.logger.Warn("batch write failed",
				"entity", schema.Type,
				"size", len(batch),
				"error", err,
			)
			res = BatchResult{Failed: len(batch), Errors: []string{perr.Error()}}
		}
		total.Merge(res, e.maxErrors)
	}
	return total
}

func (e *Engine) saveSubBatch(ctx context.Context, clientID string, schema *mapping.EntitySchema, batch []mapping.MappedRecord, strategy DuplicateStrategy) (BatchResult, error) {
	switch strategy {
	case StrategyIgnore:
		if err := e.store.Write(ctx, clientID, schema, batch, nil); err != nil {
			return BatchResult{}, err
		}
		return BatchResult{Saved: len(batch)}, nil
	case StrategyOverride:
		return e.override(ctx, clientID, schema, batch)
	default:
		return e.skip(ctx, clientID, schema, batch)
	}
}

type keyedRecord struct {
	rec   mapping.MappedRecord
	key   string
	keyed bool
}

func keyAll(schema *mapping.EntitySchema, batch []mapping.MappedRecord) ([]keyedRecord, []string) {
	out := make([]keyedRecord, len(batch))
	var keys []string
	for i, rec := range batch {
		key, ok := RecordKey(schema, rec)
		out[i] = keyedRecord{rec: rec, key: key, keyed: ok}
		if ok {
			keys = append(keys, key)
		}
	}
	return out, lo.Uniq(keys)
}

// skip drops records whose key is stored already or appeared earlier in
// the same batch.
func (e *Engine) skip(ctx context.Context, clientID string, schema *mapping.EntitySchema, batch []mapping.MappedRecord) (BatchResult, error) {
	keyed, keys := keyAll(schema, batch)

	existing := map[string]int64{}
	if len(keys) > 0 {
		var err error
		existing, err = e.store.ExistingKeys(ctx, clientID, schema, keys)
		if err != nil {
			return BatchResult{}, err
		}
	}

	var res BatchResult
	seen := make(map[string]bool, len(keys))
	inserts := make([]mapping.MappedRecord, 0, len(batch))
	for _, k := range keyed {
		if k.keyed {
			if _, stored := existing[k.key]; stored || seen[k.key] {
				res.Skipped++
				continue
			}
			seen[k.key] = true
		}
		inserts = append(inserts, k.rec)
	}

	if len(inserts) > 0 {
		if err := e.store.Write(ctx, clientID, schema, inserts, nil); err != nil {
			return BatchResult{}, err
		}
	}
	res.Saved = len(inserts)
	return res, nil
}

// override collapses repeated keys to the last record, then updates stored
// keys and inserts the rest. Collapsed records are not counted.
func (e *Engine) override(ctx context.Context, clientID string, schema *mapping.EntitySchema, batch []mapping.MappedRecord) (BatchResult, error) {
	keyed, keys := keyAll(schema, batch)

	collapsed := make([]keyedRecord, 0, len(keyed))
	pos := make(map[string]int, len(keys))
	for _, k := range keyed {
		if !k.keyed {
			collapsed = append(collapsed, k)
			continue
		}
		if i, dup := pos[k.key]; dup {
			collapsed[i] = k
			continue
		}
		pos[k.key] = len(collapsed)
		collapsed = append(collapsed, k)
	}

	existing := map[string]int64{}
	if len(keys) > 0 {
		var err error
		existing, err = e.store.ExistingKeys(ctx, clientID, schema, keys)
		if err != nil {
			return BatchResult{}, err
		}
	}

	var (
		inserts []mapping.MappedRecord
		updates []Update
	)
	for _, k := range collapsed {
		if id, stored := existing[k.key]; k.keyed && stored {
			updates = append(updates, Update{ID: id, Record: k.rec})
			continue
		}
		inserts = append(inserts, k.rec)
	}

	if err := e.store.Write(ctx, clientID, schema, inserts, updates); err != nil {
		return BatchResult{}, err
	}
	return BatchResult{Saved: len(inserts), Updated: len(updates)}, nil
}
