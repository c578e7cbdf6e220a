package core

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/JonMunkholm/feedloader/internal/fileformat"
	"github.com/JonMunkholm/feedloader/internal/mapping"
	"github.com/JonMunkholm/feedloader/internal/persist"
	"github.com/JonMunkholm/feedloader/internal/progress"
)

// ImportRequest describes one file import. The file at Path belongs to the
// operation once StartImport accepts the request: it is archived or deleted
// when the operation ends.
type ImportRequest struct {
	ClientID string
	// Path is the stored upload. FileName is the name the client sent; its
	// extension decides the format.
	Path     string
	FileName string
	Entity   mapping.EntityType
	// MappingTableID selects a mapping table. Empty means the best match for
	// the file's headers.
	MappingTableID string
	// Defaults are raw values for fields the file leaves empty.
	Defaults map[string]string
	Strategy persist.DuplicateStrategy
	// Archive keeps the source file through the archiver instead of
	// deleting it.
	Archive bool
	// Options control the reader; nil means fileformat.DefaultOptions.
	Options   *fileformat.Options
	ChunkSize int
}

var importStages = []string{StageDataFetch, StageProcessing, StagePersist}

// StartImport validates req and queues the import. It returns the operation
// id at once; the import stays pending until a worker is free. A request
// that fails validation leaves the source file alone. Once validated the
// file belongs to the operation, so a full queue, a wait that expires or a
// cancel while queued all archive or delete it like any other finished
// import.
func (s *Service) StartImport(ctx context.Context, req ImportRequest) (string, error) {
	req, schema, err := s.validateImport(req)
	if err != nil {
		return "", err
	}

	op := s.newOperation(ctx, progress.KindImport, req.ClientID, req.Entity, req.FileName)
	return s.submit(ctx, op, importStages,
		func(ctx context.Context, op *operation) error {
			return s.runImport(ctx, op, schema, req)
		},
		func() { s.disposeSource(op, req) },
	)
}

func (s *Service) validateImport(req ImportRequest) (ImportRequest, *mapping.EntitySchema, error) {
	if strings.TrimSpace(req.ClientID) == "" {
		return req, nil, ErrClientRequired
	}
	if req.Path == "" {
		return req, nil, errors.New("source path is required")
	}
	if req.FileName == "" {
		req.FileName = filepath.Base(req.Path)
	}

	schema, err := s.registry.Schema(req.Entity)
	if err != nil {
		return req, nil, err
	}
	if rel := schema.Relation; rel != nil {
		if _, err := s.registry.Schema(rel.Target); err != nil {
			return req, nil, fmt.Errorf("%s relation: %w", schema.Type, err)
		}
	}

	strategy, err := persist.ParseStrategy(string(req.Strategy))
	if err != nil {
		return req, nil, err
	}
	req.Strategy = strategy

	if req.MappingTableID != "" {
		t, err := s.registry.Table(req.MappingTableID)
		if err != nil {
			return req, nil, err
		}
		if t.Entity != schema.Type {
			return req, nil, fmt.Errorf("mapping table %q is for %s, not %s", t.ID, t.Entity, schema.Type)
		}
	}

	if req.ChunkSize < 0 {
		return req, nil, fmt.Errorf("chunk size must not be negative, got %d", req.ChunkSize)
	}
	if req.ChunkSize == 0 {
		req.ChunkSize = s.opts.ChunkSize
	}
	if req.Options == nil {
		opts := fileformat.DefaultOptions()
		req.Options = &opts
	}
	return req, schema, nil
}

func (s *Service) runImport(ctx context.Context, op *operation, schema *mapping.EntitySchema, req ImportRequest) error {
	// Stage 1: detect the file, find its header and pick the mapping.
	if err := s.startStage(ctx, op, StageDataFetch); err != nil {
		return err
	}
	reader, mappers, err := s.openSource(op, schema, req)
	if err != nil {
		return err
	}
	defer reader.Close()

	s.tracker.SetTotal(ctx, op.id, reader.EstimateRowCount())
	if err := s.completeStage(ctx, op, StageDataFetch); err != nil {
		return err
	}

	// Stage 2: map and validate chunk by chunk. Full batches are written as
	// they fill up.
	if err := s.startStage(ctx, op, StageProcessing); err != nil {
		return err
	}
	sink, err := s.newImportSink(op, schema, req.Strategy)
	if err != nil {
		return err
	}

	for reader.HasMoreRows() {
		if err := s.checkpoint(ctx, op); err != nil {
			return err
		}

		raws, readErr := reader.ReadChunk(req.ChunkSize)
		records, related, rowErrs := mappers.mapChunk(raws)

		if len(rowErrs) > 0 {
			s.tracker.AddRowErrors(ctx, op.id, rowErrs...)
		}
		s.tracker.Advance(ctx, op.id, progress.Counts{Processed: len(raws)})

		if readErr != nil {
			return fmt.Errorf("read after line %d: %w", reader.Position(), readErr)
		}

		op.logger.Debug("chunk mapped",
			"position", reader.Position(),
			"records", len(records),
			"related", len(related),
			"row_errors", len(rowErrs),
		)
		sink.add(ctx, records, related)
	}
	if err := s.completeStage(ctx, op, StageProcessing); err != nil {
		return err
	}

	// Stage 3: write what is left.
	if err := s.startStage(ctx, op, StagePersist); err != nil {
		return err
	}
	sink.flush(ctx)
	if err := s.completeStage(ctx, op, StagePersist); err != nil {
		return err
	}

	_, err = s.tracker.Complete(ctx, op.id)
	return err
}

func (s *Service) openSource(op *operation, schema *mapping.EntitySchema, req ImportRequest) (fileformat.ChunkedReader, *rowMappers, error) {
	src, err := fileformat.Detect(req.Path, req.FileName)
	if err != nil {
		return nil, nil, err
	}

	reader, err := fileformat.Open(src, *req.Options)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", src.Name, err)
	}

	headers, err := reader.Headers()
	if err != nil {
		reader.Close()
		return nil, nil, err
	}

	table, err := s.resolveTable(schema, req.MappingTableID, headers)
	if err != nil {
		reader.Close()
		return nil, nil, err
	}

	mapper, err := mapping.NewMapper(schema, table, req.Defaults)
	if err != nil {
		reader.Close()
		return nil, nil, err
	}
	mappers := &rowMappers{primary: mapper}

	// Columns named after the referenced entity's fields carry those
	// records in the same file.
	if rel := schema.Relation; rel != nil {
		target, err := s.registry.Schema(rel.Target)
		if err != nil {
			reader.Close()
			return nil, nil, err
		}
		if carriesFields(target, headers) {
			if mappers.related, err = mapping.NewMapper(target, nil, nil); err != nil {
				reader.Close()
				return nil, nil, err
			}
		}
	}

	tableID := ""
	if table != nil {
		tableID = table.ID
	}
	op.logger.Info("source opened",
		"format", src.Format,
		"charset", src.Charset,
		"delimiter", string(src.Delimiter),
		"headers", len(headers),
		"mapping_table", tableID,
		"carries_related", mappers.related != nil,
	)
	return reader, mappers, nil
}

// resolveTable returns the requested table or the best match for headers,
// which may be nil when the entity has no tables at all.
func (s *Service) resolveTable(schema *mapping.EntitySchema, id string, headers []string) (*mapping.Table, error) {
	if id == "" {
		return s.registry.Pick(schema.Type, headers)
	}
	t, err := s.registry.Table(id)
	if err != nil {
		return nil, err
	}
	if t.Entity != schema.Type {
		return nil, fmt.Errorf("mapping table %q is for %s, not %s", t.ID, t.Entity, schema.Type)
	}
	return t, nil
}

// rowError collects the field errors of one source line.
type rowError struct {
	line int
	errs []error
}

func (e *rowError) Error() string {
	msgs := make([]string, len(e.errs))
	for i, err := range e.errs {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("line %d: %s", e.line, strings.Join(msgs, "; "))
}

func (e *rowError) Unwrap() []error { return e.errs }

// carriesFields reports whether headers name a non-key field of target.
func carriesFields(target *mapping.EntitySchema, headers []string) bool {
	for _, h := range headers {
		spec, ok := target.Field(h)
		if ok && !spec.Internal && !slices.Contains(target.Key, h) {
			return true
		}
	}
	return false
}

// rowMappers map the rows of one file. related is set when the file also
// carries the records its entity references.
type rowMappers struct {
	primary *mapping.Mapper
	related *mapping.Mapper
}

// mapChunk fills and validates raw records. A record that fails validation
// is dropped; one whose only problem is an unparsable optional value is
// kept without that value. Either way the line yields one row error. A
// carried related record that fails validation is dropped and reported on
// its line, while the primary record is kept.
func (m *rowMappers) mapChunk(raws []fileformat.RawRecord) (records, related []mapping.MappedRecord, rowErrs []error) {
	records = make([]mapping.MappedRecord, 0, len(raws))

	for _, raw := range raws {
		rec, ok, errs := m.primary.Fill(raw, raw.Line)
		if err := m.primary.Schema().Validate(rec); err != nil {
			rowErrs = append(rowErrs, err)
			continue
		}

		if m.related != nil {
			rel, carried, relErrs := m.fillRelated(raw)
			if carried {
				related = append(related, rel)
			}
			if len(relErrs) > 0 {
				errs = append(errs, relErrs...)
				ok = false
			}
		}

		if !ok {
			rowErrs = append(rowErrs, &rowError{line: raw.Line, errs: errs})
		}
		records = append(records, rec)
	}
	return records, related, rowErrs
}

// fillRelated maps the related entity's columns of raw. A row whose related
// columns are all blank carries nothing.
func (m *rowMappers) fillRelated(raw fileformat.RawRecord) (mapping.MappedRecord, bool, []error) {
	schema := m.related.Schema()
	rec, _, errs := m.related.Fill(raw, raw.Line)

	carried := false
	for field := range rec.Values {
		if !slices.Contains(schema.Key, field) {
			carried = true
			break
		}
	}
	if !carried {
		return rec, false, errs
	}
	if err := schema.Validate(rec); err != nil {
		// The row error already names the line.
		var me *mapping.MappingError
		if errors.As(err, &me) {
			err = &mapping.MappingError{Field: me.Field, Reason: fmt.Sprintf("%s: %s", schema.Type, me.Reason)}
		}
		return rec, false, append(errs, err)
	}
	return rec, true, errs
}

// importSink buffers mapped records and saves them in engine-sized
// batches.
type importSink struct {
	s        *Service
	op       *operation
	schema   *mapping.EntitySchema
	strategy persist.DuplicateStrategy
	size     int
	pending  []mapping.MappedRecord

	// set for entities that reference another entity
	holder  *persist.RelationHolder
	target  *mapping.EntitySchema
	related []mapping.MappedRecord
}

func (s *Service) newImportSink(op *operation, schema *mapping.EntitySchema, strategy persist.DuplicateStrategy) (*importSink, error) {
	sink := &importSink{
		s:        s,
		op:       op,
		schema:   schema,
		strategy: strategy,
		size:     s.engine.BatchSize(),
	}
	if rel := schema.Relation; rel != nil {
		target, err := s.registry.Schema(rel.Target)
		if err != nil {
			return nil, err
		}
		sink.holder = persist.NewRelationHolder(*rel)
		sink.target = target
	}
	return sink, nil
}

func (k *importSink) add(ctx context.Context, records, related []mapping.MappedRecord) {
	k.related = append(k.related, related...)
	k.pending = append(k.pending, records...)
	for len(k.pending) >= k.size {
		k.write(ctx, k.pending[:k.size])
		k.pending = append(k.pending[:0], k.pending[k.size:]...)
	}
}

func (k *importSink) flush(ctx context.Context) {
	if len(k.pending) == 0 {
		k.saveRelated(ctx)
		return
	}
	k.write(ctx, k.pending)
	k.pending = k.pending[:0]
}

// write saves one batch. Failures are counted against the batch's records
// and never stop the import.
func (k *importSink) write(ctx context.Context, batch []mapping.MappedRecord) {
	tracker, id := k.s.tracker, k.op.id

	if k.holder != nil {
		// Referenced records read so far go first so their ids exist.
		k.saveRelated(ctx)
		for _, rec := range batch {
			k.holder.Hold(rec)
		}
		resolved, unresolved, err := k.holder.Resolve(ctx, k.s.store, k.op.clientID, k.target)
		if err != nil {
			k.op.logger.Warn("relation lookup failed", "size", len(batch), "error", err)
			tracker.Advance(ctx, id, progress.Counts{Failed: len(batch)})
			tracker.AddErrorSamples(ctx, id, err.Error())
			return
		}
		if len(unresolved) > 0 {
			tracker.AddRowErrors(ctx, id, unresolved...)
		}
		batch = resolved
	}
	if len(batch) == 0 {
		return
	}

	res := k.s.engine.SaveBatch(ctx, k.op.clientID, k.schema, batch, k.strategy)
	tracker.Advance(ctx, id, progress.Counts{
		Saved:   res.Saved,
		Updated: res.Updated,
		Skipped: res.Skipped,
		Failed:  res.Failed,
	})
	if len(res.Errors) > 0 {
		tracker.AddErrorSamples(ctx, id, res.Errors...)
	}
	k.op.logger.Debug("batch saved",
		"size", len(batch),
		"saved", res.Saved,
		"updated", res.Updated,
		"skipped", res.Skipped,
		"failed", res.Failed,
	)
}

// disposeSource archives the import's source file when asked to and
// deletes it otherwise. A file that fails to archive stays where it is.
func (s *Service) disposeSource(op *operation, req ImportRequest) {
	if req.Archive && s.archiver != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		location, err := s.archiver.Archive(ctx, op.id, req.Path, req.FileName)
		if err != nil {
			op.logger.Warn("archive source failed", "path", req.Path, "error", err)
			return
		}
		op.logger.Info("source archived", "location", location)
		return
	}

	if err := os.Remove(req.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		op.logger.Warn("remove source failed", "path", req.Path, "error", err)
	}
}

// saveRelated writes the referenced records carried by the rows read so
// far. Rows repeating a key collapse to the last one. Existing records are
// updated under OVERRIDE and left alone otherwise; IGNORE would insert a
// duplicate referenced record for every import.
func (k *importSink) saveRelated(ctx context.Context) {
	if len(k.related) == 0 {
		return
	}
	batch := lastByKey(k.target, k.related)
	k.related = k.related[:0]

	strategy := persist.StrategySkip
	if k.strategy == persist.StrategyOverride {
		strategy = persist.StrategyOverride
	}
	res := k.s.engine.SaveBatch(ctx, k.op.clientID, k.target, batch, strategy)
	if len(res.Errors) > 0 {
		k.s.tracker.AddErrorSamples(ctx, k.op.id, res.Errors...)
	}
	k.op.logger.Debug("related batch saved",
		"entity", k.target.Type,
		"size", len(batch),
		"saved", res.Saved,
		"updated", res.Updated,
		"skipped", res.Skipped,
		"failed", res.Failed,
	)
}

// lastByKey keeps the last record of every key, in first-seen order.
// Records with an incomplete key are kept as they are.
func lastByKey(schema *mapping.EntitySchema, records []mapping.MappedRecord) []mapping.MappedRecord {
	out := make([]mapping.MappedRecord, 0, len(records))
	at := make(map[string]int, len(records))
	for _, rec := range records {
		key, ok := persist.RecordKey(schema, rec)
		if !ok {
			out = append(out, rec)
			continue
		}
		if i, seen := at[key]; seen {
			out[i] = rec
			continue
		}
		at[key] = len(out)
		out = append(out, rec)
	}
	return out
}
