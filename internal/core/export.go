package core

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/JonMunkholm/feedloader/internal/catalog"
	"github.com/JonMunkholm/feedloader/internal/fileformat"
	"github.com/JonMunkholm/feedloader/internal/mapping"
	"github.com/JonMunkholm/feedloader/internal/persist"
	"github.com/JonMunkholm/feedloader/internal/progress"
)

// ExportStrategy selects which stored records an export writes.
type ExportStrategy string

const (
	// ExportAll writes every matching record.
	ExportAll ExportStrategy = "all"
	// ExportPriced drops records without a price.
	ExportPriced ExportStrategy = "priced"
	// ExportLatestMarket keeps the newest market observation per product,
	// source and seller or region.
	ExportLatestMarket ExportStrategy = "latest_market"
)

// ParseExportStrategy reads a strategy name; empty means all.
func ParseExportStrategy(s string) (ExportStrategy, error) {
	switch ExportStrategy(strings.ToLower(strings.TrimSpace(s))) {
	case "", ExportAll:
		return ExportAll, nil
	case ExportPriced:
		return ExportPriced, nil
	case ExportLatestMarket:
		return ExportLatestMarket, nil
	}
	return "", fmt.Errorf("unknown export strategy %q", s)
}

// ExportFilter narrows the exported records. Brand and Category are
// case-insensitive substrings and apply to products only.
type ExportFilter struct {
	Brand        string    `json:"brand,omitempty"`
	Category     string    `json:"category,omitempty"`
	UpdatedSince time.Time `json:"updatedSince,omitempty"`
}

// ExportRequest describes one export.
type ExportRequest struct {
	ClientID string
	Entity   mapping.EntityType
	Filter   ExportFilter
	Strategy ExportStrategy

	Format    fileformat.Format
	Delimiter rune
	QuoteChar rune
	// Charset encodes delimited output; empty means UTF-8.
	Charset         string
	IncludeHeader   bool
	SheetName       string
	AutoSizeColumns bool

	// FieldOrder lists the exported fields. Empty means every field of the
	// entity except internal ones, in schema order.
	FieldOrder []string
	// MappingTableID names the header labels. Without one the headers are
	// the field names, which import back without a table.
	MappingTableID string
}

var exportStages = []string{StageFetch, StageProcess, StageWrite}

// exportPlan is a validated export request.
type exportPlan struct {
	req       ExportRequest
	schema    *mapping.EntitySchema
	fields    []string
	headers   []string
	filter    persist.Filter
	transform func() exportTransform
}

// StartExport validates req and queues the export. It returns the
// operation id at once; the export stays pending until a worker is free. The
// output path is in the final snapshot's OutputPath.
func (s *Service) StartExport(ctx context.Context, req ExportRequest) (string, error) {
	plan, err := s.planExport(req)
	if err != nil {
		return "", err
	}

	op := s.newOperation(ctx, progress.KindExport, plan.req.ClientID, plan.req.Entity, "")
	op.fileName = op.id + "." + plan.req.Format.Extension()
	return s.submit(ctx, op, exportStages,
		func(ctx context.Context, op *operation) error {
			return s.runExport(ctx, op, plan)
		},
		nil,
	)
}

func (s *Service) planExport(req ExportRequest) (*exportPlan, error) {
	if strings.TrimSpace(req.ClientID) == "" {
		return nil, ErrClientRequired
	}

	schema, err := s.registry.Schema(req.Entity)
	if err != nil {
		return nil, err
	}

	switch req.Format {
	case fileformat.FormatUnknown:
		req.Format = fileformat.FormatDelimitedText
	case fileformat.FormatDelimitedText, fileformat.FormatSpreadsheetXML:
	default:
		return nil, fmt.Errorf("%w: cannot export %s", fileformat.ErrUnsupportedFormat, req.Format)
	}

	if req.Strategy, err = ParseExportStrategy(string(req.Strategy)); err != nil {
		return nil, err
	}

	plan := &exportPlan{req: req, schema: schema}

	plan.fields, err = exportFields(schema, req.FieldOrder)
	if err != nil {
		return nil, err
	}
	plan.headers, err = s.exportHeaders(schema, req.MappingTableID, plan.fields)
	if err != nil {
		return nil, err
	}
	plan.filter, err = exportFilter(schema, req)
	if err != nil {
		return nil, err
	}
	plan.transform, err = exportTransformFor(schema, req.Strategy)
	if err != nil {
		return nil, err
	}
	return plan, nil
}

func exportFields(schema *mapping.EntitySchema, order []string) ([]string, error) {
	if len(order) == 0 {
		return lo.Filter(schema.FieldNames(), func(name string, _ int) bool {
			spec, _ := schema.Field(name)
			return !spec.Internal
		}), nil
	}
	for _, name := range order {
		if _, ok := schema.Field(name); !ok {
			return nil, fmt.Errorf("field order: %s has no field %q", schema.Type, name)
		}
	}
	if dup := lo.FindDuplicates(order); len(dup) > 0 {
		return nil, fmt.Errorf("field order: %q listed twice", dup[0])
	}
	return order, nil
}

func (s *Service) exportHeaders(schema *mapping.EntitySchema, tableID string, fields []string) ([]string, error) {
	if tableID == "" {
		return fields, nil
	}
	t, err := s.registry.Table(tableID)
	if err != nil {
		return nil, err
	}
	if t.Entity != schema.Type {
		return nil, fmt.Errorf("mapping table %q is for %s, not %s", t.ID, t.Entity, schema.Type)
	}
	return lo.Map(fields, func(f string, _ int) string {
		if label, ok := t.Label(f); ok {
			return label
		}
		return f
	}), nil
}

func exportFilter(schema *mapping.EntitySchema, req ExportRequest) (persist.Filter, error) {
	f := persist.Filter{
		ClientID:     req.ClientID,
		UpdatedSince: req.Filter.UpdatedSince,
	}
	contains := map[string]string{
		catalog.ProductBrand:    strings.TrimSpace(req.Filter.Brand),
		catalog.ProductCategory: strings.TrimSpace(req.Filter.Category),
	}
	for field, sub := range contains {
		if sub == "" {
			continue
		}
		if _, ok := schema.Field(field); !ok {
			return f, fmt.Errorf("%s cannot be filtered by %s", schema.Type, field)
		}
		if f.Contains == nil {
			f.Contains = make(map[string]string)
		}
		f.Contains[field] = sub
	}
	return f, nil
}

func (s *Service) runExport(ctx context.Context, op *operation, plan *exportPlan) error {
	// Stage 1: count and open the output.
	if err := s.startStage(ctx, op, StageFetch); err != nil {
		return err
	}
	total, err := s.store.Count(ctx, plan.schema, plan.filter)
	if err != nil {
		return fmt.Errorf("count %s: %w", plan.schema.Type, err)
	}
	s.tracker.SetTotal(ctx, op.id, int(total))

	if err := os.MkdirAll(s.opts.ExportDir, 0o755); err != nil {
		return fmt.Errorf("export dir: %w", err)
	}
	path := filepath.Join(s.opts.ExportDir, op.fileName)
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			f.Close()
			os.Remove(tmp)
		}
	}()

	// rows held back until the write stage report their own percentage
	var drainBase, drainTotal int
	w, err := fileformat.NewWriter(f, fileformat.WriterOptions{
		Format:          plan.req.Format,
		Delimiter:       plan.req.Delimiter,
		QuoteChar:       plan.req.QuoteChar,
		IncludeHeader:   plan.req.IncludeHeader,
		Charset:         plan.req.Charset,
		SheetName:       plan.req.SheetName,
		AutoSizeColumns: plan.req.AutoSizeColumns,
		OnProgress: func(rows int) {
			if op.stage == StageWrite && drainTotal > 0 {
				s.tracker.SetStagePercent(ctx, op.id, (rows-drainBase)*100/drainTotal)
			}
		},
	})
	if err != nil {
		return err
	}
	if err := s.completeStage(ctx, op, StageFetch); err != nil {
		return err
	}

	// Stage 2: page through the store and write what the strategy passes.
	if err := s.startStage(ctx, op, StageProcess); err != nil {
		return err
	}
	if err := w.WriteHeader(plan.headers); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	transform := plan.transform()
	filter := plan.filter
	filter.Limit = s.opts.ExportPageSize
	read, written := 0, 0
	for {
		if err := s.checkpoint(ctx, op); err != nil {
			return err
		}
		page, err := s.store.Fetch(ctx, plan.schema, filter)
		if err != nil {
			return fmt.Errorf("fetch %s: %w", plan.schema.Type, err)
		}
		if len(page) == 0 {
			break
		}
		filter.AfterID = page[len(page)-1].ID

		out := transform.apply(page)
		if err := writeRecords(w, plan.fields, out); err != nil {
			return err
		}
		read += len(page)
		written += len(out)
		s.tracker.Advance(ctx, op.id, progress.Counts{Processed: len(page)})
		op.logger.Debug("page exported", "read", len(page), "written", len(out), "after_id", filter.AfterID)

		if len(page) < filter.Limit {
			break
		}
	}
	if err := s.completeStage(ctx, op, StageProcess); err != nil {
		return err
	}

	// Stage 3: write held back rows and move the file into place.
	if err := s.startStage(ctx, op, StageWrite); err != nil {
		return err
	}
	rest := transform.drain()
	drainBase, drainTotal = written, len(rest)
	if err := writeRecords(w, plan.fields, rest); err != nil {
		return err
	}
	written += len(rest)

	if err := w.Close(); err != nil {
		return fmt.Errorf("finish output: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close output: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("move output: %w", err)
	}
	committed = true

	s.tracker.Advance(ctx, op.id, progress.Counts{Saved: written, Skipped: read - written})
	s.tracker.SetOutput(ctx, op.id, path)
	if err := s.completeStage(ctx, op, StageWrite); err != nil {
		return err
	}
	_, err = s.tracker.Complete(ctx, op.id)
	return err
}

func writeRecords(w fileformat.FormatWriter, fields []string, records []persist.StoredRecord) error {
	row := make([]any, len(fields))
	for _, r := range records {
		for i, f := range fields {
			row[i] = r.Record.Get(f)
		}
		if err := w.WriteRow(row); err != nil {
			return fmt.Errorf("write record %d: %w", r.ID, err)
		}
	}
	return nil
}

// exportTransform filters pages of stored records. Records it holds back
// are returned by drain once every page was seen.
type exportTransform interface {
	apply(page []persist.StoredRecord) []persist.StoredRecord
	drain() []persist.StoredRecord
}

func exportTransformFor(schema *mapping.EntitySchema, strategy ExportStrategy) (func() exportTransform, error) {
	switch strategy {
	case ExportPriced:
		field, err := catalog.PriceField(schema.Type)
		if err != nil {
			return nil, fmt.Errorf("%s export of %s: %w", strategy, schema.Type, err)
		}
		return func() exportTransform { return pricedOnly{field: field} }, nil
	case ExportLatestMarket:
		if schema.Type != catalog.EntityMarketData {
			return nil, fmt.Errorf("%s export needs %s, not %s", strategy, catalog.EntityMarketData, schema.Type)
		}
		return func() exportTransform { return newLatestMarket() }, nil
	}
	return func() exportTransform { return passThrough{} }, nil
}

type passThrough struct{}

func (passThrough) apply(page []persist.StoredRecord) []persist.StoredRecord { return page }
func (passThrough) drain() []persist.StoredRecord { return nil }

type pricedOnly struct {
	field string
}

func (p pricedOnly) apply(page []persist.StoredRecord) []persist.StoredRecord {
	return lo.Filter(page, func(r persist.StoredRecord, _ int) bool {
		return r.Record.Has(p.field)
	})
}

func (pricedOnly) drain() []persist.StoredRecord { return nil }

// latestMarket keeps the newest observation per product, source type,
// seller and region. Equal observation times go to the later record.
type latestMarket struct {
	order  []string
	latest map[string]persist.StoredRecord
}

func newLatestMarket() *latestMarket {
	return &latestMarket{latest: make(map[string]persist.StoredRecord)}
}

func (l *latestMarket) apply(page []persist.StoredRecord) []persist.StoredRecord {
	for _, r := range page {
		key := strings.Join([]string{
			r.Record.String(catalog.ProductID),
			r.Record.String(catalog.MarketSourceType),
			r.Record.String(catalog.MarketSeller),
			r.Record.String(catalog.MarketRegion),
		}, "\x1f")

		cur, seen := l.latest[key]
		if !seen {
			l.order = append(l.order, key)
			l.latest[key] = r
			continue
		}
		if !observedAt(r).Before(observedAt(cur)) {
			l.latest[key] = r
		}
	}
	return nil
}

func (l *latestMarket) drain() []persist.StoredRecord {
	out := make([]persist.StoredRecord, 0, len(l.order))
	for _, key := range l.order {
		out = append(out, l.latest[key])
	}
	return out
}

func observedAt(r persist.StoredRecord) time.Time {
	t, _ := r.Record.Get(catalog.MarketObservedAt).(time.Time)
	return t
}
