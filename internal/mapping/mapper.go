package mapping

import (
	"fmt"
	"strings"
)

// Source is a header/value record, such as fileformat.RawRecord.
type Source interface {
	Len() int
	Header(i int) string
	Value(i int) string
}

// Mapper fills typed records of one entity from source records. Header
// resolutions are cached, so a Mapper is meant for the records of a single
// file and is not safe for concurrent use.
type Mapper struct {
	schema   *EntitySchema
	table    *Table
	defaults map[string]any
	resolved map[string]string
}

// NewMapper returns a mapper for schema using table, which may be nil for
// identity mapping only. defaults supplies raw values for fields the source
// leaves unset; they are coerced once here.
func NewMapper(schema *EntitySchema, table *Table, defaults map[string]string) (*Mapper, error) {
	if table != nil && table.Entity != schema.Type {
		return nil, fmt.Errorf("mapping table %q is for %s, not %s", table.ID, table.Entity, schema.Type)
	}
	m := &Mapper{
		schema:   schema,
		table:    table,
		defaults: make(map[string]any, len(defaults)),
		resolved: make(map[string]string),
	}
	for field, raw := range defaults {
		spec, ok := schema.Field(field)
		if !ok || spec.Internal {
			return nil, fmt.Errorf("default for unknown field %q", field)
		}
		if spec.Normalizer != nil {
			raw = spec.Normalizer(raw)
		}
		v, err := Coerce(spec, raw)
		if err != nil {
			return nil, fmt.Errorf("default for %q: %w", field, err)
		}
		m.defaults[field] = v
	}
	return m, nil
}

// Schema returns the mapper's entity schema.
func (m *Mapper) Schema() *EntitySchema { return m.schema }

// Table returns the mapping table in use, or nil.
func (m *Mapper) Table() *Table { return m.table }

// Resolve returns the field a source header maps to.
func (m *Mapper) Resolve(header string) (string, bool) {
	if f, ok := m.resolved[header]; ok {
		return f, f != ""
	}
	f, _ := resolveHeader(m.schema, m.table, header)
	m.resolved[header] = f
	return f, f != ""
}

// Fill maps src into a new record. Blank values and unmapped headers are
// skipped; when two headers map to the same field the later valid value
// wins. A value that cannot be coerced is reported in errs and ok is false;
// it does not clear a value already taken from an earlier column. Fill
// never fails outright.
func (m *Mapper) Fill(src Source, line int) (rec MappedRecord, ok bool, errs []error) {
	rec = NewRecord(m.schema.Type, line)
	ok = true

	for i := 0; i < src.Len(); i++ {
		raw := src.Value(i)
		if strings.TrimSpace(raw) == "" {
			continue
		}
		field, found := m.Resolve(src.Header(i))
		if !found {
			continue
		}
		spec, _ := m.schema.Field(field)

		if spec.Normalizer != nil {
			raw = spec.Normalizer(raw)
			if strings.TrimSpace(raw) == "" {
				continue
			}
		}

		v, err := Coerce(spec, raw)
		if err != nil {
			errs = append(errs, err)
			ok = false
			continue
		}
		rec.Values[field] = v
	}

	for field, v := range m.defaults {
		if !rec.Has(field) {
			rec.Values[field] = v
		}
	}
	return rec, ok, errs
}

// resolveHeader maps a header to a field: an exact, mappable field name
// first, then the table's labels.
func resolveHeader(schema *EntitySchema, t *Table, header string) (string, bool) {
	if spec, ok := schema.Field(header); ok && !spec.Internal {
		return header, true
	}
	if t == nil {
		return "", false
	}
	return t.Resolve(header)
}
