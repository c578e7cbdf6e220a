package mapping

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// SuggestThreshold is the minimum share of headers a table must resolve to
// be suggested over the entity's default table.
const SuggestThreshold = 0.7

// Registry holds entity schemas and mapping tables. It is built once and
// never modified, so it is safe for concurrent use.
type Registry struct {
	schemas  map[EntityType]*EntitySchema
	order    []EntityType
	tables   map[string]*Table
	byEntity map[EntityType][]*Table
}

// NewRegistry validates and indexes schemas and tables. The first table
// registered for an entity is its default table.
func NewRegistry(schemas []*EntitySchema, tables []*Table) (*Registry, error) {
	r := &Registry{
		schemas:  make(map[EntityType]*EntitySchema, len(schemas)),
		tables:   make(map[string]*Table, len(tables)),
		byEntity: make(map[EntityType][]*Table),
	}

	for _, s := range schemas {
		if _, dup := r.schemas[s.Type]; dup {
			return nil, fmt.Errorf("duplicate entity schema %q", s.Type)
		}
		r.schemas[s.Type] = s
		r.order = append(r.order, s.Type)
	}

	for _, t := range tables {
		schema, ok := r.schemas[t.Entity]
		if !ok {
			return nil, fmt.Errorf("table %q: %w %q", t.ID, ErrUnknownEntity, t.Entity)
		}
		if _, dup := r.tables[t.ID]; dup {
			return nil, fmt.Errorf("duplicate mapping table %q", t.ID)
		}
		for _, c := range t.columns {
			spec, ok := schema.Field(c.Field)
			if !ok {
				return nil, fmt.Errorf("table %q: label %q maps to unknown field %q", t.ID, c.Label, c.Field)
			}
			if spec.Internal {
				return nil, fmt.Errorf("table %q: field %q is not mappable", t.ID, c.Field)
			}
		}
		r.tables[t.ID] = t
		r.byEntity[t.Entity] = append(r.byEntity[t.Entity], t)
	}
	return r, nil
}

// Schema returns the schema for entity.
func (r *Registry) Schema(entity EntityType) (*EntitySchema, error) {
	s, ok := r.schemas[entity]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownEntity, entity)
	}
	return s, nil
}

// Schemas returns all schemas in registration order.
func (r *Registry) Schemas() []*EntitySchema {
	out := make([]*EntitySchema, 0, len(r.order))
	for _, t := range r.order {
		out = append(out, r.schemas[t])
	}
	return out
}

// Table returns a table by id.
func (r *Registry) Table(id string) (*Table, error) {
	t, ok := r.tables[id]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownTable, id)
	}
	return t, nil
}

// Tables returns the tables registered for entity.
func (r *Registry) Tables(entity EntityType) []*Table {
	return append([]*Table(nil), r.byEntity[entity]...)
}

// DefaultTable returns the first table registered for entity, or nil when
// the entity only supports identity mapping.
func (r *Registry) DefaultTable(entity EntityType) *Table {
	if ts := r.byEntity[entity]; len(ts) > 0 {
		return ts[0]
	}
	return nil
}

// Suggestion is a scored candidate table.
type Suggestion struct {
	Entity EntityType `json:"entity"`
	Table  string     `json:"table"`
	Name   string     `json:"name"`
	Score  float64    `json:"score"`
}

// Suggest scores every table of entity against headers, or every table of
// every entity when entity is empty. The result is ordered best first.
func (r *Registry) Suggest(entity EntityType, headers []string) []Suggestion {
	var out []Suggestion
	for _, et := range r.order {
		if entity != "" && et != entity {
			continue
		}
		schema := r.schemas[et]
		for _, t := range r.byEntity[et] {
			out = append(out, Suggestion{
				Entity: et,
				Table:  t.ID,
				Name:   t.Name,
				Score:  headerScore(schema, t, headers),
			})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Score > out[j].Score
	})
	return out
}

// Pick returns the best table for headers when it reaches SuggestThreshold,
// otherwise the entity's default table.
func (r *Registry) Pick(entity EntityType, headers []string) (*Table, error) {
	if _, err := r.Schema(entity); err != nil {
		return nil, err
	}
	if s := r.Suggest(entity, headers); len(s) > 0 && s[0].Score >= SuggestThreshold {
		return r.tables[s[0].Table], nil
	}
	return r.DefaultTable(entity), nil
}

// headerScore is the share of non-blank headers that resolve to a field.
func headerScore(schema *EntitySchema, t *Table, headers []string) float64 {
	total, matched := 0, 0
	for _, h := range headers {
		if strings.TrimSpace(h) == "" {
			continue
		}
		total++
		if _, ok := resolveHeader(schema, t, h); ok {
			matched++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(matched) / float64(total)
}

type tableFile struct {
	Tables []struct {
		ID      string   `yaml:"id"`
		Entity  string   `yaml:"entity"`
		Name    string   `yaml:"name"`
		Columns []Column `yaml:"columns"`
	} `yaml:"tables"`
}

// LoadTables reads mapping tables from YAML:
//
//	tables:
//	  - id: supplier-acme
//	    entity: product
//	    name: ACME price list
//	    columns:
//	      - {label: "Артикул", field: productId}
func LoadTables(r io.Reader) ([]*Table, error) {
	var doc tableFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("decode mapping tables: %w", err)
	}

	tables := make([]*Table, 0, len(doc.Tables))
	for i, t := range doc.Tables {
		if t.ID == "" || t.Entity == "" {
			return nil, fmt.Errorf("mapping table %d: id and entity are required", i)
		}
		name := t.Name
		if name == "" {
			name = t.ID
		}
		tables = append(tables, NewTable(t.ID, EntityType(t.Entity), name, t.Columns))
	}
	return tables, nil
}

// LoadTablesFile reads mapping tables from a YAML file.
func LoadTablesFile(path string) ([]*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open mapping file: %w", err)
	}
	defer f.Close()
	return LoadTables(f)
}
