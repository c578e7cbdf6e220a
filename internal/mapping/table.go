package mapping

import "strings"

// Column associates a source column label with an entity field.
type Column struct {
	Label string `yaml:"label" json:"label"`
	Field string `yaml:"field" json:"field"`
}

// Table is a label/field association for one entity type. A field may have
// several labels; a label maps to exactly one field. Tables are immutable.
type Table struct {
	ID     string
	Entity EntityType
	Name   string

	columns []Column
	exact   map[string]string
	folded  map[string]string
	labels  map[string]string
}

// NewTable builds a table. When a label repeats, the first entry wins.
func NewTable(id string, entity EntityType, name string, columns []Column) *Table {
	t := &Table{
		ID:      id,
		Entity:  entity,
		Name:    name,
		columns: append([]Column(nil), columns...),
		exact:   make(map[string]string, len(columns)),
		folded:  make(map[string]string, len(columns)),
		labels:  make(map[string]string, len(columns)),
	}
	for _, c := range columns {
		label := strings.TrimSpace(c.Label)
		if label == "" || c.Field == "" {
			continue
		}
		if _, ok := t.exact[label]; !ok {
			t.exact[label] = c.Field
		}
		if key := foldLabel(label); key != "" {
			if _, ok := t.folded[key]; !ok {
				t.folded[key] = c.Field
			}
		}
		if _, ok := t.labels[c.Field]; !ok {
			t.labels[c.Field] = label
		}
	}
	return t
}

// Resolve returns the field for a source label: exact match first, then
// case-insensitive.
func (t *Table) Resolve(label string) (string, bool) {
	if t == nil {
		return "", false
	}
	label = strings.TrimSpace(label)
	if f, ok := t.exact[label]; ok {
		return f, true
	}
	f, ok := t.folded[foldLabel(label)]
	return f, ok
}

// Label returns the first label registered for field.
func (t *Table) Label(field string) (string, bool) {
	if t == nil {
		return "", false
	}
	l, ok := t.labels[field]
	return l, ok
}

// Columns returns the table's label/field pairs in declaration order.
func (t *Table) Columns() []Column {
	return append([]Column(nil), t.columns...)
}

func foldLabel(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
