package mapping

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func testRegistry(t *testing.T, extra ...*Table) *Registry {
	t.Helper()
	tables := append([]*Table{
		NewTable("items-default", "item", "Default", []Column{{Label: "Артикул", Field: "sku"}}),
		testTable(),
	}, extra...)
	r, err := NewRegistry([]*EntitySchema{testSchema()}, tables)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	return r
}

func TestRegistry_Lookup(t *testing.T) {
	r := testRegistry(t)

	if _, err := r.Schema("item"); err != nil {
		t.Errorf("Schema(item) error = %v", err)
	}
	if _, err := r.Schema("nope"); !errors.Is(err, ErrUnknownEntity) {
		t.Errorf("Schema(nope) error = %v, want ErrUnknownEntity", err)
	}
	if _, err := r.Table("missing"); !errors.Is(err, ErrUnknownTable) {
		t.Errorf("Table(missing) error = %v, want ErrUnknownTable", err)
	}
	if got := r.DefaultTable("item"); got == nil || got.ID != "items-default" {
		t.Errorf("DefaultTable() = %v, want items-default", got)
	}
	if got := len(r.Tables("item")); got != 2 {
		t.Errorf("Tables() returned %d, want 2", got)
	}
}

func TestNewRegistry_Errors(t *testing.T) {
	tests := []struct {
		name   string
		tables []*Table
	}{
		{"unknown entity", []*Table{NewTable("x", "ghost", "", nil)}},
		{"unknown field", []*Table{NewTable("x", "item", "", []Column{{Label: "A", Field: "nope"}})}},
		{"internal field", []*Table{NewTable("x", "item", "", []Column{{Label: "A", Field: "ref"}})}},
		{"duplicate id", []*Table{NewTable("x", "item", "", nil), NewTable("x", "item", "", nil)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewRegistry([]*EntitySchema{testSchema()}, tt.tables); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestRegistry_Suggest(t *testing.T) {
	r := testRegistry(t)
	headers := []string{"Артикул", "Название", "Цена", "Количество", ""}

	s := r.Suggest("", headers)
	if len(s) != 2 {
		t.Fatalf("got %d suggestions, want 2", len(s))
	}
	if s[0].Table != "items-ru" || s[0].Score != 1 {
		t.Errorf("best = %+v, want items-ru with score 1", s[0])
	}
	if s[1].Score != 0.25 {
		t.Errorf("default table score = %v, want 0.25", s[1].Score)
	}

	picked, err := r.Pick("item", headers)
	if err != nil {
		t.Fatalf("Pick() error = %v", err)
	}
	if picked.ID != "items-ru" {
		t.Errorf("Pick() = %s, want items-ru", picked.ID)
	}
}

func TestRegistry_PickFallsBackToDefault(t *testing.T) {
	r := testRegistry(t)

	picked, err := r.Pick("item", []string{"Название", "Something", "Else"})
	if err != nil {
		t.Fatalf("Pick() error = %v", err)
	}
	if picked.ID != "items-default" {
		t.Errorf("Pick() = %s, want default table below threshold", picked.ID)
	}

	if _, err := r.Pick("ghost", nil); !errors.Is(err, ErrUnknownEntity) {
		t.Errorf("Pick(ghost) error = %v", err)
	}
}

func TestTable_Resolve(t *testing.T) {
	tbl := testTable()

	tests := []struct {
		label string
		want  string
		ok    bool
	}{
		{"Цена", "price", true},
		{"цена", "price", true},
		{"  PRICE ", "price", true},
		{"Количество", "qty", true},
		{"Стоимость", "", false},
	}
	for _, tt := range tests {
		got, ok := tbl.Resolve(tt.label)
		if got != tt.want || ok != tt.ok {
			t.Errorf("Resolve(%q) = %q, %v; want %q, %v", tt.label, got, ok, tt.want, tt.ok)
		}
	}

	if l, ok := tbl.Label("price"); !ok || l != "Цена" {
		t.Errorf("Label(price) = %q, %v; want first label Цена", l, ok)
	}
}

func TestLoadTables(t *testing.T) {
	doc := `
tables:
  - id: supplier-acme
    entity: item
    name: ACME price list
    columns:
      - {label: "Код", field: sku}
      - label: "Наименование"
        field: title
`
	tables, err := LoadTables(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("LoadTables() error = %v", err)
	}
	if len(tables) != 1 {
		t.Fatalf("got %d tables, want 1", len(tables))
	}
	tbl := tables[0]
	if tbl.ID != "supplier-acme" || tbl.Entity != "item" || tbl.Name != "ACME price list" {
		t.Errorf("table = %+v", tbl)
	}
	if f, ok := tbl.Resolve("Наименование"); !ok || f != "title" {
		t.Errorf("Resolve() = %q, %v", f, ok)
	}

	// Loaded tables pass registry validation.
	testRegistry(t, tables...)
}

func TestLoadTables_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"missing id", "tables:\n  - entity: item\n"},
		{"unknown key", "tables:\n  - id: x\n    entity: item\n    colums: []\n"},
		{"not yaml", "tables: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadTables(strings.NewReader(tt.doc)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoadTablesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mapping.yaml")
	if err := os.WriteFile(path, []byte(""), 0o644); err != nil {
		t.Fatal(err)
	}
	tables, err := LoadTablesFile(path)
	if err != nil || len(tables) != 0 {
		t.Errorf("LoadTablesFile(empty) = %v, %v", tables, err)
	}

	if _, err := LoadTablesFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
