// Package mapping turns raw header/value records into typed entity records.
//
// An [EntitySchema] declares the fields of one entity type. A [Table] maps
// source column labels onto those fields. The [Mapper] resolves each header
// through the schema and table, coerces the value with the transformer
// registered for the field's [FieldType], and leaves validation to
// [EntitySchema.Validate].
//
// Schemas and tables are collected in an immutable [Registry] built once at
// startup and shared by every operation.
package mapping

import (
	"errors"
	"fmt"
	"strings"
)

// FieldType is the declared type of an entity field.
type FieldType int

const (
	FieldText FieldType = iota
	FieldInteger
	FieldNumeric
	FieldDate
	FieldDateTime
	FieldBool
	FieldEnum
)

func (t FieldType) String() string {
	switch t {
	case FieldText:
		return "text"
	case FieldInteger:
		return "integer"
	case FieldNumeric:
		return "number"
	case FieldDate:
		return "date"
	case FieldDateTime:
		return "datetime"
	case FieldBool:
		return "bool"
	case FieldEnum:
		return "enum"
	}
	return fmt.Sprintf("FieldType(%d)", int(t))
}

// FieldSpec declares one field of an entity.
type FieldSpec struct {
	Name       string              // Field name used in records and as identity-mapping header
	Label      string              // Default human-readable column label
	Column     string              // Storage column; derived from Name when empty
	Type       FieldType           // Coercion applied to raw values
	Required   bool                // Record is rejected when the field is unset
	EnumValues []string            // Allowed values for FieldEnum, in canonical spelling
	Normalizer func(string) string // Optional cleanup applied before coercion

	// Internal fields are set by the pipeline, never from a source column.
	Internal bool
}

// ColumnName returns the storage column for the field.
func (f FieldSpec) ColumnName() string {
	if f.Column != "" {
		return f.Column
	}
	return toSnake(f.Name)
}

// EntityType names an entity schema, e.g. "product".
type EntityType string

// Relation links a field holding an external id to the internal id of
// another entity.
type Relation struct {
	Field  string     // Field holding the external id
	Target EntityType // Entity the id belongs to
	Into   string     // Internal field receiving the resolved id
}

// EntitySchema is the declarative description of an entity.
type EntitySchema struct {
	Type   EntityType
	Label  string
	Table  string   // Storage table
	Fields []FieldSpec
	Key    []string // Fields forming the unique key

	// Relation is set when records reference another entity.
	Relation *Relation

	// Rule is an optional record-level check run after required fields.
	Rule func(MappedRecord) error

	index map[string]int
}

// NewEntitySchema indexes the schema's fields. It panics on duplicate or
// unknown field names since schemas are static program data.
func NewEntitySchema(s EntitySchema) *EntitySchema {
	s.index = make(map[string]int, len(s.Fields))
	for i, f := range s.Fields {
		if _, dup := s.index[f.Name]; dup {
			panic(fmt.Sprintf("mapping: duplicate field %q in %s", f.Name, s.Type))
		}
		s.index[f.Name] = i
	}
	for _, k := range s.Key {
		if _, ok := s.index[k]; !ok {
			panic(fmt.Sprintf("mapping: key field %q not declared in %s", k, s.Type))
		}
	}
	if s.Relation != nil {
		if _, ok := s.index[s.Relation.Field]; !ok {
			panic(fmt.Sprintf("mapping: relation field %q not declared in %s", s.Relation.Field, s.Type))
		}
		if _, ok := s.index[s.Relation.Into]; !ok {
			panic(fmt.Sprintf("mapping: relation target field %q not declared in %s", s.Relation.Into, s.Type))
		}
	}
	if s.Table == "" {
		s.Table = toSnake(string(s.Type))
	}
	return &s
}

// Field returns the spec for name.
func (s *EntitySchema) Field(name string) (FieldSpec, bool) {
	i, ok := s.index[name]
	if !ok {
		return FieldSpec{}, false
	}
	return s.Fields[i], true
}

// FieldNames returns the declared field names in schema order.
func (s *EntitySchema) FieldNames() []string {
	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Name
	}
	return names
}

// Validate checks required fields and then the schema rule.
func (s *EntitySchema) Validate(rec MappedRecord) error {
	var missing []string
	for _, f := range s.Fields {
		if f.Required && !rec.Has(f.Name) {
			missing = append(missing, f.Name)
		}
	}
	if len(missing) > 0 {
		return &MappingError{
			Line:   rec.Line,
			Field:  missing[0],
			Reason: "missing required field " + strings.Join(missing, ", "),
		}
	}
	if s.Rule != nil {
		if err := s.Rule(rec); err != nil {
			var me *MappingError
			if errors.As(err, &me) {
				if me.Line == 0 {
					me.Line = rec.Line
				}
				return me
			}
			return &MappingError{Line: rec.Line, Reason: err.Error()}
		}
	}
	return nil
}

// MappedRecord is one typed entity record. Values holds only declared
// fields; a missing key means the field is unset.
type MappedRecord struct {
	Entity EntityType
	Line   int
	Values map[string]any
}

// NewRecord returns an empty record for entity.
func NewRecord(entity EntityType, line int) MappedRecord {
	return MappedRecord{Entity: entity, Line: line, Values: make(map[string]any)}
}

// Has reports whether field is set.
func (r MappedRecord) Has(field string) bool {
	v, ok := r.Values[field]
	return ok && v != nil
}

// Get returns the value of field, or nil.
func (r MappedRecord) Get(field string) any {
	return r.Values[field]
}

// Set assigns field.
func (r MappedRecord) Set(field string, v any) {
	r.Values[field] = v
}

// String returns the text form of a text field, or "".
func (r MappedRecord) String(field string) string {
	s, _ := r.Values[field].(string)
	return s
}

// Clone returns a copy whose Values can be changed independently.
func (r MappedRecord) Clone() MappedRecord {
	out := MappedRecord{Entity: r.Entity, Line: r.Line, Values: make(map[string]any, len(r.Values))}
	for k, v := range r.Values {
		out.Values[k] = v
	}
	return out
}

func toSnake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r + ('a' - 'A'))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
