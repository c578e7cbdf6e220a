package mapping

import (
	"errors"
	"fmt"
)

// ErrUnknownEntity is returned for entity types with no registered schema.
var ErrUnknownEntity = errors.New("unknown entity type")

// ErrUnknownTable is returned for mapping table ids that are not registered.
var ErrUnknownTable = errors.New("unknown mapping table")

// CoercionError reports a raw value that could not be converted to its
// field's type. The field is left unset.
type CoercionError struct {
	Field string
	Value string
	Type  FieldType
	Err   error
}

func (e *CoercionError) Error() string {
	return fmt.Sprintf("%s: invalid %s %q", e.Field, e.Type, e.Value)
}

func (e *CoercionError) Unwrap() error { return e.Err }

// MappingError reports a record rejected by validation.
type MappingError struct {
	Line   int
	Field  string
	Reason string
}

func (e *MappingError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("line %d: %s", e.Line, e.Reason)
	}
	return e.Reason
}
