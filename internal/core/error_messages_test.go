package core

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/JonMunkholm/feedloader/internal/fileformat"
	"github.com/JonMunkholm/feedloader/internal/mapping"
	"github.com/JonMunkholm/feedloader/internal/persist"
	"github.com/JonMunkholm/feedloader/internal/progress"
)

func TestMapError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode string
	}{
		{
			name:     "nil error returns empty",
			err:      nil,
			wantCode: "",
		},
		{
			name:     "cancelled operation",
			err:      fmt.Errorf("import: %w", ErrCancelled),
			wantCode: "OP001",
		},
		{
			name:     "pool full",
			err:      ErrTooManyOperations,
			wantCode: "OP002",
		},
		{
			name:     "cancel after finish",
			err:      fmt.Errorf("operation x is already completed: %w", progress.ErrTerminal),
			wantCode: "OP007",
		},
		{
			name:     "deadline beats timeout pattern",
			err:      fmt.Errorf("save batch: %w", context.DeadlineExceeded),
			wantCode: "OP005",
		},
		{
			name:     "detection error unwraps to format",
			err:      &fileformat.DetectionError{Path: "a.pdf", Err: fileformat.ErrUnsupportedFormat},
			wantCode: "FILE001",
		},
		{
			name:     "missing headers",
			err:      &fileformat.DetectionError{Path: "a.csv", Err: fileformat.ErrMissingHeaders},
			wantCode: "FILE002",
		},
		{
			name:     "unknown mapping table",
			err:      fmt.Errorf("%w: %q", mapping.ErrUnknownTable, "x"),
			wantCode: "MAP002",
		},
		{
			name:     "coercion error",
			err:      &mapping.CoercionError{Field: "productPrice", Value: "abc", Type: mapping.FieldNumeric},
			wantCode: "VAL002",
		},
		{
			name:     "validation error",
			err:      &mapping.MappingError{Line: 3, Reason: "missing required field productName"},
			wantCode: "VAL006",
		},
		{
			name:     "unresolved reference",
			err:      &persist.UnresolvedError{Line: 4, Target: "product", Ref: "A1"},
			wantCode: "VAL007",
		},
		{
			name:     "persistence error",
			err:      &persist.PersistenceError{Entity: "product", Size: 10, Err: errors.New("dial tcp: connection refused")},
			wantCode: "DB003",
		},
		{
			name:     "case insensitive matching",
			err:      errors.New("ERROR: DUPLICATE KEY value violates"),
			wantCode: "DB001",
		},
		{
			name:     "unknown error returns default",
			err:      errors.New("some random internal error"),
			wantCode: "ERR000",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MapError(tt.err)
			if got.Code != tt.wantCode {
				t.Errorf("MapError() code = %q, want %q", got.Code, tt.wantCode)
			}
		})
	}
}

func TestMapMessage(t *testing.T) {
	tests := []struct {
		msg      string
		wantCode string
	}{
		{"", ""},
		{"cancelled by user", "OP001"},
		{"failed at stage persist: timeout: no response", "DB006"},
		{"failed at stage data_fetch: detect x.pdf: unsupported file format: .pdf", "FILE001"},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			if got := MapMessage(tt.msg).Code; got != tt.wantCode {
				t.Errorf("got %q, want %q", got, tt.wantCode)
			}
		})
	}
}

func TestFormatUserError(t *testing.T) {
	result := FormatUserError(errors.New("duplicate key value violates"))

	expected := "A record with this key already exists (Code: DB001). Import with the override or skip strategy"
	if result != expected {
		t.Errorf("FormatUserError() = %q, want %q", result, expected)
	}
}

func TestIsUserFacing(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil error is not user facing", nil, false},
		{"known error is user facing", errors.New("duplicate key"), true},
		{"sentinel is user facing", ErrTooManyOperations, true},
		{"unknown error is not user facing", errors.New("random internal error xyz"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsUserFacing(tt.err); got != tt.want {
				t.Errorf("IsUserFacing() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewUserError(t *testing.T) {
	t.Run("nil error returns nil", func(t *testing.T) {
		if got := NewUserError(nil); got != nil {
			t.Errorf("NewUserError(nil) = %v, want nil", got)
		}
	})

	t.Run("wraps technical error with user message", func(t *testing.T) {
		techErr := errors.New("pq: duplicate key value")
		userErr := NewUserError(techErr)

		if userErr.Error() != "A record with this key already exists" {
			t.Errorf("Error() = %q, want user message", userErr.Error())
		}
		if !errors.Is(userErr, techErr) {
			t.Error("Unwrap() should return original error")
		}
	})
}
