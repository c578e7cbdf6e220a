// Package fileformat detects, reads and writes the tabular files that feed
// the import and export pipelines: delimited text, legacy binary
// spreadsheets (.xls) and XML spreadsheets (.xlsx).
package fileformat

import (
	"errors"
	"fmt"
	"strings"
)

// Format identifies the container format of a source file.
type Format int

const (
	FormatUnknown Format = iota
	FormatDelimitedText
	FormatSpreadsheetBinary
	FormatSpreadsheetXML
)

func (f Format) String() string {
	switch f {
	case FormatDelimitedText:
		return "delimited_text"
	case FormatSpreadsheetBinary:
		return "spreadsheet_binary"
	case FormatSpreadsheetXML:
		return "spreadsheet_xml"
	default:
		return "unknown"
	}
}

// Extension returns the canonical file extension, without the dot.
func (f Format) Extension() string {
	switch f {
	case FormatDelimitedText:
		return "csv"
	case FormatSpreadsheetBinary:
		return "xls"
	case FormatSpreadsheetXML:
		return "xlsx"
	default:
		return ""
	}
}

// IsSpreadsheet reports whether the format is one of the spreadsheet formats.
func (f Format) IsSpreadsheet() bool {
	return f == FormatSpreadsheetBinary || f == FormatSpreadsheetXML
}

// ParseFormat maps a user-facing format name ("csv", "xlsx", "xls") to a Format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), ".")) {
	case "csv", "txt", "":
		return FormatDelimitedText, nil
	case "xlsx":
		return FormatSpreadsheetXML, nil
	case "xls":
		return FormatSpreadsheetBinary, nil
	}
	return FormatUnknown, fmt.Errorf("%w: %q", ErrUnsupportedFormat, s)
}

// SourceFile describes a detected input file. It is immutable after Detect
// and owned by exactly one operation.
type SourceFile struct {
	Path      string `json:"path"`
	Name      string `json:"name"`
	Format    Format `json:"format"`
	Charset   string `json:"charset,omitempty"`
	Delimiter rune   `json:"delimiter,omitempty"`
	Size      int64  `json:"size"`
}

// Options control how a ChunkedReader interprets a source file.
// Use DefaultOptions as the starting point; the zero value means an explicit
// header on the first row with no trimming.
type Options struct {
	// Delimiter overrides the detected delimiter for delimited text.
	Delimiter rune
	// QuoteChar is the field quote character for delimited text. It must be ASCII.
	QuoteChar rune
	// Charset overrides the detected charset for delimited text.
	Charset string
	// HeaderRowIndex is the zero-based header row, or AutoHeaderRow.
	HeaderRowIndex int
	SkipEmptyRows  bool
	TrimWhitespace bool
	// SheetName selects a spreadsheet sheet by name. Takes precedence over SheetIndex.
	SheetName  string
	SheetIndex int
}

// AutoHeaderRow asks the reader to locate the header within the first
// HeaderSearchRows rows.
const AutoHeaderRow = -1

// HeaderSearchRows is how many leading rows the automatic header search inspects.
const HeaderSearchRows = 10

// DefaultOptions returns the options used when a caller supplies none.
func DefaultOptions() Options {
	return Options{
		QuoteChar:      '"',
		HeaderRowIndex: AutoHeaderRow,
		TrimWhitespace: true,
	}
}

var (
	// ErrUnsupportedFormat is returned for extensions the pipeline cannot read.
	ErrUnsupportedFormat = errors.New("unsupported file format")
	// ErrMissingHeaders is returned when no header row can be found.
	ErrMissingHeaders = errors.New("missing header row")
	// ErrIO wraps failures to open or read the source file.
	ErrIO = errors.New("file read error")
)

// DetectionError is fatal for the operation that triggered it.
type DetectionError struct {
	Path string
	Err  error
}

func (e *DetectionError) Error() string {
	return fmt.Sprintf("detect %s: %v", e.Path, e.Err)
}

func (e *DetectionError) Unwrap() error { return e.Err }

// RawRecord is one data row as ordered header/value pairs. Headers is shared
// between all records produced by the same reader and must not be modified.
type RawRecord struct {
	Line    int
	Headers []string
	Values  []string
}

func (r RawRecord) Len() int { return len(r.Headers) }

func (r RawRecord) Header(i int) string { return r.Headers[i] }

func (r RawRecord) Value(i int) string {
	if i < len(r.Values) {
		return r.Values[i]
	}
	return ""
}

// Get returns the value under the first header equal to name.
func (r RawRecord) Get(name string) (string, bool) {
	for i, h := range r.Headers {
		if h == name {
			return r.Value(i), true
		}
	}
	return "", false
}

// IsBlank reports whether every value in the record is empty.
func (r RawRecord) IsBlank() bool {
	return isBlankRow(r.Values)
}

func isBlankRow(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
