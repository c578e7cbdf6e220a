package fileformat

import (
	"errors"
	"fmt"
	"io"
	"strings"
)

// ChunkedReader streams a source file as header/value records. Reads are
// single-pass: once HasMoreRows reports false the reader is exhausted.
type ChunkedReader interface {
	// Headers returns the detected header row.
	Headers() ([]string, error)
	// HasMoreRows pre-fetches one record if needed and reports whether one
	// is available. The pre-fetched record is returned by the next ReadChunk.
	HasMoreRows() bool
	// ReadChunk returns up to n records. Fewer than n are returned only at
	// end of input.
	ReadChunk(n int) ([]RawRecord, error)
	// EstimateRowCount approximates the number of data rows in the source.
	EstimateRowCount() int
	// Position is the number of data records handed out so far.
	Position() int
	Close() error
}

// rowSource yields physical rows of a concrete format.
type rowSource interface {
	// next returns the cells of the next physical row and its 1-based line
	// number, or io.EOF.
	next() ([]string, int, error)
	// estimateRows approximates the total physical row count, or -1.
	estimateRows() int
	close() error
}

// Open builds the reader matching src.Format and locates the header row.
func Open(src *SourceFile, opts Options) (ChunkedReader, error) {
	var (
		rs  rowSource
		err error
	)
	switch src.Format {
	case FormatDelimitedText:
		rs, err = openDelimited(src, opts)
	case FormatSpreadsheetXML:
		rs, err = openXLSX(src, opts)
	case FormatSpreadsheetBinary:
		rs, err = openXLS(src, opts)
	default:
		return nil, &DetectionError{Path: src.Name, Err: ErrUnsupportedFormat}
	}
	if err != nil {
		return nil, err
	}

	r := &recordReader{
		src:         rs,
		opts:        opts,
		spreadsheet: src.Format.IsSpreadsheet(),
	}
	if err := r.locateHeader(); err != nil {
		rs.close()
		return nil, err
	}
	return r, nil
}

type bufferedRow struct {
	cells []string
	line  int
}

type recordReader struct {
	src         rowSource
	opts        Options
	spreadsheet bool

	headers    []string
	headerLine int

	// rows read during the header search that follow the header
	buffered []bufferedRow
	pending  *RawRecord
	err      error
	done     bool
	position int
}

func (r *recordReader) locateHeader() error {
	if r.opts.HeaderRowIndex >= 0 {
		for i := 0; i < r.opts.HeaderRowIndex; i++ {
			if _, _, err := r.src.next(); err != nil {
				return r.headerErr(err)
			}
		}
		cells, line, err := r.src.next()
		if err != nil {
			return r.headerErr(err)
		}
		if isBlankRow(cells) {
			return ErrMissingHeaders
		}
		r.setHeader(cells, line)
		return nil
	}

	window := make([]bufferedRow, 0, HeaderSearchRows)
	for len(window) < HeaderSearchRows {
		cells, line, err := r.src.next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return r.headerErr(err)
		}
		window = append(window, bufferedRow{cells: cells, line: line})
	}

	widest := 0
	for _, row := range window {
		if n := nonBlankCount(row.cells); n > widest {
			widest = n
		}
	}
	if widest == 0 {
		return ErrMissingHeaders
	}

	// Title rows above the table are narrower than the header; take the
	// first row at least half as wide as the widest row in the window.
	for i, row := range window {
		n := nonBlankCount(row.cells)
		if n > 0 && n*2 >= widest {
			r.setHeader(row.cells, row.line)
			r.buffered = window[i+1:]
			return nil
		}
	}
	return ErrMissingHeaders
}

func (r *recordReader) headerErr(err error) error {
	if errors.Is(err, io.EOF) {
		return ErrMissingHeaders
	}
	return err
}

func (r *recordReader) setHeader(cells []string, line int) {
	headers := make([]string, len(cells))
	for i, c := range cells {
		headers[i] = strings.TrimSpace(c)
	}
	for len(headers) > 0 && headers[len(headers)-1] == "" {
		headers = headers[:len(headers)-1]
	}
	r.headers = headers
	r.headerLine = line
}

func (r *recordReader) Headers() ([]string, error) {
	if r.headers == nil {
		return nil, ErrMissingHeaders
	}
	return r.headers, nil
}

func (r *recordReader) nextRow() ([]string, int, error) {
	if len(r.buffered) > 0 {
		row := r.buffered[0]
		r.buffered = r.buffered[1:]
		return row.cells, row.line, nil
	}
	return r.src.next()
}

// fetch returns the next record after padding, trimming and blank-row
// filtering, or io.EOF.
func (r *recordReader) fetch() (*RawRecord, error) {
	width := len(r.headers)
	for {
		cells, line, err := r.nextRow()
		if err != nil {
			return nil, err
		}

		values := make([]string, width)
		copy(values, cells)
		if r.opts.TrimWhitespace {
			for i, v := range values {
				values[i] = strings.TrimSpace(v)
			}
		}

		if (r.spreadsheet || r.opts.SkipEmptyRows) && isBlankRow(values) {
			continue
		}
		return &RawRecord{Line: line, Headers: r.headers, Values: values}, nil
	}
}

func (r *recordReader) HasMoreRows() bool {
	if r.pending != nil || r.err != nil {
		return true
	}
	if r.done {
		return false
	}
	rec, err := r.fetch()
	switch {
	case errors.Is(err, io.EOF):
		r.done = true
		return false
	case err != nil:
		r.err = err
		return true
	}
	r.pending = rec
	return true
}

func (r *recordReader) ReadChunk(n int) ([]RawRecord, error) {
	if n <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", n)
	}

	out := make([]RawRecord, 0, n)
	for len(out) < n {
		if r.err != nil {
			err := r.err
			r.err = nil
			r.position += len(out)
			return out, err
		}
		if r.pending != nil {
			out = append(out, *r.pending)
			r.pending = nil
			continue
		}
		if r.done {
			break
		}
		rec, err := r.fetch()
		if errors.Is(err, io.EOF) {
			r.done = true
			break
		}
		if err != nil {
			r.position += len(out)
			return out, err
		}
		out = append(out, *rec)
	}
	r.position += len(out)
	return out, nil
}

func (r *recordReader) EstimateRowCount() int {
	est := r.src.estimateRows()
	if est < 0 {
		return 0
	}
	est -= r.headerLine
	if est < 0 {
		return 0
	}
	return est
}

func (r *recordReader) Position() int { return r.position }

func (r *recordReader) Close() error { return r.src.close() }

func nonBlankCount(cells []string) int {
	n := 0
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			n++
		}
	}
	return n
}
