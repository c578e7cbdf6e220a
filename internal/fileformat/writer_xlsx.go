package fileformat

import (
	"fmt"
	"io"
	"time"
	"unicode/utf8"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/xuri/excelize/v2"
)

const (
	defaultSheetName = "Sheet1"
	maxColumnWidth   = 80
)

// xlsxWriter streams rows through excelize's StreamWriter. Auto-sized
// output needs every width before the first row is written, so it builds
// the sheet in memory instead.
type xlsxWriter struct {
	out     io.Writer
	file    *excelize.File
	stream  *excelize.StreamWriter
	sheet   string
	style   int
	header  bool
	autoFit bool
	widths  []int
	row     int
	count   rowCounter
}

func newXLSXWriter(w io.Writer, opts WriterOptions) (*xlsxWriter, error) {
	f := excelize.NewFile()

	sheet := defaultSheetName
	if opts.SheetName != "" && opts.SheetName != defaultSheetName {
		if err := f.SetSheetName(defaultSheetName, opts.SheetName); err != nil {
			f.Close()
			return nil, fmt.Errorf("name sheet: %w", err)
		}
		sheet = opts.SheetName
	}

	style, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"#D9E1F2"}},
		Border: []excelize.Border{
			{Type: "bottom", Color: "#8EA9DB", Style: 1},
		},
	})
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("header style: %w", err)
	}

	xw := &xlsxWriter{
		out:     w,
		file:    f,
		sheet:   sheet,
		style:   style,
		header:  opts.IncludeHeader,
		autoFit: opts.AutoSizeColumns,
		count:   rowCounter{every: opts.ProgressEvery, callback: opts.OnProgress},
	}
	if !xw.autoFit {
		sw, err := f.NewStreamWriter(sheet)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("stream writer: %w", err)
		}
		xw.stream = sw
	}
	return xw, nil
}

func (w *xlsxWriter) WriteHeader(columns []string) error {
	if !w.header {
		return nil
	}
	values := make([]any, len(columns))
	for i, c := range columns {
		values[i] = c
	}
	return w.writeRow(values, true)
}

func (w *xlsxWriter) WriteRow(values []any) error {
	cells := make([]any, len(values))
	for i, v := range values {
		cells[i] = xlsxCell(v)
	}
	if err := w.writeRow(cells, false); err != nil {
		return err
	}
	w.count.inc()
	return nil
}

func (w *xlsxWriter) writeRow(values []any, header bool) error {
	w.row++
	cell, err := excelize.CoordinatesToCellName(1, w.row)
	if err != nil {
		return err
	}

	if w.stream != nil {
		if header {
			return w.stream.SetRow(cell, values, excelize.RowOpts{StyleID: w.style})
		}
		return w.stream.SetRow(cell, values)
	}

	w.track(values)
	if err := w.file.SetSheetRow(w.sheet, cell, &values); err != nil {
		return err
	}
	if header {
		return w.file.SetRowStyle(w.sheet, w.row, w.row, w.style)
	}
	return nil
}

func (w *xlsxWriter) track(values []any) {
	for i, v := range values {
		n := utf8.RuneCountInString(FormatCell(v))
		for len(w.widths) <= i {
			w.widths = append(w.widths, 0)
		}
		if n > w.widths[i] {
			w.widths[i] = n
		}
	}
}

func (w *xlsxWriter) Close() error {
	defer w.file.Close()

	if w.stream != nil {
		if err := w.stream.Flush(); err != nil {
			return fmt.Errorf("flush sheet: %w", err)
		}
	} else {
		for i, width := range w.widths {
			col, err := excelize.ColumnNumberToName(i + 1)
			if err != nil {
				return err
			}
			if err := w.file.SetColWidth(w.sheet, col, col, float64(min(width+2, maxColumnWidth))); err != nil {
				return err
			}
		}
	}

	if _, err := w.file.WriteTo(w.out); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	w.count.finish()
	return nil
}

// xlsxCell keeps numbers numeric so spreadsheet formulas work on them.
func xlsxCell(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case int, int32, int64, float64, bool, string:
		return x
	case pgtype.Numeric:
		if !x.Valid {
			return nil
		}
		f, err := x.Float64Value()
		if err != nil || !f.Valid {
			return numericString(x)
		}
		return f.Float64
	case time.Time:
		return FormatCell(x)
	}
	return FormatCell(v)
}
