package fileformat

import (
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"
)

type xlsxSource struct {
	file  *excelize.File
	rows  *excelize.Rows
	sheet string
	line  int
}

func openXLSX(src *SourceFile, opts Options) (*xlsxSource, error) {
	f, err := excelize.OpenFile(src.Path)
	if err != nil {
		return nil, &DetectionError{Path: src.Name, Err: fmt.Errorf("%w: open xlsx: %v", ErrIO, err)}
	}

	sheet, err := pickXLSXSheet(f, opts)
	if err != nil {
		f.Close()
		return nil, &DetectionError{Path: src.Name, Err: err}
	}

	rows, err := f.Rows(sheet)
	if err != nil {
		f.Close()
		return nil, &DetectionError{Path: src.Name, Err: fmt.Errorf("%w: read sheet %q: %v", ErrIO, sheet, err)}
	}

	return &xlsxSource{file: f, rows: rows, sheet: sheet}, nil
}

func pickXLSXSheet(f *excelize.File, opts Options) (string, error) {
	if opts.SheetName != "" {
		idx, err := f.GetSheetIndex(opts.SheetName)
		if err != nil || idx < 0 {
			return "", fmt.Errorf("sheet %q not found", opts.SheetName)
		}
		return opts.SheetName, nil
	}
	name := f.GetSheetName(opts.SheetIndex)
	if name == "" {
		return "", fmt.Errorf("sheet index %d not found", opts.SheetIndex)
	}
	return name, nil
}

func (s *xlsxSource) next() ([]string, int, error) {
	if !s.rows.Next() {
		if err := s.rows.Error(); err != nil {
			return nil, 0, fmt.Errorf("%w: %v", ErrIO, err)
		}
		return nil, 0, io.EOF
	}
	s.line++
	cols, err := s.rows.Columns()
	if err != nil {
		return nil, 0, fmt.Errorf("%w: row %d: %v", ErrIO, s.line, err)
	}
	return cols, s.line, nil
}

// estimateRows reads the last row of the sheet's declared dimension, e.g.
// "A1:F1200". Files written without a dimension report -1.
func (s *xlsxSource) estimateRows() int {
	dim, err := s.file.GetSheetDimension(s.sheet)
	if err != nil || dim == "" {
		return -1
	}
	last := dim
	if i := strings.LastIndex(dim, ":"); i >= 0 {
		last = dim[i+1:]
	}
	_, row, err := excelize.CellNameToCoordinates(last)
	if err != nil {
		return -1
	}
	return row
}

func (s *xlsxSource) close() error {
	rowsErr := s.rows.Close()
	if err := s.file.Close(); err != nil {
		return err
	}
	return rowsErr
}
