package fileformat

import (
	"fmt"
	"io"
	"os"

	"github.com/extrame/xls"
)

// xlsSource reads legacy BIFF workbooks. The library parses the whole sheet
// on first access, so memory grows with the sheet size.
type xlsSource struct {
	file  *os.File
	sheet *xls.WorkSheet
	row   int
}

func openXLS(src *SourceFile, opts Options) (*xlsSource, error) {
	f, err := os.Open(src.Path)
	if err != nil {
		return nil, &DetectionError{Path: src.Name, Err: fmt.Errorf("%w: %v", ErrIO, err)}
	}

	wb, err := xls.OpenReader(f, "utf-8")
	if err != nil {
		f.Close()
		return nil, &DetectionError{Path: src.Name, Err: fmt.Errorf("%w: open xls: %v", ErrIO, err)}
	}

	var sheet *xls.WorkSheet
	if opts.SheetName != "" {
		for i := 0; i < wb.NumSheets(); i++ {
			if s := wb.GetSheet(i); s != nil && s.Name == opts.SheetName {
				sheet = s
				break
			}
		}
		if sheet == nil {
			f.Close()
			return nil, &DetectionError{Path: src.Name, Err: fmt.Errorf("sheet %q not found", opts.SheetName)}
		}
	} else {
		sheet = wb.GetSheet(opts.SheetIndex)
		if sheet == nil {
			f.Close()
			return nil, &DetectionError{Path: src.Name, Err: fmt.Errorf("sheet index %d not found", opts.SheetIndex)}
		}
	}

	return &xlsSource{file: f, sheet: sheet}, nil
}

func (s *xlsSource) next() ([]string, int, error) {
	if s.row > int(s.sheet.MaxRow) {
		return nil, 0, io.EOF
	}
	i := s.row
	s.row++

	row := rowAt(s.sheet, i)
	if row == nil {
		return []string{}, i + 1, nil
	}
	last := row.LastCol()
	cells := make([]string, 0, last)
	for c := 0; c < last; c++ {
		cells = append(cells, row.Col(c))
	}
	return cells, i + 1, nil
}

// rowAt returns row i, or nil when the sheet stores no record for it.
// WorkSheet.Row dereferences the missing entry, so that panic is absorbed.
func rowAt(sheet *xls.WorkSheet, i int) (row *xls.Row) {
	defer func() {
		if recover() != nil {
			row = nil
		}
	}()
	return sheet.Row(i)
}

func (s *xlsSource) estimateRows() int { return int(s.sheet.MaxRow) + 1 }

func (s *xlsSource) close() error { return s.file.Close() }
