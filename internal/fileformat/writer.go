package fileformat

import (
	"fmt"
	"io"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

// FormatWriter writes ordered rows to an output stream.
type FormatWriter interface {
	// WriteHeader writes the column header. It is a no-op when the writer
	// was configured without a header.
	WriteHeader(columns []string) error
	WriteRow(values []any) error
	// Close flushes buffered output. It does not close the underlying writer.
	Close() error
}

// DefaultProgressEvery is how often, in rows, writers report progress.
const DefaultProgressEvery = 1000

// WriterOptions configure NewWriter.
type WriterOptions struct {
	Format        Format
	Delimiter     rune
	QuoteChar     rune
	IncludeHeader bool
	// Charset encodes delimited output; empty means UTF-8.
	Charset string
	// SheetName names the single worksheet of spreadsheet output.
	SheetName string
	// AutoSizeColumns widens spreadsheet columns to fit their content.
	AutoSizeColumns bool
	// OnProgress receives the running row count every ProgressEvery rows
	// and once more on Close.
	OnProgress    func(rows int)
	ProgressEvery int
}

// NewWriter returns a writer for opts.Format.
func NewWriter(w io.Writer, opts WriterOptions) (FormatWriter, error) {
	if opts.ProgressEvery <= 0 {
		opts.ProgressEvery = DefaultProgressEvery
	}
	switch opts.Format {
	case FormatDelimitedText:
		return newCSVWriter(w, opts)
	case FormatSpreadsheetXML:
		return newXLSXWriter(w, opts)
	}
	return nil, fmt.Errorf("%w: cannot write %s", ErrUnsupportedFormat, opts.Format)
}

// rowCounter reports write progress at a fixed row interval.
type rowCounter struct {
	rows     int
	every    int
	callback func(int)
}

func (c *rowCounter) inc() {
	c.rows++
	if c.callback != nil && c.rows%c.every == 0 {
		c.callback(c.rows)
	}
}

func (c *rowCounter) finish() {
	if c.callback != nil && c.rows%c.every != 0 {
		c.callback(c.rows)
	}
}

// FormatCell renders a typed record value as text.
func FormatCell(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case int:
		return strconv.Itoa(x)
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case time.Time:
		if x.IsZero() {
			return ""
		}
		if x.Hour() == 0 && x.Minute() == 0 && x.Second() == 0 && x.Nanosecond() == 0 {
			return x.Format("2006-01-02")
		}
		return x.Format(time.RFC3339)
	case pgtype.Numeric:
		return numericString(x)
	case fmt.Stringer:
		return x.String()
	}
	return fmt.Sprint(v)
}

// numericString renders n in plain decimal notation, keeping its scale.
func numericString(n pgtype.Numeric) string {
	if !n.Valid {
		return ""
	}
	if n.NaN {
		return "NaN"
	}
	if n.Int == nil {
		return "0"
	}

	digits := new(big.Int).Abs(n.Int).String()
	switch {
	case n.Exp > 0:
		digits += strings.Repeat("0", int(n.Exp))
	case n.Exp < 0:
		scale := int(-n.Exp)
		if len(digits) <= scale {
			digits = strings.Repeat("0", scale-len(digits)+1) + digits
		}
		digits = digits[:len(digits)-scale] + "." + digits[len(digits)-scale:]
	}
	if n.Int.Sign() < 0 {
		return "-" + digits
	}
	return digits
}
