package fileformat

import (
	"encoding/csv"
	"fmt"
	"io"

	"golang.org/x/text/encoding"
	"golang.org/x/text/transform"
)

type csvWriter struct {
	csv     *csv.Writer
	closers []io.Closer
	swap    *byteSwapper
	header  bool
	count   rowCounter
	buf     []string
}

func newCSVWriter(w io.Writer, opts WriterOptions) (*csvWriter, error) {
	delim := opts.Delimiter
	if delim == 0 {
		delim = ','
	}
	quote := opts.QuoteChar
	if quote == 0 {
		quote = '"'
	}
	if quote > 0x7F || quote == delim || quote == '\n' || quote == '\r' {
		return nil, fmt.Errorf("invalid quote character %q", quote)
	}

	cw := &csvWriter{
		header: opts.IncludeHeader,
		count:  rowCounter{every: opts.ProgressEvery, callback: opts.OnProgress},
	}

	out := w
	if !isUTF8(opts.Charset) {
		enc, err := LookupEncoding(opts.Charset)
		if err != nil {
			return nil, err
		}
		tw := transform.NewWriter(out, encoding.ReplaceUnsupported(enc.NewEncoder()))
		cw.closers = append(cw.closers, tw)
		out = tw
	}
	if quote != '"' {
		swap := byteSwapper{a: byte(quote), b: '"'}
		tw := transform.NewWriter(out, swap)
		// closed before the encoder so its tail reaches the encoder
		cw.closers = append([]io.Closer{tw}, cw.closers...)
		cw.swap = &swap
		out = tw
	}

	cw.csv = csv.NewWriter(out)
	cw.csv.Comma = delim
	return cw, nil
}

func (w *csvWriter) WriteHeader(columns []string) error {
	if !w.header {
		return nil
	}
	return w.write(columns)
}

func (w *csvWriter) WriteRow(values []any) error {
	w.buf = w.buf[:0]
	for _, v := range values {
		w.buf = append(w.buf, FormatCell(v))
	}
	if err := w.write(w.buf); err != nil {
		return err
	}
	w.count.inc()
	return nil
}

func (w *csvWriter) write(fields []string) error {
	if w.swap != nil {
		swapped := make([]string, len(fields))
		for i, f := range fields {
			swapped[i] = w.swap.swapString(f)
		}
		fields = swapped
	}
	return w.csv.Write(fields)
}

func (w *csvWriter) Close() error {
	w.csv.Flush()
	if err := w.csv.Error(); err != nil {
		return err
	}
	for _, c := range w.closers {
		if err := c.Close(); err != nil {
			return err
		}
	}
	w.count.finish()
	return nil
}
