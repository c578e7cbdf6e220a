package fileformat

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"os"

	"golang.org/x/text/transform"
)

// estimateSampleLines is how many lines the delimited row estimate averages.
const estimateSampleLines = 100

type csvSource struct {
	file   *os.File
	reader *csv.Reader
	swap   *byteSwapper
	est    int
}

func openDelimited(src *SourceFile, opts Options) (*csvSource, error) {
	delim := opts.Delimiter
	if delim == 0 {
		delim = src.Delimiter
	}
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

	charset := opts.Charset
	if charset == "" {
		charset = src.Charset
	}
	enc, err := LookupEncoding(charset)
	if err != nil {
		return nil, &DetectionError{Path: src.Name, Err: err}
	}

	f, err := os.Open(src.Path)
	if err != nil {
		return nil, &DetectionError{Path: src.Name, Err: fmt.Errorf("%w: %v", ErrIO, err)}
	}

	est, err := estimateLines(f, src.Size)
	if err != nil {
		f.Close()
		return nil, &DetectionError{Path: src.Name, Err: fmt.Errorf("%w: %v", ErrIO, err)}
	}

	var r io.Reader = transform.NewReader(f, enc.NewDecoder())

	s := &csvSource{file: f, est: est}
	if quote != '"' {
		s.swap = &byteSwapper{a: byte(quote), b: '"'}
		r = transform.NewReader(r, *s.swap)
	}

	cr := csv.NewReader(r)
	cr.Comma = delim
	cr.LazyQuotes = true
	cr.FieldsPerRecord = -1
	s.reader = cr
	return s, nil
}

// estimateLines extrapolates the line count from the average length of the
// first lines, then rewinds f.
func estimateLines(f *os.File, size int64) (int, error) {
	defer f.Seek(0, io.SeekStart)

	br := bufio.NewReader(f)
	var lines, bytesRead int
	for lines < estimateSampleLines {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			lines++
			bytesRead += len(line)
		}
		if err == io.EOF {
			// The whole file fit in the sample.
			return lines, nil
		}
		if err != nil {
			return 0, err
		}
	}
	if bytesRead == 0 {
		return 0, nil
	}
	avg := float64(bytesRead) / float64(lines)
	return int(float64(size)/avg + 0.5), nil
}

func (s *csvSource) next() ([]string, int, error) {
	rec, err := s.reader.Read()
	if err != nil {
		if err == io.EOF {
			return nil, 0, io.EOF
		}
		return nil, 0, fmt.Errorf("%w: %v", ErrIO, err)
	}
	line, _ := s.reader.FieldPos(0)
	if s.swap != nil {
		for i, v := range rec {
			rec[i] = s.swap.swapString(v)
		}
	}
	return rec, line, nil
}

func (s *csvSource) estimateRows() int { return s.est }

func (s *csvSource) close() error { return s.file.Close() }
