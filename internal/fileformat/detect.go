package fileformat

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// SniffSize is how much of a file detection reads.
const SniffSize = 8 * 1024

var (
	magicOLE2 = []byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1}
	magicZIP  = []byte{'P', 'K', 0x03, 0x04}
)

// Detect inspects the file at path and reports its format, charset and,
// for delimited text, delimiter. declaredName is the client-supplied file
// name; when set its extension wins over the stored path's.
func Detect(path, declaredName string) (*SourceFile, error) {
	name := declaredName
	if name == "" {
		name = filepath.Base(path)
	}

	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
	switch ext {
	case "csv", "txt", "xls", "xlsx":
	default:
		return nil, &DetectionError{Path: name, Err: fmt.Errorf("%w: .%s", ErrUnsupportedFormat, ext)}
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, &DetectionError{Path: name, Err: fmt.Errorf("%w: %v", ErrIO, err)}
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, &DetectionError{Path: name, Err: fmt.Errorf("%w: %v", ErrIO, err)}
	}

	head := make([]byte, SniffSize)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, &DetectionError{Path: name, Err: fmt.Errorf("%w: %v", ErrIO, err)}
	}
	head = head[:n]

	src := &SourceFile{
		Path: path,
		Name: name,
		Size: info.Size(),
	}

	if ext == "xls" || ext == "xlsx" {
		src.Format = sniffSpreadsheet(head, ext)
		return src, nil
	}

	src.Format = FormatDelimitedText
	src.Charset = DetectCharset(head)
	src.Delimiter = DetectDelimiter(decodeSample(head, src.Charset))
	return src, nil
}

// sniffSpreadsheet lets the magic bytes override a misleading extension.
func sniffSpreadsheet(head []byte, ext string) Format {
	switch {
	case bytes.HasPrefix(head, magicOLE2):
		return FormatSpreadsheetBinary
	case bytes.HasPrefix(head, magicZIP):
		return FormatSpreadsheetXML
	case ext == "xls":
		return FormatSpreadsheetBinary
	default:
		return FormatSpreadsheetXML
	}
}

// DetectDelimiter counts ',', ';' and tab on the first non-empty line. The
// most frequent wins; ties and lines without any candidate yield ','.
func DetectDelimiter(sample string) rune {
	sample = strings.TrimPrefix(sample, "\ufeff")

	var line string
	for _, l := range strings.Split(sample, "\n") {
		if strings.TrimSpace(l) != "" {
			line = l
			break
		}
	}

	candidates := []rune{',', ';', '\t'}
	best, bestCount, tied := ',', 0, false
	for _, c := range candidates {
		n := strings.Count(line, string(c))
		switch {
		case n > bestCount:
			best, bestCount, tied = c, n, false
		case n == bestCount && n > 0:
			tied = true
		}
	}
	if bestCount == 0 || tied {
		return ','
	}
	return best
}
