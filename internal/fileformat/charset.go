package fileformat

// charset.go resolves charset names to x/text encodings and provides the
// byte-level transforms used by the delimited reader and writer.

import (
	"bytes"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/saintfish/chardet"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

const (
	CharsetUTF8    = "UTF-8"
	CharsetUTF16LE = "UTF-16LE"
	CharsetUTF16BE = "UTF-16BE"
)

// MinCharsetConfidence is the lowest detector confidence (0-100) accepted
// before falling back to UTF-8.
const MinCharsetConfidence = 50

var (
	bomUTF8    = []byte{0xEF, 0xBB, 0xBF}
	bomUTF16LE = []byte{0xFF, 0xFE}
	bomUTF16BE = []byte{0xFE, 0xFF}
)

// DetectCharset guesses the charset of a leading sample of a text file.
func DetectCharset(sample []byte) string {
	switch {
	case bytes.HasPrefix(sample, bomUTF8):
		return CharsetUTF8
	case bytes.HasPrefix(sample, bomUTF16LE):
		return CharsetUTF16LE
	case bytes.HasPrefix(sample, bomUTF16BE):
		return CharsetUTF16BE
	}

	// The sample may end in the middle of a multi-byte rune.
	trimmed := sample[:len(sample)-incompleteTrailingBytes(sample)]
	if utf8.Valid(trimmed) {
		return CharsetUTF8
	}

	res, err := chardet.NewTextDetector().DetectBest(sample)
	if err != nil || res == nil || res.Confidence < MinCharsetConfidence {
		return CharsetUTF8
	}
	if _, err := LookupEncoding(res.Charset); err != nil {
		return CharsetUTF8
	}
	return res.Charset
}

// LookupEncoding resolves a charset name. UTF-8 decoding strips a leading
// BOM and replaces invalid sequences with U+FFFD.
func LookupEncoding(name string) (encoding.Encoding, error) {
	switch strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(name), "_", "-")) {
	case "", "UTF-8", "UTF8":
		return unicode.UTF8BOM, nil
	case "UTF-16LE":
		return unicode.UTF16(unicode.LittleEndian, unicode.UseBOM), nil
	case "UTF-16BE":
		return unicode.UTF16(unicode.BigEndian, unicode.UseBOM), nil
	}
	if enc, err := ianaindex.IANA.Encoding(name); err == nil && enc != nil {
		return enc, nil
	}
	if enc, err := htmlindex.Get(name); err == nil && enc != nil {
		return enc, nil
	}
	return nil, fmt.Errorf("%w: charset %q", ErrUnsupportedFormat, name)
}

// isUTF8 reports whether name refers to plain UTF-8.
func isUTF8(name string) bool {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "", "UTF-8", "UTF8":
		return true
	}
	return false
}

// decodeSample converts a raw sample to UTF-8 for delimiter counting.
// Undecodable samples are returned as-is.
func decodeSample(sample []byte, charset string) string {
	enc, err := LookupEncoding(charset)
	if err != nil {
		return string(sample)
	}
	out, _, err := transform.Bytes(enc.NewDecoder(), sample)
	if err != nil && len(out) == 0 {
		return string(sample)
	}
	return string(out)
}

// byteSwapper exchanges two ASCII bytes. It lets encoding/csv, which only
// understands '"', work with a different quote character: the stream is
// swapped on the way in and each parsed field is swapped back.
type byteSwapper struct {
	transform.NopResetter
	a, b byte
}

func (s byteSwapper) Transform(dst, src []byte, atEOF bool) (nDst, nSrc int, err error) {
	n := copy(dst, src)
	for i := 0; i < n; i++ {
		switch dst[i] {
		case s.a:
			dst[i] = s.b
		case s.b:
			dst[i] = s.a
		}
	}
	if n < len(src) {
		err = transform.ErrShortDst
	}
	return n, n, err
}

func (s byteSwapper) swapString(v string) string {
	if strings.IndexByte(v, s.a) < 0 && strings.IndexByte(v, s.b) < 0 {
		return v
	}
	b := []byte(v)
	s.Transform(b, b, true)
	return string(b)
}

// incompleteTrailingBytes returns how many bytes at the end of data start a
// multi-byte UTF-8 sequence that was cut off.
func incompleteTrailingBytes(data []byte) int {
	for i := 1; i <= 3 && i <= len(data); i++ {
		b := data[len(data)-i]
		if b >= 0xC0 {
			if i < runeLen(b) {
				return i
			}
			return 0
		}
		if b&0xC0 != 0x80 {
			return 0
		}
	}
	return 0
}

func runeLen(b byte) int {
	switch {
	case b < 0x80:
		return 1
	case b < 0xC0:
		return 0
	case b < 0xE0:
		return 2
	case b < 0xF0:
		return 3
	}
	return 4
}
