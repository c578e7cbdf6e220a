package mapping

// transform.go converts raw cell text into typed field values.
//
// Supplier feeds are messy: prices carry currency signs and locale
// separators, dates come in US, EU and ISO order or as Excel serial numbers,
// and spreadsheet exports wrap values in ="..." formulas. Every transformer
// returns an error for input it cannot read; blank input never reaches them.

import (
	"errors"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

// Transformer converts a non-blank raw value for spec.
type Transformer func(raw string, spec FieldSpec) (any, error)

var transformers = map[FieldType]Transformer{
	FieldText:     toText,
	FieldInteger:  toInteger,
	FieldNumeric:  toNumeric,
	FieldDate:     toDate,
	FieldDateTime: toDateTime,
	FieldBool:     toBool,
	FieldEnum:     toEnum,
}

// Coerce converts raw using the transformer registered for spec.Type. Any
// failure is returned as a *CoercionError.
func Coerce(spec FieldSpec, raw string) (any, error) {
	fn, ok := transformers[spec.Type]
	if !ok {
		return nil, &CoercionError{Field: spec.Name, Value: raw, Type: spec.Type, Err: errors.New("no transformer")}
	}
	v, err := fn(raw, spec)
	if err != nil {
		return nil, &CoercionError{Field: spec.Name, Value: raw, Type: spec.Type, Err: err}
	}
	return v, nil
}

var (
	errEmpty   = errors.New("empty value")
	errInvalid = errors.New("unrecognised format")
)

// numericRegex validates a number after separators and symbols are removed.
var numericRegex = regexp.MustCompile(`^[+-]?(\d+(\.\d*)?|\.\d+)$`)

// TwoDigitYearPivot defines how 2-digit years are interpreted. Years more
// than this many years in the future are moved to the previous century.
var TwoDigitYearPivot = 20

// Excel stores dates as days since 1899-12-30 (the 1900 leap-year bug is
// absorbed by the epoch choice).
var excelEpoch = time.Date(1899, 12, 30, 0, 0, 0, 0, time.UTC)

const maxExcelSerial = 2958465 // 9999-12-31

var (
	fourDigitYearLayouts = []string{
		"2006-01-02", "2006/01/02", "2006.01.02",
		"1/2/2006", "01/02/2006", "1-2-2006", "01-02-2006",
		"2.1.2006", "02.01.2006",
		"Jan 2, 2006", "2 Jan 2006", "02-Jan-2006",
		"20060102",
	}
	twoDigitYearLayouts = []string{
		"1/2/06", "01/02/06", "1-2-06", "2.1.06", "02.01.06",
	}
	dateTimeLayouts = []string{
		time.RFC3339Nano,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006-01-02 15:04",
		"02.01.2006 15:04:05",
		"02.01.2006 15:04",
		"1/2/2006 15:04:05",
		"1/2/2006 3:04:05 PM",
		"1/2/2006 15:04",
	}
)

// currencyMarks are stripped from numeric input. Longer marks come first so
// "руб." is removed whole.
var currencyMarks = []string{
	"руб.", "руб", "р.",
	"RUB", "USD", "EUR",
	"$", "€", "£", "₽", "¥",
}

// digitGroupMarks separate thousands in various locales.
var digitGroupMarks = []string{" ", "\u00a0", "\u202f", "'", "\u2019"}

// CleanCell trims whitespace and removes an Excel formula wrapper (="...").
func CleanCell(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "=\"") && strings.HasSuffix(s, "\"") && len(s) >= 3 {
		s = s[2 : len(s)-1]
	}
	return strings.TrimSpace(s)
}

func toText(raw string, _ FieldSpec) (any, error) {
	s := CleanCell(raw)
	if s == "" {
		return nil, errEmpty
	}
	return s, nil
}

// normalizeNumber reduces a localized number to the form numericRegex
// accepts: optional sign, digits, optional '.' fraction.
func normalizeNumber(s string) (string, bool) {
	s = strings.Trim(CleanCell(s), `"`)
	if s == "" {
		return "", false
	}

	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = strings.TrimSpace(s[1 : len(s)-1])
	}

	for _, m := range currencyMarks {
		s = strings.ReplaceAll(s, m, "")
	}
	for _, m := range digitGroupMarks {
		s = strings.ReplaceAll(s, m, "")
	}
	s = strings.TrimSpace(s)

	if strings.HasPrefix(s, "-") && negative {
		return "", false
	}

	s = normalizeSeparators(s)
	if negative {
		s = "-" + s
	}
	if !numericRegex.MatchString(s) {
		return "", false
	}
	return s, true
}

// normalizeSeparators decides which of ',' and '.' is the decimal mark.
//
//	1,234.56 -> 1234.56   (last mark is decimal)
//	1.234,56 -> 1234.56
//	19,99    -> 19.99     (single comma not followed by exactly 3 digits)
//	1,234    -> 1234      (single comma followed by 3 digits: grouping)
//	1.234.567 -> 1234567  (repeated mark: grouping)
func normalizeSeparators(s string) string {
	commas := strings.Count(s, ",")
	dots := strings.Count(s, ".")

	switch {
	case commas > 0 && dots > 0:
		if strings.LastIndex(s, ",") > strings.LastIndex(s, ".") {
			s = strings.ReplaceAll(s, ".", "")
			return strings.Replace(s, ",", ".", 1)
		}
		return strings.ReplaceAll(s, ",", "")
	case commas > 1:
		return strings.ReplaceAll(s, ",", "")
	case commas == 1:
		frac := s[strings.Index(s, ",")+1:]
		if len(frac) == 3 && isDigits(frac) {
			return strings.Replace(s, ",", "", 1)
		}
		return strings.Replace(s, ",", ".", 1)
	case dots > 1:
		return strings.ReplaceAll(s, ".", "")
	}
	return s
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

func toNumeric(raw string, _ FieldSpec) (any, error) {
	s, ok := normalizeNumber(raw)
	if !ok {
		return nil, errInvalid
	}
	var n pgtype.Numeric
	if err := n.Scan(s); err != nil {
		return nil, err
	}
	return n, nil
}

func toInteger(raw string, _ FieldSpec) (any, error) {
	s, ok := normalizeNumber(raw)
	if !ok {
		return nil, errInvalid
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i, nil
	}
	// "10.0" is an integer written by a spreadsheet.
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f != math.Trunc(f) || math.Abs(f) > math.MaxInt64 {
		return nil, errInvalid
	}
	return int64(f), nil
}

func toBool(raw string, _ FieldSpec) (any, error) {
	switch strings.ToLower(CleanCell(raw)) {
	case "true", "t", "yes", "y", "1", "да", "д":
		return true, nil
	case "false", "f", "no", "n", "0", "нет", "н":
		return false, nil
	}
	return nil, errInvalid
}

func toEnum(raw string, spec FieldSpec) (any, error) {
	s := CleanCell(raw)
	for _, v := range spec.EnumValues {
		if strings.EqualFold(s, v) {
			return v, nil
		}
	}
	return nil, errInvalid
}

// ParseDate reads a calendar date in any supported layout. The result is
// midnight UTC.
func ParseDate(raw string) (time.Time, error) {
	s := CleanCell(raw)
	if s == "" {
		return time.Time{}, errEmpty
	}

	for _, layout := range fourDigitYearLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}

	if t, ok := excelSerial(s); ok {
		return t.Truncate(24 * time.Hour), nil
	}

	pivotYear := time.Now().Year() + TwoDigitYearPivot
	for _, layout := range twoDigitYearLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			if t.Year() > pivotYear {
				t = t.AddDate(-100, 0, 0)
			}
			return t, nil
		}
	}
	return time.Time{}, errInvalid
}

// ParseDateTime reads a timestamp, falling back to date-only layouts.
// Zone-less input is taken as UTC.
func ParseDateTime(raw string) (time.Time, error) {
	s := CleanCell(raw)
	if s == "" {
		return time.Time{}, errEmpty
	}
	for _, layout := range dateTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	if t, ok := excelSerial(s); ok {
		return t, nil
	}
	return ParseDate(s)
}

func toDate(raw string, _ FieldSpec) (any, error) {
	t, err := ParseDate(raw)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func toDateTime(raw string, _ FieldSpec) (any, error) {
	t, err := ParseDateTime(raw)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// excelSerial interprets s as an Excel day number with an optional
// fractional time of day.
func excelSerial(s string) (time.Time, bool) {
	if !numericRegex.MatchString(s) || strings.HasPrefix(s, "-") {
		return time.Time{}, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f < 1 || f > maxExcelSerial {
		return time.Time{}, false
	}
	days := math.Floor(f)
	t := excelEpoch.AddDate(0, 0, int(days))
	frac := f - days
	if frac > 0 {
		t = t.Add(time.Duration(math.Round(frac*86400)) * time.Second)
	}
	return t, true
}
