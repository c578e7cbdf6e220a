package web

// Shared request parsing for the import and export handlers.

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/JonMunkholm/feedloader/internal/core"
	"github.com/JonMunkholm/feedloader/internal/fileformat"
	"github.com/JonMunkholm/feedloader/internal/mapping"
	"github.com/JonMunkholm/feedloader/internal/persist"
)

// multipartMemory is how much of a multipart form is kept in memory; the
// rest spills to temporary files.
const multipartMemory = 32 << 20

// parseRune reads a single-character option. "tab" and `\t` name the tab.
func parseRune(name, s string) (rune, error) {
	switch s {
	case "":
		return 0, nil
	case "tab", `\t`:
		return '\t', nil
	}
	r, size := utf8.DecodeRuneInString(s)
	if size != len(s) {
		return 0, fmt.Errorf("%s must be a single character, got %q", name, s)
	}
	return r, nil
}

// parseIntParam parses an integer form value with a default.
func parseIntParam(r *http.Request, name string, defaultVal int) (int, error) {
	val := strings.TrimSpace(r.FormValue(name))
	if val == "" {
		return defaultVal, nil
	}
	i, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("%s must be a whole number, got %q", name, val)
	}
	return i, nil
}

func parseBoolParam(r *http.Request, name string) (bool, error) {
	val := strings.TrimSpace(r.FormValue(name))
	if val == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("%s must be true or false, got %q", name, val)
	}
	return b, nil
}

// importRequestFromForm reads the import settings of a multipart upload.
// Path and FileName are filled in once the file is stored.
func importRequestFromForm(r *http.Request) (core.ImportRequest, error) {
	req := core.ImportRequest{
		ClientID:       strings.TrimSpace(r.FormValue("clientId")),
		Entity:         mapping.EntityType(strings.TrimSpace(r.FormValue("entity"))),
		MappingTableID: strings.TrimSpace(r.FormValue("table")),
	}

	var err error
	if req.Strategy, err = persist.ParseStrategy(r.FormValue("strategy")); err != nil {
		return req, err
	}
	if req.Archive, err = parseBoolParam(r, "archive"); err != nil {
		return req, err
	}
	if req.ChunkSize, err = parseIntParam(r, "chunkSize", 0); err != nil {
		return req, err
	}

	if raw := r.FormValue("defaults"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &req.Defaults); err != nil {
			return req, fmt.Errorf("invalid defaults: %w", err)
		}
	}

	opts := fileformat.DefaultOptions()
	if opts.Delimiter, err = parseRune("delimiter", r.FormValue("delimiter")); err != nil {
		return req, err
	}
	if q, err := parseRune("quote", r.FormValue("quote")); err != nil {
		return req, err
	} else if q != 0 {
		opts.QuoteChar = q
	}
	opts.Charset = strings.TrimSpace(r.FormValue("charset"))
	if opts.HeaderRowIndex, err = parseIntParam(r, "headerRow", fileformat.AutoHeaderRow); err != nil {
		return req, err
	}
	if r.FormValue("skipEmptyRows") != "" {
		if opts.SkipEmptyRows, err = parseBoolParam(r, "skipEmptyRows"); err != nil {
			return req, err
		}
	}
	opts.SheetName = strings.TrimSpace(r.FormValue("sheet"))
	req.Options = &opts

	return req, nil
}

// exportBody is the JSON body of POST /api/exports.
type exportBody struct {
	ClientID        string            `json:"clientId"`
	Entity          string            `json:"entity"`
	Strategy        string            `json:"strategy"`
	Format          string            `json:"format"`
	Delimiter       string            `json:"delimiter"`
	Quote           string            `json:"quote"`
	Charset         string            `json:"charset"`
	IncludeHeader   *bool             `json:"includeHeader"`
	SheetName       string            `json:"sheetName"`
	AutoSizeColumns bool              `json:"autoSizeColumns"`
	Fields          []string          `json:"fields"`
	Table           string            `json:"table"`
	Filter          exportFilterInput `json:"filter"`
}

type exportFilterInput struct {
	Brand        string `json:"brand"`
	Category     string `json:"category"`
	UpdatedSince string `json:"updatedSince"`
}

// toRequest validates the body's option syntax. The service checks the rest.
func (b exportBody) toRequest() (core.ExportRequest, error) {
	req := core.ExportRequest{
		ClientID:        strings.TrimSpace(b.ClientID),
		Entity:          mapping.EntityType(strings.TrimSpace(b.Entity)),
		Charset:         strings.TrimSpace(b.Charset),
		IncludeHeader:   b.IncludeHeader == nil || *b.IncludeHeader,
		SheetName:       b.SheetName,
		AutoSizeColumns: b.AutoSizeColumns,
		FieldOrder:      b.Fields,
		MappingTableID:  strings.TrimSpace(b.Table),
		Filter: core.ExportFilter{
			Brand:    b.Filter.Brand,
			Category: b.Filter.Category,
		},
	}

	var err error
	if req.Strategy, err = core.ParseExportStrategy(b.Strategy); err != nil {
		return req, err
	}
	if req.Format, err = fileformat.ParseFormat(b.Format); err != nil {
		return req, err
	}
	if req.Delimiter, err = parseRune("delimiter", b.Delimiter); err != nil {
		return req, err
	}
	if req.QuoteChar, err = parseRune("quote", b.Quote); err != nil {
		return req, err
	}
	if b.Filter.UpdatedSince != "" {
		since, err := parseSince(b.Filter.UpdatedSince)
		if err != nil {
			return req, err
		}
		req.Filter.UpdatedSince = since
	}
	return req, nil
}

// parseSince accepts an RFC 3339 timestamp or a plain date.
func parseSince(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q for updatedSince", s)
	}
	return t, nil
}
