package web

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/JonMunkholm/feedloader/internal/fileformat"
	"github.com/JonMunkholm/feedloader/internal/mapping"
)

type fieldResponse struct {
	Name       string   `json:"name"`
	Label      string   `json:"label"`
	Type       string   `json:"type"`
	Required   bool     `json:"required"`
	EnumValues []string `json:"enumValues,omitempty"`
}

type tableResponse struct {
	ID      string           `json:"id"`
	Name    string           `json:"name"`
	Columns []mapping.Column `json:"columns"`
}

type entityResponse struct {
	Type         mapping.EntityType `json:"type"`
	Label        string             `json:"label"`
	Key          []string           `json:"key"`
	Fields       []fieldResponse    `json:"fields"`
	Tables       []tableResponse    `json:"tables"`
	DefaultTable string             `json:"defaultTable,omitempty"`
}

// handleListEntities lists the importable entities with their mappable
// fields and mapping tables.
func (s *Server) handleListEntities(w http.ResponseWriter, r *http.Request) {
	reg := s.service.Registry()

	var out []entityResponse
	for _, schema := range reg.Schemas() {
		e := entityResponse{
			Type:  schema.Type,
			Label: schema.Label,
			Key:   schema.Key,
		}
		for _, f := range schema.Fields {
			if f.Internal {
				continue
			}
			e.Fields = append(e.Fields, fieldResponse{
				Name:       f.Name,
				Label:      f.Label,
				Type:       f.Type.String(),
				Required:   f.Required,
				EnumValues: f.EnumValues,
			})
		}
		for _, t := range reg.Tables(schema.Type) {
			e.Tables = append(e.Tables, tableResponse{ID: t.ID, Name: t.Name, Columns: t.Columns()})
		}
		if t := reg.DefaultTable(schema.Type); t != nil {
			e.DefaultTable = t.ID
		}
		out = append(out, e)
	}

	writeJSON(w, http.StatusOK, out)
}

type suggestRequest struct {
	Entity  mapping.EntityType `json:"entity"`
	Headers []string           `json:"headers"`
}

type suggestResponse struct {
	// Table is the table an import without an explicit table would use.
	Table       string               `json:"table,omitempty"`
	Suggestions []mapping.Suggestion `json:"suggestions"`
}

// handleSuggestMapping scores the registered tables against a header row.
// Without an entity every entity's tables are scored and no pick is made.
func (s *Server) handleSuggestMapping(w http.ResponseWriter, r *http.Request) {
	var req suggestRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxExportBody)).Decode(&req); err != nil {
		s.respondError(w, r, fmt.Errorf("invalid suggest request: %w", err), http.StatusBadRequest)
		return
	}
	if len(req.Headers) == 0 {
		s.respondError(w, r, fileformat.ErrMissingHeaders, http.StatusBadRequest)
		return
	}

	reg := s.service.Registry()
	resp := suggestResponse{Suggestions: reg.Suggest(req.Entity, req.Headers)}
	if req.Entity != "" {
		t, err := reg.Pick(req.Entity, req.Headers)
		if err != nil {
			s.respondError(w, r, err, http.StatusBadRequest)
			return
		}
		if t != nil {
			resp.Table = t.ID
		}
	}
	if resp.Suggestions == nil {
		resp.Suggestions = []mapping.Suggestion{}
	}
	writeJSON(w, http.StatusOK, resp)
}
