package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/go-chi/chi/v5"

	"github.com/JonMunkholm/feedloader/internal/progress"
)

// maxExportBody bounds the JSON body of an export request.
const maxExportBody = 1 << 20

var errExportNotReady = errors.New("export is not ready")

// handleExport starts an export described by a JSON body.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	var body exportBody
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxExportBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		s.respondError(w, r, fmt.Errorf("invalid export request: %w", err), http.StatusBadRequest)
		return
	}

	req, err := body.toRequest()
	if err != nil {
		s.respondError(w, r, err, http.StatusBadRequest)
		return
	}

	id, err := s.service.StartExport(r.Context(), req)
	if err != nil {
		s.respondError(w, r, err, statusFor(err, http.StatusBadRequest))
		return
	}
	writeJSON(w, http.StatusAccepted, operationResponse{OperationID: id})
}

// handleDownloadExport serves the output file of a completed export.
func (s *Server) handleDownloadExport(w http.ResponseWriter, r *http.Request) {
	snap, err := s.service.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, r, err, statusFor(err, http.StatusInternalServerError))
		return
	}
	if snap.Kind != progress.KindExport {
		s.respondError(w, r, fmt.Errorf("%w: operation %s is an %s", progress.ErrUnknownOperation, snap.OperationID, snap.Kind), http.StatusNotFound)
		return
	}
	if snap.Status != progress.StatusCompleted || snap.OutputPath == "" {
		s.respondError(w, r, fmt.Errorf("%w: status %s", errExportNotReady, snap.Status), http.StatusConflict)
		return
	}

	f, err := os.Open(snap.OutputPath)
	if err != nil {
		s.respondError(w, r, fmt.Errorf("open export: %w", err), http.StatusGone)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		s.respondError(w, r, fmt.Errorf("stat export: %w", err), http.StatusInternalServerError)
		return
	}

	name := filepath.Base(snap.OutputPath)
	w.Header().Set("Content-Type", contentType(name))
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, name))
	http.ServeContent(w, r, name, info.ModTime(), f)
}

func contentType(name string) string {
	switch filepath.Ext(name) {
	case ".xlsx":
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case ".csv":
		return "text/csv"
	}
	return "application/octet-stream"
}
