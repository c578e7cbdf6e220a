package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/JonMunkholm/feedloader/internal/logging"
	"github.com/JonMunkholm/feedloader/internal/progress"
)

// operationResponse is returned when an operation is accepted.
type operationResponse struct {
	OperationID string `json:"operationId"`
}

// handleImport stores an uploaded file and starts its import. The file is
// streamed to the upload dir; from then on the operation owns it.
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadSize)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		s.respondError(w, r, fmt.Errorf("file too large or invalid form: %w", err), http.StatusBadRequest)
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		s.respondError(w, r, fmt.Errorf("no file provided: %w", err), http.StatusBadRequest)
		return
	}
	defer file.Close()

	req, err := importRequestFromForm(r)
	if err != nil {
		s.respondError(w, r, err, http.StatusBadRequest)
		return
	}

	path, err := s.storeUpload(file, header.Filename)
	if err != nil {
		s.respondError(w, r, err, http.StatusInternalServerError)
		return
	}
	req.Path = path
	req.FileName = filepath.Base(header.Filename)

	id, err := s.service.StartImport(r.Context(), req)
	if err != nil {
		// A rejected import leaves its source behind.
		if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			logging.FromContext(r.Context()).Warn("remove rejected upload", "path", path, "error", rmErr)
		}
		s.respondError(w, r, err, statusFor(err, http.StatusBadRequest))
		return
	}

	writeJSON(w, http.StatusAccepted, operationResponse{OperationID: id})
}

// storeUpload copies src into the upload dir, keeping the extension the
// format is detected from.
func (s *Server) storeUpload(src io.Reader, name string) (string, error) {
	dir := s.uploadDir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create upload dir: %w", err)
	}

	f, err := os.CreateTemp(dir, "upload-*"+filepath.Ext(name))
	if err != nil {
		return "", fmt.Errorf("create upload file: %w", err)
	}
	if _, err := io.Copy(f, src); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("store upload: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("store upload: %w", err)
	}
	return f.Name(), nil
}

// handleOperationStatus returns the current snapshot of an operation.
func (s *Server) handleOperationStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.service.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, r, err, statusFor(err, http.StatusInternalServerError))
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleOperationEvents streams progress via Server-Sent Events. The first
// event is the current state; the stream ends with a complete event once
// the operation finishes. Event ids are the overall percent, so a client
// reconnecting with lastEventId skips progress it has already seen.
func (s *Server) handleOperationEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	resumeFrom := -1
	if v := r.URL.Query().Get("lastEventId"); v != "" {
		resumeFrom, _ = strconv.Atoi(v)
	} else if v := r.Header.Get("Last-Event-ID"); v != "" {
		resumeFrom, _ = strconv.Atoi(v)
	}

	events, unsubscribe, err := s.service.Subscribe(id)
	if err != nil {
		s.respondError(w, r, err, statusFor(err, http.StatusInternalServerError))
		return
	}
	defer unsubscribe()

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.respondError(w, r, errors.New("streaming not supported"), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	var last progress.Snapshot
	for {
		select {
		case snap, ok := <-events:
			if !ok {
				data, _ := json.Marshal(last)
				fmt.Fprintf(w, "event: complete\ndata: %s\n\n", data)
				flusher.Flush()
				return
			}
			last = snap

			// Terminal events always go out; they carry the outcome.
			if resumeFrom >= 0 && !snap.Status.Terminal() && snap.Percent <= resumeFrom {
				continue
			}

			data, _ := json.Marshal(snap)
			fmt.Fprintf(w, "id: %d\nevent: progress\ndata: %s\n\n", snap.Percent, data)
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

// handleCancelOperation asks a running operation to stop.
func (s *Server) handleCancelOperation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.service.Cancel(r.Context(), id); err != nil {
		s.respondError(w, r, err, statusFor(err, http.StatusInternalServerError))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}
