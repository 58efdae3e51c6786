// Package server exposes the journal over HTTP: entry queries with
// resolved file URLs, entry deletion, and input handler inspection and
// triggering.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/Veldrovive/JournalServer/internal/entry"
	"github.com/Veldrovive/JournalServer/internal/handlers"
	"github.com/Veldrovive/JournalServer/internal/journal"
	"github.com/Veldrovive/JournalServer/internal/storage"
)

// HTTPHandler exposes REST endpoints for the journal server.
type HTTPHandler struct {
	journal      *journal.Manager
	handlers     *handlers.Manager
	logger       *zap.Logger
	maxSizeBytes int64
	formMemBytes int64
	router       chi.Router
}

// NewHTTPHandler constructs the HTTP handler and wires routes.
func NewHTTPHandler(j *journal.Manager, h *handlers.Manager, logger *zap.Logger, maxSizeBytes, formMemBytes int64) *HTTPHandler {
	handler := &HTTPHandler{
		journal:      j,
		handlers:     h,
		logger:       logger,
		maxSizeBytes: maxSizeBytes,
		formMemBytes: formMemBytes,
	}
	handler.buildRouter()
	return handler
}

func (h *HTTPHandler) buildRouter() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(2 * time.Minute))

	r.Get("/healthz", h.handleHealth)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/entries", h.handleListEntries)
		r.Delete("/entries/{entryUUID}", h.handleDeleteEntry)
		r.Get("/handlers", h.handleListHandlers)
		r.Post("/handlers/{handlerID}/trigger", h.handleTrigger)
		r.Post("/handlers/{handlerID}/start", h.handleRetryStart)
	})

	h.router = r
}

// Router exposes the configured chi router.
func (h *HTTPHandler) Router() http.Handler {
	return h.router
}

func (h *HTTPHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

func (h *HTTPHandler) handleListEntries(w http.ResponseWriter, r *http.Request) {
	filter, err := filterFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	outputs, err := h.journal.ReadAll(r.Context(), filter)
	if err != nil {
		h.logger.Error("list entries failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	if outputs == nil {
		outputs = []*entry.Output{}
	}
	writeJSON(w, http.StatusOK, outputs)
}

func filterFromQuery(r *http.Request) (storage.Filter, error) {
	q := r.URL.Query()
	var f storage.Filter

	if v := q.Get("start_time"); v != "" {
		ts, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return f, errors.New("start_time must be epoch milliseconds")
		}
		f.After = &ts
	}
	if v := q.Get("end_time"); v != "" {
		ts, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return f, errors.New("end_time must be epoch milliseconds")
		}
		f.Before = &ts
	}
	for _, t := range q["type"] {
		f.Types = append(f.Types, entry.Type(t))
	}
	f.HandlerIDs = q["handler_id"]
	f.GroupIDs = q["group_id"]

	lat, lon, radius := q.Get("location_lat"), q.Get("location_lon"), q.Get("location_radius")
	if lat != "" || lon != "" || radius != "" {
		if lat == "" || lon == "" || radius == "" {
			return f, errors.New("location filter requires location_lat, location_lon and location_radius")
		}
		latF, err1 := strconv.ParseFloat(lat, 64)
		lonF, err2 := strconv.ParseFloat(lon, 64)
		radF, err3 := strconv.ParseFloat(radius, 64)
		if err1 != nil || err2 != nil || err3 != nil {
			return f, errors.New("location filter values must be numbers")
		}
		f.Location = &storage.LocationFilter{Latitude: latF, Longitude: lonF, Radius: radF}
	}
	return f, nil
}

func (h *HTTPHandler) handleDeleteEntry(w http.ResponseWriter, r *http.Request) {
	uuid := chi.URLParam(r, "entryUUID")

	res, err := h.journal.Delete(r.Context(), uuid)
	if err != nil {
		// Cleanup failed: the record is intact and the delete can be
		// retried, so report a gateway-style failure rather than 500.
		h.logger.Error("delete entry failed", zap.String("entry_uuid", uuid), zap.Error(err))
		writeError(w, http.StatusBadGateway, "entry cleanup failed; retry delete")
		return
	}
	if res == journal.ResultNotFound {
		writeError(w, http.StatusNotFound, "entry not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"result":     string(res),
		"entry_uuid": uuid,
	})
}

func (h *HTTPHandler) handleListHandlers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.handlers.Infos())
}

func (h *HTTPHandler) handleRetryStart(w http.ResponseWriter, r *http.Request) {
	handlerID := chi.URLParam(r, "handlerID")
	err := h.handlers.RetryStart(r.Context(), handlerID)
	switch {
	case errors.Is(err, handlers.ErrHandlerNotFound):
		writeError(w, http.StatusNotFound, "handler not found")
	case err != nil:
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "started"})
	}
}

func (h *HTTPHandler) handleTrigger(w http.ResponseWriter, r *http.Request) {
	handlerID := chi.URLParam(r, "handlerID")
	req := handlers.TriggerRequest{}

	contentType := r.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "multipart/form-data") {
		if r.ContentLength > 0 && r.ContentLength > h.maxSizeBytes {
			writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		if err := r.ParseMultipartForm(h.formMemBytes); err != nil {
			writeError(w, http.StatusBadRequest, "invalid multipart form")
			return
		}

		req.Metadata = map[string]string{}
		for key, values := range r.MultipartForm.Value {
			if key == "file" || len(values) == 0 {
				continue
			}
			req.Metadata[strings.ToLower(key)] = values[len(values)-1]
		}

		file, header, err := r.FormFile("file")
		if err == nil {
			defer file.Close() //nolint:errcheck
			if header.Size > h.maxSizeBytes {
				writeError(w, http.StatusRequestEntityTooLarge, "file exceeds max size limit")
				return
			}
			spooled, err := spoolUpload(file, header.Filename)
			if err != nil {
				h.logger.Error("spool uploaded file", zap.Error(err))
				writeError(w, http.StatusInternalServerError, "upload failed")
				return
			}
			defer os.RemoveAll(filepath.Dir(spooled)) //nolint:errcheck
			req.FilePath = spooled
		}
	}

	records, err := h.handlers.TriggerRequest(r.Context(), handlerID, req)
	if errors.Is(err, handlers.ErrHandlerNotFound) {
		writeError(w, http.StatusNotFound, "handler not found")
		return
	}
	if err != nil {
		h.logger.Error("trigger handler failed", zap.String("handler_id", handlerID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "trigger failed")
		return
	}
	if records == nil {
		records = []handlers.InsertionRecord{}
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"handler_id": handlerID,
		"insertions": records,
	})
}

// spoolUpload writes an uploaded file to a temp directory, preserving the
// original filename so extension-based entry typing still works.
func spoolUpload(src io.Reader, filename string) (string, error) {
	dir, err := os.MkdirTemp("", "jserver-upload-*")
	if err != nil {
		return "", err
	}
	if filename == "" {
		filename = "upload"
	}
	path := filepath.Join(dir, filepath.Base(filename))
	dst, err := os.Create(path)
	if err != nil {
		os.RemoveAll(dir) //nolint:errcheck
		return "", err
	}
	defer dst.Close() //nolint:errcheck
	if _, err := io.Copy(dst, src); err != nil {
		os.RemoveAll(dir) //nolint:errcheck
		return "", err
	}
	return path, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{
		"error": msg,
	})
}
