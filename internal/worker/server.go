package worker

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"example.com/pressync/internal/content"
	"example.com/pressync/internal/logging"
	"example.com/pressync/internal/store"
)

const (
	defaultErrorLines = 100
	maxErrorLines     = 1000
)

// Server exposes the operator API: manual sync, synced record listing,
// per-record sync info and resync, bulk purge and the error log.
type Server struct {
	orchestrator *Orchestrator
	store        *store.Store
	errorLog     string
	logger       *slog.Logger
}

// NewServer creates the admin server. errorLog is the operational log path;
// empty disables the error view.
func NewServer(orchestrator *Orchestrator, s *store.Store, errorLog string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		orchestrator: orchestrator,
		store:        s,
		errorLog:     errorLog,
		logger:       logger.With("component", "admin.api"),
	}
}

// Router configures all admin routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})

	r.Route("/admin", func(r chi.Router) {
		r.Post("/sync", s.handleSync)
		r.Get("/records", s.handleListRecords)
		r.Delete("/records", s.handlePurge)
		r.Get("/records/{recordID}", s.handleRecordStatus)
		r.Post("/records/{recordID}/resync", s.handleResync)
		r.Get("/errors", s.handleErrors)
	})
	return r
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	n, err := s.orchestrator.RequestSync(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "request sync: %v", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"scheduled": n})
}

func (s *Server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	filter := store.SyncedFilter{
		Type:  strings.TrimSpace(r.URL.Query().Get("type")),
		Limit: parseIntDefault(r.URL.Query().Get("limit"), 0),
	}
	records, err := s.store.ListSynced(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list records: %v", err)
		return
	}
	if records == nil {
		records = []content.SyncedRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

func (s *Server) handleRecordStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := recordIDParam(w, r)
	if !ok {
		return
	}
	status, err := s.orchestrator.RecordStatus(r.Context(), id)
	if err != nil {
		writeStoreError(w, "record status", err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleResync(w http.ResponseWriter, r *http.Request) {
	id, ok := recordIDParam(w, r)
	if !ok {
		return
	}
	scheduled, err := s.orchestrator.RequestResync(r.Context(), id)
	if err != nil {
		writeStoreError(w, "request resync", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"record_id": id, "scheduled": scheduled})
}

func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	n, err := s.orchestrator.PurgeAll(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "purge records: %v", err)
		return
	}
	s.logger.Info("purge requested", "records", n)
	writeJSON(w, http.StatusAccepted, map[string]any{"scheduled": n})
}

func (s *Server) handleErrors(w http.ResponseWriter, r *http.Request) {
	if s.errorLog == "" {
		writeJSON(w, http.StatusOK, map[string]any{"enabled": false, "lines": []string{}})
		return
	}
	n := parseIntDefault(r.URL.Query().Get("lines"), defaultErrorLines)
	if n <= 0 || n > maxErrorLines {
		n = maxErrorLines
	}
	lines, err := logging.Tail(s.errorLog, n)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "read error log: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"enabled": true, "lines": lines})
}

func recordIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "recordID")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid record id %q", raw)
		return 0, false
	}
	return id, true
}

func writeStoreError(w http.ResponseWriter, action string, err error) {
	if errors.Is(err, content.ErrNotFound) {
		writeError(w, http.StatusNotFound, "%s: %v", action, err)
		return
	}
	writeError(w, http.StatusInternalServerError, "%s: %v", action, err)
}

func parseIntDefault(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}

func writeError(w http.ResponseWriter, status int, format string, args ...any) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": strings.TrimSpace(fmt.Sprintf(format, args...)),
			"status":  status,
		},
	})
}
