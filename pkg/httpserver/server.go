package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jaywantadh/DedupVault/internal/dedup"
	"github.com/jaywantadh/DedupVault/internal/registry"
	"github.com/jaywantadh/DedupVault/pkg/logging"
	"github.com/sirupsen/logrus"
)

// Server is the thin HTTP surface over the dedup engine. It holds no dedup
// logic of its own; every handler translates the request and delegates.
type Server struct {
	engine *dedup.Engine
	logger *logrus.Entry
}

func New(engine *dedup.Engine) *Server {
	return &Server{
		engine: engine,
		logger: logging.WithComponent("http"),
	}
}

// Routes builds the request mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /files", s.handleUpload)
	mux.HandleFunc("GET /files", s.handleList)
	mux.HandleFunc("GET /files/{id}", s.handleGet)
	mux.HandleFunc("DELETE /files/{id}", s.handleDelete)
	mux.HandleFunc("GET /files/{id}/download", s.handleDownload)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("POST /audit", s.handleAudit)
	return mux
}

// Listen serves the API on the given port, blocking.
func (s *Server) Listen(port int) error {
	addr := fmt.Sprintf(":%d", port)
	s.logger.Infof("🚀 API listening on %s", addr)
	return http.ListenAndServe(addr, s.Routes())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	var confirm *dedup.RequiresConfirmationError
	var inconsistent *dedup.InconsistentStateError
	switch {
	case errors.As(err, &confirm):
		writeJSON(w, http.StatusConflict, map[string]interface{}{
			"error":           "deletion requires confirmation",
			"duplicate_count": confirm.DuplicateCount,
		})
	case errors.Is(err, dedup.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	case errors.As(err, &inconsistent):
		s.logger.Errorf("❌ Inconsistent state: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "inconsistent state detected, run an audit",
		})
	default:
		s.logger.Errorf("❌ Request failed: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "no file provided"})
		return
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	result, err := s.engine.Upload(r.Context(), header.Filename, contentType, file)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	filter, order, err := parseListQuery(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	entries, err := s.engine.List(filter, order)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if entries == nil {
		entries = []*registry.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func parseListQuery(r *http.Request) (registry.Filter, registry.Sort, error) {
	q := r.URL.Query()
	filter := registry.Filter{
		NameContains: q.Get("q"),
		ContentType:  q.Get("type"),
	}
	if raw := q.Get("min_size"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return filter, registry.Sort{}, fmt.Errorf("invalid min_size: %v", err)
		}
		filter.MinSize = n
	}
	if raw := q.Get("max_size"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return filter, registry.Sort{}, fmt.Errorf("invalid max_size: %v", err)
		}
		filter.MaxSize = n
	}
	if raw := q.Get("uploaded_after"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, registry.Sort{}, fmt.Errorf("invalid uploaded_after: %v", err)
		}
		filter.UploadedAfter = t
	}
	if raw := q.Get("uploaded_before"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, registry.Sort{}, fmt.Errorf("invalid uploaded_before: %v", err)
		}
		filter.UploadedBefore = t
	}
	switch q.Get("duplicates") {
	case "", "exclude":
		filter.Duplicates = registry.ExcludeDuplicates
	case "include":
		filter.Duplicates = registry.IncludeDuplicates
	case "only":
		filter.Duplicates = registry.OnlyDuplicates
	default:
		return filter, registry.Sort{}, fmt.Errorf("invalid duplicates filter %q", q.Get("duplicates"))
	}

	order := registry.Sort{
		Field:      registry.SortField(q.Get("sort")),
		Descending: q.Get("order") != "asc",
	}
	switch order.Field {
	case "", registry.SortByName, registry.SortBySize, registry.SortByUploadedAt:
	default:
		return filter, order, fmt.Errorf("invalid sort field %q", order.Field)
	}
	return filter, order, nil
}

func (s *Server) parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid entry id"})
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := s.parseID(w, r)
	if !ok {
		return
	}
	entry, err := s.engine.GetEntry(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	count, err := s.engine.DuplicateCount(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entry":           entry,
		"duplicate_count": count,
		"storage_saved":   int64(count) * entry.Size,
	})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	id, ok := s.parseID(w, r)
	if !ok {
		return
	}
	entry, err := s.engine.GetEntry(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	rc, size, err := s.engine.GetContent(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", entry.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", entry.Name))
	if _, err := io.Copy(w, rc); err != nil {
		s.logger.Warnf("⚠️ Download of %s aborted: %v", id, err)
	}
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := s.parseID(w, r)
	if !ok {
		return
	}
	confirmed := r.URL.Query().Get("confirmed") == "true"
	if err := s.engine.Delete(id, confirmed); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.Stats()
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	mode := dedup.AuditMode(r.URL.Query().Get("mode"))
	if mode == "" {
		mode = dedup.AuditVerify
	}
	report, err := s.engine.Audit(mode)
	if err != nil {
		if mode != dedup.AuditRebuild && mode != dedup.AuditVerify {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
