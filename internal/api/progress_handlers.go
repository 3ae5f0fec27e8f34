package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/spidercrawl/internal/progress/sinks"
)

const (
	defaultSpiderLimit = 50
	maxSpiderLimit     = 500
)

// SpiderProgressSource returns per-spider summaries ordered by spider.
type SpiderProgressSource interface {
	Snapshot() []sinks.SpiderProgress
}

// ProgressHandler exposes read-only per-spider progress endpoints.
type ProgressHandler struct {
	source SpiderProgressSource
	logger *zap.Logger
}

// NewProgressHandler wires the progress source and logger.
func NewProgressHandler(source SpiderProgressSource, logger *zap.Logger) *ProgressHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProgressHandler{source: source, logger: logger}
}

// ListSpiders handles GET /v1/spiders?limit=&offset=. It returns
// {"spiders": [...], "total": n}, 400 for invalid paging or 503 when no
// source is configured.
func (h *ProgressHandler) ListSpiders(w http.ResponseWriter, r *http.Request) {
	if h.source == nil {
		writeError(w, http.StatusServiceUnavailable, "progress unavailable")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultSpiderLimit, maxSpiderLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	all := h.source.Snapshot()
	page := []sinks.SpiderProgress{}
	if offset < len(all) {
		page = all[offset:min(offset+limit, len(all))]
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"spiders": page,
		"total":   len(all),
	})
}

// GetSpider handles GET /v1/spiders/{spider}. Spiders without any completed
// job yet answer 404.
func (h *ProgressHandler) GetSpider(w http.ResponseWriter, r *http.Request) {
	if h.source == nil {
		writeError(w, http.StatusServiceUnavailable, "progress unavailable")
		return
	}
	id := chi.URLParam(r, "spider")
	for _, p := range h.source.Snapshot() {
		if p.Spider == id {
			writeJSON(w, http.StatusOK, map[string]any{"spider": p})
			return
		}
	}
	h.logger.Debug("Spider progress not found", zap.String("spider", id))
	writeError(w, http.StatusNotFound, "spider not found")
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}
