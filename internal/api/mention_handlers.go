package api

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/indieweb-listener/internal/webmention"
)

const (
	defaultMentionLimit = 50
	maxMentionLimit     = 500
	lookupTimeout       = 3 * time.Second
)

// MentionIndex answers read-only queries over mirrored mentions.
type MentionIndex interface {
	MentionsOf(ctx context.Context, target string) ([]string, error)
	Get(ctx context.Context, id string) (webmention.Record, error)
}

// MentionHandler exposes the mention lookup endpoints.
type MentionHandler struct {
	index   MentionIndex
	timeout time.Duration
	logger  *zap.Logger
}

// NewMentionHandler wires the index and logger.
func NewMentionHandler(index MentionIndex, logger *zap.Logger) *MentionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MentionHandler{
		index:   index,
		timeout: lookupTimeout,
		logger:  logger,
	}
}

// ListMentions handles GET /webmention/mentions?target=&limit=&offset=. It
// returns {"target": ..., "mentions": [...], "total": n} with record IDs in
// sorted order, 400 for a missing target or bad paging, or 503 when the
// index is unavailable.
func (h *MentionHandler) ListMentions(w http.ResponseWriter, r *http.Request) {
	if h.index == nil {
		writeError(w, http.StatusServiceUnavailable, "mention index unavailable")
		return
	}
	target := strings.TrimSpace(r.URL.Query().Get("target"))
	if target == "" {
		writeError(w, http.StatusBadRequest, "target is required")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultMentionLimit, maxMentionLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	ids, err := h.index.MentionsOf(ctx, target)
	if err != nil {
		h.logger.Error("list mentions failed", zap.String("target", target), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "failed to list mentions")
		return
	}
	sort.Strings(ids)
	total := len(ids)
	page := []string{}
	if offset < total {
		end := offset + limit
		if end > total {
			end = total
		}
		page = ids[offset:end]
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"target":   target,
		"mentions": page,
		"total":    total,
	})
}

// GetMention handles GET /webmention/mentions/{id}. It returns {"mention": {...}}
// on success, 404 for unknown IDs, or 503 when the index fails.
func (h *MentionHandler) GetMention(w http.ResponseWriter, r *http.Request) {
	if h.index == nil {
		writeError(w, http.StatusServiceUnavailable, "mention index unavailable")
		return
	}
	id := chi.URLParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	record, err := h.index.Get(ctx, id)
	if err != nil {
		if errors.Is(err, webmention.ErrRecordNotFound) {
			writeError(w, http.StatusNotFound, "mention not found")
			return
		}
		h.logger.Error("get mention failed", zap.String("id", id), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "failed to load mention")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"mention": record})
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
