package handlers

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"genjobs/internal/library"
)

// Library is the local asset mirror.
type Library interface {
	Entries() []library.Entry
	Export(ctx context.Context, w io.Writer, prefix string) (int, error)
}

type assetItem struct {
	JobID      string    `json:"job_id"`
	Kind       string    `json:"kind"`
	StorageKey string    `json:"storage_key"`
	MIME       string    `json:"mime"`
	SourceURL  string    `json:"source_url"`
	Bytes      int       `json:"bytes"`
	StoredAt   time.Time `json:"stored_at"`
}

// ListAssets returns assets mirrored by this process, newest first.
func (a *App) ListAssets(w http.ResponseWriter, r *http.Request) {
	if a.Library == nil {
		a.error(w, http.StatusNotImplemented, "unsupported", "asset library disabled")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 20
	}
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	kind := r.URL.Query().Get("kind")

	entries := a.Library.Entries()
	items := make([]assetItem, 0, limit)
	skipped := 0
	for i := len(entries) - 1; i >= 0 && len(items) < limit; i-- {
		e := entries[i]
		if kind != "" && string(e.Kind) != kind {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		items = append(items, assetItem{
			JobID:      e.JobID,
			Kind:       string(e.Kind),
			StorageKey: e.Key,
			MIME:       e.MIME,
			SourceURL:  e.URL,
			Bytes:      e.Size,
			StoredAt:   e.At,
		})
	}
	a.json(w, http.StatusOK, map[string]any{"items": items})
}

// ExportAssets streams a zip of the store, optionally limited to a key
// prefix such as "image/".
func (a *App) ExportAssets(w http.ResponseWriter, r *http.Request) {
	if a.Library == nil {
		a.error(w, http.StatusNotImplemented, "unsupported", "asset library disabled")
		return
	}
	prefix := strings.TrimPrefix(r.URL.Query().Get("prefix"), "/")
	var buf bytes.Buffer
	n, err := a.Library.Export(r.Context(), &buf, prefix)
	if err != nil {
		a.Logger.Error().Err(err).Str("prefix", prefix).Msg("asset export failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to export assets")
		return
	}
	if n == 0 {
		a.error(w, http.StatusNotFound, "not_found", "no assets to export")
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="genjobs-assets.zip"`)
	w.Header().Set("X-Asset-Count", strconv.Itoa(n))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}
