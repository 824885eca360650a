package httpapi

import (
	"net/http"
	"strings"

	"github.com/mattn/go-runewidth"

	"github.com/nextlevelbuilder/loom/internal/store"
)

const (
	searchDefaultLimit = 20
	searchMaxLimit     = 100
	excerptMaxWidth    = 240
)

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var q store.SearchQuery
	if err := decodeBody(w, r, &q); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if strings.TrimSpace(q.Query) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "query required"})
		return
	}
	if q.Limit <= 0 {
		q.Limit = searchDefaultLimit
	}
	if q.Limit > searchMaxLimit {
		q.Limit = searchMaxLimit
	}

	page, err := s.stores.Messages.Search(r.Context(), q)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	for i := range page.Results {
		page.Results[i].Excerpt = truncateExcerpt(page.Results[i].Excerpt, excerptMaxWidth)
	}
	writeJSON(w, http.StatusOK, page)
}

// truncateExcerpt caps the excerpt at a display width, never cutting
// inside a <mark> span. Width-aware so CJK-heavy excerpts don't blow
// out result rows.
func truncateExcerpt(excerpt string, width int) string {
	if runewidth.StringWidth(excerpt) <= width {
		return excerpt
	}
	cut := runewidth.Truncate(excerpt, width, "")
	if open := strings.LastIndex(cut, "<mark>"); open > strings.LastIndex(cut, "</mark>") {
		cut = cut[:open]
	}
	return cut + "…"
}

// handleBlob serves stored bytes by content hash. Hashes are immutable,
// so the response is cacheable forever and conditional requests
// short-circuit on the hash itself.
func (s *Server) handleBlob(w http.ResponseWriter, r *http.Request) {
	hash := r.PathValue("hash")
	etag := `"` + hash + `"`
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	data, err := s.blobs.Get(hash)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	h := w.Header()
	h.Set("Content-Type", http.DetectContentType(data))
	h.Set("ETag", etag)
	h.Set("Cache-Control", "public, max-age=31536000, immutable")
	w.Write(data)
}
