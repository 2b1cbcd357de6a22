// thumbnails.go — отдача превью.
package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// GetThumbnail обрабатывает GET /api/v1/thumbnails/{key}.
// Превью неизменяемы: новая версия получает новый ключ.
func (h *Handler) GetThumbnail(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	f, _, err := h.svc.Videos.OpenThumbnail(key)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "public, max-age=86400")
	http.ServeContent(w, r, key, info.ModTime(), f)
}
