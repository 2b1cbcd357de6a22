// trim.go — обрезка записи.
package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/recstore/internal/api/errors"
	"github.com/bigkaa/recstore/internal/service"
)

// trimRequest — тело запроса обрезки.
type trimRequest struct {
	StartTime       *float64 `json:"startTime"`
	EndTime         *float64 `json:"endTime"`
	ReplaceOriginal bool     `json:"replaceOriginal"`
}

type trimmedVideo struct {
	ID           string   `json:"id"`
	Title        string   `json:"title,omitempty"`
	Duration     *float64 `json:"duration"`
	FileSize     int64    `json:"file_size"`
	ThumbnailURL *string  `json:"thumbnail_url"`
	URL          string   `json:"url,omitempty"`
}

type trimResponse struct {
	Message string       `json:"message"`
	Video   trimmedVideo `json:"video"`
}

// TrimVideo обрабатывает POST /api/v1/videos/{id}/trim.
// replaceOriginal=true заменяет файл записи, иначе создаётся новая запись.
func (h *Handler) TrimVideo(w http.ResponseWriter, r *http.Request) {
	var req trimRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.StartTime == nil || req.EndTime == nil {
		apierrors.ValidationError(w, "Поля startTime и endTime обязательны")
		return
	}

	res, err := h.svc.Trim.Trim(r.Context(), service.TrimParams{
		ID:              chi.URLParam(r, "id"),
		OwnerID:         queryOwner(r),
		Start:           *req.StartTime,
		End:             *req.EndTime,
		ReplaceOriginal: req.ReplaceOriginal,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	v := res.Video
	resp := trimResponse{
		Video: trimmedVideo{
			ID:           v.ID,
			Duration:     v.DurationSeconds,
			FileSize:     v.FileSize,
			ThumbnailURL: h.thumbnailURL(r, v.ThumbnailKey),
		},
	}
	if res.Replaced {
		resp.Message = "Запись обрезана, файл заменён"
	} else {
		resp.Message = "Создана обрезанная копия записи"
		resp.Video.Title = v.Title
		resp.Video.URL = h.videoURL(r, v.ID)
	}
	writeJSON(w, http.StatusOK, resp)
}
