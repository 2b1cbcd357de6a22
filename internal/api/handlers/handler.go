// Пакет handlers — HTTP-обработчики API записей, папок и health endpoints.
// handler.go — общий Handler, DTO ответов и отображение ошибок сервисного слоя.
package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	apierrors "github.com/bigkaa/recstore/internal/api/errors"
	"github.com/bigkaa/recstore/internal/api/middleware"
	"github.com/bigkaa/recstore/internal/domain/model"
	"github.com/bigkaa/recstore/internal/service"
)

// Services — сервисы, с которыми работают обработчики.
type Services struct {
	Ingest  *service.IngestService
	Stream  *service.StreamService
	Trim    *service.TrimService
	Videos  *service.VideoService
	Folders *service.FolderService
}

// Handler — обработчики API записей и папок.
type Handler struct {
	svc           Services
	baseURL       string
	maxUploadSize int64
	logger        *slog.Logger
}

// New создаёт обработчики API.
// baseURL — публичный адрес сервиса для ссылок в ответах; пустой — из запроса.
func New(svc Services, baseURL string, maxUploadSize int64, logger *slog.Logger) *Handler {
	return &Handler{
		svc:           svc,
		baseURL:       baseURL,
		maxUploadSize: maxUploadSize,
		logger:        logger.With(slog.String("component", "api")),
	}
}

// videoResponse — представление записи в API.
type videoResponse struct {
	ID               string   `json:"id"`
	UserID           string   `json:"user_id"`
	Title            string   `json:"title"`
	Description      *string  `json:"description"`
	Filename         string   `json:"filename"`
	OriginalFilename string   `json:"original_filename"`
	FileSize         int64    `json:"file_size"`
	MimeType         string   `json:"mime_type"`
	Duration         *float64 `json:"duration"`
	FolderID         *string  `json:"folder_id"`
	Notes            *string  `json:"notes"`
	ThumbnailURL     *string  `json:"thumbnail_url"`
	IsPublic         bool     `json:"is_public"`
	ViewCount        int64    `json:"view_count"`
	URL              string   `json:"url"`
	CreatedAt        string   `json:"created_at"`
	UpdatedAt        string   `json:"updated_at"`
}

func (h *Handler) toVideoResponse(r *http.Request, v *model.Video) videoResponse {
	return videoResponse{
		ID:               v.ID,
		UserID:           v.OwnerID,
		Title:            v.Title,
		Description:      v.Description,
		Filename:         v.StoredFilename,
		OriginalFilename: v.OriginalFilename,
		FileSize:         v.FileSize,
		MimeType:         v.ContentType(),
		Duration:         v.DurationSeconds,
		FolderID:         v.FolderID,
		Notes:            v.Notes,
		ThumbnailURL:     h.thumbnailURL(r, v.ThumbnailKey),
		IsPublic:         v.IsPublic,
		ViewCount:        v.ViewCount,
		URL:              h.videoURL(r, v.ID),
		CreatedAt:        formatTime(v.CreatedAt),
		UpdatedAt:        formatTime(v.UpdatedAt),
	}
}

// folderResponse — представление папки в API.
type folderResponse struct {
	ID        string  `json:"id"`
	UserID    string  `json:"user_id"`
	Name      string  `json:"name"`
	ParentID  *string `json:"parent_id"`
	CreatedAt string  `json:"created_at"`
	UpdatedAt string  `json:"updated_at"`
}

func toFolderResponse(f *model.Folder) folderResponse {
	return folderResponse{
		ID:        f.ID,
		UserID:    f.OwnerID,
		Name:      f.Name,
		ParentID:  f.ParentID,
		CreatedAt: formatTime(f.CreatedAt),
		UpdatedAt: formatTime(f.UpdatedAt),
	}
}

// publicBase возвращает публичный адрес сервиса.
func (h *Handler) publicBase(r *http.Request) string {
	if h.baseURL != "" {
		return h.baseURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

func (h *Handler) videoURL(r *http.Request, id string) string {
	return h.publicBase(r) + "/api/v1/videos/" + id
}

func (h *Handler) thumbnailURL(r *http.Request, key *string) *string {
	if key == nil {
		return nil
	}
	u := h.publicBase(r) + "/api/v1/thumbnails/" + *key
	return &u
}

// resolveOwner определяет владельца: явное значение, пользователь API-ключа, guest.
func resolveOwner(r *http.Request, explicit ...string) string {
	for _, v := range explicit {
		if v != "" {
			return v
		}
	}
	if subject := middleware.SubjectFromContext(r.Context()); subject != "" {
		return subject
	}
	return model.GuestOwner
}

// queryOwner — владелец из параметров userId/user_id/ownerId запроса.
func queryOwner(r *http.Request) string {
	q := r.URL.Query()
	return resolveOwner(r, q.Get("userId"), q.Get("user_id"), q.Get("ownerId"))
}

// writeServiceError отображает ошибку сервисного слоя в HTTP-ответ.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var maxErr *http.MaxBytesError
	switch {
	case errors.As(err, &maxErr):
		apierrors.FileTooLarge(w, "Размер запроса превышает лимит")
	case errors.Is(err, service.ErrNotFound):
		apierrors.NotFound(w, "Запись не найдена")
	case errors.Is(err, service.ErrValidation),
		errors.Is(err, service.ErrInvalidRange),
		errors.Is(err, service.ErrRangeExceedsDuration),
		errors.Is(err, service.ErrMissingFile):
		apierrors.ValidationError(w, err.Error())
	case errors.Is(err, service.ErrUnsupportedMediaType):
		apierrors.UnsupportedMediaType(w, err.Error())
	case errors.Is(err, service.ErrConflict):
		apierrors.Conflict(w, "Запись изменена параллельным запросом, повторите операцию")
	case errors.Is(err, service.ErrTranscodeFailed):
		apierrors.TranscodeFailed(w, "Ошибка обработки видео")
	default:
		h.logger.Error("Внутренняя ошибка",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "Внутренняя ошибка сервера")
	}
}

// writeJSON вспомогательная функция для записи JSON-ответа.
func writeJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
