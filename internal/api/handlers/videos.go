// videos.go — воспроизведение, метаданные, список, обновление и удаление записей.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/recstore/internal/api/errors"
	"github.com/bigkaa/recstore/internal/domain/model"
	"github.com/bigkaa/recstore/internal/service"
)

// StreamVideo обрабатывает GET и HEAD /api/v1/videos/{id}.
// Поддерживает один байтовый диапазон (206); HEAD не учитывает просмотр.
func (h *Handler) StreamVideo(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	head := r.Method == http.MethodHead

	res, err := h.svc.Stream.Open(r.Context(), id, r.Header.Get("Range"), service.StreamOptions{CountView: !head})
	if err != nil {
		var rerr *service.RangeError
		if errors.As(err, &rerr) {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", rerr.Size))
			apierrors.InvalidRange(w, "Диапазон не может быть удовлетворён")
			return
		}
		h.writeServiceError(w, r, err)
		return
	}
	defer res.Body.Close()

	hdr := w.Header()
	hdr.Set("Accept-Ranges", "bytes")
	hdr.Set("Content-Type", res.ContentType)
	hdr.Set("Content-Length", strconv.FormatInt(res.ContentLength, 10))
	if res.ContentRange != "" {
		hdr.Set("Content-Range", res.ContentRange)
	}
	w.WriteHeader(res.Status)

	if head {
		return
	}
	if _, err := io.Copy(w, res.Body); err != nil {
		// Обычно клиент закрыл соединение при перемотке
		h.logger.Debug("Передача прервана",
			slog.String("video_id", id),
			slog.String("error", err.Error()),
		)
	}
}

// GetMetadata обрабатывает GET /api/v1/videos/{id}/metadata.
func (h *Handler) GetMetadata(w http.ResponseWriter, r *http.Request) {
	v, err := h.svc.Videos.Metadata(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.toVideoResponse(r, v))
}

// listResponse — страница записей.
type listResponse struct {
	Videos []videoResponse `json:"videos"`
	Total  int             `json:"total"`
	Limit  int             `json:"limit"`
	Offset int             `json:"offset"`
}

// ListMyVideos обрабатывает GET /api/v1/my-videos.
// Параметры: userId, folderId, limit (1..1000, по умолчанию 50), offset.
func (h *Handler) ListMyVideos(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit, err := intParam(q.Get("limit"))
	if err != nil {
		apierrors.ValidationError(w, "Некорректный параметр limit")
		return
	}
	offset, err := intParam(q.Get("offset"))
	if err != nil {
		apierrors.ValidationError(w, "Некорректный параметр offset")
		return
	}

	params := service.ListParams{
		OwnerID: queryOwner(r),
		Limit:   limit,
		Offset:  offset,
	}
	if folderID := firstNonEmpty(q.Get("folderId"), q.Get("folder_id")); folderID != "" {
		params.FolderID = &folderID
	}

	res, err := h.svc.Videos.List(r.Context(), params)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	resp := listResponse{
		Videos: make([]videoResponse, 0, len(res.Videos)),
		Total:  res.Total,
		Limit:  res.Limit,
		Offset: res.Offset,
	}
	for _, v := range res.Videos {
		resp.Videos = append(resp.Videos, h.toVideoResponse(r, v))
	}
	writeJSON(w, http.StatusOK, resp)
}

// PatchVideo обрабатывает PATCH /api/v1/videos/{id}.
// Поля: title, description, folderId, notes, isPublic. Значение null очищает поле.
func (h *Handler) PatchVideo(w http.ResponseWriter, r *http.Request) {
	fields, ok := decodeFields(w, r)
	if !ok {
		return
	}

	var patch model.VideoPatch
	var err error
	if patch.Title, err = optionalField[string](fields, "title"); err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}
	if patch.Description, err = optionalField[string](fields, "description"); err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}
	if patch.FolderID, err = optionalField[string](fields, "folderId", "folder_id"); err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}
	if patch.Notes, err = optionalField[string](fields, "notes", "soap_notes"); err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}
	if patch.IsPublic, err = optionalField[bool](fields, "isPublic", "is_public"); err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}

	v, err := h.svc.Videos.Patch(r.Context(), chi.URLParam(r, "id"), queryOwner(r), patch)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.toVideoResponse(r, v))
}

// DeleteVideo обрабатывает DELETE /api/v1/videos/{id}.
func (h *Handler) DeleteVideo(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Videos.Delete(r.Context(), chi.URLParam(r, "id"), queryOwner(r)); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// decodeFields читает JSON-объект, сохраняя различие между отсутствующим полем и null.
func decodeFields(w http.ResponseWriter, r *http.Request) (map[string]json.RawMessage, bool) {
	var fields map[string]json.RawMessage
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&fields); err != nil {
		apierrors.ValidationError(w, "Некорректный JSON: "+err.Error())
		return nil, false
	}
	if fields == nil {
		apierrors.ValidationError(w, "Ожидается JSON-объект")
		return nil, false
	}
	return fields, true
}

// optionalField извлекает поле частичного обновления по первому найденному имени.
func optionalField[T any](fields map[string]json.RawMessage, names ...string) (model.Optional[T], error) {
	for _, name := range names {
		raw, ok := fields[name]
		if !ok {
			continue
		}
		if string(raw) == "null" {
			return model.Null[T](), nil
		}
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return model.Optional[T]{}, fmt.Errorf("некорректное значение поля %s", name)
		}
		return model.Some(v), nil
	}
	return model.Optional[T]{}, nil
}

// intParam разбирает необязательный целочисленный параметр; пустой — 0.
func intParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
