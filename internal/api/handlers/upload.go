// upload.go — потоковый приём записи из multipart/form-data.
package handlers

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path/filepath"
	"strings"

	apierrors "github.com/bigkaa/recstore/internal/api/errors"
	"github.com/bigkaa/recstore/internal/service"
)

// maxFieldSize — максимальный размер текстового поля формы.
const maxFieldSize = 64 << 10

// uploadResponse — ответ на загрузку.
type uploadResponse struct {
	ID       string `json:"id"`
	Message  string `json:"message"`
	URL      string `json:"url"`
	Size     int64  `json:"size"`
	Filename string `json:"filename"`
}

// Upload обрабатывает POST /api/v1/upload.
//
// Части формы читаются по порядку без буферизации файла в памяти:
//   - file (или video) — видеофайл, обязателен
//   - thumbnail — превью JPEG, опционально
//   - ownerId/userId/user_id, title, description, folderId/folder_id, notes/soap_notes
//
// Текстовые поля могут идти до или после файла. Тело ограничено
// MaxUploadSize; превышение — 413, записанные файлы удаляются.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadSize)

	mr, err := r.MultipartReader()
	if err != nil {
		apierrors.ValidationError(w, "Ожидается multipart/form-data: "+err.Error())
		return
	}

	sess := h.svc.Ingest.Begin()
	committed := false
	defer func() {
		if !committed {
			sess.Abort()
		}
	}()

	fields := make(map[string]string)
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				h.writeServiceError(w, r, err)
				return
			}
			apierrors.ValidationError(w, "Ошибка чтения multipart: "+err.Error())
			return
		}

		switch name := part.FormName(); name {
		case "file", "video":
			err = sess.PutMedia(part.FileName(), partMimeType(part.Header.Get("Content-Type"), part.FileName()), part)
		case "thumbnail":
			err = sess.PutThumbnail(part)
		case "":
			// Часть без имени пропускается
		default:
			var value string
			value, err = readField(part)
			fields[name] = value
		}
		part.Close()

		if err != nil {
			h.writeServiceError(w, r, err)
			return
		}
	}

	if !sess.HasMedia() {
		apierrors.ValidationError(w, "Поле file обязательно")
		return
	}

	meta := service.IngestMeta{
		OwnerID:     resolveOwner(r, fields["ownerId"], fields["userId"], fields["user_id"], r.URL.Query().Get("userId")),
		Title:       fields["title"],
		Description: optionalForm(fields, "description"),
		FolderID:    optionalForm(fields, "folderId", "folder_id"),
		Notes:       optionalForm(fields, "notes", "soap_notes"),
	}

	v, err := sess.Commit(r.Context(), meta)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	committed = true

	h.logger.Debug("Загрузка завершена", slog.String("video_id", v.ID))
	writeJSON(w, http.StatusOK, uploadResponse{
		ID:       v.ID,
		Message:  "Запись загружена",
		URL:      h.videoURL(r, v.ID),
		Size:     v.FileSize,
		Filename: v.StoredFilename,
	})
}

// videoExtTypes — типы видеорасширений, которых может не быть в системной таблице MIME.
var videoExtTypes = map[string]string{
	".webm": "video/webm",
	".mp4":  "video/mp4",
	".mov":  "video/quicktime",
	".mkv":  "video/x-matroska",
}

// partMimeType возвращает тип части; без явного типа — по расширению файла.
func partMimeType(contentType, filename string) string {
	if contentType != "" && contentType != "application/octet-stream" {
		return contentType
	}
	ext := strings.ToLower(filepath.Ext(filename))
	if byExt, ok := videoExtTypes[ext]; ok {
		return byExt
	}
	if byExt := mime.TypeByExtension(ext); byExt != "" {
		return byExt
	}
	return contentType
}

// readField читает текстовое поле формы с ограничением размера.
func readField(r io.Reader) (string, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxFieldSize+1))
	if err != nil {
		return "", err
	}
	if len(data) > maxFieldSize {
		return "", fmt.Errorf("%w: поле формы длиннее %d байт", service.ErrValidation, maxFieldSize)
	}
	return string(data), nil
}

// optionalForm возвращает первое непустое поле формы или nil.
func optionalForm(fields map[string]string, names ...string) *string {
	for _, name := range names {
		if v := fields[name]; v != "" {
			return &v
		}
	}
	return nil
}
