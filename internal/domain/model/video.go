// Пакет model — доменные модели сервиса хранения записей экрана.
package model

import (
	"path/filepath"
	"strings"
	"time"
)

// DefaultExtension — расширение хранимого файла, если у исходного имени его нет.
const DefaultExtension = ".webm"

// DefaultMimeType — Content-Type ответа, если у записи MIME-тип не сохранён.
const DefaultMimeType = "video/webm"

// GuestOwner — владелец записей, загруженных без явного userId и без аутентификации.
const GuestOwner = "guest"

// Video — метаданные видеозаписи.
type Video struct {
	// ID — неизменяемый идентификатор, связывает метаданные и бинарный файл
	ID string
	// OwnerID — владелец записи
	OwnerID string
	// StoredFilename — ключ файла в пространстве videos
	StoredFilename string
	// OriginalFilename — имя файла, переданное клиентом
	OriginalFilename string
	// FileSize — размер файла в байтах
	FileSize int64
	// MimeType — MIME-тип видео
	MimeType string
	// DurationSeconds — длительность; nil, если не удалось определить
	DurationSeconds *float64
	// Title — заголовок
	Title string
	// Description — описание (опционально)
	Description *string
	// FolderID — папка (опционально)
	FolderID *string
	// Notes — свободные заметки к записи (опционально)
	Notes *string
	// ThumbnailKey — ключ превью в пространстве thumbnails (опционально)
	ThumbnailKey *string
	// IsPublic — признак публичной записи
	IsPublic bool
	// ViewCount — количество просмотров
	ViewCount int64
	// CreatedAt — время создания
	CreatedAt time.Time
	// UpdatedAt — время последнего изменения
	UpdatedAt time.Time
}

// Clone возвращает независимую копию записи.
// Указатели на опциональные поля копируются по значению.
func (v *Video) Clone() *Video {
	if v == nil {
		return nil
	}
	c := *v
	c.DurationSeconds = cloneFloat(v.DurationSeconds)
	c.Description = cloneString(v.Description)
	c.FolderID = cloneString(v.FolderID)
	c.Notes = cloneString(v.Notes)
	c.ThumbnailKey = cloneString(v.ThumbnailKey)
	return &c
}

// ContentType возвращает MIME-тип для ответа с учётом значения по умолчанию.
func (v *Video) ContentType() string {
	if v.MimeType == "" {
		return DefaultMimeType
	}
	return v.MimeType
}

// Extension возвращает расширение хранимого файла (с точкой).
func (v *Video) Extension() string {
	return StoredExtension(v.StoredFilename)
}

// StoredExtension извлекает расширение из имени файла.
// Возвращает DefaultExtension, если расширения нет или оно небезопасно.
func StoredExtension(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if len(ext) < 2 || len(ext) > 10 {
		return DefaultExtension
	}
	for _, r := range ext[1:] {
		if !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')) {
			return DefaultExtension
		}
	}
	return ext
}

// StoredName формирует ключ хранения из идентификатора и исходного имени: {id}{ext}.
func StoredName(id, originalFilename string) string {
	return id + StoredExtension(originalFilename)
}

// RevisionName формирует ключ хранения для новой ревизии записи: {id}_{rev}{ext}.
// Используется при обрезке с заменой, чтобы не писать поверх читаемого файла.
func RevisionName(id, rev, ext string) string {
	return id + "_" + rev + ext
}

// ThumbnailName формирует ключ превью для ключа видео: {base}.jpg.
func ThumbnailName(storedFilename string) string {
	return strings.TrimSuffix(storedFilename, filepath.Ext(storedFilename)) + ".jpg"
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}
