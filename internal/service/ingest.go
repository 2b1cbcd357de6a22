// ingest.go — приём новой записи: валидация, потоковая запись файла,
// превью и длительность, фиксация метаданных.
//
// Инварианты:
//   - файл записывается в хранилище до фиксации метаданных;
//   - при любой ошибке до фиксации записанные файлы удаляются;
//   - превью и длительность определяются по возможности и не блокируют приём.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"

	"github.com/bigkaa/recstore/internal/domain/model"
	"github.com/bigkaa/recstore/internal/repository"
	"github.com/bigkaa/recstore/internal/storage/blobstore"
	"github.com/bigkaa/recstore/internal/transcode"
)

var (
	ingestTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rs_ingest_total",
		Help: "Количество загрузок записей по результату.",
	}, []string{"result"})

	ingestBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rs_ingest_bytes_total",
		Help: "Объём принятых видеоданных в байтах.",
	})
)

// IngestMeta — метаданные новой записи.
type IngestMeta struct {
	OwnerID     string
	Title       string
	Description *string
	FolderID    *string
	Notes       *string
}

// IngestParams — параметры приёма записи одним вызовом.
type IngestParams struct {
	IngestMeta
	OriginalFilename string
	MimeType         string
	Media            io.Reader
	// Thumbnail — превью от клиента (опционально)
	Thumbnail io.Reader
}

// IngestService — сервис приёма записей.
type IngestService struct {
	store   *blobstore.Store
	videos  repository.VideoRepository
	folders repository.FolderRepository
	tc      transcode.Transcoder
	allowed map[string]bool
	logger  *slog.Logger
}

// NewIngestService создаёт сервис приёма записей.
func NewIngestService(
	store *blobstore.Store,
	videos repository.VideoRepository,
	folders repository.FolderRepository,
	tc transcode.Transcoder,
	allowedMimeTypes []string,
	logger *slog.Logger,
) *IngestService {
	allowed := make(map[string]bool, len(allowedMimeTypes))
	for _, mt := range allowedMimeTypes {
		allowed[strings.ToLower(mt)] = true
	}
	return &IngestService{
		store:   store,
		videos:  videos,
		folders: folders,
		tc:      tc,
		allowed: allowed,
		logger:  logger.With(slog.String("component", "ingest")),
	}
}

// Ingest принимает запись целиком: Begin → PutMedia → PutThumbnail → Commit.
func (s *IngestService) Ingest(ctx context.Context, p IngestParams) (*model.Video, error) {
	sess := s.Begin()
	if err := sess.PutMedia(p.OriginalFilename, p.MimeType, p.Media); err != nil {
		sess.Abort()
		return nil, err
	}
	if p.Thumbnail != nil {
		if err := sess.PutThumbnail(p.Thumbnail); err != nil {
			sess.Abort()
			return nil, err
		}
	}
	v, err := sess.Commit(ctx, p.IngestMeta)
	if err != nil {
		sess.Abort()
		return nil, err
	}
	return v, nil
}

// Begin открывает сессию приёма с новым идентификатором записи.
// Сессия не потокобезопасна и обслуживает один запрос.
func (s *IngestService) Begin() *IngestSession {
	return &IngestSession{svc: s, id: uuid.NewString()}
}

// IngestSession — приём одной записи по частям multipart-запроса.
type IngestSession struct {
	svc *IngestService
	id  string

	storedFilename   string
	originalFilename string
	mimeType         string
	size             int64
	thumbnailKey     string
	committed        bool
	once             sync.Once
}

// ID возвращает идентификатор создаваемой записи.
func (s *IngestSession) ID() string {
	return s.id
}

// HasMedia сообщает, записан ли видеофайл.
func (s *IngestSession) HasMedia() bool {
	return s.storedFilename != ""
}

// PutMedia проверяет MIME-тип и потоково записывает видеофайл.
// Тип проверяется до записи: недопустимый файл не попадает в хранилище.
func (s *IngestSession) PutMedia(originalFilename, mimeType string, r io.Reader) error {
	if s.storedFilename != "" {
		return fmt.Errorf("%w: видеофайл уже передан", ErrValidation)
	}

	mt, err := normalizeMime(mimeType)
	if err != nil || !s.svc.allowed[mt] {
		ingestTotal.WithLabelValues("rejected").Inc()
		return fmt.Errorf("%w: %q", ErrUnsupportedMediaType, mimeType)
	}

	key := model.StoredName(s.id, originalFilename)
	n, err := s.svc.store.Put(blobstore.Videos, key, r)
	if err != nil {
		ingestTotal.WithLabelValues("error").Inc()
		return storageErr(err)
	}

	s.storedFilename = key
	s.originalFilename = originalFilename
	s.mimeType = mt
	s.size = n
	ingestBytesTotal.Add(float64(n))
	return nil
}

// PutThumbnail записывает превью, переданное клиентом.
func (s *IngestSession) PutThumbnail(r io.Reader) error {
	key := s.id + ".jpg"
	if _, err := s.svc.store.Put(blobstore.Thumbnails, key, r); err != nil {
		return storageErr(err)
	}
	s.thumbnailKey = key
	return nil
}

// Commit фиксирует метаданные. До фиксации проверяется папка;
// при отсутствии клиентского превью оно генерируется по возможности.
func (s *IngestSession) Commit(ctx context.Context, meta IngestMeta) (*model.Video, error) {
	if s.storedFilename == "" {
		return nil, ErrMissingFile
	}
	svc := s.svc

	if meta.FolderID != nil {
		if _, err := svc.folders.GetOwned(ctx, *meta.FolderID, meta.OwnerID); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return nil, fmt.Errorf("%w: папка %s не найдена", ErrValidation, *meta.FolderID)
			}
			return nil, err
		}
	}

	duration := s.derive(ctx)

	title := strings.TrimSpace(meta.Title)
	if title == "" {
		title = "Recording " + s.id
	}

	now := time.Now().UTC()
	v := &model.Video{
		ID:               s.id,
		OwnerID:          meta.OwnerID,
		StoredFilename:   s.storedFilename,
		OriginalFilename: s.originalFilename,
		FileSize:         s.size,
		MimeType:         s.mimeType,
		DurationSeconds:  duration,
		Title:            title,
		Description:      meta.Description,
		FolderID:         meta.FolderID,
		Notes:            meta.Notes,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if s.thumbnailKey != "" {
		key := s.thumbnailKey
		v.ThumbnailKey = &key
	}

	if err := svc.videos.Create(ctx, v); err != nil {
		ingestTotal.WithLabelValues("error").Inc()
		if errors.Is(err, repository.ErrReference) {
			return nil, fmt.Errorf("%w: папка не найдена", ErrValidation)
		}
		return nil, fmt.Errorf("ошибка сохранения метаданных: %w", err)
	}
	s.committed = true
	ingestTotal.WithLabelValues("ok").Inc()

	svc.logger.Info("Запись принята",
		slog.String("video_id", v.ID),
		slog.String("owner", v.OwnerID),
		slog.Int64("size", v.FileSize),
		slog.Bool("thumbnail", v.ThumbnailKey != nil),
	)
	return v, nil
}

// derive параллельно определяет длительность и, при необходимости, генерирует превью.
// Ошибки логируются и не прерывают приём.
func (s *IngestSession) derive(ctx context.Context) *float64 {
	svc := s.svc
	videoPath, err := svc.store.Path(blobstore.Videos, s.storedFilename)
	if err != nil {
		return nil
	}

	var duration *float64
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		d, err := svc.tc.ProbeDuration(gctx, videoPath)
		if err != nil {
			svc.logger.Warn("Не удалось определить длительность",
				slog.String("video_id", s.id),
				slog.String("error", err.Error()),
			)
			return nil
		}
		duration = d
		return nil
	})

	if s.thumbnailKey == "" {
		g.Go(func() error {
			key, err := generateThumbnail(gctx, svc.store, svc.tc, videoPath, s.id+".jpg")
			if err != nil {
				svc.logger.Warn("Не удалось создать превью",
					slog.String("video_id", s.id),
					slog.String("error", err.Error()),
				)
				return nil
			}
			s.thumbnailKey = key
			return nil
		})
	}

	_ = g.Wait()
	return duration
}

// Abort удаляет записанные файлы, если метаданные не зафиксированы.
// Повторный вызов — no-op.
func (s *IngestSession) Abort() {
	if s.committed {
		return
	}
	s.once.Do(func() {
		if s.storedFilename != "" {
			if err := s.svc.store.Delete(blobstore.Videos, s.storedFilename); err != nil {
				s.svc.logger.Warn("Не удалось удалить файл прерванной загрузки",
					slog.String("key", s.storedFilename),
					slog.String("error", err.Error()),
				)
			}
		}
		if s.thumbnailKey != "" {
			_ = s.svc.store.Delete(blobstore.Thumbnails, s.thumbnailKey)
		}
	})
}

// generateThumbnail извлекает кадр во временный файл и публикует его под ключом key.
func generateThumbnail(
	ctx context.Context, store *blobstore.Store, tc transcode.Transcoder, videoPath, key string,
) (string, error) {
	tmp, err := store.TempPath(blobstore.Thumbnails, key)
	if err != nil {
		return "", err
	}
	if err := tc.ExtractThumbnail(ctx, videoPath, tmp); err != nil {
		store.Discard(tmp)
		return "", err
	}
	if _, err := store.Adopt(blobstore.Thumbnails, tmp, key); err != nil {
		return "", err
	}
	return key, nil
}

// normalizeMime отбрасывает параметры (codecs=...) и приводит тип к нижнему регистру.
func normalizeMime(mt string) (string, error) {
	if mt == "" {
		return "", errors.New("пустой MIME-тип")
	}
	base, _, err := mime.ParseMediaType(mt)
	if err != nil {
		return "", err
	}
	return strings.ToLower(base), nil
}

// storageErr оборачивает ошибку хранилища в ErrStorage, сохраняя исходную.
func storageErr(err error) error {
	return fmt.Errorf("%w: %w", ErrStorage, err)
}
