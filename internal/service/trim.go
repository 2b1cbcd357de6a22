// trim.go — обрезка записи с заменой исходного файла или созданием новой записи.
//
// Перекодирование пишет во временный файл с новым ключом, поэтому исходный
// файл никогда не читается и не пишется одновременно. Метаданные меняются
// только после успешного перекодирования: при замене — одной атомарной
// операцией над строкой, при ответвлении — вставкой новой строки.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
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

var trimTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "rs_trim_total",
	Help: "Количество операций обрезки по режиму и результату.",
}, []string{"mode", "result"})

// TrimParams — параметры обрезки.
type TrimParams struct {
	ID              string
	OwnerID         string
	Start           float64
	End             float64
	ReplaceOriginal bool
}

// TrimResult — результат обрезки.
type TrimResult struct {
	// Video — обновлённая (замена) или новая (ответвление) запись
	Video    *model.Video
	Replaced bool
}

// TrimService — сервис обрезки записей.
type TrimService struct {
	store  *blobstore.Store
	videos repository.VideoRepository
	tc     transcode.Transcoder
	cache  *VideoCache
	logger *slog.Logger
}

// NewTrimService создаёт сервис обрезки.
func NewTrimService(
	store *blobstore.Store,
	videos repository.VideoRepository,
	tc transcode.Transcoder,
	cache *VideoCache,
	logger *slog.Logger,
) *TrimService {
	return &TrimService{
		store:  store,
		videos: videos,
		tc:     tc,
		cache:  cache,
		logger: logger.With(slog.String("component", "trim")),
	}
}

// Trim выполняет обрезку записи владельца.
//
// Поток:
//  1. Валидация интервала (до любых обращений к ffmpeg)
//  2. Поиск записи владельца, проверка известной длительности
//  3. Перекодирование во временный файл, публикация под новым ключом
//  4. Превью и длительность нового файла (по возможности, параллельно)
//  5. Замена: CAS-обновление строки, затем удаление старых файлов.
//     Ответвление: вставка новой записи.
//
// При ошибке после шага 3 новые файлы удаляются, метаданные не меняются.
func (s *TrimService) Trim(ctx context.Context, p TrimParams) (*TrimResult, error) {
	mode := "fork"
	if p.ReplaceOriginal {
		mode = "replace"
	}

	if !validInterval(p.Start, p.End) {
		trimTotal.WithLabelValues(mode, "invalid").Inc()
		return nil, ErrInvalidRange
	}

	src, err := s.videos.GetOwned(ctx, p.ID, p.OwnerID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if src.DurationSeconds != nil && p.End > *src.DurationSeconds {
		trimTotal.WithLabelValues(mode, "invalid").Inc()
		return nil, fmt.Errorf("%w: конец %s превышает длительность %s",
			ErrRangeExceedsDuration, formatSeconds(p.End), formatSeconds(*src.DurationSeconds))
	}

	srcPath, err := s.store.Path(blobstore.Videos, src.StoredFilename)
	if err != nil {
		return nil, storageErr(err)
	}

	targetID := src.ID
	var key string
	if p.ReplaceOriginal {
		key = model.RevisionName(src.ID, uuid.NewString()[:8], src.Extension())
	} else {
		targetID = uuid.NewString()
		key = model.StoredName(targetID, src.StoredFilename)
	}

	// Перекодирование во временный файл
	tmp, err := s.store.TempPath(blobstore.Videos, key)
	if err != nil {
		return nil, storageErr(err)
	}
	if err := s.tc.Trim(ctx, srcPath, tmp, p.Start, p.End); err != nil {
		s.store.Discard(tmp)
		trimTotal.WithLabelValues(mode, "transcode_failed").Inc()
		s.logger.Error("Ошибка перекодирования",
			slog.String("video_id", src.ID),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("%w: %w", ErrTranscodeFailed, err)
	}
	size, err := s.store.Adopt(blobstore.Videos, tmp, key)
	if err != nil {
		return nil, storageErr(err)
	}

	newPath, _ := s.store.Path(blobstore.Videos, key)
	duration, thumbKey := s.derive(ctx, newPath, model.ThumbnailName(key))

	cleanupNew := func() {
		_ = s.store.Delete(blobstore.Videos, key)
		if thumbKey != nil {
			_ = s.store.Delete(blobstore.Thumbnails, *thumbKey)
		}
	}

	var result *model.Video
	if p.ReplaceOriginal {
		result, err = s.replace(ctx, src, model.BlobUpdate{
			StoredFilename:  key,
			FileSize:        size,
			DurationSeconds: duration,
			ThumbnailKey:    thumbKey,
		})
	} else {
		result, err = s.fork(ctx, src, targetID, key, size, duration, thumbKey, p)
	}
	if err != nil {
		cleanupNew()
		trimTotal.WithLabelValues(mode, "error").Inc()
		return nil, err
	}

	trimTotal.WithLabelValues(mode, "ok").Inc()
	s.logger.Info("Запись обрезана",
		slog.String("source_id", src.ID),
		slog.String("video_id", result.ID),
		slog.String("mode", mode),
		slog.String("range", formatSeconds(p.Start)+"-"+formatSeconds(p.End)),
		slog.Int64("size", size),
	)
	return &TrimResult{Video: result, Replaced: p.ReplaceOriginal}, nil
}

// replace переключает запись на новый файл и удаляет прежние файлы.
func (s *TrimService) replace(ctx context.Context, src *model.Video, upd model.BlobUpdate) (*model.Video, error) {
	now := time.Now().UTC()
	if err := s.videos.ReplaceBlob(ctx, src.ID, src.StoredFilename, upd, now); err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			return nil, ErrNotFound
		case errors.Is(err, repository.ErrConflict):
			return nil, ErrConflict
		default:
			return nil, err
		}
	}
	s.cache.Delete(src.ID)

	// Прежние файлы больше не адресуются; остатки подберёт очистка
	if err := s.store.Delete(blobstore.Videos, src.StoredFilename); err != nil {
		s.logger.Warn("Не удалось удалить заменённый файл",
			slog.String("key", src.StoredFilename),
			slog.String("error", err.Error()),
		)
	}
	if src.ThumbnailKey != nil && (upd.ThumbnailKey == nil || *upd.ThumbnailKey != *src.ThumbnailKey) {
		_ = s.store.Delete(blobstore.Thumbnails, *src.ThumbnailKey)
	}

	out := src.Clone()
	out.StoredFilename = upd.StoredFilename
	out.FileSize = upd.FileSize
	out.DurationSeconds = upd.DurationSeconds
	out.ThumbnailKey = upd.ThumbnailKey
	out.UpdatedAt = now
	return out, nil
}

// fork создаёт новую запись с аннотированным заголовком.
func (s *TrimService) fork(
	ctx context.Context, src *model.Video, id, key string, size int64,
	duration *float64, thumbKey *string, p TrimParams,
) (*model.Video, error) {
	now := time.Now().UTC()
	v := &model.Video{
		ID:               id,
		OwnerID:          src.OwnerID,
		StoredFilename:   key,
		OriginalFilename: src.OriginalFilename,
		FileSize:         size,
		MimeType:         src.MimeType,
		DurationSeconds:  duration,
		Title:            fmt.Sprintf("%s (trimmed %ss-%ss)", src.Title, formatSeconds(p.Start), formatSeconds(p.End)),
		Description:      src.Description,
		FolderID:         src.FolderID,
		Notes:            src.Notes,
		ThumbnailKey:     thumbKey,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	err := s.videos.Create(ctx, v)
	if errors.Is(err, repository.ErrReference) {
		// Папку удалили во время перекодирования
		v.FolderID = nil
		err = s.videos.Create(ctx, v)
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка сохранения новой записи: %w", err)
	}
	return v, nil
}

// derive определяет длительность и создаёт превью нового файла.
// Ошибки логируются; отсутствующие значения возвращаются как nil.
func (s *TrimService) derive(ctx context.Context, videoPath, thumbName string) (*float64, *string) {
	var duration *float64
	var thumbKey *string

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		d, err := s.tc.ProbeDuration(gctx, videoPath)
		if err != nil {
			s.logger.Warn("Не удалось определить длительность",
				slog.String("path", videoPath),
				slog.String("error", err.Error()),
			)
			return nil
		}
		duration = d
		return nil
	})
	g.Go(func() error {
		key, err := generateThumbnail(gctx, s.store, s.tc, videoPath, thumbName)
		if err != nil {
			s.logger.Warn("Не удалось создать превью",
				slog.String("path", videoPath),
				slog.String("error", err.Error()),
			)
			return nil
		}
		thumbKey = &key
		return nil
	})
	_ = g.Wait()

	return duration, thumbKey
}

func validInterval(start, end float64) bool {
	if math.IsNaN(start) || math.IsNaN(end) || math.IsInf(start, 0) || math.IsInf(end, 0) {
		return false
	}
	return start >= 0 && end > start
}

func formatSeconds(s float64) string {
	return strconv.FormatFloat(s, 'f', -1, 64)
}
