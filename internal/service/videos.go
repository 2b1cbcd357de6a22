// videos.go — чтение, список, частичное обновление и удаление записей.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/bigkaa/recstore/internal/domain/model"
	"github.com/bigkaa/recstore/internal/repository"
	"github.com/bigkaa/recstore/internal/storage/blobstore"
)

// Ограничения пагинации списка записей.
const (
	DefaultListLimit = 50
	MaxListLimit     = 1000
)

// ListParams — параметры списка записей владельца.
type ListParams struct {
	OwnerID  string
	FolderID *string
	Limit    int
	Offset   int
}

// ListResult — страница записей и общее количество.
type ListResult struct {
	Videos []*model.Video
	Total  int
	Limit  int
	Offset int
}

// VideoService — операции над метаданными записей.
type VideoService struct {
	store   *blobstore.Store
	videos  repository.VideoRepository
	folders repository.FolderRepository
	cache   *VideoCache
	logger  *slog.Logger
}

// NewVideoService создаёт сервис записей.
func NewVideoService(
	store *blobstore.Store,
	videos repository.VideoRepository,
	folders repository.FolderRepository,
	cache *VideoCache,
	logger *slog.Logger,
) *VideoService {
	return &VideoService{
		store:   store,
		videos:  videos,
		folders: folders,
		cache:   cache,
		logger:  logger.With(slog.String("component", "videos")),
	}
}

// Metadata возвращает запись без учёта просмотра.
func (s *VideoService) Metadata(ctx context.Context, id string) (*model.Video, error) {
	v, err := s.videos.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	s.cache.Set(v)
	return v, nil
}

// List возвращает записи владельца, новые первыми.
func (s *VideoService) List(ctx context.Context, p ListParams) (*ListResult, error) {
	if p.Limit == 0 {
		p.Limit = DefaultListLimit
	}
	if p.Limit < 1 || p.Limit > MaxListLimit {
		return nil, fmt.Errorf("%w: limit должен быть от 1 до %d", ErrValidation, MaxListLimit)
	}
	if p.Offset < 0 {
		return nil, fmt.Errorf("%w: offset не может быть отрицательным", ErrValidation)
	}

	filter := repository.VideoFilter{FolderID: p.FolderID}
	videos, err := s.videos.ListByOwner(ctx, p.OwnerID, filter, p.Limit, p.Offset)
	if err != nil {
		return nil, err
	}
	total, err := s.videos.CountByOwner(ctx, p.OwnerID, filter)
	if err != nil {
		return nil, err
	}
	if videos == nil {
		videos = []*model.Video{}
	}
	return &ListResult{Videos: videos, Total: total, Limit: p.Limit, Offset: p.Offset}, nil
}

// Patch применяет частичное обновление к записи владельца.
// Пустой заголовок и несуществующая папка — ErrValidation.
func (s *VideoService) Patch(ctx context.Context, id, ownerID string, patch model.VideoPatch) (*model.Video, error) {
	if patch.IsEmpty() {
		return nil, fmt.Errorf("%w: нет полей для обновления", ErrValidation)
	}
	if patch.Title.Set {
		if patch.Title.Value == nil || strings.TrimSpace(*patch.Title.Value) == "" {
			return nil, fmt.Errorf("%w: заголовок не может быть пустым", ErrValidation)
		}
		title := strings.TrimSpace(*patch.Title.Value)
		patch.Title.Value = &title
	}
	if patch.IsPublic.Set && patch.IsPublic.Value == nil {
		return nil, fmt.Errorf("%w: isPublic не может быть null", ErrValidation)
	}
	if patch.FolderID.Set && patch.FolderID.Value != nil {
		if err := checkFolder(ctx, s.folders, *patch.FolderID.Value, ownerID); err != nil {
			return nil, err
		}
	}

	v, err := s.videos.Patch(ctx, id, ownerID, patch, time.Now().UTC())
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			return nil, ErrNotFound
		case errors.Is(err, repository.ErrReference):
			return nil, fmt.Errorf("%w: папка не найдена", ErrValidation)
		default:
			return nil, err
		}
	}
	s.cache.Delete(id)
	return v, nil
}

// Delete удаляет запись владельца, затем её файлы.
// Ошибки удаления файлов логируются: строки уже нет, остатки подберёт очистка.
func (s *VideoService) Delete(ctx context.Context, id, ownerID string) error {
	v, err := s.videos.Delete(ctx, id, ownerID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	s.cache.Delete(id)

	if err := s.store.Delete(blobstore.Videos, v.StoredFilename); err != nil {
		s.logger.Warn("Не удалось удалить файл записи",
			slog.String("video_id", id),
			slog.String("error", err.Error()),
		)
	}
	if v.ThumbnailKey != nil {
		if err := s.store.Delete(blobstore.Thumbnails, *v.ThumbnailKey); err != nil {
			s.logger.Warn("Не удалось удалить превью",
				slog.String("video_id", id),
				slog.String("error", err.Error()),
			)
		}
	}

	s.logger.Info("Запись удалена", slog.String("video_id", id), slog.String("owner", ownerID))
	return nil
}

// OpenThumbnail открывает превью по ключу.
func (s *VideoService) OpenThumbnail(key string) (*os.File, int64, error) {
	f, size, err := s.store.Open(blobstore.Thumbnails, key)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) || errors.Is(err, blobstore.ErrInvalidKey) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, storageErr(err)
	}
	return f, size, nil
}

// checkFolder проверяет, что папка существует и принадлежит владельцу.
func checkFolder(ctx context.Context, folders repository.FolderRepository, folderID, ownerID string) error {
	if _, err := folders.GetOwned(ctx, folderID, ownerID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("%w: папка %s не найдена", ErrValidation, folderID)
		}
		return err
	}
	return nil
}
