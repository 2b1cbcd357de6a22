// folders.go — пользовательские папки.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bigkaa/recstore/internal/domain/model"
	"github.com/bigkaa/recstore/internal/repository"
)

// maxFolderName — максимальная длина имени папки в символах.
const maxFolderName = 255

// FolderService — операции над папками.
type FolderService struct {
	folders repository.FolderRepository
	cache   *VideoCache
	logger  *slog.Logger
}

// NewFolderService создаёт сервис папок.
func NewFolderService(folders repository.FolderRepository, cache *VideoCache, logger *slog.Logger) *FolderService {
	return &FolderService{
		folders: folders,
		cache:   cache,
		logger:  logger.With(slog.String("component", "folders")),
	}
}

// List возвращает папки владельца по имени.
func (s *FolderService) List(ctx context.Context, ownerID string) ([]*model.Folder, error) {
	folders, err := s.folders.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if folders == nil {
		folders = []*model.Folder{}
	}
	return folders, nil
}

// Create создаёт папку. Родитель, если задан, должен принадлежать владельцу.
func (s *FolderService) Create(ctx context.Context, ownerID, name string, parentID *string) (*model.Folder, error) {
	name, err := validFolderName(name)
	if err != nil {
		return nil, err
	}
	if parentID != nil {
		if err := checkFolder(ctx, s.folders, *parentID, ownerID); err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC()
	f := &model.Folder{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Name:      name,
		ParentID:  parentID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.folders.Create(ctx, f); err != nil {
		if errors.Is(err, repository.ErrReference) {
			return nil, fmt.Errorf("%w: родительская папка не найдена", ErrValidation)
		}
		return nil, err
	}
	return f, nil
}

// Patch переименовывает или перемещает папку.
func (s *FolderService) Patch(ctx context.Context, id, ownerID string, patch model.FolderPatch) (*model.Folder, error) {
	if !patch.Name.Set && !patch.ParentID.Set {
		return nil, fmt.Errorf("%w: нет полей для обновления", ErrValidation)
	}
	if patch.Name.Set {
		if patch.Name.Value == nil {
			return nil, fmt.Errorf("%w: имя папки не может быть null", ErrValidation)
		}
		name, err := validFolderName(*patch.Name.Value)
		if err != nil {
			return nil, err
		}
		patch.Name.Value = &name
	}
	if patch.ParentID.Set && patch.ParentID.Value != nil {
		parent := *patch.ParentID.Value
		if parent == id {
			return nil, fmt.Errorf("%w: папка не может быть родителем самой себя", ErrValidation)
		}
		if err := s.checkNoCycle(ctx, id, parent, ownerID); err != nil {
			return nil, err
		}
	}

	f, err := s.folders.Patch(ctx, id, ownerID, patch, time.Now().UTC())
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			return nil, ErrNotFound
		case errors.Is(err, repository.ErrReference):
			return nil, fmt.Errorf("%w: родительская папка не найдена", ErrValidation)
		default:
			return nil, err
		}
	}
	return f, nil
}

// checkNoCycle проверяет, что новый родитель существует и не является потомком папки.
func (s *FolderService) checkNoCycle(ctx context.Context, id, parentID, ownerID string) error {
	seen := map[string]bool{}
	cur := parentID
	for cur != "" {
		if cur == id {
			return fmt.Errorf("%w: перемещение создаёт цикл", ErrValidation)
		}
		if seen[cur] {
			break
		}
		seen[cur] = true

		f, err := s.folders.GetOwned(ctx, cur, ownerID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return fmt.Errorf("%w: папка %s не найдена", ErrValidation, cur)
			}
			return err
		}
		if f.ParentID == nil {
			break
		}
		cur = *f.ParentID
	}
	return nil
}

// Delete удаляет папку; записи в ней остаются без папки.
func (s *FolderService) Delete(ctx context.Context, id, ownerID string) error {
	if err := s.folders.Delete(ctx, id, ownerID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	s.logger.Info("Папка удалена", slog.String("folder_id", id), slog.String("owner", ownerID))
	return nil
}

func validFolderName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("%w: имя папки не может быть пустым", ErrValidation)
	}
	if len([]rune(name)) > maxFolderName {
		return "", fmt.Errorf("%w: имя папки длиннее %d символов", ErrValidation, maxFolderName)
	}
	return name, nil
}
