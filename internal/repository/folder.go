package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bigkaa/recstore/internal/domain/model"
)

// FolderRepository — интерфейс доступа к таблице folders.
type FolderRepository interface {
	// Create создаёт папку. Несуществующий родитель — ErrReference.
	Create(ctx context.Context, f *model.Folder) error
	// GetOwned возвращает папку владельца.
	GetOwned(ctx context.Context, id, ownerID string) (*model.Folder, error)
	// ListByOwner возвращает папки владельца, отсортированные по имени.
	ListByOwner(ctx context.Context, ownerID string) ([]*model.Folder, error)
	// Patch применяет частичное обновление и возвращает результат.
	Patch(ctx context.Context, id, ownerID string, patch model.FolderPatch, now time.Time) (*model.Folder, error)
	// Delete удаляет папку владельца. Ссылки записей и вложенных папок очищаются.
	Delete(ctx context.Context, id, ownerID string) error
}

const folderColumns = `id, user_id, name, parent_id, created_at, updated_at`

// folderRepo — реализация FolderRepository.
type folderRepo struct {
	q  querier
	tx txRunner
}

func (r *folderRepo) Create(ctx context.Context, f *model.Folder) error {
	query := `
		INSERT INTO folders (id, user_id, name, parent_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := r.q.exec(ctx, query, f.ID, f.OwnerID, f.Name, f.ParentID, f.CreatedAt, f.UpdatedAt)
	if err != nil {
		return classify(err, "создания папки")
	}
	return nil
}

func (r *folderRepo) GetOwned(ctx context.Context, id, ownerID string) (*model.Folder, error) {
	return getFolder(ctx, r.q, id, ownerID)
}

func (r *folderRepo) ListByOwner(ctx context.Context, ownerID string) ([]*model.Folder, error) {
	rows, err := r.q.query(ctx,
		`SELECT `+folderColumns+` FROM folders WHERE user_id = $1 ORDER BY name, id`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка папок: %w", err)
	}
	defer rows.Close()

	var result []*model.Folder
	for rows.Next() {
		f, err := scanFolder(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка итерации списка папок: %w", err)
	}
	return result, nil
}

func (r *folderRepo) Patch(
	ctx context.Context, id, ownerID string, patch model.FolderPatch, now time.Time,
) (*model.Folder, error) {
	var result *model.Folder
	err := r.tx.runInTx(ctx, func(q querier) error {
		var sets []string
		var args []any
		if patch.Name.Set && patch.Name.Value != nil {
			args = append(args, *patch.Name.Value)
			sets = append(sets, fmt.Sprintf("name = $%d", len(args)))
		}
		if patch.ParentID.Set {
			args = append(args, patch.ParentID.Value)
			sets = append(sets, fmt.Sprintf("parent_id = $%d", len(args)))
		}
		args = append(args, now)
		sets = append(sets, fmt.Sprintf("updated_at = $%d", len(args)))

		query := fmt.Sprintf("UPDATE folders SET %s WHERE id = $%d AND user_id = $%d",
			strings.Join(sets, ", "), len(args)+1, len(args)+2)
		args = append(args, id, ownerID)

		n, err := q.exec(ctx, query, args...)
		if err != nil {
			return classify(err, "обновления папки")
		}
		if n == 0 {
			return ErrNotFound
		}

		result, err = getFolder(ctx, q, id, ownerID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (r *folderRepo) Delete(ctx context.Context, id, ownerID string) error {
	return r.tx.runInTx(ctx, func(q querier) error {
		if _, err := getFolder(ctx, q, id, ownerID); err != nil {
			return err
		}
		// Записи не удаляются вместе с папкой: ссылка очищается
		if _, err := q.exec(ctx, `UPDATE videos SET folder_id = NULL WHERE folder_id = $1`, id); err != nil {
			return fmt.Errorf("ошибка очистки папки у записей: %w", err)
		}
		if _, err := q.exec(ctx, `UPDATE folders SET parent_id = NULL WHERE parent_id = $1`, id); err != nil {
			return fmt.Errorf("ошибка очистки вложенных папок: %w", err)
		}
		if _, err := q.exec(ctx, `DELETE FROM folders WHERE id = $1`, id); err != nil {
			return fmt.Errorf("ошибка удаления папки: %w", err)
		}
		return nil
	})
}

func getFolder(ctx context.Context, q querier, id, ownerID string) (*model.Folder, error) {
	return scanFolder(q.queryRow(ctx,
		`SELECT `+folderColumns+` FROM folders WHERE id = $1 AND user_id = $2`, id, ownerID))
}

func scanFolder(row rowScanner) (*model.Folder, error) {
	f := &model.Folder{}
	if err := row.Scan(&f.ID, &f.OwnerID, &f.Name, &f.ParentID, &f.CreatedAt, &f.UpdatedAt); err != nil {
		if isNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка чтения папки: %w", err)
	}
	return f, nil
}
