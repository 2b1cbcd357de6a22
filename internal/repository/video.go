package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bigkaa/recstore/internal/domain/model"
)

// VideoRepository — интерфейс доступа к таблице videos.
type VideoRepository interface {
	// Create вставляет новую запись. Дубликат id или filename — ErrConflict,
	// несуществующая папка — ErrReference.
	Create(ctx context.Context, v *model.Video) error
	// GetByID возвращает запись по id без учёта владельца.
	GetByID(ctx context.Context, id string) (*model.Video, error)
	// GetOwned возвращает запись, принадлежащую владельцу.
	GetOwned(ctx context.Context, id, ownerID string) (*model.Video, error)
	// Patch применяет частичное обновление к записи владельца и возвращает результат.
	Patch(ctx context.Context, id, ownerID string, patch model.VideoPatch, now time.Time) (*model.Video, error)
	// ReplaceBlob атомарно переключает запись на новый файл, если текущий
	// ключ файла равен expectedKey. Иначе — ErrConflict.
	ReplaceBlob(ctx context.Context, id, expectedKey string, upd model.BlobUpdate, now time.Time) error
	// IncrementViews увеличивает счётчик просмотров на единицу.
	IncrementViews(ctx context.Context, id string) error
	// ListByOwner возвращает записи владельца, новые первыми.
	ListByOwner(ctx context.Context, ownerID string, filter VideoFilter, limit, offset int) ([]*model.Video, error)
	// CountByOwner возвращает количество записей владельца с учётом фильтра.
	CountByOwner(ctx context.Context, ownerID string, filter VideoFilter) (int, error)
	// Delete удаляет запись владельца и возвращает удалённую строку.
	Delete(ctx context.Context, id, ownerID string) (*model.Video, error)
	// BlobReferenced проверяет, ссылается ли какая-либо запись на ключ файла
	// (видео или превью).
	BlobReferenced(ctx context.Context, key string) (bool, error)
}

// VideoFilter — фильтры списка записей.
type VideoFilter struct {
	// FolderID — только записи из указанной папки
	FolderID *string
}

// videoColumns — список колонок для SELECT из videos.
const videoColumns = `id, user_id, filename, original_filename, file_size, mime_type,
	duration, title, description, folder_id, notes, thumbnail_key,
	is_public, view_count, created_at, updated_at`

// videoRepo — реализация VideoRepository.
type videoRepo struct {
	q  querier
	tx txRunner
}

func (r *videoRepo) Create(ctx context.Context, v *model.Video) error {
	query := `
		INSERT INTO videos (id, user_id, filename, original_filename, file_size, mime_type,
			duration, title, description, folder_id, notes, thumbnail_key,
			is_public, view_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`

	_, err := r.q.exec(ctx, query,
		v.ID, v.OwnerID, v.StoredFilename, v.OriginalFilename, v.FileSize, v.MimeType,
		v.DurationSeconds, v.Title, v.Description, v.FolderID, v.Notes, v.ThumbnailKey,
		v.IsPublic, v.ViewCount, v.CreatedAt, v.UpdatedAt,
	)
	if err != nil {
		return classify(err, "создания записи видео")
	}
	return nil
}

func (r *videoRepo) GetByID(ctx context.Context, id string) (*model.Video, error) {
	query := `SELECT ` + videoColumns + ` FROM videos WHERE id = $1`
	return getVideo(ctx, r.q, query, id)
}

func (r *videoRepo) GetOwned(ctx context.Context, id, ownerID string) (*model.Video, error) {
	query := `SELECT ` + videoColumns + ` FROM videos WHERE id = $1 AND user_id = $2`
	return getVideo(ctx, r.q, query, id, ownerID)
}

func (r *videoRepo) Patch(
	ctx context.Context, id, ownerID string, patch model.VideoPatch, now time.Time,
) (*model.Video, error) {
	var result *model.Video
	err := r.tx.runInTx(ctx, func(q querier) error {
		sets, args := buildVideoPatch(patch)
		sets = append(sets, fmt.Sprintf("updated_at = $%d", len(args)+1))
		args = append(args, now)

		query := fmt.Sprintf(
			"UPDATE videos SET %s WHERE id = $%d AND user_id = $%d",
			strings.Join(sets, ", "), len(args)+1, len(args)+2,
		)
		args = append(args, id, ownerID)

		n, err := q.exec(ctx, query, args...)
		if err != nil {
			return classify(err, "обновления записи видео")
		}
		if n == 0 {
			return ErrNotFound
		}

		result, err = getVideo(ctx, q, `SELECT `+videoColumns+` FROM videos WHERE id = $1`, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// buildVideoPatch формирует SET-выражения для переданных полей патча.
// Очистка non-nullable полей (title, is_public) не порождает выражений.
func buildVideoPatch(p model.VideoPatch) ([]string, []any) {
	var sets []string
	var args []any

	add := func(column string, val any) {
		args = append(args, val)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if p.Title.Set && p.Title.Value != nil {
		add("title", *p.Title.Value)
	}
	if p.Description.Set {
		add("description", p.Description.Value)
	}
	if p.FolderID.Set {
		add("folder_id", p.FolderID.Value)
	}
	if p.Notes.Set {
		add("notes", p.Notes.Value)
	}
	if p.IsPublic.Set && p.IsPublic.Value != nil {
		add("is_public", *p.IsPublic.Value)
	}
	return sets, args
}

func (r *videoRepo) ReplaceBlob(
	ctx context.Context, id, expectedKey string, upd model.BlobUpdate, now time.Time,
) error {
	query := `
		UPDATE videos
		SET filename = $3, file_size = $4, duration = $5, thumbnail_key = $6, updated_at = $7
		WHERE id = $1 AND filename = $2`

	n, err := r.q.exec(ctx, query,
		id, expectedKey, upd.StoredFilename, upd.FileSize, upd.DurationSeconds, upd.ThumbnailKey, now,
	)
	if err != nil {
		return classify(err, "замены файла записи")
	}
	if n == 1 {
		return nil
	}

	// Строка не обновлена: запись удалена или файл уже заменён другим запросом
	if _, err := r.GetByID(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("%w: файл записи %s изменён параллельно", ErrConflict, id)
}

func (r *videoRepo) IncrementViews(ctx context.Context, id string) error {
	n, err := r.q.exec(ctx, `UPDATE videos SET view_count = view_count + 1 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("ошибка увеличения счётчика просмотров: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *videoRepo) ListByOwner(
	ctx context.Context, ownerID string, filter VideoFilter, limit, offset int,
) ([]*model.Video, error) {
	where, args := buildVideoWhere(ownerID, filter)
	query := fmt.Sprintf(
		`SELECT %s FROM videos %s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		videoColumns, where, len(args)+1, len(args)+2,
	)
	args = append(args, limit, offset)

	rows, err := r.q.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка видео: %w", err)
	}
	defer rows.Close()

	var result []*model.Video
	for rows.Next() {
		v, err := scanVideo(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка итерации списка видео: %w", err)
	}
	return result, nil
}

func (r *videoRepo) CountByOwner(ctx context.Context, ownerID string, filter VideoFilter) (int, error) {
	where, args := buildVideoWhere(ownerID, filter)
	var count int
	if err := r.q.queryRow(ctx, `SELECT COUNT(*) FROM videos `+where, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("ошибка подсчёта видео: %w", err)
	}
	return count, nil
}

// buildVideoWhere формирует WHERE-условие для списка записей владельца.
func buildVideoWhere(ownerID string, f VideoFilter) (string, []any) {
	conditions := []string{"user_id = $1"}
	args := []any{ownerID}

	if f.FolderID != nil {
		args = append(args, *f.FolderID)
		conditions = append(conditions, fmt.Sprintf("folder_id = $%d", len(args)))
	}
	return "WHERE " + strings.Join(conditions, " AND "), args
}

func (r *videoRepo) Delete(ctx context.Context, id, ownerID string) (*model.Video, error) {
	var deleted *model.Video
	err := r.tx.runInTx(ctx, func(q querier) error {
		v, err := getVideo(ctx, q,
			`SELECT `+videoColumns+` FROM videos WHERE id = $1 AND user_id = $2`, id, ownerID)
		if err != nil {
			return err
		}
		if _, err := q.exec(ctx, `DELETE FROM videos WHERE id = $1`, id); err != nil {
			return fmt.Errorf("ошибка удаления записи видео: %w", err)
		}
		deleted = v
		return nil
	})
	if err != nil {
		return nil, err
	}
	return deleted, nil
}

func (r *videoRepo) BlobReferenced(ctx context.Context, key string) (bool, error) {
	var count int
	err := r.q.queryRow(ctx,
		`SELECT COUNT(*) FROM videos WHERE filename = $1 OR thumbnail_key = $1`, key,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("ошибка проверки ссылок на файл: %w", err)
	}
	return count > 0, nil
}

// getVideo выполняет запрос одной строки и сканирует запись.
func getVideo(ctx context.Context, q querier, query string, args ...any) (*model.Video, error) {
	v, err := scanVideo(q.queryRow(ctx, query, args...))
	if err != nil {
		return nil, err
	}
	return v, nil
}

// scanVideo сканирует строку в model.Video.
func scanVideo(row rowScanner) (*model.Video, error) {
	v := &model.Video{}
	err := row.Scan(
		&v.ID, &v.OwnerID, &v.StoredFilename, &v.OriginalFilename, &v.FileSize, &v.MimeType,
		&v.DurationSeconds, &v.Title, &v.Description, &v.FolderID, &v.Notes, &v.ThumbnailKey,
		&v.IsPublic, &v.ViewCount, &v.CreatedAt, &v.UpdatedAt,
	)
	if err != nil {
		if isNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка чтения записи видео: %w", err)
	}
	return v, nil
}
