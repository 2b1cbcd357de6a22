package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"golang.org/x/sync/errgroup"

	"github.com/bigkaa/recstore/internal/storage/blobstore"
)

func TestIngest_Success(t *testing.T) {
	env := newTestEnv(t)

	v := env.upload(t, "alice", "0123456789")

	if v.FileSize != 10 {
		t.Errorf("FileSize: ожидалось 10, получено %d", v.FileSize)
	}
	if v.StoredFilename != v.ID+".webm" {
		t.Errorf("StoredFilename: ожидалось %q, получено %q", v.ID+".webm", v.StoredFilename)
	}
	if v.DurationSeconds == nil || *v.DurationSeconds != 12.5 {
		t.Errorf("DurationSeconds: ожидалось 12.5, получено %v", v.DurationSeconds)
	}
	if v.ThumbnailKey == nil || *v.ThumbnailKey != v.ID+".jpg" {
		t.Fatalf("ThumbnailKey: ожидалось %q, получено %v", v.ID+".jpg", v.ThumbnailKey)
	}
	if !env.store.Exists(blobstore.Thumbnails, *v.ThumbnailKey) {
		t.Error("Превью должно быть сохранено")
	}

	got, err := env.repo.Videos.GetByID(context.Background(), v.ID)
	if err != nil {
		t.Fatalf("Запись не найдена в БД: %v", err)
	}
	if got.OwnerID != "alice" || got.Title != "Demo" || got.MimeType != "video/webm" {
		t.Errorf("Неожиданные метаданные: %+v", got)
	}
}

func TestIngest_DefaultTitle(t *testing.T) {
	env := newTestEnv(t)

	v, err := env.ingest.Ingest(context.Background(), IngestParams{
		IngestMeta:       IngestMeta{OwnerID: "guest"},
		OriginalFilename: "clip.mp4",
		MimeType:         "video/mp4",
		Media:            strings.NewReader("data"),
	})
	if err != nil {
		t.Fatalf("Ошибка загрузки: %v", err)
	}
	if v.Title != "Recording "+v.ID {
		t.Errorf("Title: получено %q", v.Title)
	}
	if v.StoredFilename != v.ID+".mp4" {
		t.Errorf("StoredFilename: получено %q", v.StoredFilename)
	}
}

func TestIngest_MimeWithCodecs(t *testing.T) {
	env := newTestEnv(t)

	v, err := env.ingest.Ingest(context.Background(), IngestParams{
		IngestMeta:       IngestMeta{OwnerID: "bob"},
		OriginalFilename: "a.webm",
		MimeType:         "video/webm;codecs=vp9,opus",
		Media:            strings.NewReader("data"),
	})
	if err != nil {
		t.Fatalf("Тип с параметрами должен приниматься: %v", err)
	}
	if v.MimeType != "video/webm" {
		t.Errorf("MimeType: ожидалось video/webm, получено %q", v.MimeType)
	}
}

func TestIngest_UnsupportedMime(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.ingest.Ingest(context.Background(), IngestParams{
		IngestMeta:       IngestMeta{OwnerID: "bob"},
		OriginalFilename: "doc.pdf",
		MimeType:         "application/pdf",
		Media:            strings.NewReader("%PDF"),
	})
	if !errors.Is(err, ErrUnsupportedMediaType) {
		t.Fatalf("Ожидалась ErrUnsupportedMediaType, получено %v", err)
	}
	if keys := env.blobKeys(t, blobstore.Videos); len(keys) != 0 {
		t.Errorf("Хранилище должно быть пустым, найдено %v", keys)
	}
}

func TestIngest_UnknownFolder(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.ingest.Ingest(context.Background(), IngestParams{
		IngestMeta:       IngestMeta{OwnerID: "bob", FolderID: strPtr("missing")},
		OriginalFilename: "a.webm",
		MimeType:         "video/webm",
		Media:            strings.NewReader("data"),
	})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("Ожидалась ErrValidation, получено %v", err)
	}
	if keys := env.blobKeys(t, blobstore.Videos); len(keys) != 0 {
		t.Errorf("Файл прерванной загрузки должен быть удалён, найдено %v", keys)
	}
}

func TestIngest_ForeignFolder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	f, err := env.folders.Create(ctx, "alice", "Work", nil)
	if err != nil {
		t.Fatalf("Ошибка создания папки: %v", err)
	}

	_, err = env.ingest.Ingest(ctx, IngestParams{
		IngestMeta:       IngestMeta{OwnerID: "bob", FolderID: &f.ID},
		OriginalFilename: "a.webm",
		MimeType:         "video/webm",
		Media:            strings.NewReader("data"),
	})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("Чужая папка: ожидалась ErrValidation, получено %v", err)
	}
}

func TestIngest_ClientThumbnail(t *testing.T) {
	env := newTestEnv(t)

	v, err := env.ingest.Ingest(context.Background(), IngestParams{
		IngestMeta:       IngestMeta{OwnerID: "bob"},
		OriginalFilename: "a.webm",
		MimeType:         "video/webm",
		Media:            strings.NewReader("data"),
		Thumbnail:        strings.NewReader("client-jpeg"),
	})
	if err != nil {
		t.Fatalf("Ошибка загрузки: %v", err)
	}
	if _, thumbs, _ := env.tc.calls(); thumbs != 0 {
		t.Errorf("Превью не должно генерироваться при клиентском превью, вызовов: %d", thumbs)
	}
	if v.ThumbnailKey == nil {
		t.Fatal("ThumbnailKey должен быть задан")
	}
	f, _, err := env.videos.OpenThumbnail(*v.ThumbnailKey)
	if err != nil {
		t.Fatalf("Ошибка открытия превью: %v", err)
	}
	if got := readAll(t, f); got != "client-jpeg" {
		t.Errorf("Содержимое превью: %q", got)
	}
}

func TestIngest_DerivationFailuresTolerated(t *testing.T) {
	env := newTestEnv(t)
	env.tc.probeErr = errBoom
	env.tc.thumbErr = errBoom

	v := env.upload(t, "bob", "data")

	if v.DurationSeconds != nil {
		t.Errorf("DurationSeconds должна быть nil, получено %v", *v.DurationSeconds)
	}
	if v.ThumbnailKey != nil {
		t.Errorf("ThumbnailKey должен быть nil, получено %v", *v.ThumbnailKey)
	}
	if keys := env.blobKeys(t, blobstore.Thumbnails); len(keys) != 0 {
		t.Errorf("Temp файлы превью должны быть удалены, найдено %v", keys)
	}
}

func TestIngestSession_AbortRemovesBlobs(t *testing.T) {
	env := newTestEnv(t)

	sess := env.ingest.Begin()
	if err := sess.PutMedia("a.webm", "video/webm", strings.NewReader("data")); err != nil {
		t.Fatalf("PutMedia: %v", err)
	}
	if err := sess.PutThumbnail(strings.NewReader("jpeg")); err != nil {
		t.Fatalf("PutThumbnail: %v", err)
	}
	if !sess.HasMedia() {
		t.Fatal("HasMedia должен быть true")
	}

	sess.Abort()
	sess.Abort()

	if keys := env.blobKeys(t, blobstore.Videos); len(keys) != 0 {
		t.Errorf("Видео должно быть удалено, найдено %v", keys)
	}
	if keys := env.blobKeys(t, blobstore.Thumbnails); len(keys) != 0 {
		t.Errorf("Превью должно быть удалено, найдено %v", keys)
	}
}

func TestIngestSession_CommitWithoutMedia(t *testing.T) {
	env := newTestEnv(t)

	sess := env.ingest.Begin()
	if _, err := sess.Commit(context.Background(), IngestMeta{OwnerID: "bob"}); !errors.Is(err, ErrMissingFile) {
		t.Errorf("Ожидалась ErrMissingFile, получено %v", err)
	}
}

func TestIngestSession_AbortAfterCommitKeepsBlobs(t *testing.T) {
	env := newTestEnv(t)

	sess := env.ingest.Begin()
	if err := sess.PutMedia("a.webm", "video/webm", strings.NewReader("data")); err != nil {
		t.Fatalf("PutMedia: %v", err)
	}
	v, err := sess.Commit(context.Background(), IngestMeta{OwnerID: "bob"})
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	sess.Abort()

	if !env.store.Exists(blobstore.Videos, v.StoredFilename) {
		t.Error("Файл зафиксированной записи не должен удаляться")
	}
}

// TestIngest_ConcurrentUniqueKeys: параллельные загрузки получают
// различные id и имена файлов, ни одна не перезаписывает другую.
func TestIngest_ConcurrentUniqueKeys(t *testing.T) {
	env := newTestEnv(t)
	const n = 16

	var (
		mu     sync.Mutex
		ids    = make(map[string]bool, n)
		stored = make(map[string]string, n)
	)
	var g errgroup.Group
	for i := 0; i < n; i++ {
		body := fmt.Sprintf("payload-%02d", i)
		g.Go(func() error {
			v, err := env.ingest.Ingest(context.Background(), IngestParams{
				IngestMeta:       IngestMeta{OwnerID: "alice"},
				OriginalFilename: "screen.webm",
				MimeType:         "video/webm",
				Media:            strings.NewReader(body),
			})
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			if ids[v.ID] {
				return fmt.Errorf("повторный id %s", v.ID)
			}
			if _, ok := stored[v.StoredFilename]; ok {
				return fmt.Errorf("повторное имя файла %s", v.StoredFilename)
			}
			ids[v.ID] = true
			stored[v.StoredFilename] = body
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("Ошибка параллельной загрузки: %v", err)
	}

	if len(ids) != n || len(stored) != n {
		t.Fatalf("Ожидалось %d уникальных записей, получено id=%d файлов=%d", n, len(ids), len(stored))
	}
	for key, body := range stored {
		f, _, err := env.store.Open(blobstore.Videos, key)
		if err != nil {
			t.Fatalf("Open %s: %v", key, err)
		}
		if got := readAll(t, f); got != body {
			t.Errorf("%s: содержимое перезаписано: %q вместо %q", key, got, body)
		}
	}
}
