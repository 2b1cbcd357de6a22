package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/bigkaa/recstore/internal/database"
	"github.com/bigkaa/recstore/internal/domain/model"
	"github.com/bigkaa/recstore/internal/repository"
	"github.com/bigkaa/recstore/internal/storage/blobstore"
)

// fakeTranscoder — подмена ffmpeg: записывает фиксированные данные и считает вызовы.
type fakeTranscoder struct {
	mu sync.Mutex

	duration    *float64
	probeErr    error
	thumbErr    error
	trimErr     error
	trimPayload []byte

	probeCalls int
	thumbCalls int
	trimCalls  int
	lastTrim   [2]float64
}

func newFakeTranscoder(duration float64) *fakeTranscoder {
	return &fakeTranscoder{duration: &duration, trimPayload: []byte("trimmed-video")}
}

func (f *fakeTranscoder) ProbeDuration(_ context.Context, _ string) (*float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probeCalls++
	if f.probeErr != nil {
		return nil, f.probeErr
	}
	return f.duration, nil
}

func (f *fakeTranscoder) ExtractThumbnail(_ context.Context, _, outPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.thumbCalls++
	if f.thumbErr != nil {
		return f.thumbErr
	}
	return os.WriteFile(outPath, []byte("jpeg"), 0o644)
}

func (f *fakeTranscoder) Trim(_ context.Context, _, outPath string, start, end float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trimCalls++
	f.lastTrim = [2]float64{start, end}
	if f.trimErr != nil {
		return f.trimErr
	}
	return os.WriteFile(outPath, f.trimPayload, 0o644)
}

func (f *fakeTranscoder) calls() (probe, thumb, trim int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.probeCalls, f.thumbCalls, f.trimCalls
}

// testEnv — сервисы поверх временной SQLite и файлового хранилища.
type testEnv struct {
	store   *blobstore.Store
	repo    *repository.Store
	tc      *fakeTranscoder
	cache   *VideoCache
	ingest  *IngestService
	stream  *StreamService
	trim    *TrimService
	videos  *VideoService
	folders *FolderService
	dir     string
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	logger := quietLogger()
	dir := t.TempDir()

	db, err := database.OpenSQLite(ctx, filepath.Join(dir, "meta.db"), logger)
	if err != nil {
		t.Fatalf("Ошибка открытия SQLite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := database.MigrateSQLite(db, logger); err != nil {
		t.Fatalf("Ошибка миграций: %v", err)
	}

	store, err := blobstore.New(filepath.Join(dir, "videos"), filepath.Join(dir, "thumbnails"), 0)
	if err != nil {
		t.Fatalf("Ошибка создания хранилища: %v", err)
	}

	repo := repository.NewSQLiteStore(db)
	tc := newFakeTranscoder(12.5)
	cache := NewVideoCache(100, 0)

	return &testEnv{
		store:   store,
		repo:    repo,
		tc:      tc,
		cache:   cache,
		ingest:  NewIngestService(store, repo.Videos, repo.Folders, tc, []string{"video/webm", "video/mp4"}, logger),
		stream:  NewStreamService(store, repo.Videos, cache, logger),
		trim:    NewTrimService(store, repo.Videos, tc, cache, logger),
		videos:  NewVideoService(store, repo.Videos, repo.Folders, cache, logger),
		folders: NewFolderService(repo.Folders, cache, logger),
		dir:     dir,
	}
}

// upload загружает запись с заданным содержимым.
func (e *testEnv) upload(t *testing.T, owner, body string) *model.Video {
	t.Helper()
	v, err := e.ingest.Ingest(context.Background(), IngestParams{
		IngestMeta:       IngestMeta{OwnerID: owner, Title: "Demo"},
		OriginalFilename: "screen.webm",
		MimeType:         "video/webm",
		Media:            strings.NewReader(body),
	})
	if err != nil {
		t.Fatalf("Ошибка загрузки: %v", err)
	}
	return v
}

// blobKeys возвращает имена всех файлов пространства, включая temp.
func (e *testEnv) blobKeys(t *testing.T, ns blobstore.Namespace) []string {
	t.Helper()
	blobs, err := e.store.List(ns)
	if err != nil {
		t.Fatalf("Ошибка List: %v", err)
	}
	keys := make([]string, 0, len(blobs))
	for _, b := range blobs {
		keys = append(keys, b.Key)
	}
	return keys
}

func readAll(t *testing.T, r io.ReadCloser) string {
	t.Helper()
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("Ошибка чтения тела: %v", err)
	}
	return string(data)
}

func strPtr(s string) *string { return &s }

var errBoom = errors.New("boom")
