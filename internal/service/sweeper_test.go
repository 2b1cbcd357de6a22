package service

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bigkaa/recstore/internal/domain/model"
	"github.com/bigkaa/recstore/internal/repository"
	"github.com/bigkaa/recstore/internal/storage/blobstore"
)

func newTestSweeper(env *testEnv, grace time.Duration, shift time.Duration) *Sweeper {
	s := NewSweeper(env.store, env.repo.Videos, time.Hour, grace, quietLogger())
	s.now = func() time.Time { return time.Now().Add(shift) }
	return s
}

func TestSweeper_RemovesOrphansAndPartials(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	v := env.upload(t, "alice", "data")

	if _, err := env.store.Put(blobstore.Videos, "orphan.webm", strings.NewReader("x")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := env.store.Put(blobstore.Thumbnails, "orphan.jpg", strings.NewReader("x")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	partial := filepath.Join(env.dir, "videos", "abc.webm.123.tmp")
	if err := os.WriteFile(partial, []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	res := newTestSweeper(env, time.Hour, 2*time.Hour).RunOnce(ctx)

	if res.PartialDeleted != 1 {
		t.Errorf("PartialDeleted: ожидалось 1, получено %d", res.PartialDeleted)
	}
	if res.OrphansDeleted != 2 {
		t.Errorf("OrphansDeleted: ожидалось 2, получено %d", res.OrphansDeleted)
	}
	if res.Errors != 0 {
		t.Errorf("Errors: ожидалось 0, получено %d", res.Errors)
	}

	if !env.store.Exists(blobstore.Videos, v.StoredFilename) {
		t.Error("Файл записи не должен удаляться")
	}
	if !env.store.Exists(blobstore.Thumbnails, *v.ThumbnailKey) {
		t.Error("Превью записи не должно удаляться")
	}
	if env.store.Exists(blobstore.Videos, "orphan.webm") || env.store.Exists(blobstore.Thumbnails, "orphan.jpg") {
		t.Error("Осиротевшие файлы должны быть удалены")
	}
	if _, err := os.Stat(partial); !os.IsNotExist(err) {
		t.Error("Temp файл должен быть удалён")
	}
}

func TestSweeper_RespectsGracePeriod(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.store.Put(blobstore.Videos, "fresh.webm", strings.NewReader("x")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	partial := filepath.Join(env.dir, "videos", "fresh.webm.456.tmp")
	if err := os.WriteFile(partial, []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	res := newTestSweeper(env, time.Hour, 0).RunOnce(ctx)

	if res.PartialDeleted != 0 || res.OrphansDeleted != 0 {
		t.Errorf("Свежие файлы не должны удаляться: %+v", res)
	}
	if !env.store.Exists(blobstore.Videos, "fresh.webm") {
		t.Error("fresh.webm должен остаться")
	}
}

func TestSweeper_KeepsReplacedRevision(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	v := env.upload(t, "alice", "data")

	res, err := env.trim.Trim(ctx, TrimParams{ID: v.ID, OwnerID: "alice", Start: 0, End: 1, ReplaceOriginal: true})
	if err != nil {
		t.Fatalf("Trim: %v", err)
	}

	newTestSweeper(env, time.Hour, 2*time.Hour).RunOnce(ctx)

	if !env.store.Exists(blobstore.Videos, res.Video.StoredFilename) {
		t.Error("Актуальная ревизия не должна удаляться")
	}
}

func TestSweeper_StartStop(t *testing.T) {
	env := newTestEnv(t)
	s := NewSweeper(env.store, env.repo.Videos, 10*time.Millisecond, time.Hour, quietLogger())

	s.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	s.Stop()
	s.Stop()
}

// racingVideos вызывает onFirstCheck при первой проверке ссылки на ключ,
// имитируя операцию, завершившуюся между листингом и удалением.
type racingVideos struct {
	repository.VideoRepository

	mu           sync.Mutex
	checked      map[string]int
	onFirstCheck func(key string)
}

func (r *racingVideos) BlobReferenced(ctx context.Context, key string) (bool, error) {
	r.mu.Lock()
	r.checked[key]++
	first := r.checked[key] == 1
	r.mu.Unlock()

	referenced, err := r.VideoRepository.BlobReferenced(ctx, key)
	if first && r.onFirstCheck != nil {
		r.onFirstCheck(key)
	}
	return referenced, err
}

func TestSweeper_SkipsBlobCommittedDuringSweep(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	v := env.upload(t, "alice", "data")

	// Файл новой ревизии уже на диске, запись о нём ещё не зафиксирована
	const pending = "pending-revision.webm"
	if _, err := env.store.Put(blobstore.Videos, pending, strings.NewReader("x")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	videos := &racingVideos{
		VideoRepository: env.repo.Videos,
		checked:         map[string]int{},
		onFirstCheck: func(key string) {
			if key != pending {
				return
			}
			if err := env.repo.Videos.ReplaceBlob(ctx, v.ID, v.StoredFilename, model.BlobUpdate{
				StoredFilename: pending,
				FileSize:       1,
			}, time.Now().UTC()); err != nil {
				t.Errorf("ReplaceBlob: %v", err)
			}
		},
	}
	s := NewSweeper(env.store, videos, time.Hour, time.Hour, quietLogger())
	s.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	res := s.RunOnce(ctx)

	if !env.store.Exists(blobstore.Videos, pending) {
		t.Fatal("Файл, зафиксированный во время очистки, не должен удаляться")
	}
	if res.Errors != 0 {
		t.Errorf("Errors: ожидалось 0, получено %d", res.Errors)
	}
}

func TestSweeper_SkipsBlobRewrittenDuringSweep(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	const key = "rewritten.webm"
	if _, err := env.store.Put(blobstore.Videos, key, strings.NewReader("x")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	shift := 2 * time.Hour

	videos := &racingVideos{
		VideoRepository: env.repo.Videos,
		checked:         map[string]int{},
		onFirstCheck: func(k string) {
			if k != key {
				return
			}
			full, _ := env.store.Path(blobstore.Videos, key)
			touched := time.Now().Add(shift)
			if err := os.Chtimes(full, touched, touched); err != nil {
				t.Errorf("Chtimes: %v", err)
			}
		},
	}
	s := NewSweeper(env.store, videos, time.Hour, time.Hour, quietLogger())
	s.now = func() time.Time { return time.Now().Add(shift) }

	res := s.RunOnce(ctx)

	if !env.store.Exists(blobstore.Videos, key) {
		t.Error("Файл, изменённый после листинга, не должен удаляться")
	}
	if res.OrphansDeleted != 0 {
		t.Errorf("OrphansDeleted: ожидалось 0, получено %d", res.OrphansDeleted)
	}
}
