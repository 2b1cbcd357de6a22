package service

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/bigkaa/recstore/internal/storage/blobstore"
)

func TestParseRange(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		size    int64
		want    *ByteRange
		wantErr bool
	}{
		{name: "полный интервал", header: "bytes=0-9", size: 100, want: &ByteRange{0, 9}},
		{name: "открытый конец", header: "bytes=90-", size: 100, want: &ByteRange{90, 99}},
		{name: "суффикс", header: "bytes=-10", size: 100, want: &ByteRange{90, 99}},
		{name: "суффикс больше размера", header: "bytes=-500", size: 100, want: &ByteRange{0, 99}},
		{name: "конец за пределами обрезается", header: "bytes=50-1000", size: 100, want: &ByteRange{50, 99}},
		{name: "один байт", header: "bytes=0-0", size: 1, want: &ByteRange{0, 0}},
		{name: "начало за концом", header: "bytes=100-", size: 100, wantErr: true},
		{name: "конец меньше начала", header: "bytes=10-5", size: 100, wantErr: true},
		{name: "несколько диапазонов", header: "bytes=0-1,5-6", size: 100, wantErr: true},
		{name: "другие единицы", header: "items=0-1", size: 100, wantErr: true},
		{name: "мусор", header: "bytes=abc", size: 100, wantErr: true},
		{name: "нулевой суффикс", header: "bytes=-0", size: 100, wantErr: true},
		{name: "пустой файл", header: "bytes=0-", size: 0, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRange(tt.header, tt.size)
			if tt.wantErr {
				var rerr *RangeError
				if !errors.As(err, &rerr) {
					t.Fatalf("Ожидалась *RangeError, получено %v", err)
				}
				if rerr.Size != tt.size {
					t.Errorf("RangeError.Size: ожидалось %d, получено %d", tt.size, rerr.Size)
				}
				if !errors.Is(err, ErrRangeNotSatisfiable) {
					t.Error("RangeError должна оборачивать ErrRangeNotSatisfiable")
				}
				return
			}
			if err != nil {
				t.Fatalf("Неожиданная ошибка: %v", err)
			}
			if *got != *tt.want {
				t.Errorf("Ожидалось %+v, получено %+v", *tt.want, *got)
			}
		})
	}
}

func viewCount(t *testing.T, env *testEnv, id string) int64 {
	t.Helper()
	v, err := env.videos.Metadata(context.Background(), id)
	if err != nil {
		t.Fatalf("Metadata: %v", err)
	}
	return v.ViewCount
}

func TestStream_Full(t *testing.T) {
	env := newTestEnv(t)
	v := env.upload(t, "alice", "0123456789")

	res, err := env.stream.Open(context.Background(), v.ID, "", StreamOptions{CountView: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if res.Status != http.StatusOK {
		t.Errorf("Status: ожидалось 200, получено %d", res.Status)
	}
	if res.ContentLength != 10 || res.ContentType != "video/webm" {
		t.Errorf("Неожиданные заголовки: %d %q", res.ContentLength, res.ContentType)
	}
	if got := readAll(t, res.Body); got != "0123456789" {
		t.Errorf("Тело: %q", got)
	}
	if n := viewCount(t, env, v.ID); n != 1 {
		t.Errorf("ViewCount: ожидалось 1, получено %d", n)
	}
}

func TestStream_Partial(t *testing.T) {
	env := newTestEnv(t)
	v := env.upload(t, "alice", "0123456789")

	res, err := env.stream.Open(context.Background(), v.ID, "bytes=2-5", StreamOptions{CountView: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if res.Status != http.StatusPartialContent {
		t.Errorf("Status: ожидалось 206, получено %d", res.Status)
	}
	if res.ContentRange != "bytes 2-5/10" {
		t.Errorf("ContentRange: %q", res.ContentRange)
	}
	if res.ContentLength != 4 {
		t.Errorf("ContentLength: ожидалось 4, получено %d", res.ContentLength)
	}
	if got := readAll(t, res.Body); got != "2345" {
		t.Errorf("Тело: %q", got)
	}
}

func TestStream_UnsatisfiableRangeDoesNotCountView(t *testing.T) {
	env := newTestEnv(t)
	v := env.upload(t, "alice", "0123456789")

	_, err := env.stream.Open(context.Background(), v.ID, "bytes=50-", StreamOptions{CountView: true})
	var rerr *RangeError
	if !errors.As(err, &rerr) {
		t.Fatalf("Ожидалась *RangeError, получено %v", err)
	}
	if rerr.Size != 10 {
		t.Errorf("Size: ожидалось 10, получено %d", rerr.Size)
	}
	if n := viewCount(t, env, v.ID); n != 0 {
		t.Errorf("Просмотр не должен учитываться, получено %d", n)
	}
}

func TestStream_HeadDoesNotCountView(t *testing.T) {
	env := newTestEnv(t)
	v := env.upload(t, "alice", "0123456789")

	res, err := env.stream.Open(context.Background(), v.ID, "", StreamOptions{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	res.Body.Close()
	if n := viewCount(t, env, v.ID); n != 0 {
		t.Errorf("ViewCount: ожидалось 0, получено %d", n)
	}
}

func TestStream_NotFound(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.stream.Open(context.Background(), "00000000-0000-0000-0000-000000000000", "", StreamOptions{CountView: true})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Ожидалась ErrNotFound, получено %v", err)
	}
}

func TestStream_MissingBlob(t *testing.T) {
	env := newTestEnv(t)
	v := env.upload(t, "alice", "0123456789")

	if err := env.store.Delete(blobstore.Videos, v.StoredFilename); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	_, err := env.stream.Open(context.Background(), v.ID, "", StreamOptions{CountView: true})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Ожидалась ErrNotFound, получено %v", err)
	}
	if n := viewCount(t, env, v.ID); n != 0 {
		t.Errorf("Просмотр не должен учитываться, получено %d", n)
	}
}

func TestStream_StaleCacheAfterReplace(t *testing.T) {
	env := newTestEnv(t)
	v := env.upload(t, "alice", "0123456789")
	ctx := context.Background()

	// Прогреваем кэш
	res, err := env.stream.Open(ctx, v.ID, "", StreamOptions{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	res.Body.Close()

	if _, err := env.trim.Trim(ctx, TrimParams{ID: v.ID, OwnerID: "alice", Start: 1, End: 2, ReplaceOriginal: true}); err != nil {
		t.Fatalf("Trim: %v", err)
	}

	res, err = env.stream.Open(ctx, v.ID, "", StreamOptions{})
	if err != nil {
		t.Fatalf("Open после замены: %v", err)
	}
	if got := readAll(t, res.Body); got != "trimmed-video" {
		t.Errorf("Ожидалось содержимое нового файла, получено %q", got)
	}
}
