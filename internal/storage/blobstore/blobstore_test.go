package blobstore

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestStore(t *testing.T, chunkSize int) *Store {
	t.Helper()
	root := t.TempDir()
	s, err := New(filepath.Join(root, "videos"), filepath.Join(root, "thumbs"), chunkSize)
	if err != nil {
		t.Fatalf("ошибка создания Store: %v", err)
	}
	return s
}

// TestPut_Open проверяет запись и чтение файла.
func TestPut_Open(t *testing.T) {
	s := newTestStore(t, 4)
	content := []byte("данные видеозаписи больше одного блока")

	n, err := s.Put(Videos, "v1.webm", bytes.NewReader(content))
	if err != nil {
		t.Fatalf("ошибка Put: %v", err)
	}
	if n != int64(len(content)) {
		t.Errorf("записано %d байт, ожидалось %d", n, len(content))
	}

	f, size, err := s.Open(Videos, "v1.webm")
	if err != nil {
		t.Fatalf("ошибка Open: %v", err)
	}
	defer f.Close()
	if size != int64(len(content)) {
		t.Errorf("размер %d, ожидалось %d", size, len(content))
	}
	data, _ := io.ReadAll(f)
	if !bytes.Equal(data, content) {
		t.Error("содержимое не совпадает")
	}
}

// failingReader возвращает ошибку после первой порции данных.
type failingReader struct{ sent bool }

func (r *failingReader) Read(p []byte) (int, error) {
	if r.sent {
		return 0, errors.New("обрыв соединения")
	}
	r.sent = true
	return copy(p, "частичные данные"), nil
}

// TestPut_FailureLeavesNothing проверяет, что при ошибке чтения
// не остаётся ни файла, ни temp файла.
func TestPut_FailureLeavesNothing(t *testing.T) {
	s := newTestStore(t, 0)

	if _, err := s.Put(Videos, "v2.webm", &failingReader{}); err == nil {
		t.Fatal("ожидалась ошибка Put")
	}
	if s.Exists(Videos, "v2.webm") {
		t.Error("файл не должен существовать после ошибки")
	}
	list, err := s.List(Videos)
	if err != nil {
		t.Fatalf("ошибка List: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("ожидалась пустая директория, найдено %d файлов", len(list))
	}
}

// TestDelete_Idempotent проверяет, что удаление отсутствующего файла не ошибка.
func TestDelete_Idempotent(t *testing.T) {
	s := newTestStore(t, 0)
	if _, err := s.Put(Thumbnails, "t.jpg", strings.NewReader("jpg")); err != nil {
		t.Fatalf("ошибка Put: %v", err)
	}
	if err := s.Delete(Thumbnails, "t.jpg"); err != nil {
		t.Fatalf("ошибка Delete: %v", err)
	}
	if err := s.Delete(Thumbnails, "t.jpg"); err != nil {
		t.Errorf("повторный Delete вернул ошибку: %v", err)
	}
	if s.Exists(Thumbnails, "t.jpg") {
		t.Error("файл должен быть удалён")
	}
}

// TestOpen_NotFound проверяет ErrNotFound для отсутствующего файла.
func TestOpen_NotFound(t *testing.T) {
	s := newTestStore(t, 0)
	_, _, err := s.Open(Videos, "missing.webm")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("ожидалась ErrNotFound, получено %v", err)
	}
}

// TestInvalidKeys проверяет отказ для ключей с обходом пути.
func TestInvalidKeys(t *testing.T) {
	s := newTestStore(t, 0)
	for _, key := range []string{"", "..", "../etc/passwd", "a/b", ".hidden", "x.tmp", "x.123.tmp.mp4"} {
		if _, err := s.Put(Videos, key, strings.NewReader("x")); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("ключ %q: ожидалась ErrInvalidKey, получено %v", key, err)
		}
	}
	if _, err := s.Put(Namespace("other"), "a", strings.NewReader("x")); !errors.Is(err, ErrUnknownNamespace) {
		t.Errorf("ожидалась ErrUnknownNamespace, получено %v", err)
	}
}

// TestTempPath_Adopt проверяет публикацию файла, записанного внешним процессом.
func TestTempPath_Adopt(t *testing.T) {
	s := newTestStore(t, 0)

	tmp, err := s.TempPath(Videos, "v3_r1.mp4")
	if err != nil {
		t.Fatalf("ошибка TempPath: %v", err)
	}
	if filepath.Ext(tmp) != ".mp4" {
		t.Errorf("temp путь должен сохранять расширение: %s", tmp)
	}
	if s.Exists(Videos, "v3_r1.mp4") {
		t.Fatal("ключ не должен быть виден до Adopt")
	}
	if err := os.WriteFile(tmp, []byte("перекодированные данные"), 0o640); err != nil {
		t.Fatalf("ошибка записи temp: %v", err)
	}

	size, err := s.Adopt(Videos, tmp, "v3_r1.mp4")
	if err != nil {
		t.Fatalf("ошибка Adopt: %v", err)
	}
	if size != int64(len("перекодированные данные")) {
		t.Errorf("размер %d не совпадает", size)
	}
	if !s.Exists(Videos, "v3_r1.mp4") {
		t.Error("файл должен существовать после Adopt")
	}
	if _, err := os.Stat(tmp); !os.IsNotExist(err) {
		t.Error("temp файл должен исчезнуть после Adopt")
	}
}

func TestModTime(t *testing.T) {
	s := newTestStore(t, 0)
	if _, err := s.Put(Videos, "a.webm", strings.NewReader("x")); err != nil {
		t.Fatalf("ошибка Put: %v", err)
	}
	old := time.Now().Add(-48 * time.Hour).Truncate(time.Second)
	full, _ := s.Path(Videos, "a.webm")
	if err := os.Chtimes(full, old, old); err != nil {
		t.Fatalf("ошибка Chtimes: %v", err)
	}

	got, err := s.ModTime(Videos, "a.webm")
	if err != nil {
		t.Fatalf("ошибка ModTime: %v", err)
	}
	if !got.Equal(old) {
		t.Errorf("ожидалось %v, получено %v", old, got)
	}
	if _, err := s.ModTime(Videos, "missing.webm"); !errors.Is(err, ErrNotFound) {
		t.Errorf("ожидалась ErrNotFound, получено %v", err)
	}
}

// TestList_Partial проверяет, что temp файлы помечаются как незавершённые.
func TestList_Partial(t *testing.T) {
	s := newTestStore(t, 0)
	if _, err := s.Put(Videos, "done.webm", strings.NewReader("x")); err != nil {
		t.Fatalf("ошибка Put: %v", err)
	}
	tmp, err := s.TempPath(Videos, "pending.mp4")
	if err != nil {
		t.Fatalf("ошибка TempPath: %v", err)
	}

	list, err := s.List(Videos)
	if err != nil {
		t.Fatalf("ошибка List: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("ожидалось 2 файла, получено %d", len(list))
	}
	for _, b := range list {
		switch {
		case b.Key == "done.webm" && b.Partial:
			t.Error("done.webm не должен быть partial")
		case b.Key == filepath.Base(tmp) && !b.Partial:
			t.Error("temp файл должен быть partial")
		}
	}

	if err := s.RemovePartial(Videos, filepath.Base(tmp)); err != nil {
		t.Fatalf("ошибка RemovePartial: %v", err)
	}
	if err := s.RemovePartial(Videos, "done.webm"); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("RemovePartial для готового файла: ожидалась ErrInvalidKey, получено %v", err)
	}
}

// TestCheckReady проверяет проверку готовности директорий.
func TestCheckReady(t *testing.T) {
	s := newTestStore(t, 0)
	if status, msg := s.CheckReady(); status != "ok" {
		t.Fatalf("ожидался ok, получено %s: %s", status, msg)
	}

	if err := os.RemoveAll(s.dirs[Thumbnails]); err != nil {
		t.Fatalf("ошибка удаления директории: %v", err)
	}
	if status, _ := s.CheckReady(); status != "fail" {
		t.Errorf("ожидался fail для отсутствующей директории, получено %s", status)
	}

	blobs, err := s.List(Videos)
	if err != nil {
		t.Fatalf("ошибка List: %v", err)
	}
	if len(blobs) != 0 {
		t.Errorf("проверка не должна оставлять файлов: %+v", blobs)
	}
}
