// Пакет blobstore — хранение бинарных файлов (видео и превью) на локальном диске.
// Запись потоковая, фиксированными блоками; файл появляется под своим ключом
// только после полной записи (temp файл → fsync → atomic rename).
package blobstore

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Namespace — логическое пространство ключей хранилища.
type Namespace string

const (
	// Videos — файлы видеозаписей.
	Videos Namespace = "videos"
	// Thumbnails — JPEG-превью.
	Thumbnails Namespace = "thumbnails"
)

// tmpSuffix — суффикс незавершённых файлов. Такие файлы не видны через Open/Exists.
const tmpSuffix = ".tmp"

// DefaultChunkSize — размер блока потоковой записи по умолчанию (1 MiB).
const DefaultChunkSize = 1 << 20

var (
	// ErrNotFound — файл с указанным ключом отсутствует.
	ErrNotFound = errors.New("файл не найден")
	// ErrInvalidKey — недопустимый ключ (пустой, с разделителями пути или "..").
	ErrInvalidKey = errors.New("недопустимый ключ файла")
	// ErrUnknownNamespace — пространство ключей не сконфигурировано.
	ErrUnknownNamespace = errors.New("неизвестное пространство ключей")
)

// BlobInfo — информация о хранимом файле.
type BlobInfo struct {
	Key     string
	Size    int64
	ModTime time.Time
	// Partial — незавершённая запись (temp файл)
	Partial bool
}

// Store — файловое хранилище с пространствами ключей videos и thumbnails.
type Store struct {
	dirs      map[Namespace]string
	chunkSize int
}

// New создаёт хранилище. Директории создаются, если не существуют.
// chunkSize <= 0 означает DefaultChunkSize.
func New(videosDir, thumbnailsDir string, chunkSize int) (*Store, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	dirs := map[Namespace]string{
		Videos:     videosDir,
		Thumbnails: thumbnailsDir,
	}
	for ns, dir := range dirs {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("не удалось создать директорию %s (%s): %w", dir, ns, err)
		}
	}
	return &Store{dirs: dirs, chunkSize: chunkSize}, nil
}

// Put записывает содержимое reader под ключом key и возвращает количество записанных байт.
// Данные копируются блоками размера chunkSize, файл целиком в память не загружается.
// При ошибке temp файл удаляется, ранее существовавший файл с тем же ключом не меняется.
func (s *Store) Put(ns Namespace, key string, r io.Reader) (int64, error) {
	fullPath, err := s.path(ns, key)
	if err != nil {
		return 0, err
	}

	f, err := os.CreateTemp(filepath.Dir(fullPath), key+".*"+tmpSuffix)
	if err != nil {
		return 0, fmt.Errorf("ошибка создания временного файла: %w", err)
	}
	tmpPath := f.Name()

	buf := make([]byte, s.chunkSize)
	n, err := io.CopyBuffer(onlyWriter{f}, r, buf)
	if err != nil {
		f.Close()
		os.Remove(tmpPath)
		return 0, fmt.Errorf("ошибка записи данных: %w", err)
	}

	if err := commit(f, tmpPath, fullPath); err != nil {
		return 0, err
	}
	return n, nil
}

// TempPath резервирует путь для файла, который запишет внешний процесс (ffmpeg).
// Файл создаётся пустым; после записи его нужно передать в Adopt или удалить через Discard.
// Имя сохраняет расширение key, чтобы внешний процесс мог определить формат.
func (s *Store) TempPath(ns Namespace, key string) (string, error) {
	fullPath, err := s.path(ns, key)
	if err != nil {
		return "", err
	}
	ext := filepath.Ext(key)
	f, err := os.CreateTemp(filepath.Dir(fullPath), strings.TrimSuffix(key, ext)+".*"+tmpSuffix+ext)
	if err != nil {
		return "", fmt.Errorf("ошибка создания временного файла: %w", err)
	}
	name := f.Name()
	f.Close()
	return name, nil
}

// Adopt атомарно публикует ранее записанный temp файл под ключом key.
// Возвращает размер файла.
func (s *Store) Adopt(ns Namespace, tmpPath, key string) (int64, error) {
	fullPath, err := s.path(ns, key)
	if err != nil {
		return 0, err
	}
	if filepath.Dir(tmpPath) != filepath.Dir(fullPath) {
		return 0, fmt.Errorf("%w: temp файл вне пространства %s", ErrInvalidKey, ns)
	}

	f, err := os.OpenFile(tmpPath, os.O_RDWR, 0)
	if err != nil {
		return 0, fmt.Errorf("ошибка открытия временного файла: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		os.Remove(tmpPath)
		return 0, fmt.Errorf("ошибка stat временного файла: %w", err)
	}
	if err := commit(f, tmpPath, fullPath); err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Discard удаляет temp файл, полученный через TempPath. Отсутствие файла — не ошибка.
func (s *Store) Discard(tmpPath string) {
	os.Remove(tmpPath)
}

// Open открывает файл на чтение и возвращает его размер.
// Вызывающий код обязан закрыть файл.
func (s *Store) Open(ns Namespace, key string) (*os.File, int64, error) {
	fullPath, err := s.path(ns, key)
	if err != nil {
		return nil, 0, err
	}
	f, err := os.Open(fullPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, 0, fmt.Errorf("%w: %s/%s", ErrNotFound, ns, key)
		}
		return nil, 0, fmt.Errorf("ошибка открытия файла %s/%s: %w", ns, key, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("ошибка stat файла %s/%s: %w", ns, key, err)
	}
	return f, info.Size(), nil
}

// Stat возвращает размер файла.
func (s *Store) Stat(ns Namespace, key string) (int64, error) {
	fullPath, err := s.path(ns, key)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(fullPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, fmt.Errorf("%w: %s/%s", ErrNotFound, ns, key)
		}
		return 0, fmt.Errorf("ошибка stat файла %s/%s: %w", ns, key, err)
	}
	return info.Size(), nil
}

// ModTime возвращает время последнего изменения файла.
func (s *Store) ModTime(ns Namespace, key string) (time.Time, error) {
	fullPath, err := s.path(ns, key)
	if err != nil {
		return time.Time{}, err
	}
	info, err := os.Stat(fullPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return time.Time{}, fmt.Errorf("%w: %s/%s", ErrNotFound, ns, key)
		}
		return time.Time{}, fmt.Errorf("ошибка stat файла %s/%s: %w", ns, key, err)
	}
	return info.ModTime(), nil
}

// Delete удаляет файл. Возвращает nil, если файла уже нет.
func (s *Store) Delete(ns Namespace, key string) error {
	fullPath, err := s.path(ns, key)
	if err != nil {
		return err
	}
	if err := os.Remove(fullPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("ошибка удаления файла %s/%s: %w", ns, key, err)
	}
	return nil
}

// Exists проверяет наличие файла.
func (s *Store) Exists(ns Namespace, key string) bool {
	_, err := s.Stat(ns, key)
	return err == nil
}

// Path возвращает абсолютный путь к файлу для внешних процессов (ffmpeg/ffprobe).
func (s *Store) Path(ns Namespace, key string) (string, error) {
	return s.path(ns, key)
}

// List возвращает все файлы пространства, включая незавершённые temp файлы.
func (s *Store) List(ns Namespace) ([]BlobInfo, error) {
	dir, ok := s.dirs[ns]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNamespace, ns)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения директории %s: %w", dir, err)
	}

	result := make([]BlobInfo, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// Файл удалён между ReadDir и Info
			continue
		}
		result = append(result, BlobInfo{
			Key:     e.Name(),
			Size:    info.Size(),
			ModTime: info.ModTime(),
			Partial: isPartial(e.Name()),
		})
	}
	return result, nil
}

// RemovePartial удаляет незавершённый temp файл по имени из List.
func (s *Store) RemovePartial(ns Namespace, name string) error {
	dir, ok := s.dirs[ns]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNamespace, ns)
	}
	if !isPartial(name) || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: %s", ErrInvalidKey, name)
	}
	if err := os.Remove(filepath.Join(dir, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("ошибка удаления временного файла %s: %w", name, err)
	}
	return nil
}

// path проверяет ключ и возвращает абсолютный путь.
func (s *Store) path(ns Namespace, key string) (string, error) {
	dir, ok := s.dirs[ns]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownNamespace, ns)
	}
	if !ValidKey(key) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return filepath.Join(dir, key), nil
}

// ValidKey проверяет, что ключ — простое имя файла без разделителей пути.
func ValidKey(key string) bool {
	if key == "" || key == "." || key == ".." || len(key) > 255 {
		return false
	}
	if strings.ContainsAny(key, "/\\\x00") || strings.HasPrefix(key, ".") {
		return false
	}
	return !isPartial(key)
}

func isPartial(name string) bool {
	return strings.HasSuffix(name, tmpSuffix) || strings.Contains(name, tmpSuffix+".")
}

// commit выполняет fsync, закрывает файл и атомарно переименовывает его.
// При любой ошибке temp файл удаляется.
func commit(f *os.File, tmpPath, fullPath string) error {
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка fsync: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка закрытия файла: %w", err)
	}
	if err := os.Rename(tmpPath, fullPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка атомарного переименования: %w", err)
	}
	return nil
}

// onlyWriter скрывает ReadFrom у *os.File, чтобы io.CopyBuffer
// использовал заданный буфер, а не copy_file_range/sendfile.
type onlyWriter struct {
	w io.Writer
}

func (o onlyWriter) Write(p []byte) (int, error) {
	return o.w.Write(p)
}

// CheckReady проверяет, что директории пространств существуют и доступны на запись.
// Возвращает статус ("ok", "fail") и сообщение.
func (s *Store) CheckReady() (status string, message string) {
	for ns, dir := range s.dirs {
		f, err := os.CreateTemp(dir, ".ready.*"+tmpSuffix)
		if err != nil {
			return "fail", fmt.Sprintf("директория %s (%s) недоступна на запись: %v", dir, ns, err)
		}
		name := f.Name()
		f.Close()
		os.Remove(name)
	}
	return "ok", "директории доступны"
}
