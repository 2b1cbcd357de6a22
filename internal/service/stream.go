// stream.go — отдача видео с поддержкой одного байтового диапазона.
// Pipeline: запись (кэш или БД) → открытие файла → разбор Range →
// учёт просмотра → поток ограниченной длины.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/recstore/internal/domain/model"
	"github.com/bigkaa/recstore/internal/repository"
	"github.com/bigkaa/recstore/internal/storage/blobstore"
)

// Prometheus-метрики стриминга.
var (
	streamRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rs_stream_requests_total",
		Help: "Количество запросов на воспроизведение по статусу.",
	}, []string{"status"})

	streamBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rs_stream_bytes_total",
		Help: "Объём отданных видеоданных в байтах.",
	})

	missingBlobsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rs_missing_blobs_total",
		Help: "Количество записей, для которых не найден файл (нарушение согласованности).",
	})
)

// ByteRange — разрешённый диапазон [Start, End] включительно.
type ByteRange struct {
	Start int64
	End   int64
}

// Length возвращает длину диапазона.
func (r ByteRange) Length() int64 {
	return r.End - r.Start + 1
}

// RangeError — Range не может быть удовлетворён для файла размера Size.
type RangeError struct {
	Size int64
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("%s (размер %d)", ErrRangeNotSatisfiable.Error(), e.Size)
}

func (e *RangeError) Unwrap() error {
	return ErrRangeNotSatisfiable
}

// StreamResult — подготовленный ответ на запрос воспроизведения.
// Body закрывает вызывающий код.
type StreamResult struct {
	Video         *model.Video
	Status        int
	ContentType   string
	ContentLength int64
	// ContentRange — значение заголовка Content-Range (только для 206)
	ContentRange string
	Body         io.ReadCloser
}

// StreamOptions — режим запроса.
type StreamOptions struct {
	// CountView — учитывать просмотр (false для HEAD)
	CountView bool
}

// StreamService — сервис отдачи видео.
type StreamService struct {
	store  *blobstore.Store
	videos repository.VideoRepository
	cache  *VideoCache
	logger *slog.Logger
}

// NewStreamService создаёт сервис отдачи видео.
func NewStreamService(
	store *blobstore.Store,
	videos repository.VideoRepository,
	cache *VideoCache,
	logger *slog.Logger,
) *StreamService {
	return &StreamService{
		store:  store,
		videos: videos,
		cache:  cache,
		logger: logger.With(slog.String("component", "stream")),
	}
}

// Open готовит ответ для записи id.
//
// Порядок:
//  1. Запись из кэша или БД; нет записи → ErrNotFound
//  2. Открытие файла; при отсутствии — повторное чтение записи из БД
//     (файл мог быть заменён обрезкой), затем ErrNotFound
//  3. Разбор Range; некорректный или вне файла → *RangeError, просмотр не учитывается
//  4. Учёт просмотра ровно один раз
func (s *StreamService) Open(ctx context.Context, id, rangeHeader string, opts StreamOptions) (*StreamResult, error) {
	video, f, size, err := s.openBlob(ctx, id)
	if err != nil {
		streamRequestsTotal.WithLabelValues(statusLabel(err)).Inc()
		return nil, err
	}

	var rng *ByteRange
	if rangeHeader != "" {
		rng, err = ParseRange(rangeHeader, size)
		if err != nil {
			f.Close()
			streamRequestsTotal.WithLabelValues("416").Inc()
			return nil, err
		}
	}

	if opts.CountView {
		if err := s.videos.IncrementViews(ctx, id); err != nil {
			f.Close()
			if errors.Is(err, repository.ErrNotFound) {
				s.cache.Delete(id)
				streamRequestsTotal.WithLabelValues("404").Inc()
				return nil, ErrNotFound
			}
			streamRequestsTotal.WithLabelValues("500").Inc()
			return nil, err
		}
	}

	result := &StreamResult{
		Video:       video,
		ContentType: video.ContentType(),
	}

	if rng == nil {
		result.Status = http.StatusOK
		result.ContentLength = size
		result.Body = &countingBody{r: f, c: f}
	} else {
		if _, err := f.Seek(rng.Start, io.SeekStart); err != nil {
			f.Close()
			streamRequestsTotal.WithLabelValues("500").Inc()
			return nil, storageErr(err)
		}
		result.Status = http.StatusPartialContent
		result.ContentLength = rng.Length()
		result.ContentRange = fmt.Sprintf("bytes %d-%d/%d", rng.Start, rng.End, size)
		result.Body = &countingBody{r: io.LimitReader(f, rng.Length()), c: f}
	}

	streamRequestsTotal.WithLabelValues(strconv.Itoa(result.Status)).Inc()
	return result, nil
}

// openBlob находит запись и открывает её файл.
func (s *StreamService) openBlob(ctx context.Context, id string) (*model.Video, *os.File, int64, error) {
	video, cached, err := s.lookup(ctx, id)
	if err != nil {
		return nil, nil, 0, err
	}

	f, size, err := s.store.Open(blobstore.Videos, video.StoredFilename)
	if err == nil {
		return video, f, size, nil
	}
	if !errors.Is(err, blobstore.ErrNotFound) {
		return nil, nil, 0, storageErr(err)
	}

	// Кэш мог хранить ключ файла, заменённого обрезкой
	if cached {
		s.cache.Delete(id)
		video, err = s.load(ctx, id)
		if err != nil {
			return nil, nil, 0, err
		}
		f, size, err = s.store.Open(blobstore.Videos, video.StoredFilename)
		if err == nil {
			return video, f, size, nil
		}
		if !errors.Is(err, blobstore.ErrNotFound) {
			return nil, nil, 0, storageErr(err)
		}
	}

	missingBlobsTotal.Inc()
	s.logger.Error("Файл записи отсутствует в хранилище",
		slog.String("video_id", id),
		slog.String("key", video.StoredFilename),
	)
	return nil, nil, 0, ErrNotFound
}

// lookup возвращает запись из кэша или БД. cached=true при попадании в кэш.
func (s *StreamService) lookup(ctx context.Context, id string) (*model.Video, bool, error) {
	if v, ok := s.cache.Get(id); ok {
		return v, true, nil
	}
	v, err := s.load(ctx, id)
	return v, false, err
}

func (s *StreamService) load(ctx context.Context, id string) (*model.Video, error) {
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

// ParseRange разбирает заголовок Range для файла размера size.
// Поддерживаются формы bytes=a-b, bytes=a- и bytes=-n; конец
// ограничивается размером файла. Несколько диапазонов, некорректный
// синтаксис и начало за концом файла дают *RangeError.
func ParseRange(header string, size int64) (*ByteRange, error) {
	fail := &RangeError{Size: size}

	set, ok := strings.CutPrefix(strings.TrimSpace(header), "bytes=")
	if !ok || strings.Contains(set, ",") || size <= 0 {
		return nil, fail
	}
	startStr, endStr, ok := strings.Cut(strings.TrimSpace(set), "-")
	if !ok {
		return nil, fail
	}
	startStr, endStr = strings.TrimSpace(startStr), strings.TrimSpace(endStr)

	// Суффиксная форма: последние n байт
	if startStr == "" {
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || n <= 0 {
			return nil, fail
		}
		if n > size {
			n = size
		}
		return &ByteRange{Start: size - n, End: size - 1}, nil
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 || start >= size {
		return nil, fail
	}

	end := size - 1
	if endStr != "" {
		end, err = strconv.ParseInt(endStr, 10, 64)
		if err != nil || end < start {
			return nil, fail
		}
		if end > size-1 {
			end = size - 1
		}
	}
	return &ByteRange{Start: start, End: end}, nil
}

// countingBody учитывает отданные байты в метриках.
type countingBody struct {
	r io.Reader
	c io.Closer
}

func (b *countingBody) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	if n > 0 {
		streamBytesTotal.Add(float64(n))
	}
	return n, err
}

func (b *countingBody) Close() error {
	return b.c.Close()
}

func statusLabel(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "404"
	default:
		return "500"
	}
}
