// sweeper.go — фоновая очистка хранилища от осиротевших файлов.
//
// Очистка выполняет две задачи:
//  1. Удаляет незавершённые temp файлы старше grace-периода (оборванные загрузки
//     и перекодирования)
//  2. Удаляет файлы, на которые не ссылается ни одна запись, старше grace-периода
//     (заменённые ревизии, файлы после сбоя между записью и фиксацией)
//
// Grace-период не меньше таймаута перекодирования: файл, который ещё
// публикуется параллельной операцией, не будет удалён.
package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/recstore/internal/repository"
	"github.com/bigkaa/recstore/internal/storage/blobstore"
)

// Prometheus метрики очистки
var (
	sweepRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rs_sweep_runs_total",
		Help: "Общее количество запусков очистки хранилища",
	})

	sweepDeletedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rs_sweep_deleted_total",
		Help: "Количество файлов, удалённых очисткой",
	}, []string{"namespace", "kind"})

	sweepDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "rs_sweep_duration_seconds",
		Help:    "Длительность очистки хранилища в секундах",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
	})
)

// SweepResult — результат одного запуска очистки.
type SweepResult struct {
	// PartialDeleted — удалено незавершённых temp файлов
	PartialDeleted int
	// OrphansDeleted — удалено файлов без записи в БД
	OrphansDeleted int
	// Errors — количество ошибок при обработке файлов
	Errors   int
	Duration time.Duration
}

// Sweeper — сервис фоновой очистки хранилища.
type Sweeper struct {
	store    *blobstore.Store
	videos   repository.VideoRepository
	interval time.Duration
	grace    time.Duration
	logger   *slog.Logger

	// now подменяется в тестах
	now func() time.Time

	mu     sync.Mutex // защита от параллельного запуска RunOnce
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweeper создаёт сервис очистки.
func NewSweeper(
	store *blobstore.Store,
	videos repository.VideoRepository,
	interval, grace time.Duration,
	logger *slog.Logger,
) *Sweeper {
	return &Sweeper{
		store:    store,
		videos:   videos,
		interval: interval,
		grace:    grace,
		logger:   logger.With(slog.String("component", "sweeper")),
		now:      time.Now,
	}
}

// Start запускает фоновую горутину очистки с периодическим тикером.
func (s *Sweeper) Start(ctx context.Context) {
	sweepCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.run(sweepCtx)

	s.logger.Info("Очистка хранилища запущена",
		slog.String("interval", s.interval.String()),
		slog.String("grace", s.grace.String()),
	)
}

// Stop останавливает фоновую очистку и ждёт завершения текущего прохода.
func (s *Sweeper) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.logger.Info("Очистка хранилища остановлена")
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce выполняет один проход очистки по обоим пространствам.
// Потокобезопасен.
func (s *Sweeper) RunOnce(ctx context.Context) *SweepResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	result := &SweepResult{}
	cutoff := s.now().Add(-s.grace)

	for _, ns := range []blobstore.Namespace{blobstore.Videos, blobstore.Thumbnails} {
		if ctx.Err() != nil {
			break
		}
		s.sweepNamespace(ctx, ns, cutoff, result)
	}

	result.Duration = time.Since(start)
	sweepRunsTotal.Inc()
	sweepDurationSeconds.Observe(result.Duration.Seconds())

	s.logger.Info("Очистка хранилища завершена",
		slog.Int("partial_deleted", result.PartialDeleted),
		slog.Int("orphans_deleted", result.OrphansDeleted),
		slog.Int("errors", result.Errors),
		slog.Duration("duration", result.Duration),
	)
	return result
}

func (s *Sweeper) sweepNamespace(ctx context.Context, ns blobstore.Namespace, cutoff time.Time, result *SweepResult) {
	blobs, err := s.store.List(ns)
	if err != nil {
		s.logger.Error("Очистка: ошибка чтения хранилища",
			slog.String("namespace", string(ns)),
			slog.String("error", err.Error()),
		)
		result.Errors++
		return
	}

	for _, b := range blobs {
		if ctx.Err() != nil {
			return
		}
		if !b.ModTime.Before(cutoff) {
			continue
		}

		if b.Partial {
			if err := s.store.RemovePartial(ns, b.Key); err != nil {
				s.logger.Error("Очистка: ошибка удаления temp файла",
					slog.String("name", b.Key),
					slog.String("error", err.Error()),
				)
				result.Errors++
				continue
			}
			sweepDeletedTotal.WithLabelValues(string(ns), "partial").Inc()
			result.PartialDeleted++
			continue
		}

		if !blobstore.ValidKey(b.Key) {
			// Посторонний файл (например, скрытый) — не наш
			continue
		}

		orphan, err := s.isOrphan(ctx, ns, b.Key, cutoff)
		if err != nil {
			s.logger.Error("Очистка: ошибка проверки ссылки",
				slog.String("key", b.Key),
				slog.String("error", err.Error()),
			)
			result.Errors++
			continue
		}
		if !orphan {
			continue
		}

		if err := s.store.Delete(ns, b.Key); err != nil {
			s.logger.Error("Очистка: ошибка удаления файла",
				slog.String("key", b.Key),
				slog.String("error", err.Error()),
			)
			result.Errors++
			continue
		}
		s.logger.Debug("Очистка: удалён осиротевший файл",
			slog.String("namespace", string(ns)),
			slog.String("key", b.Key),
		)
		sweepDeletedTotal.WithLabelValues(string(ns), "orphan").Inc()
		result.OrphansDeleted++
	}
}

// isOrphan проверяет ссылку на файл дважды: до и после повторного stat.
// Фиксация записи между листингом и удалением видна второй проверке,
// перезаписанный после листинга файл отсекается по времени изменения.
// Остаточное окно между второй проверкой и удалением закрывает grace-период.
func (s *Sweeper) isOrphan(ctx context.Context, ns blobstore.Namespace, key string, cutoff time.Time) (bool, error) {
	referenced, err := s.videos.BlobReferenced(ctx, key)
	if err != nil || referenced {
		return false, err
	}

	modTime, err := s.store.ModTime(ns, key)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if !modTime.Before(cutoff) {
		return false, nil
	}

	referenced, err = s.videos.BlobReferenced(ctx, key)
	if err != nil || referenced {
		return false, err
	}
	return true, nil
}
