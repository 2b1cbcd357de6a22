// Пакет server — HTTP-сервер с маршрутами API, TLS и graceful shutdown.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	apierrors "github.com/bigkaa/recstore/internal/api/errors"
	"github.com/bigkaa/recstore/internal/api/handlers"
	"github.com/bigkaa/recstore/internal/api/middleware"
	"github.com/bigkaa/recstore/internal/config"
)

// Server — HTTP-сервер recstore.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	cfg        *config.Config
}

// NewRouter собирает маршруты.
//
// Публичные: health, metrics, воспроизведение, метаданные, превью.
// Остальные маршруты API проходят проверку API-ключа (если ключи настроены).
func NewRouter(
	api *handlers.Handler,
	health *handlers.HealthHandler,
	auth *middleware.APIKeyAuth,
	logger *slog.Logger,
) http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestLogger(logger))
	router.Use(middleware.MetricsMiddleware())

	router.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		apierrors.NotFound(w, "Маршрут не найден")
	})
	router.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		apierrors.MethodNotAllowed(w, "Метод не поддерживается")
	})

	router.Get("/health/live", health.HealthLive)
	router.Get("/health/ready", health.HealthReady)
	router.Handle("/metrics", promhttp.Handler())

	router.Route("/api/v1", func(r chi.Router) {
		// Публичные маршруты
		r.Get("/videos/{id}", api.StreamVideo)
		r.Head("/videos/{id}", api.StreamVideo)
		r.Get("/videos/{id}/metadata", api.GetMetadata)
		r.Get("/thumbnails/{key}", api.GetThumbnail)

		// Маршруты с API-ключом
		r.Group(func(r chi.Router) {
			r.Use(auth.Middleware())

			r.Post("/upload", api.Upload)
			r.Get("/my-videos", api.ListMyVideos)
			r.Patch("/videos/{id}", api.PatchVideo)
			r.Delete("/videos/{id}", api.DeleteVideo)
			r.Post("/videos/{id}/trim", api.TrimVideo)

			r.Get("/folders", api.ListFolders)
			r.Post("/folders", api.CreateFolder)
			r.Patch("/folders/{id}", api.PatchFolder)
			r.Delete("/folders/{id}", api.DeleteFolder)
		})
	})

	return router
}

// New создаёт HTTP-сервер.
// ReadTimeout и WriteTimeout не задаются: загрузка и воспроизведение длинных
// записей занимают произвольное время; медленные клиенты ограничены ReadHeaderTimeout.
func New(cfg *config.Config, logger *slog.Logger, handler http.Handler) *Server {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}

	if cfg.TLSCert != "" && cfg.TLSKey != "" {
		srv.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	return &Server{
		httpServer: srv,
		logger:     logger,
		cfg:        cfg,
	}
}

// Run запускает сервер и ожидает сигнала завершения (SIGINT, SIGTERM)
// или отмены ctx. Затем выполняется graceful shutdown с таймаутом ShutdownTimeout.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("HTTP-сервер запущен",
			slog.String("addr", s.httpServer.Addr),
			slog.Bool("tls", s.httpServer.TLSConfig != nil),
		)

		var err error
		if s.httpServer.TLSConfig != nil {
			err = s.httpServer.ListenAndServeTLS(s.cfg.TLSCert, s.cfg.TLSKey)
		} else {
			err = s.httpServer.ListenAndServe()
		}

		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		s.logger.Info("Получен сигнал завершения", slog.String("signal", sig.String()))
	case <-ctx.Done():
		s.logger.Info("Контекст отменён, остановка сервера")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("ошибка HTTP-сервера: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Выполняется graceful shutdown...")
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("ошибка при graceful shutdown: %w", err)
	}

	s.logger.Info("HTTP-сервер остановлен")
	return nil
}
