// Точка входа recstore — хранилище и стриминг записей экрана.
// Команды: serve (по умолчанию), migrate, sweep.
// serve загружает конфигурацию, подключает хранилище метаданных (PostgreSQL или SQLite),
// применяет миграции, создаёт сервисный слой, запускает фоновую очистку,
// topologymetrics и HTTP-сервер с graceful shutdown.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/bigkaa/recstore/internal/api/handlers"
	"github.com/bigkaa/recstore/internal/api/middleware"
	"github.com/bigkaa/recstore/internal/config"
	"github.com/bigkaa/recstore/internal/database"
	"github.com/bigkaa/recstore/internal/repository"
	"github.com/bigkaa/recstore/internal/server"
	"github.com/bigkaa/recstore/internal/service"
	"github.com/bigkaa/recstore/internal/storage/blobstore"
	"github.com/bigkaa/recstore/internal/transcode"
)

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		slog.Error("recstore завершился с ошибкой", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

var configFile string

var rootCmd = &cobra.Command{
	Use:           "recstore",
	Short:         "Хранилище и стриминг записей экрана",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runServe(cmd.Context(), configFile)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Запустить HTTP-сервер",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runServe(cmd.Context(), configFile)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Применить миграции хранилища метаданных и выйти",
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp(cmd.Context(), configFile)
		if err != nil {
			return err
		}
		a.close()
		a.logger.Info("Миграции применены", slog.String("driver", a.cfg.DBDriver))
		return nil
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Однократно удалить незавершённые и осиротевшие файлы",
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp(cmd.Context(), configFile)
		if err != nil {
			return err
		}
		defer a.close()

		sweeper := service.NewSweeper(a.blobs, a.store.Videos, a.cfg.SweepInterval, a.cfg.SweepGracePeriod, a.logger)
		res := sweeper.RunOnce(cmd.Context())
		fmt.Printf("Удалено незавершённых: %d, осиротевших: %d, ошибок: %d (%s)\n",
			res.PartialDeleted, res.OrphansDeleted, res.Errors, res.Duration)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "путь к TOML-файлу конфигурации (RS_CONFIG_FILE)")
	rootCmd.AddCommand(serveCmd, migrateCmd, sweepCmd)
}

// app — инициализированные зависимости, общие для всех команд.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	store  *repository.Store
	blobs  *blobstore.Store

	// dbChecker — проверка готовности хранилища метаданных
	dbChecker handlers.ReadinessChecker
	// pgDB — адаптер пула для topologymetrics; nil для SQLite
	pgDB *sql.DB

	closers []func()
}

// newApp загружает конфигурацию, открывает хранилище метаданных, применяет
// миграции и создаёт файловое хранилище. Вызывающий обязан вызвать close().
func newApp(ctx context.Context, configPath string) (*app, error) {
	// 1. Конфигурация
	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("Ошибка загрузки конфигурации", slog.String("error", err.Error()))
		return nil, err
	}

	// 2. Логирование
	logger := config.SetupLogger(cfg)
	a := &app{cfg: cfg, logger: logger}

	// 3. Хранилище метаданных
	switch cfg.DBDriver {
	case config.DriverSQLite:
		err = a.openSQLite(ctx)
	default:
		err = a.openPostgres(ctx)
	}
	if err != nil {
		a.close()
		return nil, err
	}

	// 4. Файловое хранилище
	a.blobs, err = blobstore.New(cfg.VideosDir, cfg.ThumbnailsDir, cfg.WriteChunkSize)
	if err != nil {
		a.close()
		logger.Error("Ошибка инициализации хранилища файлов", slog.String("error", err.Error()))
		return nil, fmt.Errorf("инициализация хранилища файлов: %w", err)
	}
	return a, nil
}

func (a *app) openPostgres(ctx context.Context) error {
	a.logger.Info("Применение миграций БД...")
	if err := database.Migrate(a.cfg, a.logger); err != nil {
		a.logger.Error("Ошибка миграций БД", slog.String("error", err.Error()))
		return fmt.Errorf("миграции: %w", err)
	}

	pool, err := database.Connect(ctx, a.cfg, a.logger)
	if err != nil {
		a.logger.Error("Ошибка подключения к PostgreSQL", slog.String("error", err.Error()))
		return fmt.Errorf("подключение к PostgreSQL: %w", err)
	}
	a.closers = append(a.closers, pool.Close)

	// Проверка здоровья через существующий пул соединений
	a.pgDB = stdlib.OpenDBFromPool(pool)
	a.closers = append(a.closers, func() { _ = a.pgDB.Close() })

	a.store = repository.NewPostgresStore(pool)
	a.dbChecker = database.NewReadinessChecker(pool)
	return nil
}

func (a *app) openSQLite(ctx context.Context) error {
	db, err := database.OpenSQLite(ctx, a.cfg.SQLitePath, a.logger)
	if err != nil {
		a.logger.Error("Ошибка открытия SQLite", slog.String("error", err.Error()))
		return fmt.Errorf("открытие SQLite: %w", err)
	}
	a.closers = append(a.closers, func() { _ = db.Close() })

	if err := database.MigrateSQLite(db, a.logger); err != nil {
		a.logger.Error("Ошибка миграций SQLite", slog.String("error", err.Error()))
		return fmt.Errorf("миграции: %w", err)
	}

	a.store = repository.NewSQLiteStore(db)
	a.dbChecker = database.NewSQLiteReadinessChecker(db)
	return nil
}

// close освобождает ресурсы в обратном порядке.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func runServe(ctx context.Context, configPath string) error {
	a, err := newApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.close()

	cfg, logger := a.cfg, a.logger
	logger.Info("recstore запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
		slog.String("db_driver", cfg.DBDriver),
	)

	// 5. ffmpeg/ffprobe
	ffmpeg := transcode.New(transcode.Options{
		FFmpegPath:       cfg.FFmpegPath,
		FFprobePath:      cfg.FFprobePath,
		TranscodeTimeout: cfg.TranscodeTimeout,
		ProbeTimeout:     cfg.ProbeTimeout,
		MaxConcurrent:    cfg.MaxConcurrentTranscodes,
		ThumbnailWidth:   cfg.ThumbnailWidth,
	}, logger)
	if status, msg := ffmpeg.CheckReady(); status != "ok" {
		logger.Warn("ffmpeg недоступен, обрезка и превью работать не будут",
			slog.String("message", msg),
		)
	}

	// 6. Сервисы
	cache := service.NewVideoCache(cfg.CacheSize, cfg.CacheTTL)
	videos, folders := a.store.Videos, a.store.Folders

	svc := handlers.Services{
		Ingest:  service.NewIngestService(a.blobs, videos, folders, ffmpeg, cfg.AllowedMimeTypes, logger),
		Stream:  service.NewStreamService(a.blobs, videos, cache, logger),
		Trim:    service.NewTrimService(a.blobs, videos, ffmpeg, cache, logger),
		Videos:  service.NewVideoService(a.blobs, videos, folders, cache, logger),
		Folders: service.NewFolderService(folders, cache, logger),
	}

	// 7. Фоновая очистка хранилища
	sweeper := service.NewSweeper(a.blobs, videos, cfg.SweepInterval, cfg.SweepGracePeriod, logger)
	sweeper.Start(ctx)
	defer sweeper.Stop()

	// 8. topologymetrics — мониторинг зависимостей (только PostgreSQL)
	if a.pgDB != nil {
		dephealthSvc, dephealthErr := service.NewDephealthService(
			dephealthName(cfg.DephealthName),
			cfg.DephealthGroup,
			a.pgDB,
			cfg.DatabaseURL(),
			cfg.DephealthCheckInterval,
			logger,
		)
		if dephealthErr != nil {
			logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
				slog.String("error", dephealthErr.Error()),
			)
		} else if startErr := dephealthSvc.Start(ctx); startErr != nil {
			logger.Warn("Ошибка запуска topologymetrics",
				slog.String("error", startErr.Error()),
			)
		} else {
			defer dephealthSvc.Stop()
			logger.Info("topologymetrics запущен",
				slog.String("group", cfg.DephealthGroup),
				slog.String("check_interval", cfg.DephealthCheckInterval.String()),
			)
		}
	}

	// 9. HTTP: handlers, API-ключи, роутер
	apiHandler := handlers.New(svc, cfg.BaseURL, cfg.MaxUploadSize, logger)
	healthHandler := handlers.NewHealthHandler(a.dbChecker, a.blobs, ffmpeg)

	auth := middleware.NewAPIKeyAuth(cfg.APIKeys, logger)
	if !auth.Enabled() {
		logger.Warn("API-ключи не заданы, изменяющие операции доступны без аутентификации")
	}

	router := server.NewRouter(apiHandler, healthHandler, auth, logger)

	// 10. Запуск сервера с graceful shutdown
	srv := server.New(cfg, logger, router)
	if err := srv.Run(ctx); err != nil {
		logger.Error("Ошибка сервера", slog.String("error", err.Error()))
		return err
	}

	logger.Info("recstore остановлен")
	return nil
}
