// dephealth.go — метрики доступности PostgreSQL через topologymetrics.
// Проверка идёт через пул приложения; для SQLite сервис не создаётся.
package service

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/BigKAA/topologymetrics/sdk-go/dephealth"
	"github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/pgcheck"
)

// DephealthService периодически проверяет PostgreSQL и публикует результат в /metrics.
type DephealthService struct {
	dh     *dephealth.DepHealth
	logger *slog.Logger
}

// NewDephealthService регистрирует зависимость "postgresql" (critical) в
// глобальном registry. pgConnURL используется только для лейблов host/port.
func NewDephealthService(
	serviceID, group string,
	db *sql.DB,
	pgConnURL string,
	checkInterval time.Duration,
	logger *slog.Logger,
) (*DephealthService, error) {
	dh, err := dephealth.New(serviceID, group,
		dephealth.WithLogger(logger),
		dephealth.AddDependency("postgresql", dephealth.TypePostgres,
			pgcheck.New(pgcheck.WithDB(db)),
			dephealth.FromURL(pgConnURL),
			dephealth.CheckInterval(checkInterval),
			dephealth.Critical(true),
		),
	)
	if err != nil {
		return nil, err
	}
	return &DephealthService{
		dh:     dh,
		logger: logger.With(slog.String("component", "dephealth")),
	}, nil
}

func (ds *DephealthService) Start(ctx context.Context) error {
	ds.logger.Info("Проверка PostgreSQL запущена")
	return ds.dh.Start(ctx)
}

func (ds *DephealthService) Stop() {
	ds.dh.Stop()
	ds.logger.Info("Проверка PostgreSQL остановлена")
}
