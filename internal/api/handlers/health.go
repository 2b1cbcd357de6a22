// health.go — обработчики health endpoints.
// /health/live — liveness probe (процесс жив)
// /health/ready — readiness probe (база метаданных, хранилище, ffmpeg)
package handlers

import (
	"net/http"
	"time"

	"github.com/bigkaa/recstore/internal/config"
)

const (
	statusOK       = "ok"
	statusDegraded = "degraded"
	statusFail     = "fail"
)

// serviceName — имя сервиса в ответах health endpoints.
const serviceName = "recstore"

// ReadinessChecker — интерфейс проверки готовности зависимости.
type ReadinessChecker interface {
	// CheckReady возвращает статус ("ok", "degraded", "fail") и сообщение.
	CheckReady() (status string, message string)
}

// HealthHandler — обработчик health endpoints.
type HealthHandler struct {
	db      ReadinessChecker
	storage ReadinessChecker
	// ffmpeg не критичен: без него приём работает, обрезка — нет
	ffmpeg ReadinessChecker
}

// NewHealthHandler создаёт обработчик health endpoints.
// nil-проверка считается неинициализированной зависимостью (fail).
func NewHealthHandler(db, storage, ffmpeg ReadinessChecker) *HealthHandler {
	return &HealthHandler{db: db, storage: storage, ffmpeg: ffmpeg}
}

type healthCheckResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type healthLiveResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Version   string `json:"version"`
	Service   string `json:"service"`
}

type healthReadyResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Version   string `json:"version"`
	Service   string `json:"service"`
	Checks    struct {
		Database healthCheckResult `json:"database"`
		Storage  healthCheckResult `json:"storage"`
		FFmpeg   healthCheckResult `json:"ffmpeg"`
	} `json:"checks"`
}

// HealthLive — liveness probe. Возвращает 200 если процесс жив.
func (h *HealthHandler) HealthLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthLiveResponse{
		Status:    statusOK,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   config.Version,
		Service:   serviceName,
	})
}

// HealthReady — readiness probe.
// Возвращает 200 (ok/degraded) или 503 (fail).
func (h *HealthHandler) HealthReady(w http.ResponseWriter, _ *http.Request) {
	resp := healthReadyResponse{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   config.Version,
		Service:   serviceName,
	}

	resp.Checks.Database = check(h.db)
	resp.Checks.Storage = check(h.storage)
	resp.Checks.FFmpeg = check(h.ffmpeg)
	if resp.Checks.FFmpeg.Status == statusFail {
		resp.Checks.FFmpeg.Status = statusDegraded
	}

	resp.Status = overallStatus(resp.Checks.Database.Status, resp.Checks.Storage.Status, resp.Checks.FFmpeg.Status)

	code := http.StatusOK
	if resp.Status == statusFail {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func check(c ReadinessChecker) healthCheckResult {
	if c == nil {
		return healthCheckResult{Status: statusFail, Message: "не инициализирован"}
	}
	status, msg := c.CheckReady()
	return healthCheckResult{Status: status, Message: msg}
}

// overallStatus определяет итоговый статус из статусов зависимостей.
// Если хотя бы одна зависимость fail — итог fail.
// Если хотя бы одна degraded — итог degraded.
func overallStatus(statuses ...string) string {
	hasDegraded := false
	for _, s := range statuses {
		if s == statusFail {
			return statusFail
		}
		if s == statusDegraded {
			hasDegraded = true
		}
	}
	if hasDegraded {
		return statusDegraded
	}
	return statusOK
}
