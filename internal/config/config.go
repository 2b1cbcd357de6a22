// Пакет config — загрузка и валидация конфигурации recstore.
// Источники: необязательный TOML-файл (RS_CONFIG_FILE) и переменные окружения
// с префиксом RS_. Переменная окружения имеет приоритет над значением из файла.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Драйверы хранилища метаданных.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// DefaultAllowedMimeTypes — MIME-типы видео, принимаемые при загрузке.
var DefaultAllowedMimeTypes = []string{"video/webm", "video/mp4", "video/quicktime"}

// Config содержит все параметры конфигурации сервиса.
type Config struct {
	// Порт HTTP-сервера
	Port int
	// Путь к TLS сертификату (опционально)
	TLSCert string
	// Путь к TLS приватному ключу (опционально)
	TLSKey string
	// Публичный базовый URL для ссылок в ответах (пустой — относительные ссылки)
	BaseURL string

	// Директория видеофайлов
	VideosDir string
	// Директория превью
	ThumbnailsDir string
	// Размер блока потоковой записи в байтах
	WriteChunkSize int
	// Максимальный размер тела загрузки в байтах
	MaxUploadSize int64
	// Разрешённые MIME-типы видео
	AllowedMimeTypes []string

	// Драйвер хранилища метаданных: postgres или sqlite
	DBDriver   string
	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
	DBSSLMode  string
	// Путь к файлу SQLite (для драйвера sqlite)
	SQLitePath string

	// Путь к ffmpeg
	FFmpegPath string
	// Путь к ffprobe
	FFprobePath string
	// Таймаут одной операции перекодирования
	TranscodeTimeout time.Duration
	// Таймаут определения длительности и извлечения превью
	ProbeTimeout time.Duration
	// Максимальное число одновременных процессов ffmpeg/ffprobe
	MaxConcurrentTranscodes int
	// Ширина генерируемого превью
	ThumbnailWidth int

	// API-ключи: ключ → идентификатор пользователя. Пустая карта отключает проверку.
	APIKeys map[string]string

	// Размер LRU-кэша метаданных для стриминга
	CacheSize int
	// TTL записи LRU-кэша
	CacheTTL time.Duration

	// Интервал фоновой очистки осиротевших файлов (0 — отключена)
	SweepInterval time.Duration
	// Минимальный возраст файла, после которого он может считаться осиротевшим
	SweepGracePeriod time.Duration

	// Интервал проверки зависимостей topologymetrics
	DephealthCheckInterval time.Duration
	// Имя группы в метриках topologymetrics
	DephealthGroup string
	// Имя владельца пода для метки name в topologymetrics
	DephealthName string

	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string

	// Таймауты HTTP-сервера
	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration
	// Таймаут graceful shutdown HTTP-сервера
	ShutdownTimeout time.Duration
}

// Load загружает конфигурацию, валидирует поля и возвращает Config или ошибку.
// configFile — путь к TOML-файлу из флага командной строки; пустое значение
// означает RS_CONFIG_FILE, а при его отсутствии — только окружение.
func Load(configFile string) (*Config, error) {
	if configFile == "" {
		configFile = os.Getenv("RS_CONFIG_FILE")
	}
	src, err := newSource(configFile)
	if err != nil {
		return nil, err
	}
	return load(src)
}

func load(src *source) (*Config, error) {
	cfg := &Config{}
	var err error

	// RS_PORT — порт HTTP-сервера (по умолчанию 8080)
	cfg.Port, err = src.getInt("RS_PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("RS_PORT: %w", err)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("RS_PORT: значение %d вне допустимого диапазона 1-65535", cfg.Port)
	}

	cfg.TLSCert = src.getDefault("RS_TLS_CERT", "")
	cfg.TLSKey = src.getDefault("RS_TLS_KEY", "")
	if (cfg.TLSCert == "") != (cfg.TLSKey == "") {
		return nil, fmt.Errorf("RS_TLS_CERT и RS_TLS_KEY должны задаваться вместе")
	}
	cfg.BaseURL = strings.TrimRight(src.getDefault("RS_BASE_URL", ""), "/")

	// RS_VIDEOS_DIR / RS_THUMBNAILS_DIR — директории хранения
	cfg.VideosDir = src.getDefault("RS_VIDEOS_DIR", "./data/videos")
	cfg.ThumbnailsDir = src.getDefault("RS_THUMBNAILS_DIR", "./data/thumbnails")
	if cfg.VideosDir == cfg.ThumbnailsDir {
		return nil, fmt.Errorf("RS_VIDEOS_DIR и RS_THUMBNAILS_DIR должны различаться")
	}

	// RS_WRITE_CHUNK_SIZE — размер блока записи (по умолчанию 1 MiB)
	cfg.WriteChunkSize, err = src.getInt("RS_WRITE_CHUNK_SIZE", 1<<20)
	if err != nil {
		return nil, fmt.Errorf("RS_WRITE_CHUNK_SIZE: %w", err)
	}
	if cfg.WriteChunkSize < 4096 {
		return nil, fmt.Errorf("RS_WRITE_CHUNK_SIZE: значение должно быть не меньше 4096")
	}

	// RS_MAX_UPLOAD_SIZE — максимальный размер загрузки (по умолчанию 500 MiB)
	cfg.MaxUploadSize, err = src.getInt64("RS_MAX_UPLOAD_SIZE", 500<<20)
	if err != nil {
		return nil, fmt.Errorf("RS_MAX_UPLOAD_SIZE: %w", err)
	}
	if cfg.MaxUploadSize <= 0 {
		return nil, fmt.Errorf("RS_MAX_UPLOAD_SIZE: значение должно быть положительным")
	}

	cfg.AllowedMimeTypes = src.getList("RS_ALLOWED_MIME_TYPES", DefaultAllowedMimeTypes)

	// RS_DB_DRIVER — postgres (по умолчанию) или sqlite
	cfg.DBDriver = strings.ToLower(src.getDefault("RS_DB_DRIVER", DriverPostgres))
	switch cfg.DBDriver {
	case DriverPostgres:
		cfg.DBHost = src.getDefault("RS_DB_HOST", "localhost")
		cfg.DBPort, err = src.getInt("RS_DB_PORT", 5432)
		if err != nil {
			return nil, fmt.Errorf("RS_DB_PORT: %w", err)
		}
		cfg.DBName = src.getDefault("RS_DB_NAME", "recstore")
		cfg.DBUser, err = src.getRequired("RS_DB_USER")
		if err != nil {
			return nil, err
		}
		cfg.DBPassword, err = src.getRequired("RS_DB_PASSWORD")
		if err != nil {
			return nil, err
		}
		cfg.DBSSLMode = src.getDefault("RS_DB_SSL_MODE", "disable")
	case DriverSQLite:
		cfg.SQLitePath = src.getDefault("RS_SQLITE_PATH", "./data/recstore.db")
	default:
		return nil, fmt.Errorf("RS_DB_DRIVER: недопустимое значение %q, допустимые: postgres, sqlite", cfg.DBDriver)
	}

	cfg.FFmpegPath = src.getDefault("RS_FFMPEG_PATH", "ffmpeg")
	cfg.FFprobePath = src.getDefault("RS_FFPROBE_PATH", "ffprobe")

	// RS_TRANSCODE_TIMEOUT — таймаут перекодирования (по умолчанию 5m)
	cfg.TranscodeTimeout, err = src.getDuration("RS_TRANSCODE_TIMEOUT", 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("RS_TRANSCODE_TIMEOUT: %w", err)
	}
	cfg.ProbeTimeout, err = src.getDuration("RS_PROBE_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("RS_PROBE_TIMEOUT: %w", err)
	}
	if cfg.TranscodeTimeout <= 0 || cfg.ProbeTimeout <= 0 {
		return nil, fmt.Errorf("RS_TRANSCODE_TIMEOUT и RS_PROBE_TIMEOUT должны быть положительными")
	}

	cfg.MaxConcurrentTranscodes, err = src.getInt("RS_MAX_CONCURRENT_TRANSCODES", 2)
	if err != nil {
		return nil, fmt.Errorf("RS_MAX_CONCURRENT_TRANSCODES: %w", err)
	}
	if cfg.MaxConcurrentTranscodes < 1 {
		return nil, fmt.Errorf("RS_MAX_CONCURRENT_TRANSCODES: значение должно быть не меньше 1")
	}

	cfg.ThumbnailWidth, err = src.getInt("RS_THUMBNAIL_WIDTH", 640)
	if err != nil {
		return nil, fmt.Errorf("RS_THUMBNAIL_WIDTH: %w", err)
	}
	if cfg.ThumbnailWidth < 16 {
		return nil, fmt.Errorf("RS_THUMBNAIL_WIDTH: значение должно быть не меньше 16")
	}

	// RS_API_KEYS — список пар ключ:пользователь через запятую
	cfg.APIKeys, err = parseAPIKeys(src.getList("RS_API_KEYS", nil))
	if err != nil {
		return nil, fmt.Errorf("RS_API_KEYS: %w", err)
	}

	cfg.CacheSize, err = src.getInt("RS_CACHE_SIZE", 1000)
	if err != nil {
		return nil, fmt.Errorf("RS_CACHE_SIZE: %w", err)
	}
	if cfg.CacheSize < 1 {
		return nil, fmt.Errorf("RS_CACHE_SIZE: значение должно быть не меньше 1")
	}
	cfg.CacheTTL, err = src.getDuration("RS_CACHE_TTL", time.Minute)
	if err != nil {
		return nil, fmt.Errorf("RS_CACHE_TTL: %w", err)
	}

	// RS_SWEEP_INTERVAL — интервал очистки осиротевших файлов (по умолчанию 1h)
	cfg.SweepInterval, err = src.getDuration("RS_SWEEP_INTERVAL", time.Hour)
	if err != nil {
		return nil, fmt.Errorf("RS_SWEEP_INTERVAL: %w", err)
	}
	if cfg.SweepInterval <= 0 {
		return nil, fmt.Errorf("RS_SWEEP_INTERVAL: значение должно быть положительным")
	}
	cfg.SweepGracePeriod, err = src.getDuration("RS_SWEEP_GRACE_PERIOD", 24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("RS_SWEEP_GRACE_PERIOD: %w", err)
	}
	if cfg.SweepGracePeriod < cfg.TranscodeTimeout {
		return nil, fmt.Errorf("RS_SWEEP_GRACE_PERIOD: значение %s должно быть >= RS_TRANSCODE_TIMEOUT (%s)",
			cfg.SweepGracePeriod, cfg.TranscodeTimeout)
	}

	cfg.DephealthCheckInterval, err = src.getDuration("RS_DEPHEALTH_CHECK_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("RS_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}
	cfg.DephealthGroup = src.getDefault("RS_DEPHEALTH_GROUP", "recstore")
	cfg.DephealthName = src.getDefault("DEPHEALTH_NAME", "")

	cfg.LogLevel, err = parseLogLevel(src.getDefault("RS_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("RS_LOG_LEVEL: %w", err)
	}
	cfg.LogFormat = src.getDefault("RS_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("RS_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	cfg.ReadHeaderTimeout, err = src.getDuration("RS_READ_HEADER_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("RS_READ_HEADER_TIMEOUT: %w", err)
	}
	cfg.IdleTimeout, err = src.getDuration("RS_IDLE_TIMEOUT", 120*time.Second)
	if err != nil {
		return nil, fmt.Errorf("RS_IDLE_TIMEOUT: %w", err)
	}
	cfg.ShutdownTimeout, err = src.getDuration("RS_SHUTDOWN_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("RS_SHUTDOWN_TIMEOUT: %w", err)
	}

	return cfg, nil
}

// DatabaseDSN возвращает строку подключения к PostgreSQL.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBName, c.DBUser, c.DBPassword, c.DBSSLMode,
	)
}

// DatabaseURL возвращает URL подключения к PostgreSQL (postgres://...).
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode,
	)
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Источник значений ---

// source объединяет переменные окружения и значения из TOML-файла.
// Ключ файла — имя переменной без префикса RS_ в нижнем регистре
// (RS_DB_HOST → db_host).
type source struct {
	file   map[string]any
	getenv func(string) string
}

// newSource читает TOML-файл, если путь задан.
func newSource(path string) (*source, error) {
	src := &source{file: map[string]any{}, getenv: os.Getenv}
	if path == "" {
		return src, nil
	}
	if _, err := toml.DecodeFile(path, &src.file); err != nil {
		return nil, fmt.Errorf("RS_CONFIG_FILE: ошибка чтения %s: %w", path, err)
	}
	return src, nil
}

// lookup возвращает значение из окружения, затем из файла, иначе пустую строку.
func (s *source) lookup(key string) string {
	if val := s.getenv(key); val != "" {
		return val
	}
	fileKey := strings.ToLower(strings.TrimPrefix(key, "RS_"))
	val, ok := s.file[fileKey]
	if !ok {
		return ""
	}
	switch v := val.(type) {
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			parts = append(parts, fmt.Sprint(item))
		}
		return strings.Join(parts, ",")
	case map[string]any:
		// Таблица ключ → значение (api_keys)
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(v))
		for _, k := range keys {
			parts = append(parts, k+":"+fmt.Sprint(v[k]))
		}
		return strings.Join(parts, ",")
	default:
		return fmt.Sprint(v)
	}
}

// getRequired возвращает значение или ошибку, если оно не задано.
func (s *source) getRequired(key string) (string, error) {
	val := s.lookup(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательный параметр не задан", key)
	}
	return val, nil
}

// getDefault возвращает значение или значение по умолчанию.
func (s *source) getDefault(key, defaultVal string) string {
	val := s.lookup(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// getInt возвращает целочисленное значение или значение по умолчанию.
func (s *source) getInt(key string, defaultVal int) (int, error) {
	val := s.lookup(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getInt64 возвращает int64 значение или значение по умолчанию.
func (s *source) getInt64(key string, defaultVal int64) (int64, error) {
	val := s.lookup(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getDuration возвращает time.Duration или значение по умолчанию.
func (s *source) getDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := s.lookup(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 6h)", val)
	}
	return d, nil
}

// getList возвращает список значений, разделённых запятой.
func (s *source) getList(key string, defaultVal []string) []string {
	val := s.lookup(key)
	if val == "" {
		return defaultVal
	}
	var result []string
	for _, part := range strings.Split(val, ",") {
		if p := strings.TrimSpace(part); p != "" {
			result = append(result, p)
		}
	}
	return result
}

// parseAPIKeys разбирает пары "ключ:пользователь".
func parseAPIKeys(pairs []string) (map[string]string, error) {
	keys := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, user, ok := strings.Cut(pair, ":")
		key, user = strings.TrimSpace(key), strings.TrimSpace(user)
		if !ok || key == "" || user == "" {
			return nil, fmt.Errorf("некорректная пара %q, ожидается формат ключ:пользователь", pair)
		}
		keys[key] = user
	}
	return keys, nil
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}
