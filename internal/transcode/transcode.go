// Пакет transcode — вызовы ffmpeg/ffprobe: определение длительности,
// извлечение превью и обрезка видео.
//
// Каждый вызов выполняется отдельным процессом с таймаутом; при истечении
// таймаута или отмене контекста процесс завершается. Число одновременных
// процессов ограничено семафором, чтобы перекодирование не вытесняло
// обработку запросов.
package transcode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrTranscodeFailed — процесс ffmpeg/ffprobe завершился с ошибкой или по таймауту.
	ErrTranscodeFailed = errors.New("ошибка обработки видео")
	// ErrNoFrame — не удалось извлечь кадр для превью.
	ErrNoFrame = errors.New("не удалось извлечь кадр")
)

// Prometheus-метрики вызовов ffmpeg.
var (
	transcodeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rs_transcode_duration_seconds",
		Help:    "Длительность вызовов ffmpeg/ffprobe в секундах.",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
	}, []string{"operation"})

	transcodeFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rs_transcode_failures_total",
		Help: "Количество неуспешных вызовов ffmpeg/ffprobe.",
	}, []string{"operation"})
)

// Transcoder — операции над видеофайлами по локальным путям.
type Transcoder interface {
	// ProbeDuration возвращает длительность в секундах или nil, если она неизвестна.
	ProbeDuration(ctx context.Context, path string) (*float64, error)
	// ExtractThumbnail сохраняет JPEG-кадр на отметке 1s, при неудаче — первый кадр.
	ExtractThumbnail(ctx context.Context, videoPath, outPath string) error
	// Trim записывает фрагмент [start, end) в outPath. Формат определяется расширением outPath.
	Trim(ctx context.Context, srcPath, outPath string, start, end float64) error
}

// Options — параметры FFmpeg.
type Options struct {
	FFmpegPath       string
	FFprobePath      string
	TranscodeTimeout time.Duration
	ProbeTimeout     time.Duration
	MaxConcurrent    int
	ThumbnailWidth   int
}

// FFmpeg — реализация Transcoder через системные ffmpeg и ffprobe.
type FFmpeg struct {
	opts   Options
	sem    *semaphore.Weighted
	logger *slog.Logger
}

// New создаёт FFmpeg. Недопустимые значения заменяются значениями по умолчанию.
func New(opts Options, logger *slog.Logger) *FFmpeg {
	if opts.FFmpegPath == "" {
		opts.FFmpegPath = "ffmpeg"
	}
	if opts.FFprobePath == "" {
		opts.FFprobePath = "ffprobe"
	}
	if opts.TranscodeTimeout <= 0 {
		opts.TranscodeTimeout = 5 * time.Minute
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 30 * time.Second
	}
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = 1
	}
	if opts.ThumbnailWidth <= 0 {
		opts.ThumbnailWidth = 640
	}
	return &FFmpeg{
		opts:   opts,
		sem:    semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		logger: logger.With(slog.String("component", "transcode")),
	}
}

// CheckReady проверяет наличие ffmpeg и ffprobe.
// Возвращает статус ("ok", "fail") и сообщение.
func (f *FFmpeg) CheckReady() (status string, message string) {
	for _, bin := range []string{f.opts.FFmpegPath, f.opts.FFprobePath} {
		if _, err := exec.LookPath(bin); err != nil {
			return "fail", fmt.Sprintf("не найден исполняемый файл %q: %v", bin, err)
		}
	}
	return "ok", "ffmpeg и ffprobe доступны"
}

// ProbeDuration определяет длительность через ffprobe.
// Для потоков без длительности (например, webm из MediaRecorder) возвращает nil без ошибки.
func (f *FFmpeg) ProbeDuration(ctx context.Context, path string) (*float64, error) {
	out, err := f.run(ctx, "probe", f.opts.ProbeTimeout, f.opts.FFprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	if err != nil {
		return nil, err
	}
	return parseDuration(out), nil
}

// parseDuration разбирает вывод ffprobe. "N/A", пустой вывод и
// неположительные значения означают неизвестную длительность.
func parseDuration(out []byte) *float64 {
	s := strings.TrimSpace(string(out))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = strings.TrimSpace(s[:i])
	}
	d, err := strconv.ParseFloat(s, 64)
	if err != nil || d <= 0 {
		return nil
	}
	return &d
}

// ExtractThumbnail извлекает кадр на отметке 00:00:01; для коротких
// записей повторяет попытку с первого кадра.
func (f *FFmpeg) ExtractThumbnail(ctx context.Context, videoPath, outPath string) error {
	firstErr := f.extractFrame(ctx, videoPath, outPath, "00:00:01")
	if firstErr == nil {
		return nil
	}
	f.logger.Debug("Кадр на 1s недоступен, повтор с первого кадра",
		slog.String("video", filepath.Base(videoPath)),
		slog.String("error", firstErr.Error()),
	)
	if err := f.extractFrame(ctx, videoPath, outPath, ""); err != nil {
		return err
	}
	return nil
}

func (f *FFmpeg) extractFrame(ctx context.Context, videoPath, outPath, seek string) error {
	args := []string{"-i", videoPath}
	if seek != "" {
		args = append(args, "-ss", seek)
	}
	args = append(args,
		"-vframes", "1",
		"-vf", fmt.Sprintf("scale=%d:-1", f.opts.ThumbnailWidth),
		"-q:v", "2",
		"-y", outPath,
	)
	if _, err := f.run(ctx, "thumbnail", f.opts.ProbeTimeout, f.opts.FFmpegPath, args...); err != nil {
		return err
	}

	// ffmpeg завершается успешно, даже если отметка за концом записи и кадр не записан
	info, err := os.Stat(outPath)
	if err != nil || info.Size() == 0 {
		return ErrNoFrame
	}
	return nil
}

// Trim перекодирует фрагмент [start, end) исходного файла.
func (f *FFmpeg) Trim(ctx context.Context, srcPath, outPath string, start, end float64) error {
	if start < 0 || end <= start {
		return fmt.Errorf("%w: некорректный интервал %.3f-%.3f", ErrTranscodeFailed, start, end)
	}

	args := []string{
		"-i", srcPath,
		"-ss", formatSeconds(start),
		"-t", formatSeconds(end - start),
	}
	args = append(args, codecArgs(filepath.Ext(outPath))...)
	args = append(args, "-y", outPath)

	_, err := f.run(ctx, "trim", f.opts.TranscodeTimeout, f.opts.FFmpegPath, args...)
	return err
}

// codecArgs подбирает кодеки под контейнер выходного файла.
// WebM допускает только VP8/VP9/AV1 и Vorbis/Opus.
func codecArgs(ext string) []string {
	switch strings.ToLower(ext) {
	case ".webm":
		return []string{
			"-c:v", "libvpx-vp9", "-deadline", "realtime", "-cpu-used", "8", "-crf", "32", "-b:v", "0",
			"-c:a", "libopus",
		}
	default:
		return []string{
			"-c:v", "libx264", "-preset", "ultrafast", "-crf", "23",
			"-c:a", "aac",
		}
	}
}

func formatSeconds(s float64) string {
	return strconv.FormatFloat(s, 'f', 3, 64)
}

// run запускает процесс под семафором и с таймаутом.
// Ожидание слота ограничено тем же таймаутом, что и сам процесс: превью и
// длительность не ждут завершения длинных обрезок дольше ProbeTimeout.
// Возвращает stdout; при ошибке текст ошибки включает вывод процесса.
func (f *FFmpeg) run(ctx context.Context, op string, timeout time.Duration, bin string, args ...string) ([]byte, error) {
	if err := f.acquire(ctx, timeout); err != nil {
		transcodeFailuresTotal.WithLabelValues(op).Inc()
		return nil, fmt.Errorf("%w: %s: нет свободного слота за %s: %v", ErrTranscodeFailed, op, timeout, err)
	}
	defer f.sem.Release(1)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.WaitDelay = 5 * time.Second

	var stderr strings.Builder
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	transcodeDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())

	if err != nil {
		transcodeFailuresTotal.WithLabelValues(op).Inc()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s: превышен таймаут %s", ErrTranscodeFailed, op, timeout)
		}
		return nil, fmt.Errorf("%w: %s: %v; out=%s", ErrTranscodeFailed, op, err, tail(stderr.String(), 512))
	}
	return out, nil
}

func (f *FFmpeg) acquire(ctx context.Context, timeout time.Duration) error {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return f.sem.Acquire(waitCtx, 1)
}

// tail возвращает последние n байт строки.
func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
