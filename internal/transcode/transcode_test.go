package transcode

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"testing"
	"time"
)

// writeScript создаёт исполняемый shell-скрипт, заменяющий ffmpeg/ffprobe в тестах.
func writeScript(t *testing.T, name, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell-скрипты не поддерживаются на Windows")
	}
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("ошибка записи скрипта: %v", err)
	}
	return path
}

func newTestFFmpeg(opts Options) *FFmpeg {
	return New(opts, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		out  string
		want *float64
	}{
		{"12.500000\n", ptr(12.5)},
		{"N/A\n", nil},
		{"", nil},
		{"0.000000", nil},
		{"3.2\n4.1\n", ptr(3.2)},
	}
	for _, tt := range tests {
		got := parseDuration([]byte(tt.out))
		switch {
		case tt.want == nil && got != nil:
			t.Errorf("parseDuration(%q) = %v, ожидалось nil", tt.out, *got)
		case tt.want != nil && (got == nil || *got != *tt.want):
			t.Errorf("parseDuration(%q) = %v, ожидалось %v", tt.out, got, *tt.want)
		}
	}
}

func TestCodecArgs(t *testing.T) {
	if args := codecArgs(".webm"); !slices.Contains(args, "libvpx-vp9") || !slices.Contains(args, "libopus") {
		t.Errorf("для webm ожидались VP9/Opus, получено %v", args)
	}
	for _, ext := range []string{".mp4", ".MOV"} {
		if args := codecArgs(ext); !slices.Contains(args, "libx264") || !slices.Contains(args, "aac") {
			t.Errorf("для %s ожидались H.264/AAC, получено %v", ext, args)
		}
	}
}

func TestProbeDuration_Script(t *testing.T) {
	probe := writeScript(t, "ffprobe", `echo 42.25`)
	f := newTestFFmpeg(Options{FFprobePath: probe})

	d, err := f.ProbeDuration(context.Background(), "/any/video.webm")
	if err != nil {
		t.Fatalf("ошибка ProbeDuration: %v", err)
	}
	if d == nil || *d != 42.25 {
		t.Errorf("ожидалось 42.25, получено %v", d)
	}
}

func TestProbeDuration_Failure(t *testing.T) {
	probe := writeScript(t, "ffprobe", `echo "Invalid data" >&2; exit 1`)
	f := newTestFFmpeg(Options{FFprobePath: probe})

	_, err := f.ProbeDuration(context.Background(), "/any/video.webm")
	if !errors.Is(err, ErrTranscodeFailed) {
		t.Errorf("ожидалась ErrTranscodeFailed, получено %v", err)
	}
}

func TestRun_Timeout(t *testing.T) {
	slow := writeScript(t, "ffmpeg", `exec sleep 5`)
	f := newTestFFmpeg(Options{FFmpegPath: slow, TranscodeTimeout: 100 * time.Millisecond})

	start := time.Now()
	err := f.Trim(context.Background(), "in.mp4", filepath.Join(t.TempDir(), "out.mp4"), 0, 1)
	if !errors.Is(err, ErrTranscodeFailed) {
		t.Fatalf("ожидалась ErrTranscodeFailed, получено %v", err)
	}
	if time.Since(start) > 3*time.Second {
		t.Errorf("процесс не был завершён по таймауту: %s", time.Since(start))
	}
}

// TestProbeDuration_BusySlots: при занятых обрезками слотах определение
// длительности завершается по ProbeTimeout, а не ждёт освобождения слота.
func TestProbeDuration_BusySlots(t *testing.T) {
	probe := writeScript(t, "ffprobe", `echo 3.5`)
	f := newTestFFmpeg(Options{FFprobePath: probe, MaxConcurrent: 1, ProbeTimeout: 100 * time.Millisecond})

	if err := f.sem.Acquire(context.Background(), 1); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	released := false
	defer func() {
		if !released {
			f.sem.Release(1)
		}
	}()

	start := time.Now()
	d, err := f.ProbeDuration(context.Background(), "in.webm")
	if !errors.Is(err, ErrTranscodeFailed) {
		t.Fatalf("ожидалась ErrTranscodeFailed, получено %v", err)
	}
	if d != nil {
		t.Errorf("длительность должна быть nil, получено %v", *d)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("ожидание слота не ограничено таймаутом: %s", elapsed)
	}

	// После освобождения слота вызов проходит
	f.sem.Release(1)
	released = true
	d, err = f.ProbeDuration(context.Background(), "in.webm")
	if err != nil || d == nil || *d != 3.5 {
		t.Errorf("ожидалось 3.5, получено %v, %v", d, err)
	}
}

func TestTrim_InvalidRange(t *testing.T) {
	f := newTestFFmpeg(Options{FFmpegPath: "/nonexistent/ffmpeg"})
	if err := f.Trim(context.Background(), "in", "out.mp4", 5, 5); !errors.Is(err, ErrTranscodeFailed) {
		t.Errorf("ожидалась ErrTranscodeFailed, получено %v", err)
	}
}

func TestExtractThumbnail_Fallback(t *testing.T) {
	// Первый вызов (с -ss) не пишет кадр, второй пишет в последний аргумент
	counter := filepath.Join(t.TempDir(), "calls")
	script := writeScript(t, "ffmpeg", `
for last; do :; done
case "$*" in
  *"-ss"*) echo seek >> "`+counter+`" ;;
  *) echo first >> "`+counter+`"; printf 'jpeg' > "$last" ;;
esac`)
	f := newTestFFmpeg(Options{FFmpegPath: script})

	out := filepath.Join(t.TempDir(), "thumb.jpg")
	if err := f.ExtractThumbnail(context.Background(), "in.webm", out); err != nil {
		t.Fatalf("ошибка ExtractThumbnail: %v", err)
	}
	data, err := os.ReadFile(counter)
	if err != nil {
		t.Fatalf("ошибка чтения счётчика: %v", err)
	}
	if string(data) != "seek\nfirst\n" {
		t.Errorf("ожидались два вызова (seek, first), получено %q", data)
	}
}

func TestExtractThumbnail_NoFrame(t *testing.T) {
	script := writeScript(t, "ffmpeg", `exit 0`)
	f := newTestFFmpeg(Options{FFmpegPath: script})

	err := f.ExtractThumbnail(context.Background(), "in.webm", filepath.Join(t.TempDir(), "t.jpg"))
	if !errors.Is(err, ErrNoFrame) {
		t.Errorf("ожидалась ErrNoFrame, получено %v", err)
	}
}

func TestCheckReady(t *testing.T) {
	f := newTestFFmpeg(Options{FFmpegPath: "/nonexistent/ffmpeg", FFprobePath: "/nonexistent/ffprobe"})
	if status, _ := f.CheckReady(); status != "fail" {
		t.Errorf("ожидался статус fail, получено %s", status)
	}
}

func ptr(f float64) *float64 { return &f }
