package logger

import (
	"context"
	"log/slog"
	"os"
	"runtime"
	"time"
)

// Log emits a structured log record through the default slog logger,
// attaching caller information the same way slog's own top-level
// helpers do.
func Log(lvl slog.Level, msg string, attrs ...slog.Attr) {
	LogContext(context.Background(), lvl, msg, attrs...)
}

// LogContext is Log with an explicit context, used on the blocking paths
// (HTTP fetch, download, dispatcher calls) so cancellation and request-scoped
// values reach the handler.
func LogContext(ctx context.Context, lvl slog.Level, msg string, attrs ...slog.Attr) {
	logger := slog.Default()
	if !logger.Enabled(ctx, lvl) {
		return
	}
	var pcs [1]uintptr
	runtime.Callers(3, pcs[:])
	fs := runtime.CallersFrames(pcs[:])
	f, _ := fs.Next()

	record := slog.NewRecord(time.Now(), lvl, msg, f.PC)
	record.AddAttrs(attrs...)
	logger.Handler().Handle(ctx, record)
}

// Err - log error with a message
func Err(err error) slog.Attr {
	return slog.Any("error", err)
}

// Fatal - log error and exit with code 1
func Fatal(msg string, attrs ...slog.Attr) {
	Log(slog.LevelError, msg, attrs...)
	os.Exit(1)
}
