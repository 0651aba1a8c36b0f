package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"chromafits/internal/config"
)

// New returns a slog.Logger with the provided level string (info, debug, warn, error).
// format may be "json" or "text".
func New(level string, format string) *slog.Logger {
	return build(os.Stdout, level, format)
}

// Setup configures the process-wide logger from config, optionally teeing to a
// dated log file with a stable `chromafits-current.log` symlink.
func Setup(cfg *config.Config) (*slog.Logger, error) {
	var out io.Writer = os.Stdout

	if cfg.Logging.FileOutput {
		if err := os.MkdirAll(cfg.Logging.LogDir, 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}

		logFile := filepath.Join(cfg.Logging.LogDir,
			fmt.Sprintf("chromafits-%s.log", time.Now().Format("2006-01-02")))
		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}

		currentLogPath := filepath.Join(cfg.Logging.LogDir, "chromafits-current.log")
		os.Remove(currentLogPath)
		// Symlink failure is not critical.
		_ = os.Symlink(filepath.Base(logFile), currentLogPath)

		out = io.MultiWriter(os.Stdout, file)
	}

	logger := build(out, cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)

	logger.Debug("logging initialized",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
		"file_output", cfg.Logging.FileOutput,
	)
	return logger, nil
}

func build(out io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	var handler slog.Handler
	if strings.ToLower(format) == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LogGenerationStart logs the beginning of a generation request.
func LogGenerationStart(logger *slog.Logger, id, key string, inputs [3]string) {
	logger.Info("generation started",
		"id", id,
		"key", key,
		"red", inputs[0],
		"green", inputs[1],
		"blue", inputs[2],
	)
}

// LogGenerationComplete logs successful completion.
func LogGenerationComplete(logger *slog.Logger, id, key string, duration time.Duration, cached bool) {
	logger.Info("generation completed",
		"id", id,
		"key", key,
		"duration_ms", duration.Milliseconds(),
		"cache_hit", cached,
	)
}

// LogGenerationError logs a failed generation.
func LogGenerationError(logger *slog.Logger, id, key string, duration time.Duration, err error) {
	logger.Error("generation failed",
		"id", id,
		"key", key,
		"duration_ms", duration.Milliseconds(),
		"error", err.Error(),
	)
}
