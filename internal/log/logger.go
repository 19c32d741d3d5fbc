package log

import (
	"io"
	"log/slog"
	"strings"
)

// ParseLevel maps a config level string onto a slog level.
// logic: default to INFO. If level is invalid, fallback to INFO.
func ParseLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New builds the service logger. It is constructed once in main and handed to
// every component; nothing in the tree reaches for a package-level logger.
func New(level, format string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: ParseLevel(level),
	}

	var handler slog.Handler
	if strings.EqualFold(format, "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler)
}

// Discard returns a logger that drops everything. Handy in tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// WithComponent returns a logger with the component field set.
func WithComponent(l *slog.Logger, name string) *slog.Logger {
	return l.With(slog.String("component", name))
}

// WithJob returns a logger with the job fields set.
func WithJob(l *slog.Logger, id, jobType, repoURI string) *slog.Logger {
	return l.With(
		slog.String("job_id", id),
		slog.String("job_type", jobType),
		slog.String("repo_uri", repoURI),
	)
}

// WithRepo returns a logger with the repo_uri field set.
func WithRepo(l *slog.Logger, uri string) *slog.Logger {
	return l.With(slog.String("repo_uri", uri))
}
