package logging

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/clowdr-app/clowdr-sub007/internal/observability/metrics"
)

type Config struct {
	Level  string
	Writer io.Writer
	Format string
}

type LogFormat string

const (
	FormatJSON LogFormat = "json"
	FormatText LogFormat = "text"
)

// Init builds the logger and installs it as the slog default.
func Init(cfg Config) *slog.Logger {
	logger := New(cfg)
	slog.SetDefault(logger)
	return logger
}

// New builds a logger writing to cfg.Writer, or stdout.
func New(cfg Config) *slog.Logger {
	writer := cfg.Writer
	if writer == nil {
		writer = os.Stdout
	}
	options := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}
	if LogFormat(strings.ToLower(strings.TrimSpace(cfg.Format))) == FormatText {
		return slog.New(slog.NewTextHandler(writer, options))
	}
	return slog.New(slog.NewJSONHandler(writer, options))
}

// ParseLevel maps a level name to a slog level. Unknown names mean info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

// WithComponent tags logger with the subsystem emitting the records.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With("component", component)
}

// field is a correlation value carried on a context and copied onto loggers
// by WithContext.
type field string

const (
	fieldRequestID    field = "request_id"
	fieldRoomID       field = "room_id"
	fieldConferenceID field = "conference_id"
	fieldStackName    field = "stack_name"
)

// Order in which WithContext emits correlation attributes.
var fields = []field{fieldRequestID, fieldConferenceID, fieldRoomID, fieldStackName}

type loggerKey struct{}

func withField(ctx context.Context, key field, value string) context.Context {
	value = strings.TrimSpace(value)
	if value == "" {
		return ctx
	}
	return context.WithValue(ctx, key, value)
}

func fieldFrom(ctx context.Context, key field) (string, bool) {
	if ctx == nil {
		return "", false
	}
	value, ok := ctx.Value(key).(string)
	return value, ok && value != ""
}

func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return withField(ctx, fieldRequestID, id)
}

func RequestIDFromContext(ctx context.Context) (string, bool) {
	return fieldFrom(ctx, fieldRequestID)
}

// ContextWithRoomID marks work done on behalf of one room.
func ContextWithRoomID(ctx context.Context, id string) context.Context {
	return withField(ctx, fieldRoomID, id)
}

func RoomIDFromContext(ctx context.Context) (string, bool) {
	return fieldFrom(ctx, fieldRoomID)
}

func ContextWithConferenceID(ctx context.Context, id string) context.Context {
	return withField(ctx, fieldConferenceID, id)
}

func ConferenceIDFromContext(ctx context.Context) (string, bool) {
	return fieldFrom(ctx, fieldConferenceID)
}

// ContextWithStackName marks work on one channel stack.
func ContextWithStackName(ctx context.Context, name string) context.Context {
	return withField(ctx, fieldStackName, name)
}

func StackNameFromContext(ctx context.Context) (string, bool) {
	return fieldFrom(ctx, fieldStackName)
}

// ContextWithLogger stores logger on ctx. A nil logger leaves ctx unchanged.
func ContextWithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	if logger == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerKey{}, logger)
}

func LoggerFromContext(ctx context.Context) *slog.Logger {
	if ctx == nil {
		return nil
	}
	logger, _ := ctx.Value(loggerKey{}).(*slog.Logger)
	return logger
}

// WithContext annotates logger with every correlation value held in ctx.
// It returns nil for a nil logger.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return nil
	}
	var attrs []any
	for _, key := range fields {
		if value, ok := fieldFrom(ctx, key); ok {
			attrs = append(attrs, string(key), value)
		}
	}
	if len(attrs) == 0 {
		return logger
	}
	return logger.With(attrs...)
}

type RequestLoggerConfig struct {
	Logger            *slog.Logger
	DisableRemoteAddr bool
	// AdditionalFields appends attributes computed after the handler ran.
	AdditionalFields func(r *http.Request, status int, duration time.Duration) []any
}

// RequestLogger logs one record per request once the handler returns.
// Server errors log at error level, client errors at warn.
func RequestLogger(cfg RequestLoggerConfig) func(http.Handler) http.Handler {
	base := cfg.Logger
	if base == nil {
		base = slog.Default()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := metrics.NewStatusWriter(w)
			start := time.Now()
			next.ServeHTTP(sw, r)
			duration := time.Since(start)

			status := sw.Status()
			attrs := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"bytes", sw.Bytes(),
				"duration_ms", duration.Milliseconds(),
			}
			if !cfg.DisableRemoteAddr {
				attrs = append(attrs, "remote_addr", r.RemoteAddr)
			}
			if cfg.AdditionalFields != nil {
				attrs = append(attrs, cfg.AdditionalFields(r, status, duration)...)
			}

			level := slog.LevelInfo
			switch {
			case status >= http.StatusInternalServerError:
				level = slog.LevelError
			case status >= http.StatusBadRequest:
				level = slog.LevelWarn
			}
			WithContext(r.Context(), base).Log(r.Context(), level, "request completed", attrs...)
		})
	}
}
