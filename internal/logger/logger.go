// Package logger is the daemon's structured logging surface: a slog logger
// with a custom severity ladder (TRACE below Debug, OFF above Error), a
// package-level Tracef/Debugf/Infof/Warnf/Errorf API, and a JSON or text
// handler selectable at startup. Every boundary error (FUSE callback,
// dispatcher handler, transport loop) should log operation/inode/path/peer
// correlation fields through WithFields at a severity matching the error's
// category: expected conditions at debug, transient at warn, protocol or
// integrity violations at error.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Severity levels, matching the six names the rest of the tree refers to
// by string ("trace", "debug", "info", "warning", "error", "off").
const (
	LevelTrace = slog.Level(-8)
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.Level(4)
	LevelError = slog.LevelError
	LevelOff   = slog.Level(12)
)

var levelNames = map[slog.Level]string{
	LevelTrace: "TRACE",
	LevelDebug: "DEBUG",
	LevelInfo:  "INFO",
	LevelWarn:  "WARNING",
	LevelError: "ERROR",
}

// LogRotateConfig mirrors the rotation knobs lumberjack exposes.
type LogRotateConfig struct {
	MaxFileSizeMB   int
	BackupFileCount int
	Compress        bool
}

// DefaultLogRotateConfig matches lumberjack's own defaults, capped to a
// sane backup count for a local daemon.
func DefaultLogRotateConfig() LogRotateConfig {
	return LogRotateConfig{MaxFileSizeMB: 100, BackupFileCount: 5, Compress: false}
}

// Config describes where logs go and at what severity and format.
type Config struct {
	FilePath string
	Severity string // "trace", "debug", "info", "warning", "error", "off"
	Format   string // "json" or "text"
	Rotate   LogRotateConfig
}

// loggerFactory holds the state needed to rebuild the handler whenever the
// format or destination changes without losing the configured level.
type loggerFactory struct {
	file            *lumberjack.Logger
	sysWriter       io.Writer
	level           string
	format          string
	logRotateConfig LogRotateConfig
}

var (
	programLevel         = new(slog.LevelVar)
	defaultLoggerFactory = &loggerFactory{
		sysWriter:       os.Stderr,
		level:           "info",
		format:          "text",
		logRotateConfig: DefaultLogRotateConfig(),
	}
	defaultLogger = slog.New(defaultLoggerFactory.createJsonOrTextHandler(os.Stderr, programLevel, ""))
)

// Init configures the package-level logger from cfg. Call once at startup,
// before the daemon or mount command does anything that might log.
func Init(cfg Config) error {
	setLoggingLevel(cfg.Severity, programLevel)

	if cfg.FilePath == "" {
		defaultLoggerFactory = &loggerFactory{
			sysWriter:       os.Stderr,
			level:           cfg.Severity,
			format:          cfg.Format,
			logRotateConfig: cfg.Rotate,
		}
		defaultLogger = slog.New(defaultLoggerFactory.createJsonOrTextHandler(os.Stderr, programLevel, ""))
		return nil
	}
	return InitLogFile(cfg.Rotate, cfg)
}

// InitLogFile points the default logger at a rotating file, grounded on the
// teacher's split between legacy rotate knobs and the newer severity/format
// config.
func InitLogFile(rotate LogRotateConfig, cfg Config) error {
	lj := &lumberjack.Logger{
		Filename:   cfg.FilePath,
		MaxSize:    orDefault(rotate.MaxFileSizeMB, 100),
		MaxBackups: orDefault(rotate.BackupFileCount, 5),
		Compress:   rotate.Compress,
	}

	setLoggingLevel(cfg.Severity, programLevel)
	defaultLoggerFactory = &loggerFactory{
		file:            lj,
		level:           cfg.Severity,
		format:          cfg.Format,
		logRotateConfig: rotate,
	}
	defaultLogger = slog.New(defaultLoggerFactory.createJsonOrTextHandler(lj, programLevel, ""))
	return nil
}

// SetLogFormat switches the active handler's format ("json" or "text")
// without disturbing the destination or level. An empty format defaults to
// json, matching the teacher's fallback.
func SetLogFormat(format string) {
	if format == "" {
		format = "json"
	}
	defaultLoggerFactory.format = format

	var w io.Writer = defaultLoggerFactory.sysWriter
	if defaultLoggerFactory.file != nil {
		w = defaultLoggerFactory.file
	}
	defaultLogger = slog.New(defaultLoggerFactory.createJsonOrTextHandler(w, programLevel, ""))
}

func orDefault(v, d int) int {
	if v <= 0 {
		return d
	}
	return v
}

func setLoggingLevel(level string, lvl *slog.LevelVar) {
	switch level {
	case "trace":
		lvl.Set(LevelTrace)
	case "debug":
		lvl.Set(LevelDebug)
	case "warning", "warn":
		lvl.Set(LevelWarn)
	case "error":
		lvl.Set(LevelError)
	case "off":
		lvl.Set(LevelOff)
	default:
		lvl.Set(LevelInfo)
	}
}

// createJsonOrTextHandler builds the handler for f.format, renaming slog's
// built-in time/level/msg keys to the timestamp/severity/message shape the
// rest of the system (and its tests) expect. JSON output nests the
// timestamp as {"seconds":N,"nanos":N} rather than an RFC3339 string, so log
// aggregation can sort numerically without a time parser.
func (f *loggerFactory) createJsonOrTextHandler(w io.Writer, lvl *slog.LevelVar, prefix string) slog.Handler {
	jsonFormat := f.format == "json" || f.format == ""

	opts := &slog.HandlerOptions{
		Level: lvl,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			switch a.Key {
			case slog.TimeKey:
				t, _ := a.Value.Any().(time.Time)
				if !jsonFormat {
					return slog.String(slog.TimeKey, t.Format("02/01/2006 03:04:05.000000"))
				}
				return slog.Attr{
					Key: "timestamp",
					Value: slog.GroupValue(
						slog.Int64("seconds", t.Unix()),
						slog.Int64("nanos", int64(t.Nanosecond())),
					),
				}
			case slog.LevelKey:
				l, _ := a.Value.Any().(slog.Level)
				if name, ok := levelNames[l]; ok {
					return slog.String("severity", name)
				}
				return a
			case slog.MessageKey:
				msg := a.Value.String()
				if prefix != "" {
					msg = prefix + msg
				}
				return slog.String("message", msg)
			}
			return a
		},
	}

	if jsonFormat {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// Fields carries structured context for WithFields call sites: operation,
// inode, path, peer, correlation_id and whatever else a boundary wants to
// attach to a single log line.
type Fields map[string]any

func logAttrs(ctx context.Context, level slog.Level, msg string, fields Fields) {
	if !defaultLogger.Enabled(ctx, level) {
		return
	}
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	defaultLogger.Log(ctx, level, msg, args...)
}

// WithFields logs msg at level with structured key/value context.
func WithFields(level slog.Level, msg string, fields Fields) {
	logAttrs(context.Background(), level, msg, fields)
}

func Tracef(format string, v ...any) { log(LevelTrace, format, v...) }
func Debugf(format string, v ...any) { log(LevelDebug, format, v...) }
func Infof(format string, v ...any)  { log(LevelInfo, format, v...) }
func Warnf(format string, v ...any)  { log(LevelWarn, format, v...) }
func Errorf(format string, v ...any) { log(LevelError, format, v...) }

func log(level slog.Level, format string, v ...any) {
	ctx := context.Background()
	if !defaultLogger.Enabled(ctx, level) {
		return
	}
	msg := format
	if len(v) > 0 {
		msg = fmt.Sprintf(format, v...)
	}
	defaultLogger.Log(ctx, level, msg)
}
