// Package logger структурированное логирование для компонентов звонка.
//
// Интерфейс StructuredLogger не зависит от бэкенда, реализация по
// умолчанию построена на logrus.
package logger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/arzzra/callstate/pkg/call"
)

// LogLevel уровни логирования
type LogLevel int

const (
	LogLevelTrace LogLevel = iota
	LogLevelDebug
	LogLevelInfo
	LogLevelWarn
	LogLevelError
	LogLevelFatal
)

var logLevelNames = map[LogLevel]string{
	LogLevelTrace: "TRACE",
	LogLevelDebug: "DEBUG",
	LogLevelInfo:  "INFO",
	LogLevelWarn:  "WARN",
	LogLevelError: "ERROR",
	LogLevelFatal: "FATAL",
}

func (l LogLevel) String() string {
	if name, ok := logLevelNames[l]; ok {
		return name
	}
	return "UNKNOWN"
}

// ParseLevel разбирает уровень из конфигурации ("debug", "INFO", ...)
func ParseLevel(s string) (LogLevel, error) {
	for level, name := range logLevelNames {
		if strings.EqualFold(s, name) {
			return level, nil
		}
	}
	if strings.EqualFold(s, "warning") {
		return LogLevelWarn, nil
	}
	return LogLevelInfo, fmt.Errorf("unknown log level %q", s)
}

func (l LogLevel) logrusLevel() logrus.Level {
	switch l {
	case LogLevelTrace:
		return logrus.TraceLevel
	case LogLevelDebug:
		return logrus.DebugLevel
	case LogLevelWarn:
		return logrus.WarnLevel
	case LogLevelError:
		return logrus.ErrorLevel
	case LogLevelFatal:
		return logrus.FatalLevel
	default:
		return logrus.InfoLevel
	}
}

// StructuredLogger интерфейс для структурированного логирования
type StructuredLogger interface {
	Trace(ctx context.Context, msg string, fields ...Field)
	Debug(ctx context.Context, msg string, fields ...Field)
	Info(ctx context.Context, msg string, fields ...Field)
	Warn(ctx context.Context, msg string, fields ...Field)
	Error(ctx context.Context, msg string, fields ...Field)
	Fatal(ctx context.Context, msg string, fields ...Field)

	// LogError логирует ошибку; для *call.TransitionError добавляет контекст перехода
	LogError(ctx context.Context, err error, msg string, fields ...Field)

	// Контекстные логгеры
	WithComponent(component string) StructuredLogger
	WithCall(id call.CallID, direction call.Direction) StructuredLogger
	WithFields(fields ...Field) StructuredLogger

	// Управление уровнем логирования
	SetLevel(level LogLevel)
	IsEnabled(level LogLevel) bool
}

// Field представляет поле лога
type Field struct {
	Key   string
	Value interface{}
}

// Helpers для создания полей
func String(key, value string) Field                 { return Field{key, value} }
func Int(key string, value int) Field                { return Field{key, value} }
func Int64(key string, value int64) Field            { return Field{key, value} }
func Bool(key string, value bool) Field              { return Field{key, value} }
func Duration(key string, value time.Duration) Field { return Field{key, value} }
func Any(key string, value interface{}) Field        { return Field{key, value} }
func Err(err error) Field                            { return Field{logrus.ErrorKey, err} }

// Поля звонка
func CallIDField(id call.CallID) Field      { return Field{"call_id", id.String()} }
func StateField(s call.State) Field         { return Field{"state", s.String()} }
func EventField(e call.Event) Field         { return Field{"event", e.String()} }
func DirectiveField(d call.Directive) Field { return Field{"directive", d.String()} }

type contextKey string

const contextKeyTraceID contextKey = "trace_id"

// ContextWithTraceID кладет trace id в контекст; LogrusLogger добавит его в записи
func ContextWithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, contextKeyTraceID, traceID)
}

// Config настройки логгера
type Config struct {
	Level  string    `yaml:"level"`
	Format string    `yaml:"format"` // json | text
	Output io.Writer `yaml:"-"`
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		Level:  "info",
		Format: "json",
		Output: os.Stdout,
	}
}

// Validate проверяет корректность конфигурации
func (c Config) Validate() error {
	if _, err := ParseLevel(c.Level); err != nil {
		return err
	}
	switch c.Format {
	case "json", "text":
	default:
		return fmt.Errorf("unknown log format %q", c.Format)
	}
	return nil
}

// LogrusLogger реализация StructuredLogger поверх logrus.
// Производные логгеры (WithComponent, WithFields, WithCall) разделяют
// один *logrus.Logger, поэтому SetLevel действует на все.
type LogrusLogger struct {
	base  *logrus.Logger
	entry *logrus.Entry
}

// New создает логгер по конфигурации
func New(cfg Config) (*LogrusLogger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	level, _ := ParseLevel(cfg.Level)

	base := logrus.New()
	if cfg.Output != nil {
		base.SetOutput(cfg.Output)
	}
	if cfg.Format == "text" {
		base.SetFormatter(&logrus.TextFormatter{DisableColors: true, FullTimestamp: true})
	} else {
		base.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	}
	base.SetLevel(level.logrusLevel())

	return &LogrusLogger{base: base, entry: logrus.NewEntry(base)}, nil
}

// NewDefaultLogger создает logger с настройками по умолчанию
func NewDefaultLogger() *LogrusLogger {
	l, _ := New(DefaultConfig())
	return l
}

// FromLogrus оборачивает существующий logrus.Logger
func FromLogrus(base *logrus.Logger) *LogrusLogger {
	return &LogrusLogger{base: base, entry: logrus.NewEntry(base)}
}

func (l *LogrusLogger) with(fields logrus.Fields) *LogrusLogger {
	return &LogrusLogger{base: l.base, entry: l.entry.WithFields(fields)}
}

// SetLevel устанавливает минимальный уровень логирования
func (l *LogrusLogger) SetLevel(level LogLevel) {
	l.base.SetLevel(level.logrusLevel())
}

// IsEnabled проверяет, включен ли уровень логирования
func (l *LogrusLogger) IsEnabled(level LogLevel) bool {
	return l.base.IsLevelEnabled(level.logrusLevel())
}

// WithComponent создает logger с указанным компонентом
func (l *LogrusLogger) WithComponent(component string) StructuredLogger {
	return l.with(logrus.Fields{"component": component})
}

// WithCall создает logger с контекстом звонка
func (l *LogrusLogger) WithCall(id call.CallID, direction call.Direction) StructuredLogger {
	return l.with(logrus.Fields{
		"call_id":   id.String(),
		"direction": direction.String(),
	})
}

// WithFields создает logger с дополнительными полями
func (l *LogrusLogger) WithFields(fields ...Field) StructuredLogger {
	return l.with(toLogrus(fields))
}

func (l *LogrusLogger) Trace(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, LogLevelTrace, msg, fields)
}

func (l *LogrusLogger) Debug(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, LogLevelDebug, msg, fields)
}

func (l *LogrusLogger) Info(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, LogLevelInfo, msg, fields)
}

func (l *LogrusLogger) Warn(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, LogLevelWarn, msg, fields)
}

func (l *LogrusLogger) Error(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, LogLevelError, msg, fields)
}

// Fatal пишет запись и завершает процесс через logrus.Logger.Exit
func (l *LogrusLogger) Fatal(ctx context.Context, msg string, fields ...Field) {
	l.entryFor(ctx, fields).Fatal(msg)
}

// LogError логирует ошибку с дополнительной информацией
func (l *LogrusLogger) LogError(ctx context.Context, err error, msg string, fields ...Field) {
	if err == nil {
		l.Error(ctx, msg, fields...)
		return
	}

	errorFields := make([]Field, 0, len(fields)+6)
	errorFields = append(errorFields, fields...)
	errorFields = append(errorFields, Err(err))

	var terr *call.TransitionError
	if errors.As(err, &terr) {
		errorFields = append(errorFields,
			String("call_id", terr.CallID.String()),
			String("from_state", fmt.Sprint(terr.From)),
			String("event", terr.Event.String()),
			String("direction", terr.Direction.String()),
			Bool("already_terminating", errors.Is(terr.Err, call.ErrAlreadyTerminating)),
		)
	}

	l.log(ctx, LogLevelError, msg, errorFields)
}

func (l *LogrusLogger) log(ctx context.Context, level LogLevel, msg string, fields []Field) {
	if !l.IsEnabled(level) {
		return
	}
	l.entryFor(ctx, fields).Log(level.logrusLevel(), msg)
}

func (l *LogrusLogger) entryFor(ctx context.Context, fields []Field) *logrus.Entry {
	entry := l.entry
	if ctx != nil {
		entry = entry.WithContext(ctx)
		if traceID, ok := ctx.Value(contextKeyTraceID).(string); ok {
			entry = entry.WithField("trace_id", traceID)
		}
	}
	if len(fields) > 0 {
		entry = entry.WithFields(toLogrus(fields))
	}
	return entry
}

func toLogrus(fields []Field) logrus.Fields {
	out := make(logrus.Fields, len(fields))
	for _, f := range fields {
		out[f.Key] = f.Value
	}
	return out
}

// NoOpLogger логгер-заглушка для тестов
type NoOpLogger struct{}

func (NoOpLogger) Trace(ctx context.Context, msg string, fields ...Field)               {}
func (NoOpLogger) Debug(ctx context.Context, msg string, fields ...Field)               {}
func (NoOpLogger) Info(ctx context.Context, msg string, fields ...Field)                {}
func (NoOpLogger) Warn(ctx context.Context, msg string, fields ...Field)                {}
func (NoOpLogger) Error(ctx context.Context, msg string, fields ...Field)               {}
func (NoOpLogger) Fatal(ctx context.Context, msg string, fields ...Field)               {}
func (NoOpLogger) LogError(ctx context.Context, err error, msg string, fields ...Field) {}
func (NoOpLogger) WithComponent(component string) StructuredLogger                      { return NoOpLogger{} }
func (NoOpLogger) WithCall(id call.CallID, direction call.Direction) StructuredLogger   { return NoOpLogger{} }
func (NoOpLogger) WithFields(fields ...Field) StructuredLogger                          { return NoOpLogger{} }
func (NoOpLogger) SetLevel(level LogLevel)                                              {}
func (NoOpLogger) IsEnabled(level LogLevel) bool                                        { return false }
