// internal/utils/logger/logger.go
package logger

import (
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/rovshanmuradov/solana-riskguard/internal/domain"
)

// Logger расширяет функционал zap.Logger
type Logger struct {
	*zap.Logger
	config  *Config
	rotator *lumberjack.Logger
}

// New создает логгер: консоль для оператора и JSON-файл с ротацией для аудита.
func New(cfg *Config) (*Logger, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	logRotator := &lumberjack.Logger{
		Filename:   cfg.LogFile,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   cfg.Compress,
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	encoderConfig.EncodeDuration = zapcore.StringDurationEncoder
	encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	level := zapcore.InfoLevel
	if cfg.Debug {
		level = zapcore.DebugLevel
	}

	var console zapcore.WriteSyncer = zapcore.AddSync(os.Stdout)
	if cfg.Console != nil {
		console = zapcore.AddSync(cfg.Console)
	}

	core := zapcore.NewTee(
		zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig), console, level),
		zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.AddSync(logRotator), level),
	)

	return &Logger{
		Logger: zap.New(core,
			zap.AddCaller(),
			zap.AddStacktrace(zapcore.ErrorLevel),
		),
		config:  cfg,
		rotator: logRotator,
	}, nil
}

// Wrap adapts an existing zap logger. The result owns no rotation file.
func Wrap(z *zap.Logger) *Logger {
	return &Logger{Logger: z}
}

func (l *Logger) derive(z *zap.Logger) *Logger {
	return &Logger{Logger: z, config: l.config, rotator: l.rotator}
}

// Child returns a named sub-logger that keeps the helpers below.
func (l *Logger) Child(component string) *Logger {
	return l.derive(l.Named(component))
}

// WithCycle returns a logger tagged with a fresh cycle correlation id.
func (l *Logger) WithCycle() (uuid.UUID, *Logger) {
	id := uuid.New()
	return id, l.derive(l.With(zap.String("cycle_id", id.String())))
}

// WithScope добавляет область риска к логам
func (l *Logger) WithScope(scope domain.Scope) *Logger {
	fields := []zap.Field{zap.String("scope", scope.Key())}
	if !scope.IsGlobal() {
		fields = append(fields, zap.String("mint", scope.Mint))
	}
	return l.derive(l.With(fields...))
}

// WithComponent добавляет информацию о компоненте системы
func (l *Logger) WithComponent(component string) *zap.Logger {
	return l.Named(component)
}

// Sync сбрасывает буферы и закрывает файл ротации.
func (l *Logger) Sync() error {
	err := l.Logger.Sync()
	if err != nil && isTerminalSyncError(err) {
		err = nil
	}
	if l.rotator == nil {
		return err
	}
	if cerr := l.rotator.Close(); err == nil {
		err = cerr
	}
	return err
}

// stdout/stderr cannot be fsynced on most terminals and pipes.
func isTerminalSyncError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "/dev/stdout") || strings.Contains(msg, "/dev/stderr")
}

// TrackPerformance отслеживает производительность операции
func (l *Logger) TrackPerformance(operation string) (end func()) {
	start := time.Now()
	opLogger := l.With(zap.String("operation", operation))
	opLogger.Debug("Starting operation")

	return func() {
		duration := time.Since(start)
		opLogger.Debug("Operation completed",
			zap.Duration("duration", duration),
			zap.Float64("duration_ms", float64(duration.Microseconds())/1000),
		)
	}
}
