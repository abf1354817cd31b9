// internal/utils/logger/config.go
package logger

import (
	"io"
	"path/filepath"
)

type Config struct {
	LogFile    string
	MaxSize    int  // мегабайты
	MaxAge     int  // дни
	MaxBackups int  // количество файлов
	Compress   bool // сжимать ротированные файлы
	Debug      bool
	// Console receives the human-readable stream. nil means stdout.
	Console io.Writer
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() *Config {
	return &Config{
		LogFile:    filepath.Join("logs", "riskguard.log"),
		MaxSize:    50,   // 50 MB
		MaxAge:     30,   // 30 дней
		MaxBackups: 5,    // 5 файлов
		Compress:   true, // сжимать старые логи
	}
}
