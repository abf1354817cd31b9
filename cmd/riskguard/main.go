// ====================================
// File: cmd/riskguard/main.go
// ====================================
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/rovshanmuradov/solana-riskguard/internal/bot"
	"github.com/rovshanmuradov/solana-riskguard/internal/config"
	"github.com/rovshanmuradov/solana-riskguard/internal/utils/logger"
)

func main() {
	configPath := flag.String("config", "configs/config.json", "Path to config file")
	envFile := flag.String("env", ".env", "Path to .env file with secrets")
	flag.Parse()

	path := *configPath
	if _, err := os.Stat(path); os.IsNotExist(err) {
		// без файла работаем на значениях по умолчанию и переменных окружения
		path = ""
	}
	cfg, err := config.LoadConfig(path, *envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logCfg := logger.DefaultConfig()
	logCfg.LogFile = cfg.LogFile
	logCfg.Debug = cfg.DebugLogging
	log, err := logger.New(logCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	log.Info("Starting risk guard", zap.String("config", *configPath))

	ctx := context.Background()
	runner, err := bot.NewRunner(ctx, cfg, log)
	if err != nil {
		log.Error("Failed to initialize risk guard", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}

	// Run закрывает логгер сам
	if err := runner.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "risk guard stopped with error: %v\n", err)
		os.Exit(1)
	}
}
