// internal/bot/runner.go
package bot

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rovshanmuradov/solana-riskguard/internal/api"
	"github.com/rovshanmuradov/solana-riskguard/internal/blockchain/solbc"
	"github.com/rovshanmuradov/solana-riskguard/internal/config"
	"github.com/rovshanmuradov/solana-riskguard/internal/dex/jupiter"
	"github.com/rovshanmuradov/solana-riskguard/internal/judgment"
	"github.com/rovshanmuradov/solana-riskguard/internal/ledger"
	"github.com/rovshanmuradov/solana-riskguard/internal/license"
	"github.com/rovshanmuradov/solana-riskguard/internal/monitor"
	"github.com/rovshanmuradov/solana-riskguard/internal/override"
	"github.com/rovshanmuradov/solana-riskguard/internal/portfolio"
	"github.com/rovshanmuradov/solana-riskguard/internal/threshold"
	"github.com/rovshanmuradov/solana-riskguard/internal/ui/report"
	"github.com/rovshanmuradov/solana-riskguard/internal/unwind"
	"github.com/rovshanmuradov/solana-riskguard/internal/utils/logger"
	"github.com/rovshanmuradov/solana-riskguard/internal/utils/metrics"
	"github.com/rovshanmuradov/solana-riskguard/internal/wallet"
)

// Runner собирает граф зависимостей и управляет жизненным циклом процесса.
type Runner struct {
	cfg      *config.Config
	logger   *zap.Logger
	shutdown *ShutdownHandler

	monitor  *monitor.Service
	server   *api.Server
	license  *license.KeygenValidator
	registry *prometheus.Registry
}

// NewRunner wires every component from cfg. Resources opened here are
// released by Run on exit.
func NewRunner(ctx context.Context, cfg *config.Config, log *logger.Logger) (*Runner, error) {
	r := &Runner{
		cfg:      cfg,
		logger:   log.WithComponent("runner"),
		shutdown: NewShutdownHandler(log.Logger, DefaultShutdownTimeout),
		registry: prometheus.NewRegistry(),
	}
	r.shutdown.AddFunc("logger", log.Sync)

	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(r.registry)

	w, err := wallet.NewWallet(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("wallet: %w", err)
	}
	r.logger.Info("📍 Wallet loaded", zap.String("address", w.Address()))

	client := solbc.NewClient(cfg.RPCURL, log.Logger, collector)
	holdings := solbc.NewHoldings(client, log.Logger)
	prices := jupiter.NewPriceClient(jupiter.PriceConfig{
		PriceURL:      cfg.Jupiter.PriceURL,
		APIKey:        cfg.Jupiter.APIKey,
		RatePerSecond: cfg.Jupiter.RatePerSecond,
		Attempts:      cfg.Retries,
	}, log.Logger)

	valuator := portfolio.NewValuator(portfolio.Config{
		WalletID:    w.Address(),
		Monitored:   cfg.MonitoredMints,
		Excluded:    cfg.ExcludedMints,
		EntryValues: cfg.EntryValuesUSD(),
		Attempts:    cfg.Retries,
	}, holdings, prices, log.Logger)

	evaluator := threshold.NewEvaluator(cfg.ThresholdConfig(), decimal.NewFromFloat(cfg.StartBalanceUSD), log.Logger)

	judge, err := newJudge(cfg, log.Logger, collector)
	if err != nil {
		return nil, err
	}
	controller := override.NewController(override.Config{
		UseAIConfirmation: cfg.Override.UseAIConfirmation,
		CacheTTL:          cfg.Override.CacheTTL,
	}, judge, log.Logger)

	executor := jupiter.NewExecutor(jupiter.ExecutorConfig{
		QuoteURL:            cfg.Jupiter.QuoteURL,
		SwapURL:             cfg.Jupiter.SwapURL,
		OutputMint:          cfg.Jupiter.OutputMint,
		APIKey:              cfg.Jupiter.APIKey,
		PriorityFeeLamports: cfg.Unwind.PriorityFeeLamports,
		RatePerSecond:       cfg.Jupiter.RatePerSecond,
		Attempts:            cfg.Retries,
	}, w, client, log.Logger)

	unwinder := unwind.NewUnwinder(unwind.Config{
		ClosureFloorUSD: decimal.NewFromFloat(cfg.Unwind.ClosureFloorUSD),
		Chunks:          cfg.Unwind.Chunks,
		ChunkPause:      cfg.Unwind.ChunkPause,
		RetryDelay:      cfg.Unwind.RetryDelay,
		SettleDelay:     cfg.Unwind.SettleDelay,
		MaxPasses:       cfg.Unwind.MaxPasses,
		SlippageBps:     cfg.Unwind.SlippageBps,
	}, valuator, executor, log.Logger)

	book, err := openLedger(ctx, cfg.Ledger, log.Logger)
	if err != nil {
		return nil, err
	}
	r.shutdown.Add("ledger", book)

	r.monitor = monitor.NewService(monitor.Config{
		CycleInterval: cfg.CycleInterval,
		ErrorBackoff:  cfg.ErrorBackoff,
	}, monitor.Deps{
		Valuator:  valuator,
		Evaluator: evaluator,
		Override:  controller,
		Unwinder:  unwinder,
		Ledger:    book,
		Metrics:   collector,
	}, log)

	if cfg.PrettySummary {
		r.monitor.OnReport(summaryHook(os.Stdout))
	}

	if cfg.MetricsAddr != "" {
		r.server = api.NewServer(api.Config{
			Addr:         cfg.MetricsAddr,
			MaxReportAge: 3 * cfg.CycleInterval,
		}, r.monitor, evaluator, r.registry, log.Logger)
	}

	if cfg.License.Enabled() {
		r.license = license.NewKeygenValidator(license.Config{
			AccountID:         cfg.License.AccountID,
			ProductID:         cfg.License.ProductID,
			Key:               cfg.License.Key,
			HeartbeatInterval: cfg.License.HeartbeatInterval,
		}, log.Logger)
	}

	return r, nil
}

// Run blocks until SIGINT/SIGTERM, ctx cancellation, or a fatal component
// error, then closes every registered resource.
func (r *Runner) Run(ctx context.Context) (err error) {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	defer func() {
		if shutdownErr := r.shutdown.Shutdown(context.Background()); shutdownErr != nil && err == nil {
			err = shutdownErr
		}
	}()

	if r.license != nil {
		if err := r.license.ValidateLicense(ctx); err != nil {
			return fmt.Errorf("license validation failed: %w", err)
		}
	}

	r.logger.Info("🚀 Risk guard started",
		zap.Duration("cycle_interval", r.cfg.CycleInterval),
		zap.Bool("ai_confirmation", r.cfg.Override.UseAIConfirmation),
		zap.String("ledger", r.cfg.Ledger.Driver))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return r.monitor.Run(gctx)
	})
	if r.server != nil {
		g.Go(func() error {
			return r.server.Serve(gctx)
		})
	}
	if r.license != nil {
		g.Go(func() error {
			return r.license.Run(gctx)
		})
	}

	if err := g.Wait(); err != nil {
		r.logger.Error("Runner stopped with error", zap.Error(err))
		return err
	}
	r.logger.Info("✅ Risk guard stopped")
	return nil
}

// newJudge returns nil when confirmation is off, so the controller never
// holds a typed-nil service.
func newJudge(cfg *config.Config, logger *zap.Logger, collector *metrics.Collector) (override.JudgmentService, error) {
	if !cfg.Override.UseAIConfirmation {
		return nil, nil
	}
	client, err := judgment.NewClient(judgment.Config{
		APIURL:      cfg.AI.APIURL,
		APIKey:      cfg.AI.APIKey,
		Model:       cfg.AI.Model,
		MaxTokens:   cfg.AI.MaxTokens,
		Temperature: cfg.AI.Temperature,
		Timeout:     cfg.AI.Timeout,
		Attempts:    cfg.Retries,
	}, logger, collector)
	if err != nil {
		return nil, fmt.Errorf("judgment client: %w", err)
	}
	return client, nil
}

// openLedger выбирает хранилище баланса по драйверу.
func openLedger(ctx context.Context, cfg config.LedgerConfig, logger *zap.Logger) (ledger.Ledger, error) {
	l, err := newLedger(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = ledger.DefaultInterval
	}
	if last, ok := l.Last(); ok {
		logger.Info("📒 Ledger ready",
			zap.String("driver", cfg.Driver),
			zap.Time("next_due", last.Add(interval)))
	} else {
		logger.Info("📒 Ledger is empty, first cycle will write", zap.String("driver", cfg.Driver))
	}
	return l, nil
}

func newLedger(ctx context.Context, cfg config.LedgerConfig, logger *zap.Logger) (ledger.Ledger, error) {
	switch cfg.Driver {
	case "", "csv":
		l, err := ledger.NewCSVLedger(cfg.Path, cfg.Interval, logger)
		if err != nil {
			return nil, fmt.Errorf("csv ledger: %w", err)
		}
		return l, nil
	case string(ledger.DialectPostgres), string(ledger.DialectSQLite):
		l, err := ledger.OpenSQL(ctx, ledger.Dialect(cfg.Driver), cfg.DSN, cfg.Interval, logger)
		if err != nil {
			return nil, fmt.Errorf("%s ledger: %w", cfg.Driver, err)
		}
		return l, nil
	default:
		return nil, fmt.Errorf("unknown ledger driver %q", cfg.Driver)
	}
}

func summaryHook(w io.Writer) func(*monitor.CycleReport) {
	renderer := report.NewRenderer()
	return func(rep *monitor.CycleReport) {
		renderer.Print(w, rep)
	}
}
