// internal/dex/jupiter/executor.go
package jupiter

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	jsoniter "github.com/json-iterator/go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/solana-riskguard/internal/unwind"
)

var (
	ErrAmountTooSmall = errors.New("amount rounds to zero base units")
	ErrSameMint       = errors.New("input mint equals output mint")
	ErrEmptySwap      = errors.New("swap response has no transaction")
)

// Signer подписывает готовую транзакцию свопа.
type Signer interface {
	SignTransaction(tx *solana.Transaction) error
	Address() string
}

// Sender отправляет подписанную транзакцию в сеть.
type Sender interface {
	SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)
}

// ExecutorConfig настраивает путь исполнения quote → swap → send.
type ExecutorConfig struct {
	QuoteURL            string
	SwapURL             string
	OutputMint          string
	APIKey              string
	PriorityFeeLamports uint64
	RatePerSecond       int
	Attempts            int
}

// Executor sells tokens into OutputMint through the Jupiter swap API.
type Executor struct {
	cfg    ExecutorConfig
	tr     *transport
	signer Signer
	sender Sender
	logger *zap.Logger
}

var _ unwind.ExecutionClient = (*Executor)(nil)

// NewExecutor создаёт исполнителя продаж.
func NewExecutor(cfg ExecutorConfig, signer Signer, sender Sender, logger *zap.Logger) *Executor {
	logger = logger.Named("jupiter-swap")
	return &Executor{
		cfg:    cfg,
		tr:     newTransport(cfg.APIKey, cfg.RatePerSecond, cfg.Attempts, logger),
		signer: signer,
		sender: sender,
		logger: logger,
	}
}

type quoteSummary struct {
	InAmount       string `json:"inAmount"`
	OutAmount      string `json:"outAmount"`
	PriceImpactPct string `json:"priceImpactPct"`
}

type swapRequest struct {
	QuoteResponse             jsoniter.RawMessage `json:"quoteResponse"`
	UserPublicKey             string              `json:"userPublicKey"`
	WrapAndUnwrapSol          bool                `json:"wrapAndUnwrapSol"`
	DynamicComputeUnitLimit   bool                `json:"dynamicComputeUnitLimit"`
	PrioritizationFeeLamports uint64              `json:"prioritizationFeeLamports"`
}

type swapResponse struct {
	SwapTransaction      string `json:"swapTransaction"`
	LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
}

// Sell market-sells amount of mint and returns the transaction signature.
// The send step is not retried here; an unconfirmed send is surfaced to the
// caller, which re-reads the balance before trying again.
func (e *Executor) Sell(ctx context.Context, mint string, amount decimal.Decimal, decimals uint8, slippageBps int) (string, error) {
	if mint == e.cfg.OutputMint {
		return "", ErrSameMint
	}
	raw := amount.Shift(int32(decimals)).Truncate(0)
	if !raw.IsPositive() {
		return "", fmt.Errorf("%w: %s", ErrAmountTooSmall, amount)
	}

	quote, summary, err := e.quote(ctx, mint, raw.String(), slippageBps)
	if err != nil {
		return "", err
	}
	e.logger.Debug("🧭 Quote received",
		zap.String("mint", mint),
		zap.String("in_amount", summary.InAmount),
		zap.String("out_amount", summary.OutAmount),
		zap.String("price_impact_pct", summary.PriceImpactPct))

	tx, err := e.swap(ctx, quote)
	if err != nil {
		return "", err
	}
	if err := e.signer.SignTransaction(tx); err != nil {
		return "", fmt.Errorf("sign swap: %w", err)
	}

	sig, err := e.sender.SendTransaction(ctx, tx)
	if err != nil {
		return "", fmt.Errorf("send swap: %w", err)
	}

	e.logger.Info("💸 Swap sent",
		zap.String("mint", mint),
		zap.String("amount", amount.String()),
		zap.String("signature", sig.String()))
	return sig.String(), nil
}

func (e *Executor) quote(ctx context.Context, mint, rawAmount string, slippageBps int) (jsoniter.RawMessage, quoteSummary, error) {
	q := url.Values{}
	q.Set("inputMint", mint)
	q.Set("outputMint", e.cfg.OutputMint)
	q.Set("amount", rawAmount)
	q.Set("slippageBps", strconv.Itoa(slippageBps))

	var quote jsoniter.RawMessage
	if err := e.tr.doJSON(ctx, http.MethodGet, e.cfg.QuoteURL+"?"+q.Encode(), nil, &quote); err != nil {
		return nil, quoteSummary{}, fmt.Errorf("quote: %w", err)
	}
	var summary quoteSummary
	if err := json.Unmarshal(quote, &summary); err != nil {
		return nil, quoteSummary{}, fmt.Errorf("quote: %w", err)
	}
	return quote, summary, nil
}

func (e *Executor) swap(ctx context.Context, quote jsoniter.RawMessage) (*solana.Transaction, error) {
	req := swapRequest{
		QuoteResponse:             quote,
		UserPublicKey:             e.signer.Address(),
		WrapAndUnwrapSol:          true,
		DynamicComputeUnitLimit:   true,
		PrioritizationFeeLamports: e.cfg.PriorityFeeLamports,
	}
	var resp swapResponse
	if err := e.tr.doJSON(ctx, http.MethodPost, e.cfg.SwapURL, req, &resp); err != nil {
		return nil, fmt.Errorf("swap: %w", err)
	}
	if resp.SwapTransaction == "" {
		return nil, ErrEmptySwap
	}
	return DecodeTransaction(resp.SwapTransaction)
}

// DecodeTransaction parses a base64 wire transaction.
func DecodeTransaction(encoded string) (*solana.Transaction, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode swap transaction: %w", err)
	}
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(raw))
	if err != nil {
		return nil, fmt.Errorf("parse swap transaction: %w", err)
	}
	return tx, nil
}
