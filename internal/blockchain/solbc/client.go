// internal/blockchain/solbc/client.go
package solbc

import (
	"context"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/solana-riskguard/internal/utils/metrics"
)

// Client – тонкий адаптер для взаимодействия с блокчейном Solana через solana-go.
type Client struct {
	rpc     *rpc.Client
	logger  *zap.Logger
	metrics *metrics.Collector
}

// NewClient создаёт новый клиент, принимая RPC URL и логгер через dependency injection.
// collector может быть nil.
func NewClient(rpcURL string, logger *zap.Logger, collector *metrics.Collector) *Client {
	return &Client{
		rpc:     rpc.New(rpcURL),
		logger:  logger.Named("solbc-client"),
		metrics: collector,
	}
}

func (c *Client) observe(method string, start time.Time) {
	c.metrics.RecordRPCLatency(method, time.Since(start))
}

// SendTransaction отправляет подписанную транзакцию без preflight-симуляции.
func (c *Client) SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	defer c.observe("sendTransaction", time.Now())
	sig, err := c.rpc.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		SkipPreflight:       true,
		PreflightCommitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		c.logger.Error("SendTransaction error", rpcErrorFields(err)...)
		return solana.Signature{}, err
	}
	return sig, nil
}

// GetBalance получает баланс аккаунта в лампортах.
func (c *Client) GetBalance(ctx context.Context, pubkey solana.PublicKey) (uint64, error) {
	defer c.observe("getBalance", time.Now())
	result, err := c.rpc.GetBalance(ctx, pubkey, rpc.CommitmentConfirmed)
	if err != nil {
		c.logger.Debug("GetBalance error", zap.String("pubkey", pubkey.String()), zap.Error(err))
		return 0, err
	}
	return result.Value, nil
}

// GetTokenAccountsByOwner returns the raw SPL token accounts of owner.
func (c *Client) GetTokenAccountsByOwner(ctx context.Context, owner solana.PublicKey) ([]*rpc.TokenAccount, error) {
	defer c.observe("getTokenAccountsByOwner", time.Now())
	return c.tokenAccounts(ctx, owner, &rpc.GetTokenAccountsConfig{ProgramId: solana.TokenProgramID.ToPointer()})
}

// GetTokenAccountsByMint returns every token account of owner for a single mint.
func (c *Client) GetTokenAccountsByMint(ctx context.Context, owner, mint solana.PublicKey) ([]*rpc.TokenAccount, error) {
	defer c.observe("getTokenAccountsByMint", time.Now())
	return c.tokenAccounts(ctx, owner, &rpc.GetTokenAccountsConfig{Mint: mint.ToPointer()})
}

func (c *Client) tokenAccounts(ctx context.Context, owner solana.PublicKey, conf *rpc.GetTokenAccountsConfig) ([]*rpc.TokenAccount, error) {
	result, err := c.rpc.GetTokenAccountsByOwner(ctx, owner, conf,
		&rpc.GetTokenAccountsOpts{Commitment: rpc.CommitmentConfirmed, Encoding: solana.EncodingBase64},
	)
	if err != nil {
		c.logger.Debug("GetTokenAccountsByOwner error", zap.String("owner", owner.String()), zap.Error(err))
		return nil, err
	}
	if result == nil {
		return nil, ErrAccountNotFound
	}
	return result.Value, nil
}

// GetMultipleAccounts получает информацию о нескольких аккаунтах за один запрос
func (c *Client) GetMultipleAccounts(ctx context.Context, pubkeys []solana.PublicKey) ([]*rpc.Account, error) {
	if len(pubkeys) == 0 {
		return nil, nil
	}
	defer c.observe("getMultipleAccounts", time.Now())
	res, err := c.rpc.GetMultipleAccountsWithOpts(ctx, pubkeys, &rpc.GetMultipleAccountsOpts{
		Commitment: rpc.CommitmentConfirmed,
		Encoding:   solana.EncodingBase64,
	})
	if err != nil {
		c.logger.Debug("GetMultipleAccounts error", zap.Int("accounts", len(pubkeys)), zap.Error(err))
		return nil, err
	}
	return res.Value, nil
}
