// internal/blockchain/solbc/holdings.go
package solbc

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/cenkalti/backoff/v5"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/solana-riskguard/internal/domain"
	"github.com/rovshanmuradov/solana-riskguard/internal/portfolio"
	"github.com/rovshanmuradov/solana-riskguard/internal/utils/binary"
)

const nativeDecimals = 9

// NativeMint is the wrapped SOL mint used to report the native balance.
var NativeMint = solana.MustPublicKeyFromBase58("So11111111111111111111111111111111111111112")

// Holdings reads wallet balances from the chain. Native SOL is reported under
// the wrapped SOL mint so it can be priced like any other token.
type Holdings struct {
	client *Client
	logger *zap.Logger

	mu       sync.Mutex
	decimals map[solana.PublicKey]uint8
}

// NewHoldings создаёт источник балансов поверх RPC-клиента.
func NewHoldings(client *Client, logger *zap.Logger) *Holdings {
	return &Holdings{
		client:   client,
		logger:   logger.Named("holdings"),
		decimals: map[solana.PublicKey]uint8{NativeMint: nativeDecimals},
	}
}

var _ portfolio.HoldingsSource = (*Holdings)(nil)

// Holdings lists every non-zero balance of walletID, native SOL included.
func (h *Holdings) Holdings(ctx context.Context, walletID string) ([]portfolio.Holding, error) {
	owner, err := solana.PublicKeyFromBase58(walletID)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("invalid wallet %q: %w", walletID, err))
	}

	lamports, err := h.client.GetBalance(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("native balance: %w", err)
	}

	accounts, err := h.client.GetTokenAccountsByOwner(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("token accounts: %w", err)
	}

	raw, order := h.sumAccounts(accounts)

	if err := h.loadDecimals(ctx, order); err != nil {
		return nil, err
	}

	out := make([]portfolio.Holding, 0, len(order)+1)
	if lamports > 0 {
		out = append(out, portfolio.Holding{
			Mint:     NativeMint.String(),
			Amount:   toUnits(lamports, nativeDecimals),
			Decimals: nativeDecimals,
		})
	}
	for _, mint := range order {
		if mint.Equals(NativeMint) {
			// wrapped SOL folds into the native balance
			if len(out) > 0 && out[0].Mint == NativeMint.String() {
				out[0].Amount = out[0].Amount.Add(toUnits(raw[mint], nativeDecimals))
				continue
			}
		}
		dec := h.decimalsOf(mint)
		out = append(out, portfolio.Holding{
			Mint:     mint.String(),
			Amount:   toUnits(raw[mint], dec),
			Decimals: dec,
		})
	}

	h.logger.Debug("Holdings loaded",
		zap.String("wallet", walletID),
		zap.Int("token_accounts", len(accounts)),
		zap.Int("holdings", len(out)))
	return out, nil
}

// Holding reads one balance across every token account of the mint, the same
// accounts Holdings counts. No account or a zero balance yields
// domain.ErrPositionNotFound.
func (h *Holdings) Holding(ctx context.Context, walletID, mint string) (portfolio.Holding, error) {
	owner, err := solana.PublicKeyFromBase58(walletID)
	if err != nil {
		return portfolio.Holding{}, backoff.Permanent(fmt.Errorf("invalid wallet %q: %w", walletID, err))
	}
	mintKey, err := solana.PublicKeyFromBase58(mint)
	if err != nil {
		return portfolio.Holding{}, backoff.Permanent(fmt.Errorf("invalid mint %q: %w", mint, err))
	}

	var lamports uint64
	if mintKey.Equals(NativeMint) {
		if lamports, err = h.client.GetBalance(ctx, owner); err != nil {
			return portfolio.Holding{}, err
		}
	}

	accounts, err := h.client.GetTokenAccountsByMint(ctx, owner, mintKey)
	if IsAccountNotFoundError(err) {
		accounts, err = nil, nil
	}
	if err != nil {
		return portfolio.Holding{}, err
	}
	raw, _ := h.sumAccounts(accounts)
	total := raw[mintKey] + lamports
	if total == 0 {
		return portfolio.Holding{}, domain.ErrPositionNotFound
	}

	if err := h.loadDecimals(ctx, []solana.PublicKey{mintKey}); err != nil {
		return portfolio.Holding{}, err
	}
	dec := h.decimalsOf(mintKey)
	return portfolio.Holding{Mint: mint, Amount: toUnits(total, dec), Decimals: dec}, nil
}

// sumAccounts adds up non-zero balances per mint; one mint may be spread over
// several token accounts. order keeps first-seen mint order.
func (h *Holdings) sumAccounts(accounts []*rpc.TokenAccount) (map[solana.PublicKey]uint64, []solana.PublicKey) {
	raw := make(map[solana.PublicKey]uint64)
	var order []solana.PublicKey
	for _, acc := range accounts {
		if acc == nil || acc.Account.Data == nil {
			continue
		}
		ta, err := binary.DecodeTokenAccount(acc.Account.Data.GetBinary())
		if err != nil {
			h.logger.Warn("Skipping undecodable token account",
				zap.String("account", acc.Pubkey.String()),
				zap.Error(err))
			continue
		}
		if ta.Amount == 0 {
			continue
		}
		if _, seen := raw[ta.Mint]; !seen {
			order = append(order, ta.Mint)
		}
		raw[ta.Mint] += ta.Amount
	}
	return raw, order
}

// loadDecimals fetches mint accounts whose precision is not cached yet.
func (h *Holdings) loadDecimals(ctx context.Context, mints []solana.PublicKey) error {
	h.mu.Lock()
	var missing []solana.PublicKey
	for _, m := range mints {
		if _, ok := h.decimals[m]; !ok {
			missing = append(missing, m)
		}
	}
	h.mu.Unlock()
	if len(missing) == 0 {
		return nil
	}

	accounts, err := h.client.GetMultipleAccounts(ctx, missing)
	if err != nil {
		return fmt.Errorf("mint accounts: %w", err)
	}
	if len(accounts) != len(missing) {
		return fmt.Errorf("%w: requested %d mints, got %d", ErrInvalidAccount, len(missing), len(accounts))
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for i, acc := range accounts {
		if acc == nil || acc.Data == nil {
			h.logger.Warn("Mint account missing, assuming zero decimals", zap.String("mint", missing[i].String()))
			h.decimals[missing[i]] = 0
			continue
		}
		dec, err := binary.DecodeMintDecimals(acc.Data.GetBinary())
		if err != nil {
			return fmt.Errorf("mint %s: %w", missing[i], err)
		}
		h.decimals[missing[i]] = dec
	}
	return nil
}

func (h *Holdings) decimalsOf(mint solana.PublicKey) uint8 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.decimals[mint]
}

func toUnits(raw uint64, decimals uint8) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(raw), -int32(decimals))
}
