package jupiter

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rovshanmuradov/solana-riskguard/internal/wallet"
)

const (
	bonk = "DezXAZ8z7PnrnRJjz3wXBoRgixCa6xjnB7YaB1pPB263"
	usdc = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
	sol  = "So11111111111111111111111111111111111111112"
)

type MockSender struct {
	mock.Mock
}

func (m *MockSender) SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	args := m.Called(ctx, tx)
	return args.Get(0).(solana.Signature), args.Error(1)
}

func TestPricesParsesQuotesAndSkipsUnknown(t *testing.T) {
	var gotIDs string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotIDs = r.URL.Query().Get("ids")
		_, _ = io.WriteString(w, `{"data":{
			"`+sol+`":{"id":"`+sol+`","type":"derivedPrice","price":"132.51"},
			"`+bonk+`":{"id":"`+bonk+`","price":"0.0000231"},
			"unknown":null
		},"timeTaken":0.002}`)
	}))
	defer srv.Close()

	c := NewPriceClient(PriceConfig{PriceURL: srv.URL, RatePerSecond: 100}, zaptest.NewLogger(t))
	prices, err := c.Prices(context.Background(), []string{sol, bonk, "unknown"})
	require.NoError(t, err)

	assert.Equal(t, sol+","+bonk+",unknown", gotIDs)
	require.Len(t, prices, 2)
	assert.True(t, decimal.RequireFromString("132.51").Equal(prices[sol]))
	assert.True(t, decimal.RequireFromString("0.0000231").Equal(prices[bonk]))
	assert.NotContains(t, prices, "unknown")
}

func TestPricesRetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = io.WriteString(w, `{"data":{"`+sol+`":{"price":"100"}}}`)
	}))
	defer srv.Close()

	c := NewPriceClient(PriceConfig{PriceURL: srv.URL, RatePerSecond: 100, Attempts: 3}, zaptest.NewLogger(t))
	prices, err := c.Prices(context.Background(), []string{sol})
	require.NoError(t, err)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
	assert.True(t, decimal.NewFromInt(100).Equal(prices[sol]))
}

func TestPricesClientErrorIsPermanent(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":"bad ids"}`)
	}))
	defer srv.Close()

	c := NewPriceClient(PriceConfig{PriceURL: srv.URL, RatePerSecond: 100, Attempts: 3}, zaptest.NewLogger(t))
	_, err := c.Prices(context.Background(), []string{"x"})
	require.Error(t, err)

	var herr *HTTPError
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, http.StatusBadRequest, herr.Status)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

// unsignedSwap builds the kind of transaction the swap API returns: paid by
// the wallet, with a zeroed signature slot.
func unsignedSwap(t *testing.T, payer solana.PublicKey) string {
	t.Helper()
	ix := solana.NewInstruction(solana.MemoProgramID, []*solana.AccountMeta{
		{PublicKey: payer, IsSigner: true, IsWritable: true},
	}, []byte("swap"))
	tx, err := solana.NewTransaction([]solana.Instruction{ix}, solana.Hash{1}, solana.TransactionPayer(payer))
	require.NoError(t, err)
	tx.Signatures = []solana.Signature{{}}
	raw, err := tx.MarshalBinary()
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(raw)
}

func newTestWallet(t *testing.T) *wallet.Wallet {
	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	w, err := wallet.NewWallet(key.String())
	require.NoError(t, err)
	return w
}

func TestSellQuotesSwapsSignsAndSends(t *testing.T) {
	w := newTestWallet(t)
	encoded := unsignedSwap(t, w.PublicKey)

	var swapBody swapRequest
	mux := http.NewServeMux()
	mux.HandleFunc("/quote", func(rw http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, bonk, q.Get("inputMint"))
		assert.Equal(t, usdc, q.Get("outputMint"))
		assert.Equal(t, "1250000", q.Get("amount"))
		assert.Equal(t, "199", q.Get("slippageBps"))
		_, _ = io.WriteString(rw, `{"inputMint":"`+bonk+`","inAmount":"1250000","outAmount":"3100000","priceImpactPct":"0.01","routePlan":[]}`)
	})
	mux.HandleFunc("/swap", func(rw http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&swapBody))
		_, _ = io.WriteString(rw, `{"swapTransaction":"`+encoded+`","lastValidBlockHeight":1000}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	sig := solana.Signature{7}
	sender := new(MockSender)
	sender.On("SendTransaction", mock.Anything, mock.MatchedBy(func(tx *solana.Transaction) bool {
		return len(tx.Signatures) == 1 && tx.VerifySignatures() == nil
	})).Return(sig, nil)

	ex := NewExecutor(ExecutorConfig{
		QuoteURL:            srv.URL + "/quote",
		SwapURL:             srv.URL + "/swap",
		OutputMint:          usdc,
		PriorityFeeLamports: 100000,
		RatePerSecond:       100,
	}, w, sender, zaptest.NewLogger(t))

	got, err := ex.Sell(context.Background(), bonk, decimal.RequireFromString("12.5"), 5, 199)
	require.NoError(t, err)
	assert.Equal(t, sig.String(), got)

	assert.Equal(t, w.Address(), swapBody.UserPublicKey)
	assert.Equal(t, uint64(100000), swapBody.PrioritizationFeeLamports)
	assert.True(t, swapBody.WrapAndUnwrapSol)
	assert.Contains(t, string(swapBody.QuoteResponse), `"outAmount":"3100000"`)
	sender.AssertExpectations(t)
}

func TestSellRejectsDustAndOutputMint(t *testing.T) {
	ex := NewExecutor(ExecutorConfig{OutputMint: usdc}, newTestWallet(t), new(MockSender), zaptest.NewLogger(t))

	_, err := ex.Sell(context.Background(), bonk, decimal.RequireFromString("0.000001"), 5, 100)
	assert.ErrorIs(t, err, ErrAmountTooSmall)

	_, err = ex.Sell(context.Background(), usdc, decimal.NewFromInt(1), 6, 100)
	assert.ErrorIs(t, err, ErrSameMint)
}

func TestSellDoesNotSendWhenSwapFails(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/quote", func(rw http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(rw, `{"inAmount":"1","outAmount":"1"}`)
	})
	mux.HandleFunc("/swap", func(rw http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(rw, `{"swapTransaction":""}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	sender := new(MockSender)
	ex := NewExecutor(ExecutorConfig{
		QuoteURL:      srv.URL + "/quote",
		SwapURL:       srv.URL + "/swap",
		OutputMint:    usdc,
		RatePerSecond: 100,
	}, newTestWallet(t), sender, zaptest.NewLogger(t))

	_, err := ex.Sell(context.Background(), bonk, decimal.NewFromInt(1), 0, 100)
	assert.ErrorIs(t, err, ErrEmptySwap)
	sender.AssertNotCalled(t, "SendTransaction", mock.Anything, mock.Anything)
}

func TestDecodeTransactionRejectsGarbage(t *testing.T) {
	_, err := DecodeTransaction("%%%")
	assert.ErrorContains(t, err, "decode swap transaction")

	_, err = DecodeTransaction(base64.StdEncoding.EncodeToString([]byte{1, 2}))
	assert.ErrorContains(t, err, "parse swap transaction")
}
