// internal/dex/jupiter/price.go
package jupiter

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/solana-riskguard/internal/portfolio"
)

// maxIDsPerRequest is the price API limit on ids per call.
const maxIDsPerRequest = 100

// PriceConfig настраивает клиент цен.
type PriceConfig struct {
	PriceURL      string
	APIKey        string
	RatePerSecond int
	Attempts      int
}

// PriceClient reads USD prices from the Jupiter price API.
type PriceClient struct {
	url    string
	tr     *transport
	logger *zap.Logger
}

var _ portfolio.PriceSource = (*PriceClient)(nil)

// NewPriceClient создаёт клиент цен.
func NewPriceClient(cfg PriceConfig, logger *zap.Logger) *PriceClient {
	logger = logger.Named("jupiter-price")
	return &PriceClient{
		url:    cfg.PriceURL,
		tr:     newTransport(cfg.APIKey, cfg.RatePerSecond, cfg.Attempts, logger),
		logger: logger,
	}
}

type priceResponse struct {
	Data map[string]*struct {
		ID    string `json:"id"`
		Price string `json:"price"`
	} `json:"data"`
}

// Prices returns a USD quote per mint. Mints the API does not know are
// left out of the map.
func (c *PriceClient) Prices(ctx context.Context, mints []string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(mints))
	for start := 0; start < len(mints); start += maxIDsPerRequest {
		end := start + maxIDsPerRequest
		if end > len(mints) {
			end = len(mints)
		}
		if err := c.fetch(ctx, mints[start:end], out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (c *PriceClient) fetch(ctx context.Context, ids []string, out map[string]decimal.Decimal) error {
	if len(ids) == 0 {
		return nil
	}
	q := url.Values{}
	q.Set("ids", strings.Join(ids, ","))

	var resp priceResponse
	if err := c.tr.doJSON(ctx, http.MethodGet, c.url+"?"+q.Encode(), nil, &resp); err != nil {
		return fmt.Errorf("price request: %w", err)
	}

	for _, id := range ids {
		entry := resp.Data[id]
		if entry == nil || entry.Price == "" {
			continue
		}
		price, err := decimal.NewFromString(entry.Price)
		if err != nil {
			c.logger.Warn("Ignoring malformed price",
				zap.String("mint", id),
				zap.String("price", entry.Price))
			continue
		}
		out[id] = price
	}
	return nil
}
