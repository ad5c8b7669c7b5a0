package market

import (
	"context"
	"fmt"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"
)

// BinanceSource reads crypto spot prices from the Binance public ticker.
// No credentials are needed; the ticker endpoint is unauthenticated.
type BinanceSource struct {
	client *binance.Client
}

// NewBinanceSource creates the source. baseURL overrides the production
// endpoint, which tests point at a local server.
func NewBinanceSource(baseURL string) *BinanceSource {
	client := binance.NewClient("", "")
	if baseURL != "" {
		client.BaseURL = baseURL
	}
	return &BinanceSource{client: client}
}

func (s *BinanceSource) Name() string { return "binance" }

// Fetch returns the 24h ticker for symbol: last price plus the change,
// volume, and range statistics.
func (s *BinanceSource) Fetch(ctx context.Context, symbol string) (Quote, error) {
	stats, err := s.client.NewListPriceChangeStatsService().Symbol(symbol).Do(ctx)
	if err != nil {
		return Quote{}, fmt.Errorf("binance ticker %s: %w", symbol, err)
	}
	if len(stats) == 0 {
		return Quote{}, fmt.Errorf("binance ticker %s: empty response", symbol)
	}
	t := stats[0]

	price, err := decimal.NewFromString(t.LastPrice)
	if err != nil {
		return Quote{}, fmt.Errorf("binance ticker %s: bad price %q: %w", symbol, t.LastPrice, err)
	}

	return Quote{
		Symbol:       symbol,
		Price:        price,
		Change24hPct: optionalDecimal(t.PriceChangePercent),
		Volume24h:    optionalDecimal(t.Volume),
		High24h:      optionalDecimal(t.HighPrice),
		Low24h:       optionalDecimal(t.LowPrice),
		Source:       s.Name(),
		FetchedAt:    time.Now().UTC(),
	}, nil
}

// optionalDecimal parses best-effort ticker statistics. A malformed
// field degrades to zero rather than failing the whole quote.
func optionalDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
