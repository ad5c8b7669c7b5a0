package market

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
)

// CoinGeckoSource reads crypto prices from the CoinGecko simple-price API.
// Symbols are resolved to coin ids through the catalog; a symbol without a
// mapping is a source failure so the aggregator moves on.
type CoinGeckoSource struct {
	client  *resty.Client
	catalog *Catalog
}

// NewCoinGeckoSource creates the source. baseURL defaults to the public
// v3 API root.
func NewCoinGeckoSource(baseURL string, catalog *Catalog) *CoinGeckoSource {
	if baseURL == "" {
		baseURL = "https://api.coingecko.com/api/v3"
	}
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetHeader("Accept", "application/json")

	return &CoinGeckoSource{client: client, catalog: catalog}
}

func (s *CoinGeckoSource) Name() string { return "coingecko" }

// Fetch resolves the symbol to a coin id and reads its USD price.
func (s *CoinGeckoSource) Fetch(ctx context.Context, symbol string) (Quote, error) {
	coinID, ok := s.catalog.CoinGeckoID(symbol)
	if !ok {
		return Quote{}, fmt.Errorf("coingecko: no coin id mapped for %s", symbol)
	}

	var result map[string]map[string]float64
	resp, err := s.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"ids":                 coinID,
			"vs_currencies":       "usd",
			"include_24hr_change": "true",
			"include_24hr_vol":    "true",
		}).
		SetResult(&result).
		Get("/simple/price")
	if err != nil {
		return Quote{}, fmt.Errorf("coingecko simple price %s: %w", symbol, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return Quote{}, fmt.Errorf("coingecko simple price %s: status %d", symbol, resp.StatusCode())
	}

	usd, ok := result[coinID]["usd"]
	if !ok {
		return Quote{}, fmt.Errorf("coingecko simple price %s: no usd rate for %s", symbol, coinID)
	}

	quote := Quote{
		Symbol:    symbol,
		Price:     decimal.NewFromFloat(usd),
		Source:    s.Name(),
		FetchedAt: time.Now().UTC(),
	}
	if change, ok := result[coinID]["usd_24h_change"]; ok {
		quote.Change24hPct = decimal.NewFromFloat(change)
	}
	if vol, ok := result[coinID]["usd_24h_vol"]; ok {
		quote.Volume24h = decimal.NewFromFloat(vol)
	}
	return quote, nil
}
