package market

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
)

type yahooChartResponse struct {
	Chart struct {
		Result []struct {
			Meta struct {
				RegularMarketPrice   float64 `json:"regularMarketPrice"`
				RegularMarketDayHigh float64 `json:"regularMarketDayHigh"`
				RegularMarketDayLow  float64 `json:"regularMarketDayLow"`
				RegularMarketVolume  float64 `json:"regularMarketVolume"`
				ChartPreviousClose   float64 `json:"chartPreviousClose"`
				Symbol               string  `json:"symbol"`
			} `json:"meta"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

// YahooSource reads stock and index prices from the Yahoo Finance chart API.
type YahooSource struct {
	client *resty.Client
}

// NewYahooSource creates the source. Yahoo rejects requests without a
// browser-looking User-Agent, so one is pinned on the client.
func NewYahooSource(baseURL string) *YahooSource {
	if baseURL == "" {
		baseURL = "https://query1.finance.yahoo.com"
	}
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36")

	return &YahooSource{client: client}
}

func (s *YahooSource) Name() string { return "yahoo" }

// Fetch reads the regular market price from the chart metadata.
func (s *YahooSource) Fetch(ctx context.Context, symbol string) (Quote, error) {
	var result yahooChartResponse
	resp, err := s.client.R().
		SetContext(ctx).
		SetPathParam("symbol", symbol).
		SetResult(&result).
		Get("/v8/finance/chart/{symbol}")
	if err != nil {
		return Quote{}, fmt.Errorf("yahoo chart %s: %w", symbol, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return Quote{}, fmt.Errorf("yahoo chart %s: status %d", symbol, resp.StatusCode())
	}
	if result.Chart.Error != nil {
		return Quote{}, fmt.Errorf("yahoo chart %s: %s (%s)", symbol, result.Chart.Error.Description, result.Chart.Error.Code)
	}
	if len(result.Chart.Result) == 0 {
		return Quote{}, fmt.Errorf("yahoo chart %s: empty result", symbol)
	}

	meta := result.Chart.Result[0].Meta
	quote := Quote{
		Symbol:    symbol,
		Price:     decimal.NewFromFloat(meta.RegularMarketPrice),
		High24h:   decimal.NewFromFloat(meta.RegularMarketDayHigh),
		Low24h:    decimal.NewFromFloat(meta.RegularMarketDayLow),
		Volume24h: decimal.NewFromFloat(meta.RegularMarketVolume),
		Source:    s.Name(),
		FetchedAt: time.Now().UTC(),
	}
	if meta.ChartPreviousClose > 0 {
		prev := decimal.NewFromFloat(meta.ChartPreviousClose)
		quote.Change24hPct = quote.Price.Sub(prev).Div(prev).Mul(decimal.NewFromInt(100))
	}
	return quote, nil
}
