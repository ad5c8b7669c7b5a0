package market

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
)

type exchangeRateResponse struct {
	Base  string             `json:"base"`
	Rates map[string]float64 `json:"rates"`
}

// ExchangeRateSource reads forex pairs from the exchangerate-api latest
// endpoint. A pair like EURUSD is split into base EUR and target USD and
// the target rate is the quote price.
type ExchangeRateSource struct {
	client *resty.Client
}

// NewExchangeRateSource creates the source.
func NewExchangeRateSource(baseURL string) *ExchangeRateSource {
	if baseURL == "" {
		baseURL = "https://api.exchangerate-api.com/v4"
	}
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetHeader("Accept", "application/json")

	return &ExchangeRateSource{client: client}
}

func (s *ExchangeRateSource) Name() string { return "exchangerate" }

// Fetch splits the pair, loads the base currency table and picks the
// target rate.
func (s *ExchangeRateSource) Fetch(ctx context.Context, symbol string) (Quote, error) {
	pair := strings.ToUpper(symbol)
	if len(pair) != 6 {
		return Quote{}, fmt.Errorf("exchangerate: %s is not a six-letter pair", symbol)
	}
	base, target := pair[:3], pair[3:]

	var result exchangeRateResponse
	resp, err := s.client.R().
		SetContext(ctx).
		SetPathParam("base", base).
		SetResult(&result).
		Get("/latest/{base}")
	if err != nil {
		return Quote{}, fmt.Errorf("exchangerate latest %s: %w", base, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return Quote{}, fmt.Errorf("exchangerate latest %s: status %d", base, resp.StatusCode())
	}

	rate, ok := result.Rates[target]
	if !ok {
		return Quote{}, fmt.Errorf("exchangerate latest %s: no rate for %s", base, target)
	}

	return Quote{
		Symbol:    pair,
		Price:     decimal.NewFromFloat(rate),
		Source:    s.Name(),
		FetchedAt: time.Now().UTC(),
	}, nil
}
