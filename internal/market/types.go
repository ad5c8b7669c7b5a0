// Package market aggregates prices from ranked external sources behind a
// freshness cache. Every asset class falls through to a deterministic
// synthetic table when all live sources fail, tagged so callers can
// downgrade confidence.
package market

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// AssetClass buckets symbols for source routing.
type AssetClass string

const (
	AssetCrypto    AssetClass = "crypto"
	AssetStock     AssetClass = "stock"
	AssetForex     AssetClass = "forex"
	AssetCommodity AssetClass = "commodity"
	AssetIndex     AssetClass = "index"
)

// SourceSynthetic tags quotes served from the fallback table. Callers use
// it to mark responses as degraded.
const SourceSynthetic = "synthetic"

// ErrUnknownSymbol is returned for symbols outside the catalog that no
// suffix rule can classify.
var ErrUnknownSymbol = errors.New("unknown symbol")

// ErrQuoteStale is returned by QuoteFresh when even a forced refresh could
// not produce a quote within the caller's age bound.
var ErrQuoteStale = errors.New("quote is stale")

// Quote is one observed price for a symbol. The 24h statistics are
// best effort: sources that do not report them leave the fields zero.
type Quote struct {
	Symbol       string          `json:"symbol"`
	Price        decimal.Decimal `json:"price"`
	Change24hPct decimal.Decimal `json:"change_24h_pct"`
	Volume24h    decimal.Decimal `json:"volume_24h"`
	High24h      decimal.Decimal `json:"high_24h"`
	Low24h       decimal.Decimal `json:"low_24h"`
	AssetClass   AssetClass      `json:"asset_class"`
	Source       string          `json:"source"`
	FetchedAt    time.Time       `json:"fetched_at"`
	Synthetic    bool            `json:"synthetic"`
}

// Age returns how old the quote is at now.
func (q Quote) Age(now time.Time) time.Duration {
	return now.Sub(q.FetchedAt)
}

// Fresh reports whether the quote is younger than maxAge at now.
func (q Quote) Fresh(now time.Time, maxAge time.Duration) bool {
	return q.Age(now) < maxAge
}

// Source produces quotes from one upstream feed. Implementations fill
// Symbol, Price, Source, and FetchedAt; the aggregator stamps AssetClass
// and applies the per-source timeout, rate limit, and circuit breaker.
type Source interface {
	Name() string
	Fetch(ctx context.Context, symbol string) (Quote, error)
}
