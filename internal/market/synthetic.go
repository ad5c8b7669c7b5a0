package market

import (
	"time"

	"github.com/shopspring/decimal"
)

// syntheticPrices is the deterministic fallback table, one realistic price
// per cataloged symbol. Values never change at runtime so paper fills and
// tests stay reproducible when every live source is down.
var syntheticPrices = map[string]decimal.Decimal{
	// Crypto
	"BTCUSDT":  decimal.RequireFromString("43250.50"),
	"ETHUSDT":  decimal.RequireFromString("2580.75"),
	"ADAUSDT":  decimal.RequireFromString("0.45"),
	"BNBUSDT":  decimal.RequireFromString("310.25"),
	"SOLUSDT":  decimal.RequireFromString("95.30"),
	"XRPUSDT":  decimal.RequireFromString("0.52"),
	"DOGEUSDT": decimal.RequireFromString("0.08"),
	"AVAXUSDT": decimal.RequireFromString("32.15"),

	// Forex
	"EURUSD": decimal.RequireFromString("1.0950"),
	"GBPUSD": decimal.RequireFromString("1.2750"),
	"USDJPY": decimal.RequireFromString("149.50"),
	"AUDUSD": decimal.RequireFromString("0.6650"),
	"USDCHF": decimal.RequireFromString("0.8950"),
	"USDCAD": decimal.RequireFromString("1.3550"),
	"NZDUSD": decimal.RequireFromString("0.6150"),
	"EURJPY": decimal.RequireFromString("163.20"),

	// Stocks
	"AAPL":  decimal.RequireFromString("195.50"),
	"GOOGL": decimal.RequireFromString("142.80"),
	"MSFT":  decimal.RequireFromString("415.25"),
	"AMZN":  decimal.RequireFromString("155.75"),
	"TSLA":  decimal.RequireFromString("248.50"),
	"META":  decimal.RequireFromString("325.80"),
	"NVDA":  decimal.RequireFromString("875.25"),
	"NFLX":  decimal.RequireFromString("485.60"),

	// Commodities
	"XAUUSD": decimal.RequireFromString("2015.50"),
	"XAGUSD": decimal.RequireFromString("24.85"),
	"USOIL":  decimal.RequireFromString("78.25"),
	"UKOIL":  decimal.RequireFromString("82.15"),
	"NATGAS": decimal.RequireFromString("2.65"),
	"COPPER": decimal.RequireFromString("8.45"),
	"WHEAT":  decimal.RequireFromString("5.85"),
	"CORN":   decimal.RequireFromString("4.75"),

	// Indices
	"SPX500": decimal.RequireFromString("4515.25"),
	"NAS100": decimal.RequireFromString("15850.75"),
	"DJ30":   decimal.RequireFromString("35650.80"),
	"GER40":  decimal.RequireFromString("16250.45"),
	"UK100":  decimal.RequireFromString("7485.60"),
	"JPN225": decimal.RequireFromString("32850.90"),
	"AUS200": decimal.RequireFromString("7125.35"),
	"HK50":   decimal.RequireFromString("17850.25"),
}

// syntheticDefault prices symbols missing from the table.
var syntheticDefault = decimal.NewFromInt(100)

// SyntheticQuote returns the deterministic fallback quote for a symbol.
// The Synthetic flag and SourceSynthetic tag make the degraded origin
// unambiguous to every caller.
func SyntheticQuote(symbol string, class AssetClass, now time.Time) Quote {
	price, ok := syntheticPrices[symbol]
	if !ok {
		price = syntheticDefault
	}
	return Quote{
		Symbol:     symbol,
		Price:      price,
		AssetClass: class,
		Source:     SourceSynthetic,
		FetchedAt:  now,
		Synthetic:  true,
	}
}
