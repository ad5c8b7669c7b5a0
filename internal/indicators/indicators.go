// Package indicators computes technical indicators over price series
// using cinar/indicator. Functions are pure: they take a chronological
// series (oldest first) and report the state at its end.
package indicators

import "fmt"

// Signal labels shared across indicators.
const (
	SignalOversold   = "oversold"
	SignalOverbought = "overbought"
	SignalNeutral    = "neutral"
	SignalBullish    = "bullish"
	SignalBearish    = "bearish"
	SignalBuy        = "buy"
	SignalSell       = "sell"

	CrossGolden = "golden_cross"
	CrossDeath  = "death_cross"
	CrossNone   = "none"
)

// Default periods.
const (
	DefaultRSIPeriod       = 14
	DefaultEMAPeriod       = 20
	DefaultFastEMAPeriod   = 12
	DefaultSlowEMAPeriod   = 26
	DefaultBollingerPeriod = 20
)

// Analysis bundles the indicator set the opportunity scanner and the
// market indicators endpoint work from. Fields stay nil when the
// series is too short for that indicator.
type Analysis struct {
	RSI       *RSIResult            `json:"rsi,omitempty"`
	EMA       *EMAResult            `json:"ema,omitempty"`
	Cross     *EMACrossResult       `json:"ema_cross,omitempty"`
	Bollinger *BollingerBandsResult `json:"bollinger,omitempty"`
}

// Analyze runs the standard indicator set with default periods,
// tolerating series too short for some of them.
func Analyze(prices []float64) (*Analysis, error) {
	if len(prices) == 0 {
		return nil, fmt.Errorf("prices series is empty")
	}

	a := &Analysis{}
	if r, err := RSI(prices, DefaultRSIPeriod); err == nil {
		a.RSI = r
	}
	if e, err := EMA(prices, DefaultEMAPeriod); err == nil {
		a.EMA = e
	}
	if c, err := EMACross(prices, DefaultFastEMAPeriod, DefaultSlowEMAPeriod); err == nil {
		a.Cross = c
	}
	if b, err := BollingerBands(prices, DefaultBollingerPeriod); err == nil {
		a.Bollinger = b
	}
	return a, nil
}

// seriesChan feeds a price slice into the channel form cinar computes
// over.
func seriesChan(prices []float64) chan float64 {
	c := make(chan float64, len(prices))
	for _, p := range prices {
		c <- p
	}
	close(c)
	return c
}

func collect(c <-chan float64) []float64 {
	var out []float64
	for v := range c {
		out = append(out, v)
	}
	return out
}
