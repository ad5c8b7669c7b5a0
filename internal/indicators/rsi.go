package indicators

import (
	"fmt"

	"github.com/cinar/indicator/v2/momentum"
)

// RSIResult is the relative strength index at the end of a series.
type RSIResult struct {
	Value  float64 `json:"value"`
	Signal string  `json:"signal"` // oversold, overbought, neutral
}

// RSI computes the relative strength index. A period of zero falls back
// to the conventional 14.
func RSI(prices []float64, period int) (*RSIResult, error) {
	if period <= 0 {
		period = DefaultRSIPeriod
	}
	if len(prices) == 0 {
		return nil, fmt.Errorf("prices series is empty")
	}
	if period > len(prices) {
		return nil, fmt.Errorf("invalid period: %d (must be between 1 and %d)", period, len(prices))
	}

	values := collect(momentum.NewRsiWithPeriod[float64](period).Compute(seriesChan(prices)))
	if len(values) == 0 {
		return nil, fmt.Errorf("no RSI values calculated")
	}

	current := values[len(values)-1]

	signal := SignalNeutral
	if current < 30 {
		signal = SignalOversold
	} else if current > 70 {
		signal = SignalOverbought
	}

	return &RSIResult{Value: current, Signal: signal}, nil
}
