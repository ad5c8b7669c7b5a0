package indicators

import (
	"fmt"

	"github.com/cinar/indicator/v2/trend"
)

// EMAResult is the exponential moving average at the end of a series.
type EMAResult struct {
	Value float64 `json:"value"`
	Trend string  `json:"trend"` // bullish, bearish, neutral
}

// EMACrossResult reports the fast/slow EMA relationship at the end of a
// series. Signal is golden_cross or death_cross only on the bar where the
// lines actually crossed.
type EMACrossResult struct {
	Fast   float64 `json:"fast"`
	Slow   float64 `json:"slow"`
	Signal string  `json:"signal"`
}

// EMA computes the exponential moving average. A period of zero falls
// back to 20.
func EMA(prices []float64, period int) (*EMAResult, error) {
	if period <= 0 {
		period = DefaultEMAPeriod
	}
	if len(prices) == 0 {
		return nil, fmt.Errorf("prices series is empty")
	}
	if period > len(prices) {
		return nil, fmt.Errorf("invalid period: %d (must be between 1 and %d)", period, len(prices))
	}

	values := collect(trend.NewEmaWithPeriod[float64](period).Compute(seriesChan(prices)))
	if len(values) == 0 {
		return nil, fmt.Errorf("no EMA values calculated")
	}

	current := values[len(values)-1]
	price := prices[len(prices)-1]

	t := SignalNeutral
	if price > current {
		t = SignalBullish
	} else if price < current {
		t = SignalBearish
	}

	return &EMAResult{Value: current, Trend: t}, nil
}

// EMACross computes fast and slow EMAs and detects a cross on the last
// bar. Zero periods fall back to the conventional 12/26.
func EMACross(prices []float64, fastPeriod, slowPeriod int) (*EMACrossResult, error) {
	if fastPeriod <= 0 {
		fastPeriod = DefaultFastEMAPeriod
	}
	if slowPeriod <= 0 {
		slowPeriod = DefaultSlowEMAPeriod
	}
	if fastPeriod >= slowPeriod {
		return nil, fmt.Errorf("fast period %d must be shorter than slow period %d", fastPeriod, slowPeriod)
	}
	if len(prices) <= slowPeriod {
		return nil, fmt.Errorf("need more than %d prices for the slow EMA, got %d", slowPeriod, len(prices))
	}

	fast := collect(trend.NewEmaWithPeriod[float64](fastPeriod).Compute(seriesChan(prices)))
	slow := collect(trend.NewEmaWithPeriod[float64](slowPeriod).Compute(seriesChan(prices)))
	if len(fast) < 2 || len(slow) < 2 {
		return nil, fmt.Errorf("series too short to detect a cross")
	}

	// Both series end on the latest price, so tails align.
	curFast, prevFast := fast[len(fast)-1], fast[len(fast)-2]
	curSlow, prevSlow := slow[len(slow)-1], slow[len(slow)-2]

	signal := CrossNone
	switch {
	case prevFast <= prevSlow && curFast > curSlow:
		signal = CrossGolden
	case prevFast >= prevSlow && curFast < curSlow:
		signal = CrossDeath
	}

	return &EMACrossResult{Fast: curFast, Slow: curSlow, Signal: signal}, nil
}
