package indicators

import (
	"fmt"

	"github.com/cinar/indicator/v2/volatility"
)

// BollingerBandsResult is the band state at the end of a series. Signal
// is buy at or below the lower band, sell at or above the upper band.
type BollingerBandsResult struct {
	Upper  float64 `json:"upper"`
	Middle float64 `json:"middle"`
	Lower  float64 `json:"lower"`
	Width  float64 `json:"width"` // band width as a percentage of the middle band
	Signal string  `json:"signal"`
}

// BollingerBands computes Bollinger Bands (2 standard deviations). A
// period of zero falls back to 20.
func BollingerBands(prices []float64, period int) (*BollingerBandsResult, error) {
	if period <= 0 {
		period = DefaultBollingerPeriod
	}
	if len(prices) == 0 {
		return nil, fmt.Errorf("prices series is empty")
	}
	if period < 2 || period > len(prices) {
		return nil, fmt.Errorf("invalid period: %d (must be between 2 and %d)", period, len(prices))
	}

	upperChan, middleChan, lowerChan := volatility.NewBollingerBandsWithPeriod[float64](period).Compute(seriesChan(prices))

	var lower, middle, upper []float64
	for {
		l, lok := <-lowerChan
		m, mok := <-middleChan
		u, uok := <-upperChan
		if !lok || !mok || !uok {
			break
		}
		lower = append(lower, l)
		middle = append(middle, m)
		upper = append(upper, u)
	}

	if len(middle) == 0 {
		return nil, fmt.Errorf("no Bollinger Bands values calculated")
	}

	currentUpper := upper[len(upper)-1]
	currentMiddle := middle[len(middle)-1]
	currentLower := lower[len(lower)-1]
	price := prices[len(prices)-1]

	width := 0.0
	if currentMiddle != 0 {
		width = ((currentUpper - currentLower) / currentMiddle) * 100
	}

	signal := SignalNeutral
	if price <= currentLower {
		signal = SignalBuy
	} else if price >= currentUpper {
		signal = SignalSell
	}

	return &BollingerBandsResult{
		Upper:  currentUpper,
		Middle: currentMiddle,
		Lower:  currentLower,
		Width:  width,
		Signal: signal,
	}, nil
}
