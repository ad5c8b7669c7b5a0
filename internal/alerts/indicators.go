package alerts

import "github.com/neontrader/backend/internal/indicators"

// Indicator periods. RSI and Bollinger use the conventional defaults;
// the EMA pair is the 9/21 swing setup the opportunity scanner watches
// for crosses.
const (
	rsiPeriod     = indicators.DefaultRSIPeriod
	emaFastPeriod = 9
	emaSlowPeriod = 21
	bbPeriod      = indicators.DefaultBollingerPeriod
)

// latestRSI reports the most recent RSI over the window. ok is false
// when the window is shorter than the warmup period.
func latestRSI(closes []float64, period int) (float64, bool) {
	if len(closes) <= period {
		return 0, false
	}
	r, err := indicators.RSI(closes, period)
	if err != nil {
		return 0, false
	}
	return r.Value, true
}
