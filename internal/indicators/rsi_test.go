package indicators

import (
	"testing"
)

func TestRSI(t *testing.T) {
	prices := []float64{
		44.0, 44.5, 45.0, 45.5, 46.0,
		46.5, 47.0, 47.5, 48.0, 48.5,
		49.0, 49.5, 50.0, 50.5, 51.0,
		51.5, 52.0, 52.5, 53.0, 53.5,
	}

	tests := []struct {
		name      string
		prices    []float64
		period    int
		wantError bool
	}{
		{
			name:   "default period",
			prices: prices,
			period: 0,
		},
		{
			name:   "custom period",
			prices: prices,
			period: 10,
		},
		{
			name:      "period longer than series",
			prices:    prices,
			period:    len(prices) + 1,
			wantError: true,
		},
		{
			name:      "empty series",
			prices:    nil,
			period:    14,
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := RSI(tt.prices, tt.period)

			if tt.wantError {
				if err == nil {
					t.Error("Expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}

			if result.Value < 0 || result.Value > 100 {
				t.Errorf("RSI value %.2f out of range [0, 100]", result.Value)
			}

			// Signal must agree with the value.
			switch {
			case result.Value < 30 && result.Signal != SignalOversold:
				t.Errorf("Expected oversold for RSI %.2f, got %s", result.Value, result.Signal)
			case result.Value > 70 && result.Signal != SignalOverbought:
				t.Errorf("Expected overbought for RSI %.2f, got %s", result.Value, result.Signal)
			case result.Value >= 30 && result.Value <= 70 && result.Signal != SignalNeutral:
				t.Errorf("Expected neutral for RSI %.2f, got %s", result.Value, result.Signal)
			}
		})
	}
}

func TestRSISignals(t *testing.T) {
	tests := []struct {
		name           string
		prices         []float64
		expectedSignal string
	}{
		{
			name: "strong uptrend reads overbought",
			prices: []float64{
				10.0, 12.0, 14.0, 16.0, 18.0, 20.0, 22.0, 24.0,
				26.0, 28.0, 30.0, 32.0, 34.0, 36.0, 38.0, 40.0,
			},
			expectedSignal: SignalOverbought,
		},
		{
			name: "strong downtrend reads oversold",
			prices: []float64{
				40.0, 38.0, 36.0, 34.0, 32.0, 30.0, 28.0, 26.0,
				24.0, 22.0, 20.0, 18.0, 16.0, 14.0, 12.0, 10.0,
			},
			expectedSignal: SignalOversold,
		},
		{
			name: "sideways market reads neutral",
			prices: []float64{
				20.0, 21.0, 20.5, 20.0, 21.0, 20.5, 20.0, 21.0,
				20.5, 20.0, 21.0, 20.5, 20.0, 21.0, 20.5, 20.0,
			},
			expectedSignal: SignalNeutral,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := RSI(tt.prices, 14)
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if result.Signal != tt.expectedSignal {
				t.Errorf("Expected signal %s, got %s (RSI: %.2f)",
					tt.expectedSignal, result.Signal, result.Value)
			}
		})
	}
}
