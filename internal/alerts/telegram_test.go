package alerts

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewTelegramAlerterRequiresToken(t *testing.T) {
	_, err := NewTelegramAlerter("", []int64{123456789})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "bot token is required")
}

func TestTelegramFormatAlert(t *testing.T) {
	alerter := &TelegramAlerter{}

	tests := []struct {
		name     string
		alert    OperatorAlert
		contains []string
	}{
		{
			name: "critical alert",
			alert: OperatorAlert{
				Title:     "Kill switch engaged",
				Message:   "risk_threshold breaker opened",
				Severity:  SeverityCritical,
				Timestamp: time.Now(),
			},
			contains: []string{"🚨", "Kill switch engaged", "risk_threshold breaker opened"},
		},
		{
			name: "warning alert",
			alert: OperatorAlert{
				Title:     "Breaker tripped",
				Message:   "market_data:binance open",
				Severity:  SeverityWarning,
				Timestamp: time.Now(),
			},
			contains: []string{"⚠️", "Breaker tripped", "market_data:binance open"},
		},
		{
			name: "info alert with metadata",
			alert: OperatorAlert{
				Title:     "Breaker recovered",
				Message:   "trade_execution closed after cooldown",
				Severity:  SeverityInfo,
				Timestamp: time.Now(),
				Metadata: map[string]interface{}{
					"breaker": "trade_execution",
					"state":   "closed",
				},
			},
			contains: []string{"ℹ️", "Breaker recovered", "Details:", "breaker", "trade_execution"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := alerter.formatAlert(tt.alert)
			for _, str := range tt.contains {
				assert.Contains(t, result, str)
			}
		})
	}
}

func TestTelegramSendWithoutChatsIsNoop(t *testing.T) {
	alerter := &TelegramAlerter{chatIDs: []int64{}}

	err := alerter.Send(context.Background(), OperatorAlert{
		Title:     "Probe",
		Message:   "no chats configured",
		Severity:  SeverityInfo,
		Timestamp: time.Now(),
	})
	assert.NoError(t, err)
}
