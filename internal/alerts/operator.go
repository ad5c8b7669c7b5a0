package alerts

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Severity levels for operator alerts.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// OperatorAlert is an out-of-band message for whoever runs the
// system: breaker trips, kill switch engagements, upstream outages.
// Distinct from user-facing smart alerts.
type OperatorAlert struct {
	Title     string
	Message   string
	Severity  Severity
	Timestamp time.Time
	Metadata  map[string]interface{}
}

// Alerter delivers operator alerts on one channel.
type Alerter interface {
	Send(ctx context.Context, alert OperatorAlert) error
}

// Manager fans an operator alert out to every configured channel.
// One channel failing does not stop the others.
type Manager struct {
	alerters []Alerter
}

// NewManager creates a manager over the given channels.
func NewManager(alerters ...Alerter) *Manager {
	return &Manager{alerters: alerters}
}

// Send delivers the alert on all channels and returns the last error.
func (m *Manager) Send(ctx context.Context, alert OperatorAlert) error {
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now()
	}

	var lastErr error
	for _, alerter := range m.alerters {
		if err := alerter.Send(ctx, alert); err != nil {
			log.Error().
				Err(err).
				Str("title", alert.Title).
				Msg("Failed to send operator alert")
			lastErr = err
		}
	}
	return lastErr
}

// SendCritical delivers a critical operator alert.
func (m *Manager) SendCritical(ctx context.Context, title, message string, metadata map[string]interface{}) error {
	return m.Send(ctx, OperatorAlert{
		Title:    title,
		Message:  message,
		Severity: SeverityCritical,
		Metadata: metadata,
	})
}

// SendWarning delivers a warning operator alert.
func (m *Manager) SendWarning(ctx context.Context, title, message string, metadata map[string]interface{}) error {
	return m.Send(ctx, OperatorAlert{
		Title:    title,
		Message:  message,
		Severity: SeverityWarning,
		Metadata: metadata,
	})
}

// SendInfo delivers an informational operator alert.
func (m *Manager) SendInfo(ctx context.Context, title, message string, metadata map[string]interface{}) error {
	return m.Send(ctx, OperatorAlert{
		Title:    title,
		Message:  message,
		Severity: SeverityInfo,
		Metadata: metadata,
	})
}

// LogAlerter writes operator alerts to the structured log. Always
// configured so an alert is never silently lost when external
// channels are down.
type LogAlerter struct{}

// NewLogAlerter creates the log channel.
func NewLogAlerter() *LogAlerter {
	return &LogAlerter{}
}

// Send logs the alert at a level matching its severity.
func (l *LogAlerter) Send(ctx context.Context, alert OperatorAlert) error {
	event := log.Info()
	switch alert.Severity {
	case SeverityCritical:
		event = log.Error()
	case SeverityWarning:
		event = log.Warn()
	}

	for key, value := range alert.Metadata {
		event = event.Interface(key, value)
	}

	event.
		Str("alert_title", alert.Title).
		Str("alert_severity", string(alert.Severity)).
		Time("alert_time", alert.Timestamp).
		Msg(alert.Message)

	return nil
}
