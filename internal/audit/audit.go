package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog/log"

	"github.com/neontrader/backend/internal/metrics"
)

// EventType represents the type of audit event
type EventType string

const (
	// Authentication events
	EventTypeRegistered     EventType = "USER_REGISTERED"
	EventTypeLogin          EventType = "LOGIN"
	EventTypeLogout         EventType = "LOGOUT"
	EventTypeLoginFailed    EventType = "LOGIN_FAILED"
	EventTypePasswordChange EventType = "PASSWORD_CHANGE"
	EventTypeTwoFAEnabled   EventType = "2FA_ENABLED"
	EventTypeTwoFAFailed    EventType = "2FA_FAILED"

	// Trade events
	EventTypeTradePlaced   EventType = "TRADE_PLACED"
	EventTypeTradeClosed   EventType = "TRADE_CLOSED"
	EventTypeTradeRejected EventType = "TRADE_REJECTED"

	// Approval events
	EventTypeApprovalCreated  EventType = "APPROVAL_CREATED"
	EventTypeApprovalAccepted EventType = "APPROVAL_ACCEPTED"
	EventTypeApprovalRejected EventType = "APPROVAL_REJECTED"
	EventTypeApprovalExpired  EventType = "APPROVAL_EXPIRED"

	// Mode and kill switch events
	EventTypeModeChanged        EventType = "MODE_CHANGED"
	EventTypeKillSwitchEngaged  EventType = "KILL_SWITCH_ENGAGED"
	EventTypeKillSwitchReleased EventType = "KILL_SWITCH_RELEASED"

	// Circuit breaker events
	EventTypeBreakerTripped EventType = "BREAKER_TRIPPED"
	EventTypeBreakerReset   EventType = "BREAKER_RESET"

	// Credential vault events
	EventTypeCredentialStored  EventType = "CREDENTIAL_STORED"
	EventTypeCredentialDeleted EventType = "CREDENTIAL_DELETED"
	EventTypeVaultFailure      EventType = "VAULT_FAILURE"

	// Security events
	EventTypeRateLimitExceeded  EventType = "RATE_LIMIT_EXCEEDED"
	EventTypeUnauthorizedAccess EventType = "UNAUTHORIZED_ACCESS"
	EventTypeInvalidInput       EventType = "INVALID_INPUT"
)

// Severity represents the severity level of an audit event
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityError    Severity = "ERROR"
	SeverityCritical Severity = "CRITICAL"
)

// Event represents a single audit log event
type Event struct {
	ID        uuid.UUID              `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	EventType EventType              `json:"event_type"`
	Severity  Severity               `json:"severity"`
	UserID    string                 `json:"user_id,omitempty"`
	IPAddress string                 `json:"ip_address"`
	UserAgent string                 `json:"user_agent,omitempty"`
	Resource  string                 `json:"resource,omitempty"`      // Affected resource (trade ID, breaker name, etc.)
	Action    string                 `json:"action"`                  // Human-readable action description
	Success   bool                   `json:"success"`                 // Whether action succeeded
	ErrorMsg  string                 `json:"error_message,omitempty"` // Error if failed
	Metadata  map[string]interface{} `json:"metadata,omitempty"`      // Additional context
	RequestID string                 `json:"request_id,omitempty"`    // Request correlation ID
	Duration  int64                  `json:"duration_ms,omitempty"`   // Action duration in ms
}

// Pool is the subset of pgxpool.Pool the logger uses. Unit tests
// substitute a pgxmock pool.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
}

// Logger handles audit logging operations
type Logger struct {
	db      Pool
	enabled bool
}

// NewLogger creates a new audit logger
func NewLogger(db Pool, enabled bool) *Logger {
	return &Logger{
		db:      db,
		enabled: enabled,
	}
}

// Log records an audit event
func (l *Logger) Log(ctx context.Context, event *Event) error {
	if !l.enabled {
		return nil
	}

	start := time.Now()

	// Set defaults
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	// Log to structured logger for immediate visibility
	logEvent := log.With().
		Str("event_id", event.ID.String()).
		Str("event_type", string(event.EventType)).
		Str("severity", string(event.Severity)).
		Str("user_id", event.UserID).
		Str("ip_address", event.IPAddress).
		Str("resource", event.Resource).
		Str("action", event.Action).
		Bool("success", event.Success).
		Logger()

	if event.ErrorMsg != "" {
		logEvent = logEvent.With().Str("error", event.ErrorMsg).Logger()
	}

	if event.Duration > 0 {
		logEvent = logEvent.With().Int64("duration_ms", event.Duration).Logger()
	}

	// Log at appropriate level
	switch event.Severity {
	case SeverityCritical, SeverityError:
		logEvent.Error().Msg("Audit event")
	case SeverityWarning:
		logEvent.Warn().Msg("Audit event")
	default:
		logEvent.Info().Msg("Audit event")
	}

	// Persist to database if pool is available
	if l.db != nil {
		if err := l.persistEvent(ctx, event); err != nil {
			durationMs := float64(time.Since(start).Milliseconds())
			metrics.RecordAuditLog(string(event.EventType), false, durationMs)
			metrics.RecordAuditLogFailure("persist_error", string(event.EventType))
			return err
		}
	}

	durationMs := float64(time.Since(start).Milliseconds())
	metrics.RecordAuditLog(string(event.EventType), true, durationMs)

	return nil
}

// persistEvent stores the audit event in the database
func (l *Logger) persistEvent(ctx context.Context, event *Event) error {
	query := `
		INSERT INTO audit_logs (
			id, timestamp, event_type, severity, user_id, ip_address,
			user_agent, resource, action, success, error_message,
			metadata, request_id, duration_ms
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14
		)
	`

	var metadataJSON []byte
	var err error
	if event.Metadata != nil {
		metadataJSON, err = json.Marshal(event.Metadata)
		if err != nil {
			log.Error().Err(err).Msg("Failed to marshal audit event metadata")
			metadataJSON = []byte("{}")
		}
	}

	_, err = l.db.Exec(ctx, query,
		event.ID,
		event.Timestamp,
		event.EventType,
		event.Severity,
		event.UserID,
		event.IPAddress,
		event.UserAgent,
		event.Resource,
		event.Action,
		event.Success,
		event.ErrorMsg,
		metadataJSON,
		event.RequestID,
		event.Duration,
	)

	if err != nil {
		log.Error().Err(err).
			Str("event_id", event.ID.String()).
			Str("event_type", string(event.EventType)).
			Msg("Failed to persist audit event to database")
		return err
	}

	return nil
}

// Query retrieves audit events based on filters
func (l *Logger) Query(ctx context.Context, filters *QueryFilters) ([]Event, error) {
	if l.db == nil {
		return nil, nil
	}

	query := `
		SELECT
			id, timestamp, event_type, severity, user_id, ip_address,
			user_agent, resource, action, success, error_message,
			metadata, request_id, duration_ms
		FROM audit_logs
		WHERE 1=1
	`

	args := []interface{}{}
	argPos := 1

	if filters.EventType != "" {
		query += fmt.Sprintf(" AND event_type = $%d", argPos)
		args = append(args, filters.EventType)
		argPos++
	}

	if filters.UserID != "" {
		query += fmt.Sprintf(" AND user_id = $%d", argPos)
		args = append(args, filters.UserID)
		argPos++
	}

	if filters.IPAddress != "" {
		query += fmt.Sprintf(" AND ip_address = $%d", argPos)
		args = append(args, filters.IPAddress)
		argPos++
	}

	if !filters.StartTime.IsZero() {
		query += fmt.Sprintf(" AND timestamp >= $%d", argPos)
		args = append(args, filters.StartTime)
		argPos++
	}

	if !filters.EndTime.IsZero() {
		query += fmt.Sprintf(" AND timestamp <= $%d", argPos)
		args = append(args, filters.EndTime)
		argPos++
	}

	if filters.Success != nil {
		query += fmt.Sprintf(" AND success = $%d", argPos)
		args = append(args, *filters.Success)
		argPos++
	}

	query += ` ORDER BY timestamp DESC`

	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argPos)
		args = append(args, filters.Limit)
	}

	rows, err := l.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []Event{}
	for rows.Next() {
		var event Event
		var metadataJSON []byte

		err := rows.Scan(
			&event.ID,
			&event.Timestamp,
			&event.EventType,
			&event.Severity,
			&event.UserID,
			&event.IPAddress,
			&event.UserAgent,
			&event.Resource,
			&event.Action,
			&event.Success,
			&event.ErrorMsg,
			&metadataJSON,
			&event.RequestID,
			&event.Duration,
		)
		if err != nil {
			return nil, err
		}

		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &event.Metadata); err != nil {
				log.Warn().Err(err).Msg("Failed to unmarshal audit event metadata")
			}
		}

		events = append(events, event)
	}

	return events, rows.Err()
}

// QueryFilters defines filters for querying audit events
type QueryFilters struct {
	EventType EventType
	UserID    string
	IPAddress string
	StartTime time.Time
	EndTime   time.Time
	Success   *bool
	Limit     int
}

// Helper functions for common audit events

// LogAuthEvent logs an authentication event (login/logout/failures)
func (l *Logger) LogAuthEvent(ctx context.Context, eventType EventType, userID, ipAddress, userAgent string, success bool, errorMsg string) error {
	severity := SeverityInfo
	if !success {
		severity = SeverityWarning
	}

	return l.Log(ctx, &Event{
		EventType: eventType,
		Severity:  severity,
		UserID:    userID,
		IPAddress: ipAddress,
		UserAgent: userAgent,
		Action:    string(eventType),
		Success:   success,
		ErrorMsg:  errorMsg,
	})
}

// LogTradeAction logs a trade lifecycle event (place/close/reject)
func (l *Logger) LogTradeAction(ctx context.Context, eventType EventType, userID, ipAddress, tradeID string, metadata map[string]interface{}, success bool, errorMsg string) error {
	severity := SeverityInfo
	if !success {
		severity = SeverityWarning
	}

	return l.Log(ctx, &Event{
		EventType: eventType,
		Severity:  severity,
		UserID:    userID,
		IPAddress: ipAddress,
		Resource:  tradeID,
		Action:    string(eventType),
		Success:   success,
		ErrorMsg:  errorMsg,
		Metadata:  metadata,
	})
}

// LogKillSwitch logs a kill switch state change. Engagements are
// always critical.
func (l *Logger) LogKillSwitch(ctx context.Context, engaged bool, userID, reason string, metadata map[string]interface{}) error {
	eventType := EventTypeKillSwitchReleased
	severity := SeverityWarning
	action := "Kill switch released"
	if engaged {
		eventType = EventTypeKillSwitchEngaged
		severity = SeverityCritical
		action = "Kill switch engaged"
	}

	if metadata == nil {
		metadata = make(map[string]interface{})
	}
	metadata["reason"] = reason

	return l.Log(ctx, &Event{
		EventType: eventType,
		Severity:  severity,
		UserID:    userID,
		Resource:  reason,
		Action:    action,
		Success:   true,
		Metadata:  metadata,
	})
}

// LogBreakerAction logs a circuit breaker trip or reset
func (l *Logger) LogBreakerAction(ctx context.Context, eventType EventType, breakerName, actor, reason string) error {
	severity := SeverityInfo
	if eventType == EventTypeBreakerTripped {
		severity = SeverityWarning
	}

	return l.Log(ctx, &Event{
		EventType: eventType,
		Severity:  severity,
		UserID:    actor,
		Resource:  breakerName,
		Action:    string(eventType),
		Success:   true,
		Metadata: map[string]interface{}{
			"breaker": breakerName,
			"reason":  reason,
		},
	})
}

// LogModeChange logs a trading mode transition
func (l *Logger) LogModeChange(ctx context.Context, userID, ipAddress, oldMode, newMode string) error {
	return l.Log(ctx, &Event{
		EventType: EventTypeModeChanged,
		Severity:  SeverityInfo,
		UserID:    userID,
		IPAddress: ipAddress,
		Resource:  newMode,
		Action:    "Trading mode changed",
		Success:   true,
		Metadata: map[string]interface{}{
			"old_mode": oldMode,
			"new_mode": newMode,
		},
	})
}

// LogVaultEvent logs credential vault activity. Plaintext material
// must never appear in metadata.
func (l *Logger) LogVaultEvent(ctx context.Context, eventType EventType, userID, platform string, success bool, errorMsg string) error {
	severity := SeverityInfo
	if !success {
		severity = SeverityCritical
	}

	return l.Log(ctx, &Event{
		EventType: eventType,
		Severity:  severity,
		UserID:    userID,
		Resource:  platform,
		Action:    string(eventType),
		Success:   success,
		ErrorMsg:  errorMsg,
	})
}

// LogSecurityEvent logs a security-related event (rate limit, unauthorized access, etc.)
func (l *Logger) LogSecurityEvent(ctx context.Context, eventType EventType, userID, ipAddress, resource, action string, metadata map[string]interface{}) error {
	return l.Log(ctx, &Event{
		EventType: eventType,
		Severity:  SeverityWarning,
		UserID:    userID,
		IPAddress: ipAddress,
		Resource:  resource,
		Action:    action,
		Success:   false,
		Metadata:  metadata,
	})
}
