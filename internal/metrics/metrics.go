package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Bounded cardinality constants for metric labels.
// These ensure metrics don't have unbounded label values which can cause memory issues.
const (
	// Kill switch / breaker trip reasons (bounded set)
	ReasonManual        = "manual"
	ReasonDailyDrawdown = "daily_drawdown_exceeded"
	ReasonTotalDrawdown = "total_drawdown_exceeded"
	ReasonDataDelay     = "data_delay_exceeded"
	ReasonBreakerTrip   = "circuit_breaker_triggered"
	ReasonSecurity      = "security_incident"
	ReasonSystemError   = "system_error"
	ReasonOther         = "other"

	// Exchange API error categories (bounded set)
	ExchangeErrorAuth              = "auth"
	ExchangeErrorRateLimit         = "rate_limit"
	ExchangeErrorMarketClosed      = "market_closed"
	ExchangeErrorInsufficientFunds = "insufficient_funds"
	ExchangeErrorNetwork           = "network"
	ExchangeErrorUnknown           = "unknown"
)

// NormalizeTripReason maps arbitrary trip reasons to the bounded set.
func NormalizeTripReason(reason string) string {
	lower := strings.ToLower(reason)
	switch {
	case strings.Contains(lower, "daily") && strings.Contains(lower, "drawdown"):
		return ReasonDailyDrawdown
	case strings.Contains(lower, "drawdown"):
		return ReasonTotalDrawdown
	case strings.Contains(lower, "delay") || strings.Contains(lower, "stale"):
		return ReasonDataDelay
	case strings.Contains(lower, "breaker") || strings.Contains(lower, "circuit"):
		return ReasonBreakerTrip
	case strings.Contains(lower, "security") || strings.Contains(lower, "incident"):
		return ReasonSecurity
	case strings.Contains(lower, "manual") || strings.Contains(lower, "admin"):
		return ReasonManual
	case strings.Contains(lower, "system") || strings.Contains(lower, "internal"):
		return ReasonSystemError
	default:
		return ReasonOther
	}
}

// NormalizeExchangeError maps arbitrary error messages to the bounded set.
func NormalizeExchangeError(err error) string {
	if err == nil {
		return ""
	}
	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "auth") || strings.Contains(errStr, "401") || strings.Contains(errStr, "403") || strings.Contains(errStr, "signature"):
		return ExchangeErrorAuth
	case strings.Contains(errStr, "rate") || strings.Contains(errStr, "429"):
		return ExchangeErrorRateLimit
	case strings.Contains(errStr, "market closed") || strings.Contains(errStr, "market_closed") || strings.Contains(errStr, "trading hours"):
		return ExchangeErrorMarketClosed
	case strings.Contains(errStr, "insufficient") || strings.Contains(errStr, "balance"):
		return ExchangeErrorInsufficientFunds
	case strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline") || strings.Contains(errStr, "network") || strings.Contains(errStr, "connection") || strings.Contains(errStr, "5xx") || strings.Contains(errStr, "502") || strings.Contains(errStr, "503"):
		return ExchangeErrorNetwork
	default:
		return ExchangeErrorUnknown
	}
}

// Trading Metrics
var (
	// Trades placed by exchange, side and final status
	TradesPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "neontrader_trades_placed_total",
		Help: "Total trades placed by exchange, side and status",
	}, []string{"exchange", "side", "status"})

	// Order execution latency
	OrderExecutionLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "neontrader_order_execution_latency_ms",
		Help:    "Order execution latency in milliseconds",
		Buckets: []float64{100, 250, 500, 1000, 2500, 5000},
	})

	// Open positions across all users
	OpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "neontrader_open_positions",
		Help: "Number of currently open positions",
	})

	// Risk verdicts
	RiskVerdicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "neontrader_risk_verdicts_total",
		Help: "Total risk engine verdicts by outcome",
	}, []string{"verdict"})

	// Kill switch engagements
	KillSwitchEngagements = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "neontrader_kill_switch_engagements_total",
		Help: "Total kill switch engagements by reason",
	}, []string{"reason"})

	// Kill switch state (1 = engaged)
	KillSwitchActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "neontrader_kill_switch_active",
		Help: "Kill switch state (1 = engaged, 0 = released)",
	})

	// Trade approvals by outcome
	TradeApprovals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "neontrader_trade_approvals_total",
		Help: "Total assisted-mode approvals by outcome",
	}, []string{"outcome"})
)

// Market Data Metrics
var (
	// Quote fetch latency per source
	QuoteFetchLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "neontrader_quote_fetch_latency_ms",
		Help:    "Market data source fetch latency in milliseconds",
		Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000},
	}, []string{"source"})

	// Quote source errors
	QuoteSourceErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "neontrader_quote_source_errors_total",
		Help: "Total market data source failures",
	}, []string{"source"})

	// Quote cache results
	QuoteCacheResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "neontrader_quote_cache_results_total",
		Help: "Quote cache lookups by result (hit, miss)",
	}, []string{"result"})

	// Coalesced quote fetches
	QuoteFetchesCoalesced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "neontrader_quote_fetches_coalesced_total",
		Help: "Concurrent quote fetches collapsed into one upstream call",
	})

	// Synthetic quotes served
	SyntheticQuotes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "neontrader_synthetic_quotes_total",
		Help: "Synthetic fallback quotes served by asset class",
	}, []string{"asset_class"})
)

// System Health Metrics
var (
	// Database connections
	DatabaseConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "neontrader_database_connections_active",
		Help: "Number of active database connections",
	})

	DatabaseConnectionsIdle = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "neontrader_database_connections_idle",
		Help: "Number of idle database connections",
	})

	// Redis operations
	RedisOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "neontrader_redis_operations_total",
		Help: "Total number of Redis operations by type",
	}, []string{"operation"})

	// API request duration
	APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "neontrader_api_request_duration_ms",
		Help:    "API request duration in milliseconds",
		Buckets: []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
	}, []string{"method", "path", "status_code"})

	// HTTP requests
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "neontrader_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status_code"})

	// Errors
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "neontrader_errors_total",
		Help: "Total number of errors by type",
	}, []string{"type", "component"})

	// NATS messages
	NATSMessagesPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "neontrader_nats_messages_published_total",
		Help: "Total number of NATS messages published",
	})

	NATSMessagesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "neontrader_nats_messages_received_total",
		Help: "Total number of NATS messages received",
	})
)

// Circuit Breaker Metrics
var (
	// Breaker state (0 = closed, 1 = open, 2 = half-open)
	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "neontrader_circuit_breaker_state",
		Help: "Circuit breaker state (0 = closed, 1 = open, 2 = half-open)",
	}, []string{"breaker"})

	// Breaker trips
	BreakerTrips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "neontrader_circuit_breaker_trips_total",
		Help: "Total number of circuit breaker trips",
	}, []string{"breaker", "reason"})

	// Breaker resets by actor (cooldown or admin)
	BreakerResets = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "neontrader_circuit_breaker_resets_total",
		Help: "Total number of circuit breaker resets",
	}, []string{"breaker", "actor"})
)

// Streaming Metrics
var (
	// Connected websocket clients
	WSClientsConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "neontrader_ws_clients_connected",
		Help: "Number of currently connected websocket clients",
	})

	// Dropped stream messages by channel class
	WSMessagesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "neontrader_ws_messages_dropped_total",
		Help: "Stream messages dropped by channel class",
	}, []string{"channel"})

	// Clients force-disconnected for falling behind on critical channels
	WSClientsEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "neontrader_ws_clients_evicted_total",
		Help: "Clients disconnected for not keeping up with critical channels",
	})
)

// Notification Metrics
var (
	// Notifications delivered by channel
	NotificationsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "neontrader_notifications_sent_total",
		Help: "Total notifications delivered by channel and type",
	}, []string{"channel", "type"})

	// Alerts suppressed by deduplication
	NotificationsDeduped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "neontrader_notifications_deduped_total",
		Help: "Alert firings suppressed as duplicates",
	})

	// Armed alerts triggered
	AlertsTriggered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "neontrader_alerts_triggered_total",
		Help: "Armed alerts triggered by condition type",
	}, []string{"condition"})
)

// Audit Metrics
var (
	// Audit log operations
	AuditLogOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "neontrader_audit_log_operations_total",
		Help: "Total number of audit log operations by event type and status",
	}, []string{"event_type", "status"})

	// Audit log failures
	AuditLogFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "neontrader_audit_log_failures_total",
		Help: "Total number of audit log failures by error type",
	}, []string{"error_type", "event_type"})

	// Audit log latency
	AuditLogLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "neontrader_audit_log_latency_ms",
		Help:    "Audit log operation latency in milliseconds",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
	})
)

// Portfolio Metrics
var (
	// Journal appends
	JournalAppends = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "neontrader_journal_appends_total",
		Help: "Portfolio journal entries appended by entry type",
	}, []string{"entry_type"})

	// Portfolio snapshots taken
	PortfolioSnapshots = promauto.NewCounter(prometheus.CounterOpts{
		Name: "neontrader_portfolio_snapshots_total",
		Help: "Total portfolio snapshots recorded",
	})
)

// Exchange Metrics
var (
	// Exchange API latency
	ExchangeAPILatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "neontrader_exchange_api_latency_ms",
		Help:    "Exchange API latency in milliseconds",
		Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000},
	}, []string{"exchange", "endpoint"})

	// Exchange API errors
	ExchangeAPIErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "neontrader_exchange_api_errors_total",
		Help: "Total exchange API errors",
	}, []string{"exchange", "error_type"})
)

// Helper functions to update metrics

// UpdateDatabaseConnections updates database connection metrics
func UpdateDatabaseConnections(active, idle int32) {
	DatabaseConnectionsActive.Set(float64(active))
	DatabaseConnectionsIdle.Set(float64(idle))
}

// RecordAPIRequest records an API request with duration
func RecordAPIRequest(method, path, statusCode string, durationMs float64) {
	APIRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationMs)
	HTTPRequests.WithLabelValues(method, path, statusCode).Inc()
}

// RecordError records an error
func RecordError(errorType, component string) {
	Errors.WithLabelValues(errorType, component).Inc()
}

// RecordRedisOperation records a Redis operation
func RecordRedisOperation(operation string) {
	RedisOperations.WithLabelValues(operation).Inc()
}

// RecordTrade records a placed trade
func RecordTrade(exchange, side, status string) {
	TradesPlaced.WithLabelValues(exchange, side, status).Inc()
}

// RecordOrderExecution records order execution latency
func RecordOrderExecution(durationMs float64) {
	OrderExecutionLatency.Observe(durationMs)
}

// RecordRiskVerdict records a risk engine verdict
func RecordRiskVerdict(verdict string) {
	RiskVerdicts.WithLabelValues(verdict).Inc()
}

// RecordKillSwitch records a kill switch engagement with normalized reason
func RecordKillSwitch(reason string) {
	KillSwitchEngagements.WithLabelValues(NormalizeTripReason(reason)).Inc()
	KillSwitchActive.Set(1)
}

// ReleaseKillSwitch clears the kill switch gauge
func ReleaseKillSwitch() {
	KillSwitchActive.Set(0)
}

// RecordApproval records an assisted-mode approval outcome
func RecordApproval(outcome string) {
	TradeApprovals.WithLabelValues(outcome).Inc()
}

// RecordQuoteFetch records a market data source call
func RecordQuoteFetch(source string, durationMs float64, err error) {
	QuoteFetchLatency.WithLabelValues(source).Observe(durationMs)
	if err != nil {
		QuoteSourceErrors.WithLabelValues(source).Inc()
	}
}

// RecordQuoteCacheHit records a fresh cache hit
func RecordQuoteCacheHit() {
	QuoteCacheResults.WithLabelValues("hit").Inc()
}

// RecordQuoteCacheMiss records a cache miss
func RecordQuoteCacheMiss() {
	QuoteCacheResults.WithLabelValues("miss").Inc()
}

// RecordQuoteCoalesced records a fetch collapsed into an in-flight one
func RecordQuoteCoalesced() {
	QuoteFetchesCoalesced.Inc()
}

// RecordSyntheticQuote records a synthetic fallback quote
func RecordSyntheticQuote(assetClass string) {
	SyntheticQuotes.WithLabelValues(assetClass).Inc()
}

// UpdateBreakerState sets the breaker state gauge
// (0 = closed, 1 = open, 2 = half-open)
func UpdateBreakerState(breaker string, state float64) {
	BreakerState.WithLabelValues(breaker).Set(state)
}

// RecordBreakerTrip records a breaker trip. The reason comes from the
// registry's bounded set (failure_threshold_exceeded, probe_failed).
func RecordBreakerTrip(breaker, reason string) {
	BreakerTrips.WithLabelValues(breaker, reason).Inc()
}

// RecordBreakerReset records a breaker reset (actor: cooldown or admin)
func RecordBreakerReset(breaker, actor string) {
	BreakerResets.WithLabelValues(breaker, actor).Inc()
}

// RecordWSDrop records a dropped stream message
func RecordWSDrop(channel string) {
	WSMessagesDropped.WithLabelValues(channel).Inc()
}

// RecordWSEviction records a slow client disconnect
func RecordWSEviction() {
	WSClientsEvicted.Inc()
}

// RecordNotification records a delivered notification
func RecordNotification(channel, notifType string) {
	NotificationsSent.WithLabelValues(channel, notifType).Inc()
}

// RecordNotificationDeduped records a suppressed duplicate alert
func RecordNotificationDeduped() {
	NotificationsDeduped.Inc()
}

// RecordAlertTriggered records an armed alert firing
func RecordAlertTriggered(condition string) {
	AlertsTriggered.WithLabelValues(condition).Inc()
}

// RecordAuditLog records an audit log operation
func RecordAuditLog(eventType string, success bool, durationMs float64) {
	status := "success"
	if !success {
		status = "failure"
	}
	AuditLogOperations.WithLabelValues(eventType, status).Inc()
	AuditLogLatency.Observe(durationMs)
}

// RecordAuditLogFailure records an audit log failure with error type
func RecordAuditLogFailure(errorType, eventType string) {
	AuditLogFailures.WithLabelValues(errorType, eventType).Inc()
}

// RecordJournalAppend records a portfolio journal append
func RecordJournalAppend(entryType string) {
	JournalAppends.WithLabelValues(entryType).Inc()
}

// RecordExchangeAPICall records an exchange API call with normalized error category
func RecordExchangeAPICall(exchange, endpoint string, durationMs float64, err error) {
	ExchangeAPILatency.WithLabelValues(exchange, endpoint).Observe(durationMs)
	if err != nil {
		ExchangeAPIErrors.WithLabelValues(exchange, NormalizeExchangeError(err)).Inc()
	}
}
