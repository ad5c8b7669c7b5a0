// Package bus carries internal platform events over NATS. Producers
// (trade router, market aggregator, alert engine) publish typed events
// and the streaming fan-out subscribes to push them to clients.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/neontrader/backend/internal/metrics"
)

// Bus wraps the NATS connection and subject namespace.
type Bus struct {
	nc     *nats.Conn
	prefix string
}

// Config configures the event bus connection.
type Config struct {
	URL    string
	Prefix string // Subject prefix (default: "neon.")
}

// EventType classifies bus events.
type EventType string

const (
	EventPriceUpdate        EventType = "price_update"
	EventTradeQueued        EventType = "trade_queued"
	EventTradeFilled        EventType = "trade_filled"
	EventTradeRejected      EventType = "trade_rejected"
	EventTradeClosed        EventType = "trade_closed"
	EventTradeRecorded      EventType = "trade_recorded"
	EventApprovalCreated    EventType = "approval_created"
	EventApprovalExpired    EventType = "approval_expired"
	EventNotification       EventType = "notification"
	EventKillSwitchEngaged  EventType = "kill_switch_engaged"
	EventKillSwitchReleased EventType = "kill_switch_released"
	EventBreakerTripped     EventType = "breaker_tripped"
	EventBreakerReset       EventType = "breaker_reset"
	EventOpportunity        EventType = "opportunity"
)

// Event is the envelope published on every subject.
type Event struct {
	ID        uuid.UUID       `json:"id"`
	Type      EventType       `json:"type"`
	UserID    string          `json:"user_id,omitempty"`
	Symbol    string          `json:"symbol,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// Handler is a callback for received events.
type Handler func(ev *Event) error

// NewEvent builds an event with a marshaled payload.
func NewEvent(eventType EventType, payload interface{}) (*Event, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	return &Event{
		ID:        uuid.New(),
		Type:      eventType,
		Payload:   payloadJSON,
		Timestamp: time.Now(),
	}, nil
}

// New connects to NATS with reconnect handling.
func New(cfg Config) (*Bus, error) {
	nc, err := nats.Connect(
		cfg.URL,
		nats.Name("neontrader-backend"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	if cfg.Prefix == "" {
		cfg.Prefix = "neon."
	}

	log.Info().
		Str("nats_url", cfg.URL).
		Str("prefix", cfg.Prefix).
		Msg("Event bus initialized")

	return &Bus{
		nc:     nc,
		prefix: cfg.Prefix,
	}, nil
}

// Subject layout:
//
//	{prefix}prices.{symbol}
//	{prefix}users.{user_id}.trades
//	{prefix}users.{user_id}.notifications
//	{prefix}system.{kind}
func (b *Bus) priceSubject(symbol string) string {
	return fmt.Sprintf("%sprices.%s", b.prefix, symbol)
}

func (b *Bus) userSubject(userID, kind string) string {
	return fmt.Sprintf("%susers.%s.%s", b.prefix, userID, kind)
}

func (b *Bus) systemSubject(kind string) string {
	return fmt.Sprintf("%ssystem.%s", b.prefix, kind)
}

func (b *Bus) publish(ctx context.Context, subject string, ev *Event) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if !b.nc.IsConnected() {
		return fmt.Errorf("event bus not connected")
	}

	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := b.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	metrics.NATSMessagesPublished.Inc()

	log.Debug().
		Str("event_id", ev.ID.String()).
		Str("type", string(ev.Type)).
		Str("subject", subject).
		Msg("Published event")

	return nil
}

// PublishPrice publishes a quote update for a symbol.
func (b *Bus) PublishPrice(ctx context.Context, symbol string, ev *Event) error {
	ev.Symbol = symbol
	return b.publish(ctx, b.priceSubject(symbol), ev)
}

// PublishTradeEvent publishes a trade lifecycle event for one user.
func (b *Bus) PublishTradeEvent(ctx context.Context, userID string, ev *Event) error {
	ev.UserID = userID
	return b.publish(ctx, b.userSubject(userID, "trades"), ev)
}

// PublishNotification publishes a notification delivery for one user.
func (b *Bus) PublishNotification(ctx context.Context, userID string, ev *Event) error {
	ev.UserID = userID
	return b.publish(ctx, b.userSubject(userID, "notifications"), ev)
}

// PublishSystemEvent publishes a platform-wide event such as a kill
// switch engagement or a breaker trip.
func (b *Bus) PublishSystemEvent(ctx context.Context, kind string, ev *Event) error {
	return b.publish(ctx, b.systemSubject(kind), ev)
}

func (b *Bus) makeHandler(handler Handler) func(*nats.Msg) {
	return func(natsMsg *nats.Msg) {
		var ev Event
		if err := json.Unmarshal(natsMsg.Data, &ev); err != nil {
			log.Warn().Err(err).Msg("Failed to unmarshal event")
			return
		}

		metrics.NATSMessagesReceived.Inc()

		if err := handler(&ev); err != nil {
			log.Error().
				Err(err).
				Str("event_id", ev.ID.String()).
				Str("type", string(ev.Type)).
				Msg("Event handler error")
		}
	}
}

func (b *Bus) subscribe(subject string, handler Handler) (*Subscription, error) {
	sub, err := b.nc.Subscribe(subject, b.makeHandler(handler))
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	log.Info().Str("subject", subject).Msg("Subscribed to events")

	return &Subscription{sub: sub, subject: subject}, nil
}

// SubscribePrices receives quote updates for every symbol.
func (b *Bus) SubscribePrices(handler Handler) (*Subscription, error) {
	return b.subscribe(b.prefix+"prices.>", handler)
}

// SubscribeSymbol receives quote updates for one symbol.
func (b *Bus) SubscribeSymbol(symbol string, handler Handler) (*Subscription, error) {
	return b.subscribe(b.priceSubject(symbol), handler)
}

// SubscribeUserTrades receives trade lifecycle events for one user.
func (b *Bus) SubscribeUserTrades(userID string, handler Handler) (*Subscription, error) {
	return b.subscribe(b.userSubject(userID, "trades"), handler)
}

// SubscribeAllTrades receives trade lifecycle events for every user,
// used by the fan-out hub to route per-connection.
func (b *Bus) SubscribeAllTrades(handler Handler) (*Subscription, error) {
	return b.subscribe(b.prefix+"users.*.trades", handler)
}

// SubscribeAllNotifications receives notification events for every user.
func (b *Bus) SubscribeAllNotifications(handler Handler) (*Subscription, error) {
	return b.subscribe(b.prefix+"users.*.notifications", handler)
}

// SubscribeSystemEvents receives platform-wide events.
func (b *Bus) SubscribeSystemEvents(handler Handler) (*Subscription, error) {
	return b.subscribe(b.prefix+"system.>", handler)
}

// Stats returns connection statistics for the health endpoint.
func (b *Bus) Stats() map[string]interface{} {
	stats := make(map[string]interface{})

	if b.nc != nil {
		stats["connected"] = b.nc.IsConnected()
		stats["status"] = b.nc.Status().String()
		stats["connected_url"] = b.nc.ConnectedUrl()
		stats["in_msgs"] = b.nc.Stats().InMsgs
		stats["out_msgs"] = b.nc.Stats().OutMsgs
		stats["reconnects"] = b.nc.Stats().Reconnects
	}

	return stats
}

// Connected reports whether the underlying connection is up.
func (b *Bus) Connected() bool {
	return b.nc != nil && b.nc.IsConnected()
}

// Close closes the bus connection.
func (b *Bus) Close() error {
	if b.nc != nil {
		b.nc.Close()
		log.Info().Msg("Event bus closed")
	}
	return nil
}

// Subscription represents an active subscription
type Subscription struct {
	sub     *nats.Subscription
	subject string
}

// Unsubscribe stops delivery for this subscription.
func (s *Subscription) Unsubscribe() error {
	if err := s.sub.Unsubscribe(); err != nil {
		return fmt.Errorf("failed to unsubscribe: %w", err)
	}

	log.Info().Str("subject", s.subject).Msg("Unsubscribed from events")

	return nil
}

// IsValid returns whether the subscription is still active
func (s *Subscription) IsValid() bool {
	return s.sub.IsValid()
}
