package stream

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/neontrader/backend/internal/bus"
	"github.com/neontrader/backend/internal/market"
)

// Bridge feeds bus events into the hub so connected clients see the
// same stream the backend services publish. One bridge per process.
type Bridge struct {
	hub *Hub
	bus *bus.Bus

	mu       sync.Mutex
	lastTick map[string]time.Time
	subs     []*bus.Subscription
}

// NewBridge wires a hub to the event bus. Start begins delivery.
func NewBridge(hub *Hub, eventBus *bus.Bus) *Bridge {
	return &Bridge{
		hub:      hub,
		bus:      eventBus,
		lastTick: make(map[string]time.Time),
	}
}

// Start subscribes to the price, trade, notification, and system
// subjects. A partial failure unwinds the subscriptions already made.
func (b *Bridge) Start() error {
	subscribers := []func() (*bus.Subscription, error){
		func() (*bus.Subscription, error) { return b.bus.SubscribePrices(b.onPrice) },
		func() (*bus.Subscription, error) { return b.bus.SubscribeAllTrades(b.onTrade) },
		func() (*bus.Subscription, error) { return b.bus.SubscribeAllNotifications(b.onNotification) },
		func() (*bus.Subscription, error) { return b.bus.SubscribeSystemEvents(b.onSystem) },
	}

	for _, subscribe := range subscribers {
		sub, err := subscribe()
		if err != nil {
			b.Stop()
			return fmt.Errorf("stream bridge subscribe: %w", err)
		}
		b.mu.Lock()
		b.subs = append(b.subs, sub)
		b.mu.Unlock()
	}

	log.Info().Msg("Stream bridge started")
	return nil
}

// Stop unsubscribes from the bus. Frames already buffered on hub
// subscriptions stay readable.
func (b *Bridge) Stop() {
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			log.Warn().Err(err).Msg("Stream bridge unsubscribe failed")
		}
	}
}

// onPrice forwards one tick. Out-of-order ticks from concurrent
// fetches are discarded so subscribers observe monotonic quotes.
func (b *Bridge) onPrice(ev *bus.Event) error {
	if ev.Symbol == "" {
		return nil
	}

	var quote market.Quote
	if err := json.Unmarshal(ev.Payload, &quote); err != nil {
		return fmt.Errorf("stream bridge: bad quote payload for %s: %w", ev.Symbol, err)
	}
	if !b.advance(ev.Symbol, quote.FetchedAt) {
		return nil
	}

	b.hub.Publish(PriceChannel(ev.Symbol), frame(ev))
	return nil
}

func (b *Bridge) onTrade(ev *bus.Event) error {
	if ev.UserID == "" {
		return nil
	}
	b.hub.Publish(TradeChannel(ev.UserID), frame(ev))
	return nil
}

func (b *Bridge) onNotification(ev *bus.Event) error {
	if ev.UserID == "" {
		return nil
	}
	b.hub.Publish(NotificationChannel(ev.UserID), frame(ev))
	return nil
}

func (b *Bridge) onSystem(ev *bus.Event) error {
	b.hub.Publish(SystemChannel, frame(ev))
	return nil
}

// advance records the newest tick per symbol, rejecting anything not
// strictly newer than what subscribers have already seen.
func (b *Bridge) advance(symbol string, fetchedAt time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if last, ok := b.lastTick[symbol]; ok && !fetchedAt.After(last) {
		return false
	}
	b.lastTick[symbol] = fetchedAt
	return true
}

func frame(ev *bus.Event) Message {
	return Message{
		Type:      string(ev.Type),
		Data:      ev.Payload,
		Timestamp: ev.Timestamp,
	}
}
