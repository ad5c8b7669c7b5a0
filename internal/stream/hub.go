// Package stream fans platform events out to connected clients. The hub
// keys subscriptions by channel and buffers per subscriber. Price
// channels keep only the newest frames when a subscriber lags; trade and
// notification frames are never silently dropped, so a subscriber whose
// buffer fills is disconnected and resynchronizes over REST.
package stream

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/neontrader/backend/internal/metrics"
)

// Buffer sizes per channel class. Price ticks tolerate loss, so their
// buffer stays small; critical channels get room to absorb bursts
// before the eviction rule applies.
const (
	priceBuffer    = 64
	criticalBuffer = 256
)

// Channel classes.
const (
	ClassPrices        = "prices"
	ClassTrades        = "trades"
	ClassNotifications = "notifications"
	ClassSystem        = "system"
)

// SystemChannel carries platform-wide events to every subscriber.
const SystemChannel = "system"

// PriceChannel names the tick channel for one symbol.
func PriceChannel(symbol string) string { return ClassPrices + ":" + symbol }

// TradeChannel names one user's trade lifecycle channel.
func TradeChannel(userID string) string { return ClassTrades + ":" + userID }

// NotificationChannel names one user's notification channel.
func NotificationChannel(userID string) string { return ClassNotifications + ":" + userID }

func channelClass(channel string) string {
	if i := strings.IndexByte(channel, ':'); i >= 0 {
		return channel[:i]
	}
	return channel
}

// Message is one frame pushed to a subscriber.
type Message struct {
	Type      string          `json:"type"`
	Channel   string          `json:"channel"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// Subscription receives one channel's frames until closed. Frames
// arrive on C; a closed C means the hub evicted the subscriber or
// Close was called.
type Subscription struct {
	hub     *Hub
	id      uint64
	channel string
	class   string
	out     chan Message
	once    sync.Once
}

// C returns the receive side of the subscription buffer.
func (s *Subscription) C() <-chan Message { return s.out }

// Channel returns the channel key this subscription is attached to.
func (s *Subscription) Channel() string { return s.channel }

// Close detaches the subscription and closes C.
func (s *Subscription) Close() { s.hub.drop(s) }

// deliver queues a frame without blocking. False means the buffer is
// full and the subscriber must be evicted.
func (s *Subscription) deliver(msg Message) bool {
	select {
	case s.out <- msg:
		return true
	default:
		return false
	}
}

// deliverNewest queues a frame, discarding the oldest buffered one
// when full. Last value wins on price channels.
func (s *Subscription) deliverNewest(msg Message) {
	for {
		select {
		case s.out <- msg:
			return
		default:
		}
		select {
		case <-s.out:
			metrics.RecordWSDrop(s.class)
		default:
		}
	}
}

// Hub routes published frames to channel subscribers.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[uint64]*Subscription
	nextID uint64
	closed bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[uint64]*Subscription)}
}

// Subscribe attaches a new subscriber to a channel. Scoped classes
// (prices, trades, notifications) require a suffix after the colon.
func (h *Hub) Subscribe(channel string) (*Subscription, error) {
	class := channelClass(channel)

	var size int
	switch class {
	case ClassPrices:
		size = priceBuffer
	case ClassTrades, ClassNotifications:
		size = criticalBuffer
	case ClassSystem:
		size = criticalBuffer
		channel = SystemChannel
	default:
		return nil, fmt.Errorf("unknown stream channel %q", channel)
	}
	if class != ClassSystem && len(channel) <= len(class)+1 {
		return nil, fmt.Errorf("stream channel %q needs a %s suffix", channel, class)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, fmt.Errorf("stream hub is shut down")
	}

	h.nextID++
	sub := &Subscription{
		hub:     h,
		id:      h.nextID,
		channel: channel,
		class:   class,
		out:     make(chan Message, size),
	}
	if h.subs[channel] == nil {
		h.subs[channel] = make(map[uint64]*Subscription)
	}
	h.subs[channel][sub.id] = sub

	log.Debug().Str("channel", channel).Msg("Stream subscriber attached")
	return sub, nil
}

// Publish fans a frame out to the channel's subscribers, applying the
// class delivery policy. Sends never block the publisher.
func (h *Hub) Publish(channel string, msg Message) {
	msg.Channel = channel

	h.mu.RLock()
	var evicted []*Subscription
	for _, sub := range h.subs[channel] {
		if sub.class == ClassPrices {
			sub.deliverNewest(msg)
			continue
		}
		if !sub.deliver(msg) {
			evicted = append(evicted, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range evicted {
		metrics.RecordWSEviction()
		log.Warn().
			Str("channel", sub.channel).
			Msg("Evicting stream subscriber that fell behind")
		h.drop(sub)
	}
}

// drop removes the subscription from the routing table and closes its
// buffer. Publishers send only under the read lock, so closing after
// removal under the write lock cannot race a send.
func (h *Hub) drop(s *Subscription) {
	h.mu.Lock()
	if channelSubs, ok := h.subs[s.channel]; ok {
		delete(channelSubs, s.id)
		if len(channelSubs) == 0 {
			delete(h.subs, s.channel)
		}
	}
	h.mu.Unlock()

	s.once.Do(func() { close(s.out) })
}

// SubscriberCount returns the total number of attached subscriptions.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	total := 0
	for _, channelSubs := range h.subs {
		total += len(channelSubs)
	}
	return total
}

// ChannelSubscribers returns how many subscribers a channel has.
func (h *Hub) ChannelSubscribers(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[channel])
}

// Close evicts every subscriber and rejects future subscribes.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	var all []*Subscription
	for _, channelSubs := range h.subs {
		for _, sub := range channelSubs {
			all = append(all, sub)
		}
	}
	h.subs = make(map[string]map[uint64]*Subscription)
	h.mu.Unlock()

	for _, sub := range all {
		sub.once.Do(func() { close(sub.out) })
	}
}
