package stream

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func textFrame(t *testing.T, s string) Message {
	t.Helper()
	data, err := json.Marshal(map[string]string{"value": s})
	require.NoError(t, err)
	return Message{Type: "test", Data: data, Timestamp: time.Now()}
}

func frameValue(t *testing.T, msg Message) string {
	t.Helper()
	var payload map[string]string
	require.NoError(t, json.Unmarshal(msg.Data, &payload))
	return payload["value"]
}

func TestChannelNames(t *testing.T) {
	assert.Equal(t, "prices:BTCUSDT", PriceChannel("BTCUSDT"))
	assert.Equal(t, "trades:u1", TradeChannel("u1"))
	assert.Equal(t, "notifications:u1", NotificationChannel("u1"))
	assert.Equal(t, "system", SystemChannel)
}

func TestSubscribeValidation(t *testing.T) {
	hub := NewHub()

	_, err := hub.Subscribe("weather:SFO")
	assert.Error(t, err)

	_, err = hub.Subscribe("prices:")
	assert.Error(t, err)

	_, err = hub.Subscribe("trades")
	assert.Error(t, err)

	sub, err := hub.Subscribe(SystemChannel)
	require.NoError(t, err)
	sub.Close()
}

func TestPriceChannelKeepsNewest(t *testing.T) {
	hub := NewHub()
	sub, err := hub.Subscribe(PriceChannel("BTCUSDT"))
	require.NoError(t, err)
	defer sub.Close()

	total := priceBuffer + 10
	for i := 0; i < total; i++ {
		hub.Publish(PriceChannel("BTCUSDT"), textFrame(t, fmt.Sprintf("tick-%d", i)))
	}

	var got []string
	for len(got) < priceBuffer {
		select {
		case msg, ok := <-sub.C():
			require.True(t, ok, "subscription must survive price overflow")
			assert.Equal(t, PriceChannel("BTCUSDT"), msg.Channel)
			got = append(got, frameValue(t, msg))
		default:
			t.Fatalf("buffer drained early after %d frames", len(got))
		}
	}

	select {
	case msg := <-sub.C():
		t.Fatalf("unexpected extra frame %s", frameValue(t, msg))
	default:
	}

	assert.Equal(t, fmt.Sprintf("tick-%d", total-1), got[len(got)-1], "newest tick must survive")
	assert.NotContains(t, got, "tick-0", "oldest tick must be dropped first")
}

func TestCriticalChannelEvictsSlowSubscriber(t *testing.T) {
	hub := NewHub()
	channel := TradeChannel("user-1")
	sub, err := hub.Subscribe(channel)
	require.NoError(t, err)

	for i := 0; i < criticalBuffer; i++ {
		hub.Publish(channel, textFrame(t, fmt.Sprintf("trade-%d", i)))
	}
	require.Equal(t, 1, hub.ChannelSubscribers(channel))

	// One frame past capacity disconnects the subscriber instead of
	// losing a trade event.
	hub.Publish(channel, textFrame(t, "overflow"))
	assert.Equal(t, 0, hub.ChannelSubscribers(channel))

	drained := 0
	for range sub.C() {
		drained++
	}
	assert.Equal(t, criticalBuffer, drained, "buffered frames stay readable after eviction")
}

func TestPublishWithoutSubscribersIsNoop(t *testing.T) {
	hub := NewHub()
	hub.Publish(PriceChannel("BTCUSDT"), textFrame(t, "tick"))
	hub.Publish(SystemChannel, textFrame(t, "event"))
	assert.Equal(t, 0, hub.SubscriberCount())
}

func TestChannelsAreIsolated(t *testing.T) {
	hub := NewHub()
	alice, err := hub.Subscribe(TradeChannel("alice"))
	require.NoError(t, err)
	defer alice.Close()
	bob, err := hub.Subscribe(TradeChannel("bob"))
	require.NoError(t, err)
	defer bob.Close()

	hub.Publish(TradeChannel("alice"), textFrame(t, "fill"))

	select {
	case msg := <-alice.C():
		assert.Equal(t, "fill", frameValue(t, msg))
	case <-time.After(time.Second):
		t.Fatal("alice never received her trade frame")
	}

	select {
	case <-bob.C():
		t.Fatal("bob received a frame for alice's channel")
	default:
	}
}

func TestCloseEvictsEveryone(t *testing.T) {
	hub := NewHub()
	price, err := hub.Subscribe(PriceChannel("ETHUSDT"))
	require.NoError(t, err)
	system, err := hub.Subscribe(SystemChannel)
	require.NoError(t, err)

	hub.Close()

	_, ok := <-price.C()
	assert.False(t, ok)
	_, ok = <-system.C()
	assert.False(t, ok)
	assert.Equal(t, 0, hub.SubscriberCount())

	_, err = hub.Subscribe(SystemChannel)
	assert.Error(t, err, "subscribe after shutdown must fail")
}

func TestSubscriptionCloseIsIdempotent(t *testing.T) {
	hub := NewHub()
	sub, err := hub.Subscribe(SystemChannel)
	require.NoError(t, err)

	sub.Close()
	sub.Close()
	assert.Equal(t, 0, hub.SubscriberCount())
}

func TestConcurrentPriceFanout(t *testing.T) {
	hub := NewHub()
	sub, err := hub.Subscribe(PriceChannel("BTCUSDT"))
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for range sub.C() {
		}
	}()

	tick := Message{Type: "test", Data: json.RawMessage(`{"value":"tick"}`), Timestamp: time.Now()}
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				hub.Publish(PriceChannel("BTCUSDT"), tick)
			}
		}()
	}
	wg.Wait()

	sub.Close()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("reader never finished after close")
	}
}
