package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/neontrader/backend/internal/bus"
	"github.com/neontrader/backend/internal/db"
	"github.com/neontrader/backend/internal/market"
	"github.com/neontrader/backend/internal/metrics"
)

// historyCap bounds the per-symbol price window the indicator
// conditions evaluate over.
const historyCap = 96

// minVolumeSamples is the smallest window a volume-spike comparison
// will run against: the newest sample plus at least five baselines.
const minVolumeSamples = 6

// refreshInterval is how often the armed-alert cache reloads from the
// database. CRUD calls invalidate sooner.
const refreshInterval = 30 * time.Second

// evalTimeout bounds the work triggered by one price tick.
const evalTimeout = 10 * time.Second

// symbolWindow is the rolling observation history for one symbol.
type symbolWindow struct {
	closes  []float64
	volumes []float64
	lastAt  time.Time
}

// Engine evaluates armed alerts against the live price stream. Ticks
// are applied monotonically per symbol; synthetic quotes are ignored
// so fabricated prices never fire a user's alert or distort the
// indicator windows.
type Engine struct {
	db       *db.DB
	notifier Notifier

	mu      sync.Mutex
	windows map[string]*symbolWindow
	armed   map[string][]*db.Alert

	kick chan struct{}
	sub  *bus.Subscription
	stop chan struct{}
	done sync.WaitGroup
}

// NewEngine creates the evaluator. notifier may be nil; triggers are
// then recorded but not delivered.
func NewEngine(database *db.DB, notifier Notifier) *Engine {
	return &Engine{
		db:       database,
		notifier: notifier,
		windows:  make(map[string]*symbolWindow),
		armed:    make(map[string][]*db.Alert),
		kick:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
}

// Start loads the armed set, subscribes to the price stream and
// begins the cache refresh loop.
func (e *Engine) Start(b *bus.Bus) error {
	ctx, cancel := context.WithTimeout(context.Background(), evalTimeout)
	if err := e.Refresh(ctx); err != nil {
		log.Warn().Err(err).Msg("Initial alert load failed; refresh loop will retry")
	}
	cancel()

	sub, err := b.SubscribePrices(func(ev *bus.Event) error {
		var q market.Quote
		if err := json.Unmarshal(ev.Payload, &q); err != nil {
			return fmt.Errorf("malformed price event: %w", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), evalTimeout)
		defer cancel()
		e.HandleQuote(ctx, q)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to prices: %w", err)
	}
	e.sub = sub

	e.done.Add(1)
	go e.refreshLoop()

	log.Info().Msg("Alert engine started")
	return nil
}

// Stop unsubscribes and waits for the refresh loop to drain.
func (e *Engine) Stop() {
	close(e.stop)
	if e.sub != nil {
		_ = e.sub.Unsubscribe()
	}
	e.done.Wait()
}

// Invalidate schedules an immediate cache refresh. Safe to call from
// any goroutine; a refresh already pending absorbs the call.
func (e *Engine) Invalidate() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// Refresh reloads the armed-alert cache from the database.
func (e *Engine) Refresh(ctx context.Context) error {
	alerts, err := e.db.ListArmedAlerts(ctx)
	if err != nil {
		return fmt.Errorf("failed to load armed alerts: %w", err)
	}

	grouped := make(map[string][]*db.Alert, len(alerts))
	for _, alert := range alerts {
		grouped[alert.Symbol] = append(grouped[alert.Symbol], alert)
	}

	e.mu.Lock()
	e.armed = grouped
	e.mu.Unlock()
	return nil
}

// HandleQuote applies one tick: the observation window advances and
// every armed alert on the symbol is evaluated. A trigger is a
// compare-and-set on the alert row, so concurrent ticks cannot fire
// the same arming twice.
func (e *Engine) HandleQuote(ctx context.Context, q market.Quote) {
	if q.Symbol == "" || !q.Price.IsPositive() {
		return
	}
	if q.Synthetic {
		return
	}

	closes, volumes, fresh := e.observe(q)
	if !fresh {
		return
	}

	for _, alert := range e.armedFor(q.Symbol) {
		satisfied, detail := evaluate(alert, q, closes, volumes)
		if !satisfied {
			continue
		}
		e.trigger(ctx, alert, q, detail)
	}
}

// Closes returns a copy of the observed price window for a symbol.
// The opportunity scanner reads it to compute its heuristics.
func (e *Engine) Closes(symbol string) []float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	w := e.windows[symbol]
	if w == nil {
		return nil
	}
	return append([]float64(nil), w.closes...)
}

// observe appends the tick to the symbol's window and returns window
// copies. fresh is false when the tick does not move time forward.
func (e *Engine) observe(q market.Quote) (closes, volumes []float64, fresh bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	w := e.windows[q.Symbol]
	if w == nil {
		w = &symbolWindow{}
		e.windows[q.Symbol] = w
	}
	if !q.FetchedAt.After(w.lastAt) {
		return nil, nil, false
	}
	w.lastAt = q.FetchedAt
	w.closes = trimAppend(w.closes, q.Price.InexactFloat64())
	w.volumes = trimAppend(w.volumes, q.Volume24h.InexactFloat64())

	return append([]float64(nil), w.closes...), append([]float64(nil), w.volumes...), true
}

func trimAppend(window []float64, v float64) []float64 {
	if len(window) >= historyCap {
		window = window[1:]
	}
	return append(window, v)
}

// armedFor returns the cached armed alerts for a symbol.
func (e *Engine) armedFor(symbol string) []*db.Alert {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*db.Alert(nil), e.armed[symbol]...)
}

// forget drops an alert from the cache after it left armed state.
func (e *Engine) forget(alert *db.Alert) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cached := e.armed[alert.Symbol]
	for i, a := range cached {
		if a.ID == alert.ID {
			e.armed[alert.Symbol] = append(cached[:i], cached[i+1:]...)
			break
		}
	}
}

// trigger attempts the armed->triggered transition and, on winning
// it, delivers the notification.
func (e *Engine) trigger(ctx context.Context, alert *db.Alert, q market.Quote, detail string) {
	won, err := e.db.TriggerAlert(ctx, alert.ID)
	if err != nil {
		log.Error().Err(err).Str("alert_id", alert.ID.String()).Msg("Failed to trigger alert")
		return
	}
	e.forget(alert)
	if !won {
		return
	}

	metrics.RecordAlertTriggered(string(alert.Condition))
	log.Info().
		Str("alert_id", alert.ID.String()).
		Str("user_id", alert.UserID.String()).
		Str("symbol", alert.Symbol).
		Str("condition", string(alert.Condition)).
		Str("price", q.Price.String()).
		Msg("Alert triggered")

	if e.notifier == nil {
		return
	}
	e.notifier.Notify(ctx, &db.Notification{
		UserID:      alert.UserID,
		Type:        db.NotificationTypeAlert,
		Title:       "Alert triggered: " + alert.Symbol,
		Body:        detail,
		Fingerprint: fmt.Sprintf("alert:%s:%d", alert.ID, q.FetchedAt.Unix()),
		Metadata: map[string]interface{}{
			"alert_id":  alert.ID.String(),
			"symbol":    alert.Symbol,
			"condition": string(alert.Condition),
			"threshold": alert.Threshold.String(),
			"price":     q.Price.String(),
		},
	})
}

// evaluate reports whether a quote satisfies an alert's condition and
// renders the human detail for the notification.
func evaluate(alert *db.Alert, q market.Quote, closes, volumes []float64) (bool, string) {
	switch alert.Condition {
	case db.AlertPriceAbove:
		if q.Price.GreaterThanOrEqual(alert.Threshold) {
			return true, fmt.Sprintf("%s rose to %s, at or above your %s threshold",
				alert.Symbol, q.Price, alert.Threshold)
		}
	case db.AlertPriceBelow:
		if q.Price.LessThanOrEqual(alert.Threshold) {
			return true, fmt.Sprintf("%s fell to %s, at or below your %s threshold",
				alert.Symbol, q.Price, alert.Threshold)
		}
	case db.AlertRSIAbove:
		if rsi, ok := latestRSI(closes, rsiPeriod); ok && rsi >= alert.Threshold.InexactFloat64() {
			return true, fmt.Sprintf("%s RSI reached %.1f, above your %s threshold",
				alert.Symbol, rsi, alert.Threshold)
		}
	case db.AlertRSIBelow:
		if rsi, ok := latestRSI(closes, rsiPeriod); ok && rsi <= alert.Threshold.InexactFloat64() {
			return true, fmt.Sprintf("%s RSI dropped to %.1f, below your %s threshold",
				alert.Symbol, rsi, alert.Threshold)
		}
	case db.AlertVolumeSpike:
		if ratio, ok := volumeRatio(volumes); ok && ratio >= alert.Threshold.InexactFloat64() {
			return true, fmt.Sprintf("%s 24h volume is %.1fx its recent average",
				alert.Symbol, ratio)
		}
	}
	return false, ""
}

// volumeRatio compares the newest 24h volume against the average of
// the prior window.
func volumeRatio(volumes []float64) (float64, bool) {
	if len(volumes) < minVolumeSamples {
		return 0, false
	}
	current := volumes[len(volumes)-1]
	prior := volumes[:len(volumes)-1]

	var sum float64
	for _, v := range prior {
		sum += v
	}
	avg := sum / float64(len(prior))
	if avg <= 0 {
		return 0, false
	}
	return current / avg, true
}

// refreshLoop reloads the armed cache on a timer and on demand.
func (e *Engine) refreshLoop() {
	defer e.done.Done()
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
		case <-e.kick:
		}
		ctx, cancel := context.WithTimeout(context.Background(), evalTimeout)
		if err := e.Refresh(ctx); err != nil {
			log.Warn().Err(err).Msg("Alert cache refresh failed")
		}
		cancel()
	}
}
