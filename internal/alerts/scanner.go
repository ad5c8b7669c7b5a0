package alerts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/neontrader/backend/internal/bus"
	"github.com/neontrader/backend/internal/db"
	"github.com/neontrader/backend/internal/indicators"
)

// opportunityTTL is how long a scanner finding stays valid. The same
// setup re-detected inside one window is deduplicated by fingerprint.
const opportunityTTL = 15 * time.Minute

// RSI levels the scanner treats as actionable.
const (
	rsiOversold   = 30.0
	rsiOverbought = 70.0
)

// Opportunity is a heuristic setup the scanner spotted on a watched
// symbol. It expires; stale recommendations are worse than none.
type Opportunity struct {
	Symbol     string          `json:"symbol"`
	Kind       string          `json:"kind"`
	Side       string          `json:"side"`
	Summary    string          `json:"summary"`
	Price      decimal.Decimal `json:"price"`
	DetectedAt time.Time       `json:"detected_at"`
	ExpiresAt  time.Time       `json:"expires_at"`
}

// Scanner sweeps the watchlist for indicator setups on a fixed
// cadence. It reads the price windows the alert engine already
// maintains from the live stream, so a symbol nobody polled recently
// simply has no window and is skipped.
type Scanner struct {
	db       *db.DB
	engine   *Engine
	notifier Notifier
	bus      *bus.Bus
	watch    []string

	mu   sync.Mutex
	seen map[string]time.Time
}

// NewScanner wires the scanner. notifier and b may be nil; findings
// are then only logged.
func NewScanner(database *db.DB, engine *Engine, notifier Notifier, b *bus.Bus, watch []string) *Scanner {
	return &Scanner{
		db:       database,
		engine:   engine,
		notifier: notifier,
		bus:      b,
		watch:    watch,
		seen:     make(map[string]time.Time),
	}
}

// Name implements the scheduler job interface.
func (s *Scanner) Name() string { return "opportunity_scan" }

// Run sweeps every watched symbol once.
func (s *Scanner) Run(ctx context.Context) error {
	now := time.Now()
	s.prune(now)

	var found int
	for _, symbol := range s.watch {
		closes := s.engine.Closes(symbol)
		for _, opp := range detect(symbol, closes, now) {
			if !s.mark(opp) {
				continue
			}
			found++
			log.Info().
				Str("symbol", opp.Symbol).
				Str("kind", opp.Kind).
				Str("side", opp.Side).
				Str("price", opp.Price.String()).
				Msg("Opportunity detected")
			s.publish(ctx, opp)
			if err := s.fanOut(ctx, opp); err != nil {
				return err
			}
		}
	}

	if found > 0 {
		log.Info().Int("opportunities", found).Msg("Opportunity scan finished")
	}
	return nil
}

// detect runs the indicator heuristics over one symbol's window. The
// slow EMA needs the longest warmup, so shorter windows return
// nothing rather than half-baked signals.
func detect(symbol string, closes []float64, now time.Time) []Opportunity {
	if len(closes) <= emaSlowPeriod {
		return nil
	}
	last := closes[len(closes)-1]
	price := decimal.NewFromFloat(last)
	expiry := now.Add(opportunityTTL)

	var opps []Opportunity

	add := func(kind, side, summary string) {
		opps = append(opps, Opportunity{
			Symbol:     symbol,
			Kind:       kind,
			Side:       side,
			Summary:    summary,
			Price:      price,
			DetectedAt: now,
			ExpiresAt:  expiry,
		})
	}

	if rsi, ok := latestRSI(closes, rsiPeriod); ok {
		switch {
		case rsi <= rsiOversold:
			add("rsi_oversold", "buy", fmt.Sprintf("RSI at %.1f signals oversold conditions on %s", rsi, symbol))
		case rsi >= rsiOverbought:
			add("rsi_overbought", "sell", fmt.Sprintf("RSI at %.1f signals overbought conditions on %s", rsi, symbol))
		}
	}

	if cross, err := indicators.EMACross(closes, emaFastPeriod, emaSlowPeriod); err == nil {
		switch cross.Signal {
		case indicators.CrossGolden:
			add("ema_cross", "buy", fmt.Sprintf("%d-period EMA crossed above the %d-period EMA on %s", emaFastPeriod, emaSlowPeriod, symbol))
		case indicators.CrossDeath:
			add("ema_cross", "sell", fmt.Sprintf("%d-period EMA crossed below the %d-period EMA on %s", emaFastPeriod, emaSlowPeriod, symbol))
		}
	}

	if bb, err := indicators.BollingerBands(closes, bbPeriod); err == nil {
		switch bb.Signal {
		case indicators.SignalSell:
			add("bollinger_breakout", "sell", fmt.Sprintf("%s closed at or above the upper Bollinger band", symbol))
		case indicators.SignalBuy:
			add("bollinger_breakout", "buy", fmt.Sprintf("%s closed at or below the lower Bollinger band", symbol))
		}
	}

	return opps
}

// opportunityFingerprint buckets the detection time to the TTL window
// so re-detections inside one window collapse to a single identity.
func opportunityFingerprint(opp Opportunity) string {
	window := opp.DetectedAt.Truncate(opportunityTTL).Unix()
	sum := sha256.Sum256([]byte(fmt.Sprintf("opportunity|%s|%s|%s|%d", opp.Symbol, opp.Kind, opp.Side, window)))
	return hex.EncodeToString(sum[:])
}

// mark records the finding and reports whether it is new. The
// notification unique index is the durable backstop; this map just
// keeps repeat scans from hammering it.
func (s *Scanner) mark(opp Opportunity) bool {
	fp := opportunityFingerprint(opp)
	s.mu.Lock()
	defer s.mu.Unlock()
	if expiry, ok := s.seen[fp]; ok && time.Now().Before(expiry) {
		return false
	}
	s.seen[fp] = opp.ExpiresAt
	return true
}

func (s *Scanner) prune(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for fp, expiry := range s.seen {
		if now.After(expiry) {
			delete(s.seen, fp)
		}
	}
}

// publish broadcasts the finding on the system stream.
func (s *Scanner) publish(ctx context.Context, opp Opportunity) {
	if s.bus == nil {
		return
	}
	ev, err := bus.NewEvent(bus.EventOpportunity, opp)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to encode opportunity event")
		return
	}
	ev.Symbol = opp.Symbol
	if err := s.bus.PublishSystemEvent(ctx, "opportunity", ev); err != nil {
		log.Warn().Err(err).Str("symbol", opp.Symbol).Msg("Failed to publish opportunity event")
	}
}

// fanOut delivers the finding as a recommendation notification to
// every user. Preference filtering happens in the notification
// service; the shared fingerprint makes delivery idempotent per user.
func (s *Scanner) fanOut(ctx context.Context, opp Opportunity) error {
	if s.notifier == nil {
		return nil
	}
	userIDs, err := s.db.ListUserIDs(ctx)
	if err != nil {
		return fmt.Errorf("failed to list opportunity recipients: %w", err)
	}

	fp := opportunityFingerprint(opp)
	for _, userID := range userIDs {
		s.notifier.Notify(ctx, &db.Notification{
			UserID:      userID,
			Type:        db.NotificationTypeOpportunity,
			Title:       "Opportunity on " + opp.Symbol,
			Body:        opp.Summary,
			Fingerprint: fp,
			Metadata: map[string]interface{}{
				"symbol":     opp.Symbol,
				"kind":       opp.Kind,
				"side":       opp.Side,
				"price":      opp.Price.String(),
				"expires_at": opp.ExpiresAt.Format(time.RFC3339),
			},
		})
	}
	return nil
}
