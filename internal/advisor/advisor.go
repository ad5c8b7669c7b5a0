// Package advisor produces short market analyses for the AI assistant
// endpoints. A text-completion provider supplies the analysis when one
// is configured and healthy; otherwise a deterministic rule-based
// write-up built from the live quote is returned and flagged degraded,
// so the endpoint never fails on provider trouble.
package advisor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/neontrader/backend/internal/apperr"
	"github.com/neontrader/backend/internal/market"
	"github.com/neontrader/backend/internal/risk"
)

// providerTimeout bounds one completion call. The provider is the
// slowest upstream in the system and must never hold an API handler
// beyond this.
const providerTimeout = 10 * time.Second

// BreakerProvider names the circuit breaker guarding completion calls.
const BreakerProvider = "ai:provider"

// QuoteSource supplies the market context for an analysis.
type QuoteSource interface {
	Quote(ctx context.Context, symbol string) (market.Quote, error)
}

// Provider is an opaque text-completion service.
type Provider interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Analysis is one generated market commentary.
type Analysis struct {
	Symbol      string       `json:"symbol"`
	Text        string       `json:"analysis"`
	Quote       market.Quote `json:"market_data"`
	Degraded    bool         `json:"degraded"`
	Source      string       `json:"source"`
	GeneratedAt time.Time    `json:"timestamp"`
}

// Advisor generates analyses. A nil provider leaves the advisor in
// permanent rule-based mode.
type Advisor struct {
	provider Provider
	quotes   QuoteSource
	breakers *risk.BreakerRegistry
}

// New creates the advisor. provider may be nil when no key is
// configured.
func New(provider Provider, quotes QuoteSource, breakers *risk.BreakerRegistry) *Advisor {
	return &Advisor{provider: provider, quotes: quotes, breakers: breakers}
}

// Enabled reports whether a completion provider is configured.
func (a *Advisor) Enabled() bool { return a.provider != nil }

// Analyze produces a market commentary for the symbol. The quote is
// required; the provider is optional and any failure there degrades to
// the rule-based text instead of surfacing an error.
func (a *Advisor) Analyze(ctx context.Context, symbol string) (*Analysis, error) {
	quote, err := a.quotes.Quote(ctx, symbol)
	if err != nil {
		if errors.Is(err, market.ErrUnknownSymbol) {
			return nil, apperr.Newf(apperr.KindValidation, "unknown symbol: %s", symbol)
		}
		return nil, apperr.Wrap(apperr.KindUpstream, "market data unavailable", err)
	}

	analysis := &Analysis{
		Symbol:      quote.Symbol,
		Quote:       quote,
		GeneratedAt: time.Now().UTC(),
	}

	if a.provider == nil || quote.Synthetic {
		analysis.Text = ruleAnalysis(quote)
		analysis.Degraded = true
		analysis.Source = "rules"
		return analysis, nil
	}

	var text string
	err = a.breakers.Execute(BreakerProvider, func() error {
		callCtx, cancel := context.WithTimeout(ctx, providerTimeout)
		defer cancel()

		completed, completeErr := a.provider.Complete(callCtx, buildPrompt(quote))
		if completeErr != nil {
			return completeErr
		}
		text = strings.TrimSpace(completed)
		if text == "" {
			return fmt.Errorf("provider returned empty analysis")
		}
		return nil
	})
	if err != nil {
		log.Warn().Err(err).Str("symbol", quote.Symbol).Msg("AI provider unavailable, serving rule-based analysis")
		analysis.Text = ruleAnalysis(quote)
		analysis.Degraded = true
		analysis.Source = "rules"
		return analysis, nil
	}

	analysis.Text = text
	analysis.Source = "provider"
	return analysis, nil
}

// buildPrompt renders the market context the provider analyzes. The
// prompt never includes user data.
func buildPrompt(q market.Quote) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are a financial analyst. Analyze %s (%s).\n\n", q.Symbol, q.AssetClass)
	fmt.Fprintf(&b, "Current price: $%s\n", q.Price.StringFixed(2))
	fmt.Fprintf(&b, "24h change: %s%%\n", q.Change24hPct.StringFixed(2))
	if !q.High24h.IsZero() {
		fmt.Fprintf(&b, "24h high: $%s\n", q.High24h.StringFixed(2))
	}
	if !q.Low24h.IsZero() {
		fmt.Fprintf(&b, "24h low: $%s\n", q.Low24h.StringFixed(2))
	}
	if !q.Volume24h.IsZero() {
		fmt.Fprintf(&b, "24h volume: %s\n", q.Volume24h.StringFixed(0))
	}
	b.WriteString("\nProvide a concise technical analysis covering: ")
	b.WriteString("1) current trend direction with reasoning, ")
	b.WriteString("2) key support and resistance levels, ")
	b.WriteString("3) a trade recommendation (buy/sell/wait) with rationale, ")
	b.WriteString("4) suggested risk management. ")
	b.WriteString("Keep it short and actionable.")
	return b.String()
}

// ruleAnalysis is the deterministic fallback: trend from the 24h
// change, support at the 24h low, resistance at the 24h high. Same
// inputs always produce the same text.
func ruleAnalysis(q market.Quote) string {
	trend := "moving sideways"
	switch {
	case q.Change24hPct.GreaterThan(decimal.NewFromInt(2)):
		trend = "in a clear uptrend"
	case q.Change24hPct.GreaterThan(decimal.Zero):
		trend = "trending slightly higher"
	case q.Change24hPct.LessThan(decimal.NewFromInt(-2)):
		trend = "in a clear downtrend"
	case q.Change24hPct.LessThan(decimal.Zero):
		trend = "trending slightly lower"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Technical overview for %s: the price of $%s is %s over the last 24 hours (%s%%).",
		q.Symbol, q.Price.StringFixed(2), trend, q.Change24hPct.StringFixed(2))
	if !q.Low24h.IsZero() && !q.High24h.IsZero() {
		fmt.Fprintf(&b, " Support sits near the 24h low of $%s and resistance near the 24h high of $%s.",
			q.Low24h.StringFixed(2), q.High24h.StringFixed(2))
	}
	b.WriteString(" Wait for a confirmed move beyond these levels before entering, and size positions within your per-trade risk limit.")
	return b.String()
}
