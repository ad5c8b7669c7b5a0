// Package trading routes order submissions through the operating-mode,
// risk, and circuit-breaker gates to an exchange adapter, and keeps
// the portfolio books consistent with what the venue reports.
//
// Submissions are serialized per user: the risk verdict is computed
// against a portfolio snapshot that cannot change until the order is
// recorded. Everything downstream of the adapter call runs on a
// detached context so a caller hanging up mid-flight never loses a
// fill.
package trading

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/neontrader/backend/internal/apperr"
	"github.com/neontrader/backend/internal/audit"
	"github.com/neontrader/backend/internal/bus"
	"github.com/neontrader/backend/internal/db"
	"github.com/neontrader/backend/internal/exchange"
	"github.com/neontrader/backend/internal/market"
	"github.com/neontrader/backend/internal/metrics"
	"github.com/neontrader/backend/internal/portfolio"
	"github.com/neontrader/backend/internal/risk"
)

// Mode is a user's operating mode. It decides whether an order is
// merely recorded, queued for approval, or submitted directly.
type Mode string

const (
	// ModeLearningOnly records and scores orders without ever
	// reaching an adapter.
	ModeLearningOnly Mode = "learning_only"
	// ModeAssisted queues automated orders for explicit approval;
	// manual orders submit directly.
	ModeAssisted Mode = "assisted"
	// ModeAutopilot submits every order directly.
	ModeAutopilot Mode = "autopilot"
)

// ParseMode validates a mode string from the API or config.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeLearningOnly:
		return ModeLearningOnly, nil
	case ModeAssisted:
		return ModeAssisted, nil
	case ModeAutopilot:
		return ModeAutopilot, nil
	default:
		return "", apperr.Newf(apperr.KindValidation, "invalid mode %q: must be learning_only, assisted, or autopilot", s)
	}
}

// OrderSource distinguishes user-entered orders from ones generated
// by signals. Only automated orders queue for approval in assisted
// mode.
type OrderSource string

const (
	SourceManual    OrderSource = "manual"
	SourceAutomated OrderSource = "automated"
)

// adapterTimeout bounds a venue call once the order is committed to
// submission. It is independent of the caller's deadline: an order in
// flight runs to completion.
const adapterTimeout = 15 * time.Second

// OrderRequest is one order submission entering the router.
type OrderRequest struct {
	UserID     uuid.UUID
	Symbol     string
	Side       db.TradeSide
	Type       db.TradeType
	Quantity   decimal.Decimal
	LimitPrice *decimal.Decimal
	// StopLoss and TakeProfit attach protective exit levels to the
	// position the order opens.
	StopLoss   *decimal.Decimal
	TakeProfit *decimal.Decimal
	Source     OrderSource
	// IdempotencyKey makes retried submissions safe: a replay returns
	// the originally recorded trade.
	IdempotencyKey string
	// SignalReason carries the automated signal's context into the
	// approval intent and audit trail.
	SignalReason string
}

// Validate rejects malformed requests before any state is touched.
func (req OrderRequest) Validate() error {
	if req.UserID == uuid.Nil {
		return apperr.New(apperr.KindValidation, "user id is required")
	}
	if strings.TrimSpace(req.Symbol) == "" {
		return apperr.New(apperr.KindValidation, "symbol is required")
	}
	if req.Side != db.TradeSideBuy && req.Side != db.TradeSideSell {
		return apperr.Newf(apperr.KindValidation, "invalid side %q", req.Side)
	}
	if req.Type != db.TradeTypeMarket && req.Type != db.TradeTypeLimit {
		return apperr.Newf(apperr.KindValidation, "invalid order type %q: submissions are market or limit", req.Type)
	}
	if !req.Quantity.IsPositive() {
		return apperr.New(apperr.KindValidation, "quantity must be positive")
	}
	if req.Type == db.TradeTypeLimit && (req.LimitPrice == nil || !req.LimitPrice.IsPositive()) {
		return apperr.New(apperr.KindValidation, "limit orders need a positive limit price")
	}
	if req.StopLoss != nil && !req.StopLoss.IsPositive() {
		return apperr.New(apperr.KindValidation, "stop loss must be positive")
	}
	if req.TakeProfit != nil && !req.TakeProfit.IsPositive() {
		return apperr.New(apperr.KindValidation, "take profit must be positive")
	}
	if req.Source == "" {
		return apperr.New(apperr.KindValidation, "order source is required")
	}
	return nil
}

// Result is the outcome of a submission. Exactly one of Trade or
// Approval is the primary artifact: Approval when the order queued
// for assisted-mode confirmation, Trade otherwise.
type Result struct {
	Trade    *db.Trade
	Approval *db.Approval
	Verdict  risk.Verdict
	// Replayed marks an idempotency-key hit returning the original
	// trade.
	Replayed bool
	// Warning surfaces non-fatal conditions, such as the caller
	// cancelling after the order was already in flight.
	Warning string
}

// MarketData is the quote surface the router needs. *market.Aggregator
// satisfies it.
type MarketData interface {
	Quote(ctx context.Context, symbol string) (market.Quote, error)
	QuoteFresh(ctx context.Context, symbol string, maxAge time.Duration) (market.Quote, error)
}

// Notifier delivers user-facing notifications. Delivery failures are
// the implementation's problem; the router never blocks an order on
// them.
type Notifier interface {
	Notify(ctx context.Context, n *db.Notification)
}

// Config carries the tunables the router reads.
type Config struct {
	// QuoteMaxAge is the oldest quote an order may execute against.
	QuoteMaxAge time.Duration
	// ApprovalTTL is how long an assisted-mode approval stays open.
	ApprovalTTL time.Duration
}

func (c Config) normalize() Config {
	if c.QuoteMaxAge <= 0 {
		c.QuoteMaxAge = 5 * time.Second
	}
	if c.ApprovalTTL <= 0 {
		c.ApprovalTTL = 5 * time.Minute
	}
	return c
}

// Router is the order-submission pipeline.
type Router struct {
	db        *db.DB
	accounts  *portfolio.Accountant
	engine    *risk.Engine
	breakers  *risk.BreakerRegistry
	quotes    MarketData
	platforms *Platforms
	notifier  Notifier
	bus       *bus.Bus
	audit     *audit.Logger
	idem      *IdempotencyStore
	cfg       Config

	kill killState

	lockMu sync.Mutex
	locks  map[uuid.UUID]*sync.Mutex
}

// NewRouter wires the pipeline. A risk_threshold breaker trip engages
// the global kill switch; the hook runs the engagement on its own
// goroutine because the trip fires inside a submission that still
// holds a user lock.
func NewRouter(database *db.DB, accounts *portfolio.Accountant, engine *risk.Engine, breakers *risk.BreakerRegistry, quotes MarketData, platforms *Platforms, notifier Notifier, b *bus.Bus, auditLog *audit.Logger, idem *IdempotencyStore, cfg Config) *Router {
	r := &Router{
		db:        database,
		accounts:  accounts,
		engine:    engine,
		breakers:  breakers,
		quotes:    quotes,
		platforms: platforms,
		notifier:  notifier,
		bus:       b,
		audit:     auditLog,
		idem:      idem,
		cfg:       cfg.normalize(),
		locks:     make(map[uuid.UUID]*sync.Mutex),
	}

	breakers.AddHook(func(change risk.StateChange) {
		if change.Name != risk.BreakerRiskThreshold || change.To != risk.StateOpen {
			return
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			if _, err := r.EngageKillSwitch(ctx, "system", nil, ReasonCircuitBreaker); err != nil {
				log.Error().Err(err).Msg("Failed to engage kill switch after risk breaker trip")
			}
		}()
	})

	return r
}

// userLock returns the submission mutex for a user, creating it on
// first use. Locks are never removed; the set is bounded by the user
// population.
func (r *Router) userLock(userID uuid.UUID) *sync.Mutex {
	r.lockMu.Lock()
	defer r.lockMu.Unlock()
	mu, ok := r.locks[userID]
	if !ok {
		mu = &sync.Mutex{}
		r.locks[userID] = mu
	}
	return mu
}

// SubmitOrder runs one order through mode selection and, when the
// mode permits, the full submission pipeline. Risk denials return
// KindRiskDenied without writing a trade row; everything past the
// adapter call is recorded even if the caller goes away.
func (r *Router) SubmitOrder(ctx context.Context, req OrderRequest) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	req.Symbol = strings.ToUpper(strings.TrimSpace(req.Symbol))

	if req.IdempotencyKey != "" {
		if prior, ok := r.replay(ctx, req.UserID, req.IdempotencyKey); ok {
			return &Result{Trade: prior, Replayed: true}, nil
		}
	}

	user, err := r.db.GetUserByID(ctx, req.UserID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, apperr.New(apperr.KindNotFound, "user not found")
		}
		return nil, apperr.Wrap(apperr.KindInternal, "failed to load user", err)
	}
	mode := Mode(user.TradingMode)

	mu := r.userLock(req.UserID)
	mu.Lock()
	defer mu.Unlock()

	snap, err := r.gate(ctx, req.UserID)
	if err != nil {
		return nil, err
	}

	switch {
	case mode == ModeLearningOnly:
		return r.recordLearning(ctx, req, snap)
	case mode == ModeAssisted && req.Source == SourceAutomated:
		return r.queueApproval(ctx, req, snap)
	}

	return r.execute(ctx, req, mode, snap, nil)
}

// gate rejects new orders while the global kill switch is engaged or
// the user's portfolio is frozen. Closes are exempt; they reduce
// exposure. The snapshot is returned so the pipeline evaluates the
// same state it was gated on.
func (r *Router) gate(ctx context.Context, userID uuid.UUID) (*portfolio.Snapshot, error) {
	if engaged, reason := r.kill.globalState(); engaged {
		return nil, apperr.New(apperr.KindForbidden, "trading halted: kill switch engaged").
			WithDetail("reason", reason)
	}
	snap, err := r.accounts.Snapshot(ctx, userID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "failed to load portfolio", err)
	}
	if snap.Frozen(time.Now().UTC()) {
		return nil, apperr.New(apperr.KindForbidden, "trading halted: portfolio frozen").
			WithDetail("reason", snap.FrozenReason).
			WithDetail("frozen_until", snap.FrozenUntil)
	}
	return snap, nil
}

// recordLearning writes the scored order without submitting it. The
// row lands terminal so nothing downstream ever picks it up.
func (r *Router) recordLearning(ctx context.Context, req OrderRequest, snap *portfolio.Snapshot) (*Result, error) {
	quote, err := r.quotes.Quote(ctx, req.Symbol)
	if err != nil {
		if errors.Is(err, market.ErrUnknownSymbol) {
			return nil, apperr.Newf(apperr.KindValidation, "unknown symbol %s", req.Symbol)
		}
		return nil, apperr.Wrap(apperr.KindUpstream, "quote unavailable", err)
	}

	verdict := r.evaluate(req, snap, quote.Price)
	note := fmt.Sprintf("learning_only: verdict=%s", verdict.Kind)
	if verdict.Kind == risk.VerdictDeny {
		note = fmt.Sprintf("learning_only: verdict=%s (%s)", verdict.Kind, verdict.Reason)
	}

	now := time.Now().UTC()
	trade := &db.Trade{
		UserID:        req.UserID,
		PortfolioID:   snap.PortfolioID,
		Symbol:        req.Symbol,
		Exchange:      exchange.VenuePaper,
		ExecutionKind: db.ExecutionPaper,
		Side:          req.Side,
		Type:          req.Type,
		Status:        db.TradeStatusCanceled,
		Quantity:      req.Quantity,
		LimitPrice:    req.LimitPrice,
		StopLoss:      req.StopLoss,
		TakeProfit:    req.TakeProfit,
		QuotePrice:    &quote.Price,
		QuoteSource:   quote.Source,
		QuoteAt:       &quote.FetchedAt,
		Mode:          string(ModeLearningOnly),
		ErrorMessage:  &note,
		PlacedAt:      now,
		CanceledAt:    &now,
	}
	if req.IdempotencyKey != "" {
		trade.IdempotencyKey = &req.IdempotencyKey
	}
	if err := r.insertTrade(ctx, trade, req); err != nil {
		return nil, err
	}

	r.notify(ctx, req.UserID, db.NotificationTypeTrade,
		"Order recorded (learning mode)",
		fmt.Sprintf("%s %s %s at ~%s was scored but not submitted", req.Side, req.Quantity, req.Symbol, quote.Price),
		"trade:"+trade.ID.String(),
		map[string]interface{}{"trade_id": trade.ID.String(), "verdict": string(verdict.Kind)})
	r.publishTrade(ctx, bus.EventTradeRecorded, trade)

	return &Result{Trade: trade, Verdict: verdict}, nil
}

// execute runs the submission pipeline: fresh quote, risk verdict,
// breaker gates, platform choice, adapter call, then portfolio
// recording. existing is non-nil on the approval path, where a queued
// trade row was written when the intent was enqueued.
func (r *Router) execute(ctx context.Context, req OrderRequest, mode Mode, snap *portfolio.Snapshot, existing *db.Trade) (*Result, error) {
	start := time.Now()

	quote, err := r.quotes.QuoteFresh(ctx, req.Symbol, r.cfg.QuoteMaxAge)
	if err != nil {
		return nil, r.rejectQuote(ctx, req, existing, err)
	}
	if quote.Synthetic {
		err := apperr.Newf(apperr.KindUpstream, "no live quote for %s: all sources degraded", req.Symbol)
		return nil, r.reject(ctx, existing, err.Message, err)
	}

	// A reducing order sheds exposure; the engine only gates orders
	// that add it. Flips are rejected so a position never silently
	// reverses through one oversized order.
	opposing := findOpposing(snap.Positions, req.Symbol, req.Side)
	reducing := opposing != nil && req.Quantity.LessThanOrEqual(opposing.Quantity)
	if opposing != nil && !reducing {
		err := apperr.Newf(apperr.KindValidation,
			"order quantity %s exceeds open %s position %s: close the position first",
			req.Quantity, opposing.Side, opposing.Quantity)
		return nil, r.reject(ctx, existing, err.Message, err)
	}

	verdict := risk.Verdict{Kind: risk.VerdictAllow}
	if !reducing {
		verdict = r.evaluate(req, snap, referencePrice(req, quote.Price))
		metrics.RecordRiskVerdict(strings.ToLower(string(verdict.Kind)))

		if verdict.KillSwitch {
			r.engageUserLocked(ctx, req.UserID, ReasonDailyDrawdown)
		}
		if verdict.Kind == risk.VerdictDeny {
			r.countRiskDenial(verdict.Reason)
			err := apperr.New(apperr.KindRiskDenied, "order denied by risk engine").
				WithDetail("reason", verdict.Reason).
				WithDetail("advisory_quantity", verdict.Advisory.String())
			return nil, r.reject(ctx, existing, verdict.Reason, err)
		}
		if verdict.Kind == risk.VerdictReduce {
			req.Quantity = verdict.NewQuantity
		}
	}

	for _, name := range []string{risk.BreakerExchangeAPI, risk.BreakerTradeExecution} {
		if state := r.breakers.State(name); state == risk.StateOpen {
			err := apperr.Newf(apperr.KindBreakerOpen, "trading suspended: %s circuit breaker open", name).
				WithRetryAfter(30 * time.Second)
			return nil, r.reject(ctx, existing, err.Message, err)
		}
	}

	venue, platform, execKind, err := r.platforms.ChooseFor(ctx, req.UserID)
	if err != nil {
		return nil, r.reject(ctx, existing, "platform selection failed", err)
	}
	venueName := venue.Name()

	trade := existing
	if trade == nil {
		trade = r.buildTrade(req, snap.PortfolioID, mode, venueName, execKind, quote)
		if err := r.insertTrade(ctx, trade, req); err != nil {
			return nil, err
		}
	} else {
		trade.Exchange = venueName
		trade.ExecutionKind = execKind
		if err := r.db.RouteTrade(ctx, trade.ID, venueName, execKind, quote.Price, quote.Source, quote.FetchedAt); err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "failed to route trade", err)
		}
	}

	// The venue call and everything after it run detached: a caller
	// hanging up now gets a warning, not a lost fill.
	execCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), adapterTimeout)
	defer cancel()

	order, err := r.placeOrder(execCtx, venue, venueName, req)
	if err != nil {
		return nil, r.rejectPlaced(execCtx, trade, venueName, err)
	}
	if order.ID != "" {
		trade.ExchangeOrderID = &order.ID
		if err := r.db.SetTradeExchangeOrderID(execCtx, trade.ID, order.ID); err != nil {
			log.Warn().Err(err).Str("trade_id", trade.ID.String()).Msg("Failed to stamp exchange order id")
		}
	}

	result := &Result{Verdict: verdict}
	switch order.Status {
	case exchange.OrderStatusFilled:
		filled, err := r.recordFill(execCtx, trade, req, order, quote)
		if err != nil {
			return nil, err
		}
		result.Trade = filled
	case exchange.OrderStatusOpen, exchange.OrderStatusPending:
		if err := r.db.UpdateTradeStatus(execCtx, trade.ID, db.TradeStatusQueued, nil); err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "failed to queue trade", err)
		}
		trade.Status = db.TradeStatusQueued
		result.Trade = trade
		r.notify(execCtx, req.UserID, db.NotificationTypeTrade,
			"Order resting",
			fmt.Sprintf("%s %s %s waiting for %s on %s", req.Side, req.Quantity, req.Symbol, limitPriceString(req), venueName),
			"trade:"+trade.ID.String()+":queued",
			map[string]interface{}{"trade_id": trade.ID.String()})
		r.publishTrade(execCtx, bus.EventTradeQueued, trade)
	default:
		msg := fmt.Sprintf("venue rejected order (%s)", order.Status)
		return nil, r.rejectPlaced(execCtx, trade, venueName, apperr.New(apperr.KindUpstream, msg))
	}

	metrics.RecordTrade(venueName, string(req.Side), string(result.Trade.Status))
	metrics.RecordOrderExecution(float64(time.Since(start).Milliseconds()))
	r.auditTrade(execCtx, audit.EventTypeTradePlaced, req.UserID, result.Trade.ID, map[string]interface{}{
		"symbol":         req.Symbol,
		"side":           string(req.Side),
		"quantity":       req.Quantity.String(),
		"exchange":       venueName,
		"execution_kind": string(execKind),
		"mode":           string(mode),
	}, true, "")

	if platform != nil {
		log.Debug().
			Str("platform_id", platform.ID.String()).
			Str("trade_id", result.Trade.ID.String()).
			Msg("Order routed to live platform")
	}
	if ctx.Err() != nil {
		result.Warning = "request cancelled after submission; the order was already in flight and has been recorded"
	}
	return result, nil
}

// placeOrder wraps the venue call in both trading breakers so a
// failing execution path trips them, and the open state short-circuits
// before the venue is touched.
func (r *Router) placeOrder(ctx context.Context, venue exchange.Exchange, venueName string, req OrderRequest) (*exchange.Order, error) {
	placeReq := exchange.PlaceOrderRequest{
		Symbol:   req.Symbol,
		Side:     exchange.OrderSide(req.Side),
		Type:     exchange.OrderType(req.Type),
		Quantity: req.Quantity,
	}
	if req.Type == db.TradeTypeLimit && req.LimitPrice != nil {
		placeReq.Price = *req.LimitPrice
	}

	var order *exchange.Order
	err := r.breakers.Execute(risk.BreakerExchangeAPI, func() error {
		return r.breakers.Execute(risk.BreakerTradeExecution, func() error {
			placed, placeErr := venue.PlaceOrder(ctx, placeReq)
			if placeErr != nil {
				return exchange.Classify(venueName, placeErr)
			}
			order = placed
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

// recordFill applies the fill to the books. The accountant writes the
// position, trade fill, balances and journal row in one transaction.
func (r *Router) recordFill(ctx context.Context, trade *db.Trade, req OrderRequest, order *exchange.Order, quote market.Quote) (*db.Trade, error) {
	fillPrice := order.AvgFillPrice
	if !fillPrice.IsPositive() {
		fillPrice = quote.Price
	}
	quantity := order.FilledQty
	if !quantity.IsPositive() {
		quantity = req.Quantity
	}

	res, err := r.accounts.ApplyFill(ctx, req.UserID, portfolio.Fill{
		TradeID:    trade.ID,
		Symbol:     req.Symbol,
		Exchange:   trade.Exchange,
		Side:       req.Side,
		Quantity:   quantity,
		Price:      fillPrice,
		StopLoss:   req.StopLoss,
		TakeProfit: req.TakeProfit,
	})
	if err != nil {
		if errors.Is(err, portfolio.ErrInsufficientCash) {
			reject := apperr.New(apperr.KindRiskDenied, "insufficient cash for order notional")
			return nil, r.rejectPlaced(ctx, trade, trade.Exchange, reject)
		}
		return nil, apperr.Wrap(apperr.KindInternal, "fill recorded by venue but portfolio update failed", err)
	}

	updated, err := r.db.GetTrade(ctx, trade.ID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "failed to reload trade", err)
	}

	title := "Trade executed"
	body := fmt.Sprintf("%s %s %s filled at %s on %s", req.Side, quantity, req.Symbol, fillPrice, trade.Exchange)
	if res.Closed || (res.RealizedPnL.Sign() != 0) {
		body = fmt.Sprintf("%s (realized P&L %s)", body, res.RealizedPnL)
	}
	r.notify(ctx, req.UserID, db.NotificationTypeTrade, title, body,
		"trade:"+trade.ID.String()+":filled",
		map[string]interface{}{
			"trade_id":   trade.ID.String(),
			"fill_price": fillPrice.String(),
			"equity":     res.Equity.String(),
		})
	r.publishTrade(ctx, bus.EventTradeFilled, updated)
	return updated, nil
}

// evaluate maps a request and portfolio snapshot onto the risk
// engine's inputs.
func (r *Router) evaluate(req OrderRequest, snap *portfolio.Snapshot, refPrice decimal.Decimal) risk.Verdict {
	stopDistance := decimal.Zero
	if req.StopLoss != nil {
		stopDistance = refPrice.Sub(*req.StopLoss).Abs()
	}
	return r.engine.Evaluate(risk.Input{
		Quantity:       req.Quantity,
		ReferencePrice: refPrice,
		TotalBalance:   snap.TotalBalance,
		Equity:         snap.Equity,
		DayStartEquity: snap.DayStartEquity,
		OpenExposure:   snap.OpenExposure,
		StopDistance:   stopDistance,
	})
}

// countRiskDenial feeds the risk_threshold breaker. Enough denials in
// its window trip it, which engages the kill switch through the
// registry hook.
func (r *Router) countRiskDenial(reason string) {
	_ = r.breakers.Execute(risk.BreakerRiskThreshold, func() error {
		return fmt.Errorf("risk denial: %s", reason)
	})
}

// rejectQuote translates quote failures at order time. A stale quote
// is an upstream fault the caller can retry; an unknown symbol is the
// caller's mistake.
func (r *Router) rejectQuote(ctx context.Context, req OrderRequest, existing *db.Trade, err error) error {
	switch {
	case errors.Is(err, market.ErrUnknownSymbol):
		verr := apperr.Newf(apperr.KindValidation, "unknown symbol %s", req.Symbol)
		return r.reject(ctx, existing, verr.Message, verr)
	case errors.Is(err, market.ErrQuoteStale):
		serr := apperr.Wrap(apperr.KindUpstream, "quote too old to trade on", err)
		return r.reject(ctx, existing, "stale quote", serr)
	default:
		uerr := apperr.Wrap(apperr.KindUpstream, "quote unavailable", err)
		return r.reject(ctx, existing, "quote unavailable", uerr)
	}
}

// reject finalizes a failed submission. Direct submissions have no
// trade row yet and leave none behind; approval-path rows flip to
// rejected with the cause.
func (r *Router) reject(ctx context.Context, existing *db.Trade, detail string, err error) error {
	if existing != nil {
		if uerr := r.db.UpdateTradeStatus(ctx, existing.ID, db.TradeStatusRejected, &detail); uerr != nil {
			log.Error().Err(uerr).Str("trade_id", existing.ID.String()).Msg("Failed to mark trade rejected")
		}
		existing.Status = db.TradeStatusRejected
		r.publishTrade(ctx, bus.EventTradeRejected, existing)
	}
	return err
}

// rejectPlaced finalizes a submission whose trade row exists. The row
// flips to rejected, the failure is audited, and breaker-open faults
// carry a retry hint.
func (r *Router) rejectPlaced(ctx context.Context, trade *db.Trade, venueName string, err error) error {
	var out error
	switch {
	case errors.Is(err, risk.ErrBreakerOpen):
		out = apperr.Wrap(apperr.KindBreakerOpen, "trading suspended: circuit breaker open", err).
			WithRetryAfter(30 * time.Second)
	default:
		var exErr *exchange.Error
		if errors.As(err, &exErr) {
			metrics.RecordError(metrics.NormalizeExchangeError(exErr), "trading")
			out = exchange.ToAppError(exErr)
		} else {
			out = apperr.AsError(err)
		}
	}

	detail := apperr.AsError(out).Message
	if uerr := r.db.UpdateTradeStatus(ctx, trade.ID, db.TradeStatusRejected, &detail); uerr != nil {
		log.Error().Err(uerr).Str("trade_id", trade.ID.String()).Msg("Failed to mark trade rejected")
	}
	trade.Status = db.TradeStatusRejected

	r.auditTrade(ctx, audit.EventTypeTradeRejected, trade.UserID, trade.ID, map[string]interface{}{
		"symbol":   trade.Symbol,
		"exchange": venueName,
	}, false, detail)
	metrics.RecordTrade(venueName, string(trade.Side), string(db.TradeStatusRejected))
	r.publishTrade(ctx, bus.EventTradeRejected, trade)
	return out
}

// buildTrade assembles the pending trade row for a direct submission.
func (r *Router) buildTrade(req OrderRequest, portfolioID uuid.UUID, mode Mode, venueName string, execKind db.ExecutionKind, quote market.Quote) *db.Trade {
	trade := &db.Trade{
		UserID:        req.UserID,
		PortfolioID:   portfolioID,
		Symbol:        req.Symbol,
		Exchange:      venueName,
		ExecutionKind: execKind,
		Side:          req.Side,
		Type:          req.Type,
		Status:        db.TradeStatusPending,
		Quantity:      req.Quantity,
		LimitPrice:    req.LimitPrice,
		StopLoss:      req.StopLoss,
		TakeProfit:    req.TakeProfit,
		QuotePrice:    &quote.Price,
		QuoteSource:   quote.Source,
		QuoteAt:       &quote.FetchedAt,
		Mode:          string(mode),
		PlacedAt:      time.Now().UTC(),
	}
	if req.IdempotencyKey != "" {
		trade.IdempotencyKey = &req.IdempotencyKey
	}
	return trade
}

// insertTrade writes the row and arms the idempotency key. A unique
// violation means a concurrent replay won the race; the caller's
// submission is dropped in favor of the recorded one.
func (r *Router) insertTrade(ctx context.Context, trade *db.Trade, req OrderRequest) error {
	if err := r.db.InsertTrade(ctx, trade); err != nil {
		if db.IsUniqueViolation(err) && req.IdempotencyKey != "" {
			return apperr.New(apperr.KindConflict, "a submission with this idempotency key is already in progress")
		}
		return apperr.Wrap(apperr.KindInternal, "failed to record trade", err)
	}
	if req.IdempotencyKey != "" && r.idem != nil {
		r.idem.Remember(ctx, req.UserID, req.IdempotencyKey, trade.ID)
	}
	return nil
}

// replay resolves an idempotency key to the originally recorded
// trade: Redis first, the unique index as the durable fallback.
func (r *Router) replay(ctx context.Context, userID uuid.UUID, key string) (*db.Trade, bool) {
	if r.idem != nil {
		if tradeID, ok := r.idem.Lookup(ctx, userID, key); ok {
			if trade, err := r.db.GetTrade(ctx, tradeID); err == nil {
				return trade, true
			}
		}
	}
	trade, err := r.db.GetTradeByIdempotencyKey(ctx, userID, key)
	if err != nil {
		return nil, false
	}
	return trade, true
}

// Trades lists a user's trade history, newest first.
func (r *Router) Trades(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*db.Trade, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	trades, err := r.db.ListTradesByUser(ctx, userID, limit, offset)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "failed to list trades", err)
	}
	return trades, nil
}

// SetMode changes a user's operating mode and audits the transition.
func (r *Router) SetMode(ctx context.Context, userID uuid.UUID, mode Mode, ip string) error {
	user, err := r.db.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return apperr.New(apperr.KindNotFound, "user not found")
		}
		return apperr.Wrap(apperr.KindInternal, "failed to load user", err)
	}
	if Mode(user.TradingMode) == mode {
		return nil
	}
	if err := r.db.UpdateTradingMode(ctx, userID, string(mode)); err != nil {
		return apperr.Wrap(apperr.KindInternal, "failed to update mode", err)
	}
	if r.audit != nil {
		if err := r.audit.LogModeChange(ctx, userID.String(), ip, user.TradingMode, string(mode)); err != nil {
			log.Warn().Err(err).Msg("Failed to audit mode change")
		}
	}
	return nil
}

func (r *Router) notify(ctx context.Context, userID uuid.UUID, typ db.NotificationType, title, body, fingerprint string, meta map[string]interface{}) {
	if r.notifier == nil {
		return
	}
	r.notifier.Notify(ctx, &db.Notification{
		UserID:      userID,
		Type:        typ,
		Title:       title,
		Body:        body,
		Fingerprint: fingerprint,
		Metadata:    meta,
	})
}

func (r *Router) publishTrade(ctx context.Context, eventType bus.EventType, trade *db.Trade) {
	if r.bus == nil {
		return
	}
	ev, err := bus.NewEvent(eventType, tradeEvent(trade))
	if err != nil {
		log.Warn().Err(err).Msg("Failed to build trade event")
		return
	}
	if err := r.bus.PublishTradeEvent(ctx, trade.UserID.String(), ev); err != nil {
		log.Warn().Err(err).Str("trade_id", trade.ID.String()).Msg("Failed to publish trade event")
	}
}

func (r *Router) auditTrade(ctx context.Context, eventType audit.EventType, userID, tradeID uuid.UUID, meta map[string]interface{}, success bool, errMsg string) {
	if r.audit == nil {
		return
	}
	if err := r.audit.LogTradeAction(ctx, eventType, userID.String(), "", tradeID.String(), meta, success, errMsg); err != nil {
		log.Warn().Err(err).Msg("Failed to write trade audit event")
	}
}

// tradeEvent is the wire payload for trade stream events. Storage
// rows never marshal directly.
func tradeEvent(trade *db.Trade) map[string]interface{} {
	payload := map[string]interface{}{
		"trade_id":       trade.ID.String(),
		"symbol":         trade.Symbol,
		"side":           string(trade.Side),
		"type":           string(trade.Type),
		"status":         string(trade.Status),
		"quantity":       trade.Quantity.String(),
		"exchange":       trade.Exchange,
		"execution_kind": string(trade.ExecutionKind),
		"mode":           trade.Mode,
	}
	if trade.FillPrice != nil {
		payload["fill_price"] = trade.FillPrice.String()
	}
	if trade.RealizedPnL != nil {
		payload["realized_pnl"] = trade.RealizedPnL.String()
	}
	return payload
}

// findOpposing returns the open position the order would reduce, if
// any. One open position per symbol is a portfolio invariant.
func findOpposing(positions []portfolio.PositionView, symbol string, side db.TradeSide) *portfolio.PositionView {
	for i := range positions {
		pos := &positions[i]
		if pos.Symbol != symbol {
			continue
		}
		if (pos.Side == db.PositionSideLong && side == db.TradeSideSell) ||
			(pos.Side == db.PositionSideShort && side == db.TradeSideBuy) {
			return pos
		}
		return nil
	}
	return nil
}

// referencePrice is the price risk checks value the order at: the
// limit price when one binds, else the quote.
func referencePrice(req OrderRequest, quotePrice decimal.Decimal) decimal.Decimal {
	if req.Type == db.TradeTypeLimit && req.LimitPrice != nil {
		return *req.LimitPrice
	}
	return quotePrice
}

func limitPriceString(req OrderRequest) string {
	if req.LimitPrice == nil {
		return "market"
	}
	return req.LimitPrice.String()
}
