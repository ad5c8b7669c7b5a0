// Package portfolio holds the authoritative per-user account state.
// Every balance mutation runs under that user's writer lock and
// commits the position change, the trade fill, and the journal entry
// in one transaction, so the journal always replays to the balances.
package portfolio

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/neontrader/backend/internal/db"
	"github.com/neontrader/backend/internal/market"
	"github.com/neontrader/backend/internal/metrics"
)

var (
	// ErrInsufficientCash rejects an opening fill whose notional
	// exceeds the available cash balance.
	ErrInsufficientCash = errors.New("insufficient cash balance")
	// ErrPositionOversized rejects a reducing fill larger than the
	// open position.
	ErrPositionOversized = errors.New("close quantity exceeds open position")
)

// QuoteReader supplies marks for equity valuation. *market.Aggregator
// satisfies it.
type QuoteReader interface {
	Quote(ctx context.Context, symbol string) (market.Quote, error)
}

// Fill is an executed order the accountant must absorb.
type Fill struct {
	TradeID  uuid.UUID
	Symbol   string
	Exchange string
	Side     db.TradeSide
	Quantity decimal.Decimal
	// Price is the adapter's reported fill price.
	Price decimal.Decimal
	// StopLoss and TakeProfit attach protective exits when the fill
	// opens or increases a position.
	StopLoss   *decimal.Decimal
	TakeProfit *decimal.Decimal
}

// FillResult reports the state after a fill was absorbed.
type FillResult struct {
	// Position is the resulting open position, nil when the fill
	// closed it.
	Position    *db.Position
	RealizedPnL decimal.Decimal
	CashBalance decimal.Decimal
	Equity      decimal.Decimal
	Closed      bool
}

// PositionView is an open position marked to the latest quote.
type PositionView struct {
	ID            uuid.UUID
	Symbol        string
	Exchange      string
	Side          db.PositionSide
	Quantity      decimal.Decimal
	AvgEntryPrice decimal.Decimal
	MarkPrice     decimal.Decimal
	MarketValue   decimal.Decimal
	UnrealizedPnL decimal.Decimal
	StopLoss      *decimal.Decimal
	TakeProfit    *decimal.Decimal
	OpenedAt      time.Time
}

// Snapshot is a consistent point-in-time view of one account, marked
// to market. Risk checks read TotalBalance, Equity, DayStartEquity
// and OpenExposure from here.
type Snapshot struct {
	PortfolioID    uuid.UUID
	UserID         uuid.UUID
	CashBalance    decimal.Decimal
	InvestedValue  decimal.Decimal
	TotalBalance   decimal.Decimal
	Equity         decimal.Decimal
	DayStartEquity decimal.Decimal
	PeakEquity     decimal.Decimal
	// OpenExposure is the gross notional of open positions at marks.
	OpenExposure decimal.Decimal
	DailyPnL     decimal.Decimal
	FrozenUntil  *time.Time
	FrozenReason string
	Positions    []PositionView
	MarkedAt     time.Time
}

// Frozen reports whether the account is under a trading freeze.
func (s *Snapshot) Frozen(now time.Time) bool {
	return s.FrozenUntil != nil && s.FrozenUntil.After(now)
}

// Accountant owns all portfolio mutations. One instance serves every
// user; state is cached per user and guarded by that user's lock.
type Accountant struct {
	db     *db.DB
	quotes QuoteReader
	seed   decimal.Decimal

	mu    sync.Mutex
	users map[uuid.UUID]*userState
}

type userState struct {
	mu        sync.RWMutex
	loaded    bool
	portfolio *db.Portfolio
	// positions holds open positions keyed by symbol. Netting keeps
	// at most one open position per symbol.
	positions map[string]*db.Position
}

// NewAccountant creates the accountant. seedBalance funds portfolios
// created on first touch.
func NewAccountant(database *db.DB, quotes QuoteReader, seedBalance decimal.Decimal) *Accountant {
	return &Accountant{
		db:     database,
		quotes: quotes,
		seed:   seedBalance,
		users:  make(map[uuid.UUID]*userState),
	}
}

func (a *Accountant) state(userID uuid.UUID) *userState {
	a.mu.Lock()
	defer a.mu.Unlock()

	st, ok := a.users[userID]
	if !ok {
		st = &userState{positions: make(map[string]*db.Position)}
		a.users[userID] = st
	}
	return st
}

// load populates the cached state. Callers hold st.mu for writing.
func (a *Accountant) load(ctx context.Context, st *userState, userID uuid.UUID) error {
	if st.loaded {
		return nil
	}

	p, err := a.db.GetPortfolioByUserID(ctx, userID)
	if errors.Is(err, db.ErrNotFound) {
		p, err = a.db.SeedPortfolio(ctx, userID, a.seed)
	}
	if err != nil {
		return err
	}

	open, err := a.db.ListOpenPositions(ctx, userID)
	if err != nil {
		return err
	}

	st.portfolio = p
	st.positions = make(map[string]*db.Position, len(open))
	for _, pos := range open {
		st.positions[pos.Symbol] = pos
	}
	st.loaded = true
	return nil
}

// Ensure creates the portfolio on first touch and returns it.
func (a *Accountant) Ensure(ctx context.Context, userID uuid.UUID) (*db.Portfolio, error) {
	st := a.state(userID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if err := a.load(ctx, st, userID); err != nil {
		return nil, err
	}
	clone := *st.portfolio
	return &clone, nil
}

// Invalidate drops one user's cached state so the next read reloads
// from the database. Used after writes that bypass the accountant.
func (a *Accountant) Invalidate(userID uuid.UUID) {
	st := a.state(userID)
	st.mu.Lock()
	st.loaded = false
	st.mu.Unlock()
}

// InvalidateAll drops every cached state. The day-boundary rollover
// uses it after its bulk updates.
func (a *Accountant) InvalidateAll() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, st := range a.users {
		st.mu.Lock()
		st.loaded = false
		st.mu.Unlock()
	}
}

// Snapshot returns a marked-to-market copy of the account. Positions
// are copied under the read lock, then marked without holding it, so
// a slow quote fetch never blocks fills.
func (a *Accountant) Snapshot(ctx context.Context, userID uuid.UUID) (*Snapshot, error) {
	st := a.state(userID)

	st.mu.Lock()
	if err := a.load(ctx, st, userID); err != nil {
		st.mu.Unlock()
		return nil, err
	}
	st.mu.Unlock()

	st.mu.RLock()
	p := *st.portfolio
	open := make([]db.Position, 0, len(st.positions))
	for _, pos := range st.positions {
		open = append(open, *pos)
	}
	st.mu.RUnlock()

	snap := &Snapshot{
		PortfolioID:    p.ID,
		UserID:         p.UserID,
		CashBalance:    p.CashBalance,
		DayStartEquity: p.DayStartEquity,
		PeakEquity:     p.PeakEquity,
		FrozenUntil:    p.FrozenUntil,
		FrozenReason:   p.FrozenReason,
		MarkedAt:       time.Now(),
	}

	invested := decimal.Zero
	exposure := decimal.Zero
	for i := range open {
		pos := &open[i]
		mark := a.mark(ctx, pos.Symbol, pos.AvgEntryPrice)
		value, unrealized := positionValue(pos, mark)

		invested = invested.Add(value)
		exposure = exposure.Add(pos.Quantity.Mul(mark).Abs())
		snap.Positions = append(snap.Positions, PositionView{
			ID:            pos.ID,
			Symbol:        pos.Symbol,
			Exchange:      pos.Exchange,
			Side:          pos.Side,
			Quantity:      pos.Quantity,
			AvgEntryPrice: pos.AvgEntryPrice,
			MarkPrice:     mark,
			MarketValue:   value,
			UnrealizedPnL: unrealized,
			StopLoss:      pos.StopLoss,
			TakeProfit:    pos.TakeProfit,
			OpenedAt:      pos.OpenedAt,
		})
	}

	snap.InvestedValue = invested
	snap.Equity = p.CashBalance.Add(invested)
	snap.TotalBalance = snap.Equity
	snap.OpenExposure = exposure
	snap.DailyPnL = snap.Equity.Sub(p.DayStartEquity)
	return snap, nil
}

// ApplyFill absorbs an executed order: nets it against any open
// position on the symbol, moves cash, updates the trade row, and
// journals the delta. All database writes commit in one transaction.
func (a *Accountant) ApplyFill(ctx context.Context, userID uuid.UUID, fill Fill) (*FillResult, error) {
	if fill.Quantity.Sign() <= 0 || fill.Price.Sign() <= 0 {
		return nil, errors.New("fill quantity and price must be positive")
	}

	st := a.state(userID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if err := a.load(ctx, st, userID); err != nil {
		return nil, err
	}

	existing := st.positions[fill.Symbol]
	if existing != nil && opposes(existing.Side, fill.Side) {
		return a.reduce(ctx, st, userID, existing, fill)
	}
	return a.open(ctx, st, userID, existing, fill)
}

// CloseAt closes an entire open position at the given price. The
// protective-exit monitor and the kill-switch sweep call this with a
// trade row they already created.
func (a *Accountant) CloseAt(ctx context.Context, userID, positionID uuid.UUID, price decimal.Decimal, tradeID uuid.UUID) (*FillResult, error) {
	st := a.state(userID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if err := a.load(ctx, st, userID); err != nil {
		return nil, err
	}

	var pos *db.Position
	for _, p := range st.positions {
		if p.ID == positionID {
			pos = p
			break
		}
	}
	if pos == nil {
		return nil, db.ErrNotFound
	}

	fill := Fill{
		TradeID:  tradeID,
		Symbol:   pos.Symbol,
		Exchange: pos.Exchange,
		Side:     closingSide(pos.Side),
		Quantity: pos.Quantity,
		Price:    price,
	}
	return a.reduce(ctx, st, userID, pos, fill)
}

// open handles a fresh position or an increase on the same side.
// Caller holds the user's write lock.
func (a *Accountant) open(ctx context.Context, st *userState, userID uuid.UUID, existing *db.Position, fill Fill) (*FillResult, error) {
	p := st.portfolio
	notional := fill.Quantity.Mul(fill.Price)

	newCash := p.CashBalance.Sub(notional)
	if newCash.Sign() < 0 {
		return nil, ErrInsufficientCash
	}

	var pos db.Position
	if existing == nil {
		pos = db.Position{
			ID:            uuid.New(),
			PortfolioID:   p.ID,
			UserID:        userID,
			Symbol:        fill.Symbol,
			Exchange:      fill.Exchange,
			Side:          positionSide(fill.Side),
			Status:        db.PositionStatusOpen,
			Quantity:      fill.Quantity,
			AvgEntryPrice: fill.Price,
			RealizedPnL:   decimal.Zero,
			StopLoss:      fill.StopLoss,
			TakeProfit:    fill.TakeProfit,
			OpenedAt:      time.Now(),
		}
	} else {
		pos = *existing
		newQty := pos.Quantity.Add(fill.Quantity)
		pos.AvgEntryPrice = pos.Quantity.Mul(pos.AvgEntryPrice).
			Add(fill.Quantity.Mul(fill.Price)).
			Div(newQty)
		pos.Quantity = newQty
		if fill.StopLoss != nil {
			pos.StopLoss = fill.StopLoss
		}
		if fill.TakeProfit != nil {
			pos.TakeProfit = fill.TakeProfit
		}
	}

	equity, peak := a.markEquity(ctx, st, newCash, &pos, fill.Price)

	tx, err := a.db.Pool().Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if existing == nil {
		if err := a.db.InsertPosition(ctx, tx, &pos); err != nil {
			return nil, err
		}
	} else {
		if err := a.db.UpdatePositionQuantity(ctx, tx, pos.ID, pos.Quantity, pos.AvgEntryPrice, pos.RealizedPnL); err != nil {
			return nil, err
		}
	}
	if err := a.db.UpdateTradeFill(ctx, tx, fill.TradeID, pos.ID, fill.Price, nil, time.Now()); err != nil {
		return nil, err
	}
	if err := a.db.UpdatePortfolioBalances(ctx, tx, p.ID, newCash, equity, peak); err != nil {
		return nil, err
	}
	entry := &db.JournalEntry{
		PortfolioID:  p.ID,
		UserID:       userID,
		TradeID:      &fill.TradeID,
		EntryType:    db.JournalEntryTradeOpen,
		Amount:       notional.Neg(),
		BalanceAfter: newCash,
		EquityAfter:  equity,
		Details: map[string]interface{}{
			"symbol":   fill.Symbol,
			"side":     string(fill.Side),
			"quantity": fill.Quantity.String(),
			"price":    fill.Price.String(),
		},
	}
	if err := a.db.AppendJournalEntry(ctx, tx, entry); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	if existing == nil {
		metrics.OpenPositions.Inc()
	}
	p.CashBalance = newCash
	p.Equity = equity
	p.PeakEquity = peak
	stored := pos
	st.positions[fill.Symbol] = &stored

	log.Info().
		Str("user_id", userID.String()).
		Str("symbol", fill.Symbol).
		Str("side", string(fill.Side)).
		Str("quantity", fill.Quantity.String()).
		Str("price", fill.Price.String()).
		Msg("Position opened")

	result := stored
	return &FillResult{
		Position:    &result,
		CashBalance: newCash,
		Equity:      equity,
	}, nil
}

// reduce handles an opposite-side fill: partial reduction or full
// close. Caller holds the user's write lock.
func (a *Accountant) reduce(ctx context.Context, st *userState, userID uuid.UUID, pos *db.Position, fill Fill) (*FillResult, error) {
	if fill.Quantity.GreaterThan(pos.Quantity) {
		return nil, ErrPositionOversized
	}

	p := st.portfolio
	pnl := realizedPnL(pos.Side, pos.AvgEntryPrice, fill.Price, fill.Quantity)
	returned := pos.AvgEntryPrice.Mul(fill.Quantity).Add(pnl)

	newCash := p.CashBalance.Add(returned)
	newQty := pos.Quantity.Sub(fill.Quantity)
	newRealized := pos.RealizedPnL.Add(pnl)
	closed := newQty.Sign() == 0

	updated := *pos
	updated.Quantity = newQty
	updated.RealizedPnL = newRealized

	var equity, peak decimal.Decimal
	if closed {
		equity, peak = a.markEquity(ctx, st, newCash, nil, decimal.Zero)
	} else {
		equity, peak = a.markEquity(ctx, st, newCash, &updated, fill.Price)
	}

	tx, err := a.db.Pool().Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if closed {
		if err := a.db.ClosePosition(ctx, tx, pos.ID, newRealized); err != nil {
			return nil, err
		}
	} else {
		if err := a.db.UpdatePositionQuantity(ctx, tx, pos.ID, newQty, pos.AvgEntryPrice, newRealized); err != nil {
			return nil, err
		}
	}
	if err := a.db.UpdateTradeFill(ctx, tx, fill.TradeID, pos.ID, fill.Price, &pnl, time.Now()); err != nil {
		return nil, err
	}
	if err := a.db.UpdatePortfolioBalances(ctx, tx, p.ID, newCash, equity, peak); err != nil {
		return nil, err
	}
	entry := &db.JournalEntry{
		PortfolioID:  p.ID,
		UserID:       userID,
		TradeID:      &fill.TradeID,
		EntryType:    db.JournalEntryTradeClose,
		Amount:       returned,
		BalanceAfter: newCash,
		EquityAfter:  equity,
		Details: map[string]interface{}{
			"symbol":       fill.Symbol,
			"side":         string(fill.Side),
			"quantity":     fill.Quantity.String(),
			"price":        fill.Price.String(),
			"realized_pnl": pnl.String(),
		},
	}
	if err := a.db.AppendJournalEntry(ctx, tx, entry); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	p.CashBalance = newCash
	p.Equity = equity
	p.PeakEquity = peak

	result := &FillResult{
		RealizedPnL: pnl,
		CashBalance: newCash,
		Equity:      equity,
		Closed:      closed,
	}
	if closed {
		delete(st.positions, fill.Symbol)
		metrics.OpenPositions.Dec()
	} else {
		stored := updated
		st.positions[fill.Symbol] = &stored
		view := stored
		result.Position = &view
	}

	log.Info().
		Str("user_id", userID.String()).
		Str("symbol", fill.Symbol).
		Str("quantity", fill.Quantity.String()).
		Str("price", fill.Price.String()).
		Str("realized_pnl", pnl.String()).
		Bool("closed", closed).
		Msg("Position reduced")
	return result, nil
}

// Freeze blocks new orders for the user until the given time.
func (a *Accountant) Freeze(ctx context.Context, userID uuid.UUID, until time.Time, reason string) error {
	st := a.state(userID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if err := a.load(ctx, st, userID); err != nil {
		return err
	}
	if err := a.db.FreezePortfolio(ctx, st.portfolio.ID, until, reason); err != nil {
		return err
	}

	st.portfolio.FrozenUntil = &until
	st.portfolio.FrozenReason = reason
	return nil
}

// SetProtection updates the protective exit levels on one of the
// user's open positions. Nil clears a level. The price monitor picks
// the new levels up on its next tick.
func (a *Accountant) SetProtection(ctx context.Context, userID, positionID uuid.UUID, stopLoss, takeProfit *decimal.Decimal) error {
	st := a.state(userID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if err := a.load(ctx, st, userID); err != nil {
		return err
	}
	if err := a.db.SetPositionProtection(ctx, positionID, userID, stopLoss, takeProfit); err != nil {
		return err
	}

	for _, pos := range st.positions {
		if pos.ID == positionID {
			pos.StopLoss = stopLoss
			pos.TakeProfit = takeProfit
			break
		}
	}
	return nil
}

// Unfreeze lifts a user's trading freeze.
func (a *Accountant) Unfreeze(ctx context.Context, userID uuid.UUID) error {
	st := a.state(userID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if err := a.load(ctx, st, userID); err != nil {
		return err
	}
	if err := a.db.UnfreezePortfolio(ctx, st.portfolio.ID); err != nil {
		return err
	}

	st.portfolio.FrozenUntil = nil
	st.portfolio.FrozenReason = ""
	return nil
}

// RecordDailySnapshot persists the day's closing figures for one user.
// The day-boundary rollover calls it before resetting baselines.
func (a *Accountant) RecordDailySnapshot(ctx context.Context, userID uuid.UUID) (*db.PortfolioSnapshot, error) {
	snap, err := a.Snapshot(ctx, userID)
	if err != nil {
		return nil, err
	}

	realized, err := a.db.SumRealizedPnL(ctx, snap.PortfolioID)
	if err != nil {
		return nil, err
	}

	row := &db.PortfolioSnapshot{
		PortfolioID:   snap.PortfolioID,
		UserID:        userID,
		CashBalance:   snap.CashBalance,
		Equity:        snap.Equity,
		OpenPositions: len(snap.Positions),
		RealizedPnL:   realized,
		TakenAt:       snap.MarkedAt,
	}
	if err := a.db.InsertSnapshot(ctx, row); err != nil {
		return nil, err
	}
	metrics.PortfolioSnapshots.Inc()
	return row, nil
}

// markEquity values the account at current quotes: new cash plus every
// open position, with the touched position (if any) marked at its fill
// price. Caller holds the user's write lock.
func (a *Accountant) markEquity(ctx context.Context, st *userState, cash decimal.Decimal, touched *db.Position, touchPrice decimal.Decimal) (equity, peak decimal.Decimal) {
	equity = cash
	for sym, pos := range st.positions {
		if touched != nil && sym == touched.Symbol {
			continue
		}
		mark := a.mark(ctx, sym, pos.AvgEntryPrice)
		value, _ := positionValue(pos, mark)
		equity = equity.Add(value)
	}
	if touched != nil {
		value, _ := positionValue(touched, touchPrice)
		equity = equity.Add(value)
	}

	peak = st.portfolio.PeakEquity
	if equity.GreaterThan(peak) {
		peak = equity
	}
	return equity, peak
}

// mark returns the latest quote price for a symbol, or the fallback
// when no source can serve it.
func (a *Accountant) mark(ctx context.Context, symbol string, fallback decimal.Decimal) decimal.Decimal {
	q, err := a.quotes.Quote(ctx, symbol)
	if err != nil || q.Price.Sign() <= 0 {
		return fallback
	}
	return q.Price
}

// positionValue returns the position's contribution to equity and its
// unrealized P&L at the given mark. Short positions carry their entry
// notional as reserved margin, so value = reserve + unrealized for
// both sides.
func positionValue(pos *db.Position, mark decimal.Decimal) (value, unrealized decimal.Decimal) {
	unrealized = realizedPnL(pos.Side, pos.AvgEntryPrice, mark, pos.Quantity)
	value = pos.AvgEntryPrice.Mul(pos.Quantity).Add(unrealized)
	return value, unrealized
}

// realizedPnL computes P&L for exiting quantity at exit against the
// entry price: longs profit when price rises, shorts when it falls.
func realizedPnL(side db.PositionSide, entry, exit, quantity decimal.Decimal) decimal.Decimal {
	diff := exit.Sub(entry)
	if side == db.PositionSideShort {
		diff = diff.Neg()
	}
	return diff.Mul(quantity)
}

func positionSide(side db.TradeSide) db.PositionSide {
	if side == db.TradeSideSell {
		return db.PositionSideShort
	}
	return db.PositionSideLong
}

func closingSide(side db.PositionSide) db.TradeSide {
	if side == db.PositionSideShort {
		return db.TradeSideBuy
	}
	return db.TradeSideSell
}

func opposes(pos db.PositionSide, fill db.TradeSide) bool {
	return (pos == db.PositionSideLong && fill == db.TradeSideSell) ||
		(pos == db.PositionSideShort && fill == db.TradeSideBuy)
}
