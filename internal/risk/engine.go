package risk

import (
	"github.com/shopspring/decimal"
)

// Denial reasons are stable API strings; they surface verbatim in 422
// response bodies and audit records.
const (
	ReasonPerTradeExposure  = "per_trade_exposure_exceeded"
	ReasonAggregateExposure = "aggregate_exposure_exceeded"
	ReasonDailyDrawdown     = "daily_drawdown_exceeded"
)

// VerdictKind is the outcome of a risk evaluation.
type VerdictKind string

const (
	VerdictAllow  VerdictKind = "allow"
	VerdictReduce VerdictKind = "reduce"
	VerdictDeny   VerdictKind = "deny"
)

// quantityPrecision is the fractional digits kept when the engine
// computes a reduced or advisory quantity.
const quantityPrecision = 8

// Limits holds the engine's exposure and drawdown thresholds as
// decimal ratios.
type Limits struct {
	// PerTradeMax caps a single order's notional as a fraction of
	// total balance. 0.005 means 0.5%.
	PerTradeMax decimal.Decimal
	// LeverageMax caps aggregate open exposure as a multiple of
	// equity.
	LeverageMax decimal.Decimal
	// DailyDDSoft is the drawdown ratio past which new trades are
	// denied.
	DailyDDSoft decimal.Decimal
	// DailyDDHard is the drawdown ratio past which the kill switch
	// fires.
	DailyDDHard decimal.Decimal
	// RiskFraction is the per-trade risk budget used by the sizing
	// advisory.
	RiskFraction decimal.Decimal
}

// DefaultLimits returns the stock thresholds: 0.5% per trade, 3x
// leverage, 3% soft / 5% hard daily drawdown, 0.5% risk fraction.
func DefaultLimits() Limits {
	return Limits{
		PerTradeMax:  decimal.NewFromFloat(0.005),
		LeverageMax:  decimal.NewFromInt(3),
		DailyDDSoft:  decimal.NewFromFloat(0.03),
		DailyDDHard:  decimal.NewFromFloat(0.05),
		RiskFraction: decimal.NewFromFloat(0.005),
	}
}

// NewLimits builds Limits from configuration ratios. Non-positive
// values fall back to the defaults so a zeroed config cannot disable
// a check.
func NewLimits(perTradeMax, leverageMax, ddSoft, ddHard, riskFraction float64) Limits {
	l := DefaultLimits()
	if perTradeMax > 0 {
		l.PerTradeMax = decimal.NewFromFloat(perTradeMax)
	}
	if leverageMax > 0 {
		l.LeverageMax = decimal.NewFromFloat(leverageMax)
	}
	if ddSoft > 0 {
		l.DailyDDSoft = decimal.NewFromFloat(ddSoft)
	}
	if ddHard > 0 {
		l.DailyDDHard = decimal.NewFromFloat(ddHard)
	}
	if riskFraction > 0 {
		l.RiskFraction = decimal.NewFromFloat(riskFraction)
	}
	return l
}

// Input is one order proposal plus the portfolio figures the checks
// need. The caller assembles it from a portfolio snapshot and a fresh
// quote; the engine never touches storage.
type Input struct {
	// Quantity is the proposed order size in base units.
	Quantity decimal.Decimal
	// ReferencePrice is the fresh quote price the notional is marked
	// at.
	ReferencePrice decimal.Decimal
	// TotalBalance is cash plus invested value.
	TotalBalance decimal.Decimal
	// Equity is the marked portfolio value.
	Equity decimal.Decimal
	// DayStartEquity anchors the daily drawdown ratio.
	DayStartEquity decimal.Decimal
	// OpenExposure is the summed absolute notional of open positions
	// at current marks.
	OpenExposure decimal.Decimal
	// StopDistance is the gap between entry and stop-loss, zero when
	// the order carries no stop.
	StopDistance decimal.Decimal
}

// Verdict is the engine's decision plus the figures that informed it.
type Verdict struct {
	Kind VerdictKind
	// Reason is the denial reason, empty unless Kind is VerdictDeny.
	Reason string
	// NewQuantity is the reduced size, set only when Kind is
	// VerdictReduce.
	NewQuantity decimal.Decimal
	// Advisory is the maximum advisable quantity for this order
	// independent of the verdict.
	Advisory decimal.Decimal
	// KillSwitch is true when the hard daily drawdown stop was
	// crossed; the router must engage the kill switch.
	KillSwitch bool
	// DailyDrawdown is the observed drawdown ratio, for audit trails.
	DailyDrawdown decimal.Decimal
}

// Allowed reports whether the order may proceed, at original or
// reduced size.
func (v Verdict) Allowed() bool {
	return v.Kind == VerdictAllow || v.Kind == VerdictReduce
}

// Engine evaluates orders against exposure and drawdown limits. It is
// pure: no I/O, no locks, decimal arithmetic only, so callers may
// share one instance across goroutines.
type Engine struct {
	limits Limits
}

// NewEngine creates an engine with the given limits.
func NewEngine(limits Limits) *Engine {
	return &Engine{limits: limits}
}

// Limits returns the engine's thresholds.
func (e *Engine) Limits() Limits {
	return e.limits
}

// Evaluate checks one proposed order. Checks run in severity order:
// the daily drawdown gate blocks the whole account before per-order
// exposure is even considered, and the aggregate cap is the only
// check that reduces rather than denies.
func (e *Engine) Evaluate(in Input) Verdict {
	v := Verdict{
		Kind:     VerdictAllow,
		Advisory: e.MaxQuantity(in.Equity, in.ReferencePrice, in.StopDistance),
	}

	// Daily drawdown gate. Past soft no new trades; past hard the
	// kill switch fires too.
	v.DailyDrawdown = drawdown(in.DayStartEquity, in.Equity)
	if v.DailyDrawdown.GreaterThanOrEqual(e.limits.DailyDDHard) {
		v.Kind = VerdictDeny
		v.Reason = ReasonDailyDrawdown
		v.KillSwitch = true
		return v
	}
	if v.DailyDrawdown.GreaterThanOrEqual(e.limits.DailyDDSoft) {
		v.Kind = VerdictDeny
		v.Reason = ReasonDailyDrawdown
		return v
	}

	// A depleted account has no per-trade capacity at all.
	if in.TotalBalance.Sign() <= 0 || in.ReferencePrice.Sign() <= 0 || in.Quantity.Sign() <= 0 {
		v.Kind = VerdictDeny
		v.Reason = ReasonPerTradeExposure
		return v
	}

	notional := in.Quantity.Mul(in.ReferencePrice)
	if notional.Div(in.TotalBalance).GreaterThan(e.limits.PerTradeMax) {
		v.Kind = VerdictDeny
		v.Reason = ReasonPerTradeExposure
		return v
	}

	// Aggregate open exposure stays under leverage_max x equity. When
	// there is headroom for a smaller order, reduce instead of deny.
	exposureCap := e.limits.LeverageMax.Mul(in.Equity)
	if in.OpenExposure.Add(notional).GreaterThan(exposureCap) {
		headroom := exposureCap.Sub(in.OpenExposure)
		if headroom.Sign() <= 0 {
			v.Kind = VerdictDeny
			v.Reason = ReasonAggregateExposure
			return v
		}
		reduced := headroom.Div(in.ReferencePrice).Truncate(quantityPrecision)
		if reduced.Sign() <= 0 {
			v.Kind = VerdictDeny
			v.Reason = ReasonAggregateExposure
			return v
		}
		v.Kind = VerdictReduce
		v.NewQuantity = reduced
		return v
	}

	return v
}

// MaxQuantity is the position sizing advisory:
// min(equity * risk_fraction / stop_distance, per_trade_max * equity / price).
// Without a stop distance only the exposure term applies. Returns
// zero when price or equity make sizing meaningless.
func (e *Engine) MaxQuantity(equity, price, stopDistance decimal.Decimal) decimal.Decimal {
	if equity.Sign() <= 0 || price.Sign() <= 0 {
		return decimal.Zero
	}

	byExposure := e.limits.PerTradeMax.Mul(equity).Div(price)
	if stopDistance.Sign() <= 0 {
		return byExposure.Truncate(quantityPrecision)
	}

	byRisk := equity.Mul(e.limits.RiskFraction).Div(stopDistance)
	if byRisk.LessThan(byExposure) {
		return byRisk.Truncate(quantityPrecision)
	}
	return byExposure.Truncate(quantityPrecision)
}

// drawdown returns (dayStart - equity) / dayStart clamped at zero.
// A zero or negative baseline reads as no drawdown; a fresh account
// has nothing to draw down from.
func drawdown(dayStart, equity decimal.Decimal) decimal.Decimal {
	if dayStart.Sign() <= 0 {
		return decimal.Zero
	}
	dd := dayStart.Sub(equity).Div(dayStart)
	if dd.Sign() < 0 {
		return decimal.Zero
	}
	return dd
}
