package api

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/neontrader/backend/internal/db"
	"github.com/neontrader/backend/internal/portfolio"
	"github.com/neontrader/backend/internal/risk"
	"github.com/neontrader/backend/internal/trading"
)

// Wire types. Storage structs never marshal directly; every response
// goes through one of these so schema changes cannot leak into the
// API by accident.

type tokenResponse struct {
	AccessToken string    `json:"access_token"`
	UserID      uuid.UUID `json:"user_id"`
}

type totpSetupResponse struct {
	Secret          string `json:"secret"`
	ProvisioningURI string `json:"provisioning_uri"`
}

type totpEnableResponse struct {
	// BackupCodes are shown exactly once; only hashes are stored.
	BackupCodes []string `json:"backup_codes"`
}

type positionDTO struct {
	ID            uuid.UUID        `json:"id"`
	Symbol        string           `json:"symbol"`
	Exchange      string           `json:"exchange"`
	Side          string           `json:"side"`
	Quantity      decimal.Decimal  `json:"quantity"`
	AvgEntryPrice decimal.Decimal  `json:"avg_entry_price"`
	MarkPrice     decimal.Decimal  `json:"mark_price"`
	MarketValue   decimal.Decimal  `json:"market_value"`
	UnrealizedPnL decimal.Decimal  `json:"unrealized_pnl"`
	StopLoss      *decimal.Decimal `json:"stop_loss,omitempty"`
	TakeProfit    *decimal.Decimal `json:"take_profit,omitempty"`
	OpenedAt      time.Time        `json:"opened_at"`
}

type portfolioDTO struct {
	PortfolioID    uuid.UUID       `json:"portfolio_id"`
	CashBalance    decimal.Decimal `json:"cash_balance"`
	InvestedValue  decimal.Decimal `json:"invested_value"`
	TotalBalance   decimal.Decimal `json:"total_balance"`
	Equity         decimal.Decimal `json:"equity"`
	DayStartEquity decimal.Decimal `json:"day_start_equity"`
	OpenExposure   decimal.Decimal `json:"open_exposure"`
	DailyPnL       decimal.Decimal `json:"daily_pnl"`
	Frozen         bool            `json:"frozen"`
	FrozenUntil    *time.Time      `json:"frozen_until,omitempty"`
	FrozenReason   string          `json:"frozen_reason,omitempty"`
	Positions      []positionDTO   `json:"positions"`
	MarkedAt       time.Time       `json:"marked_at"`
}

func toPortfolioDTO(snap *portfolio.Snapshot, now time.Time) portfolioDTO {
	positions := make([]positionDTO, 0, len(snap.Positions))
	for _, p := range snap.Positions {
		positions = append(positions, positionDTO{
			ID:            p.ID,
			Symbol:        p.Symbol,
			Exchange:      p.Exchange,
			Side:          string(p.Side),
			Quantity:      p.Quantity,
			AvgEntryPrice: p.AvgEntryPrice,
			MarkPrice:     p.MarkPrice,
			MarketValue:   p.MarketValue,
			UnrealizedPnL: p.UnrealizedPnL,
			StopLoss:      p.StopLoss,
			TakeProfit:    p.TakeProfit,
			OpenedAt:      p.OpenedAt,
		})
	}
	return portfolioDTO{
		PortfolioID:    snap.PortfolioID,
		CashBalance:    snap.CashBalance,
		InvestedValue:  snap.InvestedValue,
		TotalBalance:   snap.TotalBalance,
		Equity:         snap.Equity,
		DayStartEquity: snap.DayStartEquity,
		OpenExposure:   snap.OpenExposure,
		DailyPnL:       snap.DailyPnL,
		Frozen:         snap.Frozen(now),
		FrozenUntil:    snap.FrozenUntil,
		FrozenReason:   snap.FrozenReason,
		Positions:      positions,
		MarkedAt:       snap.MarkedAt,
	}
}

type journalEntryDTO struct {
	Seq          int64                  `json:"seq"`
	ID           uuid.UUID              `json:"id"`
	TradeID      *uuid.UUID             `json:"trade_id,omitempty"`
	EntryType    string                 `json:"entry_type"`
	Amount       decimal.Decimal        `json:"amount"`
	BalanceAfter decimal.Decimal        `json:"balance_after"`
	EquityAfter  decimal.Decimal        `json:"equity_after"`
	Details      map[string]interface{} `json:"details,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
}

func toJournalEntryDTO(e *db.JournalEntry) journalEntryDTO {
	return journalEntryDTO{
		Seq:          e.Seq,
		ID:           e.ID,
		TradeID:      e.TradeID,
		EntryType:    string(e.EntryType),
		Amount:       e.Amount,
		BalanceAfter: e.BalanceAfter,
		EquityAfter:  e.EquityAfter,
		Details:      e.Details,
		CreatedAt:    e.CreatedAt,
	}
}

type snapshotDTO struct {
	ID            uuid.UUID       `json:"id"`
	CashBalance   decimal.Decimal `json:"cash_balance"`
	Equity        decimal.Decimal `json:"equity"`
	OpenPositions int             `json:"open_positions"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	TakenAt       time.Time       `json:"taken_at"`
}

func toSnapshotDTO(s *db.PortfolioSnapshot) snapshotDTO {
	return snapshotDTO{
		ID:            s.ID,
		CashBalance:   s.CashBalance,
		Equity:        s.Equity,
		OpenPositions: s.OpenPositions,
		RealizedPnL:   s.RealizedPnL,
		TakenAt:       s.TakenAt,
	}
}

type tradeDTO struct {
	ID               uuid.UUID        `json:"id"`
	PositionID       *uuid.UUID       `json:"position_id,omitempty"`
	Symbol           string           `json:"symbol"`
	Exchange         string           `json:"exchange"`
	ExecutionKind    string           `json:"execution_kind"`
	Side             string           `json:"side"`
	Type             string           `json:"type"`
	Status           string           `json:"status"`
	Quantity         decimal.Decimal  `json:"quantity"`
	LimitPrice       *decimal.Decimal `json:"limit_price,omitempty"`
	StopPrice        *decimal.Decimal `json:"stop_price,omitempty"`
	StopLoss         *decimal.Decimal `json:"stop_loss,omitempty"`
	TakeProfit       *decimal.Decimal `json:"take_profit,omitempty"`
	FillPrice        *decimal.Decimal `json:"fill_price,omitempty"`
	QuotePrice       *decimal.Decimal `json:"quote_price,omitempty"`
	QuoteSource      string           `json:"quote_source,omitempty"`
	Mode             string           `json:"mode"`
	ClosesPositionID *uuid.UUID       `json:"closes_position_id,omitempty"`
	RealizedPnL      *decimal.Decimal `json:"realized_pnl,omitempty"`
	ErrorMessage     *string          `json:"error_message,omitempty"`
	PlacedAt         time.Time        `json:"placed_at"`
	FilledAt         *time.Time       `json:"filled_at,omitempty"`
	CanceledAt       *time.Time       `json:"canceled_at,omitempty"`
}

func toTradeDTO(t *db.Trade) tradeDTO {
	return tradeDTO{
		ID:               t.ID,
		PositionID:       t.PositionID,
		Symbol:           t.Symbol,
		Exchange:         t.Exchange,
		ExecutionKind:    string(t.ExecutionKind),
		Side:             string(t.Side),
		Type:             string(t.Type),
		Status:           string(t.Status),
		Quantity:         t.Quantity,
		LimitPrice:       t.LimitPrice,
		StopPrice:        t.StopPrice,
		StopLoss:         t.StopLoss,
		TakeProfit:       t.TakeProfit,
		FillPrice:        t.FillPrice,
		QuotePrice:       t.QuotePrice,
		QuoteSource:      t.QuoteSource,
		Mode:             t.Mode,
		ClosesPositionID: t.ClosesPositionID,
		RealizedPnL:      t.RealizedPnL,
		ErrorMessage:     t.ErrorMessage,
		PlacedAt:         t.PlacedAt,
		FilledAt:         t.FilledAt,
		CanceledAt:       t.CanceledAt,
	}
}

func toTradeDTOs(trades []*db.Trade) []tradeDTO {
	out := make([]tradeDTO, 0, len(trades))
	for _, t := range trades {
		out = append(out, toTradeDTO(t))
	}
	return out
}

type approvalDTO struct {
	ID        uuid.UUID              `json:"id"`
	Intent    map[string]interface{} `json:"intent"`
	Status    string                 `json:"status"`
	Reason    *string                `json:"reason,omitempty"`
	TradeID   *uuid.UUID             `json:"trade_id,omitempty"`
	ExpiresAt time.Time              `json:"expires_at"`
	DecidedAt *time.Time             `json:"decided_at,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

func toApprovalDTO(a *db.Approval) approvalDTO {
	return approvalDTO{
		ID:        a.ID,
		Intent:    a.Intent,
		Status:    string(a.Status),
		Reason:    a.Reason,
		TradeID:   a.TradeID,
		ExpiresAt: a.ExpiresAt,
		DecidedAt: a.DecidedAt,
		CreatedAt: a.CreatedAt,
	}
}

// verdictDTO surfaces the risk decision attached to an order result.
type verdictDTO struct {
	Kind        string           `json:"kind"`
	Reason      string           `json:"reason,omitempty"`
	NewQuantity *decimal.Decimal `json:"new_quantity,omitempty"`
	Advisory    *decimal.Decimal `json:"advisory,omitempty"`
}

func toVerdictDTO(v risk.Verdict) verdictDTO {
	dto := verdictDTO{
		Kind:   string(v.Kind),
		Reason: v.Reason,
	}
	if !v.NewQuantity.IsZero() {
		q := v.NewQuantity
		dto.NewQuantity = &q
	}
	if !v.Advisory.IsZero() {
		a := v.Advisory
		dto.Advisory = &a
	}
	return dto
}

// orderResultDTO is the response to order submission, close and
// approval decisions. Exactly one of trade/approval is set for
// accepted orders; rejected orders carry the rejected trade row.
type orderResultDTO struct {
	Trade    *tradeDTO    `json:"trade,omitempty"`
	Approval *approvalDTO `json:"approval,omitempty"`
	Verdict  verdictDTO   `json:"verdict"`
	Replayed bool         `json:"replayed,omitempty"`
	Warning  string       `json:"warning,omitempty"`
}

func toOrderResultDTO(res *trading.Result) orderResultDTO {
	dto := orderResultDTO{
		Verdict:  toVerdictDTO(res.Verdict),
		Replayed: res.Replayed,
		Warning:  res.Warning,
	}
	if res.Trade != nil {
		t := toTradeDTO(res.Trade)
		dto.Trade = &t
	}
	if res.Approval != nil {
		a := toApprovalDTO(res.Approval)
		dto.Approval = &a
	}
	return dto
}

// platformDTO never exposes credential material; Blob stays server
// side and only connection metadata crosses the wire.
type platformDTO struct {
	ID            uuid.UUID  `json:"id"`
	Name          string     `json:"name"`
	Kind          string     `json:"kind"`
	IsSandbox     bool       `json:"is_sandbox"`
	IsDefault     bool       `json:"is_default"`
	Status        string     `json:"status"`
	LastTestedAt  *time.Time `json:"last_tested_at,omitempty"`
	LastLatencyMs *int64     `json:"last_latency_ms,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

func toPlatformDTO(p *db.Platform) platformDTO {
	return platformDTO{
		ID:            p.ID,
		Name:          p.Name,
		Kind:          p.Kind,
		IsSandbox:     p.IsSandbox,
		IsDefault:     p.IsDefault,
		Status:        string(p.Status),
		LastTestedAt:  p.LastTestedAt,
		LastLatencyMs: p.LastLatencyMs,
		LastError:     p.LastError,
		CreatedAt:     p.CreatedAt,
	}
}

type alertDTO struct {
	ID          uuid.UUID       `json:"id"`
	Symbol      string          `json:"symbol"`
	Condition   string          `json:"condition"`
	Threshold   decimal.Decimal `json:"threshold"`
	State       string          `json:"state"`
	TriggeredAt *time.Time      `json:"triggered_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

func toAlertDTO(a *db.Alert) alertDTO {
	return alertDTO{
		ID:          a.ID,
		Symbol:      a.Symbol,
		Condition:   string(a.Condition),
		Threshold:   a.Threshold,
		State:       string(a.State),
		TriggeredAt: a.TriggeredAt,
		CreatedAt:   a.CreatedAt,
	}
}

type notificationDTO struct {
	ID        uuid.UUID              `json:"id"`
	Type      string                 `json:"type"`
	Title     string                 `json:"title"`
	Body      string                 `json:"body"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Read      bool                   `json:"read"`
	ReadAt    *time.Time             `json:"read_at,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

func toNotificationDTO(n *db.Notification) notificationDTO {
	return notificationDTO{
		ID:        n.ID,
		Type:      string(n.Type),
		Title:     n.Title,
		Body:      n.Body,
		Metadata:  n.Metadata,
		Read:      n.ReadAt != nil,
		ReadAt:    n.ReadAt,
		CreatedAt: n.CreatedAt,
	}
}

type notificationPrefsDTO struct {
	TradeNotices       bool `json:"trade_notices"`
	AlertNotices       bool `json:"alert_notices"`
	OpportunityNotices bool `json:"opportunity_notices"`
	PushEnabled        bool `json:"push_enabled"`
}

func toNotificationPrefsDTO(p *db.NotificationPrefs) notificationPrefsDTO {
	return notificationPrefsDTO{
		TradeNotices:       p.TradeNotices,
		AlertNotices:       p.AlertNotices,
		OpportunityNotices: p.OpportunityNotices,
		PushEnabled:        p.PushEnabled,
	}
}

type killSwitchDTO struct {
	Engaged    bool       `json:"engaged"`
	Reason     string     `json:"reason,omitempty"`
	EngagedBy  string     `json:"engaged_by,omitempty"`
	EngagedAt  *time.Time `json:"engaged_at,omitempty"`
	ReleasedBy string     `json:"released_by,omitempty"`
	ReleasedAt *time.Time `json:"released_at,omitempty"`
}

func toKillSwitchDTO(s *db.KillSwitchState) killSwitchDTO {
	return killSwitchDTO{
		Engaged:    s.Engaged,
		Reason:     s.Reason,
		EngagedBy:  s.EngagedBy,
		EngagedAt:  s.EngagedAt,
		ReleasedBy: s.ReleasedBy,
		ReleasedAt: s.ReleasedAt,
	}
}
