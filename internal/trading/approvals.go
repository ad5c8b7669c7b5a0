package trading

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/neontrader/backend/internal/apperr"
	"github.com/neontrader/backend/internal/audit"
	"github.com/neontrader/backend/internal/bus"
	"github.com/neontrader/backend/internal/db"
	"github.com/neontrader/backend/internal/metrics"
	"github.com/neontrader/backend/internal/portfolio"
)

// queueApproval parks an automated order for explicit confirmation.
// The trade row exists from the start in queued state so the history
// shows the intent even if it expires; routing columns stay empty
// until the approval executes.
func (r *Router) queueApproval(ctx context.Context, req OrderRequest, snap *portfolio.Snapshot) (*Result, error) {
	now := time.Now().UTC()
	trade := &db.Trade{
		UserID:      req.UserID,
		PortfolioID: snap.PortfolioID,
		Symbol:      req.Symbol,
		Exchange:    "",
		Side:        req.Side,
		Type:        req.Type,
		Status:      db.TradeStatusQueued,
		Quantity:    req.Quantity,
		LimitPrice:  req.LimitPrice,
		StopLoss:    req.StopLoss,
		TakeProfit:  req.TakeProfit,
		Mode:        string(ModeAssisted),
		PlacedAt:    now,
	}
	if req.IdempotencyKey != "" {
		trade.IdempotencyKey = &req.IdempotencyKey
	}
	if err := r.insertTrade(ctx, trade, req); err != nil {
		return nil, err
	}

	approval := &db.Approval{
		UserID:    req.UserID,
		Intent:    encodeIntent(req),
		ExpiresAt: now.Add(r.cfg.ApprovalTTL),
		TradeID:   &trade.ID,
	}
	if err := r.db.CreateApproval(ctx, approval); err != nil {
		detail := "failed to enqueue approval"
		_ = r.db.UpdateTradeStatus(ctx, trade.ID, db.TradeStatusRejected, &detail)
		return nil, apperr.Wrap(apperr.KindInternal, "failed to enqueue approval", err)
	}

	metrics.RecordApproval("created")
	if r.audit != nil {
		_ = r.audit.LogTradeAction(ctx, audit.EventTypeApprovalCreated, req.UserID.String(), "", trade.ID.String(), map[string]interface{}{
			"approval_id": approval.ID.String(),
			"symbol":      req.Symbol,
			"expires_at":  approval.ExpiresAt,
		}, true, "")
	}
	r.notify(ctx, req.UserID, db.NotificationTypeApproval,
		"Trade awaiting approval",
		fmt.Sprintf("Automated signal wants to %s %s %s; approve within %s", req.Side, req.Quantity, req.Symbol, r.cfg.ApprovalTTL),
		"approval:"+approval.ID.String(),
		map[string]interface{}{"approval_id": approval.ID.String(), "trade_id": trade.ID.String(), "reason": req.SignalReason})
	r.publishApproval(ctx, bus.EventApprovalCreated, approval)

	return &Result{Trade: trade, Approval: approval}, nil
}

// PendingApprovals lists a user's open approvals.
func (r *Router) PendingApprovals(ctx context.Context, userID uuid.UUID) ([]*db.Approval, error) {
	approvals, err := r.db.ListPendingApprovals(ctx, userID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "failed to list approvals", err)
	}
	return approvals, nil
}

// DecideApproval resolves a pending approval. Approving re-runs the
// full submission pipeline against current prices and limits; the
// original quote is stale by now and the intent is never trusted
// as-is. Rejecting cancels the queued trade.
func (r *Router) DecideApproval(ctx context.Context, userID, approvalID uuid.UUID, approve bool, reason *string) (*Result, error) {
	approval, err := r.db.GetApproval(ctx, approvalID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, apperr.New(apperr.KindNotFound, "approval not found")
		}
		return nil, apperr.Wrap(apperr.KindInternal, "failed to load approval", err)
	}
	if approval.UserID != userID {
		// Not revealing foreign approval ids.
		return nil, apperr.New(apperr.KindNotFound, "approval not found")
	}
	if approval.Status != db.ApprovalStatusPending {
		return nil, apperr.Newf(apperr.KindConflict, "approval already %s", approval.Status)
	}

	now := time.Now().UTC()
	if !approval.ExpiresAt.After(now) {
		// The sweep will also catch it; whoever flips the row first
		// wins and the loser sees the conflict.
		if err := r.expireOne(ctx, approval); err == nil {
			return nil, apperr.New(apperr.KindConflict, "approval expired")
		}
		return nil, apperr.Newf(apperr.KindConflict, "approval already %s", db.ApprovalStatusExpired)
	}

	if !approve {
		if err := r.db.DecideApproval(ctx, approvalID, db.ApprovalStatusRejected, reason); err != nil {
			if errors.Is(err, db.ErrNotFound) {
				return nil, apperr.New(apperr.KindConflict, "approval already decided")
			}
			return nil, apperr.Wrap(apperr.KindInternal, "failed to reject approval", err)
		}
		metrics.RecordApproval("rejected")

		var trade *db.Trade
		if approval.TradeID != nil {
			detail := "approval rejected"
			if reason != nil && *reason != "" {
				detail = fmt.Sprintf("approval rejected: %s", *reason)
			}
			if err := r.db.UpdateTradeStatus(ctx, *approval.TradeID, db.TradeStatusCanceled, &detail); err != nil {
				log.Error().Err(err).Str("trade_id", approval.TradeID.String()).Msg("Failed to cancel trade for rejected approval")
			}
			trade, _ = r.db.GetTrade(ctx, *approval.TradeID)
		}
		if r.audit != nil {
			_ = r.audit.LogTradeAction(ctx, audit.EventTypeApprovalRejected, userID.String(), "", tradeIDString(approval.TradeID), nil, true, "")
		}
		approval.Status = db.ApprovalStatusRejected
		return &Result{Trade: trade, Approval: approval}, nil
	}

	// Claim the approval before executing so a concurrent decision or
	// the expiry sweep cannot double-submit.
	if err := r.db.DecideApproval(ctx, approvalID, db.ApprovalStatusApproved, reason); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, apperr.New(apperr.KindConflict, "approval already decided")
		}
		return nil, apperr.Wrap(apperr.KindInternal, "failed to approve", err)
	}
	metrics.RecordApproval("approved")
	approval.Status = db.ApprovalStatusApproved

	req, err := decodeIntent(userID, approval.Intent)
	if err != nil {
		return nil, r.failApprovedIntent(ctx, approval, err)
	}

	mu := r.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	snap, err := r.gate(ctx, userID)
	if err != nil {
		return nil, r.failApprovedIntent(ctx, approval, err)
	}

	var existing *db.Trade
	if approval.TradeID != nil {
		existing, err = r.db.GetTrade(ctx, *approval.TradeID)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "failed to load queued trade", err)
		}
	}

	result, err := r.execute(ctx, req, ModeAssisted, snap, existing)
	if err != nil {
		return nil, err
	}
	result.Approval = approval
	if r.audit != nil {
		_ = r.audit.LogTradeAction(ctx, audit.EventTypeApprovalAccepted, userID.String(), "", result.Trade.ID.String(), map[string]interface{}{
			"approval_id": approval.ID.String(),
		}, true, "")
	}
	return result, nil
}

// failApprovedIntent cancels the queued trade when an approved intent
// cannot execute (gate closed, corrupt intent). The approval stays
// approved; the trade row carries the failure.
func (r *Router) failApprovedIntent(ctx context.Context, approval *db.Approval, cause error) error {
	if approval.TradeID != nil {
		detail := apperr.AsError(cause).Message
		if err := r.db.UpdateTradeStatus(ctx, *approval.TradeID, db.TradeStatusRejected, &detail); err != nil {
			log.Error().Err(err).Str("trade_id", approval.TradeID.String()).Msg("Failed to reject trade for unexecutable approval")
		}
	}
	return cause
}

// ExpireApprovals cancels every pending approval past its deadline.
// The scheduler runs this; returns how many expired.
func (r *Router) ExpireApprovals(ctx context.Context) (int, error) {
	expired, err := r.db.ExpireStaleApprovals(ctx)
	if err != nil {
		return 0, err
	}
	for _, approval := range expired {
		if err := r.finishExpiry(ctx, approval); err != nil {
			log.Error().Err(err).Str("approval_id", approval.ID.String()).Msg("Failed to finish approval expiry")
		}
	}
	return len(expired), nil
}

// expireOne force-expires a single approval found stale at decision
// time.
func (r *Router) expireOne(ctx context.Context, approval *db.Approval) error {
	if err := r.db.DecideApproval(ctx, approval.ID, db.ApprovalStatusExpired, nil); err != nil {
		return err
	}
	approval.Status = db.ApprovalStatusExpired
	return r.finishExpiry(ctx, approval)
}

func (r *Router) finishExpiry(ctx context.Context, approval *db.Approval) error {
	metrics.RecordApproval("expired")

	if approval.TradeID != nil {
		detail := "approval expired"
		if err := r.db.UpdateTradeStatus(ctx, *approval.TradeID, db.TradeStatusCanceled, &detail); err != nil && !errors.Is(err, db.ErrNotFound) {
			return err
		}
	}
	if r.audit != nil {
		_ = r.audit.LogTradeAction(ctx, audit.EventTypeApprovalExpired, approval.UserID.String(), "", tradeIDString(approval.TradeID), map[string]interface{}{
			"approval_id": approval.ID.String(),
		}, true, "")
	}
	r.notify(ctx, approval.UserID, db.NotificationTypeApproval,
		"Trade approval expired",
		"A pending trade approval timed out and the order was cancelled",
		"approval:"+approval.ID.String()+":expired",
		map[string]interface{}{"approval_id": approval.ID.String()})
	r.publishApproval(ctx, bus.EventApprovalExpired, approval)
	return nil
}

func (r *Router) publishApproval(ctx context.Context, eventType bus.EventType, approval *db.Approval) {
	if r.bus == nil {
		return
	}
	payload := map[string]interface{}{
		"approval_id": approval.ID.String(),
		"status":      string(approval.Status),
		"expires_at":  approval.ExpiresAt,
	}
	if approval.TradeID != nil {
		payload["trade_id"] = approval.TradeID.String()
	}
	ev, err := bus.NewEvent(eventType, payload)
	if err != nil {
		return
	}
	if err := r.bus.PublishTradeEvent(ctx, approval.UserID.String(), ev); err != nil {
		log.Warn().Err(err).Str("approval_id", approval.ID.String()).Msg("Failed to publish approval event")
	}
}

// encodeIntent serializes an order request for storage. Decimals
// travel as strings so nothing rounds through float64.
func encodeIntent(req OrderRequest) map[string]interface{} {
	intent := map[string]interface{}{
		"symbol":   req.Symbol,
		"side":     string(req.Side),
		"type":     string(req.Type),
		"quantity": req.Quantity.String(),
		"source":   string(req.Source),
	}
	if req.LimitPrice != nil {
		intent["limit_price"] = req.LimitPrice.String()
	}
	if req.StopLoss != nil {
		intent["stop_loss"] = req.StopLoss.String()
	}
	if req.TakeProfit != nil {
		intent["take_profit"] = req.TakeProfit.String()
	}
	if req.SignalReason != "" {
		intent["reason"] = req.SignalReason
	}
	return intent
}

// decodeIntent rebuilds the order request and re-validates it; stored
// intents get no more trust than fresh input.
func decodeIntent(userID uuid.UUID, intent map[string]interface{}) (OrderRequest, error) {
	req := OrderRequest{
		UserID: userID,
		Symbol: stringField(intent, "symbol"),
		Side:   db.TradeSide(stringField(intent, "side")),
		Type:   db.TradeType(stringField(intent, "type")),
		Source: SourceAutomated,
	}

	qty, err := decimalField(intent, "quantity")
	if err != nil {
		return OrderRequest{}, apperr.Wrap(apperr.KindValidation, "corrupt approval intent", err)
	}
	req.Quantity = qty

	for key, dst := range map[string]**decimal.Decimal{
		"limit_price": &req.LimitPrice,
		"stop_loss":   &req.StopLoss,
		"take_profit": &req.TakeProfit,
	} {
		if _, ok := intent[key]; !ok {
			continue
		}
		val, err := decimalField(intent, key)
		if err != nil {
			return OrderRequest{}, apperr.Wrap(apperr.KindValidation, "corrupt approval intent", err)
		}
		*dst = &val
	}
	if reason := stringField(intent, "reason"); reason != "" {
		req.SignalReason = reason
	}

	if err := req.Validate(); err != nil {
		return OrderRequest{}, err
	}
	return req, nil
}

func stringField(m map[string]interface{}, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func decimalField(m map[string]interface{}, key string) (decimal.Decimal, error) {
	s, ok := m[key].(string)
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("intent field %s missing or not a string", key)
	}
	return decimal.NewFromString(s)
}

func tradeIDString(id *uuid.UUID) string {
	if id == nil {
		return ""
	}
	return id.String()
}
