package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/neontrader/backend/internal/apperr"
	"github.com/neontrader/backend/internal/db"
	"github.com/neontrader/backend/internal/trading"
	"github.com/neontrader/backend/internal/validation"
)

// handleListTrades returns the caller's trades, newest first.
func (s *Server) handleListTrades(c *gin.Context) {
	limit, offset := pagination(c)
	trades, err := s.trading.Trades(c.Request.Context(), userID(c), limit, offset)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": toTradeDTOs(trades), "limit": limit, "offset": offset})
}

type submitOrderRequest struct {
	Symbol     string           `json:"symbol"`
	Side       string           `json:"side"`
	Type       string           `json:"type"`
	Quantity   decimal.Decimal  `json:"quantity"`
	LimitPrice *decimal.Decimal `json:"limit_price"`
	StopLoss   *decimal.Decimal `json:"stop_loss"`
	TakeProfit *decimal.Decimal `json:"take_profit"`
}

// handleSubmitOrder runs one order through the full pipeline. The
// Idempotency-Key header makes retries safe; a replay returns the
// originally recorded trade.
func (s *Server) handleSubmitOrder(c *gin.Context) {
	var req submitOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.New(apperr.KindValidation, "invalid JSON body"))
		return
	}

	orderType := strings.ToLower(strings.TrimSpace(req.Type))
	if orderType == "" {
		orderType = string(db.TradeTypeMarket)
	}

	order := trading.OrderRequest{
		UserID:         userID(c),
		Symbol:         validation.NormalizeSymbol(req.Symbol),
		Side:           db.TradeSide(strings.ToLower(strings.TrimSpace(req.Side))),
		Type:           db.TradeType(orderType),
		Quantity:       req.Quantity,
		LimitPrice:     req.LimitPrice,
		StopLoss:       req.StopLoss,
		TakeProfit:     req.TakeProfit,
		Source:         trading.SourceManual,
		IdempotencyKey: strings.TrimSpace(c.GetHeader("Idempotency-Key")),
	}

	result, err := s.trading.SubmitOrder(c.Request.Context(), order)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, toOrderResultDTO(result))
}

// handleCloseTrade closes the position the trade opened, at the
// current quote.
func (s *Server) handleCloseTrade(c *gin.Context) {
	tradeID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, apperr.New(apperr.KindValidation, "invalid trade id"))
		return
	}

	result, err := s.trading.CloseTrade(c.Request.Context(), userID(c), tradeID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, toOrderResultDTO(result))
}

// handleGetMode reports the caller's trading mode.
func (s *Server) handleGetMode(c *gin.Context) {
	user, err := s.db.GetUserByID(c.Request.Context(), userID(c))
	if err != nil {
		respondError(c, apperr.Wrap(apperr.KindInternal, "failed to load user", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"mode": user.TradingMode})
}

type modeChangeRequest struct {
	Mode string `json:"mode"`
}

// handleSetMode switches the caller between learning_only, assisted
// and autopilot.
func (s *Server) handleSetMode(c *gin.Context) {
	var req modeChangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.New(apperr.KindValidation, "invalid JSON body"))
		return
	}

	if errs := validation.ValidateModeChange(req.Mode); errs.HasErrors() {
		respondError(c, errs.AsAppError())
		return
	}

	mode, err := trading.ParseMode(req.Mode)
	if err != nil {
		respondError(c, err)
		return
	}

	if err := s.trading.SetMode(c.Request.Context(), userID(c), mode, c.ClientIP()); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"mode": string(mode)})
}

// handleListApprovals returns the caller's pending approvals.
func (s *Server) handleListApprovals(c *gin.Context) {
	approvals, err := s.trading.PendingApprovals(c.Request.Context(), userID(c))
	if err != nil {
		respondError(c, err)
		return
	}

	out := make([]approvalDTO, 0, len(approvals))
	for _, a := range approvals {
		out = append(out, toApprovalDTO(a))
	}
	c.JSON(http.StatusOK, gin.H{"approvals": out})
}

type approvalDecisionRequest struct {
	Action string  `json:"action"`
	Reason *string `json:"reason"`
}

// handleDecideApproval accepts or rejects one pending approval.
// Accepting executes the queued order at a fresh quote.
func (s *Server) handleDecideApproval(c *gin.Context) {
	approvalID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, apperr.New(apperr.KindValidation, "invalid approval id"))
		return
	}

	var req approvalDecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.New(apperr.KindValidation, "invalid JSON body"))
		return
	}

	var approve bool
	switch strings.ToLower(strings.TrimSpace(req.Action)) {
	case "approve":
		approve = true
	case "reject":
		approve = false
	default:
		respondError(c, apperr.New(apperr.KindValidation, "action must be approve or reject"))
		return
	}

	result, err := s.trading.DecideApproval(c.Request.Context(), userID(c), approvalID, approve, req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, toOrderResultDTO(result))
}
