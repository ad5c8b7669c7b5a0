package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/neontrader/backend/internal/apperr"
	"github.com/neontrader/backend/internal/db"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 200
)

// pagination reads limit/offset query params with sane bounds.
func pagination(c *gin.Context) (limit, offset int) {
	limit = defaultPageLimit
	if raw := c.Query("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			limit = v
		}
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	if raw := c.Query("offset"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v >= 0 {
			offset = v
		}
	}
	return limit, offset
}

// handleGetPortfolio returns the caller's live portfolio snapshot,
// positions marked at current quotes.
func (s *Server) handleGetPortfolio(c *gin.Context) {
	snap, err := s.portfolio.Snapshot(c.Request.Context(), userID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toPortfolioDTO(snap, time.Now()))
}

// handleGetJournal pages through the immutable balance journal.
func (s *Server) handleGetJournal(c *gin.Context) {
	ctx := c.Request.Context()

	pf, err := s.portfolio.Ensure(ctx, userID(c))
	if err != nil {
		respondError(c, err)
		return
	}

	limit, offset := pagination(c)
	entries, err := s.db.GetJournalEntries(ctx, pf.ID, limit, offset)
	if err != nil {
		respondError(c, apperr.Wrap(apperr.KindInternal, "failed to list journal entries", err))
		return
	}

	out := make([]journalEntryDTO, 0, len(entries))
	for _, e := range entries {
		out = append(out, toJournalEntryDTO(e))
	}
	c.JSON(http.StatusOK, gin.H{"entries": out, "limit": limit, "offset": offset})
}

type protectionRequest struct {
	StopLoss   *decimal.Decimal `json:"stop_loss"`
	TakeProfit *decimal.Decimal `json:"take_profit"`
}

// handleSetProtection updates the stop-loss/take-profit levels on one
// of the caller's open positions. Omitted or null levels are cleared.
func (s *Server) handleSetProtection(c *gin.Context) {
	positionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, apperr.New(apperr.KindValidation, "invalid position id"))
		return
	}

	var req protectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.New(apperr.KindValidation, "invalid JSON body"))
		return
	}
	if req.StopLoss != nil && !req.StopLoss.IsPositive() {
		respondError(c, apperr.New(apperr.KindValidation, "stop_loss must be positive"))
		return
	}
	if req.TakeProfit != nil && !req.TakeProfit.IsPositive() {
		respondError(c, apperr.New(apperr.KindValidation, "take_profit must be positive"))
		return
	}

	if err := s.portfolio.SetProtection(c.Request.Context(), userID(c), positionID, req.StopLoss, req.TakeProfit); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			respondError(c, apperr.New(apperr.KindNotFound, "open position not found"))
			return
		}
		respondError(c, apperr.Wrap(apperr.KindInternal, "failed to update protection", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "updated"})
}

// handleGetSnapshots returns daily equity snapshots, newest first.
// ?since=RFC3339 narrows the range; default is the last 90 days.
func (s *Server) handleGetSnapshots(c *gin.Context) {
	ctx := c.Request.Context()

	pf, err := s.portfolio.Ensure(ctx, userID(c))
	if err != nil {
		respondError(c, err)
		return
	}

	since := time.Now().AddDate(0, 0, -90)
	if raw := c.Query("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			respondError(c, apperr.New(apperr.KindValidation, "since must be RFC3339"))
			return
		}
		since = parsed
	}

	limit, _ := pagination(c)
	snaps, err := s.db.ListSnapshots(ctx, pf.ID, since, limit)
	if err != nil {
		respondError(c, apperr.Wrap(apperr.KindInternal, "failed to list snapshots", err))
		return
	}

	out := make([]snapshotDTO, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, toSnapshotDTO(snap))
	}
	c.JSON(http.StatusOK, gin.H{"snapshots": out})
}
