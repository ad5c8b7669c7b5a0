package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/neontrader/backend/internal/apperr"
	"github.com/neontrader/backend/internal/indicators"
	"github.com/neontrader/backend/internal/validation"
)

// maxQuoteBatch bounds the fan-out of one batch quote request.
const maxQuoteBatch = 50

// handleGetQuote returns the freshest quote for one symbol, fetching
// through the source chain when the cache is stale.
func (s *Server) handleGetQuote(c *gin.Context) {
	symbol := validation.NormalizeSymbol(c.Param("symbol"))

	v := validation.NewValidator()
	v.Symbol("symbol", symbol)
	if v.HasErrors() {
		respondError(c, v.Errors().AsAppError())
		return
	}

	quote, err := s.market.Quote(c.Request.Context(), symbol)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, quote)
}

// handleGetQuotes returns quotes for ?symbols=A,B,C. Partial failure
// is not an error: failed symbols land in the errors map.
func (s *Server) handleGetQuotes(c *gin.Context) {
	raw := c.Query("symbols")
	if strings.TrimSpace(raw) == "" {
		respondError(c, apperr.New(apperr.KindValidation, "symbols query parameter is required"))
		return
	}

	var symbols []string
	seen := make(map[string]bool)
	for _, part := range strings.Split(raw, ",") {
		symbol := validation.NormalizeSymbol(part)
		if symbol == "" || seen[symbol] {
			continue
		}
		seen[symbol] = true
		symbols = append(symbols, symbol)
	}
	if len(symbols) == 0 {
		respondError(c, apperr.New(apperr.KindValidation, "no valid symbols given"))
		return
	}
	if len(symbols) > maxQuoteBatch {
		respondError(c, apperr.Newf(apperr.KindValidation, "at most %d symbols per request", maxQuoteBatch))
		return
	}

	quotes, failures := s.market.Quotes(c.Request.Context(), symbols)

	c.JSON(http.StatusOK, gin.H{"quotes": quotes, "errors": failures})
}

// handleGetIndicators reports the RSI, EMA and Bollinger state over the
// price window the alert engine maintains for the symbol. Windows fill
// from live ticks, so a symbol nobody has quoted recently has no
// history; the handler forces one read and tells the caller to retry.
func (s *Server) handleGetIndicators(c *gin.Context) {
	symbol := validation.NormalizeSymbol(c.Param("symbol"))

	v := validation.NewValidator()
	v.Symbol("symbol", symbol)
	if v.HasErrors() {
		respondError(c, v.Errors().AsAppError())
		return
	}

	closes := s.alertEngine.Closes(symbol)
	if len(closes) == 0 {
		// Validates the symbol and starts the window filling: the tick
		// reaches the engine over the bus, not on this request.
		if _, err := s.market.Quote(c.Request.Context(), symbol); err != nil {
			respondError(c, err)
			return
		}
		closes = s.alertEngine.Closes(symbol)
	}
	if len(closes) == 0 {
		respondError(c, apperr.Newf(apperr.KindUpstream, "no price history for %s yet, retry shortly", symbol))
		return
	}

	analysis, err := indicators.Analyze(closes)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"symbol":     symbol,
		"samples":    len(closes),
		"indicators": analysis,
	})
}

type analyzeRequest struct {
	Symbol string `json:"symbol"`
}

// handleAnalyze generates market commentary for one symbol. When the
// completion provider is down or unconfigured the response is the
// deterministic fallback, marked degraded.
func (s *Server) handleAnalyze(c *gin.Context) {
	var req analyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.New(apperr.KindValidation, "invalid JSON body"))
		return
	}

	symbol := validation.NormalizeSymbol(req.Symbol)
	v := validation.NewValidator()
	v.Symbol("symbol", symbol)
	if v.HasErrors() {
		respondError(c, v.Errors().AsAppError())
		return
	}

	analysis, err := s.advisor.Analyze(c.Request.Context(), symbol)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, analysis)
}
