// Package alerts implements smart price alerts and the opportunity
// scanner. Alerts are identified by a stable fingerprint so the same
// watch cannot be armed twice; triggering is a one-shot state
// transition that survives concurrent evaluation.
package alerts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/neontrader/backend/internal/apperr"
	"github.com/neontrader/backend/internal/db"
	"github.com/neontrader/backend/internal/market"
)

// Notifier delivers user-facing notifications. Same contract as the
// trade router's: delivery is fire-and-forget, failures are the
// implementation's problem.
type Notifier interface {
	Notify(ctx context.Context, n *db.Notification)
}

// invalidator lets the service nudge the evaluation engine after a
// CRUD change instead of waiting for the next cache refresh.
type invalidator interface {
	Invalidate()
}

// Fingerprint derives the stable identity of an alert from its owner,
// symbol, condition and bucketised threshold. Bucketising rounds the
// threshold to four decimal places so values that differ below that
// resolution arm as the same alert.
func Fingerprint(owner uuid.UUID, symbol string, condition db.AlertCondition, threshold decimal.Decimal) string {
	bucket := threshold.Round(4).String()
	sum := sha256.Sum256([]byte(owner.String() + "|" + symbol + "|" + string(condition) + "|" + bucket))
	return hex.EncodeToString(sum[:])
}

// Service owns alert CRUD. All reads and writes are scoped to the
// owning user; cross-user access reports not found rather than
// forbidden so alert ids do not leak.
type Service struct {
	db      *db.DB
	catalog *market.Catalog
	engine  invalidator
}

// NewService wires the alert service. engine may be nil when no
// evaluation loop is running (tests, one-off tools).
func NewService(database *db.DB, catalog *market.Catalog, engine invalidator) *Service {
	return &Service{db: database, catalog: catalog, engine: engine}
}

// CreateRequest is a new alert submission.
type CreateRequest struct {
	Symbol    string            `json:"symbol"`
	Condition db.AlertCondition `json:"condition"`
	Threshold decimal.Decimal   `json:"threshold"`
}

// Create validates and arms a new alert. An armed alert with the same
// fingerprint already existing is a conflict.
func (s *Service) Create(ctx context.Context, userID uuid.UUID, req CreateRequest) (*db.Alert, error) {
	symbol := strings.ToUpper(strings.TrimSpace(req.Symbol))
	if symbol == "" {
		return nil, apperr.New(apperr.KindValidation, "symbol is required")
	}
	if _, ok := s.catalog.Classify(symbol); !ok {
		return nil, apperr.Newf(apperr.KindValidation, "unknown symbol %q", symbol)
	}
	if err := validateCondition(req.Condition, req.Threshold); err != nil {
		return nil, err
	}

	alert := &db.Alert{
		UserID:      userID,
		Symbol:      symbol,
		Condition:   req.Condition,
		Threshold:   req.Threshold,
		Fingerprint: Fingerprint(userID, symbol, req.Condition, req.Threshold),
	}
	if err := s.db.CreateAlert(ctx, alert); err != nil {
		if db.IsUniqueViolation(err) {
			return nil, apperr.New(apperr.KindConflict, "an identical alert is already armed")
		}
		return nil, apperr.Wrap(apperr.KindInternal, "failed to create alert", err)
	}

	s.poke()
	log.Info().
		Str("user_id", userID.String()).
		Str("symbol", symbol).
		Str("condition", string(req.Condition)).
		Str("threshold", req.Threshold.String()).
		Msg("Alert armed")
	return alert, nil
}

// List returns the user's alerts, newest first.
func (s *Service) List(ctx context.Context, userID uuid.UUID) ([]*db.Alert, error) {
	alerts, err := s.db.ListAlertsByUser(ctx, userID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "failed to list alerts", err)
	}
	return alerts, nil
}

// Get returns one alert scoped to its owner.
func (s *Service) Get(ctx context.Context, userID, alertID uuid.UUID) (*db.Alert, error) {
	alert, err := s.db.GetAlert(ctx, alertID, userID)
	if err != nil {
		return nil, mapAlertErr(err)
	}
	return alert, nil
}

// Dismiss retires an alert without deleting it.
func (s *Service) Dismiss(ctx context.Context, userID, alertID uuid.UUID) error {
	if err := s.db.DismissAlert(ctx, alertID, userID); err != nil {
		return mapAlertErr(err)
	}
	s.poke()
	return nil
}

// Rearm puts a triggered or dismissed alert back in armed state so it
// can fire again. Conflicts when an identical alert was armed in the
// meantime.
func (s *Service) Rearm(ctx context.Context, userID, alertID uuid.UUID) error {
	if err := s.db.RearmAlert(ctx, alertID, userID); err != nil {
		if db.IsUniqueViolation(err) {
			return apperr.New(apperr.KindConflict, "an identical alert is already armed")
		}
		return mapAlertErr(err)
	}
	s.poke()
	return nil
}

// Delete removes an alert permanently.
func (s *Service) Delete(ctx context.Context, userID, alertID uuid.UUID) error {
	if err := s.db.DeleteAlert(ctx, alertID, userID); err != nil {
		return mapAlertErr(err)
	}
	s.poke()
	return nil
}

func (s *Service) poke() {
	if s.engine != nil {
		s.engine.Invalidate()
	}
}

// validateCondition checks the threshold against the condition's
// domain: prices are positive, RSI lives on (0, 100), volume spikes
// are a multiplier over the rolling average and must exceed 1.
func validateCondition(condition db.AlertCondition, threshold decimal.Decimal) error {
	switch condition {
	case db.AlertPriceAbove, db.AlertPriceBelow:
		if !threshold.IsPositive() {
			return apperr.New(apperr.KindValidation, "price threshold must be positive")
		}
	case db.AlertRSIAbove, db.AlertRSIBelow:
		if !threshold.IsPositive() || threshold.GreaterThanOrEqual(decimal.NewFromInt(100)) {
			return apperr.New(apperr.KindValidation, "rsi threshold must be between 0 and 100")
		}
	case db.AlertVolumeSpike:
		if threshold.LessThanOrEqual(decimal.NewFromInt(1)) {
			return apperr.New(apperr.KindValidation, "volume spike multiplier must exceed 1")
		}
	default:
		return apperr.Newf(apperr.KindValidation, "unknown alert condition %q", condition)
	}
	return nil
}

func mapAlertErr(err error) error {
	if errors.Is(err, db.ErrNotFound) {
		return apperr.New(apperr.KindNotFound, "alert not found")
	}
	return apperr.Wrap(apperr.KindInternal, "alert operation failed", err)
}
