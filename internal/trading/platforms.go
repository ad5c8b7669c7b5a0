package trading

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/neontrader/backend/internal/apperr"
	"github.com/neontrader/backend/internal/audit"
	"github.com/neontrader/backend/internal/db"
	"github.com/neontrader/backend/internal/exchange"
	"github.com/neontrader/backend/internal/vault"
)

// platformTestTimeout bounds the connectivity probe so a hung venue
// cannot stall the API handler.
const platformTestTimeout = 5 * time.Second

// Platforms manages exchange connections: credential storage through
// the vault, adapter construction, connectivity tests, and the
// platform-choice rule the router routes orders by. Adapters are
// cached per platform so credentials are decrypted once, not per
// order.
type Platforms struct {
	db     *db.DB
	vault  *vault.Vault
	quotes exchange.QuoteSource
	audit  *audit.Logger

	mu       sync.Mutex
	adapters map[uuid.UUID]exchange.Exchange
	paper    *exchange.Paper
}

// NewPlatforms creates the platform service. The quote source prices
// paper fills and is shared with every paper adapter.
func NewPlatforms(database *db.DB, v *vault.Vault, quotes exchange.QuoteSource, auditLog *audit.Logger) *Platforms {
	return &Platforms{
		db:       database,
		vault:    v,
		quotes:   quotes,
		audit:    auditLog,
		adapters: make(map[uuid.UUID]exchange.Exchange),
		paper:    exchange.NewPaper(quotes),
	}
}

// Paper returns the shared paper venue used when no live platform
// qualifies. The price monitor drives its resting orders.
func (p *Platforms) Paper() *exchange.Paper { return p.paper }

// Create encrypts the credentials and stores a new platform in
// disconnected state. Callers run Test to promote it to connected.
func (p *Platforms) Create(ctx context.Context, userID uuid.UUID, name, kind string, creds vault.Credentials, sandbox, isDefault bool) (*db.Platform, error) {
	kind = strings.ToLower(strings.TrimSpace(kind))
	if !exchange.IsSupportedVenue(kind) {
		return nil, apperr.Newf(apperr.KindValidation, "unsupported platform kind: %s", kind).
			WithDetail("supported", exchange.SupportedVenues())
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apperr.New(apperr.KindValidation, "platform name is required")
	}
	if kind != exchange.VenuePaper && creds.APIKey == "" {
		return nil, apperr.New(apperr.KindValidation, "api key is required for live platforms")
	}

	blob := ""
	if kind != exchange.VenuePaper {
		var err error
		blob, err = p.vault.EncryptCredentials(creds)
		if err != nil {
			p.auditVault(ctx, audit.EventTypeVaultFailure, userID, kind, false, "encrypt failed")
			return nil, apperr.Wrap(apperr.KindVault, "failed to store credentials", err)
		}
	}

	// Inserted non-default and promoted afterwards: SetDefaultPlatform
	// clears the previous default in the same transaction, which keeps
	// the one-default-per-user index satisfied.
	platform := &db.Platform{
		UserID:    userID,
		Name:      name,
		Kind:      kind,
		Blob:      blob,
		IsSandbox: sandbox,
	}
	if err := p.db.CreatePlatform(ctx, platform); err != nil {
		if db.IsUniqueViolation(err) {
			return nil, apperr.Newf(apperr.KindConflict, "platform named %q already exists", name)
		}
		return nil, apperr.Wrap(apperr.KindInternal, "failed to create platform", err)
	}
	if isDefault {
		if err := p.db.SetDefaultPlatform(ctx, platform.ID, userID); err != nil {
			log.Warn().Err(err).Str("platform_id", platform.ID.String()).Msg("Failed to mark platform default")
		} else {
			platform.IsDefault = true
		}
	}

	p.auditVault(ctx, audit.EventTypeCredentialStored, userID, kind, true, "")
	return platform, nil
}

// List returns a user's platforms in router preference order: default
// first, then most recently tested.
func (p *Platforms) List(ctx context.Context, userID uuid.UUID) ([]*db.Platform, error) {
	platforms, err := p.db.ListPlatformsByUser(ctx, userID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "failed to list platforms", err)
	}
	return platforms, nil
}

// Get returns one platform owned by the user.
func (p *Platforms) Get(ctx context.Context, platformID, userID uuid.UUID) (*db.Platform, error) {
	platform, err := p.db.GetPlatform(ctx, platformID, userID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, apperr.New(apperr.KindNotFound, "platform not found")
		}
		return nil, apperr.Wrap(apperr.KindInternal, "failed to get platform", err)
	}
	return platform, nil
}

// Test runs the venue's cheap authenticated probe and records the
// outcome: connected with the observed latency, or error with the
// sanitized failure. The refreshed platform row is returned.
func (p *Platforms) Test(ctx context.Context, platformID, userID uuid.UUID) (*db.Platform, error) {
	platform, err := p.Get(ctx, platformID, userID)
	if err != nil {
		return nil, err
	}

	adapter, err := p.adapter(platform)
	if err != nil {
		lat := int64(0)
		_ = p.db.UpdatePlatformStatus(ctx, platform.ID, db.PlatformError, &lat, "credential decryption failed")
		return nil, err
	}

	probeCtx, cancel := context.WithTimeout(ctx, platformTestTimeout)
	defer cancel()

	start := time.Now()
	probeErr := adapter.Test(probeCtx)
	latency := time.Since(start).Milliseconds()

	status := db.PlatformConnected
	detail := ""
	if probeErr != nil {
		status = db.PlatformError
		detail = exchange.Classify(platform.Kind, probeErr).Message
	}
	if err := p.db.UpdatePlatformStatus(ctx, platform.ID, status, &latency, detail); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "failed to record platform test", err)
	}

	log.Info().
		Str("platform_id", platform.ID.String()).
		Str("kind", platform.Kind).
		Str("status", string(status)).
		Int64("latency_ms", latency).
		Msg("Platform tested")

	if probeErr != nil {
		return nil, exchange.ToAppError(probeErr)
	}
	return p.Get(ctx, platformID, userID)
}

// SetDefault marks one platform as the user's routing default.
func (p *Platforms) SetDefault(ctx context.Context, platformID, userID uuid.UUID) error {
	if err := p.db.SetDefaultPlatform(ctx, platformID, userID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return apperr.New(apperr.KindNotFound, "platform not found")
		}
		return apperr.Wrap(apperr.KindInternal, "failed to set default platform", err)
	}
	return nil
}

// Delete removes a platform and drops its cached adapter. The
// encrypted credential blob goes with the row.
func (p *Platforms) Delete(ctx context.Context, platformID, userID uuid.UUID) error {
	platform, err := p.Get(ctx, platformID, userID)
	if err != nil {
		return err
	}
	if err := p.db.DeletePlatform(ctx, platformID, userID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return apperr.New(apperr.KindNotFound, "platform not found")
		}
		return apperr.Wrap(apperr.KindInternal, "failed to delete platform", err)
	}

	p.mu.Lock()
	delete(p.adapters, platformID)
	p.mu.Unlock()

	p.auditVault(ctx, audit.EventTypeCredentialDeleted, userID, platform.Kind, true, "")
	return nil
}

// ChooseFor applies the routing rule: the default-marked connected
// live platform wins, else the most recently tested connected one,
// else the paper venue. List order already encodes the preference, so
// the first connected entry is the choice.
func (p *Platforms) ChooseFor(ctx context.Context, userID uuid.UUID) (exchange.Exchange, *db.Platform, db.ExecutionKind, error) {
	platforms, err := p.db.ListPlatformsByUser(ctx, userID)
	if err != nil {
		return nil, nil, "", apperr.Wrap(apperr.KindInternal, "failed to list platforms", err)
	}

	for _, platform := range platforms {
		if platform.Status != db.PlatformConnected || platform.Kind == exchange.VenuePaper {
			continue
		}
		adapter, err := p.adapter(platform)
		if err != nil {
			log.Warn().Err(err).
				Str("platform_id", platform.ID.String()).
				Str("kind", platform.Kind).
				Msg("Skipping platform with unusable credentials")
			continue
		}
		return adapter, platform, db.ExecutionLive, nil
	}

	return p.paper, nil, db.ExecutionPaper, nil
}

// ForVenue resolves the adapter that holds a user's position on the
// named venue, for closes that must settle where the position lives.
func (p *Platforms) ForVenue(ctx context.Context, userID uuid.UUID, venue string) (exchange.Exchange, db.ExecutionKind, error) {
	venue = strings.ToLower(venue)
	if venue == "" || venue == exchange.VenuePaper {
		return p.paper, db.ExecutionPaper, nil
	}

	platforms, err := p.db.ListPlatformsByUser(ctx, userID)
	if err != nil {
		return nil, "", apperr.Wrap(apperr.KindInternal, "failed to list platforms", err)
	}
	for _, platform := range platforms {
		if platform.Kind != venue || platform.Status != db.PlatformConnected {
			continue
		}
		adapter, err := p.adapter(platform)
		if err != nil {
			continue
		}
		return adapter, db.ExecutionLive, nil
	}

	return nil, "", apperr.Newf(apperr.KindUpstream, "no connected %s platform to close on", venue)
}

// adapter returns the cached adapter for a platform, building it on
// first use. Credentials are decrypted here and nowhere else; they
// live only inside the adapter's client.
func (p *Platforms) adapter(platform *db.Platform) (exchange.Exchange, error) {
	if platform.Kind == exchange.VenuePaper {
		return p.paper, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if adapter, ok := p.adapters[platform.ID]; ok {
		return adapter, nil
	}

	creds, err := p.vault.DecryptCredentials(platform.Blob)
	if err != nil {
		p.auditVault(context.Background(), audit.EventTypeVaultFailure, platform.UserID, platform.Kind, false, "decrypt failed")
		return nil, apperr.Wrap(apperr.KindVault, "failed to decrypt platform credentials", err)
	}

	adapter, err := exchange.New(platform.Kind, *creds, platform.IsSandbox, p.quotes)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "failed to build exchange adapter", err)
	}
	p.adapters[platform.ID] = adapter
	return adapter, nil
}

func (p *Platforms) auditVault(ctx context.Context, eventType audit.EventType, userID uuid.UUID, platformKind string, success bool, errMsg string) {
	if p.audit == nil {
		return
	}
	if err := p.audit.LogVaultEvent(ctx, eventType, userID.String(), platformKind, success, errMsg); err != nil {
		log.Warn().Err(err).Msg("Failed to write vault audit event")
	}
}
