package exchange

import (
	"fmt"
	"strings"

	"github.com/neontrader/backend/internal/vault"
)

// Venue identifiers for the closed set of supported platforms.
const (
	VenueBinance = "binance"
	VenueBybit   = "bybit"
	VenueOKX     = "okx"
	VenuePaper   = "paper"
)

// SupportedVenues lists the platform kinds New accepts.
func SupportedVenues() []string {
	return []string{VenueBinance, VenueBybit, VenueOKX, VenuePaper}
}

// IsSupportedVenue reports whether kind names a known venue.
func IsSupportedVenue(kind string) bool {
	switch strings.ToLower(kind) {
	case VenueBinance, VenueBybit, VenueOKX, VenuePaper:
		return true
	}
	return false
}

// New builds the adapter for a platform kind. Live venues receive
// freshly decrypted credentials; the paper venue prices from the
// quote source instead. This is the only path by which credentials
// enter an adapter, and they are never logged.
func New(kind string, creds vault.Credentials, sandbox bool, quotes QuoteSource) (Exchange, error) {
	switch strings.ToLower(kind) {
	case VenuePaper:
		return NewPaper(quotes), nil
	case VenueBinance:
		return NewBinance(BinanceConfig{
			APIKey:    creds.APIKey,
			SecretKey: creds.SecretKey,
			Testnet:   sandbox,
		}), nil
	case VenueBybit:
		return NewBybit(BybitConfig{
			APIKey:    creds.APIKey,
			SecretKey: creds.SecretKey,
			Testnet:   sandbox,
		}), nil
	case VenueOKX:
		return NewOKX(OKXConfig{
			APIKey:     creds.APIKey,
			SecretKey:  creds.SecretKey,
			Passphrase: creds.Passphrase,
			Testnet:    sandbox,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported platform kind: %s", kind)
	}
}
