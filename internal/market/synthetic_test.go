package market

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestSyntheticQuote(t *testing.T) {
	now := time.Now().UTC()

	q := SyntheticQuote("BTCUSDT", AssetCrypto, now)

	if !q.Price.Equal(decimal.RequireFromString("43250.50")) {
		t.Errorf("Expected table price 43250.50, got %s", q.Price)
	}
	if q.Source != SourceSynthetic {
		t.Errorf("Expected source %q, got %q", SourceSynthetic, q.Source)
	}
	if !q.Synthetic {
		t.Error("Expected Synthetic flag to be set")
	}
	if q.AssetClass != AssetCrypto {
		t.Errorf("Expected asset class crypto, got %s", q.AssetClass)
	}
	if !q.FetchedAt.Equal(now) {
		t.Errorf("Expected FetchedAt %v, got %v", now, q.FetchedAt)
	}
}

func TestSyntheticQuote_DefaultPrice(t *testing.T) {
	q := SyntheticQuote("LINKUSDT", AssetCrypto, time.Now().UTC())

	if !q.Price.Equal(decimal.NewFromInt(100)) {
		t.Errorf("Expected default price 100 for untabled symbol, got %s", q.Price)
	}
	if !q.Synthetic {
		t.Error("Expected Synthetic flag to be set")
	}
}

func TestSyntheticQuote_EveryClassCovered(t *testing.T) {
	catalog, err := LoadCatalog()
	if err != nil {
		t.Fatalf("Failed to load catalog: %v", err)
	}

	// Every cataloged symbol has a dedicated table entry so fallback
	// prices stay plausible for their class.
	for _, symbol := range catalog.AllSymbols() {
		class, _ := catalog.Classify(symbol)
		q := SyntheticQuote(symbol, class, time.Now().UTC())
		if q.Price.Equal(syntheticDefault) {
			t.Errorf("Expected a dedicated synthetic price for %s", symbol)
		}
		if !q.Price.IsPositive() {
			t.Errorf("Expected positive synthetic price for %s, got %s", symbol, q.Price)
		}
	}
}
