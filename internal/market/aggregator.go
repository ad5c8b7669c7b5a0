package market

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/neontrader/backend/internal/bus"
	"github.com/neontrader/backend/internal/metrics"
	"github.com/neontrader/backend/internal/risk"
)

// AggregatorOptions tunes freshness and per-source throttling. Zero values
// fall back to the defaults below.
type AggregatorOptions struct {
	// Freshness is how long a fetched quote may be served from cache.
	Freshness time.Duration
	// SourceTimeout bounds a single upstream fetch.
	SourceTimeout time.Duration
	// RatePerSec and Burst shape the per-source rate limiter.
	RatePerSec float64
	Burst      int
}

func (o AggregatorOptions) normalize() AggregatorOptions {
	if o.Freshness <= 0 {
		o.Freshness = 30 * time.Second
	}
	if o.SourceTimeout <= 0 {
		o.SourceTimeout = 5 * time.Second
	}
	if o.RatePerSec <= 0 {
		o.RatePerSec = 5
	}
	if o.Burst <= 0 {
		o.Burst = 10
	}
	return o
}

// Aggregator serves quotes from ranked sources per asset class. Reads hit
// a process-local hot map, then Redis, then the sources in rank order;
// concurrent misses for one symbol share a single upstream fetch. When
// every source fails the caller still gets a price, from the synthetic
// table, tagged as such.
type Aggregator struct {
	catalog  *Catalog
	sources  map[AssetClass][]Source
	cache    *QuoteCache
	breakers *risk.BreakerRegistry
	bus      *bus.Bus

	freshness     time.Duration
	sourceTimeout time.Duration

	group    singleflight.Group
	limiters map[string]*rate.Limiter

	mu  sync.RWMutex
	hot map[string]Quote
}

// DefaultSources builds the production source ranking: CoinGecko then
// Binance for crypto, Yahoo for stocks, exchangerate-api for forex.
// Commodities and indices have no live feed and always fall through to
// the synthetic table.
func DefaultSources(catalog *Catalog, coingeckoURL, binanceURL, yahooURL, exchangeRateURL string) map[AssetClass][]Source {
	return map[AssetClass][]Source{
		AssetCrypto: {NewCoinGeckoSource(coingeckoURL, catalog), NewBinanceSource(binanceURL)},
		AssetStock:  {NewYahooSource(yahooURL)},
		AssetForex:  {NewExchangeRateSource(exchangeRateURL)},
	}
}

// NewAggregator wires the aggregator. cache and b may be nil; breakers
// must not be (use NewPassthroughBreakerRegistry in tests that do not
// care about tripping).
func NewAggregator(catalog *Catalog, sources map[AssetClass][]Source, cache *QuoteCache, breakers *risk.BreakerRegistry, b *bus.Bus, opts AggregatorOptions) *Aggregator {
	opts = opts.normalize()

	limiters := make(map[string]*rate.Limiter)
	for _, ranked := range sources {
		for _, src := range ranked {
			if _, ok := limiters[src.Name()]; !ok {
				limiters[src.Name()] = rate.NewLimiter(rate.Limit(opts.RatePerSec), opts.Burst)
			}
		}
	}

	return &Aggregator{
		catalog:       catalog,
		sources:       sources,
		cache:         cache,
		breakers:      breakers,
		bus:           b,
		freshness:     opts.Freshness,
		sourceTimeout: opts.SourceTimeout,
		limiters:      limiters,
		hot:           make(map[string]Quote),
	}
}

// Catalog exposes the symbol catalog backing this aggregator.
func (a *Aggregator) Catalog() *Catalog { return a.catalog }

// Quote returns a price for symbol, served from cache while fresh. Known
// symbols always get a quote; when the whole source chain is down it is
// synthetic and tagged so. Only unknown symbols and caller cancellation
// produce errors.
func (a *Aggregator) Quote(ctx context.Context, symbol string) (Quote, error) {
	symbol = normalizeSymbol(symbol)
	class, ok := a.catalog.Classify(symbol)
	if !ok {
		return Quote{}, fmt.Errorf("%s: %w", symbol, ErrUnknownSymbol)
	}

	if q, ok := a.cached(ctx, symbol); ok {
		metrics.RecordQuoteCacheHit()
		return q, nil
	}
	metrics.RecordQuoteCacheMiss()

	return a.refresh(ctx, symbol, class)
}

// QuoteFresh returns a quote no older than maxAge, refreshing if the
// cached one is too old. Synthetic quotes are minted at request time and
// therefore pass any age bound; callers that must not act on them check
// Quote.Synthetic.
func (a *Aggregator) QuoteFresh(ctx context.Context, symbol string, maxAge time.Duration) (Quote, error) {
	symbol = normalizeSymbol(symbol)
	class, ok := a.catalog.Classify(symbol)
	if !ok {
		return Quote{}, fmt.Errorf("%s: %w", symbol, ErrUnknownSymbol)
	}

	if q, ok := a.cached(ctx, symbol); ok && q.Fresh(time.Now().UTC(), maxAge) {
		metrics.RecordQuoteCacheHit()
		return q, nil
	}
	metrics.RecordQuoteCacheMiss()

	q, err := a.refresh(ctx, symbol, class)
	if err != nil {
		return Quote{}, err
	}
	if !q.Fresh(time.Now().UTC(), maxAge) {
		return Quote{}, fmt.Errorf("%s from %s aged %s: %w", symbol, q.Source, q.Age(time.Now().UTC()).Round(time.Millisecond), ErrQuoteStale)
	}
	return q, nil
}

// Refresh forces a live fetch regardless of cache freshness and publishes
// the tick. The background poller drives this.
func (a *Aggregator) Refresh(ctx context.Context, symbol string) (Quote, error) {
	symbol = normalizeSymbol(symbol)
	class, ok := a.catalog.Classify(symbol)
	if !ok {
		return Quote{}, fmt.Errorf("%s: %w", symbol, ErrUnknownSymbol)
	}
	return a.refresh(ctx, symbol, class)
}

// Quotes fetches many symbols concurrently. Every input symbol lands in
// exactly one of the two maps: quotes for those that resolved (synthetic
// at worst), missing with the reason for those that did not.
func (a *Aggregator) Quotes(ctx context.Context, symbols []string) (map[string]Quote, map[string]string) {
	var (
		mu      sync.Mutex
		quotes  = make(map[string]Quote, len(symbols))
		missing = make(map[string]string)
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)

	for _, symbol := range symbols {
		g.Go(func() error {
			q, err := a.Quote(gctx, symbol)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				missing[symbol] = err.Error()
				return nil
			}
			quotes[symbol] = q
			return nil
		})
	}

	// Workers never return errors; Wait only orders the map writes.
	_ = g.Wait()
	return quotes, missing
}

// Health reports cache connectivity. An aggregator without Redis is
// healthy by definition.
func (a *Aggregator) Health(ctx context.Context) error {
	if a.cache == nil {
		return nil
	}
	return a.cache.Health(ctx)
}

// cached returns a quote younger than the freshness window, checking the
// hot map first and Redis second.
func (a *Aggregator) cached(ctx context.Context, symbol string) (Quote, bool) {
	now := time.Now().UTC()

	a.mu.RLock()
	q, ok := a.hot[symbol]
	a.mu.RUnlock()
	if ok && q.Fresh(now, a.freshness) {
		return q, true
	}

	if q, ok := a.cache.Get(ctx, symbol); ok && q.Fresh(now, a.freshness) {
		a.mu.Lock()
		a.hot[symbol] = q
		a.mu.Unlock()
		return q, true
	}

	return Quote{}, false
}

// refresh coalesces concurrent fetches for one symbol into a single
// flight. A caller whose context expires abandons the flight; the flight
// itself keeps running so the shared result still lands in the cache.
func (a *Aggregator) refresh(ctx context.Context, symbol string, class AssetClass) (Quote, error) {
	ch := a.group.DoChan(symbol, func() (interface{}, error) {
		return a.fetch(symbol, class), nil
	})

	select {
	case res := <-ch:
		if res.Shared {
			metrics.RecordQuoteCoalesced()
		}
		return res.Val.(Quote), nil
	case <-ctx.Done():
		return Quote{}, ctx.Err()
	}
}

// fetch walks the ranked sources for the class, skipping those whose
// breaker is open, and falls through to the synthetic table when none
// delivers. It runs on the singleflight goroutine, detached from any one
// caller's deadline.
func (a *Aggregator) fetch(symbol string, class AssetClass) Quote {
	for _, src := range a.sources[class] {
		if a.breakers.State(sourceBreaker(src.Name())) == risk.StateOpen {
			continue
		}

		q, err := a.fetchFrom(src, symbol)
		if err != nil {
			log.Debug().
				Err(err).
				Str("source", src.Name()).
				Str("symbol", symbol).
				Msg("Source fetch failed")
			continue
		}

		q.AssetClass = class
		a.store(q)
		a.publish(q)
		return q
	}

	q := SyntheticQuote(symbol, class, time.Now().UTC())
	metrics.RecordSyntheticQuote(string(class))
	log.Warn().
		Str("symbol", symbol).
		Str("asset_class", string(class)).
		Msg("No live source available, serving synthetic quote")

	// Synthetic quotes are never cached, so the next request retries the
	// live sources as soon as their breakers allow.
	a.publish(q)
	return q
}

// fetchFrom runs one source fetch under its rate limiter and breaker.
// Token waits happen outside the breaker so throttling never counts as a
// source failure; a non-positive price does.
func (a *Aggregator) fetchFrom(src Source, symbol string) (Quote, error) {
	ctx, cancel := context.WithTimeout(context.Background(), a.sourceTimeout)
	defer cancel()

	if err := a.limiters[src.Name()].Wait(ctx); err != nil {
		return Quote{}, fmt.Errorf("rate limit wait for %s: %w", src.Name(), err)
	}

	var q Quote
	start := time.Now()
	err := a.breakers.Execute(sourceBreaker(src.Name()), func() error {
		var fetchErr error
		q, fetchErr = src.Fetch(ctx, symbol)
		if fetchErr != nil {
			return fetchErr
		}
		if !q.Price.IsPositive() {
			return fmt.Errorf("%s returned non-positive price %s for %s", src.Name(), q.Price, symbol)
		}
		return nil
	})
	metrics.RecordQuoteFetch(src.Name(), float64(time.Since(start).Milliseconds()), err)
	if err != nil {
		return Quote{}, err
	}
	return q, nil
}

func (a *Aggregator) store(q Quote) {
	a.mu.Lock()
	a.hot[q.Symbol] = q
	a.mu.Unlock()

	if a.cache != nil {
		// Set logs its own failures; a dead cache must not fail the fetch.
		_ = a.cache.Set(context.Background(), q)
	}
}

func (a *Aggregator) publish(q Quote) {
	if a.bus == nil {
		return
	}

	ev, err := bus.NewEvent(bus.EventPriceUpdate, q)
	if err != nil {
		log.Warn().Err(err).Str("symbol", q.Symbol).Msg("Failed to build price event")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := a.bus.PublishPrice(ctx, q.Symbol, ev); err != nil {
		log.Warn().Err(err).Str("symbol", q.Symbol).Msg("Failed to publish price update")
	}
}

// sourceBreaker names the per-source circuit breaker.
func sourceBreaker(name string) string { return "source:" + name }

func normalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
