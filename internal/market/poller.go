package market

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Poller keeps the watchlist warm by forcing a refresh of every symbol on
// a fixed interval. Each refresh publishes a tick, so the poller is also
// what feeds steady price updates to stream subscribers.
type Poller struct {
	agg      *Aggregator
	symbols  []string
	interval time.Duration
	stopCh   chan struct{}
}

// NewPoller creates a poller. An empty watchlist defaults to the full
// catalog.
func NewPoller(agg *Aggregator, symbols []string, interval time.Duration) *Poller {
	if len(symbols) == 0 {
		symbols = agg.Catalog().AllSymbols()
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}

	return &Poller{
		agg:      agg,
		symbols:  symbols,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start runs the poll loop until the context is cancelled or Stop is
// called. It blocks, so run it on its own goroutine.
func (p *Poller) Start(ctx context.Context) error {
	log.Info().
		Int("symbols", len(p.symbols)).
		Dur("interval", p.interval).
		Msg("Starting market data poller")

	p.sweep(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Market data poller stopped (context cancelled)")
			return ctx.Err()
		case <-p.stopCh:
			log.Info().Msg("Market data poller stopped")
			return nil
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

// Stop stops the poller.
func (p *Poller) Stop() {
	close(p.stopCh)
}

// sweep refreshes every watched symbol, continuing past individual
// failures. Synthetic results are counted so a dead source chain shows up
// in the sweep summary.
func (p *Poller) sweep(ctx context.Context) {
	start := time.Now()

	var synthetic atomic.Int32

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for _, symbol := range p.symbols {
		g.Go(func() error {
			q, err := p.agg.Refresh(gctx, symbol)
			if err != nil {
				log.Error().
					Err(err).
					Str("symbol", symbol).
					Msg("Failed to refresh symbol")
				return nil
			}
			if q.Synthetic {
				synthetic.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	log.Info().
		Dur("duration", time.Since(start)).
		Int("symbols", len(p.symbols)).
		Int32("synthetic", synthetic.Load()).
		Msg("Completed market data sweep")
}
