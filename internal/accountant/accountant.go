// Package accountant implements UsageAccountant: cost computation from a
// closed price table, and write-through recording to the usage ledger with
// a bounded background buffer for writes that outlast a soft deadline.
package accountant

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/relayfin/llmcore/internal/core"
	"github.com/relayfin/llmcore/internal/external"
)

const (
	defaultSoftDeadline = 500 * time.Millisecond
	defaultBufferSize   = 256
)

// Config carries the ledger soft deadline and background buffer size.
type Config struct {
	SoftDeadline time.Duration
	BufferSize   int
}

// Accountant is the UsageAccountant.
type Accountant struct {
	prices  core.PriceTable
	ledger  external.UsageLedger
	log     *zap.Logger
	cfg     Config
	pending chan core.UsageEvent
	dropped atomic.Int64
}

// New constructs an Accountant and starts its background writer goroutine.
func New(prices core.PriceTable, ledger external.UsageLedger, cfg Config, log *zap.Logger) *Accountant {
	if cfg.SoftDeadline <= 0 {
		cfg.SoftDeadline = defaultSoftDeadline
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	a := &Accountant{
		prices:  prices,
		ledger:  ledger,
		log:     log,
		cfg:     cfg,
		pending: make(chan core.UsageEvent, cfg.BufferSize),
	}
	go a.drain()
	return a
}

// CostOf computes the cost of one invocation from the model's price row.
// Fresh and cached input tokens are priced separately; output at its own
// rate. All three rates are per-million-tokens.
func (a *Accountant) CostOf(model core.ModelId, freshInputTokens, cachedInputTokens, outputTokens int) float64 {
	row, ok := a.prices[model]
	if !ok {
		a.log.Warn("no price row for model, pricing as zero", zap.String("model", string(model)))
		return 0
	}
	cost := float64(freshInputTokens)*row.FreshInputPerMillion/1_000_000 +
		float64(cachedInputTokens)*row.CachedInputPerMillion/1_000_000 +
		float64(outputTokens)*row.OutputPerMillion/1_000_000
	return cost
}

// Record writes a UsageEvent through to the ledger. It starts the write on
// a separate goroutine and waits up to cfg.SoftDeadline for it; if the
// deadline passes, the event is handed to a background buffer so
// the request path never blocks on a slow ledger.
func (a *Accountant) Record(ctx context.Context, event core.UsageEvent) {
	done := make(chan error, 1)
	writeCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		done <- a.ledger.AppendEvent(writeCtx, event)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("usage ledger write failed", zap.Error(err), zap.String("user", event.UserId))
		}
	case <-time.After(a.cfg.SoftDeadline):
		a.enqueueBackground(event)
	}
}

func (a *Accountant) enqueueBackground(event core.UsageEvent) {
	select {
	case a.pending <- event:
		a.log.Info("usage event deferred to background buffer",
			zap.String("user", event.UserId), zap.String("model", string(event.Model)))
	default:
		total := a.dropped.Add(1)
		a.log.Warn("usage event dropped, background buffer full",
			zap.String("user", event.UserId), zap.Int64("dropped_total", total))
	}
}

// drain writes buffered events to the ledger with a background context,
// one at a time, for as long as the Accountant lives.
func (a *Accountant) drain() {
	for event := range a.pending {
		if err := a.ledger.AppendEvent(context.Background(), event); err != nil {
			a.log.Warn("deferred usage write failed", zap.Error(err), zap.String("user", event.UserId))
		}
	}
}

// Dropped reports how many usage events have been dropped because the
// background buffer was full.
func (a *Accountant) Dropped() int64 {
	return a.dropped.Load()
}
