package ingest

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/harborfi/ledgerd/internal/chain"
	"github.com/harborfi/ledgerd/internal/events"
	"github.com/harborfi/ledgerd/internal/ledger"
	"github.com/harborfi/ledgerd/internal/logger"
	"github.com/harborfi/ledgerd/internal/types"
)

// Error definitions
var (
	ErrDispatcherClosed = errors.New("dispatcher has been stopped")
	ErrQueueSaturated   = errors.New("ingest queue is saturated")
)

const shardQueueDepth = 256

// Dispatcher normalizes raw chain events and applies them to the ledgers.
// Events are sharded by wallet address onto a fixed worker pool so each
// user's events apply strictly in order while unrelated users proceed in
// parallel.
type Dispatcher struct {
	normalizer *events.Normalizer
	positions  *ledger.PositionLedger
	graph      *ledger.ReferralGraph
	reader chain.Reader
	logger zerolog.Logger

	shards []chan types.DomainEvent
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewDispatcher creates a dispatcher with the given number of workers. The
// chain reader is optional; without it an out-of-order delivery is dropped
// instead of triggering a resync.
func NewDispatcher(
	normalizer *events.Normalizer,
	positions *ledger.PositionLedger,
	graph *ledger.ReferralGraph,
	reader chain.Reader,
	workers int,
) (*Dispatcher, error) {
	if normalizer == nil {
		return nil, errors.New("normalizer cannot be nil")
	}
	if positions == nil {
		return nil, errors.New("position ledger cannot be nil")
	}
	if graph == nil {
		return nil, errors.New("referral graph cannot be nil")
	}
	if workers < 1 {
		return nil, fmt.Errorf("worker count must be at least 1, got %d", workers)
	}

	d := &Dispatcher{
		normalizer: normalizer,
		positions:  positions,
		graph:      graph,
		reader:     reader,
		logger:     logger.GetForComponent("ingest_dispatcher"),
		shards:     make([]chan types.DomainEvent, workers),
	}
	for i := range d.shards {
		d.shards[i] = make(chan types.DomainEvent, shardQueueDepth)
	}
	return d, nil
}

// Start launches the worker pool. Workers drain their shard queues until
// Stop closes them.
func (d *Dispatcher) Start(ctx context.Context) {
	for i, shard := range d.shards {
		d.wg.Add(1)
		go d.runWorker(ctx, i, shard)
	}
	d.logger.Info().Int("workers", len(d.shards)).Msg("Ingest dispatcher started")
}

// Stop closes the shard queues and waits for in-flight events to drain.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for _, shard := range d.shards {
		close(shard)
	}
	d.mu.Unlock()

	d.wg.Wait()
	d.logger.Info().Msg("Ingest dispatcher stopped")
}

// Submit normalizes a raw event and enqueues it on its user's shard.
// Malformed and unknown events are rejected here, before they reach a worker.
func (d *Dispatcher) Submit(raw types.RawEvent) error {
	ev, err := d.normalizer.Normalize(raw)
	if err != nil {
		if errors.Is(err, events.ErrUnknownEvent) {
			d.logger.Warn().
				Str("event", raw.EventName).
				Str("txHash", raw.TxHash).
				Msg("Skipping unknown event")
			return nil
		}
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDispatcherClosed
	}

	shard := d.shards[shardFor(ev.User, len(d.shards))]
	select {
	case shard <- ev:
		return nil
	default:
		return fmt.Errorf("%w: user %s", ErrQueueSaturated, ev.User)
	}
}

// Apply normalizes and applies one raw event synchronously, bypassing the
// worker pool. The web intake endpoint uses this path. Unknown event names
// are dropped here just as on the async path.
func (d *Dispatcher) Apply(ctx context.Context, raw types.RawEvent) error {
	ev, err := d.normalizer.Normalize(raw)
	if err != nil {
		if errors.Is(err, events.ErrUnknownEvent) {
			d.logger.Warn().
				Str("event", raw.EventName).
				Str("txHash", raw.TxHash).
				Msg("Skipping unknown event")
			return nil
		}
		return err
	}
	return d.apply(ctx, ev)
}

func (d *Dispatcher) runWorker(ctx context.Context, index int, shard <-chan types.DomainEvent) {
	defer d.wg.Done()
	for ev := range shard {
		if err := d.apply(ctx, ev); err != nil {
			d.logger.Error().
				Err(err).
				Int("worker", index).
				Str("kind", string(ev.Kind)).
				Str("user", ev.User).
				Str("key", ev.Key()).
				Msg("Failed to apply event")
		}
	}
}

// apply routes a domain event to the owning ledger. An out-of-order deposit
// or withdrawal triggers a resync from chain state when a reader is wired.
func (d *Dispatcher) apply(ctx context.Context, ev types.DomainEvent) error {
	var err error
	switch ev.Kind {
	case types.EventDeposit:
		err = d.positions.ApplyDeposit(ev)
	case types.EventWithdraw:
		err = d.positions.ApplyWithdraw(ev)
	case types.EventHarvest:
		err = d.positions.ApplyHarvest(ev)
	case types.EventReferralRegistered:
		return d.graph.RegisterReferral(ev)
	case types.EventTierChanged:
		return d.graph.ApplyTierChange(ev)
	default:
		return fmt.Errorf("%w: %s", events.ErrUnknownEvent, ev.Kind)
	}

	if errors.Is(err, ledger.ErrOutOfOrderEvent) {
		return d.resync(ctx, ev)
	}
	return err
}

// resync rebuilds the user's vault position from authoritative chain reads.
func (d *Dispatcher) resync(ctx context.Context, ev types.DomainEvent) error {
	if d.reader == nil {
		d.logger.Warn().
			Str("user", ev.User).
			Str("vault", ev.VaultAddress).
			Str("key", ev.Key()).
			Msg("Out-of-order event dropped, no chain reader configured")
		return nil
	}

	shares, err := d.reader.ShareBalance(ctx, ev.VaultAddress, ev.User)
	if err != nil {
		return fmt.Errorf("resync share balance read failed: %w", err)
	}
	assets, err := d.reader.ConvertToAssets(ctx, ev.VaultAddress, shares)
	if err != nil {
		return fmt.Errorf("resync asset valuation failed: %w", err)
	}

	d.logger.Warn().
		Str("user", ev.User).
		Str("vault", ev.VaultAddress).
		Str("key", ev.Key()).
		Str("shares", shares.String()).
		Msg("Out-of-order event, resyncing from chain state")

	return d.positions.Resync(ev.User, ev.VaultAddress, ev.VaultType, shares, assets, ev.Ordering(), time.Now().UTC())
}

func shardFor(user string, shards int) int {
	h := fnv.New32a()
	h.Write([]byte(types.NormalizeAddress(user)))
	return int(h.Sum32() % uint32(shards))
}
