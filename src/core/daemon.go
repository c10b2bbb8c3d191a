package main

import (
	"context"
	"time"

	"github.com/lightningnetwork/lnd/ticker"
	"go.opentelemetry.io/otel/attribute"
)

const (
	// every fifth queue round a full node revalidates the whole store
	fullValidationEvery = 5
	// incremental broadcasts happen on every third queue round
	broadcastEvery = 3
	// own items younger than this are re-propagated
	newItemWindow = 15 * time.Minute
	// the boot-time full broadcast waits for this many peers
	minPeersForDistribution = 2
)

// Run drives the janitor on every tick of t until ctx is done
func (node *ForgeNode) Run(ctx context.Context, t ticker.Ticker) {
	t.Resume()
	defer t.Stop()

	for {
		select {
		case <-t.Ticks():
			node.Tick(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// recoverSafeMode retries the chain daemon while in safe mode. Returns
// true once the node is back online.
func (node *ForgeNode) recoverSafeMode(ctx context.Context) bool {
	if err := node.chain.Ping(ctx); err != nil {
		logger.Debug("ZENZO Core still unreachable", "error", err)
		return false
	}
	logger.Info("ZENZO Core reachable again, leaving safe mode")
	node.activate(ctx)
	return !node.InSafeMode()
}

// Tick runs one janitor pass. The steps run in a fixed order: reconnect,
// ping and reconcile, sign owned items, queue revalidation, drain the
// queue, propagate own items, persist and re-lock collateral.
func (node *ForgeNode) Tick(ctx context.Context) {
	ctx, span := tracer.Start(ctx, "ForgeNode.Tick")
	defer span.End()

	run := node.janitorRuns.Add(1)
	RecordJanitorRun()

	if node.InSafeMode() && !node.recoverSafeMode(ctx) {
		span.SetAttributes(attribute.Bool("safe_mode", true))
		return
	}

	if node.peers.Len() == 0 {
		node.replicator.ConnectSeeds(ctx, node.cfg.SeedNodes)
	}

	if node.peers.Len() > 0 {
		node.replicator.PingPeers(ctx)
		node.replicator.ExchangeAll(ctx)
	}

	signed := node.SignOwnedItems(ctx)

	ours := node.queueRevalidation()

	node.engine.DrainQueue(ctx)

	node.propagate(ctx, ours, signed)

	if err := node.Persist(); err != nil {
		logger.Error("Failed to persist items", "error", err)
	}

	node.collateral.Lock(ctx, node.ownedItems())

	span.SetAttributes(
		attribute.Int64("run", int64(run)),
		attribute.Int("items", node.store.Len()),
		attribute.Int("peers", node.peers.Len()))
}

// queueRevalidation queues every item due for revalidation and returns the
// items that involve the operator
func (node *ForgeNode) queueRevalidation() []*Item {
	operator := node.operator.Address()
	fullValidation := node.cfg.FullNode && node.queue.Rounds()%fullValidationEvery == 0
	if fullValidation {
		logger.Debug("Preparing to validate all items")
	}
	now := node.clock.Now()

	var ours []*Item
	queued := 0
	for _, item := range node.store.List(true, true) {
		involvesUs := item.InvolvesAddress(operator)
		if involvesUs {
			ours = append(ours, item)
		}
		due := fullValidation || involvesUs || item.Level() == ValidityPending
		if due && item.NeedsValidating(now, operator) && node.engine.Revalidate(item) {
			queued++
		}
	}
	if queued > 0 {
		logger.Debug("Queued items for revalidation", "items", queued, "full", fullValidation)
	}
	return ours
}

// propagate pushes our own items to peers. All of them go out once per boot
// when enough peers are connected; after that only items younger than the
// new-item window, every few queue rounds or right after signing.
func (node *ForgeNode) propagate(ctx context.Context, ours, signed []*Item) {
	if node.peers.Len() == 0 {
		return
	}

	if len(signed) > 0 {
		node.replicator.BroadcastItems(ctx, signed, true)
	}
	if len(ours) == 0 {
		return
	}

	if !node.hasDistributed.Load() {
		if node.peers.Len() >= minPeersForDistribution {
			logger.Info("Propagating node-related items to the network", "items", len(ours))
			node.replicator.BroadcastItems(ctx, ours, true)
			node.hasDistributed.Store(true)
		}
		return
	}

	if node.queue.Rounds()%broadcastEvery != 0 && len(signed) == 0 {
		return
	}
	cutoff := node.clock.Now().Add(-newItemWindow).Unix()
	var fresh []*Item
	for _, item := range ours {
		if item.Timestamp > 0 && item.Timestamp > cutoff {
			fresh = append(fresh, item)
		}
	}
	if len(fresh) > 0 {
		logger.Info("Propagating new node-related items to the network", "items", len(fresh))
		node.replicator.BroadcastItems(ctx, fresh, false)
	}
}
