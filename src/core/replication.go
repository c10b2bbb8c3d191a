package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// maxPeerFanout bounds concurrent requests during a peer sweep
const maxPeerFanout = 8

// Replicator reconciles our store with peers
type Replicator struct {
	store  *ItemStore
	engine *ValidationEngine
	peers  *PeerSet
	client *PeerClient
	tracer trace.Tracer

	selfPort    string
	useHashSync bool
}

// NewReplicator wires a replicator over the store and peer set
func NewReplicator(store *ItemStore, engine *ValidationEngine, peers *PeerSet, client *PeerClient, selfPort string) *Replicator {
	return &Replicator{
		store:       store,
		engine:      engine,
		peers:       peers,
		client:      client,
		tracer:      tracer,
		selfPort:    selfPort,
		useHashSync: true,
	}
}

// DiffHashes compares content hashes. send holds the txs of our items the
// peer lacks, want holds the peer hashes we do not recognise.
func DiffHashes(ours, theirs []ItemHash) (send []string, want []ItemHash) {
	theirSet := make(map[string]bool, len(theirs))
	for _, h := range theirs {
		theirSet[h.Hash] = true
	}
	ourSet := make(map[string]bool, len(ours))
	for _, h := range ours {
		ourSet[h.Hash] = true
		if !theirSet[h.Hash] {
			send = append(send, h.Tx)
		}
	}
	for _, h := range theirs {
		if !ourSet[h.Hash] {
			want = append(want, h)
		}
	}
	return send, want
}

// DiffHeaders compares tx/version headers. Unknown or outdated items on the
// peer are sent; unknown or newer items on the peer are wanted.
func DiffHeaders(ours, theirs []PeerSyncHeader) (send []string, want []string) {
	theirVersions := make(map[string]int, len(theirs))
	for _, h := range theirs {
		theirVersions[h.Tx] = h.Version
	}
	ourVersions := make(map[string]int, len(ours))
	for _, h := range ours {
		ourVersions[h.Tx] = h.Version
		if version, ok := theirVersions[h.Tx]; !ok || version < h.Version {
			send = append(send, h.Tx)
		}
	}
	for _, h := range theirs {
		if version, ok := ourVersions[h.Tx]; !ok || version < h.Version {
			want = append(want, h.Tx)
		}
	}
	return send, want
}

// parseItems decodes wire items, counting the ones that fail to parse
func parseItems(raw []json.RawMessage) ([]*Item, int) {
	items := make([]*Item, 0, len(raw))
	failed := 0
	for _, data := range raw {
		item, err := ParseItem(data)
		if err != nil {
			failed++
			continue
		}
		items = append(items, item)
	}
	return items, failed
}

func headersOf(items []*Item) []PeerSyncHeader {
	headers := make([]PeerSyncHeader, 0, len(items))
	for _, item := range items {
		headers = append(headers, item.Header())
	}
	return headers
}

// lookup returns our copies of the given txs, skipping unknown ones
func (r *Replicator) lookup(txs []string) []*Item {
	var items []*Item
	for _, tx := range txs {
		if item, ok := r.store.Get(tx, true, true); ok {
			items = append(items, item)
		}
	}
	return items
}

// ingest light-validates and queues items a peer sent us
func (r *Replicator) ingest(host string, raw []json.RawMessage) ValidationStats {
	items, failed := parseItems(raw)
	stats := r.engine.IntakeBatch(items)
	stats.Rejected += failed
	r.peers.RememberHeaders(host, headersOf(items))
	return stats
}

// HandleReceive processes a pushed item batch from a handshaked peer
func (r *Replicator) HandleReceive(ctx context.Context, host string, payload receivePayload) ValidationStats {
	r.engine.ValidateSmelts(ctx, payload.SmeltedItems)
	stats := r.ingest(host, payload.Items)
	logger.Debug("Received item batch",
		"peer", host,
		"accepted", stats.Accepted,
		"ignored", stats.Ignored,
		"rejected", stats.Rejected)
	return stats
}

// HandleSync answers a header-diff sync request
func (r *Replicator) HandleSync(ctx context.Context, host string, req syncRequest) syncResponse {
	r.engine.ValidateSmelts(ctx, req.SmeltedItems)
	r.peers.RememberHeaders(host, req.HeadersContext)

	send, want := DiffHeaders(r.store.Headers(true, true), req.HeadersContext)
	items := r.lookup(send)
	r.peers.RememberHeaders(host, headersOf(items))

	if want == nil {
		want = []string{}
	}
	return syncResponse{
		ItemsToSend:  encodeItems(items),
		ItemsWanted:  want,
		SmeltedItems: nonNilSmelts(r.store.Smelts()),
	}
}

// HandleHashSync answers a hash-diff sync request
func (r *Replicator) HandleHashSync(ctx context.Context, host string, req hashSyncRequest) hashSyncResponse {
	send, want := DiffHashes(r.store.Hashes(true, true), req.Hashes)
	items := r.lookup(send)
	r.peers.RememberHeaders(host, headersOf(items))

	if want == nil {
		want = []ItemHash{}
	}
	return hashSyncResponse{
		ItemsSent:    encodeItems(items),
		HashesWanted: want,
		SmeltedItems: nonNilSmelts(r.store.Smelts()),
	}
}

// ExchangeItems reconciles our store with a peer, preferring hash sync and
// falling back to header sync
func (r *Replicator) ExchangeItems(ctx context.Context, host string) error {
	ctx, span := r.tracer.Start(ctx, "Replicator.ExchangeItems",
		trace.WithAttributes(attribute.String("forge.peer", host)))
	defer span.End()

	if r.useHashSync {
		err := r.exchangeHashes(ctx, host)
		if err == nil {
			RecordSync("hashes", true)
			return nil
		}
		if errors.Is(err, ErrHandshakeRequired) {
			RecordSync("hashes", false)
			return err
		}
		logger.Debug("Hash sync failed, falling back to header sync", "peer", host, "error", err)
	}

	err := r.exchangeHeaders(ctx, host)
	RecordSync("headers", err == nil)
	return err
}

func (r *Replicator) exchangeHashes(ctx context.Context, host string) error {
	resp, err := r.client.SyncHashes(ctx, host, hashSyncRequest{Hashes: r.store.Hashes(true, true)})
	if err != nil {
		return err
	}
	r.peers.Touch(host)
	r.engine.ValidateSmelts(ctx, resp.SmeltedItems)
	r.ingest(host, resp.ItemsSent)

	txs := make([]string, 0, len(resp.HashesWanted))
	for _, h := range resp.HashesWanted {
		txs = append(txs, h.Tx)
	}
	return r.push(ctx, host, r.lookup(txs))
}

func (r *Replicator) exchangeHeaders(ctx context.Context, host string) error {
	resp, err := r.client.Sync(ctx, host, syncRequest{
		HeadersContext: r.store.Headers(true, true),
		SmeltedItems:   nonNilSmelts(r.store.Smelts()),
	})
	if err != nil {
		return err
	}
	r.peers.Touch(host)
	r.engine.ValidateSmelts(ctx, resp.SmeltedItems)
	r.ingest(host, resp.ItemsToSend)
	return r.push(ctx, host, r.lookup(resp.ItemsWanted))
}

// push sends items to a single peer and records what it now holds
func (r *Replicator) push(ctx context.Context, host string, items []*Item) error {
	if len(items) == 0 {
		return nil
	}
	if _, err := r.client.SendItems(ctx, host, items, r.store.Smelts()); err != nil {
		return fmt.Errorf("sending %d items to %s: %w", len(items), host, err)
	}
	r.peers.Touch(host)
	r.peers.RememberHeaders(host, headersOf(items))
	return nil
}

// BroadcastItems pushes items to every reachable peer. Unless forced, a
// peer only receives the items it is not already known to hold.
func (r *Replicator) BroadcastItems(ctx context.Context, items []*Item, force bool) int {
	if len(items) == 0 {
		return 0
	}
	ctx, span := r.tracer.Start(ctx, "Replicator.BroadcastItems")
	defer span.End()

	var sent atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxPeerFanout)
	for _, peer := range r.peers.Reachable() {
		peer := peer
		batch := items
		if !force {
			batch = nil
			for _, item := range items {
				if !peer.Knows(item.Header()) {
					batch = append(batch, item)
				}
			}
		}
		if len(batch) == 0 {
			continue
		}
		g.Go(func() error {
			if err := r.push(gctx, peer.Host, batch); err != nil {
				logger.Debug("Broadcast to peer failed", "peer", peer.Host, "error", err)
				r.peers.RecordFailure(peer.Host)
				return nil
			}
			sent.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	if n := sent.Load(); n > 0 {
		logger.Info("Broadcast items", "items", len(items), "peers", n, "forced", force)
	}
	return int(sent.Load())
}

// BroadcastSmelt sends a smelt assertion to every reachable peer
func (r *Replicator) BroadcastSmelt(ctx context.Context, record SmeltRecord) int {
	var sent atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxPeerFanout)
	for _, peer := range r.peers.Reachable() {
		host := peer.Host
		g.Go(func() error {
			reply, err := r.client.SendMessage(gctx, host, PeerMessage{
				Header: MessageSmelt,
				Item:   record.Tx,
				Sig:    record.Signature,
			})
			if err != nil {
				logger.Warn("Unable to broadcast smelt to peer", "peer", host, "tx", record.Tx, "error", err)
				r.peers.RecordFailure(host)
				return nil
			}
			r.peers.Touch(host)
			sent.Add(1)
			logger.Info("Peer responded to smelt", "peer", host, "tx", record.Tx, "reply", reply.Message)
			return nil
		})
	}
	_ = g.Wait()
	return int(sent.Load())
}

// isSelf reports whether host points back at this node
func (r *Replicator) isSelf(host string) bool {
	ip, port, err := net.SplitHostPort(host)
	if err != nil {
		return false
	}
	return isLoopback(ip) && port == r.selfPort
}

// Connect handshakes with a host and adds it to the peer set
func (r *Replicator) Connect(ctx context.Context, host string) error {
	if r.isSelf(host) {
		return nil
	}
	if r.peers.Has(host) {
		return nil
	}

	protocol, err := r.client.Ping(ctx, host)
	if err != nil {
		return err
	}
	if !IsValidProtocol(protocol) {
		return fmt.Errorf("peer %s has an invalid protocol %q", host, protocol)
	}
	if !HasConsensus(ProtocolVersion, protocol) {
		return fmt.Errorf("peer %s protocol %s does not meet consensus with %s", host, protocol, ProtocolVersion)
	}

	if _, added := r.peers.Add(host, protocol); added {
		logger.Info("Peer responded to ping, appended to peers list", "peer", host, "protocol", protocol, "peers", r.peers.Len())
	}
	return nil
}

// ConnectSeeds handshakes with every seed node
func (r *Replicator) ConnectSeeds(ctx context.Context, seeds []string) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxPeerFanout)
	for _, seed := range seeds {
		seed := seed
		g.Go(func() error {
			if err := r.Connect(gctx, seed); err != nil {
				logger.Debug("Unable to connect to seed node", "peer", seed, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// PingPeers pings every known peer, applying the liveness rules on failure
func (r *Replicator) PingPeers(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxPeerFanout)
	for _, peer := range r.peers.List() {
		host := peer.Host
		sendOnly := peer.SendOnly
		g.Go(func() error {
			protocol, err := r.client.Ping(gctx, host)
			if err == nil && HasConsensus(ProtocolVersion, protocol) {
				r.peers.Touch(host)
				return nil
			}
			if err == nil {
				err = fmt.Errorf("protocol %q no longer meets consensus", protocol)
			}
			if result := r.peers.RecordFailure(host); result == PeerKept && !sendOnly {
				logger.Warn("Unable to ping peer", "peer", host, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// ExchangeAll reconciles with every reachable peer
func (r *Replicator) ExchangeAll(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxPeerFanout)
	for _, peer := range r.peers.Reachable() {
		host := peer.Host
		g.Go(func() error {
			if err := r.ExchangeItems(gctx, host); err != nil {
				logger.Debug("Item exchange failed", "peer", host, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}
