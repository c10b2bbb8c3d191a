package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/sasha-s/go-deadlock"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/ratelimit"
)

// ForgePortHeader carries the sender's listening port on every peer request,
// so inbound requests map onto the peer's ip:port identity
const ForgePortHeader = "X-Forge-Port"

// Peer is a handshaked Forge node
type Peer struct {
	Host     string `json:"host"`
	Index    int    `json:"index"`
	Protocol string `json:"protocol"`
	LastPing int64  `json:"lastPing"`
	SendOnly bool   `json:"sendOnly"`

	// versions of our items the peer is known to hold
	syncedHeaders map[string]int
}

func (p *Peer) snapshot() Peer {
	c := *p
	c.syncedHeaders = make(map[string]int, len(p.syncedHeaders))
	for tx, version := range p.syncedHeaders {
		c.syncedHeaders[tx] = version
	}
	return c
}

// Knows reports whether the peer already holds the header's version
func (p Peer) Knows(header PeerSyncHeader) bool {
	version, ok := p.syncedHeaders[header.Tx]
	return ok && version >= header.Version
}

// PeerFailure is the action taken after a failed request to a peer
type PeerFailure int

const (
	PeerKept PeerFailure = iota
	PeerMarkedSendOnly
	PeerRemoved
)

// PeerSet is the active peer list, ordered by connection time
type PeerSet struct {
	mu    deadlock.RWMutex
	peers []*Peer

	canReceiveData atomic.Bool
	clock          clock.Clock
	staleAfter     time.Duration
}

// NewPeerSet creates an empty peer set
func NewPeerSet(clk clock.Clock, staleAfter time.Duration) *PeerSet {
	if clk == nil {
		clk = clock.NewDefaultClock()
	}
	if staleAfter <= 0 {
		staleAfter = DefaultPeerStaleTimeout
	}
	return &PeerSet{clock: clk, staleAfter: staleAfter}
}

func (ps *PeerSet) find(host string) *Peer {
	for _, p := range ps.peers {
		if p.Host == host {
			return p
		}
	}
	return nil
}

// Add handshakes a peer into the set. Existing peers have their protocol
// and last ping refreshed.
func (ps *PeerSet) Add(host, protocol string) (Peer, bool) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	now := ps.clock.Now().UnixMilli()
	if p := ps.find(host); p != nil {
		p.Protocol = protocol
		p.LastPing = now
		return p.snapshot(), false
	}

	p := &Peer{
		Host:          host,
		Index:         len(ps.peers),
		Protocol:      protocol,
		LastPing:      now,
		syncedHeaders: make(map[string]int),
	}
	ps.peers = append(ps.peers, p)
	UpdateConnectedPeersGauge(len(ps.peers))
	return p.snapshot(), true
}

// Get returns a snapshot of the peer
func (ps *PeerSet) Get(host string) (Peer, bool) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	if p := ps.find(host); p != nil {
		return p.snapshot(), true
	}
	return Peer{}, false
}

// Has reports whether the host completed a handshake
func (ps *PeerSet) Has(host string) bool {
	_, ok := ps.Get(host)
	return ok
}

// Remove drops a peer and reindexes the rest
func (ps *PeerSet) Remove(host string) bool {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	removed := false
	kept := ps.peers[:0]
	for _, p := range ps.peers {
		if p.Host == host {
			removed = true
			continue
		}
		kept = append(kept, p)
	}
	ps.peers = kept
	for i, p := range ps.peers {
		p.Index = i
	}
	if removed {
		UpdateConnectedPeersGauge(len(ps.peers))
	}
	return removed
}

// Clear drops every peer
func (ps *PeerSet) Clear() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.peers = nil
	UpdateConnectedPeersGauge(0)
}

// List returns snapshots of every peer
func (ps *PeerSet) List() []Peer {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	out := make([]Peer, 0, len(ps.peers))
	for _, p := range ps.peers {
		out = append(out, p.snapshot())
	}
	return out
}

// Reachable returns the peers we can send to
func (ps *PeerSet) Reachable() []Peer {
	var out []Peer
	for _, p := range ps.List() {
		if !p.SendOnly {
			out = append(out, p)
		}
	}
	return out
}

// Len returns the number of peers
func (ps *PeerSet) Len() int {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return len(ps.peers)
}

// Touch records a successful outbound request to the peer
func (ps *PeerSet) Touch(host string) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if p := ps.find(host); p != nil {
		p.LastPing = ps.clock.Now().UnixMilli()
		p.SendOnly = false
	}
}

// Seen records inbound contact from a known peer. It leaves SendOnly alone:
// a peer reaching us says nothing about whether we can reach it.
func (ps *PeerSet) Seen(host string) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if p := ps.find(host); p != nil {
		p.LastPing = ps.clock.Now().UnixMilli()
	}
}

// MarkReceived records inbound contact from any peer
func (ps *PeerSet) MarkReceived() {
	ps.canReceiveData.Store(true)
}

// CanReceiveData reports whether any peer has reached us
func (ps *PeerSet) CanReceiveData() bool {
	return ps.canReceiveData.Load()
}

// RecordFailure handles an unreachable peer: silent past the stale timeout
// means removal, otherwise a peer that can still reach us becomes send-only
func (ps *PeerSet) RecordFailure(host string) PeerFailure {
	ps.mu.Lock()
	p := ps.find(host)
	if p == nil {
		ps.mu.Unlock()
		return PeerKept
	}

	lastPing := time.UnixMilli(p.LastPing)
	if lastPing.Add(ps.staleAfter).Before(ps.clock.Now()) {
		ps.mu.Unlock()
		ps.Remove(host)
		logger.Warn("Removed unresponsive peer", "peer", host)
		return PeerRemoved
	}

	result := PeerKept
	if !p.SendOnly && ps.CanReceiveData() {
		p.SendOnly = true
		result = PeerMarkedSendOnly
	}
	ps.mu.Unlock()

	if result == PeerMarkedSendOnly {
		logger.Info("Peer cannot be reached but pinged us recently, assuming send-only", "peer", host)
	}
	return result
}

// RememberHeaders records item versions the peer is known to hold
func (ps *PeerSet) RememberHeaders(host string, headers []PeerSyncHeader) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	p := ps.find(host)
	if p == nil {
		return
	}
	for _, h := range headers {
		if current, ok := p.syncedHeaders[h.Tx]; !ok || h.Version > current {
			p.syncedHeaders[h.Tx] = h.Version
		}
	}
}

// Forget removes an erased item from every peer's synced headers
func (ps *PeerSet) Forget(tx string) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	for _, p := range ps.peers {
		delete(p.syncedHeaders, tx)
	}
}

// cleanIP strips the IPv4-mapped IPv6 prefix
func cleanIP(ip string) string {
	return strings.TrimPrefix(ip, "::ffff:")
}

// peerHost builds the ip:port identity of an inbound request from the socket
// IP and the listen port the peer advertises
func peerHost(r *http.Request, defaultPort string) string {
	port := r.Header.Get(ForgePortHeader)
	if port == "" {
		port = defaultPort
	}
	return net.JoinHostPort(remoteIP(r), port)
}

// isLoopback reports whether host is a loopback address
func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// PeerClient makes outbound peer requests
type PeerClient struct {
	http    *http.Client
	limiter ratelimit.Limiter
	port    string
}

// NewPeerClient creates a client that paces requests at rps and identifies
// itself with our listening port
func NewPeerClient(timeout time.Duration, rps int, port string) *PeerClient {
	limiter := ratelimit.NewUnlimited()
	if rps > 0 {
		limiter = ratelimit.New(rps)
	}
	return &PeerClient{
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		limiter: limiter,
		port:    port,
	}
}

// peerError is a fixed error payload returned by a peer
type peerError struct {
	Error string `json:"error"`
}

func (c *PeerClient) do(ctx context.Context, host, path string, body interface{}) ([]byte, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	c.limiter.Take()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+host+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(ForgePortHeader, c.port)

	resp, err := c.http.Do(req)
	if err != nil {
		RecordPeerRequest(path, false)
		return nil, fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, DefaultMaxBodySizeBytes))
	if err != nil {
		RecordPeerRequest(path, false)
		return nil, fmt.Errorf("%w: reading response: %v", ErrNetworkUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		RecordPeerRequest(path, false)
		var perr peerError
		if json.Unmarshal(payload, &perr) == nil && perr.Error != "" {
			if perr.Error == ErrHandshakeRequired.Error() {
				return nil, ErrHandshakeRequired
			}
			return nil, fmt.Errorf("peer %s returned %d: %s", host, resp.StatusCode, perr.Error)
		}
		return nil, fmt.Errorf("peer %s returned %d", host, resp.StatusCode)
	}
	RecordPeerRequest(path, true)
	return payload, nil
}

func (c *PeerClient) call(ctx context.Context, host, path string, body, out interface{}) error {
	payload, err := c.do(ctx, host, path, body)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("failed to decode %s reply from %s: %w", path, host, err)
	}
	return nil
}

// Ping handshakes with a peer and returns its protocol string
func (c *PeerClient) Ping(ctx context.Context, host string) (string, error) {
	payload, err := c.do(ctx, host, "/ping", pingRequest{Protocol: ProtocolVersion, Port: c.port})
	if err != nil {
		return "", err
	}
	protocol := strings.TrimSpace(string(payload))
	var perr peerError
	if json.Unmarshal(payload, &perr) == nil && perr.Error != "" {
		return "", errors.New(perr.Error)
	}
	return protocol, nil
}

// SendItems pushes items and smelt records to a peer
func (c *PeerClient) SendItems(ctx context.Context, host string, items []*Item, smelts []SmeltRecord) (receiveReply, error) {
	var reply receiveReply
	err := c.call(ctx, host, "/forge/receive", receivePayload{
		Items:        encodeItems(items),
		SmeltedItems: nonNilSmelts(smelts),
	}, &reply)
	return reply, err
}

// Sync runs a header-diff reconciliation against the peer
func (c *PeerClient) Sync(ctx context.Context, host string, req syncRequest) (syncResponse, error) {
	var resp syncResponse
	err := c.call(ctx, host, "/forge/sync", req, &resp)
	return resp, err
}

// SyncHashes runs a hash-diff reconciliation against the peer
func (c *PeerClient) SyncHashes(ctx context.Context, host string, req hashSyncRequest) (hashSyncResponse, error) {
	var resp hashSyncResponse
	err := c.call(ctx, host, "/forge/sync/hashes", req, &resp)
	return resp, err
}

// SendMessage posts a mailbox message to the peer
func (c *PeerClient) SendMessage(ctx context.Context, host string, msg PeerMessage) (MessageReply, error) {
	var reply MessageReply
	err := c.call(ctx, host, "/message/receive", msg, &reply)
	return reply, err
}

func nonNilSmelts(smelts []SmeltRecord) []SmeltRecord {
	if smelts == nil {
		return []SmeltRecord{}
	}
	return smelts
}
