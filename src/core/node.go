package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	flags "github.com/jessevdk/go-flags"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
	"go.opentelemetry.io/otel"
)

// Package-level logger
var logger *slog.Logger

// Package-level tracer
var tracer = otel.Tracer("github.com/zenzo/forge")

// initLogger initializes the structured logger based on the log level
func initLogger(logLevel string) {
	var level slog.Level
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})
	logger = slog.New(handler)
}

// ForgeNode is a single Forge: the item store, its validators and the
// peer network around it
type ForgeNode struct {
	cfg   *Config
	clock clock.Clock
	chain ChainRPC

	store      *ItemStore
	queue      *ValidationQueue
	engine     *ValidationEngine
	peers      *PeerSet
	client     *PeerClient
	replicator *Replicator
	collateral *CollateralLedger
	operator   *OperatorIdentity
	mailbox    *Mailbox

	authToken string
	startedAt time.Time

	safeMode       atomic.Bool
	hasDistributed atomic.Bool
	janitorRuns    atomic.Uint64
}

// NewForgeNode wires a node. The mailbox processes one message per tick of
// mailboxTicker.
func NewForgeNode(cfg *Config, chain ChainRPC, clk clock.Clock, mailboxTicker ticker.Ticker) *ForgeNode {
	if clk == nil {
		clk = clock.NewDefaultClock()
	}
	if mailboxTicker == nil {
		mailboxTicker = ticker.New(cfg.MailboxInterval)
	}

	operator := NewOperatorIdentity(cfg.ForgeAddress)
	store := NewItemStore(clk)
	queue := NewValidationQueue()
	engine := NewValidationEngine(store, queue, chain, operator, clk, cfg.MaxInvalidScore)
	peers := NewPeerSet(clk, cfg.PeerStaleTimeout)
	client := NewPeerClient(cfg.PeerTimeout, cfg.PeerRequestsPerSecond, cfg.Port)
	replicator := NewReplicator(store, engine, peers, client, cfg.Port)
	replicator.useHashSync = cfg.UseHashSync

	node := &ForgeNode{
		cfg:        cfg,
		clock:      clk,
		chain:      chain,
		store:      store,
		queue:      queue,
		engine:     engine,
		peers:      peers,
		client:     client,
		replicator: replicator,
		collateral: NewCollateralLedger(chain, cfg.ZenzoDataDir),
		operator:   operator,
		startedAt:  clk.Now(),
	}
	node.mailbox = NewMailbox(mailboxTicker, node.HandleMessage)

	store.OnErase(func(tx string) {
		peers.Forget(tx)
		queue.Cancel(tx)
	})
	engine.OnApprove(func(item *Item) {
		if item.Address == operator.Address() && item.Level() == ValidityValid {
			node.collateral.Lock(context.Background(), []*Item{item})
		}
	})

	return node
}

// InSafeMode reports whether consensus work is refused
func (node *ForgeNode) InSafeMode() bool {
	return node.safeMode.Load()
}

// enterSafeMode drops every peer and refuses consensus work until the chain
// daemon answers again
func (node *ForgeNode) enterSafeMode(cause error) {
	if !node.safeMode.Swap(true) {
		logger.Error("Failed to reach ZENZO Core, running Forge in safe mode", "error", cause)
	}
	node.peers.Clear()
	UpdateSafeModeGauge(true)
}

// Start checks chain connectivity and brings the node online, falling back
// to safe mode when the daemon is unreachable
func (node *ForgeNode) Start(ctx context.Context) {
	node.mailbox.Start(ctx)

	if err := node.chain.Ping(ctx); err != nil {
		node.enterSafeMode(err)
		return
	}
	node.activate(ctx)
}

// activate resolves the operator, re-locks collateral and contacts the seeds
func (node *ForgeNode) activate(ctx context.Context) {
	address, err := node.ResolveOperatorAddress(ctx)
	if err != nil {
		node.enterSafeMode(err)
		return
	}

	node.safeMode.Store(false)
	UpdateSafeModeGauge(false)
	logger.Info("Connected to ZENZO Core",
		"address", address,
		"fullNode", node.cfg.FullNode,
		"rpcHost", node.cfg.RPCHost,
		"zenzoDataDir", node.cfg.ZenzoDataDir,
		"port", node.cfg.Port,
		"maxInvalidScore", node.cfg.MaxInvalidScore)

	if locked := node.collateral.Lock(ctx, node.ownedItems()); locked > 0 {
		logger.Info("All collaterals locked", "locked", locked)
	}
	node.replicator.ConnectSeeds(ctx, node.cfg.SeedNodes)
}

// ownedItems returns the valid items owned by the operator
func (node *ForgeNode) ownedItems() []*Item {
	operator := node.operator.Address()
	if operator == "" {
		return nil
	}
	var owned []*Item
	for _, item := range node.store.Partition(ValidityValid) {
		if item.Address == operator {
			owned = append(owned, item)
		}
	}
	return owned
}

// Persist writes the store to the data directory
func (node *ForgeNode) Persist() error {
	return SaveStore(node.store, node.cfg.DataDir)
}

// Stop persists state and releases resources
func (node *ForgeNode) Stop(ctx context.Context) {
	node.mailbox.Stop()
	if node.peers.Len() > 0 && !node.InSafeMode() {
		for _, peer := range node.peers.Reachable() {
			if _, err := node.client.SendMessage(ctx, peer.Host, PeerMessage{Header: MessageDisconnect}); err != nil {
				logger.Debug("Unable to notify peer of shutdown", "peer", peer.Host, "error", err)
			}
		}
	}
	if err := node.Persist(); err != nil {
		logger.Error("Failed to persist items on shutdown", "error", err)
	}
}

func main() {
	opts, err := ParseCLI(os.Args[1:])
	if err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}

	// Logging is needed while the config loads
	initLogger("info")

	cfg, err := LoadConfig(opts)
	if err != nil {
		logger.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	initLogger(cfg.LogLevel)

	chain, err := NewRPCChain(cfg, rpcMetrics{})
	if err != nil {
		logger.Error("Failed to create ZENZO Core client", "error", err)
		os.Exit(1)
	}
	defer chain.Shutdown()

	node := NewForgeNode(cfg, chain, nil, nil)
	if err := LoadStore(node.store, cfg.DataDir); err != nil {
		logger.Error("Failed to load items from disk", "error", err)
		os.Exit(1)
	}

	node.authToken, err = NewAuthToken(cfg.DataDir)
	if err != nil {
		logger.Error("Failed to write auth key", "error", err)
		os.Exit(1)
	}
	logger.Info("Written local auth key to disk", "file", AuthKeyFilename)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	node.Start(ctx)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           node.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("Starting forge server", "port", cfg.Port, "protocol", ProtocolVersion)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server failed", "error", err)
			stop()
		}
	}()

	node.Run(ctx, ticker.New(cfg.JanitorInterval))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown failed", "error", err)
	}
	node.Stop(shutdownCtx)
	logger.Info("Forge stopped")
}
