package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Fixed peer error messages
const (
	msgIncompatibleHandshake = "Incompatible node handshake"
	msgInvalidPayload        = "Invalid request payload"
)

// Router builds the HTTP handler for peer, public and local endpoints
func (node *ForgeNode) Router() http.Handler {
	router := mux.NewRouter()
	router.Use(RequestIDMiddleware)
	router.Use(MetricsMiddleware)
	router.Use(RateLimitMiddleware(NewClientLimiter(node.cfg.RateLimitPerMinute, node.clock)))
	router.Use(BodySizeLimitMiddleware(node.cfg.MaxBodySizeBytes))

	// Peer endpoints
	router.HandleFunc("/ping", node.PingHandler).Methods("POST")
	router.HandleFunc("/forge/receive", node.peerOnly(node.ReceiveItemsHandler)).Methods("POST")
	router.HandleFunc("/forge/sync", node.peerOnly(node.SyncHandler)).Methods("POST")
	router.HandleFunc("/forge/sync/hashes", node.peerOnly(node.HashSyncHandler)).Methods("POST")
	router.HandleFunc("/message/receive", node.peerOnly(node.MessageHandler)).Methods("POST")

	// Public endpoints
	router.HandleFunc("/forge/inventory", node.InventoryHandler).Methods("GET", "POST")
	router.HandleFunc("/health", node.HealthCheckHandler).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// Local endpoints
	local := router.NewRoute().Subrouter()
	local.Use(AuthMiddleware(node.authToken))
	local.HandleFunc("/forge/items", node.ItemsHandler).Methods("GET", "POST")
	local.HandleFunc("/forge/account", node.AccountHandler).Methods("GET", "POST")
	local.HandleFunc("/forge/create", node.CraftHandler).Methods("POST")
	local.HandleFunc("/forge/transfer", node.TransferHandler).Methods("POST")
	local.HandleFunc("/forge/smelt", node.SmeltHandler).Methods("POST")

	return otelhttp.NewHandler(router, "forge")
}

// peerOnly refuses consensus requests in safe mode and from peers that
// have not handshaked with us
func (node *ForgeNode) peerOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if node.InSafeMode() {
			writeError(w, http.StatusServiceUnavailable, ErrSafeMode.Error())
			return
		}
		host := peerHost(r, node.cfg.Port)
		if !node.peers.Has(host) {
			logger.Debug("Request from peer without handshake", "peer", host, "path", r.URL.Path)
			writeError(w, http.StatusForbidden, ErrHandshakeRequired.Error())
			return
		}
		node.peers.Seen(host)
		node.peers.MarkReceived()
		next(w, r.WithContext(context.WithValue(r.Context(), peerContextKey, host)))
	}
}

const peerContextKey contextKey = "peer"

func peerFromContext(ctx context.Context) string {
	host, _ := ctx.Value(peerContextKey).(string)
	return host
}

// PingHandler answers a handshake with our protocol string
func (node *ForgeNode) PingHandler(w http.ResponseWriter, r *http.Request) {
	if node.InSafeMode() {
		writeError(w, http.StatusServiceUnavailable, ErrSafeMode.Error())
		return
	}

	var req pingRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !IsValidProtocol(req.Protocol) || !HasConsensus(ProtocolVersion, req.Protocol) {
		logger.Info("Rejected incompatible peer", "ip", remoteIP(r), "protocol", req.Protocol)
		writeError(w, http.StatusBadRequest, msgIncompatibleHandshake)
		return
	}

	if req.Port != "" && r.Header.Get(ForgePortHeader) == "" {
		r.Header.Set(ForgePortHeader, req.Port)
	}
	host := peerHost(r, node.cfg.Port)
	if !node.replicator.isSelf(host) {
		if _, added := node.peers.Add(host, req.Protocol); added {
			logger.Info("New peer appended to peers list", "peer", host, "protocol", req.Protocol, "peers", node.peers.Len())
		} else {
			node.peers.Seen(host)
		}
	}
	node.peers.MarkReceived()

	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprint(w, ProtocolVersion)
}

// ReceiveItemsHandler accepts an item batch pushed by a peer
func (node *ForgeNode) ReceiveItemsHandler(w http.ResponseWriter, r *http.Request) {
	var payload receivePayload
	if !decodeJSON(w, r, &payload) {
		return
	}

	stats := node.replicator.HandleReceive(r.Context(), peerFromContext(r.Context()), payload)
	writeJSON(w, http.StatusOK, receiveReply{
		Message:         "Thanks for the items, peer!",
		ValidationStats: stats,
	})
}

// SyncHandler answers a header-diff reconciliation
func (node *ForgeNode) SyncHandler(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, node.replicator.HandleSync(r.Context(), peerFromContext(r.Context()), req))
}

// HashSyncHandler answers a hash-diff reconciliation
func (node *ForgeNode) HashSyncHandler(w http.ResponseWriter, r *http.Request) {
	var req hashSyncRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, node.replicator.HandleHashSync(r.Context(), peerFromContext(r.Context()), req))
}

// MessageHandler hands a peer message to the mailbox and waits for its answer
func (node *ForgeNode) MessageHandler(w http.ResponseWriter, r *http.Request) {
	var msg PeerMessage
	if !decodeJSON(w, r, &msg) {
		return
	}
	if msg.Header == "" {
		writeError(w, http.StatusBadRequest, msgInvalidPayload)
		return
	}

	reply, err := node.mailbox.Submit(r.Context(), peerFromContext(r.Context()), msg)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "Mailbox unavailable")
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

type inventoryResponse struct {
	Items        []*Item `json:"items"`
	PendingItems []*Item `json:"pendingItems"`
}

// InventoryHandler lists the operator's items split into valid and pending
func (node *ForgeNode) InventoryHandler(w http.ResponseWriter, r *http.Request) {
	resp := inventoryResponse{Items: []*Item{}, PendingItems: []*Item{}}
	operator := node.operator.Address()
	for _, item := range node.store.List(true, true) {
		if operator == "" || item.Address != operator {
			continue
		}
		if item.Level() == ValidityValid {
			resp.Items = append(resp.Items, item)
		} else {
			resp.PendingItems = append(resp.PendingItems, item)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// ItemsHandler lists every stored item, newest first
func (node *ForgeNode) ItemsHandler(w http.ResponseWriter, r *http.Request) {
	includeUnsigned := r.URL.Query().Get("unsigned") != "false"
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items":         node.store.List(true, includeUnsigned),
		"smelted_items": nonNilSmelts(node.store.Smelts()),
	})
}

// HealthCheckHandler handles health check requests
func (node *ForgeNode) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if node.InSafeMode() {
		status = "safe_mode"
	}
	counts := node.store.Counts()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   status,
		"protocol": ProtocolVersion,
		"address":  node.operator.Address(),
		"peers":    node.peers.Len(),
		"items": map[string]int{
			ValidityValid.String():    counts[ValidityValid],
			ValidityPending.String():  counts[ValidityPending],
			ValidityUnsigned.String(): counts[ValidityUnsigned],
		},
		"smelted":   node.store.SmeltCount(),
		"queue":     node.queue.Len(),
		"uptime":    int64(node.clock.Now().Sub(node.startedAt).Seconds()),
		"full_node": node.cfg.FullNode,
	})
}

// AccountHandler reports the operator address and wallet balance
func (node *ForgeNode) AccountHandler(w http.ResponseWriter, r *http.Request) {
	info, err := node.chain.GetWalletInfo(r.Context())
	if err != nil {
		logger.Warn("Unable to query wallet info", "error", err)
		writeError(w, http.StatusServiceUnavailable, ErrNetworkUnavailable.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"forge_address":  node.operator.Address(),
		"balance":        info.Balance,
		"wallet_version": info.WalletVersion,
	})
}

// writeActionError maps an operator action error onto a response
func writeActionError(w http.ResponseWriter, action string, err error) {
	switch {
	case errors.Is(err, ErrSafeMode), errors.Is(err, ErrOffline):
		writeError(w, http.StatusServiceUnavailable,
			fmt.Sprintf("%s is unavailable while the Forge is in Safe Mode and/or Offline.", action))
	case errors.Is(err, ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrItemNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrNotOwner):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, ErrSmelted), errors.Is(err, ErrCollateralSpent):
		writeError(w, http.StatusConflict, err.Error())
	default:
		logger.Error("Operator action failed", "action", action, "error", err)
		writeError(w, http.StatusBadGateway, fmt.Sprintf("%s failed", action))
	}
}

// CraftHandler crafts a new item
func (node *ForgeNode) CraftHandler(w http.ResponseWriter, r *http.Request) {
	var req CraftRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	item, err := node.Craft(r.Context(), req)
	if err != nil {
		writeActionError(w, "Crafting", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Item created",
		"item":    item,
	})
}

type transferRequest struct {
	Item string `json:"item"`
	To   string `json:"to"`
}

// TransferHandler transfers an owned item to another address
func (node *ForgeNode) TransferHandler(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !isTxID(req.Item) {
		writeError(w, http.StatusBadRequest, "Invalid item parameter")
		return
	}
	if !IsValidAddress(strings.TrimSpace(req.To)) {
		writeError(w, http.StatusBadRequest, "Invalid to parameter")
		return
	}

	item, err := node.Transfer(r.Context(), req.Item, strings.TrimSpace(req.To))
	if err != nil {
		writeActionError(w, "Transfers", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Item transferred",
		"item":    item,
	})
}

type smeltRequest struct {
	Hash string `json:"hash"`
}

// SmeltHandler destroys an owned item
func (node *ForgeNode) SmeltHandler(w http.ResponseWriter, r *http.Request) {
	var req smeltRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !isTxID(req.Hash) {
		writeError(w, http.StatusBadRequest, "Invalid TX-hash")
		return
	}

	if _, err := node.Smelt(r.Context(), req.Hash); err != nil {
		writeActionError(w, "Smelting", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "Item smelted, collateral unlocked and peers are being notified.",
	})
}
