package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
)

// OperatorIdentity holds the address this Forge signs and owns items with
type OperatorIdentity struct {
	address atomic.Pointer[string]
}

// NewOperatorIdentity creates an identity with an initial address
func NewOperatorIdentity(address string) *OperatorIdentity {
	o := &OperatorIdentity{}
	o.Set(address)
	return o
}

// Address returns the operator address, empty when unresolved
func (o *OperatorIdentity) Address() string {
	if p := o.address.Load(); p != nil {
		return *p
	}
	return ""
}

// Set replaces the operator address
func (o *OperatorIdentity) Set(address string) {
	o.address.Store(&address)
}

// ResolveOperatorAddress makes sure the operator address belongs to the
// wallet, falling back to the "Forge" labelled wallet address
func (node *ForgeNode) ResolveOperatorAddress(ctx context.Context) (string, error) {
	if current := node.operator.Address(); len(current) == AddressLength {
		info, err := node.chain.GetAddressInfo(ctx, current)
		if err == nil && info.IsMine {
			return current, nil
		}
		logger.Warn("Configured forge address is not owned by the wallet", "address", current, "error", err)
	}

	groupings, err := node.chain.ListAddressGroupings(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to list wallet addresses: %w", err)
	}

	var labelled string
	for _, g := range groupings {
		if !g.HasLabel || g.Label != ForgeAccountLabel {
			continue
		}
		if g.Balance > 0 {
			labelled = g.Address
			break
		}
		if labelled == "" {
			labelled = g.Address
		}
	}

	if labelled == "" {
		labelled, err = node.chain.GetNewAddress(ctx, ForgeAccountLabel)
		if err != nil {
			return "", fmt.Errorf("failed to create forge address: %w", err)
		}
		logger.Info("Created new forge address", "address", labelled)
	}

	node.operator.Set(labelled)
	return labelled, nil
}

// CraftRequest describes a new item to craft
type CraftRequest struct {
	Name      string            `json:"name"`
	Image     string            `json:"image"`
	Amount    float64           `json:"amount"`
	Metadata  json.RawMessage   `json:"metadata,omitempty"`
	Contracts map[string]string `json:"contracts,omitempty"`
}

// checkOnline refuses operator actions while in safe mode or without peers
func (node *ForgeNode) checkOnline() error {
	if node.InSafeMode() {
		return ErrSafeMode
	}
	if node.peers.Len() == 0 {
		return ErrOffline
	}
	return nil
}

// Craft pays collateral to ourselves and turns the payment into a new item.
// The wallet calls happen in order: sendtoaddress, signmessage, then the
// collateral lock once the item is stored.
func (node *ForgeNode) Craft(ctx context.Context, req CraftRequest) (*Item, error) {
	if err := node.checkOnline(); err != nil {
		return nil, err
	}
	address := node.operator.Address()
	if address == "" {
		return nil, fmt.Errorf("%w: no forge address", ErrSafeMode)
	}

	if req.Amount < MinCraftAmount {
		return nil, fmt.Errorf("%w: amount must be at least %v", ErrInvalidRequest, MinCraftAmount)
	}
	if req.Name == "" || !ValidateStringField(req.Name, MaxNameLength) {
		return nil, fmt.Errorf("%w: name must be 1-%d printable characters", ErrInvalidRequest, MaxNameLength)
	}
	if req.Image == "" {
		req.Image = DefaultItemImage
	}
	metadata, err := canonicalMetadata(req.Metadata)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if req.Contracts == nil {
		req.Contracts = map[string]string{}
	}

	item := &Item{
		Address:   address,
		Name:      req.Name,
		Value:     FormatNum(req.Amount),
		Image:     req.Image,
		Signature: "unsigned",
		Metadata:  metadata,
		Contracts: req.Contracts,
	}
	// check the content before any coins move
	draft := item.Clone()
	draft.Tx = zeroTx
	if err := IsContentValid(draft); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	txid, err := node.chain.SendToAddress(ctx, address, item.Value)
	if err != nil {
		return nil, fmt.Errorf("failed to send collateral: %w", err)
	}
	sig, err := node.chain.SignMessage(ctx, address, txid)
	if err != nil {
		return nil, fmt.Errorf("failed to sign item %s: %w", txid, err)
	}

	item.Tx = txid
	item.Signature = sig
	item.Timestamp = node.clock.Now().Unix()
	item.LastValidation = LastValidation{Timestamp: node.clock.Now().Unix(), Successful: true}
	node.store.InsertOrUpdate(item)
	logger.Info("Item created",
		"tx", item.Tx,
		"name", item.Name,
		"value", item.Value,
		"metadataBytes", len(item.Metadata))

	node.replicator.BroadcastItems(ctx, []*Item{item}, true)
	node.collateral.Lock(ctx, []*Item{item})
	return item, nil
}

// zeroTx stands in for the collateral txid when checking a draft item
const zeroTx = "0000000000000000000000000000000000000000000000000000000000000000"

// findCollateralVout scans the first outputs of tx for the one backing item
func (node *ForgeNode) findCollateralVout(ctx context.Context, item *Item) (uint32, error) {
	for vout := uint32(0); vout < maxCollateralScan; vout++ {
		out, err := node.chain.GetTxOut(ctx, item.Tx, vout)
		if err != nil || out == nil {
			continue
		}
		if out.PaysTo(item.Value, item.Address) {
			return vout, nil
		}
	}
	return 0, fmt.Errorf("%w: no unspent output backs %s", ErrCollateralSpent, item.Tx)
}

const maxCollateralScan = 10

// Transfer spends an owned item's collateral to a new owner. The resulting
// item is unsigned until the receiver signs it on their own Forge.
func (node *ForgeNode) Transfer(ctx context.Context, tx, to string) (*Item, error) {
	if err := node.checkOnline(); err != nil {
		return nil, err
	}
	if len(to) != AddressLength {
		return nil, fmt.Errorf("%w: receiver address must be %d characters", ErrInvalidRequest, AddressLength)
	}

	item, ok := node.store.Get(tx, false, false)
	if !ok {
		return nil, ErrItemNotFound
	}
	operator := node.operator.Address()
	if item.Address != operator {
		return nil, ErrNotOwner
	}
	newValue := FormatNum(item.Value - TransferFee)
	if newValue <= 0 {
		return nil, fmt.Errorf("%w: item value cannot cover the transfer fee", ErrInvalidRequest)
	}

	vout, err := node.findCollateralVout(ctx, item)
	if err != nil {
		return nil, err
	}
	rawTx, err := node.chain.CreateRawTransaction(ctx, []Outpoint{{Tx: tx, Vout: vout}}, map[string]float64{to: newValue})
	if err != nil {
		return nil, fmt.Errorf("failed to create transfer transaction: %w", err)
	}
	signedTx, err := node.chain.SignRawTransaction(ctx, rawTx)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transfer transaction: %w", err)
	}
	newTx, err := node.chain.SendRawTransaction(ctx, signedTx)
	if err != nil {
		return nil, fmt.Errorf("failed to send transfer transaction: %w", err)
	}

	transferred := &Item{
		Tx:        newTx,
		Address:   to,
		Name:      item.Name,
		Value:     newValue,
		Image:     item.Image,
		Timestamp: UnknownTimestamp,
		Prev: []PrevInput{{
			Tx:             tx,
			Vout:           vout,
			Address:        operator,
			SpendTimestamp: node.clock.Now().Unix(),
			TransferFee:    TransferFee,
		}},
		Metadata:  item.Metadata,
		Contracts: item.Contracts,
		Version:   item.Version + 1,
	}
	transferred.LastValidation = LastValidation{Timestamp: node.clock.Now().Unix(), Successful: true}

	node.store.InsertOrUpdate(transferred)
	node.store.Erase(tx, true)
	node.collateral.Forget(tx)
	logger.Info("Item transferred", "tx", tx, "newTx", newTx, "to", to, "value", newValue)

	node.replicator.BroadcastItems(ctx, []*Item{transferred}, true)
	return transferred, nil
}

// Smelt destroys an owned item, releasing its collateral and telling the
// network with a signed assertion
func (node *ForgeNode) Smelt(ctx context.Context, tx string) (SmeltRecord, error) {
	if node.InSafeMode() {
		return SmeltRecord{}, ErrSafeMode
	}
	if node.store.WasSmelted(tx) {
		return SmeltRecord{}, fmt.Errorf("%w: %s", ErrSmelted, tx)
	}
	item, ok := node.store.Get(tx, true, true)
	if !ok {
		return SmeltRecord{}, ErrItemNotFound
	}
	address := node.operator.Address()
	if item.Address != address {
		return SmeltRecord{}, ErrNotOwner
	}

	if vout, err := node.chain.GetTransactionVout(ctx, tx); err == nil {
		if err := node.collateral.Release(ctx, tx, vout); err != nil {
			logger.Warn("Unable to unlock smelted collateral", "tx", tx, "error", err)
		} else {
			logger.Info("Item collateral unlocked", "tx", tx, "vout", vout)
		}
	} else {
		node.collateral.Forget(tx)
	}

	sig, err := node.chain.SignMessage(ctx, address, SmeltMessagePrefix+tx)
	if err != nil {
		return SmeltRecord{}, fmt.Errorf("failed to sign smelt: %w", err)
	}

	record := SmeltRecord{Tx: tx, Address: address, Signature: sig}
	node.engine.applySmelt(record)
	if err := node.Persist(); err != nil {
		logger.Error("Failed to persist smelt", "tx", tx, "error", err)
	}
	if node.peers.Len() > 0 {
		peers := node.replicator.BroadcastSmelt(ctx, record)
		logger.Info("Broadcast smelt", "tx", tx, "peers", peers)
	}
	return record, nil
}

// SignOwnedItems signs unsigned items transferred to us, promoting them to
// valid. Returns the signed items.
func (node *ForgeNode) SignOwnedItems(ctx context.Context) []*Item {
	operator := node.operator.Address()
	if operator == "" {
		return nil
	}

	var signed []*Item
	for _, item := range node.store.Partition(ValidityUnsigned) {
		if item.Address != operator {
			continue
		}
		sig, err := node.chain.SignMessage(ctx, operator, item.Tx)
		if err != nil {
			logger.Warn("Unable to sign received item", "tx", item.Tx, "error", err)
			continue
		}
		if len(sig) <= 5 {
			logger.Warn("Signing received item returned a short signature", "tx", item.Tx)
			continue
		}
		item.Signature = sig
		item.Version++
		outcome := node.store.Approve(item)
		logger.Info("Signed received item", "tx", item.Tx, "name", item.Name, "version", item.Version, "outcome", outcome.String())
		if stored, ok := node.store.Get(item.Tx, false, false); ok {
			signed = append(signed, stored)
		}
	}
	return signed
}

// HandleMessage answers a peer mailbox message
func (node *ForgeNode) HandleMessage(ctx context.Context, from string, msg PeerMessage) MessageReply {
	switch msg.Header {
	case MessageDisconnect:
		node.peers.Remove(from)
		logger.Info("Peer disconnected", "peer", from)
		return MessageReply{Message: "Disconnected"}

	case MessageSmelt:
		if msg.Item == "" {
			return MessageReply{Error: "Missing item TX hash"}
		}
		if msg.Sig == "" {
			return MessageReply{Error: "Missing item smelt signature"}
		}
		if node.store.WasSmelted(msg.Item) {
			return MessageReply{Error: "Item already smelted"}
		}
		item, ok := node.store.Get(msg.Item, true, true)
		if !ok {
			return MessageReply{Error: "Missing or Invalid item"}
		}

		genuine, err := node.chain.VerifyMessage(ctx, item.Address, msg.Sig, SmeltMessagePrefix+item.Tx)
		if err != nil {
			logger.Warn("Malformed smelt signature", "peer", from, "tx", item.Tx, "error", err)
			return MessageReply{Error: "Malformed signature"}
		}
		if !genuine {
			return MessageReply{Error: "Invalid signature"}
		}
		record := SmeltRecord{Tx: item.Tx, Address: item.Address, Signature: msg.Sig}
		node.engine.applySmelt(record)
		return MessageReply{Message: "Smelt confirmed"}

	default:
		return MessageReply{Error: "Unknown message header"}
	}
}
