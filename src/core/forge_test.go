package main

import (
	"context"
	"errors"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCraft_WalletCallOrder(t *testing.T) {
	ctrl := gomock.NewController(t)
	chain := NewMockChainRPC(ctrl)
	node, _, _ := newTestNode(t, chain)
	peer := newCountingPeer(t)
	node.peers.Add(peer.host(), ProtocolVersion)

	address := testAddress("crafter")
	node.operator.Set(address)
	txid := testTx("crafted")

	gomock.InOrder(
		chain.EXPECT().SendToAddress(gomock.Any(), address, 1.5).Return(txid, nil),
		chain.EXPECT().SignMessage(gomock.Any(), address, txid).Return("craftsig", nil),
		chain.EXPECT().GetTransactionVout(gomock.Any(), txid).Return(uint32(0), nil),
		chain.EXPECT().LockUnspent(gomock.Any(), false, []Outpoint{{Tx: txid, Vout: 0}}).Return(nil),
	)

	item, err := node.Craft(context.Background(), CraftRequest{
		Name:     "Flame Blade",
		Amount:   1.5,
		Metadata: []byte(`{ "element": "fire" }`),
	})
	require.NoError(t, err)

	assert.Equal(t, txid, item.Tx)
	assert.Equal(t, "craftsig", item.Signature)
	assert.Equal(t, DefaultItemImage, item.Image)
	assert.Equal(t, testEpoch.Unix(), item.Timestamp)
	assert.JSONEq(t, `{"element":"fire"}`, string(item.Metadata))

	stored, ok := node.store.Get(txid, false, false)
	require.True(t, ok, "crafted item should be stored as valid")
	assert.Equal(t, "Flame Blade", stored.Name)
	assert.True(t, node.collateral.IsLocked(txid))
	assert.EqualValues(t, 1, peer.receives.Load(), "crafted item is pushed to peers")
}

func TestCraft_Refusals(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(node *ForgeNode)
		req     CraftRequest
		wantErr error
	}{
		{
			name:    "offline",
			setup:   func(node *ForgeNode) { node.peers.Clear() },
			req:     CraftRequest{Name: "Axe", Amount: 1},
			wantErr: ErrOffline,
		},
		{
			name:    "safe mode",
			setup:   func(node *ForgeNode) { node.safeMode.Store(true) },
			req:     CraftRequest{Name: "Axe", Amount: 1},
			wantErr: ErrSafeMode,
		},
		{
			name:    "dust amount",
			req:     CraftRequest{Name: "Axe", Amount: 0.001},
			wantErr: ErrInvalidRequest,
		},
		{
			name:    "empty name",
			req:     CraftRequest{Amount: 1},
			wantErr: ErrInvalidRequest,
		},
		{
			name:    "bad metadata",
			req:     CraftRequest{Name: "Axe", Amount: 1, Metadata: []byte(`{nope`)},
			wantErr: ErrInvalidRequest,
		},
		{
			name:    "oversized contract",
			req:     CraftRequest{Name: "Axe", Amount: 1, Contracts: map[string]string{"validation": string(make([]byte, MaxContractBytes))}},
			wantErr: ErrInvalidRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// no wallet call is expected: any would fail the test
			chain := NewMockChainRPC(gomock.NewController(t))
			node, _, _ := newTestNode(t, chain)
			node.operator.Set(testAddress("crafter"))
			node.peers.Add("10.0.0.1:8000", ProtocolVersion)
			if tt.setup != nil {
				tt.setup(node)
			}

			_, err := node.Craft(context.Background(), tt.req)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestTransfer(t *testing.T) {
	ledger := newFakeLedger(clock.NewTestClock(testEpoch))
	sender := testAddress("sender")
	receiver := testAddress("receiver")
	wallet := newFakeWallet(ledger, sender)
	node, _, _ := newTestNode(t, wallet)
	node.operator.Set(sender)
	peer := newCountingPeer(t)
	node.peers.Add(peer.host(), ProtocolVersion)

	source := mintItem(ledger, "heirloom", sender, 1)
	source.Version = 4
	node.store.InsertOrUpdate(source)

	moved, err := node.Transfer(context.Background(), source.Tx, receiver)
	require.NoError(t, err)

	assert.Equal(t, receiver, moved.Address)
	assert.Equal(t, 0.999, moved.Value)
	assert.Equal(t, 5, moved.Version)
	assert.Empty(t, moved.Signature, "the receiver signs the transferred item")
	assert.EqualValues(t, UnknownTimestamp, moved.Timestamp)
	require.Len(t, moved.Prev, 1)
	assert.Equal(t, PrevInput{Tx: source.Tx, Vout: 0, Address: sender, SpendTimestamp: testEpoch.Unix(), TransferFee: TransferFee}, moved.Prev[0])

	assert.False(t, node.store.Has(source.Tx), "the spent item leaves the store")
	stored, ok := node.store.Get(moved.Tx, true, true)
	require.True(t, ok)
	assert.Equal(t, ValidityUnsigned, stored.Level())

	out, err := wallet.GetTxOut(context.Background(), source.Tx, 0)
	require.NoError(t, err)
	assert.Nil(t, out, "the source collateral is spent")
	assert.EqualValues(t, 1, peer.receives.Load())
}

func TestTransfer_Refusals(t *testing.T) {
	ledger := newFakeLedger(clock.NewTestClock(testEpoch))
	operator := testAddress("operator")
	node, _, _ := newTestNode(t, newFakeWallet(ledger, operator))
	node.operator.Set(operator)
	node.peers.Add("10.0.0.1:8000", ProtocolVersion)

	foreign := mintItem(ledger, "foreign", testAddress("someone"), 1)
	dust := mintItem(ledger, "dust", operator, TransferFee)
	pending := mintItem(ledger, "pending", operator, 1)
	pending.LastValidation.Successful = false
	for _, item := range []*Item{foreign, dust, pending} {
		node.store.InsertOrUpdate(item)
	}

	tests := []struct {
		name    string
		tx, to  string
		wantErr error
	}{
		{"short receiver", dust.Tx, "Zshort", ErrInvalidRequest},
		{"unknown item", testTx("unknown"), testAddress("r"), ErrItemNotFound},
		{"pending item", pending.Tx, testAddress("r"), ErrItemNotFound},
		{"not owned", foreign.Tx, testAddress("r"), ErrNotOwner},
		{"cannot cover fee", dust.Tx, testAddress("r"), ErrInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := node.Transfer(context.Background(), tt.tx, tt.to)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestTransfer_SpentCollateral(t *testing.T) {
	ledger := newFakeLedger(clock.NewTestClock(testEpoch))
	operator := testAddress("operator")
	node, _, _ := newTestNode(t, newFakeWallet(ledger, operator))
	node.operator.Set(operator)
	node.peers.Add("10.0.0.1:8000", ProtocolVersion)

	item := mintItem(ledger, "gone", operator, 1)
	node.store.InsertOrUpdate(item)
	ledger.spend(item.Tx, 0)

	_, err := node.Transfer(context.Background(), item.Tx, testAddress("r"))
	assert.ErrorIs(t, err, ErrCollateralSpent)
	assert.True(t, node.store.Has(item.Tx), "a failed transfer keeps the item")
}

func TestSmelt(t *testing.T) {
	ledger := newFakeLedger(clock.NewTestClock(testEpoch))
	operator := testAddress("smelter")
	wallet := newFakeWallet(ledger, operator)
	node, _, _ := newTestNode(t, wallet)
	node.operator.Set(operator)
	peer := newCountingPeer(t)
	node.peers.Add(peer.host(), ProtocolVersion)

	item := mintItem(ledger, "ore", operator, 1)
	node.store.InsertOrUpdate(item)
	wallet.LockUnspent(context.Background(), false, []Outpoint{{Tx: item.Tx}})

	record, err := node.Smelt(context.Background(), item.Tx)
	require.NoError(t, err)
	assert.Equal(t, SmeltRecord{Tx: item.Tx, Address: operator, Signature: fakeSignature(operator, SmeltMessagePrefix+item.Tx)}, record)

	assert.False(t, node.store.Has(item.Tx))
	assert.True(t, node.store.WasSmelted(item.Tx))
	assert.NotContains(t, wallet.locked, Outpoint{Tx: item.Tx}, "smelting unlocks the collateral")
	assert.EqualValues(t, 1, peer.messages.Load(), "peers are told about the smelt")

	_, err = node.Smelt(context.Background(), item.Tx)
	assert.ErrorIs(t, err, ErrSmelted)
}

func TestSmelt_Refusals(t *testing.T) {
	ledger := newFakeLedger(clock.NewTestClock(testEpoch))
	operator := testAddress("smelter")
	node, _, _ := newTestNode(t, newFakeWallet(ledger, operator))
	node.operator.Set(operator)

	foreign := mintItem(ledger, "foreign", testAddress("other"), 1)
	node.store.InsertOrUpdate(foreign)

	_, err := node.Smelt(context.Background(), testTx("unknown"))
	assert.ErrorIs(t, err, ErrItemNotFound)

	_, err = node.Smelt(context.Background(), foreign.Tx)
	assert.ErrorIs(t, err, ErrNotOwner)

	node.safeMode.Store(true)
	_, err = node.Smelt(context.Background(), foreign.Tx)
	assert.ErrorIs(t, err, ErrSafeMode)
}

func TestSmelt_WithoutPeers(t *testing.T) {
	ledger := newFakeLedger(clock.NewTestClock(testEpoch))
	operator := testAddress("smelter")
	node, _, _ := newTestNode(t, newFakeWallet(ledger, operator))
	node.operator.Set(operator)

	item := mintItem(ledger, "lonely", operator, 1)
	node.store.InsertOrUpdate(item)

	_, err := node.Smelt(context.Background(), item.Tx)
	require.NoError(t, err, "smelting only needs the wallet")
	assert.True(t, node.store.WasSmelted(item.Tx))
}

func TestSignOwnedItems(t *testing.T) {
	ledger := newFakeLedger(clock.NewTestClock(testEpoch))
	operator := testAddress("receiver")
	node, _, _ := newTestNode(t, newFakeWallet(ledger, operator))
	node.operator.Set(operator)

	ours := mintItem(ledger, "gift", operator, 0.999)
	ours.Signature = ""
	ours.Version = 1
	ours.Prev = []PrevInput{{Tx: testTx("source"), Address: testAddress("sender")}}
	theirs := ours.Clone()
	theirs.Tx = testTx("theirs")
	theirs.Address = testAddress("stranger")
	node.store.InsertOrUpdate(ours)
	node.store.InsertOrUpdate(theirs)

	signed := node.SignOwnedItems(context.Background())
	require.Len(t, signed, 1)
	assert.Equal(t, ours.Tx, signed[0].Tx)
	assert.Equal(t, 2, signed[0].Version)
	assert.Equal(t, fakeSignature(operator, ours.Tx), signed[0].Signature)
	assert.Equal(t, ValidityValid, signed[0].Level())

	stranger, _ := node.store.Get(theirs.Tx, true, true)
	assert.Equal(t, ValidityUnsigned, stranger.Level(), "items for other addresses stay unsigned")

	assert.Empty(t, node.SignOwnedItems(context.Background()), "nothing left to sign")
}

func TestHandleMessage(t *testing.T) {
	ledger := newFakeLedger(clock.NewTestClock(testEpoch))
	owner := testAddress("owner")
	wallet := newFakeWallet(ledger)
	node, _, _ := newTestNode(t, wallet)
	ctx := context.Background()

	item := mintItem(ledger, "anvil", owner, 1)
	node.store.InsertOrUpdate(item)
	goodSig := fakeSignature(owner, SmeltMessagePrefix+item.Tx)

	node.peers.Add("10.0.0.9:8000", ProtocolVersion)
	reply := node.HandleMessage(ctx, "10.0.0.9:8000", PeerMessage{Header: MessageDisconnect})
	assert.Equal(t, MessageReply{Message: "Disconnected"}, reply)
	assert.False(t, node.peers.Has("10.0.0.9:8000"))

	tests := []struct {
		name    string
		msg     PeerMessage
		offline bool
		want    MessageReply
	}{
		{"unknown header", PeerMessage{Header: "gossip"}, false, MessageReply{Error: "Unknown message header"}},
		{"missing tx", PeerMessage{Header: MessageSmelt, Sig: goodSig}, false, MessageReply{Error: "Missing item TX hash"}},
		{"missing sig", PeerMessage{Header: MessageSmelt, Item: item.Tx}, false, MessageReply{Error: "Missing item smelt signature"}},
		{"unknown item", PeerMessage{Header: MessageSmelt, Item: testTx("nope"), Sig: goodSig}, false, MessageReply{Error: "Missing or Invalid item"}},
		{"rpc failure", PeerMessage{Header: MessageSmelt, Item: item.Tx, Sig: goodSig}, true, MessageReply{Error: "Malformed signature"}},
		{"forged", PeerMessage{Header: MessageSmelt, Item: item.Tx, Sig: "forged"}, false, MessageReply{Error: "Invalid signature"}},
		{"genuine", PeerMessage{Header: MessageSmelt, Item: item.Tx, Sig: goodSig}, false, MessageReply{Message: "Smelt confirmed"}},
		{"repeat", PeerMessage{Header: MessageSmelt, Item: item.Tx, Sig: goodSig}, false, MessageReply{Error: "Item already smelted"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wallet.mu.Lock()
			wallet.offline = tt.offline
			wallet.mu.Unlock()

			assert.Equal(t, tt.want, node.HandleMessage(ctx, "10.0.0.1:8000", tt.msg))
		})
	}
	assert.True(t, node.store.WasSmelted(item.Tx))
}

func TestResolveOperatorAddress(t *testing.T) {
	ctx := context.Background()

	t.Run("configured and owned", func(t *testing.T) {
		chain := NewMockChainRPC(gomock.NewController(t))
		node, _, _ := newTestNode(t, chain)
		address := testAddress("configured")
		node.operator.Set(address)

		chain.EXPECT().GetAddressInfo(gomock.Any(), address).Return(&AddressInfo{Address: address, IsMine: true}, nil)

		got, err := node.ResolveOperatorAddress(ctx)
		require.NoError(t, err)
		assert.Equal(t, address, got)
	})

	t.Run("labelled address with balance wins", func(t *testing.T) {
		chain := NewMockChainRPC(gomock.NewController(t))
		node, _, _ := newTestNode(t, chain)
		node.operator.Set(testAddress("foreign"))

		chain.EXPECT().GetAddressInfo(gomock.Any(), gomock.Any()).Return(&AddressInfo{IsMine: false}, nil)
		chain.EXPECT().ListAddressGroupings(gomock.Any()).Return([]AddressGrouping{
			{Address: testAddress("empty"), Label: ForgeAccountLabel, HasLabel: true},
			{Address: testAddress("funded"), Balance: 5, Label: ForgeAccountLabel, HasLabel: true},
			{Address: testAddress("unlabelled"), Balance: 50},
		}, nil)

		got, err := node.ResolveOperatorAddress(ctx)
		require.NoError(t, err)
		assert.Equal(t, testAddress("funded"), got)
		assert.Equal(t, got, node.operator.Address())
	})

	t.Run("new address", func(t *testing.T) {
		chain := NewMockChainRPC(gomock.NewController(t))
		node, _, _ := newTestNode(t, chain)

		chain.EXPECT().ListAddressGroupings(gomock.Any()).Return(nil, nil)
		chain.EXPECT().GetNewAddress(gomock.Any(), ForgeAccountLabel).Return(testAddress("fresh"), nil)

		got, err := node.ResolveOperatorAddress(ctx)
		require.NoError(t, err)
		assert.Equal(t, testAddress("fresh"), got)
	})

	t.Run("wallet unreachable", func(t *testing.T) {
		chain := NewMockChainRPC(gomock.NewController(t))
		node, _, _ := newTestNode(t, chain)

		chain.EXPECT().ListAddressGroupings(gomock.Any()).Return(nil, errors.New("connection refused"))

		_, err := node.ResolveOperatorAddress(ctx)
		assert.Error(t, err)
	})
}
