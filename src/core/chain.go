package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"
)

//go:generate mockgen -source=chain.go -destination=mocks_test.go -package=main

// ChainRPC is the subset of the ZENZO Core daemon the Forge relies on.
// GetRawTransaction wraps ErrChainUnconfirmed when the daemon does not know the
// transaction; GetTxOut returns a nil output for a spent or unknown outpoint.
type ChainRPC interface {
	Ping(ctx context.Context) error
	GetBlockCount(ctx context.Context) (int64, error)
	GetRawTransaction(ctx context.Context, tx string) (*ChainTransaction, error)
	VerifyMessage(ctx context.Context, address, signature, message string) (bool, error)
	GetTxOut(ctx context.Context, tx string, vout uint32) (*ChainOutput, error)
	LockUnspent(ctx context.Context, unlock bool, outpoints []Outpoint) error
	SignMessage(ctx context.Context, address, message string) (string, error)
	SendToAddress(ctx context.Context, address string, amount float64) (string, error)
	GetTransactionVout(ctx context.Context, tx string) (uint32, error)
	CreateRawTransaction(ctx context.Context, inputs []Outpoint, outputs map[string]float64) (string, error)
	SignRawTransaction(ctx context.Context, rawTx string) (string, error)
	SendRawTransaction(ctx context.Context, signedTx string) (string, error)
	GetAddressInfo(ctx context.Context, address string) (*AddressInfo, error)
	ListAddressGroupings(ctx context.Context) ([]AddressGrouping, error)
	GetNewAddress(ctx context.Context, label string) (string, error)
	GetWalletInfo(ctx context.Context) (*WalletInfo, error)
}

// ChainTransaction is a verbose transaction as reported by the daemon
type ChainTransaction struct {
	Tx        string
	Vout      []ChainOutput
	BlockHash string
	BlockTime int64
}

// Confirmed reports whether the transaction is in a block
func (t *ChainTransaction) Confirmed() bool {
	return t.BlockHash != "" && t.BlockTime > 0
}

// ChainOutput is a single transaction output
type ChainOutput struct {
	N         uint32
	Value     float64
	Addresses []string
}

// PaysTo reports whether the output pays exactly value to address
func (o ChainOutput) PaysTo(value float64, address string) bool {
	return SameAmount(o.Value, value) && o.FirstAddress() == address
}

// FirstAddress returns the first address the output pays to
func (o ChainOutput) FirstAddress() string {
	if len(o.Addresses) == 0 {
		return ""
	}
	return o.Addresses[0]
}

// Outpoint identifies a transaction output
type Outpoint struct {
	Tx   string `json:"txid"`
	Vout uint32 `json:"vout"`
}

// AddressInfo is the wallet's view of an address
type AddressInfo struct {
	Address string
	IsMine  bool
}

// AddressGrouping is one address from listaddressgroupings
type AddressGrouping struct {
	Address string
	Balance float64
	Label   string
	// labelled entries carry a third element
	HasLabel bool
}

// WalletInfo is the subset of getinfo shown by /forge/account
type WalletInfo struct {
	Balance       float64 `json:"balance"`
	WalletVersion int     `json:"walletversion"`
}

// SameAmount compares two coin values at satoshi precision
func SameAmount(a, b float64) bool {
	amtA, errA := btcutil.NewAmount(a)
	amtB, errB := btcutil.NewAmount(b)
	if errA != nil || errB != nil {
		return false
	}
	return amtA == amtB
}

// RPCMetrics records the outcome of chain RPC calls
type RPCMetrics interface {
	Observe(operation string, err error, started time.Time)
}

// RPCChain talks to the ZENZO Core daemon over JSON-RPC
type RPCChain struct {
	client  *rpcclient.Client
	metrics RPCMetrics
	timeout time.Duration
}

// NewRPCChain connects to the daemon in HTTP POST mode
func NewRPCChain(cfg *Config, metrics RPCMetrics) (*RPCChain, error) {
	client, err := rpcclient.New(&rpcclient.ConnConfig{
		Host:         cfg.RPCHost,
		User:         cfg.RPCUser,
		Pass:         cfg.RPCPass,
		HTTPPostMode: true,
		DisableTLS:   true,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create rpc client: %w", err)
	}
	return &RPCChain{
		client:  client,
		metrics: metrics,
		timeout: cfg.RPCTimeout,
	}, nil
}

// Shutdown releases the underlying client
func (c *RPCChain) Shutdown() {
	c.client.Shutdown()
}

// awaitRPC waits for a pending RPC future without outliving ctx or the timeout
func awaitRPC[T any](ctx context.Context, timeout time.Duration, receive func() (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		val T
		err error
	}
	done := make(chan result, 1)
	go func() {
		val, err := receive()
		done <- result{val: val, err: err}
	}()

	select {
	case res := <-done:
		return res.val, res.err
	case <-ctx.Done():
		var zero T
		return zero, fmt.Errorf("%w: %v", ErrNetworkUnavailable, ctx.Err())
	}
}

func isNotFound(err error) bool {
	var rpcErr *btcjson.RPCError
	if !errors.As(err, &rpcErr) {
		return false
	}
	return rpcErr.Code == btcjson.ErrRPCNoTxInfo || rpcErr.Code == btcjson.ErrRPCInvalidAddressOrKey
}

func parseTxHash(tx string) (*chainhash.Hash, error) {
	hash, err := chainhash.NewHashFromStr(tx)
	if err != nil {
		return nil, fmt.Errorf("%w: bad txid %q: %v", ErrContentInvalid, tx, err)
	}
	return hash, nil
}

func scriptAddresses(spk btcjson.ScriptPubKeyResult) []string {
	if len(spk.Addresses) > 0 {
		return spk.Addresses
	}
	if spk.Address != "" {
		return []string{spk.Address}
	}
	return nil
}

// rawCall issues a method the btcd client has no typed binding for
func (c *RPCChain) rawCall(ctx context.Context, operation, method string, result interface{}, params ...interface{}) (err error) {
	started := time.Now()
	defer func() {
		c.metrics.Observe(operation, err, started)
	}()

	encoded := make([]json.RawMessage, 0, len(params))
	for _, param := range params {
		data, err := json.Marshal(param)
		if err != nil {
			return fmt.Errorf("failed to encode %s params: %w", method, err)
		}
		encoded = append(encoded, data)
	}

	resp, err := awaitRPC(ctx, c.timeout, c.client.RawRequestAsync(method, encoded).Receive)
	if err != nil {
		return err
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(resp, result); err != nil {
		return fmt.Errorf("failed to decode %s result: %w", method, err)
	}
	return nil
}

// Ping checks that the daemon answers
func (c *RPCChain) Ping(ctx context.Context) (err error) {
	started := time.Now()
	defer func() {
		c.metrics.Observe("ping", err, started)
	}()
	future := c.client.PingAsync()
	_, err = awaitRPC(ctx, c.timeout, func() (struct{}, error) {
		return struct{}{}, future.Receive()
	})
	return err
}

// GetBlockCount returns the best block height
func (c *RPCChain) GetBlockCount(ctx context.Context) (count int64, err error) {
	started := time.Now()
	defer func() {
		c.metrics.Observe("get_block_count", err, started)
	}()
	return awaitRPC(ctx, c.timeout, c.client.GetBlockCountAsync().Receive)
}

// GetRawTransaction fetches a verbose transaction from the chain or mempool
func (c *RPCChain) GetRawTransaction(ctx context.Context, tx string) (res *ChainTransaction, err error) {
	started := time.Now()
	defer func() {
		c.metrics.Observe("get_raw_transaction", err, started)
	}()

	hash, err := parseTxHash(tx)
	if err != nil {
		return nil, err
	}
	raw, err := awaitRPC(ctx, c.timeout, c.client.GetRawTransactionVerboseAsync(hash).Receive)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrChainUnconfirmed, tx)
		}
		return nil, err
	}

	res = &ChainTransaction{
		Tx:        tx,
		BlockHash: raw.BlockHash,
		BlockTime: raw.Blocktime,
	}
	for _, out := range raw.Vout {
		res.Vout = append(res.Vout, ChainOutput{
			N:         out.N,
			Value:     out.Value,
			Addresses: scriptAddresses(out.ScriptPubKey),
		})
	}
	return res, nil
}

// VerifyMessage checks a signed message against an address
func (c *RPCChain) VerifyMessage(ctx context.Context, address, signature, message string) (bool, error) {
	var valid bool
	err := c.rawCall(ctx, "verify_message", "verifymessage", &valid, address, signature, message)
	return valid, err
}

// GetTxOut returns the unspent output, or nil if it is spent or unknown
func (c *RPCChain) GetTxOut(ctx context.Context, tx string, vout uint32) (out *ChainOutput, err error) {
	started := time.Now()
	defer func() {
		c.metrics.Observe("get_tx_out", err, started)
	}()

	hash, err := parseTxHash(tx)
	if err != nil {
		return nil, err
	}
	res, err := awaitRPC(ctx, c.timeout, c.client.GetTxOutAsync(hash, vout, true).Receive)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, nil
	}
	return &ChainOutput{
		N:         vout,
		Value:     res.Value,
		Addresses: scriptAddresses(res.ScriptPubKey),
	}, nil
}

// LockUnspent locks or unlocks wallet outputs
func (c *RPCChain) LockUnspent(ctx context.Context, unlock bool, outpoints []Outpoint) (err error) {
	started := time.Now()
	defer func() {
		c.metrics.Observe("lock_unspent", err, started)
	}()

	ops := make([]*wire.OutPoint, 0, len(outpoints))
	for _, op := range outpoints {
		hash, err := parseTxHash(op.Tx)
		if err != nil {
			return err
		}
		ops = append(ops, wire.NewOutPoint(hash, op.Vout))
	}
	future := c.client.LockUnspentAsync(unlock, ops)
	_, err = awaitRPC(ctx, c.timeout, func() (struct{}, error) {
		return struct{}{}, future.Receive()
	})
	if !unlock && isAlreadyLocked(err) {
		return fmt.Errorf("%w: %v", ErrAlreadyLocked, err)
	}
	return err
}

// isAlreadyLocked matches the daemon's refusal to lock a locked output
func isAlreadyLocked(err error) bool {
	var rpcErr *btcjson.RPCError
	if !errors.As(err, &rpcErr) {
		return false
	}
	return rpcErr.Code == btcjson.ErrRPCInvalidParameter && strings.Contains(rpcErr.Message, "already locked")
}

// SignMessage signs a message with the wallet key of address
func (c *RPCChain) SignMessage(ctx context.Context, address, message string) (string, error) {
	var sig string
	err := c.rawCall(ctx, "sign_message", "signmessage", &sig, address, message)
	return sig, err
}

// SendToAddress pays amount to address, rounded to satoshi precision
func (c *RPCChain) SendToAddress(ctx context.Context, address string, amount float64) (string, error) {
	amt, err := btcutil.NewAmount(amount)
	if err != nil {
		return "", fmt.Errorf("%w: bad amount: %v", ErrInvalidRequest, err)
	}
	var txid string
	err = c.rawCall(ctx, "send_to_address", "sendtoaddress", &txid, address, amt.ToBTC())
	return txid, err
}

// GetTransactionVout returns the wallet output index of a wallet transaction
func (c *RPCChain) GetTransactionVout(ctx context.Context, tx string) (uint32, error) {
	var res struct {
		Details []struct {
			Vout uint32 `json:"vout"`
		} `json:"details"`
	}
	if err := c.rawCall(ctx, "get_transaction", "gettransaction", &res, tx); err != nil {
		return 0, err
	}
	if len(res.Details) == 0 {
		return 0, fmt.Errorf("%w: transaction %s has no wallet details", ErrItemNotFound, tx)
	}
	return res.Details[0].Vout, nil
}

// CreateRawTransaction builds an unsigned transaction
func (c *RPCChain) CreateRawTransaction(ctx context.Context, inputs []Outpoint, outputs map[string]float64) (string, error) {
	amounts := make(map[string]float64, len(outputs))
	for address, value := range outputs {
		amt, err := btcutil.NewAmount(value)
		if err != nil {
			return "", fmt.Errorf("%w: bad amount: %v", ErrInvalidRequest, err)
		}
		amounts[address] = amt.ToBTC()
	}
	var rawTx string
	err := c.rawCall(ctx, "create_raw_transaction", "createrawtransaction", &rawTx, inputs, amounts)
	return rawTx, err
}

// SignRawTransaction signs a raw transaction with wallet keys
func (c *RPCChain) SignRawTransaction(ctx context.Context, rawTx string) (string, error) {
	var res struct {
		Hex      string `json:"hex"`
		Complete bool   `json:"complete"`
	}
	if err := c.rawCall(ctx, "sign_raw_transaction", "signrawtransaction", &res, rawTx); err != nil {
		return "", err
	}
	if !res.Complete {
		return "", fmt.Errorf("signrawtransaction returned an incomplete transaction")
	}
	return res.Hex, nil
}

// SendRawTransaction broadcasts a signed transaction
func (c *RPCChain) SendRawTransaction(ctx context.Context, signedTx string) (string, error) {
	var txid string
	err := c.rawCall(ctx, "send_raw_transaction", "sendrawtransaction", &txid, signedTx)
	return txid, err
}

// GetAddressInfo reports whether the wallet owns address
func (c *RPCChain) GetAddressInfo(ctx context.Context, address string) (*AddressInfo, error) {
	var res struct {
		Address string      `json:"address"`
		IsMine  interface{} `json:"ismine"`
	}
	if err := c.rawCall(ctx, "get_address_info", "getaddressinfo", &res, address); err != nil {
		return nil, err
	}
	// older daemons report ismine as 1
	isMine := res.IsMine == true || res.IsMine == float64(1)
	return &AddressInfo{Address: address, IsMine: isMine}, nil
}

// ListAddressGroupings flattens the wallet's address groupings
func (c *RPCChain) ListAddressGroupings(ctx context.Context) ([]AddressGrouping, error) {
	var groups [][][]interface{}
	if err := c.rawCall(ctx, "list_address_groupings", "listaddressgroupings", &groups); err != nil {
		return nil, err
	}

	var out []AddressGrouping
	for _, group := range groups {
		for _, entry := range group {
			if len(entry) < 2 {
				continue
			}
			address, _ := entry[0].(string)
			balance, _ := entry[1].(float64)
			g := AddressGrouping{Address: address, Balance: balance}
			if len(entry) >= 3 {
				g.Label, _ = entry[2].(string)
				g.HasLabel = true
			}
			out = append(out, g)
		}
	}
	return out, nil
}

// GetNewAddress creates a wallet address under label
func (c *RPCChain) GetNewAddress(ctx context.Context, label string) (string, error) {
	var address string
	err := c.rawCall(ctx, "get_new_address", "getnewaddress", &address, label)
	return address, err
}

// GetWalletInfo returns the wallet balance and version
func (c *RPCChain) GetWalletInfo(ctx context.Context) (*WalletInfo, error) {
	var info WalletInfo
	if err := c.rawCall(ctx, "get_info", "getinfo", &info); err != nil {
		return nil, err
	}
	return &info, nil
}
