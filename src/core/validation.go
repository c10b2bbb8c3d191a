package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"unicode/utf8"

	"github.com/lightningnetwork/lnd/clock"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Invalidation scores applied by deep validation
const (
	ScoreUnconfirmed    = 2.0
	ScoreOwnSpent       = 2.5
	ScoreSpent          = 12.5
	ScoreAddressChanged = 12.5
	ScoreForged         = 25.0

	// failures at or above this score count as a strike on items below valid
	severeScore = ScoreSpent
)

// IntakeResult is the outcome of offering a peer item to the queue
type IntakeResult int

const (
	IntakeAccepted IntakeResult = iota
	IntakeIgnored
	IntakeSmelted
	IntakeRejected
)

func (r IntakeResult) String() string {
	switch r {
	case IntakeAccepted:
		return "accepted"
	case IntakeIgnored:
		return "ignored"
	case IntakeSmelted:
		return "smelted"
	case IntakeRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// ValidationEngine runs light and deep validation over items and applies
// the resulting transitions to the store
type ValidationEngine struct {
	store    *ItemStore
	queue    *ValidationQueue
	chain    ChainRPC
	vm       *ScriptVM
	clock    clock.Clock
	operator *OperatorIdentity
	tracer   trace.Tracer

	maxInvalidScore float64

	onApprove func(item *Item)
}

// NewValidationEngine wires an engine over the store and queue
func NewValidationEngine(store *ItemStore, queue *ValidationQueue, chain ChainRPC, operator *OperatorIdentity, clk clock.Clock, maxInvalidScore float64) *ValidationEngine {
	if clk == nil {
		clk = clock.NewDefaultClock()
	}
	if maxInvalidScore <= 0 {
		maxInvalidScore = DefaultMaxInvalidScore
	}
	if operator == nil {
		operator = NewOperatorIdentity("")
	}
	return &ValidationEngine{
		store:           store,
		queue:           queue,
		chain:           chain,
		vm:              NewScriptVM(),
		clock:           clk,
		operator:        operator,
		tracer:          tracer,
		maxInvalidScore: maxInvalidScore,
	}
}

// OnApprove registers a callback for every approved item
func (e *ValidationEngine) OnApprove(fn func(item *Item)) {
	e.onApprove = fn
}

// isTxID reports whether s looks like a transaction id
func isTxID(s string) bool {
	if len(s) != TxIDLength {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// IsContentValid is the light validation gate. It needs no I/O and an item
// failing it is rejected permanently.
func IsContentValid(item *Item) error {
	if !isTxID(item.Tx) {
		return fmt.Errorf("%w: tx must be %d hex characters", ErrContentInvalid, TxIDLength)
	}
	if len(item.Address) != AddressLength {
		return fmt.Errorf("%w: address must be %d characters", ErrContentInvalid, AddressLength)
	}
	nameLen := utf8.RuneCountInString(item.Name)
	if nameLen < 1 || nameLen > MaxNameLength {
		return fmt.Errorf("%w: name must be 1-%d characters", ErrContentInvalid, MaxNameLength)
	}
	if ContainsControlCharacters(item.Name) {
		return fmt.Errorf("%w: name contains control characters", ErrContentInvalid)
	}
	if math.IsNaN(item.Value) || math.IsInf(item.Value, 0) || item.Value <= 0 {
		return fmt.Errorf("%w: value must be positive", ErrContentInvalid)
	}
	if item.Version < 0 {
		return fmt.Errorf("%w: negative version", ErrContentInvalid)
	}
	if len(item.Metadata) > MaxMetadataBytes {
		return fmt.Errorf("%w: metadata is %d bytes, max %d", ErrContentInvalid, len(item.Metadata), MaxMetadataBytes)
	}
	if len(item.Contracts) > 0 {
		raw, err := json.Marshal(item.Contracts)
		if err != nil {
			return fmt.Errorf("%w: contracts: %v", ErrContentInvalid, err)
		}
		if len(raw) > MaxContractBytes {
			return fmt.Errorf("%w: contracts are %d bytes, max %d", ErrContentInvalid, len(raw), MaxContractBytes)
		}
	}
	if item.Level() == ValidityUnsigned && (len(item.Prev) == 0 || item.Prev[0].Tx == "") {
		return fmt.Errorf("%w: unsigned item is missing prev", ErrContentInvalid)
	}
	return nil
}

// Intake light-validates a peer item and queues it for deep validation
func (e *ValidationEngine) Intake(item *Item) IntakeResult {
	item.LastValidation = LastValidation{}
	item.InvalidScore = 0

	if e.store.WasSmelted(item.Tx) {
		e.store.Erase(item.Tx, true)
		logger.Debug("Received a smelted item", "tx", item.Tx, "name", item.Name)
		return IntakeSmelted
	}

	if err := IsContentValid(item); err != nil {
		logger.Debug("Received item failed content checks", "tx", item.Tx, "error", err)
		return IntakeRejected
	}

	if existing, exists := e.store.Get(item.Tx, true, true); exists && item.Version <= existing.Version {
		return IntakeIgnored
	}

	if !e.queue.Enqueue(item) {
		return IntakeIgnored
	}
	return IntakeAccepted
}

// IntakeBatch runs Intake over every item and tallies the outcomes.
// Smelted items count as ignored.
func (e *ValidationEngine) IntakeBatch(items []*Item) ValidationStats {
	var stats ValidationStats
	for _, item := range items {
		result := e.Intake(item)
		switch result {
		case IntakeAccepted:
			stats.Accepted++
		case IntakeRejected:
			stats.Rejected++
		default:
			stats.Ignored++
		}
		RecordItemIntake(result)
	}
	return stats
}

// ValidateItemBatch queues the items and drains the queue before returning
func (e *ValidationEngine) ValidateItemBatch(ctx context.Context, items []*Item) ValidationStats {
	stats := e.IntakeBatch(items)
	e.DrainQueue(ctx)
	return stats
}

// Revalidate queues a stored item for another deep validation pass
func (e *ValidationEngine) Revalidate(item *Item) bool {
	return e.queue.Enqueue(item)
}

// DrainQueue deep-validates every queued item, approving the genuine ones
func (e *ValidationEngine) DrainQueue(ctx context.Context) bool {
	ctx, span := e.tracer.Start(ctx, "ValidationEngine.DrainQueue")
	defer span.End()

	return e.queue.Drain(ctx, func(ctx context.Context, item *Item) {
		if err := e.IsItemValid(ctx, item, true); err != nil {
			logger.Debug("Item failed deep validation", "tx", item.Tx, "name", item.Name, "error", err)
		}
	})
}

// IsItemValid deep-validates an item against the chain. A nil error means the
// item is genuine; with approve set it is then accepted into the store.
func (e *ValidationEngine) IsItemValid(ctx context.Context, item *Item, approve bool) (err error) {
	ctx, span := e.tracer.Start(ctx, "ValidationEngine.IsItemValid",
		trace.WithAttributes(attribute.String("forge.tx", item.Tx)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	item = item.Clone()

	// Smelted while queued
	if e.store.WasSmelted(item.Tx) {
		e.store.Erase(item.Tx, true)
		RecordValidation("smelted")
		return ErrSmelted
	}

	if err := IsContentValid(item); err != nil {
		e.store.Erase(item.Tx, true)
		RecordValidation("content_invalid")
		return err
	}

	if script := item.ValidationScript(); script != "" {
		if err := e.runContract(ctx, item, script); err != nil {
			if errors.Is(err, ErrNetworkUnavailable) {
				RecordValidation("rpc_error")
				return err
			}
			e.store.Erase(item.Tx, true)
			RecordValidation("script_failed")
			logger.Warn("Item validation contract failed", "tx", item.Tx, "name", item.Name, "error", err)
			return err
		}
	}

	rawTx, err := e.chain.GetRawTransaction(ctx, item.Tx)
	if err == nil && len(rawTx.Vout) == 0 {
		err = fmt.Errorf("%w: %s has no outputs", ErrChainUnconfirmed, item.Tx)
	}
	if err != nil {
		return e.unconfirmed(item, err)
	}
	if rawTx.Confirmed() {
		item.Timestamp = rawTx.BlockTime
	} else {
		item.Timestamp = UnknownTimestamp
	}

	vout, found := findCollateral(rawTx, item)
	if !found {
		e.penalize(item, ScoreForged, "no_collateral")
		return fmt.Errorf("%w: no output pays %v to %s", ErrCollateralMismatch, item.Value, item.Address)
	}

	if item.Signature != "" {
		genuine, err := e.chain.VerifyMessage(ctx, item.Address, item.Signature, item.Tx)
		if err != nil {
			RecordValidation("rpc_error")
			return fmt.Errorf("%w: verifymessage: %v", ErrNetworkUnavailable, err)
		}
		if !genuine {
			e.penalize(item, ScoreForged, "bad_signature")
			return ErrSignatureInvalid
		}
	}

	out, err := e.chain.GetTxOut(ctx, item.Tx, vout)
	if err != nil {
		RecordValidation("rpc_error")
		return fmt.Errorf("%w: gettxout: %v", ErrNetworkUnavailable, err)
	}
	if out == nil {
		score := ScoreSpent
		if item.InvolvesAddress(e.operator.Address()) {
			score = ScoreOwnSpent
		}
		e.penalize(item, score, "spent")
		return fmt.Errorf("%w: %s:%d", ErrCollateralSpent, item.Tx, vout)
	}
	if !SameAmount(out.Value, item.Value) {
		e.penalize(item, ScoreForged, "value_mismatch")
		return fmt.Errorf("%w: item value %v, collateral holds %v", ErrCollateralMismatch, item.Value, out.Value)
	}
	if out.FirstAddress() != item.Address {
		e.penalize(item, ScoreAddressChanged, "address_mismatch")
		return fmt.Errorf("%w: collateral pays %s", ErrCollateralMismatch, out.FirstAddress())
	}

	RecordValidation("valid")
	if approve {
		e.approve(item)
	}
	return nil
}

// findCollateral returns the index of the output backing the item
func findCollateral(rawTx *ChainTransaction, item *Item) (uint32, bool) {
	for _, out := range rawTx.Vout {
		if !SameAmount(out.Value, item.Value) {
			continue
		}
		for _, address := range out.Addresses {
			if address == item.Address {
				return out.N, true
			}
		}
	}
	return 0, false
}

// runContract executes the item's validation contract with prefetched context
func (e *ValidationEngine) runContract(ctx context.Context, item *Item, script string) error {
	sctx := ScriptContext{
		Self: item.Clone(),
		Now:  e.clock.Now(),
	}
	for _, op := range ContextualOpcodes(script) {
		switch op {
		case OpGetBestBlock:
			if sctx.BestBlock != nil {
				continue
			}
			height, err := e.chain.GetBlockCount(ctx)
			if err != nil {
				return fmt.Errorf("%w: getblockcount: %v", ErrNetworkUnavailable, err)
			}
			sctx.BestBlock = &height
		case OpIsNameUsed, OpGetItemEpoch:
			if sctx.Items == nil {
				sctx.Items = e.store.SignedItems()
			}
		}
	}

	outcome, err := e.vm.Execute(script, sctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrScriptFailed, err)
	}
	if !outcome.Passed() {
		return fmt.Errorf("%w: contract returned %v", ErrScriptFailed, outcome.Result)
	}
	return nil
}

// unconfirmed handles a backing transaction the chain cannot show us. New
// items are kept as untrusted so a slow broadcast gets a chance to land.
func (e *ValidationEngine) unconfirmed(item *Item, cause error) error {
	reason := "unconfirmed"
	if !errors.Is(cause, ErrChainUnconfirmed) {
		reason = "rpc_error"
	}

	if !e.store.Has(item.Tx) {
		untrusted := item.Clone()
		untrusted.LastValidation = LastValidation{Timestamp: e.clock.Now().Unix()}
		e.store.InsertOrUpdate(untrusted)
		logger.Debug("Untrusted item added", "tx", item.Tx, "level", untrusted.Level().String())
	}
	e.penalize(item, ScoreUnconfirmed, reason)
	return fmt.Errorf("%w: %v", ErrChainUnconfirmed, cause)
}

// penalize adds invalidation score and applies the resulting transition
func (e *ValidationEngine) penalize(item *Item, score float64, reason string) {
	RecordValidation(reason)

	result, total := e.store.Penalize(item.Tx, score, e.maxInvalidScore)
	switch result {
	case DisproveMissing:
		return
	case DisproveScored:
		if score >= severeScore {
			if stored, ok := e.store.Get(item.Tx, true, true); ok && stored.Level() != ValidityValid {
				result = e.store.Disprove(item.Tx)
			}
		}
	}

	RecordPenalty(reason, result)
	logger.Info("Invalidation score applied",
		"tx", item.Tx,
		"name", item.Name,
		"reason", reason,
		"score", score,
		"total", total,
		"result", result.String())
}

func (e *ValidationEngine) approve(item *Item) {
	outcome := e.store.Approve(item)
	if outcome == UpsertIgnored {
		return
	}
	logger.Info("Item approved",
		"tx", item.Tx,
		"name", item.Name,
		"version", item.Version,
		"level", item.Level().String(),
		"outcome", outcome.String())
	if e.onApprove != nil {
		e.onApprove(item)
	}
}

// ValidateSmelts verifies smelt assertions against the chain and applies the
// genuine ones. Returns the records that were accepted.
func (e *ValidationEngine) ValidateSmelts(ctx context.Context, records []SmeltRecord) []SmeltRecord {
	var accepted []SmeltRecord
	for _, record := range records {
		if !record.Complete() || e.store.WasSmelted(record.Tx) {
			continue
		}
		if err := e.verifySmelt(ctx, record); err != nil {
			logger.Warn("Ignoring smelt", "tx", record.Tx, "address", record.Address, "error", err)
			RecordSmelt("rejected")
			continue
		}
		if e.applySmelt(record) {
			accepted = append(accepted, record)
		}
	}
	return accepted
}

// verifySmelt checks a smelt record's signature over "smelt_"+tx. The record
// must come from the item's owner: the stored owner when we hold the item,
// otherwise an address the collateral transaction pays.
func (e *ValidationEngine) verifySmelt(ctx context.Context, record SmeltRecord) error {
	if item, exists := e.store.Get(record.Tx, true, true); exists {
		if item.Address != record.Address {
			return fmt.Errorf("%w: smelt address %s does not own the item", ErrSignatureInvalid, record.Address)
		}
	} else if err := e.verifySmeltOwner(ctx, record); err != nil {
		return err
	}
	genuine, err := e.chain.VerifyMessage(ctx, record.Address, record.Signature, SmeltMessagePrefix+record.Tx)
	if err != nil {
		return fmt.Errorf("%w: malformed signature: %v", ErrSignatureInvalid, err)
	}
	if !genuine {
		return ErrSignatureInvalid
	}
	return nil
}

// verifySmeltOwner checks on chain that record.Tx has an output paying
// record.Address
func (e *ValidationEngine) verifySmeltOwner(ctx context.Context, record SmeltRecord) error {
	rawTx, err := e.chain.GetRawTransaction(ctx, record.Tx)
	if err != nil {
		return fmt.Errorf("smelt of unknown item %s: %w", record.Tx, err)
	}
	for _, out := range rawTx.Vout {
		for _, address := range out.Addresses {
			if address == record.Address {
				return nil
			}
		}
	}
	return fmt.Errorf("%w: %s is not paid by %s", ErrSignatureInvalid, record.Address, record.Tx)
}

// applySmelt records a verified smelt and drops any queued validation of the item
func (e *ValidationEngine) applySmelt(record SmeltRecord) bool {
	if !e.store.RecordSmelt(record) {
		return false
	}
	e.queue.Cancel(record.Tx)
	RecordSmelt("accepted")
	logger.Info("Item smelted", "tx", record.Tx, "address", record.Address)
	return true
}
