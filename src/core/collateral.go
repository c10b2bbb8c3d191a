package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sasha-s/go-deadlock"
)

// LockfileName is the coin control file ZENZO Core reads on startup
const LockfileName = "forge.conf"

type lockedOutput struct {
	Outpoint
	Name string
}

// CollateralLedger tracks the wallet outputs locked as item collateral, so
// the wallet never spends them by accident
type CollateralLedger struct {
	mu     deadlock.Mutex
	locked map[string]lockedOutput

	chain    ChainRPC
	lockfile string
}

// NewCollateralLedger creates a ledger. An empty zenzoDataDir disables the lockfile.
func NewCollateralLedger(chain ChainRPC, zenzoDataDir string) *CollateralLedger {
	l := &CollateralLedger{
		locked: make(map[string]lockedOutput),
		chain:  chain,
	}
	if zenzoDataDir != "" {
		l.lockfile = filepath.Join(zenzoDataDir, LockfileName)
	}
	return l
}

// IsLocked reports whether the item's collateral is tracked as locked
func (l *CollateralLedger) IsLocked(tx string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.locked[tx]
	return ok
}

// Len returns the number of locked outputs
func (l *CollateralLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locked)
}

// Lock locks the collateral of every item not already tracked. An output is
// tracked only once the wallet confirms it locked, or reports it already was;
// any other failure is retried on the next call.
func (l *CollateralLedger) Lock(ctx context.Context, items []*Item) int {
	added := 0
	for _, item := range items {
		if l.IsLocked(item.Tx) {
			continue
		}
		vout, err := l.chain.GetTransactionVout(ctx, item.Tx)
		if err != nil {
			logger.Debug("Unable to find collateral output", "tx", item.Tx, "error", err)
			continue
		}
		op := Outpoint{Tx: item.Tx, Vout: vout}
		if err := l.chain.LockUnspent(ctx, false, []Outpoint{op}); err != nil {
			if !errors.Is(err, ErrAlreadyLocked) {
				logger.Warn("Collateral lock failed", "tx", item.Tx, "vout", vout, "error", err)
				continue
			}
			logger.Debug("Collateral already locked", "tx", item.Tx, "vout", vout)
		}

		l.mu.Lock()
		l.locked[item.Tx] = lockedOutput{Outpoint: op, Name: item.Name}
		l.mu.Unlock()
		added++
	}

	if added > 0 {
		logger.Info("Locked item collateral", "added", added, "total", l.Len())
		if err := l.WriteLockfile(); err != nil {
			logger.Warn("Failed to write collateral lockfile", "error", err)
		}
	}
	return added
}

// Release unlocks an item's collateral so it can be spent
func (l *CollateralLedger) Release(ctx context.Context, tx string, vout uint32) error {
	l.Forget(tx)
	if err := l.chain.LockUnspent(ctx, true, []Outpoint{{Tx: tx, Vout: vout}}); err != nil {
		return fmt.Errorf("failed to unlock collateral %s:%d: %w", tx, vout, err)
	}
	return nil
}

// Forget stops tracking an item's collateral
func (l *CollateralLedger) Forget(tx string) {
	l.mu.Lock()
	_, ok := l.locked[tx]
	delete(l.locked, tx)
	l.mu.Unlock()

	if ok {
		if err := l.WriteLockfile(); err != nil {
			logger.Warn("Failed to write collateral lockfile", "error", err)
		}
	}
}

// sanitizeLockName makes an item name safe for a space separated lockfile line
func sanitizeLockName(name string) string {
	return strings.Join(strings.Fields(name), "_")
}

// WriteLockfile rewrites forge.conf with one "<name> <tx> <vout>" line per output
func (l *CollateralLedger) WriteLockfile() error {
	if l.lockfile == "" {
		return nil
	}

	l.mu.Lock()
	outputs := make([]lockedOutput, 0, len(l.locked))
	for _, out := range l.locked {
		outputs = append(outputs, out)
	}
	l.mu.Unlock()
	sort.Slice(outputs, func(i, j int) bool { return outputs[i].Tx < outputs[j].Tx })

	var b strings.Builder
	for _, out := range outputs {
		fmt.Fprintf(&b, "\r\n%s %s %d", sanitizeLockName(out.Name), out.Tx, out.Vout)
	}

	if err := os.MkdirAll(filepath.Dir(l.lockfile), 0755); err != nil {
		return fmt.Errorf("failed to create lockfile directory: %w", err)
	}
	if err := os.WriteFile(l.lockfile, []byte(b.String()), 0644); err != nil {
		return fmt.Errorf("failed to write lockfile: %w", err)
	}
	return nil
}
