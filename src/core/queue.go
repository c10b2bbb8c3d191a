package main

import (
	"context"

	"github.com/sasha-s/go-deadlock"
)

// ValidationQueue batches items awaiting deep validation. Only one drain runs
// at a time; items enqueued while a drain is in flight wait for the next one.
type ValidationQueue struct {
	mu deadlock.Mutex

	validating bool
	pending    []*Item
	inFlight   map[string]bool
	cancelled  map[string]bool
	rounds     uint64
}

// NewValidationQueue creates an empty queue
func NewValidationQueue() *ValidationQueue {
	return &ValidationQueue{
		inFlight:  make(map[string]bool),
		cancelled: make(map[string]bool),
	}
}

// Enqueue adds an item unless the same tx is queued or being validated
func (q *ValidationQueue) Enqueue(item *Item) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.inFlight[item.Tx] {
		return false
	}
	for _, queued := range q.pending {
		if queued.Tx == item.Tx {
			return false
		}
	}
	q.pending = append(q.pending, item.Clone())
	UpdateQueueGauge(len(q.pending))
	return true
}

// Contains reports whether the tx is queued or mid-validation
func (q *ValidationQueue) Contains(tx string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.inFlight[tx] {
		return true
	}
	for _, queued := range q.pending {
		if queued.Tx == tx {
			return true
		}
	}
	return false
}

// Cancel drops a queued item. An item already in the running batch is
// skipped when its turn comes.
func (q *ValidationQueue) Cancel(tx string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.pending[:0]
	for _, queued := range q.pending {
		if queued.Tx != tx {
			kept = append(kept, queued)
		}
	}
	q.pending = kept
	if q.inFlight[tx] {
		q.cancelled[tx] = true
	}
	UpdateQueueGauge(len(q.pending))
}

// Drain moves the queued items out and validates them one by one with fn.
// It returns false without doing anything when a drain is already running or
// nothing is queued. The lock is not held while fn runs.
func (q *ValidationQueue) Drain(ctx context.Context, fn func(context.Context, *Item)) bool {
	q.mu.Lock()
	if q.validating || len(q.pending) == 0 {
		q.mu.Unlock()
		return false
	}
	batch := q.pending
	q.pending = nil
	q.validating = true
	for _, item := range batch {
		q.inFlight[item.Tx] = true
	}
	UpdateQueueGauge(0)
	q.mu.Unlock()

	done := 0
	for _, item := range batch {
		if ctx.Err() != nil {
			break
		}
		done++
		if q.isCancelled(item.Tx) {
			continue
		}
		fn(ctx, item)
	}

	q.mu.Lock()
	if done < len(batch) {
		// An aborted drain puts the untouched items back ahead of newer ones
		var tail []*Item
		for _, item := range batch[done:] {
			if !q.cancelled[item.Tx] {
				tail = append(tail, item)
			}
		}
		q.pending = append(tail, q.pending...)
		UpdateQueueGauge(len(q.pending))
	}
	q.validating = false
	q.inFlight = make(map[string]bool)
	q.cancelled = make(map[string]bool)
	q.rounds++
	rounds := q.rounds
	q.mu.Unlock()

	RecordQueueRound(done)
	logger.Debug("Validation round finished", "round", rounds, "items", done, "requeued", len(batch)-done)
	return true
}

func (q *ValidationQueue) isCancelled(tx string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cancelled[tx]
}

// Rounds returns the number of completed drains
func (q *ValidationQueue) Rounds() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.rounds
}

// IsValidating reports whether a drain is in progress
func (q *ValidationQueue) IsValidating() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.validating
}

// Len returns the number of items waiting for the next drain
func (q *ValidationQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
