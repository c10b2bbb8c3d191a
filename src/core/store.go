package main

import (
	"sort"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/sasha-s/go-deadlock"
)

// UpsertOutcome describes what InsertOrUpdate or Approve did with an item
type UpsertOutcome int

const (
	UpsertAdded UpsertOutcome = iota
	UpsertUpdated
	UpsertIgnored
	UpsertReplaced
)

func (o UpsertOutcome) String() string {
	switch o {
	case UpsertAdded:
		return "added"
	case UpsertUpdated:
		return "updated"
	case UpsertIgnored:
		return "ignored"
	case UpsertReplaced:
		return "replaced"
	default:
		return "unknown"
	}
}

// DisproveResult describes the transition applied by Disprove or Penalize
type DisproveResult int

const (
	DisproveMissing DisproveResult = iota
	DisproveScored
	DisproveDemoted
	DisproveStruck
	DisproveErased
)

func (r DisproveResult) String() string {
	switch r {
	case DisproveMissing:
		return "missing"
	case DisproveScored:
		return "scored"
	case DisproveDemoted:
		return "demoted"
	case DisproveStruck:
		return "struck"
	case DisproveErased:
		return "erased"
	default:
		return "unknown"
	}
}

// ItemStore owns every known item and smelt record. Items are kept in one map
// and partitioned by their derived validity level.
type ItemStore struct {
	mu deadlock.RWMutex

	items      map[string]*Item
	smelts     map[string]SmeltRecord
	smeltOrder []string

	clock      clock.Clock
	eraseHooks []func(tx string)
}

// NewItemStore creates an empty store
func NewItemStore(clk clock.Clock) *ItemStore {
	if clk == nil {
		clk = clock.NewDefaultClock()
	}
	return &ItemStore{
		items:  make(map[string]*Item),
		smelts: make(map[string]SmeltRecord),
		clock:  clk,
	}
}

// OnErase registers a hook called after an item leaves the store.
// Hooks run without the store lock held.
func (s *ItemStore) OnErase(hook func(tx string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eraseHooks = append(s.eraseHooks, hook)
}

func (s *ItemStore) fireErase(txs ...string) {
	s.mu.RLock()
	hooks := append([]func(string){}, s.eraseHooks...)
	s.mu.RUnlock()

	for _, tx := range txs {
		for _, hook := range hooks {
			hook(tx)
		}
	}
	UpdateItemGauges(s.Counts())
}

func visible(item *Item, includePending, includeUnsigned bool) bool {
	switch item.Level() {
	case ValidityPending:
		return includePending
	case ValidityUnsigned:
		return includeUnsigned
	default:
		return true
	}
}

// Get returns a copy of the item if it is visible in the requested partitions
func (s *ItemStore) Get(tx string, includePending, includeUnsigned bool) (*Item, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, exists := s.items[tx]
	if !exists || !visible(item, includePending, includeUnsigned) {
		return nil, false
	}
	return item.Clone(), true
}

// Has reports whether the tx is known in any partition
func (s *ItemStore) Has(tx string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, exists := s.items[tx]
	return exists
}

// InsertOrUpdate stores the item keyed by tx. An existing item is only
// overwritten by a strictly higher version; smelted txs are always ignored.
func (s *ItemStore) InsertOrUpdate(item *Item) UpsertOutcome {
	s.mu.Lock()
	outcome := s.upsertLocked(item.Clone())
	s.mu.Unlock()

	if outcome != UpsertIgnored {
		UpdateItemGauges(s.Counts())
	}
	return outcome
}

func (s *ItemStore) upsertLocked(item *Item) UpsertOutcome {
	if _, smelted := s.smelts[item.Tx]; smelted {
		return UpsertIgnored
	}

	existing, exists := s.items[item.Tx]
	if !exists {
		s.items[item.Tx] = item
		return UpsertAdded
	}
	if item.Version <= existing.Version {
		return UpsertIgnored
	}

	s.items[item.Tx] = item
	if existing.Level() == ValidityUnsigned && item.Signature != "" {
		return UpsertReplaced
	}
	return UpsertUpdated
}

// Erase removes the item from every partition except the smelt list.
// Unsigned items survive unless includeUnsigned is set.
func (s *ItemStore) Erase(tx string, includeUnsigned bool) bool {
	s.mu.Lock()
	item, exists := s.items[tx]
	if !exists || (!includeUnsigned && item.Level() == ValidityUnsigned) {
		s.mu.Unlock()
		return false
	}
	delete(s.items, tx)
	s.mu.Unlock()

	s.fireErase(tx)
	return true
}

// Approve is the item acceptance state machine. The item is marked as
// successfully validated, the input it was transferred from is erased as
// spent, and it is stored as new, replaced or updated.
func (s *ItemStore) Approve(item *Item) UpsertOutcome {
	approved := item.Clone()
	approved.LastValidation = LastValidation{
		Timestamp:  s.clock.Now().Unix(),
		Successful: true,
	}
	approved.InvalidScore = 0

	var erased []string
	s.mu.Lock()
	if _, smelted := s.smelts[approved.Tx]; smelted {
		s.mu.Unlock()
		return UpsertIgnored
	}

	if len(approved.Prev) > 0 {
		spent := approved.Prev[0].Tx
		if spent != approved.Tx {
			if _, exists := s.items[spent]; exists {
				delete(s.items, spent)
				erased = append(erased, spent)
			}
		}
	}

	var outcome UpsertOutcome
	existing, exists := s.items[approved.Tx]
	switch {
	case !exists:
		s.items[approved.Tx] = approved
		outcome = UpsertAdded
	case approved.Version > existing.Version:
		if existing.Level() == ValidityUnsigned && approved.Signature != "" {
			outcome = UpsertReplaced
		} else {
			outcome = UpsertUpdated
		}
		s.items[approved.Tx] = approved
	case approved.Version == existing.Version:
		// same item revalidated, refresh its cache
		existing.LastValidation = approved.LastValidation
		existing.InvalidScore = 0
		existing.Timestamp = approved.Timestamp
		outcome = UpsertIgnored
	default:
		outcome = UpsertIgnored
	}
	s.mu.Unlock()

	if len(erased) > 0 {
		s.fireErase(erased...)
	} else {
		UpdateItemGauges(s.Counts())
	}
	return outcome
}

// Disprove marks the item's last validation as failed. A valid item is
// demoted to pending; an item already below valid takes a strike and is
// erased after three consecutive strikes.
func (s *ItemStore) Disprove(tx string) DisproveResult {
	s.mu.Lock()
	item, exists := s.items[tx]
	if !exists {
		s.mu.Unlock()
		return DisproveMissing
	}

	result := DisproveDemoted
	if !item.LastValidation.Successful {
		item.LastValidation.ConsecutiveFailures++
		result = DisproveStruck
		if item.LastValidation.ConsecutiveFailures >= MaxFailureStrikes {
			delete(s.items, tx)
			result = DisproveErased
		}
	}
	item.LastValidation.Successful = false
	item.LastValidation.Timestamp = s.clock.Now().Unix()
	s.mu.Unlock()

	if result == DisproveErased {
		s.fireErase(tx)
	} else {
		UpdateItemGauges(s.Counts())
	}
	return result
}

// Penalize adds to the item's invalidation score. Reaching maxScore zeroes
// the score and always transitions the item: valid items are demoted to
// pending, anything below valid is erased.
func (s *ItemStore) Penalize(tx string, score, maxScore float64) (DisproveResult, float64) {
	s.mu.Lock()
	item, exists := s.items[tx]
	if !exists {
		s.mu.Unlock()
		return DisproveMissing, 0
	}

	item.InvalidScore += score
	total := item.InvalidScore
	item.LastValidation.Timestamp = s.clock.Now().Unix()
	if total < maxScore {
		s.mu.Unlock()
		return DisproveScored, total
	}

	item.InvalidScore = 0
	result := DisproveDemoted
	if item.Level() == ValidityValid {
		item.LastValidation.Successful = false
	} else {
		delete(s.items, tx)
		result = DisproveErased
	}
	s.mu.Unlock()

	if result == DisproveErased {
		s.fireErase(tx)
	} else {
		UpdateItemGauges(s.Counts())
	}
	return result, total
}

// WasSmelted reports whether a smelt record exists for the tx
func (s *ItemStore) WasSmelted(tx string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, smelted := s.smelts[tx]
	return smelted
}

// RecordSmelt appends a smelt record and erases the item it destroys.
// Returns false when the tx was already smelted.
func (s *ItemStore) RecordSmelt(record SmeltRecord) bool {
	s.mu.Lock()
	if _, smelted := s.smelts[record.Tx]; smelted {
		s.mu.Unlock()
		return false
	}
	s.smelts[record.Tx] = record
	s.smeltOrder = append(s.smeltOrder, record.Tx)
	_, hadItem := s.items[record.Tx]
	delete(s.items, record.Tx)
	s.mu.Unlock()

	if hadItem {
		s.fireErase(record.Tx)
	}
	return true
}

// Smelts returns every smelt record in the order they were recorded
func (s *ItemStore) Smelts() []SmeltRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]SmeltRecord, 0, len(s.smeltOrder))
	for _, tx := range s.smeltOrder {
		records = append(records, s.smelts[tx])
	}
	return records
}

// SmeltCount returns the number of smelt records
func (s *ItemStore) SmeltCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.smelts)
}

// Load replaces the store contents with persisted state
func (s *ItemStore) Load(items []*Item, smelts []SmeltRecord) {
	s.mu.Lock()
	s.items = make(map[string]*Item, len(items))
	s.smelts = make(map[string]SmeltRecord, len(smelts))
	s.smeltOrder = nil
	for _, record := range smelts {
		if _, dup := s.smelts[record.Tx]; dup {
			continue
		}
		s.smelts[record.Tx] = record
		s.smeltOrder = append(s.smeltOrder, record.Tx)
	}
	for _, item := range items {
		if _, smelted := s.smelts[item.Tx]; smelted {
			continue
		}
		if existing, exists := s.items[item.Tx]; exists && existing.Version >= item.Version {
			continue
		}
		s.items[item.Tx] = item.Clone()
	}
	s.mu.Unlock()

	UpdateItemGauges(s.Counts())
}

// List returns copies of the items visible in the requested partitions,
// newest on-chain timestamp first
func (s *ItemStore) List(includePending, includeUnsigned bool) []*Item {
	s.mu.RLock()
	items := make([]*Item, 0, len(s.items))
	for _, item := range s.items {
		if visible(item, includePending, includeUnsigned) {
			items = append(items, item.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(items, func(i, j int) bool {
		if items[i].Timestamp != items[j].Timestamp {
			return items[i].Timestamp > items[j].Timestamp
		}
		return items[i].Tx < items[j].Tx
	})
	return items
}

// Partition returns copies of the items at exactly the given level
func (s *ItemStore) Partition(level ValidityLevel) []*Item {
	var items []*Item
	for _, item := range s.List(true, true) {
		if item.Level() == level {
			items = append(items, item)
		}
	}
	return items
}

// SignedItems returns valid and pending items, the snapshot used by contracts
func (s *ItemStore) SignedItems() []*Item {
	return s.List(true, false)
}

// Headers returns the sync headers of the visible items
func (s *ItemStore) Headers(includePending, includeUnsigned bool) []PeerSyncHeader {
	items := s.List(includePending, includeUnsigned)
	headers := make([]PeerSyncHeader, 0, len(items))
	for _, item := range items {
		headers = append(headers, item.Header())
	}
	return headers
}

// Hashes returns the content hashes of the visible items
func (s *ItemStore) Hashes(includePending, includeUnsigned bool) []ItemHash {
	items := s.List(includePending, includeUnsigned)
	hashes := make([]ItemHash, 0, len(items))
	for _, item := range items {
		hashes = append(hashes, ItemHash{Hash: item.ContentHash(), Tx: item.Tx})
	}
	return hashes
}

// Counts returns the number of items per validity level
func (s *ItemStore) Counts() map[ValidityLevel]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := map[ValidityLevel]int{
		ValidityUnsigned: 0,
		ValidityPending:  0,
		ValidityValid:    0,
	}
	for _, item := range s.items {
		counts[item.Level()]++
	}
	return counts
}

// Len returns the number of stored items
func (s *ItemStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}
