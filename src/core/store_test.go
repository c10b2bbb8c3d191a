package main

import (
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/clock"
)

func newTestStore() (*ItemStore, *clock.TestClock) {
	clk := clock.NewTestClock(testEpoch)
	return NewItemStore(clk), clk
}

func TestItemStore_InsertOrUpdate(t *testing.T) {
	store, _ := newTestStore()
	item := newTestItem("insert", testAddress("a"), 1)

	if got := store.InsertOrUpdate(item); got != UpsertAdded {
		t.Fatalf("Expected added, got %v", got)
	}
	if got := store.InsertOrUpdate(item); got != UpsertIgnored {
		t.Errorf("Same version should be ignored, got %v", got)
	}

	older := item.Clone()
	older.Name = "older"
	older.Version = -1
	if got := store.InsertOrUpdate(older); got != UpsertIgnored {
		t.Errorf("Lower version should be ignored, got %v", got)
	}

	newer := item.Clone()
	newer.Version = 1
	newer.Name = "renamed"
	if got := store.InsertOrUpdate(newer); got != UpsertUpdated {
		t.Errorf("Higher version should update, got %v", got)
	}
	stored, ok := store.Get(item.Tx, true, true)
	if !ok || stored.Name != "renamed" {
		t.Errorf("Expected the newer version to be stored, got %+v", stored)
	}
}

func TestItemStore_UnsignedReplacedBySigned(t *testing.T) {
	store, _ := newTestStore()
	unsigned := newTestItem("transfer", testAddress("b"), 1)
	unsigned.Signature = ""
	unsigned.LastValidation = LastValidation{}
	store.InsertOrUpdate(unsigned)

	if _, ok := store.Get(unsigned.Tx, true, false); ok {
		t.Error("Unsigned items must be hidden unless requested")
	}
	if _, ok := store.Get(unsigned.Tx, true, true); !ok {
		t.Error("Unsigned item should be visible when requested")
	}

	signed := newTestItem("transfer", testAddress("b"), 1)
	signed.Version = 1
	if got := store.InsertOrUpdate(signed); got != UpsertReplaced {
		t.Errorf("Expected replaced, got %v", got)
	}

	counts := store.Counts()
	if counts[ValidityUnsigned] != 0 || counts[ValidityValid] != 1 {
		t.Errorf("Unexpected counts %v", counts)
	}
}

func TestItemStore_Erase(t *testing.T) {
	store, _ := newTestStore()
	var erased []string
	store.OnErase(func(tx string) { erased = append(erased, tx) })

	valid := newTestItem("valid", testAddress("a"), 1)
	unsigned := newTestItem("unsigned", testAddress("a"), 1)
	unsigned.Signature = ""
	store.InsertOrUpdate(valid)
	store.InsertOrUpdate(unsigned)

	if !store.Erase(valid.Tx, false) {
		t.Error("Expected valid item to be erased")
	}
	if store.Erase(unsigned.Tx, false) {
		t.Error("Unsigned items survive unless includeUnsigned is set")
	}
	if !store.Erase(unsigned.Tx, true) {
		t.Error("Expected unsigned item to be erased")
	}
	if store.Erase(testTx("missing"), true) {
		t.Error("Erasing a missing item should report false")
	}
	if len(erased) != 2 || erased[0] != valid.Tx || erased[1] != unsigned.Tx {
		t.Errorf("Unexpected erase hook calls %v", erased)
	}
}

func TestItemStore_ApproveErasesSpentInput(t *testing.T) {
	store, clk := newTestStore()
	source := newTestItem("source", testAddress("a"), 1)
	store.InsertOrUpdate(source)

	moved := newTestItem("moved", testAddress("b"), 0.999)
	moved.Prev = []PrevInput{{Tx: source.Tx, Address: source.Address}}
	moved.LastValidation = LastValidation{}
	moved.InvalidScore = 10

	clk.SetTime(testEpoch.Add(time.Minute))
	if got := store.Approve(moved); got != UpsertAdded {
		t.Fatalf("Expected added, got %v", got)
	}
	if store.Has(source.Tx) {
		t.Error("Approving a transfer must erase the spent source item")
	}

	stored, ok := store.Get(moved.Tx, false, false)
	if !ok {
		t.Fatal("Approved item should be valid")
	}
	if stored.InvalidScore != 0 || stored.LastValidation.Timestamp != testEpoch.Add(time.Minute).Unix() {
		t.Errorf("Approve should reset the validation cache, got %+v", stored.LastValidation)
	}
}

func TestItemStore_ApproveRefreshesSameVersion(t *testing.T) {
	store, clk := newTestStore()
	item := newTestItem("refresh", testAddress("a"), 1)
	item.LastValidation = LastValidation{Timestamp: 1, Successful: false, ConsecutiveFailures: 2}
	item.InvalidScore = 5
	store.InsertOrUpdate(item)

	clk.SetTime(testEpoch.Add(time.Hour))
	if got := store.Approve(item); got != UpsertIgnored {
		t.Errorf("Same version approval should be a refresh, got %v", got)
	}
	stored, _ := store.Get(item.Tx, true, true)
	if stored.Level() != ValidityValid || stored.InvalidScore != 0 {
		t.Errorf("Expected refreshed valid item, got %+v", stored)
	}
	if stored.LastValidation.ConsecutiveFailures != 0 {
		t.Error("A successful validation clears consecutive failures")
	}
}

func TestItemStore_Disprove(t *testing.T) {
	store, _ := newTestStore()
	var erased []string
	store.OnErase(func(tx string) { erased = append(erased, tx) })

	item := newTestItem("disprove", testAddress("a"), 1)
	store.InsertOrUpdate(item)

	want := []DisproveResult{DisproveDemoted, DisproveStruck, DisproveStruck, DisproveErased}
	for i, expected := range want {
		if got := store.Disprove(item.Tx); got != expected {
			t.Fatalf("Disprove #%d = %v, want %v", i+1, got, expected)
		}
	}
	if store.Has(item.Tx) {
		t.Error("Item should be erased after three strikes")
	}
	if len(erased) != 1 {
		t.Errorf("Expected one erase hook call, got %v", erased)
	}
	if got := store.Disprove(item.Tx); got != DisproveMissing {
		t.Errorf("Expected missing, got %v", got)
	}
}

func TestItemStore_Penalize(t *testing.T) {
	store, _ := newTestStore()
	item := newTestItem("penalize", testAddress("a"), 1)
	store.InsertOrUpdate(item)

	result, total := store.Penalize(item.Tx, 12.5, 25)
	if result != DisproveScored || total != 12.5 {
		t.Errorf("Expected scored 12.5, got %v %v", result, total)
	}

	result, total = store.Penalize(item.Tx, 12.5, 25)
	if result != DisproveDemoted || total != 25 {
		t.Errorf("Expected demotion at the threshold, got %v %v", result, total)
	}
	stored, _ := store.Get(item.Tx, true, true)
	if stored.Level() != ValidityPending || stored.InvalidScore != 0 {
		t.Errorf("Expected pending item with zeroed score, got %+v", stored)
	}

	result, _ = store.Penalize(item.Tx, 25, 25)
	if result != DisproveErased || store.Has(item.Tx) {
		t.Errorf("Expected pending item to be erased, got %v", result)
	}
}

func TestItemStore_Smelts(t *testing.T) {
	store, _ := newTestStore()
	item := newTestItem("smelt", testAddress("a"), 1)
	store.InsertOrUpdate(item)

	record := SmeltRecord{Tx: item.Tx, Address: item.Address, Signature: "s"}
	if !store.RecordSmelt(record) {
		t.Fatal("Expected smelt to be recorded")
	}
	if store.RecordSmelt(record) {
		t.Error("Second smelt of the same tx should be refused")
	}
	if store.Has(item.Tx) || !store.WasSmelted(item.Tx) {
		t.Error("Smelting should move the item to the smelted list")
	}
	if got := store.InsertOrUpdate(item); got != UpsertIgnored {
		t.Errorf("Smelted items can never come back, got %v", got)
	}
	if got := store.Approve(item); got != UpsertIgnored {
		t.Errorf("Smelted items can never be approved, got %v", got)
	}
	if store.SmeltCount() != 1 || store.Smelts()[0] != record {
		t.Errorf("Unexpected smelt records %v", store.Smelts())
	}
}

func TestItemStore_LoadSkipsSmeltedAndOlder(t *testing.T) {
	store, _ := newTestStore()
	a := newTestItem("a", testAddress("a"), 1)
	b := newTestItem("b", testAddress("a"), 1)
	bNewer := b.Clone()
	bNewer.Version = 2
	smelted := newTestItem("c", testAddress("a"), 1)

	store.Load(
		[]*Item{a, bNewer, b, smelted},
		[]SmeltRecord{{Tx: smelted.Tx, Address: smelted.Address, Signature: "s"}, {Tx: smelted.Tx, Address: "dup", Signature: "s"}},
	)

	if store.Len() != 2 {
		t.Errorf("Expected 2 items, got %d", store.Len())
	}
	stored, _ := store.Get(b.Tx, true, true)
	if stored.Version != 2 {
		t.Errorf("Expected the newest version to win, got %d", stored.Version)
	}
	if store.SmeltCount() != 1 {
		t.Errorf("Duplicate smelt records should collapse, got %d", store.SmeltCount())
	}
}

func TestItemStore_ListOrderAndPartitions(t *testing.T) {
	store, _ := newTestStore()
	old := newTestItem("old", testAddress("a"), 1)
	old.Timestamp = 100
	recent := newTestItem("recent", testAddress("a"), 1)
	recent.Timestamp = 200
	pending := newTestItem("pending", testAddress("a"), 1)
	pending.LastValidation.Successful = false
	unsigned := newTestItem("unsigned", testAddress("a"), 1)
	unsigned.Signature = ""

	for _, item := range []*Item{old, recent, pending, unsigned} {
		store.InsertOrUpdate(item)
	}

	valid := store.List(false, false)
	if len(valid) != 2 || valid[0].Tx != recent.Tx || valid[1].Tx != old.Tx {
		t.Errorf("Expected valid items newest first, got %v", valid)
	}
	if got := len(store.SignedItems()); got != 3 {
		t.Errorf("Expected 3 signed items, got %d", got)
	}
	if got := len(store.Partition(ValidityUnsigned)); got != 1 {
		t.Errorf("Expected 1 unsigned item, got %d", got)
	}
	if got := len(store.Headers(true, true)); got != 4 {
		t.Errorf("Expected 4 headers, got %d", got)
	}

	hashes := store.Hashes(false, false)
	if len(hashes) != 2 || hashes[0].Hash != recent.ContentHash() {
		t.Errorf("Unexpected hashes %v", hashes)
	}
}
