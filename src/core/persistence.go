package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Persisted documents, one flat JSON array each
const (
	validItemsFilename    = "items_valid.json"
	pendingItemsFilename  = "items_pending.json"
	unsignedItemsFilename = "items_unsigned.json"
	smeltsFilename        = "smelted_items.json"
	legacyItemsFilename   = "items.json"
)

var partitionFiles = map[ValidityLevel]string{
	ValidityValid:    validItemsFilename,
	ValidityPending:  pendingItemsFilename,
	ValidityUnsigned: unsignedItemsFilename,
}

func writeJSONFile(dataDir, filename string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filename, err)
	}

	filePath := filepath.Join(dataDir, filename)
	tmpPath := filePath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", filename, err)
	}
	if err := os.Rename(tmpPath, filePath); err != nil {
		return fmt.Errorf("failed to replace %s: %w", filename, err)
	}
	return nil
}

// SaveStore rewrites every partition and the smelt records
func SaveStore(store *ItemStore, dataDir string) error {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	for level, filename := range partitionFiles {
		items := store.Partition(level)
		docs := make([]storedItem, 0, len(items))
		for _, item := range items {
			docs = append(docs, item.stored())
		}
		if err := writeJSONFile(dataDir, filename, docs); err != nil {
			return err
		}
	}

	return writeJSONFile(dataDir, smeltsFilename, store.Smelts())
}

// readJSONArray reads a JSON array file. A missing file is an empty array.
func readJSONArray(dataDir, filename string) ([]json.RawMessage, bool, error) {
	filePath := filepath.Join(dataDir, filename)

	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to read %s: %w", filename, err)
	}

	var docs []json.RawMessage
	if err := json.Unmarshal(data, &docs); err != nil {
		return nil, true, fmt.Errorf("failed to unmarshal %s: %w", filename, err)
	}
	return docs, true, nil
}

// loadItems parses stored items, skipping the ones that cannot be parsed
func loadItems(dataDir, filename string) ([]*Item, bool, error) {
	docs, found, err := readJSONArray(dataDir, filename)
	if err != nil {
		return nil, found, err
	}

	items := make([]*Item, 0, len(docs))
	for i, doc := range docs {
		item, err := parseStoredItem(doc)
		if err != nil {
			logger.Error("Failed to initialize stored item", "file", filename, "position", i, "error", err)
			continue
		}
		items = append(items, item)
	}
	return items, found, nil
}

// loadSmelts reads the smelt records. A database in the old string-only
// format is wiped and records without an address are dropped.
func loadSmelts(dataDir string) ([]SmeltRecord, error) {
	docs, _, err := readJSONArray(dataDir, smeltsFilename)
	if err != nil {
		return nil, err
	}

	if len(docs) > 0 {
		var legacy string
		if json.Unmarshal(docs[0], &legacy) == nil {
			logger.Warn("Wiping smelt database in the old format", "records", len(docs))
			if err := writeJSONFile(dataDir, smeltsFilename, []SmeltRecord{}); err != nil {
				return nil, err
			}
			return nil, nil
		}
	}

	records := make([]SmeltRecord, 0, len(docs))
	for _, doc := range docs {
		var record SmeltRecord
		if err := json.Unmarshal(doc, &record); err != nil || record.Tx == "" {
			continue
		}
		if record.Address == "" {
			logger.Debug("Dropping smelt record without address", "tx", record.Tx)
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

// LoadStore fills the store from disk, upgrading a legacy single-file items
// database when no partition files exist yet
func LoadStore(store *ItemStore, dataDir string) error {
	var items []*Item
	anyPartition := false
	for _, filename := range []string{validItemsFilename, pendingItemsFilename, unsignedItemsFilename} {
		loaded, found, err := loadItems(dataDir, filename)
		if err != nil {
			return err
		}
		anyPartition = anyPartition || found
		items = append(items, loaded...)
	}

	if !anyPartition {
		legacy, found, err := loadItems(dataDir, legacyItemsFilename)
		if err != nil {
			return err
		}
		if found {
			logger.Info("Upgrading legacy items database", "items", len(legacy))
		}
		items = legacy
	}

	smelts, err := loadSmelts(dataDir)
	if err != nil {
		return err
	}

	store.Load(items, smelts)
	logger.Info("Loaded from disk", "items", store.Len(), "smeltedItems", store.SmeltCount(), "dataDir", dataDir)
	return nil
}
