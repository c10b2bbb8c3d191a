package main

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// rawItem accepts both the current wire format and the legacy class dump
// (strTx, nValue, objLastValidation, ...) written by older Forge releases.
type rawItem struct {
	Tx        string          `json:"tx"`
	Address   string          `json:"address"`
	Name      string          `json:"name"`
	Value     *float64        `json:"value"`
	Image     string          `json:"image"`
	Timestamp *int64          `json:"timestamp"`
	Sig       string          `json:"sig"`
	Prev      json.RawMessage `json:"prev"`
	Metadata  json.RawMessage `json:"metadata"`
	Contracts json.RawMessage `json:"contracts"`
	Version   int             `json:"version"`

	LegacyTx        string          `json:"strTx"`
	LegacyAddress   string          `json:"strAddress"`
	LegacyName      string          `json:"strName"`
	LegacyValue     *float64        `json:"nValue"`
	LegacyImage     string          `json:"strImage"`
	LegacyTimestamp *int64          `json:"nTimestamp"`
	LegacySig       string          `json:"strSig"`
	LegacyPrev      json.RawMessage `json:"objPrev"`
	LegacyMetadata  json.RawMessage `json:"objMetadata"`
	LegacyContracts json.RawMessage `json:"objContracts"`
	LegacyVersion   int             `json:"nVersion"`

	LastValidation       *legacyValidation `json:"lastValidation"`
	LegacyLastValidation *legacyValidation `json:"objLastValidation"`
	InvalidScore         float64           `json:"invalidScore"`
}

type legacyValidation struct {
	Timestamp           int64 `json:"timestamp"`
	Successful          bool  `json:"successful"`
	ConsecutiveFailures int   `json:"consecutiveFailures"`
	// misspelled key used by older releases
	ConsequtiveFailures int `json:"consequtiveFailures"`
}

// isLegacy reports whether the payload uses the pre-revamp class dump
func (r *rawItem) isLegacy() bool {
	return r.Tx == "" && r.LegacyTx != ""
}

// ParseItem decodes a peer-supplied item in either format. Local-only fields
// are never taken from the payload.
func ParseItem(data []byte) (*Item, error) {
	raw, err := decodeRawItem(data)
	if err != nil {
		return nil, err
	}
	return raw.toItem()
}

// parseStoredItem decodes a persisted item, keeping its local validation cache.
func parseStoredItem(data []byte) (*Item, error) {
	raw, err := decodeRawItem(data)
	if err != nil {
		return nil, err
	}
	item, err := raw.toItem()
	if err != nil {
		return nil, err
	}

	lv := raw.LastValidation
	if lv == nil {
		lv = raw.LegacyLastValidation
	}
	if lv != nil {
		failures := lv.ConsecutiveFailures
		if lv.ConsequtiveFailures > failures {
			failures = lv.ConsequtiveFailures
		}
		item.LastValidation = LastValidation{
			Timestamp:           lv.Timestamp,
			Successful:          lv.Successful,
			ConsecutiveFailures: failures,
		}
	}
	item.InvalidScore = raw.InvalidScore
	return item, nil
}

func decodeRawItem(data []byte) (*rawItem, error) {
	var raw rawItem
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrContentInvalid, err)
	}
	return &raw, nil
}

func (r *rawItem) toItem() (*Item, error) {
	item := &Item{
		Image:     DefaultItemImage,
		Timestamp: UnknownTimestamp,
	}

	var value *float64
	var timestamp *int64
	var prev, metadata, contracts json.RawMessage
	if r.isLegacy() {
		item.Tx = r.LegacyTx
		item.Address = r.LegacyAddress
		item.Name = r.LegacyName
		item.Signature = r.LegacySig
		item.Version = r.LegacyVersion
		if r.LegacyImage != "" {
			item.Image = r.LegacyImage
		}
		value, timestamp = r.LegacyValue, r.LegacyTimestamp
		prev, metadata, contracts = r.LegacyPrev, r.LegacyMetadata, r.LegacyContracts
	} else {
		item.Tx = r.Tx
		item.Address = r.Address
		item.Name = r.Name
		item.Signature = r.Sig
		item.Version = r.Version
		if r.Image != "" {
			item.Image = r.Image
		}
		value, timestamp = r.Value, r.Timestamp
		prev, metadata, contracts = r.Prev, r.Metadata, r.Contracts
	}

	if item.Tx == "" {
		return nil, fmt.Errorf("%w: missing tx", ErrContentInvalid)
	}
	if value == nil {
		return nil, fmt.Errorf("%w: missing value", ErrContentInvalid)
	}
	item.Value = FormatNum(*value)
	if timestamp != nil {
		item.Timestamp = *timestamp
	}
	if item.Version < 0 {
		return nil, fmt.Errorf("%w: negative version", ErrContentInvalid)
	}

	var err error
	if item.Prev, err = parsePrev(prev); err != nil {
		return nil, err
	}
	if item.Metadata, err = canonicalMetadata(metadata); err != nil {
		return nil, err
	}
	if item.Contracts, err = parseContracts(contracts); err != nil {
		return nil, err
	}
	return item, nil
}

func isNullJSON(data json.RawMessage) bool {
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// parsePrev accepts an array of inputs or a single bare input object
func parsePrev(data json.RawMessage) ([]PrevInput, error) {
	if isNullJSON(data) {
		return nil, nil
	}
	trimmed := bytes.TrimSpace(data)
	if trimmed[0] == '{' {
		var single PrevInput
		if err := json.Unmarshal(trimmed, &single); err != nil {
			return nil, fmt.Errorf("%w: prev: %v", ErrContentInvalid, err)
		}
		if single == (PrevInput{}) {
			return nil, nil
		}
		return []PrevInput{single}, nil
	}

	var prev []PrevInput
	if err := json.Unmarshal(trimmed, &prev); err != nil {
		return nil, fmt.Errorf("%w: prev: %v", ErrContentInvalid, err)
	}
	if len(prev) == 0 {
		return nil, nil
	}
	return prev, nil
}

// canonicalMetadata compacts the opaque metadata blob, empty becomes {}
func canonicalMetadata(data json.RawMessage) (json.RawMessage, error) {
	if isNullJSON(data) {
		return json.RawMessage("{}"), nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, data); err != nil {
		return nil, fmt.Errorf("%w: metadata: %v", ErrContentInvalid, err)
	}
	return json.RawMessage(buf.Bytes()), nil
}

// parseContracts accepts a contracts map or a JSON string encoding one
func parseContracts(data json.RawMessage) (map[string]string, error) {
	if isNullJSON(data) {
		return map[string]string{}, nil
	}
	trimmed := bytes.TrimSpace(data)
	if trimmed[0] == '"' {
		var encoded string
		if err := json.Unmarshal(trimmed, &encoded); err != nil {
			return nil, fmt.Errorf("%w: contracts: %v", ErrContentInvalid, err)
		}
		if encoded == "" {
			return map[string]string{}, nil
		}
		trimmed = []byte(encoded)
	}

	contracts := map[string]string{}
	if err := json.Unmarshal(trimmed, &contracts); err != nil {
		return nil, fmt.Errorf("%w: contracts must be a map of scripts: %v", ErrContentInvalid, err)
	}
	return contracts, nil
}

// UnmarshalJSON routes every decode through ParseItem so legacy payloads upgrade
func (i *Item) UnmarshalJSON(data []byte) error {
	parsed, err := ParseItem(data)
	if err != nil {
		return err
	}
	*i = *parsed
	return nil
}

// storedItem is the on-disk form: wire fields plus the local validation cache
type storedItem struct {
	wireItem
	LastValidation LastValidation `json:"lastValidation"`
	InvalidScore   float64        `json:"invalidScore,omitempty"`
}

// wireItem has Item's fields without its UnmarshalJSON method
type wireItem Item

func (i *Item) stored() storedItem {
	return storedItem{
		wireItem:       wireItem(*i.Clone()),
		LastValidation: i.LastValidation,
		InvalidScore:   i.InvalidScore,
	}
}

// FormatNum rounds a value to 6 decimal places
func FormatNum(n float64) float64 {
	return math.Round(n*1e6) / 1e6
}

// Clone returns a deep copy of the item
func (i *Item) Clone() *Item {
	if i == nil {
		return nil
	}
	c := *i
	if i.Prev != nil {
		c.Prev = append([]PrevInput(nil), i.Prev...)
	}
	if i.Metadata != nil {
		c.Metadata = append(json.RawMessage(nil), i.Metadata...)
	}
	if i.Contracts != nil {
		c.Contracts = make(map[string]string, len(i.Contracts))
		for k, v := range i.Contracts {
			c.Contracts[k] = v
		}
	}
	return &c
}

// Level returns the item's validity level
func (i *Item) Level() ValidityLevel {
	if i.Signature == "" {
		return ValidityUnsigned
	}
	if !i.LastValidation.Successful {
		return ValidityPending
	}
	return ValidityValid
}

// Priority returns the revalidation interval for the item
func (i *Item) Priority(operator string) time.Duration {
	if operator != "" && i.Address == operator {
		return PriorityFast
	}
	return PriorityNormal
}

// NeedsValidating reports whether the item's revalidation interval elapsed
func (i *Item) NeedsValidating(now time.Time, operator string) bool {
	next := time.Unix(i.LastValidation.Timestamp, 0).Add(i.Priority(operator))
	return !now.Before(next)
}

// InvolvesAddress reports whether the address owns the item or transferred it
func (i *Item) InvolvesAddress(address string) bool {
	if address == "" {
		return false
	}
	if i.Address == address {
		return true
	}
	return len(i.Prev) > 0 && i.Prev[0].Address == address
}

// ValidationScript returns the item's validation contract, if any
func (i *Item) ValidationScript() string {
	if i.Contracts == nil {
		return ""
	}
	return i.Contracts["validation"]
}

// Header returns the sync header for the item
func (i *Item) Header() PeerSyncHeader {
	return PeerSyncHeader{Tx: i.Tx, Version: i.Version}
}

// ContentHash hashes the wire form of the item. Local-only fields are excluded
// and map keys are ordered by encoding/json, so equal items hash equally.
func (i *Item) ContentHash() string {
	data, err := json.Marshal(wireItem(*i))
	if err != nil {
		return ""
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// encodeItems marshals items into their wire form
func encodeItems(items []*Item) []json.RawMessage {
	out := make([]json.RawMessage, 0, len(items))
	for _, item := range items {
		data, err := json.Marshal(wireItem(*item))
		if err != nil {
			continue
		}
		out = append(out, data)
	}
	return out
}

// legacySmelt accepts the pre-revamp smelt record keys
type legacySmelt struct {
	Tx              string `json:"tx"`
	Address         string `json:"address"`
	Sig             string `json:"sig"`
	LegacyTx        string `json:"strTx"`
	LegacyAddress   string `json:"strAddress"`
	LegacySignature string `json:"strSig"`
}

// UnmarshalJSON upgrades legacy smelt records
func (s *SmeltRecord) UnmarshalJSON(data []byte) error {
	var raw legacySmelt
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	s.Tx = firstNonEmpty(raw.Tx, raw.LegacyTx)
	s.Address = firstNonEmpty(raw.Address, raw.LegacyAddress)
	s.Signature = firstNonEmpty(raw.Sig, raw.LegacySignature)
	return nil
}

// Complete reports whether every field of the record is set
func (s SmeltRecord) Complete() bool {
	return s.Tx != "" && s.Address != "" && s.Signature != ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
