package main

import (
	"encoding/json"
	"time"
)

// ValidityLevel is derived from an item's signature and last validation
type ValidityLevel int

const (
	ValidityUnsigned ValidityLevel = iota
	ValidityPending
	ValidityValid
)

func (v ValidityLevel) String() string {
	switch v {
	case ValidityUnsigned:
		return "unsigned"
	case ValidityPending:
		return "pending"
	case ValidityValid:
		return "valid"
	default:
		return "unknown"
	}
}

// Revalidation intervals. Items owned by the operator are checked faster.
const (
	PriorityFast   = 10 * time.Second
	PriorityNormal = 30 * time.Second
)

// Protocol constants shared by every Forge on the network
const (
	MaxMetadataBytes   = 2048
	MaxContractBytes   = 1024
	MinCraftAmount     = 0.01
	TransferFee        = 0.001
	MaxNameLength      = 50
	TxIDLength         = 64
	AddressLength      = 34
	DefaultItemImage   = "default"
	UnknownTimestamp   = -1
	MaxFailureStrikes  = 3
	SmeltMessagePrefix = "smelt_"
	ForgeAccountLabel  = "Forge"
)

// PrevInput records the collateral an item was transferred from
type PrevInput struct {
	Tx             string  `json:"tx"`
	Vout           uint32  `json:"vout"`
	Address        string  `json:"address"`
	SpendTimestamp int64   `json:"spend_timestamp"`
	TransferFee    float64 `json:"transfer_fee"`
}

// LastValidation is the local validation cache of an item
type LastValidation struct {
	Timestamp           int64 `json:"timestamp"`
	Successful          bool  `json:"successful"`
	ConsecutiveFailures int   `json:"consecutiveFailures"`
}

// Item is a collateral-backed Forge item (ZFI).
// LastValidation and InvalidScore are local-only and never sent to peers.
type Item struct {
	Tx        string            `json:"tx"`
	Address   string            `json:"address"`
	Name      string            `json:"name"`
	Value     float64           `json:"value"`
	Image     string            `json:"image"`
	Timestamp int64             `json:"timestamp"`
	Signature string            `json:"sig"`
	Prev      []PrevInput       `json:"prev"`
	Metadata  json.RawMessage   `json:"metadata"`
	Contracts map[string]string `json:"contracts"`
	Version   int               `json:"version"`

	LastValidation LastValidation `json:"-"`
	InvalidScore   float64        `json:"-"`
}

// SmeltRecord is a signed assertion that an item was destroyed
type SmeltRecord struct {
	Tx        string `json:"tx"`
	Address   string `json:"address"`
	Signature string `json:"sig"`
}

// PeerSyncHeader is the minimal item descriptor exchanged during header sync
type PeerSyncHeader struct {
	Tx      string `json:"tx"`
	Version int    `json:"version"`
}

// ItemHash pairs a content hash with the item it was computed from
type ItemHash struct {
	Hash string `json:"hash"`
	Tx   string `json:"tx"`
}

// ValidationStats tallies the outcome of a received item batch
type ValidationStats struct {
	Accepted int `json:"accepted"`
	Ignored  int `json:"ignored"`
	Rejected int `json:"rejected"`
}

// Peer wire payloads

type pingRequest struct {
	Protocol string `json:"protocol"`
	Port     string `json:"port,omitempty"`
}

type receivePayload struct {
	Items        []json.RawMessage `json:"items"`
	SmeltedItems []SmeltRecord     `json:"smelted_items"`
}

type receiveReply struct {
	Message string `json:"message"`
	ValidationStats
}

type syncRequest struct {
	HeadersContext []PeerSyncHeader `json:"headers_context"`
	SmeltedItems   []SmeltRecord    `json:"smelted_items"`
}

type syncResponse struct {
	ItemsToSend  []json.RawMessage `json:"items_to_send"`
	ItemsWanted  []string          `json:"items_wanted"`
	SmeltedItems []SmeltRecord     `json:"smelted_items"`
}

type hashSyncRequest struct {
	Hashes []ItemHash `json:"hashes"`
}

type hashSyncResponse struct {
	ItemsSent    []json.RawMessage `json:"items_sent"`
	HashesWanted []ItemHash        `json:"hashes_wanted"`
	SmeltedItems []SmeltRecord     `json:"smelted_items"`
}

// Message headers understood by the mailbox
const (
	MessageSmelt      = "smelt"
	MessageDisconnect = "disconnect"
)

// PeerMessage is a generic mailbox message
type PeerMessage struct {
	Header string `json:"header"`
	Item   string `json:"item,omitempty"`
	Sig    string `json:"sig,omitempty"`
}

// MessageReply is the mailbox answer to a PeerMessage
type MessageReply struct {
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}
