package main

import "errors"

// Validation failure classes. Deep validation wraps one of these so callers
// can tell a soft miss from a forged item with errors.Is.
var (
	ErrContentInvalid     = errors.New("item content invalid")
	ErrChainUnconfirmed   = errors.New("collateral transaction not found on chain")
	ErrCollateralSpent    = errors.New("collateral output spent")
	ErrCollateralMismatch = errors.New("collateral output does not match item")
	ErrSignatureInvalid   = errors.New("item signature invalid")
	ErrScriptFailed       = errors.New("validation contract failed")
	ErrSmelted            = errors.New("item was smelted")
	ErrNetworkUnavailable = errors.New("network unavailable")
)

// Node-level errors
var (
	ErrSafeMode          = errors.New("forge is running in safe mode")
	ErrOffline           = errors.New("forge has no connected peers")
	ErrHandshakeRequired = errors.New("handshake needed before making consensus-reliant requests")
	ErrNotAuthorized     = errors.New("not authorized")
	ErrItemNotFound      = errors.New("item not found")
	ErrNotOwner          = errors.New("item is not owned by this forge")
	ErrInvalidRequest    = errors.New("invalid request")
	ErrAlreadyLocked     = errors.New("output already locked")
)
