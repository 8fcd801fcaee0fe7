// Package evm adapts the Ledger A lock contract: it reads TokensLocked logs
// for the watcher and submits quorum-signed unlocks for the relayer.
package evm

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/jmerrifield20/ledgerbridge/internal/bridge"
	"github.com/jmerrifield20/ledgerbridge/internal/watcher"
)

const lockContractABI = `[
  {"type":"event","name":"TokensLocked","anonymous":false,"inputs":[
    {"name":"lockId","type":"bytes32","indexed":true},
    {"name":"token","type":"address","indexed":false},
    {"name":"sender","type":"address","indexed":false},
    {"name":"amount","type":"uint256","indexed":false},
    {"name":"recipient","type":"bytes32","indexed":false}]},
  {"type":"function","name":"unlock","stateMutability":"nonpayable","inputs":[
    {"name":"nonce","type":"uint64"},
    {"name":"token","type":"address"},
    {"name":"recipient","type":"address"},
    {"name":"amount","type":"uint256"},
    {"name":"signatures","type":"bytes[]"}],"outputs":[]},
  {"type":"function","name":"unlocked","stateMutability":"view","inputs":[
    {"name":"nonce","type":"uint64"}],"outputs":[
    {"name":"","type":"bool"}]}
]`

var (
	lockABI = mustParseABI(lockContractABI)

	// TokensLockedTopic is topic[0] of every lock log.
	TokensLockedTopic = lockABI.Events["TokensLocked"].ID
)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("parse lock contract ABI: %v", err))
	}
	return parsed
}

// decodeLock converts a TokensLocked log into a LockEvent. Any shape the
// bridge cannot honour is reported as watcher.ErrMalformedEvent.
func decodeLock(log types.Log, timestamp uint64) (*bridge.LockEvent, error) {
	if len(log.Topics) != 2 || log.Topics[0] != TokensLockedTopic {
		return nil, fmt.Errorf("%w: unexpected topics", watcher.ErrMalformedEvent)
	}
	vals, err := lockABI.Unpack("TokensLocked", log.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", watcher.ErrMalformedEvent, err)
	}
	if len(vals) != 4 {
		return nil, fmt.Errorf("%w: %d fields", watcher.ErrMalformedEvent, len(vals))
	}
	token, ok1 := vals[0].(common.Address)
	amount, ok2 := vals[2].(*big.Int)
	recipient, ok3 := vals[3].([32]byte)
	if !ok1 || !ok2 || !ok3 {
		return nil, fmt.Errorf("%w: field types", watcher.ErrMalformedEvent)
	}
	if amount.Sign() <= 0 || !amount.IsUint64() {
		return nil, fmt.Errorf("%w: amount %s out of range", watcher.ErrMalformedEvent, amount)
	}
	// Ledger B accounts are 20 bytes, left-padded to bytes32.
	for _, b := range recipient[:12] {
		if b != 0 {
			return nil, fmt.Errorf("%w: recipient is not a padded address", watcher.ErrMalformedEvent)
		}
	}

	return &bridge.LockEvent{
		LockID:       log.Topics[1],
		SourceTxHash: log.TxHash,
		Token:        token,
		Amount:       amount.Uint64(),
		Recipient:    common.BytesToAddress(recipient[12:]),
		Timestamp:    int64(timestamp),
		BlockNumber:  log.BlockNumber,
	}, nil
}
