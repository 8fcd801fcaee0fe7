package bridge

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// State is the singleton bridge configuration.
// ValidatorThreshold <= Validators.Len() is not enforced.
type State struct {
	Authority          common.Address `json:"authority"`
	RemoteChainID      uint64         `json:"remote_chain_id"`
	ValidatorThreshold uint8          `json:"validator_threshold"`
	Active             bool           `json:"is_active"`
	Nonce              uint64         `json:"nonce"`
	Validators         *ValidatorSet  `json:"validators"`
}

// Clone returns a deep copy safe to mutate.
func (s *State) Clone() *State {
	c := *s
	if s.Validators != nil {
		c.Validators = s.Validators.Clone()
	} else {
		c.Validators = NewValidatorSet(MaxValidators)
	}
	return &c
}

// ReplayRecord marks a source transaction as honoured. It is written once
// and never mutated or deleted.
type ReplayRecord struct {
	Processed    bool        `json:"processed"`
	SourceTxHash common.Hash `json:"source_tx_hash"`
	ProcessedAt  time.Time   `json:"processed_at"`
}

// LockEvent is a TokensLocked log observed on Ledger A.
type LockEvent struct {
	LockID       common.Hash    `json:"lock_id"`
	SourceTxHash common.Hash    `json:"source_tx_hash"`
	Token        common.Address `json:"token"`
	Amount       uint64         `json:"amount"`
	Recipient    common.Address `json:"recipient"`
	Timestamp    int64          `json:"timestamp"`
	BlockNumber  uint64         `json:"block_number"`
}

// EventKind names an entry in the Ledger B event log.
type EventKind string

const (
	KindGenesis      EventKind = "genesis"
	KindMintExecuted EventKind = "mint_executed"
	KindBurnExecuted EventKind = "burn_executed"
)

// MintExecuted is emitted by a successful mint path.
type MintExecuted struct {
	Amount       uint64         `json:"amount"`
	SourceTxHash common.Hash    `json:"source_tx_hash"`
	Token        common.Address `json:"token"`
	Recipient    common.Address `json:"recipient"`
	Timestamp    int64          `json:"timestamp"`
}

// BurnExecuted is emitted by a successful burn path. Nonce is the
// idempotency key for the unlock on Ledger A.
type BurnExecuted struct {
	Nonce           uint64         `json:"nonce"`
	Amount          uint64         `json:"amount"`
	RemoteRecipient common.Address `json:"remote_recipient"`
	Token           common.Address `json:"token"`
	User            common.Address `json:"user"`
	Timestamp       int64          `json:"timestamp"`
}
