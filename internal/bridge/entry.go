package bridge

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// GenesisHash is the well-known hash of the genesis entry at index 0.
// All subsequent entry hashes chain from this constant.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Entry is a single record in the Ledger B event log.
type Entry struct {
	Index     uint64          `json:"index"`
	Timestamp time.Time       `json:"timestamp"`
	Kind      EventKind       `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	DataHash  string          `json:"data_hash"`
	PrevHash  string          `json:"prev_hash"`
	Hash      string          `json:"hash"`
}

// Mint decodes the payload of a mint_executed entry.
func (e *Entry) Mint() (*MintExecuted, error) {
	if e.Kind != KindMintExecuted {
		return nil, fmt.Errorf("entry %d is %q, not %q", e.Index, e.Kind, KindMintExecuted)
	}
	var ev MintExecuted
	if err := json.Unmarshal(e.Payload, &ev); err != nil {
		return nil, fmt.Errorf("decode mint entry %d: %w", e.Index, err)
	}
	return &ev, nil
}

// Burn decodes the payload of a burn_executed entry.
func (e *Entry) Burn() (*BurnExecuted, error) {
	if e.Kind != KindBurnExecuted {
		return nil, fmt.Errorf("entry %d is %q, not %q", e.Index, e.Kind, KindBurnExecuted)
	}
	var ev BurnExecuted
	if err := json.Unmarshal(e.Payload, &ev); err != nil {
		return nil, fmt.Errorf("decode burn entry %d: %w", e.Index, err)
	}
	return &ev, nil
}

func genesisEntry(at time.Time) *Entry {
	return &Entry{
		Index:     0,
		Timestamp: at,
		Kind:      KindGenesis,
		DataHash:  GenesisHash,
		PrevHash:  GenesisHash,
		Hash:      GenesisHash,
	}
}

// newEntry builds the entry following prev and computes its hash.
func newEntry(prevIndex uint64, prevHash string, kind EventKind, payload any, at time.Time) (*Entry, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	e := &Entry{
		Index:     prevIndex + 1,
		Timestamp: at,
		Kind:      kind,
		Payload:   raw,
		DataHash:  sha256Sum(raw),
		PrevHash:  prevHash,
	}
	e.Hash = hashEntry(e)
	return e, nil
}

// hashEntry computes a deterministic SHA-256 hash over an entry's fields.
// It must never be called on the genesis entry.
func hashEntry(e *Entry) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d|%s|%s|%s|%s",
		e.Index, e.Timestamp.UTC().Format(time.RFC3339Nano),
		e.Kind, e.DataHash, e.PrevHash,
	)
	return hex.EncodeToString(h.Sum(nil))
}

func sha256Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// verifyLink checks curr against its predecessor. prev is nil for genesis.
func verifyLink(prev, curr *Entry) error {
	if prev == nil {
		if curr.Hash != GenesisHash {
			return fmt.Errorf("genesis entry has wrong hash: got %q", curr.Hash)
		}
		return nil
	}
	if curr.PrevHash != prev.Hash {
		return fmt.Errorf("hash chain broken at index %d", curr.Index)
	}
	if curr.DataHash != sha256Sum(curr.Payload) {
		return fmt.Errorf("entry %d payload does not match data hash", curr.Index)
	}
	if curr.Hash != hashEntry(curr) {
		return fmt.Errorf("entry %d has invalid hash", curr.Index)
	}
	return nil
}
