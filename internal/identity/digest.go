package identity

import (
	"encoding/binary"
	"hash"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

// Domain tags separate the digest spaces so a signature valid for one
// purpose can never be replayed for another.
const (
	mintTag    = "ledgerbridge/mint/v1"
	unlockTag  = "ledgerbridge/unlock/v1"
	requestTag = "ledgerbridge/request/v1"
)

// digestBuilder streams fixed-width fields into a Keccak-256 hasher.
type digestBuilder struct {
	h   hash.Hash
	buf [8]byte
}

func newDigest(tag string) *digestBuilder {
	d := &digestBuilder{h: sha3.NewLegacyKeccak256()}
	d.bytes([]byte(tag))
	return d
}

func (d *digestBuilder) uint64(v uint64) *digestBuilder {
	binary.BigEndian.PutUint64(d.buf[:], v)
	d.h.Write(d.buf[:]) //nolint:errcheck
	return d
}

// bytes writes a length-prefixed variable-size field.
func (d *digestBuilder) bytes(b []byte) *digestBuilder {
	d.uint64(uint64(len(b)))
	d.h.Write(b) //nolint:errcheck
	return d
}

func (d *digestBuilder) word(h common.Hash) *digestBuilder {
	d.h.Write(h.Bytes()) //nolint:errcheck
	return d
}

func (d *digestBuilder) address(a common.Address) *digestBuilder {
	d.h.Write(a.Bytes()) //nolint:errcheck
	return d
}

func (d *digestBuilder) sum() common.Hash {
	return common.BytesToHash(d.h.Sum(nil))
}

// MintDigest is the message validators sign to authorize a mint on Ledger B
// for a lock observed on Ledger A.
func MintDigest(remoteChainID uint64, sourceTxHash common.Hash, token, recipient common.Address, amount uint64) common.Hash {
	return newDigest(mintTag).
		uint64(remoteChainID).
		word(sourceTxHash).
		address(token).
		address(recipient).
		uint64(amount).
		sum()
}

// UnlockDigest is the message validators sign to authorize an unlock on
// Ledger A for a burn observed on Ledger B.
func UnlockDigest(remoteChainID, nonce uint64, token, recipient common.Address, amount uint64) common.Hash {
	return newDigest(unlockTag).
		uint64(remoteChainID).
		uint64(nonce).
		address(token).
		address(recipient).
		uint64(amount).
		sum()
}

// RequestDigest is the message a caller signs to authenticate a mutating
// Ledger B API request.
func RequestDigest(method, path string, timestamp int64, requestID string, body []byte) common.Hash {
	return newDigest(requestTag).
		bytes([]byte(method)).
		bytes([]byte(path)).
		uint64(uint64(timestamp)).
		bytes([]byte(requestID)).
		bytes(body).
		sum()
}
