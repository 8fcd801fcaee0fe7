// Package attest collects validator signatures over bridge events and
// reports when a digest reaches the validator threshold.
package attest

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/jmerrifield20/ledgerbridge/internal/bridge"
	"github.com/jmerrifield20/ledgerbridge/internal/identity"
)

var (
	// ErrUnknownValidator is returned for an attestation from an identity
	// outside the validator registry.
	ErrUnknownValidator = errors.New("attestation from unknown validator")

	// ErrSignatureInvalid is returned when a signature does not recover to
	// the claimed validator.
	ErrSignatureInvalid = bridge.ErrSignatureInvalid

	// ErrDigestMismatch is returned when the attested digest is not the
	// digest of the attached subject.
	ErrDigestMismatch = errors.New("attestation digest does not match subject")

	// ErrInvalidSubject is returned for a subject with neither or both events set.
	ErrInvalidSubject = errors.New("subject must carry exactly one event")
)

// Direction names which way value moves for a subject.
type Direction string

const (
	// DirectionToB is a lock on Ledger A to be minted on Ledger B.
	DirectionToB Direction = "a_to_b"
	// DirectionToA is a burn on Ledger B to be unlocked on Ledger A.
	DirectionToA Direction = "b_to_a"
)

// Subject is the event being attested. Exactly one field is set.
type Subject struct {
	Lock *bridge.LockEvent    `json:"lock,omitempty"`
	Burn *bridge.BurnExecuted `json:"burn,omitempty"`
}

// Direction reports which destination the subject relays to.
func (s Subject) Direction() Direction {
	if s.Lock != nil {
		return DirectionToB
	}
	return DirectionToA
}

// Digest returns the message validators sign for this subject. domainID is
// the deployment's remote chain id as recorded in the Ledger B state.
func (s Subject) Digest(domainID uint64) (common.Hash, error) {
	switch {
	case s.Lock != nil && s.Burn == nil:
		l := s.Lock
		return identity.MintDigest(domainID, l.SourceTxHash, l.Token, l.Recipient, l.Amount), nil
	case s.Burn != nil && s.Lock == nil:
		b := s.Burn
		return identity.UnlockDigest(domainID, b.Nonce, b.Token, b.RemoteRecipient, b.Amount), nil
	default:
		return common.Hash{}, ErrInvalidSubject
	}
}

// String identifies the subject in logs.
func (s Subject) String() string {
	switch {
	case s.Lock != nil:
		return "lock:" + s.Lock.SourceTxHash.Hex()
	case s.Burn != nil:
		return fmt.Sprintf("burn:%d", s.Burn.Nonce)
	default:
		return "invalid"
	}
}

// Attestation is one validator's signature over a digest.
type Attestation struct {
	Digest    common.Hash    `json:"digest"`
	Validator common.Address `json:"validator"`
	Signature hexutil.Bytes  `json:"signature"`
}

// Sign produces signer's attestation for subject.
func Sign(signer *identity.Signer, subject Subject, domainID uint64) (Attestation, error) {
	digest, err := subject.Digest(domainID)
	if err != nil {
		return Attestation{}, err
	}
	sig, err := signer.Sign(digest)
	if err != nil {
		return Attestation{}, fmt.Errorf("sign %s: %w", subject, err)
	}
	return Attestation{Digest: digest, Validator: signer.Address(), Signature: sig}, nil
}

// Quorum is emitted once a digest has threshold distinct valid signatures.
type Quorum struct {
	Digest     common.Hash
	Subject    Subject
	Signers    []common.Address
	Signatures [][]byte
}
