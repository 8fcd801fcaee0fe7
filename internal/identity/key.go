package identity

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrNoKey is returned by KeyManager accessors before a key was loaded.
var ErrNoKey = errors.New("no signing key loaded")

// KeyManager manages a single secp256k1 key persisted as a hex file.
// It creates the key on first run and reloads it on subsequent starts.
type KeyManager struct {
	path string
	key  *ecdsa.PrivateKey
}

// NewKeyManager returns a KeyManager that stores its key at path.
func NewKeyManager(path string) *KeyManager {
	return &KeyManager{path: path}
}

// LoadOrCreate loads the key from disk if it exists; creates a new one otherwise.
func (m *KeyManager) LoadOrCreate() error {
	if err := m.Load(); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return m.Create()
}

// Load reads an existing key from the configured path.
func (m *KeyManager) Load() error {
	key, err := crypto.LoadECDSA(m.path)
	if err != nil {
		return fmt.Errorf("load key %q: %w", m.path, err)
	}
	m.key = key
	return nil
}

// Create generates a new key, saves it with 0600 permissions, and activates it.
func (m *KeyManager) Create() error {
	if err := os.MkdirAll(filepath.Dir(m.path), 0o700); err != nil {
		return fmt.Errorf("create key dir: %w", err)
	}
	key, err := crypto.GenerateKey()
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	if err := crypto.SaveECDSA(m.path, key); err != nil {
		return fmt.Errorf("save key %q: %w", m.path, err)
	}
	m.key = key
	return nil
}

// Signer returns a Signer for the loaded key.
func (m *KeyManager) Signer() (*Signer, error) {
	if m.key == nil {
		return nil, ErrNoKey
	}
	return NewSigner(m.key), nil
}

// Signer produces recoverable secp256k1 signatures over 32-byte digests.
type Signer struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

// NewSigner wraps an existing private key.
func NewSigner(key *ecdsa.PrivateKey) *Signer {
	return &Signer{key: key, addr: crypto.PubkeyToAddress(key.PublicKey)}
}

// GenerateSigner creates a Signer backed by a fresh random key.
func GenerateSigner() (*Signer, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return NewSigner(key), nil
}

// SignerFromHex parses a hex-encoded private key (without 0x prefix).
func SignerFromHex(hexKey string) (*Signer, error) {
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return NewSigner(key), nil
}

// Address is the identity derived from the signer's public key.
func (s *Signer) Address() common.Address { return s.addr }

// PrivateKey exposes the underlying key for transaction signing on Ledger A.
func (s *Signer) PrivateKey() *ecdsa.PrivateKey { return s.key }

// Sign returns a 65-byte [R || S || V] signature with V in {0, 1}.
func (s *Signer) Sign(digest common.Hash) ([]byte, error) {
	sig, err := crypto.Sign(digest.Bytes(), s.key)
	if err != nil {
		return nil, fmt.Errorf("sign digest: %w", err)
	}
	return sig, nil
}
