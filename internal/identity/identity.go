// Package identity implements the signing identities used across the bridge.
//
// It provides:
//   - KeyManager: creates/loads a secp256k1 key file for a validator or operator
//   - Signer: signs 32-byte digests with a recoverable signature
//   - Recover: recovers the signer address from a digest and signature
//   - Digest: canonical digests for mint attestations, unlock attestations
//     and signed API requests
package identity
