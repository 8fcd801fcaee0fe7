// Package client is the Go SDK for the ledgerbridge Ledger B API served by
// ledgerd.
//
// Read-only calls need nothing but a base URL:
//
//	c, err := client.New("http://localhost:8080")
//	st, err := c.State(ctx)
//
// Mutating calls are signed with a secp256k1 key. The signer's address is
// the caller identity used for authority checks and as the burn holder:
//
//	c, err := client.New("http://localhost:8080", client.WithSigner(signer))
//	ev, err := c.Burn(ctx, token, 50, remoteRecipient)
//
// Errors returned by the server carry the bridge sentinel, so callers can
// match them with errors.Is:
//
//	if errors.Is(err, bridge.ErrAlreadyProcessed) { ... }
package client
