// Package bridge implements the authoritative Ledger B side of the bridge:
// the singleton bridge state, the validator registry, the replay guard, and
// the mint and burn state transitions.
//
// Every transition runs inside a single Store transaction. Either all of its
// writes (state, replay record, balances, event log entry) commit together or
// none do. Two Store implementations are provided:
//   - MemoryStore: in-process, for tests and single-node development.
//   - PostgresStore: durable, serialised with a transaction-scoped advisory lock.
//
// Successful mints and burns are appended to a hash-chained event log whose
// index serves as Ledger B's block height for off-chain watchers.
package bridge
