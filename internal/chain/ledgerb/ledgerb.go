// Package ledgerb adapts a ledgerd instance: its event log is a watcher
// source for burns, and its mint endpoint is the relayer's Ledger B target.
package ledgerb

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/jmerrifield20/ledgerbridge/internal/attest"
	"github.com/jmerrifield20/ledgerbridge/internal/bridge"
	"github.com/jmerrifield20/ledgerbridge/internal/relayer"
	"github.com/jmerrifield20/ledgerbridge/internal/watcher"
	"github.com/jmerrifield20/ledgerbridge/pkg/client"
	"go.uber.org/zap"
)

// Ledger is the subset of *client.Client the adapters use.
type Ledger interface {
	Head(ctx context.Context) (uint64, error)
	Events(ctx context.Context, after, until uint64) ([]*bridge.Entry, error)
	Mint(ctx context.Context, req bridge.MintRequest) (*bridge.MintExecuted, error)
}

var _ Ledger = (*client.Client)(nil)

// Source is a watcher.Source over the ledgerd event log. Heights are event
// log indices.
type Source struct {
	ledger Ledger
	logger *zap.Logger
}

// NewSource creates a Source.
func NewSource(ledger Ledger, logger *zap.Logger) *Source {
	return &Source{ledger: ledger, logger: logger}
}

// LatestHeight returns the newest event log index.
func (s *Source) LatestHeight(ctx context.Context) (uint64, error) {
	return s.ledger.Head(ctx)
}

// EventsInRange returns the burns recorded at indices (from, to].
func (s *Source) EventsInRange(ctx context.Context, from, to uint64) (watcher.Batch, error) {
	var batch watcher.Batch
	if to <= from {
		return batch, nil
	}
	entries, err := s.ledger.Events(ctx, from, to)
	if err != nil {
		return batch, fmt.Errorf("events: %w", err)
	}
	for _, e := range entries {
		if e.Kind != bridge.KindBurnExecuted {
			continue
		}
		ref := "entry:" + strconv.FormatUint(e.Index, 10)
		burn, err := e.Burn()
		if err != nil {
			batch.Skipped = append(batch.Skipped, watcher.Skipped{
				Height: e.Index,
				Ref:    ref,
				Err:    fmt.Errorf("%w: %v", watcher.ErrMalformedEvent, err),
			})
			continue
		}
		if burn.Amount == 0 || burn.Nonce == 0 {
			batch.Skipped = append(batch.Skipped, watcher.Skipped{
				Height: e.Index,
				Ref:    ref,
				Err:    fmt.Errorf("%w: empty burn", watcher.ErrMalformedEvent),
			})
			continue
		}
		batch.Events = append(batch.Events, watcher.Event{Height: e.Index, Burn: burn})
	}
	return batch, nil
}

// Minter submits lock quorums as mints. It implements relayer.Submitter.
type Minter struct {
	ledger Ledger
	logger *zap.Logger
}

// NewMinter creates a Minter.
func NewMinter(ledger Ledger, logger *zap.Logger) *Minter {
	return &Minter{ledger: ledger, logger: logger}
}

// Submit calls the ledgerd mint endpoint with the quorum signatures.
func (m *Minter) Submit(ctx context.Context, q attest.Quorum) relayer.Outcome {
	lock := q.Subject.Lock
	if lock == nil {
		return relayer.Rejected("subject is not a lock", "")
	}
	txID := lock.SourceTxHash.Hex()

	_, err := m.ledger.Mint(ctx, bridge.MintRequest{
		Amount:       lock.Amount,
		SourceTxHash: lock.SourceTxHash,
		Token:        lock.Token,
		Recipient:    lock.Recipient,
		Signatures:   q.Signatures,
	})
	if err == nil {
		return relayer.Accepted(txID)
	}
	return classify(err, txID)
}

// classify maps a client error to an outcome. Bridge rejections are final;
// transport failures and server errors are retried.
func classify(err error, txID string) relayer.Outcome {
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) {
		return relayer.Transient(err)
	}
	if apiErr.Code != "" && apiErr.StatusCode < http.StatusInternalServerError {
		return relayer.Rejected(apiErr.Code, txID)
	}
	if apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= http.StatusInternalServerError {
		return relayer.Transient(err)
	}
	return relayer.Rejected(apiErr.Message, txID)
}
