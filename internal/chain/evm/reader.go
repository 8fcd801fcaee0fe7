package evm

import (
	"context"
	"fmt"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/jmerrifield20/ledgerbridge/internal/watcher"
	"go.uber.org/zap"
)

// ReadClient is the subset of ethclient.Client the Reader uses.
type ReadClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// Reader is a watcher.Source over the lock contract.
type Reader struct {
	client   ReadClient
	contract common.Address
	logger   *zap.Logger
}

// NewReader creates a Reader for the lock contract at contract.
func NewReader(client ReadClient, contract common.Address, logger *zap.Logger) *Reader {
	return &Reader{client: client, contract: contract, logger: logger}
}

// LatestHeight returns the newest block number.
func (r *Reader) LatestHeight(ctx context.Context) (uint64, error) {
	n, err := r.client.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("block number: %w", err)
	}
	return n, nil
}

// EventsInRange returns lock events in blocks (from, to]. A transaction may
// carry at most one lock; later locks in the same transaction are skipped,
// since the source transaction hash is the mint replay key.
func (r *Reader) EventsInRange(ctx context.Context, from, to uint64) (watcher.Batch, error) {
	var batch watcher.Batch
	if to <= from {
		return batch, nil
	}
	logs, err := r.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from + 1),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{r.contract},
		Topics:    [][]common.Hash{{TokensLockedTopic}},
	})
	if err != nil {
		return batch, fmt.Errorf("filter logs: %w", err)
	}

	timestamps := make(map[uint64]uint64)
	seen := make(map[common.Hash]struct{})
	for _, l := range logs {
		if l.Removed {
			continue
		}
		ref := l.TxHash.Hex() + ":" + strconv.FormatUint(uint64(l.Index), 10)
		if _, dup := seen[l.TxHash]; dup {
			batch.Skipped = append(batch.Skipped, watcher.Skipped{
				Height: l.BlockNumber,
				Ref:    ref,
				Err:    fmt.Errorf("%w: second lock in transaction", watcher.ErrMalformedEvent),
			})
			continue
		}

		ts, ok := timestamps[l.BlockNumber]
		if !ok {
			h, err := r.client.HeaderByNumber(ctx, new(big.Int).SetUint64(l.BlockNumber))
			if err != nil {
				return watcher.Batch{}, fmt.Errorf("header %d: %w", l.BlockNumber, err)
			}
			ts = h.Time
			timestamps[l.BlockNumber] = ts
		}

		lock, err := decodeLock(l, ts)
		if err != nil {
			batch.Skipped = append(batch.Skipped, watcher.Skipped{Height: l.BlockNumber, Ref: ref, Err: err})
			continue
		}
		seen[l.TxHash] = struct{}{}
		batch.Events = append(batch.Events, watcher.Event{Height: l.BlockNumber, Lock: lock})
	}
	r.logger.Debug("scanned lock logs",
		zap.Uint64("from", from),
		zap.Uint64("to", to),
		zap.Int("logs", len(logs)),
	)
	return batch, nil
}
