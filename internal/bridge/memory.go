package bridge

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type balanceKey struct {
	token   common.Address
	account common.Address
}

// MemoryStore is an in-memory, thread-safe Store. Update calls are
// serialised under one mutex and stage their writes until fn returns nil.
type MemoryStore struct {
	mu       sync.RWMutex
	state    *State
	replays  map[common.Hash]*ReplayRecord
	balances map[balanceKey]uint64
	entries  []*Entry
}

// NewMemoryStore creates a MemoryStore whose event log holds only genesis.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		replays:  make(map[common.Hash]*ReplayRecord),
		balances: make(map[balanceKey]uint64),
		entries:  []*Entry{genesisEntry(time.Now().UTC())},
	}
}

// Update implements Store.
func (s *MemoryStore) Update(_ context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := newMemTx(s, true)
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

// View implements Store.
func (s *MemoryStore) View(_ context.Context, fn func(tx Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(newMemTx(s, false))
}

// Events implements Store.
func (s *MemoryStore) Events(_ context.Context, after, until uint64) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if after >= until {
		return nil, nil
	}
	var out []*Entry
	for i := after + 1; i <= until && i < uint64(len(s.entries)); i++ {
		out = append(out, s.entries[i])
	}
	return out, nil
}

// Head implements Store.
func (s *MemoryStore) Head(_ context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint64(len(s.entries) - 1), nil
}

// VerifyEvents implements Store.
func (s *MemoryStore) VerifyEvents(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var prev *Entry
	for _, curr := range s.entries {
		if err := verifyLink(prev, curr); err != nil {
			return err
		}
		prev = curr
	}
	return nil
}

// memTx stages writes on top of the committed MemoryStore contents.
type memTx struct {
	s        *MemoryStore
	writable bool

	state    *State
	replays  map[common.Hash]*ReplayRecord
	balances map[balanceKey]uint64
	entries  []*Entry
}

func newMemTx(s *MemoryStore, writable bool) *memTx {
	return &memTx{
		s:        s,
		writable: writable,
		replays:  make(map[common.Hash]*ReplayRecord),
		balances: make(map[balanceKey]uint64),
	}
}

func (tx *memTx) commit() {
	if tx.state != nil {
		tx.s.state = tx.state
	}
	for k, v := range tx.replays {
		tx.s.replays[k] = v
	}
	for k, v := range tx.balances {
		tx.s.balances[k] = v
	}
	tx.s.entries = append(tx.s.entries, tx.entries...)
}

func (tx *memTx) State(_ context.Context) (*State, error) {
	if tx.state != nil {
		return tx.state.Clone(), nil
	}
	if tx.s.state == nil {
		return nil, ErrNotInitialized
	}
	return tx.s.state.Clone(), nil
}

func (tx *memTx) PutState(_ context.Context, st *State) error {
	if !tx.writable {
		return errReadOnly
	}
	tx.state = st.Clone()
	return nil
}

func (tx *memTx) Replay(_ context.Context, hash common.Hash) (*ReplayRecord, error) {
	if rec, ok := tx.replays[hash]; ok {
		cp := *rec
		return &cp, nil
	}
	if rec, ok := tx.s.replays[hash]; ok {
		cp := *rec
		return &cp, nil
	}
	return nil, nil
}

func (tx *memTx) InsertReplay(ctx context.Context, rec *ReplayRecord) error {
	if !tx.writable {
		return errReadOnly
	}
	existing, _ := tx.Replay(ctx, rec.SourceTxHash)
	if existing != nil {
		return ErrAlreadyProcessed
	}
	cp := *rec
	tx.replays[rec.SourceTxHash] = &cp
	return nil
}

func (tx *memTx) Balance(_ context.Context, token, account common.Address) (uint64, error) {
	k := balanceKey{token, account}
	if v, ok := tx.balances[k]; ok {
		return v, nil
	}
	return tx.s.balances[k], nil
}

func (tx *memTx) MintTo(ctx context.Context, token, account common.Address, amount uint64) error {
	if !tx.writable {
		return errReadOnly
	}
	bal, _ := tx.Balance(ctx, token, account)
	if bal > math.MaxUint64-amount {
		return fmt.Errorf("%w: balance overflow", ErrInvalidAmount)
	}
	tx.balances[balanceKey{token, account}] = bal + amount
	return nil
}

func (tx *memTx) BurnFrom(ctx context.Context, token, account common.Address, amount uint64) error {
	if !tx.writable {
		return errReadOnly
	}
	bal, _ := tx.Balance(ctx, token, account)
	if bal < amount {
		return ErrInsufficientBalance
	}
	tx.balances[balanceKey{token, account}] = bal - amount
	return nil
}

func (tx *memTx) AppendEvent(_ context.Context, kind EventKind, payload any, at time.Time) (*Entry, error) {
	if !tx.writable {
		return nil, errReadOnly
	}
	prev := tx.s.entries[len(tx.s.entries)-1]
	if n := len(tx.entries); n > 0 {
		prev = tx.entries[n-1]
	}
	e, err := newEntry(prev.Index, prev.Hash, kind, payload, at)
	if err != nil {
		return nil, err
	}
	tx.entries = append(tx.entries, e)
	return e, nil
}
