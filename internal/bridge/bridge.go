package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jmerrifield20/ledgerbridge/internal/identity"
	"go.uber.org/zap"
)

// MetricsRecorder is an optional callback invoked once per operation with
// its name and outcome ("ok" or the error text of a sentinel).
type MetricsRecorder func(op, result string)

// MintRequest is the bridgeFromRemote instruction.
type MintRequest struct {
	Amount       uint64         `json:"amount"`
	SourceTxHash common.Hash    `json:"source_tx_hash"`
	Token        common.Address `json:"token"`
	Recipient    common.Address `json:"recipient"`
	Signatures   [][]byte       `json:"signatures"`
}

// BurnRequest is the bridgeToRemote instruction. User is the authenticated
// token holder, not a request field the caller may choose.
type BurnRequest struct {
	User            common.Address `json:"-"`
	Token           common.Address `json:"token"`
	Amount          uint64         `json:"amount"`
	RemoteRecipient common.Address `json:"remote_recipient"`
}

// Bridge executes the Ledger B state transitions against a Store.
type Bridge struct {
	store     Store
	now       func() time.Time
	onMetrics MetricsRecorder
	logger    *zap.Logger
}

// New creates a Bridge backed by store.
func New(store Store, logger *zap.Logger) *Bridge {
	return &Bridge{
		store:  store,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger,
	}
}

// SetClock overrides the time source used for timestamps.
func (b *Bridge) SetClock(fn func() time.Time) {
	b.now = fn
}

// SetMetricsRecorder configures the metrics callback.
func (b *Bridge) SetMetricsRecorder(fn MetricsRecorder) {
	b.onMetrics = fn
}

// timestamp is truncated to microseconds so it round-trips through Postgres
// without changing the event hash.
func (b *Bridge) timestamp() time.Time {
	return b.now().UTC().Truncate(time.Microsecond)
}

func (b *Bridge) record(op string, err error) {
	if b.onMetrics == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = resultLabel(err)
	}
	b.onMetrics(op, result)
}

// Initialize creates the bridge state. The caller becomes the authority.
func (b *Bridge) Initialize(ctx context.Context, caller common.Address, remoteChainID uint64, threshold uint8) (*State, error) {
	var out *State
	err := b.store.Update(ctx, func(tx Tx) error {
		if _, err := tx.State(ctx); err == nil {
			return ErrAlreadyInitialized
		} else if !errors.Is(err, ErrNotInitialized) {
			return err
		}
		if threshold == 0 {
			return ErrInvalidThreshold
		}
		st := &State{
			Authority:          caller,
			RemoteChainID:      remoteChainID,
			ValidatorThreshold: threshold,
			Active:             true,
			Nonce:              0,
			Validators:         NewValidatorSet(MaxValidators),
		}
		if err := tx.PutState(ctx, st); err != nil {
			return err
		}
		out = st
		return nil
	})
	b.record("initialize", err)
	if err != nil {
		return nil, err
	}
	b.logger.Info("bridge initialized",
		zap.String("authority", caller.Hex()),
		zap.Uint64("remote_chain_id", remoteChainID),
		zap.Uint8("threshold", threshold),
	)
	return out, nil
}

// administer loads the state, checks that caller is the authority, applies
// mutate, and saves the result in one transaction.
func (b *Bridge) administer(ctx context.Context, op string, caller common.Address, mutate func(st *State) error) (*State, error) {
	var out *State
	err := b.store.Update(ctx, func(tx Tx) error {
		st, err := tx.State(ctx)
		if err != nil {
			return err
		}
		if st.Authority != caller {
			return ErrUnauthorized
		}
		if err := mutate(st); err != nil {
			return err
		}
		if err := tx.PutState(ctx, st); err != nil {
			return err
		}
		out = st
		return nil
	})
	b.record(op, err)
	return out, err
}

// AddValidator registers id. Authority only.
func (b *Bridge) AddValidator(ctx context.Context, caller, id common.Address) (*State, error) {
	st, err := b.administer(ctx, "add_validator", caller, func(st *State) error {
		return st.Validators.Add(id)
	})
	if err != nil {
		return nil, err
	}
	b.logger.Info("validator added", zap.String("validator", id.Hex()), zap.Int("validators", st.Validators.Len()))
	return st, nil
}

// RemoveValidator unregisters id. Authority only; absent ids are a no-op.
func (b *Bridge) RemoveValidator(ctx context.Context, caller, id common.Address) (*State, error) {
	var removed bool
	st, err := b.administer(ctx, "remove_validator", caller, func(st *State) error {
		removed = st.Validators.Remove(id)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if removed {
		b.logger.Info("validator removed", zap.String("validator", id.Hex()), zap.Int("validators", st.Validators.Len()))
	}
	return st, nil
}

// SetActive flips the gate used by both transfer paths. Authority only.
func (b *Bridge) SetActive(ctx context.Context, caller common.Address, active bool) (*State, error) {
	st, err := b.administer(ctx, "set_active", caller, func(st *State) error {
		st.Active = active
		return nil
	})
	if err != nil {
		return nil, err
	}
	b.logger.Info("bridge active status set", zap.Bool("active", active))
	return st, nil
}

// SetThreshold changes the validator quorum threshold. Authority only.
func (b *Bridge) SetThreshold(ctx context.Context, caller common.Address, threshold uint8) (*State, error) {
	st, err := b.administer(ctx, "set_threshold", caller, func(st *State) error {
		if threshold == 0 {
			return ErrInvalidThreshold
		}
		st.ValidatorThreshold = threshold
		return nil
	})
	if err != nil {
		return nil, err
	}
	b.logger.Info("validator threshold set", zap.Uint8("threshold", threshold))
	return st, nil
}

// BridgeFromRemote executes the mint path for a lock observed on Ledger A.
// The active check, replay check, quorum check, mint, replay record and
// event append all run in one store transaction.
func (b *Bridge) BridgeFromRemote(ctx context.Context, req MintRequest) (*MintExecuted, error) {
	var out *MintExecuted
	err := b.store.Update(ctx, func(tx Tx) error {
		st, err := tx.State(ctx)
		if err != nil {
			return err
		}
		if !st.Active {
			return ErrBridgeInactive
		}
		if req.Amount == 0 {
			return ErrInvalidAmount
		}

		rec, err := tx.Replay(ctx, req.SourceTxHash)
		if err != nil {
			return err
		}
		if rec != nil {
			return ErrAlreadyProcessed
		}

		digest := identity.MintDigest(st.RemoteChainID, req.SourceTxHash, req.Token, req.Recipient, req.Amount)
		valid, rejected := CountQuorum(digest, req.Signatures, st.Validators)
		if valid < int(st.ValidatorThreshold) {
			return fmt.Errorf("%w: %d valid of %d required (%d rejected)",
				ErrInsufficientSignatures, valid, st.ValidatorThreshold, rejected)
		}

		if err := tx.MintTo(ctx, req.Token, req.Recipient, req.Amount); err != nil {
			return err
		}

		now := b.timestamp()
		if err := tx.InsertReplay(ctx, &ReplayRecord{
			Processed:    true,
			SourceTxHash: req.SourceTxHash,
			ProcessedAt:  now,
		}); err != nil {
			return err
		}

		ev := &MintExecuted{
			Amount:       req.Amount,
			SourceTxHash: req.SourceTxHash,
			Token:        req.Token,
			Recipient:    req.Recipient,
			Timestamp:    now.Unix(),
		}
		if _, err := tx.AppendEvent(ctx, KindMintExecuted, ev, now); err != nil {
			return err
		}
		out = ev
		return nil
	})
	b.record("mint", err)
	if err != nil {
		return nil, err
	}
	b.logger.Info("bridged tokens from remote",
		zap.Uint64("amount", out.Amount),
		zap.String("source_tx", out.SourceTxHash.Hex()),
		zap.String("recipient", out.Recipient.Hex()),
	)
	return out, nil
}

// BridgeToRemote executes the burn path. On success the bridge nonce has
// been incremented and the new value is carried by the returned event.
func (b *Bridge) BridgeToRemote(ctx context.Context, req BurnRequest) (*BurnExecuted, error) {
	var out *BurnExecuted
	err := b.store.Update(ctx, func(tx Tx) error {
		st, err := tx.State(ctx)
		if err != nil {
			return err
		}
		if !st.Active {
			return ErrBridgeInactive
		}
		if req.Amount == 0 {
			return ErrInvalidAmount
		}

		if err := tx.BurnFrom(ctx, req.Token, req.User, req.Amount); err != nil {
			return err
		}

		st.Nonce++
		if err := tx.PutState(ctx, st); err != nil {
			return err
		}

		now := b.timestamp()
		ev := &BurnExecuted{
			Nonce:           st.Nonce,
			Amount:          req.Amount,
			RemoteRecipient: req.RemoteRecipient,
			Token:           req.Token,
			User:            req.User,
			Timestamp:       now.Unix(),
		}
		if _, err := tx.AppendEvent(ctx, KindBurnExecuted, ev, now); err != nil {
			return err
		}
		out = ev
		return nil
	})
	b.record("burn", err)
	if err != nil {
		return nil, err
	}
	b.logger.Info("burned tokens for remote unlock",
		zap.Uint64("nonce", out.Nonce),
		zap.Uint64("amount", out.Amount),
		zap.String("remote_recipient", out.RemoteRecipient.Hex()),
	)
	return out, nil
}

// Credit mints directly to account without a quorum. It exists for
// development networks only; ledgerd exposes it behind a config flag.
func (b *Bridge) Credit(ctx context.Context, token, account common.Address, amount uint64) error {
	if amount == 0 {
		return ErrInvalidAmount
	}
	err := b.store.Update(ctx, func(tx Tx) error {
		return tx.MintTo(ctx, token, account, amount)
	})
	b.record("credit", err)
	return err
}

// State returns the current bridge state.
func (b *Bridge) State(ctx context.Context) (*State, error) {
	var out *State
	err := b.store.View(ctx, func(tx Tx) error {
		st, err := tx.State(ctx)
		out = st
		return err
	})
	return out, err
}

// Processed returns the replay record for hash, or nil if it was never minted.
func (b *Bridge) Processed(ctx context.Context, hash common.Hash) (*ReplayRecord, error) {
	var out *ReplayRecord
	err := b.store.View(ctx, func(tx Tx) error {
		rec, err := tx.Replay(ctx, hash)
		out = rec
		return err
	})
	return out, err
}

// Validator returns nil if id is a registered validator and
// ErrValidatorNotFound otherwise.
func (b *Bridge) Validator(ctx context.Context, id common.Address) error {
	st, err := b.State(ctx)
	if err != nil {
		return err
	}
	if !st.Validators.Contains(id) {
		return fmt.Errorf("%w: %s", ErrValidatorNotFound, id.Hex())
	}
	return nil
}

// Balance returns the wrapped-token balance of account.
func (b *Bridge) Balance(ctx context.Context, token, account common.Address) (uint64, error) {
	var out uint64
	err := b.store.View(ctx, func(tx Tx) error {
		v, err := tx.Balance(ctx, token, account)
		out = v
		return err
	})
	return out, err
}

// Events returns event log entries in (after, until].
func (b *Bridge) Events(ctx context.Context, after, until uint64) ([]*Entry, error) {
	return b.store.Events(ctx, after, until)
}

// Head returns the newest event log index.
func (b *Bridge) Head(ctx context.Context) (uint64, error) {
	return b.store.Head(ctx)
}

// VerifyEvents checks the integrity of the event log hash chain.
func (b *Bridge) VerifyEvents(ctx context.Context) error {
	return b.store.VerifyEvents(ctx)
}

// CountQuorum returns the number of distinct registered validators that
// produced a valid signature over digest, and the number of signatures that
// were rejected (unrecoverable or not from a registered validator).
// Repeat signatures from an already counted validator are neither.
func CountQuorum(digest common.Hash, sigs [][]byte, validators *ValidatorSet) (valid, rejected int) {
	seen := make(map[common.Address]struct{}, len(sigs))
	for _, sig := range sigs {
		signer, err := identity.Recover(digest, sig)
		if err != nil || !validators.Contains(signer) {
			rejected++
			continue
		}
		if _, dup := seen[signer]; dup {
			continue
		}
		seen[signer] = struct{}{}
		valid++
	}
	return valid, rejected
}

// resultLabel maps an error to a bounded metrics label.
func resultLabel(err error) string {
	if code := Code(err); code != "" {
		return code
	}
	return "error"
}
