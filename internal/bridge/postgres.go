package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// advisoryLockKey serialises all bridge write transactions across ledgerd
// replicas sharing one database.
const advisoryLockKey = int64(2_024_061_117)

const (
	pgUniqueViolation = "23505"
	pgCheckViolation  = "23514"
)

// PostgresStore persists bridge state to PostgreSQL. It implements Store.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore creates a PostgresStore backed by the given pool.
func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, logger: logger}
}

// Update implements Store. It acquires a transaction-scoped advisory lock so
// that concurrent transitions never interleave, then runs fn.
func (s *PostgresStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", advisoryLockKey); err != nil {
		return fmt.Errorf("acquire advisory lock: %w", err)
	}

	ptx := &pgTx{tx: tx, writable: true}
	if err := fn(ptx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit bridge tx: %w", err)
	}

	for _, e := range ptx.appended {
		s.logger.Debug("bridge event appended",
			zap.Uint64("idx", e.Index),
			zap.String("kind", string(e.Kind)),
		)
	}
	return nil
}

// View implements Store.
func (s *PostgresStore) View(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck
	return fn(&pgTx{tx: tx})
}

// Events implements Store.
func (s *PostgresStore) Events(ctx context.Context, after, until uint64) ([]*Entry, error) {
	// idx is BIGINT; no stored index exceeds math.MaxInt64.
	if after >= until || after >= math.MaxInt64 {
		return nil, nil
	}
	if until > math.MaxInt64 {
		until = math.MaxInt64
	}
	rows, err := s.pool.Query(ctx,
		`SELECT idx, timestamp, kind, payload, data_hash, prev_hash, hash
		 FROM bridge_events WHERE idx > $1 AND idx <= $2 ORDER BY idx ASC`,
		int64(after), int64(until),
	)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Head implements Store.
func (s *PostgresStore) Head(ctx context.Context) (uint64, error) {
	var idx int64
	if err := s.pool.QueryRow(ctx,
		"SELECT COALESCE(MAX(idx), 0) FROM bridge_events",
	).Scan(&idx); err != nil {
		return 0, fmt.Errorf("get event head: %w", err)
	}
	return uint64(idx), nil
}

// VerifyEvents implements Store. It streams all rows ordered by idx.
func (s *PostgresStore) VerifyEvents(ctx context.Context) error {
	rows, err := s.pool.Query(ctx,
		`SELECT idx, timestamp, kind, payload, data_hash, prev_hash, hash
		 FROM bridge_events ORDER BY idx ASC`,
	)
	if err != nil {
		return fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var prev *Entry
	for rows.Next() {
		curr, err := scanEntry(rows)
		if err != nil {
			return err
		}
		if err := verifyLink(prev, curr); err != nil {
			return err
		}
		prev = curr
	}
	return rows.Err()
}

func scanEntry(row pgx.Row) (*Entry, error) {
	var (
		e       Entry
		idx     int64
		kind    string
		payload []byte
	)
	if err := row.Scan(&idx, &e.Timestamp, &kind, &payload, &e.DataHash, &e.PrevHash, &e.Hash); err != nil {
		return nil, fmt.Errorf("scan event row: %w", err)
	}
	e.Index = uint64(idx)
	e.Kind = EventKind(kind)
	e.Timestamp = e.Timestamp.UTC()
	if len(payload) > 0 {
		e.Payload = json.RawMessage(payload)
	}
	return &e, nil
}

// pgTx adapts a pgx transaction to Tx.
type pgTx struct {
	tx       pgx.Tx
	writable bool
	appended []*Entry
}

func (t *pgTx) State(ctx context.Context) (*State, error) {
	q := `SELECT authority, remote_chain_id, validator_threshold, is_active, nonce, validators
	      FROM bridge_state WHERE id = 1`
	if t.writable {
		q += " FOR UPDATE"
	}

	var (
		authority  string
		chainID    int64
		threshold  int16
		active     bool
		nonce      int64
		validators []string
	)
	err := t.tx.QueryRow(ctx, q).Scan(&authority, &chainID, &threshold, &active, &nonce, &validators)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotInitialized
	}
	if err != nil {
		return nil, fmt.Errorf("load bridge state: %w", err)
	}

	st := &State{
		Authority:          common.HexToAddress(authority),
		RemoteChainID:      uint64(chainID),
		ValidatorThreshold: uint8(threshold),
		Active:             active,
		Nonce:              uint64(nonce),
		Validators:         NewValidatorSet(MaxValidators),
	}
	for _, v := range validators {
		if err := st.Validators.Add(common.HexToAddress(v)); err != nil && !errors.Is(err, ErrValidatorExists) {
			return nil, fmt.Errorf("load validator %s: %w", v, err)
		}
	}
	return st, nil
}

func (t *pgTx) PutState(ctx context.Context, st *State) error {
	if !t.writable {
		return errReadOnly
	}
	validators := make([]string, 0, st.Validators.Len())
	for _, v := range st.Validators.List() {
		validators = append(validators, v.Hex())
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO bridge_state (id, authority, remote_chain_id, validator_threshold, is_active, nonce, validators, updated_at)
		 VALUES (1, $1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET
		   authority = EXCLUDED.authority,
		   remote_chain_id = EXCLUDED.remote_chain_id,
		   validator_threshold = EXCLUDED.validator_threshold,
		   is_active = EXCLUDED.is_active,
		   nonce = EXCLUDED.nonce,
		   validators = EXCLUDED.validators,
		   updated_at = EXCLUDED.updated_at`,
		st.Authority.Hex(), int64(st.RemoteChainID), int16(st.ValidatorThreshold),
		st.Active, int64(st.Nonce), validators, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save bridge state: %w", err)
	}
	return nil
}

func (t *pgTx) Replay(ctx context.Context, hash common.Hash) (*ReplayRecord, error) {
	rec := &ReplayRecord{SourceTxHash: hash}
	err := t.tx.QueryRow(ctx,
		`SELECT processed, processed_at FROM processed_tx WHERE source_tx_hash = $1`,
		hash.Hex(),
	).Scan(&rec.Processed, &rec.ProcessedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get replay record: %w", err)
	}
	rec.ProcessedAt = rec.ProcessedAt.UTC()
	return rec, nil
}

func (t *pgTx) InsertReplay(ctx context.Context, rec *ReplayRecord) error {
	if !t.writable {
		return errReadOnly
	}
	tag, err := t.tx.Exec(ctx,
		`INSERT INTO processed_tx (source_tx_hash, processed, processed_at)
		 VALUES ($1, $2, $3) ON CONFLICT (source_tx_hash) DO NOTHING`,
		rec.SourceTxHash.Hex(), rec.Processed, rec.ProcessedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return ErrAlreadyProcessed
		}
		return fmt.Errorf("insert replay record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyProcessed
	}
	return nil
}

// Balances are NUMERIC(20,0) so the full uint64 range fits; they cross the
// wire as decimal text.
func (t *pgTx) Balance(ctx context.Context, token, account common.Address) (uint64, error) {
	var amount string
	err := t.tx.QueryRow(ctx,
		`SELECT amount::text FROM balances WHERE token = $1 AND account = $2`,
		token.Hex(), account.Hex(),
	).Scan(&amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get balance: %w", err)
	}
	v, err := strconv.ParseUint(amount, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse balance %q: %w", amount, err)
	}
	return v, nil
}

func (t *pgTx) MintTo(ctx context.Context, token, account common.Address, amount uint64) error {
	if !t.writable {
		return errReadOnly
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO balances (token, account, amount)
		 VALUES ($1, $2, $3::numeric)
		 ON CONFLICT (token, account) DO UPDATE SET amount = balances.amount + EXCLUDED.amount`,
		token.Hex(), account.Hex(), strconv.FormatUint(amount, 10),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgCheckViolation {
			return fmt.Errorf("%w: balance overflow", ErrInvalidAmount)
		}
		return fmt.Errorf("mint: %w", err)
	}
	return nil
}

func (t *pgTx) BurnFrom(ctx context.Context, token, account common.Address, amount uint64) error {
	if !t.writable {
		return errReadOnly
	}
	tag, err := t.tx.Exec(ctx,
		`UPDATE balances SET amount = amount - $3::numeric
		 WHERE token = $1 AND account = $2 AND amount >= $3::numeric`,
		token.Hex(), account.Hex(), strconv.FormatUint(amount, 10),
	)
	if err != nil {
		return fmt.Errorf("burn: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInsufficientBalance
	}
	return nil
}

func (t *pgTx) AppendEvent(ctx context.Context, kind EventKind, payload any, at time.Time) (*Entry, error) {
	if !t.writable {
		return nil, errReadOnly
	}

	var (
		prevIdx  int64
		prevHash string
	)
	if err := t.tx.QueryRow(ctx,
		"SELECT idx, hash FROM bridge_events ORDER BY idx DESC LIMIT 1",
	).Scan(&prevIdx, &prevHash); err != nil {
		return nil, fmt.Errorf("read event log tail: %w", err)
	}

	e, err := newEntry(uint64(prevIdx), prevHash, kind, payload, at)
	if err != nil {
		return nil, err
	}

	if _, err := t.tx.Exec(ctx,
		`INSERT INTO bridge_events (idx, timestamp, kind, payload, data_hash, prev_hash, hash)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		int64(e.Index), e.Timestamp, string(e.Kind), []byte(e.Payload),
		e.DataHash, e.PrevHash, e.Hash,
	); err != nil {
		return nil, fmt.Errorf("insert event: %w", err)
	}
	t.appended = append(t.appended, e)
	return e, nil
}
