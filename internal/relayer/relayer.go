// Package relayer delivers quorum-signed events to their destination ledger.
package relayer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/jmerrifield20/ledgerbridge/internal/attest"
	"github.com/jmerrifield20/ledgerbridge/internal/bridge"
	"go.uber.org/zap"
)

var (
	// ErrTransient marks a failure before the transaction landed. Retrying is safe.
	ErrTransient = errors.New("transient chain error")

	// ErrRejected is returned when the destination refused the transaction
	// for a reason other than it already being processed.
	ErrRejected = errors.New("relay rejected")
)

// ReasonAlreadyProcessed is the rejection reason for a transfer that some
// earlier attempt or another relayer already completed.
var ReasonAlreadyProcessed = bridge.Code(bridge.ErrAlreadyProcessed)

// Status is the result class of one submission.
type Status string

const (
	StatusAccepted  Status = "accepted"
	StatusRejected  Status = "rejected"
	StatusTransient Status = "transient"
)

// Outcome describes one submission attempt.
type Outcome struct {
	Status Status
	Reason string
	TxID   string
}

// Accepted builds an accepted Outcome.
func Accepted(txID string) Outcome {
	return Outcome{Status: StatusAccepted, TxID: txID}
}

// Rejected builds a rejected Outcome.
func Rejected(reason, txID string) Outcome {
	return Outcome{Status: StatusRejected, Reason: reason, TxID: txID}
}

// Transient builds a transient Outcome from err.
func Transient(err error) Outcome {
	return Outcome{Status: StatusTransient, Reason: err.Error()}
}

// Submitter sends a quorum to one destination ledger.
type Submitter interface {
	Submit(ctx context.Context, q attest.Quorum) Outcome
}

// Completer is told when a digest no longer needs relaying.
type Completer interface {
	Complete(ctx context.Context, digest common.Hash) error
}

// MetricsRecorder is an optional callback for recording relay outcomes.
type MetricsRecorder func(direction, status string)

// Config tunes retries.
type Config struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// Workers bounds concurrent relays in Run.
	Workers int
}

// Relayer routes each quorum to the submitter for its direction.
type Relayer struct {
	cfg       Config
	toB       Submitter
	toA       Submitter
	completer Completer
	onMetrics MetricsRecorder
	sleep     func(ctx context.Context, d time.Duration) error
	logger    *zap.Logger
}

// New creates a Relayer. toB mints on Ledger B for locks; toA unlocks on
// Ledger A for burns.
func New(cfg Config, toB, toA Submitter, completer Completer, logger *zap.Logger) *Relayer {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	return &Relayer{
		cfg:       cfg,
		toB:       toB,
		toA:       toA,
		completer: completer,
		sleep:     sleepCtx,
		logger:    logger,
	}
}

// SetMetricsRecorder configures the metrics callback.
func (r *Relayer) SetMetricsRecorder(fn MetricsRecorder) {
	r.onMetrics = fn
}

// Run relays every quorum received on quorums until ctx is cancelled.
func (r *Relayer) Run(ctx context.Context, quorums <-chan attest.Quorum) {
	sem := make(chan struct{}, r.cfg.Workers)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case q := <-quorums:
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				_ = r.Relay(ctx, q)
			}()
		}
	}
}

// Relay submits q, retrying transient failures with exponential backoff.
// It returns nil once the transfer is known to be done on the destination.
func (r *Relayer) Relay(ctx context.Context, q attest.Quorum) error {
	direction := q.Subject.Direction()
	sub := r.toB
	if direction == attest.DirectionToA {
		sub = r.toA
	}
	log := r.logger.With(
		zap.String("job_id", uuid.NewString()),
		zap.String("direction", string(direction)),
		zap.Stringer("subject", q.Subject),
		zap.String("digest", q.Digest.Hex()),
	)

	backoff := r.cfg.InitialBackoff
	var last Outcome
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := r.sleep(ctx, backoff); err != nil {
				return err
			}
			backoff *= 2
			if backoff > r.cfg.MaxBackoff {
				backoff = r.cfg.MaxBackoff
			}
		}

		last = sub.Submit(ctx, q)
		r.record(direction, last)

		switch {
		case last.Status == StatusAccepted:
			log.Info("relay accepted", zap.String("tx_id", last.TxID), zap.Int("attempt", attempt))
			return r.complete(ctx, q.Digest, log)

		case last.Status == StatusRejected && last.Reason == ReasonAlreadyProcessed:
			log.Info("relay already processed", zap.String("tx_id", last.TxID))
			return r.complete(ctx, q.Digest, log)

		case last.Status == StatusRejected:
			log.Error("relay rejected",
				zap.String("reason", last.Reason),
				zap.String("tx_id", last.TxID),
			)
			return fmt.Errorf("%w: %s", ErrRejected, last.Reason)
		}

		log.Warn("relay attempt failed",
			zap.Int("attempt", attempt),
			zap.String("reason", last.Reason),
		)
	}
	return fmt.Errorf("%w: gave up after %d attempts: %s", ErrTransient, r.cfg.MaxAttempts, last.Reason)
}

func (r *Relayer) complete(ctx context.Context, digest common.Hash, log *zap.Logger) error {
	if r.completer == nil {
		return nil
	}
	if err := r.completer.Complete(ctx, digest); err != nil {
		log.Warn("mark digest complete", zap.Error(err))
	}
	return nil
}

func (r *Relayer) record(direction attest.Direction, o Outcome) {
	if r.onMetrics != nil {
		r.onMetrics(string(direction), string(o.Status))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
