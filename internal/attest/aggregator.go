package attest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jmerrifield20/ledgerbridge/internal/identity"
	"github.com/jmerrifield20/ledgerbridge/internal/metrics"
	"go.uber.org/zap"
)

// ErrStopped is returned by calls made after Run has returned.
var ErrStopped = errors.New("aggregator stopped")

// Config tunes an Aggregator.
type Config struct {
	// DomainID is the remote chain id bound into every digest.
	DomainID uint64
	// Retention bounds how long an unfinished or completed digest is kept.
	Retention time.Duration
	// Reemit re-sends a quorum that has not been completed after this long.
	// Zero disables re-emission.
	Reemit time.Duration
	// QueueSize is the request queue capacity.
	QueueSize int
}

type entry struct {
	subject   Subject
	sigs      map[common.Address][]byte
	order     []common.Address
	firstSeen time.Time
	emittedAt time.Time
}

// Aggregator collects attestations per digest. All state is owned by the
// goroutine running Run; the exported methods enqueue requests to it.
type Aggregator struct {
	cfg    Config
	reqs   chan func()
	out    chan Quorum
	done   chan struct{}
	now    func() time.Time
	logger *zap.Logger

	// Owned by Run.
	validators map[common.Address]struct{}
	threshold  int
	entries    map[common.Hash]*entry
	completed  map[common.Hash]time.Time
	outbox     []Quorum
}

// New creates an Aggregator. The registry is empty until SetRegistry.
func New(cfg Config, logger *zap.Logger) *Aggregator {
	if cfg.Retention <= 0 {
		cfg.Retention = time.Hour
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	return &Aggregator{
		cfg:        cfg,
		reqs:       make(chan func(), cfg.QueueSize),
		out:        make(chan Quorum),
		done:       make(chan struct{}),
		now:        time.Now,
		logger:     logger,
		validators: make(map[common.Address]struct{}),
		entries:    make(map[common.Hash]*entry),
		completed:  make(map[common.Hash]time.Time),
	}
}

// Quorums returns the channel on which reached quorums are delivered.
func (a *Aggregator) Quorums() <-chan Quorum {
	return a.out
}

// Run owns the aggregator state until ctx is cancelled.
func (a *Aggregator) Run(ctx context.Context) {
	defer close(a.done)

	every := time.Minute
	if a.cfg.Reemit > 0 && a.cfg.Reemit < every {
		every = a.cfg.Reemit
	}
	if a.cfg.Retention < every {
		every = a.cfg.Retention
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		var out chan<- Quorum
		var next Quorum
		if len(a.outbox) > 0 {
			out = a.out
			next = a.outbox[0]
		}

		select {
		case <-ctx.Done():
			return
		case fn := <-a.reqs:
			fn()
		case out <- next:
			a.outbox = a.outbox[1:]
		case <-ticker.C:
			now := a.now()
			a.evict(now)
			a.reemit(now)
		}
	}
}

// do runs fn on the owner goroutine and waits for it to finish.
func (a *Aggregator) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	select {
	case a.reqs <- func() { fn(); close(finished) }:
	case <-a.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-a.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetRegistry replaces the validator registry and threshold. Pending
// digests are re-evaluated against the new registry.
func (a *Aggregator) SetRegistry(ctx context.Context, validators []common.Address, threshold uint8) error {
	return a.do(ctx, func() {
		a.validators = make(map[common.Address]struct{}, len(validators))
		for _, v := range validators {
			a.validators[v] = struct{}{}
		}
		a.threshold = int(threshold)
		now := a.now()
		for digest, e := range a.entries {
			a.checkQuorum(digest, e, now)
		}
	})
}

// Submit records att for subject. Resubmitting the same (digest, validator)
// pair is a no-op.
func (a *Aggregator) Submit(ctx context.Context, att Attestation, subject Subject) error {
	digest, err := subject.Digest(a.cfg.DomainID)
	if err != nil {
		metrics.RecordAttestation("invalid_subject")
		return err
	}
	if digest != att.Digest {
		metrics.RecordAttestation("digest_mismatch")
		return fmt.Errorf("%w: subject %s", ErrDigestMismatch, subject)
	}
	if !identity.Verify(att.Digest, att.Signature, att.Validator) {
		metrics.RecordAttestation("signature_invalid")
		return fmt.Errorf("%w: validator %s", ErrSignatureInvalid, att.Validator.Hex())
	}

	var result error
	if err := a.do(ctx, func() { result = a.submit(att, subject, a.now()) }); err != nil {
		return err
	}
	if result != nil {
		metrics.RecordAttestation("unknown_validator")
		return result
	}
	metrics.RecordAttestation("accepted")
	return nil
}

// QuorumReached reports whether digest has reached the threshold. A digest
// already completed counts as reached.
func (a *Aggregator) QuorumReached(ctx context.Context, digest common.Hash) (bool, error) {
	var reached bool
	err := a.do(ctx, func() {
		if _, ok := a.completed[digest]; ok {
			reached = true
			return
		}
		if e, ok := a.entries[digest]; ok {
			reached = a.threshold > 0 && a.count(e) >= a.threshold
		}
	})
	return reached, err
}

// Complete drops digest after a successful relay. Later attestations for it
// are ignored until the retention window passes.
func (a *Aggregator) Complete(ctx context.Context, digest common.Hash) error {
	return a.do(ctx, func() {
		delete(a.entries, digest)
		a.completed[digest] = a.now()
		metrics.SetPendingDigests(len(a.entries))
	})
}

// Pending returns the number of digests being tracked.
func (a *Aggregator) Pending(ctx context.Context) (int, error) {
	var n int
	err := a.do(ctx, func() { n = len(a.entries) })
	return n, err
}

func (a *Aggregator) submit(att Attestation, subject Subject, now time.Time) error {
	if _, ok := a.validators[att.Validator]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownValidator, att.Validator.Hex())
	}
	if _, ok := a.completed[att.Digest]; ok {
		return nil
	}

	e, ok := a.entries[att.Digest]
	if !ok {
		e = &entry{
			subject:   subject,
			sigs:      make(map[common.Address][]byte),
			firstSeen: now,
		}
		a.entries[att.Digest] = e
		metrics.SetPendingDigests(len(a.entries))
	}
	if _, dup := e.sigs[att.Validator]; dup {
		return nil
	}
	e.sigs[att.Validator] = append([]byte(nil), att.Signature...)
	e.order = append(e.order, att.Validator)

	a.logger.Debug("attestation recorded",
		zap.String("digest", att.Digest.Hex()),
		zap.String("validator", att.Validator.Hex()),
		zap.Int("signatures", len(e.order)),
	)
	a.checkQuorum(att.Digest, e, now)
	return nil
}

// count returns the number of signatures from currently registered validators.
func (a *Aggregator) count(e *entry) int {
	n := 0
	for _, v := range e.order {
		if _, ok := a.validators[v]; ok {
			n++
		}
	}
	return n
}

func (a *Aggregator) checkQuorum(digest common.Hash, e *entry, now time.Time) {
	if !e.emittedAt.IsZero() || a.threshold <= 0 || a.count(e) < a.threshold {
		return
	}
	a.emit(digest, e, now)
	metrics.RecordQuorum()
	a.logger.Info("quorum reached",
		zap.String("digest", digest.Hex()),
		zap.Stringer("subject", e.subject),
		zap.Int("signatures", a.count(e)),
	)
}

func (a *Aggregator) emit(digest common.Hash, e *entry, now time.Time) {
	q := Quorum{Digest: digest, Subject: e.subject}
	for _, v := range e.order {
		if _, ok := a.validators[v]; !ok {
			continue
		}
		q.Signers = append(q.Signers, v)
		q.Signatures = append(q.Signatures, e.sigs[v])
	}
	a.outbox = append(a.outbox, q)
	e.emittedAt = now
}

func (a *Aggregator) reemit(now time.Time) {
	if a.cfg.Reemit <= 0 {
		return
	}
	for digest, e := range a.entries {
		if e.emittedAt.IsZero() || now.Sub(e.emittedAt) < a.cfg.Reemit {
			continue
		}
		if a.count(e) < a.threshold {
			continue
		}
		a.logger.Info("re-emitting uncompleted quorum", zap.String("digest", digest.Hex()))
		a.emit(digest, e, now)
	}
}

func (a *Aggregator) evict(now time.Time) {
	n := 0
	for digest, e := range a.entries {
		if now.Sub(e.firstSeen) > a.cfg.Retention {
			delete(a.entries, digest)
			n++
		}
	}
	for digest, at := range a.completed {
		if now.Sub(at) > a.cfg.Retention {
			delete(a.completed, digest)
		}
	}
	if n > 0 {
		a.logger.Warn("evicted digests without completion", zap.Int("count", n))
	}
	metrics.SetPendingDigests(len(a.entries))
}
