package peer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// DefaultRedeliveryRetention bounds how long an undelivered attestation is
// retried.
const DefaultRedeliveryRetention = time.Hour

// errPermanent marks a peer response that no retry can change.
var errPermanent = errors.New("peer rejected attestation permanently")

// undelivered is one (peer, attestation) pair that has not been accepted yet.
type undelivered struct {
	peer     string
	digest   common.Hash
	body     []byte
	failedAt time.Time
	attempts int
}

// Broadcaster posts this validator's attestations to its peers. Deliveries
// that fail are kept and retried by Redeliver until the peer accepts them or
// the retention window passes.
type Broadcaster struct {
	peers     []string
	http      *http.Client
	retention time.Duration
	now       func() time.Time
	logger    *zap.Logger

	mu      sync.Mutex
	pending map[string]*undelivered
}

// NewBroadcaster creates a Broadcaster for the given peer base URLs.
func NewBroadcaster(peers []string, timeout time.Duration, logger *zap.Logger) *Broadcaster {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	trimmed := make([]string, 0, len(peers))
	for _, p := range peers {
		if p = strings.TrimRight(strings.TrimSpace(p), "/"); p != "" {
			trimmed = append(trimmed, p)
		}
	}
	return &Broadcaster{
		peers:     trimmed,
		http:      &http.Client{Timeout: timeout},
		retention: DefaultRedeliveryRetention,
		now:       time.Now,
		logger:    logger,
		pending:   make(map[string]*undelivered),
	}
}

// SetRetention sets how long undelivered attestations are retried.
func (b *Broadcaster) SetRetention(d time.Duration) {
	if d > 0 {
		b.retention = d
	}
}

// Peers returns the configured peer base URLs.
func (b *Broadcaster) Peers() []string {
	return b.peers
}

// Broadcast sends msg to every peer concurrently and returns how many
// accepted it. Failed deliveries are queued for Redeliver.
func (b *Broadcaster) Broadcast(ctx context.Context, msg Message) int {
	body, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error("peer: marshal attestation", zap.Error(err))
		return 0
	}

	now := b.now()
	items := make([]*undelivered, 0, len(b.peers))
	for _, p := range b.peers {
		items = append(items, &undelivered{peer: p, digest: msg.Attestation.Digest, body: body, failedAt: now})
	}
	return b.deliver(ctx, items)
}

// Redeliver retries every queued delivery once and returns how many peers
// accepted. Entries older than the retention window are dropped.
func (b *Broadcaster) Redeliver(ctx context.Context) int {
	now := b.now()
	b.mu.Lock()
	items := make([]*undelivered, 0, len(b.pending))
	for key, u := range b.pending {
		delete(b.pending, key)
		if now.Sub(u.failedAt) > b.retention {
			b.logger.Warn("peer: giving up on attestation delivery",
				zap.String("peer", u.peer),
				zap.String("digest", u.digest.Hex()),
				zap.Int("attempts", u.attempts),
			)
			continue
		}
		items = append(items, u)
	}
	b.mu.Unlock()

	if len(items) == 0 {
		return 0
	}
	return b.deliver(ctx, items)
}

// RunRedelivery calls Redeliver every interval until ctx is cancelled.
func (b *Broadcaster) RunRedelivery(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := b.Redeliver(ctx); n > 0 {
				b.logger.Info("peer: redelivered attestations", zap.Int("count", n))
			}
		}
	}
}

// Undelivered returns the number of queued deliveries.
func (b *Broadcaster) Undelivered() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *Broadcaster) deliver(ctx context.Context, items []*undelivered) int {
	var (
		mu        sync.Mutex
		delivered int
		wg        sync.WaitGroup
	)
	for _, u := range items {
		wg.Add(1)
		go func(u *undelivered) {
			defer wg.Done()
			u.attempts++
			err := b.send(ctx, u.peer, u.body)
			switch {
			case err == nil:
				mu.Lock()
				delivered++
				mu.Unlock()
			case errors.Is(err, errPermanent):
				b.logger.Warn("peer: attestation rejected",
					zap.String("peer", u.peer),
					zap.String("digest", u.digest.Hex()),
					zap.Error(err),
				)
			default:
				b.logger.Warn("peer: broadcast failed, will retry",
					zap.String("peer", u.peer),
					zap.String("digest", u.digest.Hex()),
					zap.Int("attempts", u.attempts),
					zap.Error(err),
				)
				b.mu.Lock()
				b.pending[u.peer+"|"+u.digest.Hex()] = u
				b.mu.Unlock()
			}
		}(u)
	}
	wg.Wait()
	return delivered
}

func (b *Broadcaster) send(ctx context.Context, peer string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, peer+"/api/v1/attestations", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.http.Do(req)
	if err != nil {
		return fmt.Errorf("post to %s: %w", peer, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusAccepted {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		err := fmt.Errorf("peer returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
		switch resp.StatusCode {
		// 403 is retried: the peer's registry may lag behind Ledger B.
		case http.StatusBadRequest, http.StatusUnauthorized, http.StatusUnprocessableEntity:
			return fmt.Errorf("%w: %v", errPermanent, err)
		}
		return err
	}
	return nil
}
