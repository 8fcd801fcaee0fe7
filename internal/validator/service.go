// Package validator runs one bridge validator: it signs every event its
// watchers hand off, shares the attestation with its peers and keeps the
// aggregator's registry in step with Ledger B.
package validator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jmerrifield20/ledgerbridge/internal/attest"
	"github.com/jmerrifield20/ledgerbridge/internal/bridge"
	"github.com/jmerrifield20/ledgerbridge/internal/identity"
	"github.com/jmerrifield20/ledgerbridge/internal/peer"
	"github.com/jmerrifield20/ledgerbridge/internal/watcher"
	"go.uber.org/zap"
)

// Registry reads the bridge state from Ledger B. *client.Client satisfies it.
type Registry interface {
	State(ctx context.Context) (*bridge.State, error)
}

// Broadcaster shares attestations with peers.
type Broadcaster interface {
	Broadcast(ctx context.Context, msg peer.Message) int
}

// Aggregator is the subset of *attest.Aggregator the service drives.
type Aggregator interface {
	Submit(ctx context.Context, att attest.Attestation, subject attest.Subject) error
	SetRegistry(ctx context.Context, validators []common.Address, threshold uint8) error
}

// Service turns watcher events into attestations.
type Service struct {
	signer      *identity.Signer
	domainID    uint64
	registry    Registry
	agg         Aggregator
	broadcaster Broadcaster
	logger      *zap.Logger
}

// New creates a Service. domainID is the remote chain id read from the
// Ledger B state at startup.
func New(signer *identity.Signer, domainID uint64, registry Registry, agg Aggregator, broadcaster Broadcaster, logger *zap.Logger) *Service {
	return &Service{
		signer:      signer,
		domainID:    domainID,
		registry:    registry,
		agg:         agg,
		broadcaster: broadcaster,
		logger:      logger.With(zap.String("validator", signer.Address().Hex())),
	}
}

// WaitForState polls registry until the bridge is initialized or ctx ends.
func WaitForState(ctx context.Context, registry Registry, interval time.Duration, logger *zap.Logger) (*bridge.State, error) {
	for {
		st, err := registry.State(ctx)
		if err == nil {
			return st, nil
		}
		logger.Warn("waiting for bridge state", zap.Error(err))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}
}

// HandleEvent is the watcher.Handler for both chains. It returns an error
// only when the event must be handed off again.
func (s *Service) HandleEvent(ctx context.Context, ev watcher.Event) error {
	subject := attest.Subject{Lock: ev.Lock, Burn: ev.Burn}
	att, err := attest.Sign(s.signer, subject, s.domainID)
	if err != nil {
		return fmt.Errorf("sign %s: %w", subject, err)
	}

	err = s.agg.Submit(ctx, att, subject)
	switch {
	case errors.Is(err, attest.ErrUnknownValidator):
		// Not currently registered; peers would reject the attestation too.
		s.logger.Warn("not in validator registry, event not attested",
			zap.Stringer("subject", subject),
			zap.Uint64("height", ev.Height),
		)
		return nil
	case err != nil:
		return fmt.Errorf("submit attestation for %s: %w", subject, err)
	}

	// Peers that miss the message are retried by the broadcaster, so the
	// cursor may advance regardless of n.
	n := s.broadcaster.Broadcast(ctx, peer.Message{Subject: subject, Attestation: att})
	s.logger.Info("event attested",
		zap.Stringer("subject", subject),
		zap.String("digest", att.Digest.Hex()),
		zap.Uint64("height", ev.Height),
		zap.Int("peers_reached", n),
	)
	return nil
}

// RefreshRegistry copies the Ledger B validator set and threshold into the
// aggregator.
func (s *Service) RefreshRegistry(ctx context.Context) error {
	st, err := s.registry.State(ctx)
	if err != nil {
		return fmt.Errorf("read bridge state: %w", err)
	}
	if st.RemoteChainID != s.domainID {
		s.logger.Warn("remote chain id changed; restart to re-key digests",
			zap.Uint64("configured", s.domainID),
			zap.Uint64("ledger", st.RemoteChainID),
		)
	}
	var members []common.Address
	if st.Validators != nil {
		members = st.Validators.List()
	}
	if err := s.agg.SetRegistry(ctx, members, st.ValidatorThreshold); err != nil {
		return fmt.Errorf("set registry: %w", err)
	}
	s.logger.Debug("registry refreshed",
		zap.Int("validators", len(members)),
		zap.Uint8("threshold", st.ValidatorThreshold),
	)
	return nil
}

// RunRegistryRefresh refreshes the registry immediately and then every
// interval until ctx is cancelled.
func (s *Service) RunRegistryRefresh(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := s.RefreshRegistry(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn("registry refresh failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
