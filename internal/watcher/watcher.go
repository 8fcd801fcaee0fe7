package watcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmerrifield20/ledgerbridge/internal/metrics"
	"go.uber.org/zap"
)

// Config tunes a Watcher.
type Config struct {
	// Chain names the watched chain; it keys the cursor and labels logs.
	Chain        string
	PollInterval time.Duration
	// MaxRange caps the heights scanned per tick. Zero means unbounded.
	MaxRange uint64
	// Confirmations is subtracted from the latest height before scanning.
	Confirmations uint64
	// StartHeight is the cursor used when none has been stored.
	StartHeight uint64
}

// Watcher polls a Source and advances its cursor only after every event in
// the scanned range was handed off.
type Watcher struct {
	cfg     Config
	source  Source
	handler Handler
	cursors CursorStore
	logger  *zap.Logger
}

// New creates a Watcher.
func New(cfg Config, source Source, handler Handler, cursors CursorStore, logger *zap.Logger) *Watcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	return &Watcher{
		cfg:     cfg,
		source:  source,
		handler: handler,
		cursors: cursors,
		logger:  logger.With(zap.String("chain", cfg.Chain)),
	}
}

// Run ticks every PollInterval until ctx is cancelled. Tick errors are
// logged and retried on the next tick.
func (w *Watcher) Run(ctx context.Context) {
	w.logger.Info("watcher started", zap.Duration("interval", w.cfg.PollInterval))
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := w.Tick(ctx); err != nil && !errors.Is(err, context.Canceled) {
			metrics.RecordWatcherError(w.cfg.Chain)
			w.logger.Warn("watcher tick failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			w.logger.Info("watcher stopped")
			return
		case <-ticker.C:
		}
	}
}

// Cursor returns the stored cursor, or StartHeight if none is stored.
func (w *Watcher) Cursor(ctx context.Context) (uint64, error) {
	h, ok, err := w.cursors.Load(ctx, w.cfg.Chain)
	if err != nil {
		return 0, err
	}
	if !ok {
		return w.cfg.StartHeight, nil
	}
	return h, nil
}

// Tick performs one poll. On any error the cursor is left unchanged.
func (w *Watcher) Tick(ctx context.Context) error {
	cursor, err := w.Cursor(ctx)
	if err != nil {
		return err
	}

	latest, err := w.source.LatestHeight(ctx)
	if err != nil {
		return fmt.Errorf("latest height: %w", err)
	}
	if latest < w.cfg.Confirmations {
		return nil
	}
	head := latest - w.cfg.Confirmations
	if head <= cursor {
		return nil
	}

	to := head
	if w.cfg.MaxRange > 0 && to-cursor > w.cfg.MaxRange {
		to = cursor + w.cfg.MaxRange
	}

	batch, err := w.source.EventsInRange(ctx, cursor, to)
	if err != nil {
		return fmt.Errorf("events in (%d, %d]: %w", cursor, to, err)
	}

	for _, s := range batch.Skipped {
		metrics.RecordWatcherEvent(w.cfg.Chain, "skipped")
		w.logger.Warn("skipping malformed event",
			zap.Uint64("height", s.Height),
			zap.String("ref", s.Ref),
			zap.Error(s.Err),
		)
	}

	for _, ev := range batch.Events {
		if err := w.handler(ctx, ev); err != nil {
			return fmt.Errorf("handle event at height %d: %w", ev.Height, err)
		}
		metrics.RecordWatcherEvent(w.cfg.Chain, "handled")
	}

	if err := w.cursors.Save(ctx, w.cfg.Chain, to); err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}
	metrics.SetWatcherHeight(w.cfg.Chain, to)
	w.logger.Debug("cursor advanced",
		zap.Uint64("from", cursor),
		zap.Uint64("to", to),
		zap.Int("events", len(batch.Events)),
		zap.Int("skipped", len(batch.Skipped)),
	)
	return nil
}
