// Package health probes peer validators and reports which are reachable.
package health

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Status values reported per peer.
const (
	StatusUnknown  = "unknown"
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
)

// Config holds health check configuration.
type Config struct {
	CheckInterval time.Duration
	ProbeTimeout  time.Duration
	FailThreshold int
}

// MetricsRecordFunc is an optional callback for recording probe results.
type MetricsRecordFunc func(success bool)

// PeerStatus is the last known state of one peer.
type PeerStatus struct {
	Status     string    `json:"status"`
	FailCount  int       `json:"fail_count"`
	LastSeenAt time.Time `json:"last_seen_at,omitempty"`
}

// HealthChecker runs periodic /healthz probes against peer validators.
type HealthChecker struct {
	peers      []string
	httpClient *http.Client
	statuses   map[string]*PeerStatus
	mu         sync.Mutex
	cfg        Config
	onMetrics  MetricsRecordFunc
	logger     *zap.Logger
}

// New creates a new HealthChecker for the given peer base URLs.
func New(peers []string, cfg Config, logger *zap.Logger) *HealthChecker {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 30 * time.Second
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.FailThreshold == 0 {
		cfg.FailThreshold = 3
	}

	statuses := make(map[string]*PeerStatus, len(peers))
	for _, p := range peers {
		statuses[p] = &PeerStatus{Status: StatusUnknown}
	}
	return &HealthChecker{
		peers:      peers,
		httpClient: &http.Client{Timeout: cfg.ProbeTimeout},
		statuses:   statuses,
		cfg:        cfg,
		logger:     logger,
	}
}

// SetMetricsRecord configures the metrics recording callback.
func (h *HealthChecker) SetMetricsRecord(fn MetricsRecordFunc) {
	h.onMetrics = fn
}

// Run probes every CheckInterval until ctx is cancelled.
func (h *HealthChecker) Run(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			probeCtx, cancel := context.WithTimeout(ctx, h.cfg.CheckInterval)
			h.CheckAll(probeCtx)
			cancel()
		case <-ctx.Done():
			return
		}
	}
}

// Statuses returns a snapshot of every peer's status.
func (h *HealthChecker) Statuses() map[string]PeerStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]PeerStatus, len(h.statuses))
	for p, s := range h.statuses {
		out[p] = *s
	}
	return out
}

// CheckAll probes all peers with bounded concurrency.
func (h *HealthChecker) CheckAll(ctx context.Context) {
	sem := make(chan struct{}, 10)
	var wg sync.WaitGroup

	for _, p := range h.peers {
		wg.Add(1)
		go func(peer string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			success := h.probe(ctx, peer)

			if h.onMetrics != nil {
				h.onMetrics(success)
			}

			h.mu.Lock()
			st := h.statuses[peer]
			prevCount := st.FailCount
			if success {
				st.FailCount = 0
				st.Status = StatusHealthy
				st.LastSeenAt = time.Now().UTC()
			} else {
				st.FailCount++
				if st.FailCount >= h.cfg.FailThreshold {
					st.Status = StatusDegraded
				}
			}
			count := st.FailCount
			h.mu.Unlock()

			if success && prevCount >= h.cfg.FailThreshold {
				h.logger.Info("health: peer recovered", zap.String("peer", peer))
			} else if count == h.cfg.FailThreshold {
				// Transition: healthy → degraded (exactly at threshold)
				h.logger.Warn("health: peer degraded",
					zap.String("peer", peer),
					zap.Int("fail_count", count),
				)
			}
		}(p)
	}

	wg.Wait()
}

// probe GETs the peer's /healthz, returning true on any 2xx response.
func (h *HealthChecker) probe(ctx context.Context, peer string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(peer, "/")+"/healthz", nil)
	if err != nil {
		return false
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
