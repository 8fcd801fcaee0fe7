package validator_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/ledgerbridge/internal/attest"
	"github.com/jmerrifield20/ledgerbridge/internal/bridge"
	"github.com/jmerrifield20/ledgerbridge/internal/identity"
	"github.com/jmerrifield20/ledgerbridge/internal/peer"
	"github.com/jmerrifield20/ledgerbridge/internal/validator"
	"github.com/jmerrifield20/ledgerbridge/internal/watcher"
	"go.uber.org/zap"
)

const domainID = 56

// ── Stubs ───────────────────────────────────────────────────────────────

type stubRegistry struct {
	mu    sync.Mutex
	state *bridge.State
	err   error
	calls int
}

func (s *stubRegistry) State(context.Context) (*bridge.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.state, nil
}

type stubBroadcaster struct {
	mu   sync.Mutex
	sent []peer.Message
}

func (b *stubBroadcaster) Broadcast(_ context.Context, msg peer.Message) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, msg)
	return 1
}

func stateWith(threshold uint8, ids ...common.Address) *bridge.State {
	set := bridge.NewValidatorSet(bridge.MaxValidators)
	for _, id := range ids {
		_ = set.Add(id)
	}
	return &bridge.State{RemoteChainID: domainID, ValidatorThreshold: threshold, Active: true, Validators: set}
}

func runAggregator(t *testing.T) *attest.Aggregator {
	t.Helper()
	agg := attest.New(attest.Config{DomainID: domainID}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		agg.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return agg
}

func newSigner(t *testing.T) *identity.Signer {
	t.Helper()
	s, err := identity.GenerateSigner()
	if err != nil {
		t.Fatal(err)
	}
	return s
}

// ── Tests ───────────────────────────────────────────────────────────────

func TestHandleEvent_attestsAndBroadcasts(t *testing.T) {
	ctx := context.Background()
	me := newSigner(t)
	reg := &stubRegistry{state: stateWith(1, me.Address())}
	agg := runAggregator(t)
	bc := &stubBroadcaster{}
	svc := validator.New(me, domainID, reg, agg, bc, zap.NewNop())

	if err := svc.RefreshRegistry(ctx); err != nil {
		t.Fatal(err)
	}

	lock := &bridge.LockEvent{
		SourceTxHash: common.HexToHash("0x77"),
		Token:        common.HexToAddress("0xaa"),
		Amount:       100,
		Recipient:    common.HexToAddress("0xbb"),
	}
	if err := svc.HandleEvent(ctx, watcher.Event{Height: 103, Lock: lock}); err != nil {
		t.Fatal(err)
	}

	if len(bc.sent) != 1 {
		t.Fatalf("broadcasts: got %d, want 1", len(bc.sent))
	}
	msg := bc.sent[0]
	if msg.Attestation.Validator != me.Address() || msg.Subject.Lock != lock {
		t.Errorf("unexpected broadcast: %+v", msg)
	}
	want := identity.MintDigest(domainID, lock.SourceTxHash, lock.Token, lock.Recipient, lock.Amount)
	if msg.Attestation.Digest != want {
		t.Errorf("digest: got %s, want %s", msg.Attestation.Digest, want)
	}

	select {
	case q := <-agg.Quorums():
		if q.Digest != want {
			t.Errorf("quorum digest: got %s", q.Digest)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("threshold 1 should reach quorum on own attestation")
	}
}

func TestHandleEvent_unregisteredSkips(t *testing.T) {
	ctx := context.Background()
	me := newSigner(t)
	reg := &stubRegistry{state: stateWith(1, newSigner(t).Address())}
	agg := runAggregator(t)
	bc := &stubBroadcaster{}
	svc := validator.New(me, domainID, reg, agg, bc, zap.NewNop())
	if err := svc.RefreshRegistry(ctx); err != nil {
		t.Fatal(err)
	}

	burn := &bridge.BurnExecuted{Nonce: 1, Amount: 5, RemoteRecipient: common.HexToAddress("0xcc")}
	if err := svc.HandleEvent(ctx, watcher.Event{Height: 2, Burn: burn}); err != nil {
		t.Fatalf("unregistered validator must not block the cursor: %v", err)
	}
	if len(bc.sent) != 0 {
		t.Errorf("broadcasts: got %d, want 0", len(bc.sent))
	}
}

func TestHandleEvent_stoppedAggregatorRetries(t *testing.T) {
	me := newSigner(t)
	agg := attest.New(attest.Config{DomainID: domainID}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		agg.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	svc := validator.New(me, domainID, &stubRegistry{}, agg, &stubBroadcaster{}, zap.NewNop())
	err := svc.HandleEvent(context.Background(), watcher.Event{Lock: &bridge.LockEvent{Amount: 1}})
	if !errors.Is(err, attest.ErrStopped) {
		t.Fatalf("got %v, want ErrStopped", err)
	}
}

func TestWaitForState(t *testing.T) {
	reg := &stubRegistry{err: bridge.ErrNotInitialized}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := validator.WaitForState(ctx, reg, 5*time.Millisecond, zap.NewNop()); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v, want DeadlineExceeded", err)
	}
	if reg.calls < 2 {
		t.Errorf("polls: got %d, want at least 2", reg.calls)
	}

	reg = &stubRegistry{state: stateWith(2)}
	st, err := validator.WaitForState(context.Background(), reg, time.Millisecond, zap.NewNop())
	if err != nil || st.ValidatorThreshold != 2 {
		t.Fatalf("got %+v, %v", st, err)
	}
}

// downOnceServer serves agg's peer API but answers the first request with 503.
func downOnceServer(t *testing.T, agg *attest.Aggregator) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	peer.NewHandler(agg, zap.NewNop()).Register(r.Group("/api/v1"))
	var first atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if first.CompareAndSwap(false, true) {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		r.ServeHTTP(w, req)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHandleEvent_failedGossipIsRedelivered(t *testing.T) {
	ctx := context.Background()
	s1, s2 := newSigner(t), newSigner(t)
	reg := &stubRegistry{state: stateWith(2, s1.Address(), s2.Address())}

	agg1, agg2 := runAggregator(t), runAggregator(t)
	srv1, srv2 := downOnceServer(t, agg1), downOnceServer(t, agg2)
	b1 := peer.NewBroadcaster([]string{srv2.URL}, time.Second, zap.NewNop())
	b2 := peer.NewBroadcaster([]string{srv1.URL}, time.Second, zap.NewNop())
	node1 := validator.New(s1, domainID, reg, agg1, b1, zap.NewNop())
	node2 := validator.New(s2, domainID, reg, agg2, b2, zap.NewNop())

	lock := &bridge.LockEvent{
		SourceTxHash: common.HexToHash("0x99"),
		Token:        common.HexToAddress("0xaa"),
		Amount:       7,
		Recipient:    common.HexToAddress("0xbb"),
	}
	for _, node := range []*validator.Service{node1, node2} {
		if err := node.RefreshRegistry(ctx); err != nil {
			t.Fatal(err)
		}
		if err := node.HandleEvent(ctx, watcher.Event{Height: 9, Lock: lock}); err != nil {
			t.Fatal(err)
		}
	}
	if b1.Undelivered() != 1 || b2.Undelivered() != 1 {
		t.Fatalf("undelivered: got %d and %d, want 1 each", b1.Undelivered(), b2.Undelivered())
	}

	b1.Redeliver(ctx)
	b2.Redeliver(ctx)

	for name, agg := range map[string]*attest.Aggregator{"node1": agg1, "node2": agg2} {
		select {
		case q := <-agg.Quorums():
			if len(q.Signers) != 2 {
				t.Errorf("%s: signers: got %d, want 2", name, len(q.Signers))
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("%s: no quorum after redelivery", name)
		}
	}
}
