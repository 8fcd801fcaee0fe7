package peer_test

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/ledgerbridge/internal/attest"
	"github.com/jmerrifield20/ledgerbridge/internal/bridge"
	"github.com/jmerrifield20/ledgerbridge/internal/identity"
	"github.com/jmerrifield20/ledgerbridge/internal/peer"
	"go.uber.org/zap"
)

const domainID = 56

// ── Helpers ─────────────────────────────────────────────────────────────

func peerServer(t *testing.T, agg *attest.Aggregator) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	peer.NewHandler(agg, zap.NewNop()).Register(r.Group("/api/v1"))
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

// flakyServer fails the first failures requests with 503 and then serves
// the peer API backed by agg.
func flakyServer(t *testing.T, agg *attest.Aggregator, failures int32) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	peer.NewHandler(agg, zap.NewNop()).Register(r.Group("/api/v1"))

	var seen atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if seen.Add(1) <= failures {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		r.ServeHTTP(w, req)
	}))
	t.Cleanup(srv.Close)
	return srv
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

func subject() attest.Subject {
	return attest.Subject{Lock: &bridge.LockEvent{
		SourceTxHash: common.HexToHash("0xfeed"),
		Token:        common.HexToAddress("0xaa"),
		Amount:       42,
		Recipient:    common.HexToAddress("0xbb"),
	}}
}

// ── Tests ───────────────────────────────────────────────────────────────

func TestBroadcast_feedsRemoteAggregator(t *testing.T) {
	ctx := context.Background()
	v1, v2 := newSigner(t), newSigner(t)
	agg := runAggregator(t)
	if err := agg.SetRegistry(ctx, []common.Address{v1.Address(), v2.Address()}, 2); err != nil {
		t.Fatal(err)
	}
	srv := peerServer(t, agg)

	subj := subject()
	b := peer.NewBroadcaster([]string{srv.URL + "/", " "}, time.Second, zap.NewNop())
	if len(b.Peers()) != 1 {
		t.Fatalf("peers: got %v, want one trimmed URL", b.Peers())
	}

	for _, v := range []*identity.Signer{v1, v2} {
		att, err := attest.Sign(v, subj, domainID)
		if err != nil {
			t.Fatal(err)
		}
		if n := b.Broadcast(ctx, peer.Message{Subject: subj, Attestation: att}); n != 1 {
			t.Fatalf("delivered: got %d, want 1", n)
		}
	}

	select {
	case q := <-agg.Quorums():
		if q.Subject.Lock == nil || q.Subject.Lock.Amount != 42 || len(q.Signatures) != 2 {
			t.Errorf("unexpected quorum: %+v", q)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no quorum after two broadcasts")
	}
}

func TestReceive_statusCodes(t *testing.T) {
	ctx := context.Background()
	member, outsider := newSigner(t), newSigner(t)
	agg := runAggregator(t)
	if err := agg.SetRegistry(ctx, []common.Address{member.Address()}, 2); err != nil {
		t.Fatal(err)
	}
	srv := peerServer(t, agg)
	b := peer.NewBroadcaster([]string{srv.URL}, time.Second, zap.NewNop())

	subj := subject()
	good, _ := attest.Sign(member, subj, domainID)
	stranger, _ := attest.Sign(outsider, subj, domainID)
	forged := good
	forged.Validator = outsider.Address()

	if n := b.Broadcast(ctx, peer.Message{Subject: subj, Attestation: good}); n != 1 {
		t.Errorf("member attestation not accepted")
	}
	for name, att := range map[string]attest.Attestation{"outsider": stranger, "forged": forged} {
		if n := b.Broadcast(ctx, peer.Message{Subject: subj, Attestation: att}); n != 0 {
			t.Errorf("%s attestation accepted", name)
		}
	}

	tests := []struct {
		name string
		body string
		want int
	}{
		{"bad json", `{`, http.StatusBadRequest},
		{"empty subject", `{"subject":{},"attestation":{"digest":"0x0000000000000000000000000000000000000000000000000000000000000000","validator":"0x0000000000000000000000000000000000000000","signature":"0x"}}`, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(srv.URL+"/api/v1/attestations", "application/json", bytes.NewBufferString(tt.body))
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("status: got %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestBroadcast_unreachablePeer(t *testing.T) {
	b := peer.NewBroadcaster([]string{"http://127.0.0.1:1"}, 200*time.Millisecond, zap.NewNop())
	if n := b.Broadcast(context.Background(), peer.Message{Subject: subject()}); n != 0 {
		t.Errorf("delivered: got %d, want 0", n)
	}
}

func TestRedeliver_bringsPeerToQuorum(t *testing.T) {
	ctx := context.Background()
	v1, v2 := newSigner(t), newSigner(t)
	subj := subject()

	// v2's node holds its own attestation and waits for v1's.
	agg2 := runAggregator(t)
	if err := agg2.SetRegistry(ctx, []common.Address{v1.Address(), v2.Address()}, 2); err != nil {
		t.Fatal(err)
	}
	own, _ := attest.Sign(v2, subj, domainID)
	if err := agg2.Submit(ctx, own, subj); err != nil {
		t.Fatal(err)
	}
	srv := flakyServer(t, agg2, 1)

	b := peer.NewBroadcaster([]string{srv.URL}, time.Second, zap.NewNop())
	att, _ := attest.Sign(v1, subj, domainID)
	if n := b.Broadcast(ctx, peer.Message{Subject: subj, Attestation: att}); n != 0 {
		t.Fatalf("delivered: got %d, want 0 while the peer is down", n)
	}
	if got := b.Undelivered(); got != 1 {
		t.Fatalf("undelivered: got %d, want 1", got)
	}
	if reached, _ := agg2.QuorumReached(ctx, att.Digest); reached {
		t.Fatal("quorum reached before redelivery")
	}

	if n := b.Redeliver(ctx); n != 1 {
		t.Fatalf("redelivered: got %d, want 1", n)
	}
	if got := b.Undelivered(); got != 0 {
		t.Errorf("undelivered after success: got %d, want 0", got)
	}
	select {
	case q := <-agg2.Quorums():
		if q.Digest != att.Digest || len(q.Signers) != 2 {
			t.Errorf("unexpected quorum: %+v", q)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("peer did not reach quorum after redelivery")
	}
}

func TestRunRedelivery_retriesUntilAccepted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	v1 := newSigner(t)
	agg := runAggregator(t)
	if err := agg.SetRegistry(ctx, []common.Address{v1.Address()}, 1); err != nil {
		t.Fatal(err)
	}
	srv := flakyServer(t, agg, 3)

	b := peer.NewBroadcaster([]string{srv.URL}, time.Second, zap.NewNop())
	subj := subject()
	att, _ := attest.Sign(v1, subj, domainID)
	b.Broadcast(ctx, peer.Message{Subject: subj, Attestation: att})
	go b.RunRedelivery(ctx, 10*time.Millisecond)

	select {
	case <-agg.Quorums():
	case <-time.After(2 * time.Second):
		t.Fatal("attestation never delivered")
	}
}

func TestRedeliver_dropsExpiredAndPermanentFailures(t *testing.T) {
	ctx := context.Background()
	member, outsider := newSigner(t), newSigner(t)
	agg := runAggregator(t)
	if err := agg.SetRegistry(ctx, []common.Address{member.Address()}, 2); err != nil {
		t.Fatal(err)
	}
	srv := peerServer(t, agg)
	subj := subject()

	// A forged signature is answered with 401 and never retried.
	b := peer.NewBroadcaster([]string{srv.URL}, time.Second, zap.NewNop())
	forged, _ := attest.Sign(member, subj, domainID)
	forged.Validator = outsider.Address()
	b.Broadcast(ctx, peer.Message{Subject: subj, Attestation: forged})
	if got := b.Undelivered(); got != 0 {
		t.Errorf("undelivered after 401: got %d, want 0", got)
	}

	down := peer.NewBroadcaster([]string{"http://127.0.0.1:1"}, 200*time.Millisecond, zap.NewNop())
	down.SetRetention(time.Millisecond)
	att, _ := attest.Sign(member, subj, domainID)
	down.Broadcast(ctx, peer.Message{Subject: subj, Attestation: att})
	if got := down.Undelivered(); got != 1 {
		t.Fatalf("undelivered: got %d, want 1", got)
	}
	time.Sleep(5 * time.Millisecond)
	if n := down.Redeliver(ctx); n != 0 {
		t.Errorf("redelivered: got %d, want 0", n)
	}
	if got := down.Undelivered(); got != 0 {
		t.Errorf("expired delivery still queued: %d", got)
	}
}
