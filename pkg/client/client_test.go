package client_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/ledgerbridge/internal/bridge"
	"github.com/jmerrifield20/ledgerbridge/internal/bridge/handler"
	"github.com/jmerrifield20/ledgerbridge/internal/identity"
	"github.com/jmerrifield20/ledgerbridge/pkg/client"
	"go.uber.org/zap"
)

var ctx = context.Background()

const remoteChainID = 56

var token = common.HexToAddress("0x00000000000000000000000000000000000000aa")

// ── Stub server ─────────────────────────────────────────────────────────

// ledgerServer runs the real ledgerd routes over an in-memory store.
func ledgerServer(t *testing.T) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	b := bridge.New(bridge.NewMemoryStore(), zap.NewNop())
	bh := handler.NewBridgeHandler(b, handler.NewAuthenticator(0, zap.NewNop()), zap.NewNop())
	bh.EnableFaucet()
	v1 := r.Group("/api/v1")
	bh.Register(v1)
	handler.NewEventsHandler(b, zap.NewNop()).Register(v1)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func newSigner(t *testing.T) *identity.Signer {
	t.Helper()
	s, err := identity.GenerateSigner()
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func signedMint(t *testing.T, src common.Hash, recipient common.Address, amount uint64, signers ...*identity.Signer) bridge.MintRequest {
	t.Helper()
	digest := identity.MintDigest(remoteChainID, src, token, recipient, amount)
	req := bridge.MintRequest{Amount: amount, SourceTxHash: src, Token: token, Recipient: recipient}
	for _, s := range signers {
		sig, err := s.Sign(digest)
		if err != nil {
			t.Fatal(err)
		}
		req.Signatures = append(req.Signatures, sig)
	}
	return req
}

// ── Tests ───────────────────────────────────────────────────────────────

func TestNew_invalidBase(t *testing.T) {
	if _, err := client.New("::not a url"); err == nil {
		t.Error("expected error for invalid base url")
	}
}

func TestSend_requiresSigner(t *testing.T) {
	srv := ledgerServer(t)
	c := client.MustNew(srv.URL)
	if _, err := c.Initialize(ctx, 1, 1); !errors.Is(err, client.ErrNoSigner) {
		t.Fatalf("got %v, want ErrNoSigner", err)
	}
}

func TestAdministration_roundTrip(t *testing.T) {
	srv := ledgerServer(t)
	authority := newSigner(t)
	c := client.MustNew(srv.URL, client.WithSigner(authority))

	if _, err := c.State(ctx); !errors.Is(err, bridge.ErrNotInitialized) {
		t.Fatalf("state before init: got %v, want ErrNotInitialized", err)
	}

	st, err := c.Initialize(ctx, remoteChainID, 2)
	if err != nil {
		t.Fatal(err)
	}
	if st.Authority != authority.Address() {
		t.Errorf("authority: got %s, want %s", st.Authority, authority.Address())
	}

	v := newSigner(t)
	if _, err := c.AddValidator(ctx, v.Address()); err != nil {
		t.Fatal(err)
	}
	if _, err := c.AddValidator(ctx, v.Address()); !errors.Is(err, bridge.ErrValidatorExists) {
		t.Fatalf("duplicate add: got %v, want ErrValidatorExists", err)
	}
	ok, err := c.IsValidator(ctx, v.Address())
	if err != nil || !ok {
		t.Fatalf("IsValidator: %v, %v", ok, err)
	}

	st, err = c.RemoveValidator(ctx, v.Address())
	if err != nil {
		t.Fatal(err)
	}
	if st.Validators.Len() != 0 {
		t.Errorf("validators after remove: %d", st.Validators.Len())
	}
	if ok, _ := c.IsValidator(ctx, v.Address()); ok {
		t.Error("removed validator still reported as registered")
	}

	st, err = c.SetThreshold(ctx, 3)
	if err != nil || st.ValidatorThreshold != 3 {
		t.Fatalf("SetThreshold: %+v, %v", st, err)
	}

	stranger := client.MustNew(srv.URL, client.WithSigner(newSigner(t)))
	if _, err := stranger.SetActive(ctx, false); !errors.Is(err, bridge.ErrUnauthorized) {
		t.Fatalf("stranger SetActive: got %v, want ErrUnauthorized", err)
	}
}

func TestMintAndBurn_endToEnd(t *testing.T) {
	srv := ledgerServer(t)
	authority := newSigner(t)
	admin := client.MustNew(srv.URL, client.WithSigner(authority))
	if _, err := admin.Initialize(ctx, remoteChainID, 2); err != nil {
		t.Fatal(err)
	}
	v1, v2 := newSigner(t), newSigner(t)
	for _, v := range []*identity.Signer{v1, v2} {
		if _, err := admin.AddValidator(ctx, v.Address()); err != nil {
			t.Fatal(err)
		}
	}

	holder := newSigner(t)
	src := common.HexToHash("0xabc1")
	ev, err := admin.Mint(ctx, signedMint(t, src, holder.Address(), 100, v1, v2))
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if ev.Amount != 100 || ev.SourceTxHash != src {
		t.Errorf("unexpected mint event: %+v", ev)
	}

	_, err = admin.Mint(ctx, signedMint(t, src, holder.Address(), 100, v1, v2))
	if !errors.Is(err, bridge.ErrAlreadyProcessed) {
		t.Fatalf("replayed mint: got %v, want ErrAlreadyProcessed", err)
	}
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusConflict {
		t.Errorf("expected 409 APIError, got %v", err)
	}

	rec, err := admin.Processed(ctx, src)
	if err != nil || rec == nil || !rec.Processed {
		t.Fatalf("Processed: %+v, %v", rec, err)
	}
	if rec, err := admin.Processed(ctx, common.HexToHash("0xdead")); err != nil || rec != nil {
		t.Fatalf("Processed(unknown): %+v, %v", rec, err)
	}

	user := client.MustNew(srv.URL, client.WithSigner(holder))
	burn, err := user.Burn(ctx, token, 30, common.HexToAddress("0xfeed"))
	if err != nil {
		t.Fatalf("burn: %v", err)
	}
	if burn.Nonce != 1 || burn.User != holder.Address() {
		t.Errorf("unexpected burn event: %+v", burn)
	}

	bal, err := user.Balance(ctx, token, holder.Address())
	if err != nil || bal != 70 {
		t.Fatalf("balance: %d, %v", bal, err)
	}

	head, err := user.Head(ctx)
	if err != nil || head != 2 {
		t.Fatalf("head: %d, %v", head, err)
	}
	entries, err := user.Events(ctx, 0, head)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || entries[0].Kind != bridge.KindMintExecuted || entries[1].Kind != bridge.KindBurnExecuted {
		t.Fatalf("unexpected entries: %+v", entries)
	}
	if err := user.VerifyEvents(ctx); err != nil {
		t.Errorf("VerifyEvents: %v", err)
	}
}

func TestMint_insufficientSignatures(t *testing.T) {
	srv := ledgerServer(t)
	admin := client.MustNew(srv.URL, client.WithSigner(newSigner(t)))
	if _, err := admin.Initialize(ctx, remoteChainID, 2); err != nil {
		t.Fatal(err)
	}
	v := newSigner(t)
	_, _ = admin.AddValidator(ctx, v.Address())

	_, err := admin.Mint(ctx, signedMint(t, common.HexToHash("0x1"), common.HexToAddress("0xbb"), 5, v))
	if !errors.Is(err, bridge.ErrInsufficientSignatures) {
		t.Fatalf("got %v, want ErrInsufficientSignatures", err)
	}
}

func TestEvents_emptyRange(t *testing.T) {
	srv := ledgerServer(t)
	c := client.MustNew(srv.URL)
	entries, err := c.Events(ctx, 0, 0)
	if err != nil || len(entries) != 0 {
		t.Fatalf("got %v, %v", entries, err)
	}
}

func TestDo_plainTextError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := client.MustNew(srv.URL).Head(ctx)
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusBadGateway || apiErr.Message != "upstream down" {
		t.Errorf("unexpected APIError: %+v", apiErr)
	}
}
