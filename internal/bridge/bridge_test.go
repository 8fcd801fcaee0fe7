package bridge_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jmerrifield20/ledgerbridge/internal/bridge"
	"github.com/jmerrifield20/ledgerbridge/internal/identity"
	"go.uber.org/zap"
)

var ctx = context.Background()

const remoteChainID = 56

var (
	token     = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	recipient = common.HexToAddress("0x00000000000000000000000000000000000000bb")
)

type fixture struct {
	bridge     *bridge.Bridge
	store      *bridge.MemoryStore
	authority  common.Address
	validators []*identity.Signer
}

func newFixture(t *testing.T, threshold uint8, nValidators int) *fixture {
	t.Helper()
	store := bridge.NewMemoryStore()
	b := bridge.New(store, zap.NewNop())
	f := &fixture{bridge: b, store: store, authority: common.HexToAddress("0xa11ce")}

	if _, err := b.Initialize(ctx, f.authority, remoteChainID, threshold); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < nValidators; i++ {
		s, err := identity.GenerateSigner()
		if err != nil {
			t.Fatal(err)
		}
		if _, err := b.AddValidator(ctx, f.authority, s.Address()); err != nil {
			t.Fatal(err)
		}
		f.validators = append(f.validators, s)
	}
	return f
}

func (f *fixture) mintRequest(t *testing.T, sourceTx common.Hash, amount uint64, signers ...*identity.Signer) bridge.MintRequest {
	t.Helper()
	digest := identity.MintDigest(remoteChainID, sourceTx, token, recipient, amount)
	req := bridge.MintRequest{
		Amount:       amount,
		SourceTxHash: sourceTx,
		Token:        token,
		Recipient:    recipient,
	}
	for _, s := range signers {
		sig, err := s.Sign(digest)
		if err != nil {
			t.Fatal(err)
		}
		req.Signatures = append(req.Signatures, sig)
	}
	return req
}

func (f *fixture) balance(t *testing.T, account common.Address) uint64 {
	t.Helper()
	v, err := f.bridge.Balance(ctx, token, account)
	if err != nil {
		t.Fatal(err)
	}
	return v
}

// ── Administration ──────────────────────────────────────────────────────

func TestInitialize_setsDefaults(t *testing.T) {
	f := newFixture(t, 2, 0)
	st, err := f.bridge.State(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Authority != f.authority || !st.Active || st.Nonce != 0 || st.Validators.Len() != 0 {
		t.Errorf("unexpected initial state: %+v", st)
	}
	if st.RemoteChainID != remoteChainID || st.ValidatorThreshold != 2 {
		t.Errorf("chain id / threshold: got %d / %d", st.RemoteChainID, st.ValidatorThreshold)
	}
}

func TestInitialize_onlyOnce(t *testing.T) {
	f := newFixture(t, 1, 0)
	_, err := f.bridge.Initialize(ctx, common.HexToAddress("0xbad"), 1, 1)
	if !errors.Is(err, bridge.ErrAlreadyInitialized) {
		t.Fatalf("got %v, want ErrAlreadyInitialized", err)
	}
	st, _ := f.bridge.State(ctx)
	if st.Authority != f.authority {
		t.Error("second initialize replaced the authority")
	}
}

func TestInitialize_zeroThreshold(t *testing.T) {
	b := bridge.New(bridge.NewMemoryStore(), zap.NewNop())
	if _, err := b.Initialize(ctx, common.HexToAddress("0x1"), 1, 0); !errors.Is(err, bridge.ErrInvalidThreshold) {
		t.Fatalf("got %v, want ErrInvalidThreshold", err)
	}
}

func TestOperations_beforeInitialize(t *testing.T) {
	b := bridge.New(bridge.NewMemoryStore(), zap.NewNop())
	if _, err := b.SetActive(ctx, common.HexToAddress("0x1"), false); !errors.Is(err, bridge.ErrNotInitialized) {
		t.Errorf("SetActive: got %v, want ErrNotInitialized", err)
	}
	if _, err := b.BridgeToRemote(ctx, bridge.BurnRequest{Amount: 1}); !errors.Is(err, bridge.ErrNotInitialized) {
		t.Errorf("BridgeToRemote: got %v, want ErrNotInitialized", err)
	}
}

func TestAddValidator_unauthorized(t *testing.T) {
	f := newFixture(t, 1, 0)
	_, err := f.bridge.AddValidator(ctx, common.HexToAddress("0xbad"), common.HexToAddress("0x1"))
	if !errors.Is(err, bridge.ErrUnauthorized) {
		t.Fatalf("got %v, want ErrUnauthorized", err)
	}
	st, _ := f.bridge.State(ctx)
	if st.Validators.Len() != 0 {
		t.Error("unauthorized add mutated the validator set")
	}
}

func TestAddValidator_duplicateLeavesSetUnchanged(t *testing.T) {
	f := newFixture(t, 1, 1)
	id := f.validators[0].Address()

	_, err := f.bridge.AddValidator(ctx, f.authority, id)
	if !errors.Is(err, bridge.ErrValidatorExists) {
		t.Fatalf("got %v, want ErrValidatorExists", err)
	}
	st, _ := f.bridge.State(ctx)
	if st.Validators.Len() != 1 {
		t.Errorf("set size: got %d, want 1", st.Validators.Len())
	}
}

func TestRemoveValidator_absentIsNoop(t *testing.T) {
	f := newFixture(t, 1, 2)
	st, err := f.bridge.RemoveValidator(ctx, f.authority, common.HexToAddress("0xdead"))
	if err != nil {
		t.Fatalf("remove absent: %v", err)
	}
	if st.Validators.Len() != 2 {
		t.Errorf("set size: got %d, want 2", st.Validators.Len())
	}
}

func TestRemoveValidator_unauthorized(t *testing.T) {
	f := newFixture(t, 1, 1)
	_, err := f.bridge.RemoveValidator(ctx, common.HexToAddress("0xbad"), f.validators[0].Address())
	if !errors.Is(err, bridge.ErrUnauthorized) {
		t.Fatalf("got %v, want ErrUnauthorized", err)
	}
}

func TestSetActive_authorityOnly(t *testing.T) {
	f := newFixture(t, 1, 0)
	if _, err := f.bridge.SetActive(ctx, common.HexToAddress("0xbad"), false); !errors.Is(err, bridge.ErrUnauthorized) {
		t.Fatalf("got %v, want ErrUnauthorized", err)
	}
	st, err := f.bridge.SetActive(ctx, f.authority, false)
	if err != nil {
		t.Fatal(err)
	}
	if st.Active {
		t.Error("expected bridge to be inactive")
	}
}

func TestSetThreshold(t *testing.T) {
	f := newFixture(t, 1, 3)
	st, err := f.bridge.SetThreshold(ctx, f.authority, 3)
	if err != nil {
		t.Fatal(err)
	}
	if st.ValidatorThreshold != 3 {
		t.Errorf("threshold: got %d, want 3", st.ValidatorThreshold)
	}
	if _, err := f.bridge.SetThreshold(ctx, f.authority, 0); !errors.Is(err, bridge.ErrInvalidThreshold) {
		t.Errorf("got %v, want ErrInvalidThreshold", err)
	}
}

// ── Mint path ───────────────────────────────────────────────────────────

func TestMint_quorumSucceeds(t *testing.T) {
	f := newFixture(t, 3, 3)
	src := common.HexToHash("0x01")

	ev, err := f.bridge.BridgeFromRemote(ctx, f.mintRequest(t, src, 100, f.validators...))
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if ev.Amount != 100 || ev.SourceTxHash != src || ev.Recipient != recipient || ev.Token != token {
		t.Errorf("unexpected event: %+v", ev)
	}
	if got := f.balance(t, recipient); got != 100 {
		t.Errorf("balance: got %d, want 100", got)
	}
	rec, err := f.bridge.Processed(ctx, src)
	if err != nil {
		t.Fatal(err)
	}
	if rec == nil || !rec.Processed || rec.SourceTxHash != src {
		t.Errorf("expected replay record for %s, got %+v", src, rec)
	}
}

func TestMint_belowThresholdRejected(t *testing.T) {
	f := newFixture(t, 3, 3)
	src := common.HexToHash("0x02")

	_, err := f.bridge.BridgeFromRemote(ctx, f.mintRequest(t, src, 100, f.validators[:2]...))
	if !errors.Is(err, bridge.ErrInsufficientSignatures) {
		t.Fatalf("got %v, want ErrInsufficientSignatures", err)
	}
	if got := f.balance(t, recipient); got != 0 {
		t.Errorf("balance changed: %d", got)
	}
	if rec, _ := f.bridge.Processed(ctx, src); rec != nil {
		t.Error("replay record written for a rejected mint")
	}
	if head, _ := f.bridge.Head(ctx); head != 0 {
		t.Errorf("event log grew to %d on a rejected mint", head)
	}
}

func TestMint_duplicateValidatorSignaturesCountOnce(t *testing.T) {
	f := newFixture(t, 3, 3)
	v := f.validators[0]
	// Three copies of the same validator's signature plus one other validator.
	req := f.mintRequest(t, common.HexToHash("0x03"), 10, v, v, v, f.validators[1])

	_, err := f.bridge.BridgeFromRemote(ctx, req)
	if !errors.Is(err, bridge.ErrInsufficientSignatures) {
		t.Fatalf("got %v, want ErrInsufficientSignatures", err)
	}
}

func TestMint_forgedSignaturesRejected(t *testing.T) {
	f := newFixture(t, 3, 3)
	outsiders := make([]*identity.Signer, 3)
	for i := range outsiders {
		outsiders[i], _ = identity.GenerateSigner()
	}
	src := common.HexToHash("0x04")
	req := f.mintRequest(t, src, 10, append([]*identity.Signer{f.validators[0], f.validators[1]}, outsiders...)...)
	// Garbage bytes with the right length.
	req.Signatures = append(req.Signatures, make([]byte, identity.SignatureLength))

	_, err := f.bridge.BridgeFromRemote(ctx, req)
	if !errors.Is(err, bridge.ErrInsufficientSignatures) {
		t.Fatalf("got %v, want ErrInsufficientSignatures", err)
	}
}

func TestMint_signatureOverDifferentAmountRejected(t *testing.T) {
	f := newFixture(t, 2, 2)
	src := common.HexToHash("0x05")
	req := f.mintRequest(t, src, 10, f.validators...)
	req.Amount = 1_000_000 // signatures were over amount 10

	_, err := f.bridge.BridgeFromRemote(ctx, req)
	if !errors.Is(err, bridge.ErrInsufficientSignatures) {
		t.Fatalf("got %v, want ErrInsufficientSignatures", err)
	}
}

func TestMint_replayRejected(t *testing.T) {
	f := newFixture(t, 2, 2)
	req := f.mintRequest(t, common.HexToHash("0x06"), 100, f.validators...)

	if _, err := f.bridge.BridgeFromRemote(ctx, req); err != nil {
		t.Fatal(err)
	}
	_, err := f.bridge.BridgeFromRemote(ctx, req)
	if !errors.Is(err, bridge.ErrAlreadyProcessed) {
		t.Fatalf("replay: got %v, want ErrAlreadyProcessed", err)
	}
	if got := f.balance(t, recipient); got != 100 {
		t.Errorf("balance after replay: got %d, want 100", got)
	}
}

func TestMint_concurrentSameSourceMintsOnce(t *testing.T) {
	f := newFixture(t, 2, 2)
	req := f.mintRequest(t, common.HexToHash("0x07"), 5, f.validators...)

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok, dup := 0, 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.bridge.BridgeFromRemote(ctx, req)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, bridge.ErrAlreadyProcessed):
				dup++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if ok != 1 || dup != 15 {
		t.Errorf("got %d successes / %d duplicates, want 1 / 15", ok, dup)
	}
	if got := f.balance(t, recipient); got != 5 {
		t.Errorf("balance: got %d, want 5", got)
	}
}

func TestMint_inactiveRejected(t *testing.T) {
	f := newFixture(t, 1, 1)
	_, _ = f.bridge.SetActive(ctx, f.authority, false)

	src := common.HexToHash("0x08")
	_, err := f.bridge.BridgeFromRemote(ctx, f.mintRequest(t, src, 1, f.validators...))
	if !errors.Is(err, bridge.ErrBridgeInactive) {
		t.Fatalf("got %v, want ErrBridgeInactive", err)
	}
	if rec, _ := f.bridge.Processed(ctx, src); rec != nil {
		t.Error("replay record written while inactive")
	}
}

func TestMint_removedValidatorNoLongerCounts(t *testing.T) {
	f := newFixture(t, 2, 2)
	_, _ = f.bridge.RemoveValidator(ctx, f.authority, f.validators[1].Address())

	_, err := f.bridge.BridgeFromRemote(ctx, f.mintRequest(t, common.HexToHash("0x09"), 1, f.validators...))
	if !errors.Is(err, bridge.ErrInsufficientSignatures) {
		t.Fatalf("got %v, want ErrInsufficientSignatures", err)
	}
}

// ── Burn path ───────────────────────────────────────────────────────────

func TestBurn_nonceStrictlyIncreasing(t *testing.T) {
	f := newFixture(t, 1, 1)
	user := recipient
	if _, err := f.bridge.BridgeFromRemote(ctx, f.mintRequest(t, common.HexToHash("0x10"), 100, f.validators...)); err != nil {
		t.Fatal(err)
	}

	for want := uint64(1); want <= 5; want++ {
		ev, err := f.bridge.BridgeToRemote(ctx, bridge.BurnRequest{
			User: user, Token: token, Amount: 10, RemoteRecipient: common.HexToAddress("0xfeed"),
		})
		if err != nil {
			t.Fatalf("burn %d: %v", want, err)
		}
		if ev.Nonce != want {
			t.Fatalf("nonce: got %d, want %d", ev.Nonce, want)
		}
	}
	if got := f.balance(t, user); got != 50 {
		t.Errorf("balance: got %d, want 50", got)
	}
}

func TestBurn_concurrentNoncesUnique(t *testing.T) {
	f := newFixture(t, 1, 1)
	if _, err := f.bridge.BridgeFromRemote(ctx, f.mintRequest(t, common.HexToHash("0x11"), 1000, f.validators...)); err != nil {
		t.Fatal(err)
	}

	const n = 20
	nonces := make(chan uint64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ev, err := f.bridge.BridgeToRemote(ctx, bridge.BurnRequest{User: recipient, Token: token, Amount: 1})
			if err != nil {
				t.Errorf("burn: %v", err)
				return
			}
			nonces <- ev.Nonce
		}()
	}
	wg.Wait()
	close(nonces)

	seen := make(map[uint64]bool)
	for nonce := range nonces {
		if seen[nonce] {
			t.Fatalf("nonce %d emitted twice", nonce)
		}
		seen[nonce] = true
	}
	for i := uint64(1); i <= n; i++ {
		if !seen[i] {
			t.Errorf("nonce %d missing", i)
		}
	}
}

func TestBurn_inactiveRejected(t *testing.T) {
	f := newFixture(t, 1, 1)
	if _, err := f.bridge.BridgeFromRemote(ctx, f.mintRequest(t, common.HexToHash("0x12"), 100, f.validators...)); err != nil {
		t.Fatal(err)
	}
	_, _ = f.bridge.SetActive(ctx, f.authority, false)

	_, err := f.bridge.BridgeToRemote(ctx, bridge.BurnRequest{User: recipient, Token: token, Amount: 50})
	if !errors.Is(err, bridge.ErrBridgeInactive) {
		t.Fatalf("got %v, want ErrBridgeInactive", err)
	}
	st, _ := f.bridge.State(ctx)
	if st.Nonce != 0 {
		t.Errorf("nonce changed: %d", st.Nonce)
	}
	if got := f.balance(t, recipient); got != 100 {
		t.Errorf("balance changed: %d", got)
	}
}

func TestBurn_zeroAmount(t *testing.T) {
	f := newFixture(t, 1, 0)
	_, err := f.bridge.BridgeToRemote(ctx, bridge.BurnRequest{User: recipient, Token: token, Amount: 0})
	if !errors.Is(err, bridge.ErrInvalidAmount) {
		t.Fatalf("got %v, want ErrInvalidAmount", err)
	}
}

func TestBurn_insufficientBalanceLeavesNonce(t *testing.T) {
	f := newFixture(t, 1, 0)
	_, err := f.bridge.BridgeToRemote(ctx, bridge.BurnRequest{User: recipient, Token: token, Amount: 1})
	if !errors.Is(err, bridge.ErrInsufficientBalance) {
		t.Fatalf("got %v, want ErrInsufficientBalance", err)
	}
	st, _ := f.bridge.State(ctx)
	if st.Nonce != 0 {
		t.Errorf("nonce changed: %d", st.Nonce)
	}
}

// ── Event log ───────────────────────────────────────────────────────────

func TestEvents_recordMintAndBurn(t *testing.T) {
	f := newFixture(t, 1, 1)
	src := common.HexToHash("0x20")
	if _, err := f.bridge.BridgeFromRemote(ctx, f.mintRequest(t, src, 30, f.validators...)); err != nil {
		t.Fatal(err)
	}
	if _, err := f.bridge.BridgeToRemote(ctx, bridge.BurnRequest{User: recipient, Token: token, Amount: 30}); err != nil {
		t.Fatal(err)
	}

	head, _ := f.bridge.Head(ctx)
	if head != 2 {
		t.Fatalf("head: got %d, want 2", head)
	}
	entries, err := f.bridge.Events(ctx, 0, head)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries: got %d, want 2", len(entries))
	}
	mint, err := entries[0].Mint()
	if err != nil || mint.SourceTxHash != src {
		t.Errorf("first entry: %+v, %v", mint, err)
	}
	burn, err := entries[1].Burn()
	if err != nil || burn.Nonce != 1 {
		t.Errorf("second entry: %+v, %v", burn, err)
	}
	if err := f.bridge.VerifyEvents(ctx); err != nil {
		t.Errorf("VerifyEvents: %v", err)
	}

	tail, _ := f.bridge.Events(ctx, 1, 2)
	if len(tail) != 1 || tail[0].Index != 2 {
		t.Errorf("half-open range (1,2]: got %d entries", len(tail))
	}
}

func TestMetricsRecorder_invoked(t *testing.T) {
	store := bridge.NewMemoryStore()
	b := bridge.New(store, zap.NewNop())
	var got []string
	b.SetMetricsRecorder(func(op, result string) { got = append(got, op+":"+result) })

	_, _ = b.Initialize(ctx, common.HexToAddress("0x1"), 1, 1)
	_, _ = b.SetActive(ctx, common.HexToAddress("0x2"), false)

	want := []string{"initialize:ok", "set_active:unauthorized"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestValidator_lookup(t *testing.T) {
	f := newFixture(t, 1, 1)
	if err := f.bridge.Validator(ctx, f.validators[0].Address()); err != nil {
		t.Errorf("registered validator: %v", err)
	}
	if err := f.bridge.Validator(ctx, common.HexToAddress("0xdead")); !errors.Is(err, bridge.ErrValidatorNotFound) {
		t.Errorf("got %v, want ErrValidatorNotFound", err)
	}
}

func TestCode_roundTrip(t *testing.T) {
	wrapped := fmt.Errorf("context: %w", bridge.ErrAlreadyProcessed)
	code := bridge.Code(wrapped)
	if code != "already_processed" {
		t.Fatalf("code: got %q", code)
	}
	if !errors.Is(bridge.FromCode(code), bridge.ErrAlreadyProcessed) {
		t.Error("FromCode did not return the sentinel")
	}
	if bridge.Code(errors.New("other")) != "" || bridge.FromCode("nope") != nil {
		t.Error("unknown errors and codes must map to zero values")
	}
}
