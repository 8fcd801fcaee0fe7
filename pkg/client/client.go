package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/jmerrifield20/ledgerbridge/internal/bridge"
	"github.com/jmerrifield20/ledgerbridge/internal/identity"
)

// ErrNoSigner is returned by mutating calls on a Client built without WithSigner.
var ErrNoSigner = errors.New("client has no signer configured")

// ErrNotFound is returned for 404 responses without a bridge error code.
var ErrNotFound = errors.New("not found")

// APIError is a non-2xx response from ledgerd.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("ledgerd %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("ledgerd %d: %s", e.StatusCode, e.Message)
}

// Unwrap returns the bridge sentinel matching the response code, so
// errors.Is(err, bridge.ErrAlreadyProcessed) works across the wire.
func (e *APIError) Unwrap() error {
	if err := bridge.FromCode(e.Code); err != nil {
		return err
	}
	if e.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	return nil
}

// Client talks to a ledgerd instance.
type Client struct {
	base       string
	httpClient *http.Client
	signer     *identity.Signer
	now        func() time.Time
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = hc
		return nil
	}
}

// WithSigner sets the identity that signs mutating requests.
func WithSigner(s *identity.Signer) Option {
	return func(c *Client) error {
		if s == nil {
			return errors.New("nil signer")
		}
		c.signer = s
		return nil
	}
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) error {
		c.httpClient = &http.Client{Timeout: d}
		return nil
	}
}

// New creates a Client for the ledgerd instance at base.
//
//	c, err := client.New("http://localhost:8080",
//	    client.WithSigner(signer),
//	    client.WithTimeout(5*time.Second),
//	)
func New(base string, opts ...Option) (*Client, error) {
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	c := &Client{
		base:       strings.TrimRight(base, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		now:        time.Now,
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// MustNew is like New but panics on error. Useful in tests and program init.
func MustNew(base string, opts ...Option) *Client {
	c, err := New(base, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// Signer returns the configured signing identity, or nil.
func (c *Client) Signer() *identity.Signer {
	return c.signer
}

// ── Administration ──────────────────────────────────────────────────────

// Initialize creates the bridge state; the client's signer becomes authority.
func (c *Client) Initialize(ctx context.Context, remoteChainID uint64, threshold uint8) (*bridge.State, error) {
	return c.sendState(ctx, http.MethodPost, "/api/v1/bridge/initialize", map[string]any{
		"remote_chain_id": remoteChainID,
		"threshold":       threshold,
	})
}

// AddValidator registers id.
func (c *Client) AddValidator(ctx context.Context, id common.Address) (*bridge.State, error) {
	return c.sendState(ctx, http.MethodPost, "/api/v1/bridge/validators", map[string]any{"address": id})
}

// RemoveValidator unregisters id.
func (c *Client) RemoveValidator(ctx context.Context, id common.Address) (*bridge.State, error) {
	return c.sendState(ctx, http.MethodDelete, "/api/v1/bridge/validators/"+id.Hex(), nil)
}

// SetActive pauses or resumes both transfer paths.
func (c *Client) SetActive(ctx context.Context, active bool) (*bridge.State, error) {
	return c.sendState(ctx, http.MethodPut, "/api/v1/bridge/active", map[string]any{"active": active})
}

// SetThreshold changes the validator quorum threshold.
func (c *Client) SetThreshold(ctx context.Context, threshold uint8) (*bridge.State, error) {
	return c.sendState(ctx, http.MethodPut, "/api/v1/bridge/threshold", map[string]any{"threshold": threshold})
}

func (c *Client) sendState(ctx context.Context, method, path string, body any) (*bridge.State, error) {
	var st bridge.State
	if err := c.send(ctx, method, path, body, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// ── Transfers ───────────────────────────────────────────────────────────

// Mint submits a quorum-signed mint for a lock observed on Ledger A.
func (c *Client) Mint(ctx context.Context, req bridge.MintRequest) (*bridge.MintExecuted, error) {
	sigs := make([]hexutil.Bytes, len(req.Signatures))
	for i, s := range req.Signatures {
		sigs[i] = s
	}
	var ev bridge.MintExecuted
	err := c.send(ctx, http.MethodPost, "/api/v1/bridge/mint", map[string]any{
		"amount":         req.Amount,
		"source_tx_hash": req.SourceTxHash,
		"token":          req.Token,
		"recipient":      req.Recipient,
		"signatures":     sigs,
	}, &ev)
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// Burn burns amount of token from the signer's balance for unlock to
// remoteRecipient on Ledger A.
func (c *Client) Burn(ctx context.Context, token common.Address, amount uint64, remoteRecipient common.Address) (*bridge.BurnExecuted, error) {
	var ev bridge.BurnExecuted
	err := c.send(ctx, http.MethodPost, "/api/v1/bridge/burn", map[string]any{
		"token":            token,
		"amount":           amount,
		"remote_recipient": remoteRecipient,
	}, &ev)
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// Faucet credits account on a development ledgerd.
func (c *Client) Faucet(ctx context.Context, token, account common.Address, amount uint64) error {
	return c.send(ctx, http.MethodPost, "/api/v1/bridge/faucet", map[string]any{
		"token":   token,
		"account": account,
		"amount":  amount,
	}, nil)
}

// ── Queries ─────────────────────────────────────────────────────────────

// State returns the bridge state.
func (c *Client) State(ctx context.Context) (*bridge.State, error) {
	var st bridge.State
	if err := c.get(ctx, "/api/v1/bridge/state", &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// IsValidator reports whether id is registered.
func (c *Client) IsValidator(ctx context.Context, id common.Address) (bool, error) {
	err := c.get(ctx, "/api/v1/bridge/validators/"+id.Hex(), nil)
	if errors.Is(err, bridge.ErrValidatorNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Processed returns the replay record for a Ledger A transaction, or nil if
// it has not been minted.
func (c *Client) Processed(ctx context.Context, sourceTxHash common.Hash) (*bridge.ReplayRecord, error) {
	var rec bridge.ReplayRecord
	err := c.get(ctx, "/api/v1/bridge/processed/"+sourceTxHash.Hex(), &rec)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Balance returns the wrapped-token balance of account.
func (c *Client) Balance(ctx context.Context, token, account common.Address) (uint64, error) {
	var resp struct {
		Amount uint64 `json:"amount"`
	}
	if err := c.get(ctx, "/api/v1/bridge/balances/"+token.Hex()+"/"+account.Hex(), &resp); err != nil {
		return 0, err
	}
	return resp.Amount, nil
}

// Head returns the newest event log index.
func (c *Client) Head(ctx context.Context) (uint64, error) {
	var resp struct {
		Head uint64 `json:"head"`
	}
	if err := c.get(ctx, "/api/v1/events/head", &resp); err != nil {
		return 0, err
	}
	return resp.Head, nil
}

// Events returns event log entries in (after, until]. The server caps one
// page; Events keeps paging until the range is covered.
func (c *Client) Events(ctx context.Context, after, until uint64) ([]*bridge.Entry, error) {
	var out []*bridge.Entry
	for after < until {
		var page struct {
			Until   uint64          `json:"until"`
			Entries []*bridge.Entry `json:"entries"`
		}
		q := url.Values{}
		q.Set("after", strconv.FormatUint(after, 10))
		q.Set("until", strconv.FormatUint(until, 10))
		if err := c.get(ctx, "/api/v1/events?"+q.Encode(), &page); err != nil {
			return nil, err
		}
		out = append(out, page.Entries...)
		if page.Until <= after {
			return nil, fmt.Errorf("events page did not advance past %d", after)
		}
		after = page.Until
	}
	return out, nil
}

// VerifyEvents asks the server to check the event log hash chain. A broken
// chain is reported as a non-nil error.
func (c *Client) VerifyEvents(ctx context.Context) error {
	var resp struct {
		Valid bool   `json:"valid"`
		Error string `json:"error"`
	}
	if err := c.get(ctx, "/api/v1/events/verify", &resp); err != nil {
		return err
	}
	if !resp.Valid {
		return fmt.Errorf("event log invalid: %s", resp.Error)
	}
	return nil
}

// ── Transport ───────────────────────────────────────────────────────────

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	return c.do(req, out)
}

// send issues a signed request with a JSON body.
func (c *Client) send(ctx context.Context, method, path string, body, out any) error {
	if c.signer == nil {
		return ErrNoSigner
	}
	var raw []byte
	if body != nil {
		var err error
		if raw, err = json.Marshal(body); err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if err := c.signer.SignRequest(req.Header, method, req.URL.Path, raw, c.now()); err != nil {
		return fmt.Errorf("sign request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
		var payload struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
			apiErr.Message = payload.Error
			apiErr.Code = payload.Code
		}
		return apiErr
	}

	if out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
