package identity

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
)

// Headers carrying a signed Ledger B API request.
const (
	HeaderAddress   = "X-Bridge-Address"
	HeaderTimestamp = "X-Bridge-Timestamp"
	HeaderRequestID = "X-Bridge-Request-ID"
	HeaderSignature = "X-Bridge-Signature"
)

// ErrUnsignedRequest is returned by VerifyRequest when any auth header is missing.
var ErrUnsignedRequest = errors.New("request is not signed")

// RequestAuth is the verified identity behind a signed request.
type RequestAuth struct {
	Address   common.Address
	Timestamp time.Time
	RequestID string
}

// SignRequest stamps h with the auth headers for a request to method/path
// carrying body.
func (s *Signer) SignRequest(h http.Header, method, path string, body []byte, now time.Time) error {
	ts := now.Unix()
	id := uuid.NewString()
	sig, err := s.Sign(RequestDigest(method, path, ts, id, body))
	if err != nil {
		return err
	}
	h.Set(HeaderAddress, s.addr.Hex())
	h.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	h.Set(HeaderRequestID, id)
	h.Set(HeaderSignature, hexutil.Encode(sig))
	return nil
}

// VerifyRequest checks the auth headers in h against method, path and body.
// Freshness and request-id reuse are the caller's concern.
func VerifyRequest(h http.Header, method, path string, body []byte) (*RequestAuth, error) {
	addrHex := h.Get(HeaderAddress)
	tsStr := h.Get(HeaderTimestamp)
	id := h.Get(HeaderRequestID)
	sigHex := h.Get(HeaderSignature)
	if addrHex == "" || tsStr == "" || id == "" || sigHex == "" {
		return nil, ErrUnsignedRequest
	}

	if !common.IsHexAddress(addrHex) {
		return nil, fmt.Errorf("invalid %s header", HeaderAddress)
	}
	ts, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s header: %w", HeaderTimestamp, err)
	}
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("invalid %s header: %w", HeaderRequestID, err)
	}
	sig, err := hexutil.Decode(sigHex)
	if err != nil {
		return nil, fmt.Errorf("invalid %s header: %w", HeaderSignature, err)
	}

	claimed := common.HexToAddress(addrHex)
	if !Verify(RequestDigest(method, path, ts, id, body), sig, claimed) {
		return nil, ErrBadSignature
	}
	return &RequestAuth{
		Address:   claimed,
		Timestamp: time.Unix(ts, 0).UTC(),
		RequestID: id,
	}, nil
}
