// Package handler exposes the Ledger B bridge over HTTP.
package handler

import (
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/ledgerbridge/internal/bridge"
	"go.uber.org/zap"
)

// BridgeHandler serves the bridge state machine.
type BridgeHandler struct {
	bridge *bridge.Bridge
	auth   *Authenticator
	faucet bool
	logger *zap.Logger
}

// NewBridgeHandler creates a BridgeHandler. Mutating routes require a
// request signature verified by auth.
func NewBridgeHandler(b *bridge.Bridge, auth *Authenticator, logger *zap.Logger) *BridgeHandler {
	return &BridgeHandler{bridge: b, auth: auth, logger: logger}
}

// EnableFaucet mounts POST /bridge/faucet. Development networks only.
func (h *BridgeHandler) EnableFaucet() {
	h.faucet = true
}

// Register mounts the bridge routes on the given router group.
func (h *BridgeHandler) Register(rg *gin.RouterGroup) {
	b := rg.Group("/bridge")
	{
		b.GET("/state", h.GetState)
		b.GET("/validators/:address", h.GetValidator)
		b.GET("/processed/:hash", h.GetProcessed)
		b.GET("/balances/:token/:account", h.GetBalance)
	}

	signed := b.Group("", h.auth.Require())
	{
		signed.POST("/initialize", h.Initialize)
		signed.POST("/validators", h.AddValidator)
		signed.DELETE("/validators/:address", h.RemoveValidator)
		signed.PUT("/active", h.SetActive)
		signed.PUT("/threshold", h.SetThreshold)
		signed.POST("/mint", h.Mint)
		signed.POST("/burn", h.Burn)
		if h.faucet {
			signed.POST("/faucet", h.Faucet)
		}
	}
}

type initializeRequest struct {
	RemoteChainID uint64 `json:"remote_chain_id"`
	Threshold     uint8  `json:"threshold"`
}

type validatorRequest struct {
	Address common.Address `json:"address"`
}

type activeRequest struct {
	Active *bool `json:"active" binding:"required"`
}

type thresholdRequest struct {
	Threshold uint8 `json:"threshold"`
}

type mintRequest struct {
	Amount       uint64          `json:"amount"`
	SourceTxHash common.Hash     `json:"source_tx_hash"`
	Token        common.Address  `json:"token"`
	Recipient    common.Address  `json:"recipient"`
	Signatures   []hexutil.Bytes `json:"signatures"`
}

type burnRequest struct {
	Token           common.Address `json:"token"`
	Amount          uint64         `json:"amount"`
	RemoteRecipient common.Address `json:"remote_recipient"`
}

type faucetRequest struct {
	Token   common.Address `json:"token"`
	Account common.Address `json:"account"`
	Amount  uint64         `json:"amount"`
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}

// Initialize handles POST /bridge/initialize. The signer becomes authority.
func (h *BridgeHandler) Initialize(c *gin.Context) {
	var req initializeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	st, err := h.bridge.Initialize(c.Request.Context(), CallerFromCtx(c), req.RemoteChainID, req.Threshold)
	if err != nil {
		writeError(c, h.logger, "initialize", err)
		return
	}
	c.JSON(http.StatusCreated, st)
}

// AddValidator handles POST /bridge/validators.
func (h *BridgeHandler) AddValidator(c *gin.Context) {
	var req validatorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if req.Address == (common.Address{}) {
		badRequest(c, "address is required")
		return
	}
	st, err := h.bridge.AddValidator(c.Request.Context(), CallerFromCtx(c), req.Address)
	if err != nil {
		writeError(c, h.logger, "add validator", err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// RemoveValidator handles DELETE /bridge/validators/:address.
func (h *BridgeHandler) RemoveValidator(c *gin.Context) {
	addr, ok := addressParam(c, "address")
	if !ok {
		return
	}
	st, err := h.bridge.RemoveValidator(c.Request.Context(), CallerFromCtx(c), addr)
	if err != nil {
		writeError(c, h.logger, "remove validator", err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// SetActive handles PUT /bridge/active.
func (h *BridgeHandler) SetActive(c *gin.Context) {
	var req activeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	st, err := h.bridge.SetActive(c.Request.Context(), CallerFromCtx(c), *req.Active)
	if err != nil {
		writeError(c, h.logger, "set active", err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// SetThreshold handles PUT /bridge/threshold.
func (h *BridgeHandler) SetThreshold(c *gin.Context) {
	var req thresholdRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	st, err := h.bridge.SetThreshold(c.Request.Context(), CallerFromCtx(c), req.Threshold)
	if err != nil {
		writeError(c, h.logger, "set threshold", err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// Mint handles POST /bridge/mint. Any signer may relay; authorization comes
// from the validator signatures in the body.
func (h *BridgeHandler) Mint(c *gin.Context) {
	var req mintRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	sigs := make([][]byte, len(req.Signatures))
	for i, s := range req.Signatures {
		sigs[i] = s
	}
	ev, err := h.bridge.BridgeFromRemote(c.Request.Context(), bridge.MintRequest{
		Amount:       req.Amount,
		SourceTxHash: req.SourceTxHash,
		Token:        req.Token,
		Recipient:    req.Recipient,
		Signatures:   sigs,
	})
	if err != nil {
		writeError(c, h.logger, "mint", err)
		return
	}
	c.JSON(http.StatusCreated, ev)
}

// Burn handles POST /bridge/burn. The signer is the token holder.
func (h *BridgeHandler) Burn(c *gin.Context) {
	var req burnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	ev, err := h.bridge.BridgeToRemote(c.Request.Context(), bridge.BurnRequest{
		User:            CallerFromCtx(c),
		Token:           req.Token,
		Amount:          req.Amount,
		RemoteRecipient: req.RemoteRecipient,
	})
	if err != nil {
		writeError(c, h.logger, "burn", err)
		return
	}
	c.JSON(http.StatusCreated, ev)
}

// Faucet handles POST /bridge/faucet.
func (h *BridgeHandler) Faucet(c *gin.Context) {
	var req faucetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if err := h.bridge.Credit(c.Request.Context(), req.Token, req.Account, req.Amount); err != nil {
		writeError(c, h.logger, "faucet", err)
		return
	}
	h.logger.Warn("faucet credit",
		zap.String("account", req.Account.Hex()),
		zap.Uint64("amount", req.Amount),
	)
	c.JSON(http.StatusOK, gin.H{"credited": req.Amount})
}

// GetState handles GET /bridge/state.
func (h *BridgeHandler) GetState(c *gin.Context) {
	st, err := h.bridge.State(c.Request.Context())
	if err != nil {
		writeError(c, h.logger, "get state", err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// GetValidator handles GET /bridge/validators/:address.
func (h *BridgeHandler) GetValidator(c *gin.Context) {
	addr, ok := addressParam(c, "address")
	if !ok {
		return
	}
	if err := h.bridge.Validator(c.Request.Context(), addr); err != nil {
		writeError(c, h.logger, "get validator", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"address": addr, "registered": true})
}

// GetProcessed handles GET /bridge/processed/:hash. It answers 404 for a
// source transaction that has not been minted.
func (h *BridgeHandler) GetProcessed(c *gin.Context) {
	raw := c.Param("hash")
	b, err := hexutil.Decode(raw)
	if err != nil || len(b) != common.HashLength {
		badRequest(c, "hash must be 0x-prefixed 32-byte hex")
		return
	}
	rec, err := h.bridge.Processed(c.Request.Context(), common.BytesToHash(b))
	if err != nil {
		writeError(c, h.logger, "get processed", err)
		return
	}
	if rec == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not processed", "processed": false})
		return
	}
	c.JSON(http.StatusOK, rec)
}

// GetBalance handles GET /bridge/balances/:token/:account.
func (h *BridgeHandler) GetBalance(c *gin.Context) {
	token, ok := addressParam(c, "token")
	if !ok {
		return
	}
	account, ok := addressParam(c, "account")
	if !ok {
		return
	}
	bal, err := h.bridge.Balance(c.Request.Context(), token, account)
	if err != nil {
		writeError(c, h.logger, "get balance", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "account": account, "amount": bal})
}

func addressParam(c *gin.Context, name string) (common.Address, bool) {
	raw := c.Param(name)
	if !common.IsHexAddress(raw) {
		badRequest(c, name+" must be a hex address")
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}
