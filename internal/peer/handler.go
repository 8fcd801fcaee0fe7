// Package peer exchanges attestations between validators over HTTP.
package peer

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/ledgerbridge/internal/attest"
	"go.uber.org/zap"
)

// Message is the body of POST /attestations.
type Message struct {
	Subject     attest.Subject     `json:"subject"`
	Attestation attest.Attestation `json:"attestation"`
}

// Sink accepts attestations. *attest.Aggregator satisfies it.
type Sink interface {
	Submit(ctx context.Context, att attest.Attestation, subject attest.Subject) error
}

// Handler serves the peer attestation endpoint.
type Handler struct {
	sink   Sink
	logger *zap.Logger
}

// NewHandler creates a Handler feeding sink.
func NewHandler(sink Sink, logger *zap.Logger) *Handler {
	return &Handler{sink: sink, logger: logger}
}

// Register mounts the peer routes on the given router group.
func (h *Handler) Register(rg *gin.RouterGroup) {
	rg.POST("/attestations", h.Receive)
}

// Receive handles POST /attestations.
func (h *Handler) Receive(c *gin.Context) {
	var msg Message
	if err := c.ShouldBindJSON(&msg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := h.sink.Submit(c.Request.Context(), msg.Attestation, msg.Subject)
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, gin.H{"digest": msg.Attestation.Digest})
	case errors.Is(err, attest.ErrUnknownValidator):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, attest.ErrSignatureInvalid):
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
	case errors.Is(err, attest.ErrDigestMismatch), errors.Is(err, attest.ErrInvalidSubject):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, attest.ErrStopped):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		h.logger.Error("peer: submit attestation", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
