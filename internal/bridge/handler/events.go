package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/ledgerbridge/internal/bridge"
	"go.uber.org/zap"
)

// MaxEventsPage caps the number of entries returned by one GET /events.
const MaxEventsPage = 1000

// EventsHandler exposes the read-only Ledger B event log.
type EventsHandler struct {
	bridge *bridge.Bridge
	logger *zap.Logger
}

// NewEventsHandler creates a new EventsHandler.
func NewEventsHandler(b *bridge.Bridge, logger *zap.Logger) *EventsHandler {
	return &EventsHandler{bridge: b, logger: logger}
}

// Register mounts the event log routes on the given router group.
func (h *EventsHandler) Register(rg *gin.RouterGroup) {
	e := rg.Group("/events")
	{
		e.GET("", h.List)
		e.GET("/head", h.Head)
		e.GET("/verify", h.Verify)
	}
}

// Head handles GET /events/head: the newest event index.
func (h *EventsHandler) Head(c *gin.Context) {
	head, err := h.bridge.Head(c.Request.Context())
	if err != nil {
		h.logger.Error("event log head", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query event log"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"head": head})
}

// List handles GET /events?after=&until=: entries with after < index <= until.
// until defaults to the head; the range is capped at MaxEventsPage entries.
func (h *EventsHandler) List(c *gin.Context) {
	ctx := c.Request.Context()

	after, err := strconv.ParseUint(c.DefaultQuery("after", "0"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "after must be a non-negative integer"})
		return
	}

	head, err := h.bridge.Head(ctx)
	if err != nil {
		h.logger.Error("event log head", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query event log"})
		return
	}
	until := head
	if raw := c.Query("until"); raw != "" {
		until, err = strconv.ParseUint(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "until must be a non-negative integer"})
			return
		}
	}
	if until < after {
		c.JSON(http.StatusBadRequest, gin.H{"error": "until must not be less than after"})
		return
	}
	if until-after > MaxEventsPage {
		until = after + MaxEventsPage
	}

	entries, err := h.bridge.Events(ctx, after, until)
	if err != nil {
		h.logger.Error("event log range", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query event log"})
		return
	}
	if entries == nil {
		entries = []*bridge.Entry{}
	}
	c.JSON(http.StatusOK, gin.H{
		"after":   after,
		"until":   until,
		"head":    head,
		"entries": entries,
	})
}

// Verify handles GET /events/verify: walks the full chain and reports integrity.
func (h *EventsHandler) Verify(c *gin.Context) {
	if err := h.bridge.VerifyEvents(c.Request.Context()); err != nil {
		h.logger.Warn("event log integrity check failed", zap.Error(err))
		c.JSON(http.StatusOK, gin.H{
			"valid": false,
			"error": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": true})
}
