package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/ledgerbridge/internal/bridge"
	"go.uber.org/zap"
)

var errorStatus = []struct {
	err    error
	status int
}{
	{bridge.ErrBridgeInactive, http.StatusConflict},
	{bridge.ErrUnauthorized, http.StatusForbidden},
	{bridge.ErrInsufficientSignatures, http.StatusUnprocessableEntity},
	{bridge.ErrAlreadyProcessed, http.StatusConflict},
	{bridge.ErrInvalidAmount, http.StatusBadRequest},
	{bridge.ErrValidatorExists, http.StatusConflict},
	{bridge.ErrValidatorSetFull, http.StatusConflict},
	{bridge.ErrValidatorNotFound, http.StatusNotFound},
	{bridge.ErrNotInitialized, http.StatusConflict},
	{bridge.ErrAlreadyInitialized, http.StatusConflict},
	{bridge.ErrInvalidThreshold, http.StatusBadRequest},
	{bridge.ErrInsufficientBalance, http.StatusBadRequest},
}

// writeError maps a bridge error onto a status code and a JSON body whose
// "code" field is the sentinel's wire code. Unknown errors are logged and
// reported as 500.
func writeError(c *gin.Context, logger *zap.Logger, op string, err error) {
	for _, m := range errorStatus {
		if errors.Is(err, m.err) {
			c.JSON(m.status, gin.H{"error": err.Error(), "code": bridge.Code(err)})
			return
		}
	}
	logger.Error(op, zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error", "code": "internal"})
}
