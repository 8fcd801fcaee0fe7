package handler

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/ledgerbridge/internal/identity"
	"go.uber.org/zap"
)

const (
	ctxCaller = "bridge_caller"

	// DefaultMaxSkew is how far a signed timestamp may drift from server time.
	DefaultMaxSkew = 5 * time.Minute

	maxBodyBytes = 1 << 20
)

// Authenticator verifies signed requests and rejects reused request ids.
type Authenticator struct {
	maxSkew time.Duration
	ids     *requestIDCache
	now     func() time.Time
	logger  *zap.Logger
}

// NewAuthenticator creates an Authenticator accepting timestamps within maxSkew.
func NewAuthenticator(maxSkew time.Duration, logger *zap.Logger) *Authenticator {
	if maxSkew <= 0 {
		maxSkew = DefaultMaxSkew
	}
	return &Authenticator{
		maxSkew: maxSkew,
		// A request id only needs remembering while its timestamp is acceptable.
		ids:    newRequestIDCache(2 * maxSkew),
		now:    time.Now,
		logger: logger,
	}
}

// RunEviction drops expired request ids every interval until ctx is cancelled.
func (a *Authenticator) RunEviction(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := a.ids.evict(a.now()); n > 0 {
				a.logger.Debug("evicted request ids", zap.Int("count", n))
			}
		}
	}
}

// Require returns a Gin middleware that enforces a valid request signature.
//
// On success it injects the signer address into the context under the
// "bridge_caller" key and restores the request body for the handler.
func (a *Authenticator) Require() gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body too large"})
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		auth, err := identity.VerifyRequest(c.Request.Header, c.Request.Method, c.Request.URL.Path, body)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid request signature: " + err.Error()})
			return
		}

		now := a.now()
		if skew := now.Sub(auth.Timestamp); skew > a.maxSkew || skew < -a.maxSkew {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "request timestamp outside allowed window"})
			return
		}
		if !a.ids.add(auth.RequestID, now) {
			a.logger.Warn("request id reused",
				zap.String("caller", auth.Address.Hex()),
				zap.String("request_id", auth.RequestID),
			)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "request id already used"})
			return
		}

		c.Set(ctxCaller, auth.Address)
		c.Next()
	}
}

// CallerFromCtx retrieves the signer address injected by Require.
func CallerFromCtx(c *gin.Context) common.Address {
	v, _ := c.Get(ctxCaller)
	addr, _ := v.(common.Address)
	return addr
}
