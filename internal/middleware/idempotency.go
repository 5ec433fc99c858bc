package middleware

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/merchantops/relay/internal/dto/response"
	"github.com/merchantops/relay/internal/idempotency"
)

const (
	// IdempotencyKeyHeader carries the client-chosen request token.
	IdempotencyKeyHeader = "Idempotency-Key"
	// ReplayedHeader marks a response served from the idempotency cache.
	ReplayedHeader = "X-Idempotent-Replayed"
)

// IdempotencyConfig controls the guard's behavior.
type IdempotencyConfig struct {
	// TTL bounds how long a completed response is replayable.
	TTL time.Duration `mapstructure:"ttl"`
	// HashCheck enables request-body digest comparison; when disabled any
	// request reusing a key is treated as a replay.
	HashCheck bool `mapstructure:"hash_check"`
}

// DefaultIdempotencyConfig returns the default guard configuration
func DefaultIdempotencyConfig() IdempotencyConfig {
	return IdempotencyConfig{TTL: 24 * time.Hour, HashCheck: true}
}

// bodyRecorder captures the response body while it streams to the client
// so the guard can persist it after the handler completes.
type bodyRecorder struct {
	gin.ResponseWriter
	buf bytes.Buffer
}

func (w *bodyRecorder) Write(b []byte) (int, error) {
	w.buf.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *bodyRecorder) WriteString(s string) (int, error) {
	w.buf.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// Idempotency makes mutation endpoints safe to retry. Requests without the
// key header pass through untouched. A known key with a matching request
// hash is answered from the stored response without invoking the handler;
// a known key with a different hash is rejected as a conflict.
func Idempotency(store idempotency.Store, config IdempotencyConfig, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader(IdempotencyKeyHeader)
		if key == "" {
			c.Next()
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.JSON(http.StatusBadRequest, response.NewError[any]("failed to read request body"))
			c.Abort()
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		requestHash := ""
		if config.HashCheck {
			sum := sha256.Sum256(body)
			requestHash = hex.EncodeToString(sum[:])
		}

		record, err := store.Get(c.Request.Context(), key)
		switch {
		case err == nil:
			if config.HashCheck && record.RequestHash != requestHash {
				c.JSON(http.StatusConflict, response.NewErrorWithCode[any](
					"IDEMPOTENCY_CONFLICT",
					"idempotency key reused with a different request body",
				))
				c.Abort()
				return
			}
			c.Header(ReplayedHeader, "true")
			c.Data(record.ResponseStatus, "application/json", record.ResponseBody)
			c.Abort()
			return
		case err != idempotency.ErrNotFound:
			logger.Error("idempotency lookup failed",
				zap.String("key", key),
				zap.Error(err),
			)
			c.JSON(http.StatusInternalServerError, response.NewError[any]("idempotency store unavailable"))
			c.Abort()
			return
		}

		recorder := &bodyRecorder{ResponseWriter: c.Writer}
		c.Writer = recorder

		c.Next()

		status := recorder.Status()
		if status >= http.StatusInternalServerError {
			// Server-side failures stay replayable as fresh attempts.
			return
		}

		saveErr := store.SaveNX(c.Request.Context(), &idempotency.Record{
			Key:            key,
			RequestHash:    requestHash,
			ResponseStatus: status,
			ResponseBody:   append([]byte(nil), recorder.buf.Bytes()...),
			CreatedAt:      time.Now().UTC(),
		}, config.TTL)
		if saveErr == idempotency.ErrConflict {
			// A concurrent request with the same key finished first. The
			// stored winner serves future replays.
			logger.Warn("idempotency record raced", zap.String("key", key))
		} else if saveErr != nil {
			logger.Error("idempotency record save failed",
				zap.String("key", key),
				zap.Error(saveErr),
			)
		}
	}
}
