package http

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/merchantops/relay/internal/dto/response"
	"github.com/merchantops/relay/internal/queue"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw request body.
const SignatureHeader = "X-Signature"

// WebhookSource configures one inbound webhook origin.
type WebhookSource struct {
	// Secret verifies the signature header; empty disables verification.
	Secret string `mapstructure:"secret"`
	// Kind is the queue the payload lands on; defaults to
	// "webhook.inbound.<source>".
	Kind string `mapstructure:"kind"`
}

// WebhookController accepts upstream webhook payloads and enqueues them
// with replay protection.
type WebhookController struct {
	queue   *queue.Queue
	sources map[string]WebhookSource
	logger  *zap.Logger
}

// NewWebhookController creates a new WebhookController instance
func NewWebhookController(q *queue.Queue, sources map[string]WebhookSource, logger *zap.Logger) *WebhookController {
	if sources == nil {
		sources = make(map[string]WebhookSource)
	}
	return &WebhookController{queue: q, sources: sources, logger: logger}
}

// RegisterRoutes registers the webhook ingress routes
func (c *WebhookController) RegisterRoutes(router *gin.RouterGroup) {
	router.POST("/webhooks/:source", c.Receive)
}

// Receive verifies, deduplicates and enqueues an inbound webhook payload.
// The response is 202 regardless of whether the event was new or a replay;
// upstreams only need to know the payload is safely accepted.
func (c *WebhookController) Receive(ctx *gin.Context) {
	source := ctx.Param("source")
	cfg := c.sources[source]

	body, err := io.ReadAll(ctx.Request.Body)
	if err != nil || len(body) == 0 {
		ctx.JSON(http.StatusBadRequest, response.NewError[any]("empty or unreadable body"))
		return
	}

	if cfg.Secret != "" {
		if !verifySignature(body, ctx.GetHeader(SignatureHeader), cfg.Secret) {
			c.logger.Warn("webhook signature rejected", zap.String("source", source))
			ctx.JSON(http.StatusUnauthorized, response.NewErrorWithCode[any]("INVALID_SIGNATURE", "signature verification failed"))
			return
		}
	}

	if !json.Valid(body) {
		ctx.JSON(http.StatusBadRequest, response.NewError[any]("payload is not valid JSON"))
		return
	}

	kind := cfg.Kind
	if kind == "" {
		kind = "webhook.inbound." + source
	}
	id := source + ":" + dedupID(body)

	job, inserted, err := c.queue.EnqueueDedup(ctx.Request.Context(), id, kind, body)
	if err != nil {
		c.logger.Error("webhook enqueue failed",
			zap.String("source", source),
			zap.String("job_id", id),
			zap.Error(err),
		)
		ctx.JSON(http.StatusInternalServerError, response.NewError[any]("failed to accept webhook"))
		return
	}

	c.logger.Info("webhook accepted",
		zap.String("source", source),
		zap.String("job_id", job.ID),
		zap.Bool("duplicate", !inserted),
	)
	ctx.JSON(http.StatusAccepted, response.NewSuccessWithData(response.EnqueueResponse{
		Job:      response.FromJob(job),
		Accepted: inserted,
	}))
}

func verifySignature(body []byte, signature, secret string) bool {
	if signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// dedupID derives a stable replay-protection key from the payload. Known
// identifying fields are preferred; otherwise the body digest stands in so
// byte-identical redeliveries still collapse to one job.
func dedupID(body []byte) string {
	var fields struct {
		ConversationID json.RawMessage `json:"conversationId"`
		MessageID      json.RawMessage `json:"messageId"`
		EventID        json.RawMessage `json:"eventId"`
		ID             json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(body, &fields); err == nil {
		switch {
		case fields.ConversationID != nil && fields.MessageID != nil:
			return fmt.Sprintf("%s:%s", trimQuotes(fields.ConversationID), trimQuotes(fields.MessageID))
		case fields.EventID != nil:
			return trimQuotes(fields.EventID)
		case fields.ID != nil:
			return trimQuotes(fields.ID)
		}
	}
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

func trimQuotes(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
