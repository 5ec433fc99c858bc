// Package delivery implements the outbound webhook worker handler: HTTP
// POSTs to downstream targets, gated by the per-API rate limiter and
// classified at the response boundary so the queue can decide retries.
package delivery

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/merchantops/relay/internal/queue"
	"github.com/merchantops/relay/internal/ratelimit"
	"github.com/merchantops/relay/internal/worker"
	apperrors "github.com/merchantops/relay/pkg/errors"
)

// Payload describes one outbound delivery.
type Payload struct {
	// URL is the downstream target.
	URL string `json:"url"`
	// Method defaults to POST.
	Method string `json:"method,omitempty"`
	// API names the rate-limit bucket; defaults to the target host.
	API string `json:"api,omitempty"`
	// Headers are set on the request verbatim.
	Headers map[string]string `json:"headers,omitempty"`
	// Body is forwarded as the request body.
	Body json.RawMessage `json:"body,omitempty"`
	// SigningSecret, when set, adds an X-Signature HMAC-SHA256 header.
	SigningSecret string `json:"signing_secret,omitempty"`
}

// Deliverer performs outbound HTTP deliveries.
type Deliverer struct {
	client   *http.Client
	limiters *ratelimit.Registry
	logger   *zap.Logger
}

// NewDeliverer creates a deliverer with the given HTTP client. A nil client
// gets a 10s-timeout default.
func NewDeliverer(client *http.Client, limiters *ratelimit.Registry, logger *zap.Logger) *Deliverer {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Deliverer{client: client, limiters: limiters, logger: logger}
}

// RegisterHandlers binds the deliverer to the given kinds on the registry.
func (d *Deliverer) RegisterHandlers(registry *worker.Registry, kinds ...string) {
	for _, kind := range kinds {
		worker.Register(registry, kind, d.Deliver)
	}
}

// Deliver performs one delivery attempt. The queue owns retries across
// attempts; this does exactly one gated HTTP call.
func (d *Deliverer) Deliver(ctx context.Context, job *queue.Job, p Payload) error {
	target, err := url.Parse(p.URL)
	if err != nil || target.Host == "" {
		return apperrors.Permanent(err, "invalid delivery target: "+p.URL)
	}

	apiName := p.API
	if apiName == "" {
		apiName = target.Host
	}
	limiter := d.limiters.Get(apiName)
	if err := limiter.Acquire(ctx); err != nil {
		// A saturated bucket is a transient condition worth another attempt.
		return apperrors.Transient(err, "rate limit wait exceeded for "+apiName)
	}

	method := p.Method
	if method == "" {
		method = http.MethodPost
	}
	req, err := http.NewRequestWithContext(ctx, method, p.URL, bytes.NewReader(p.Body))
	if err != nil {
		return apperrors.Permanent(err, "cannot build delivery request")
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range p.Headers {
		req.Header.Set(k, v)
	}
	if p.SigningSecret != "" {
		mac := hmac.New(sha256.New, []byte(p.SigningSecret))
		mac.Write(p.Body)
		req.Header.Set("X-Signature", hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return apperrors.Transient(err, "delivery request failed")
	}
	defer resp.Body.Close()

	if remaining := resp.Header.Get("X-RateLimit-Remaining"); remaining != "" {
		if tokens, perr := strconv.ParseFloat(remaining, 64); perr == nil {
			limiter.ObserveRemaining(tokens)
		}
	}

	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		d.logger.Warn("delivery rejected",
			zap.String("job_id", job.ID),
			zap.String("api", apiName),
			zap.Int("status", resp.StatusCode),
		)
		return apperrors.FromStatusCode(resp.StatusCode,
			fmt.Sprintf("delivery to %s returned %d: %s", apiName, resp.StatusCode, snippet))
	}

	d.logger.Debug("delivery succeeded",
		zap.String("job_id", job.ID),
		zap.String("api", apiName),
		zap.Int("status", resp.StatusCode),
	)
	return nil
}
