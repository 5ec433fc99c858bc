package http

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/merchantops/relay/internal/queue"
	"github.com/merchantops/relay/internal/ratelimit"
	apperrors "github.com/merchantops/relay/pkg/errors"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestQueue() (*queue.Queue, *queue.MemoryStore) {
	store := queue.NewMemoryStore()
	return queue.New(store, nil, zap.NewNop()), store
}

func setupRouter(q *queue.Queue) *gin.Engine {
	router := gin.New()
	api := router.Group("/api/v1")
	NewQueueController(q, ratelimit.NewRegistry(nil, zap.NewNop()), zap.NewNop()).RegisterRoutes(api)
	return router
}

func doJSON(router *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	return w
}

// Queue Controller Tests

func TestQueueController_EnqueueJob(t *testing.T) {
	q, _ := newTestQueue()
	router := setupRouter(q)

	w := doJSON(router, http.MethodPost, "/api/v1/jobs", `{"id":"order-1","kind":"outbound.delivery","payload":{"url":"https://example.com"}}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("EnqueueJob() status = %v, body = %s", w.Code, w.Body.String())
	}

	// Same id again while pending: deduplicated, not a second record.
	w = doJSON(router, http.MethodPost, "/api/v1/jobs", `{"id":"order-1","kind":"outbound.delivery","payload":{"url":"https://example.com"}}`)
	if w.Code != http.StatusOK {
		t.Errorf("duplicate enqueue status = %v, want 200", w.Code)
	}
	var resp struct {
		Data struct {
			Accepted bool `json:"accepted"`
		} `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Data.Accepted {
		t.Error("duplicate enqueue should report accepted=false")
	}
}

func TestQueueController_EnqueueJob_ValidationError(t *testing.T) {
	q, _ := newTestQueue()
	router := setupRouter(q)

	w := doJSON(router, http.MethodPost, "/api/v1/jobs", `{"payload":{}}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %v, want 400 for missing kind", w.Code)
	}
}

func TestQueueController_GetJob(t *testing.T) {
	q, _ := newTestQueue()
	router := setupRouter(q)

	if _, err := q.Enqueue(context.Background(), "job-1", "background", []byte(`{}`)); err != nil {
		t.Fatal(err)
	}

	w := doJSON(router, http.MethodGet, "/api/v1/jobs/job-1", "")
	if w.Code != http.StatusOK {
		t.Errorf("GetJob() status = %v", w.Code)
	}

	w = doJSON(router, http.MethodGet, "/api/v1/jobs/missing", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("GetJob() missing status = %v, want 404", w.Code)
	}
}

func TestQueueController_CancelJob(t *testing.T) {
	q, _ := newTestQueue()
	router := setupRouter(q)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, "job-2", "background", []byte(`{}`)); err != nil {
		t.Fatal(err)
	}

	w := doJSON(router, http.MethodDelete, "/api/v1/jobs/job-2", "")
	if w.Code != http.StatusOK {
		t.Fatalf("CancelJob() status = %v", w.Code)
	}

	// Cancelling a terminal job conflicts.
	w = doJSON(router, http.MethodDelete, "/api/v1/jobs/job-2", "")
	if w.Code != http.StatusConflict {
		t.Errorf("second CancelJob() status = %v, want 409", w.Code)
	}
}

func TestQueueController_DeadLetterFlow(t *testing.T) {
	q, _ := newTestQueue()
	router := setupRouter(q)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, "doomed", "background", []byte(`{}`)); err != nil {
		t.Fatal(err)
	}
	job, err := q.ClaimNext(ctx, "background")
	if err != nil {
		t.Fatal(err)
	}
	// A permanent failure parks the job in the DLQ immediately.
	if err := q.Fail(ctx, job, apperrors.FromStatusCode(http.StatusBadRequest, "broken payload")); err != nil {
		t.Fatal(err)
	}

	w := doJSON(router, http.MethodGet, "/api/v1/jobs/dlq", "")
	if w.Code != http.StatusOK {
		t.Fatalf("ListDeadLetters() status = %v", w.Code)
	}
	var list struct {
		Data struct {
			Total int `json:"total"`
		} `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if list.Data.Total != 1 {
		t.Errorf("dead letter total = %d, want 1", list.Data.Total)
	}

	w = doJSON(router, http.MethodPost, "/api/v1/jobs/dlq/doomed/requeue", "")
	if w.Code != http.StatusCreated {
		t.Errorf("RequeueDeadLetter() status = %v, body = %s", w.Code, w.Body.String())
	}
}

func TestQueueController_GetStats(t *testing.T) {
	q, _ := newTestQueue()
	router := setupRouter(q)

	if _, err := q.Enqueue(context.Background(), "s-1", "background", []byte(`{}`)); err != nil {
		t.Fatal(err)
	}

	w := doJSON(router, http.MethodGet, "/api/v1/jobs/stats", "")
	if w.Code != http.StatusOK {
		t.Fatalf("GetStats() status = %v", w.Code)
	}
	var resp struct {
		Data struct {
			PendingByKind map[string]int64 `json:"pending_by_kind"`
		} `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Data.PendingByKind["background"] != 1 {
		t.Errorf("pending[background] = %d, want 1", resp.Data.PendingByKind["background"])
	}
}

// Webhook Controller Tests

func signBody(body, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return hex.EncodeToString(mac.Sum(nil))
}

func setupWebhookRouter(q *queue.Queue, sources map[string]WebhookSource) *gin.Engine {
	router := gin.New()
	api := router.Group("/api/v1")
	NewWebhookController(q, sources, zap.NewNop()).RegisterRoutes(api)
	return router
}

func TestWebhookController_Receive(t *testing.T) {
	q, _ := newTestQueue()
	router := setupWebhookRouter(q, nil)

	body := `{"conversationId":"conv-42","messageId":"msg-7","text":"hello"}`
	w := doJSON(router, http.MethodPost, "/api/v1/webhooks/chatwoot", body)
	if w.Code != http.StatusAccepted {
		t.Fatalf("Receive() status = %v, body = %s", w.Code, w.Body.String())
	}

	job, err := q.Get(context.Background(), "chatwoot:conv-42:msg-7")
	if err != nil {
		t.Fatalf("expected job keyed by stable payload fields: %v", err)
	}
	if job.Kind != "webhook.inbound.chatwoot" {
		t.Errorf("kind = %s", job.Kind)
	}
}

func TestWebhookController_ReplayProtection(t *testing.T) {
	q, store := newTestQueue()
	router := setupWebhookRouter(q, nil)

	body := `{"conversationId":"conv-1","messageId":"msg-1"}`
	doJSON(router, http.MethodPost, "/api/v1/webhooks/chatwoot", body)
	w := doJSON(router, http.MethodPost, "/api/v1/webhooks/chatwoot", body)

	if w.Code != http.StatusAccepted {
		t.Errorf("redelivery status = %v, want 202", w.Code)
	}
	stats, err := store.Stats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.PendingByKind["webhook.inbound.chatwoot"] != 1 {
		t.Errorf("pending = %d, redelivery must not create a second job", stats.PendingByKind["webhook.inbound.chatwoot"])
	}
}

func TestWebhookController_SignatureVerification(t *testing.T) {
	q, _ := newTestQueue()
	sources := map[string]WebhookSource{
		"shopify": {Secret: "shpss_test", Kind: "webhook.inbound.shopify"},
	}
	router := setupWebhookRouter(q, sources)
	body := `{"id":"order-99","total":"10.00"}`

	t.Run("missing signature", func(t *testing.T) {
		w := doJSON(router, http.MethodPost, "/api/v1/webhooks/shopify", body)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("status = %v, want 401", w.Code)
		}
	})

	t.Run("bad signature", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/shopify", bytes.NewBufferString(body))
		req.Header.Set(SignatureHeader, "deadbeef")
		router.ServeHTTP(w, req)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("status = %v, want 401", w.Code)
		}
	})

	t.Run("valid signature", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/shopify", bytes.NewBufferString(body))
		req.Header.Set(SignatureHeader, signBody(body, "shpss_test"))
		router.ServeHTTP(w, req)
		if w.Code != http.StatusAccepted {
			t.Errorf("status = %v, body = %s", w.Code, w.Body.String())
		}
		if _, err := q.Get(context.Background(), "shopify:order-99"); err != nil {
			t.Errorf("job not enqueued: %v", err)
		}
	})
}

func TestWebhookController_InvalidPayload(t *testing.T) {
	q, _ := newTestQueue()
	router := setupWebhookRouter(q, nil)

	w := doJSON(router, http.MethodPost, "/api/v1/webhooks/chatwoot", `not-json`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %v, want 400", w.Code)
	}

	w = doJSON(router, http.MethodPost, "/api/v1/webhooks/chatwoot", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("empty body status = %v, want 400", w.Code)
	}
}
