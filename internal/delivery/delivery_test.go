package delivery

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/merchantops/relay/internal/queue"
	"github.com/merchantops/relay/internal/ratelimit"
	apperrors "github.com/merchantops/relay/pkg/errors"
)

func newDeliverer() *Deliverer {
	return NewDeliverer(
		&http.Client{Timeout: time.Second},
		ratelimit.NewRegistry(nil, zap.NewNop()),
		zap.NewNop(),
	)
}

func testJob() *queue.Job {
	return queue.NewJob("d-1", "webhook.outbound", []byte(`{}`))
}

func TestDeliverer_Success(t *testing.T) {
	var received atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Store(r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := newDeliverer()
	err := d.Deliver(context.Background(), testJob(), Payload{
		URL:  server.URL,
		Body: []byte(`{"event":"order.created"}`),
	})
	if err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if received.Load() != "application/json" {
		t.Errorf("Content-Type = %v", received.Load())
	}
}

func TestDeliverer_SignsBody(t *testing.T) {
	body := []byte(`{"event":"order.created"}`)
	var gotSig atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig.Store(r.Header.Get("X-Signature"))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := newDeliverer()
	err := d.Deliver(context.Background(), testJob(), Payload{
		URL:           server.URL,
		Body:          body,
		SigningSecret: "hook-secret",
	})
	if err != nil {
		t.Fatal(err)
	}

	mac := hmac.New(sha256.New, []byte("hook-secret"))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	if gotSig.Load() != want {
		t.Errorf("signature = %v, want %v", gotSig.Load(), want)
	}
}

func TestDeliverer_ClassifiesStatus(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		retryable bool
	}{
		{"server error", http.StatusBadGateway, true},
		{"rate limited", http.StatusTooManyRequests, true},
		{"client error", http.StatusUnprocessableEntity, false},
		{"not found", http.StatusNotFound, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			d := newDeliverer()
			err := d.Deliver(context.Background(), testJob(), Payload{URL: server.URL})
			if err == nil {
				t.Fatal("expected an error")
			}
			if apperrors.IsRetryable(err) != tt.retryable {
				t.Errorf("IsRetryable = %v, want %v for status %d",
					apperrors.IsRetryable(err), tt.retryable, tt.status)
			}
		})
	}
}

func TestDeliverer_NetworkErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // connection refused from here on

	d := newDeliverer()
	err := d.Deliver(context.Background(), testJob(), Payload{URL: server.URL})
	if err == nil {
		t.Fatal("expected an error")
	}
	if !apperrors.IsRetryable(err) {
		t.Error("network failures must be retryable")
	}
}

func TestDeliverer_InvalidURLIsPermanent(t *testing.T) {
	d := newDeliverer()
	err := d.Deliver(context.Background(), testJob(), Payload{URL: "not a url"})
	if err == nil {
		t.Fatal("expected an error")
	}
	if apperrors.IsRetryable(err) {
		t.Error("an unparseable target must not be retried")
	}
}

func TestDeliverer_ObservesRemainingHeader(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-RateLimit-Remaining", "2")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	registry := ratelimit.NewRegistry(map[string]ratelimit.Config{
		"slow-api": {Rate: 100, BurstSize: 50, MaxRetries: 1, WaitTimeout: time.Second},
	}, zap.NewNop())
	d := NewDeliverer(&http.Client{Timeout: time.Second}, registry, zap.NewNop())

	err := d.Deliver(context.Background(), testJob(), Payload{URL: server.URL, API: "slow-api"})
	if err != nil {
		t.Fatal(err)
	}

	if tokens := registry.Get("slow-api").Tokens(); tokens > 2 {
		t.Errorf("tokens = %v, server feedback should lower the estimate", tokens)
	}
}
