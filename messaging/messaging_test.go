package messaging

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func TestHubClientSendsBearerAndPayload(t *testing.T) {
	type received struct {
		auth    string
		payload map[string]string
	}
	var (
		mu   sync.Mutex
		got  []received
		fail bool
	)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/messages" {
			t.Errorf("path = %q", r.URL.Path)
		}
		var payload map[string]string
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode: %v", err)
		}
		mu.Lock()
		got = append(got, received{auth: r.Header.Get("Authorization"), payload: payload})
		mu.Unlock()
		if fail {
			http.Error(w, "hub down", http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	client := NewHubClient(ts.URL+"/", "secret-token")
	if err := client.SendToDevice(context.Background(), "0DEV", "hello"); err != nil {
		t.Fatalf("SendToDevice: %v", err)
	}
	mu.Lock()
	if len(got) != 1 || got[0].auth != "Bearer secret-token" {
		t.Fatalf("requests = %+v", got)
	}
	if got[0].payload["device_address"] != "0DEV" || got[0].payload["text"] != "hello" {
		t.Fatalf("payload = %v", got[0].payload)
	}
	fail = true
	mu.Unlock()

	if err := client.SendToDevice(context.Background(), "0DEV", "again"); err == nil {
		t.Fatal("SendToDevice succeeded against a failing hub")
	}
}

func TestHubClientIgnoresEmptyDevice(t *testing.T) {
	client := NewHubClient("http://127.0.0.1:1", "")
	if err := client.SendToDevice(context.Background(), " ", "hello"); err != nil {
		t.Fatalf("SendToDevice with empty device: %v", err)
	}
}

func TestWebhookAlerterPostsSubjectAndBody(t *testing.T) {
	var payload map[string]string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	alerter := NewWebhookAlerter(ts.URL)
	if err := alerter.Alert(context.Background(), "token payout failed", "details"); err != nil {
		t.Fatalf("Alert: %v", err)
	}
	if payload["subject"] != "token payout failed" || payload["body"] != "details" {
		t.Fatalf("payload = %v", payload)
	}
}

func TestThrottledAppliesRateLimit(t *testing.T) {
	var count int
	next := MessengerFunc(func(context.Context, string, string) error {
		count++
		return nil
	})
	// One message per 50ms with no burst headroom beyond the first.
	throttled := NewThrottled(next, 20, 1)

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := throttled.SendToDevice(context.Background(), "0DEV", "x"); err != nil {
			t.Fatalf("SendToDevice: %v", err)
		}
	}
	if count != 3 {
		t.Fatalf("delivered = %d", count)
	}
	if elapsed := time.Since(start); elapsed < 80*time.Millisecond {
		t.Fatalf("elapsed = %s, want the limiter to pace deliveries", elapsed)
	}
}

func TestThrottledRespectsCancellation(t *testing.T) {
	next := MessengerFunc(func(context.Context, string, string) error { return nil })
	throttled := NewThrottled(next, 1, 1)
	ctx, cancel := context.WithCancel(context.Background())

	// Drain the burst, then cancel while the second send is waiting.
	if err := throttled.SendToDevice(ctx, "0DEV", "first"); err != nil {
		t.Fatalf("first send: %v", err)
	}
	cancel()
	if err := throttled.SendToDevice(ctx, "0DEV", "second"); err == nil {
		t.Fatal("send succeeded after cancellation")
	}
}
