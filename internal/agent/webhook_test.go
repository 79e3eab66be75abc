package agent

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

// fastClient returns a delivery client whose retry schedule is compressed to
// keep tests quick.
func fastClient() *DeliveryClient {
	c := NewDeliveryClient()
	c.delays = []time.Duration{0, time.Millisecond, time.Millisecond, time.Millisecond}
	return c
}

func testTarget(url string) *WebhookConfig {
	return &WebhookConfig{
		Name:           "ops",
		URL:            url,
		Secret:         "s3cret",
		Events:         []string{"anomaly", "recovery"},
		TimeoutSeconds: 5,
	}
}

func TestSignKnownVector(t *testing.T) {
	body := []byte(`{"version":"1"}`)
	mac := hmac.New(sha256.New, []byte("s3cret"))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))

	if got := Sign(body, "s3cret"); got != want {
		t.Errorf("Sign = %s, want %s", got, want)
	}
}

func TestDeliverHeadersAndSignature(t *testing.T) {
	body := []byte(`{"version":"1","event_type":"anomaly"}`)

	var gotSig, gotEvent, gotSource, gotType string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Signature")
		gotEvent = r.Header.Get("X-Event")
		gotSource = r.Header.Get("X-Source")
		gotType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	result := fastClient().Deliver(context.Background(), body, testTarget(srv.URL), EventAnomaly, "orders")

	if !result.Success {
		t.Fatalf("delivery failed: %s", result.Error)
	}
	if result.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", result.Attempts)
	}
	if gotType != "application/json" {
		t.Errorf("Content-Type = %q", gotType)
	}
	if gotEvent != "anomaly" {
		t.Errorf("X-Event = %q, want anomaly", gotEvent)
	}
	if gotSource != "orders" {
		t.Errorf("X-Source = %q, want orders", gotSource)
	}
	if want := "sha256=" + Sign(body, "s3cret"); gotSig != want {
		t.Errorf("X-Signature = %q, want %q", gotSig, want)
	}
	if string(gotBody) != string(body) {
		t.Errorf("body on the wire differs from signed body")
	}
}

func TestDeliverNoSecretNoSignature(t *testing.T) {
	var sawSig bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, sawSig = r.Header["X-Signature"]
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	target := testTarget(srv.URL)
	target.Secret = ""
	result := fastClient().Deliver(context.Background(), []byte("{}"), target, EventInfo, "t")
	if !result.Success {
		t.Fatalf("delivery failed: %s", result.Error)
	}
	if sawSig {
		t.Error("X-Signature set without a secret")
	}
}

func TestDeliverRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	result := fastClient().Deliver(context.Background(), []byte("{}"), testTarget(srv.URL), EventAnomaly, "t")
	if !result.Success {
		t.Fatalf("delivery failed: %s", result.Error)
	}
	if result.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", result.Attempts)
	}
}

func TestDeliverClientErrorTerminal(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	result := fastClient().Deliver(context.Background(), []byte("{}"), testTarget(srv.URL), EventAnomaly, "t")
	if result.Success {
		t.Fatal("delivery should fail on 403")
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("server calls = %d, want 1 (4xx is terminal)", got)
	}
	if result.StatusCode == nil || *result.StatusCode != http.StatusForbidden {
		t.Errorf("StatusCode = %v, want 403", result.StatusCode)
	}
}

func TestDeliverRetryable429(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	result := fastClient().Deliver(context.Background(), []byte("{}"), testTarget(srv.URL), EventAnomaly, "t")
	if !result.Success {
		t.Fatalf("delivery failed: %s", result.Error)
	}
	if result.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", result.Attempts)
	}
}

func TestDeliverExhaustsAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	result := fastClient().Deliver(context.Background(), []byte("{}"), testTarget(srv.URL), EventAnomaly, "t")
	if result.Success {
		t.Fatal("delivery should fail after all attempts")
	}
	if got := calls.Load(); got != 4 {
		t.Errorf("server calls = %d, want 4", got)
	}
	if result.Attempts != 4 {
		t.Errorf("Attempts = %d, want 4", result.Attempts)
	}
	if result.Error == "" {
		t.Error("Error must describe the final failure")
	}
}

func TestDeliverNetworkErrorRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close() // nothing listening anymore

	result := fastClient().Deliver(context.Background(), []byte("{}"), testTarget(url), EventAnomaly, "t")
	if result.Success {
		t.Fatal("delivery should fail against a closed server")
	}
	if result.Attempts != 4 {
		t.Errorf("Attempts = %d, want 4 (network errors retry)", result.Attempts)
	}
	if result.StatusCode != nil {
		t.Errorf("StatusCode = %v, want nil", *result.StatusCode)
	}
}

func TestRetryableStatus(t *testing.T) {
	tests := []struct {
		status int
		want   bool
	}{
		{500, true},
		{502, true},
		{503, true},
		{408, true},
		{425, true},
		{429, true},
		{400, false},
		{401, false},
		{403, false},
		{404, false},
		{410, false},
	}
	for _, tt := range tests {
		if got := retryableStatus(tt.status); got != tt.want {
			t.Errorf("retryableStatus(%d) = %v, want %v", tt.status, got, tt.want)
		}
	}
}
