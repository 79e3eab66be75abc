package agent

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"time"
)

// retryDelays is the wait before each attempt. Four attempts total; the
// first fires immediately.
var retryDelays = []time.Duration{0, 1 * time.Second, 5 * time.Second, 15 * time.Second}

// DeliveryClient posts signed payloads to webhook targets with bounded
// retries.
type DeliveryClient struct {
	client *http.Client
	delays []time.Duration
}

// NewDeliveryClient returns a client with the standard retry schedule. The
// per-attempt timeout comes from each target's config, so the underlying
// http.Client carries none.
func NewDeliveryClient() *DeliveryClient {
	return &DeliveryClient{
		client: &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 3 {
					return fmt.Errorf("too many redirects")
				}
				return nil
			},
		},
		delays: retryDelays,
	}
}

// Deliver sends one payload body to one target. Network errors, timeouts,
// and retryable HTTP statuses are retried per the schedule; any 2xx is
// success, any other 4xx is a terminal failure. The reported latency spans
// the first attempt to the last.
func (c *DeliveryClient) Deliver(ctx context.Context, body []byte, target *WebhookConfig, event EventType, source string) DeliveryResult {
	start := time.Now()
	result := DeliveryResult{}

	timeout := time.Duration(target.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	for attempt := 0; attempt < len(c.delays); attempt++ {
		if d := c.delays[attempt]; d > 0 {
			select {
			case <-ctx.Done():
				result.Error = ctx.Err().Error()
				result.LatencyMs = time.Since(start).Milliseconds()
				return result
			case <-time.After(d):
			}
		}
		result.Attempts = attempt + 1

		status, err := c.post(ctx, body, target, event, source, timeout)
		if err != nil {
			result.Error = err.Error()
			continue
		}
		result.StatusCode = &status

		if status >= 200 && status < 300 {
			result.Success = true
			result.Error = ""
			result.LatencyMs = time.Since(start).Milliseconds()
			return result
		}

		result.Error = fmt.Sprintf("HTTP %d", status)
		if !retryableStatus(status) {
			break
		}
	}

	result.LatencyMs = time.Since(start).Milliseconds()
	return result
}

func (c *DeliveryClient) post(ctx context.Context, body []byte, target *WebhookConfig, event EventType, source string, timeout time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.URL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event", string(event))
	req.Header.Set("X-Source", source)
	if target.Secret != "" {
		req.Header.Set("X-Signature", "sha256="+Sign(body, target.Secret))
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return resp.StatusCode, nil
}

// retryableStatus reports whether an HTTP status warrants another attempt:
// all 5xx plus 408, 425, and 429.
func retryableStatus(status int) bool {
	if status >= 500 {
		return true
	}
	switch status {
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
		return true
	}
	return false
}

// Sign computes the lowercase-hex HMAC-SHA256 of the exact body bytes keyed
// by the target secret (UTF-8).
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
