// Package webhook posts signed JSON payloads for webhook actions.
package webhook

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
	"time"

	"github.com/colebrumley/tripwire/internal/dispatcher"
)

const (
	HeaderSignature   = "X-Tripwire-Signature"
	HeaderTriggerID   = "X-Tripwire-Trigger-ID"
	HeaderExecutionID = "X-Tripwire-Execution-ID"

	defaultTimeout = 10 * time.Second
)

// HTTPCaller implements dispatcher.WebhookCaller. When a secret is set the
// body is signed with HMAC-SHA256 and the hex digest sent in HeaderSignature.
type HTTPCaller struct {
	client  *http.Client
	secret  string
	timeout time.Duration
}

var _ dispatcher.WebhookCaller = (*HTTPCaller)(nil)

// NewHTTPCaller creates a caller. A zero timeout means ten seconds.
func NewHTTPCaller(secret string, timeout time.Duration) *HTTPCaller {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &HTTPCaller{
		client:  &http.Client{},
		secret:  secret,
		timeout: timeout,
	}
}

// Post sends payload to url and returns the response status. Only transport
// failures are errors; the caller decides what a status means.
func (c *HTTPCaller) Post(ctx context.Context, url string, payload map[string]any) (int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "tripwire")
	if exec, ok := dispatcher.ExecutionFromContext(ctx); ok {
		req.Header.Set(HeaderTriggerID, exec.TriggerID)
		req.Header.Set(HeaderExecutionID, exec.ID)
	}
	if c.secret != "" {
		req.Header.Set(HeaderSignature, Sign(c.secret, body))
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("send: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	return resp.StatusCode, nil
}

// Sign returns the hex HMAC-SHA256 of body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches body. Receivers use it to
// authenticate deliveries.
func Verify(secret string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(signature))
}
