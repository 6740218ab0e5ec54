// Package webhook delivers completion events to external callback targets.
// Delivery is fire-and-forget relative to the triggering request: failures
// are logged and retried, never surfaced to the original caller.
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
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Config describes one callback destination and its delivery policy.
type Config struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Secret  string            `json:"secret,omitempty"`
	Retries int               `json:"retries,omitempty"`
	Timeout time.Duration     `json:"-"`
}

// Payload is the completion event delivered to the target.
type Payload struct {
	Event         string        `json:"event"`
	Timestamp     string        `json:"timestamp"`
	CorrelationID string        `json:"correlationId"`
	Tool          string        `json:"tool"`
	Status        string        `json:"status"`
	DurationMS    int64         `json:"durationMs"`
	Result        interface{}   `json:"result,omitempty"`
	Error         *PayloadError `json:"error,omitempty"`
}

// PayloadError mirrors the wire error for failed invocations.
type PayloadError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Result reports the outcome of a delivery.
type Result struct {
	Success    bool
	StatusCode int
	Attempts   int
	Err        error
}

// Notifier posts signed payloads with retried delivery.
type Notifier struct {
	client  *http.Client
	logger  *slog.Logger
	retries int
	timeout time.Duration
}

// New creates a Notifier. retries is the default retry budget for configs
// that do not set their own.
func New(client *http.Client, retries int, timeout time.Duration, logger *slog.Logger) *Notifier {
	if client == nil {
		client = http.DefaultClient
	}
	return &Notifier{
		client:  client,
		logger:  logger.With("component", "webhook"),
		retries: retries,
		timeout: timeout,
	}
}

// Deliver posts payload to the configured target, retrying on network
// errors, 5xx, and 429 with exponential backoff (base 1s, capped at 10s).
// Other 4xx statuses are terminal.
func (n *Notifier) Deliver(ctx context.Context, cfg Config, payload Payload) Result {
	log := n.logger.With(slog.String("url", cfg.URL), slog.String("event", payload.Event))

	body, err := json.Marshal(payload)
	if err != nil {
		return Result{Err: fmt.Errorf("failed to marshal webhook payload: %w", err)}
	}

	method := cfg.Method
	if method == "" {
		method = http.MethodPost
	}
	retries := cfg.Retries
	if retries <= 0 {
		retries = n.retries
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = n.timeout
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 10 * time.Second
	// No jitter: callers observe strictly increasing inter-attempt delays.
	bo.RandomizationFactor = 0
	bo.Reset()

	var res Result
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			wait := bo.NextBackOff()
			log.Debug("Retrying webhook delivery.", slog.Int("attempt", attempt), slog.Duration("backoff", wait))
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				res.Err = ctx.Err()
				return res
			}
		}
		res.Attempts = attempt + 1

		status, err := n.attempt(ctx, method, cfg, body, payload, timeout)
		res.StatusCode = status
		res.Err = err
		if err == nil && status >= 200 && status < 300 {
			res.Success = true
			log.Debug("Webhook delivered.", slog.Int("status", status), slog.Int("attempts", res.Attempts))
			return res
		}
		if err == nil && !retryableStatus(status) {
			log.Warn("Webhook delivery failed with terminal status.", slog.Int("status", status))
			res.Err = fmt.Errorf("webhook target returned status %d", status)
			return res
		}
		log.Warn("Webhook delivery attempt failed.",
			slog.Int("attempt", res.Attempts),
			slog.Int("status", status),
			slog.Any("error", err))
	}
	if res.Err == nil {
		res.Err = fmt.Errorf("webhook delivery exhausted %d attempts, last status %d", res.Attempts, res.StatusCode)
	}
	return res
}

func (n *Notifier) attempt(ctx context.Context, method string, cfg Config, body []byte, payload Payload, timeout time.Duration) (int, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, method, cfg.URL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Type", payload.Event)
	req.Header.Set("X-Event-Timestamp", payload.Timestamp)
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}
	if cfg.Secret != "" {
		req.Header.Set("X-Event-Signature", "sha256="+Sign(cfg.Secret, body))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

// Sign computes the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// retryableStatus reports whether a delivery status warrants another
// attempt: 5xx and 429 do, other 4xx are terminal.
func retryableStatus(status int) bool {
	return status >= 500 || status == http.StatusTooManyRequests
}
