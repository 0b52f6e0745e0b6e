// Package callback notifies client supplied callback URLs about the outcome
// of a submission.
package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Payload is the JSON document posted to a callback URL.
type Payload struct {
	Status               string `json:"status"`
	ErrorInfo            string `json:"error_info,omitempty"`
	JobID                string `json:"job_id,omitempty"`
	ForeignCalculationID string `json:"foreign_calculation_id,omitempty"`
}

// Config tunes the notifier.
type Config struct {
	Timeout    time.Duration
	RetryLimit int
	Client     *http.Client
}

// Notifier posts payloads to callback URLs.
type Notifier struct {
	retryLimit int
	client     *http.Client
}

// NewNotifier builds a Notifier. A zero Timeout means 10 seconds.
func NewNotifier(cfg Config) *Notifier {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	hc := cfg.Client
	if hc == nil {
		hc = &http.Client{Timeout: timeout}
	}
	return &Notifier{
		retryLimit: max(cfg.RetryLimit, 0),
		client:     hc,
	}
}

// Notify posts p to url, retrying failed deliveries with a linear backoff.
// An empty url is a no-op.
func (n *Notifier) Notify(ctx context.Context, url string, p Payload) error {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil
	}
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode callback payload: %w", err)
	}

	attempts := n.retryLimit + 1
	var lastErr error
	for attempt := range attempts {
		err = n.post(ctx, url, body)
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt == attempts-1 {
			break
		}
		timer := time.NewTimer(time.Duration(attempt+1) * 200 * time.Millisecond)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}

func (n *Notifier) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("callback request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, readErr := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if readErr != nil {
			return errors.Join(fmt.Errorf("callback %s", resp.Status), readErr)
		}
		return fmt.Errorf("callback %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	_, err = io.Copy(io.Discard, resp.Body)
	return err
}
