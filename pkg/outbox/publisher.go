package outbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// BrokerConfig configures the external broker endpoint.
type BrokerConfig struct {
	URL string
	// Token is attached as a bearer Authorization header when non-empty.
	Token string
	// Timeout bounds each delivery attempt. It surfaces as a retryable
	// *BrokerPublishError, never as message loss.
	Timeout time.Duration
}

// BrokerPublishError reports a failed delivery attempt. The message stays in
// the outbox and is retried on the publisher's own schedule; the error is
// never surfaced synchronously to the mutation caller.
type BrokerPublishError struct {
	MessageID  string
	StatusCode int // 0 on transport error or timeout
	Err        error
}

func (e *BrokerPublishError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("broker publish failed for %s: %v", e.MessageID, e.Err)
	}
	return fmt.Sprintf("broker publish failed for %s: status %d", e.MessageID, e.StatusCode)
}

func (e *BrokerPublishError) Unwrap() error { return e.Err }

// BrokerPublisher delivers outbox messages to an HTTP broker.
type BrokerPublisher struct {
	cfg    BrokerConfig
	client *http.Client
}

// NewBrokerPublisher builds a publisher; Timeout defaults to 10s.
func NewBrokerPublisher(cfg BrokerConfig) *BrokerPublisher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &BrokerPublisher{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// Publish POSTs the wire body; any non-2xx status or transport failure is a
// *BrokerPublishError.
func (p *BrokerPublisher) Publish(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg.Wire())
	if err != nil {
		return &BrokerPublishError{MessageID: msg.ID, Err: err}
	}

	attemptCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, p.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return &BrokerPublishError{MessageID: msg.ID, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if p.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.Token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return &BrokerPublishError{MessageID: msg.ID, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &BrokerPublishError{MessageID: msg.ID, StatusCode: resp.StatusCode}
	}
	return nil
}

// Describe summarizes the broker target for startup logging, omitting the
// token.
func (p *BrokerPublisher) Describe() string {
	auth := "none"
	if p.cfg.Token != "" {
		auth = "bearer"
	}
	return fmt.Sprintf("url=%s auth=%s timeout=%s", p.cfg.URL, auth, p.cfg.Timeout)
}
