package email

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

const brevoEndpoint = "https://api.brevo.com/v3/smtp/email"

// BrevoProvider sends through Brevo's transactional email API.
type BrevoProvider struct {
	client   *http.Client
	logger   *slog.Logger
	apiKey   string
	fromName string
	endpoint string
}

// NewBrevoProvider creates a Brevo provider. The sender address comes from
// each message; fromName is the display name shown with it.
func NewBrevoProvider(apiKey, fromName string, logger *slog.Logger) *BrevoProvider {
	return &BrevoProvider{
		client:   &http.Client{Timeout: 30 * time.Second},
		logger:   logger,
		apiKey:   apiKey,
		fromName: fromName,
		endpoint: brevoEndpoint,
	}
}

type brevoSendRequest struct {
	Sender  brevoContact   `json:"sender"`
	To      []brevoContact `json:"to"`
	Subject string         `json:"subject"`
	HTML    string         `json:"htmlContent"`
	Text    string         `json:"textContent,omitempty"`
}

type brevoContact struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// brevoStatusError is a non-2xx answer from the API.
type brevoStatusError struct {
	StatusCode int
	Body       string
}

func (e *brevoStatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("brevo: HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("brevo: HTTP %d: %s", e.StatusCode, e.Body)
}

// Send delivers msg, retrying network faults, 429 and 5xx answers.
func (b *BrevoProvider) Send(ctx context.Context, msg *Message) error {
	payload, err := json.Marshal(brevoSendRequest{
		Sender:  brevoContact{Email: msg.From, Name: b.fromName},
		To:      []brevoContact{{Email: msg.To}},
		Subject: msg.Subject,
		HTML:    msg.HTML,
		Text:    msg.Text,
	})
	if err != nil {
		return fmt.Errorf("marshal brevo request: %w", err)
	}

	return retry.Do(
		func() error {
			err := b.post(ctx, payload, msg.To)
			var se *brevoStatusError
			if errors.As(err, &se) && se.StatusCode < 500 && se.StatusCode != http.StatusTooManyRequests {
				return retry.Unrecoverable(err)
			}
			return err
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			b.logger.Info("Retrying Brevo send", "attempt", n, "to", msg.To, "error", err)
		}),
	)
}

// post makes one API call.
func (b *BrevoProvider) post(ctx context.Context, payload []byte, to string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create brevo request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("api-key", b.apiKey)

	start := time.Now()
	resp, err := b.client.Do(req)
	if err != nil {
		b.logger.Warn("Brevo request failed", "to", to, "duration_ms", time.Since(start).Milliseconds(), "error", err)
		return err
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			b.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512)) //nolint:errcheck // best effort detail
		b.logger.Warn("Brevo rejected message", "to", to, "status_code", resp.StatusCode)
		return &brevoStatusError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(body))}
	}

	b.logger.Info("Brevo accepted message",
		"to", to,
		"status_code", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds())
	return nil
}
