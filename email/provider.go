// Package email delivers result digests via pluggable email providers.
package email

import (
	"context"
	"fmt"
	"log/slog"
)

// Message is one digest email. Text and HTML are alternative renderings.
type Message struct {
	From    string
	To      string
	Subject string
	Text    string
	HTML    string
}

// Provider defines the interface for email sending implementations.
type Provider interface {
	// Send sends one message.
	Send(ctx context.Context, msg *Message) error
}

// DeliveryError reports a failed delivery to one recipient.
type DeliveryError struct {
	Err       error
	Recipient string
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver to %s: %v", e.Recipient, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Sender sends digest emails using a pluggable provider.
type Sender struct {
	provider Provider
	logger   *slog.Logger
	fromAddr string
	subject  string
}

// New creates a new email sender with the given provider.
func New(provider Provider, logger *slog.Logger, fromAddr, subject string) *Sender {
	if subject == "" {
		subject = "New Reddit Search Results"
	}
	return &Sender{
		provider: provider,
		logger:   logger,
		fromAddr: fromAddr,
		subject:  subject,
	}
}

// Deliver sends one digest to recipient.
func (s *Sender) Deliver(ctx context.Context, recipient, markdown, html string) error {
	s.logger.Info("Sending digest email",
		"to", recipient,
		"subject", s.subject,
		"body_length", len(markdown))

	err := s.provider.Send(ctx, &Message{
		From:    s.fromAddr,
		To:      recipient,
		Subject: s.subject,
		Text:    markdown,
		HTML:    html,
	})
	if err != nil {
		return &DeliveryError{Recipient: recipient, Err: err}
	}

	s.logger.Info("Email successfully sent", "to", recipient)
	return nil
}
