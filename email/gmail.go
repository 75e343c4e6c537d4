package email

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/textproto"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

// GmailScope is the OAuth scope needed to send mail.
const GmailScope = gmail.GmailSendScope

// GmailCredentials selects how the Gmail API client authenticates.
// CredentialsJSON wins when set; otherwise the refresh token is exchanged
// using the OAuth client ID and secret. With neither, UseDefault falls back
// to Application Default Credentials (the Cloud Run service account).
type GmailCredentials struct {
	CredentialsJSON string
	ClientID        string
	ClientSecret    string
	RefreshToken    string
	UseDefault      bool
}

// OAuthConfig returns the installed-app OAuth config for Gmail sending.
func OAuthConfig(clientID, clientSecret string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     google.Endpoint,
		RedirectURL:  "http://localhost",
		Scopes:       []string{GmailScope},
	}
}

// NewGmailService creates a Gmail API client from creds.
func NewGmailService(ctx context.Context, creds GmailCredentials) (*gmail.Service, error) {
	if creds.CredentialsJSON != "" {
		return gmail.NewService(ctx, option.WithCredentialsJSON([]byte(creds.CredentialsJSON)))
	}
	if creds.RefreshToken == "" {
		if creds.UseDefault {
			return gmail.NewService(ctx, option.WithScopes(GmailScope))
		}
		return nil, errors.New("gmail refresh token or credentials JSON required")
	}
	if creds.ClientID == "" || creds.ClientSecret == "" {
		return nil, errors.New("gmail client ID and secret required with a refresh token")
	}

	ts := OAuthConfig(creds.ClientID, creds.ClientSecret).TokenSource(ctx, &oauth2.Token{RefreshToken: creds.RefreshToken})
	// Fail at startup rather than on the first delivery if the token is bad.
	if _, err := ts.Token(); err != nil {
		return nil, fmt.Errorf("refresh gmail token: %w", err)
	}
	return gmail.NewService(ctx, option.WithTokenSource(ts))
}

// GmailProvider sends emails via Gmail API.
type GmailProvider struct {
	service *gmail.Service
	logger  *slog.Logger
}

// NewGmailProvider creates a new Gmail email provider.
func NewGmailProvider(service *gmail.Service, logger *slog.Logger) *GmailProvider {
	return &GmailProvider{
		service: service,
		logger:  logger,
	}
}

// sanitizeEmailHeader removes newlines and control characters to prevent header injection.
func sanitizeEmailHeader(s string) string {
	var result strings.Builder
	for _, r := range s {
		if r >= 32 && r != 127 {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// buildMIME renders msg as a multipart/alternative message with a plain
// text part followed by an HTML part.
func buildMIME(msg *Message) ([]byte, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	for _, part := range []struct {
		contentType string
		content     string
	}{
		{"text/plain; charset=utf-8", msg.Text},
		{"text/html; charset=utf-8", msg.HTML},
	} {
		w, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {part.contentType},
			"Content-Transfer-Encoding": {"quoted-printable"},
		})
		if err != nil {
			return nil, fmt.Errorf("create mime part: %w", err)
		}
		qp := quotedprintable.NewWriter(w)
		if _, err := qp.Write([]byte(part.content)); err != nil {
			return nil, fmt.Errorf("write mime part: %w", err)
		}
		if err := qp.Close(); err != nil {
			return nil, fmt.Errorf("close mime part: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close multipart: %w", err)
	}

	var out bytes.Buffer
	out.WriteString("MIME-Version: 1.0\r\n")
	if msg.From != "" {
		out.WriteString(fmt.Sprintf("From: %s\r\n", sanitizeEmailHeader(msg.From)))
	}
	out.WriteString(fmt.Sprintf("To: %s\r\n", sanitizeEmailHeader(msg.To)))
	out.WriteString(fmt.Sprintf("Subject: %s\r\n", mime.QEncoding.Encode("utf-8", sanitizeEmailHeader(msg.Subject))))
	out.WriteString(fmt.Sprintf("Content-Type: multipart/alternative; boundary=%q\r\n\r\n", mw.Boundary()))
	out.Write(body.Bytes())
	return out.Bytes(), nil
}

// Send sends an email via Gmail API.
func (g *GmailProvider) Send(ctx context.Context, msg *Message) error {
	raw, err := buildMIME(msg)
	if err != nil {
		return err
	}
	encoded := base64.URLEncoding.EncodeToString(raw)
	to := sanitizeEmailHeader(msg.To)

	return retry.Do(
		func() error {
			g.logger.Info("Gmail API request starting",
				"method", "POST",
				"endpoint", "users.messages.send",
				"to", to,
				"subject", msg.Subject)

			startTime := time.Now()
			_, err := g.service.Users.Messages.Send("me", &gmail.Message{
				Raw: encoded,
			}).Context(ctx).Do()
			duration := time.Since(startTime)

			if err != nil {
				g.logger.Warn("Gmail API send failed, will retry",
					"to", to,
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return err
			}

			g.logger.Info("Gmail API request completed",
				"endpoint", "users.messages.send",
				"to", to,
				"duration_ms", duration.Milliseconds(),
				"status", "success")

			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			g.logger.Info("Retrying Gmail email send after error", "attempt", n, "error", err)
		}),
	)
}
