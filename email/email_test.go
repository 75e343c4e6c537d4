package email

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/http"
	"net/http/httptest"
	"net/mail"
	"os"
	"strings"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

type failingProvider struct{ err error }

func (f *failingProvider) Send(context.Context, *Message) error { return f.err }

func TestDeliverUsesProvider(t *testing.T) {
	logger := testLogger()
	provider := NewMockProvider(logger)
	sender := New(provider, logger, "bot@example.com", "Reddit matches")

	if err := sender.Deliver(context.Background(), "a@x.com", "## md", "<h2>md</h2>"); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}

	sent := provider.Sent()
	if len(sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(sent))
	}
	got := sent[0]
	if got.To != "a@x.com" || got.From != "bot@example.com" || got.Subject != "Reddit matches" {
		t.Errorf("unexpected envelope: %+v", got)
	}
	if got.Text != "## md" || got.HTML != "<h2>md</h2>" {
		t.Errorf("unexpected bodies: %+v", got)
	}
}

func TestDeliverDefaultSubject(t *testing.T) {
	logger := testLogger()
	provider := NewMockProvider(logger)
	sender := New(provider, logger, "bot@example.com", "")

	if err := sender.Deliver(context.Background(), "a@x.com", "md", "html"); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if subj := provider.Sent()[0].Subject; subj != "New Reddit Search Results" {
		t.Errorf("subject = %q", subj)
	}
}

func TestDeliverWrapsProviderErrors(t *testing.T) {
	cause := errors.New("quota exceeded")
	sender := New(&failingProvider{err: cause}, testLogger(), "bot@example.com", "")

	err := sender.Deliver(context.Background(), "a@x.com", "md", "html")
	var derr *DeliveryError
	if !errors.As(err, &derr) {
		t.Fatalf("Deliver() error = %v, want *DeliveryError", err)
	}
	if derr.Recipient != "a@x.com" {
		t.Errorf("Recipient = %q", derr.Recipient)
	}
	if !errors.Is(err, cause) {
		t.Error("DeliveryError should unwrap to the provider error")
	}
}

func TestSanitizeEmailHeader(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain", "a@x.com", "a@x.com"},
		{"crlf injection", "a@x.com\r\nBcc: evil@x.com", "a@x.comBcc: evil@x.com"},
		{"tab and del", "sub\tject\x7f", "subject"},
		{"unicode kept", "Résultats", "Résultats"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sanitizeEmailHeader(tt.input); got != tt.want {
				t.Errorf("sanitizeEmailHeader(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestBuildMIMEAlternativeParts(t *testing.T) {
	raw, err := buildMIME(&Message{
		From:    "bot@example.com",
		To:      "a@x.com\r\nBcc: evil@x.com",
		Subject: "New results",
		Text:    "## New Search Results Found!",
		HTML:    "<h2>New Search Results Found!</h2>",
	})
	if err != nil {
		t.Fatalf("buildMIME() error = %v", err)
	}

	msg, err := mail.ReadMessage(strings.NewReader(string(raw)))
	if err != nil {
		t.Fatalf("parse message: %v", err)
	}
	if got := msg.Header.Get("To"); got != "a@x.comBcc: evil@x.com" {
		t.Errorf("To header = %q", got)
	}
	if msg.Header.Get("Bcc") != "" {
		t.Error("header injection produced a Bcc header")
	}
	if msg.Header.Get("MIME-Version") != "1.0" {
		t.Error("missing MIME-Version")
	}

	mediaType, params, err := mime.ParseMediaType(msg.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/alternative" {
		t.Fatalf("Content-Type = %q (%v)", msg.Header.Get("Content-Type"), err)
	}

	mr := multipart.NewReader(msg.Body, params["boundary"])
	var types, bodies []string
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("next part: %v", err)
		}
		body, err := io.ReadAll(quotedprintable.NewReader(p))
		if err != nil {
			t.Fatalf("read part: %v", err)
		}
		types = append(types, p.Header.Get("Content-Type"))
		bodies = append(bodies, string(body))
	}

	if len(types) != 2 || !strings.HasPrefix(types[0], "text/plain") || !strings.HasPrefix(types[1], "text/html") {
		t.Fatalf("part types = %v, want text/plain then text/html", types)
	}
	if bodies[0] != "## New Search Results Found!" {
		t.Errorf("text part = %q", bodies[0])
	}
	if bodies[1] != "<h2>New Search Results Found!</h2>" {
		t.Errorf("html part = %q", bodies[1])
	}
}

func TestBrevoSendsTextAndHTML(t *testing.T) {
	var got brevoSendRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("api-key") != "key" {
			t.Errorf("api-key header = %q", r.Header.Get("api-key"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	b := NewBrevoProvider("key", "Reddit Notifier", testLogger())
	b.endpoint = srv.URL

	err := b.Send(context.Background(), &Message{From: "bot@example.com", To: "a@x.com", Subject: "s", Text: "md", HTML: "<p>md</p>"})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if got.Sender.Email != "bot@example.com" || got.Sender.Name != "Reddit Notifier" {
		t.Errorf("sender = %+v", got.Sender)
	}
	if len(got.To) != 1 || got.To[0].Email != "a@x.com" {
		t.Errorf("to = %+v", got.To)
	}
	if got.Text != "md" || got.HTML != "<p>md</p>" {
		t.Errorf("bodies = %q / %q", got.Text, got.HTML)
	}
}

func TestBrevoClientErrorNotRetried(t *testing.T) {
	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	b := NewBrevoProvider("key", "", testLogger())
	b.endpoint = srv.URL

	if err := b.Send(context.Background(), &Message{To: "a@x.com"}); err == nil {
		t.Fatal("Send() should fail on 400")
	}
	if requests != 1 {
		t.Errorf("requests = %d, want 1", requests)
	}
}
