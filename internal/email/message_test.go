package email_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/shineum/smtp-send-lite/internal/email"
	"github.com/shineum/smtp-send-lite/internal/parser"
)

func TestNew_HTMLOnly(t *testing.T) {
	t.Parallel()

	msg, err := email.New("bot@example.com", "a@example.com", "Hi", "<p>hello</p>")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if msg.From != "bot@example.com" {
		t.Errorf("From: got %q, want %q", msg.From, "bot@example.com")
	}
	if len(msg.To) != 1 || msg.To[0] != "a@example.com" {
		t.Errorf("To: got %v, want [a@example.com]", msg.To)
	}
	if msg.Recipient() != "a@example.com" {
		t.Errorf("Recipient(): got %q, want %q", msg.Recipient(), "a@example.com")
	}
	if msg.Subject != "Hi" {
		t.Errorf("Subject: got %q, want %q", msg.Subject, "Hi")
	}
	if msg.HtmlBody != "<p>hello</p>" {
		t.Errorf("HtmlBody: got %q, want %q", msg.HtmlBody, "<p>hello</p>")
	}
	if msg.TextBody != "" {
		t.Errorf("TextBody: got %q, want empty", msg.TextBody)
	}
	if msg.Msg() == nil {
		t.Fatal("Msg(): got nil, want built message")
	}
	if msg.MessageID == "" {
		t.Error("MessageID: got empty, want generated id")
	}

	raw := string(msg.Raw())
	if !strings.Contains(raw, "text/html") {
		t.Error("raw message should declare a text/html part")
	}
	if strings.Contains(raw, "multipart/alternative") {
		t.Error("HTML-only message should not be multipart/alternative")
	}
}

func TestNew_WithTextBody(t *testing.T) {
	t.Parallel()

	msg, err := email.New("bot@example.com", "a@example.com", "Report", "<b>done</b>",
		email.WithTextBody("done"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.TextBody != "done" {
		t.Errorf("TextBody: got %q, want %q", msg.TextBody, "done")
	}

	raw := string(msg.Raw())
	if !strings.Contains(raw, "multipart/alternative") {
		t.Error("message with text alternative should be multipart/alternative")
	}
	if !strings.Contains(raw, "text/plain") || !strings.Contains(raw, "text/html") {
		t.Error("message should contain both text/plain and text/html parts")
	}
}

func TestNew_HeadersVerbatim(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		recipient string
		subject   string
		body      string
	}{
		{name: "ascii", recipient: "a@example.com", subject: "Hi", body: "<p>hello</p>"},
		{name: "unicode subject", recipient: "b@example.com", subject: "Grüße ✓ status", body: "<p>ok</p>"},
		{name: "punctuation", recipient: "first.last+tag@example.co.uk", subject: "[ALERT] 100% done: yes?", body: "<p>x</p>"},
		{name: "html is not sanitized", recipient: "c@example.com", subject: "raw", body: `<script>alert("x")</script>`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			msg, err := email.New("bot@example.com", tt.recipient, tt.subject, tt.body)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			decoded, err := parser.Parse(msg.Raw())
			if err != nil {
				t.Fatalf("failed to parse built message: %v", err)
			}
			if len(decoded.To) != 1 || decoded.To[0] != tt.recipient {
				t.Errorf("To: got %v, want [%s]", decoded.To, tt.recipient)
			}
			if decoded.Subject != tt.subject {
				t.Errorf("Subject: got %q, want %q", decoded.Subject, tt.subject)
			}
			if got := strings.TrimRight(decoded.HtmlBody, "\r\n"); got != tt.body {
				t.Errorf("HtmlBody: got %q, want %q", got, tt.body)
			}
		})
	}
}

func TestNew_EmptyRecipient(t *testing.T) {
	t.Parallel()

	for _, recipient := range []string{"", "   "} {
		_, err := email.New("bot@example.com", recipient, "Hi", "<p>hello</p>")
		if !errors.Is(err, email.ErrNoRecipient) {
			t.Errorf("recipient %q: got %v, want ErrNoRecipient", recipient, err)
		}
	}
}

func TestNew_InvalidAddresses(t *testing.T) {
	t.Parallel()

	if _, err := email.New("not an address", "a@example.com", "Hi", "body"); err == nil {
		t.Error("expected error for invalid from address")
	}
	if _, err := email.New("bot@example.com", "not an address", "Hi", "body"); err == nil {
		t.Error("expected error for invalid recipient")
	}
}

func TestNew_RawIsStable(t *testing.T) {
	t.Parallel()

	msg, err := email.New("bot@example.com", "a@example.com", "Hi", "<p>hello</p>")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	first := string(msg.Raw())
	second := string(msg.Raw())
	if first != second {
		t.Error("Raw() should return the same bytes on every call")
	}
}

func TestFromRaw(t *testing.T) {
	t.Parallel()

	raw := []byte("Subject: x\r\n\r\nbody")
	msg := email.FromRaw(raw)
	if string(msg.Raw()) != string(raw) {
		t.Errorf("Raw(): got %q, want %q", msg.Raw(), raw)
	}
	if msg.Msg() != nil {
		t.Error("Msg(): expected nil for raw message")
	}
	if msg.Recipient() != "" {
		t.Errorf("Recipient(): got %q, want empty", msg.Recipient())
	}
}
