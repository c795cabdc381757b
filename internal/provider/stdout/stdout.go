// Package stdout implements a Provider that prints emails instead of
// delivering them. It backs the --dry-run flag.
package stdout

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/shineum/smtp-send-lite/internal/email"
	"github.com/shineum/smtp-send-lite/internal/parser"
)

const separator = "========================================\n"

// Provider prints email messages in a human-readable format.
type Provider struct {
	writer io.Writer
}

// New creates a stdout Provider that writes to os.Stdout.
func New() *Provider {
	return &Provider{writer: os.Stdout}
}

// NewWithWriter creates a stdout Provider that writes to w.
func NewWithWriter(w io.Writer) *Provider {
	return &Provider{writer: w}
}

// Send prints the message as it would go on the wire, decoded. Only a
// failed write is reported as an error.
func (p *Provider) Send(_ context.Context, msg *email.Email) error {
	view := decode(msg)

	var b strings.Builder
	b.WriteString(separator)
	fmt.Fprintf(&b, "From: %s\n", view.From)
	fmt.Fprintf(&b, "To: %s\n", strings.Join(view.To, ", "))
	fmt.Fprintf(&b, "Subject: %s\n", view.Subject)
	if view.MessageID != "" {
		fmt.Fprintf(&b, "Message-ID: %s\n", view.MessageID)
	}
	if view.TextBody != "" {
		b.WriteString("Text:\n")
		b.WriteString(strings.TrimRight(view.TextBody, "\r\n") + "\n")
	}
	b.WriteString("Body:\n")
	b.WriteString(strings.TrimRight(view.HtmlBody, "\r\n") + "\n")
	fmt.Fprintf(&b, "Size: %s\n", formatSize(len(msg.Raw())))
	b.WriteString(separator)

	if _, err := io.WriteString(p.writer, b.String()); err != nil {
		return fmt.Errorf("failed to print message: %w", err)
	}
	return nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "stdout"
}

// decode reads the serialized message back so the output shows what a
// transport would receive. The in-memory fields are used when there is
// nothing to parse.
func decode(msg *email.Email) *email.Email {
	raw := msg.Raw()
	if len(raw) == 0 {
		return msg
	}
	parsed, err := parser.Parse(raw)
	if err != nil {
		slog.Warn("failed to decode message for display", "error", err)
		return msg
	}
	return parsed
}

// formatSize formats a byte count into a human-readable string.
func formatSize(bytes int) string {
	const (
		kb = 1024
		mb = kb * 1024
	)

	switch {
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
