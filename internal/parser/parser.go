// Package parser decodes serialized RFC 5322 messages back into the email
// model. It is used to display a message before delivery and to inspect
// messages received by test servers.
package parser

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	gomessagemail "github.com/emersion/go-message/mail"

	"github.com/shineum/smtp-send-lite/internal/email"
)

// Parse decodes a raw message. Transfer encodings (quoted-printable, base64)
// and RFC 2047 encoded headers are decoded. The first text/plain and
// text/html inline parts become TextBody and HtmlBody; attachments are
// skipped.
func Parse(raw []byte) (*email.Email, error) {
	mr, err := gomessagemail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		if !message.IsUnknownCharset(err) {
			return nil, fmt.Errorf("failed to parse message: %w", err)
		}
		slog.Warn("unknown charset in message header", "error", err)
	}
	defer mr.Close()

	result := email.FromRaw(raw)

	if from, err := mr.Header.AddressList("From"); err == nil && len(from) > 0 {
		result.From = from[0].Address
	} else {
		result.From = mr.Header.Get("From")
	}
	result.To = addressList(&mr.Header, "To")

	subject, err := mr.Header.Subject()
	if err != nil {
		slog.Warn("failed to decode subject, using raw value", "error", err)
		subject = mr.Header.Get("Subject")
	}
	result.Subject = subject

	if id, err := mr.Header.MessageID(); err == nil && id != "" {
		result.MessageID = "<" + id + ">"
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if message.IsUnknownCharset(err) || message.IsUnknownEncoding(err) {
				slog.Warn("skipping undecodable part", "error", err)
				continue
			}
			return nil, fmt.Errorf("failed to read next part: %w", err)
		}

		switch h := part.Header.(type) {
		case *gomessagemail.InlineHeader:
			mediaType, _, err := h.ContentType()
			if err != nil {
				mediaType = "text/plain"
			}
			body, err := io.ReadAll(part.Body)
			if err != nil {
				return nil, fmt.Errorf("failed to read %s part: %w", mediaType, err)
			}
			switch mediaType {
			case "text/plain":
				if result.TextBody == "" {
					result.TextBody = string(body)
				}
			case "text/html":
				if result.HtmlBody == "" {
					result.HtmlBody = string(body)
				}
			default:
				slog.Warn("unrecognized inline part, skipping", "content_type", mediaType)
			}
		case *gomessagemail.AttachmentHeader:
			filename, _ := h.Filename()
			slog.Debug("skipping attachment", "filename", filename)
		}
	}

	return result, nil
}

// addressList returns the bare addresses in a header, falling back to the
// raw header value when it does not parse as an address list.
func addressList(h *gomessagemail.Header, key string) []string {
	addrs, err := h.AddressList(key)
	if err != nil {
		if v := h.Get(key); v != "" {
			return []string{v}
		}
		return nil
	}
	if len(addrs) == 0 {
		return nil
	}
	result := make([]string, 0, len(addrs))
	for _, a := range addrs {
		result = append(result, a.Address)
	}
	return result
}
