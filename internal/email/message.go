// Package email defines the message model shared by the mailer and all
// delivery providers.
package email

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/wneessen/go-mail"
)

// userAgent is written to the User-Agent and X-Mailer headers.
const userAgent = "smtp-send-lite"

// ErrNoRecipient is returned by New when the recipient is empty.
var ErrNoRecipient = errors.New("no recipient specified")

// Email is a single outgoing message. It is built once by New and must not
// be modified afterwards; every delivery attempt sends the same bytes.
type Email struct {
	From      string
	To        []string
	Subject   string
	TextBody  string
	HtmlBody  string
	MessageID string

	msg *mail.Msg
	raw []byte
}

// Option configures optional parts of a message built by New.
type Option func(*Email)

// WithTextBody adds a plain-text alternative to the HTML body.
func WithTextBody(text string) Option {
	return func(e *Email) {
		e.TextBody = text
	}
}

// New builds an HTML message from sender to recipient. The recipient and
// subject are used verbatim, as is the body. With a text alternative the
// message is multipart/alternative; otherwise it has a single text/html part.
func New(from, recipient, subject, htmlBody string, opts ...Option) (*Email, error) {
	if strings.TrimSpace(recipient) == "" {
		return nil, ErrNoRecipient
	}

	e := &Email{
		From:     from,
		To:       []string{recipient},
		Subject:  subject,
		HtmlBody: htmlBody,
	}
	for _, opt := range opts {
		opt(e)
	}

	m := mail.NewMsg()
	if err := m.From(from); err != nil {
		return nil, fmt.Errorf("invalid from address %q: %w", from, err)
	}
	if err := m.To(recipient); err != nil {
		return nil, fmt.Errorf("invalid recipient %q: %w", recipient, err)
	}
	m.Subject(subject)
	m.SetUserAgent(userAgent)
	m.SetDate()
	m.SetMessageID()

	if e.TextBody != "" {
		m.SetBodyString(mail.TypeTextPlain, e.TextBody)
		m.AddAlternativeString(mail.TypeTextHTML, htmlBody)
	} else {
		m.SetBodyString(mail.TypeTextHTML, htmlBody)
	}

	var buf bytes.Buffer
	if _, err := m.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("failed to serialize message: %w", err)
	}

	if ids := m.GetGenHeader(mail.HeaderMessageID); len(ids) > 0 {
		e.MessageID = ids[0]
	}
	e.msg = m
	e.raw = buf.Bytes()
	return e, nil
}

// Msg returns the built message for SMTP transports. It is nil for messages
// that were parsed rather than built.
func (e *Email) Msg() *mail.Msg {
	return e.msg
}

// Raw returns the serialized RFC 5322 message. Callers must not modify it.
func (e *Email) Raw() []byte {
	return e.raw
}

// Recipient returns the first To address, or an empty string.
func (e *Email) Recipient() string {
	if len(e.To) == 0 {
		return ""
	}
	return e.To[0]
}

// FromRaw wraps an already serialized message. It is used by parsers that
// decode received messages; the result has no Msg.
func FromRaw(raw []byte) *Email {
	return &Email{raw: raw}
}
