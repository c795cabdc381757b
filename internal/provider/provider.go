// Package provider defines the interface for email delivery backends.
package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shineum/smtp-send-lite/internal/email"
)

// Provider is the interface that email delivery backends must implement.
// Send performs exactly one delivery attempt; retrying is the caller's job.
type Provider interface {
	// Send delivers an email message through this provider.
	// It returns an error if the delivery fails.
	Send(ctx context.Context, msg *email.Email) error

	// Name returns the human-readable name of this provider.
	Name() string
}

// Fallback sends through Primary and, when that fails, through Secondary.
type Fallback struct {
	Primary   Provider
	Secondary Provider
}

// NewFallback returns a Provider that tries primary and then secondary
// within a single attempt.
func NewFallback(primary, secondary Provider) *Fallback {
	return &Fallback{Primary: primary, Secondary: secondary}
}

// Send tries the primary provider first. The secondary is only used when the
// primary fails and the context is still live. When both fail the returned
// error wraps both causes.
func (f *Fallback) Send(ctx context.Context, msg *email.Email) error {
	primaryErr := f.Primary.Send(ctx, msg)
	if primaryErr == nil {
		return nil
	}
	if ctx.Err() != nil {
		return primaryErr
	}

	slog.Warn("primary provider failed, trying fallback",
		"primary", f.Primary.Name(),
		"fallback", f.Secondary.Name(),
		"error", primaryErr,
	)

	if err := f.Secondary.Send(ctx, msg); err != nil {
		return errors.Join(
			fmt.Errorf("%s: %w", f.Primary.Name(), primaryErr),
			fmt.Errorf("%s: %w", f.Secondary.Name(), err),
		)
	}
	return nil
}

// Name returns "primary+secondary".
func (f *Fallback) Name() string {
	return f.Primary.Name() + "+" + f.Secondary.Name()
}
