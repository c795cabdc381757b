// Package mailer delivers one message with bounded retries and exponential
// backoff. The provider performs single attempts; the mailer decides whether
// to try again and reports the outcome as log lines, metrics and a boolean.
package mailer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shineum/smtp-send-lite/internal/email"
	"github.com/shineum/smtp-send-lite/internal/metrics"
	"github.com/shineum/smtp-send-lite/internal/provider"
)

// Result is the final outcome of Deliver.
type Result int

const (
	// Exhausted means every attempt failed or delivery was abandoned.
	Exhausted Result = iota
	// Delivered means one attempt was accepted.
	Delivered
)

func (r Result) String() string {
	if r == Delivered {
		return "delivered"
	}
	return "exhausted"
}

// Backoff returns the wait after the given failed attempt (1-based).
type Backoff func(attempt int) time.Duration

// MaxBackoff caps a single wait between attempts.
const MaxBackoff = time.Hour

// Exponential waits unit * 2^attempt: 2 units after the first failure,
// 4 after the second and so on, up to MaxBackoff.
func Exponential(unit time.Duration) Backoff {
	return func(attempt int) time.Duration {
		if unit <= 0 || attempt < 0 {
			return 0
		}
		if unit > MaxBackoff>>uint(attempt) {
			return MaxBackoff
		}
		return unit << uint(attempt)
	}
}

// NoDelay never waits.
func NoDelay(int) time.Duration { return 0 }

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the default Sleeper.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Option configures a Mailer.
type Option func(*Mailer)

// WithBackoff replaces the default one-second exponential backoff.
func WithBackoff(b Backoff) Option {
	return func(m *Mailer) { m.backoff = b }
}

// WithSleep replaces the wait between attempts.
func WithSleep(s Sleeper) Option {
	return func(m *Mailer) { m.sleep = s }
}

// WithLogger sets the logger for outcome lines. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(m *Mailer) { m.logger = l }
}

// WithMetrics records attempts and outcomes.
func WithMetrics(r *metrics.Recorder) Option {
	return func(m *Mailer) { m.metrics = r }
}

// WithAttemptTimeout bounds each attempt. Zero means no extra bound.
func WithAttemptTimeout(d time.Duration) Option {
	return func(m *Mailer) { m.attemptTimeout = d }
}

// Mailer sends messages through a Provider with retries.
type Mailer struct {
	provider       provider.Provider
	backoff        Backoff
	sleep          Sleeper
	logger         *slog.Logger
	metrics        *metrics.Recorder
	attemptTimeout time.Duration
}

// New returns a Mailer that delivers through p.
func New(p provider.Provider, opts ...Option) *Mailer {
	m := &Mailer{
		provider: p,
		backoff:  Exponential(time.Second),
		sleep:    Sleep,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m
}

// SendEmail builds one HTML message and delivers it with up to retries
// attempts. It reports true when an attempt succeeded. A message that
// cannot be built is reported as a failure without any attempt.
func (m *Mailer) SendEmail(ctx context.Context, from, recipient, subject, body string, retries int, opts ...email.Option) bool {
	msg, err := email.New(from, recipient, subject, body, opts...)
	if err != nil {
		m.logger.ErrorContext(ctx,
			fmt.Sprintf("[FAILURE] Could not send email to %s: %v", recipient, err),
			"recipient", recipient,
			"error", err,
		)
		m.metrics.ObserveOutcome(false)
		return false
	}
	return m.Deliver(ctx, msg, retries) == Delivered
}

// Deliver sends msg, retrying failed attempts until one succeeds, retries
// attempts have been made or ctx is done. Values of retries below 1 are
// treated as 1. Provider errors are logged and never returned.
func (m *Mailer) Deliver(ctx context.Context, msg *email.Email, retries int) Result {
	if retries < 1 {
		retries = 1
	}
	recipient := msg.Recipient()
	name := m.provider.Name()

	for attempt := 1; attempt <= retries; attempt++ {
		err := m.attempt(ctx, msg)
		if err == nil {
			m.logger.InfoContext(ctx,
				fmt.Sprintf("[SUCCESS] Email sent to %s", recipient),
				"recipient", recipient,
				"attempt", attempt,
				"provider", name,
			)
			m.metrics.ObserveOutcome(true)
			return Delivered
		}

		m.logger.ErrorContext(ctx,
			fmt.Sprintf("[ERROR] Attempt %d: Failed to send email to %s. Error: %v", attempt, recipient, err),
			"recipient", recipient,
			"attempt", attempt,
			"provider", name,
			"error", err,
		)

		if attempt == retries {
			break
		}

		wait := m.backoff(attempt)
		m.logger.InfoContext(ctx, fmt.Sprintf("Retrying in %g seconds...", wait.Seconds()), "wait", wait)
		if err := m.sleep(ctx, wait); err != nil {
			m.logger.WarnContext(ctx, "retry wait interrupted", "error", err)
			m.logger.ErrorContext(ctx,
				fmt.Sprintf("[FAILURE] Could not send email to %s after %d attempts.", recipient, attempt),
				"recipient", recipient,
				"attempts", attempt,
			)
			m.metrics.ObserveOutcome(false)
			return Exhausted
		}
	}

	m.logger.ErrorContext(ctx,
		fmt.Sprintf("[FAILURE] Could not send email to %s after %d attempts.", recipient, retries),
		"recipient", recipient,
		"attempts", retries,
	)
	m.metrics.ObserveOutcome(false)
	return Exhausted
}

// attempt runs one provider call under the per-attempt timeout.
func (m *Mailer) attempt(ctx context.Context, msg *email.Email) error {
	if m.attemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.attemptTimeout)
		defer cancel()
	}

	start := time.Now()
	err := m.provider.Send(ctx, msg)
	m.metrics.ObserveAttempt(m.provider.Name(), time.Since(start), err)
	return err
}
