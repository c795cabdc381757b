package provider

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/shineum/smtp-send-lite/internal/email"
)

type fakeProvider struct {
	name  string
	err   error
	calls int
}

func (f *fakeProvider) Send(_ context.Context, _ *email.Email) error {
	f.calls++
	return f.err
}

func (f *fakeProvider) Name() string { return f.name }

func testEmail(t *testing.T) *email.Email {
	t.Helper()
	msg, err := email.New("bot@example.com", "a@example.com", "Hi", "<p>hello</p>")
	if err != nil {
		t.Fatalf("failed to build email: %v", err)
	}
	return msg
}

func TestFallback_PrimarySucceeds(t *testing.T) {
	t.Parallel()

	primary := &fakeProvider{name: "graph"}
	secondary := &fakeProvider{name: "smtp"}
	f := NewFallback(primary, secondary)

	if err := f.Send(context.Background(), testEmail(t)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if primary.calls != 1 {
		t.Errorf("primary calls: got %d, want 1", primary.calls)
	}
	if secondary.calls != 0 {
		t.Errorf("secondary calls: got %d, want 0", secondary.calls)
	}
}

func TestFallback_SecondaryUsedOnFailure(t *testing.T) {
	t.Parallel()

	primary := &fakeProvider{name: "graph", err: errors.New("token expired")}
	secondary := &fakeProvider{name: "smtp"}
	f := NewFallback(primary, secondary)

	if err := f.Send(context.Background(), testEmail(t)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if secondary.calls != 1 {
		t.Errorf("secondary calls: got %d, want 1", secondary.calls)
	}
}

func TestFallback_BothFail(t *testing.T) {
	t.Parallel()

	errPrimary := errors.New("token expired")
	errSecondary := errors.New("connection refused")
	f := NewFallback(
		&fakeProvider{name: "graph", err: errPrimary},
		&fakeProvider{name: "smtp", err: errSecondary},
	)

	err := f.Send(context.Background(), testEmail(t))
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !errors.Is(err, errPrimary) || !errors.Is(err, errSecondary) {
		t.Errorf("error should wrap both causes: %v", err)
	}
	if !strings.Contains(err.Error(), "graph: token expired") {
		t.Errorf("error should name the primary provider: %v", err)
	}
}

func TestFallback_CanceledContextSkipsSecondary(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	secondary := &fakeProvider{name: "smtp"}
	f := NewFallback(&fakeProvider{name: "graph", err: context.Canceled}, secondary)

	if err := f.Send(ctx, testEmail(t)); !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", err)
	}
	if secondary.calls != 0 {
		t.Errorf("secondary calls: got %d, want 0", secondary.calls)
	}
}

func TestFallback_Name(t *testing.T) {
	t.Parallel()

	f := NewFallback(&fakeProvider{name: "graph"}, &fakeProvider{name: "smtp"})
	if f.Name() != "graph+smtp" {
		t.Errorf("Name(): got %q, want %q", f.Name(), "graph+smtp")
	}
}
