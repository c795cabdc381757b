// Package gmail implements a Provider that sends emails through the Gmail
// API using a previously authorized OAuth token.
package gmail

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/shineum/smtp-send-lite/internal/email"
)

// Config holds the configuration for creating a Provider.
type Config struct {
	Sender       string
	ClientID     string
	ClientSecret string

	// TokenPath is a JSON token file as written by Google's OAuth libraries.
	TokenPath string

	// Endpoint overrides the Gmail API base URL (tests).
	Endpoint string
}

// Provider sends emails via users.messages.send.
type Provider struct {
	sender  string
	service *gmailapi.Service
}

// storedToken accepts both the Go oauth2 field names and the
// expiry_date milliseconds written by the Node googleapis client.
type storedToken struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type"`
	Expiry       time.Time `json:"expiry"`
	ExpiryDate   int64     `json:"expiry_date"`
}

// LoadToken reads an OAuth token from path.
func LoadToken(path string) (*oauth2.Token, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read gmail token: %w", err)
	}

	var st storedToken
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to parse gmail token %s: %w", path, err)
	}
	if st.AccessToken == "" && st.RefreshToken == "" {
		return nil, fmt.Errorf("gmail token %s has neither access_token nor refresh_token", path)
	}

	tok := &oauth2.Token{
		AccessToken:  st.AccessToken,
		RefreshToken: st.RefreshToken,
		TokenType:    st.TokenType,
		Expiry:       st.Expiry,
	}
	if tok.Expiry.IsZero() && st.ExpiryDate > 0 {
		tok.Expiry = time.UnixMilli(st.ExpiryDate)
	}
	return tok, nil
}

// New loads the token and creates the Gmail service. Expired tokens are
// refreshed with the client credentials when a refresh token is present.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.Sender == "" {
		return nil, errors.New("gmail sender is required")
	}

	tok, err := LoadToken(cfg.TokenPath)
	if err != nil {
		return nil, err
	}

	oauthCfg := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     endpoints.Google,
		Scopes:       []string{gmailapi.GmailSendScope},
	}

	opts := []option.ClientOption{option.WithTokenSource(oauthCfg.TokenSource(ctx, tok))}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}

	svc, err := gmailapi.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gmail service: %w", err)
	}

	return &Provider{sender: cfg.Sender, service: svc}, nil
}

// Send uploads the serialized message as base64url raw content.
func (p *Provider) Send(ctx context.Context, msg *email.Email) error {
	raw := msg.Raw()
	if len(raw) == 0 {
		return errors.New("message has no content")
	}

	sent, err := p.service.Users.Messages.Send("me", &gmailapi.Message{
		Raw: base64.RawURLEncoding.EncodeToString(raw),
	}).Context(ctx).Do()
	if err != nil {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) {
			return fmt.Errorf("gmail API error (HTTP %d): %s: %w", apiErr.Code, apiErr.Message, err)
		}
		return fmt.Errorf("gmail send failed: %w", err)
	}

	slog.Debug("gmail accepted message", "sender", p.sender, "gmail_id", sent.Id)
	return nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "gmail"
}
