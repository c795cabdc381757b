package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/shineum/smtp-send-lite/internal/email"
)

const (
	defaultScope   = "https://graph.microsoft.com/.default"
	requestTimeout = 30 * time.Second
)

// Config holds the configuration for creating a Provider.
type Config struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	Sender       string

	// TokenURL and SendURL override the Microsoft endpoints (tests).
	TokenURL string
	SendURL  string
}

// Provider sends emails via the Microsoft Graph API using OAuth2 client
// credentials.
type Provider struct {
	sender  string
	sendURL string
	creds   clientcredentials.Config
	base    *http.Client

	mu     sync.Mutex
	client *http.Client
}

// New creates a Provider. Tokens are fetched lazily and cached until they
// expire.
func New(cfg Config) (*Provider, error) {
	if cfg.TenantID == "" || cfg.ClientID == "" || cfg.ClientSecret == "" || cfg.Sender == "" {
		return nil, errors.New("graph tenant_id, client_id, client_secret and sender are required")
	}

	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		tokenURL = fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", url.PathEscape(cfg.TenantID))
	}
	sendURL := cfg.SendURL
	if sendURL == "" {
		sendURL = fmt.Sprintf("https://graph.microsoft.com/v1.0/users/%s/sendMail", url.PathEscape(cfg.Sender))
	}

	p := &Provider{
		sender:  cfg.Sender,
		sendURL: sendURL,
		creds: clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     tokenURL,
			Scopes:       []string{defaultScope},
			AuthStyle:    oauth2.AuthStyleInParams,
		},
		base: &http.Client{Timeout: requestTimeout},
	}
	p.resetToken()
	return p, nil
}

// resetToken drops the cached token so the next request fetches a new one.
func (p *Provider) resetToken() {
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, p.base)
	client := p.creds.Client(ctx)

	p.mu.Lock()
	p.client = client
	p.mu.Unlock()
}

func (p *Provider) httpClient() *http.Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.client
}

// Send makes one sendMail request. A 401 response discards the cached
// token so the next attempt authenticates again.
func (p *Provider) Send(ctx context.Context, msg *email.Email) error {
	bodyJSON, err := json.Marshal(buildSendMailRequest(msg))
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.sendURL, bytes.NewReader(bodyJSON))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("graph request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK {
		slog.Debug("graph accepted message", "sender", p.sender)
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	message := string(body)
	var graphErr graphErrorResponse
	if jsonErr := json.Unmarshal(body, &graphErr); jsonErr == nil && graphErr.Error.Message != "" {
		message = graphErr.Error.Message
	}

	sendErr := classifyError(resp.StatusCode, message, resp.Header.Get("Retry-After"))
	if resp.StatusCode == http.StatusUnauthorized {
		slog.Info("graph rejected token, it will be refreshed on the next attempt")
		p.resetToken()
	}
	return sendErr
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "graph"
}

// Error is a non-success response from the sendMail endpoint.
type Error struct {
	StatusCode int
	Message    string

	// RetryAfter is the server's requested wait, zero when absent.
	RetryAfter time.Duration

	permanent bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("Graph API error (HTTP %d): %s", e.StatusCode, e.Message)
}

// Temporary reports whether a later attempt may succeed.
func (e *Error) Temporary() bool {
	return !e.permanent
}

// classifyError categorizes an HTTP error response. 401, 429 and 5xx are
// temporary; everything else is permanent.
func classifyError(statusCode int, message, retryAfter string) *Error {
	err := &Error{
		StatusCode: statusCode,
		Message:    message,
	}

	switch {
	case statusCode == http.StatusUnauthorized,
		statusCode == http.StatusTooManyRequests,
		statusCode >= 500:
	default:
		err.permanent = true
	}

	if seconds, convErr := strconv.Atoi(retryAfter); convErr == nil && seconds > 0 {
		err.RetryAfter = time.Duration(seconds) * time.Second
	}

	return err
}
