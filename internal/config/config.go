// Package config loads the delivery configuration from a YAML file with
// environment-variable overrides.
package config

import (
	"errors"
	"fmt"
	netmail "net/mail"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultRelativePath is the config location relative to the directory of
// the running executable.
const DefaultRelativePath = "../.bmad-core/core-config.yaml"

const (
	defaultSMTPPort    = 587
	defaultSMTPTimeout = 10 * time.Second
	defaultAttempts    = 3
	defaultBaseDelay   = time.Second
	defaultMetricsJob  = "send-email"
)

// Provider names accepted in the provider and fallback keys.
const (
	ProviderSMTP   = "smtp"
	ProviderSES    = "ses"
	ProviderGraph  = "graph"
	ProviderGmail  = "gmail"
	ProviderStdout = "stdout"
)

// SMTP security modes.
const (
	SecuritySTARTTLS = "starttls"
	SecuritySSL      = "ssl"
	SecurityNone     = "none"
)

// ErrMissingKey is wrapped by Error when a required key is absent.
var ErrMissingKey = errors.New("missing required key")

// Error reports a configuration that cannot be used. It is never retried.
type Error struct {
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("config: %v", e.Err)
	}
	return fmt.Sprintf("config %s: %v", e.Path, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Config holds the complete application configuration.
type Config struct {
	SMTP     SMTPConfig    `yaml:"smtp"`
	Retry    RetryConfig   `yaml:"retry"`
	Provider string        `yaml:"provider"`
	Fallback string        `yaml:"fallback"`
	SES      SESConfig     `yaml:"ses"`
	Graph    GraphConfig   `yaml:"graph"`
	Gmail    GmailConfig   `yaml:"gmailApi"`
	Metrics  MetricsConfig `yaml:"metrics"`
	Logging  LoggingConfig `yaml:"logging"`
}

// SMTPConfig holds the SMTP server connection parameters.
type SMTPConfig struct {
	Host     string        `yaml:"host"`
	Port     int           `yaml:"port"`
	User     string        `yaml:"user"`
	Password string        `yaml:"password"`
	Security string        `yaml:"security"`
	From     string        `yaml:"from"`
	Timeout  time.Duration `yaml:"timeout"`
	CAFile   string        `yaml:"ca_file"`
	HELO     string        `yaml:"helo"`
}

// RetryConfig controls the delivery retry loop.
type RetryConfig struct {
	Attempts  int           `yaml:"attempts"`
	BaseDelay time.Duration `yaml:"base_delay"`

	// AttemptTimeout bounds a whole attempt, fallback included. Zero
	// leaves only the transport timeouts.
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
}

// SESConfig holds AWS SES configuration.
type SESConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Sender          string `yaml:"sender"`
	Endpoint        string `yaml:"endpoint"` // e.g. a LocalStack URL
}

// GraphConfig holds Microsoft Graph API configuration.
type GraphConfig struct {
	TenantID     string `yaml:"tenant_id"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	Sender       string `yaml:"sender"`
}

// GmailConfig holds Gmail API configuration. The OAuth token is read from
// TokenPath; it must have been obtained beforehand.
type GmailConfig struct {
	Sender       string `yaml:"sender"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	TokenPath    string `yaml:"token_path"`
}

// MetricsConfig configures the optional Pushgateway export.
type MetricsConfig struct {
	PushgatewayURL string `yaml:"pushgateway_url"`
	Job            string `yaml:"job"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultPath returns DefaultRelativePath resolved against the directory of
// the running executable.
func DefaultPath() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("failed to locate executable: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	return filepath.Clean(filepath.Join(filepath.Dir(exe), DefaultRelativePath)), nil
}

// LoadDotEnv loads a .env file from the working directory if one exists.
// Variables already present in the environment are left untouched.
func LoadDotEnv() {
	_ = godotenv.Load()
}

// Override adjusts a loaded configuration before validation, e.g. from
// command-line flags.
type Override func(*Config)

// Load reads the YAML file at path, applies defaults, environment variables
// and overrides (in that order), and validates the result. Each call
// re-reads the file. Any failure is returned as *Error.
func Load(path string, overrides ...Override) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &Error{Path: path, Err: fmt.Errorf("failed to read config file: %w", err)}
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, &Error{Path: path, Err: fmt.Errorf("failed to parse config file: %w", err)}
	}

	// Environment variables always override YAML values
	if err := cfg.applyEnvVars(); err != nil {
		return nil, &Error{Path: path, Err: err}
	}
	for _, o := range overrides {
		o(cfg)
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, &Error{Path: path, Err: err}
	}
	return cfg, nil
}

// Validate checks that every key the selected providers need is present.
func (c *Config) Validate() error {
	if c.SMTP.Port < 1 || c.SMTP.Port > 65535 {
		return fmt.Errorf("smtp.port %d out of range", c.SMTP.Port)
	}
	switch c.SMTP.Security {
	case SecuritySTARTTLS, SecuritySSL, SecurityNone:
	default:
		return fmt.Errorf("smtp.security %q: want starttls, ssl or none", c.SMTP.Security)
	}
	if c.Retry.Attempts < 1 {
		return fmt.Errorf("retry.attempts must be at least 1, got %d", c.Retry.Attempts)
	}
	if c.Fallback != "" && c.Fallback == c.Provider {
		return fmt.Errorf("fallback %q is the same as provider", c.Fallback)
	}

	for _, name := range []string{c.Provider, c.Fallback} {
		if name == "" {
			continue
		}
		if err := c.validateProvider(name); err != nil {
			return err
		}
	}
	return c.validateSender()
}

func (c *Config) validateProvider(name string) error {
	switch name {
	case ProviderSMTP:
		return requireKeys(map[string]string{
			"smtp.host":     c.SMTP.Host,
			"smtp.user":     c.SMTP.User,
			"smtp.password": c.SMTP.Password,
		})
	case ProviderSES:
		return requireKeys(map[string]string{
			"ses.region": c.SES.Region,
			"ses.sender": c.SES.Sender,
		})
	case ProviderGraph:
		return requireKeys(map[string]string{
			"graph.tenant_id":     c.Graph.TenantID,
			"graph.client_id":     c.Graph.ClientID,
			"graph.client_secret": c.Graph.ClientSecret,
			"graph.sender":        c.Graph.Sender,
		})
	case ProviderGmail:
		return requireKeys(map[string]string{
			"gmailApi.sender":        c.Gmail.Sender,
			"gmailApi.client_id":     c.Gmail.ClientID,
			"gmailApi.client_secret": c.Gmail.ClientSecret,
		})
	case ProviderStdout:
		return nil
	default:
		return fmt.Errorf("unknown provider %q", name)
	}
}

// requireKeys lists every empty key, sorted so the message is stable.
func requireKeys(keys map[string]string) error {
	var missing []string
	for k, v := range keys {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, k)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return fmt.Errorf("%w: %s", ErrMissingKey, strings.Join(missing, ", "))
}

// Sender returns the From address for outgoing mail: smtp.from when set,
// otherwise the SMTP user. Non-SMTP providers use their own sender.
func (c *Config) Sender() string {
	_, v := c.senderKey()
	return v
}

// senderKey returns the key Sender reads and its value.
func (c *Config) senderKey() (string, string) {
	switch c.Provider {
	case ProviderSES:
		return "ses.sender", c.SES.Sender
	case ProviderGraph:
		return "graph.sender", c.Graph.Sender
	case ProviderGmail:
		return "gmailApi.sender", c.Gmail.Sender
	}
	if c.SMTP.From != "" {
		return "smtp.from", c.SMTP.From
	}
	return "smtp.user", c.SMTP.User
}

// validateSender rejects a From address that cannot be put in a message
// header. SMTP user names such as "apikey" are not addresses, in which
// case smtp.from has to be set.
func (c *Config) validateSender() error {
	key, value := c.senderKey()
	if value == "" {
		return nil
	}
	if _, err := netmail.ParseAddress(value); err != nil {
		if key == "smtp.user" {
			return fmt.Errorf("%w: smtp.from (smtp.user %q is not an email address)", ErrMissingKey, value)
		}
		return fmt.Errorf("%s %q is not an email address: %w", key, value, err)
	}
	return nil
}

// applyDefaults sets default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.SMTP.Port = defaultSMTPPort
	c.SMTP.Security = SecuritySTARTTLS
	c.SMTP.Timeout = defaultSMTPTimeout
	c.Retry.Attempts = defaultAttempts
	c.Retry.BaseDelay = defaultBaseDelay
	c.Provider = ProviderSMTP
	c.Metrics.Job = defaultMetricsJob
	c.Logging.Level = "info"
	c.Logging.Format = "console"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() error {
	if v := os.Getenv("SMTP_HOST"); v != "" {
		c.SMTP.Host = v
	}
	if v := os.Getenv("SMTP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid SMTP_PORT %q: %w", v, err)
		}
		c.SMTP.Port = port
	}
	if v := os.Getenv("SMTP_USER"); v != "" {
		c.SMTP.User = v
	}
	if v := os.Getenv("SMTP_PASSWORD"); v != "" {
		c.SMTP.Password = v
	}
	if v := os.Getenv("SMTP_SECURITY"); v != "" {
		c.SMTP.Security = v
	}
	if v := os.Getenv("FROM_EMAIL"); v != "" {
		c.SMTP.From = v
	}
	if v := os.Getenv("SMTP_FROM"); v != "" {
		c.SMTP.From = v
	}

	if v := os.Getenv("PROVIDER"); v != "" {
		c.Provider = v
	}
	if v := os.Getenv("USE_SMTP_FALLBACK"); strings.EqualFold(v, "true") {
		c.Fallback = ProviderSMTP
	}
	if v := os.Getenv("RETRY_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid RETRY_ATTEMPTS %q: %w", v, err)
		}
		c.Retry.Attempts = n
	}

	if v := os.Getenv("SES_REGION"); v != "" {
		c.SES.Region = v
	}
	if v := os.Getenv("SES_ACCESS_KEY_ID"); v != "" {
		c.SES.AccessKeyID = v
	}
	if v := os.Getenv("SES_SECRET_ACCESS_KEY"); v != "" {
		c.SES.SecretAccessKey = v
	}
	if v := os.Getenv("SES_SENDER"); v != "" {
		c.SES.Sender = v
	}
	if v := os.Getenv("SES_ENDPOINT"); v != "" {
		c.SES.Endpoint = v
	}

	if v := os.Getenv("GRAPH_TENANT_ID"); v != "" {
		c.Graph.TenantID = v
	}
	if v := os.Getenv("GRAPH_CLIENT_ID"); v != "" {
		c.Graph.ClientID = v
	}
	if v := os.Getenv("GRAPH_CLIENT_SECRET"); v != "" {
		c.Graph.ClientSecret = v
	}
	if v := os.Getenv("GRAPH_SENDER"); v != "" {
		c.Graph.Sender = v
	}

	if v := os.Getenv("GMAIL_SENDER"); v != "" {
		c.Gmail.Sender = v
	}
	if v := os.Getenv("GOOGLE_CLIENT_ID"); v != "" {
		c.Gmail.ClientID = v
	}
	if v := os.Getenv("GOOGLE_CLIENT_SECRET"); v != "" {
		c.Gmail.ClientSecret = v
	}
	if v := os.Getenv("GOOGLE_TOKEN_PATH"); v != "" {
		c.Gmail.TokenPath = v
	}

	if v := os.Getenv("PUSHGATEWAY_URL"); v != "" {
		c.Metrics.PushgatewayURL = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	return nil
}

// normalize lower-cases enumerated values and fills derived defaults.
func (c *Config) normalize() {
	c.SMTP.Security = strings.ToLower(strings.TrimSpace(c.SMTP.Security))
	c.Provider = strings.ToLower(strings.TrimSpace(c.Provider))
	c.Fallback = strings.ToLower(strings.TrimSpace(c.Fallback))
	c.Logging.Level = strings.ToLower(c.Logging.Level)
	c.Logging.Format = strings.ToLower(c.Logging.Format)
	if c.SMTP.Timeout <= 0 {
		c.SMTP.Timeout = defaultSMTPTimeout
	}
	if c.Retry.BaseDelay < 0 {
		c.Retry.BaseDelay = 0
	}
	if c.Retry.AttemptTimeout < 0 {
		c.Retry.AttemptTimeout = 0
	}
	if c.Gmail.TokenPath == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.Gmail.TokenPath = filepath.Join(home, ".bmad", "gmail_token.json")
		}
	}
}
