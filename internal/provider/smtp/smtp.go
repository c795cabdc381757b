// Package smtp implements a Provider that delivers mail to an SMTP relay
// using go-mail. Each Send opens a new connection, negotiates TLS,
// authenticates and transmits one message.
package smtp

import (
	"bytes"
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/wneessen/go-mail"
	gomaillog "github.com/wneessen/go-mail/log"
	gomailsmtp "github.com/wneessen/go-mail/smtp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/shineum/smtp-send-lite/internal/email"
	sendtls "github.com/shineum/smtp-send-lite/internal/tls"
)

// Security modes.
const (
	SecuritySTARTTLS = "starttls"
	SecuritySSL      = "ssl"
	SecurityNone     = "none"
)

const defaultTimeout = 10 * time.Second

// Config holds the settings for the SMTP provider.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string

	// Security is starttls (default), ssl or none.
	Security string

	// Timeout bounds connection setup and each protocol step.
	Timeout time.Duration

	// HELO overrides the EHLO hostname; empty uses the OS hostname.
	HELO string

	// CAFile restricts trust to the PEM certificates in the file.
	CAFile string

	// RootCAs, when set, replaces the trust roots. Used by tests.
	RootCAs *x509.CertPool

	// Debug logs the SMTP conversation at debug level.
	Debug bool
}

// Provider sends email through an SMTP server.
type Provider struct {
	client *mail.Client
	addr   string
	tracer trace.Tracer
}

// New validates cfg and prepares the TLS context and client. No connection
// is made until Send.
func New(cfg Config) (*Provider, error) {
	if cfg.Host == "" {
		return nil, errors.New("smtp host is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Security == "" {
		cfg.Security = SecuritySTARTTLS
	}

	tlsCfg, err := sendtls.ClientConfig(cfg.Host, cfg.CAFile)
	if err != nil {
		return nil, err
	}
	if cfg.RootCAs != nil {
		tlsCfg.RootCAs = cfg.RootCAs
	}

	opts := []mail.Option{
		mail.WithPort(cfg.Port),
		mail.WithTimeout(cfg.Timeout),
		mail.WithTLSConfig(tlsCfg),
	}

	switch cfg.Security {
	case SecuritySTARTTLS:
		opts = append(opts, mail.WithTLSPolicy(mail.TLSMandatory))
	case SecuritySSL:
		opts = append(opts, mail.WithSSL(), mail.WithTLSPolicy(mail.NoTLS))
	case SecurityNone:
		opts = append(opts, mail.WithTLSPolicy(mail.NoTLS))
	default:
		return nil, fmt.Errorf("unknown smtp security mode %q", cfg.Security)
	}

	if cfg.Username != "" || cfg.Password != "" {
		opts = append(opts, mail.WithUsername(cfg.Username), mail.WithPassword(cfg.Password))
		if cfg.Security == SecurityNone {
			// go-mail only discovers PLAIN and LOGIN on encrypted connections.
			opts = append(opts, mail.WithSMTPAuthCustom(&cleartextAuth{
				username: cfg.Username,
				password: cfg.Password,
				host:     cfg.Host,
			}))
		} else {
			opts = append(opts, mail.WithSMTPAuth(mail.SMTPAuthAutoDiscover))
		}
	}
	if cfg.HELO != "" {
		opts = append(opts, mail.WithHELO(cfg.HELO))
	}
	if cfg.Debug {
		opts = append(opts, mail.WithDebugLog(), mail.WithLogger(protocolLogger{}))
	}

	client, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create smtp client: %w", err)
	}

	slog.Debug("smtp provider initialized",
		"host", cfg.Host,
		"port", cfg.Port,
		"security", cfg.Security,
		"auth", cfg.Username != "",
	)

	return &Provider{
		client: client,
		addr:   cfg.Host + ":" + strconv.Itoa(cfg.Port),
		tracer: otel.Tracer("github.com/shineum/smtp-send-lite/internal/provider/smtp"),
	}, nil
}

// Send makes one delivery attempt over a new connection.
func (p *Provider) Send(ctx context.Context, msg *email.Email) error {
	ctx, span := p.tracer.Start(ctx, "smtp.Send", trace.WithAttributes(
		attribute.String("server.address", p.addr),
		attribute.String("email.recipient", msg.Recipient()),
	))
	defer span.End()

	m, err := toMsg(msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "build message")
		return err
	}

	if err := p.client.DialAndSendWithContext(ctx, m); err != nil {
		var sendErr *mail.SendError
		if errors.As(err, &sendErr) {
			span.SetAttributes(
				attribute.Int("smtp.reply_code", sendErr.ErrorCode()),
				attribute.Bool("smtp.temporary", sendErr.IsTemp()),
			)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "send")
		return fmt.Errorf("smtp send to %s failed: %w", p.addr, err)
	}

	slog.Debug("smtp message accepted", "addr", p.addr, "message_id", msg.MessageID)
	return nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "smtp"
}

// toMsg returns the go-mail message for msg, rebuilding it from the raw
// bytes for messages that were parsed rather than composed.
func toMsg(msg *email.Email) (*mail.Msg, error) {
	if m := msg.Msg(); m != nil {
		return m, nil
	}
	if len(msg.Raw()) == 0 {
		return nil, errors.New("message has no content")
	}
	m, err := mail.EMLToMsgFromReader(bytes.NewReader(msg.Raw()))
	if err != nil {
		return nil, fmt.Errorf("failed to load raw message: %w", err)
	}
	return m, nil
}

// protocolLogger routes go-mail's protocol log into slog.
type protocolLogger struct{}

func (protocolLogger) Debugf(l gomaillog.Log) { logProtocol(slog.LevelDebug, l) }
func (protocolLogger) Infof(l gomaillog.Log)  { logProtocol(slog.LevelInfo, l) }
func (protocolLogger) Warnf(l gomaillog.Log)  { logProtocol(slog.LevelWarn, l) }
func (protocolLogger) Errorf(l gomaillog.Log) { logProtocol(slog.LevelError, l) }

func logProtocol(level slog.Level, l gomaillog.Log) {
	dir := "server"
	if l.Direction == gomaillog.DirClientToServer {
		dir = "client"
	}
	slog.Log(context.Background(), level, "smtp "+dir, "line", fmt.Sprintf(l.Format, l.Messages...))
}

// cleartextAuth authenticates with PLAIN or LOGIN, whichever the server
// advertises, on connections without TLS.
type cleartextAuth struct {
	username string
	password string
	host     string

	gomailsmtp.Auth
}

func (a *cleartextAuth) Start(server *gomailsmtp.ServerInfo) (string, []byte, error) {
	switch {
	case slices.Contains(server.Auth, "PLAIN"):
		a.Auth = gomailsmtp.PlainAuth("", a.username, a.password, a.host, true)
	case slices.Contains(server.Auth, "LOGIN"):
		a.Auth = gomailsmtp.LoginAuth(a.username, a.password, a.host, true)
	default:
		return "", nil, fmt.Errorf("server offers no PLAIN or LOGIN authentication (advertised: %s)",
			strings.Join(server.Auth, " "))
	}
	return a.Auth.Start(server)
}
