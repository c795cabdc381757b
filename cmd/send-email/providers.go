package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/shineum/smtp-send-lite/internal/config"
	"github.com/shineum/smtp-send-lite/internal/provider"
	"github.com/shineum/smtp-send-lite/internal/provider/gmail"
	"github.com/shineum/smtp-send-lite/internal/provider/graph"
	"github.com/shineum/smtp-send-lite/internal/provider/ses"
	"github.com/shineum/smtp-send-lite/internal/provider/smtp"
	"github.com/shineum/smtp-send-lite/internal/provider/stdout"
)

// buildProviders creates the configured provider, wrapped with the
// fallback provider when one is set.
func buildProviders(ctx context.Context, cfg *config.Config, out io.Writer) (provider.Provider, error) {
	primary, err := newProvider(ctx, cfg.Provider, cfg, out)
	if err != nil {
		return nil, err
	}
	if cfg.Fallback == "" {
		return primary, nil
	}

	secondary, err := newProvider(ctx, cfg.Fallback, cfg, out)
	if err != nil {
		return nil, fmt.Errorf("fallback: %w", err)
	}
	slog.Info("fallback provider enabled", "primary", primary.Name(), "fallback", secondary.Name())
	return provider.NewFallback(primary, secondary), nil
}

// newProvider creates a single provider by name.
func newProvider(ctx context.Context, name string, cfg *config.Config, out io.Writer) (provider.Provider, error) {
	switch name {
	case config.ProviderSMTP:
		slog.Debug("using SMTP provider",
			"host", cfg.SMTP.Host,
			"port", cfg.SMTP.Port,
			"security", cfg.SMTP.Security,
		)
		p, err := smtp.New(smtp.Config{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.User,
			Password: cfg.SMTP.Password,
			Security: cfg.SMTP.Security,
			Timeout:  cfg.SMTP.Timeout,
			HELO:     cfg.SMTP.HELO,
			CAFile:   cfg.SMTP.CAFile,
			Debug:    cfg.Logging.Level == "debug",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create SMTP provider: %w", err)
		}
		return p, nil

	case config.ProviderSES:
		slog.Debug("using AWS SES provider",
			"region", cfg.SES.Region,
			"sender", cfg.SES.Sender,
		)
		p, err := ses.New(ctx, ses.Config{
			Region:          cfg.SES.Region,
			AccessKeyID:     cfg.SES.AccessKeyID,
			SecretAccessKey: cfg.SES.SecretAccessKey,
			Sender:          cfg.SES.Sender,
			Endpoint:        cfg.SES.Endpoint,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create SES provider: %w", err)
		}
		return p, nil

	case config.ProviderGraph:
		slog.Debug("using Microsoft Graph provider", "sender", cfg.Graph.Sender)
		p, err := graph.New(graph.Config{
			TenantID:     cfg.Graph.TenantID,
			ClientID:     cfg.Graph.ClientID,
			ClientSecret: cfg.Graph.ClientSecret,
			Sender:       cfg.Graph.Sender,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Graph provider: %w", err)
		}
		return p, nil

	case config.ProviderGmail:
		slog.Debug("using Gmail API provider",
			"sender", cfg.Gmail.Sender,
			"token_path", cfg.Gmail.TokenPath,
		)
		p, err := gmail.New(ctx, gmail.Config{
			Sender:       cfg.Gmail.Sender,
			ClientID:     cfg.Gmail.ClientID,
			ClientSecret: cfg.Gmail.ClientSecret,
			TokenPath:    cfg.Gmail.TokenPath,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Gmail provider: %w", err)
		}
		return p, nil

	case config.ProviderStdout:
		slog.Debug("using stdout provider")
		return stdout.NewWithWriter(out), nil

	default:
		return nil, fmt.Errorf("unknown provider %q", name)
	}
}
