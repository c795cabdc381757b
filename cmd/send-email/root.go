package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/shineum/smtp-send-lite/internal/config"
	"github.com/shineum/smtp-send-lite/internal/email"
	"github.com/shineum/smtp-send-lite/internal/logging"
	"github.com/shineum/smtp-send-lite/internal/mailer"
	"github.com/shineum/smtp-send-lite/internal/metrics"
)

const usage = "Usage: send-email <recipient> <subject> <body>"

// Exit codes.
const (
	exitOK        = 0
	exitUsage     = 1
	exitConfig    = 1
	exitExhausted = 2
)

const pushTimeout = 5 * time.Second

var errUsage = errors.New(usage)

// exitError carries the process exit code out of the cobra command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func (e *exitError) Unwrap() error { return e.err }

type options struct {
	configPath string
	retries    int
	from       string
	text       string
	provider   string
	dryRun     bool
	logLevel   string
	logFormat  string
}

// run executes the command and returns the process exit code. All output,
// log lines included, goes to out.
func run(ctx context.Context, args []string, out io.Writer) int {
	cmd := newRootCommand(out)
	cmd.SetArgs(args)

	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}

	var ee *exitError
	if errors.As(err, &ee) {
		if errors.Is(ee.err, errUsage) {
			fmt.Fprintln(out, usage)
		}
		return ee.code
	}

	// flag parsing errors
	fmt.Fprintln(out, err)
	fmt.Fprintln(out, usage)
	return exitUsage
}

func newRootCommand(out io.Writer) *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "send-email <recipient> <subject> <body>",
		Short: "Send one HTML email with retries",
		Long: "Send one HTML email to a single recipient through the configured provider,\n" +
			"retrying failed attempts with exponential backoff.",
		Args: func(_ *cobra.Command, args []string) error {
			if len(args) < 3 {
				return &exitError{code: exitUsage, err: errUsage}
			}
			return nil
		},
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return sendEmail(cmd, opts, args[0], args[1], args[2], out)
		},
	}
	cmd.SetOut(out)
	cmd.SetErr(out)

	flags := cmd.Flags()
	flags.StringVar(&opts.configPath, "config", "", "path to the YAML configuration file (default: ../.bmad-core/core-config.yaml next to the executable)")
	flags.IntVar(&opts.retries, "retries", 0, "maximum number of attempts (overrides retry.attempts)")
	flags.StringVar(&opts.from, "from", "", "sender address (overrides smtp.from)")
	flags.StringVar(&opts.text, "text", "", "plain-text alternative body")
	flags.StringVar(&opts.provider, "provider", "", "delivery provider: smtp, ses, graph, gmail or stdout")
	flags.BoolVar(&opts.dryRun, "dry-run", false, "print the message instead of sending it")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn or error")
	flags.StringVar(&opts.logFormat, "log-format", "", "log format: console or json")

	return cmd
}

func sendEmail(cmd *cobra.Command, opts *options, recipient, subject, body string, out io.Writer) error {
	ctx := cmd.Context()
	config.LoadDotEnv()

	// Used until the configured logger exists.
	bootLogger := slog.New(logging.NewConsoleHandler(out, slog.LevelInfo))

	path := opts.configPath
	if path == "" {
		var err error
		path, err = config.DefaultPath()
		if err != nil {
			bootLogger.Error(fmt.Sprintf("[FAILURE] Could not load configuration: %v", err))
			return &exitError{code: exitConfig, err: err}
		}
	}

	cfg, err := config.Load(path, flagOverrides(cmd, opts)...)
	if err != nil {
		bootLogger.Error(fmt.Sprintf("[FAILURE] Could not load configuration: %v", err))
		return &exitError{code: exitConfig, err: err}
	}

	logger, err := logging.New(out, cfg.Logging.Format, cfg.Logging.Level)
	if err != nil {
		bootLogger.Error(fmt.Sprintf("[FAILURE] Invalid logging configuration: %v", err))
		return &exitError{code: exitConfig, err: err}
	}
	slog.SetDefault(logger)

	prov, err := buildProviders(ctx, cfg, out)
	if err != nil {
		logger.Error(fmt.Sprintf("[FAILURE] Could not initialize provider: %v", err), "provider", cfg.Provider)
		return &exitError{code: exitConfig, err: err}
	}
	logger.Debug("using provider", "provider", prov.Name(), "attempts", cfg.Retry.Attempts)

	recorder := metrics.NewRecorder()
	m := mailer.New(prov,
		mailer.WithBackoff(mailer.Exponential(cfg.Retry.BaseDelay)),
		mailer.WithLogger(logger),
		mailer.WithMetrics(recorder),
		mailer.WithAttemptTimeout(cfg.Retry.AttemptTimeout),
	)

	var emailOpts []email.Option
	if opts.text != "" {
		emailOpts = append(emailOpts, email.WithTextBody(opts.text))
	}

	from := opts.from
	if from == "" {
		from = cfg.Sender()
	}

	delivered := m.SendEmail(ctx, from, recipient, subject, body, cfg.Retry.Attempts, emailOpts...)

	if cfg.Metrics.PushgatewayURL != "" {
		// The run context may already be canceled by a signal.
		pushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), pushTimeout)
		if err := recorder.Push(pushCtx, cfg.Metrics.PushgatewayURL, cfg.Metrics.Job); err != nil {
			logger.Warn("failed to push metrics", "url", cfg.Metrics.PushgatewayURL, "error", err)
		}
		cancel()
	}

	if !delivered {
		return &exitError{code: exitExhausted, err: fmt.Errorf("could not send email to %s", recipient)}
	}
	return nil
}

// flagOverrides turns explicitly set flags into config overrides.
func flagOverrides(cmd *cobra.Command, opts *options) []config.Override {
	var overrides []config.Override
	flags := cmd.Flags()

	if flags.Changed("retries") {
		n := max(opts.retries, 1)
		overrides = append(overrides, func(c *config.Config) { c.Retry.Attempts = n })
	}
	if opts.from != "" {
		overrides = append(overrides, func(c *config.Config) { c.SMTP.From = opts.from })
	}
	if opts.provider != "" {
		overrides = append(overrides, func(c *config.Config) { c.Provider = opts.provider })
	}
	if opts.dryRun {
		overrides = append(overrides, func(c *config.Config) {
			c.Provider = config.ProviderStdout
			c.Fallback = ""
		})
	}
	if opts.logLevel != "" {
		overrides = append(overrides, func(c *config.Config) { c.Logging.Level = opts.logLevel })
	}
	if opts.logFormat != "" {
		overrides = append(overrides, func(c *config.Config) { c.Logging.Format = opts.logFormat })
	}
	return overrides
}
