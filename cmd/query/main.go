// Package main is the interactive query client.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/capitalize-ai/query-stream/internal/config"
	natsclient "github.com/capitalize-ai/query-stream/internal/nats"
	"github.com/capitalize-ai/query-stream/internal/service"
	"github.com/capitalize-ai/query-stream/internal/stream"
	"github.com/capitalize-ai/query-stream/pkg/logger"
	"github.com/capitalize-ai/query-stream/pkg/tracing"
)

type options struct {
	backendURL    string
	apiToken      string
	logLevel      string
	natsURL       string
	historyWindow int
	timeout       string
	context       map[string]string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "query [question]",
		Short: "Ask the reasoning backend questions and stream its answers",
		Long: `query sends questions to the reasoning backend and prints each answer as it
is generated.

With a question argument it asks once and exits. Without one it starts an
interactive session: Ctrl-C stops the answer being streamed, a second Ctrl-C
at the prompt exits. Type /reset to start a new conversation, /history to show
it, and /quit to leave.

Settings are read from the environment (QUERY_BACKEND_URL, QUERY_API_TOKEN,
QUERY_STREAM_TIMEOUT, CONVERSATION_* and NATS_*) and can be overridden by flags.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, opts, args)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.backendURL, "backend", "", "backend base URL")
	flags.StringVar(&opts.apiToken, "token", "", "bearer token for the backend")
	flags.StringVar(&opts.timeout, "timeout", "", "per-answer timeout, e.g. 90s (0 disables)")
	flags.IntVar(&opts.historyWindow, "history-window", 0, "prior messages sent with each question")
	flags.StringVar(&opts.natsURL, "nats", "", "NATS URL for the outcome audit trail")
	flags.StringVar(&opts.logLevel, "log-level", "warn", "log level written to stderr (default LOG_LEVEL, else warn)")
	flags.StringToStringVar(&opts.context, "context", nil, "extra request fields, e.g. --context dataset=orders")

	return cmd
}

// loadConfig reads the environment and applies explicitly set flags on top.
func loadConfig(cmd *cobra.Command, opts *options) (*config.Config, error) {
	cfg := config.Load()
	flags := cmd.Flags()

	if flags.Changed("backend") {
		cfg.BackendURL = opts.backendURL
	}
	if flags.Changed("token") {
		cfg.APIToken = opts.apiToken
	}
	if flags.Changed("history-window") {
		cfg.HistoryWindow = opts.historyWindow
	}
	if flags.Changed("nats") {
		cfg.NATSURL = opts.natsURL
	}
	if flags.Changed("timeout") {
		d, err := parseTimeout(opts.timeout)
		if err != nil {
			return nil, err
		}
		cfg.StreamTimeout = d
	}
	// The client stays quiet on stderr unless asked otherwise.
	switch {
	case flags.Changed("log-level"):
		cfg.LogLevel = opts.logLevel
	case os.Getenv("LOG_LEVEL") == "":
		cfg.LogLevel = opts.logLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func run(ctx context.Context, cfg *config.Config, opts *options, args []string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "query-client", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(ctx, tp)
		}
	}

	svcOpts := []service.Option{
		service.WithLimits(cfg.Limits()),
		service.WithHistoryWindow(cfg.HistoryWindow),
		service.WithTimeout(cfg.StreamTimeout),
	}
	if len(opts.context) > 0 {
		fields := make(map[string]any, len(opts.context))
		for k, v := range opts.context {
			fields[k] = v
		}
		svcOpts = append(svcOpts, service.WithContext(fields))
	}

	if cfg.NATSURL != "" {
		nc, err := natsclient.Connect(ctx, natsclient.Config{
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
			Name:     "query-client",
		}, log)
		if err != nil {
			return err
		}
		defer nc.Close()

		events := natsclient.NewEventStream(nc.JetStream())
		if err := events.EnsureStream(ctx); err != nil {
			return err
		}
		svcOpts = append(svcOpts, service.WithPublisher(events))
	}

	transport := stream.NewHTTPTransport(cfg.BackendURL, stream.WithAPIToken(cfg.APIToken))
	driver := stream.NewDriver(transport, log)

	s := newSession(os.Stdout, os.Stderr)
	s.svc = service.NewQueryService(driver, log, append(svcOpts, service.WithChunkHandler(s.onChunk))...)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)
	go func() {
		for sig := range sigs {
			if sig == syscall.SIGINT && s.interrupt() {
				continue
			}
			fmt.Fprintln(os.Stderr)
			os.Exit(130)
		}
	}()

	if len(args) > 0 {
		if !s.ask(ctx, strings.Join(args, " ")) {
			return fmt.Errorf("no answer")
		}
		return nil
	}
	return s.loop(ctx, os.Stdin)
}
