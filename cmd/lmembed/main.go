package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/xiy/lmembed/internal/admin"
	"github.com/xiy/lmembed/internal/config"
	"github.com/xiy/lmembed/internal/errs"
	"github.com/xiy/lmembed/internal/mcp"
	"github.com/xiy/lmembed/internal/output"
	"github.com/xiy/lmembed/internal/pipeline"
	"github.com/xiy/lmembed/internal/provider"
	"github.com/xiy/lmembed/internal/provider/llamacpp"
	"github.com/xiy/lmembed/internal/provider/reference"
	"github.com/xiy/lmembed/internal/retention"
	"github.com/xiy/lmembed/internal/store"
	"github.com/xiy/lmembed/internal/tracer"
	"github.com/xiy/lmembed/pkg/types"
)

var version = "v0.1.0"

func main() {
	// A missing .env is normal.
	_ = godotenv.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	cancel()
	os.Exit(code)
}

// run dispatches a subcommand and returns the process exit code. Only the
// embedding line or MCP replies are written to stdout.
func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	sub := "embed"
	if len(args) > 0 {
		switch a := args[0]; {
		case a == "--version" || a == "-v" || a == "--help" || a == "-h":
			sub, args = a, args[1:]
		case a == "" || a[0] != '-':
			sub, args = a, args[1:]
		}
	}

	logger := log.NewWithOptions(stderr, log.Options{Prefix: "lmembed"}).With("run_id", uuid.NewString())

	var err error
	switch sub {
	case "embed":
		err = runEmbed(ctx, args, stdin, stdout, stderr, logger)
	case "serve":
		err = runServe(ctx, args, stdin, stdout, stderr, logger)
	case "history":
		err = runHistory(ctx, args, logger)
	case "version", "--version", "-v":
		fmt.Fprintln(stdout, "lmembed "+version)
		return 0
	case "help", "--help", "-h":
		usage(stdout)
		return 0
	default:
		usage(stderr)
		return 1
	}

	switch {
	case err == nil:
		return 0
	case errors.Is(err, flag.ErrHelp):
		return 0
	case errors.Is(err, context.Canceled):
		logger.Warn("interrupted")
		return 1
	}
	logger.Error(sub+" failed", "kind", errs.KindOf(err), "err", err)
	return errs.ExitCode(err)
}

type commonFlags struct {
	config    *string
	provider  *string
	model     *string
	precision *string
	device    *string
}

func addCommonFlags(fs *flag.FlagSet) commonFlags {
	return commonFlags{
		config:    fs.String("config", config.DefaultPath(), "Path to config file"),
		provider:  fs.String("provider", "", "Override model.provider (reference or llamacpp)"),
		model:     fs.String("model", "", "Override model.id"),
		precision: fs.String("precision", "", "Override model.precision (half or full)"),
		device:    fs.String("device", "", "Override model.device (auto or a device name)"),
	}
}

// load reads the config file and applies flag overrides on top of the
// environment ones. Validation runs once, after every override.
func (f commonFlags) load(logger *log.Logger) (config.Config, error) {
	cfg, err := config.Read(*f.config)
	if err != nil {
		return cfg, err
	}
	for dst, v := range map[*string]string{
		&cfg.Model.Provider:  *f.provider,
		&cfg.Model.ID:        *f.model,
		&cfg.Model.Precision: *f.precision,
		&cfg.Model.Device:    *f.device,
	} {
		if v != "" {
			*dst = v
		}
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	if err := cfg.EnsurePaths(); err != nil {
		return cfg, err
	}

	logger.SetPrefix(cfg.ServerName)
	setLogLevel(logger, cfg.LogLevel)
	return cfg, nil
}

func runEmbed(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer, logger *log.Logger) error {
	fs := flag.NewFlagSet("embed", flag.ContinueOnError)
	flags := addCommonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := flags.load(logger)
	if err != nil {
		return err
	}

	shutdown, err := tracer.Setup(ctx, cfg.Tracer, cfg.ServerName, stderr)
	if err != nil {
		return err
	}
	defer flushTraces(shutdown, logger)

	journal := openJournal(ctx, cfg, logger)
	if journal != nil {
		defer journal.Close()
		if n, err := retention.Sweep(ctx, journal, retentionPolicy(cfg)); err != nil {
			logger.Warn("journal retention sweep failed", "error", err)
		} else if n > 0 {
			logger.Debug("journal retention removed old runs", "count", n)
		}
	}

	rt, err := openRuntime(ctx, cfg, logger, types.ModeCLI, journal)
	if err != nil {
		return err
	}

	raw, err := io.ReadAll(stdin)
	if err != nil {
		return fmt.Errorf("read stdin: %w", err)
	}
	res, err := rt.Embed(ctx, string(raw))
	if err != nil {
		return err
	}
	return output.WriteLine(stdout, res.Embedding)
}

func runServe(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer, logger *log.Logger) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	flags := addCommonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := flags.load(logger)
	if err != nil {
		return err
	}

	shutdown, err := tracer.Setup(ctx, cfg.Tracer, cfg.ServerName, stderr)
	if err != nil {
		return err
	}
	defer flushTraces(shutdown, logger)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	journal := openJournal(ctx, cfg, logger)
	if journal != nil {
		defer journal.Close()
		interval := time.Duration(cfg.Journal.SweepIntervalSeconds) * time.Second
		go retention.Start(ctx, logger, interval, journal, retentionPolicy(cfg))
	}

	rt, err := openRuntime(ctx, cfg, logger, types.ModeMCP, journal)
	if err != nil {
		return err
	}

	server := mcp.NewServer(rt, logger, cfg.ServerName, version)
	logger.Info("starting MCP stdio server", "model", cfg.Model.ID, "provider", cfg.Model.Provider)
	err = server.Serve(ctx, stdin, stdout)
	requests, failures := server.Counters()
	logger.Info("MCP server stopped", "requests", requests, "failures", failures)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func runHistory(ctx context.Context, args []string, logger *log.Logger) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	flags := addCommonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := flags.load(logger)
	if err != nil {
		return err
	}
	if _, err := os.Stat(cfg.Journal.Path); err != nil {
		return fmt.Errorf("no run journal at %s (set journal.enabled): %w", cfg.Journal.Path, err)
	}

	st, err := store.OpenSQLite(ctx, cfg.Journal.Path, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	return admin.Run(ctx, st, cfg.ServerName)
}

// openRuntime builds the configured provider and loads the model.
func openRuntime(ctx context.Context, cfg config.Config, logger *log.Logger, mode string, journal *store.SQLiteStore) (*pipeline.Runtime, error) {
	p, err := newProvider(cfg)
	if err != nil {
		return nil, err
	}
	precision, err := provider.ParsePrecision(cfg.Model.Precision)
	if err != nil {
		return nil, err
	}
	opts := provider.LoadOptions{Precision: precision, Device: provider.ParseDevice(cfg.Model.Device)}

	options := []pipeline.Option{pipeline.WithMode(mode)}
	if journal != nil {
		options = append(options, pipeline.WithRecorder(journal))
	}
	return pipeline.Open(ctx, p, cfg.Model.ID, opts, logger, options...)
}

func newProvider(cfg config.Config) (provider.Provider, error) {
	switch cfg.Model.Provider {
	case config.ProviderReference:
		return reference.New(reference.Config{
			HiddenSize:    cfg.Reference.HiddenSize,
			Seed:          cfg.Reference.Seed,
			Encoding:      cfg.Reference.Encoding,
			BOS:           cfg.Reference.BOSToken,
			MemoryLimitMB: cfg.Reference.MemoryLimitMB,
		}), nil
	case config.ProviderLlamaCpp:
		opts := []llamacpp.Option{llamacpp.WithAddSpecial(cfg.LlamaCpp.AddSpecial)}
		if cfg.LlamaCpp.APIKey != "" {
			opts = append(opts, llamacpp.WithAPIKey(cfg.LlamaCpp.APIKey))
		}
		return llamacpp.New(cfg.LlamaCpp.URL, opts...), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Model.Provider)
	}
}

// openJournal returns nil when the journal is disabled or cannot be opened.
// Embedding never depends on it.
func openJournal(ctx context.Context, cfg config.Config, logger *log.Logger) *store.SQLiteStore {
	if !cfg.Journal.Enabled {
		return nil
	}
	st, err := store.OpenSQLite(ctx, cfg.Journal.Path, logger)
	if err != nil {
		logger.Warn("run journal unavailable", "path", cfg.Journal.Path, "error", err)
		return nil
	}
	return st
}

func retentionPolicy(cfg config.Config) retention.Policy {
	return retention.Policy{MaxAge: time.Duration(cfg.Journal.RetentionDays) * 24 * time.Hour}
}

func flushTraces(shutdown func(context.Context) error, logger *log.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		logger.Warn("flush traces", "error", err)
	}
}

func setLogLevel(logger *log.Logger, level string) {
	switch level {
	case "debug":
		logger.SetLevel(log.DebugLevel)
	case "warn":
		logger.SetLevel(log.WarnLevel)
	case "error":
		logger.SetLevel(log.ErrorLevel)
	default:
		logger.SetLevel(log.InfoLevel)
	}
}

func usage(w io.Writer) {
	fmt.Fprint(w, `lmembed

Usage:
  lmembed [embed] [flags] < input.txt
  lmembed serve [flags]
  lmembed history [--config path]
  lmembed version

Flags:
  --config path       config file (default $LMEMBED_CONFIG or ~/.config/lmembed/config.yaml)
  --provider name     reference or llamacpp
  --model id          model identifier
  --precision p       half or full
  --device name       auto or an explicit device

Exit codes:
  0 ok, 1 startup or other failure, 2 validation, 3 tokenization,
  4 device, 5 out of memory, 6 computation, 7 serialization
`)
}
