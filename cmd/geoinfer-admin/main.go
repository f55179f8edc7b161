package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/target/geoinfer-api/config"
	"github.com/target/geoinfer-api/internal/bootstrap"
)

type commandFn func(ctx *commandContext, args []string) error

type command struct {
	name        string
	description string
	run         commandFn
}

type commandContext struct {
	Ctx    context.Context
	Logger *slog.Logger
	Config config.AppConfig
	Out    io.Writer
}

const defaultMigrationTimeout = 5 * time.Minute

func main() {
	logger := bootstrap.InitLogger()

	if len(os.Args) < 2 {
		if err := printUsage(os.Stdout); err != nil {
			logger.Error("print usage failed", "error", err)
		}
		os.Exit(2) //nolint:forbidigo // CLI must exit with failure status when no command is provided
	}

	cmdName := os.Args[1]
	cmd, ok := commands()[cmdName]
	if !ok {
		if err := writef(os.Stderr, "unknown command %q\n\n", cmdName); err != nil {
			logger.Error("print unknown command message failed", "error", err)
		}
		if err := printUsage(os.Stdout); err != nil {
			logger.Error("print usage failed", "error", err)
		}
		os.Exit(2) //nolint:forbidigo // CLI must exit with failure status when command is unknown
	}

	cfg, err := bootstrap.LoadConfig()
	if err != nil {
		logger.ErrorContext(context.Background(), "load config", "error", err)
		os.Exit(1) //nolint:forbidigo // CLI must signal configuration load failure to shell scripts
	}
	bootstrap.SetLogLevel(cfg.SlogLevel())

	cmdCtx := &commandContext{
		Ctx:    context.Background(),
		Logger: logger,
		Config: cfg,
		Out:    os.Stdout,
	}
	if runErr := cmd.run(cmdCtx, os.Args[2:]); runErr != nil {
		logger.ErrorContext(cmdCtx.Ctx, "command failed", "command", cmdName, "error", runErr)
		os.Exit(1) //nolint:forbidigo // CLI must propagate command execution failure to callers
	}
}

func commands() map[string]command {
	return map[string]command{
		"migrate": {
			name:        "migrate",
			description: "Apply job store migrations",
			run:         runMigrations,
		},
		"list-jobs": {
			name:        "list-jobs",
			description: "List jobs, optionally projected with --query (JMESPath)",
			run:         runListJobs,
		},
		"get-job": {
			name:        "get-job",
			description: "Print one job as JSON",
			run:         runGetJob,
		},
		"attempts": {
			name:        "attempts",
			description: "Show the webhook delivery attempts recorded for a job",
			run:         runAttempts,
		},
		"test-webhook": {
			name:        "test-webhook",
			description: "Send a signed test_webhook event to a URL and report each attempt",
			run:         runTestWebhook,
		},
		"verify-signature": {
			name:        "verify-signature",
			description: "Check a webhook signature against a body and timestamp",
			run:         runVerifySignature,
		},
		"receive": {
			name:        "receive",
			description: "Run a local endpoint that verifies and prints incoming webhooks",
			run:         runReceive,
		},
	}
}

func printUsage(w io.Writer) error {
	if err := writef(w, "Usage: geoinfer-admin <command> [flags]\n\n"); err != nil {
		return err
	}
	if err := writef(w, "Available commands:\n"); err != nil {
		return err
	}
	cmds := commands()
	names := make([]string, 0, len(cmds))
	for name := range cmds {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := writef(w, "  %-20s %s\n", name, cmds[name].description); err != nil {
			return err
		}
	}
	return nil
}

type migrateOptions struct {
	Timeout time.Duration
}

func runMigrations(cmdCtx *commandContext, args []string) error {
	opts, err := parseMigrateFlags(args)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmdCtx.Ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	cfg := cmdCtx.Config
	cfg.Postgres.RunMigrationsOnStart = true

	cmdCtx.Logger.Info("running job store migrations", "driver", cfg.Store.Driver)
	store, err := bootstrap.OpenStore(ctx, &cfg, cmdCtx.Logger)
	if err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	if closeErr := store.Close(); closeErr != nil {
		cmdCtx.Logger.Warn("db close failed", "error", closeErr)
	}

	cmdCtx.Logger.Info("migrations completed successfully")
	return nil
}

func parseMigrateFlags(args []string) (migrateOptions, error) {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	opts := migrateOptions{Timeout: defaultMigrationTimeout}
	fs.DurationVar(
		&opts.Timeout,
		"timeout",
		defaultMigrationTimeout,
		"Maximum duration to wait for migrations to complete",
	)

	if err := fs.Parse(args); err != nil {
		return migrateOptions{}, err
	}

	if opts.Timeout <= 0 {
		return migrateOptions{}, errors.New("--timeout must be greater than zero")
	}

	return opts, nil
}

// openStore opens the configured job store without applying migrations on Postgres.
func openStore(cmdCtx *commandContext) (*bootstrap.Store, error) {
	cfg := cmdCtx.Config
	cfg.Postgres.RunMigrationsOnStart = false
	return bootstrap.OpenStore(cmdCtx.Ctx, &cfg, cmdCtx.Logger)
}

func writef(w io.Writer, format string, args ...any) error {
	_, err := fmt.Fprintf(w, format, args...)
	return err
}

func writeln(w io.Writer, args ...any) error {
	if len(args) == 0 {
		_, err := fmt.Fprintln(w)
		return err
	}
	_, err := fmt.Fprintln(w, args...)
	return err
}
