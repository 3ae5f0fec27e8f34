package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/spidercrawl/internal/app"
	"github.com/JakeFAU/spidercrawl/internal/config"
	"github.com/JakeFAU/spidercrawl/internal/crawler"
	"github.com/JakeFAU/spidercrawl/internal/logging"
)

// sessionKeyType is the key for storing the loaded session in the context.
type sessionKeyType string

const sessionKey sessionKeyType = "runtime"

// session carries what PersistentPreRunE prepared for the subcommands.
type session struct {
	cfg    config.Config
	logger *zap.Logger
}

// App defines the crawl services the commands drive. It allows a fake to be
// injected during tests.
type App interface {
	Run(ctx context.Context) (crawler.StateSnapshot, error)
	Close() error
}

// newApp is the application factory. It's a variable so tests can replace it.
var newApp = func(ctx context.Context, opts app.Options) (App, error) {
	a, err := app.New(ctx, opts)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "spidercrawl",
		Short: "A declarative, resumable web crawler.",
		Long: `spidercrawl crawls the web as described by a spider definition file:
start URLs, a depth bound, extraction rules and next-page rules. Jobs are
kept in a durable queue so an interrupted crawl can be resumed, and every
host is crawled under its own parallelism and throttle limits.`,
		SilenceUsage: true,

		// Loads configuration and builds the logger before any subcommand runs.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile, cmd.Flags())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)

			ctx := context.WithValue(cmd.Context(), sessionKey, &session{cfg: cfg, logger: logger})
			cmd.SetContext(ctx)
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if rt, ok := cmd.Context().Value(sessionKey).(*session); ok && rt != nil {
				_ = rt.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, JSON or TOML)")
	cmd.PersistentFlags().Bool("dev", true, "development logging (console encoder)")
	cmd.PersistentFlags().String("log-level", "", "minimum log level, for example debug or warn")

	cmd.AddCommand(newCrawlCmd())
	cmd.AddCommand(newValidateCmd())

	return cmd
}

func resolveSession(ctx context.Context) (*session, error) {
	rt, ok := ctx.Value(sessionKey).(*session)
	if !ok || rt == nil {
		return nil, errors.New("configuration not initialized")
	}
	return rt, nil
}

// Execute is the main entry point. SIGINT and SIGTERM cancel the running
// command; a crawl stopped this way can be resumed from its queue file.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
