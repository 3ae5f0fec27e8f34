// Package cmd defines and implements the CLI commands for the spidercrawl executable.
package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/spidercrawl/internal/app"
	"github.com/JakeFAU/spidercrawl/internal/crawler"
	"github.com/JakeFAU/spidercrawl/internal/definition"
)

// newCrawlCmd creates and configures the 'crawl' subcommand.
// It loads the spider definition, builds the crawl services and consumes
// results until the crawl runs out of work.
func newCrawlCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawl <definition>",
		Short: "Runs the spiders described by a definition file",
		Long: `Crawls every spider of the definition file until no job is left.
Reports are written to the output directory: jobs.csv logs every job and
the scraped/ files hold the extracted items. With --queue the job queue is
kept on disk, and --resume continues an interrupted crawl from it.`,
		Args: cobra.ExactArgs(1),
		RunE: runCrawlCommand,
	}

	flags := cmd.Flags()
	flags.Int("threads", crawler.DefaultThreads, "maximum jobs in progress")
	flags.Int("group-parallelism", crawler.DefaultGroupParallelism, "maximum jobs in progress per host")
	flags.Int("group-buffer-size", crawler.DefaultGroupBufferSize, "jobs buffered per host before the queue is paused")
	flags.Duration("throttle", crawler.DefaultThrottle, "minimum delay between job starts on one host")
	flags.String("queue", "", "queue database path (in-memory when empty)")
	flags.Bool("resume", false, "resume the crawl stored in the queue database")
	flags.Int("timeout", 30, "per-request timeout in seconds")
	flags.String("user-agent", "spidercrawl/0.1", "User-Agent header")
	flags.Bool("respect-robots", false, "obey robots.txt")
	flags.StringP("output", "o", "crawl", "report directory")
	flags.String("metrics-addr", "", "address of the status and metrics server, for example :9090")
	flags.String("db-dsn", "", "Postgres DSN for the job log table")
	flags.Int("retries", 0, "fetch attempts per job for timeouts and network errors")
	return cmd
}

func runCrawlCommand(cmd *cobra.Command, args []string) error {
	rt, err := resolveSession(cmd.Context())
	if err != nil {
		return err
	}
	logger := rt.logger

	def, err := definition.Load(args[0])
	if err != nil {
		return fmt.Errorf("load definition: %w", err)
	}

	a, err := newApp(cmd.Context(), app.Options{
		Config:     rt.cfg,
		Definition: def,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize crawl services: %w", err)
	}
	defer func() {
		if cerr := a.Close(); cerr != nil {
			logger.Warn("Failed to close crawl services", zap.Error(cerr))
		}
	}()

	logger.Info("Crawl starting",
		zap.Int("spiders", len(def.Specs)),
		zap.String("output", rt.cfg.Output.Dir),
		zap.String("queue", rt.cfg.Queue.Path),
		zap.Bool("resume", rt.cfg.Queue.Resume))

	state, err := a.Run(cmd.Context())
	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("Crawl interrupted",
				zap.Int("completed", state.Completed),
				zap.Int("pending", state.Pending()))
			return nil
		}
		return fmt.Errorf("run crawl: %w", err)
	}

	logger.Info("Crawl finished",
		zap.Int("completed", state.Completed),
		zap.Int("failed", state.Failed))
	return nil
}
