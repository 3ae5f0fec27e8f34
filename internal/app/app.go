// Package app initializes and holds the long-lived services of one crawl,
// acting as a dependency injection container between the CLI and the engine.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/spidercrawl/internal/api"
	"github.com/JakeFAU/spidercrawl/internal/clock/system"
	"github.com/JakeFAU/spidercrawl/internal/config"
	"github.com/JakeFAU/spidercrawl/internal/crawler"
	"github.com/JakeFAU/spidercrawl/internal/definition"
	"github.com/JakeFAU/spidercrawl/internal/engine"
	collyfetcher "github.com/JakeFAU/spidercrawl/internal/fetcher/colly"
	"github.com/JakeFAU/spidercrawl/internal/progress"
	"github.com/JakeFAU/spidercrawl/internal/progress/sinks"
	"github.com/JakeFAU/spidercrawl/internal/queue"
	"github.com/JakeFAU/spidercrawl/internal/report"
	"github.com/JakeFAU/spidercrawl/internal/resolve"
	"github.com/JakeFAU/spidercrawl/internal/storage/postgres"
	"github.com/JakeFAU/spidercrawl/internal/store"
)

const closeTimeout = 15 * time.Second

// Options carries what New needs beyond configuration. Fetcher, Clients,
// JobLog and Registerer are optional overrides; the defaults are the colly
// fetcher, Postgres when db.dsn is set and the default Prometheus registry.
type Options struct {
	Config     config.Config
	Definition *definition.Definition
	Logger     *zap.Logger
	Fetcher    crawler.Fetcher
	Clients    crawler.ClientProvider
	JobLog     store.JobLogRepository
	Registerer prometheus.Registerer
}

// App holds every service of a crawl run.
type App struct {
	cfg     config.Config
	logger  *zap.Logger
	crawler *engine.Crawler
	hub     *progress.Hub
	state   *sinks.StateSink
	jobs    *report.JobLog
	scraped *report.ScrapedPool
	server  *api.Server
	retry   *crawler.RetryPolicy

	attempts map[string]int
	closers  []func() error
}

// New builds the crawl services. It fails fast, before any network activity,
// when a component cannot be initialized.
func New(ctx context.Context, opts Options) (a *App, err error) {
	if opts.Definition == nil {
		return nil, fmt.Errorf("%w: a definition is required", crawler.ErrInvalidConfig)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := opts.Config
	a = &App{cfg: cfg, logger: logger, attempts: make(map[string]int)}
	defer func() {
		if err != nil {
			err = errors.Join(err, a.closeAll())
			a = nil
		}
	}()

	q, err := queue.Open(ctx, queue.Options{Path: cfg.Queue.Path, Resume: cfg.Queue.Resume, Logger: logger.Named("queue")})
	if err != nil {
		return a, err
	}

	fetcher, clients := opts.Fetcher, opts.Clients
	if fetcher == nil {
		colly := collyfetcher.New(collyfetcher.Config{
			UserAgent:     cfg.HTTP.UserAgent,
			RespectRobots: cfg.HTTP.RespectRobots,
			Timeout:       cfg.HTTPTimeout(),
		}, logger.Named("fetcher"))
		fetcher, clients = colly, colly
	}
	resolver := resolve.New(resolve.Config{
		MaxHops:           cfg.HTTP.MaxRedirects,
		FollowMetaRefresh: true,
		FollowJavaScript:  true,
		UserAgent:         cfg.HTTP.UserAgent,
	}, logger.Named("resolve"))

	hubSinks, err := a.buildSinks(ctx, opts)
	if err != nil {
		_ = q.Close()
		return a, err
	}
	a.hub = progress.NewHub(progress.Config{Logger: logger.Named("progress")}, hubSinks...)
	a.closers = append(a.closers, func() error {
		closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		return a.hub.Close(closeCtx)
	})

	a.crawler, err = engine.New(engine.Options{
		Spiders:  opts.Definition.Spiders(),
		Queue:    q,
		Fetcher:  fetcher,
		Resolver: resolver,
		Clients:  clients,
		Config:   cfg.CrawlerSettings(),
		Logger:   logger.Named("engine"),
		Progress: a.hub,
		Clock:    system.New(),
	})
	if err != nil {
		_ = q.Close()
		return a, err
	}
	// Closed first so the hub sees CRAWL_DONE before it flushes.
	a.closers = append([]func() error{a.crawler.Close}, a.closers...)

	a.jobs, err = report.OpenJobLog(cfg.Output.Dir, cfg.Queue.Resume)
	if err != nil {
		return a, err
	}
	a.closers = append(a.closers, a.jobs.Close)

	a.scraped, err = report.OpenScrapedPool(cfg.Output.Dir, opts.Definition.Single, spiderScrapers(opts.Definition), cfg.Queue.Resume)
	if err != nil {
		return a, err
	}
	a.closers = append(a.closers, a.scraped.Close)

	if cfg.Retry.MaxAttempts > 0 {
		a.retry = crawler.NewRetryPolicy(cfg.Retry.MaxAttempts)
	}
	if cfg.Metrics.Addr != "" {
		a.server = api.NewServer(a.crawler, a.state, logger.Named("api"))
	}
	return a, nil
}

func (a *App) buildSinks(ctx context.Context, opts Options) ([]progress.Sink, error) {
	a.state = sinks.NewStateSink()
	promSink, err := sinks.NewPrometheusSink(opts.Registerer)
	if err != nil {
		return nil, err
	}
	out := []progress.Sink{sinks.NewLogSink(a.logger.Named("progress")), a.state, promSink}

	repo := opts.JobLog
	if repo == nil && a.cfg.DB.DSN != "" {
		pgStore, err := postgres.NewJobLogStore(ctx, postgres.JobLogStoreConfig{
			DSN:      a.cfg.DB.DSN,
			Table:    a.cfg.DB.Table,
			MaxConns: int32(a.cfg.DB.MaxOpenConns), //nolint:gosec // validated as a small positive number
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error {
			pgStore.Close()
			return nil
		})
		repo = pgStore
		a.logger.Info("Recording job log in Postgres", zap.String("table", a.cfg.DB.Table))
	}
	if repo != nil {
		out = append(out, sinks.NewStoreSink(repo, a.logger.Named("store")))
	}
	return out, nil
}

func spiderScrapers(def *definition.Definition) []report.SpiderScrapers {
	out := make([]report.SpiderScrapers, 0, len(def.Specs))
	for _, spec := range def.Specs {
		entry := report.SpiderScrapers{
			Spider: spec.Spider.ID(),
			Named:  make(map[string]report.HeaderedExtractor, len(spec.Scrapers)),
		}
		if spec.Scraper != nil {
			entry.Main = spec.Scraper
		}
		for name, s := range spec.Scrapers {
			entry.Named[name] = s
		}
		out = append(out, entry)
	}
	return out
}

// Crawler returns the engine driving the crawl.
func (a *App) Crawler() *engine.Crawler {
	return a.crawler
}

// Progress returns the per-spider summary kept while the crawl runs.
func (a *App) Progress() []sinks.SpiderProgress {
	return a.state.Snapshot()
}

// Run starts the crawl and consumes results until quiescence: every result
// is written to the job log and the scraped reports, and fetch failures are
// resubmitted while the retry budget allows. The status server, when
// configured, runs alongside and a failure of either stops both.
func (a *App) Run(ctx context.Context) (crawler.StateSnapshot, error) {
	if err := a.crawler.Start(ctx); err != nil {
		return a.crawler.State(), fmt.Errorf("start crawl: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	serverCtx, stopServer := context.WithCancel(gctx)
	defer stopServer()
	if a.server != nil {
		g.Go(func() error {
			return a.server.ListenAndServe(serverCtx, a.cfg.Metrics.Addr)
		})
	}
	g.Go(func() error {
		defer stopServer()
		return a.consume(gctx)
	})
	err := g.Wait()
	return a.crawler.State(), err
}

func (a *App) consume(ctx context.Context) error {
	for res, err := range a.crawler.Results(ctx) {
		if err != nil {
			return fmt.Errorf("crawl: %w", err)
		}
		if err := a.record(ctx, res); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) record(ctx context.Context, res crawler.WorkerResult) error {
	if err := a.jobs.Write(res); err != nil {
		return fmt.Errorf("write job log: %w", err)
	}
	if err := a.scraped.Write(res); err != nil {
		return fmt.Errorf("write scraped items: %w", err)
	}
	if !res.Failed() || a.retry == nil {
		return nil
	}
	key := res.SpiderID + " " + res.Job.URL
	a.attempts[key]++
	if !a.retry.ShouldRetry(res.Error, a.attempts[key]) {
		return nil
	}
	a.logger.Info("Retrying job",
		zap.String("spider", res.SpiderID),
		zap.String("url", res.Job.URL),
		zap.Int("attempt", a.attempts[key]+1),
		zap.Int("max_attempts", a.retry.MaxAttempts()))
	if err := a.crawler.Resubmit(ctx, res.SpiderID, res.Job); err != nil {
		return fmt.Errorf("resubmit: %w", err)
	}
	return nil
}

// Close gracefully shuts down all services. It is safe to call once Run
// returned, successfully or not.
func (a *App) Close() error {
	a.logger.Info("Shutting down crawl services")
	return a.closeAll()
}

func (a *App) closeAll() error {
	var errs []error
	for _, closeFn := range a.closers {
		errs = append(errs, closeFn())
	}
	a.closers = nil
	return errors.Join(errs...)
}
