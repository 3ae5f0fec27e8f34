// Package engine drives a crawl: it seeds the queue from the spider
// definitions, runs the dispatcher and hands results to the consumer one at a
// time through a pull iterator. Each result is fully accounted for (children
// enqueued, counters updated, source record acknowledged) before the next one
// is delivered, so the crawl ends exactly when nothing is queued or in flight.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/spidercrawl/internal/crawler"
	"github.com/JakeFAU/spidercrawl/internal/dispatcher"
	iduuid "github.com/JakeFAU/spidercrawl/internal/id/uuid"
	"github.com/JakeFAU/spidercrawl/internal/metrics"
	"github.com/JakeFAU/spidercrawl/internal/progress"
	"github.com/JakeFAU/spidercrawl/internal/report"
	"github.com/JakeFAU/spidercrawl/internal/worker"
)

var (
	// ErrNotStarted is returned by Next before Start succeeded.
	ErrNotStarted = errors.New("crawler not started")
	// ErrClosed is returned once the crawler has been closed.
	ErrClosed = errors.New("crawler closed")
)

// Options wires a Crawler.
type Options struct {
	Spiders []*crawler.Spider
	Queue   crawler.Queue
	Fetcher crawler.Fetcher
	// Resolver and Clients are only needed by spiders that resolve redirects.
	Resolver crawler.Resolver
	Clients  crawler.ClientProvider
	Config   crawler.Config
	Logger   *zap.Logger
	Progress progress.Emitter
	Clock    crawler.Clock
	// RunID identifies the crawl in progress events. A UUID v7 is generated
	// when zero.
	RunID uuid.UUID
}

// Crawler orchestrates one crawl over a shared queue. Next must be called
// from a single goroutine; State, Resubmit and Close are safe to call
// concurrently with it.
type Crawler struct {
	spiders    map[string]*crawler.Spider
	order      []*crawler.Spider
	queue      crawler.Queue
	dispatcher *dispatcher.Dispatcher
	state      *crawler.State
	logger     *zap.Logger
	progress   progress.Emitter
	clock      crawler.Clock
	runID      uuid.UUID

	mu      sync.Mutex
	results <-chan crawler.WorkerResult
	cancel  context.CancelFunc
	fatal   error
	closed  bool

	closeQueueOnce sync.Once
	closeQueueErr  error
	doneOnce       sync.Once
}

// New validates opts and builds a Crawler. Nothing touches the network or
// the queue until Start.
func New(opts Options) (*Crawler, error) {
	if len(opts.Spiders) == 0 {
		return nil, fmt.Errorf("%w: at least one spider is required", crawler.ErrInvalidConfig)
	}
	if opts.Queue == nil {
		return nil, fmt.Errorf("%w: queue is required", crawler.ErrInvalidConfig)
	}
	if opts.Fetcher == nil {
		return nil, fmt.Errorf("%w: fetcher is required", crawler.ErrInvalidConfig)
	}
	spiders := make(map[string]*crawler.Spider, len(opts.Spiders))
	for i, s := range opts.Spiders {
		if s == nil {
			return nil, fmt.Errorf("%w: spider %d is nil", crawler.ErrInvalidConfig, i)
		}
		if _, dup := spiders[s.ID()]; dup {
			return nil, fmt.Errorf("%w: duplicate spider id %q", crawler.ErrInvalidConfig, s.ID())
		}
		spiders[s.ID()] = s
	}
	cfg := opts.Config.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	emitter := opts.Progress
	if emitter == nil {
		emitter = progress.Nop{}
	}
	runID := opts.RunID
	if runID == uuid.Nil {
		id, err := iduuid.New().NewRunID()
		if err != nil {
			return nil, err
		}
		runID = id
	}

	c := &Crawler{
		spiders:  spiders,
		order:    append([]*crawler.Spider(nil), opts.Spiders...),
		queue:    opts.Queue,
		state:    crawler.NewState(),
		logger:   logger.With(zap.String("run_id", runID.String())),
		progress: emitter,
		clock:    opts.Clock,
		runID:    runID,
	}
	w := worker.New(c, opts.Fetcher, opts.Resolver, opts.Clients, opts.Clock, c.logger.Named("worker"))
	d, err := dispatcher.New(opts.Queue, w, dispatcher.Config{
		Config: cfg,
		OnPop: func(crawler.QueueRecord) {
			metrics.SetPendingJobs(c.state.Dispatched().Pending())
		},
	}, c.logger.Named("dispatcher"))
	if err != nil {
		return nil, err
	}
	c.dispatcher = d
	return c, nil
}

// RunID returns the identifier attached to progress events.
func (c *Crawler) RunID() uuid.UUID { return c.runID }

// SingleSpider reports whether the crawl runs the lone default spider.
func (c *Crawler) SingleSpider() bool {
	return len(c.order) == 1 && c.order[0].ID() == crawler.DefaultSpiderID
}

// Spider returns the spider registered under id.
func (c *Crawler) Spider(id string) (*crawler.Spider, bool) {
	s, ok := c.spiders[id]
	return s, ok
}

// Spiders lists the registered spiders sorted by ID.
func (c *Crawler) Spiders() []*crawler.Spider {
	out := append([]*crawler.Spider(nil), c.order...)
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// State returns a snapshot of the crawl counters.
func (c *Crawler) State() crawler.StateSnapshot {
	return c.state.Snapshot()
}

// Start seeds the queue and launches the dispatcher, which runs until ctx
// ends or the crawler is closed. A queue that already holds records (a
// resumed crawl) is not seeded again. Calling Start more than once is a
// no-op.
func (c *Crawler) Start(ctx context.Context) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if !c.state.MarkStarted() {
		return nil
	}

	size, err := c.queue.Size(ctx)
	if err != nil {
		return queueError("size", err)
	}
	if size > 0 {
		c.state.Enqueued(size)
		c.logger.Info("Resuming crawl from queue", zap.Int("queued", size))
	} else {
		for _, s := range c.order {
			for _, job := range s.StartJobs() {
				if err := c.queue.Put(ctx, s.ID(), job); err != nil {
					return queueError("put", err)
				}
				c.state.Enqueued(1)
			}
		}
	}
	metrics.SetPendingJobs(c.state.Snapshot().Pending())

	runCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.results = c.dispatcher.Run(runCtx)
	c.mu.Unlock()

	c.emit(progress.Event{Stage: progress.StageCrawlStart})
	c.logger.Info("Crawl started",
		zap.Int("spiders", len(c.order)),
		zap.Int("queued", c.state.Snapshot().Queued))
	return nil
}

// Next blocks until the next job result is available. Before returning it
// enqueues the result's next jobs under the same spider, updates the
// counters and acknowledges the source record, in that order. It returns
// io.EOF once no record is queued or in flight. Queue failures are returned
// as *crawler.QueueError and end the crawl.
func (c *Crawler) Next(ctx context.Context) (crawler.WorkerResult, error) {
	c.mu.Lock()
	results, fatal, closed := c.results, c.fatal, c.closed
	c.mu.Unlock()
	switch {
	case fatal != nil:
		return crawler.WorkerResult{}, fatal
	case closed:
		return crawler.WorkerResult{}, ErrClosed
	case results == nil:
		return crawler.WorkerResult{}, ErrNotStarted
	}

	if c.state.Snapshot().Pending() == 0 {
		if err := c.finish(); err != nil {
			return crawler.WorkerResult{}, c.fail(queueError("close", err))
		}
		return crawler.WorkerResult{}, io.EOF
	}

	var (
		res crawler.WorkerResult
		ok  bool
	)
	select {
	case <-ctx.Done():
		return crawler.WorkerResult{}, fmt.Errorf("next result: %w", ctx.Err())
	case res, ok = <-results:
	}
	if !ok {
		if err := c.dispatcher.Err(); err != nil {
			return crawler.WorkerResult{}, c.fail(queueError("pop", err))
		}
		if ctx.Err() != nil {
			return crawler.WorkerResult{}, fmt.Errorf("next result: %w", ctx.Err())
		}
		return crawler.WorkerResult{}, ErrClosed
	}

	if err := c.account(ctx, res); err != nil {
		return crawler.WorkerResult{}, c.fail(err)
	}
	return res, nil
}

// account applies a result to the queue and the counters.
func (c *Crawler) account(ctx context.Context, res crawler.WorkerResult) error {
	for _, job := range res.NextJobs {
		if err := c.queue.Put(ctx, res.SpiderID, job); err != nil {
			return queueError("put", err)
		}
		c.state.Enqueued(1)
	}
	snap := c.state.Completed(res.Failed())
	if err := c.queue.Ack(ctx, res.Record.ID); err != nil {
		return queueError("ack", err)
	}

	status := "ok"
	switch {
	case crawler.IsFetchError(res.Error):
		status = "fetch_error"
	case crawler.IsExtractError(res.Error):
		status = "extract_error"
	}
	metrics.ObserveJob(res.SpiderID, status)
	metrics.SetPendingJobs(snap.Pending())
	c.emit(jobEvent(res))

	if res.Failed() {
		c.logger.Warn("Job failed",
			zap.String("spider", res.SpiderID),
			zap.String("url", res.Job.URL),
			zap.Int("level", res.Job.Level),
			zap.Error(res.Error))
	}
	return nil
}

// Results adapts Next to a range-over-func sequence. Iteration stops at
// quiescence or after yielding the first error.
func (c *Crawler) Results(ctx context.Context) iter.Seq2[crawler.WorkerResult, error] {
	return func(yield func(crawler.WorkerResult, error) bool) {
		for {
			res, err := c.Next(ctx)
			if errors.Is(err, io.EOF) {
				return
			}
			if !yield(res, err) || err != nil {
				return
			}
		}
	}
}

// Resubmit puts job back on the queue for spiderID. Consumers use it to retry
// failed jobs; the crawler itself never retries.
func (c *Crawler) Resubmit(ctx context.Context, spiderID string, job crawler.Job) error {
	if _, ok := c.spiders[spiderID]; !ok {
		return fmt.Errorf("%w: %q", crawler.ErrUnknownSpider, spiderID)
	}
	// Count the record before it lands so a concurrent Next never observes
	// quiescence while it is on its way into the queue.
	snap := c.state.Enqueued(1)
	if err := c.queue.Put(ctx, spiderID, job); err != nil {
		c.state.Enqueued(-1)
		return queueError("put", err)
	}
	metrics.ObserveResubmit(spiderID)
	metrics.SetPendingJobs(snap.Pending())
	c.emit(progress.Event{
		Stage:  progress.StageJobResubmit,
		Spider: spiderID,
		URL:    job.URL,
		Level:  job.Level,
		Site:   crawler.GroupKey(job.URL),
	})
	c.logger.Info("Job resubmitted",
		zap.String("spider", spiderID),
		zap.String("url", job.URL),
		zap.Int("level", job.Level))
	return nil
}

// Close stops the dispatcher, waits for in-flight jobs to wind down and
// closes the queue. Records that were not acknowledged stay in a durable
// queue for the next resumed run.
func (c *Crawler) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel, results := c.cancel, c.results
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if results != nil {
		for range results {
		}
	}
	err := c.closeQueue()
	c.crawlDone()
	if err != nil {
		return queueError("close", err)
	}
	return nil
}

// finish closes the queue at quiescence so the dispatcher winds down.
func (c *Crawler) finish() error {
	err := c.closeQueue()
	c.crawlDone()
	return err
}

func (c *Crawler) closeQueue() error {
	c.closeQueueOnce.Do(func() {
		c.closeQueueErr = c.queue.Close()
	})
	return c.closeQueueErr
}

func (c *Crawler) crawlDone() {
	c.mu.Lock()
	started := c.results != nil
	c.mu.Unlock()
	if !started {
		return
	}
	c.doneOnce.Do(func() {
		snap := c.state.Snapshot()
		c.emit(progress.Event{Stage: progress.StageCrawlDone})
		c.logger.Info("Crawl finished",
			zap.Int("completed", snap.Completed),
			zap.Int("failed", snap.Failed),
			zap.Int("pending", snap.Pending()))
	})
}

// fail records a fatal error, stops the dispatcher and returns err.
func (c *Crawler) fail(err error) error {
	c.mu.Lock()
	if c.fatal == nil {
		c.fatal = err
	}
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.logger.Error("Crawl aborted", zap.Error(err))
	return err
}

func (c *Crawler) emit(evt progress.Event) {
	evt.RunID = progress.UUIDToBytes(c.runID)
	evt.TS = c.now()
	c.progress.Emit(evt)
}

func (c *Crawler) now() time.Time {
	if c.clock == nil {
		return time.Now().UTC()
	}
	return c.clock.Now()
}

func jobEvent(res crawler.WorkerResult) progress.Event {
	evt := progress.Event{
		Stage:    progress.StageJobDone,
		Spider:   res.SpiderID,
		URL:      res.Job.URL,
		Level:    res.Job.Level,
		Site:     crawler.GroupKey(res.Job.URL),
		NextJobs: len(res.NextJobs),
	}
	if meta := res.Response; meta != nil {
		evt.Status = meta.StatusCode
		evt.StatusClass = progress.ClassifyStatus(meta.StatusCode)
		evt.Encoding = meta.Encoding
		evt.Bytes = meta.Size
		evt.Dur = meta.Duration
		if canonical := meta.CanonicalURL(); canonical != res.Job.URL {
			evt.ResolvedURL = canonical
		}
	}
	if res.Failed() {
		evt.Stage = progress.StageJobError
		evt.Note = report.DescribeError(res.Error)
	}
	return evt
}

// queueError wraps err as a QueueError unless it already is one.
func queueError(op string, err error) error {
	var qErr *crawler.QueueError
	if errors.As(err, &qErr) {
		return err
	}
	return &crawler.QueueError{Op: op, Err: err}
}
