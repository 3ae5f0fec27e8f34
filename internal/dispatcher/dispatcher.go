// Package dispatcher schedules queue records onto workers. Records are
// grouped by host; each group has its own buffer, parallelism cap and
// throttle, while a global limit bounds the total number of jobs in progress.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/spidercrawl/internal/crawler"
	"github.com/JakeFAU/spidercrawl/internal/metrics"
)

// Processor runs one record through the job lifecycle. It must always
// return a result, failures included.
type Processor interface {
	Process(ctx context.Context, rec crawler.QueueRecord) crawler.WorkerResult
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, rec crawler.QueueRecord) crawler.WorkerResult

// Process calls f.
func (f ProcessorFunc) Process(ctx context.Context, rec crawler.QueueRecord) crawler.WorkerResult {
	return f(ctx, rec)
}

// Config tunes the dispatcher.
type Config struct {
	crawler.Config
	// GroupKey maps a record to its scheduling group. Defaults to the
	// registrable domain of the job URL.
	GroupKey func(crawler.QueueRecord) string
	// OnPop is called for every record taken from the queue, before it is
	// scheduled.
	OnPop func(crawler.QueueRecord)
}

// Dispatcher pulls records from the queue and hands them to the processor
// under the configured concurrency and politeness limits.
type Dispatcher struct {
	queue     crawler.Queue
	processor Processor
	cfg       Config
	logger    *zap.Logger
	now       func() time.Time

	errMu sync.Mutex
	err   error
}

// New creates a Dispatcher.
func New(queue crawler.Queue, processor Processor, cfg Config, logger *zap.Logger) (*Dispatcher, error) {
	if queue == nil {
		return nil, errors.New("dispatcher: queue is required")
	}
	if processor == nil {
		return nil, errors.New("dispatcher: processor is required")
	}
	cfg.Config = cfg.Config.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.GroupKey == nil {
		cfg.GroupKey = func(rec crawler.QueueRecord) string { return crawler.GroupKey(rec.Job.URL) }
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		queue:     queue,
		processor: processor,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}, nil
}

// Err returns the fatal error that stopped the dispatcher, if any. It is
// meaningful once the results channel is closed.
func (d *Dispatcher) Err() error {
	d.errMu.Lock()
	defer d.errMu.Unlock()
	return d.err
}

func (d *Dispatcher) setErr(err error) {
	d.errMu.Lock()
	defer d.errMu.Unlock()
	if d.err == nil {
		d.err = err
	}
}

// Run starts scheduling and returns the stream of results. The channel is
// closed when the queue is closed and every scheduled record has been
// delivered, when ctx ends, or on a fatal queue error (see Err). Results of
// jobs aborted by cancellation are dropped.
func (d *Dispatcher) Run(ctx context.Context) <-chan crawler.WorkerResult {
	runCtx, cancel := context.WithCancel(ctx)
	out := make(chan crawler.WorkerResult)
	incoming := make(chan crawler.QueueRecord)

	go d.feed(runCtx, cancel, incoming)
	go func() {
		defer cancel()
		defer close(out)
		d.schedule(runCtx, incoming, out)
	}()
	return out
}

// feed pops records one at a time. It blocks on the hand-off while the
// scheduler applies backpressure.
func (d *Dispatcher) feed(ctx context.Context, cancel context.CancelFunc, incoming chan<- crawler.QueueRecord) {
	defer close(incoming)
	for {
		rec, err := d.queue.Pop(ctx)
		if err != nil {
			switch {
			case errors.Is(err, crawler.ErrQueueClosed):
			case ctx.Err() != nil:
			default:
				d.logger.Error("Queue pop failed", zap.Error(err))
				d.setErr(fmt.Errorf("pop: %w", err))
				cancel()
			}
			return
		}
		if d.cfg.OnPop != nil {
			d.cfg.OnPop(rec)
		}
		select {
		case incoming <- rec:
		case <-ctx.Done():
			return
		}
	}
}

type buffered struct {
	rec crawler.QueueRecord
	at  time.Time
}

type group struct {
	key      string
	pending  []buffered
	inFlight int
	limiter  *rate.Limiter
}

// ready reports whether the throttle allows a start at now.
func (g *group) ready(now time.Time) bool {
	return g.limiter == nil || g.limiter.TokensAt(now) >= 1
}

// readyIn returns how long until the throttle allows the next start.
func (g *group) readyIn(now time.Time) time.Duration {
	if g.limiter == nil {
		return 0
	}
	missing := 1 - g.limiter.TokensAt(now)
	if missing <= 0 {
		return 0
	}
	return time.Duration(missing / float64(g.limiter.Limit()) * float64(time.Second))
}

type scheduler struct {
	cfg    Config
	groups map[string]*group
	order  []string
	next   int
	active int
}

func (s *scheduler) group(key string) *group {
	if g, ok := s.groups[key]; ok {
		return g
	}
	g := &group{key: key}
	if s.cfg.Throttle > 0 {
		g.limiter = rate.NewLimiter(rate.Every(s.cfg.Throttle), 1)
	}
	s.groups[key] = g
	s.order = append(s.order, key)
	return g
}

// pick returns the next eligible group in round-robin order.
func (s *scheduler) pick(now time.Time) *group {
	n := len(s.order)
	for i := 0; i < n; i++ {
		idx := (s.next + i) % n
		g := s.groups[s.order[idx]]
		if len(g.pending) == 0 || g.inFlight >= s.cfg.GroupParallelism || !g.ready(now) {
			continue
		}
		s.next = idx + 1
		return g
	}
	return nil
}

// wait returns the delay until a throttled group becomes eligible, or false
// when no group is waiting on its throttle.
func (s *scheduler) wait(now time.Time) (time.Duration, bool) {
	var (
		best  time.Duration
		found bool
	)
	for _, g := range s.groups {
		if len(g.pending) == 0 || g.inFlight >= s.cfg.GroupParallelism {
			continue
		}
		delay := g.readyIn(now)
		if !found || delay < best {
			best, found = delay, true
		}
	}
	return best, found
}

// prune drops idle groups whose throttle window has elapsed.
func (s *scheduler) prune(now time.Time) {
	kept := s.order[:0]
	for _, key := range s.order {
		g := s.groups[key]
		if len(g.pending) == 0 && g.inFlight == 0 && g.ready(now) {
			delete(s.groups, key)
			continue
		}
		kept = append(kept, key)
	}
	s.order = kept
	if s.next >= len(s.order) {
		s.next = 0
	}
}

func (s *scheduler) bufferedCount() int {
	total := 0
	for _, g := range s.groups {
		total += len(g.pending)
	}
	return total
}

func (d *Dispatcher) schedule(ctx context.Context, incoming <-chan crawler.QueueRecord, out chan<- crawler.WorkerResult) {
	s := &scheduler{cfg: d.cfg, groups: make(map[string]*group)}
	finished := make(chan string, d.cfg.Threads)
	delivered := make(chan struct{}, d.cfg.Threads)
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	var (
		wg          sync.WaitGroup
		blocked     *crawler.QueueRecord
		blockedKey  string
		feederDone  bool
		timerActive bool
	)
	defer wg.Wait()

	for {
		now := d.now()

		if blocked != nil {
			if g := s.group(blockedKey); len(g.pending) < d.cfg.GroupBufferSize {
				g.pending = append(g.pending, buffered{rec: *blocked, at: now})
				blocked = nil
			}
		}

		for s.active < d.cfg.Threads {
			g := s.pick(now)
			if g == nil {
				break
			}
			head := g.pending[0]
			g.pending[0] = buffered{}
			g.pending = g.pending[1:]
			rec := head.rec
			g.inFlight++
			s.active++
			if g.limiter != nil {
				g.limiter.AllowN(now, 1)
			}
			metrics.ObserveThrottleDelay(g.key, now.Sub(head.at))
			d.logger.Debug("Dispatching job",
				zap.String("group", g.key),
				zap.String("spider", rec.SpiderID),
				zap.String("url", rec.Job.URL),
				zap.Int("level", rec.Job.Level))
			wg.Add(1)
			go func(key string, rec crawler.QueueRecord) {
				defer wg.Done()
				metrics.IncActiveWorkers()
				result := d.process(ctx, rec)
				metrics.DecActiveWorkers()
				// The scheduler stops reading once ctx ends, so every send
				// must give up with it.
				select {
				case finished <- key:
				case <-ctx.Done():
					return
				}
				if ctx.Err() != nil {
					return
				}
				select {
				case out <- result:
				case <-ctx.Done():
					return
				}
				select {
				case delivered <- struct{}{}:
				case <-ctx.Done():
				}
			}(g.key, rec)
		}

		s.prune(now)
		metrics.SetActiveGroups(len(s.groups))

		if feederDone && blocked == nil && s.active == 0 && s.bufferedCount() == 0 {
			return
		}

		if timerActive {
			timer.Stop()
			timerActive = false
		}
		var timerC <-chan time.Time
		if s.active < d.cfg.Threads {
			if delay, ok := s.wait(now); ok {
				timer.Reset(delay)
				timerActive = true
				timerC = timer.C
			}
		}

		var in <-chan crawler.QueueRecord
		if blocked == nil && !feederDone {
			in = incoming
		}

		select {
		case <-ctx.Done():
			return
		case rec, ok := <-in:
			if !ok {
				feederDone = true
				continue
			}
			key := d.cfg.GroupKey(rec)
			g := s.group(key)
			if len(g.pending) >= d.cfg.GroupBufferSize {
				// Hold the record and stop pulling until the group drains.
				blocked, blockedKey = &rec, key
				continue
			}
			g.pending = append(g.pending, buffered{rec: rec, at: d.now()})
		case key := <-finished:
			if g, ok := s.groups[key]; ok {
				g.inFlight--
			}
		case <-delivered:
			s.active--
		case <-timerC:
			timerActive = false
		}
	}
}

// process runs the processor, converting a panic into an extract failure so
// one bad page cannot take the crawl down.
func (d *Dispatcher) process(ctx context.Context, rec crawler.QueueRecord) (result crawler.WorkerResult) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Worker panicked",
				zap.String("spider", rec.SpiderID),
				zap.String("url", rec.Job.URL),
				zap.Any("panic", r))
			result = crawler.WorkerResult{
				Record:   rec,
				SpiderID: rec.SpiderID,
				Job:      rec.Job,
				Error:    crawler.NewExtractError(fmt.Errorf("panic: %v", r)),
			}
		}
	}()
	return d.processor.Process(ctx, rec)
}
