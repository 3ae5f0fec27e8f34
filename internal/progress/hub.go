package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/spidercrawl/internal/metrics"
)

// Config controls buffering and batching for the Hub. Zero values take the
// defaults: a 4096 event buffer, batches of at most 1000 events flushed at
// least every 500ms, and a 10s per-sink timeout.
type Config struct {
	BufferSize     int
	MaxBatchEvents int
	MaxBatchWait   time.Duration
	SinkTimeout    time.Duration
	BaseContext    context.Context
	Logger         *zap.Logger
}

const (
	defaultBufferSize     = 4096
	defaultMaxBatchEvents = 1000
	defaultMaxBatchWait   = 500 * time.Millisecond
	defaultSinkTimeout    = 10 * time.Second
	dropLogInterval       = 5 * time.Second
)

// Hub batches crawl events and fans them out to its sinks from a single
// goroutine, so every sink sees events in emission order.
//
// Job events never block the crawl: they are dropped when the buffer is
// full. Run events (CRAWL_START, CRAWL_DONE) wait for room, and CRAWL_DONE
// flushes the pending batch immediately.
type Hub struct {
	cfg     Config
	sinks   []Sink
	events  chan Event
	stopCh  chan struct{}
	doneCh  chan struct{}
	logger  *zap.Logger
	dropLog *rate.Sometimes
	dropped atomic.Int64
	closed  atomic.Bool

	closeOnce sync.Once
	closeCtx  context.Context
}

// NewHub starts the batching goroutine for the supplied sinks.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.MaxBatchEvents <= 0 {
		cfg.MaxBatchEvents = defaultMaxBatchEvents
	}
	if cfg.MaxBatchWait <= 0 {
		cfg.MaxBatchWait = defaultMaxBatchWait
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		cfg:     cfg,
		sinks:   append([]Sink(nil), sinks...),
		events:  make(chan Event, cfg.BufferSize),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
		logger:  logger,
		dropLog: &rate.Sometimes{Interval: dropLogInterval},
	}
	go h.run()
	return h
}

// Emit enqueues an Event. Invalid events are discarded.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.closed.Load() {
		return
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("Discarding invalid progress event", zap.String("stage", string(evt.Stage)), zap.Error(err))
		return
	}
	if evt.Stage.runEvent() {
		select {
		case h.events <- evt:
		case <-h.stopCh:
		}
		return
	}
	select {
	case h.events <- evt:
	default:
		h.drop(evt)
	}
}

func (h *Hub) drop(evt Event) {
	h.dropped.Add(1)
	metrics.ObserveProgressDropped(string(evt.Stage))
	if h.dropLog == nil {
		return
	}
	h.dropLog.Do(func() {
		h.logger.Warn("Progress events dropped",
			zap.Int64("dropped", h.dropped.Swap(0)),
			zap.String("spider", evt.Spider))
	})
}

// Close drains buffered events, flushes and closes the sinks, then waits for
// the batching goroutine. Later calls only wait.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.closeCtx = ctx
		close(h.stopCh)
	})
	select {
	case <-h.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress hub close wait: %w", ctx.Err())
	}
}

func (h *Hub) run() {
	defer close(h.doneCh)
	ticker := time.NewTicker(h.cfg.MaxBatchWait)
	defer ticker.Stop()

	batch := make([]Event, 0, h.cfg.MaxBatchEvents)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		h.flush(batch)
		batch = batch[:0]
	}
	for {
		select {
		case evt := <-h.events:
			batch = append(batch, evt)
			if len(batch) >= h.cfg.MaxBatchEvents || evt.Stage == StageCrawlDone {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-h.stopCh:
			for {
				select {
				case evt := <-h.events:
					batch = append(batch, evt)
					if len(batch) >= h.cfg.MaxBatchEvents {
						flush()
					}
				default:
					flush()
					h.closeSinks()
					return
				}
			}
		}
	}
}

// flush hands a copy of batch to every sink. A failing sink is logged and
// does not stop the others.
func (h *Hub) flush(batch []Event) {
	copyBatch := append([]Event(nil), batch...)
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(h.cfg.BaseContext, h.cfg.SinkTimeout)
		if err := sink.Consume(ctx, copyBatch); err != nil {
			h.logger.Warn("Progress sink consume failed", zap.Int("events", len(copyBatch)), zap.Error(err))
		}
		cancel()
	}
}

func (h *Hub) closeSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("Progress sink close failed", zap.Error(err))
		}
	}
}
