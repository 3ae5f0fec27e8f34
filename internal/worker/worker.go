// Package worker runs a single queue record through the crawl job lifecycle:
// fetch, optional redirect resolution, decoding, extraction and next-job
// derivation.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/net/html/charset"
	"golang.org/x/text/transform"

	"github.com/JakeFAU/spidercrawl/internal/crawler"
	"github.com/JakeFAU/spidercrawl/internal/metrics"
)

// Stage names a step of the job lifecycle.
type Stage string

// Job lifecycle stages.
const (
	StageDequeued      Stage = "dequeued"
	StageFetching      Stage = "fetching"
	StageFetchFailed   Stage = "fetch_failed"
	StageFetched       Stage = "fetched"
	StageExtracting    Stage = "extracting"
	StageExtractFailed Stage = "extract_failed"
	StageExtracted     Stage = "extracted"
	StageCompleted     Stage = "completed"
)

// Spiders resolves the spider a record belongs to.
type Spiders interface {
	Spider(id string) (*crawler.Spider, bool)
}

// Worker executes the job lifecycle. It is stateless between calls and safe
// for concurrent use.
type Worker struct {
	spiders  Spiders
	fetcher  crawler.Fetcher
	resolver crawler.Resolver
	clients  crawler.ClientProvider
	clock    crawler.Clock
	logger   *zap.Logger
}

// New constructs a Worker. resolver and clients may be nil when no spider
// asks for redirect resolution.
func New(
	spiders Spiders,
	fetcher crawler.Fetcher,
	resolver crawler.Resolver,
	clients crawler.ClientProvider,
	clock crawler.Clock,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		spiders:  spiders,
		fetcher:  fetcher,
		resolver: resolver,
		clients:  clients,
		clock:    clock,
		logger:   logger,
	}
}

// Process runs rec through the lifecycle and always returns a result.
func (w *Worker) Process(ctx context.Context, rec crawler.QueueRecord) crawler.WorkerResult {
	result := crawler.WorkerResult{Record: rec, SpiderID: rec.SpiderID, Job: rec.Job}
	logger := w.logger.With(
		zap.String("spider", rec.SpiderID),
		zap.String("url", rec.Job.URL),
		zap.Int("level", rec.Job.Level))
	w.stage(logger, StageDequeued)

	spider, ok := w.spiders.Spider(rec.SpiderID)
	if !ok {
		result.Error = crawler.NewExtractError(fmt.Errorf("%w: %q", crawler.ErrUnknownSpider, rec.SpiderID))
		logger.Error("Record references unknown spider")
		return result
	}

	w.stage(logger, StageFetching)
	resp, err := w.fetch(ctx, spider, rec.Job)
	if err != nil {
		result.Error = crawler.NewFetchError(err)
		metrics.ObserveCrawl(rec.Job.URL, "fetch_error", 0)
		w.stage(logger, StageFetchFailed, zap.Error(err))
		return result
	}
	meta := buildMeta(resp)
	result.Response = meta
	result.Meta = map[string]string{"encoding": meta.Encoding}

	if spider.Resolve() {
		hops, err := w.resolve(ctx, rec.Job.URL)
		if err != nil {
			result.Error = crawler.NewFetchError(err)
			metrics.ObserveCrawl(rec.Job.URL, "fetch_error", len(resp.Body))
			w.stage(logger, StageFetchFailed, zap.Error(err))
			return result
		}
		meta.Hops = hops
		if len(hops) > 0 {
			meta.ResolvedURL = hops[len(hops)-1].Location
		}
	}
	w.stage(logger, StageFetched,
		zap.Int("status", meta.StatusCode),
		zap.String("encoding", meta.Encoding),
		zap.Duration("duration", meta.Duration))

	w.stage(logger, StageExtracting)
	doc := crawler.Document{URL: meta.CanonicalURL(), Text: decode(resp.Body, meta.Encoding)}
	if doc.URL == "" {
		doc.URL = rec.Job.URL
	}
	if err := w.extract(spider, rec.Job, doc, &result); err != nil {
		// A failed result carries no partial extraction.
		result.Items = crawler.Items{}
		result.Scraped = nil
		result.NextJobs = nil
		result.Error = crawler.NewExtractError(err)
		metrics.ObserveCrawl(rec.Job.URL, "extract_error", len(resp.Body))
		w.stage(logger, StageExtractFailed, zap.Error(err))
		return result
	}
	w.stage(logger, StageExtracted,
		zap.Int("items", result.Items.Len()),
		zap.Int("next_jobs", len(result.NextJobs)))

	metrics.ObserveCrawl(rec.Job.URL, "ok", len(resp.Body))
	w.stage(logger, StageCompleted)
	return result
}

func (w *Worker) stage(logger *zap.Logger, stage Stage, fields ...zap.Field) {
	logger.Debug("Job stage", append([]zap.Field{zap.String("stage", string(stage))}, fields...)...)
}

func (w *Worker) fetch(ctx context.Context, spider *crawler.Spider, job crawler.Job) (crawler.FetchResponse, error) {
	if w.fetcher == nil {
		return crawler.FetchResponse{}, errors.New("no fetcher configured")
	}
	start := w.now()
	resp, err := w.fetcher.Fetch(ctx, crawler.FetchRequest{URL: job.URL, Method: spider.Method()})
	if err != nil {
		return crawler.FetchResponse{}, fmt.Errorf("fetch: %w", err)
	}
	if resp.Duration == 0 {
		resp.Duration = w.now().Sub(start)
	}
	return resp, nil
}

func (w *Worker) resolve(ctx context.Context, url string) ([]crawler.Hop, error) {
	if w.resolver == nil || w.clients == nil {
		return nil, errors.New("resolve: no resolver configured")
	}
	hops, err := w.resolver.Resolve(ctx, w.clients.Client(), url)
	if err != nil {
		return nil, fmt.Errorf("resolve: %w", err)
	}
	return hops, nil
}

// extract runs the extractor, named scrapers and next-job rule. A panic in
// any of them is reported as an error.
func (w *Worker) extract(spider *crawler.Spider, job crawler.Job, doc crawler.Document, result *crawler.WorkerResult) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	extractCtx := map[string]any{
		"url":    job.URL,
		"level":  job.Level,
		"spider": spider.ID(),
	}
	if e := spider.Extractor(); e != nil {
		items, err := e.Extract(doc, extractCtx)
		if err != nil {
			return fmt.Errorf("extract: %w", err)
		}
		result.Items = items
	}
	if names := spider.ScraperNames(); len(names) > 0 {
		result.Scraped = make(map[string]crawler.Items, len(names))
		for _, name := range names {
			scraper, _ := spider.Scraper(name)
			items, err := scraper.Extract(doc, extractCtx)
			if err != nil {
				return fmt.Errorf("scraper %q: %w", name, err)
			}
			result.Scraped[name] = items
		}
	}

	next, err := spider.NextJobs(job, doc)
	if err != nil {
		return err
	}
	result.NextJobs = next
	return nil
}

func (w *Worker) now() time.Time {
	if w.clock == nil {
		return time.Now()
	}
	return w.clock.Now()
}

func buildMeta(resp crawler.FetchResponse) *crawler.ResponseMeta {
	contentType := ""
	if resp.Headers != nil {
		contentType = resp.Headers.Get("Content-Type")
	}
	finalURL := resp.FinalURL
	if finalURL == "" {
		finalURL = resp.URL
	}
	_, name, _ := charset.DetermineEncoding(resp.Body, contentType)
	return &crawler.ResponseMeta{
		URL:         resp.URL,
		FinalURL:    finalURL,
		StatusCode:  resp.StatusCode,
		Headers:     resp.Headers,
		ContentType: contentType,
		Encoding:    name,
		Size:        int64(len(resp.Body)),
		Duration:    resp.Duration,
	}
}

// decode converts body to UTF-8. It never fails: undecodable bytes become
// U+FFFD.
func decode(body []byte, encodingName string) string {
	enc, _ := charset.Lookup(encodingName)
	if enc != nil {
		if out, _, err := transform.Bytes(enc.NewDecoder(), body); err == nil {
			return toValidUTF8(out)
		}
	}
	return toValidUTF8(body)
}

func toValidUTF8(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	return strings.ToValidUTF8(string(b), "\uFFFD")
}
