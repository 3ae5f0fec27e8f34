// Package queue selects the crawl queue backend. An empty path keeps records
// in memory; a directory path persists them with SQLite so a crawl can resume.
package queue

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/spidercrawl/internal/crawler"
	"github.com/JakeFAU/spidercrawl/internal/queue/memory"
	"github.com/JakeFAU/spidercrawl/internal/queue/sqlite"
)

// Options configures Open.
type Options struct {
	// Path is the queue directory. Empty selects the in-memory queue.
	Path string
	// Resume reuses the records of a previous run found under Path.
	Resume bool
	Logger *zap.Logger
}

// Open returns the queue backend described by opts.
func Open(ctx context.Context, opts Options) (crawler.Queue, error) {
	if opts.Path == "" {
		if opts.Resume {
			return nil, fmt.Errorf("%w: resume requires a queue path", crawler.ErrInvalidConfig)
		}
		return memory.NewQueue(), nil
	}
	q, err := sqlite.Open(ctx, sqlite.Options{Dir: opts.Path, Resume: opts.Resume, Logger: opts.Logger})
	if err != nil {
		return nil, fmt.Errorf("open queue: %w", err)
	}
	return q, nil
}
