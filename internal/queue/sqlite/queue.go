// Package sqlite provides a crawl queue persisted in a SQLite database so an
// interrupted crawl can resume where it stopped.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/JakeFAU/spidercrawl/internal/crawler"
)

// FileName is the database file created inside the queue directory.
const FileName = "queue.db"

const (
	statusPending = "pending"
	statusClaimed = "claimed"
)

const schema = `
CREATE TABLE IF NOT EXISTS queue (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    spider     TEXT NOT NULL,
    url        TEXT NOT NULL,
    level      INTEGER NOT NULL DEFAULT 0,
    status     TEXT NOT NULL DEFAULT 'pending',
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_queue_status ON queue(status, id);
`

// Options configures Open.
type Options struct {
	// Dir holds the database file. It is created when missing.
	Dir string
	// Resume keeps records left by a previous run. Claimed records that
	// were never acknowledged are handed out again.
	Resume bool
	Logger *zap.Logger
}

// Queue implements crawler.Queue on top of SQLite. Records are written before
// Put returns and deleted only on Ack, so a crash never loses work.
type Queue struct {
	db     *sql.DB
	logger *zap.Logger
	notify chan struct{}
	done   chan struct{}

	closeMu sync.Mutex
	closed  bool
}

var _ crawler.Queue = (*Queue)(nil)

// Open creates or reopens the queue stored under opts.Dir.
func Open(ctx context.Context, opts Options) (*Queue, error) {
	if opts.Dir == "" {
		return nil, errors.New("sqlite queue: directory is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, &crawler.QueueError{Op: "open", Err: err}
	}

	dsn := "file:" + filepath.Join(opts.Dir, FileName) +
		"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, &crawler.QueueError{Op: "open", Err: err}
	}
	// A single connection serializes claims without explicit locking.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, &crawler.QueueError{Op: "open", Err: fmt.Errorf("init schema: %w", err)}
	}

	q := &Queue{
		db:     db,
		logger: logger,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	if opts.Resume {
		recovered, err := q.recoverClaimed(ctx)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		size, err := q.Size(ctx)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		logger.Info("Resuming queue",
			zap.String("dir", opts.Dir),
			zap.Int("pending", size),
			zap.Int64("recovered", recovered))
	} else if _, err := db.ExecContext(ctx, `DELETE FROM queue`); err != nil {
		_ = db.Close()
		return nil, &crawler.QueueError{Op: "open", Err: fmt.Errorf("reset queue: %w", err)}
	}
	return q, nil
}

// recoverClaimed resets records claimed by a previous process back to pending.
func (q *Queue) recoverClaimed(ctx context.Context) (int64, error) {
	result, err := q.db.ExecContext(ctx,
		`UPDATE queue SET status = ? WHERE status = ?`, statusPending, statusClaimed)
	if err != nil {
		return 0, &crawler.QueueError{Op: "recover", Err: err}
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, &crawler.QueueError{Op: "recover", Err: err}
	}
	return n, nil
}

// Put inserts a pending record.
func (q *Queue) Put(ctx context.Context, spiderID string, job crawler.Job) error {
	if q.isClosed() {
		return crawler.ErrQueueClosed
	}
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO queue (spider, url, level, status, created_at) VALUES (?, ?, ?, ?, ?)`,
		spiderID, job.URL, job.Level, statusPending, time.Now().UTC(),
	)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("enqueue canceled: %w", ctx.Err())
		}
		return &crawler.QueueError{Op: "put", Err: err}
	}
	q.signal()
	return nil
}

// Pop claims the oldest pending record, blocking until one exists.
func (q *Queue) Pop(ctx context.Context) (crawler.QueueRecord, error) {
	for {
		if q.isClosed() {
			return crawler.QueueRecord{}, crawler.ErrQueueClosed
		}
		rec, ok, err := q.claim(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return crawler.QueueRecord{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
			}
			if q.isClosed() {
				return crawler.QueueRecord{}, crawler.ErrQueueClosed
			}
			return crawler.QueueRecord{}, err
		}
		if ok {
			q.signal()
			return rec, nil
		}
		select {
		case <-ctx.Done():
			return crawler.QueueRecord{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-q.done:
		case <-q.notify:
		}
	}
}

func (q *Queue) claim(ctx context.Context) (crawler.QueueRecord, bool, error) {
	row := q.db.QueryRowContext(ctx,
		`UPDATE queue SET status = ?
		 WHERE id = (SELECT id FROM queue WHERE status = ? ORDER BY id ASC LIMIT 1)
		 RETURNING id, spider, url, level`,
		statusClaimed, statusPending,
	)
	var rec crawler.QueueRecord
	err := row.Scan(&rec.ID, &rec.SpiderID, &rec.Job.URL, &rec.Job.Level)
	if errors.Is(err, sql.ErrNoRows) {
		return crawler.QueueRecord{}, false, nil
	}
	if err != nil {
		return crawler.QueueRecord{}, false, &crawler.QueueError{Op: "pop", Err: err}
	}
	return rec, true, nil
}

// Ack deletes a claimed record.
func (q *Queue) Ack(ctx context.Context, id int64) error {
	result, err := q.db.ExecContext(ctx,
		`DELETE FROM queue WHERE id = ? AND status = ?`, id, statusClaimed)
	if err != nil {
		return &crawler.QueueError{Op: "ack", Err: err}
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return &crawler.QueueError{Op: "ack", Err: err}
	}
	if affected == 0 {
		return fmt.Errorf("ack %d: %w", id, crawler.ErrUnknownRecord)
	}
	return nil
}

// Size returns the number of pending records.
func (q *Queue) Size(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM queue WHERE status = ?`, statusPending).Scan(&n)
	if err != nil {
		return 0, &crawler.QueueError{Op: "size", Err: err}
	}
	return n, nil
}

// Close releases the database. Unacknowledged records stay on disk.
func (q *Queue) Close() error {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	close(q.done)
	if err := q.db.Close(); err != nil {
		return &crawler.QueueError{Op: "close", Err: err}
	}
	return nil
}

func (q *Queue) isClosed() bool {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	return q.closed
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
