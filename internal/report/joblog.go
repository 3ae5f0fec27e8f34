// Package report writes crawl outcomes to CSV files: the job log and the
// scraped items of every spider.
package report

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/JakeFAU/spidercrawl/internal/crawler"
)

// JobsFileName is the job log written in the output directory.
const JobsFileName = "jobs.csv"

// JobHeaders are the columns of the job log.
var JobHeaders = []string{"spider", "url", "resolved", "status", "error", "encoding", "next", "level"}

// csvFile is a CSV writer over a file opened for writing or appending.
type csvFile struct {
	mu     sync.Mutex
	file   *os.File
	writer *csv.Writer
}

// openCSV creates path with headers, or appends to it when resume is set and
// the file already exists.
func openCSV(path string, headers []string, resume bool) (*csvFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create report dir: %w", err)
	}
	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	appending := false
	if resume {
		if _, err := os.Stat(path); err == nil {
			flags = os.O_WRONLY | os.O_APPEND
			appending = true
		}
	}
	f, err := os.OpenFile(path, flags, 0o644) //nolint:gosec // report path comes from the output dir
	if err != nil {
		return nil, fmt.Errorf("open report %s: %w", path, err)
	}
	out := &csvFile{file: f, writer: csv.NewWriter(f)}
	if !appending {
		if err := out.write(headers); err != nil {
			_ = f.Close()
			return nil, err
		}
	}
	return out, nil
}

func (c *csvFile) write(rows ...[]string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, row := range rows {
		if err := c.writer.Write(row); err != nil {
			return fmt.Errorf("write row: %w", err)
		}
	}
	c.writer.Flush()
	if err := c.writer.Error(); err != nil {
		return fmt.Errorf("flush rows: %w", err)
	}
	return nil
}

func (c *csvFile) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writer.Flush()
	return errors.Join(c.writer.Error(), c.file.Close())
}

// JobLog writes one row per completed job.
type JobLog struct {
	out *csvFile
}

// OpenJobLog opens <dir>/jobs.csv.
func OpenJobLog(dir string, resume bool) (*JobLog, error) {
	out, err := openCSV(filepath.Join(dir, JobsFileName), JobHeaders, resume)
	if err != nil {
		return nil, err
	}
	return &JobLog{out: out}, nil
}

// Write appends the row describing result.
func (l *JobLog) Write(result crawler.WorkerResult) error {
	return l.out.write(JobRow(result))
}

// Close flushes and closes the file.
func (l *JobLog) Close() error {
	return l.out.close()
}

// JobRow formats result as a job log row. Failed jobs leave status empty
// and report the error; successful ones do the opposite.
func JobRow(result crawler.WorkerResult) []string {
	level := strconv.Itoa(result.Job.Level)
	if result.Error != nil {
		return []string{result.SpiderID, result.Job.URL, "", "", DescribeError(result.Error), "", "0", level}
	}
	resolved := ""
	status := ""
	encoding := ""
	if meta := result.Response; meta != nil {
		if canonical := meta.CanonicalURL(); canonical != result.Job.URL {
			resolved = canonical
		}
		status = strconv.Itoa(meta.StatusCode)
		encoding = meta.Encoding
	}
	if enc, ok := result.Meta["encoding"]; ok && encoding == "" {
		encoding = enc
	}
	return []string{
		result.SpiderID,
		result.Job.URL,
		resolved,
		status,
		"",
		encoding,
		strconv.Itoa(len(result.NextJobs)),
		level,
	}
}
