package report

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/spidercrawl/internal/crawler"
	"github.com/JakeFAU/spidercrawl/internal/resolve"
)

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

func okResult() crawler.WorkerResult {
	return crawler.WorkerResult{
		SpiderID: "default",
		Job:      crawler.Job{URL: "https://example.com/page/0"},
		Response: &crawler.ResponseMeta{
			URL:        "https://example.com/page/0",
			FinalURL:   "https://example.com/page/0/",
			StatusCode: 200,
			Encoding:   "utf-8",
		},
		NextJobs: []crawler.Job{{URL: "https://example.com/page/1", Level: 1}},
	}
}

func TestJobRow(t *testing.T) {
	t.Parallel()

	require.Equal(t,
		[]string{"default", "https://example.com/page/0", "https://example.com/page/0/", "200", "", "utf-8", "1", "0"},
		JobRow(okResult()))

	same := okResult()
	same.Response.FinalURL = same.Job.URL
	require.Equal(t, "", JobRow(same)[2])

	failed := crawler.WorkerResult{
		SpiderID: "news",
		Job:      crawler.Job{URL: "https://example.com/x", Level: 2},
		Error:    crawler.NewFetchError(context.DeadlineExceeded),
	}
	require.Equal(t, []string{"news", "https://example.com/x", "", "", "timeout", "", "0", "2"}, JobRow(failed))
}

func TestJobLogAppendsOnResume(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	log, err := OpenJobLog(dir, false)
	require.NoError(t, err)
	require.NoError(t, log.Write(okResult()))
	require.NoError(t, log.Close())

	log, err = OpenJobLog(dir, true)
	require.NoError(t, err)
	require.NoError(t, log.Write(okResult()))
	require.NoError(t, log.Close())

	rows := readCSV(t, filepath.Join(dir, JobsFileName))
	require.Len(t, rows, 3)
	require.Equal(t, JobHeaders, rows[0])

	log, err = OpenJobLog(dir, false)
	require.NoError(t, err)
	require.NoError(t, log.Close())
	require.Len(t, readCSV(t, filepath.Join(dir, JobsFileName)), 1, "a fresh crawl truncates the log")
}

type headers []string

func (h headers) Headers() []string { return h }

func TestScrapedPoolSingleSpider(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	pool, err := OpenScrapedPool(dir, true, []SpiderScrapers{{
		Spider: crawler.DefaultSpiderID,
		Main:   headers{"value"},
		Named:  map[string]HeaderedExtractor{"people": headers{"id", "name"}},
	}}, false)
	require.NoError(t, err)

	result := crawler.WorkerResult{
		SpiderID: crawler.DefaultSpiderID,
		Items:    crawler.ListItem(crawler.ScalarItem("One"), crawler.ScalarItem("Two")),
		Scraped: map[string]crawler.Items{
			"people": crawler.ListItem(
				crawler.RecordItem(map[string]crawler.Items{"id": crawler.ScalarItem("1"), "name": crawler.ScalarItem("Ada")}),
				crawler.RecordItem(map[string]crawler.Items{"id": crawler.ScalarItem("2")}),
			),
		},
	}
	require.NoError(t, pool.Write(result))
	require.NoError(t, pool.Write(crawler.WorkerResult{SpiderID: crawler.DefaultSpiderID, Error: crawler.NewFetchError(errors.New("x"))}))
	require.NoError(t, pool.Close())

	require.Equal(t, [][]string{{"value"}, {"One"}, {"Two"}}, readCSV(t, filepath.Join(dir, "scraped.csv")))
	require.Equal(t,
		[][]string{{"id", "name"}, {"1", "Ada"}, {"2", ""}},
		readCSV(t, filepath.Join(dir, "scraped", "people.csv")))
}

func TestScrapedPoolMultiSpider(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	pool, err := OpenScrapedPool(dir, false, []SpiderScrapers{
		{Spider: "news", Main: headers{"value"}},
		{Spider: "blog", Named: map[string]HeaderedExtractor{"titles": headers{"value"}}},
	}, false)
	require.NoError(t, err)

	require.NoError(t, pool.Write(crawler.WorkerResult{SpiderID: "news", Items: crawler.ScalarItem("headline")}))
	require.NoError(t, pool.Write(crawler.WorkerResult{
		SpiderID: "blog",
		Scraped:  map[string]crawler.Items{"titles": crawler.ScalarItem("post")},
	}))
	require.ErrorIs(t, pool.Write(crawler.WorkerResult{SpiderID: "ghost"}), crawler.ErrUnknownSpider)
	require.NoError(t, pool.Close())

	require.Equal(t, [][]string{{"value"}, {"headline"}}, readCSV(t, filepath.Join(dir, "scraped", "news", "scraped.csv")))
	require.Equal(t, [][]string{{"value"}, {"post"}}, readCSV(t, filepath.Join(dir, "scraped", "blog", "titles.csv")))
}

func TestItemRow(t *testing.T) {
	t.Parallel()

	require.Equal(t, []string{"x"}, ItemRow(crawler.ScalarItem("x"), []string{"a", "b"}))
	require.Equal(t, []string{`["a","b"]`}, ItemRow(crawler.ListItem(crawler.ScalarItem("a"), crawler.ScalarItem("b")), []string{"value"}))
	require.Equal(t, []string{"", "2"}, ItemRow(crawler.RecordItem(map[string]crawler.Items{"b": crawler.ScalarItem("2")}), []string{"a", "b"}))
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func TestDescribeError(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		err      error
		expected string
	}{
		{nil, ""},
		{crawler.NewFetchError(fmt.Errorf("resolve: %w", resolve.ErrRedirectLoop)), "redirect-loop"},
		{crawler.NewFetchError(resolve.ErrTooManyRedirects), "too-many-redirects"},
		{crawler.NewFetchError(context.DeadlineExceeded), "timeout"},
		{crawler.NewFetchError(timeoutError{}), "timeout"},
		{crawler.NewFetchError(&net.DNSError{Err: "no such host", Name: "nope.invalid"}), "dns-error"},
		{crawler.NewFetchError(&net.OpError{Op: "dial", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}), "connection-refused"},
		{crawler.NewExtractError(errors.New("bad selector")), "extract-error"},
		{crawler.NewExtractError(crawler.ErrUnknownSpider), "unknown-spider"},
		{crawler.NewFetchError(errors.New("weird")), "fetch-error"},
		{errors.New("weird"), "unknown-error"},
	}
	for _, tc := range testCases {
		t.Run(tc.expected, func(t *testing.T) {
			require.Equal(t, tc.expected, DescribeError(tc.err))
		})
	}
}
