package report

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/JakeFAU/spidercrawl/internal/crawler"
)

// HeaderedExtractor is a scraper able to name the CSV columns of its output.
type HeaderedExtractor interface {
	Headers() []string
}

// SpiderScrapers lists the scrapers of one spider. Main may be nil.
type SpiderScrapers struct {
	Spider string
	Main   HeaderedExtractor
	Named  map[string]HeaderedExtractor
}

type scrapedWriter struct {
	headers []string
	out     *csvFile
}

// ScrapedPool routes scraped items to one CSV file per spider scraper.
//
// In single-spider mode the main scraper writes <dir>/scraped.csv and named
// scrapers <dir>/scraped/<name>.csv. With several spiders every file lives
// under <dir>/scraped/<spider>/.
type ScrapedPool struct {
	writers map[string]map[string]*scrapedWriter
}

const mainScraper = ""

// OpenScrapedPool opens the files of every scraper.
func OpenScrapedPool(dir string, single bool, spiders []SpiderScrapers, resume bool) (*ScrapedPool, error) {
	pool := &ScrapedPool{writers: make(map[string]map[string]*scrapedWriter, len(spiders))}
	for _, spider := range spiders {
		base := filepath.Join(dir, "scraped", spider.Spider)
		mainPath := filepath.Join(base, "scraped.csv")
		if single {
			base = filepath.Join(dir, "scraped")
			mainPath = filepath.Join(dir, "scraped.csv")
		}
		writers := make(map[string]*scrapedWriter)
		pool.writers[spider.Spider] = writers

		if spider.Main != nil {
			w, err := openScraped(mainPath, spider.Main, resume)
			if err != nil {
				return nil, errors.Join(err, pool.Close())
			}
			writers[mainScraper] = w
		}
		names := make([]string, 0, len(spider.Named))
		for name := range spider.Named {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			w, err := openScraped(filepath.Join(base, name+".csv"), spider.Named[name], resume)
			if err != nil {
				return nil, errors.Join(err, pool.Close())
			}
			writers[name] = w
		}
	}
	return pool, nil
}

func openScraped(path string, scraper HeaderedExtractor, resume bool) (*scrapedWriter, error) {
	headers := scraper.Headers()
	if len(headers) == 0 {
		return nil, fmt.Errorf("scraper headers for %s could not be inferred", path)
	}
	out, err := openCSV(path, headers, resume)
	if err != nil {
		return nil, err
	}
	return &scrapedWriter{headers: headers, out: out}, nil
}

// Write appends the items of a successful result.
func (p *ScrapedPool) Write(result crawler.WorkerResult) error {
	if result.Failed() {
		return nil
	}
	writers, ok := p.writers[result.SpiderID]
	if !ok {
		return fmt.Errorf("%w: %q", crawler.ErrUnknownSpider, result.SpiderID)
	}
	if w, ok := writers[mainScraper]; ok {
		if err := w.write(result.Items); err != nil {
			return err
		}
	}
	names := make([]string, 0, len(result.Scraped))
	for name := range result.Scraped {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		w, ok := writers[name]
		if !ok {
			continue
		}
		if err := w.write(result.Scraped[name]); err != nil {
			return err
		}
	}
	return nil
}

// Close closes every file.
func (p *ScrapedPool) Close() error {
	var errs []error
	for _, writers := range p.writers {
		for _, w := range writers {
			errs = append(errs, w.out.close())
		}
	}
	return errors.Join(errs...)
}

func (w *scrapedWriter) write(items crawler.Items) error {
	rows := items.Rows()
	if len(rows) == 0 {
		return nil
	}
	out := make([][]string, 0, len(rows))
	for _, item := range rows {
		out = append(out, ItemRow(item, w.headers))
	}
	return w.out.write(out...)
}

// ItemRow lays out one item along headers. Records fill the matching
// columns; any other shape becomes a single-column row.
func ItemRow(item crawler.Items, headers []string) []string {
	if item.Kind != crawler.ItemsRecord {
		return []string{item.String()}
	}
	row := make([]string, len(headers))
	for i, h := range headers {
		if v, ok := item.Record[h]; ok {
			row[i] = v.String()
		}
	}
	return row
}
