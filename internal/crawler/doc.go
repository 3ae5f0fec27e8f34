// Package crawler defines the core types shared by the crawl engine: jobs,
// queue records, spiders, worker results, the error taxonomy and the
// collaborator interfaces (queue, fetcher, extractor, next-job rule,
// redirect resolver).
package crawler
