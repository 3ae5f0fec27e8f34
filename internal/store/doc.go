// Package store defines interfaces for persisting crawl runs and their job
// logs. Implementations live in other packages; this package must not import
// database drivers or concrete clients.
package store
