// Package metrics defines prometheus collectors for the retrieval layer.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Status keys for vector metrics.
const (
	Fail = "fail"
	Ok   = "ok"
)

// Collectors for index build and random-access reads.
var (
	IndexRecordsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stacks_index_records_total",
		Help: "Cumulative number of records scanned during index builds.",
	}, []string{"status"})
	IndexCollisionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stacks_index_collisions_total",
		Help: "Cumulative number of duplicate keys observed during index builds.",
	})
	ReadBytesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stacks_read_bytes_total",
		Help: "Cumulative number of bytes read through random-access lookups.",
	})
	ReadsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stacks_reads_total",
		Help: "Cumulative number of random-access lookups.",
	}, []string{"status"})
)

// Collectors for the archive fetch-and-cache manager.
var (
	CacheHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stacks_cache_hits_total",
		Help: "Cumulative number of archive requests served from the local cache.",
	})
	CacheMissesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stacks_cache_misses_total",
		Help: "Cumulative number of archive requests requiring a remote fetch.",
	})
	FetchBytesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stacks_fetch_bytes_total",
		Help: "Cumulative number of compressed bytes fetched from remote storage.",
	})
	FetchRetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stacks_fetch_retries_total",
		Help: "Cumulative number of retried archive fetch attempts.",
	})
	CacheEvictedEntriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stacks_cache_evicted_entries_total",
		Help: "Cumulative number of cache entries evicted to observe the cache budget.",
	})
	CacheEvictedBytesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stacks_cache_evicted_bytes_total",
		Help: "Cumulative number of bytes evicted to observe the cache budget.",
	})
	CacheSizeBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "stacks_cache_size_bytes",
		Help: "Aggregate size of ready cache entries.",
	})
)

// Collectors for relational store write-back.
var (
	StoreFlushesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stacks_store_flushes_total",
		Help: "Cumulative number of write-back batch flushes.",
	}, []string{"status"})
	StoreRowsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stacks_store_rows_total",
		Help: "Cumulative number of rows written back to the relational store.",
	})
)

// Register all collectors of this package with the Registerer.
func Register(r prometheus.Registerer) {
	r.MustRegister(
		IndexRecordsTotal,
		IndexCollisionsTotal,
		ReadBytesTotal,
		ReadsTotal,
		CacheHitsTotal,
		CacheMissesTotal,
		FetchBytesTotal,
		FetchRetriesTotal,
		CacheEvictedEntriesTotal,
		CacheEvictedBytesTotal,
		CacheSizeBytes,
		StoreFlushesTotal,
		StoreRowsTotal,
	)
}
