package raftwal

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// walMetrics holds the log core's prometheus collectors, including the
// cache-eviction and flushed-index gauges the cache/worker split needs.
type walMetrics struct {
	bytesWritten          prometheus.Counter
	entriesWritten        prometheus.Counter
	appends               prometheus.Counter
	entryBytesRead        prometheus.Counter
	entriesRead           prometheus.Counter
	segmentRotations      prometheus.Counter
	entriesTruncated      *prometheus.CounterVec
	truncations           *prometheus.CounterVec
	lastSegmentAgeSeconds prometheus.Gauge
	cacheEvictions        prometheus.Counter
	flushedIndex          prometheus.Gauge
	appendBlockedSeconds  prometheus.Counter
}

func newWALMetrics(reg prometheus.Registerer) *walMetrics {
	return &walMetrics{
		bytesWritten: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "entry_bytes_written",
			Help: "entry_bytes_written counts the bytes of log entry after encoding." +
				" Actual bytes written to disk might be slightly higher as it" +
				" includes headers and checksums.",
		}),
		entriesWritten: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "entries_written",
			Help: "entries_written counts the number of entries written.",
		}),
		appends: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "appends",
			Help: "appends counts the number of entries appended through AppendEntry" +
				" (Append calls AppendEntry once per new entry).",
		}),
		entryBytesRead: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "entry_bytes_read",
			Help: "entry_bytes_read counts the bytes of log entry read from" +
				" segments before decoding.",
		}),
		entriesRead: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "entries_read",
			Help: "entries_read counts the number of calls to Get that found an entry.",
		}),
		segmentRotations: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "segment_rotations",
			Help: "segment_rotations counts how many times we move to a new segment file.",
		}),
		entriesTruncated: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "entries_truncated",
				Help: "entries_truncated counts how many log entries have been truncated.",
			},
			[]string{"type"},
		),
		truncations: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "truncations",
				Help: "truncations is the number of truncate calls categorized by whether" +
					" the call was successful or not.",
			},
			[]string{"success"},
		),
		lastSegmentAgeSeconds: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "last_segment_age_seconds",
			Help: "last_segment_age_seconds is set each time a segment is rotated and" +
				" describes the seconds between the segment's creation and its sealing.",
		}),
		cacheEvictions: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "cache_evictions",
			Help: "cache_evictions counts segments whose in-memory entries were dropped" +
				" because they fell below the min(follower, flushed, applied) bound.",
		}),
		flushedIndex: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "flushed_index",
			Help: "flushed_index is the highest log index durably on disk.",
		}),
		appendBlockedSeconds: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "append_blocked_seconds_total",
			Help: "append_blocked_seconds_total accumulates time appends spent blocked" +
				" on cache saturation waiting for eviction to free a slot.",
		}),
	}
}
