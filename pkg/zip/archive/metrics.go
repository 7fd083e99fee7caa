package archive

import "github.com/prometheus/client_golang/prometheus"

// writerMetrics mirrors workerpool's poolMetrics: a handful of
// lazily-registered counters per Writer instance, named
// bb_zip_archive_<name>.
type writerMetrics struct {
	bytesWritten     prometheus.Counter
	entriesCommitted prometheus.Counter
	entriesFailed    prometheus.Counter
}

func newWriterMetrics(instanceName string) *writerMetrics {
	constLabels := prometheus.Labels{}
	if instanceName != "" {
		constLabels["writer"] = instanceName
	}
	m := &writerMetrics{
		bytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "bb_zip",
			Subsystem:   "archive",
			Name:        "sink_bytes_written_total",
			Help:        "Total number of bytes written to the archive's output sink.",
			ConstLabels: constLabels,
		}),
		entriesCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "bb_zip",
			Subsystem:   "archive",
			Name:        "entries_committed_total",
			Help:        "Total number of entries successfully written to the archive.",
			ConstLabels: constLabels,
		}),
		entriesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "bb_zip",
			Subsystem:   "archive",
			Name:        "entries_failed_total",
			Help:        "Total number of entries that failed or were discarded after the archive was poisoned.",
			ConstLabels: constLabels,
		}),
	}
	prometheus.MustRegister(m.bytesWritten, m.entriesCommitted, m.entriesFailed)
	return m
}
