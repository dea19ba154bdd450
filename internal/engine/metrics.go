package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// backupsTotal counts finished backup runs.
	// Labels: result (ok, aborted, failed, busy, dead)
	backupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hotbackup",
		Subsystem: "engine",
		Name:      "backups_total",
		Help:      "Total backup runs by result",
	}, []string{"result"})

	backupDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "hotbackup",
		Subsystem: "engine",
		Name:      "backup_duration_seconds",
		Help:      "Wall-clock duration of backup runs",
		Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
	})

	copiedBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hotbackup",
		Subsystem: "copier",
		Name:      "bytes_total",
		Help:      "Bytes copied by the bulk copier",
	})

	throttleSleepSeconds = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hotbackup",
		Subsystem: "copier",
		Name:      "throttle_sleep_seconds_total",
		Help:      "Time the copier spent sleeping to honor the throttle",
	})

	// mirroredOpsTotal counts live operations mirrored into the backup.
	// Labels: op (write, truncate, rename, unlink, mkdir)
	mirroredOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hotbackup",
		Subsystem: "capture",
		Name:      "ops_total",
		Help:      "Live operations mirrored into the backup",
	}, []string{"op"})

	mirroredBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hotbackup",
		Subsystem: "capture",
		Name:      "bytes_total",
		Help:      "Bytes written into the backup by mirrored live writes",
	})

	// errorsTotal counts recorded errors.
	// Labels: kind (environment, abort, fatal)
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hotbackup",
		Subsystem: "engine",
		Name:      "errors_total",
		Help:      "Errors recorded during backups by kind",
	}, []string{"kind"})
)
