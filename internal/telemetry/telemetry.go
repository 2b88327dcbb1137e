// Package telemetry exposes prometheus counters and gauges for the Sync
// Engine and Download Coordinator, following the promauto registration style
// used throughout the example services.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SyncRunsTotal counts completed sync tasks by kind and outcome.
	SyncRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jellytui_sync_runs_total",
		Help: "Sync Engine task runs by kind and outcome.",
	}, []string{"kind", "outcome"})

	// SyncDurationSeconds tracks wall time per sync task kind.
	SyncDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "jellytui_sync_duration_seconds",
		Help:    "Duration of Sync Engine task runs.",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	// DownloadsTotal counts terminal download outcomes.
	DownloadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jellytui_downloads_total",
		Help: "Completed track downloads by outcome.",
	}, []string{"outcome"})

	// DownloadBytesTotal sums bytes written across completed downloads.
	DownloadBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "jellytui_download_bytes_total",
		Help: "Total bytes written to the cache by completed downloads.",
	})

	// CacheBytesGauge reflects the catalog's total downloaded-bytes sum,
	// refreshed after every completed download and every offline-repair pass.
	CacheBytesGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "jellytui_cache_bytes",
		Help: "Current total size of the on-disk download cache.",
	})

	// QueueDepthGauge reflects the number of tracks in Queued/Downloading, as
	// of the last download-pump step or CancelDownloads.
	QueueDepthGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "jellytui_download_queue_depth",
		Help: "Tracks currently Queued or Downloading.",
	})

	// NetworkQualityGauge is 0/1/2 for Normal/Slow/CzechTrain, so a single
	// gauge reads cleanly on a dashboard without label fan-out.
	NetworkQualityGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "jellytui_network_quality",
		Help: "Current network-quality classification (0=Normal, 1=Slow, 2=CzechTrain).",
	})

	// MissingEntityDeletesTotal counts cascade deletes, labelled by entity
	// kind. Only album deletes are recorded (kind="album"); artist and
	// playlist deletes are not counted.
	MissingEntityDeletesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jellytui_missing_entity_deletes_total",
		Help: "Entities removed by the deferred-delete missing-entity pass.",
	}, []string{"kind"})
)

// QualityGaugeValue maps the three-state classification onto the gauge's
// numeric scale.
func QualityGaugeValue(quality string) float64 {
	switch quality {
	case "Slow":
		return 1
	case "CzechTrain":
		return 2
	default:
		return 0
	}
}
