package build

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// BuildMetrics tracks build outcomes. Counters are kept both as a snapshot
// for the status endpoint and as Prometheus collectors.
type BuildMetrics struct {
	TotalBuilds      int64
	SuccessfulBuilds int64
	FailedBuilds     int64
	CacheHits        int64
	CacheMisses      int64
	AverageDuration  time.Duration
	TotalDuration    time.Duration
	LastDuration     time.Duration
	mutex            sync.RWMutex

	builds    *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	cache     *prometheus.CounterVec
	artifacts prometheus.Gauge
}

// NewBuildMetrics creates a tracker registering its collectors with reg. A
// nil reg keeps the collectors unregistered.
func NewBuildMetrics(reg prometheus.Registerer) *BuildMetrics {
	factory := promauto.With(reg)

	return &BuildMetrics{
		builds: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "assetpipe_builds_total",
				Help: "Total number of builds",
			},
			[]string{"kind", "result"},
		),
		duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "assetpipe_build_duration_seconds",
				Help:    "Build duration in seconds",
				Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"kind"},
		),
		cache: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "assetpipe_transform_cache_lookups_total",
				Help: "Transform cache lookups by outcome",
			},
			[]string{"outcome"},
		),
		artifacts: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "assetpipe_artifacts",
				Help: "Number of artifacts in the last successful build",
			},
		),
	}
}

// RecordBuild records a build result in the metrics.
func (bm *BuildMetrics) RecordBuild(result *Result, err error) {
	bm.mutex.Lock()
	defer bm.mutex.Unlock()

	kind := "full"
	if result.Incremental {
		kind = "incremental"
	}
	outcome := "success"

	bm.TotalBuilds++
	bm.TotalDuration += result.Duration
	bm.LastDuration = result.Duration
	bm.CacheHits += result.CacheHits
	bm.CacheMisses += result.CacheMisses
	if err != nil {
		bm.FailedBuilds++
		outcome = "failure"
	} else {
		bm.SuccessfulBuilds++
		bm.artifacts.Set(float64(len(result.Artifacts)))
	}
	bm.AverageDuration = bm.TotalDuration / time.Duration(bm.TotalBuilds)

	bm.builds.WithLabelValues(kind, outcome).Inc()
	bm.duration.WithLabelValues(kind).Observe(result.Duration.Seconds())
	bm.cache.WithLabelValues("hit").Add(float64(result.CacheHits))
	bm.cache.WithLabelValues("miss").Add(float64(result.CacheMisses))
}

// GetSnapshot returns a copy of the counters.
func (bm *BuildMetrics) GetSnapshot() MetricsSnapshot {
	bm.mutex.RLock()
	defer bm.mutex.RUnlock()

	return MetricsSnapshot{
		TotalBuilds:      bm.TotalBuilds,
		SuccessfulBuilds: bm.SuccessfulBuilds,
		FailedBuilds:     bm.FailedBuilds,
		CacheHits:        bm.CacheHits,
		CacheMisses:      bm.CacheMisses,
		AverageDuration:  bm.AverageDuration,
		LastDuration:     bm.LastDuration,
	}
}

// MetricsSnapshot is a point-in-time copy of BuildMetrics.
type MetricsSnapshot struct {
	TotalBuilds      int64         `json:"total_builds"`
	SuccessfulBuilds int64         `json:"successful_builds"`
	FailedBuilds     int64         `json:"failed_builds"`
	CacheHits        int64         `json:"cache_hits"`
	CacheMisses      int64         `json:"cache_misses"`
	AverageDuration  time.Duration `json:"average_duration"`
	LastDuration     time.Duration `json:"last_duration"`
}

// SuccessRate returns the success rate as a percentage.
func (s MetricsSnapshot) SuccessRate() float64 {
	if s.TotalBuilds == 0 {
		return 0.0
	}

	return float64(s.SuccessfulBuilds) / float64(s.TotalBuilds) * 100.0
}

// CacheHitRate returns the transform cache hit rate as a percentage.
func (s MetricsSnapshot) CacheHitRate() float64 {
	total := s.CacheHits + s.CacheMisses
	if total == 0 {
		return 0.0
	}

	return float64(s.CacheHits) / float64(total) * 100.0
}
