package build

import (
	"sync"
	"time"
)

// BuildOutcome is what Service reports to BuildMetrics for every Bundle call.
type BuildOutcome struct {
	SessionID string
	Duration  time.Duration
	CacheHit  bool
	// Shared is set when the caller waited on another caller's build.
	Shared bool
	Error  error
}

// BuildMetrics tracks build performance
type BuildMetrics struct {
	TotalBuilds      int64
	SuccessfulBuilds int64
	FailedBuilds     int64
	CacheHits        int64
	SharedBuilds     int64
	AverageDuration  time.Duration
	TotalDuration    time.Duration
	mutex            sync.RWMutex
}

// MetricsSnapshot is a point-in-time copy of BuildMetrics.
type MetricsSnapshot struct {
	TotalBuilds      int64         `json:"total_builds"`
	SuccessfulBuilds int64         `json:"successful_builds"`
	FailedBuilds     int64         `json:"failed_builds"`
	CacheHits        int64         `json:"cache_hits"`
	SharedBuilds     int64         `json:"shared_builds"`
	AverageDuration  time.Duration `json:"average_duration"`
	TotalDuration    time.Duration `json:"total_duration"`
}

// NewBuildMetrics creates a new build metrics tracker
func NewBuildMetrics() *BuildMetrics {
	return &BuildMetrics{}
}

// RecordBuild records one Bundle call. Cache hits and shared waits are
// counted separately and do not move the compile averages.
func (bm *BuildMetrics) RecordBuild(outcome BuildOutcome) {
	bm.mutex.Lock()
	defer bm.mutex.Unlock()

	switch {
	case outcome.CacheHit:
		bm.CacheHits++
		return
	case outcome.Shared:
		bm.SharedBuilds++
		return
	}

	bm.TotalBuilds++
	bm.TotalDuration += outcome.Duration

	if outcome.Error != nil {
		bm.FailedBuilds++
	} else {
		bm.SuccessfulBuilds++
	}

	bm.AverageDuration = bm.TotalDuration / time.Duration(bm.TotalBuilds)
}

// GetSnapshot returns a copy of the current metrics.
func (bm *BuildMetrics) GetSnapshot() MetricsSnapshot {
	bm.mutex.RLock()
	defer bm.mutex.RUnlock()

	return MetricsSnapshot{
		TotalBuilds:      bm.TotalBuilds,
		SuccessfulBuilds: bm.SuccessfulBuilds,
		FailedBuilds:     bm.FailedBuilds,
		CacheHits:        bm.CacheHits,
		SharedBuilds:     bm.SharedBuilds,
		AverageDuration:  bm.AverageDuration,
		TotalDuration:    bm.TotalDuration,
	}
}

// Reset resets all metrics
func (bm *BuildMetrics) Reset() {
	bm.mutex.Lock()
	defer bm.mutex.Unlock()

	bm.TotalBuilds = 0
	bm.SuccessfulBuilds = 0
	bm.FailedBuilds = 0
	bm.CacheHits = 0
	bm.SharedBuilds = 0
	bm.AverageDuration = 0
	bm.TotalDuration = 0
}

// GetCacheHitRate returns the share of Bundle calls served from the cache,
// as a percentage.
func (bm *BuildMetrics) GetCacheHitRate() float64 {
	bm.mutex.RLock()
	defer bm.mutex.RUnlock()

	calls := bm.TotalBuilds + bm.CacheHits + bm.SharedBuilds
	if calls == 0 {
		return 0.0
	}

	return float64(bm.CacheHits) / float64(calls) * 100.0
}

// GetSuccessRate returns the success rate of compilations as a percentage
func (bm *BuildMetrics) GetSuccessRate() float64 {
	bm.mutex.RLock()
	defer bm.mutex.RUnlock()

	if bm.TotalBuilds == 0 {
		return 0.0
	}

	return float64(bm.SuccessfulBuilds) / float64(bm.TotalBuilds) * 100.0
}
