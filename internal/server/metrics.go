package server

import (
	"sync"
	"time"
)

// Metrics holds process-wide relay counters.
type Metrics struct {
	mu sync.RWMutex

	// Upload requests by result
	uploadsTotal        int64
	uploadsPartial      int64
	uploadsFailed       int64
	uploadDurationTotal time.Duration

	// Per-file counters
	filesStagedTotal      int64
	filesStageFailedTotal int64
	filesRelayedTotal     int64
	filesRelayFailedTotal int64
	bytesRelayedTotal     int64

	// Staging cleanup
	cleanupRemovedTotal int64
	cleanupFailedTotal  int64

	// HTTP
	requestsTotal    int64
	requestErrors5xx int64
	requestErrors4xx int64
}

var globalMetrics = &Metrics{}

// GetMetrics returns the global metrics instance
func GetMetrics() *Metrics {
	return globalMetrics
}

// RecordUpload records a finished upload request. failed is true when the
// request ended in an error response, partial when some files failed.
func (m *Metrics) RecordUpload(partial, failed bool, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploadsTotal++
	m.uploadDurationTotal += duration
	switch {
	case failed:
		m.uploadsFailed++
	case partial:
		m.uploadsPartial++
	}
}

// RecordStaged records the staging result of one file.
func (m *Metrics) RecordStaged(ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ok {
		m.filesStagedTotal++
	} else {
		m.filesStageFailedTotal++
	}
}

// RecordRelayed records the relay result of one file.
func (m *Metrics) RecordRelayed(ok bool, bytes int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ok {
		m.filesRelayedTotal++
		m.bytesRelayedTotal += bytes
	} else {
		m.filesRelayFailedTotal++
	}
}

// RecordCleanup records one sweep.
func (m *Metrics) RecordCleanup(removed, failed int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanupRemovedTotal += int64(removed)
	m.cleanupFailedTotal += int64(failed)
}

// RecordRequest records an HTTP request
func (m *Metrics) RecordRequest(statusCode int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestsTotal++

	if statusCode >= 500 {
		m.requestErrors5xx++
	} else if statusCode >= 400 {
		m.requestErrors4xx++
	}
}

// Snapshot returns a snapshot of current metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return MetricsSnapshot{
		UploadsTotal:          m.uploadsTotal,
		UploadsPartial:        m.uploadsPartial,
		UploadsFailed:         m.uploadsFailed,
		UploadAvgDurationMs:   avgDuration(m.uploadDurationTotal, m.uploadsTotal),
		FilesStagedTotal:      m.filesStagedTotal,
		FilesStageFailedTotal: m.filesStageFailedTotal,
		FilesRelayedTotal:     m.filesRelayedTotal,
		FilesRelayFailedTotal: m.filesRelayFailedTotal,
		BytesRelayedTotal:     m.bytesRelayedTotal,
		CleanupRemovedTotal:   m.cleanupRemovedTotal,
		CleanupFailedTotal:    m.cleanupFailedTotal,
		RequestsTotal:         m.requestsTotal,
		RequestErrors5xx:      m.requestErrors5xx,
		RequestErrors4xx:      m.requestErrors4xx,
	}
}

// MetricsSnapshot represents a point-in-time snapshot of metrics
type MetricsSnapshot struct {
	UploadsTotal        int64   `json:"uploads_total"`
	UploadsPartial      int64   `json:"uploads_partial"`
	UploadsFailed       int64   `json:"uploads_failed"`
	UploadAvgDurationMs float64 `json:"upload_avg_duration_ms"`

	FilesStagedTotal      int64 `json:"files_staged_total"`
	FilesStageFailedTotal int64 `json:"files_stage_failed_total"`
	FilesRelayedTotal     int64 `json:"files_relayed_total"`
	FilesRelayFailedTotal int64 `json:"files_relay_failed_total"`
	BytesRelayedTotal     int64 `json:"bytes_relayed_total"`

	CleanupRemovedTotal int64 `json:"cleanup_removed_total"`
	CleanupFailedTotal  int64 `json:"cleanup_failed_total"`

	RequestsTotal    int64 `json:"requests_total"`
	RequestErrors5xx int64 `json:"request_errors_5xx"`
	RequestErrors4xx int64 `json:"request_errors_4xx"`
}

func avgDuration(total time.Duration, count int64) float64 {
	if count == 0 {
		return 0
	}
	return float64(total.Milliseconds()) / float64(count)
}
