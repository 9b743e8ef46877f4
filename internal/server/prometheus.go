// prometheus.go - Prometheus text exposition of the relay counters.
package server

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"upload-relay/internal/storage"
)

var serverStartTime = time.Now()

// PrometheusExporter converts internal metrics to Prometheus format
type PrometheusExporter struct {
	version string
	breaker *storage.CircuitBreaker
}

// NewPrometheusExporter creates a new Prometheus exporter. breaker may be nil.
func NewPrometheusExporter(version string, breaker *storage.CircuitBreaker) *PrometheusExporter {
	if version == "" {
		version = "dev"
	}
	return &PrometheusExporter{version: version, breaker: breaker}
}

func writeMetric(b *strings.Builder, name, typ, help string, value any) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s %s\n", name, typ)
	fmt.Fprintf(b, "%s %v\n\n", name, value)
}

// Handler returns an HTTP handler for the /metrics endpoint
func (p *PrometheusExporter) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		snapshot := GetMetrics().Snapshot()

		var output strings.Builder

		output.WriteString("# HELP relay_info Application version info\n")
		output.WriteString("# TYPE relay_info gauge\n")
		fmt.Fprintf(&output, "relay_info{version=\"%s\"} 1\n\n", prometheusLabel(p.version))

		writeMetric(&output, "relay_requests_total", "counter", "Total number of HTTP requests", snapshot.RequestsTotal)

		output.WriteString("# HELP relay_request_errors_total HTTP error responses by class\n")
		output.WriteString("# TYPE relay_request_errors_total counter\n")
		fmt.Fprintf(&output, "relay_request_errors_total{class=\"4xx\"} %d\n", snapshot.RequestErrors4xx)
		fmt.Fprintf(&output, "relay_request_errors_total{class=\"5xx\"} %d\n\n", snapshot.RequestErrors5xx)

		output.WriteString("# HELP relay_uploads_total Upload requests by result\n")
		output.WriteString("# TYPE relay_uploads_total counter\n")
		complete := snapshot.UploadsTotal - snapshot.UploadsPartial - snapshot.UploadsFailed
		fmt.Fprintf(&output, "relay_uploads_total{result=\"success\"} %d\n", complete)
		fmt.Fprintf(&output, "relay_uploads_total{result=\"partial\"} %d\n", snapshot.UploadsPartial)
		fmt.Fprintf(&output, "relay_uploads_total{result=\"failed\"} %d\n\n", snapshot.UploadsFailed)

		writeMetric(&output, "relay_upload_avg_duration_ms", "gauge", "Mean upload request duration in milliseconds", snapshot.UploadAvgDurationMs)

		output.WriteString("# HELP relay_files_total Files by pipeline stage and result\n")
		output.WriteString("# TYPE relay_files_total counter\n")
		fmt.Fprintf(&output, "relay_files_total{stage=\"staging\",result=\"ok\"} %d\n", snapshot.FilesStagedTotal)
		fmt.Fprintf(&output, "relay_files_total{stage=\"staging\",result=\"error\"} %d\n", snapshot.FilesStageFailedTotal)
		fmt.Fprintf(&output, "relay_files_total{stage=\"relay\",result=\"ok\"} %d\n", snapshot.FilesRelayedTotal)
		fmt.Fprintf(&output, "relay_files_total{stage=\"relay\",result=\"error\"} %d\n\n", snapshot.FilesRelayFailedTotal)

		writeMetric(&output, "relay_bytes_total", "counter", "Bytes relayed to the object store", snapshot.BytesRelayedTotal)
		writeMetric(&output, "relay_cleanup_removed_total", "counter", "Staging files removed after relay", snapshot.CleanupRemovedTotal)
		writeMetric(&output, "relay_cleanup_failed_total", "counter", "Staging files that could not be removed", snapshot.CleanupFailedTotal)

		if p.breaker != nil {
			stats := p.breaker.Stats()
			output.WriteString("# HELP relay_breaker_state Object store circuit breaker state\n")
			output.WriteString("# TYPE relay_breaker_state gauge\n")
			for _, st := range []storage.CircuitState{storage.StateClosed, storage.StateOpen, storage.StateHalfOpen} {
				v := 0
				if st.String() == stats.State {
					v = 1
				}
				fmt.Fprintf(&output, "relay_breaker_state{state=\"%s\"} %d\n", st, v)
			}
			output.WriteString("\n")
			writeMetric(&output, "relay_breaker_rejected_total", "counter", "Puts rejected by the open breaker", stats.RejectedRequests)
		}

		writeMetric(&output, "relay_uptime_seconds", "counter", "Application uptime in seconds",
			fmt.Sprintf("%.0f", time.Since(serverStartTime).Seconds()))

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(output.String()))
	}
}

// PrometheusMetricsHandler creates a handler that exports metrics in Prometheus format
func PrometheusMetricsHandler(version string, breaker *storage.CircuitBreaker) http.Handler {
	return NewPrometheusExporter(version, breaker).Handler()
}

// prometheusLabel escapes a label value.
func prometheusLabel(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, "\"", "\\\"")
	value = strings.ReplaceAll(value, "\n", "\\n")
	return value
}
