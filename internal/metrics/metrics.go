// Package metrics provides Prometheus metrics for the lansync node.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lansync_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lansync_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Transfer metrics
	transfersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lansync_transfers_total",
			Help: "Uploads and downloads by outcome",
		},
		[]string{"direction", "outcome"},
	)

	bytesUploaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lansync_bytes_uploaded_total",
			Help: "Total bytes stored from uploads",
		},
	)

	bytesDownloaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lansync_bytes_downloaded_total",
			Help: "Total bytes served to downloads",
		},
	)

	pathFallbacksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lansync_path_fallbacks_total",
			Help: "Requested directories replaced by the sandbox root",
		},
	)

	// Discovery metrics
	discoveredPeers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lansync_discovered_peers",
			Help: "Peers currently known through multicast discovery",
		},
	)

	discoveryEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lansync_discovery_events_total",
			Help: "Multicast discovery events by kind",
		},
		[]string{"kind"},
	)

	// Scan metrics
	scanDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lansync_scan_duration_seconds",
			Help:    "Wall time of a full network scan",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
		},
	)

	scanHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lansync_scan_hits_total",
			Help: "Peers found by network scans",
		},
	)

	statusChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lansync_status_checks_total",
			Help: "Peer status checks by result",
		},
		[]string{"result"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordUpload records an upload outcome and the bytes stored.
func RecordUpload(outcome string, bytes int64) {
	transfersTotal.WithLabelValues("upload", outcome).Inc()
	if bytes > 0 {
		bytesUploaded.Add(float64(bytes))
	}
}

// RecordDownload records a download outcome and the bytes served.
func RecordDownload(outcome string, bytes int64) {
	transfersTotal.WithLabelValues("download", outcome).Inc()
	if bytes > 0 {
		bytesDownloaded.Add(float64(bytes))
	}
}

// RecordPathFallback counts a request that was confined to the sandbox root.
func RecordPathFallback() {
	pathFallbacksTotal.Inc()
}

// SetDiscoveredPeers sets the size of the discovery registry.
func SetDiscoveredPeers(n int) {
	discoveredPeers.Set(float64(n))
}

// RecordDiscoveryEvent records an add, update, remove or expire event.
func RecordDiscoveryEvent(kind string) {
	discoveryEventsTotal.WithLabelValues(kind).Inc()
}

// RecordScan records a completed network scan.
func RecordScan(duration time.Duration, hits int) {
	scanDuration.Observe(duration.Seconds())
	scanHitsTotal.Add(float64(hits))
}

// RecordStatusCheck records one peer status result ("online" or "offline").
func RecordStatusCheck(result string) {
	statusChecksTotal.WithLabelValues(result).Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware returns HTTP middleware that records request metrics. Routes are
// labelled by the matched mux pattern so file names do not explode the label
// set.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		RecordHTTPRequest(r.Method, route, rw.statusCode, time.Since(start))
	})
}
