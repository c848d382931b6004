package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nerrad567/camrelay/internal/relay"
)

const namespace = "camrelay"

// Prometheus contains the relay's Prometheus metrics.
type Prometheus struct {
	registry *prometheus.Registry

	// Device metrics
	DevicesConnected  prometheus.Gauge
	DeviceConnects    *prometheus.CounterVec
	DeviceDisconnects *prometheus.CounterVec
	MessagesDropped   prometheus.Counter

	// Frame metrics
	FramesReceived prometheus.Counter
	FrameBytes     prometheus.Counter
	FrameSize      prometheus.Histogram

	// Viewer metrics
	ViewersActive prometheus.Gauge
	ViewersJoined prometheus.Counter
	ViewersLeft   *prometheus.CounterVec

	// Command metrics
	Commands        *prometheus.CounterVec
	CommandDuration *prometheus.HistogramVec

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewPrometheus creates the metrics on a fresh registry that also carries
// the Go runtime and process collectors.
func NewPrometheus() *Prometheus {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Prometheus{
		registry: reg,

		DevicesConnected: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "devices_connected",
			Help:      "Devices with a registered connection",
		}),
		DeviceConnects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_connects_total",
			Help:      "Device registrations, labelled by whether they replaced a live connection",
		}, []string{"replaced"}),
		DeviceDisconnects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_disconnects_total",
			Help:      "Device connections torn down, by reason",
		}, []string{"reason"}),
		MessagesDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_messages_dropped_total",
			Help:      "Malformed device messages discarded",
		}),

		FramesReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Media units received from devices",
		}),
		FrameBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frame_bytes_total",
			Help:      "Bytes of media received from devices",
		}),
		FrameSize: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "frame_size_bytes",
			Help:      "Size of received media units",
			Buckets:   prometheus.ExponentialBuckets(4096, 2, 10), // 4KB to 2MB
		}),

		ViewersActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "viewers_active",
			Help:      "Attached viewer subscriptions",
		}),
		ViewersJoined: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "viewers_joined_total",
			Help:      "Viewer subscriptions created",
		}),
		ViewersLeft: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "viewers_left_total",
			Help:      "Viewer subscriptions ended, by reason",
		}, []string{"reason"}),

		Commands: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Correlated commands by name and terminal state",
		}, []string{"command", "state"}),
		CommandDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Time from issuing a correlated command to its terminal state",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms to ~5s
		}, []string{"command"}),

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status code",
		}, []string{"method", "route", "status_code"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Prometheus) Registry() *prometheus.Registry {
	return m.registry
}

// RegisterPendingCommands exports the correlator's table size, read at
// scrape time.
func (m *Prometheus) RegisterPendingCommands(stats func() relay.Stats) {
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_commands",
			Help:      "Commands awaiting a response",
		}, func() float64 { return float64(stats().PendingCommands) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cached_frames",
			Help:      "Devices with a cached latest frame",
		}, func() float64 { return float64(stats().CachedFrames) }),
	)
}

// RecordHTTPRequest records one HTTP request.
func (m *Prometheus) RecordHTTPRequest(method, route string, status int, d time.Duration) {
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// DeviceConnected implements relay.Observer. A replacement leaves the
// connected count unchanged because the relay reports the old connection's
// disconnect separately.
func (m *Prometheus) DeviceConnected(_ *relay.Conn, replaced bool) {
	m.DeviceConnects.WithLabelValues(strconv.FormatBool(replaced)).Inc()
	m.DevicesConnected.Inc()
}

// DeviceDisconnected implements relay.Observer.
func (m *Prometheus) DeviceDisconnected(_ *relay.Conn, reason string) {
	m.DeviceDisconnects.WithLabelValues(reason).Inc()
	m.DevicesConnected.Dec()
}

// FrameReceived implements relay.Observer.
func (m *Prometheus) FrameReceived(_ string, size int) {
	m.FramesReceived.Inc()
	m.FrameBytes.Add(float64(size))
	m.FrameSize.Observe(float64(size))
}

// ViewerJoined implements relay.Observer.
func (m *Prometheus) ViewerJoined(string) {
	m.ViewersJoined.Inc()
	m.ViewersActive.Inc()
}

// ViewerLeft implements relay.Observer.
func (m *Prometheus) ViewerLeft(_ string, reason error) {
	m.ViewersLeft.WithLabelValues(ViewerLeftReason(reason)).Inc()
	m.ViewersActive.Dec()
}

// CommandFinished implements relay.Observer.
func (m *Prometheus) CommandFinished(p *relay.PendingCommand) {
	m.Commands.WithLabelValues(p.Name, p.State().String()).Inc()
	m.CommandDuration.WithLabelValues(p.Name).Observe(time.Since(p.CreatedAt).Seconds())
}

// MessageDropped implements relay.Observer.
func (m *Prometheus) MessageDropped(string, error) {
	m.MessagesDropped.Inc()
}

// ViewerLeftReason maps a subscription's end reason to a short label.
func ViewerLeftReason(err error) string {
	switch {
	case err == nil:
		return "unsubscribed"
	case errors.Is(err, relay.ErrSlowSubscriber):
		return "slow"
	case errors.Is(err, relay.ErrSinkClosed):
		return "sink_closed"
	case errors.Is(err, relay.ErrRelayClosed):
		return "shutdown"
	default:
		return "other"
	}
}
