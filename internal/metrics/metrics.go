// Package metrics exposes the relay pipeline as prometheus collectors on a
// registry owned by the process.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/energizer-project/relay/internal/fragment"
	"github.com/energizer-project/relay/internal/priority"
)

const namespace = "relay"

// Metrics holds the relay collectors.
type Metrics struct {
	Registry *prometheus.Registry

	FramesIn         *prometheus.CounterVec
	FramesOut        *prometheus.CounterVec
	BytesIn          prometheus.Counter
	BytesOut         prometheus.Counter
	MalformedFrames  prometheus.Counter
	SendErrors       prometheus.Counter
	HandlerFailures  *prometheus.CounterVec
	DispatchDuration *prometheus.HistogramVec
	QueueSheds       *prometheus.CounterVec
	FragmentedSends  prometheus.Counter
	ClientsTimedOut  prometheus.Counter
}

// New creates the collectors and registers them with a fresh registry,
// together with the Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		FramesIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingress",
			Name:      "frames_total",
			Help:      "Frames accepted at ingress by message type.",
		}, []string{"type"}),
		FramesOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "egress",
			Name:      "frames_total",
			Help:      "Frames written to remotes by message type.",
		}, []string{"type"}),
		BytesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingress",
			Name:      "bytes_total",
			Help:      "Bytes accepted at ingress.",
		}),
		BytesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "egress",
			Name:      "bytes_total",
			Help:      "Bytes written to remotes.",
		}),
		MalformedFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingress",
			Name:      "malformed_frames_total",
			Help:      "Frames dropped for a bad header.",
		}),
		SendErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "egress",
			Name:      "send_errors_total",
			Help:      "Frames a remote failed to accept.",
		}),
		HandlerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "handler_failures_total",
			Help:      "Handler errors and panics by message type.",
		}, []string{"type"}),
		DispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "duration_seconds",
			Help:      "Time spent running the handlers of one frame.",
			Buckets:   []float64{.00005, .0001, .0005, .001, .005, .01, .05, .1},
		}, []string{"type"}),
		QueueSheds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "sheds_total",
			Help:      "Times a queue was cleared after exceeding its drain budget.",
		}, []string{"queue"}),
		FragmentedSends: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "egress",
			Name:      "fragmented_sends_total",
			Help:      "Messages split into fragments.",
		}),
		ClientsTimedOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "clients",
			Name:      "timed_out_total",
			Help:      "Clients disconnected by the idle sweep.",
		}),
	}

	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.FramesIn, m.FramesOut, m.BytesIn, m.BytesOut,
		m.MalformedFrames, m.SendErrors, m.HandlerFailures, m.DispatchDuration,
		m.QueueSheds, m.FragmentedSends, m.ClientsTimedOut,
	)
	return m
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

// ObserveDispatch records how long the handlers of one frame took.
func (m *Metrics) ObserveDispatch(msgType string, d time.Duration, failed int) {
	m.DispatchDuration.WithLabelValues(msgType).Observe(d.Seconds())
	if failed > 0 {
		m.HandlerFailures.WithLabelValues(msgType).Add(float64(failed))
	}
}

// WatchQueue exports the depth and drop counters of a priority queue.
func (m *Metrics) WatchQueue(name string, stats func() priority.Stats) {
	labels := prometheus.Labels{"queue": name}
	m.Registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "queue", Name: "depth",
			Help: "Items waiting in the queue.", ConstLabels: labels,
		}, func() float64 { return float64(stats().Count) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "queue", Name: "evicted_total",
			Help: "Items evicted to make room.", ConstLabels: labels,
		}, func() float64 { return float64(stats().Evicted) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "queue", Name: "refused_total",
			Help: "Items refused by a full queue.", ConstLabels: labels,
		}, func() float64 { return float64(stats().Refused) }),
	)
}

// WatchClients exports the number of connected clients.
func (m *Metrics) WatchClients(count func() int) {
	m.Registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "clients", Name: "connected",
		Help: "Clients with an open session.",
	}, func() float64 { return float64(count()) }))
}

// WatchFragments exports the reassembler counters.
func (m *Metrics) WatchFragments(stats func() fragment.ReassemblerStats) {
	m.Registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "fragment", Name: "sessions_open",
			Help: "Fragment sessions in progress.",
		}, func() float64 { return float64(stats().Open) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "fragment", Name: "completed_total",
			Help: "Fragmented messages reassembled.",
		}, func() float64 { return float64(stats().Completed) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "fragment", Name: "failed_total",
			Help: "Fragment sessions that ended incomplete.",
		}, func() float64 { return float64(stats().Failed) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "fragment", Name: "expired_total",
			Help: "Fragment sessions discarded by the idle sweep.",
		}, func() float64 { return float64(stats().Expired) }),
	)
}
