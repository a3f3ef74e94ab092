package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kalambet/llamactl/internal/session"
)

var allStates = []session.State{
	session.Idle, session.Loading, session.Ready,
	session.Generating, session.Finished, session.Failed,
}

// Metrics holds the Prometheus collectors fed by the Recorder.
type Metrics struct {
	reg *prometheus.Registry

	DownloadsTotal    *prometheus.CounterVec
	DownloadBytes     prometheus.Counter
	GenerationsTotal  *prometheus.CounterVec
	TokensPerSecond   prometheus.Gauge
	WarmupSeconds     prometheus.Histogram
	GenerationSeconds prometheus.Histogram
	SessionState      *prometheus.GaugeVec
}

// NewMetrics registers the collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		DownloadsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "llamactl_downloads_total",
			Help: "Finished artifact downloads by outcome.",
		}, []string{"outcome"}),
		DownloadBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "llamactl_download_bytes_total",
			Help: "Bytes received by completed downloads.",
		}),
		GenerationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "llamactl_generations_total",
			Help: "Finished generations by outcome.",
		}, []string{"outcome"}),
		TokensPerSecond: f.NewGauge(prometheus.GaugeOpts{
			Name: "llamactl_tokens_per_second",
			Help: "Throughput of the last completed generation.",
		}),
		WarmupSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "llamactl_warmup_seconds",
			Help:    "Time from completion request to first token step.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		GenerationSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "llamactl_generation_seconds",
			Help:    "Time spent producing tokens per completed generation.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		SessionState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "llamactl_session_state",
			Help: "1 for the current session state, 0 otherwise.",
		}, []string{"state"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) setState(s session.State) {
	for _, st := range allStates {
		v := 0.0
		if st == s {
			v = 1
		}
		m.SessionState.WithLabelValues(st.String()).Set(v)
	}
}

func (m *Metrics) observeDownload(d *session.DownloadRecord) {
	m.DownloadsTotal.WithLabelValues(d.Outcome).Inc()
	if d.Outcome == session.OutcomeCompleted {
		m.DownloadBytes.Add(float64(d.Bytes))
	}
}

func (m *Metrics) observeGeneration(g *session.GenerationRecord) {
	m.GenerationsTotal.WithLabelValues(g.Outcome).Inc()
	if g.Outcome != session.OutcomeCompleted {
		return
	}
	m.TokensPerSecond.Set(g.TokensPerSecond)
	m.WarmupSeconds.Observe(g.WarmupSeconds)
	m.GenerationSeconds.Observe(g.GenerationSeconds)
}
