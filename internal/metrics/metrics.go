// Package metrics holds the prometheus collectors for quantization runs and
// the evaluation server.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pipeline tracks search and quantize progress. A nil *Pipeline discards
// every observation.
type Pipeline struct {
	LayersTotal  *prometheus.CounterVec
	LayerSeconds *prometheus.HistogramVec
	GroupsTotal  prometheus.Counter
	ScaleRatio   prometheus.Histogram
	ScaleLoss    prometheus.Histogram
	Rollbacks    *prometheus.CounterVec
}

func NewPipeline(reg prometheus.Registerer) *Pipeline {
	f := promauto.With(reg)
	return &Pipeline{
		LayersTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "awq_layers_total",
			Help: "Decoder layers processed, by phase",
		}, []string{"phase"}),
		LayerSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "awq_layer_duration_seconds",
			Help:    "Time spent per decoder layer, by phase",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"phase"}),
		GroupsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "awq_module_groups_total",
			Help: "Module groups scale-searched",
		}),
		ScaleRatio: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "awq_scale_ratio",
			Help:    "Selected scaling strength per module group",
			Buckets: prometheus.LinearBuckets(0, 0.1, 10),
		}),
		ScaleLoss: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "awq_scale_loss",
			Help:    "Output MSE of the selected scale per module group",
			Buckets: prometheus.ExponentialBuckets(1e-8, 10, 10),
		}),
		Rollbacks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "awq_layer_rollbacks_total",
			Help: "Layers restored from a snapshot after a failure, by phase",
		}, []string{"phase"}),
	}
}

func (p *Pipeline) Layer(phase string, d time.Duration) {
	if p == nil {
		return
	}
	p.LayersTotal.WithLabelValues(phase).Inc()
	p.LayerSeconds.WithLabelValues(phase).Observe(d.Seconds())
}

func (p *Pipeline) Group(ratio, loss float64) {
	if p == nil {
		return
	}
	p.GroupsTotal.Inc()
	p.ScaleRatio.Observe(ratio)
	p.ScaleLoss.Observe(loss)
}

func (p *Pipeline) Rollback(phase string) {
	if p == nil {
		return
	}
	p.Rollbacks.WithLabelValues(phase).Inc()
}

// Server tracks the evaluation endpoint.
type Server struct {
	Requests *prometheus.CounterVec
	Duration *prometheus.HistogramVec
	Tokens   prometheus.Counter
	InFlight prometheus.Gauge
}

func NewServer(reg prometheus.Registerer) *Server {
	f := promauto.With(reg)
	return &Server{
		Requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "awq_eval_requests_total",
			Help: "Evaluation requests by route and status code",
		}, []string{"route", "code"}),
		Duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "awq_eval_request_duration_seconds",
			Help:    "Evaluation request latency",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"route"}),
		Tokens: f.NewCounter(prometheus.CounterOpts{
			Name: "awq_eval_tokens_total",
			Help: "Tokens scored by the evaluation endpoint",
		}),
		InFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "awq_eval_in_flight",
			Help: "Evaluation requests currently running",
		}),
	}
}
