// Package metrics exposes Prometheus collectors for the caption pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcomes recorded on RequestsTotal.
const (
	OutcomeOK        = "ok"
	OutcomeDecode    = "decode_error"
	OutcomeInference = "inference_error"
	OutcomeCanceled  = "canceled"
	OutcomeInternal  = "internal_error"
)

// Stages recorded on StageDuration.
const (
	StagePreprocess = "preprocess"
	StageWait       = "device_wait"
	StageEncode     = "encode"
	StageDecode     = "decode"
	StageAssemble   = "assemble"
)

// Metrics bundles the collectors registered on one registry.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal *prometheus.CounterVec
	StageDuration *prometheus.HistogramVec
	InFlight      prometheus.Gauge
	CaptionTokens prometheus.Histogram
}

// New creates the collectors on a fresh registry, so tests can build as
// many as they like.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "caption_requests_total",
				Help: "Caption requests by outcome.",
			},
			[]string{"outcome"},
		),
		StageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "caption_stage_duration_seconds",
				Help:    "Time spent in each pipeline stage.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"stage"},
		),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "caption_requests_in_flight",
			Help: "Caption requests currently in the pipeline.",
		}),
		CaptionTokens: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "caption_decoded_tokens",
			Help:    "Token ids produced by the decoder per request.",
			Buckets: prometheus.LinearBuckets(0, 4, 10),
		}),
	}
	m.Registry.MustRegister(
		m.RequestsTotal, m.StageDuration, m.InFlight, m.CaptionTokens,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
