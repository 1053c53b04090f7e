// Package metrics exposes Prometheus counters for a chat session. A nil
// *Collector is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tutor_chat"

type Collector struct {
	registry     *prometheus.Registry
	frames       *prometheus.CounterVec
	decodeErrors prometheus.Counter
	reconnects   *prometheus.CounterVec
	uploads      *prometheus.CounterVec
	turns        *prometheus.CounterVec
}

// New creates a collector registered on its own registry so several sessions
// in one process (tests included) never collide on the default registerer.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Inbound frames by type.",
		}, []string{"type"}),
		decodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Inbound records dropped because they could not be decoded.",
		}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Reconnect attempts by outcome.",
		}, []string{"outcome"}),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "image_uploads_total",
			Help:      "Image uploads by final status.",
		}, []string{"status"}),
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_turns_total",
			Help:      "Chat requests sent, split by fresh turn and interrupt resume.",
		}, []string{"kind"}),
	}
	c.registry.MustRegister(c.frames, c.decodeErrors, c.reconnects, c.uploads, c.turns)
	return c
}

func (c *Collector) FrameReceived(frameType string) {
	if c == nil {
		return
	}
	c.frames.WithLabelValues(frameType).Inc()
}

func (c *Collector) DecodeError() {
	if c == nil {
		return
	}
	c.decodeErrors.Inc()
}

// Reconnect records one attempt; outcome is "success", "failure" or
// "exhausted".
func (c *Collector) Reconnect(outcome string) {
	if c == nil {
		return
	}
	c.reconnects.WithLabelValues(outcome).Inc()
}

func (c *Collector) Upload(status string) {
	if c == nil {
		return
	}
	c.uploads.WithLabelValues(status).Inc()
}

func (c *Collector) Turn(resume bool) {
	if c == nil {
		return
	}
	kind := "fresh"
	if resume {
		kind = "resume"
	}
	c.turns.WithLabelValues(kind).Inc()
}

// Registry returns the registry the counters live on.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the collector in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
