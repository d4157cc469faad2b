// Package metrics builds the registry served on the metrics path: runtime
// collectors, what this promoter was built and configured with, and the
// service collectors from observability.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mohammed-shakir/feature-promotion/internal/core/model"
	"github.com/mohammed-shakir/feature-promotion/internal/core/observability"
)

const defaultPath = "/metrics"

type BuildInfo struct {
	Version   string
	Revision  string
	BuildDate string
}

type Config struct {
	Path         string
	Build        BuildInfo
	Capabilities model.Capabilities
	// Layers names the feature service layers in use, keyed by role
	// (staging, production).
	Layers map[string]string
}

type Provider struct {
	reg  *prometheus.Registry
	path string
}

func New(cfg Config) *Provider {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		buildInfo(cfg.Build),
		capabilities(cfg.Capabilities),
	)
	if len(cfg.Layers) > 0 {
		reg.MustRegister(layers(cfg.Layers))
	}
	observability.Init(reg)

	path := cfg.Path
	if path == "" {
		path = defaultPath
	}
	return &Provider{reg: reg, path: path}
}

func buildInfo(b BuildInfo) prometheus.Collector {
	if b.Version == "" {
		b.Version = "dev"
	}
	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "promoter_build_info",
		Help: "Build of the running promoter (always 1).",
		ConstLabels: prometheus.Labels{
			"version":    b.Version,
			"revision":   b.Revision,
			"build_date": b.BuildDate,
		},
	})
	g.Set(1)
	return g
}

func capabilities(c model.Capabilities) prometheus.Collector {
	g := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "promoter_capability_enabled",
		Help: "Workflow capabilities switched on (1) or off (0).",
	}, []string{"capability"})
	for name, on := range map[string]bool{
		"jurisdiction": c.Jurisdiction,
		"production":   c.Production,
		"attachments":  c.Attachments,
	} {
		v := 0.0
		if on {
			v = 1
		}
		g.WithLabelValues(name).Set(v)
	}
	return g
}

func layers(byRole map[string]string) prometheus.Collector {
	g := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "promoter_layer_info",
		Help: "Feature service layers by role (always 1).",
	}, []string{"role", "url"})
	for role, u := range byRole {
		g.WithLabelValues(role, u).Set(1)
	}
	return g
}

func (p *Provider) Handler() http.Handler {
	return promhttp.HandlerFor(p.reg, promhttp.HandlerOpts{Registry: p.reg})
}

// Path is where the handler is mounted.
func (p *Provider) Path() string { return p.path }

func (p *Provider) Registerer() prometheus.Registerer { return p.reg }
