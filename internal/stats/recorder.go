package stats

import (
	"context"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"

	"git.home.luguber.info/inful/gbp/internal/dispatcher"
)

// Recorder receives build lifecycle observations. Implementations forward to
// a metrics system; the NoopRecorder is used when metrics are not configured.
type Recorder interface {
	IncPulls(machine string)
	IncDeletes(machine string)
	IncPublishes(machine string)
	IncTags(machine string)
	ObserveBuildDuration(machine string, d time.Duration)
	SetPackageCount(machine string, n int)
}

// NoopRecorder discards all observations.
type NoopRecorder struct{}

func (NoopRecorder) IncPulls(string)                            {}
func (NoopRecorder) IncDeletes(string)                          {}
func (NoopRecorder) IncPublishes(string)                        {}
func (NoopRecorder) IncTags(string)                             {}
func (NoopRecorder) ObserveBuildDuration(string, time.Duration) {}
func (NoopRecorder) SetPackageCount(string, int)                {}

// PrometheusRecorder implements Recorder on a Prometheus registry.
type PrometheusRecorder struct {
	pulls         *prom.CounterVec
	deletes       *prom.CounterVec
	publishes     *prom.CounterVec
	tags          *prom.CounterVec
	buildDuration *prom.HistogramVec
	packageCount  *prom.GaugeVec
}

// NewPrometheusRecorder constructs and registers the metrics.
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{
		pulls: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "gbp",
			Name:      "pulls_total",
			Help:      "Builds pulled, by machine",
		}, []string{"machine"}),
		deletes: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "gbp",
			Name:      "deletes_total",
			Help:      "Builds deleted, by machine",
		}, []string{"machine"}),
		publishes: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "gbp",
			Name:      "publishes_total",
			Help:      "Publish operations, by machine",
		}, []string{"machine"}),
		tags: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "gbp",
			Name:      "tags_total",
			Help:      "Tag operations, by machine",
		}, []string{"machine"}),
		buildDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "gbp",
			Name:      "build_duration_seconds",
			Help:      "CI build duration as reported on pull",
			Buckets:   prom.ExponentialBuckets(60, 2, 10),
		}, []string{"machine"}),
		packageCount: prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: "gbp",
			Name:      "build_packages",
			Help:      "Package count of the most recently pulled build",
		}, []string{"machine"}),
	}
	reg.MustRegister(pr.pulls, pr.deletes, pr.publishes, pr.tags, pr.buildDuration, pr.packageCount)
	return pr
}

func (p *PrometheusRecorder) IncPulls(machine string)     { p.pulls.WithLabelValues(machine).Inc() }
func (p *PrometheusRecorder) IncDeletes(machine string)   { p.deletes.WithLabelValues(machine).Inc() }
func (p *PrometheusRecorder) IncPublishes(machine string) { p.publishes.WithLabelValues(machine).Inc() }
func (p *PrometheusRecorder) IncTags(machine string)      { p.tags.WithLabelValues(machine).Inc() }

func (p *PrometheusRecorder) ObserveBuildDuration(machine string, d time.Duration) {
	p.buildDuration.WithLabelValues(machine).Observe(d.Seconds())
}

func (p *PrometheusRecorder) SetPackageCount(machine string, n int) {
	p.packageCount.WithLabelValues(machine).Set(float64(n))
}

// BindRecorder feeds the recorder from lifecycle events. The returned
// function unbinds all subscriptions.
func BindRecorder(d *dispatcher.Dispatcher, rec Recorder) func() {
	handlers := map[dispatcher.Event]dispatcher.Handler{
		dispatcher.PostPull: func(_ context.Context, payload any) error {
			post := payload.(dispatcher.PostPullPayload)
			machine := post.Record.Machine
			rec.IncPulls(machine)
			if post.Metadata != nil {
				rec.ObserveBuildDuration(machine, time.Duration(post.Metadata.BuildDuration)*time.Second)
				rec.SetPackageCount(machine, post.Metadata.Packages.Total)
			}
			return nil
		},
		dispatcher.PostDelete: func(_ context.Context, payload any) error {
			rec.IncDeletes(payload.(dispatcher.PostDeletePayload).Build.Machine)
			return nil
		},
		dispatcher.Published: func(_ context.Context, payload any) error {
			rec.IncPublishes(payload.(dispatcher.PublishedPayload).Record.Machine)
			return nil
		},
		dispatcher.Tagged: func(_ context.Context, payload any) error {
			rec.IncTags(payload.(dispatcher.TaggedPayload).Record.Machine)
			return nil
		},
	}

	var unbinds []func()
	for event, handler := range handlers {
		// Core events are always registered.
		unbind, _ := d.Bind(event, handler)
		unbinds = append(unbinds, unbind)
	}
	return func() {
		for _, unbind := range unbinds {
			unbind()
		}
	}
}
