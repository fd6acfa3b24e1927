package stats

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rotisserie/eris"

	"github.com/Shezan57/intelligent-ppe-monitoring/internal/model"
)

const namespace = "ppe"

type gauge struct {
	name string
	help string
	fn   func(Snapshot) float64
}

var gauges = []gauge{
	{"detections_total", "Persons routed.", func(s Snapshot) float64 { return float64(s.TotalDetections) }},
	{"bypass_rate_percent", "Share of persons resolved without slow verification.", func(s Snapshot) float64 { return s.BypassRate }},
	{"verification_jobs_submitted_total", "Verification jobs queued.", func(s Snapshot) float64 { return float64(s.JobsSubmitted) }},
	{"verification_jobs_rejected_total", "Verification jobs refused by a full queue.", func(s Snapshot) float64 { return float64(s.JobsRejected) }},
	{"verification_jobs_completed_total", "Verification jobs finished.", func(s Snapshot) float64 { return float64(s.JobsCompleted) }},
	{"verification_jobs_failed_total", "Verification jobs that fell back to the fast verdict.", func(s Snapshot) float64 { return float64(s.JobsFailed) }},
	{"false_positives_caught_total", "Fast violations overturned by verification.", func(s Snapshot) float64 { return float64(s.FalsePositivesCaught) }},
	{"false_negatives_caught_total", "Fast safe verdicts overturned by verification.", func(s Snapshot) float64 { return float64(s.FalseNegativesCaught) }},
	{"verification_latency_avg_ms", "Mean verification latency.", func(s Snapshot) float64 { return s.AvgLatencyMs }},
	{"fast_path_accuracy_percent", "Share of verified fast verdicts that were confirmed.", func(s Snapshot) float64 { return s.FastAccuracy }},
}

// Register exposes the aggregator as Prometheus gauges on reg.
func Register(reg prometheus.Registerer, a *Aggregator) error {
	for _, g := range gauges {
		fn := g.fn
		c := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      g.name,
			Help:      g.help,
		}, func() float64 { return fn(a.Snapshot()) })
		if err := reg.Register(c); err != nil {
			return eris.Wrapf(err, "stats: register %s", g.name)
		}
	}
	for _, p := range model.AllPaths {
		path := p
		c := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "decision_path_total",
			Help:        "Persons routed per decision path.",
			ConstLabels: prometheus.Labels{"path": string(path)},
		}, func() float64 { return float64(a.Snapshot().PathDistribution[path]) })
		if err := reg.Register(c); err != nil {
			return eris.Wrapf(err, "stats: register path %s", path)
		}
	}
	return nil
}

// RegisterGauge exposes a single value read through fn.
func RegisterGauge(reg prometheus.Registerer, name, help string, fn func() float64) error {
	err := reg.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
	return eris.Wrapf(err, "stats: register %s", name)
}
