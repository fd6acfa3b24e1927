package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Shezan57/intelligent-ppe-monitoring/internal/config"
)

// Checker runs the background housekeeping and alert checks.
type Checker struct {
	source    Source
	collector *Collector
	alerter   *Alerter
	cfg       config.MonitoringConfig
	retention time.Duration
	log       *zap.Logger
}

// NewChecker creates a background checker. retention is how long finished
// verification jobs are kept. A nil alerter limits the checker to
// housekeeping.
func NewChecker(src Source, collector *Collector, alerter *Alerter, cfg config.MonitoringConfig, retention time.Duration) *Checker {
	return &Checker{
		source:    src,
		collector: collector,
		alerter:   alerter,
		cfg:       cfg,
		retention: retention,
		log:       zap.L().With(zap.String("component", "monitoring.checker")),
	}
}

// Run starts the sweep and check loops. It blocks until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	sweepEvery := time.Duration(c.cfg.SweepIntervalSecs) * time.Second
	if sweepEvery <= 0 {
		sweepEvery = 5 * time.Second
	}

	c.log.Info("starting checker",
		zap.Duration("interval", interval),
		zap.Duration("sweep_interval", sweepEvery),
		zap.Duration("job_retention", c.retention),
	)

	check := time.NewTicker(interval)
	defer check.Stop()
	sweep := time.NewTicker(sweepEvery)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			c.log.Info("checker stopped")
			return
		case <-sweep.C:
			c.sweep(ctx)
		case <-check.C:
			c.check(ctx)
		}
	}
}

func (c *Checker) sweep(ctx context.Context) {
	closed := c.source.Sweep(ctx)
	if len(closed) > 0 {
		c.log.Debug("monitoring: idle tracks expired", zap.Int("tracks", len(closed)))
	}
}

func (c *Checker) check(ctx context.Context) {
	if c.retention > 0 {
		if n := c.source.CleanupJobs(c.retention); n > 0 {
			c.log.Debug("monitoring: old jobs dropped", zap.Int("jobs", n))
		}
	}

	if c.alerter == nil {
		return
	}

	snap, err := c.collector.Collect(ctx)
	if err != nil {
		c.log.Error("monitoring: failed to collect metrics", zap.Error(err))
		return
	}

	alerts := c.alerter.Evaluate(snap)
	if len(alerts) == 0 {
		c.log.Debug("monitoring: no alerts triggered")
		return
	}

	sent := c.alerter.SendAlerts(ctx, alerts)
	c.log.Info("monitoring: alert check complete",
		zap.Int("alerts_triggered", len(alerts)),
		zap.Int("alerts_sent", sent),
	)
}
