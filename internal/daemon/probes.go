// internal/daemon/probes.go
package daemon

import (
	"context"
	"time"

	"github.com/colebrumley/tripwire/internal/config"
	"github.com/colebrumley/tripwire/internal/executor"
	"github.com/colebrumley/tripwire/internal/scheduler"
	"github.com/colebrumley/tripwire/internal/trigger"
)

// startProbes arms one scheduler entry per configured probe. Each run
// publishes the probe's reading on metric:<name>.
func (d *Daemon) startProbes() {
	for _, p := range d.config.Probes {
		sched, err := scheduler.Parse(p.Schedule, "")
		if err != nil {
			d.logger.Error("skipping probe", "metric", p.Metric, "error", err)
			continue
		}
		entry := d.sched.Add("probe:"+p.Metric, sched, func(planned time.Time) {
			d.runProbe(context.Background(), p, planned)
		})
		d.probes = append(d.probes, entry)
		d.logger.Info("probe scheduled", "metric", p.Metric, "schedule", p.Schedule, "next", entry.Next())
	}
}

// runProbe samples once. Failures are logged and produce no sample.
func (d *Daemon) runProbe(ctx context.Context, p config.ProbeConfig, at time.Time) int {
	value, err := executor.RunProbe(ctx, p, executor.DefaultProbeTimeout)
	if err != nil {
		d.logger.Warn("probe failed", "metric", p.Metric, "error", err)
		return 0
	}
	n := d.bus.Publish(ctx, trigger.MetricTopic(p.Metric), trigger.NewMetricSample(p.Metric, value, at))
	d.logger.Debug("probe sampled", "metric", p.Metric, "value", value, "handlers", n)
	return n
}
