package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/vmrs-cli/internal/config"
)

// Checker runs periodic alert checks over recent run history in the
// background.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	cfg       config.MonitoringConfig
}

// NewChecker creates a background alert checker.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	return &Checker{
		collector: collector,
		alerter:   alerter,
		cfg:       cfg,
	}
}

// Run starts the periodic check loop. It blocks until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	lookback := c.lookback()

	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("starting alert checker",
		zap.Duration("interval", interval),
		zap.Int("lookback_hours", lookback),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("alert checker stopped")
			return
		case <-ticker.C:
			c.check(ctx, log)
		}
	}
}

func (c *Checker) lookback() int {
	if c.cfg.LookbackWindowHours <= 0 {
		return 24
	}
	return c.cfg.LookbackWindowHours
}

// check collects one snapshot and notifies on breaches. It returns the
// alerts raised.
func (c *Checker) check(ctx context.Context, log *zap.Logger) []Alert {
	snap, err := c.collector.Collect(ctx, c.lookback())
	if err != nil {
		log.Error("monitoring: failed to collect run history", zap.Error(err))
		return nil
	}

	alerts := c.alerter.Evaluate(snap.Summary)
	if len(alerts) == 0 {
		log.Debug("monitoring: no alerts triggered", zap.Int("runs", snap.Runs))
		return nil
	}

	sent := c.alerter.Notify(ctx, alerts)
	log.Info("monitoring: alert check complete",
		zap.Int("runs", snap.Runs),
		zap.Int("alerts_triggered", len(alerts)),
		zap.Int("alerts_sent", sent),
	)
	return alerts
}
