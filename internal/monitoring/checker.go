package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/tripjoin/internal/config"
	"github.com/sells-group/tripjoin/internal/matcher"
)

// Checker runs periodic alert checks in the background. With AutoReconcile
// it also re-drives stale trips through the matcher before collecting.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	matcher   *matcher.Matcher
	cfg       config.MonitoringConfig
}

// NewChecker creates a background alert checker. m may be nil when
// auto-reconcile is off.
func NewChecker(collector *Collector, alerter *Alerter, m *matcher.Matcher, cfg config.MonitoringConfig) *Checker {
	return &Checker{
		collector: collector,
		alerter:   alerter,
		matcher:   m,
		cfg:       cfg,
	}
}

func (c *Checker) staleness() time.Duration {
	if c.cfg.StalenessMins <= 0 {
		return time.Hour
	}
	return time.Duration(c.cfg.StalenessMins) * time.Minute
}

// Run starts the periodic check loop. It blocks until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("starting alert checker",
		zap.Duration("interval", interval),
		zap.Duration("staleness", c.staleness()),
		zap.Bool("auto_reconcile", c.cfg.AutoReconcile),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("alert checker stopped")
			return
		case <-ticker.C:
			if _, _, err := c.Check(ctx); err != nil {
				log.Error("monitoring: check failed", zap.Error(err))
			}
		}
	}
}

// Check runs one reconcile (if enabled), collect, evaluate and send cycle.
func (c *Checker) Check(ctx context.Context) (*MetricsSnapshot, []Alert, error) {
	log := zap.L().With(zap.String("component", "monitoring.checker"))

	if c.cfg.AutoReconcile && c.matcher != nil {
		res, err := c.matcher.Reconcile(ctx, c.collector.now().UTC().Add(-c.staleness()))
		if err != nil {
			log.Warn("monitoring: auto-reconcile failed", zap.Error(err))
		} else if res.Completed > 0 {
			log.Info("monitoring: auto-reconcile completed trips",
				zap.Int("scanned", res.Scanned),
				zap.Int("completed", res.Completed))
		}
	}

	snap, err := c.collector.Collect(ctx, c.staleness())
	if err != nil {
		return nil, nil, err
	}

	alerts := c.alerter.Evaluate(snap)
	if len(alerts) == 0 {
		log.Debug("monitoring: no alerts triggered")
		return snap, nil, nil
	}

	sent := c.alerter.SendAlerts(ctx, alerts)
	log.Info("monitoring: alert check complete",
		zap.Int("alerts_triggered", len(alerts)),
		zap.Int("alerts_sent", sent),
	)
	return snap, alerts, nil
}
