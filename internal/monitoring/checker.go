package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/fitcheck/internal/config"
)

const (
	defaultCheckInterval = 5 * time.Minute

	// realertAfter is how long a still-firing alert stays quiet before it is
	// sent again.
	realertAfter = time.Hour
)

// Checker evaluates alerts on an interval. An alert that keeps firing is
// re-sent at most once per realertAfter; one that clears is forgotten, so
// it is sent again as soon as it recurs.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	cfg       config.MonitoringConfig

	lastSent map[AlertType]time.Time
	now      func() time.Time
}

// NewChecker creates a Checker.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	return &Checker{
		collector: collector,
		alerter:   alerter,
		cfg:       cfg,
		lastSent:  make(map[AlertType]time.Time),
		now:       time.Now,
	}
}

// Run checks on every tick until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = defaultCheckInterval
	}
	log := zap.L().Named("monitoring")
	log.Info("alert checker started",
		zap.Duration("interval", interval),
		zap.Int("lookback_hours", c.cfg.LookbackWindowHours),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("alert checker stopped")
			return
		case <-ticker.C:
			c.Check(ctx, log)
		}
	}
}

// Check runs one collect and evaluate cycle and returns the number of
// alerts delivered. Not safe for concurrent use.
func (c *Checker) Check(ctx context.Context, log *zap.Logger) int {
	snap, err := c.collector.Collect(ctx, c.cfg.LookbackWindowHours)
	if err != nil {
		log.Error("monitoring: collect failed", zap.Error(err))
		return 0
	}

	now := c.now()
	firing := make(map[AlertType]bool)
	var due []Alert
	for _, alert := range c.alerter.Evaluate(snap) {
		firing[alert.Type] = true
		if last, ok := c.lastSent[alert.Type]; ok && now.Sub(last) < realertAfter {
			continue
		}
		due = append(due, alert)
	}
	for typ := range c.lastSent {
		if !firing[typ] {
			delete(c.lastSent, typ)
		}
	}
	if len(due) == 0 {
		log.Debug("monitoring: nothing to send", zap.Int("firing", len(firing)))
		return 0
	}

	sent := c.alerter.Send(ctx, due)
	if sent == len(due) {
		for _, alert := range due {
			c.lastSent[alert.Type] = now
		}
	}
	log.Info("monitoring: check complete",
		zap.Int("firing", len(firing)),
		zap.Int("due", len(due)),
		zap.Int("sent", sent),
	)
	return sent
}
