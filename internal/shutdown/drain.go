// Package shutdown provides a drain-before-exit wait for background work
// that must finish before the process can stop cleanly.
package shutdown

import (
	"log/slog"
	"time"
)

// BackgroundWorkChecker reports whether background work is still in
// progress. The supervisor's shutdown path polls this until it returns
// false before exiting, so an in-flight Upload Stage job isn't abandoned.
type BackgroundWorkChecker func() bool

// DrainWaiter blocks shutdown until a BackgroundWorkChecker reports no work
// in flight, or a grace period elapses.
type DrainWaiter struct {
	check        BackgroundWorkChecker
	pollInterval time.Duration
	gracePeriod  time.Duration
	logger       *slog.Logger
}

// Config configures a DrainWaiter.
type Config struct {
	Check        BackgroundWorkChecker
	PollInterval time.Duration // default 200ms
	GracePeriod  time.Duration // default 5 minutes when 0; a negative value disables the cap
	Logger       *slog.Logger
}

// New constructs a DrainWaiter.
func New(cfg Config) *DrainWaiter {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 200 * time.Millisecond
	}
	if cfg.GracePeriod == 0 {
		cfg.GracePeriod = 5 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &DrainWaiter{
		check:        cfg.Check,
		pollInterval: cfg.PollInterval,
		gracePeriod:  cfg.GracePeriod,
		logger:       cfg.Logger,
	}
}

// Wait blocks until the checker reports no background work in progress, or
// the grace period elapses, whichever comes first. Returns true if the wait
// ended because work actually drained.
func (d *DrainWaiter) Wait() bool {
	if d.check == nil || !d.check() {
		return true
	}

	d.logger.Info("waiting for background work to drain before exit", "grace_period", d.gracePeriod)

	deadline := time.Now().Add(d.gracePeriod)
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for range ticker.C {
		if !d.check() {
			d.logger.Info("background work drained")
			return true
		}
		if d.gracePeriod > 0 && time.Now().After(deadline) {
			d.logger.Warn("drain grace period exceeded, exiting with work still in flight")
			return false
		}
	}
	return false
}
