package agent

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	appLog "slackcal/internal/log"
	"slackcal/internal/metrics"
)

// Guard is a single-slot "in progress" flag shared by every job that
// touches the store.
type Guard struct {
	running atomic.Bool
}

// TryRun runs fn unless another TryRun is in flight, and reports whether fn
// ran.
func (g *Guard) TryRun(fn func()) bool {
	if !g.running.CompareAndSwap(false, true) {
		return false
	}
	defer g.running.Store(false)
	fn()
	return true
}

// Busy reports whether a guarded job is running.
func (g *Guard) Busy() bool { return g.running.Load() }

// RunCycle is the guarded ingest+notify job.
func (a *Agent) RunCycle(ctx context.Context) bool {
	m := metrics.Get()
	ran := a.guard.TryRun(func() {
		started := time.Now()
		res, err := a.Cycle(ctx)
		if err != nil {
			m.CyclesTotal.WithLabelValues("error").Inc()
			appLog.Error("cycle failed", err, "elapsed", time.Since(started).String())
			return
		}
		m.CyclesTotal.WithLabelValues("ok").Inc()
		appLog.Info("cycle completed",
			"channels", res.Channels,
			"records", res.Records,
			"failed_channels", res.Failed,
			"reminders", res.Delivered,
			"elapsed", time.Since(started).String(),
		)
	})
	if !ran {
		m.CyclesSkipped.Inc()
		appLog.Warn("cycle skipped; previous cycle still running")
	}
	return ran
}

// RunReminders is the guarded reminder-only job.
func (a *Agent) RunReminders(ctx context.Context) bool {
	ran := a.guard.TryRun(func() {
		n, scanned, err := a.Reminders(ctx)
		if err != nil {
			appLog.Error("reminder scan failed", err)
			return
		}
		if scanned {
			appLog.Info("reminder scan completed", "reminders", n)
		}
	})
	if !ran {
		metrics.Get().CyclesSkipped.Inc()
		appLog.Debug("reminder scan skipped; cycle in progress")
	}
	return ran
}

// Driver fires the agent's jobs on cron schedules.
type Driver struct {
	agent    *Agent
	cron     *cron.Cron
	cycle    string
	reminder string
}

// NewDriver validates the schedules. An empty reminder schedule disables
// the reminder-only job; reminders then run at the end of each cycle only.
func NewDriver(a *Agent, cycleSpec, reminderSpec string) (*Driver, error) {
	logger := appLog.CronAdapter{}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger)),
	)
	if _, err := cron.ParseStandard(cycleSpec); err != nil {
		return nil, fmt.Errorf("invalid cycle schedule %q: %w", cycleSpec, err)
	}
	if reminderSpec != "" {
		if _, err := cron.ParseStandard(reminderSpec); err != nil {
			return nil, fmt.Errorf("invalid reminder schedule %q: %w", reminderSpec, err)
		}
	}
	return &Driver{agent: a, cron: c, cycle: cycleSpec, reminder: reminderSpec}, nil
}

// Run starts the schedules, fires one cycle immediately and blocks until
// ctx is cancelled. It waits for running jobs before returning.
func (d *Driver) Run(ctx context.Context) error {
	if _, err := d.cron.AddFunc(d.cycle, func() { d.agent.RunCycle(ctx) }); err != nil {
		return fmt.Errorf("schedule cycle: %w", err)
	}
	if d.reminder != "" {
		if _, err := d.cron.AddFunc(d.reminder, func() { d.agent.RunReminders(ctx) }); err != nil {
			return fmt.Errorf("schedule reminders: %w", err)
		}
	}

	appLog.Info("scheduler started", "cycle", d.cycle, "reminder", d.reminder)
	d.cron.Start()

	// The initial cycle runs outside cron.
	var initial sync.WaitGroup
	initial.Add(1)
	go func() {
		defer initial.Done()
		d.agent.RunCycle(ctx)
	}()

	<-ctx.Done()
	stopped := d.cron.Stop()
	<-stopped.Done()
	initial.Wait()
	appLog.Info("scheduler stopped")
	return nil
}
