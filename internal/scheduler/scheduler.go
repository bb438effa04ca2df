// Package scheduler provides cron-based scheduling for recurring jobs such
// as the daily reminder batch.
package scheduler

import (
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// DefaultReminderSpec runs the reminder batch every morning at 09:00.
const DefaultReminderSpec = "0 9 * * *"

// Scheduler runs named jobs on cron expressions.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates and starts a cron scheduler. Jobs recover from
// panics instead of taking the scheduler down.
func NewScheduler() *Scheduler {
	// 5-field cron parser (min, hour, dom, month, dow)
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	c.Start()
	return &Scheduler{cron: c}
}

// AddJob schedules a named task using the provided cron expression.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(name, expr string, task func()) error {
	id, err := s.cron.AddFunc(expr, task)
	if err != nil {
		return fmt.Errorf("failed to schedule job %s with spec %q: %w", name, expr, err)
	}
	slog.Info("Scheduler.AddJob: job scheduled", "job", name, "spec", expr, "entryID", id)
	return nil
}

// Stop stops the cron scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	slog.Info("Scheduler.Stop: scheduler stopped")
}
