package lifecycle

import (
	"context"
	"time"

	"github.com/danshapiro/scc/internal/board"
	"github.com/danshapiro/scc/internal/events"
	"github.com/danshapiro/scc/internal/jobstore"
)

// Reap reasons recorded on cancelled jobs.
const (
	ReasonTimeout    = "timeout"
	ReasonWorkerDead = "worker_dead"
)

// RunReaper ticks until the context is cancelled. Each tick cancels timed-out
// and orphaned running jobs, clears stale worker claims, and garbage-collects
// unreferenced packs.
func (c *Controller) RunReaper(ctx context.Context) {
	interval := c.Config.ReaperInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.ReapOnce()
		}
	}
}

// ReapOnce performs one reaper sweep.
func (c *Controller) ReapOnce() {
	now := c.now()

	running, err := c.Jobs.GetByStatus(jobstore.StatusRunning)
	if err != nil {
		c.Logger.Printf("reaper: list running: %v", err)
		return
	}
	for _, job := range running {
		// A job can be both past its deadline and heartbeat-silent; the
		// deadline wins so retries count against the timeout budget.
		if reason, ok := c.reapReason(job, now); ok {
			c.reap(job, reason)
		}
	}

	// Workers silent past the cancel window lose their claim even when the
	// job record itself still looks fresh.
	for _, w := range c.Workers.ClearStale(c.Config.CancelWindow()) {
		job, err := c.Jobs.Get(w.RunningJobID)
		if err != nil || job.Status != jobstore.StatusRunning {
			continue
		}
		c.reap(job, ReasonWorkerDead)
	}

	if _, err := c.GCPacks(); err != nil {
		c.Logger.Printf("reaper: pack gc: %v", err)
	}
}

// reapReason decides whether a running job must be cancelled. Timeout is
// checked before worker death.
func (c *Controller) reapReason(job jobstore.Job, now time.Time) (string, bool) {
	if job.ClaimedAt != nil {
		timeout := time.Duration(job.TimeoutMs) * time.Millisecond
		if timeout <= 0 {
			timeout = time.Duration(c.Config.DefaultTimeoutMS) * time.Millisecond
		}
		if now.Sub(*job.ClaimedAt) > timeout {
			return ReasonTimeout, true
		}
	}
	last := job.LastHeartbeatAt
	if last == nil {
		last = job.ClaimedAt
	}
	if last != nil && now.Sub(*last) > c.Config.StaleWindow() {
		return ReasonWorkerDead, true
	}
	return "", false
}

// reap cancels one running job and returns its task to ready, or fails the
// task when the retry budget is spent.
func (c *Controller) reap(job jobstore.Job, reason string) {
	if _, err := c.Jobs.Cancel(job.JobID, reason); err != nil {
		c.Logger.Printf("reaper: cancel %s: %v", job.JobID, err)
		return
	}
	task, err := c.Board.Get(job.TaskID)
	if err != nil {
		c.Logger.Printf("reaper: task %s: %v", job.TaskID, err)
		return
	}

	eventType := events.TypeJobTimeout
	if reason == ReasonWorkerDead {
		eventType = events.TypeWorkerDead
	}
	c.event(eventType, task, job, reason)

	attempts, err := c.Board.IncrementAttempts(task.TaskID)
	if err != nil {
		c.Logger.Printf("reaper: attempts %s: %v", task.TaskID, err)
		return
	}
	next := board.StatusReady
	if attempts >= c.Config.MaxRetries {
		next = board.StatusFailed
	}
	if _, err := c.Board.Transition(task.TaskID, next); err != nil {
		c.Logger.Printf("reaper: task %s -> %s: %v", task.TaskID, next, err)
	}
}
