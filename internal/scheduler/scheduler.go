package scheduler

import (
	"context"
	"time"

	"github.com/danshapiro/scc/internal/jobstore"
)

// Scheduler matches queued jobs to long-polling workers.
type Scheduler struct {
	jobs   *jobstore.Store
	broker *Broker
	// ConcurrencyFor returns the per-executor running cap; 0 = unlimited.
	concurrencyFor func(executor string) int
}

// New creates a Scheduler over the job store and wake broker.
func New(jobs *jobstore.Store, broker *Broker, concurrencyFor func(string) int) *Scheduler {
	return &Scheduler{jobs: jobs, broker: broker, concurrencyFor: concurrencyFor}
}

// Broker exposes the wake broker so enqueue/requeue paths can signal it.
func (s *Scheduler) Broker() *Broker { return s.broker }

// Claim searches for an eligible queued job, suspending on the wake broker
// for up to wait when none is immediately available. Returns ok=false when
// the window elapses empty (the HTTP layer maps that to 204).
func (s *Scheduler) Claim(ctx context.Context, executor, workerID string, workerModels []string, wait time.Duration) (jobstore.Job, bool, error) {
	req := jobstore.ClaimRequest{
		Executor:     executor,
		WorkerID:     workerID,
		WorkerModels: workerModels,
		RunningCap:   s.concurrencyFor(executor),
	}

	job, ok, err := s.jobs.Claim(req)
	if err != nil || ok {
		return job, ok, err
	}
	if wait <= 0 {
		return jobstore.Job{}, false, nil
	}

	wake, unsub := s.broker.Subscribe(executor)
	defer unsub()

	// Re-check once after subscribing: an enqueue between the first search
	// and the subscription would otherwise be missed until the next wake.
	job, ok, err = s.jobs.Claim(req)
	if err != nil || ok {
		return job, ok, err
	}

	deadline := time.NewTimer(wait)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return jobstore.Job{}, false, ctx.Err()
		case <-deadline.C:
			return jobstore.Job{}, false, nil
		case <-wake:
			job, ok, err := s.jobs.Claim(req)
			if err != nil || ok {
				return job, ok, err
			}
			// Another worker won the race; keep waiting.
		}
	}
}
