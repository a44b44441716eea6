// Package worker tracks registered workers in memory. Workers are not
// durable: they die silently and re-register on restart; liveness is
// inferred from heartbeat recency.
package worker

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var ErrNotFound = errors.New("worker not found")

// DefaultSeenWindow is how long a worker stays "active" after its last
// heartbeat.
const DefaultSeenWindow = 120 * time.Second

// Worker is one registered worker process.
type Worker struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Executors    []string  `json:"executors"`
	Models       []string  `json:"models,omitempty"`
	LastSeen     time.Time `json:"lastSeen"`
	RunningJobID string    `json:"runningJobId,omitempty"`
}

// Active reports liveness against the seen window.
func (w Worker) Active(now time.Time, seenWindow time.Duration) bool {
	return now.Sub(w.LastSeen) <= seenWindow
}

// Registry is the in-memory worker table.
type Registry struct {
	mu         sync.Mutex
	workers    map[string]*Worker
	byName     map[string]string
	seenWindow time.Duration
	now        func() time.Time
}

// NewRegistry creates a Registry. seenWindow <= 0 selects the default.
func NewRegistry(seenWindow time.Duration) *Registry {
	if seenWindow <= 0 {
		seenWindow = DefaultSeenWindow
	}
	return &Registry{
		workers:    make(map[string]*Worker),
		byName:     make(map[string]string),
		seenWindow: seenWindow,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Register creates a worker, or refreshes capabilities when a worker with
// the same name re-registers after a silent death.
func (r *Registry) Register(name string, executors, models []string) (Worker, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Worker{}, fmt.Errorf("worker name is required")
	}
	if len(executors) == 0 {
		return Worker{}, fmt.Errorf("worker %s must advertise at least one executor", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.byName[name]; ok {
		w := r.workers[id]
		w.Executors = slices.Clone(executors)
		w.Models = slices.Clone(models)
		w.LastSeen = r.now()
		return *w, nil
	}

	w := &Worker{
		ID:        "worker-" + strings.ToLower(ulid.Make().String()),
		Name:      name,
		Executors: slices.Clone(executors),
		Models:    slices.Clone(models),
		LastSeen:  r.now(),
	}
	r.workers[w.ID] = w
	r.byName[name] = w.ID
	return *w, nil
}

// Heartbeat bumps lastSeen and records the job the worker believes it is
// running.
func (r *Registry) Heartbeat(id, runningJobID string) (Worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok {
		return Worker{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	w.LastSeen = r.now()
	w.RunningJobID = runningJobID
	return *w, nil
}

// Get returns one worker by ID.
func (r *Registry) Get(id string) (Worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok {
		return Worker{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return *w, nil
}

// ListActive returns workers within the seen window that advertise the
// executor. An empty executor matches all.
func (r *Registry) ListActive(executor string) []Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	var out []Worker
	for _, w := range r.workers {
		if !w.Active(now, r.seenWindow) {
			continue
		}
		if executor != "" && !slices.Contains(w.Executors, executor) {
			continue
		}
		out = append(out, *w)
	}
	return out
}

// Snapshot returns every known worker.
func (r *Registry) Snapshot() []Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Worker, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, *w)
	}
	return out
}

// ClearStale clears runningJobId on workers silent beyond cancelWindow and
// returns the affected (worker, job) pairs so the reaper can cancel the
// jobs. The workers themselves stay registered and may resume.
func (r *Registry) ClearStale(cancelWindow time.Duration) []Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	var stale []Worker
	for _, w := range r.workers {
		if w.RunningJobID == "" {
			continue
		}
		if now.Sub(w.LastSeen) > cancelWindow {
			stale = append(stale, *w)
			w.RunningJobID = ""
		}
	}
	return stale
}

// SetNowFunc overrides the clock for tests.
func (r *Registry) SetNowFunc(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}
