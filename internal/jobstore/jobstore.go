// Package jobstore persists the job queue and terminal job records. Claim,
// complete, and cancel all run inside the state store's serialized updater
// for the jobs file, so job state transitions are totally ordered per job
// and a queued job is handed to exactly one claimer.
package jobstore

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/danshapiro/scc/internal/contract"
	"github.com/danshapiro/scc/internal/statestore"
)

var (
	ErrNotFound      = errors.New("job not found")
	ErrNotRunning    = errors.New("job is not running")
	ErrWorkerMism    = errors.New("job claimed by a different worker")
	ErrTaskHasActive = errors.New("task already has a non-terminal job")
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether a job in this status is immutable.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// Attestation carries the per-claim nonce the worker must fold into each
// pack-file hash.
type Attestation struct {
	Nonce string `json:"nonce,omitempty"`
}

// tailLimit bounds stored stdout/stderr.
const tailLimit = 16 * 1024

// Job is one dispatch attempt of one atomic task.
type Job struct {
	JobID           string            `json:"job_id"`
	TaskID          string            `json:"task_id"`
	Executor        string            `json:"executor"`
	Model           string            `json:"model,omitempty"`
	Prompt          string            `json:"prompt,omitempty"`
	Status          Status            `json:"status"`
	Runner          string            `json:"runner,omitempty"`
	Priority        int               `json:"priority"`
	Attempt         int               `json:"attempt,omitempty"`
	TimeoutMs       int64             `json:"timeoutMs,omitempty"`
	CreatedAt       time.Time         `json:"createdAt"`
	ClaimedAt       *time.Time        `json:"claimedAt,omitempty"`
	CompletedAt     *time.Time        `json:"completedAt,omitempty"`
	LastHeartbeatAt *time.Time        `json:"lastHeartbeatAt,omitempty"`
	WorkerID        string            `json:"workerId,omitempty"`
	ExitCode        *int              `json:"exitCode,omitempty"`
	Stdout          string            `json:"stdout,omitempty"`
	Stderr          string            `json:"stderr,omitempty"`
	Reason          string            `json:"reason,omitempty"`
	Attestation     Attestation       `json:"attestation"`
	ContextPackV1ID string            `json:"contextPackV1Id,omitempty"`
	ResultSHA256    map[string]string `json:"resultSha256,omitempty"`
	Submit          *contract.Submit  `json:"submit,omitempty"`
	Verdict         *contract.Verdict `json:"verdict,omitempty"`
	AwaitingVerdict bool              `json:"awaitingVerdict,omitempty"`
}

const docSchemaVersion = "scc.jobs.v1"

type jobsDoc struct {
	SchemaVersion string `json:"schema_version"`
	Jobs          []Job  `json:"jobs"`
}

func emptyDoc() jobsDoc {
	return jobsDoc{SchemaVersion: docSchemaVersion, Jobs: []Job{}}
}

// Store persists jobs through the state store.
type Store struct {
	store *statestore.Store
	path  string
}

// New creates a Store backed by the JSON file at path.
func New(store *statestore.Store, path string) *Store {
	return &Store{store: store, path: path}
}

// NewJobID returns a fresh job identifier.
func NewJobID() string {
	return "job-" + strings.ToLower(ulid.Make().String())
}

// newNonce returns 128 bits of hex from crypto/rand.
func newNonce() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}

// Enqueue appends a queued job. At most one job per task may be non-terminal
// at a time; violating enqueues are rejected.
func (s *Store) Enqueue(job Job) (Job, error) {
	if strings.TrimSpace(job.TaskID) == "" {
		return Job{}, fmt.Errorf("job requires a task_id")
	}
	if strings.TrimSpace(job.Executor) == "" {
		return Job{}, fmt.Errorf("job requires an executor")
	}
	if strings.TrimSpace(job.JobID) == "" {
		job.JobID = NewJobID()
	}
	job.Status = StatusQueued
	job.CreatedAt = time.Now().UTC()
	job.Stdout = tail(job.Stdout)
	job.Stderr = tail(job.Stderr)

	err := s.update(func(doc *jobsDoc) error {
		for i := range doc.Jobs {
			if doc.Jobs[i].TaskID == job.TaskID && !doc.Jobs[i].Status.Terminal() {
				return fmt.Errorf("%w: %s (job %s)", ErrTaskHasActive, job.TaskID, doc.Jobs[i].JobID)
			}
		}
		doc.Jobs = append(doc.Jobs, job)
		return nil
	})
	if err != nil {
		return Job{}, err
	}
	return job, nil
}

// ClaimRequest describes a worker asking for work.
type ClaimRequest struct {
	Executor     string
	WorkerID     string
	WorkerModels []string
	// RunningCap bounds concurrently running jobs for this executor;
	// zero or negative means unlimited.
	RunningCap int
}

// Claim atomically hands the best eligible queued job to the worker: the job
// moves to running, workerId and claimedAt are set, and a fresh attestation
// nonce is generated, all inside one serialized update. Returns ok=false
// when nothing is eligible.
func (s *Store) Claim(req ClaimRequest) (Job, bool, error) {
	var claimed Job
	ok := false
	err := s.update(func(doc *jobsDoc) error {
		running := 0
		for i := range doc.Jobs {
			if doc.Jobs[i].Executor == req.Executor && doc.Jobs[i].Status == StatusRunning {
				running++
			}
		}
		if req.RunningCap > 0 && running >= req.RunningCap {
			return nil
		}

		best := -1
		for i := range doc.Jobs {
			j := &doc.Jobs[i]
			if j.Status != StatusQueued || j.Executor != req.Executor {
				continue
			}
			if !modelEligible(j.Model, req.WorkerModels) {
				continue
			}
			if best < 0 || claimOrderLess(*j, doc.Jobs[best]) {
				best = i
			}
		}
		if best < 0 {
			return nil
		}

		nonce, err := newNonce()
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		doc.Jobs[best].Status = StatusRunning
		doc.Jobs[best].WorkerID = req.WorkerID
		doc.Jobs[best].ClaimedAt = &now
		doc.Jobs[best].LastHeartbeatAt = &now
		doc.Jobs[best].Attestation = Attestation{Nonce: nonce}
		claimed = doc.Jobs[best]
		ok = true
		return nil
	})
	if err != nil {
		return Job{}, false, err
	}
	return claimed, ok, nil
}

// modelEligible applies the claim model filter: jobs that pin a model only go
// to workers advertising it. A worker with no advertised models is treated
// as unconstrained.
func modelEligible(jobModel string, workerModels []string) bool {
	if jobModel == "" || len(workerModels) == 0 {
		return true
	}
	for _, m := range workerModels {
		if m == jobModel {
			return true
		}
	}
	return false
}

// claimOrderLess orders by priority desc, then createdAt asc, then job_id
// for a stable tie-break.
func claimOrderLess(a, b Job) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.JobID < b.JobID
}

// Heartbeat records liveness for a running job. The worker must match.
func (s *Store) Heartbeat(jobID, workerID string) error {
	return s.mutate(jobID, func(j *Job) error {
		if j.Status != StatusRunning {
			return fmt.Errorf("%w: %s is %s", ErrNotRunning, jobID, j.Status)
		}
		if j.WorkerID != workerID {
			return fmt.Errorf("%w: %s", ErrWorkerMism, jobID)
		}
		now := time.Now().UTC()
		j.LastHeartbeatAt = &now
		return nil
	})
}

// Complete moves a running job to succeeded or failed and records the
// submission. Terminal jobs are never mutated again.
func (s *Store) Complete(jobID string, terminal Status, mutate func(j *Job)) (Job, error) {
	if terminal != StatusSucceeded && terminal != StatusFailed {
		return Job{}, fmt.Errorf("complete requires succeeded or failed, got %s", terminal)
	}
	var out Job
	err := s.mutate(jobID, func(j *Job) error {
		if j.Status != StatusRunning {
			return fmt.Errorf("%w: %s is %s", ErrNotRunning, jobID, j.Status)
		}
		now := time.Now().UTC()
		j.Status = terminal
		j.CompletedAt = &now
		if mutate != nil {
			mutate(j)
		}
		j.Stdout = tail(j.Stdout)
		j.Stderr = tail(j.Stderr)
		out = *j
		return nil
	})
	return out, err
}

// Cancel moves a queued or running job to cancelled with a reason.
func (s *Store) Cancel(jobID, reason string) (Job, error) {
	var out Job
	err := s.mutate(jobID, func(j *Job) error {
		if j.Status != StatusQueued && j.Status != StatusRunning {
			return fmt.Errorf("cannot cancel %s job %s", j.Status, jobID)
		}
		now := time.Now().UTC()
		j.Status = StatusCancelled
		j.CompletedAt = &now
		j.Reason = reason
		out = *j
		return nil
	})
	return out, err
}

// Update applies fn to one job inside the serialized updater. Used by the
// lifecycle controller for intermediate marks (awaiting_verdict).
func (s *Store) Update(jobID string, fn func(j *Job) error) (Job, error) {
	var out Job
	err := s.mutate(jobID, func(j *Job) error {
		if err := fn(j); err != nil {
			return err
		}
		out = *j
		return nil
	})
	return out, err
}

// Get returns one job by ID.
func (s *Store) Get(jobID string) (Job, error) {
	var doc jobsDoc
	if err := s.store.Read(s.path, emptyDoc(), &doc); err != nil {
		return Job{}, err
	}
	for _, j := range doc.Jobs {
		if j.JobID == jobID {
			return j, nil
		}
	}
	return Job{}, fmt.Errorf("%w: %s", ErrNotFound, jobID)
}

// GetByStatus returns jobs with the given status, claim-ordered.
func (s *Store) GetByStatus(status Status) ([]Job, error) {
	var doc jobsDoc
	if err := s.store.Read(s.path, emptyDoc(), &doc); err != nil {
		return nil, err
	}
	var out []Job
	for _, j := range doc.Jobs {
		if j.Status == status {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return claimOrderLess(out[i], out[k]) })
	return out, nil
}

// ListRunningExternal returns running jobs with runner=external.
func (s *Store) ListRunningExternal() ([]Job, error) {
	running, err := s.GetByStatus(StatusRunning)
	if err != nil {
		return nil, err
	}
	var out []Job
	for _, j := range running {
		if j.Runner == "external" {
			out = append(out, j)
		}
	}
	return out, nil
}

// List returns every job.
func (s *Store) List() ([]Job, error) {
	var doc jobsDoc
	if err := s.store.Read(s.path, emptyDoc(), &doc); err != nil {
		return nil, err
	}
	return doc.Jobs, nil
}

// Counts aggregates jobs by status.
func (s *Store) Counts() (map[Status]int, error) {
	jobs, err := s.List()
	if err != nil {
		return nil, err
	}
	counts := map[Status]int{}
	for _, j := range jobs {
		counts[j.Status]++
	}
	return counts, nil
}

func (s *Store) mutate(jobID string, fn func(j *Job) error) error {
	return s.update(func(doc *jobsDoc) error {
		for i := range doc.Jobs {
			if doc.Jobs[i].JobID == jobID {
				return fn(&doc.Jobs[i])
			}
		}
		return fmt.Errorf("%w: %s", ErrNotFound, jobID)
	})
}

func (s *Store) update(fn func(doc *jobsDoc) error) error {
	return s.store.UpdateSerial(s.path, emptyDoc(), func(raw json.RawMessage) (any, error) {
		var doc jobsDoc
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("decode jobs: %w", err)
		}
		if doc.SchemaVersion == "" {
			doc.SchemaVersion = docSchemaVersion
		}
		if err := fn(&doc); err != nil {
			return nil, err
		}
		return doc, nil
	})
}

func tail(s string) string {
	if len(s) <= tailLimit {
		return s
	}
	return s[len(s)-tailLimit:]
}
