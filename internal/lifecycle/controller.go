// Package lifecycle drives tasks and jobs through their state machines. The
// controller is the only code that moves tasks between statuses in response
// to dispatch, claim, completion, and reaping; handlers stay thin.
package lifecycle

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/danshapiro/scc/internal/artifacts"
	"github.com/danshapiro/scc/internal/board"
	"github.com/danshapiro/scc/internal/config"
	"github.com/danshapiro/scc/internal/contract"
	"github.com/danshapiro/scc/internal/events"
	"github.com/danshapiro/scc/internal/gates"
	"github.com/danshapiro/scc/internal/jobstore"
	"github.com/danshapiro/scc/internal/pack"
	"github.com/danshapiro/scc/internal/scheduler"
	"github.com/danshapiro/scc/internal/worker"
)

var (
	ErrNotDispatchable = errors.New("task is not dispatchable")
	ErrNotRunning      = errors.New("job is not running")
	ErrWrongWorker     = errors.New("job belongs to a different worker")
)

// Controller wires the stores, scheduler, pack service, and gate pipeline
// into the task/job lifecycle.
type Controller struct {
	Board     *board.Board
	Jobs      *jobstore.Store
	Workers   *worker.Registry
	Packs     *pack.Service
	Gates     *gates.Pipeline
	Events    *events.Log
	Sched     *scheduler.Scheduler
	Artifacts *artifacts.Store
	Config    *config.Config
	// MapHash resolves the current SSOT map hash for pin construction.
	MapHash func() (string, bool)
	Logger  *log.Logger

	now func() time.Time
}

// New creates a Controller. All fields are required except MapHash, which
// defaults to "no map built".
func New(c Controller) *Controller {
	if c.MapHash == nil {
		c.MapHash = func() (string, bool) { return "", false }
	}
	c.now = func() time.Time { return time.Now().UTC() }
	return &c
}

// SetNowFunc overrides the clock for tests.
func (c *Controller) SetNowFunc(now func() time.Time) { c.now = now }

// DispatchOptions are the per-dispatch overrides accepted by the API.
type DispatchOptions struct {
	Executor string
	Model    string
	Prompt   string
	// PriorityOverride replaces the lane default outright when set.
	PriorityOverride *int
	// ReplayBundle selects the replay dispatch path: the bundle is sealed
	// into the pack so the worker can reproduce the prior run.
	ReplayBundle []byte
}

// Dispatch seals a context pack for a ready atomic task, enqueues a job, and
// moves the task to dispatched.
func (c *Controller) Dispatch(taskID string, opts DispatchOptions) (jobstore.Job, error) {
	task, err := c.Board.Get(taskID)
	if err != nil {
		return jobstore.Job{}, err
	}
	if task.Kind != board.KindAtomic {
		return jobstore.Job{}, fmt.Errorf("%w: %s is a parent; split it first", ErrNotDispatchable, taskID)
	}
	if task.Status != board.StatusReady {
		return jobstore.Job{}, fmt.Errorf("%w: %s is %s", ErrNotDispatchable, taskID, task.Status)
	}

	executor, err := c.resolveExecutor(task, opts.Executor)
	if err != nil {
		return jobstore.Job{}, err
	}
	model, err := c.resolveModel(task, opts.Model)
	if err != nil {
		return jobstore.Job{}, err
	}

	pins := c.pinsFor(task)
	preflight := preflightFor(task)
	packID, err := c.Packs.Build(pack.BuildInput{
		Task:         task,
		Pins:         pins,
		Preflight:    preflight,
		ReplayBundle: opts.ReplayBundle,
	})
	if err != nil {
		return jobstore.Job{}, fmt.Errorf("build pack: %w", err)
	}

	job, err := c.Jobs.Enqueue(jobstore.Job{
		TaskID:          taskID,
		Executor:        executor,
		Model:           model,
		Prompt:          opts.Prompt,
		Runner:          string(task.Runner),
		Priority:        board.ComputeJobPriorityForTask(task, opts.PriorityOverride),
		Attempt:         task.Attempts,
		TimeoutMs:       c.Config.TimeoutFor(executor),
		ContextPackV1ID: packID,
	})
	if err != nil {
		return jobstore.Job{}, err
	}

	if _, err := c.Board.Transition(taskID, board.StatusDispatched); err != nil {
		// Another actor raced the task out of ready; roll the job back.
		_, _ = c.Jobs.Cancel(job.JobID, "dispatch_raced")
		return jobstore.Job{}, err
	}

	c.Sched.Broker().Wake(executor)
	return job, nil
}

// Claim hands a queued job to a worker, long-polling up to wait. The task
// moves to in_progress and a JOB_CLAIMED event is logged.
func (c *Controller) Claim(ctx context.Context, executor, workerID string, wait time.Duration) (jobstore.Job, bool, error) {
	w, err := c.Workers.Get(workerID)
	if err != nil {
		return jobstore.Job{}, false, err
	}
	if max := c.Config.ClaimWaitMax(); wait > max {
		wait = max
	}

	job, ok, err := c.Sched.Claim(ctx, executor, workerID, w.Models, wait)
	if err != nil || !ok {
		return jobstore.Job{}, false, err
	}

	if _, err := c.Board.Transition(job.TaskID, board.StatusInProgress); err != nil {
		c.Logger.Printf("claim: task %s transition failed: %v", job.TaskID, err)
	}
	if _, err := c.Workers.Heartbeat(workerID, job.JobID); err != nil {
		c.Logger.Printf("claim: worker %s heartbeat failed: %v", workerID, err)
	}
	c.Events.Append(events.Event{
		EventType: events.TypeJobClaimed,
		TaskID:    job.TaskID,
		Executor:  job.Executor,
		Model:     job.Model,
		Details:   map[string]any{"job_id": job.JobID, "worker_id": workerID},
	})
	return job, true, nil
}

// Heartbeat records liveness for a running job and its worker.
func (c *Controller) Heartbeat(jobID, workerID string) error {
	if err := c.Jobs.Heartbeat(jobID, workerID); err != nil {
		return err
	}
	if _, err := c.Workers.Heartbeat(workerID, jobID); err != nil {
		c.Logger.Printf("heartbeat: worker %s: %v", workerID, err)
	}
	return nil
}

// CompleteRequest is everything a worker reports when a job finishes.
type CompleteRequest struct {
	WorkerID         string
	ExitCode         int
	Stdout           string
	Stderr           string
	AttestationNonce string
	// SubmitRaw is the submit document exactly as produced by the worker.
	SubmitRaw json.RawMessage
	// Client-computed pack file digests: raw sha256 and nonce-bound sha256.
	FilesSHA256    map[string]string
	FilesAttest    map[string]string
	ManifestSHA256 string
	ManifestAttest string
}

// Complete runs the gate pipeline over a finished job and applies the
// verdict to the job and its task.
func (c *Controller) Complete(jobID string, req CompleteRequest) (contract.Verdict, error) {
	job, err := c.Jobs.Get(jobID)
	if err != nil {
		return contract.Verdict{}, err
	}
	if job.Status != jobstore.StatusRunning {
		return contract.Verdict{}, fmt.Errorf("%w: %s is %s", ErrNotRunning, jobID, job.Status)
	}
	if job.WorkerID != req.WorkerID {
		return contract.Verdict{}, fmt.Errorf("%w: %s", ErrWrongWorker, jobID)
	}
	task, err := c.Board.Get(job.TaskID)
	if err != nil {
		return contract.Verdict{}, err
	}

	// Park the job awaiting verdict so a crash between here and the terminal
	// write leaves a diagnosable state.
	job, err = c.Jobs.Update(jobID, func(j *jobstore.Job) error {
		j.AwaitingVerdict = true
		j.ExitCode = &req.ExitCode
		j.Stdout = req.Stdout
		j.Stderr = req.Stderr
		return nil
	})
	if err != nil {
		return contract.Verdict{}, err
	}

	var verdict contract.Verdict
	if c.Gates.Strict && !nonceMatches(req.AttestationNonce, job.Attestation.Nonce) {
		verdict = contract.Verdict{
			SchemaVersion: contract.SchemaVerdictV1,
			Verdict:       contract.VerdictBlock,
			Reasons:       []string{contract.ReasonAttestationMismatch},
			Actions:       []string{contract.ActionBlock},
		}
	} else {
		in, err := c.gateInput(task, job, req)
		if err != nil {
			return contract.Verdict{}, err
		}
		verdict, err = c.Gates.Evaluate(in)
		if err != nil {
			return contract.Verdict{}, fmt.Errorf("gates: %w", err)
		}
	}

	c.persistSubmission(task.TaskID, req.SubmitRaw, verdict)
	var sub contract.Submit
	if json.Unmarshal(req.SubmitRaw, &sub) == nil {
		c.archiveEvidence(task.TaskID, sub)
	}
	if err := c.applyVerdict(task, job, req, verdict); err != nil {
		return contract.Verdict{}, err
	}
	return verdict, nil
}

func nonceMatches(got, want string) bool {
	if want == "" || len(got) != len(want) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(strings.ToLower(got)), []byte(want)) == 1
}

// gateInput assembles the pipeline input: the submit document, the sealed
// pack bytes, and the client attestation material.
func (c *Controller) gateInput(task board.Task, job jobstore.Job, req CompleteRequest) (gates.Input, error) {
	in := gates.Input{
		Task:           task,
		Job:            job,
		SubmitRaw:      req.SubmitRaw,
		ClientSHA256:   req.FilesSHA256,
		ClientAttest:   req.FilesAttest,
		ManifestSHA256: req.ManifestSHA256,
		ManifestAttest: req.ManifestAttest,
	}
	// A malformed document still flows through: the schema gate rejects it.
	_ = json.Unmarshal(req.SubmitRaw, &in.Submit)

	if job.ContextPackV1ID != "" {
		in.PackFiles = map[string][]byte{}
		for _, name := range []string{pack.FileManifest, pack.FileTask, pack.FilePins, pack.FilePreflight, pack.FileReplayBundle} {
			b, err := c.Packs.FetchFile(job.ContextPackV1ID, name)
			if errors.Is(err, pack.ErrNotFound) {
				continue
			}
			if err != nil {
				return gates.Input{}, fmt.Errorf("pack %s: %w", name, err)
			}
			in.PackFiles[name] = b
		}
		if b, ok := in.PackFiles[pack.FilePins]; ok {
			_ = json.Unmarshal(b, &in.Pins)
		}
		if b, ok := in.PackFiles[pack.FilePreflight]; ok {
			_ = json.Unmarshal(b, &in.Preflight)
		}
	} else {
		in.Pins = c.pinsFor(task)
		in.Preflight = preflightFor(task)
	}
	return in, nil
}

// persistSubmission archives the submit and verdict documents in the task's
// artifact tree. Best-effort, like event writes.
func (c *Controller) persistSubmission(taskID string, submitRaw []byte, verdict contract.Verdict) {
	if len(submitRaw) > 0 {
		if err := c.Artifacts.WriteTaskFile(taskID, "submit.json", submitRaw); err != nil {
			c.Logger.Printf("archive submit.json for %s: %v", taskID, err)
		}
	}
	b, err := json.MarshalIndent(verdict, "", "  ")
	if err == nil {
		err = c.Artifacts.WriteTaskFile(taskID, "verdict.json", append(b, '\n'))
	}
	if err != nil {
		c.Logger.Printf("archive verdict.json for %s: %v", taskID, err)
	}
}

// archiveEvidence copies the submission's referenced artifacts into the
// blob CAS and records name -> digest in evidence_index.json, so identical
// evidence across retries is stored once. Best-effort, like event writes.
func (c *Controller) archiveEvidence(taskID string, sub contract.Submit) {
	var names []string
	for _, n := range []string{
		sub.Artifacts.ReportMD,
		sub.Artifacts.SelftestLog,
		sub.Artifacts.PatchDiff,
		sub.Artifacts.EvidenceDir,
	} {
		if strings.TrimSpace(n) != "" {
			names = append(names, n)
		}
	}
	if len(names) == 0 {
		return
	}
	index, err := c.Artifacts.IngestEvidence(taskID, names)
	if err != nil {
		c.Logger.Printf("evidence for %s: %v", taskID, err)
		return
	}
	if len(index) == 0 {
		return
	}
	b, err := json.MarshalIndent(index, "", "  ")
	if err == nil {
		err = c.Artifacts.WriteTaskFile(taskID, "evidence_index.json", append(b, '\n'))
	}
	if err != nil {
		c.Logger.Printf("evidence index for %s: %v", taskID, err)
	}
}

// applyVerdict maps the verdict onto job and task state and logs the
// matching event.
func (c *Controller) applyVerdict(task board.Task, job jobstore.Job, req CompleteRequest, verdict contract.Verdict) error {
	reason := ""
	if len(verdict.Reasons) > 0 {
		reason = verdict.Reasons[0]
	}
	v := verdict
	record := func(j *jobstore.Job) {
		j.AwaitingVerdict = false
		j.Verdict = &v
		j.Reason = reason
		j.ResultSHA256 = req.FilesSHA256
		var sub contract.Submit
		if json.Unmarshal(req.SubmitRaw, &sub) == nil {
			j.Submit = &sub
		}
	}

	switch verdict.Verdict {
	case contract.VerdictPass:
		if _, err := c.Jobs.Complete(job.JobID, jobstore.StatusSucceeded, record); err != nil {
			return err
		}
		if _, err := c.Board.Transition(task.TaskID, board.StatusDone); err != nil {
			return err
		}
		c.event(events.TypeSuccess, task, job, "")
		return nil

	case contract.VerdictRetry:
		if _, err := c.Jobs.Complete(job.JobID, jobstore.StatusFailed, record); err != nil {
			return err
		}
		c.event(eventTypeForReason(reason), task, job, reason)
		return c.requeueOrFail(task, job, reason)

	case contract.VerdictNeedInput:
		if _, err := c.Jobs.Complete(job.JobID, jobstore.StatusFailed, record); err != nil {
			return err
		}
		if _, err := c.Board.Transition(task.TaskID, board.StatusNeedInput); err != nil {
			return err
		}
		c.event(eventTypeForReason(reason), task, job, reason)
		return nil

	default: // BLOCK
		if _, err := c.Jobs.Complete(job.JobID, jobstore.StatusFailed, record); err != nil {
			return err
		}
		if _, err := c.Board.Transition(task.TaskID, board.StatusFailed); err != nil {
			return err
		}
		c.event(eventTypeForReason(reason), task, job, reason)
		return nil
	}
}

// requeueOrFail applies the retry budget: under budget the task returns to
// ready and an equivalent job is enqueued; at budget it fails.
func (c *Controller) requeueOrFail(task board.Task, job jobstore.Job, reason string) error {
	attempts, err := c.Board.IncrementAttempts(task.TaskID)
	if err != nil {
		return err
	}
	if attempts >= c.Config.MaxRetries {
		_, err := c.Board.Transition(task.TaskID, board.StatusFailed)
		return err
	}
	if _, err := c.Board.Transition(task.TaskID, board.StatusReady); err != nil {
		return err
	}
	prio := job.Priority
	if _, err := c.Dispatch(task.TaskID, DispatchOptions{
		Executor:         job.Executor,
		Model:            job.Model,
		Prompt:           job.Prompt,
		PriorityOverride: &prio,
	}); err != nil {
		c.Logger.Printf("requeue %s after %s: %v", task.TaskID, reason, err)
	}
	return nil
}

// Cancel cancels a task and whatever job is active for it.
func (c *Controller) Cancel(taskID, reason string) (board.Task, error) {
	task, err := c.Board.Transition(taskID, board.StatusCancelled)
	if err != nil {
		return board.Task{}, err
	}
	jobs, err := c.Jobs.List()
	if err != nil {
		return task, err
	}
	for _, j := range jobs {
		if j.TaskID == taskID && !j.Status.Terminal() {
			if _, err := c.Jobs.Cancel(j.JobID, reason); err != nil {
				c.Logger.Printf("cancel job %s: %v", j.JobID, err)
			}
		}
	}
	return task, nil
}

// GCPacks removes pack directories no longer referenced by a non-terminal
// job.
func (c *Controller) GCPacks() (int, error) {
	jobs, err := c.Jobs.List()
	if err != nil {
		return 0, err
	}
	live := map[string]bool{}
	for _, j := range jobs {
		if !j.Status.Terminal() && j.ContextPackV1ID != "" {
			live[j.ContextPackV1ID] = true
		}
	}
	return c.Packs.GC(live)
}

func (c *Controller) event(eventType string, task board.Task, job jobstore.Job, reason string) {
	c.Events.Append(events.Event{
		EventType: eventType,
		TaskID:    task.TaskID,
		ParentID:  task.Pointers.ParentID,
		Role:      task.Role,
		Area:      task.Area,
		Executor:  job.Executor,
		Model:     job.Model,
		Reason:    reason,
		Details:   map[string]any{"job_id": job.JobID},
	})
}

func eventTypeForReason(reason string) string {
	switch reason {
	case contract.ReasonTestsFailed:
		return events.TypeCIFailed
	case contract.ReasonPinsScope:
		return events.TypePinsInsufficient
	case contract.ReasonPreflightFailed:
		return events.TypePreflightFailed
	case contract.ReasonAttestationMismatch, contract.ReasonWorkerFailed:
		return events.TypeExecutorError
	default:
		return events.TypeCIFailed
	}
}

// resolveExecutor picks the job executor: explicit request first, then the
// task's allow-list, then the mission default. A requested executor outside
// a non-empty allow-list is rejected.
func (c *Controller) resolveExecutor(task board.Task, requested string) (string, error) {
	if requested != "" {
		if len(task.AllowedExecutors) > 0 && !contains(task.AllowedExecutors, requested) {
			return "", fmt.Errorf("executor %q not allowed for task %s", requested, task.TaskID)
		}
		return requested, nil
	}
	if len(task.AllowedExecutors) > 0 {
		return task.AllowedExecutors[0], nil
	}
	return c.Config.DefaultExecutor, nil
}

// resolveModel picks the job model and expands pool references. Empty means
// the worker's default.
func (c *Controller) resolveModel(task board.Task, requested string) (string, error) {
	model := requested
	if model == "" && len(task.AllowedModels) > 0 {
		model = task.AllowedModels[0]
	}
	if model == "" {
		return "", nil
	}
	if requested != "" && len(task.AllowedModels) > 0 && !strings.HasPrefix(requested, "pool:") && !contains(task.AllowedModels, requested) {
		return "", fmt.Errorf("model %q not allowed for task %s", requested, task.TaskID)
	}
	return c.Config.ResolveModel(model)
}

// pinsFor derives the pin spec for dispatch: the task's explicit pins when
// present, otherwise its files list, always stamped with the current map
// hash.
func (c *Controller) pinsFor(task board.Task) contract.PinsRequest {
	pins := contract.PinsRequest{
		SchemaVersion: contract.SchemaPinsRequestV1,
		AllowedPaths:  []string{},
	}
	if task.Pins != nil {
		pins.AllowedPaths = append(pins.AllowedPaths, task.Pins.AllowedPaths...)
		for _, w := range task.Pins.Windows {
			pins.Windows = append(pins.Windows, contract.PinsWindow{
				Path:      w.Path,
				StartLine: w.StartLine,
				EndLine:   w.EndLine,
			})
		}
	} else {
		pins.AllowedPaths = append(pins.AllowedPaths, task.Files...)
	}
	if hash, ok := c.MapHash(); ok {
		pins.MapRef.Hash = hash
	}
	return pins
}

// preflightFor validates the task has the inputs a worker needs before any
// executor time is spent on it.
func preflightFor(task board.Task) contract.Preflight {
	pf := contract.Preflight{SchemaVersion: contract.SchemaPreflightV1, Pass: true}
	if strings.TrimSpace(task.Goal) == "" && strings.TrimSpace(task.Title) == "" {
		pf.Missing.Fields = append(pf.Missing.Fields, "goal")
	}
	if len(task.Files) == 0 && (task.Pins == nil || len(task.Pins.AllowedPaths) == 0) {
		pf.Missing.Fields = append(pf.Missing.Fields, "files")
	}
	if len(pf.Missing.Fields) > 0 || len(pf.Missing.Files) > 0 {
		pf.Pass = false
	}
	return pf
}

func contains(xs []string, s string) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}
