package lifecycle

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"path/filepath"
	"testing"
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
	"github.com/danshapiro/scc/internal/statestore"
	"github.com/danshapiro/scc/internal/worker"
)

const harnessMapHash = "sha256:livemap"

type harness struct {
	ctrl    *Controller
	board   *board.Board
	jobs    *jobstore.Store
	workers *worker.Registry
	events  *events.Log
	cfg     *config.Config
}

func newHarness(t *testing.T, mutate func(cfg *config.Config)) *harness {
	t.Helper()
	root := t.TempDir()
	logger := log.New(io.Discard, "", 0)

	cfg := &config.Config{
		Port:             18788,
		Root:             root,
		DefaultExecutor:  "noop",
		MaxRetries:       3,
		ClaimWaitMaxMS:   25000,
		SeenWindowMS:     120000,
		CancelWindowMS:   60000,
		StaleWindowMS:    180000,
		ReaperIntervalMS: 5000,
		StallSeconds:     180,
		DefaultTimeoutMS: 600000,
		ExecConcurrency:  map[string]int{},
		ExecTimeoutMS:    map[string]int64{},
		ModelPools:       map[string][]string{},
	}
	if mutate != nil {
		mutate(cfg)
	}

	ss := statestore.New(logger)
	brd := board.New(ss, filepath.Join(root, "board_state.json"))
	jobs := jobstore.New(ss, filepath.Join(root, "jobs_state.json"))
	workers := worker.NewRegistry(cfg.SeenWindow())
	artifactStore := artifacts.NewStore(filepath.Join(root, "artifacts"))
	evLog := events.NewLog(filepath.Join(root, "events.jsonl"), artifactStore.Root(), logger)
	packs := pack.NewService(filepath.Join(root, "artifacts", "packs"))
	broker := scheduler.NewBroker()
	sched := scheduler.New(jobs, broker, cfg.ConcurrencyFor)
	mapHash := func() (string, bool) { return harnessMapHash, true }

	ctrl := New(Controller{
		Board:   brd,
		Jobs:    jobs,
		Workers: workers,
		Packs:   packs,
		Gates: &gates.Pipeline{
			Strict:     cfg.ContextPackV1Required,
			MapHash:    mapHash,
			Artifacts:  artifactStore,
			Events:     evLog,
			Logger:     logger,
			MaxRetries: cfg.MaxRetries,
		},
		Events:    evLog,
		Sched:     sched,
		Artifacts: artifactStore,
		Config:    cfg,
		MapHash:   mapHash,
		Logger:    logger,
	})
	return &harness{ctrl: ctrl, board: brd, jobs: jobs, workers: workers, events: evLog, cfg: cfg}
}

func (h *harness) readyTask(t *testing.T, files ...string) board.Task {
	t.Helper()
	if len(files) == 0 {
		files = []string{"a.md"}
	}
	task, err := h.board.Upsert(board.Task{
		Title:  "touch files",
		Goal:   "edit the pinned files",
		Status: board.StatusReady,
		Files:  files,
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	return task
}

func (h *harness) registerWorker(t *testing.T) worker.Worker {
	t.Helper()
	w, err := h.workers.Register("w-alpha", []string{"noop"}, nil)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	return w
}

func passingSubmit(t *testing.T, changed ...string) json.RawMessage {
	t.Helper()
	if len(changed) == 0 {
		changed = []string{"a.md"}
	}
	b, err := json.Marshal(contract.Submit{
		SchemaVersion: contract.SchemaSubmitV1,
		Status:        contract.SubmitDone,
		ChangedFiles:  changed,
		Tests:         contract.SubmitTests{Passed: true},
	})
	if err != nil {
		t.Fatalf("marshal submit: %v", err)
	}
	return b
}

func TestLifecycle_HappyPath(t *testing.T) {
	h := newHarness(t, nil)
	task := h.readyTask(t)
	w := h.registerWorker(t)

	job, err := h.ctrl.Dispatch(task.TaskID, DispatchOptions{})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if job.ContextPackV1ID == "" {
		t.Fatal("dispatch did not seal a pack")
	}
	if got, _ := h.board.Get(task.TaskID); got.Status != board.StatusDispatched {
		t.Fatalf("task status after dispatch: %s", got.Status)
	}

	claimed, ok, err := h.ctrl.Claim(context.Background(), "noop", w.ID, 0)
	if err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	if claimed.JobID != job.JobID {
		t.Fatalf("claimed wrong job: %s", claimed.JobID)
	}
	if got, _ := h.board.Get(task.TaskID); got.Status != board.StatusInProgress {
		t.Fatalf("task status after claim: %s", got.Status)
	}

	verdict, err := h.ctrl.Complete(job.JobID, CompleteRequest{
		WorkerID:  w.ID,
		SubmitRaw: passingSubmit(t),
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if verdict.Verdict != contract.VerdictPass {
		t.Fatalf("expected PASS, got %s (%v)", verdict.Verdict, verdict.Reasons)
	}

	if got, _ := h.board.Get(task.TaskID); got.Status != board.StatusDone {
		t.Fatalf("task status after pass: %s", got.Status)
	}
	final, _ := h.jobs.Get(job.JobID)
	if final.Status != jobstore.StatusSucceeded || final.AwaitingVerdict {
		t.Fatalf("job after pass: %+v", final)
	}

	evs, err := h.events.Tail(0)
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	var types []string
	for _, ev := range evs {
		types = append(types, ev.EventType)
	}
	if len(types) < 2 || types[0] != events.TypeJobClaimed || types[len(types)-1] != events.TypeSuccess {
		t.Fatalf("unexpected event sequence: %v", types)
	}
}

func TestLifecycle_RetryReenqueues(t *testing.T) {
	h := newHarness(t, nil)
	task := h.readyTask(t)
	w := h.registerWorker(t)

	job, err := h.ctrl.Dispatch(task.TaskID, DispatchOptions{})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if _, ok, _ := h.ctrl.Claim(context.Background(), "noop", w.ID, 0); !ok {
		t.Fatal("claim failed")
	}

	failing, _ := json.Marshal(contract.Submit{
		SchemaVersion: contract.SchemaSubmitV1,
		Status:        contract.SubmitFailed,
		ChangedFiles:  []string{"a.md"},
		Tests:         contract.SubmitTests{Passed: false},
	})
	verdict, err := h.ctrl.Complete(job.JobID, CompleteRequest{WorkerID: w.ID, SubmitRaw: failing})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if verdict.Verdict != contract.VerdictRetry {
		t.Fatalf("expected RETRY, got %s", verdict.Verdict)
	}

	got, _ := h.board.Get(task.TaskID)
	if got.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", got.Attempts)
	}
	// Under budget the task was re-dispatched with a fresh queued job.
	if got.Status != board.StatusDispatched {
		t.Fatalf("task status after retry: %s", got.Status)
	}
	queued, _ := h.jobs.GetByStatus(jobstore.StatusQueued)
	if len(queued) != 1 || queued[0].TaskID != task.TaskID {
		t.Fatalf("expected one requeued job, got %+v", queued)
	}
	if queued[0].JobID == job.JobID {
		t.Fatal("retry must enqueue a new job, not reuse the old record")
	}
}

// A worker reporting FAILED must never land on PASS, even when its test
// summary claims success.
func TestLifecycle_WorkerReportedFailureNeverPasses(t *testing.T) {
	h := newHarness(t, nil)
	task := h.readyTask(t)
	w := h.registerWorker(t)

	job, err := h.ctrl.Dispatch(task.TaskID, DispatchOptions{})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if _, ok, _ := h.ctrl.Claim(context.Background(), "noop", w.ID, 0); !ok {
		t.Fatal("claim failed")
	}

	contradictory, _ := json.Marshal(contract.Submit{
		SchemaVersion: contract.SchemaSubmitV1,
		Status:        contract.SubmitFailed,
		ChangedFiles:  []string{"a.md"},
		Tests:         contract.SubmitTests{Passed: true},
	})
	verdict, err := h.ctrl.Complete(job.JobID, CompleteRequest{WorkerID: w.ID, SubmitRaw: contradictory})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if verdict.Verdict != contract.VerdictRetry || verdict.Reasons[0] != contract.ReasonWorkerFailed {
		t.Fatalf("expected RETRY/worker_failed, got %s/%v", verdict.Verdict, verdict.Reasons)
	}

	j, _ := h.jobs.Get(job.JobID)
	if j.Status != jobstore.StatusFailed {
		t.Fatalf("job status = %s, want failed", j.Status)
	}
	got, _ := h.board.Get(task.TaskID)
	if got.Status == board.StatusDone {
		t.Fatal("failed submission marked the task done")
	}
	if got.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", got.Attempts)
	}
}

func TestLifecycle_WorkerNeedInput(t *testing.T) {
	h := newHarness(t, nil)
	task := h.readyTask(t)
	w := h.registerWorker(t)

	job, _ := h.ctrl.Dispatch(task.TaskID, DispatchOptions{})
	h.ctrl.Claim(context.Background(), "noop", w.ID, 0)

	asking, _ := json.Marshal(contract.Submit{
		SchemaVersion: contract.SchemaSubmitV1,
		Status:        contract.SubmitNeedInput,
		NeedsInput:    []string{"which API version?"},
		ChangedFiles:  []string{},
		Tests:         contract.SubmitTests{Passed: true},
	})
	verdict, err := h.ctrl.Complete(job.JobID, CompleteRequest{WorkerID: w.ID, SubmitRaw: asking})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if verdict.Verdict != contract.VerdictNeedInput {
		t.Fatalf("expected NEED_INPUT, got %s (%v)", verdict.Verdict, verdict.Reasons)
	}
	if got, _ := h.board.Get(task.TaskID); got.Status != board.StatusNeedInput {
		t.Fatalf("task status = %s, want need_input", got.Status)
	}
}

// Completing a job archives the named evidence files into the blob store
// and records the digest index.
func TestLifecycle_CompleteArchivesEvidence(t *testing.T) {
	h := newHarness(t, nil)
	task := h.readyTask(t)
	w := h.registerWorker(t)

	job, _ := h.ctrl.Dispatch(task.TaskID, DispatchOptions{})
	h.ctrl.Claim(context.Background(), "noop", w.ID, 0)

	store := h.ctrl.Artifacts
	if err := store.WriteTaskFile(task.TaskID, "report.md", []byte("# done\n")); err != nil {
		t.Fatalf("seed report: %v", err)
	}
	if err := store.WriteTaskFile(task.TaskID, "evidence/trace.log", []byte("trace line\n")); err != nil {
		t.Fatalf("seed trace: %v", err)
	}

	submit, _ := json.Marshal(contract.Submit{
		SchemaVersion: contract.SchemaSubmitV1,
		Status:        contract.SubmitDone,
		ChangedFiles:  []string{"a.md"},
		Tests:         contract.SubmitTests{Passed: true},
		Artifacts: contract.SubmitArtifacts{
			ReportMD:    "report.md",
			EvidenceDir: "evidence",
		},
	})
	verdict, err := h.ctrl.Complete(job.JobID, CompleteRequest{WorkerID: w.ID, SubmitRaw: submit})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if verdict.Verdict != contract.VerdictPass {
		t.Fatalf("expected PASS, got %s (%v)", verdict.Verdict, verdict.Reasons)
	}

	raw, err := store.ReadTaskFile(task.TaskID, "evidence_index.json")
	if err != nil {
		t.Fatalf("read index: %v", err)
	}
	var index map[string]string
	if err := json.Unmarshal(raw, &index); err != nil {
		t.Fatalf("decode index: %v", err)
	}
	for _, name := range []string{"report.md", "evidence/trace.log"} {
		if index[name] == "" {
			t.Fatalf("evidence %s not indexed: %v", name, index)
		}
	}

	rc, err := store.OpenBlob(index["report.md"])
	if err != nil {
		t.Fatalf("open blob: %v", err)
	}
	defer rc.Close()
	b, _ := io.ReadAll(rc)
	if string(b) != "# done\n" {
		t.Fatalf("blob content: %q", b)
	}
}

func TestLifecycle_RetryBudgetExhausted(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) { cfg.MaxRetries = 1 })
	task := h.readyTask(t)
	w := h.registerWorker(t)

	job, _ := h.ctrl.Dispatch(task.TaskID, DispatchOptions{})
	h.ctrl.Claim(context.Background(), "noop", w.ID, 0)

	failing, _ := json.Marshal(contract.Submit{
		SchemaVersion: contract.SchemaSubmitV1,
		Status:        contract.SubmitFailed,
		ChangedFiles:  []string{"a.md"},
		Tests:         contract.SubmitTests{Passed: false},
	})
	if _, err := h.ctrl.Complete(job.JobID, CompleteRequest{WorkerID: w.ID, SubmitRaw: failing}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	got, _ := h.board.Get(task.TaskID)
	if got.Status != board.StatusFailed {
		t.Fatalf("task status = %s, want failed", got.Status)
	}
	if queued, _ := h.jobs.GetByStatus(jobstore.StatusQueued); len(queued) != 0 {
		t.Fatalf("no requeue expected at budget, got %+v", queued)
	}
}

func TestLifecycle_PreflightFailureNeedsInput(t *testing.T) {
	h := newHarness(t, nil)
	w := h.registerWorker(t)
	// No files and no pins: preflight records the missing input.
	task, err := h.board.Upsert(board.Task{Title: "underspecified", Status: board.StatusReady})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	job, err := h.ctrl.Dispatch(task.TaskID, DispatchOptions{})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	h.ctrl.Claim(context.Background(), "noop", w.ID, 0)

	verdict, err := h.ctrl.Complete(job.JobID, CompleteRequest{WorkerID: w.ID, SubmitRaw: passingSubmit(t)})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if verdict.Verdict != contract.VerdictNeedInput {
		t.Fatalf("expected NEED_INPUT, got %s (%v)", verdict.Verdict, verdict.Reasons)
	}
	if got, _ := h.board.Get(task.TaskID); got.Status != board.StatusNeedInput {
		t.Fatalf("task status = %s, want need_input", got.Status)
	}
}

func TestLifecycle_PinsViolationBlocks(t *testing.T) {
	h := newHarness(t, nil)
	task := h.readyTask(t, "docs/a.md")
	w := h.registerWorker(t)

	job, _ := h.ctrl.Dispatch(task.TaskID, DispatchOptions{})
	h.ctrl.Claim(context.Background(), "noop", w.ID, 0)

	verdict, err := h.ctrl.Complete(job.JobID, CompleteRequest{
		WorkerID:  w.ID,
		SubmitRaw: passingSubmit(t, "docs/a.md", "src/outside.go"),
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if verdict.Verdict != contract.VerdictBlock || verdict.Reasons[0] != contract.ReasonPinsScope {
		t.Fatalf("expected BLOCK/pins_scope, got %s/%v", verdict.Verdict, verdict.Reasons)
	}
	if got, _ := h.board.Get(task.TaskID); got.Status != board.StatusFailed {
		t.Fatalf("task status = %s, want failed", got.Status)
	}
}

func TestLifecycle_CompleteGuards(t *testing.T) {
	h := newHarness(t, nil)
	task := h.readyTask(t)
	w := h.registerWorker(t)

	job, _ := h.ctrl.Dispatch(task.TaskID, DispatchOptions{})
	h.ctrl.Claim(context.Background(), "noop", w.ID, 0)

	if _, err := h.ctrl.Complete(job.JobID, CompleteRequest{WorkerID: "worker-other", SubmitRaw: passingSubmit(t)}); err == nil {
		t.Fatal("expected wrong-worker rejection")
	}
	if _, err := h.ctrl.Complete(job.JobID, CompleteRequest{WorkerID: w.ID, SubmitRaw: passingSubmit(t)}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	// Terminal jobs reject further completions.
	if _, err := h.ctrl.Complete(job.JobID, CompleteRequest{WorkerID: w.ID, SubmitRaw: passingSubmit(t)}); err == nil {
		t.Fatal("expected not-running rejection")
	}
}

func TestLifecycle_DispatchGuards(t *testing.T) {
	h := newHarness(t, nil)

	parent, err := h.board.Upsert(board.Task{Title: "epic", Kind: board.KindParent, Status: board.StatusBacklog})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := h.ctrl.Dispatch(parent.TaskID, DispatchOptions{}); err == nil {
		t.Fatal("parents must not dispatch")
	}

	backlog, _ := h.board.Upsert(board.Task{Title: "later", Status: board.StatusBacklog, Files: []string{"a.md"}})
	if _, err := h.ctrl.Dispatch(backlog.TaskID, DispatchOptions{}); err == nil {
		t.Fatal("backlog tasks must not dispatch")
	}

	pinned, _ := h.board.Upsert(board.Task{
		Title:            "pinned",
		Status:           board.StatusReady,
		Files:            []string{"a.md"},
		AllowedExecutors: []string{"rust"},
	})
	if _, err := h.ctrl.Dispatch(pinned.TaskID, DispatchOptions{Executor: "noop"}); err == nil {
		t.Fatal("executor outside the allow-list must be rejected")
	}
	job, err := h.ctrl.Dispatch(pinned.TaskID, DispatchOptions{})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if job.Executor != "rust" {
		t.Fatalf("executor = %s, want rust from the allow-list", job.Executor)
	}
}

func TestLifecycle_CancelStopsActiveJob(t *testing.T) {
	h := newHarness(t, nil)
	task := h.readyTask(t)
	w := h.registerWorker(t)

	job, _ := h.ctrl.Dispatch(task.TaskID, DispatchOptions{})
	h.ctrl.Claim(context.Background(), "noop", w.ID, 0)

	got, err := h.ctrl.Cancel(task.TaskID, "operator")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.Status != board.StatusCancelled {
		t.Fatalf("task status = %s, want cancelled", got.Status)
	}
	j, _ := h.jobs.Get(job.JobID)
	if j.Status != jobstore.StatusCancelled || j.Reason != "operator" {
		t.Fatalf("job after cancel: %+v", j)
	}
}

func TestReaper_TimeoutBeatsWorkerDead(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.ExecTimeoutMS = map[string]int64{"noop": 50}
		cfg.StaleWindowMS = 10
	})
	task := h.readyTask(t)
	w := h.registerWorker(t)

	job, _ := h.ctrl.Dispatch(task.TaskID, DispatchOptions{})
	if _, ok, _ := h.ctrl.Claim(context.Background(), "noop", w.ID, 0); !ok {
		t.Fatal("claim failed")
	}

	// Both the deadline and the stale window have elapsed; timeout wins.
	h.ctrl.SetNowFunc(func() time.Time { return time.Now().UTC().Add(time.Second) })
	h.ctrl.ReapOnce()

	j, _ := h.jobs.Get(job.JobID)
	if j.Status != jobstore.StatusCancelled || j.Reason != ReasonTimeout {
		t.Fatalf("job after reap: status=%s reason=%s", j.Status, j.Reason)
	}
	got, _ := h.board.Get(task.TaskID)
	if got.Status != board.StatusReady || got.Attempts != 1 {
		t.Fatalf("task after reap: status=%s attempts=%d", got.Status, got.Attempts)
	}

	evs, _ := h.events.Tail(1)
	if len(evs) != 1 || evs[0].EventType != events.TypeJobTimeout {
		t.Fatalf("expected JOB_TIMEOUT event, got %+v", evs)
	}
}

func TestReaper_SilentWorkerIsDead(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.StaleWindowMS = 10
	})
	task := h.readyTask(t)
	w := h.registerWorker(t)

	job, _ := h.ctrl.Dispatch(task.TaskID, DispatchOptions{})
	if _, ok, _ := h.ctrl.Claim(context.Background(), "noop", w.ID, 0); !ok {
		t.Fatal("claim failed")
	}

	// Heartbeats stopped; the deadline (10 minutes) is nowhere near.
	h.ctrl.SetNowFunc(func() time.Time { return time.Now().UTC().Add(time.Second) })
	h.ctrl.ReapOnce()

	j, _ := h.jobs.Get(job.JobID)
	if j.Status != jobstore.StatusCancelled || j.Reason != ReasonWorkerDead {
		t.Fatalf("job after reap: status=%s reason=%s", j.Status, j.Reason)
	}
	if got, _ := h.board.Get(task.TaskID); got.Status != board.StatusReady {
		t.Fatalf("task after reap: %s", got.Status)
	}
	evs, _ := h.events.Tail(1)
	if len(evs) != 1 || evs[0].EventType != events.TypeWorkerDead {
		t.Fatalf("expected WORKER_DEAD event, got %+v", evs)
	}
}

func TestReaper_HealthyJobUntouched(t *testing.T) {
	h := newHarness(t, nil)
	task := h.readyTask(t)
	w := h.registerWorker(t)

	job, _ := h.ctrl.Dispatch(task.TaskID, DispatchOptions{})
	h.ctrl.Claim(context.Background(), "noop", w.ID, 0)
	if err := h.ctrl.Heartbeat(job.JobID, w.ID); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	h.ctrl.ReapOnce()

	j, _ := h.jobs.Get(job.JobID)
	if j.Status != jobstore.StatusRunning {
		t.Fatalf("healthy job was reaped: %+v", j)
	}
}

func TestGCPacks_KeepsLivePacks(t *testing.T) {
	h := newHarness(t, nil)
	task := h.readyTask(t)

	job, err := h.ctrl.Dispatch(task.TaskID, DispatchOptions{})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	removed, err := h.ctrl.GCPacks()
	if err != nil {
		t.Fatalf("gc: %v", err)
	}
	if removed != 0 {
		t.Fatalf("gc removed %d live packs", removed)
	}
	if _, err := h.ctrl.Packs.FetchFile(job.ContextPackV1ID, pack.FileManifest); err != nil {
		t.Fatalf("live pack vanished: %v", err)
	}
}
