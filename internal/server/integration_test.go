package server

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
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
	"github.com/danshapiro/scc/internal/lifecycle"
	"github.com/danshapiro/scc/internal/mapref"
	"github.com/danshapiro/scc/internal/pack"
	"github.com/danshapiro/scc/internal/scheduler"
	"github.com/danshapiro/scc/internal/statestore"
	"github.com/danshapiro/scc/internal/worker"
)

type gateway struct {
	srv    *httptest.Server
	ctrl   *lifecycle.Controller
	cfg    *config.Config
	mapDir string
	t      *testing.T
}

func newGateway(t *testing.T, mutate func(cfg *config.Config)) *gateway {
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
		MaxSpawnPerTick:  map[string]int{},
		MaxPrunePerTick:  map[string]int{},
	}
	if mutate != nil {
		mutate(cfg)
	}

	mapDir := filepath.Join(root, "map")
	mapReader := mapref.NewReader(mapDir)
	mapHash := func() (string, bool) {
		hash, ok, err := mapReader.CurrentHash()
		if err != nil {
			return "", false
		}
		return hash, ok
	}

	ss := statestore.New(logger)
	brd := board.New(ss, filepath.Join(root, "state", "board.json"))
	jobs := jobstore.New(ss, filepath.Join(root, "state", "jobs_state.json"))
	workers := worker.NewRegistry(cfg.SeenWindow())
	artifactStore := artifacts.NewStore(filepath.Join(root, "artifacts"))
	evLog := events.NewLog(filepath.Join(root, "artifacts", "events.jsonl"), artifactStore.Root(), logger)
	packs := pack.NewService(filepath.Join(root, "artifacts", "packs"))
	broker := scheduler.NewBroker()

	ctrl := lifecycle.New(lifecycle.Controller{
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
		Sched:     scheduler.New(jobs, broker, cfg.ConcurrencyFor),
		Artifacts: artifactStore,
		Config:    cfg,
		MapHash:   mapHash,
		Logger:    logger,
	})

	g := &gateway{
		ctrl:   ctrl,
		cfg:    cfg,
		mapDir: mapDir,
		t:      t,
	}
	g.setMapHash("sha256:mapv1")
	g.srv = httptest.NewServer(New(cfg, ctrl, logger).Handler())
	t.Cleanup(g.srv.Close)
	return g
}

func (g *gateway) setMapHash(hash string) {
	g.t.Helper()
	if err := os.MkdirAll(g.mapDir, 0o755); err != nil {
		g.t.Fatalf("mkdir map: %v", err)
	}
	b, _ := json.Marshal(mapref.Version{SchemaVersion: "scc.map_version.v1", Hash: hash})
	if err := os.WriteFile(filepath.Join(g.mapDir, "version.json"), b, 0o644); err != nil {
		g.t.Fatalf("write version.json: %v", err)
	}
}

func (g *gateway) post(path string, body, out any) int {
	g.t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		g.t.Fatalf("marshal body: %v", err)
	}
	resp, err := http.Post(g.srv.URL+path, "application/json", bytes.NewReader(b))
	if err != nil {
		g.t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
			g.t.Fatalf("decode POST %s response: %v", path, err)
		}
	}
	return resp.StatusCode
}

func (g *gateway) get(path string, out any) int {
	g.t.Helper()
	resp, err := http.Get(g.srv.URL + path)
	if err != nil {
		g.t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
			g.t.Fatalf("decode GET %s response: %v", path, err)
		}
	}
	return resp.StatusCode
}

func (g *gateway) getRaw(path string) []byte {
	g.t.Helper()
	resp, err := http.Get(g.srv.URL + path)
	if err != nil {
		g.t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		g.t.Fatalf("GET %s: status %d", path, resp.StatusCode)
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		g.t.Fatalf("read %s: %v", path, err)
	}
	return b
}

func (g *gateway) createTask(t board.Task) board.Task {
	g.t.Helper()
	var created board.Task
	if code := g.post("/board/tasks", t, &created); code != http.StatusOK {
		g.t.Fatalf("create task: status %d", code)
	}
	return created
}

func (g *gateway) registerWorker(name string, executors ...string) worker.Worker {
	g.t.Helper()
	if len(executors) == 0 {
		executors = []string{"noop"}
	}
	var wk worker.Worker
	if code := g.post("/executor/workers/register", RegisterWorkerRequest{Name: name, Executors: executors}, &wk); code != http.StatusOK {
		g.t.Fatalf("register worker: status %d", code)
	}
	return wk
}

func (g *gateway) dispatch(taskID string) jobstore.Job {
	g.t.Helper()
	var job jobstore.Job
	if code := g.post("/board/tasks/"+taskID+"/dispatch", DispatchRequest{}, &job); code != http.StatusAccepted {
		g.t.Fatalf("dispatch %s: status %d", taskID, code)
	}
	return job
}

func (g *gateway) claim(workerID string) ClaimResponse {
	g.t.Helper()
	var resp ClaimResponse
	if code := g.get("/executor/workers/"+workerID+"/claim?executor=noop", &resp); code != http.StatusOK {
		g.t.Fatalf("claim: status %d", code)
	}
	return resp
}

func submitDoc(changed []string, passed bool, needsInput ...string) json.RawMessage {
	if changed == nil {
		changed = []string{}
	}
	b, _ := json.Marshal(contract.Submit{
		SchemaVersion: contract.SchemaSubmitV1,
		Status:        contract.SubmitDone,
		ChangedFiles:  changed,
		Tests:         contract.SubmitTests{Passed: passed},
		NeedsInput:    needsInput,
	})
	return b
}

func TestGateway_HappyPathAtomic(t *testing.T) {
	g := newGateway(t, nil)
	task := g.createTask(board.Task{
		Title:            "edit a.md",
		Role:             "executor",
		Status:           board.StatusReady,
		Files:            []string{"a.md"},
		AllowedExecutors: []string{"noop"},
		Pins:             &board.Pins{AllowedPaths: []string{"a.md"}},
	})
	wk := g.registerWorker("w1")
	g.dispatch(task.TaskID)

	claim := g.claim(wk.ID)
	if claim.ContextPackV1ID == "" || len(claim.Files) == 0 {
		t.Fatalf("claim payload missing pack: %+v", claim)
	}
	// The sealed pack is fetchable raw.
	manifest := g.getRaw("/bundle/" + claim.ContextPackV1ID + "/manifest.json?format=raw")
	if !bytes.Contains(manifest, []byte("scc.context_pack.v1")) {
		t.Fatalf("unexpected manifest: %s", manifest)
	}

	var verdict contract.Verdict
	code := g.post("/executor/jobs/"+claim.Job.JobID+"/complete", CompleteJobRequest{
		WorkerID: wk.ID,
		Submit:   submitDoc([]string{"a.md"}, true),
	}, &verdict)
	if code != http.StatusOK || verdict.Verdict != contract.VerdictPass {
		t.Fatalf("complete: status=%d verdict=%+v", code, verdict)
	}

	var got board.Task
	g.get("/board/tasks/"+task.TaskID, &got)
	if got.Status != board.StatusDone {
		t.Fatalf("task status = %s, want done", got.Status)
	}
	var job jobstore.Job
	g.get("/executor/jobs/"+claim.Job.JobID, &job)
	if job.Status != jobstore.StatusSucceeded {
		t.Fatalf("job status = %s, want succeeded", job.Status)
	}

	var evResp struct {
		Events []events.Event `json:"events"`
	}
	g.get("/events", &evResp)
	success := 0
	for _, ev := range evResp.Events {
		if ev.EventType == events.TypeSuccess && ev.TaskID == task.TaskID {
			success++
		}
	}
	if success != 1 {
		t.Fatalf("expected exactly one SUCCESS event, got %d", success)
	}
}

func TestGateway_StaleMapRetries(t *testing.T) {
	g := newGateway(t, nil)
	task := g.createTask(board.Task{Title: "edit", Status: board.StatusReady, Files: []string{"a.md"}})
	wk := g.registerWorker("w1")
	g.dispatch(task.TaskID)
	claim := g.claim(wk.ID)

	// The map was rebuilt while the worker ran.
	g.setMapHash("sha256:mapv2")

	var verdict contract.Verdict
	g.post("/executor/jobs/"+claim.Job.JobID+"/complete", CompleteJobRequest{
		WorkerID: wk.ID,
		Submit:   submitDoc([]string{"a.md"}, true),
	}, &verdict)
	if verdict.Verdict != contract.VerdictRetry || verdict.Reasons[0] != contract.ReasonStaleMap {
		t.Fatalf("expected RETRY/stale_map, got %+v", verdict)
	}

	var got board.Task
	g.get("/board/tasks/"+task.TaskID, &got)
	if got.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", got.Attempts)
	}
	// Requeued: a fresh job carries the new map hash.
	queued, _ := g.ctrl.Jobs.GetByStatus(jobstore.StatusQueued)
	if len(queued) != 1 || queued[0].TaskID != task.TaskID {
		t.Fatalf("expected a requeued job, got %+v", queued)
	}
}

func TestGateway_AttestationReplayBlocks(t *testing.T) {
	g := newGateway(t, func(cfg *config.Config) { cfg.ContextPackV1Required = true })
	task := g.createTask(board.Task{Title: "edit", Status: board.StatusReady, Files: []string{"a.md"}})
	wk := g.registerWorker("w1")
	g.dispatch(task.TaskID)
	claim := g.claim(wk.ID)
	nonce := claim.Job.Attestation.Nonce
	if nonce == "" {
		t.Fatal("claim carried no attestation nonce")
	}

	req := CompleteJobRequest{
		WorkerID:         wk.ID,
		AttestationNonce: nonce,
		Submit:           submitDoc([]string{"a.md"}, true),
		FilesSHA256:      map[string]string{},
		FilesAttest:      map[string]string{},
	}
	for _, f := range claim.Files {
		b := g.getRaw("/bundle/" + claim.ContextPackV1ID + "/" + f.Name + "?format=raw")
		raw := sha256.Sum256(b)
		bound := sha256.Sum256(append([]byte(nonce), b...))
		if f.Name == pack.FileManifest {
			req.ManifestSHA256 = hex.EncodeToString(raw[:])
			// Replay: the nonce-bound digest omits the nonce.
			req.ManifestAttest = hex.EncodeToString(raw[:])
			continue
		}
		req.FilesSHA256[f.Name] = hex.EncodeToString(raw[:])
		req.FilesAttest[f.Name] = hex.EncodeToString(bound[:])
	}
	// The manifest itself is part of the attested set too.
	mb := g.getRaw("/bundle/" + claim.ContextPackV1ID + "/manifest.json?format=raw")
	rawM := sha256.Sum256(mb)
	req.ManifestSHA256 = hex.EncodeToString(rawM[:])
	req.ManifestAttest = hex.EncodeToString(rawM[:])

	var verdict contract.Verdict
	g.post("/executor/jobs/"+claim.Job.JobID+"/complete", req, &verdict)
	if verdict.Verdict != contract.VerdictBlock || verdict.Reasons[0] != contract.ReasonAttestationMismatch {
		t.Fatalf("expected BLOCK/attestation_mismatch, got %+v", verdict)
	}

	var got board.Task
	g.get("/board/tasks/"+task.TaskID, &got)
	if got.Status != board.StatusFailed {
		t.Fatalf("task status = %s, want failed", got.Status)
	}
	var evResp struct {
		Events []events.Event `json:"events"`
	}
	g.get("/events", &evResp)
	found := false
	for _, ev := range evResp.Events {
		if ev.EventType == events.TypeExecutorError && ev.Reason == contract.ReasonAttestationMismatch {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected EXECUTOR_ERROR event, got %+v", evResp.Events)
	}
}

func TestGateway_PinsViolationBlocks(t *testing.T) {
	g := newGateway(t, nil)
	task := g.createTask(board.Task{
		Title:  "edit",
		Status: board.StatusReady,
		Pins:   &board.Pins{AllowedPaths: []string{"src/a.js"}},
	})
	wk := g.registerWorker("w1")
	g.dispatch(task.TaskID)
	claim := g.claim(wk.ID)

	var verdict contract.Verdict
	g.post("/executor/jobs/"+claim.Job.JobID+"/complete", CompleteJobRequest{
		WorkerID: wk.ID,
		Submit:   submitDoc([]string{"src/a.js", "src/secret.js"}, true),
	}, &verdict)
	if verdict.Verdict != contract.VerdictBlock || verdict.Reasons[0] != contract.ReasonPinsScope {
		t.Fatalf("expected BLOCK/pins_scope, got %+v", verdict)
	}
	var got board.Task
	g.get("/board/tasks/"+task.TaskID, &got)
	if got.Status != board.StatusFailed {
		t.Fatalf("task status = %s, want failed", got.Status)
	}
}

func TestGateway_WorkerDeathThenRecovery(t *testing.T) {
	g := newGateway(t, func(cfg *config.Config) { cfg.StaleWindowMS = 2000 })
	task := g.createTask(board.Task{Title: "edit", Status: board.StatusReady, Files: []string{"a.md"}})
	w1 := g.registerWorker("w1")
	g.dispatch(task.TaskID)
	first := g.claim(w1.ID)

	// One heartbeat, then silence.
	if code := g.post("/executor/workers/"+w1.ID+"/heartbeat", WorkerHeartbeatRequest{JobID: first.Job.JobID}, nil); code != http.StatusOK {
		t.Fatalf("heartbeat: status %d", code)
	}

	g.ctrl.SetNowFunc(func() time.Time { return time.Now().UTC().Add(5 * time.Second) })
	g.ctrl.ReapOnce()
	g.ctrl.SetNowFunc(func() time.Time { return time.Now().UTC() })

	var dead jobstore.Job
	g.get("/executor/jobs/"+first.Job.JobID, &dead)
	if dead.Status != jobstore.StatusCancelled || dead.Reason != lifecycle.ReasonWorkerDead {
		t.Fatalf("job after reap: status=%s reason=%s", dead.Status, dead.Reason)
	}
	var got board.Task
	g.get("/board/tasks/"+task.TaskID, &got)
	if got.Status != board.StatusReady {
		t.Fatalf("task after reap: %s", got.Status)
	}

	// A fresh dispatch and a healthy worker finish the task.
	g.dispatch(task.TaskID)
	w2 := g.registerWorker("w2")
	second := g.claim(w2.ID)
	if second.Job.JobID == first.Job.JobID {
		t.Fatal("reaped job must not be claimable again")
	}
	var verdict contract.Verdict
	g.post("/executor/jobs/"+second.Job.JobID+"/complete", CompleteJobRequest{
		WorkerID: w2.ID,
		Submit:   submitDoc([]string{"a.md"}, true),
	}, &verdict)
	if verdict.Verdict != contract.VerdictPass {
		t.Fatalf("expected PASS after recovery, got %+v", verdict)
	}
	g.get("/board/tasks/"+task.TaskID, &got)
	if got.Status != board.StatusDone {
		t.Fatalf("final task status = %s, want done", got.Status)
	}
}

func TestGateway_PreflightFailureNeedsInput(t *testing.T) {
	g := newGateway(t, nil)
	// No files and no pins: the dispatch-time preflight records the gap.
	task := g.createTask(board.Task{Title: "underspecified", Status: board.StatusReady})
	wk := g.registerWorker("w1")
	g.dispatch(task.TaskID)
	claim := g.claim(wk.ID)

	var verdict contract.Verdict
	g.post("/executor/jobs/"+claim.Job.JobID+"/complete", CompleteJobRequest{
		WorkerID: wk.ID,
		Submit:   submitDoc(nil, true, "README.md"),
	}, &verdict)
	if verdict.Verdict != contract.VerdictNeedInput || verdict.Reasons[0] != contract.ReasonPreflightFailed {
		t.Fatalf("expected NEED_INPUT/preflight_failed, got %+v", verdict)
	}
	if !containsString(verdict.NeedsInput, "README.md") {
		t.Fatalf("needs_input = %v, want README.md listed", verdict.NeedsInput)
	}
	var got board.Task
	g.get("/board/tasks/"+task.TaskID, &got)
	if got.Status != board.StatusNeedInput {
		t.Fatalf("task status = %s, want need_input", got.Status)
	}
}

func TestGateway_ClaimEmptyReturns204(t *testing.T) {
	g := newGateway(t, nil)
	wk := g.registerWorker("w1")
	if code := g.get("/executor/workers/"+wk.ID+"/claim?executor=noop", nil); code != http.StatusNoContent {
		t.Fatalf("empty claim: status %d, want 204", code)
	}
}

func TestGateway_SplitThenParentDerivedStatus(t *testing.T) {
	g := newGateway(t, nil)
	parent := g.createTask(board.Task{Title: "epic", Kind: board.KindParent, Status: board.StatusBacklog})

	var split SplitResponse
	code := g.post("/board/tasks/"+parent.TaskID+"/split", SplitRequest{
		Children: []board.Task{
			{Title: "part one", Files: []string{"a.md"}},
			{Title: "part two", Files: []string{"b.md"}},
		},
	}, &split)
	if code != http.StatusOK || len(split.Children) != 2 {
		t.Fatalf("split: status=%d resp=%+v", code, split)
	}
	if split.Parent.Status != board.StatusInProgress {
		t.Fatalf("parent status = %s, want in_progress", split.Parent.Status)
	}

	wk := g.registerWorker("w1")
	for _, child := range split.Children {
		g.dispatch(child.TaskID)
		claim := g.claim(wk.ID)
		var verdict contract.Verdict
		g.post("/executor/jobs/"+claim.Job.JobID+"/complete", CompleteJobRequest{
			WorkerID: wk.ID,
			Submit:   submitDoc(child.Files, true),
		}, &verdict)
		if verdict.Verdict != contract.VerdictPass {
			t.Fatalf("child %s verdict: %+v", child.TaskID, verdict)
		}
	}

	var got board.Task
	g.get("/board/tasks/"+parent.TaskID, &got)
	if got.Status != board.StatusDone {
		t.Fatalf("parent status = %s, want done after all children", got.Status)
	}
}

// Bundle files are served JSON-wrapped by default and byte-exact with
// format=raw.
func TestGateway_BundleFormats(t *testing.T) {
	g := newGateway(t, nil)
	task := g.createTask(board.Task{Title: "edit", Status: board.StatusReady, Files: []string{"a.md"}})
	wk := g.registerWorker("w1")
	g.dispatch(task.TaskID)
	claim := g.claim(wk.ID)

	raw := g.getRaw("/bundle/" + claim.ContextPackV1ID + "/manifest.json?format=raw")

	for _, path := range []string{
		"/bundle/" + claim.ContextPackV1ID + "/manifest.json",
		"/bundle/" + claim.ContextPackV1ID + "/manifest.json?format=json",
	} {
		var wrapped BundleFileResponse
		if code := g.get(path, &wrapped); code != http.StatusOK {
			t.Fatalf("GET %s: status %d", path, code)
		}
		if wrapped.Name != "manifest.json" || wrapped.Encoding != "base64" {
			t.Fatalf("envelope for %s: %+v", path, wrapped)
		}
		decoded, err := base64.StdEncoding.DecodeString(wrapped.Content)
		if err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
		if !bytes.Equal(decoded, raw) {
			t.Fatalf("wrapped content differs from raw for %s", path)
		}
	}

	if code := g.get("/bundle/"+claim.ContextPackV1ID+"/manifest.json?format=yaml", nil); code != http.StatusBadRequest {
		t.Fatalf("bogus format: status %d, want 400", code)
	}
}

// The claim payload names the raw fetch URLs for every bundle file.
func TestGateway_ClaimCarriesBundleURLs(t *testing.T) {
	g := newGateway(t, nil)
	task := g.createTask(board.Task{Title: "edit", Status: board.StatusReady, Files: []string{"a.md"}})
	wk := g.registerWorker("w1")
	g.dispatch(task.TaskID)
	claim := g.claim(wk.ID)

	if claim.TaskBundle == nil {
		t.Fatal("claim carried no task bundle URLs")
	}
	urls := map[string]string{
		"manifest":  claim.TaskBundle.FetchManifestRaw,
		"pins":      claim.TaskBundle.FetchPinsRaw,
		"preflight": claim.TaskBundle.FetchPreflightRaw,
		"task":      claim.TaskBundle.FetchTaskRaw,
	}
	for name, u := range urls {
		if u == "" {
			t.Fatalf("%s fetch URL missing: %+v", name, claim.TaskBundle)
		}
	}

	viaURL := g.getRaw(claim.TaskBundle.FetchManifestRaw)
	direct := g.getRaw("/bundle/" + claim.ContextPackV1ID + "/manifest.json?format=raw")
	if !bytes.Equal(viaURL, direct) {
		t.Fatal("fetch_manifest_raw did not serve the sealed manifest")
	}
}

// Evidence archived at completion is retrievable by digest.
func TestGateway_EvidenceBlobServed(t *testing.T) {
	g := newGateway(t, nil)
	task := g.createTask(board.Task{Title: "edit", Status: board.StatusReady, Files: []string{"a.md"}})
	wk := g.registerWorker("w1")
	g.dispatch(task.TaskID)
	claim := g.claim(wk.ID)

	if err := g.ctrl.Artifacts.WriteTaskFile(task.TaskID, "report.md", []byte("all green\n")); err != nil {
		t.Fatalf("seed report: %v", err)
	}
	submit, _ := json.Marshal(contract.Submit{
		SchemaVersion: contract.SchemaSubmitV1,
		Status:        contract.SubmitDone,
		ChangedFiles:  []string{"a.md"},
		Tests:         contract.SubmitTests{Passed: true},
		Artifacts:     contract.SubmitArtifacts{ReportMD: "report.md"},
	})
	var verdict contract.Verdict
	g.post("/executor/jobs/"+claim.Job.JobID+"/complete", CompleteJobRequest{
		WorkerID: wk.ID,
		Submit:   submit,
	}, &verdict)
	if verdict.Verdict != contract.VerdictPass {
		t.Fatalf("complete: %+v", verdict)
	}

	raw, err := g.ctrl.Artifacts.ReadTaskFile(task.TaskID, "evidence_index.json")
	if err != nil {
		t.Fatalf("read index: %v", err)
	}
	var index map[string]string
	if err := json.Unmarshal(raw, &index); err != nil {
		t.Fatalf("decode index: %v", err)
	}
	digest := index["report.md"]
	if digest == "" {
		t.Fatalf("report.md not indexed: %v", index)
	}

	if got := g.getRaw("/blobs/" + digest); string(got) != "all green\n" {
		t.Fatalf("blob content: %q", got)
	}
	missing := "0000000000000000000000000000000000000000000000000000000000000000"
	if code := g.get("/blobs/"+missing, nil); code != http.StatusNotFound {
		t.Fatalf("missing blob: status %d, want 404", code)
	}
}

func TestGateway_PoolsSnapshot(t *testing.T) {
	g := newGateway(t, func(cfg *config.Config) {
		cfg.ExecConcurrency = map[string]int{"noop": 4}
		cfg.ModelPools = map[string][]string{"free": {"m1", "m2"}}
	})
	task := g.createTask(board.Task{Title: "edit", Status: board.StatusReady, Files: []string{"a.md"}})
	g.registerWorker("w1")
	g.dispatch(task.TaskID)

	var resp PoolsResponse
	if code := g.get("/pools", &resp); code != http.StatusOK {
		t.Fatalf("pools: status %d", code)
	}
	var noop *PoolStatus
	for i := range resp.Pools {
		if resp.Pools[i].Executor == "noop" {
			noop = &resp.Pools[i]
		}
	}
	if noop == nil {
		t.Fatalf("no noop pool in %+v", resp.Pools)
	}
	if noop.ActiveWorkers != 1 || noop.QueuedJobs != 1 || noop.Concurrency != 4 {
		t.Fatalf("pool snapshot: %+v", *noop)
	}
	if len(resp.ModelPools["free"]) != 2 {
		t.Fatalf("model pools: %+v", resp.ModelPools)
	}
}

func TestGateway_CSRFBlocksForeignOrigin(t *testing.T) {
	g := newGateway(t, nil)
	body := bytes.NewReader([]byte(`{"title":"x"}`))
	req, _ := http.NewRequest(http.MethodPost, g.srv.URL+"/board/tasks", body)
	req.Header.Set("Origin", "https://evil.example.com")
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("cross-origin POST: status %d, want 403", resp.StatusCode)
	}
}

func containsString(xs []string, s string) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}
