package server

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/danshapiro/scc/internal/board"
	"github.com/danshapiro/scc/internal/jobstore"
	"github.com/danshapiro/scc/internal/lifecycle"
	"github.com/danshapiro/scc/internal/pack"
	"github.com/danshapiro/scc/internal/worker"
)

// validID matches ULIDs and other safe identifiers. Only alphanumeric,
// dashes, and underscores are allowed.
var validID = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]{0,127}$`)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	_, counts, err := s.ctrl.Board.List(board.Filter{})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	jobCounts, err := s.ctrl.Jobs.Counts()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"tasks":  counts,
		"jobs":   jobCounts,
	})
}

func (s *Server) handleBoard(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := board.Filter{
		Status:   board.TaskStatus(q.Get("status")),
		Kind:     board.TaskKind(q.Get("kind")),
		Lane:     board.Lane(q.Get("lane")),
		ParentID: q.Get("parent"),
	}
	tasks, counts, err := s.ctrl.Board.List(filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if tasks == nil {
		tasks = []board.Task{}
	}
	writeJSON(w, http.StatusOK, BoardResponse{
		SchemaVersion: "scc.board.v1",
		Tasks:         tasks,
		Counts:        counts,
	})
}

func (s *Server) handleUpsertTask(w http.ResponseWriter, r *http.Request) {
	var t board.Task
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if strings.TrimSpace(t.Title) == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}
	task, err := s.ctrl.Board.Upsert(t)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.ctrl.Board.Get(r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleSplitTask(w http.ResponseWriter, r *http.Request) {
	var req SplitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	parent, children, err := s.ctrl.Board.Split(r.PathValue("id"), req.Children)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SplitResponse{Parent: parent, Children: children})
}

func (s *Server) handleDispatchTask(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	var req DispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	opts := lifecycle.DispatchOptions{
		Executor:         req.Executor,
		Model:            req.Model,
		Prompt:           req.Prompt,
		PriorityOverride: req.Priority,
	}
	if req.Replay {
		bundle, err := s.ctrl.Artifacts.ReadTaskFile(taskID, "replay_bundle.json")
		if err != nil {
			writeError(w, http.StatusConflict, fmt.Sprintf("task %s has no replay bundle", taskID))
			return
		}
		opts.ReplayBundle = bundle
	}
	job, err := s.ctrl.Dispatch(taskID, opts)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = "cancelled"
	}
	task, err := s.ctrl.Cancel(r.PathValue("id"), reason)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleSetPriority(w http.ResponseWriter, r *http.Request) {
	var req PriorityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	prio := -1
	if req.Priority != nil {
		if *req.Priority < 0 {
			writeError(w, http.StatusBadRequest, "priority must be >= 0")
			return
		}
		prio = *req.Priority
	}
	task, err := s.ctrl.Board.SetPriority(r.PathValue("id"), prio)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handlePools(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.ctrl.Jobs.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	executors := map[string]bool{s.cfg.DefaultExecutor: true}
	for exec := range s.cfg.ExecConcurrency {
		executors[exec] = true
	}
	for _, j := range jobs {
		executors[j.Executor] = true
	}
	for _, wk := range s.ctrl.Workers.Snapshot() {
		for _, exec := range wk.Executors {
			executors[exec] = true
		}
	}

	resp := PoolsResponse{ModelPools: s.cfg.ModelPools}
	names := make([]string, 0, len(executors))
	for exec := range executors {
		names = append(names, exec)
	}
	sort.Strings(names)
	for _, exec := range names {
		ps := PoolStatus{
			Executor:      exec,
			ActiveWorkers: len(s.ctrl.Workers.ListActive(exec)),
			Concurrency:   s.cfg.ConcurrencyFor(exec),
			MaxSpawn:      s.cfg.MaxSpawnPerTick[exec],
			MaxPrune:      s.cfg.MaxPrunePerTick[exec],
		}
		for _, j := range jobs {
			if j.Executor != exec {
				continue
			}
			switch j.Status {
			case jobstore.StatusRunning:
				ps.RunningJobs++
			case jobstore.StatusQueued:
				ps.QueuedJobs++
			}
		}
		resp.Pools = append(resp.Pools, ps)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	n := 100
	if raw := r.URL.Query().Get("n"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "n must be a non-negative integer")
			return
		}
		n = parsed
	}
	evs, err := s.ctrl.Events.Tail(n)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": evs})
}

func (s *Server) handleRegisterWorker(w http.ResponseWriter, r *http.Request) {
	var req RegisterWorkerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	wk, err := s.ctrl.Workers.Register(req.Name, req.Executors, req.Models)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, wk)
}

func (s *Server) handleWorkerHeartbeat(w http.ResponseWriter, r *http.Request) {
	workerID := r.PathValue("id")
	var req WorkerHeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.JobID != "" {
		if err := s.ctrl.Heartbeat(req.JobID, workerID); err != nil {
			s.writeDomainError(w, err)
			return
		}
	} else if _, err := s.ctrl.Workers.Heartbeat(workerID, ""); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	workerID := r.PathValue("id")
	if !validID.MatchString(workerID) {
		writeError(w, http.StatusBadRequest, "invalid worker id")
		return
	}
	executor := r.URL.Query().Get("executor")
	if executor == "" {
		writeError(w, http.StatusBadRequest, "executor is required")
		return
	}
	wait := time.Duration(0)
	if raw := r.URL.Query().Get("waitMs"); raw != "" {
		ms, err := strconv.Atoi(raw)
		if err != nil || ms < 0 {
			writeError(w, http.StatusBadRequest, "waitMs must be a non-negative integer")
			return
		}
		wait = time.Duration(ms) * time.Millisecond
	}

	job, ok, err := s.ctrl.Claim(r.Context(), executor, workerID, wait)
	if err != nil {
		if r.Context().Err() != nil {
			// Client went away mid-poll; nothing to report.
			return
		}
		s.writeDomainError(w, err)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := ClaimResponse{Job: job, ContextPackV1ID: job.ContextPackV1ID}
	if job.ContextPackV1ID != "" {
		base := "/bundle/" + job.ContextPackV1ID + "/"
		resp.BundleBaseURL = base
		rawURL := func(name string) string { return base + name + "?format=raw" }
		resp.TaskBundle = &TaskBundleURLs{
			FetchManifestRaw:  rawURL(pack.FileManifest),
			FetchPinsRaw:      rawURL(pack.FilePins),
			FetchPreflightRaw: rawURL(pack.FilePreflight),
			FetchTaskRaw:      rawURL(pack.FileTask),
		}
		if s.ctrl.Packs.HasFile(job.ContextPackV1ID, pack.FileReplayBundle) {
			resp.TaskBundle.FetchReplayBundleRaw = rawURL(pack.FileReplayBundle)
		}
		if m, err := s.ctrl.Packs.Manifest(job.ContextPackV1ID); err == nil {
			resp.Files = m.Files
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.ctrl.Jobs.Get(r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCompleteJob(w http.ResponseWriter, r *http.Request) {
	var req CompleteJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.WorkerID == "" {
		writeError(w, http.StatusBadRequest, "workerId is required")
		return
	}
	verdict, err := s.ctrl.Complete(r.PathValue("id"), lifecycle.CompleteRequest{
		WorkerID:         req.WorkerID,
		ExitCode:         req.ExitCode,
		Stdout:           req.Stdout,
		Stderr:           req.Stderr,
		AttestationNonce: req.AttestationNonce,
		SubmitRaw:        req.Submit,
		FilesSHA256:      req.FilesSHA256,
		FilesAttest:      req.FilesAttest,
		ManifestSHA256:   req.ManifestSHA256,
		ManifestAttest:   req.ManifestAttest,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, verdict)
}

// handleBundleFile serves one sealed pack file. format=raw returns the
// sealed bytes verbatim — workers hash exactly those for attestation — and
// the default JSON variant wraps them in a base64 envelope.
func (s *Server) handleBundleFile(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	if format != "" && format != "raw" && format != "json" {
		writeError(w, http.StatusBadRequest, "format must be raw or json")
		return
	}
	name := r.PathValue("file")
	b, err := s.ctrl.Packs.FetchFile(r.PathValue("packId"), name)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if format == "raw" {
		if strings.HasSuffix(name, ".json") {
			w.Header().Set("Content-Type", "application/json")
		} else {
			w.Header().Set("Content-Type", "application/octet-stream")
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(b)
		return
	}
	writeJSON(w, http.StatusOK, BundleFileResponse{
		Name:     name,
		Encoding: "base64",
		Content:  base64.StdEncoding.EncodeToString(b),
	})
}

// handleBlob streams one evidence blob from the content-addressed store.
func (s *Server) handleBlob(w http.ResponseWriter, r *http.Request) {
	rc, err := s.ctrl.Artifacts.OpenBlob(r.PathValue("digest"))
	if err != nil {
		if os.IsNotExist(err) {
			writeError(w, http.StatusNotFound, "blob not found")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	defer rc.Close()
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, rc)
}

// writeDomainError maps domain errors onto HTTP statuses.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	status := http.StatusBadRequest
	switch {
	case errors.Is(err, board.ErrNotFound),
		errors.Is(err, jobstore.ErrNotFound),
		errors.Is(err, worker.ErrNotFound),
		errors.Is(err, pack.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, board.ErrIllegalTransition),
		errors.Is(err, lifecycle.ErrNotDispatchable),
		errors.Is(err, lifecycle.ErrNotRunning),
		errors.Is(err, lifecycle.ErrWrongWorker),
		errors.Is(err, jobstore.ErrTaskHasActive),
		errors.Is(err, jobstore.ErrNotRunning),
		errors.Is(err, jobstore.ErrWorkerMism):
		status = http.StatusConflict
	}
	writeError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
