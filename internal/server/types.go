package server

import (
	"encoding/json"

	"github.com/danshapiro/scc/internal/board"
	"github.com/danshapiro/scc/internal/jobstore"
	"github.com/danshapiro/scc/internal/pack"
)

// BoardResponse is the GET /board snapshot.
type BoardResponse struct {
	SchemaVersion string       `json:"schema_version"`
	Tasks         []board.Task `json:"tasks"`
	Counts        board.Counts `json:"counts"`
}

// SplitRequest is the POST /board/tasks/{id}/split body.
type SplitRequest struct {
	Children []board.Task `json:"children"`
}

// SplitResponse returns the derived parent and the created children.
type SplitResponse struct {
	Parent   board.Task   `json:"parent"`
	Children []board.Task `json:"children"`
}

// DispatchRequest is the POST /board/tasks/{id}/dispatch body. All fields are
// optional overrides.
type DispatchRequest struct {
	Executor string `json:"executor,omitempty"`
	Model    string `json:"model,omitempty"`
	Prompt   string `json:"prompt,omitempty"`
	Priority *int   `json:"priority,omitempty"`
	// Replay re-dispatches from the task's recorded replay bundle.
	Replay bool `json:"replay,omitempty"`
}

// CancelRequest is the POST /board/tasks/{id}/cancel body.
type CancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

// PriorityRequest is the POST /board/tasks/{id}/priority body. A null
// priority clears the override.
type PriorityRequest struct {
	Priority *int `json:"priority"`
}

// RegisterWorkerRequest is the POST /executor/workers/register body.
type RegisterWorkerRequest struct {
	Name      string   `json:"name"`
	Executors []string `json:"executors"`
	Models    []string `json:"models,omitempty"`
}

// WorkerHeartbeatRequest is the POST /executor/workers/{id}/heartbeat body.
type WorkerHeartbeatRequest struct {
	JobID string `json:"job_id,omitempty"`
}

// TaskBundleURLs names the raw fetch endpoint for each sealed pack file.
// Workers hash exactly the bytes these URLs return.
type TaskBundleURLs struct {
	FetchManifestRaw     string `json:"fetch_manifest_raw"`
	FetchPinsRaw         string `json:"fetch_pins_raw"`
	FetchPreflightRaw    string `json:"fetch_preflight_raw"`
	FetchTaskRaw         string `json:"fetch_task_raw"`
	FetchReplayBundleRaw string `json:"fetch_replay_bundle_raw,omitempty"`
}

// ClaimResponse is returned when a claim succeeds. Files lists the sealed
// pack contents so the worker can fetch and attest each one.
type ClaimResponse struct {
	Job             jobstore.Job         `json:"job"`
	ContextPackV1ID string               `json:"context_pack_v1_id,omitempty"`
	BundleBaseURL   string               `json:"bundle_base_url,omitempty"`
	TaskBundle      *TaskBundleURLs      `json:"taskBundle,omitempty"`
	Files           []pack.ManifestEntry `json:"files,omitempty"`
}

// BundleFileResponse is the JSON-wrapped variant of a pack file. Content is
// base64 so wrapped fetches survive JSON transcoding; attestation hashing
// still requires the raw variant.
type BundleFileResponse struct {
	Name     string `json:"name"`
	Encoding string `json:"encoding"`
	Content  string `json:"content"`
}

// CompleteJobRequest is the POST /executor/jobs/{id}/complete body.
type CompleteJobRequest struct {
	WorkerID         string          `json:"workerId"`
	ExitCode         int             `json:"exit_code"`
	Stdout           string          `json:"stdout,omitempty"`
	Stderr           string          `json:"stderr,omitempty"`
	AttestationNonce string          `json:"attestation_nonce,omitempty"`
	Submit           json.RawMessage `json:"submit"`

	// Per-file digests of the pack bytes as fetched by the worker: raw
	// sha256 and nonce-bound sha256(nonce || bytes).
	FilesSHA256    map[string]string `json:"task_bundle_files_sha256,omitempty"`
	FilesAttest    map[string]string `json:"task_bundle_files_attest_sha256,omitempty"`
	ManifestSHA256 string            `json:"context_pack_v1_json_sha256,omitempty"`
	ManifestAttest string            `json:"context_pack_v1_json_attest_sha256,omitempty"`
}

// PoolStatus is one executor's row in the GET /pools response.
type PoolStatus struct {
	Executor      string `json:"executor"`
	ActiveWorkers int    `json:"active_workers"`
	RunningJobs   int    `json:"running_jobs"`
	QueuedJobs    int    `json:"queued_jobs"`
	Concurrency   int    `json:"concurrency,omitempty"`
	MaxSpawn      int    `json:"max_spawn_per_tick,omitempty"`
	MaxPrune      int    `json:"max_prune_per_tick,omitempty"`
}

// PoolsResponse is the GET /pools body.
type PoolsResponse struct {
	Pools      []PoolStatus        `json:"pools"`
	ModelPools map[string][]string `json:"model_pools,omitempty"`
}

// ErrorResponse is a standard error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
