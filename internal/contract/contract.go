// Package contract defines the schema-versioned documents exchanged between
// the gateway, workers, and the release tool, plus their JSON Schemas.
package contract

import "time"

const (
	SchemaSubmitV1       = "scc.submit.v1"
	SchemaEventV1        = "scc.event.v1"
	SchemaVerdictV1      = "scc.verdict.v1"
	SchemaReplayBundleV1 = "scc.replay_bundle.v1"
	SchemaPinsRequestV1  = "scc.pins_request.v1"
	SchemaContextPackV1  = "scc.context_pack.v1"
	SchemaPreflightV1    = "scc.preflight.v1"
)

// Submit statuses reported by a worker.
const (
	SubmitDone      = "DONE"
	SubmitFailed    = "FAILED"
	SubmitNeedInput = "NEED_INPUT"
)

// Verdicts emitted by the gate pipeline.
const (
	VerdictPass      = "PASS"
	VerdictRetry     = "RETRY"
	VerdictNeedInput = "NEED_INPUT"
	VerdictBlock     = "BLOCK"
)

// Verdict actions.
const (
	ActionRetry     = "retry"
	ActionEscalate  = "escalate"
	ActionNeedInput = "need_input"
	ActionBlock     = "block"
)

// Gate reason codes.
const (
	ReasonAttestationMismatch = "attestation_mismatch"
	ReasonSchema              = "schema"
	ReasonStaleMap            = "stale_map"
	ReasonPreflightFailed     = "preflight_failed"
	ReasonPinsScope           = "pins_scope"
	ReasonEventsMissing       = "events_missing"
	ReasonTestsFailed         = "tests_failed"
	ReasonWorkerFailed        = "worker_failed"
	ReasonReplayMissing       = "replay_missing"
)

// SubmitTests reports the worker's test run.
type SubmitTests struct {
	Commands []string `json:"commands,omitempty"`
	Passed   bool     `json:"passed"`
	Summary  string   `json:"summary,omitempty"`
}

// SubmitArtifacts holds repo-relative paths to the artifacts the worker
// produced under its task directory.
type SubmitArtifacts struct {
	ReportMD    string `json:"report_md,omitempty"`
	SelftestLog string `json:"selftest_log,omitempty"`
	EvidenceDir string `json:"evidence_dir,omitempty"`
	PatchDiff   string `json:"patch_diff,omitempty"`
	SubmitJSON  string `json:"submit_json,omitempty"`
}

// Submit is the worker-supplied record of a job outcome.
type Submit struct {
	SchemaVersion string          `json:"schema_version"`
	Status        string          `json:"status"`
	ReasonCode    string          `json:"reason_code,omitempty"`
	ChangedFiles  []string        `json:"changed_files"`
	Tests         SubmitTests     `json:"tests"`
	Artifacts     SubmitArtifacts `json:"artifacts"`
	ExitCode      int             `json:"exit_code"`
	NeedsInput    []string        `json:"needs_input,omitempty"`
}

// Verdict is the gate pipeline's decision for one completed submission.
// NeedsInput mirrors preflight.missing and submit.needs_input when the
// verdict is NEED_INPUT.
type Verdict struct {
	SchemaVersion string   `json:"schema_version"`
	Verdict       string   `json:"verdict"`
	Reasons       []string `json:"reasons"`
	Actions       []string `json:"actions"`
	NeedsInput    []string `json:"needs_input,omitempty"`
}

// PinsMapRef names the SSOT map snapshot the pins were computed against.
type PinsMapRef struct {
	Hash string `json:"hash"`
}

// PinsWindow restricts a pin to a line range within one file.
type PinsWindow struct {
	Path      string `json:"path"`
	StartLine int    `json:"start_line"`
	EndLine   int    `json:"end_line"`
}

// PinsRequest is the pin spec shipped in a context pack.
type PinsRequest struct {
	SchemaVersion string       `json:"schema_version"`
	MapRef        PinsMapRef   `json:"map_ref"`
	AllowedPaths  []string     `json:"allowed_paths"`
	Windows       []PinsWindow `json:"windows,omitempty"`
}

// PreflightMissing enumerates inputs the preflight validator found absent.
type PreflightMissing struct {
	Files  []string `json:"files,omitempty"`
	Fields []string `json:"fields,omitempty"`
}

// Preflight is the prior preflight result shipped in a context pack.
type Preflight struct {
	SchemaVersion string           `json:"schema_version"`
	Pass          bool             `json:"pass"`
	Missing       PreflightMissing `json:"missing,omitempty"`
}

// ReplayBundle is a self-contained record from which the release tool can
// re-dispatch an equivalent job deterministically.
type ReplayBundle struct {
	SchemaVersion string            `json:"schema_version"`
	TaskID        string            `json:"task_id"`
	JobID         string            `json:"job_id,omitempty"`
	Executor      string            `json:"executor,omitempty"`
	Model         string            `json:"model,omitempty"`
	ContextPackID string            `json:"context_pack_v1_id,omitempty"`
	Artifacts     map[string]string `json:"artifacts,omitempty"`
	CreatedAt     *time.Time        `json:"createdAt,omitempty"`
}
