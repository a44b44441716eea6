package gates

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/danshapiro/scc/internal/contract"
	"github.com/danshapiro/scc/internal/events"
	"github.com/danshapiro/scc/internal/pack"
)

// stageAttestation verifies that the worker read the pack it was handed:
// for each pack file, both the raw sha256 and the nonce-bound
// sha256(nonce || bytes) must match server-computed values.
func (p *Pipeline) stageAttestation(in Input) (*contract.Verdict, error) {
	if !p.Strict {
		p.Logger.Printf("gate attestation skipped: context_pack_v1_required disabled (job %s)", in.Job.JobID)
		if p.Events != nil {
			p.Events.Append(events.Event{
				EventType: events.TypeAttestationSkipped,
				TaskID:    in.Task.TaskID,
				Executor:  in.Job.Executor,
				Model:     in.Job.Model,
				Reason:    "context_pack_v1_required disabled",
				Details:   map[string]any{"job_id": in.Job.JobID},
			})
		}
		return nil, nil
	}

	nonce := in.Job.Attestation.Nonce
	if nonce == "" {
		return reject(contract.VerdictBlock, contract.ReasonAttestationMismatch), nil
	}

	manifestBytes, ok := in.PackFiles[pack.FileManifest]
	if !ok {
		return reject(contract.VerdictBlock, contract.ReasonAttestationMismatch), nil
	}
	if !attested(nonce, manifestBytes, in.ManifestSHA256, in.ManifestAttest) {
		return reject(contract.VerdictBlock, contract.ReasonAttestationMismatch), nil
	}

	for name, b := range in.PackFiles {
		if name == pack.FileManifest {
			continue
		}
		if !attested(nonce, b, in.ClientSHA256[name], in.ClientAttest[name]) {
			return reject(contract.VerdictBlock, contract.ReasonAttestationMismatch), nil
		}
	}
	return nil, nil
}

// attested compares client-supplied raw and nonce-bound digests against
// server-computed values in constant time.
func attested(nonce string, content []byte, gotRaw, gotAttest string) bool {
	if gotRaw == "" || gotAttest == "" {
		return false
	}
	raw := sha256.Sum256(content)
	bound := sha256.New()
	bound.Write([]byte(nonce))
	bound.Write(content)

	wantRaw := hex.EncodeToString(raw[:])
	wantAttest := hex.EncodeToString(bound.Sum(nil))

	rawOK := subtle.ConstantTimeCompare([]byte(strings.ToLower(gotRaw)), []byte(wantRaw)) == 1
	attestOK := subtle.ConstantTimeCompare([]byte(strings.ToLower(gotAttest)), []byte(wantAttest)) == 1
	return rawOK && attestOK
}

// stageSchema validates the submit document and, in strict mode, requires
// every referenced artifact to exist on disk.
func (p *Pipeline) stageSchema(in Input) (*contract.Verdict, error) {
	if err := contract.ValidateSubmit(in.SubmitRaw); err != nil {
		return reject(contract.VerdictBlock, contract.ReasonSchema), nil
	}
	if p.Strict {
		for _, name := range artifactPaths(in.Submit.Artifacts) {
			if !p.Artifacts.TaskFileExists(in.Task.TaskID, name) {
				return reject(contract.VerdictBlock, contract.ReasonSchema), nil
			}
		}
	}
	return nil, nil
}

func artifactPaths(a contract.SubmitArtifacts) []string {
	var out []string
	for _, name := range []string{a.ReportMD, a.SelftestLog, a.PatchDiff, a.SubmitJSON} {
		if strings.TrimSpace(name) != "" {
			out = append(out, name)
		}
	}
	return out
}

// stageSSOTMap rejects submissions pinned against a superseded map.
func (p *Pipeline) stageSSOTMap(in Input) (*contract.Verdict, error) {
	current, ok := p.MapHash()
	if !ok {
		if p.Strict {
			return reject(contract.VerdictRetry, contract.ReasonStaleMap), nil
		}
		p.Logger.Printf("gate ssot_map: no map built; passing in permissive mode (job %s)", in.Job.JobID)
		return nil, nil
	}
	if in.Pins.MapRef.Hash != current {
		return reject(contract.VerdictRetry, contract.ReasonStaleMap), nil
	}
	return nil, nil
}

// stagePreflight surfaces prior preflight failures, and worker-reported
// NEED_INPUT submissions, as NEED_INPUT, mirroring the missing inputs onto
// the verdict.
func (p *Pipeline) stagePreflight(in Input) (*contract.Verdict, error) {
	if in.Preflight.Pass && in.Submit.Status != contract.SubmitNeedInput {
		return nil, nil
	}
	v := reject(contract.VerdictNeedInput, contract.ReasonPreflightFailed)
	v.NeedsInput = append(v.NeedsInput, in.Preflight.Missing.Files...)
	v.NeedsInput = append(v.NeedsInput, in.Preflight.Missing.Fields...)
	v.NeedsInput = append(v.NeedsInput, in.Submit.NeedsInput...)
	return v, nil
}

// stagePins enforces that every changed or new file falls inside the pinned
// write scope. Allowed paths are exact names or doublestar globs.
func (p *Pipeline) stagePins(in Input) (*contract.Verdict, error) {
	for _, changed := range in.Submit.ChangedFiles {
		if !pathAllowed(changed, in.Pins.AllowedPaths) {
			return reject(contract.VerdictBlock, contract.ReasonPinsScope), nil
		}
	}
	return nil, nil
}

func pathAllowed(p string, allowed []string) bool {
	for _, pattern := range allowed {
		if p == pattern {
			return true
		}
		if ok, err := doublestar.Match(pattern, p); err == nil && ok {
			return true
		}
	}
	return false
}

// stageEvents requires at least one logged event row for the task. Strict
// mode only; permissive runs synthesize the row during backfill.
func (p *Pipeline) stageEvents(in Input) (*contract.Verdict, error) {
	if !p.Strict {
		return nil, nil
	}
	ok, err := p.hasEventRow(in.Task.TaskID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return reject(contract.VerdictRetry, contract.ReasonEventsMissing), nil
	}
	return nil, nil
}

func (p *Pipeline) hasEventRow(taskID string) (bool, error) {
	b, err := p.Artifacts.ReadTaskFile(taskID, "events.jsonl")
	if err != nil {
		return false, nil // missing file is a gate rejection, not an error
	}
	sc := bufio.NewScanner(bytes.NewReader(b))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var row struct {
			TaskID string `json:"task_id"`
		}
		if err := json.Unmarshal([]byte(line), &row); err != nil {
			continue
		}
		if row.TaskID == taskID {
			return true, nil
		}
	}
	return false, nil
}

// stageTests rejects submissions the worker itself reported as failed, then
// submissions whose test run failed. A PASS verdict therefore always carries
// submit status DONE.
func (p *Pipeline) stageTests(in Input) (*contract.Verdict, error) {
	if in.Submit.Status == contract.SubmitFailed {
		return reject(contract.VerdictRetry, contract.ReasonWorkerFailed), nil
	}
	if !in.Submit.Tests.Passed {
		return reject(contract.VerdictRetry, contract.ReasonTestsFailed), nil
	}
	return nil, nil
}

// stageReplay requires a minimal, valid replay bundle so the release tool
// can re-dispatch deterministically.
func (p *Pipeline) stageReplay(in Input) (*contract.Verdict, error) {
	b, err := p.Artifacts.ReadTaskFile(in.Task.TaskID, "replay_bundle.json")
	if err != nil {
		return reject(contract.VerdictRetry, contract.ReasonReplayMissing), nil
	}
	if err := contract.ValidateReplayBundle(b); err != nil {
		return reject(contract.VerdictRetry, contract.ReasonReplayMissing), nil
	}
	return nil, nil
}
