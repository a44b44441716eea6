package gates

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/danshapiro/scc/internal/contract"
	"github.com/danshapiro/scc/internal/events"
)

// backfill writes the artifacts permissive mode tolerates being absent.
// Every file is content-deterministic — derived only from the task, job,
// pins, and preflight inputs, with job.createdAt as the sole timestamp — and
// written only when missing, so re-running gates on identical inputs leaves
// byte-identical artifacts behind.
func (p *Pipeline) backfill(in Input) error {
	taskID := in.Task.TaskID
	backfilled := []string{}

	put := func(name string, content []byte) error {
		if p.Artifacts.TaskFileExists(taskID, name) {
			return nil
		}
		if err := p.Artifacts.WriteTaskFile(taskID, name, content); err != nil {
			return fmt.Errorf("backfill %s: %w", name, err)
		}
		backfilled = append(backfilled, name)
		return nil
	}

	if err := put("patch.diff", []byte{}); err != nil {
		return err
	}
	report := fmt.Sprintf("# Task %s\n\nNo report was submitted; placeholder generated by the contract runner.\n", taskID)
	if err := put("report.md", []byte(report)); err != nil {
		return err
	}

	eventRow, err := marshalLine(events.Event{
		SchemaVersion: contract.SchemaEventV1,
		T:             in.Job.CreatedAt,
		EventType:     events.TypeSuccess,
		TaskID:        taskID,
		Executor:      in.Job.Executor,
		Model:         in.Job.Model,
		Reason:        "contracts_backfill",
	})
	if err != nil {
		return err
	}
	if err := put("events.jsonl", eventRow); err != nil {
		return err
	}

	created := in.Job.CreatedAt
	replay, err := marshalLine(contract.ReplayBundle{
		SchemaVersion: contract.SchemaReplayBundleV1,
		TaskID:        taskID,
		JobID:         in.Job.JobID,
		Executor:      in.Job.Executor,
		Model:         in.Job.Model,
		ContextPackID: in.Job.ContextPackV1ID,
		CreatedAt:     &created,
	})
	if err != nil {
		return err
	}
	if err := put("replay_bundle.json", replay); err != nil {
		return err
	}

	preflight := in.Preflight
	if preflight.SchemaVersion == "" {
		preflight.SchemaVersion = contract.SchemaPreflightV1
	}
	preflightJSON, err := marshalLine(preflight)
	if err != nil {
		return err
	}
	if err := put("preflight.json", preflightJSON); err != nil {
		return err
	}

	pins := in.Pins
	if pins.SchemaVersion == "" {
		pins.SchemaVersion = contract.SchemaPinsRequestV1
	}
	pinsJSON, err := marshalLine(pins)
	if err != nil {
		return err
	}
	if err := put("pins/pins.json", pinsJSON); err != nil {
		return err
	}

	sort.Strings(backfilled)
	record, err := marshalLine(backfillRecord{
		SchemaVersion: "scc.contracts_backfill.v1",
		TaskID:        taskID,
		JobID:         in.Job.JobID,
		T:             in.Job.CreatedAt,
		Backfilled:    backfilled,
	})
	if err != nil {
		return err
	}
	return put("contracts_backfill.json", record)
}

type backfillRecord struct {
	SchemaVersion string    `json:"schema_version"`
	TaskID        string    `json:"task_id"`
	JobID         string    `json:"job_id"`
	T             time.Time `json:"t"`
	Backfilled    []string  `json:"backfilled"`
}

func marshalLine(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}
