// Package gates runs the ordered quality-gate pipeline over a completed
// submission and emits a verdict. Gate rejections are values, never errors:
// only infrastructure failures (I/O while reading artifacts) surface as
// errors, leaving the job recoverable in its awaiting-verdict state.
package gates

import (
	"fmt"
	"log"

	"github.com/danshapiro/scc/internal/artifacts"
	"github.com/danshapiro/scc/internal/board"
	"github.com/danshapiro/scc/internal/contract"
	"github.com/danshapiro/scc/internal/events"
	"github.com/danshapiro/scc/internal/jobstore"
)

// Pipeline evaluates submissions in strict or permissive mode.
type Pipeline struct {
	// Strict selects fail-closed behavior: attestation is mandatory and
	// missing artifacts reject instead of being backfilled.
	Strict bool

	// MapHash returns the current SSOT map hash; ok=false when no map has
	// been built.
	MapHash func() (hash string, ok bool)

	Artifacts *artifacts.Store
	// Events receives the attestation-skipped warning row in permissive
	// mode. Optional; nil disables the warning event.
	Events *events.Log
	Logger *log.Logger

	MaxRetries int
}

// Input carries everything the pipeline consumes for one submission.
type Input struct {
	Task board.Task
	Job  jobstore.Job

	// SubmitRaw is the worker's submit document as received; Submit is its
	// decoded form.
	SubmitRaw []byte
	Submit    contract.Submit

	// Pack state, server side. PackFiles maps pack file names to the exact
	// bytes served to the worker.
	PackFiles map[string][]byte
	Pins      contract.PinsRequest
	Preflight contract.Preflight

	// Client attestation material from the completion request.
	ClientSHA256   map[string]string
	ClientAttest   map[string]string
	ManifestSHA256 string
	ManifestAttest string
}

type stage struct {
	name string
	run  func(p *Pipeline, in Input) (*contract.Verdict, error)
}

// Stage order is part of the contract: the first non-PASS verdict wins.
var stages = []stage{
	{"attestation", (*Pipeline).stageAttestation},
	{"schema", (*Pipeline).stageSchema},
	{"ssot_map", (*Pipeline).stageSSOTMap},
	{"preflight", (*Pipeline).stagePreflight},
	{"pins", (*Pipeline).stagePins},
	{"events", (*Pipeline).stageEvents},
	{"tests", (*Pipeline).stageTests},
	{"replay", (*Pipeline).stageReplay},
}

// Evaluate runs every stage in order and returns the final verdict. In
// permissive mode, missing artifacts are deterministically backfilled before
// the artifact-sensitive stages run.
func (p *Pipeline) Evaluate(in Input) (contract.Verdict, error) {
	if !p.Strict {
		if err := p.backfill(in); err != nil {
			return contract.Verdict{}, fmt.Errorf("backfill: %w", err)
		}
	}
	for _, st := range stages {
		v, err := st.run(p, in)
		if err != nil {
			return contract.Verdict{}, fmt.Errorf("gate %s: %w", st.name, err)
		}
		if v != nil {
			return *v, nil
		}
	}
	return pass(), nil
}

func pass() contract.Verdict {
	return contract.Verdict{
		SchemaVersion: contract.SchemaVerdictV1,
		Verdict:       contract.VerdictPass,
		Reasons:       []string{},
		Actions:       []string{},
	}
}

func reject(verdict, reason string) *contract.Verdict {
	v := contract.Verdict{
		SchemaVersion: contract.SchemaVerdictV1,
		Verdict:       verdict,
		Reasons:       []string{reason},
		Actions:       []string{},
	}
	switch verdict {
	case contract.VerdictRetry:
		v.Actions = []string{contract.ActionRetry}
	case contract.VerdictNeedInput:
		v.Actions = []string{contract.ActionNeedInput}
	case contract.VerdictBlock:
		v.Actions = []string{contract.ActionBlock}
	}
	return &v
}
