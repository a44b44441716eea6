// Package events appends domain events to JSONL logs. Writes are
// best-effort: a failed event write is logged and never blocks the state
// transition that produced it.
package events

import (
	"bufio"
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/danshapiro/scc/internal/contract"
)

// Event types emitted by the lifecycle controller and gate pipeline.
const (
	TypeJobClaimed       = "JOB_CLAIMED"
	TypeSuccess          = "SUCCESS"
	TypeCIFailed         = "CI_FAILED"
	TypeExecutorError    = "EXECUTOR_ERROR"
	TypePinsInsufficient = "PINS_INSUFFICIENT"
	TypePreflightFailed  = "PREFLIGHT_FAILED"
	TypeJobTimeout       = "JOB_TIMEOUT"
	TypeWorkerDead       = "WORKER_DEAD"

	// TypeAttestationSkipped is the warning row written when the attestation
	// gate is bypassed because context_pack_v1_required is disabled.
	TypeAttestationSkipped = "ATTESTATION_SKIPPED"
)

// Event is one scc.event.v1 row.
type Event struct {
	SchemaVersion string         `json:"schema_version"`
	T             time.Time      `json:"t"`
	EventType     string         `json:"event_type"`
	TaskID        string         `json:"task_id,omitempty"`
	ParentID      string         `json:"parent_id,omitempty"`
	Role          string         `json:"role,omitempty"`
	Area          string         `json:"area,omitempty"`
	Executor      string         `json:"executor,omitempty"`
	Model         string         `json:"model,omitempty"`
	Reason        string         `json:"reason,omitempty"`
	Details       map[string]any `json:"details,omitempty"`
}

// Log is the append-only global event log plus per-task mirrors under the
// artifact tree.
type Log struct {
	mu           sync.Mutex
	path         string
	artifactRoot string
	logger       *log.Logger
}

// NewLog creates a Log writing the global stream to path and per-task
// mirrors to <artifactRoot>/<taskId>/events.jsonl. artifactRoot may be empty
// to disable mirrors.
func NewLog(path, artifactRoot string, logger *log.Logger) *Log {
	return &Log{path: path, artifactRoot: artifactRoot, logger: logger}
}

// Append writes one event row. Failures are logged, never returned.
func (l *Log) Append(ev Event) {
	if ev.SchemaVersion == "" {
		ev.SchemaVersion = contract.SchemaEventV1
	}
	if ev.T.IsZero() {
		ev.T = time.Now().UTC()
	}
	b, err := json.Marshal(ev)
	if err != nil {
		l.logger.Printf("event encode failed: %v", err)
		return
	}
	line := append(b, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := appendLine(l.path, line); err != nil {
		l.logger.Printf("event append failed: %v", err)
	}
	if l.artifactRoot != "" && ev.TaskID != "" {
		mirror := filepath.Join(l.artifactRoot, ev.TaskID, "events.jsonl")
		if err := appendLine(mirror, line); err != nil {
			l.logger.Printf("event mirror append failed: %v", err)
		}
	}
}

// Tail returns up to n most recent events from the global log.
func (l *Log) Tail(n int) ([]Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var all []Event
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			// Skip torn rows; the log is best-effort by contract.
			continue
		}
		all = append(all, ev)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if n > 0 && len(all) > n {
		all = all[len(all)-n:]
	}
	return all, nil
}

func appendLine(path string, line []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
