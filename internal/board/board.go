// Package board is the durable source of truth for tasks. Tasks are created
// by upsert/split, mutated by lifecycle transitions only, and never deleted.
package board

import (
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/danshapiro/scc/internal/statestore"
)

var (
	ErrNotFound          = errors.New("task not found")
	ErrIllegalTransition = errors.New("illegal task transition")
)

const docSchemaVersion = "scc.board.v1"

type boardDoc struct {
	SchemaVersion string `json:"schema_version"`
	Tasks         []Task `json:"tasks"`
}

func emptyDoc() boardDoc {
	return boardDoc{SchemaVersion: docSchemaVersion, Tasks: []Task{}}
}

// Board persists tasks through the state store.
type Board struct {
	store *statestore.Store
	path  string
}

// New creates a Board backed by the JSON file at path.
func New(store *statestore.Store, path string) *Board {
	return &Board{store: store, path: path}
}

// NewTaskID returns a fresh task identifier.
func NewTaskID() string {
	return "task-" + strings.ToLower(ulid.Make().String())
}

// List returns tasks matching the filter plus status counts over the whole
// board (counts ignore the filter so the snapshot always shows global load).
func (b *Board) List(f Filter) ([]Task, Counts, error) {
	var doc boardDoc
	if err := b.store.Read(b.path, emptyDoc(), &doc); err != nil {
		return nil, nil, err
	}
	counts := Counts{}
	var out []Task
	for _, t := range doc.Tasks {
		counts[t.Status]++
		if f.matches(t) {
			out = append(out, t)
		}
	}
	return out, counts, nil
}

// Get returns one task by ID.
func (b *Board) Get(id string) (Task, error) {
	var doc boardDoc
	if err := b.store.Read(b.path, emptyDoc(), &doc); err != nil {
		return Task{}, err
	}
	for _, t := range doc.Tasks {
		if t.TaskID == id {
			return t, nil
		}
	}
	return Task{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Upsert inserts or replaces a task. New tasks default to kind=atomic,
// lane=mainlane, status=backlog. Unknown lanes and absolute or escaping
// file paths are rejected.
func (b *Board) Upsert(t Task) (Task, error) {
	if strings.TrimSpace(t.TaskID) == "" {
		t.TaskID = NewTaskID()
	}
	if t.Kind == "" {
		t.Kind = KindAtomic
	}
	if t.Kind != KindParent && t.Kind != KindAtomic {
		return Task{}, fmt.Errorf("invalid task kind: %q", t.Kind)
	}
	lane, err := NormalizeLane(t.Lane)
	if err != nil {
		return Task{}, err
	}
	t.Lane = lane
	if t.Status == "" {
		t.Status = StatusBacklog
	}
	if t.Runner == "" {
		t.Runner = RunnerInternal
	}
	if t.Runner != RunnerInternal && t.Runner != RunnerExternal {
		return Task{}, fmt.Errorf("invalid runner: %q", t.Runner)
	}
	if err := validatePaths(t.Files); err != nil {
		return Task{}, fmt.Errorf("files: %w", err)
	}
	if t.Pins != nil {
		if err := validatePaths(t.Pins.AllowedPaths); err != nil {
			return Task{}, fmt.Errorf("pins.allowed_paths: %w", err)
		}
	}

	now := time.Now().UTC()
	err = b.update(func(doc *boardDoc) error {
		for i := range doc.Tasks {
			if doc.Tasks[i].TaskID == t.TaskID {
				t.CreatedAt = doc.Tasks[i].CreatedAt
				t.UpdatedAt = now
				doc.Tasks[i] = t
				return nil
			}
		}
		t.CreatedAt = now
		t.UpdatedAt = now
		doc.Tasks = append(doc.Tasks, t)
		return nil
	})
	if err != nil {
		return Task{}, err
	}
	return t, nil
}

// Split creates atomic children under a parent. The parent's status becomes
// derived from its children immediately.
func (b *Board) Split(parentID string, children []Task) (Task, []Task, error) {
	if len(children) == 0 {
		return Task{}, nil, fmt.Errorf("split requires at least one child")
	}
	now := time.Now().UTC()
	var parent Task
	created := make([]Task, 0, len(children))

	err := b.update(func(doc *boardDoc) error {
		pi := -1
		for i := range doc.Tasks {
			if doc.Tasks[i].TaskID == parentID {
				pi = i
				break
			}
		}
		if pi < 0 {
			return fmt.Errorf("%w: %s", ErrNotFound, parentID)
		}
		if doc.Tasks[pi].Kind != KindParent {
			return fmt.Errorf("task %s is not a parent", parentID)
		}

		created = created[:0]
		for _, c := range children {
			c.Kind = KindAtomic
			c.Pointers.ParentID = parentID
			if strings.TrimSpace(c.TaskID) == "" {
				c.TaskID = NewTaskID()
			}
			// A child with no lane inherits the parent's before the
			// empty-means-mainlane normalization can claim it.
			if c.Lane == "" {
				c.Lane = doc.Tasks[pi].Lane
			}
			lane, err := NormalizeLane(c.Lane)
			if err != nil {
				return err
			}
			c.Lane = lane
			if c.Status == "" {
				c.Status = StatusReady
			}
			if c.Runner == "" {
				c.Runner = doc.Tasks[pi].Runner
			}
			if err := validatePaths(c.Files); err != nil {
				return fmt.Errorf("child %s files: %w", c.TaskID, err)
			}
			if c.Pins != nil {
				if err := validatePaths(c.Pins.AllowedPaths); err != nil {
					return fmt.Errorf("child %s pins.allowed_paths: %w", c.TaskID, err)
				}
			}
			c.CreatedAt = now
			c.UpdatedAt = now
			doc.Tasks = append(doc.Tasks, c)
			created = append(created, c)
		}

		refreshParentLocked(doc, pi, now)
		parent = doc.Tasks[pi]
		return nil
	})
	if err != nil {
		return Task{}, nil, err
	}
	return parent, created, nil
}

// Transition moves a task along one of the allowed arrows. Parents never
// transition directly; their status is derived from children.
func (b *Board) Transition(id string, to TaskStatus) (Task, error) {
	now := time.Now().UTC()
	var out Task
	err := b.update(func(doc *boardDoc) error {
		i := indexOf(doc, id)
		if i < 0 {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		t := doc.Tasks[i]
		if t.Kind == KindParent && (to == StatusInProgress || to == StatusDone) {
			return fmt.Errorf("%w: parent %s cannot move to %s directly", ErrIllegalTransition, id, to)
		}
		if !transitionAllowed(t.Status, to) {
			return fmt.Errorf("%w: %s: %s -> %s", ErrIllegalTransition, id, t.Status, to)
		}
		doc.Tasks[i].Status = to
		doc.Tasks[i].UpdatedAt = now
		if to == StatusReady && (t.Status == StatusFailed || t.Status == StatusNeedInput) {
			// Retry arrow: attempts were already counted at verdict time.
		}
		if pid := t.Pointers.ParentID; pid != "" {
			if pi := indexOf(doc, pid); pi >= 0 {
				refreshParentLocked(doc, pi, now)
			}
		}
		out = doc.Tasks[i]
		return nil
	})
	return out, err
}

// IncrementAttempts bumps the retry counter for a task.
func (b *Board) IncrementAttempts(id string) (int, error) {
	attempts := 0
	err := b.update(func(doc *boardDoc) error {
		i := indexOf(doc, id)
		if i < 0 {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		doc.Tasks[i].Attempts++
		doc.Tasks[i].UpdatedAt = time.Now().UTC()
		attempts = doc.Tasks[i].Attempts
		return nil
	})
	return attempts, err
}

// SetPriority sets or clears (prio < 0) a task's explicit priority override.
func (b *Board) SetPriority(id string, prio int) (Task, error) {
	var out Task
	err := b.update(func(doc *boardDoc) error {
		i := indexOf(doc, id)
		if i < 0 {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if prio < 0 {
			doc.Tasks[i].Priority = nil
		} else {
			p := prio
			doc.Tasks[i].Priority = &p
		}
		doc.Tasks[i].UpdatedAt = time.Now().UTC()
		out = doc.Tasks[i]
		return nil
	})
	return out, err
}

// ComputeJobPriorityForTask resolves the effective job priority: an explicit
// override (argument first, then the task's stored override) replaces the
// lane default.
func ComputeJobPriorityForTask(t Task, override *int) int {
	if override != nil {
		return *override
	}
	if t.Priority != nil {
		return *t.Priority
	}
	switch t.Lane {
	case LaneFast:
		return PriorityFastlane
	case LaneBatch:
		return PriorityBatchlane
	default:
		return PriorityMainlane
	}
}

// NormalizeLane maps the empty lane to mainlane and rejects unknown lanes.
func NormalizeLane(l Lane) (Lane, error) {
	switch l {
	case "":
		return LaneMain, nil
	case LaneFast, LaneMain, LaneBatch:
		return l, nil
	}
	return "", fmt.Errorf("unknown lane: %q", l)
}

func transitionAllowed(from, to TaskStatus) bool {
	if to == StatusCancelled {
		return !from.Terminal()
	}
	switch from {
	case StatusBacklog:
		return to == StatusReady || to == StatusNeedsSplit
	case StatusNeedsSplit:
		return to == StatusReady
	case StatusReady:
		return to == StatusDispatched
	case StatusDispatched:
		return to == StatusInProgress || to == StatusReady
	case StatusInProgress:
		return to == StatusDone || to == StatusFailed || to == StatusNeedInput || to == StatusReady
	case StatusNeedInput:
		return to == StatusReady
	case StatusFailed:
		return to == StatusReady
	}
	return false
}

// refreshParentLocked recomputes a parent's derived status: done iff all
// children done; failed iff any child failed and none is in need_input;
// otherwise in_progress.
func refreshParentLocked(doc *boardDoc, pi int, now time.Time) {
	parentID := doc.Tasks[pi].TaskID
	total, done, failed, needInput := 0, 0, 0, 0
	for _, t := range doc.Tasks {
		if t.Pointers.ParentID != parentID {
			continue
		}
		total++
		switch t.Status {
		case StatusDone:
			done++
		case StatusFailed:
			failed++
		case StatusNeedInput:
			needInput++
		}
	}
	if total == 0 {
		return
	}
	next := StatusInProgress
	switch {
	case done == total:
		next = StatusDone
	case failed > 0 && needInput == 0:
		next = StatusFailed
	}
	if doc.Tasks[pi].Status != next {
		doc.Tasks[pi].Status = next
		doc.Tasks[pi].UpdatedAt = now
	}
}

func indexOf(doc *boardDoc, id string) int {
	for i := range doc.Tasks {
		if doc.Tasks[i].TaskID == id {
			return i
		}
	}
	return -1
}

func (b *Board) update(fn func(doc *boardDoc) error) error {
	return b.store.UpdateSerial(b.path, emptyDoc(), func(raw json.RawMessage) (any, error) {
		var doc boardDoc
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("decode board: %w", err)
		}
		if doc.SchemaVersion == "" {
			doc.SchemaVersion = docSchemaVersion
		}
		if err := fn(&doc); err != nil {
			return nil, err
		}
		return doc, nil
	})
}

// validatePaths enforces repo-relative POSIX paths: no absolute paths, no
// parent escapes, no backslashes.
func validatePaths(paths []string) error {
	for _, p := range paths {
		if strings.TrimSpace(p) == "" {
			return fmt.Errorf("empty path")
		}
		if strings.Contains(p, "\\") {
			return fmt.Errorf("path %q must use forward slashes", p)
		}
		if path.IsAbs(p) {
			return fmt.Errorf("path %q must be repo-relative", p)
		}
		clean := path.Clean(p)
		if clean == ".." || strings.HasPrefix(clean, "../") {
			return fmt.Errorf("path %q escapes the repo", p)
		}
	}
	return nil
}
