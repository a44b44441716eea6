package board

import "time"

type TaskKind string

const (
	KindParent TaskKind = "parent"
	KindAtomic TaskKind = "atomic"
)

type TaskStatus string

const (
	StatusBacklog    TaskStatus = "backlog"
	StatusNeedsSplit TaskStatus = "needs_split"
	StatusReady      TaskStatus = "ready"
	StatusDispatched TaskStatus = "dispatched"
	StatusInProgress TaskStatus = "in_progress"
	StatusDone       TaskStatus = "done"
	StatusNeedInput  TaskStatus = "need_input"
	StatusFailed     TaskStatus = "failed"
	StatusCancelled  TaskStatus = "cancelled"
)

// Terminal reports whether a task in this status can never move again,
// except for the explicit retry arrows (failed -> ready, need_input -> ready).
func (s TaskStatus) Terminal() bool {
	switch s {
	case StatusDone, StatusCancelled:
		return true
	}
	return false
}

type Runner string

const (
	RunnerInternal Runner = "internal"
	RunnerExternal Runner = "external"
)

type Lane string

const (
	LaneFast  Lane = "fastlane"
	LaneMain  Lane = "mainlane"
	LaneBatch Lane = "batchlane"
)

// Lane default priorities. An explicit per-task override replaces the
// default outright.
const (
	PriorityFastlane  = 900
	PriorityMainlane  = 500
	PriorityBatchlane = 100
)

// LineWindow restricts a pin to a line range within one file.
type LineWindow struct {
	Path      string `json:"path"`
	StartLine int    `json:"start_line"`
	EndLine   int    `json:"end_line"`
}

// MapRef names the SSOT map snapshot a pin selection was computed against.
type MapRef struct {
	Hash string `json:"hash,omitempty"`
}

// Pins is the read/write scope granted to a task's worker.
type Pins struct {
	SchemaVersion string       `json:"schema_version,omitempty"`
	MapRef        MapRef       `json:"map_ref,omitempty"`
	AllowedPaths  []string     `json:"allowed_paths"`
	Windows       []LineWindow `json:"windows,omitempty"`
}

// Pointers links a task to related tasks.
type Pointers struct {
	ParentID string `json:"parent_id,omitempty"`
}

// Task is the durable unit of work. Parents are split into atomics; only
// atomics are dispatched.
type Task struct {
	TaskID           string     `json:"task_id"`
	Kind             TaskKind   `json:"kind"`
	Title            string     `json:"title"`
	Goal             string     `json:"goal,omitempty"`
	Role             string     `json:"role,omitempty"`
	Area             string     `json:"area,omitempty"`
	Lane             Lane       `json:"lane"`
	TaskClassID      string     `json:"task_class_id,omitempty"`
	Files            []string   `json:"files,omitempty"`
	Pins             *Pins      `json:"pins,omitempty"`
	AllowedTests     []string   `json:"allowedTests,omitempty"`
	AllowedExecutors []string   `json:"allowedExecutors,omitempty"`
	AllowedModels    []string   `json:"allowedModels,omitempty"`
	Runner           Runner     `json:"runner,omitempty"`
	Pointers         Pointers   `json:"pointers,omitempty"`
	Status           TaskStatus `json:"status"`
	Priority         *int       `json:"priority,omitempty"`
	Attempts         int        `json:"attempts,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

// Counts aggregates task statuses for the board snapshot.
type Counts map[TaskStatus]int

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Status   TaskStatus
	Kind     TaskKind
	Lane     Lane
	ParentID string
}

func (f Filter) matches(t Task) bool {
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.Kind != "" && t.Kind != f.Kind {
		return false
	}
	if f.Lane != "" && t.Lane != f.Lane {
		return false
	}
	if f.ParentID != "" && t.Pointers.ParentID != f.ParentID {
		return false
	}
	return true
}
