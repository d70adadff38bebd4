package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Stage is the position of a ProcessingJob in the pipeline.
type Stage string

// Stage constants
const (
	StagePending     Stage = "pending"
	StageValidating  Stage = "validating"
	StageNormalizing Stage = "normalizing"
	StageRendering   Stage = "rendering"
	StagePackaging   Stage = "packaging"
	StageCompleted   Stage = "completed"
	StageFailed      Stage = "failed"
)

var stageOrder = map[Stage]int{
	StagePending:     0,
	StageValidating:  1,
	StageNormalizing: 2,
	StageRendering:   3,
	StagePackaging:   4,
	StageCompleted:   5,
}

// InProgressStages are the stages owned by a running worker.
var InProgressStages = []Stage{StageValidating, StageNormalizing, StageRendering, StagePackaging}

// IsTerminal reports whether no further transition is possible.
func (s Stage) IsTerminal() bool {
	return s == StageCompleted || s == StageFailed
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	if s == StageFailed {
		return true
	}
	_, ok := stageOrder[s]
	return ok
}

// CanTransition reports whether a job may move from one stage to another.
// Forward moves advance exactly one step; failed is reachable from any
// non-terminal stage.
func CanTransition(from, to Stage) bool {
	if from.IsTerminal() || !to.Valid() {
		return false
	}
	if to == StageFailed {
		return true
	}
	return stageOrder[to] == stageOrder[from]+1
}

// ProcessingJob is one pipeline execution for a MediaAsset. Sequence orders
// jobs of the same asset; the highest sequence is the authoritative one.
type ProcessingJob struct {
	ID            string      `json:"id" db:"id"`
	AssetID       string      `json:"asset_id" db:"asset_id"`
	Sequence      int64       `json:"sequence" db:"seq"`
	Stage         Stage       `json:"stage" db:"stage"`
	Errors        StageErrors `json:"errors,omitempty" db:"stage_errors"`
	Media         *MediaInfo  `json:"media,omitempty" db:"media_info"`
	CanonicalPath string      `json:"canonical_path,omitempty" db:"canonical_path"`
	OutputRoot    string      `json:"output_root,omitempty" db:"output_root"`
	WorkerID      string      `json:"worker_id,omitempty" db:"worker_id"`
	StartedAt     *time.Time  `json:"started_at,omitempty" db:"started_at"`
	UpdatedAt     time.Time   `json:"updated_at" db:"updated_at"`
	FinishedAt    *time.Time  `json:"finished_at,omitempty" db:"finished_at"`
	CreatedAt     time.Time   `json:"created_at" db:"created_at"`
}

// Validated reports whether the source passed validation in this job.
func (j *ProcessingJob) Validated() bool {
	return j.Media != nil
}

// Clone returns a deep copy safe to hand out of a store.
func (j *ProcessingJob) Clone() *ProcessingJob {
	c := *j
	c.Errors = append(StageErrors(nil), j.Errors...)
	if j.Media != nil {
		m := *j.Media
		c.Media = &m
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}

// StageError records one failure: which stage, which tier (if scoped), and
// the underlying diagnostic.
type StageError struct {
	Stage   Stage     `json:"stage"`
	Tier    string    `json:"tier,omitempty"`
	Kind    string    `json:"kind,omitempty"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

func (e StageError) String() string {
	if e.Tier != "" {
		return fmt.Sprintf("%s[%s]: %s", e.Stage, e.Tier, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Stage, e.Message)
}

// StageErrors is the ordered error history of a job.
type StageErrors []StageError

// Value implements driver.Valuer for database storage
func (se StageErrors) Value() (driver.Value, error) {
	if se == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(se)
}

// Scan implements sql.Scanner for database retrieval
func (se *StageErrors) Scan(value interface{}) error {
	if value == nil {
		*se = nil
		return nil
	}

	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported stage_errors type %T", value)
	}

	return json.Unmarshal(raw, se)
}
