// Package progress tracks the state of running operations, serves status
// queries and pushes progress events to subscribers.
package progress

import (
	"strconv"
	"time"
)

// Status is the lifecycle state of an operation.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Kind distinguishes imports from exports.
type Kind string

const (
	KindImport Kind = "import"
	KindExport Kind = "export"
)

// StageState is the state of one pipeline stage.
type StageState string

const (
	StageNotStarted StageState = "not_started"
	StageInProgress StageState = "in_progress"
	StageCompleted  StageState = "completed"
	StageFailed     StageState = "failed"
)

// Stage is one named step of an operation.
type Stage struct {
	Name    string     `json:"name"`
	State   StageState `json:"state"`
	Percent int        `json:"percent"`
}

// MaxErrorSamples caps Snapshot.ErrorSamples.
const MaxErrorSamples = 20

// Snapshot is the observable state of an operation. Progress events carry
// the same shape.
type Snapshot struct {
	OperationID      string     `json:"operationId"`
	Kind             Kind       `json:"kind"`
	Status           Status     `json:"status"`
	Stage            string     `json:"stage,omitempty"`
	StagePercent     int        `json:"stagePercent"`
	Percent          int        `json:"percent"`
	ProcessedRecords int        `json:"processedRecords"`
	TotalRecords     int        `json:"totalRecords"`
	Saved            int        `json:"saved"`
	Updated          int        `json:"updated"`
	Skipped          int        `json:"skipped"`
	Failed           int        `json:"failed"`
	RowErrors        int        `json:"rowErrors"`
	ErrorSamples     []string   `json:"errorSamples,omitempty"`
	ErrorMessage     string     `json:"errorMessage,omitempty"`
	FailedStage      string     `json:"failedStage,omitempty"`
	Cancelled        bool       `json:"cancelled"`
	StartedAt        time.Time  `json:"startedAt"`
	CompletedAt      *time.Time `json:"completedAt,omitempty"`
	Stages           []Stage    `json:"stages"`
	OutputPath       string     `json:"outputPath,omitempty"`
}

// Message summarises the outcome of a finished operation. Records of failed
// batches count as row errors.
func (s Snapshot) Message() string {
	switch s.Status {
	case StatusCompleted:
		if n := s.RowErrors + s.Failed; n > 0 {
			return "completed with " + strconv.Itoa(n) + " row errors"
		}
		return "completed"
	case StatusFailed:
		return s.ErrorMessage
	}
	return string(s.Status)
}

func (s Snapshot) clone() Snapshot {
	c := s
	c.Stages = append([]Stage(nil), s.Stages...)
	c.ErrorSamples = append([]string(nil), s.ErrorSamples...)
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		c.CompletedAt = &t
	}
	return c
}

func (s *Snapshot) stage(name string) *Stage {
	for i := range s.Stages {
		if s.Stages[i].Name == name {
			return &s.Stages[i]
		}
	}
	return nil
}

// allStagesCompleted reports whether every stage has completed.
func (s *Snapshot) allStagesCompleted() bool {
	for _, st := range s.Stages {
		if st.State != StageCompleted {
			return false
		}
	}
	return true
}

// percentOf returns round(processed/total*100) clamped to 0..100, and 0 when
// the total is unknown.
func percentOf(processed, total int) int {
	if total <= 0 {
		return 0
	}
	p := (processed*100 + total/2) / total
	if p > 100 {
		return 100
	}
	return p
}
