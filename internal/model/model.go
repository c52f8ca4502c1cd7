package model

import (
	"errors"
	"fmt"
	"maps"
	"time"
)

type JobStatus string

const (
	JobPending JobStatus = "PENDING"
	JobRunning JobStatus = "RUNNING"
	JobSuccess JobStatus = "SUCCESS"
	JobFailed  JobStatus = "FAILED"
)

// Statuses lists every status in lifecycle order.
var Statuses = []JobStatus{JobPending, JobRunning, JobSuccess, JobFailed}

// Terminal reports whether no further transitions are permitted from s.
func (s JobStatus) Terminal() bool {
	return s == JobSuccess || s == JobFailed
}

func (s JobStatus) Valid() bool {
	switch s {
	case JobPending, JobRunning, JobSuccess, JobFailed:
		return true
	}
	return false
}

// CanTransitionTo reports whether next is the forward successor of s.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	switch s {
	case JobPending:
		return next == JobRunning
	case JobRunning:
		return next == JobSuccess || next == JobFailed
	}
	return false
}

type Action string

const (
	ActionRestartService Action = "restart_service"
	ActionRotateConfig   Action = "rotate_config"
	ActionHealthCheck    Action = "health_check"
)

// BuiltinActions is the fixed set of automation kinds this gateway knows how to run.
var BuiltinActions = []Action{ActionRestartService, ActionRotateConfig, ActionHealthCheck}

func (a Action) Builtin() bool {
	for _, b := range BuiltinActions {
		if a == b {
			return true
		}
	}
	return false
}

var (
	ErrNotFound          = errors.New("job not found")
	ErrUnsupportedAction = errors.New("unsupported action")
	ErrDuplicateID       = errors.New("duplicate job id")
	ErrInvalidTransition = errors.New("invalid job transition")
	ErrExecutionTimeout  = errors.New("execution timed out")
)

// Job is one automation request and its execution record.
//
// ID, Action, Target, RequestedBy and Parameters never change after creation.
// StartedAt and FinishedAt are nil until the job reaches RUNNING and a terminal
// status respectively.
type Job struct {
	ID          string         `json:"job_id"`
	Action      Action         `json:"action"`
	Target      string         `json:"target"`
	RequestedBy string         `json:"requested_by"`
	Parameters  map[string]any `json:"parameters"`
	Status      JobStatus      `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	FinishedAt  *time.Time     `json:"finished_at,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// Clone returns a copy that shares no mutable state with j.
func (j Job) Clone() Job {
	out := j
	if j.Parameters != nil {
		out.Parameters = maps.Clone(j.Parameters)
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		out.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		out.FinishedAt = &t
	}
	return out
}

// Transition moves the job to next, stamping the matching timestamp with at.
// errText is recorded only for FAILED.
func (j *Job) Transition(next JobStatus, at time.Time, errText string) error {
	if !j.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, next)
	}
	switch next {
	case JobRunning:
		j.StartedAt = &at
	case JobSuccess:
		j.FinishedAt = &at
		j.Error = ""
	case JobFailed:
		j.FinishedAt = &at
		if errText == "" {
			errText = "automation failed"
		}
		j.Error = errText
	}
	j.Status = next
	return nil
}

// SameIdentity reports whether the immutable fields of j and other match.
func (j Job) SameIdentity(other Job) bool {
	return j.ID == other.ID &&
		j.Action == other.Action &&
		j.Target == other.Target &&
		j.RequestedBy == other.RequestedBy &&
		j.CreatedAt.Equal(other.CreatedAt)
}

// JobView is the read projection handed to callers polling a job.
type JobView struct {
	ID          string         `json:"job_id"`
	Action      Action         `json:"action"`
	Target      string         `json:"target"`
	RequestedBy string         `json:"requested_by,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	Status      JobStatus      `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at"`
	FinishedAt  *time.Time     `json:"finished_at"`
	Error       *string        `json:"error"`
}

func (j Job) View() JobView {
	c := j.Clone()
	v := JobView{
		ID:          c.ID,
		Action:      c.Action,
		Target:      c.Target,
		RequestedBy: c.RequestedBy,
		Parameters:  c.Parameters,
		Status:      c.Status,
		CreatedAt:   c.CreatedAt,
		StartedAt:   c.StartedAt,
		FinishedAt:  c.FinishedAt,
	}
	if c.Status == JobFailed {
		msg := c.Error
		v.Error = &msg
	}
	return v
}
