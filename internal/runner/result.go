package runner

import (
	"time"

	"github.com/google/uuid"

	"flowlint/internal/event"
	"flowlint/internal/reformat"
	"flowlint/internal/schema"
)

// Status is the outcome of a run, job, or step.
type Status string

const (
	StatusSuccess   Status = "success"
	StatusFailure   Status = "failure"
	StatusSkipped   Status = "skipped"
	StatusCancelled Status = "cancelled"
)

// Failed reports whether the status should fail the run.
func (s Status) Failed() bool {
	return s == StatusFailure || s == StatusCancelled
}

// RunResult is the outcome of executing one workflow.
type RunResult struct {
	ID         string       `json:"id"`
	Workflow   string       `json:"workflow"`
	Event      string       `json:"event,omitempty"`
	Status     Status       `json:"status"`
	Reason     string       `json:"reason,omitempty"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Jobs       []*JobResult `json:"jobs,omitempty"`
}

func newRunResult(w *schema.Workflow, ev event.Event) *RunResult {
	return &RunResult{
		ID:        uuid.NewString(),
		Workflow:  w.Path,
		Event:     ev.Name,
		StartedAt: time.Now(),
	}
}

// Duration is the wall time of the whole run.
func (r *RunResult) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// JobResult is the outcome of one job.
type JobResult struct {
	ID         string        `json:"id"`
	Name       string        `json:"name,omitempty"`
	Status     Status        `json:"status"`
	Reason     string        `json:"reason,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Steps      []*StepResult `json:"steps,omitempty"`
}

// StepResult is the outcome of one step.
type StepResult struct {
	Index    int                    `json:"index"`
	Name     string                 `json:"name"`
	Uses     string                 `json:"uses,omitempty"`
	Status   Status                 `json:"status"`
	Reason   string                 `json:"reason,omitempty"`
	ExitCode int                    `json:"exit_code"`
	Output   string                 `json:"output,omitempty"`
	Findings []*reformat.FileResult `json:"findings,omitempty"`
	Duration time.Duration          `json:"duration"`
	Attempts int                    `json:"attempts,omitempty"`
}

func (s *StepResult) fail(reason string) {
	s.Status = StatusFailure
	s.Reason = reason
	if s.ExitCode == 0 {
		s.ExitCode = 1
	}
}

// Observer receives run lifecycle events; the watch TUI and the
// progress printer plug in here.
type Observer interface {
	RunStarted(w *schema.Workflow, ev event.Event)
	JobStarted(jobID string)
	StepStarted(jobID string, step *schema.Step)
	StepFinished(jobID string, res *StepResult)
	JobFinished(res *JobResult)
	RunFinished(res *RunResult)
}

// NopObserver ignores everything.
type NopObserver struct{}

func (NopObserver) RunStarted(*schema.Workflow, event.Event)  {}
func (NopObserver) JobStarted(string)                         {}
func (NopObserver) StepStarted(string, *schema.Step)          {}
func (NopObserver) StepFinished(string, *StepResult)          {}
func (NopObserver) JobFinished(*JobResult)                    {}
func (NopObserver) RunFinished(*RunResult)                    {}
