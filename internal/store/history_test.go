package store

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"flowlint/internal/policy"
	"flowlint/internal/runner"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), ".flowlint", "history.db"), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleRun(id string, started time.Time) *runner.RunResult {
	return &runner.RunResult{
		ID:         id,
		Workflow:   ".github/workflows/lint.yml",
		Event:      "push",
		Status:     runner.StatusFailure,
		StartedAt:  started,
		FinishedAt: started.Add(3 * time.Second),
		Jobs: []*runner.JobResult{
			{
				ID:         "darker",
				Status:     runner.StatusFailure,
				StartedAt:  started,
				FinishedAt: started.Add(2 * time.Second),
				Steps: []*runner.StepResult{
					{Index: 0, Name: "harden", Uses: "step-security/harden-runner", Status: runner.StatusSuccess, Duration: time.Second},
					{Index: 1, Name: "lint", Uses: "akaihola/darker", Status: runner.StatusFailure, ExitCode: 1, Duration: time.Second},
				},
			},
			{
				ID:     "publish",
				Status: runner.StatusSkipped,
				Reason: "needs darker which did not succeed",
			},
		},
	}
}

func sampleFindings() []policy.Finding {
	return []policy.Finding{
		{
			Rule:     "unpinned-action",
			Severity: policy.SeverityError,
			Path:     ".github/workflows/lint.yml",
			Line:     21,
			Job:      "darker",
			Step:     1,
			Message:  "action actions/checkout is not pinned to a commit SHA",
		},
		{
			Rule:     "missing-job-timeout",
			Severity: policy.SeverityWarning,
			Path:     ".github/workflows/lint.yml",
			Line:     12,
			Job:      "darker",
			Step:     -1,
			Message:  "job darker has no timeout-minutes",
		},
	}
}

func TestRecordAndDetail(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	run := sampleRun("run-1", time.Now().Add(-time.Minute))
	if err := s.RecordRun(ctx, run, sampleFindings()); err != nil {
		t.Fatalf("RecordRun: %v", err)
	}

	d, err := s.RunDetail(ctx, "run-1")
	if err != nil {
		t.Fatalf("RunDetail: %v", err)
	}
	if d.Run.Workflow != run.Workflow || d.Run.Event != "push" {
		t.Errorf("run row = %+v", d.Run)
	}
	if d.Run.Status != runner.StatusFailure {
		t.Errorf("status = %s, want failure", d.Run.Status)
	}
	if d.Run.Duration != 3*time.Second {
		t.Errorf("duration = %v, want 3s", d.Run.Duration)
	}
	if d.Run.Findings != 2 {
		t.Errorf("finding count = %d, want 2", d.Run.Findings)
	}

	if len(d.Jobs) != 2 {
		t.Fatalf("jobs = %+v", d.Jobs)
	}
	if d.Jobs[0].Job != "darker" || d.Jobs[0].Status != runner.StatusFailure {
		t.Errorf("job 0 = %+v", d.Jobs[0])
	}
	if d.Jobs[1].Status != runner.StatusSkipped || !strings.Contains(d.Jobs[1].Reason, "darker") {
		t.Errorf("job 1 = %+v", d.Jobs[1])
	}

	if len(d.Steps) != 2 {
		t.Fatalf("steps = %+v", d.Steps)
	}
	if d.Steps[1].Uses != "akaihola/darker" || d.Steps[1].ExitCode != 1 {
		t.Errorf("step 1 = %+v", d.Steps[1])
	}

	if len(d.Findings) != 2 {
		t.Fatalf("findings = %+v", d.Findings)
	}
	if d.Findings[0].Rule != "unpinned-action" || d.Findings[0].Severity != policy.SeverityError {
		t.Errorf("finding 0 = %+v", d.Findings[0])
	}
	if d.Findings[1].Step != -1 {
		t.Errorf("finding 1 step = %d, want -1", d.Findings[1].Step)
	}
}

func TestRunDetailMissing(t *testing.T) {
	s := openTestStore(t)
	_, err := s.RunDetail(context.Background(), "no-such-run")
	if err == nil || !strings.Contains(err.Error(), "no-such-run") {
		t.Fatalf("err = %v, want not found with the id", err)
	}
}

func TestRunDetailPrefix(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()
	for _, id := range []string{"0123456789abcdef", "01ffeeddccbbaa99"} {
		if err := s.RecordRun(ctx, sampleRun(id, now), nil); err != nil {
			t.Fatalf("RecordRun: %v", err)
		}
	}

	d, err := s.RunDetail(ctx, "0123")
	if err != nil {
		t.Fatalf("RunDetail by prefix: %v", err)
	}
	if d.Run.ID != "0123456789abcdef" {
		t.Errorf("resolved ID = %s", d.Run.ID)
	}

	if _, err := s.RunDetail(ctx, "01"); err == nil || !strings.Contains(err.Error(), "ambiguous") {
		t.Errorf("ambiguous prefix err = %v", err)
	}
}

func TestRecentRunsOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	for i := 0; i < 5; i++ {
		run := sampleRun(fmt.Sprintf("run-%d", i), base.Add(time.Duration(i)*time.Minute))
		if err := s.RecordRun(ctx, run, nil); err != nil {
			t.Fatalf("RecordRun %d: %v", i, err)
		}
	}

	runs, err := s.RecentRuns(ctx, 3)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("got %d runs, want 3", len(runs))
	}
	want := []string{"run-4", "run-3", "run-2"}
	for i, id := range want {
		if runs[i].ID != id {
			t.Errorf("run %d = %s, want %s", i, runs[i].ID, id)
		}
	}
	if runs[0].Findings != 0 {
		t.Errorf("findings = %d, want 0 for runs recorded without findings", runs[0].Findings)
	}
}

func TestPrune(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	for i := 0; i < 5; i++ {
		run := sampleRun(fmt.Sprintf("run-%d", i), base.Add(time.Duration(i)*time.Minute))
		if err := s.RecordRun(ctx, run, sampleFindings()); err != nil {
			t.Fatalf("RecordRun %d: %v", i, err)
		}
	}

	removed, err := s.Prune(ctx, 2)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if removed != 3 {
		t.Errorf("removed = %d, want 3", removed)
	}

	runs, err := s.RecentRuns(ctx, 10)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "run-4" || runs[1].ID != "run-3" {
		t.Fatalf("kept %+v, want run-4 and run-3", runs)
	}

	if _, err := s.RunDetail(ctx, "run-0"); err == nil {
		t.Error("pruned run still loads")
	}
	d, err := s.RunDetail(ctx, "run-4")
	if err != nil {
		t.Fatalf("RunDetail after prune: %v", err)
	}
	if len(d.Steps) == 0 || len(d.Findings) == 0 {
		t.Errorf("kept run lost its rows: %+v", d)
	}
}

func TestReopenPersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "history.db")
	ctx := context.Background()

	s, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.RecordRun(ctx, sampleRun("run-1", time.Now()), nil); err != nil {
		t.Fatalf("RecordRun: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s, err = Open(path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	runs, err := s.RecentRuns(ctx, 10)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != "run-1" {
		t.Fatalf("runs after reopen = %+v", runs)
	}
}

func TestRecordRunNil(t *testing.T) {
	s := openTestStore(t)
	if err := s.RecordRun(context.Background(), nil, nil); err == nil {
		t.Fatal("expected an error for a nil result")
	}
}
