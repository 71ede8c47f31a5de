package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"flowlint/internal/config"
	"flowlint/internal/event"
	"flowlint/internal/schema"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeExecutor scripts process results without running anything.
type fakeExecutor struct {
	mu      sync.Mutex
	calls   []Command
	handler func(cmd Command) (*ExecResult, error)
	paths   map[string]string
}

func (f *fakeExecutor) Execute(_ context.Context, cmd Command) (*ExecResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, cmd)
	f.mu.Unlock()
	if f.handler != nil {
		return f.handler(cmd)
	}
	return &ExecResult{}, nil
}

func (f *fakeExecutor) LookPath(binary string) (string, error) {
	if p, ok := f.paths[binary]; ok {
		return p, nil
	}
	return "", fmt.Errorf("executable %s not found", binary)
}

func (f *fakeExecutor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeExecutor) scripts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		if len(c.Args) == 2 && c.Args[0] == "-c" {
			out = append(out, c.Args[1])
		}
	}
	return out
}

func testRunner(t *testing.T, cfg *config.Config) (*Runner, *fakeExecutor) {
	t.Helper()
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	r := New(cfg, nil)
	fake := &fakeExecutor{}
	r.SetExecutor(fake)
	return r, fake
}

func parseWorkflow(t *testing.T, src string) *schema.Workflow {
	t.Helper()
	w, err := schema.Parse(".github/workflows/lint.yml", []byte(src))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return w
}

func jobByID(t *testing.T, res *RunResult, id string) *JobResult {
	t.Helper()
	for _, j := range res.Jobs {
		if j.ID == id {
			return j
		}
	}
	t.Fatalf("no job %s in result", id)
	return nil
}

const shellWorkflow = `
name: shell
on:
  push:
    branches: [main]
env:
  TOP: top
jobs:
  alpha:
    runs-on: ubuntu-latest
    env:
      JOB: job
    steps:
      - name: hello
        run: echo hello
        env:
          STEP: step
  beta:
    runs-on: ubuntu-latest
    needs: [alpha]
    steps:
      - run: echo beta
`

func TestRunShellWorkflow(t *testing.T) {
	r, fake := testRunner(t, nil)
	w := parseWorkflow(t, shellWorkflow)

	res, err := r.Run(context.Background(), w, RunOptions{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != StatusSuccess {
		t.Fatalf("status = %s, want success", res.Status)
	}
	if res.ID == "" {
		t.Error("run ID is empty")
	}
	if len(res.Jobs) != 2 || res.Jobs[0].ID != "alpha" || res.Jobs[1].ID != "beta" {
		t.Fatalf("jobs out of order: %+v", res.Jobs)
	}

	scripts := fake.scripts()
	if len(scripts) != 2 || scripts[0] != "echo hello" || scripts[1] != "echo beta" {
		t.Fatalf("scripts = %v", scripts)
	}

	cmd := fake.calls[0]
	if cmd.Binary != "sh" {
		t.Errorf("shell = %s, want sh", cmd.Binary)
	}
	wantOrder := []string{"TOP=top", "JOB=job", "STEP=step"}
	last := -1
	for _, entry := range wantOrder {
		idx := indexOf(cmd.Env, entry)
		if idx < 0 {
			t.Fatalf("env missing %s: %v", entry, cmd.Env)
		}
		if idx < last {
			t.Fatalf("env %s out of layering order: %v", entry, cmd.Env)
		}
		last = idx
	}
}

func indexOf(list []string, want string) int {
	for i, s := range list {
		if s == want {
			return i
		}
	}
	return -1
}

func TestRunEventGate(t *testing.T) {
	r, fake := testRunner(t, nil)
	w := parseWorkflow(t, shellWorkflow)

	res, err := r.Run(context.Background(), w, RunOptions{
		Dir:   t.TempDir(),
		Event: event.Event{Name: "push", Ref: "refs/heads/feature"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != StatusSkipped {
		t.Fatalf("status = %s, want skipped", res.Status)
	}
	if res.Reason == "" {
		t.Error("skip reason is empty")
	}
	if fake.callCount() != 0 {
		t.Errorf("executed %d commands despite the gate", fake.callCount())
	}

	res, err = r.Run(context.Background(), w, RunOptions{
		Dir:   t.TempDir(),
		Event: event.Event{Name: "push", Ref: "refs/heads/main"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != StatusSuccess {
		t.Fatalf("status = %s, want success after matching event", res.Status)
	}
}

func failOn(fragment string) func(Command) (*ExecResult, error) {
	return func(cmd Command) (*ExecResult, error) {
		if len(cmd.Args) == 2 && strings.Contains(cmd.Args[1], fragment) {
			return &ExecResult{ExitCode: 1, Stderr: "boom"}, nil
		}
		return &ExecResult{}, nil
	}
}

func TestRunFailureSkipsDependents(t *testing.T) {
	r, fake := testRunner(t, nil)
	fake.handler = failOn("boom")
	w := parseWorkflow(t, `
name: deps
on: [push]
jobs:
  alpha:
    runs-on: ubuntu-latest
    steps:
      - run: boom
  beta:
    runs-on: ubuntu-latest
    needs: [alpha]
    steps:
      - run: echo beta
`)

	res, err := r.Run(context.Background(), w, RunOptions{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != StatusFailure {
		t.Fatalf("status = %s, want failure", res.Status)
	}
	alpha := jobByID(t, res, "alpha")
	if alpha.Status != StatusFailure {
		t.Errorf("alpha = %s, want failure", alpha.Status)
	}
	if alpha.Steps[0].ExitCode != 1 {
		t.Errorf("alpha step exit = %d, want 1", alpha.Steps[0].ExitCode)
	}
	beta := jobByID(t, res, "beta")
	if beta.Status != StatusSkipped {
		t.Errorf("beta = %s, want skipped", beta.Status)
	}
	if !strings.Contains(beta.Reason, "alpha") {
		t.Errorf("beta reason = %q, want mention of alpha", beta.Reason)
	}
	if got := fake.scripts(); len(got) != 1 {
		t.Errorf("scripts = %v, want only the alpha step", got)
	}
}

func TestRunFailFast(t *testing.T) {
	const src = `
name: failfast
on: [push]
jobs:
  bad:
    runs-on: ubuntu-latest
    steps:
      - run: boom
  base:
    runs-on: ubuntu-latest
    steps:
      - run: echo base
  late:
    runs-on: ubuntu-latest
    needs: [base]
    steps:
      - run: echo late
`

	t.Run("fail fast cancels later waves", func(t *testing.T) {
		r, fake := testRunner(t, nil)
		fake.handler = failOn("boom")
		res, err := r.Run(context.Background(), parseWorkflow(t, src), RunOptions{
			Dir:      t.TempDir(),
			FailFast: true,
		})
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		late := jobByID(t, res, "late")
		if late.Status != StatusCancelled {
			t.Fatalf("late = %s, want cancelled", late.Status)
		}
		if res.Status != StatusFailure {
			t.Errorf("run status = %s, want failure", res.Status)
		}
	})

	t.Run("without fail fast everything runs", func(t *testing.T) {
		r, fake := testRunner(t, nil)
		fake.handler = failOn("boom")
		res, err := r.Run(context.Background(), parseWorkflow(t, src), RunOptions{Dir: t.TempDir()})
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		if got := jobByID(t, res, "late").Status; got != StatusSuccess {
			t.Errorf("late = %s, want success", got)
		}
	})
}

func TestRunStepFailureSkipsRest(t *testing.T) {
	r, fake := testRunner(t, nil)
	fake.handler = failOn("boom")
	w := parseWorkflow(t, `
name: steps
on: [push]
jobs:
  one:
    runs-on: ubuntu-latest
    steps:
      - run: boom
      - run: echo after
`)

	res, err := r.Run(context.Background(), w, RunOptions{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	job := jobByID(t, res, "one")
	if job.Status != StatusFailure {
		t.Fatalf("job = %s, want failure", job.Status)
	}
	if job.Steps[0].Status != StatusFailure {
		t.Errorf("step 0 = %s, want failure", job.Steps[0].Status)
	}
	if job.Steps[1].Status != StatusSkipped {
		t.Errorf("step 1 = %s, want skipped", job.Steps[1].Status)
	}
}

func TestRunContinueOnError(t *testing.T) {
	r, fake := testRunner(t, nil)
	fake.handler = failOn("boom")
	w := parseWorkflow(t, `
name: steps
on: [push]
jobs:
  one:
    runs-on: ubuntu-latest
    steps:
      - run: boom
        continue-on-error: true
      - run: echo after
`)

	res, err := r.Run(context.Background(), w, RunOptions{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	job := jobByID(t, res, "one")
	if job.Status != StatusSuccess {
		t.Fatalf("job = %s, want success despite tolerated failure", job.Status)
	}
	if job.Steps[0].Status != StatusFailure {
		t.Errorf("step 0 = %s, want failure recorded", job.Steps[0].Status)
	}
	if job.Steps[1].Status != StatusSuccess {
		t.Errorf("step 1 = %s, want success", job.Steps[1].Status)
	}
}

const unknownActionWorkflow = `
name: actions
on: [push]
jobs:
  one:
    runs-on: ubuntu-latest
    steps:
      - uses: some/action@1111111111111111111111111111111111111111
`

func TestRunUnknownAction(t *testing.T) {
	t.Run("skipped by default", func(t *testing.T) {
		r, _ := testRunner(t, nil)
		res, err := r.Run(context.Background(), parseWorkflow(t, unknownActionWorkflow), RunOptions{Dir: t.TempDir()})
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		step := jobByID(t, res, "one").Steps[0]
		if step.Status != StatusSkipped {
			t.Fatalf("step = %s, want skipped", step.Status)
		}
		if !strings.Contains(step.Reason, "some/action") {
			t.Errorf("reason = %q, want the action slug", step.Reason)
		}
	})

	t.Run("strict fails", func(t *testing.T) {
		r, _ := testRunner(t, nil)
		res, err := r.Run(context.Background(), parseWorkflow(t, unknownActionWorkflow), RunOptions{
			Dir:    t.TempDir(),
			Strict: true,
		})
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		step := jobByID(t, res, "one").Steps[0]
		if step.Status != StatusFailure {
			t.Fatalf("step = %s, want failure under strict", step.Status)
		}
	})

	t.Run("strict honors the allowlist", func(t *testing.T) {
		cfg := config.DefaultConfig()
		cfg.Lint.AllowedActions = []string{"some/action"}
		r, _ := testRunner(t, cfg)
		res, err := r.Run(context.Background(), parseWorkflow(t, unknownActionWorkflow), RunOptions{
			Dir:    t.TempDir(),
			Strict: true,
		})
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		if got := jobByID(t, res, "one").Steps[0].Status; got != StatusSkipped {
			t.Fatalf("step = %s, want skipped for allowlisted action", got)
		}
	})
}

func TestRunRetry(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Run.Retry.Attempts = 3
	cfg.Run.Retry.BackoffMs = 1
	cfg.Run.Retry.MaxBackoffMs = 2

	t.Run("infrastructure errors are retried", func(t *testing.T) {
		r, fake := testRunner(t, cfg)
		var n int
		fake.handler = func(Command) (*ExecResult, error) {
			n++
			if n < 3 {
				return nil, errors.New("spawn failed")
			}
			return &ExecResult{Stdout: "ok"}, nil
		}
		res, err := r.Run(context.Background(), parseWorkflow(t, `
name: retry
on: [push]
jobs:
  one:
    runs-on: ubuntu-latest
    steps:
      - run: echo ok
`), RunOptions{Dir: t.TempDir()})
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		step := jobByID(t, res, "one").Steps[0]
		if step.Status != StatusSuccess {
			t.Fatalf("step = %s (%s), want success after retries", step.Status, step.Reason)
		}
		if step.Attempts != 3 {
			t.Errorf("attempts = %d, want 3", step.Attempts)
		}
	})

	t.Run("non-zero exits are not retried", func(t *testing.T) {
		r, fake := testRunner(t, cfg)
		fake.handler = failOn("boom")
		res, err := r.Run(context.Background(), parseWorkflow(t, `
name: retry
on: [push]
jobs:
  one:
    runs-on: ubuntu-latest
    steps:
      - run: boom
`), RunOptions{Dir: t.TempDir()})
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		if fake.callCount() != 1 {
			t.Errorf("calls = %d, want 1", fake.callCount())
		}
		if got := jobByID(t, res, "one").Steps[0].Attempts; got != 1 {
			t.Errorf("attempts = %d, want 1", got)
		}
	})
}

// recordingObserver captures the lifecycle event order.
type recordingObserver struct {
	mu     sync.Mutex
	events []string
}

func (o *recordingObserver) add(s string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, s)
}

func (o *recordingObserver) RunStarted(w *schema.Workflow, _ event.Event) { o.add("run-started") }
func (o *recordingObserver) JobStarted(jobID string)                      { o.add("job-started " + jobID) }
func (o *recordingObserver) StepStarted(jobID string, s *schema.Step)     { o.add("step-started " + jobID) }
func (o *recordingObserver) StepFinished(jobID string, r *StepResult) {
	o.add(fmt.Sprintf("step-finished %s %s", jobID, r.Status))
}
func (o *recordingObserver) JobFinished(r *JobResult) {
	o.add(fmt.Sprintf("job-finished %s %s", r.ID, r.Status))
}
func (o *recordingObserver) RunFinished(r *RunResult) { o.add("run-finished " + string(r.Status)) }

func TestRunObserverSequence(t *testing.T) {
	r, _ := testRunner(t, nil)
	obs := &recordingObserver{}
	r.SetObserver(obs)

	_, err := r.Run(context.Background(), parseWorkflow(t, `
name: observe
on: [push]
jobs:
  one:
    runs-on: ubuntu-latest
    steps:
      - run: echo hi
`), RunOptions{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []string{
		"run-started",
		"job-started one",
		"step-started one",
		"step-finished one success",
		"job-finished one success",
		"run-finished success",
	}
	if len(obs.events) != len(want) {
		t.Fatalf("events = %v, want %v", obs.events, want)
	}
	for i, e := range want {
		if obs.events[i] != e {
			t.Fatalf("event %d = %q, want %q (all: %v)", i, obs.events[i], e, obs.events)
		}
	}
}

func TestRunCancelledContext(t *testing.T) {
	r, fake := testRunner(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := r.Run(ctx, parseWorkflow(t, shellWorkflow), RunOptions{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != StatusCancelled {
		t.Fatalf("status = %s, want cancelled", res.Status)
	}
	for _, j := range res.Jobs {
		if j.Status != StatusCancelled {
			t.Errorf("job %s = %s, want cancelled", j.ID, j.Status)
		}
	}
	if fake.callCount() != 0 {
		t.Errorf("executed %d commands after cancellation", fake.callCount())
	}
}

func TestScheduleJobs(t *testing.T) {
	job := func(id string, needs ...string) *schema.Job {
		return &schema.Job{ID: id, Needs: needs}
	}

	t.Run("diamond", func(t *testing.T) {
		waves, err := scheduleJobs([]*schema.Job{
			job("a"), job("b", "a"), job("c", "a"), job("d", "b", "c"),
		})
		if err != nil {
			t.Fatalf("scheduleJobs: %v", err)
		}
		var got []string
		for _, wave := range waves {
			var ids []string
			for _, j := range wave {
				ids = append(ids, j.ID)
			}
			got = append(got, strings.Join(ids, ","))
		}
		want := []string{"a", "b,c", "d"}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("waves = %v, want %v", got, want)
			}
		}
	})

	t.Run("unknown need", func(t *testing.T) {
		_, err := scheduleJobs([]*schema.Job{job("a", "ghost")})
		if err == nil || !strings.Contains(err.Error(), "unknown job") {
			t.Fatalf("err = %v, want unknown job", err)
		}
	})

	t.Run("cycle", func(t *testing.T) {
		_, err := scheduleJobs([]*schema.Job{job("a", "b"), job("b", "a")})
		if err == nil || !strings.Contains(err.Error(), "cycle") {
			t.Fatalf("err = %v, want cycle", err)
		}
	})
}

func TestStepTimeoutClamp(t *testing.T) {
	r, _ := testRunner(t, nil)
	job := &schema.Job{TimeoutMinutes: 2}
	step := &schema.Step{TimeoutMinutes: 1}

	if got := r.stepTimeout(&schema.Job{}, &schema.Step{}); got != r.cfg.RunTimeout() {
		t.Errorf("default timeout = %v, want %v", got, r.cfg.RunTimeout())
	}
	if got := r.stepTimeout(job, &schema.Step{}); got != 2*time.Minute {
		t.Errorf("job timeout = %v, want 2m", got)
	}
	if got := r.stepTimeout(job, step); got != time.Minute {
		t.Errorf("step timeout = %v, want 1m", got)
	}
	if got := r.stepTimeout(&schema.Job{TimeoutMinutes: 1}, &schema.Step{TimeoutMinutes: 5}); got != time.Minute {
		t.Errorf("oversized step timeout = %v, want the job's 1m", got)
	}
}

func TestCombinedOutput(t *testing.T) {
	cases := []struct {
		stdout, stderr, want string
	}{
		{"out\n", "", "out"},
		{"", "err\n", "err"},
		{"out", "err", "out\nerr"},
		{"out\n", "err\n", "out\nerr"},
		{"", "", ""},
	}
	for _, tc := range cases {
		got := combinedOutput(&ExecResult{Stdout: tc.stdout, Stderr: tc.stderr})
		if got != tc.want {
			t.Errorf("combinedOutput(%q, %q) = %q, want %q", tc.stdout, tc.stderr, got, tc.want)
		}
	}
}
