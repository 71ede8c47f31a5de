// Package runner executes workflow lint pipelines locally. Jobs are
// scheduled in topological order over their needs edges, steps run
// sequentially within a job, and the well-known pinned actions of the
// lint pipeline are mapped to local builtins instead of being fetched.
package runner

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"flowlint/internal/config"
	"flowlint/internal/event"
	"flowlint/internal/reformat"
	"flowlint/internal/schema"
)

// RunOptions controls one workflow run.
type RunOptions struct {
	// Event gates the run against the workflow triggers when Name is
	// set. An empty event skips the gate.
	Event event.Event
	// BaseRev is the revision changed files are diffed against. Empty
	// means the formatcheck builtin resolves one itself.
	BaseRev string
	// Dir is the repository root the run operates in.
	Dir string
	// Strict fails steps whose action has no local implementation
	// instead of skipping them.
	Strict bool
	// FailFast stops scheduling new jobs after the first failure.
	FailFast bool
	// Fix applies selective reformatting instead of reporting it.
	Fix bool
}

// Runner executes workflows against the local repository.
type Runner struct {
	cfg     *config.Config
	exec    Executor
	formats *reformat.Set
	checker *reformat.Checker
	obs     Observer
	obsMu   sync.Mutex
	log     *zap.Logger
}

// New builds a runner from the configuration. The default executor
// runs real processes; tests swap it via SetExecutor.
func New(cfg *config.Config, logger *zap.Logger) *Runner {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	direct := NewDirectExecutor(ExecConfig{
		DefaultTimeout: cfg.RunTimeout(),
		MaxOutputBytes: cfg.MaxOutputBytes(),
		EnvAllowlist:   cfg.Run.EnvAllowlist,
	}, logger)
	return &Runner{
		cfg:     cfg,
		exec:    direct,
		formats: formattersFromConfig(cfg),
		checker: reformat.NewChecker(cfg.Format.Parallelism, logger),
		obs:     NopObserver{},
		log:     logger,
	}
}

// SetExecutor replaces the process executor.
func (r *Runner) SetExecutor(e Executor) {
	if e != nil {
		r.exec = e
	}
}

// SetObserver installs a lifecycle observer. Calls are serialized.
func (r *Runner) SetObserver(o Observer) {
	if o == nil {
		o = NopObserver{}
	}
	r.obs = o
}

func formattersFromConfig(cfg *config.Config) *reformat.Set {
	configured := make([]reformat.ConfiguredFormatter, 0, len(cfg.Format.Formatters))
	for _, f := range cfg.Format.Formatters {
		configured = append(configured, reformat.ConfiguredFormatter{
			Formatter: reformat.NewCommandFormatter(f.Name, f.Command, f.Args),
			Patterns:  f.Patterns,
		})
	}
	return reformat.NewSet(configured)
}

var errJobFailed = errors.New("job failed")

// Run executes the workflow. Scheduling problems (unknown needs,
// dependency cycles) are errors; everything that happens during
// execution is reported through the result statuses instead.
func (r *Runner) Run(ctx context.Context, w *schema.Workflow, opts RunOptions) (*RunResult, error) {
	if opts.Dir == "" {
		opts.Dir = "."
	}
	res := newRunResult(w, opts.Event)

	if opts.Event.Name != "" {
		if d := event.Match(w, opts.Event); !d.Fire {
			res.Status = StatusSkipped
			res.Reason = d.Reason
			res.FinishedAt = time.Now()
			r.log.Info("run skipped",
				zap.String("workflow", w.Path),
				zap.String("reason", d.Reason))
			return res, nil
		}
	}

	waves, err := scheduleJobs(w.Jobs)
	if err != nil {
		return nil, err
	}

	r.notify(func(o Observer) { o.RunStarted(w, opts.Event) })
	r.log.Info("run started",
		zap.String("id", res.ID),
		zap.String("workflow", w.Path),
		zap.Int("jobs", len(w.Jobs)))

	jobResults := make(map[string]*JobResult, len(w.Jobs))
	for _, j := range w.Jobs {
		jr := &JobResult{ID: j.ID, Name: j.Name}
		jobResults[j.ID] = jr
		res.Jobs = append(res.Jobs, jr)
	}

	stopped := false
	for _, wave := range waves {
		if stopped || ctx.Err() != nil {
			for _, job := range wave {
				jr := jobResults[job.ID]
				jr.Status = StatusCancelled
				if ctx.Err() != nil {
					jr.Reason = "run cancelled"
				} else {
					jr.Reason = "an earlier job failed"
				}
				r.notify(func(o Observer) { o.JobFinished(jr) })
			}
			continue
		}

		g, gctx := errgroup.WithContext(ctx)
		for _, job := range wave {
			jr := jobResults[job.ID]
			if blocker := firstFailedNeed(job, jobResults); blocker != "" {
				jr.Status = StatusSkipped
				jr.Reason = fmt.Sprintf("needs %s which did not succeed", blocker)
				r.notify(func(o Observer) { o.JobFinished(jr) })
				continue
			}
			g.Go(func() error {
				r.runJob(gctx, w, job, jr, opts)
				if opts.FailFast && jr.Status == StatusFailure {
					return errJobFailed
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			stopped = true
		}
		if opts.FailFast && !stopped {
			for _, job := range wave {
				if jobResults[job.ID].Status == StatusFailure {
					stopped = true
					break
				}
			}
		}
	}

	res.FinishedAt = time.Now()
	res.Status = runStatus(res.Jobs)
	r.notify(func(o Observer) { o.RunFinished(res) })
	r.log.Info("run finished",
		zap.String("id", res.ID),
		zap.String("status", string(res.Status)),
		zap.Duration("duration", res.Duration()))
	return res, nil
}

func runStatus(jobs []*JobResult) Status {
	status := StatusSuccess
	for _, j := range jobs {
		switch j.Status {
		case StatusFailure:
			return StatusFailure
		case StatusCancelled:
			status = StatusCancelled
		}
	}
	return status
}

// scheduleJobs groups jobs into waves where every job's needs are
// satisfied by earlier waves. Document order is preserved inside a
// wave so runs are deterministic.
func scheduleJobs(jobs []*schema.Job) ([][]*schema.Job, error) {
	byID := make(map[string]*schema.Job, len(jobs))
	for _, j := range jobs {
		byID[j.ID] = j
	}
	indegree := make(map[string]int, len(jobs))
	for _, j := range jobs {
		for _, need := range j.Needs {
			if _, ok := byID[need]; !ok {
				return nil, fmt.Errorf("job %q needs unknown job %q", j.ID, need)
			}
			indegree[j.ID]++
		}
	}

	var waves [][]*schema.Job
	done := make(map[string]bool, len(jobs))
	for len(done) < len(jobs) {
		var wave []*schema.Job
		for _, j := range jobs {
			if !done[j.ID] && indegree[j.ID] == 0 {
				wave = append(wave, j)
			}
		}
		if len(wave) == 0 {
			var stuck []string
			for _, j := range jobs {
				if !done[j.ID] {
					stuck = append(stuck, j.ID)
				}
			}
			return nil, fmt.Errorf("dependency cycle among jobs: %s", strings.Join(stuck, ", "))
		}
		released := make(map[string]bool, len(wave))
		for _, j := range wave {
			done[j.ID] = true
			released[j.ID] = true
		}
		for _, j := range jobs {
			if done[j.ID] {
				continue
			}
			for _, need := range j.Needs {
				if released[need] {
					indegree[j.ID]--
				}
			}
		}
		waves = append(waves, wave)
	}
	return waves, nil
}

func firstFailedNeed(job *schema.Job, results map[string]*JobResult) string {
	for _, need := range job.Needs {
		if jr := results[need]; jr != nil && jr.Status != StatusSuccess {
			return need
		}
	}
	return ""
}

// jobContext carries the state builtins thread through a job: the
// hardening policy and env exported by earlier steps.
type jobContext struct {
	workflow *schema.Workflow
	job      *schema.Job
	opts     RunOptions
	egress   string
	extraEnv []string
}

func (jc *jobContext) stepEnv(step *schema.Step) []string {
	var env []string
	for _, e := range jc.workflow.Env {
		env = append(env, e.Name+"="+e.Value)
	}
	for _, e := range jc.job.Env {
		env = append(env, e.Name+"="+e.Value)
	}
	if jc.egress != "" {
		env = append(env, "FLOWLINT_EGRESS="+jc.egress)
	}
	env = append(env, jc.extraEnv...)
	for _, e := range step.Env {
		env = append(env, e.Name+"="+e.Value)
	}
	return env
}

func (r *Runner) runJob(ctx context.Context, w *schema.Workflow, job *schema.Job, jr *JobResult, opts RunOptions) {
	jr.StartedAt = time.Now()
	r.notify(func(o Observer) { o.JobStarted(job.ID) })
	r.log.Debug("job started", zap.String("job", job.ID))

	jc := &jobContext{workflow: w, job: job, opts: opts}
	failed := false
	cancelled := false

	for _, step := range job.Steps {
		sr := &StepResult{Index: step.Index, Name: step.DisplayName()}
		if step.Uses != nil {
			sr.Uses = step.Uses.Slug()
		}
		jr.Steps = append(jr.Steps, sr)

		switch {
		case ctx.Err() != nil:
			sr.Status = StatusCancelled
			sr.Reason = "run cancelled"
		case failed:
			sr.Status = StatusSkipped
			sr.Reason = "a previous step failed"
		default:
			r.notify(func(o Observer) { o.StepStarted(job.ID, step) })
			r.runStep(ctx, jc, step, sr)
		}
		r.notify(func(o Observer) { o.StepFinished(job.ID, sr) })

		if sr.Status == StatusCancelled {
			cancelled = true
		}
		if sr.Status == StatusFailure && !step.ContinueOnError {
			failed = true
		}
	}

	jr.FinishedAt = time.Now()
	switch {
	case failed:
		jr.Status = StatusFailure
	case cancelled:
		jr.Status = StatusCancelled
		jr.Reason = "run cancelled"
	default:
		jr.Status = StatusSuccess
	}
	r.notify(func(o Observer) { o.JobFinished(jr) })
	r.log.Debug("job finished",
		zap.String("job", job.ID),
		zap.String("status", string(jr.Status)))
}

func (r *Runner) runStep(ctx context.Context, jc *jobContext, step *schema.Step, sr *StepResult) {
	started := time.Now()
	defer func() { sr.Duration = time.Since(started) }()

	switch {
	case step.Uses != nil && step.Run != "":
		sr.fail("step has both uses and run")
	case step.Uses != nil:
		r.runAction(ctx, jc, step, sr)
	case step.Run != "":
		r.runShell(ctx, jc, step, sr)
	default:
		sr.fail("step has neither uses nor run")
	}
}

func (r *Runner) runAction(ctx context.Context, jc *jobContext, step *schema.Step, sr *StepResult) {
	slug := step.Uses.Slug()
	if fn := r.builtinFor(slug); fn != nil {
		fn(ctx, jc, step, sr)
		return
	}
	if !jc.opts.Strict || r.allowedAction(slug) {
		sr.Status = StatusSkipped
		sr.Reason = fmt.Sprintf("action %s has no local implementation", slug)
		r.log.Warn("skipping action",
			zap.String("job", jc.job.ID),
			zap.String("action", slug))
		return
	}
	sr.fail(fmt.Sprintf("unsupported action %s", slug))
}

func (r *Runner) allowedAction(slug string) bool {
	for _, allowed := range r.cfg.Lint.AllowedActions {
		if allowed == slug {
			return true
		}
	}
	return false
}

func (r *Runner) runShell(ctx context.Context, jc *jobContext, step *schema.Step, sr *StepResult) {
	shell := step.Shell
	if shell == "" {
		shell = jc.job.Defaults.Shell
	}
	if shell == "" {
		shell = jc.workflow.Defaults.Shell
	}
	if shell == "" {
		shell = r.cfg.Run.Shell
	}
	if shell == "" {
		shell = "sh"
	}

	wd := step.WorkingDir
	if wd == "" {
		wd = jc.job.Defaults.WorkingDir
	}
	if wd == "" {
		wd = jc.workflow.Defaults.WorkingDir
	}
	if wd == "" {
		wd = jc.opts.Dir
	} else if !filepath.IsAbs(wd) {
		wd = filepath.Join(jc.opts.Dir, wd)
	}

	out, attempts, err := r.executeWithRetry(ctx, Command{
		Binary:  shell,
		Args:    []string{"-c", step.Run},
		Dir:     wd,
		Env:     jc.stepEnv(step),
		Timeout: r.stepTimeout(jc.job, step),
	})
	sr.Attempts = attempts
	if err != nil {
		sr.fail(err.Error())
		return
	}

	sr.ExitCode = out.ExitCode
	sr.Output = combinedOutput(out)
	switch {
	case out.Killed && ctx.Err() != nil:
		sr.Status = StatusCancelled
		sr.Reason = out.KillReason
	case out.Killed:
		sr.fail(out.KillReason)
	case out.ExitCode != 0:
		sr.fail(fmt.Sprintf("exit code %d", out.ExitCode))
	default:
		sr.Status = StatusSuccess
	}
}

// stepTimeout narrows the configured run timeout by the job and step
// timeout-minutes settings. The effective timeout never grows.
func (r *Runner) stepTimeout(job *schema.Job, step *schema.Step) time.Duration {
	t := r.cfg.RunTimeout()
	if job.TimeoutMinutes > 0 {
		if jt := time.Duration(job.TimeoutMinutes) * time.Minute; jt < t {
			t = jt
		}
	}
	if step.TimeoutMinutes > 0 {
		if st := time.Duration(step.TimeoutMinutes) * time.Minute; st < t {
			t = st
		}
	}
	return t
}

// executeWithRetry retries infrastructure failures only. A process
// that ran and exited non-zero is a result, not a retryable error.
func (r *Runner) executeWithRetry(ctx context.Context, cmd Command) (*ExecResult, int, error) {
	attempts := r.cfg.Run.Retry.Attempts
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		res, err := r.exec.Execute(ctx, cmd)
		if err == nil {
			return res, attempt, nil
		}
		lastErr = err
		if attempt == attempts || ctx.Err() != nil {
			return nil, attempt, lastErr
		}
		delay := r.retryDelay(attempt)
		r.log.Warn("command failed, retrying",
			zap.String("binary", cmd.Binary),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return nil, attempt, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, attempts, lastErr
}

func (r *Runner) retryDelay(attempt int) time.Duration {
	d := r.cfg.Backoff() << (attempt - 1)
	if limit := r.cfg.MaxBackoff(); d > limit {
		d = limit
	}
	return d + rand.N(d/4+1)
}

func (r *Runner) notify(fn func(Observer)) {
	r.obsMu.Lock()
	defer r.obsMu.Unlock()
	fn(r.obs)
}

func combinedOutput(res *ExecResult) string {
	out := res.Stdout
	if res.Stderr != "" {
		if out != "" && !strings.HasSuffix(out, "\n") {
			out += "\n"
		}
		out += res.Stderr
	}
	return strings.TrimRight(out, "\n")
}
