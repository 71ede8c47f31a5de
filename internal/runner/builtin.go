package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"flowlint/internal/gitx"
	"flowlint/internal/reformat"
	"flowlint/internal/schema"
)

// Action slugs with a local implementation. Everything else is either
// skipped or, under Strict, a failure.
const (
	slugHarden   = "step-security/harden-runner"
	slugCheckout = "actions/checkout"
	slugSetupPy  = "actions/setup-python"
	slugDarker   = "akaihola/darker"
)

type builtinFunc func(ctx context.Context, jc *jobContext, step *schema.Step, sr *StepResult)

func (r *Runner) builtinFor(slug string) builtinFunc {
	switch slug {
	case slugHarden:
		return r.runHarden
	case slugCheckout:
		return r.runCheckout
	case slugSetupPy:
		return r.runToolchain
	case slugDarker:
		return r.runFormatCheck
	default:
		return nil
	}
}

// runHarden installs the job's egress policy. Locally this restricts
// later steps to the allowlisted environment and records the policy;
// there is no network to firewall here, so block degrades to audit
// with a note.
func (r *Runner) runHarden(_ context.Context, jc *jobContext, step *schema.Step, sr *StepResult) {
	policy := step.WithValue("egress-policy")
	if policy == "" {
		policy = "audit"
	}
	switch policy {
	case "audit", "block":
	default:
		sr.fail(fmt.Sprintf("unsupported egress-policy %q", policy))
		return
	}
	jc.egress = policy
	sr.Status = StatusSuccess
	sr.Output = fmt.Sprintf("egress policy %s installed; environment restricted to the allowlist", policy)
	if policy == "block" {
		sr.Output += "\nno local firewall: block is audited, not enforced"
	}
	r.log.Info("job hardened",
		zap.String("job", jc.job.ID),
		zap.String("egress", policy))
}

// runCheckout verifies the local repository can stand in for a fresh
// clone: it must be a git work tree, deep enough for the requested
// fetch depth, and hold the requested ref.
func (r *Runner) runCheckout(ctx context.Context, jc *jobContext, step *schema.Step, sr *StepResult) {
	dir := jc.opts.Dir
	if !gitx.IsRepo(ctx, dir) {
		sr.fail(fmt.Sprintf("%s: %v", dir, gitx.ErrNotRepo))
		return
	}
	if step.WithValue("fetch-depth") == "0" {
		shallow, err := gitx.IsShallow(ctx, dir)
		if err != nil {
			sr.fail(err.Error())
			return
		}
		if shallow {
			sr.fail("fetch-depth: 0 requested but the repository is shallow")
			return
		}
	}
	if ref := step.WithValue("ref"); ref != "" {
		if _, err := gitx.RevParse(ctx, dir, ref); err != nil {
			sr.fail(fmt.Sprintf("ref %s: %v", ref, err))
			return
		}
	}
	head, err := gitx.Head(ctx, dir)
	if err != nil {
		sr.fail(err.Error())
		return
	}
	sr.Status = StatusSuccess
	sr.Output = "HEAD at " + shortSHA(head)
}

func shortSHA(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}

// runToolchain resolves the python interpreter the formatters need and
// exports its path into the job env. The python-version input is an
// advisory check, not a version manager.
func (r *Runner) runToolchain(ctx context.Context, jc *jobContext, step *schema.Step, sr *StepResult) {
	path, err := r.exec.LookPath("python3")
	if err != nil {
		path, err = r.exec.LookPath("python")
	}
	if err != nil {
		sr.fail("no python interpreter on PATH")
		return
	}

	notes := []string{"python at " + path}
	if want := step.WithValue("python-version"); want != "" {
		out, execErr := r.exec.Execute(ctx, Command{
			Binary:  path,
			Args:    []string{"--version"},
			Dir:     jc.opts.Dir,
			Timeout: 10 * time.Second,
		})
		if execErr == nil && out.ExitCode == 0 {
			got := strings.TrimPrefix(strings.TrimSpace(out.Stdout+out.Stderr), "Python ")
			if !versionSatisfies(got, want) {
				notes = append(notes, fmt.Sprintf("python-version %s requested, found %s", want, got))
				r.log.Warn("python version mismatch",
					zap.String("want", want),
					zap.String("got", got))
			}
		}
	}

	jc.extraEnv = append(jc.extraEnv, "FLOWLINT_PYTHON="+path)
	sr.Status = StatusSuccess
	sr.Output = strings.Join(notes, "\n")
}

// versionSatisfies reports whether got falls under the requested
// version prefix: want 3.13 accepts 3.13 and 3.13.2, not 3.1.
func versionSatisfies(got, want string) bool {
	return got == want || strings.HasPrefix(got, want+".")
}

// runFormatCheck diffs the work tree against the base revision and
// checks the changed lines of every file a formatter owns. Under Fix
// the offending hunks are applied instead of reported.
func (r *Runner) runFormatCheck(ctx context.Context, jc *jobContext, step *schema.Step, sr *StepResult) {
	dir := jc.opts.Dir
	if !gitx.IsRepo(ctx, dir) {
		sr.fail(fmt.Sprintf("%s: %v", dir, gitx.ErrNotRepo))
		return
	}
	base := r.baseRevision(ctx, jc, step)
	changes, err := gitx.ChangedFiles(ctx, dir, base)
	if err != nil {
		sr.fail(fmt.Sprintf("diff against %s: %v", base, err))
		return
	}

	inputs := make([]reformat.FileInput, 0, len(changes))
	byPath := make(map[string]reformat.FileInput, len(changes))
	for _, ch := range changes {
		if ch.Status == 'D' {
			continue
		}
		f := r.formats.ForPath(ch.Path)
		if f == nil {
			continue
		}
		src, err := os.ReadFile(filepath.Join(dir, ch.Path))
		if err != nil {
			sr.fail(err.Error())
			return
		}
		var changed []gitx.LineRange
		if ch.Untracked {
			changed = []gitx.LineRange{gitx.WholeFile()}
		} else {
			changed, err = gitx.ChangedLines(ctx, dir, base, ch.Path)
			if err != nil {
				sr.fail(fmt.Sprintf("%s: %v", ch.Path, err))
				return
			}
		}
		in := reformat.FileInput{Path: ch.Path, Src: src, Changed: changed, Formatter: f}
		inputs = append(inputs, in)
		byPath[ch.Path] = in
	}
	if len(inputs) == 0 {
		sr.Status = StatusSuccess
		sr.Output = fmt.Sprintf("no changed files against %s match a formatter", shortSHA(base))
		return
	}

	results, err := r.checker.CheckFiles(ctx, inputs)
	if err != nil {
		sr.fail(err.Error())
		return
	}

	var offending []*reformat.FileResult
	var lines []string
	for _, fr := range results {
		switch {
		case fr.Err != "":
			offending = append(offending, fr)
			lines = append(lines, fr.Path+": "+fr.Err)
		case !fr.Clean:
			offending = append(offending, fr)
			lines = append(lines, describeRanges(fr))
		}
	}
	if len(offending) == 0 {
		sr.Status = StatusSuccess
		sr.Output = fmt.Sprintf("%d changed file(s) clean", len(results))
		return
	}
	sr.Findings = offending

	if jc.opts.Fix {
		r.applyFixes(ctx, jc, byPath, offending, sr)
		return
	}
	sr.fail("reformatting needed:\n" + strings.Join(lines, "\n"))
}

func (r *Runner) applyFixes(ctx context.Context, jc *jobContext, byPath map[string]reformat.FileInput, offending []*reformat.FileResult, sr *StepResult) {
	fixed := 0
	var failures []string
	for _, fr := range offending {
		if fr.Err != "" {
			failures = append(failures, fr.Path+": "+fr.Err)
			continue
		}
		in := byPath[fr.Path]
		out, changed, err := r.checker.Fix(ctx, in.Path, in.Src, in.Changed, in.Formatter)
		if err != nil {
			failures = append(failures, fr.Path+": "+err.Error())
			continue
		}
		if !changed {
			continue
		}
		mode := os.FileMode(0o644)
		if info, statErr := os.Stat(filepath.Join(jc.opts.Dir, fr.Path)); statErr == nil {
			mode = info.Mode()
		}
		if err := os.WriteFile(filepath.Join(jc.opts.Dir, fr.Path), out, mode); err != nil {
			failures = append(failures, fr.Path+": "+err.Error())
			continue
		}
		fixed++
		r.log.Info("reformatted file", zap.String("path", fr.Path))
	}
	if len(failures) > 0 {
		sr.fail("fix failed:\n" + strings.Join(failures, "\n"))
		return
	}
	sr.Status = StatusSuccess
	sr.Output = fmt.Sprintf("reformatted %d file(s)", fixed)
}

// baseRevision picks the revision changed files are diffed against:
// explicit option, then the step's revision input, then the merge base
// with the default branch, then HEAD.
func (r *Runner) baseRevision(ctx context.Context, jc *jobContext, step *schema.Step) string {
	if jc.opts.BaseRev != "" {
		return jc.opts.BaseRev
	}
	if rev := step.WithValue("revision"); rev != "" {
		return rev
	}
	return gitx.DefaultBase(ctx, jc.opts.Dir)
}

func describeRanges(fr *reformat.FileResult) string {
	parts := make([]string, 0, len(fr.Ranges))
	for _, rg := range fr.Ranges {
		if rg.Start == rg.End {
			parts = append(parts, fmt.Sprintf("%d", rg.Start))
		} else {
			parts = append(parts, fmt.Sprintf("%d-%d", rg.Start, rg.End))
		}
	}
	return fr.Path + ":" + strings.Join(parts, ",")
}
