package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"flowlint/internal/gitx"
	"flowlint/internal/logging"
	"flowlint/internal/reformat"
)

var (
	checkBase string
	checkFix  bool
	checkDiff bool
)

var checkCmd = &cobra.Command{
	Use:   "check [paths...]",
	Short: "Diff-aware format check of changed files",
	Long: `Runs the configured formatters over files that changed against the
base revision and reports only the edits that touch changed lines,
the way darker scopes black to your diff.

The base defaults to the merge base with the default branch. Untracked
files are checked whole. --fix rewrites offending files in place,
touching only the changed-line edits.`,
	RunE: runCheck,
}

func init() {
	checkCmd.Flags().StringVar(&checkBase, "base", "", "revision to diff against (default: merge base with the default branch)")
	checkCmd.Flags().BoolVar(&checkFix, "fix", false, "apply the selective reformatting instead of reporting it")
	checkCmd.Flags().BoolVar(&checkDiff, "diff", false, "print the pending reformat as a unified diff")
}

func runCheck(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	log := logging.Category(logger, logging.CategoryFormat)
	s := styles()

	if !gitx.IsRepo(ctx, workspace) {
		return fmt.Errorf("%s: %w", workspace, gitx.ErrNotRepo)
	}
	base := checkBase
	if base == "" {
		base = gitx.DefaultBase(ctx, workspace)
	}

	results, inputs, err := checkChangedFiles(ctx, base, args)
	if err != nil {
		return err
	}
	if len(inputs) == 0 {
		fmt.Println(s.Success.Render("✓") + " no changed files against " + base + " match a formatter")
		return nil
	}

	var offending []*reformat.FileResult
	for _, fr := range results {
		if fr.Err != "" || (!fr.Clean && !fr.Skipped) {
			offending = append(offending, fr)
		}
	}
	if len(offending) == 0 {
		fmt.Printf("%s %d changed file(s) clean against %s\n", s.Success.Render("✓"), len(inputs), base)
		return nil
	}

	if checkFix {
		return applyCheckFixes(ctx, base, inputs, offending, log)
	}

	for _, fr := range offending {
		if fr.Err != "" {
			fmt.Printf("%s %s: %s\n", s.Error.Render("✗"), fr.Path, fr.Err)
			continue
		}
		fmt.Printf("%s %s needs reformatting at %s (%s)\n",
			s.Error.Render("✗"), fr.Path, rangeList(fr), fr.Formatter)
		if checkDiff && fr.Patch != "" {
			fmt.Println(fr.Patch)
		}
	}
	return errFindings
}

// checkChangedFiles gathers the changed files that a formatter owns and
// checks them. paths filters the diff when given.
func checkChangedFiles(ctx context.Context, base string, paths []string) ([]*reformat.FileResult, []reformat.FileInput, error) {
	formats := formatSet()
	checker := reformat.NewChecker(cfg.Format.Parallelism, logging.Category(logger, logging.CategoryFormat))

	changes, err := gitx.ChangedFiles(ctx, workspace, base)
	if err != nil {
		return nil, nil, fmt.Errorf("diff against %s: %w", base, err)
	}

	var inputs []reformat.FileInput
	for _, ch := range changes {
		if ch.Status == 'D' || !underAny(ch.Path, paths) {
			continue
		}
		f := formats.ForPath(ch.Path)
		if f == nil {
			continue
		}
		src, err := os.ReadFile(filepath.Join(workspace, ch.Path))
		if err != nil {
			return nil, nil, err
		}
		var changed []gitx.LineRange
		if ch.Untracked {
			changed = []gitx.LineRange{gitx.WholeFile()}
		} else {
			changed, err = gitx.ChangedLines(ctx, workspace, base, ch.Path)
			if err != nil {
				return nil, nil, fmt.Errorf("%s: %w", ch.Path, err)
			}
		}
		inputs = append(inputs, reformat.FileInput{
			Path: ch.Path, Src: src, Changed: changed, Formatter: f,
		})
	}

	results, err := checker.CheckFiles(ctx, inputs)
	if err != nil {
		return nil, nil, err
	}
	return results, inputs, nil
}

func applyCheckFixes(ctx context.Context, base string, inputs []reformat.FileInput, offending []*reformat.FileResult, log *zap.Logger) error {
	checker := reformat.NewChecker(cfg.Format.Parallelism, log)
	byPath := make(map[string]reformat.FileInput, len(inputs))
	for _, in := range inputs {
		byPath[in.Path] = in
	}

	fixed := 0
	for _, fr := range offending {
		if fr.Err != "" {
			return fmt.Errorf("%s: %s", fr.Path, fr.Err)
		}
		in := byPath[fr.Path]
		out, changed, err := checker.Fix(ctx, in.Path, in.Src, in.Changed, in.Formatter)
		if err != nil {
			return fmt.Errorf("fixing %s: %w", fr.Path, err)
		}
		if !changed {
			continue
		}
		mode := os.FileMode(0o644)
		if info, err := os.Stat(filepath.Join(workspace, fr.Path)); err == nil {
			mode = info.Mode()
		}
		if err := os.WriteFile(filepath.Join(workspace, fr.Path), out, mode); err != nil {
			return fmt.Errorf("writing %s: %w", fr.Path, err)
		}
		log.Info("reformatted", zap.String("path", fr.Path))
		fixed++
	}
	fmt.Printf("%s reformatted %d file(s) against %s\n", styles().Success.Render("✓"), fixed, base)
	return nil
}

// formatSet builds the pattern-dispatched formatter set from config.
func formatSet() *reformat.Set {
	configured := make([]reformat.ConfiguredFormatter, 0, len(cfg.Format.Formatters))
	for _, f := range cfg.Format.Formatters {
		configured = append(configured, reformat.ConfiguredFormatter{
			Formatter: reformat.NewCommandFormatter(f.Name, f.Command, f.Args),
			Patterns:  f.Patterns,
		})
	}
	return reformat.NewSet(configured)
}

// underAny reports whether path sits under one of the filter paths.
// An empty filter matches everything.
func underAny(path string, filters []string) bool {
	if len(filters) == 0 {
		return true
	}
	clean := filepath.ToSlash(path)
	for _, f := range filters {
		f = strings.TrimSuffix(filepath.ToSlash(f), "/")
		if clean == f || strings.HasPrefix(clean, f+"/") {
			return true
		}
	}
	return false
}

func rangeList(fr *reformat.FileResult) string {
	parts := make([]string, 0, len(fr.Ranges))
	for _, rg := range fr.Ranges {
		if rg.IsWholeFile() {
			return "the whole file"
		}
		if rg.Start == rg.End {
			parts = append(parts, fmt.Sprintf("%d", rg.Start))
		} else {
			parts = append(parts, fmt.Sprintf("%d-%d", rg.Start, rg.End))
		}
	}
	return "line(s) " + strings.Join(parts, ",")
}
