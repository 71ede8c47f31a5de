package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"flowlint/internal/config"
	"flowlint/internal/event"
	"flowlint/internal/logging"
	"flowlint/internal/policy"
	"flowlint/internal/runner"
	"flowlint/internal/schema"
	"flowlint/internal/store"
	"flowlint/internal/ui"
)

var (
	runEvent    string
	runRef      string
	runBase     string
	runStrict   bool
	runFix      bool
	runFailFast bool
)

var runCmd = &cobra.Command{
	Use:   "run [workflow]",
	Short: "Execute workflows locally",
	Long: `Executes workflow jobs on this machine: needs order, env layering,
shell steps through the configured shell, the lint-pipeline actions
(harden-runner, checkout, setup-python, darker) mapped to local
implementations.

With --event the on: triggers gate execution the way GitHub would for
that event and ref. Unknown uses: actions are skipped with a warning
unless --strict.

Runs are recorded to .flowlint/history.db.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runEvent, "event", "", "gate jobs on this event: push, pull_request, ...")
	runCmd.Flags().StringVar(&runRef, "ref", "main", "ref the simulated event points at")
	runCmd.Flags().StringVar(&runBase, "base", "", "base revision for diff-aware steps")
	runCmd.Flags().BoolVar(&runStrict, "strict", false, "fail on actions that have no local implementation")
	runCmd.Flags().BoolVar(&runFix, "fix", false, "let format steps rewrite offending files")
	runCmd.Flags().BoolVar(&runFailFast, "fail-fast", false, "cancel remaining jobs after the first failure")
}

func runRun(cmd *cobra.Command, args []string) error {
	log := logging.Category(logger, logging.CategoryRun)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		sig, ok := <-sigCh
		if !ok {
			return
		}
		log.Info("shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	paths, err := resolveWorkflowPaths(args)
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		return fmt.Errorf("no workflow files to run")
	}

	findings, err := lintWorkflows(ctx, args)
	if err != nil {
		return err
	}

	var ev event.Event
	if runEvent != "" {
		ev = event.Event{Name: runEvent, Ref: runRef}
	}
	opts := runner.RunOptions{
		Event:    ev,
		BaseRev:  runBase,
		Dir:      workspace,
		Strict:   runStrict,
		FailFast: runFailFast,
		Fix:      runFix,
	}

	r := runner.New(cfg, log)
	s := styles()
	hist := openHistory(log)
	if hist != nil {
		defer hist.Close()
	}

	failed := false
	for _, path := range paths {
		w, err := schema.ParseFile(path)
		if err != nil {
			fmt.Printf("%s %s: %v\n", s.Error.Render("✗"), displayPath(path), err)
			failed = true
			continue
		}
		w.Path = displayPath(path)

		res, err := r.Run(ctx, w, opts)
		if err != nil {
			return fmt.Errorf("running %s: %w", w.Path, err)
		}
		fmt.Print(ui.RenderRun(s, res))

		recordRun(ctx, hist, res, findingsFor(findings, w.Path), log)
		if res.Status.Failed() {
			failed = true
		}
	}

	if failed {
		return errFindings
	}
	return nil
}

// openHistory opens the run history store. History failures never fail
// the command; lint results must not depend on local DB health.
func openHistory(log *zap.Logger) *store.Store {
	if !cfg.History.Enabled {
		return nil
	}
	hist, err := store.Open(config.HistoryPath(workspace), logging.Category(logger, logging.CategoryStore))
	if err != nil {
		log.Warn("history disabled", zap.Error(err))
		return nil
	}
	return hist
}

func recordRun(ctx context.Context, hist *store.Store, res *runner.RunResult, findings []policy.Finding, log *zap.Logger) {
	if hist == nil {
		return
	}
	if err := hist.RecordRun(ctx, res, findings); err != nil {
		log.Warn("recording run", zap.Error(err))
		return
	}
	if keep := cfg.History.Keep; keep > 0 {
		if _, err := hist.Prune(ctx, keep); err != nil {
			log.Warn("pruning history", zap.Error(err))
		}
	}
}

func findingsFor(findings []policy.Finding, path string) []policy.Finding {
	var out []policy.Finding
	for _, f := range findings {
		if f.Path == path {
			out = append(out, f)
		}
	}
	return out
}
