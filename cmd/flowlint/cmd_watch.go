package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"flowlint/internal/config"
	"flowlint/internal/gitx"
	"flowlint/internal/logging"
	"flowlint/internal/ui"
	"flowlint/internal/watch"
)

var watchNoTUI bool

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Re-lint and re-check on file changes",
	Long: `Watches .github/workflows, .flowlint/rules, .flowlint/plugins, and any
configured extra paths. Settled changes trigger a full lint plus the
diff-aware format check.

Runs a small TUI on a terminal; --no-tui (or piped output) prints each
pass as plain text.`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().BoolVar(&watchNoTUI, "no-tui", false, "plain text output instead of the TUI")
}

func runWatch(cmd *cobra.Command, args []string) error {
	log := logging.Category(logger, logging.CategoryWatch)

	dirs := watchDirs()
	w, err := watch.New(dirs, cfg.Debounce(), log)
	if err != nil {
		return fmt.Errorf("starting watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		return err
	}
	defer w.Stop()

	if watchNoTUI || !stdoutIsTTY() {
		return watchPlain(ctx, w, log)
	}
	return watchTUI(ctx, w)
}

func watchDirs() []string {
	dirs := []string{
		filepath.Join(workspace, ".github", "workflows"),
		config.RulesDir(workspace),
		config.PluginsDir(workspace),
	}
	for _, p := range cfg.Watch.Paths {
		if !filepath.IsAbs(p) {
			p = filepath.Join(workspace, p)
		}
		dirs = append(dirs, p)
	}
	return dirs
}

// watchPass is one lint-plus-format-check cycle, rendered for display.
func watchPass(ctx context.Context, s ui.Styles) (string, error) {
	findings, err := lintWorkflows(ctx, nil)
	if err != nil {
		return "", err
	}
	out := ui.RenderFindings(s, findings)

	if gitx.IsRepo(ctx, workspace) {
		base := gitx.DefaultBase(ctx, workspace)
		results, inputs, err := checkChangedFiles(ctx, base, nil)
		if err != nil {
			return "", err
		}
		var offending []string
		for _, fr := range results {
			if fr.Err != "" || (!fr.Clean && !fr.Skipped) {
				offending = append(offending, fr.Path)
			}
		}
		switch {
		case len(offending) > 0:
			out += s.Error.Render("✗") + " reformatting needed: " + strings.Join(offending, ", ") + "\n"
		case len(inputs) > 0:
			out += s.Success.Render("✓") + fmt.Sprintf(" %d changed file(s) clean against %s\n", len(inputs), base)
		}
	}
	return out, nil
}

func watchTUI(ctx context.Context, w *watch.Watcher) error {
	s := styles()
	model := ui.NewWatchModel(s, displayDirs(), func(paths []string) (string, error) {
		return watchPass(ctx, s)
	})
	p := ui.NewWatchProgram(model)

	go func() {
		for batch := range w.Changes() {
			p.Send(ui.ChangesMsg(batch))
		}
	}()
	go func() {
		<-ctx.Done()
		p.Quit()
	}()

	_, err := p.Run()
	return err
}

func watchPlain(ctx context.Context, w *watch.Watcher, log *zap.Logger) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	s := styles()
	pass := func() {
		out, err := watchPass(ctx, s)
		if err != nil {
			fmt.Fprintln(os.Stderr, "flowlint:", err)
			return
		}
		fmt.Print(out)
	}

	pass()
	log.Info("watching", zap.Strings("dirs", displayDirs()))
	for {
		select {
		case sig := <-sigCh:
			log.Info("shutting down", zap.String("signal", sig.String()))
			return nil
		case <-ctx.Done():
			return nil
		case batch, ok := <-w.Changes():
			if !ok {
				return nil
			}
			fmt.Printf("\n%d change(s) settled\n", len(batch))
			pass()
		}
	}
}

func displayDirs() []string {
	dirs := watchDirs()
	out := make([]string, 0, len(dirs))
	for _, d := range dirs {
		out = append(out, displayPath(d))
	}
	return out
}
