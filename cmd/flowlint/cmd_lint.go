package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"flowlint/internal/config"
	"flowlint/internal/logging"
	"flowlint/internal/plugin"
	"flowlint/internal/policy"
	"flowlint/internal/schema"
	"flowlint/internal/ui"
)

var (
	lintFormat string
	lintFailOn string
)

var lintCmd = &cobra.Command{
	Use:   "lint [paths...]",
	Short: "Lint workflow files against the pinning and hardening policy",
	Long: `Parses the given workflow files (default: every file under
.github/workflows) and reports policy findings: unpinned actions,
missing permissions or timeouts, unhardened jobs, event trigger
problems.

Custom datalog rules from .flowlint/rules/*.mg and plugins from
.flowlint/plugins/*.go run alongside the builtin rules.

Exits 1 when any finding is at or above --fail-on.`,
	RunE: runLint,
}

func init() {
	lintCmd.Flags().StringVar(&lintFormat, "format", "text", "output format: text or json")
	lintCmd.Flags().StringVar(&lintFailOn, "fail-on", "error", "fail when findings reach this severity: info, warning, error")
}

func runLint(cmd *cobra.Command, args []string) error {
	threshold, err := policy.ParseSeverity(lintFailOn)
	if err != nil {
		return fmt.Errorf("--fail-on: %w", err)
	}
	if lintFormat != "text" && lintFormat != "json" {
		return fmt.Errorf("--format: unknown format %q", lintFormat)
	}

	findings, err := lintWorkflows(cmd.Context(), args)
	if err != nil {
		return err
	}

	if lintFormat == "json" {
		out, err := json.MarshalIndent(findings, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
	} else {
		fmt.Print(ui.RenderFindings(styles(), findings))
	}

	for _, f := range findings {
		if f.Severity.Rank() >= threshold.Rank() {
			return errFindings
		}
	}
	return nil
}

// lintWorkflows parses and lints the given workflow files, or every
// discovered workflow when paths is empty.
func lintWorkflows(ctx context.Context, paths []string) ([]policy.Finding, error) {
	log := logging.Category(logger, logging.CategoryLint)

	paths, err := resolveWorkflowPaths(paths)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no workflow files under %s", filepath.Join(workspace, ".github", "workflows"))
	}

	engine, buildFindings, err := buildEngine(log)
	if err != nil {
		return nil, err
	}

	plugins, err := plugin.LoadDir(config.PluginsDir(workspace))
	if err != nil {
		return nil, fmt.Errorf("loading plugins: %w", err)
	}
	host := plugin.NewHost(10*time.Second, logging.Category(logger, logging.CategoryPlugin))

	findings := buildFindings
	for _, path := range paths {
		w, err := schema.ParseFile(path)
		if err != nil {
			findings = append(findings, policy.FromError(displayPath(path), err))
			continue
		}
		w.Path = displayPath(path)

		fs, err := engine.Lint(ctx, w)
		if err != nil {
			return nil, fmt.Errorf("linting %s: %w", w.Path, err)
		}
		findings = append(findings, fs...)
		findings = append(findings, host.Check(ctx, w, plugins)...)
	}

	policy.SortFindings(findings)
	log.Debug("lint finished",
		zap.Int("workflows", len(paths)),
		zap.Int("findings", len(findings)))
	return findings, nil
}

// buildEngine compiles the policy engine with workspace custom rules and
// config severity overrides. Broken custom rules degrade to findings.
func buildEngine(log *zap.Logger) (*policy.Engine, []policy.Finding, error) {
	custom, err := policy.LoadRulesDir(config.RulesDir(workspace))
	if err != nil {
		return nil, nil, fmt.Errorf("loading custom rules: %w", err)
	}

	severity := make(map[string]policy.Severity, len(cfg.Lint.Severity))
	for rule, name := range cfg.Lint.Severity {
		sev, err := policy.ParseSeverity(name)
		if err != nil {
			return nil, nil, fmt.Errorf("lint.severity[%s]: %w", rule, err)
		}
		severity[rule] = sev
	}

	return policy.BuildEngine(policy.Options{
		CustomRules: custom,
		Disable:     cfg.Lint.Disable,
		Severity:    severity,
		Logger:      log,
	})
}

// resolveWorkflowPaths expands explicit arguments or discovers the
// workspace workflow directory.
func resolveWorkflowPaths(args []string) ([]string, error) {
	if len(args) == 0 {
		return schema.Discover(workspace)
	}
	var paths []string
	for _, arg := range args {
		path := arg
		if !filepath.IsAbs(path) {
			path = filepath.Join(workspace, path)
		}
		info, err := os.Stat(path)
		if err != nil {
			return nil, err
		}
		if info.IsDir() {
			found, err := schema.Discover(path)
			if err != nil {
				return nil, err
			}
			if len(found) == 0 {
				// A bare directory of YAML files, not a repo root.
				entries, err := os.ReadDir(path)
				if err != nil {
					return nil, err
				}
				for _, e := range entries {
					if e.IsDir() {
						continue
					}
					if ext := filepath.Ext(e.Name()); ext == ".yml" || ext == ".yaml" {
						found = append(found, filepath.Join(path, e.Name()))
					}
				}
			}
			paths = append(paths, found...)
			continue
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// displayPath renders a path workspace-relative when possible.
func displayPath(path string) string {
	if rel, err := filepath.Rel(workspace, path); err == nil && !strings.HasPrefix(rel, "..") {
		return filepath.ToSlash(rel)
	}
	return filepath.ToSlash(path)
}
