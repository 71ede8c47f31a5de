// Package main is the flowlint CLI: lint GitHub Actions workflows, run the
// diff-aware format check, and execute workflows locally.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"flowlint/internal/config"
	"flowlint/internal/logging"
	"flowlint/internal/ui"
)

var (
	// Global flags
	workspace string
	cfgPath   string
	verbose   bool
	logJSON   bool
	noColor   bool

	cfg    *config.Config
	logger *zap.Logger
)

// errFindings signals exit code 1: findings at or above the threshold, or
// failed steps. Everything else that errors exits 2.
var errFindings = errors.New("problems found")

var rootCmd = &cobra.Command{
	Use:   "flowlint",
	Short: "flowlint lints and locally executes GitHub Actions workflows",
	Long: `flowlint keeps CI lint pipelines honest before they reach GitHub.

It parses .github/workflows, enforces pinning and hardening policy over
the workflow graph, runs the same diff-aware format check the pipeline
runs (changed lines only), and can execute workflow jobs locally with
their needs order, env layering, and timeouts.

Configuration, custom rules, plugins, and run history live under
.flowlint/ in the workspace.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if workspace == "" {
			wd, err := os.Getwd()
			if err != nil {
				return fmt.Errorf("resolving workspace: %w", err)
			}
			workspace = wd
		}

		var err error
		if cfgPath != "" {
			cfg, err = config.LoadFile(cfgPath)
		} else {
			cfg, err = config.Load(workspace)
		}
		if err != nil {
			return err
		}

		level := cfg.Log.Level
		if verbose {
			level = "debug"
		}
		logger, err = logging.New(logging.Options{Level: level, JSON: logJSON || cfg.Log.JSON})
		if err != nil {
			return err
		}
		logging.Category(logger, logging.CategoryBoot).Debug("configured",
			zap.String("workspace", workspace))
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "workspace directory (default: current)")
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file (default: <workspace>/.flowlint/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "machine-readable log output")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable styled output")

	rootCmd.AddCommand(lintCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(rulesCmd)
	rootCmd.AddCommand(explainCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, errFindings) {
			os.Exit(1)
		}
		fmt.Fprintln(os.Stderr, "flowlint:", err)
		os.Exit(2)
	}
}

// styles picks colored or plain rendering. Piped output gets plain text.
func styles() ui.Styles {
	if noColor || !stdoutIsTTY() {
		return ui.Plain()
	}
	return ui.NewStyles()
}

func stdoutIsTTY() bool {
	fi, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}
