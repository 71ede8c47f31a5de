package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"flowlint/internal/config"
	"flowlint/internal/logging"
	"flowlint/internal/store"
	"flowlint/internal/ui"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recorded runs",
	RunE:  runHistory,
}

var historyShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one recorded run",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistoryShow,
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "number of runs to list")
	historyCmd.AddCommand(historyShowCmd)
}

func openHistoryOrFail() (*store.Store, error) {
	path := config.HistoryPath(workspace)
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("no run history at %s", path)
	}
	return store.Open(path, logging.Category(logger, logging.CategoryStore))
}

func runHistory(cmd *cobra.Command, args []string) error {
	hist, err := openHistoryOrFail()
	if err != nil {
		return err
	}
	defer hist.Close()

	runs, err := hist.RecentRuns(cmd.Context(), historyLimit)
	if err != nil {
		return err
	}
	fmt.Print(ui.RenderHistory(styles(), runs))
	return nil
}

func runHistoryShow(cmd *cobra.Command, args []string) error {
	hist, err := openHistoryOrFail()
	if err != nil {
		return err
	}
	defer hist.Close()

	detail, err := hist.RunDetail(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	fmt.Print(ui.RenderDetail(styles(), detail))
	return nil
}
