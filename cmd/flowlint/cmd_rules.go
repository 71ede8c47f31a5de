package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"flowlint/internal/config"
	"flowlint/internal/plugin"
	"flowlint/internal/policy"
	"flowlint/internal/ui"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "List the lint rules",
	RunE:  runRules,
}

var explainCmd = &cobra.Command{
	Use:   "explain <rule>",
	Short: "Show a rule's documentation",
	Long: `Renders the rule's documentation: what it catches, why it matters,
and how to fix it.

Example:
  flowlint explain unpinned-action`,
	Args: cobra.ExactArgs(1),
	RunE: runExplain,
}

func runRules(cmd *cobra.Command, args []string) error {
	s := styles()
	fmt.Print(ui.RenderRules(s, policy.Rules()))

	custom, err := policy.LoadRulesDir(config.RulesDir(workspace))
	if err != nil {
		return err
	}
	if len(custom) > 0 {
		fmt.Println()
		fmt.Println(s.Title.Render("custom rules"))
		for _, rs := range custom {
			fmt.Printf("  %s\n", rs.Name)
		}
	}

	plugins, err := plugin.LoadDir(config.PluginsDir(workspace))
	if err != nil {
		return err
	}
	if len(plugins) > 0 {
		fmt.Println()
		fmt.Println(s.Title.Render("plugins"))
		for _, p := range plugins {
			fmt.Printf("  %s\n", p.Name)
		}
	}
	return nil
}

func runExplain(cmd *cobra.Command, args []string) error {
	rule := policy.RuleFor(args[0])
	out, err := ui.RenderRuleDoc(rule, noColor || !stdoutIsTTY(), 80)
	if err != nil {
		return err
	}
	fmt.Print(out)
	return nil
}
