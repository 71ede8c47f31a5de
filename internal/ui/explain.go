package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/glamour"

	"flowlint/internal/policy"
)

// RenderRules lists the rule registry as a table.
func RenderRules(s Styles, rules []policy.Rule) string {
	nameW := 0
	for _, r := range rules {
		if len(r.Name) > nameW {
			nameW = len(r.Name)
		}
	}

	var b strings.Builder
	b.WriteString(s.Title.Render("rules") + "\n")
	for _, r := range rules {
		sev := fmt.Sprintf("%-7s", r.Severity)
		b.WriteString(fmt.Sprintf("  %s  %s  %s\n",
			s.Bold.Render(fmt.Sprintf("%-*s", nameW, r.Name)),
			s.Severity(r.Severity).Render(sev),
			s.Muted.Render(r.Message)))
	}
	return b.String()
}

// RenderRuleDoc renders one rule's markdown documentation for the terminal.
func RenderRuleDoc(rule policy.Rule, noColor bool, width int) (string, error) {
	if width <= 0 {
		width = 80
	}
	opts := []glamour.TermRendererOption{glamour.WithWordWrap(width)}
	if noColor {
		opts = append(opts, glamour.WithStylePath("notty"))
	} else {
		opts = append(opts, glamour.WithAutoStyle())
	}
	r, err := glamour.NewTermRenderer(opts...)
	if err != nil {
		return "", fmt.Errorf("building markdown renderer: %w", err)
	}
	return r.Render(ruleMarkdown(rule))
}

func ruleMarkdown(rule policy.Rule) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", rule.Name)
	fmt.Fprintf(&b, "**severity:** %s\n\n", rule.Severity)
	fmt.Fprintf(&b, "**message:** %s\n\n", rule.Message)
	if rule.Doc != "" {
		b.WriteString(rule.Doc)
		b.WriteString("\n")
	} else if rule.Custom {
		b.WriteString("No documentation: this rule comes from a custom `.mg` file or a plugin.\n")
	}
	return b.String()
}
