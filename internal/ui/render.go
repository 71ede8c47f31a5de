package ui

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"flowlint/internal/policy"
	"flowlint/internal/runner"
	"flowlint/internal/store"
)

// RenderFindings renders findings grouped by file with a trailing summary
// line. Findings are expected in SortFindings order.
func RenderFindings(s Styles, findings []policy.Finding) string {
	if len(findings) == 0 {
		return s.Success.Render("✓") + " no findings\n"
	}

	lineW, sevW, ruleW := 0, 0, 0
	for _, f := range findings {
		if w := len(strconv.Itoa(f.Line)); w > lineW {
			lineW = w
		}
		if w := len(string(f.Severity)); w > sevW {
			sevW = w
		}
		if w := len(f.Rule); w > ruleW {
			ruleW = w
		}
	}

	var b strings.Builder
	lastPath := ""
	for _, f := range findings {
		if f.Path != lastPath {
			if lastPath != "" {
				b.WriteString("\n")
			}
			b.WriteString(s.Path.Render(f.Path) + "\n")
			lastPath = f.Path
		}
		sev := fmt.Sprintf("%-*s", sevW, f.Severity)
		b.WriteString(fmt.Sprintf("  %*d  %s  %s  %s\n",
			lineW, f.Line,
			s.Severity(f.Severity).Render(sev),
			s.Rule.Render(fmt.Sprintf("%-*s", ruleW, f.Rule)),
			f.Message))
	}

	errs, warns, infos := countBySeverity(findings)
	b.WriteString("\n" + summaryLine(s, errs, warns, infos) + "\n")
	return b.String()
}

func countBySeverity(findings []policy.Finding) (errs, warns, infos int) {
	for _, f := range findings {
		switch f.Severity {
		case policy.SeverityError:
			errs++
		case policy.SeverityWarning:
			warns++
		default:
			infos++
		}
	}
	return errs, warns, infos
}

func summaryLine(s Styles, errs, warns, infos int) string {
	total := errs + warns + infos
	var parts []string
	if errs > 0 {
		parts = append(parts, fmt.Sprintf("%d error(s)", errs))
	}
	if warns > 0 {
		parts = append(parts, fmt.Sprintf("%d warning(s)", warns))
	}
	if infos > 0 {
		parts = append(parts, fmt.Sprintf("%d info", infos))
	}
	line := fmt.Sprintf("%d problem(s): %s", total, strings.Join(parts, ", "))
	switch {
	case errs > 0:
		return s.Error.Render("✗") + " " + line
	case warns > 0:
		return s.Warning.Render("!") + " " + line
	default:
		return s.Info.Render("i") + " " + line
	}
}

// RenderRun renders a completed local run: workflow header, jobs, steps,
// reasons on anything that did not succeed.
func RenderRun(s Styles, res *runner.RunResult) string {
	var b strings.Builder

	head := fmt.Sprintf("%s %s", Glyph(res.Status), res.Workflow)
	if res.Event != "" {
		head += " (" + res.Event + ")"
	}
	head += fmt.Sprintf(" %s in %s", res.Status, formatDuration(res.Duration()))
	b.WriteString(s.Status(res.Status).Render(head) + "\n")
	if res.Reason != "" {
		b.WriteString("  " + s.Muted.Render(res.Reason) + "\n")
	}

	for _, job := range res.Jobs {
		line := fmt.Sprintf("  %s %s", Glyph(job.Status), job.Name)
		if job.Status == runner.StatusSuccess || job.Status == runner.StatusFailure {
			line += " " + formatDuration(job.FinishedAt.Sub(job.StartedAt))
		}
		b.WriteString(s.Status(job.Status).Render(line))
		if job.Reason != "" {
			b.WriteString(" " + s.Muted.Render("("+job.Reason+")"))
		}
		b.WriteString("\n")
		for _, st := range job.Steps {
			b.WriteString(renderStep(s, st))
		}
	}
	return b.String()
}

func renderStep(s Styles, st *runner.StepResult) string {
	line := "    " + s.Status(st.Status).Render(Glyph(st.Status)) + " " + st.Name
	if st.Duration > 0 {
		line += " " + s.Muted.Render(formatDuration(st.Duration))
	}
	if st.Attempts > 1 {
		line += " " + s.Muted.Render(fmt.Sprintf("(attempt %d)", st.Attempts))
	}
	out := line + "\n"
	if st.Status != runner.StatusSuccess && st.Reason != "" {
		for _, rl := range strings.Split(st.Reason, "\n") {
			out += "        " + s.Muted.Render(rl) + "\n"
		}
	}
	return out
}

// RenderHistory renders recorded runs newest first as a fixed-width table.
func RenderHistory(s Styles, runs []store.RunSummary) string {
	if len(runs) == 0 {
		return s.Muted.Render("no recorded runs") + "\n"
	}

	headers := []string{"ID", "WHEN", "WORKFLOW", "EVENT", "STATUS", "TIME", "FINDINGS"}
	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		rows = append(rows, []string{
			shortID(r.ID),
			r.StartedAt.Local().Format("2006-01-02 15:04"),
			r.Workflow,
			r.Event,
			string(r.Status),
			formatDuration(r.Duration),
			strconv.Itoa(r.Findings),
		})
	}

	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if w := lipgloss.Width(cell); w > widths[i] {
				widths[i] = w
			}
		}
	}

	var b strings.Builder
	for i, h := range headers {
		b.WriteString(s.Bold.Render(fmt.Sprintf("%-*s", widths[i], h)))
		if i < len(headers)-1 {
			b.WriteString("  ")
		}
	}
	b.WriteString("\n")
	for ri, row := range rows {
		for i, cell := range row {
			padded := fmt.Sprintf("%-*s", widths[i], cell)
			if headers[i] == "STATUS" {
				padded = s.Status(runs[ri].Status).Render(padded)
			}
			b.WriteString(padded)
			if i < len(row)-1 {
				b.WriteString("  ")
			}
		}
		b.WriteString("\n")
	}
	return b.String()
}

// RenderDetail renders one recorded run with its jobs, steps, and findings.
func RenderDetail(s Styles, d *store.Detail) string {
	var b strings.Builder
	r := d.Run

	head := fmt.Sprintf("%s run %s", Glyph(r.Status), shortID(r.ID))
	b.WriteString(s.Status(r.Status).Render(head) + "\n")
	b.WriteString(fmt.Sprintf("  workflow  %s\n", r.Workflow))
	if r.Event != "" {
		b.WriteString(fmt.Sprintf("  event     %s\n", r.Event))
	}
	b.WriteString(fmt.Sprintf("  started   %s\n", r.StartedAt.Local().Format(time.RFC3339)))
	b.WriteString(fmt.Sprintf("  duration  %s\n", formatDuration(r.Duration)))
	if r.Reason != "" {
		b.WriteString(fmt.Sprintf("  reason    %s\n", r.Reason))
	}

	stepsByJob := map[string][]store.StepRow{}
	for _, st := range d.Steps {
		stepsByJob[st.Job] = append(stepsByJob[st.Job], st)
	}
	for _, job := range d.Jobs {
		line := fmt.Sprintf("  %s %s %s", Glyph(job.Status), job.Job, formatDuration(job.Duration))
		b.WriteString(s.Status(job.Status).Render(line))
		if job.Reason != "" {
			b.WriteString(" " + s.Muted.Render("("+job.Reason+")"))
		}
		b.WriteString("\n")
		for _, st := range stepsByJob[job.Job] {
			stLine := fmt.Sprintf("    %s %s %s", Glyph(st.Status), st.Name, formatDuration(st.Duration))
			if st.Status == runner.StatusFailure && st.ExitCode != 0 {
				stLine += fmt.Sprintf(" (exit %d)", st.ExitCode)
			}
			b.WriteString(s.Status(st.Status).Render(stLine) + "\n")
		}
	}

	if len(d.Findings) > 0 {
		b.WriteString("\n" + RenderFindings(s, d.Findings))
	}
	return b.String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatDuration(d time.Duration) string {
	switch {
	case d <= 0:
		return "0s"
	case d < time.Second:
		return d.Round(time.Millisecond).String()
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	default:
		return d.Round(time.Second).String()
	}
}
