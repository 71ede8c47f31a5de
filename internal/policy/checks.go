package policy

import (
	"fmt"
	"strings"

	"flowlint/internal/schema"
)

// StructuralFindings covers the checks that need the job graph or the
// shape of the model rather than extracted facts: empty workflows,
// malformed steps, needs cycles, and contradictory trigger filters.
func StructuralFindings(w *schema.Workflow) []Finding {
	var findings []Finding
	add := func(name string, line int, job string, step int, detail string) {
		rule := RuleFor(name)
		findings = append(findings, Finding{
			Rule:     rule.Name,
			Severity: rule.Severity,
			Path:     w.Path,
			Line:     line,
			Job:      job,
			Step:     step,
			Detail:   detail,
			Message:  rule.Format(detail),
		})
	}

	if len(w.Jobs) == 0 {
		add("no-jobs", 1, "", -1, "")
	}

	for _, t := range w.On {
		if len(t.Branches) > 0 && len(t.BranchesIgnore) > 0 {
			add("conflicting-filters", t.Line, "", -1, t.Event)
		}
	}

	for _, job := range w.Jobs {
		if len(job.Steps) == 0 {
			add("empty-job", job.Line, job.ID, -1, job.ID)
		}
		seen := make(map[string]bool, len(job.Needs))
		for _, need := range job.Needs {
			if seen[need] {
				add("duplicate-needs", job.Line, job.ID, -1, need)
			}
			seen[need] = true
		}
		for _, st := range job.Steps {
			hasUses := st.Uses != nil
			hasRun := st.Run != ""
			switch {
			case hasUses && hasRun:
				add("invalid-step", st.Line, job.ID, st.Index,
					fmt.Sprintf("step %d has both uses and run", st.Index+1))
			case !hasUses && !hasRun:
				add("invalid-step", st.Line, job.ID, st.Index,
					fmt.Sprintf("step %d has neither uses nor run", st.Index+1))
			}
		}
	}

	for _, cycle := range needsCycles(w) {
		first := w.FindJob(cycle[0])
		line := 1
		if first != nil {
			line = first.Line
		}
		add("needs-cycle", line, cycle[0], -1, strings.Join(cycle, " -> "))
	}

	return findings
}

const (
	colorWhite = iota
	colorGray
	colorBlack
)

// needsCycles finds dependency cycles among declared jobs. Edges to
// unknown jobs are ignored here; the unknown-needs rule covers those.
func needsCycles(w *schema.Workflow) [][]string {
	color := make(map[string]int, len(w.Jobs))
	var cycles [][]string
	var stack []string

	var visit func(id string)
	visit = func(id string) {
		color[id] = colorGray
		stack = append(stack, id)
		job := w.FindJob(id)
		for _, next := range job.Needs {
			if w.FindJob(next) == nil {
				continue
			}
			switch color[next] {
			case colorWhite:
				visit(next)
			case colorGray:
				// Back edge: the cycle is the stack suffix from next,
				// closed back on itself.
				for i, prev := range stack {
					if prev == next {
						cycle := append(append([]string{}, stack[i:]...), next)
						cycles = append(cycles, cycle)
						break
					}
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = colorBlack
	}

	for _, job := range w.Jobs {
		if color[job.ID] == colorWhite {
			visit(job.ID)
		}
	}
	return cycles
}
