// Package policy lints workflow documents. Workflows are flattened into
// datalog facts and evaluated against builtin and user-supplied rules by
// the Mangle engine; a few structural checks that need graph context run
// in plain Go. Every problem surfaces as a Finding.
package policy

import (
	"errors"
	"fmt"
	"sort"

	"flowlint/internal/schema"
)

// Severity orders findings by how hard they should fail a run.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Rank returns a comparable weight, higher is worse.
func (s Severity) Rank() int {
	switch s {
	case SeverityError:
		return 3
	case SeverityWarning:
		return 2
	case SeverityInfo:
		return 1
	}
	return 0
}

// ParseSeverity validates a severity name from config or flags.
func ParseSeverity(s string) (Severity, error) {
	switch Severity(s) {
	case SeverityInfo, SeverityWarning, SeverityError:
		return Severity(s), nil
	}
	return "", fmt.Errorf("unknown severity %q", s)
}

// Finding is one lint result. Step is -1 for workflow- and job-level
// findings.
type Finding struct {
	Rule     string   `json:"rule"`
	Severity Severity `json:"severity"`
	Path     string   `json:"path"`
	Line     int      `json:"line"`
	Job      string   `json:"job,omitempty"`
	Step     int      `json:"step"`
	Message  string   `json:"message"`
	Detail   string   `json:"detail,omitempty"`
}

func (f Finding) String() string {
	return fmt.Sprintf("%s:%d: %s: %s [%s]", f.Path, f.Line, f.Severity, f.Message, f.Rule)
}

// SortFindings orders findings by path, line, then rule name.
func SortFindings(findings []Finding) {
	sort.Slice(findings, func(i, j int) bool {
		a, b := findings[i], findings[j]
		if a.Path != b.Path {
			return a.Path < b.Path
		}
		if a.Line != b.Line {
			return a.Line < b.Line
		}
		if a.Rule != b.Rule {
			return a.Rule < b.Rule
		}
		return a.Detail < b.Detail
	})
}

// MaxSeverity returns the worst severity present, or "" for none.
func MaxSeverity(findings []Finding) Severity {
	var max Severity
	for _, f := range findings {
		if f.Severity.Rank() > max.Rank() {
			max = f.Severity
		}
	}
	return max
}

// FromError converts a workflow load failure into a finding so that a
// broken file reports like any other lint result.
func FromError(path string, err error) Finding {
	f := Finding{
		Rule:     "invalid-workflow",
		Severity: SeverityError,
		Path:     path,
		Line:     1,
		Step:     -1,
		Message:  err.Error(),
	}
	var perr *schema.ParseError
	if errors.As(err, &perr) {
		if perr.Line > 0 {
			f.Line = perr.Line
		}
		f.Message = perr.Msg
	}
	return f
}
