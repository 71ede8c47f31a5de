package policy

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"strings"
	"time"

	"github.com/google/mangle/analysis"
	"github.com/google/mangle/ast"
	_ "github.com/google/mangle/builtin"
	mengine "github.com/google/mangle/engine"
	"github.com/google/mangle/factstore"
	"github.com/google/mangle/parse"
	"go.uber.org/zap"

	"flowlint/internal/schema"
)

//go:embed schema.mg
var schemaSource string

//go:embed rules.mg
var rulesSource string

// RuleSource is one additional rule file loaded next to the builtins.
type RuleSource struct {
	Name   string
	Source string
}

// Options configures an Engine.
type Options struct {
	CustomRules []RuleSource
	Disable     []string            // rule names to drop
	Severity    map[string]Severity // per-rule overrides
	Timeout     time.Duration       // evaluation budget, default 30s
	Logger      *zap.Logger
}

// Engine evaluates the policy rules over one workflow at a time. The
// compiled program is immutable; every evaluation gets a fresh fact
// store, so an Engine is safe for concurrent use.
type Engine struct {
	program   *analysis.ProgramInfo
	violation ast.PredicateSym
	disabled  map[string]bool
	severity  map[string]Severity
	timeout   time.Duration
	log       *zap.Logger
}

// NewEngine compiles the builtin rules plus any custom rule sources.
func NewEngine(opts Options) (*Engine, error) {
	fragments := []RuleSource{
		{Name: "schema.mg", Source: schemaSource},
		{Name: "rules.mg", Source: rulesSource},
	}
	fragments = append(fragments, opts.CustomRules...)

	var clauses []ast.Clause
	var decls []ast.Decl
	for _, f := range fragments {
		unit, err := parse.Unit(bytes.NewReader([]byte(f.Source)))
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", f.Name, err)
		}
		clauses = append(clauses, unit.Clauses...)
		decls = append(decls, unit.Decls...)
	}

	program, err := analysis.AnalyzeOneUnit(parse.SourceUnit{Clauses: clauses, Decls: decls}, nil)
	if err != nil {
		return nil, fmt.Errorf("analyzing rules: %w", err)
	}

	e := &Engine{
		program:  program,
		disabled: make(map[string]bool, len(opts.Disable)),
		severity: opts.Severity,
		timeout:  opts.Timeout,
		log:      opts.Logger,
	}
	if e.timeout <= 0 {
		e.timeout = 30 * time.Second
	}
	if e.log == nil {
		e.log = zap.NewNop()
	}
	for _, name := range opts.Disable {
		e.disabled[name] = true
	}

	for sym := range program.Decls {
		if sym.Symbol == "violation" {
			e.violation = sym
		}
	}
	if e.violation.Symbol == "" {
		return nil, fmt.Errorf("violation predicate not declared")
	}
	return e, nil
}

// BuildEngine compiles the engine, falling back to builtin rules only
// when a custom rule source does not compile. The returned findings
// report any sources that were dropped.
func BuildEngine(opts Options) (*Engine, []Finding, error) {
	engine, err := NewEngine(opts)
	if err == nil {
		return engine, nil, nil
	}
	if len(opts.CustomRules) == 0 {
		return nil, nil, err
	}

	loadErr := err
	dropped := opts
	dropped.CustomRules = nil
	engine, err = NewEngine(dropped)
	if err != nil {
		return nil, nil, err
	}
	finding := Finding{
		Rule:     "plugin-error",
		Severity: SeverityWarning,
		Line:     1,
		Step:     -1,
		Message:  fmt.Sprintf("custom rules disabled: %v", loadErr),
	}
	return engine, []Finding{finding}, nil
}

// Lint runs the structural checks and the rule engine over a workflow
// and returns the merged, sorted findings.
func (e *Engine) Lint(ctx context.Context, w *schema.Workflow) ([]Finding, error) {
	findings := StructuralFindings(w)

	derived, err := e.evaluate(ctx, w)
	if err != nil {
		return nil, err
	}
	findings = append(findings, derived...)

	kept := findings[:0]
	for _, f := range findings {
		if e.disabled[f.Rule] {
			continue
		}
		if sev, ok := e.severity[f.Rule]; ok {
			f.Severity = sev
		}
		kept = append(kept, f)
	}
	SortFindings(kept)
	e.log.Debug("lint complete",
		zap.String("workflow", w.Path),
		zap.Int("findings", len(kept)))
	return kept, nil
}

func (e *Engine) evaluate(ctx context.Context, w *schema.Workflow) ([]Finding, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	store := factstore.NewSimpleInMemoryStore()
	for _, fact := range WorkflowFacts(w) {
		store.Add(fact)
	}

	// Mangle evaluation has no context support; run it on the side so a
	// deadline cannot wedge the caller.
	done := make(chan error, 1)
	go func() {
		_, err := mengine.EvalProgramWithStats(e.program, store)
		done <- err
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-done:
		if err != nil {
			return nil, fmt.Errorf("rule evaluation: %w", err)
		}
	}

	var findings []Finding
	err := store.GetFacts(ast.NewQuery(e.violation), func(a ast.Atom) error {
		if f, ok := violationToFinding(w, a); ok {
			findings = append(findings, f)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return findings, nil
}

func violationToFinding(w *schema.Workflow, a ast.Atom) (Finding, bool) {
	if len(a.Args) != 4 {
		return Finding{}, false
	}
	rule := RuleFor(strings.TrimPrefix(constSymbol(a.Args[0]), "/"))
	detail := constSymbol(a.Args[3])
	f := Finding{
		Rule:     rule.Name,
		Severity: rule.Severity,
		Path:     w.Path,
		Job:      constSymbol(a.Args[1]),
		Step:     int(constNumber(a.Args[2])),
		Detail:   detail,
		Message:  rule.Format(detail),
	}
	f.Line = lineFor(w, f)
	return f, true
}

// lineFor anchors a finding to the most specific source line available.
func lineFor(w *schema.Workflow, f Finding) int {
	if f.Job != "" {
		job := w.FindJob(f.Job)
		if job == nil {
			return 1
		}
		if f.Step >= 0 && f.Step < len(job.Steps) {
			st := job.Steps[f.Step]
			if st.Uses != nil && st.Uses.Line > 0 {
				return st.Uses.Line
			}
			return st.Line
		}
		return job.Line
	}

	switch f.Rule {
	case "unknown-event":
		if t := w.TriggerFor(f.Detail); t != nil {
			return t.Line
		}
	case "broad-permissions":
		for _, g := range w.Permissions.Scopes {
			if g.Scope == f.Detail {
				return g.Line
			}
		}
		if w.Permissions.Line > 0 {
			return w.Permissions.Line
		}
	}
	return 1
}

func constSymbol(t ast.BaseTerm) string {
	if c, ok := t.(ast.Constant); ok {
		return c.Symbol
	}
	return ""
}

func constNumber(t ast.BaseTerm) int64 {
	if c, ok := t.(ast.Constant); ok {
		return c.NumValue
	}
	return -1
}
