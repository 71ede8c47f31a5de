package policy

import (
	"path/filepath"

	"github.com/google/mangle/ast"

	"flowlint/internal/schema"
)

// HardenActions are the action slugs recognized as runner hardening.
var HardenActions = []string{"step-security/harden-runner"}

// Permission levels as name constants.
var (
	permUndeclared = mustName("/undeclared")
	permReadAll    = mustName("/read-all")
	permWriteAll   = mustName("/write-all")
	permScoped     = mustName("/scoped")
	permNone       = mustName("/none")
)

var refKindNames = map[schema.RefKind]ast.Constant{
	schema.RefSHA:    mustName("/sha"),
	schema.RefTag:    mustName("/tag"),
	schema.RefBranch: mustName("/branch"),
	schema.RefLocal:  mustName("/local"),
	schema.RefDocker: mustName("/docker"),
}

// WorkflowFacts flattens one workflow into the fact schema the rules
// evaluate over.
func WorkflowFacts(w *schema.Workflow) []ast.Atom {
	var facts []ast.Atom

	name := w.Name
	if name == "" {
		name = filepath.Base(w.Path)
	}
	facts = append(facts, atom("workflow_name", str(name)))

	for _, t := range w.On {
		facts = append(facts, atom("trigger", str(t.Event)))
		for _, b := range t.Branches {
			facts = append(facts, atom("trigger_branch", str(t.Event), str(b)))
		}
	}

	facts = append(facts, atom("workflow_permissions", permissionLevel(w.Permissions)))
	for _, g := range w.Permissions.Scopes {
		facts = append(facts, atom("permission", str(g.Scope), str(g.Access)))
	}

	for _, j := range w.Jobs {
		facts = append(facts, atom("job", str(j.ID)))
		for _, label := range j.RunsOn {
			facts = append(facts, atom("job_runs_on", str(j.ID), str(label)))
		}
		if j.TimeoutMinutes > 0 {
			facts = append(facts, atom("job_timeout", str(j.ID), num(j.TimeoutMinutes)))
		}
		for _, n := range j.Needs {
			facts = append(facts, atom("job_needs", str(j.ID), str(n)))
		}
		for _, g := range j.Permissions.Scopes {
			facts = append(facts, atom("job_permission", str(j.ID), str(g.Scope), str(g.Access)))
		}
		for _, s := range j.Steps {
			facts = append(facts, stepFacts(j.ID, s)...)
		}
	}

	for ev := range schema.KnownEvents {
		facts = append(facts, atom("known_event", str(ev)))
	}
	for _, slug := range HardenActions {
		facts = append(facts, atom("harden_action", str(slug)))
	}
	return facts
}

func stepFacts(job string, s *schema.Step) []ast.Atom {
	facts := []ast.Atom{atom("step", str(job), num(s.Index))}
	if s.Run != "" {
		facts = append(facts, atom("step_run", str(job), num(s.Index)))
	}
	for _, a := range s.With {
		facts = append(facts, atom("step_with", str(job), num(s.Index), str(a.Key), str(a.Value)))
	}
	if s.Uses == nil {
		return facts
	}
	facts = append(facts,
		atom("step_uses", str(job), num(s.Index), str(s.Uses.Slug())),
		atom("step_kind", str(job), num(s.Index), refKindNames[s.Uses.RefKind]),
	)
	if s.Uses.Pinned() {
		facts = append(facts, atom("step_pinned", str(job), num(s.Index)))
	}
	if s.Uses.VersionComment != "" {
		facts = append(facts, atom("step_version_comment", str(job), num(s.Index)))
	}
	return facts
}

func permissionLevel(p schema.Permissions) ast.BaseTerm {
	switch {
	case !p.Declared:
		return permUndeclared
	case p.WriteAll:
		return permWriteAll
	case p.ReadAll:
		return permReadAll
	case len(p.Scopes) > 0:
		return permScoped
	default:
		return permNone
	}
}

func atom(sym string, args ...ast.BaseTerm) ast.Atom {
	return ast.Atom{
		Predicate: ast.PredicateSym{Symbol: sym, Arity: len(args)},
		Args:      args,
	}
}

func str(s string) ast.BaseTerm { return ast.String(s) }

func num(n int) ast.BaseTerm { return ast.Number(int64(n)) }

func mustName(s string) ast.Constant {
	c, err := ast.Name(s)
	if err != nil {
		panic(err)
	}
	return c
}
