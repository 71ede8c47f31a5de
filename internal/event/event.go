// Package event decides whether a simulated repository event fires a
// workflow, applying the trigger filter dialect over branches, tags,
// and changed paths.
package event

import (
	"fmt"
	"strings"

	"flowlint/internal/schema"
)

// Event is a simulated repository event.
type Event struct {
	Name    string   `json:"name"`               // push, pull_request, ...
	Ref     string   `json:"ref,omitempty"`      // refs/heads/main, refs/tags/v1.0.0, or a bare branch name
	BaseRef string   `json:"base_ref,omitempty"` // pull_request target branch
	Paths   []string `json:"paths,omitempty"`    // changed paths, when known
}

// Decision reports whether a workflow fires for an event and why not
// when it does not.
type Decision struct {
	Fire   bool   `json:"fire"`
	Reason string `json:"reason"`
}

func skip(format string, args ...any) Decision {
	return Decision{Reason: fmt.Sprintf(format, args...)}
}

// Match decides whether w fires for ev.
//
// Branch filters compare the short branch name; for pull_request events
// the target branch is the filtered one. Path filters apply only when
// the event carries changed paths. A trigger that declares both a
// filter and its ignore twin follows the positive filter; the matching
// lint rule flags that combination separately.
func Match(w *schema.Workflow, ev Event) Decision {
	t := w.TriggerFor(ev.Name)
	if t == nil {
		return skip("workflow has no %s trigger", ev.Name)
	}

	ref := ev.Ref
	if strings.HasPrefix(ev.Name, "pull_request") && ev.BaseRef != "" {
		ref = ev.BaseRef
	}
	name, isTag := splitRef(ref)

	hasBranchFilter := len(t.Branches) > 0 || len(t.BranchesIgnore) > 0
	hasTagFilter := len(t.Tags) > 0 || len(t.TagsIgnore) > 0

	if ref != "" {
		switch {
		case isTag && hasTagFilter:
			if d := refDecision("tag", name, t.Tags, t.TagsIgnore); !d.Fire {
				return d
			}
		case isTag && hasBranchFilter:
			return skip("tag %s pushed but the trigger filters branches", name)
		case !isTag && hasBranchFilter:
			if d := refDecision("branch", name, t.Branches, t.BranchesIgnore); !d.Fire {
				return d
			}
		case !isTag && hasTagFilter:
			return skip("branch %s pushed but the trigger filters tags", name)
		}
	}

	if len(ev.Paths) > 0 {
		if d := pathDecision(t, ev.Paths); !d.Fire {
			return d
		}
	}

	return Decision{Fire: true, Reason: fmt.Sprintf("matches the %s trigger", ev.Name)}
}

func refDecision(kind, name string, include, ignore []string) Decision {
	if len(include) > 0 {
		f, err := CompileFilter(include)
		if err != nil {
			return skip("invalid %s filter: %v", kind, err)
		}
		if !f.Includes(name) {
			return skip("%s %s does not match the %ses filter", kind, name, kind)
		}
		return Decision{Fire: true}
	}
	f, err := CompileFilter(ignore)
	if err != nil {
		return skip("invalid %s ignore filter: %v", kind, err)
	}
	if f.MatchesAny(name) {
		return skip("%s %s is ignored by the trigger", kind, name)
	}
	return Decision{Fire: true}
}

func pathDecision(t *schema.Trigger, paths []string) Decision {
	if len(t.Paths) > 0 {
		f, err := CompileFilter(t.Paths)
		if err != nil {
			return skip("invalid paths filter: %v", err)
		}
		for _, p := range paths {
			if f.Includes(p) {
				return Decision{Fire: true}
			}
		}
		return skip("no changed path matches the paths filter")
	}
	if len(t.PathsIgnore) > 0 {
		f, err := CompileFilter(t.PathsIgnore)
		if err != nil {
			return skip("invalid paths ignore filter: %v", err)
		}
		for _, p := range paths {
			if !f.MatchesAny(p) {
				return Decision{Fire: true}
			}
		}
		return skip("every changed path is ignored by the trigger")
	}
	return Decision{Fire: true}
}

// splitRef strips the ref namespace and reports whether it was a tag.
// A bare name counts as a branch.
func splitRef(ref string) (string, bool) {
	switch {
	case strings.HasPrefix(ref, "refs/heads/"):
		return strings.TrimPrefix(ref, "refs/heads/"), false
	case strings.HasPrefix(ref, "refs/tags/"):
		return strings.TrimPrefix(ref, "refs/tags/"), true
	default:
		return ref, false
	}
}
