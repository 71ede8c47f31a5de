// Package schema models workflow documents of the GitHub Actions family.
//
// Parsing works at the yaml.v3 node level rather than through struct tags:
// the model keeps document order for jobs and steps, records the source
// line of every element, and captures the trailing version comment on
// pinned action references. The parser is deliberately lenient about
// semantic problems (missing permissions, unpinned refs, unknown events);
// those are the lint layer's job. It only rejects documents it cannot
// represent.
package schema

import (
	"fmt"
	"strings"
)

// RefKind classifies the ref portion of an action reference.
type RefKind string

const (
	RefSHA    RefKind = "sha"
	RefTag    RefKind = "tag"
	RefBranch RefKind = "branch"
	RefLocal  RefKind = "local"
	RefDocker RefKind = "docker"
)

// Workflow is one parsed workflow document. Jobs preserve document order.
type Workflow struct {
	Path        string      `json:"path"`
	Name        string      `json:"name"`
	On          []Trigger   `json:"on"`
	Permissions Permissions `json:"permissions"`
	Env         []EnvVar    `json:"env,omitempty"`
	Defaults    Defaults    `json:"defaults"`
	Jobs        []*Job      `json:"jobs"`
}

// Trigger is one event entry under "on", with its filters.
type Trigger struct {
	Event          string   `json:"event"`
	Branches       []string `json:"branches,omitempty"`
	BranchesIgnore []string `json:"branches_ignore,omitempty"`
	Tags           []string `json:"tags,omitempty"`
	TagsIgnore     []string `json:"tags_ignore,omitempty"`
	Paths          []string `json:"paths,omitempty"`
	PathsIgnore    []string `json:"paths_ignore,omitempty"`
	Types          []string `json:"types,omitempty"`
	Crons          []string `json:"crons,omitempty"`
	Line           int      `json:"line"`
}

// Permissions models the token grant block. Declared distinguishes an
// explicit empty grant ("permissions: {}") from an absent block.
type Permissions struct {
	Declared bool         `json:"declared"`
	ReadAll  bool         `json:"read_all,omitempty"`
	WriteAll bool         `json:"write_all,omitempty"`
	Scopes   []ScopeGrant `json:"scopes,omitempty"`
	Line     int          `json:"line,omitempty"`
}

// ScopeGrant is a single scope: access pair, e.g. contents: read.
type ScopeGrant struct {
	Scope  string `json:"scope"`
	Access string `json:"access"`
	Line   int    `json:"line"`
}

// Access returns the effective access for a scope, or "" when ungranted.
func (p Permissions) Access(scope string) string {
	for _, g := range p.Scopes {
		if g.Scope == scope {
			return g.Access
		}
	}
	if p.WriteAll {
		return "write"
	}
	if p.ReadAll {
		return "read"
	}
	return ""
}

// EnvVar is an environment entry. Order matters for layering.
type EnvVar struct {
	Name  string `json:"name"`
	Value string `json:"value"`
	Line  int    `json:"line"`
}

// Defaults carries the defaults.run block.
type Defaults struct {
	Shell      string `json:"shell,omitempty"`
	WorkingDir string `json:"working_dir,omitempty"`
}

// Job is one entry under "jobs", in document order.
type Job struct {
	ID             string      `json:"id"`
	Name           string      `json:"name,omitempty"`
	RunsOn         []string    `json:"runs_on,omitempty"`
	Needs          []string    `json:"needs,omitempty"`
	If             string      `json:"if,omitempty"`
	TimeoutMinutes int         `json:"timeout_minutes,omitempty"`
	Permissions    Permissions `json:"permissions"`
	Env            []EnvVar    `json:"env,omitempty"`
	Defaults       Defaults    `json:"defaults"`
	Steps          []*Step     `json:"steps"`
	Line           int         `json:"line"`
}

// DisplayName returns the job name, falling back to its ID.
func (j *Job) DisplayName() string {
	if j.Name != "" {
		return j.Name
	}
	return j.ID
}

// Step is one pipeline step. Exactly one of Uses and Run is set in a
// well-formed document; the model represents malformed steps too so the
// lint layer can report them.
type Step struct {
	Index           int        `json:"index"`
	ID              string     `json:"id,omitempty"`
	Name            string     `json:"name,omitempty"`
	Uses            *ActionRef `json:"uses,omitempty"`
	Run             string     `json:"run,omitempty"`
	Shell           string     `json:"shell,omitempty"`
	WorkingDir      string     `json:"working_dir,omitempty"`
	If              string     `json:"if,omitempty"`
	With            []WithArg  `json:"with,omitempty"`
	Env             []EnvVar   `json:"env,omitempty"`
	ContinueOnError bool       `json:"continue_on_error,omitempty"`
	TimeoutMinutes  int        `json:"timeout_minutes,omitempty"`
	Line            int        `json:"line"`
}

// WithArg is one "with" input, in document order.
type WithArg struct {
	Key   string `json:"key"`
	Value string `json:"value"`
	Line  int    `json:"line"`
}

// DisplayName returns the step name, action slug, or run command head.
func (s *Step) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	if s.Uses != nil {
		return s.Uses.Slug()
	}
	if s.Run != "" {
		line := s.Run
		if i := strings.IndexByte(line, '\n'); i >= 0 {
			line = line[:i]
		}
		return strings.TrimSpace(line)
	}
	return fmt.Sprintf("step %d", s.Index+1)
}

// WithValue returns the value of a with input, or "" when absent.
func (s *Step) WithValue(key string) string {
	for _, a := range s.With {
		if a.Key == key {
			return a.Value
		}
	}
	return ""
}

// ActionRef is a parsed "uses" reference.
type ActionRef struct {
	Raw            string  `json:"raw"`
	Owner          string  `json:"owner,omitempty"`
	Repo           string  `json:"repo,omitempty"`
	Path           string  `json:"path,omitempty"`
	Ref            string  `json:"ref,omitempty"`
	RefKind        RefKind `json:"ref_kind"`
	VersionComment string  `json:"version_comment,omitempty"`
	Line           int     `json:"line"`
}

// Slug returns owner/repo[/path], or the raw form for local and docker refs.
func (r *ActionRef) Slug() string {
	if r.RefKind == RefLocal || r.RefKind == RefDocker {
		return r.Raw
	}
	s := r.Owner + "/" + r.Repo
	if r.Path != "" {
		s += "/" + r.Path
	}
	return s
}

// String reproduces the canonical reference form.
func (r *ActionRef) String() string {
	if r.RefKind == RefLocal || r.RefKind == RefDocker {
		return r.Raw
	}
	if r.Ref == "" {
		return r.Slug()
	}
	return r.Slug() + "@" + r.Ref
}

// Pinned reports whether the reference is immutable: a full commit SHA,
// or a docker image addressed by digest.
func (r *ActionRef) Pinned() bool {
	switch r.RefKind {
	case RefSHA:
		return true
	case RefDocker:
		return strings.Contains(r.Ref, "sha256:")
	case RefLocal:
		return true
	default:
		return false
	}
}

// FindJob returns the job with the given ID, or nil.
func (w *Workflow) FindJob(id string) *Job {
	for _, j := range w.Jobs {
		if j.ID == id {
			return j
		}
	}
	return nil
}

// TriggerFor returns the trigger entry for an event, or nil.
func (w *Workflow) TriggerFor(event string) *Trigger {
	for i := range w.On {
		if w.On[i].Event == event {
			return &w.On[i]
		}
	}
	return nil
}

// KnownEvents is the set of trigger events the toolchain understands.
// Workflows may use others; the lint layer flags them.
var KnownEvents = map[string]bool{
	"push":                true,
	"pull_request":        true,
	"pull_request_target": true,
	"workflow_dispatch":   true,
	"workflow_call":       true,
	"workflow_run":        true,
	"schedule":            true,
	"release":             true,
	"create":              true,
	"delete":              true,
	"issue_comment":       true,
	"issues":              true,
	"merge_group":         true,
	"label":               true,
	"discussion":          true,
	"fork":                true,
	"gollum":              true,
	"milestone":           true,
	"page_build":          true,
	"public":              true,
	"registry_package":    true,
	"repository_dispatch": true,
	"status":              true,
	"watch":               true,
	"check_run":           true,
	"check_suite":         true,
	"deployment":          true,
	"deployment_status":   true,
}
