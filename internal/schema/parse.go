package schema

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ParseError is a parse failure with source position.
type ParseError struct {
	Path string
	Line int
	Msg  string
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s:%d: %s", e.Path, e.Line, e.Msg)
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Msg)
}

// Parse parses a workflow document. path is used for error reporting only.
func Parse(path string, src []byte) (*Workflow, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(src, &doc); err != nil {
		return nil, &ParseError{Path: path, Msg: strings.TrimPrefix(err.Error(), "yaml: ")}
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil, &ParseError{Path: path, Msg: "empty workflow"}
	}

	root := resolve(doc.Content[0])
	if root.Kind != yaml.MappingNode {
		if root.Tag == "!!null" {
			return nil, &ParseError{Path: path, Msg: "empty workflow"}
		}
		return nil, &ParseError{Path: path, Line: root.Line, Msg: "workflow root must be a mapping"}
	}

	p := &parser{path: path}
	w := &Workflow{Path: path}
	for i := 0; i+1 < len(root.Content); i += 2 {
		key := resolve(root.Content[i])
		val := resolve(root.Content[i+1])
		var err error
		switch key.Value {
		case "name":
			w.Name = val.Value
		case "on":
			w.On, err = p.parseTriggers(val)
		case "permissions":
			w.Permissions, err = p.parsePermissions(val)
		case "env":
			w.Env, err = p.parseEnv(val)
		case "defaults":
			w.Defaults = p.parseDefaults(val)
		case "jobs":
			w.Jobs, err = p.parseJobs(val)
		}
		if err != nil {
			return nil, err
		}
	}
	return w, nil
}

// ParseFile reads and parses one workflow file.
func ParseFile(path string) (*Workflow, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(path, src)
}

// Discover returns the workflow files under root's .github/workflows
// directory, sorted. A missing directory yields an empty result.
func Discover(root string) ([]string, error) {
	dir := filepath.Join(root, ".github", "workflows")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch filepath.Ext(e.Name()) {
		case ".yml", ".yaml":
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(paths)
	return paths, nil
}

type parser struct {
	path string
}

func (p *parser) errf(n *yaml.Node, format string, args ...any) error {
	line := 0
	if n != nil {
		line = n.Line
	}
	return &ParseError{Path: p.path, Line: line, Msg: fmt.Sprintf(format, args...)}
}

// resolve follows alias nodes to their anchors.
func resolve(n *yaml.Node) *yaml.Node {
	for n != nil && n.Kind == yaml.AliasNode && n.Alias != nil {
		n = n.Alias
	}
	return n
}

func (p *parser) parseTriggers(n *yaml.Node) ([]Trigger, error) {
	switch n.Kind {
	case yaml.ScalarNode:
		if n.Tag == "!!null" {
			return nil, nil
		}
		return []Trigger{{Event: n.Value, Line: n.Line}}, nil

	case yaml.SequenceNode:
		out := make([]Trigger, 0, len(n.Content))
		for _, item := range n.Content {
			item = resolve(item)
			out = append(out, Trigger{Event: item.Value, Line: item.Line})
		}
		return out, nil

	case yaml.MappingNode:
		var out []Trigger
		for i := 0; i+1 < len(n.Content); i += 2 {
			key := resolve(n.Content[i])
			val := resolve(n.Content[i+1])
			t := Trigger{Event: key.Value, Line: key.Line}
			switch {
			case key.Value == "schedule" && val.Kind == yaml.SequenceNode:
				for _, entry := range val.Content {
					entry = resolve(entry)
					if entry.Kind != yaml.MappingNode {
						continue
					}
					for j := 0; j+1 < len(entry.Content); j += 2 {
						if resolve(entry.Content[j]).Value == "cron" {
							t.Crons = append(t.Crons, resolve(entry.Content[j+1]).Value)
						}
					}
				}
			case val.Kind == yaml.MappingNode:
				if err := p.parseTriggerFilters(&t, val); err != nil {
					return nil, err
				}
			}
			out = append(out, t)
		}
		return out, nil
	}
	return nil, p.errf(n, `"on" must be an event name, list, or mapping`)
}

func (p *parser) parseTriggerFilters(t *Trigger, n *yaml.Node) error {
	for i := 0; i+1 < len(n.Content); i += 2 {
		key := resolve(n.Content[i])
		val := resolve(n.Content[i+1])
		list, err := p.stringList(key.Value, val)
		if err != nil {
			return err
		}
		switch key.Value {
		case "branches":
			t.Branches = list
		case "branches-ignore":
			t.BranchesIgnore = list
		case "tags":
			t.Tags = list
		case "tags-ignore":
			t.TagsIgnore = list
		case "paths":
			t.Paths = list
		case "paths-ignore":
			t.PathsIgnore = list
		case "types":
			t.Types = list
		}
	}
	return nil
}

func (p *parser) parsePermissions(n *yaml.Node) (Permissions, error) {
	perms := Permissions{Declared: true, Line: n.Line}
	switch n.Kind {
	case yaml.ScalarNode:
		switch {
		case n.Value == "read-all":
			perms.ReadAll = true
		case n.Value == "write-all":
			perms.WriteAll = true
		case n.Tag == "!!null":
			// "permissions:" with no value: an explicit empty grant.
		default:
			return perms, p.errf(n, "permissions must be read-all, write-all, or a scope mapping")
		}
		return perms, nil

	case yaml.MappingNode:
		for i := 0; i+1 < len(n.Content); i += 2 {
			key := resolve(n.Content[i])
			val := resolve(n.Content[i+1])
			perms.Scopes = append(perms.Scopes, ScopeGrant{
				Scope:  key.Value,
				Access: val.Value,
				Line:   key.Line,
			})
		}
		return perms, nil
	}
	return perms, p.errf(n, "permissions must be read-all, write-all, or a scope mapping")
}

func (p *parser) parseEnv(n *yaml.Node) ([]EnvVar, error) {
	if n.Kind != yaml.MappingNode {
		if n.Tag == "!!null" {
			return nil, nil
		}
		return nil, p.errf(n, "env must be a mapping")
	}
	out := make([]EnvVar, 0, len(n.Content)/2)
	for i := 0; i+1 < len(n.Content); i += 2 {
		key := resolve(n.Content[i])
		val := resolve(n.Content[i+1])
		out = append(out, EnvVar{Name: key.Value, Value: val.Value, Line: key.Line})
	}
	return out, nil
}

func (p *parser) parseDefaults(n *yaml.Node) Defaults {
	var d Defaults
	if n.Kind != yaml.MappingNode {
		return d
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		key := resolve(n.Content[i])
		val := resolve(n.Content[i+1])
		if key.Value != "run" || val.Kind != yaml.MappingNode {
			continue
		}
		for j := 0; j+1 < len(val.Content); j += 2 {
			k := resolve(val.Content[j])
			v := resolve(val.Content[j+1])
			switch k.Value {
			case "shell":
				d.Shell = v.Value
			case "working-directory":
				d.WorkingDir = v.Value
			}
		}
	}
	return d
}

func (p *parser) parseJobs(n *yaml.Node) ([]*Job, error) {
	if n.Kind != yaml.MappingNode {
		return nil, p.errf(n, "jobs must be a mapping")
	}
	seen := make(map[string]bool)
	var jobs []*Job
	for i := 0; i+1 < len(n.Content); i += 2 {
		key := resolve(n.Content[i])
		val := resolve(n.Content[i+1])
		if seen[key.Value] {
			return nil, p.errf(key, "duplicate job id %q", key.Value)
		}
		seen[key.Value] = true
		job, err := p.parseJob(key.Value, val, key.Line)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (p *parser) parseJob(id string, n *yaml.Node, line int) (*Job, error) {
	if n.Kind != yaml.MappingNode {
		return nil, p.errf(n, "job %q must be a mapping", id)
	}
	job := &Job{ID: id, Line: line}
	for i := 0; i+1 < len(n.Content); i += 2 {
		key := resolve(n.Content[i])
		val := resolve(n.Content[i+1])
		var err error
		switch key.Value {
		case "name":
			job.Name = val.Value
		case "runs-on":
			job.RunsOn, err = p.runsOnLabels(val)
		case "needs":
			job.Needs, err = p.stringList("needs", val)
		case "if":
			job.If = val.Value
		case "timeout-minutes":
			job.TimeoutMinutes, err = p.intScalar("timeout-minutes", val)
		case "permissions":
			job.Permissions, err = p.parsePermissions(val)
		case "env":
			job.Env, err = p.parseEnv(val)
		case "defaults":
			job.Defaults = p.parseDefaults(val)
		case "steps":
			job.Steps, err = p.parseSteps(val)
		}
		if err != nil {
			return nil, err
		}
	}
	return job, nil
}

func (p *parser) parseSteps(n *yaml.Node) ([]*Step, error) {
	if n.Kind != yaml.SequenceNode {
		if n.Tag == "!!null" {
			return nil, nil
		}
		return nil, p.errf(n, "steps must be a sequence")
	}
	steps := make([]*Step, 0, len(n.Content))
	for idx, item := range n.Content {
		step, err := p.parseStep(idx, resolve(item))
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, nil
}

func (p *parser) parseStep(idx int, n *yaml.Node) (*Step, error) {
	if n.Kind != yaml.MappingNode {
		return nil, p.errf(n, "step %d must be a mapping", idx+1)
	}
	st := &Step{Index: idx, Line: n.Line}
	for i := 0; i+1 < len(n.Content); i += 2 {
		key := resolve(n.Content[i])
		val := resolve(n.Content[i+1])
		var err error
		switch key.Value {
		case "id":
			st.ID = val.Value
		case "name":
			st.Name = val.Value
		case "uses":
			st.Uses, err = ParseActionRef(val.Value, val.LineComment, val.Line)
			if err != nil {
				err = p.errf(val, "%v", err)
			}
		case "run":
			st.Run = val.Value
		case "shell":
			st.Shell = val.Value
		case "working-directory":
			st.WorkingDir = val.Value
		case "if":
			st.If = val.Value
		case "with":
			st.With, err = p.parseWith(val)
		case "env":
			st.Env, err = p.parseEnv(val)
		case "continue-on-error":
			err = p.decodeScalar(val, &st.ContinueOnError, "continue-on-error must be a boolean")
		case "timeout-minutes":
			st.TimeoutMinutes, err = p.intScalar("timeout-minutes", val)
		}
		if err != nil {
			return nil, err
		}
	}
	return st, nil
}

func (p *parser) parseWith(n *yaml.Node) ([]WithArg, error) {
	if n.Kind != yaml.MappingNode {
		if n.Tag == "!!null" {
			return nil, nil
		}
		return nil, p.errf(n, "with must be a mapping")
	}
	out := make([]WithArg, 0, len(n.Content)/2)
	for i := 0; i+1 < len(n.Content); i += 2 {
		key := resolve(n.Content[i])
		val := resolve(n.Content[i+1])
		value := val.Value
		if val.Kind != yaml.ScalarNode {
			raw, err := yaml.Marshal(val)
			if err != nil {
				return nil, p.errf(val, "with input %q: %v", key.Value, err)
			}
			value = strings.TrimRight(string(raw), "\n")
		}
		out = append(out, WithArg{Key: key.Value, Value: value, Line: key.Line})
	}
	return out, nil
}

// runsOnLabels accepts the scalar, sequence, and group/labels mapping forms.
func (p *parser) runsOnLabels(n *yaml.Node) ([]string, error) {
	switch n.Kind {
	case yaml.ScalarNode, yaml.SequenceNode:
		return p.stringList("runs-on", n)
	case yaml.MappingNode:
		var labels []string
		for i := 0; i+1 < len(n.Content); i += 2 {
			key := resolve(n.Content[i])
			val := resolve(n.Content[i+1])
			switch key.Value {
			case "group", "labels":
				list, err := p.stringList(key.Value, val)
				if err != nil {
					return nil, err
				}
				labels = append(labels, list...)
			}
		}
		return labels, nil
	}
	return nil, p.errf(n, "runs-on must be a label, list, or group mapping")
}

func (p *parser) stringList(field string, n *yaml.Node) ([]string, error) {
	switch n.Kind {
	case yaml.ScalarNode:
		if n.Tag == "!!null" {
			return nil, nil
		}
		return []string{n.Value}, nil
	case yaml.SequenceNode:
		out := make([]string, 0, len(n.Content))
		for _, item := range n.Content {
			out = append(out, resolve(item).Value)
		}
		return out, nil
	}
	return nil, p.errf(n, "%s must be a string or list of strings", field)
}

func (p *parser) intScalar(field string, n *yaml.Node) (int, error) {
	var v int
	if err := n.Decode(&v); err != nil {
		return 0, p.errf(n, "%s must be an integer", field)
	}
	return v, nil
}

func (p *parser) decodeScalar(n *yaml.Node, out any, msg string) error {
	if err := n.Decode(out); err != nil {
		return p.errf(n, "%s", msg)
	}
	return nil
}
