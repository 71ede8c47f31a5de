// Package plugin runs user-supplied lint rules written in Go from
// .flowlint/plugins/*.go. Plugins are interpreted with yaegi instead of
// compiled: no toolchain needed, no binaries to trust, and a misbehaving
// plugin can be timed out. Each file defines
//
//	func CheckWorkflow(input string) (string, error)
//
// where input is the workflow JSON and the result is a JSON array of
// findings ({rule, severity, line, message}).
package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
	"go.uber.org/zap"

	"flowlint/internal/policy"
	"flowlint/internal/schema"
)

// Plugin is one loaded plugin source file.
type Plugin struct {
	Name   string
	Source string
}

// LoadDir reads the .go files of a plugin directory, sorted by name.
// A missing directory is not an error.
func LoadDir(dir string) ([]Plugin, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading plugin dir: %w", err)
	}
	var plugins []Plugin
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".go") {
			continue
		}
		src, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading plugin %s: %w", e.Name(), err)
		}
		plugins = append(plugins, Plugin{Name: e.Name(), Source: string(src)})
	}
	sort.Slice(plugins, func(i, j int) bool { return plugins[i].Name < plugins[j].Name })
	return plugins, nil
}

// Host executes plugins in a sandboxed interpreter.
type Host struct {
	allowed map[string]bool
	timeout time.Duration
	log     *zap.Logger
}

// NewHost builds a plugin host. timeout <= 0 means 5s per plugin.
func NewHost(timeout time.Duration, logger *zap.Logger) *Host {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Host{
		// Pure string and data processing only. os, os/exec, net,
		// net/http, io, syscall, and unsafe stay blocked.
		allowed: map[string]bool{
			"strings":         true,
			"strconv":         true,
			"fmt":             true,
			"math":            true,
			"regexp":          true,
			"encoding/json":   true,
			"encoding/base64": true,
			"time":            true,
			"sort":            true,
			"bytes":           true,
			"path":            true,
			"path/filepath":   true,
			"unicode":         true,
			"unicode/utf8":    true,
		},
		timeout: timeout,
		log:     logger,
	}
}

// pluginFinding is the wire form plugins emit.
type pluginFinding struct {
	Rule     string `json:"rule"`
	Severity string `json:"severity"`
	Line     int    `json:"line"`
	Message  string `json:"message"`
}

// Check runs every plugin against the workflow. Plugin failures come
// back as plugin-error findings, never as errors: a broken plugin must
// not abort linting.
func (h *Host) Check(ctx context.Context, w *schema.Workflow, plugins []Plugin) []policy.Finding {
	if len(plugins) == 0 {
		return nil
	}
	input, err := json.Marshal(w)
	if err != nil {
		return []policy.Finding{pluginError(w.Path, "workflow", err)}
	}

	var out []policy.Finding
	for _, p := range plugins {
		findings, err := h.run(ctx, p, string(input))
		if err != nil {
			h.log.Warn("plugin failed",
				zap.String("plugin", p.Name),
				zap.Error(err))
			out = append(out, pluginError(w.Path, p.Name, err))
			continue
		}
		for _, pf := range findings {
			sev, serr := policy.ParseSeverity(pf.Severity)
			if serr != nil {
				sev = policy.SeverityWarning
			}
			line := pf.Line
			if line <= 0 {
				line = 1
			}
			rule := pf.Rule
			if rule == "" {
				rule = strings.TrimSuffix(p.Name, ".go")
			}
			out = append(out, policy.Finding{
				Rule:     rule,
				Severity: sev,
				Path:     w.Path,
				Line:     line,
				Step:     -1,
				Message:  pf.Message,
			})
		}
		h.log.Debug("plugin ran",
			zap.String("plugin", p.Name),
			zap.Int("findings", len(findings)))
	}
	policy.SortFindings(out)
	return out
}

func pluginError(path, name string, err error) policy.Finding {
	return policy.Finding{
		Rule:     "plugin-error",
		Severity: policy.SeverityWarning,
		Path:     path,
		Line:     1,
		Step:     -1,
		Message:  fmt.Sprintf("plugin %s: %v", name, err),
	}
}

func (h *Host) run(ctx context.Context, p Plugin, input string) ([]pluginFinding, error) {
	if err := h.validateImports(p.Source); err != nil {
		return nil, err
	}

	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("loading stdlib symbols: %w", err)
	}
	if _, err := i.Eval(wrapMain(p.Source)); err != nil {
		return nil, fmt.Errorf("evaluating plugin: %w", err)
	}
	v, err := i.Eval("main.CheckWorkflow")
	if err != nil {
		return nil, fmt.Errorf("CheckWorkflow not found: %w", err)
	}
	check, ok := v.Interface().(func(string) (string, error))
	if !ok {
		return nil, fmt.Errorf("CheckWorkflow has the wrong signature, want func(string) (string, error)")
	}

	runCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	// The interpreter cannot be interrupted; run it on the side so a
	// runaway plugin only costs its goroutine, not the lint.
	resultCh := make(chan string, 1)
	errCh := make(chan error, 1)
	go func() {
		result, err := check(input)
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- result
	}()

	select {
	case result := <-resultCh:
		var findings []pluginFinding
		if strings.TrimSpace(result) == "" {
			return nil, nil
		}
		if err := json.Unmarshal([]byte(result), &findings); err != nil {
			return nil, fmt.Errorf("invalid findings JSON: %w", err)
		}
		return findings, nil
	case err := <-errCh:
		return nil, err
	case <-runCtx.Done():
		return nil, fmt.Errorf("plugin timed out: %w", runCtx.Err())
	}
}

// validateImports rejects plugins importing anything off the allowlist.
// Aliased imports are resolved by their quoted path.
func (h *Host) validateImports(code string) error {
	var imports []string
	inBlock := false
	for _, line := range strings.Split(code, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "import ("):
			inBlock = true
			continue
		case inBlock && strings.HasPrefix(trimmed, ")"):
			inBlock = false
			continue
		}
		if inBlock {
			if pkg := quotedPath(trimmed); pkg != "" {
				imports = append(imports, pkg)
			}
		} else if strings.HasPrefix(trimmed, "import ") {
			if pkg := quotedPath(strings.TrimPrefix(trimmed, "import ")); pkg != "" {
				imports = append(imports, pkg)
			}
		}
	}

	var forbidden []string
	for _, pkg := range imports {
		if !h.allowed[pkg] {
			forbidden = append(forbidden, pkg)
		}
	}
	if len(forbidden) > 0 {
		return fmt.Errorf("forbidden imports: %s", strings.Join(forbidden, ", "))
	}
	return nil
}

// quotedPath extracts the import path from an import line, ignoring
// any alias before the quoted string.
func quotedPath(s string) string {
	start := strings.IndexByte(s, '"')
	if start < 0 {
		return ""
	}
	end := strings.IndexByte(s[start+1:], '"')
	if end < 0 {
		return ""
	}
	return s[start+1 : start+1+end]
}

// wrapMain puts bare plugin code into a main package.
func wrapMain(code string) string {
	if strings.Contains(code, "package main") {
		return code
	}
	return "package main\n\n" + code
}
