package plugin

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"flowlint/internal/policy"
	"flowlint/internal/schema"
)

func testWorkflow(t *testing.T, name string) *schema.Workflow {
	t.Helper()
	src := `
name: ` + name + `
on: [push]
jobs:
  lint:
    runs-on: ubuntu-latest
    steps:
      - run: echo hi
`
	w, err := schema.Parse(".github/workflows/lint.yml", []byte(src))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return w
}

func checkOne(t *testing.T, w *schema.Workflow, source string) []policy.Finding {
	t.Helper()
	h := NewHost(2*time.Second, nil)
	return h.Check(context.Background(), w, []Plugin{{Name: "test.go", Source: source}})
}

const namePlugin = `
import (
	"encoding/json"
	"strings"
)

func CheckWorkflow(input string) (string, error) {
	var w map[string]interface{}
	if err := json.Unmarshal([]byte(input), &w); err != nil {
		return "", err
	}
	name, _ := w["name"].(string)
	if !strings.HasPrefix(name, "tmp-") {
		return "[]", nil
	}
	out := []map[string]interface{}{{
		"rule":     "no-tmp-name",
		"severity": "error",
		"line":     1,
		"message":  "workflow name " + name + " is temporary",
	}}
	b, err := json.Marshal(out)
	return string(b), err
}
`

func TestPluginCheck(t *testing.T) {
	findings := checkOne(t, testWorkflow(t, "tmp-lint"), namePlugin)
	if len(findings) != 1 {
		t.Fatalf("findings = %+v, want one", findings)
	}
	f := findings[0]
	if f.Rule != "no-tmp-name" || f.Severity != policy.SeverityError {
		t.Errorf("finding = %+v", f)
	}
	if !strings.Contains(f.Message, "tmp-lint") {
		t.Errorf("message = %q", f.Message)
	}
	if f.Path != ".github/workflows/lint.yml" || f.Step != -1 {
		t.Errorf("finding coordinates = %+v", f)
	}

	if got := checkOne(t, testWorkflow(t, "lint"), namePlugin); len(got) != 0 {
		t.Errorf("clean workflow produced %+v", got)
	}
}

func TestPluginInvalidSeverityDowngrades(t *testing.T) {
	const src = `
func CheckWorkflow(input string) (string, error) {
	return ` + "`" + `[{"rule":"x","severity":"blocker","line":3,"message":"m"}]` + "`" + `, nil
}
`
	findings := checkOne(t, testWorkflow(t, "lint"), src)
	if len(findings) != 1 || findings[0].Severity != policy.SeverityWarning {
		t.Fatalf("findings = %+v, want one warning", findings)
	}
}

func TestPluginForbiddenImport(t *testing.T) {
	const src = `
import (
	"os/exec"
	"strings"
)

func CheckWorkflow(input string) (string, error) {
	_ = exec.Command
	_ = strings.TrimSpace
	return "[]", nil
}
`
	findings := checkOne(t, testWorkflow(t, "lint"), src)
	if len(findings) != 1 || findings[0].Rule != "plugin-error" {
		t.Fatalf("findings = %+v, want one plugin-error", findings)
	}
	if !strings.Contains(findings[0].Message, "forbidden") {
		t.Errorf("message = %q", findings[0].Message)
	}
	if !strings.Contains(findings[0].Message, "os/exec") {
		t.Errorf("message = %q, want the package named", findings[0].Message)
	}
}

func TestPluginBadSignature(t *testing.T) {
	const src = `
func CheckWorkflow(n int) int { return n }
`
	findings := checkOne(t, testWorkflow(t, "lint"), src)
	if len(findings) != 1 || findings[0].Rule != "plugin-error" {
		t.Fatalf("findings = %+v", findings)
	}
	if !strings.Contains(findings[0].Message, "signature") {
		t.Errorf("message = %q", findings[0].Message)
	}
}

func TestPluginEvalError(t *testing.T) {
	findings := checkOne(t, testWorkflow(t, "lint"), "func CheckWorkflow( {")
	if len(findings) != 1 || findings[0].Rule != "plugin-error" {
		t.Fatalf("findings = %+v", findings)
	}
}

func TestPluginRuntimeError(t *testing.T) {
	const src = `
import "fmt"

func CheckWorkflow(input string) (string, error) {
	return "", fmt.Errorf("exploded on purpose")
}
`
	findings := checkOne(t, testWorkflow(t, "lint"), src)
	if len(findings) != 1 || !strings.Contains(findings[0].Message, "exploded on purpose") {
		t.Fatalf("findings = %+v", findings)
	}
}

func TestPluginInvalidJSON(t *testing.T) {
	const src = `
func CheckWorkflow(input string) (string, error) {
	return "not json", nil
}
`
	findings := checkOne(t, testWorkflow(t, "lint"), src)
	if len(findings) != 1 || !strings.Contains(findings[0].Message, "JSON") {
		t.Fatalf("findings = %+v", findings)
	}
}

func TestPluginEmptyResult(t *testing.T) {
	const src = `
func CheckWorkflow(input string) (string, error) {
	return "", nil
}
`
	if findings := checkOne(t, testWorkflow(t, "lint"), src); len(findings) != 0 {
		t.Fatalf("findings = %+v, want none", findings)
	}
}

func TestPluginTimeout(t *testing.T) {
	const src = `
import "time"

func CheckWorkflow(input string) (string, error) {
	time.Sleep(300 * time.Millisecond)
	return "[]", nil
}
`
	h := NewHost(30*time.Millisecond, nil)
	findings := h.Check(context.Background(), testWorkflow(t, "lint"), []Plugin{{Name: "slow.go", Source: src}})
	if len(findings) != 1 || !strings.Contains(findings[0].Message, "timed out") {
		t.Fatalf("findings = %+v, want a timeout plugin-error", findings)
	}
	// Let the abandoned interpreter goroutine finish before the test
	// binary checks for leaks elsewhere.
	time.Sleep(350 * time.Millisecond)
}

func TestValidateImports(t *testing.T) {
	h := NewHost(0, nil)
	cases := []struct {
		code string
		ok   bool
	}{
		{`import "strings"`, true},
		{`import j "encoding/json"`, true},
		{"import (\n\t\"strings\"\n\tre \"regexp\"\n)", true},
		{`import "os"`, false},
		{`import "net/http"`, false},
		{"import (\n\t\"strings\"\n\t\"syscall\"\n)", false},
	}
	for _, tc := range cases {
		err := h.validateImports(tc.code)
		if tc.ok && err != nil {
			t.Errorf("validateImports(%q) = %v, want nil", tc.code, err)
		}
		if !tc.ok && err == nil {
			t.Errorf("validateImports(%q) = nil, want error", tc.code)
		}
	}
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	for name, content := range map[string]string{
		"20-second.go": "func CheckWorkflow(input string) (string, error) { return \"[]\", nil }",
		"10-first.go":  "func CheckWorkflow(input string) (string, error) { return \"[]\", nil }",
		"README.md":    "not a plugin",
	} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "archive.go"), 0o755); err != nil {
		t.Fatal(err)
	}

	plugins, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("LoadDir: %v", err)
	}
	if len(plugins) != 2 || plugins[0].Name != "10-first.go" || plugins[1].Name != "20-second.go" {
		t.Fatalf("plugins = %+v", plugins)
	}

	missing, err := LoadDir(filepath.Join(dir, "nope"))
	if err != nil || missing != nil {
		t.Fatalf("missing dir = (%v, %v), want (nil, nil)", missing, err)
	}
}
