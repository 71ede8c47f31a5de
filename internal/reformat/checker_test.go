package reformat

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"testing"

	"flowlint/internal/gitx"
)

// cannedFormatter returns a fixed formatted form regardless of input.
func cannedFormatter(name, output string) Formatter {
	return FormatterFunc{
		FName: name,
		Fn: func(context.Context, string, []byte) ([]byte, error) {
			return []byte(output), nil
		},
	}
}

const (
	messySrc  = "a = 1\nb=2\nc = 3\nd=4\ne = 5\n"
	messyFmtd = "a = 1\nb = 2\nc = 3\nd = 4\ne = 5\n"
)

func TestCheckFileFlagsOnlyChangedLines(t *testing.T) {
	c := NewChecker(1, nil)
	f := cannedFormatter("spacer", messyFmtd)

	// Line 2 was changed and is unformatted: violation.
	res := c.CheckFile(context.Background(), "f.py", []byte(messySrc), []gitx.LineRange{{Start: 2, End: 2}}, f)
	if res.Clean {
		t.Fatal("expected a violation for changed unformatted line")
	}
	if len(res.Ranges) != 1 || res.Ranges[0] != (gitx.LineRange{Start: 2, End: 2}) {
		t.Errorf("Ranges = %v, want [{2 2}]", res.Ranges)
	}
	if !strings.Contains(res.Patch, "+b = 2") || strings.Contains(res.Patch, "+d = 4") {
		t.Errorf("patch should cover only line 2:\n%s", res.Patch)
	}

	// Line 3 was changed but is already formatted: the debt at lines 2
	// and 4 is not this change's problem.
	res = c.CheckFile(context.Background(), "f.py", []byte(messySrc), []gitx.LineRange{{Start: 3, End: 3}}, f)
	if !res.Clean {
		t.Errorf("expected clean result, got ranges %v", res.Ranges)
	}

	// No changed lines means nothing to verify.
	res = c.CheckFile(context.Background(), "f.py", []byte(messySrc), nil, f)
	if !res.Clean {
		t.Error("no changed ranges should be clean")
	}
}

func TestCheckFileWholeFile(t *testing.T) {
	c := NewChecker(1, nil)
	f := cannedFormatter("spacer", messyFmtd)

	res := c.CheckFile(context.Background(), "f.py", []byte(messySrc), []gitx.LineRange{gitx.WholeFile()}, f)
	if res.Clean {
		t.Fatal("whole-file range should flag all formatting debt")
	}
	want := []gitx.LineRange{{Start: 2, End: 2}, {Start: 4, End: 4}}
	if len(res.Ranges) != 2 || res.Ranges[0] != want[0] || res.Ranges[1] != want[1] {
		t.Errorf("Ranges = %v, want %v", res.Ranges, want)
	}
}

func TestCheckFileFormatterError(t *testing.T) {
	c := NewChecker(1, nil)
	f := FormatterFunc{
		FName: "broken",
		Fn: func(context.Context, string, []byte) ([]byte, error) {
			return nil, errors.New("syntax error on line 1")
		},
	}
	res := c.CheckFile(context.Background(), "f.py", []byte("x\n"), []gitx.LineRange{{Start: 1, End: 1}}, f)
	if res.Clean || res.Err == "" {
		t.Errorf("formatter failure not surfaced: %+v", res)
	}
}

func TestFixAppliesOnlyOffendingEdits(t *testing.T) {
	c := NewChecker(1, nil)
	f := cannedFormatter("spacer", messyFmtd)

	out, changed, err := c.Fix(context.Background(), "f.py", []byte(messySrc), []gitx.LineRange{{Start: 2, End: 2}}, f)
	if err != nil {
		t.Fatalf("Fix: %v", err)
	}
	if !changed {
		t.Fatal("Fix should report a change")
	}
	want := "a = 1\nb = 2\nc = 3\nd=4\ne = 5\n"
	if string(out) != want {
		t.Errorf("Fix = %q, want %q", out, want)
	}

	// Already-clean input must pass through untouched.
	out2, changed2, err := c.Fix(context.Background(), "f.py", out, []gitx.LineRange{{Start: 2, End: 2}}, cannedFormatter("spacer", want))
	if err != nil || changed2 {
		t.Errorf("second Fix changed=%v err=%v", changed2, err)
	}
	if string(out2) != want {
		t.Errorf("second Fix altered content")
	}
}

func TestCheckFilesBatch(t *testing.T) {
	c := NewChecker(4, nil)
	f := cannedFormatter("spacer", messyFmtd)

	inputs := []FileInput{
		{Path: "z.py", Src: []byte(messySrc), Changed: []gitx.LineRange{{Start: 2, End: 2}}, Formatter: f},
		{Path: "a.py", Src: []byte(messyFmtd), Changed: []gitx.LineRange{gitx.WholeFile()}, Formatter: f},
		{Path: "m.txt", Src: []byte("notes\n"), Changed: []gitx.LineRange{gitx.WholeFile()}},
	}
	results, err := c.CheckFiles(context.Background(), inputs)
	if err != nil {
		t.Fatalf("CheckFiles: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("got %d results", len(results))
	}
	if results[0].Path != "a.py" || results[1].Path != "m.txt" || results[2].Path != "z.py" {
		t.Errorf("results not sorted by path: %v, %v, %v", results[0].Path, results[1].Path, results[2].Path)
	}
	if !results[0].Clean {
		t.Error("a.py is fully formatted and should be clean")
	}
	if !results[1].Skipped {
		t.Error("m.txt has no formatter and should be skipped")
	}
	if results[2].Clean {
		t.Error("z.py should be flagged")
	}
}

func TestFormatterSetRouting(t *testing.T) {
	py := cannedFormatter("black", "")
	goFmt := cannedFormatter("gofmt", "")
	set := NewSet([]ConfiguredFormatter{
		{Formatter: py, Patterns: []string{"*.py", "*.pyi"}},
		{Formatter: goFmt, Patterns: []string{"*.go"}},
	})

	if f := set.ForPath("pkg/tool.py"); f == nil || f.Name() != "black" {
		t.Errorf("tool.py routed to %v", f)
	}
	if f := set.ForPath("main.go"); f == nil || f.Name() != "gofmt" {
		t.Errorf("main.go routed to %v", f)
	}
	if f := set.ForPath("README.md"); f != nil {
		t.Errorf("README.md routed to %v, want nil", f)
	}
}

func TestCommandFormatterIdentity(t *testing.T) {
	if _, err := exec.LookPath("cat"); err != nil {
		t.Skip("cat not installed")
	}
	f := NewCommandFormatter("cat", "cat", nil)
	out, err := f.Format(context.Background(), "f.txt", []byte("same\n"))
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	if string(out) != "same\n" {
		t.Errorf("output = %q", out)
	}
}

func TestCommandFormatterFailure(t *testing.T) {
	if _, err := exec.LookPath("false"); err != nil {
		t.Skip("false not installed")
	}
	f := NewCommandFormatter("false", "false", nil)
	if _, err := f.Format(context.Background(), "f.txt", []byte("x")); err == nil {
		t.Fatal("expected error from failing formatter")
	}
}
