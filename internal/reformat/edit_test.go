package reformat

import (
	"reflect"
	"strings"
	"testing"

	"flowlint/internal/gitx"
)

func TestEditsReplaceLine(t *testing.T) {
	src := "a = 1\nb=2\nc = 3\n"
	formatted := "a = 1\nb = 2\nc = 3\n"

	edits := NewEngine().Edits(src, formatted)
	if len(edits) != 1 {
		t.Fatalf("got %d edits, want 1: %+v", len(edits), edits)
	}
	ed := edits[0]
	if ed.OldStart != 2 {
		t.Errorf("OldStart = %d, want 2", ed.OldStart)
	}
	if !reflect.DeepEqual(ed.Old, []string{"b=2\n"}) {
		t.Errorf("Old = %q", ed.Old)
	}
	if !reflect.DeepEqual(ed.New, []string{"b = 2\n"}) {
		t.Errorf("New = %q", ed.New)
	}
	if span := ed.OldSpan(); span != (gitx.LineRange{Start: 2, End: 2}) {
		t.Errorf("OldSpan = %v", span)
	}
}

func TestEditsIdentical(t *testing.T) {
	if edits := NewEngine().Edits("same\n", "same\n"); len(edits) != 0 {
		t.Errorf("identical inputs produced edits: %+v", edits)
	}
}

func TestEditsRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		src  string
		fmtd string
	}{
		{"replace", "a\nb\nc\n", "a\nB\nc\n"},
		{"insert", "a\nc\n", "a\nb\nc\n"},
		{"delete", "a\nb\nc\n", "a\nc\n"},
		{"insert-at-top", "b\n", "a\nb\n"},
		{"append", "a\n", "a\nb\n"},
		{"no-trailing-newline", "a\nb", "a\nB"},
		{"add-trailing-newline", "a\nb", "a\nb\n"},
		{"strip-trailing-newline", "a\nb\n", "a\nb"},
		{"multi-hunk", "1\n2\n3\n4\n5\n6\n", "one\n2\n3\nfour\n5\nsix\n"},
		{"empty-to-content", "", "a\n"},
		{"content-to-empty", "a\n", ""},
	}
	eng := NewEngine()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			edits := eng.Edits(tc.src, tc.fmtd)
			got := Apply(tc.src, edits, nil)
			if got != tc.fmtd {
				t.Errorf("Apply(all edits) = %q, want %q", got, tc.fmtd)
			}
		})
	}
}

func TestApplySelective(t *testing.T) {
	src := "a=1\nok\nb=2\n"
	formatted := "a = 1\nok\nb = 2\n"
	eng := NewEngine()
	edits := eng.Edits(src, formatted)
	if len(edits) != 2 {
		t.Fatalf("got %d edits, want 2", len(edits))
	}

	// Apply only the edit touching line 1.
	got := Apply(src, edits, func(e Edit) bool { return e.OldSpan().Contains(1) })
	want := "a = 1\nok\nb=2\n"
	if got != want {
		t.Errorf("selective apply = %q, want %q", got, want)
	}

	// Selecting nothing must reproduce the source.
	if got := Apply(src, edits, func(Edit) bool { return false }); got != src {
		t.Errorf("empty selection = %q, want source unchanged", got)
	}
}

func TestInsertionSpanTouchesBoundary(t *testing.T) {
	// A blank line inserted after line 1 must be attributable to line 1.
	edits := NewEngine().Edits("x = 1\ny = 2\n", "x = 1\n\ny = 2\n")
	if len(edits) != 1 {
		t.Fatalf("got %d edits, want 1: %+v", len(edits), edits)
	}
	span := edits[0].OldSpan()
	if !span.Contains(1) && !span.Contains(2) {
		t.Errorf("insertion span %v touches neither boundary line", span)
	}
}

func TestRenderPatch(t *testing.T) {
	src := "a=1\nok\nb=2\n"
	formatted := "a = 1\nok\nb = 2\n"
	edits := NewEngine().Edits(src, formatted)

	patch := RenderPatch("pkg/f.py", edits, nil)
	for _, want := range []string{
		"--- a/pkg/f.py",
		"+++ b/pkg/f.py",
		"@@ -1,1 +1,1 @@",
		"-a=1",
		"+a = 1",
		"@@ -3,1 +3,1 @@",
		"-b=2",
		"+b = 2",
	} {
		if !strings.Contains(patch, want) {
			t.Errorf("patch missing %q:\n%s", want, patch)
		}
	}

	if got := RenderPatch("f.py", edits, func(Edit) bool { return false }); got != "" {
		t.Errorf("empty selection should render empty patch, got %q", got)
	}
}

func TestRenderPatchOffsets(t *testing.T) {
	// When an earlier edit is not selected, later new-side positions
	// must not shift.
	src := "a=1\nmid\nb=2\n"
	formatted := "a = 1\nextra\nmid\nb = 2\n"
	edits := NewEngine().Edits(src, formatted)

	patch := RenderPatch("f.py", edits, func(e Edit) bool { return e.OldSpan().Contains(3) })
	if !strings.Contains(patch, "@@ -3,1 +3,1 @@") {
		t.Errorf("unexpected hunk header in:\n%s", patch)
	}
}
