// Package reformat implements diff-aware format checking: a file passes
// when the lines touched by a change are already formatted, regardless of
// formatting debt elsewhere in the file. Only edits that overlap the
// changed line ranges count as violations, and only those edits are
// applied in fix mode.
package reformat

import (
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"flowlint/internal/gitx"
)

// Edit is one contiguous run of line changes between the source and its
// fully formatted form. Line strings keep their newline terminators so a
// sequence of edits can be reapplied losslessly.
type Edit struct {
	OldStart int      // 1-based first source line replaced; insertion point when Old is empty
	NewStart int      // 1-based first line in the formatted text
	Old      []string // source lines removed
	New      []string // formatted lines inserted
}

// OldSpan returns the source lines an edit touches. A pure insertion is
// attributed to its boundary lines so that text inserted next to a
// changed line counts against that change.
func (e Edit) OldSpan() gitx.LineRange {
	if len(e.Old) == 0 {
		start := e.OldStart - 1
		if start < 1 {
			start = 1
		}
		return gitx.LineRange{Start: start, End: e.OldStart}
	}
	return gitx.LineRange{Start: e.OldStart, End: e.OldStart + len(e.Old) - 1}
}

// Engine computes line-level edits between two texts.
type Engine struct {
	dmp *diffmatchpatch.DiffMatchPatch
}

// NewEngine returns an engine tuned for code diffs.
func NewEngine() *Engine {
	dmp := diffmatchpatch.New()
	dmp.DiffTimeout = 0
	return &Engine{dmp: dmp}
}

// Edits returns the minimal line edits turning src into formatted.
func (e *Engine) Edits(src, formatted string) []Edit {
	if src == formatted {
		return nil
	}

	// No semantic cleanup: it folds small equal runs into neighboring
	// edits, which would widen edit spans past the lines that actually
	// differ and misattribute violations.
	a, b, lineArray := e.dmp.DiffLinesToChars(src, formatted)
	diffs := e.dmp.DiffMain(a, b, false)
	diffs = e.dmp.DiffCharsToLines(diffs, lineArray)

	var edits []Edit
	var cur *Edit
	oldLine, newLine := 1, 1
	flush := func() {
		if cur != nil {
			edits = append(edits, *cur)
			cur = nil
		}
	}

	for _, d := range diffs {
		lines := splitLines(d.Text)
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			flush()
			oldLine += len(lines)
			newLine += len(lines)
		case diffmatchpatch.DiffDelete:
			if cur == nil {
				cur = &Edit{OldStart: oldLine, NewStart: newLine}
			}
			cur.Old = append(cur.Old, lines...)
			oldLine += len(lines)
		case diffmatchpatch.DiffInsert:
			if cur == nil {
				cur = &Edit{OldStart: oldLine, NewStart: newLine}
			}
			cur.New = append(cur.New, lines...)
			newLine += len(lines)
		}
	}
	flush()
	return edits
}

// Apply rebuilds src with the selected edits applied and all others left
// alone. A nil selector applies every edit.
func Apply(src string, edits []Edit, selected func(Edit) bool) string {
	lines := splitLines(src)
	var b strings.Builder
	b.Grow(len(src))
	next := 1
	for _, ed := range edits {
		for ; next < ed.OldStart && next <= len(lines); next++ {
			b.WriteString(lines[next-1])
		}
		if selected != nil && !selected(ed) {
			continue
		}
		for _, l := range ed.New {
			b.WriteString(l)
		}
		next += len(ed.Old)
	}
	for ; next <= len(lines); next++ {
		b.WriteString(lines[next-1])
	}
	return b.String()
}

// RenderPatch renders the selected edits as a unified diff without
// context lines. New-side positions account only for edits that are
// actually selected.
func RenderPatch(path string, edits []Edit, selected func(Edit) bool) string {
	var b strings.Builder
	delta := 0
	for _, ed := range edits {
		if selected != nil && !selected(ed) {
			continue
		}
		oldCount, newCount := len(ed.Old), len(ed.New)
		oldStart := ed.OldStart
		if oldCount == 0 {
			oldStart--
		}
		newStart := ed.OldStart + delta
		if newCount == 0 {
			newStart--
		}
		if b.Len() == 0 {
			fmt.Fprintf(&b, "--- a/%s\n+++ b/%s\n", path, path)
		}
		fmt.Fprintf(&b, "@@ -%d,%d +%d,%d @@\n", oldStart, oldCount, newStart, newCount)
		for _, l := range ed.Old {
			b.WriteString("-" + strings.TrimRight(l, "\n") + "\n")
		}
		for _, l := range ed.New {
			b.WriteString("+" + strings.TrimRight(l, "\n") + "\n")
		}
		delta += newCount - oldCount
	}
	return b.String()
}

// splitLines splits text into lines that keep their terminators; the
// final line may lack one.
func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.SplitAfter(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
