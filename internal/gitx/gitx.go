// Package gitx shells out to git for the repository state flowlint needs:
// changed files and changed line ranges against a base revision.
package gitx

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
)

// ErrNotRepo reports that a directory is not inside a git work tree.
var ErrNotRepo = errors.New("not a git repository")

// FileChange is one entry from a diff against the base revision.
type FileChange struct {
	Path      string
	OldPath   string // set for renames and copies
	Status    rune   // A, M, D, R, C
	Untracked bool
}

// IsRepo reports whether dir is inside a git work tree.
func IsRepo(ctx context.Context, dir string) bool {
	out, err := run(ctx, dir, "rev-parse", "--is-inside-work-tree")
	return err == nil && strings.TrimSpace(out) == "true"
}

// Root returns the top-level directory of the work tree.
func Root(ctx context.Context, dir string) (string, error) {
	out, err := run(ctx, dir, "rev-parse", "--show-toplevel")
	if err != nil {
		return "", ErrNotRepo
	}
	return strings.TrimSpace(out), nil
}

// Head resolves HEAD to a commit hash.
func Head(ctx context.Context, dir string) (string, error) {
	out, err := run(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("resolving HEAD: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// RevParse resolves an arbitrary revision expression.
func RevParse(ctx context.Context, dir, rev string) (string, error) {
	out, err := run(ctx, dir, "rev-parse", "--verify", "--quiet", rev)
	if err != nil {
		return "", fmt.Errorf("unknown revision %q", rev)
	}
	return strings.TrimSpace(out), nil
}

// MergeBase returns the merge base of two revisions.
func MergeBase(ctx context.Context, dir, a, b string) (string, error) {
	out, err := run(ctx, dir, "merge-base", a, b)
	if err != nil {
		return "", fmt.Errorf("merge-base %s %s: %w", a, b, err)
	}
	return strings.TrimSpace(out), nil
}

// IsShallow reports whether the repository is a shallow clone.
func IsShallow(ctx context.Context, dir string) (bool, error) {
	out, err := run(ctx, dir, "rev-parse", "--is-shallow-repository")
	if err != nil {
		return false, ErrNotRepo
	}
	return strings.TrimSpace(out) == "true", nil
}

// DefaultBase picks the revision diffs compare against when the caller
// gave none: the merge base with the first default branch candidate
// that exists, falling back to HEAD.
func DefaultBase(ctx context.Context, dir string) string {
	for _, cand := range []string{"origin/main", "origin/master", "main", "master"} {
		if _, err := RevParse(ctx, dir, cand); err != nil {
			continue
		}
		if base, err := MergeBase(ctx, dir, "HEAD", cand); err == nil {
			return base
		}
	}
	return "HEAD"
}

// ChangedFiles lists files whose content differs from base, including
// untracked files. Paths are relative to the work tree root.
func ChangedFiles(ctx context.Context, dir, base string) ([]FileChange, error) {
	out, err := run(ctx, dir, "diff", "--name-status", "-z", base)
	if err != nil {
		return nil, fmt.Errorf("diff against %q: %w", base, err)
	}
	changes, err := parseNameStatus(out)
	if err != nil {
		return nil, err
	}

	untracked, err := run(ctx, dir, "ls-files", "--others", "--exclude-standard", "-z")
	if err != nil {
		return nil, fmt.Errorf("listing untracked files: %w", err)
	}
	for _, p := range strings.Split(untracked, "\x00") {
		if p == "" {
			continue
		}
		changes = append(changes, FileChange{Path: p, Status: 'A', Untracked: true})
	}
	return changes, nil
}

// ChangedLines returns the line ranges of path (in its current content)
// that differ from base. An untracked path yields the whole-file range.
func ChangedLines(ctx context.Context, dir, base, path string) ([]LineRange, error) {
	out, err := run(ctx, dir, "diff", "-U0", base, "--", path)
	if err != nil {
		return nil, fmt.Errorf("diff -U0 %s -- %s: %w", base, path, err)
	}
	if strings.TrimSpace(out) == "" {
		// No tracked diff: either unchanged or untracked.
		tracked, lerr := run(ctx, dir, "ls-files", "--error-unmatch", "--", path)
		if lerr != nil || strings.TrimSpace(tracked) == "" {
			return []LineRange{WholeFile()}, nil
		}
		return nil, nil
	}
	return parseHunkRanges(out), nil
}

var hunkHeader = regexp.MustCompile(`^@@ -\d+(?:,\d+)? \+(\d+)(?:,(\d+))? @@`)

// parseHunkRanges extracts new-side line ranges from -U0 diff output.
func parseHunkRanges(diff string) []LineRange {
	var ranges []LineRange
	sc := bufio.NewScanner(strings.NewReader(diff))
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		m := hunkHeader.FindStringSubmatch(sc.Text())
		if m == nil {
			continue
		}
		start, _ := strconv.Atoi(m[1])
		count := 1
		if m[2] != "" {
			count, _ = strconv.Atoi(m[2])
		}
		if count == 0 {
			// Pure deletion: no surviving lines on the new side.
			continue
		}
		ranges = append(ranges, LineRange{Start: start, End: start + count - 1})
	}
	return MergeRanges(ranges)
}

// parseNameStatus tokenizes NUL-separated name-status records.
func parseNameStatus(out string) ([]FileChange, error) {
	fields := strings.Split(out, "\x00")
	var changes []FileChange
	for i := 0; i < len(fields); {
		status := fields[i]
		if status == "" {
			i++
			continue
		}
		fc := FileChange{Status: rune(status[0])}
		switch fc.Status {
		case 'R', 'C':
			if i+2 >= len(fields) {
				return nil, fmt.Errorf("truncated rename record %q", status)
			}
			fc.OldPath = fields[i+1]
			fc.Path = fields[i+2]
			i += 3
		default:
			if i+1 >= len(fields) {
				return nil, fmt.Errorf("truncated status record %q", status)
			}
			fc.Path = fields[i+1]
			i += 2
		}
		changes = append(changes, fc)
	}
	return changes, nil
}

func run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return "", fmt.Errorf("git %s: %s", args[0], msg)
		}
		return "", fmt.Errorf("git %s: %w", args[0], err)
	}
	return string(out), nil
}
