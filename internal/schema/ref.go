package schema

import (
	"fmt"
	"strings"
)

// ParseActionRef parses a "uses" value. comment is the trailing YAML line
// comment, which by convention names the human-readable version of a
// SHA-pinned ref ("# v2.1.1").
func ParseActionRef(raw, comment string, line int) (*ActionRef, error) {
	ref := &ActionRef{
		Raw:            raw,
		VersionComment: trimVersionComment(comment),
		Line:           line,
	}

	switch {
	case raw == "":
		return nil, fmt.Errorf("empty action reference")

	case strings.HasPrefix(raw, "docker://"):
		image := strings.TrimPrefix(raw, "docker://")
		ref.RefKind = RefDocker
		ref.Repo = image
		if at := strings.Index(image, "@"); at >= 0 {
			ref.Repo, ref.Ref = image[:at], image[at+1:]
		} else if colon := strings.LastIndex(image, ":"); colon > 0 {
			ref.Repo, ref.Ref = image[:colon], image[colon+1:]
		}
		return ref, nil

	case strings.HasPrefix(raw, "./") || strings.HasPrefix(raw, "../"):
		ref.RefKind = RefLocal
		ref.Path = raw
		return ref, nil
	}

	at := strings.LastIndex(raw, "@")
	if at <= 0 || at == len(raw)-1 {
		return nil, fmt.Errorf("action reference %q has no version", raw)
	}
	slug, version := raw[:at], raw[at+1:]

	parts := strings.Split(slug, "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return nil, fmt.Errorf("action reference %q is not owner/repo", raw)
	}
	ref.Owner = parts[0]
	ref.Repo = parts[1]
	if len(parts) > 2 {
		ref.Path = strings.Join(parts[2:], "/")
	}
	ref.Ref = version
	ref.RefKind = classifyRef(version)
	return ref, nil
}

func classifyRef(ref string) RefKind {
	if isCommitSHA(ref) {
		return RefSHA
	}
	if isVersionTag(ref) {
		return RefTag
	}
	return RefBranch
}

// isCommitSHA matches full-length hex object names (SHA-1 or SHA-256).
func isCommitSHA(s string) bool {
	if len(s) != 40 && len(s) != 64 {
		return false
	}
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

// isVersionTag matches v-prefixed or dotted numeric version tags
// (v2, v2.1.1, 1.2.3). Anything else is assumed to be a branch.
func isVersionTag(s string) bool {
	t := strings.TrimPrefix(s, "v")
	if t == "" {
		return false
	}
	sawDigit := false
	for _, c := range t {
		switch {
		case c >= '0' && c <= '9':
			sawDigit = true
		case c == '.' || c == '-':
		default:
			return false
		}
	}
	return sawDigit
}

func trimVersionComment(comment string) string {
	c := strings.TrimSpace(comment)
	c = strings.TrimPrefix(c, "#")
	return strings.TrimSpace(c)
}
