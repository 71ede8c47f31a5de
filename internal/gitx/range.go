package gitx

import "sort"

// wholeFileEnd is a line number beyond any real file.
const wholeFileEnd = 1<<30 - 1

// LineRange is an inclusive 1-based line span.
type LineRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// WholeFile returns the range covering an entire file, used for
// untracked or newly added files.
func WholeFile() LineRange {
	return LineRange{Start: 1, End: wholeFileEnd}
}

// IsWholeFile reports whether r was produced by WholeFile.
func (r LineRange) IsWholeFile() bool {
	return r.Start <= 1 && r.End >= wholeFileEnd
}

// Contains reports whether line falls inside the range.
func (r LineRange) Contains(line int) bool {
	return line >= r.Start && line <= r.End
}

// Overlaps reports whether two ranges share at least one line.
func (r LineRange) Overlaps(o LineRange) bool {
	return r.Start <= o.End && o.Start <= r.End
}

// OverlapsAny reports whether r intersects any range in the set.
func (r LineRange) OverlapsAny(set []LineRange) bool {
	for _, o := range set {
		if r.Overlaps(o) {
			return true
		}
	}
	return false
}

// MergeRanges sorts ranges and coalesces overlapping or adjacent spans.
func MergeRanges(ranges []LineRange) []LineRange {
	if len(ranges) <= 1 {
		return ranges
	}
	sort.Slice(ranges, func(i, j int) bool {
		if ranges[i].Start != ranges[j].Start {
			return ranges[i].Start < ranges[j].Start
		}
		return ranges[i].End < ranges[j].End
	})
	merged := ranges[:1]
	for _, r := range ranges[1:] {
		last := &merged[len(merged)-1]
		if r.Start <= last.End+1 {
			if r.End > last.End {
				last.End = r.End
			}
			continue
		}
		merged = append(merged, r)
	}
	return merged
}
