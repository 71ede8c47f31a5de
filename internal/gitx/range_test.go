package gitx

import (
	"reflect"
	"testing"
)

func TestLineRangeOverlaps(t *testing.T) {
	cases := []struct {
		a, b LineRange
		want bool
	}{
		{LineRange{1, 5}, LineRange{5, 9}, true},
		{LineRange{1, 5}, LineRange{6, 9}, false},
		{LineRange{10, 20}, LineRange{1, 30}, true},
		{LineRange{3, 3}, LineRange{3, 3}, true},
		{LineRange{1, 2}, WholeFile(), true},
	}
	for _, tc := range cases {
		if got := tc.a.Overlaps(tc.b); got != tc.want {
			t.Errorf("%v.Overlaps(%v) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
		if got := tc.b.Overlaps(tc.a); got != tc.want {
			t.Errorf("overlap is not symmetric for %v, %v", tc.a, tc.b)
		}
	}
}

func TestMergeRanges(t *testing.T) {
	in := []LineRange{{10, 12}, {1, 3}, {4, 6}, {11, 15}, {30, 30}}
	want := []LineRange{{1, 6}, {10, 15}, {30, 30}}
	if got := MergeRanges(in); !reflect.DeepEqual(got, want) {
		t.Errorf("MergeRanges = %v, want %v", got, want)
	}
}

func TestParseHunkRanges(t *testing.T) {
	diff := `diff --git a/f.py b/f.py
index 1111111..2222222 100644
--- a/f.py
+++ b/f.py
@@ -4,0 +5,3 @@ def f():
+a
+b
+c
@@ -20,2 +23 @@
-x
-y
+z
@@ -40 +42,0 @@
-gone
`
	want := []LineRange{{5, 7}, {23, 23}}
	if got := parseHunkRanges(diff); !reflect.DeepEqual(got, want) {
		t.Errorf("parseHunkRanges = %v, want %v", got, want)
	}
}

func TestParseNameStatus(t *testing.T) {
	out := "M\x00a.py\x00A\x00b.py\x00R100\x00old.py\x00new.py\x00D\x00gone.py\x00"
	changes, err := parseNameStatus(out)
	if err != nil {
		t.Fatalf("parseNameStatus: %v", err)
	}
	if len(changes) != 4 {
		t.Fatalf("got %d changes, want 4", len(changes))
	}
	if changes[0].Status != 'M' || changes[0].Path != "a.py" {
		t.Errorf("first = %+v", changes[0])
	}
	if changes[2].Status != 'R' || changes[2].OldPath != "old.py" || changes[2].Path != "new.py" {
		t.Errorf("rename = %+v", changes[2])
	}
	if changes[3].Status != 'D' {
		t.Errorf("delete = %+v", changes[3])
	}
}

func TestParseNameStatusTruncated(t *testing.T) {
	if _, err := parseNameStatus("R100\x00old.py\x00"); err == nil {
		t.Fatal("expected error for truncated rename record")
	}
}
