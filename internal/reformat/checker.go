package reformat

import (
	"context"
	"crypto/sha256"
	"runtime"
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"flowlint/internal/gitx"
)

// FileResult is the outcome of checking one file.
type FileResult struct {
	Path      string           `json:"path"`
	Formatter string           `json:"formatter,omitempty"`
	Clean     bool             `json:"clean"`
	Skipped   bool             `json:"skipped,omitempty"` // no formatter owns this path
	Ranges    []gitx.LineRange `json:"ranges,omitempty"`  // changed lines that need reformatting
	Patch     string           `json:"patch,omitempty"`
	Err       string           `json:"error,omitempty"`
}

// FileInput is one file queued for checking.
type FileInput struct {
	Path      string
	Src       []byte
	Changed   []gitx.LineRange
	Formatter Formatter
}

type cacheKey struct {
	src  [32]byte
	name string
}

// Checker runs formatters over files and keeps only the edits that
// overlap changed lines. Formatter output is cached by content hash so
// watch-mode re-runs skip unchanged files.
type Checker struct {
	engine *Engine
	cache  *lru.Cache[cacheKey, string]
	limit  int
	log    *zap.Logger
}

// NewChecker builds a checker running at most limit files concurrently.
// limit <= 0 means GOMAXPROCS.
func NewChecker(limit int, logger *zap.Logger) *Checker {
	if limit <= 0 {
		limit = runtime.GOMAXPROCS(0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cache, _ := lru.New[cacheKey, string](512)
	return &Checker{engine: NewEngine(), cache: cache, limit: limit, log: logger}
}

// CheckFile checks one file against its changed line ranges.
func (c *Checker) CheckFile(ctx context.Context, path string, src []byte, changed []gitx.LineRange, f Formatter) *FileResult {
	res := &FileResult{Path: path, Formatter: f.Name()}
	if len(changed) == 0 {
		res.Clean = true
		return res
	}

	formatted, err := c.format(ctx, path, src, f)
	if err != nil {
		res.Err = err.Error()
		return res
	}

	edits := c.engine.Edits(string(src), formatted)
	offending := func(e Edit) bool { return e.OldSpan().OverlapsAny(changed) }

	var ranges []gitx.LineRange
	for _, e := range edits {
		if offending(e) {
			ranges = append(ranges, e.OldSpan())
		}
	}
	if len(ranges) == 0 {
		res.Clean = true
		c.log.Debug("file clean", zap.String("path", path), zap.String("formatter", f.Name()))
		return res
	}

	res.Ranges = gitx.MergeRanges(ranges)
	res.Patch = RenderPatch(path, edits, offending)
	c.log.Debug("file needs reformatting",
		zap.String("path", path),
		zap.String("formatter", f.Name()),
		zap.Int("ranges", len(res.Ranges)))
	return res
}

// Fix returns src with the offending edits applied, leaving formatting
// debt outside the changed ranges untouched. The bool reports whether
// anything changed.
func (c *Checker) Fix(ctx context.Context, path string, src []byte, changed []gitx.LineRange, f Formatter) ([]byte, bool, error) {
	if len(changed) == 0 {
		return src, false, nil
	}
	formatted, err := c.format(ctx, path, src, f)
	if err != nil {
		return nil, false, err
	}
	edits := c.engine.Edits(string(src), formatted)
	out := Apply(string(src), edits, func(e Edit) bool { return e.OldSpan().OverlapsAny(changed) })
	return []byte(out), out != string(src), nil
}

// CheckFiles checks a batch concurrently. Results come back sorted by
// path; per-file failures are recorded on the result, not returned.
func (c *Checker) CheckFiles(ctx context.Context, inputs []FileInput) ([]*FileResult, error) {
	results := make([]*FileResult, len(inputs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.limit)
	for i, in := range inputs {
		g.Go(func() error {
			if in.Formatter == nil {
				results[i] = &FileResult{Path: in.Path, Clean: true, Skipped: true}
				return nil
			}
			results[i] = c.CheckFile(gctx, in.Path, in.Src, in.Changed, in.Formatter)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Path < results[j].Path })
	return results, ctx.Err()
}

func (c *Checker) format(ctx context.Context, path string, src []byte, f Formatter) (string, error) {
	key := cacheKey{src: sha256.Sum256(src), name: f.Name()}
	if v, ok := c.cache.Get(key); ok {
		return v, nil
	}
	out, err := f.Format(ctx, path, src)
	if err != nil {
		return "", err
	}
	c.cache.Add(key, string(out))
	return string(out), nil
}
