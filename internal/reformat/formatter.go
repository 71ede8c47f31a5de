package reformat

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
)

// Formatter produces the fully formatted form of a source file.
type Formatter interface {
	Name() string
	Format(ctx context.Context, path string, src []byte) ([]byte, error)
}

// FormatterFunc adapts a function to the Formatter interface.
type FormatterFunc struct {
	FName string
	Fn    func(ctx context.Context, path string, src []byte) ([]byte, error)
}

func (f FormatterFunc) Name() string { return f.FName }

func (f FormatterFunc) Format(ctx context.Context, path string, src []byte) ([]byte, error) {
	return f.Fn(ctx, path, src)
}

// CommandFormatter runs an external formatter that reads source on stdin
// and writes the formatted result to stdout. Occurrences of {path} in the
// argument list are replaced with the file path.
type CommandFormatter struct {
	name string
	bin  string
	args []string
}

// NewCommandFormatter builds a stdin/stdout command formatter.
func NewCommandFormatter(name, bin string, args []string) *CommandFormatter {
	return &CommandFormatter{name: name, bin: bin, args: args}
}

func (f *CommandFormatter) Name() string { return f.name }

// Available reports whether the formatter binary is on PATH.
func (f *CommandFormatter) Available() bool {
	_, err := exec.LookPath(f.bin)
	return err == nil
}

func (f *CommandFormatter) Format(ctx context.Context, path string, src []byte) ([]byte, error) {
	args := make([]string, len(f.args))
	for i, a := range f.args {
		args[i] = strings.ReplaceAll(a, "{path}", path)
	}

	cmd := exec.CommandContext(ctx, f.bin, args...)
	cmd.Stdin = bytes.NewReader(src)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return nil, fmt.Errorf("%s: %s", f.name, msg)
		}
		return nil, fmt.Errorf("%s: %w", f.name, err)
	}
	return stdout.Bytes(), nil
}

// ConfiguredFormatter pairs a formatter with the file patterns it owns.
type ConfiguredFormatter struct {
	Formatter Formatter
	Patterns  []string
}

// Set routes files to formatters by pattern, first match wins.
type Set struct {
	formatters []ConfiguredFormatter
}

// NewSet builds a formatter set. Order determines precedence.
func NewSet(formatters []ConfiguredFormatter) *Set {
	return &Set{formatters: formatters}
}

// ForPath returns the formatter owning path, or nil when no pattern
// matches. Patterns containing a separator match the full slash path;
// bare patterns match the base name.
func (s *Set) ForPath(path string) Formatter {
	slashed := filepath.ToSlash(path)
	base := filepath.Base(path)
	for _, cf := range s.formatters {
		for _, pat := range cf.Patterns {
			target := base
			if strings.Contains(pat, "/") {
				target = slashed
			}
			if ok, err := filepath.Match(pat, target); err == nil && ok {
				return cf.Formatter
			}
		}
	}
	return nil
}
