package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Command describes one process to execute.
type Command struct {
	Binary string
	Args   []string
	Dir    string
	// Env holds KEY=VALUE pairs appended over the allowlisted base
	// environment. Later entries win.
	Env   []string
	Stdin string
	// Timeout overrides the executor default when positive.
	Timeout time.Duration
	// MaxOutputBytes caps each of stdout and stderr when positive.
	MaxOutputBytes int64
}

// ExecResult is the outcome of one process execution. A non-zero exit
// code is a result, not an error; Execute returns an error only when
// the process could not be run at all.
type ExecResult struct {
	ExitCode   int
	Stdout     string
	Stderr     string
	Duration   time.Duration
	Killed     bool
	KillReason string
	Truncated  bool
}

// Executor runs commands. The direct implementation shells out; tests
// substitute a scripted one.
type Executor interface {
	Execute(ctx context.Context, cmd Command) (*ExecResult, error)
	LookPath(binary string) (string, error)
}

// ExecConfig carries the executor defaults taken from the run section
// of the configuration.
type ExecConfig struct {
	DefaultTimeout time.Duration
	MaxOutputBytes int64
	EnvAllowlist   []string
}

// DirectExecutor runs commands as local processes.
type DirectExecutor struct {
	cfg ExecConfig
	log *zap.Logger
}

// NewDirectExecutor builds an executor with the given defaults.
func NewDirectExecutor(cfg ExecConfig, logger *zap.Logger) *DirectExecutor {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 5 * time.Minute
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = 1 << 20
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DirectExecutor{cfg: cfg, log: logger}
}

// LookPath resolves a binary against PATH.
func (e *DirectExecutor) LookPath(binary string) (string, error) {
	return exec.LookPath(binary)
}

// Execute runs the command and captures its output. Timeouts kill the
// process and come back as Killed on the result.
func (e *DirectExecutor) Execute(ctx context.Context, cmd Command) (*ExecResult, error) {
	if cmd.Binary == "" {
		return nil, errors.New("empty command binary")
	}

	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout
	}
	maxOut := cmd.MaxOutputBytes
	if maxOut <= 0 {
		maxOut = e.cfg.MaxOutputBytes
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	proc := exec.CommandContext(runCtx, cmd.Binary, cmd.Args...)
	proc.Dir = cmd.Dir
	proc.Env = e.buildEnvironment(cmd.Env)
	if cmd.Stdin != "" {
		proc.Stdin = strings.NewReader(cmd.Stdin)
	}

	stdout := &limitedWriter{max: maxOut}
	stderr := &limitedWriter{max: maxOut}
	proc.Stdout = stdout
	proc.Stderr = stderr

	e.log.Debug("executing command",
		zap.String("binary", cmd.Binary),
		zap.Strings("args", cmd.Args),
		zap.Duration("timeout", timeout))

	started := time.Now()
	err := proc.Run()

	res := &ExecResult{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Duration:  time.Since(started),
		Truncated: stdout.truncated || stderr.truncated,
	}

	switch {
	case err == nil:
	case runCtx.Err() == context.DeadlineExceeded:
		res.Killed = true
		res.KillReason = fmt.Sprintf("timed out after %s", timeout)
		res.ExitCode = -1
	case ctx.Err() != nil:
		res.Killed = true
		res.KillReason = "cancelled"
		res.ExitCode = -1
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("starting %s: %w", cmd.Binary, err)
		}
	}
	return res, nil
}

// buildEnvironment assembles the process environment from the host
// allowlist plus the per-command overrides.
func (e *DirectExecutor) buildEnvironment(extra []string) []string {
	env := make([]string, 0, len(e.cfg.EnvAllowlist)+len(extra))
	for _, key := range e.cfg.EnvAllowlist {
		if v := os.Getenv(key); v != "" {
			env = append(env, key+"="+v)
		}
	}
	return append(env, extra...)
}

// limitedWriter keeps the first max bytes and silently discards the
// rest, reporting the full length so the child never sees EPIPE.
type limitedWriter struct {
	buf       bytes.Buffer
	max       int64
	truncated bool
}

func (w *limitedWriter) Write(p []byte) (int, error) {
	room := w.max - int64(w.buf.Len())
	if room <= 0 {
		w.truncated = w.truncated || len(p) > 0
		return len(p), nil
	}
	if int64(len(p)) > room {
		w.buf.Write(p[:room])
		w.truncated = true
		return len(p), nil
	}
	w.buf.Write(p)
	return len(p), nil
}

func (w *limitedWriter) String() string { return w.buf.String() }
