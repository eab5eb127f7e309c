package lcfips

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// Command describes one subprocess invocation.
type Command struct {
	Path string
	Args []string
	Dir  string
	// Env is the complete environment of the child. Nil falls back to
	// Executor.BaseEnv, and to the parent's environment when that is nil
	// as well.
	Env []string
	// Stream, when set, receives the combined output as it is produced in
	// addition to the captured copy.
	Stream io.Writer
	// SeparateStderr keeps all of stdout in Result.Output and the tail of
	// stderr in Result.Stderr. Used when stdout is data, not a log.
	SeparateStderr bool
}

// Result is what the orchestrator observes of a finished subprocess: its
// aggregate exit status and captured output.
type Result struct {
	ExitCode int
	Output   []byte
	Stderr   []byte
}

// Runner runs subprocesses. The native build and the tool probes only
// depend on this narrow interface so tests can substitute a fake.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// Executor provides a consistent interface for executing commands.
type Executor struct {
	ApplyIdlePriority bool     // Apply nice -n 19 to every command
	BaseEnv           []string // environment used when Command.Env is nil
	// MaxCapture bounds how much output is retained in Result.Output; the
	// tail is kept. Zero keeps everything.
	MaxCapture int
}

// NewExecutor returns an Executor inheriting the given environment.
func NewExecutor(env []string) *Executor {
	return &Executor{BaseEnv: env, MaxCapture: 256 << 10}
}

// Run executes the command in its own process group and waits for it. The
// group is killed when ctx is cancelled so no native compiler outlives the
// invocation. There is deliberately no timeout. A non-zero exit is reported
// through Result.ExitCode; err is only set when the process could not be
// run or was cancelled.
func (e *Executor) Run(ctx context.Context, c Command) (Result, error) {
	path := c.Path
	args := c.Args
	if e.ApplyIdlePriority {
		args = append([]string{"-n", "19", path}, args...)
		path = "nice"
	}

	cmd := exec.Command(path, args...)
	cmd.Dir = c.Dir
	cmd.Env = c.Env
	if cmd.Env == nil {
		cmd.Env = e.BaseEnv
	}

	capture := &tailBuffer{max: e.MaxCapture}
	var errCapture *tailBuffer
	var out io.Writer = capture
	if c.SeparateStderr {
		capture.max = 0
		errCapture = &tailBuffer{max: e.MaxCapture}
	}
	if c.Stream != nil {
		out = io.MultiWriter(capture, c.Stream)
	}
	cmd.Stdout = out
	cmd.Stderr = out
	if errCapture != nil {
		cmd.Stderr = errCapture
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return Result{ExitCode: -1}, fmt.Errorf("failed to start %s: %w", c.Path, err)
	}

	pgid := cmd.Process.Pid
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = unix.Kill(-pgid, unix.SIGKILL)
		case <-done:
		}
	}()

	waitErr := cmd.Wait()
	res := Result{ExitCode: 0, Output: capture.Bytes()}
	if errCapture != nil {
		res.Stderr = errCapture.Bytes()
	}
	if waitErr == nil {
		return res, nil
	}
	if ctx.Err() != nil {
		res.ExitCode = -1
		return res, fmt.Errorf("command aborted: %w", ctx.Err())
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	res.ExitCode = -1
	return res, waitErr
}

// tailBuffer keeps at most max bytes, discarding the oldest output.
type tailBuffer struct {
	buf bytes.Buffer
	max int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	n, _ := t.buf.Write(p)
	if t.max > 0 && t.buf.Len() > t.max {
		t.buf.Next(t.buf.Len() - t.max)
	}
	return n, nil
}

func (t *tailBuffer) Bytes() []byte {
	return bytes.Clone(t.buf.Bytes())
}
