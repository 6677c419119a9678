package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/kelsos/crawl-sync/internal/logger"
)

const (
	defaultTailLines = 50
	maxLineLength    = 64 * 1024
	waitDelay        = 5 * time.Second
)

// Spec describes an external command run
type Spec struct {
	// Name is used as the log prefix; defaults to the binary's base name
	Name    string
	Command string
	Args    []string
	Dir     string
	// Env is appended to the current process environment
	Env []string
	// TaskID tags every streamed output line when set
	TaskID string
	// TailLines bounds how many output lines are kept in Result.Output
	TailLines int
}

// Result describes a finished command
type Result struct {
	ExitCode int
	Output   []string
	Duration time.Duration
}

// LastLine returns the last non-empty output line, if any
func (r *Result) LastLine() string {
	for i := len(r.Output) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(r.Output[i]); line != "" {
			return line
		}
	}
	return ""
}

// Run starts the command, streams its stdout and stderr into the logger line by line and waits
// for it to exit. The process is killed when ctx is cancelled.
func Run(ctx context.Context, spec Spec) (*Result, error) {
	if spec.Command == "" {
		return nil, errors.New("no command given")
	}

	name := spec.Name
	if name == "" {
		name = filepath.Base(spec.Command)
	}

	// #nosec G204 - the command comes from operator configuration
	cmd := exec.CommandContext(ctx, spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.WaitDelay = waitDelay

	tail := newTail(spec.TailLines)
	stdout := &lineWriter{tail: tail, name: name, taskID: spec.TaskID}
	stderr := &lineWriter{tail: tail, name: name, taskID: spec.TaskID, isErr: true}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	started := time.Now()

	logger.Info("Starting %s: %s %s", name, spec.Command, strings.Join(spec.Args, " "))

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", name, err)
	}

	waitErr := cmd.Wait()
	stdout.Flush()
	stderr.Flush()

	result := &Result{
		ExitCode: cmd.ProcessState.ExitCode(),
		Output:   tail.lines(),
		Duration: time.Since(started),
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		logger.Warn("%s was stopped after %s: %v", name, result.Duration.Round(time.Millisecond), ctxErr)
		return result, fmt.Errorf("%s was stopped: %w", name, ctxErr)
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			if last := result.LastLine(); last != "" {
				return result, fmt.Errorf("%s exited with status %d: %s", name, result.ExitCode, last)
			}
			return result, fmt.Errorf("%s exited with status %d", name, result.ExitCode)
		}
		return result, fmt.Errorf("%s failed: %w", name, waitErr)
	}

	logger.Info("%s exited successfully after %s", name, result.Duration.Round(time.Millisecond))
	return result, nil
}

// lineWriter logs every complete line written to it and records it in the tail
type lineWriter struct {
	mu      sync.Mutex
	tail    *tailBuffer
	name    string
	taskID  string
	isErr   bool
	pending []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending = append(w.pending, p...)
	for {
		i := bytes.IndexByte(w.pending, '\n')
		if i < 0 {
			break
		}
		w.emit(string(bytes.TrimRight(w.pending[:i], "\r")))
		w.pending = w.pending[i+1:]
	}

	if len(w.pending) > maxLineLength {
		w.emit(string(w.pending))
		w.pending = nil
	}
	return len(p), nil
}

// Flush emits a trailing line that was not terminated by a newline
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.pending) > 0 {
		w.emit(string(w.pending))
		w.pending = nil
	}
}

func (w *lineWriter) emit(line string) {
	w.tail.add(line)

	switch {
	case w.taskID != "" && w.isErr:
		logger.TaskError(w.taskID, "[%s] %s", w.name, line)
	case w.taskID != "":
		logger.Task(w.taskID, "[%s] %s", w.name, line)
	case w.isErr:
		logger.Warn("[%s] %s", w.name, line)
	default:
		logger.Info("[%s] %s", w.name, line)
	}
}

type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []string
}

func newTail(limit int) *tailBuffer {
	if limit <= 0 {
		limit = defaultTailLines
	}
	return &tailBuffer{limit: limit}
}

func (t *tailBuffer) add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, line)
	if len(t.buf) > t.limit {
		t.buf = t.buf[len(t.buf)-t.limit:]
	}
}

func (t *tailBuffer) lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.buf...)
}
