// Package localexec runs tasks as short-lived sandboxed worker processes on
// the broker host. One process per task, resource caps on the command line,
// a per-task workspace directory, and signal-based control: SIGTERM then
// SIGKILL for stop, SIGSTOP/SIGCONT for pause and resume.
package localexec

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"errand/internal/async"
	"errand/internal/logging"
	"errand/internal/runner"
)

// tailLimit bounds how much trailing stdout/stderr is retained per stream.
const tailLimit = 50 * 1024

// Config describes how worker processes are launched.
type Config struct {
	Command       string   // worker executable
	Args          []string // leading arguments before the generated ones
	WorkspaceRoot string   // parent of per-task workspace directories
	CPUSeconds    int      // 0 disables the cap flag
	MemoryMB      int      // 0 disables the cap flag
	Timeout       time.Duration
	GracePeriod   time.Duration
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Minute
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = 5 * time.Second
	}
	if c.WorkspaceRoot == "" {
		c.WorkspaceRoot = filepath.Join(os.TempDir(), "errand-workspaces")
	}
	return c
}

// worker is the live handle for one running task.
type worker struct {
	cmd      *exec.Cmd
	pgid     int
	started  time.Time
	aborted  chan struct{} // closed at most once by abortLocked
	abortOne sync.Once
}

// Executor is the local execution backend.
type Executor struct {
	config Config
	logger logging.Logger

	mu      sync.Mutex
	workers map[string]*worker
}

var _ runner.Adapter = (*Executor)(nil)

// New creates a local executor.
func New(config Config, logger logging.Logger) *Executor {
	return &Executor{
		config:  config.withDefaults(),
		logger:  logging.OrNop(logger),
		workers: make(map[string]*worker),
	}
}

// Execute launches one worker process and blocks until it exits or the
// deadline fires. Only lifecycle events reach onEvent; output chunks are
// aggregated into the result instead.
func (e *Executor) Execute(ctx context.Context, req runner.Request, onEvent runner.EventHandler) (*runner.Result, error) {
	logger := logging.WithTaskID(e.logger, req.TaskID)
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.config.Timeout
	}

	workDir := filepath.Join(e.config.WorkspaceRoot, req.TaskID)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace dir for %s: %w", req.TaskID, err)
	}

	resolved, err := exec.LookPath(e.config.Command)
	if err != nil {
		return nil, fmt.Errorf("worker command %q: %w", e.config.Command, err)
	}

	args := append([]string{}, e.config.Args...)
	args = append(args, "--workspace", workDir)
	if e.config.CPUSeconds > 0 {
		args = append(args, "--cpu-seconds", strconv.Itoa(e.config.CPUSeconds))
	}
	if e.config.MemoryMB > 0 {
		args = append(args, "--memory-mb", strconv.Itoa(e.config.MemoryMB))
	}
	args = append(args, "--prompt", req.Prompt)

	cmd := exec.Command(resolved, args...)
	cmd.Dir = workDir
	// Own process group so stop and pause signals reach worker children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout := newRingTail(tailLimit)
	stderr := newRingTail(tailLimit)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	startedAt := time.Now().UTC()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker for %s: %w", req.TaskID, err)
	}

	w := &worker{
		cmd:     cmd,
		pgid:    cmd.Process.Pid,
		started: startedAt,
		aborted: make(chan struct{}),
	}
	e.track(req.TaskID, w)
	defer e.untrack(req.TaskID)

	logger.Info("worker started pid=%d dir=%s", cmd.Process.Pid, workDir)
	emit(onEvent, runner.EventStart, "worker.start", "worker process started", map[string]any{
		"pid": cmd.Process.Pid,
	})

	waitDone := make(chan error, 1)
	async.Go(logger, "localexec.wait", func() {
		waitDone <- cmd.Wait()
	})

	result := &runner.Result{StartedAt: startedAt}

	select {
	case waitErr := <-waitDone:
		e.finishFromExit(result, w, waitErr, stdout, stderr, onEvent, logger)

	case <-w.aborted:
		waitErr := e.stopWorker(w, waitDone, logger)
		result.Status = runner.ResultError
		result.Error = "aborted by control signal"
		result.Output = stdout.String()
		setExitCode(result, waitErr)
		emit(onEvent, runner.EventAbort, "worker.abort", "worker aborted", nil)

	case <-time.After(timeout):
		logger.Warn("worker exceeded %v deadline, stopping", timeout)
		waitErr := e.stopWorker(w, waitDone, logger)
		result.Status = runner.ResultTimeout
		result.Error = fmt.Sprintf("execution exceeded %v", timeout)
		result.Output = stdout.String()
		setExitCode(result, waitErr)
		emit(onEvent, runner.EventError, "worker.timeout", result.Error, nil)

	case <-ctx.Done():
		waitErr := e.stopWorker(w, waitDone, logger)
		result.Status = runner.ResultError
		result.Error = fmt.Sprintf("execution context cancelled: %v", context.Cause(ctx))
		result.Output = stdout.String()
		setExitCode(result, waitErr)
		emit(onEvent, runner.EventAbort, "worker.abort", result.Error, nil)
	}

	result.Finish(time.Now().UTC())
	return result, nil
}

// finishFromExit classifies a natural worker exit.
func (e *Executor) finishFromExit(result *runner.Result, w *worker, waitErr error, stdout, stderr *ringTail, onEvent runner.EventHandler, logger logging.Logger) {
	setExitCode(result, waitErr)
	out := stdout.String()

	if waitErr != nil {
		result.Status = runner.ResultError
		result.Output = out
		result.Error = firstNonEmpty(stderr.String(), waitErr.Error())
		logger.Warn("worker failed: %v", waitErr)
		emit(onEvent, runner.EventError, "worker.error", result.Error, nil)
		return
	}

	parsed := parseWorkerResult(out, logger)
	result.Status = runner.ResultSuccess
	result.Output = parsed.Output
	if parsed.Error != "" {
		result.Status = runner.ResultError
		result.Error = parsed.Error
		emit(onEvent, runner.EventError, "worker.error", parsed.Error, nil)
		return
	}
	emit(onEvent, runner.EventComplete, "worker.complete", "worker finished", map[string]any{
		"duration": time.Since(w.started).String(),
	})
}

// stopWorker sends SIGTERM to the worker's process group, waits out the
// grace period, then SIGKILLs. Returns the worker's exit error.
func (e *Executor) stopWorker(w *worker, waitDone <-chan error, logger logging.Logger) error {
	if err := syscall.Kill(-w.pgid, syscall.SIGTERM); err != nil {
		logger.Debug("SIGTERM to pgid %d: %v", w.pgid, err)
	}

	select {
	case waitErr := <-waitDone:
		return waitErr
	case <-time.After(e.config.GracePeriod):
	}

	logger.Warn("worker ignored SIGTERM for %v, killing pgid %d", e.config.GracePeriod, w.pgid)
	if err := syscall.Kill(-w.pgid, syscall.SIGKILL); err != nil {
		logger.Debug("SIGKILL to pgid %d: %v", w.pgid, err)
	}
	return <-waitDone
}

// Abort stops the task's worker. Returns false for unknown tasks.
func (e *Executor) Abort(taskID string) bool {
	e.mu.Lock()
	w, ok := e.workers[taskID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	w.abortOne.Do(func() { close(w.aborted) })
	return true
}

// Pause suspends the worker's process group.
func (e *Executor) Pause(taskID string) bool {
	return e.signal(taskID, syscall.SIGSTOP)
}

// Resume continues a suspended worker's process group.
func (e *Executor) Resume(taskID string) bool {
	return e.signal(taskID, syscall.SIGCONT)
}

// IsActive reports whether the task still has a live worker.
func (e *Executor) IsActive(taskID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.workers[taskID]
	return ok
}

func (e *Executor) signal(taskID string, sig syscall.Signal) bool {
	e.mu.Lock()
	w, ok := e.workers[taskID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	if err := syscall.Kill(-w.pgid, sig); err != nil {
		e.logger.Warn("signal %v to task %s (pgid %d): %v", sig, taskID, w.pgid, err)
		return false
	}
	return true
}

func (e *Executor) track(taskID string, w *worker) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.workers[taskID] = w
}

func (e *Executor) untrack(taskID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.workers, taskID)
}

func emit(onEvent runner.EventHandler, eventType runner.EventType, rawType, message string, data map[string]any) {
	if onEvent == nil {
		return
	}
	onEvent(runner.Event{
		Timestamp: time.Now().UTC(),
		Type:      eventType,
		RawType:   rawType,
		Message:   message,
		Data:      data,
	})
}

func setExitCode(result *runner.Result, waitErr error) {
	code := 0
	if waitErr != nil {
		code = -1
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		}
	}
	result.ExitCode = &code
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
