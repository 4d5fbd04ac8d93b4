// Package remoteexec runs tasks at a remote runner server: one session per
// task, the prompt posted over REST, progress consumed from the session's
// WebSocket event stream until a completion event or the deadline. Pause and
// resume are not supported by the session protocol; the broker surfaces
// that to the caller.
package remoteexec

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"errand/internal/async"
	"errand/internal/logging"
	"errand/internal/runner"
)

// outputLimit bounds the aggregated output carried in the result.
const outputLimit = 50 * 1024

// session is the live handle for one executing task.
type session struct {
	id   string
	conn *websocket.Conn
}

// Executor is the remote execution backend.
type Executor struct {
	config     Config
	httpClient *http.Client
	logger     logging.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

var (
	_ runner.Adapter    = (*Executor)(nil)
	_ runner.FileReader = (*Executor)(nil)
)

// New creates a remote executor.
func New(config Config, logger logging.Logger) *Executor {
	config = config.withDefaults()
	return &Executor{
		config:     config,
		httpClient: &http.Client{Timeout: config.HTTPTimeout},
		logger:     logging.OrNop(logger),
		sessions:   make(map[string]*session),
	}
}

// Execute drives one session to completion. Two completion paths run in
// parallel and exactly one resolves: the event loop signals when it sees a
// normalized complete (or the stream ends), and the deadline timer aborts
// the session when it fires first.
func (e *Executor) Execute(ctx context.Context, req runner.Request, onEvent runner.EventHandler) (*runner.Result, error) {
	logger := logging.WithTaskID(e.logger, req.TaskID)
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.config.Timeout
	}

	sessionID, err := e.createSession(ctx, req.TaskID)
	if err != nil {
		return nil, err
	}

	conn, err := e.subscribeEvents(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	s := &session{id: sessionID, conn: conn}
	e.track(req.TaskID, s)
	defer func() {
		e.untrack(req.TaskID)
		conn.Close()
	}()

	startedAt := time.Now().UTC()
	logger.Info("session %s opened", sessionID)
	if onEvent != nil {
		onEvent(runner.Event{
			Timestamp: startedAt,
			Type:      runner.EventStart,
			RawType:   "session.open",
			Message:   "remote session opened",
			Data:      map[string]any{"session_id": sessionID},
		})
	}

	if err := e.sendPrompt(ctx, sessionID, req.Prompt); err != nil {
		return nil, err
	}

	loop := &eventLoop{
		sessionID: sessionID,
		onEvent:   onEvent,
		done:      make(chan loopOutcome, 1),
	}
	async.Go(logger, "remoteexec.events", func() {
		loop.consume(conn)
	})

	result := &runner.Result{StartedAt: startedAt}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case outcome := <-loop.done:
		// Completion won; the timer is stopped by the deferred Stop.
		result.Output = outcome.output
		if outcome.err != nil {
			result.Status = runner.ResultError
			result.Error = outcome.err.Error()
			logger.Warn("session %s ended with error: %v", sessionID, outcome.err)
		} else {
			result.Status = runner.ResultSuccess
			logger.Info("session %s completed", sessionID)
		}

	case <-timer.C:
		// The timer won; abort the session so the stream closes and the
		// consumer goroutine terminates on the read error.
		logger.Warn("session %s exceeded %v deadline, aborting", sessionID, timeout)
		e.abortRemote(sessionID)
		result.Status = runner.ResultTimeout
		result.Error = fmt.Sprintf("execution exceeded %v", timeout)
		result.Output = loop.snapshot()

	case <-ctx.Done():
		e.abortRemote(sessionID)
		result.Status = runner.ResultError
		result.Error = fmt.Sprintf("execution context cancelled: %v", context.Cause(ctx))
		result.Output = loop.snapshot()
	}

	result.Finish(time.Now().UTC())
	return result, nil
}

// abortRemote is a best-effort stop with its own deadline, detached from the
// caller's context which may already be done.
func (e *Executor) abortRemote(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), e.config.HTTPTimeout)
	defer cancel()
	if err := e.abortSession(ctx, sessionID); err != nil {
		e.logger.Warn("abort session %s: %v", sessionID, err)
	}
}

// loopOutcome is what the event consumer hands back when it terminates.
type loopOutcome struct {
	output string
	err    error
}

// eventLoop consumes one session's raw event stream.
type eventLoop struct {
	sessionID string
	onEvent   runner.EventHandler
	done      chan loopOutcome

	mu     sync.Mutex
	output strings.Builder
}

// consume reads raw events until a terminal event or stream close, invoking
// the handler synchronously per event.
func (l *eventLoop) consume(conn *websocket.Conn) {
	for {
		var raw runner.RawEvent
		if err := conn.ReadJSON(&raw); err != nil {
			// Stream closed. An abort closes it deliberately; anything else
			// is an event-stream failure the outer layer turns into failed.
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				l.finish(loopOutcome{output: l.snapshot(), err: fmt.Errorf("event stream closed before completion")})
			} else {
				l.finish(loopOutcome{output: l.snapshot(), err: fmt.Errorf("event stream: %w", err)})
			}
			return
		}

		if !runner.BelongsToSession(raw, l.sessionID) {
			continue
		}

		event := runner.Normalize(raw)
		l.aggregate(event)
		if l.onEvent != nil {
			l.onEvent(event)
		}

		switch event.Type {
		case runner.EventComplete:
			l.finish(loopOutcome{output: l.snapshot()})
			return
		case runner.EventAbort:
			l.finish(loopOutcome{output: l.snapshot(), err: fmt.Errorf("session aborted")})
			return
		}
	}
}

func (l *eventLoop) aggregate(event runner.Event) {
	if event.Type != runner.EventOutput && event.Type != runner.EventComplete {
		return
	}
	if event.Message == "" || event.Message == event.RawType {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.output.Len() >= outputLimit {
		return
	}
	l.output.WriteString(event.Message)
	l.output.WriteString("\n")
}

func (l *eventLoop) snapshot() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return strings.TrimRight(l.output.String(), "\n")
}

// finish delivers the outcome at most once; the channel is buffered so the
// loop never blocks when the timer already resolved the outer wait.
func (l *eventLoop) finish(outcome loopOutcome) {
	select {
	case l.done <- outcome:
	default:
	}
}

// Abort stops the task's session. Returns false for unknown tasks.
func (e *Executor) Abort(taskID string) bool {
	s, ok := e.lookup(taskID)
	if !ok {
		return false
	}
	e.abortRemote(s.id)
	s.conn.Close()
	return true
}

// Pause is not supported by the session protocol.
func (e *Executor) Pause(string) bool { return false }

// Resume is not supported by the session protocol.
func (e *Executor) Resume(string) bool { return false }

// IsActive reports whether the task still has a live session.
func (e *Executor) IsActive(taskID string) bool {
	_, ok := e.lookup(taskID)
	return ok
}

func (e *Executor) track(taskID string, s *session) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sessions[taskID] = s
}

func (e *Executor) untrack(taskID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.sessions, taskID)
}

func (e *Executor) lookup(taskID string) (*session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[taskID]
	return s, ok
}
