package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/joestump/claude-relay/internal/hub"
	"github.com/joestump/claude-relay/internal/streamjson"
)

// spawnProbeWindow is how long a freshly spawned child is raced against its
// own exit to detect immediate failures.
const spawnProbeWindow = 3 * time.Second

// Timeouts are the adaptive idle-watchdog thresholds. Tool execution and
// context compaction legitimately go quiet for minutes; plain text must not.
type Timeouts struct {
	Base    time.Duration
	Tool    time.Duration
	Compact time.Duration
}

// DefaultTimeouts are the thresholds used when configuration leaves them zero.
var DefaultTimeouts = Timeouts{
	Base:    60 * time.Second,
	Tool:    5 * time.Minute,
	Compact: 10 * time.Minute,
}

// EventSink receives every decoded CLI event during a run, in order, on the
// caller's goroutine.
type EventSink interface {
	OnEvent(ev streamjson.Event)
}

// ActiveRun tracks the single in-flight child for a session key.
type ActiveRun struct {
	RequestID string
	Sender    string

	mu        sync.Mutex
	kill      func()
	cancelled bool
}

// Cancel marks the run cancelled and kills its child. Idempotent.
func (a *ActiveRun) Cancel() {
	a.mu.Lock()
	a.cancelled = true
	kill := a.kill
	a.mu.Unlock()
	if kill != nil {
		kill()
	}
}

// Cancelled reports whether the run was cancelled.
func (a *ActiveRun) Cancelled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cancelled
}

// Engine owns the shared per-key state of the request path: the session
// registry, the per-key queue, and the active-run table. Handlers receive an
// explicit *Engine rather than reaching for globals.
type Engine struct {
	Registry *Registry
	Queue    *Queue
	Runner   ProcessRunner
	Hub      *hub.Hub

	CLIPath    string
	Workspace  string
	SessionDir string
	Timeouts   Timeouts

	mu     sync.Mutex
	active map[string]*ActiveRun
}

// NewEngine wires an engine from its collaborators.
func NewEngine(registry *Registry, runner ProcessRunner, h *hub.Hub, cliPath, workspace, sessionDir string, timeouts Timeouts) *Engine {
	if timeouts.Base <= 0 {
		timeouts.Base = DefaultTimeouts.Base
	}
	if timeouts.Tool <= 0 {
		timeouts.Tool = DefaultTimeouts.Tool
	}
	if timeouts.Compact <= 0 {
		timeouts.Compact = DefaultTimeouts.Compact
	}
	return &Engine{
		Registry:   registry,
		Queue:      NewQueue(),
		Runner:     runner,
		Hub:        h,
		CLIPath:    cliPath,
		Workspace:  workspace,
		SessionDir: sessionDir,
		Timeouts:   timeouts,
		active:     make(map[string]*ActiveRun),
	}
}

// Active returns the active run for a key, if any.
func (e *Engine) Active(key string) (*ActiveRun, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.active[key]
	return a, ok
}

// StopActive kills the active child for a key, if one exists. Used by the
// /stop pseudo-command and by regenerate preemption. A plain new request
// never calls this: implicit preemption would drop in-flight work.
func (e *Engine) StopActive(key string) bool {
	a, ok := e.Active(key)
	if !ok {
		return false
	}
	a.Cancel()
	e.publish("run_preempted", key, a.RequestID, nil)
	return true
}

// Shutdown kills every tracked child. Called on process termination.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	runs := make([]*ActiveRun, 0, len(e.active))
	for _, a := range e.active {
		runs = append(runs, a)
	}
	e.mu.Unlock()
	for _, a := range runs {
		a.Cancel()
	}
}

// RunSpec describes one turn to execute.
type RunSpec struct {
	Key       string
	RequestID string
	Sender    string
	Spawn     SpawnSpec
	// TempDir holds extracted image payloads; removed when the child closes.
	TempDir string
}

// RunResult summarizes a completed run.
type RunResult struct {
	ResultText string
	IsError    bool
	Usage      streamjson.Usage
	Cancelled  bool
	TimedOut   bool
	ExitErr    error
	// EventCount is the number of decoded CLI events observed.
	EventCount int
}

// child bundles a spawned process with its stdout pump.
type child struct {
	proc     Proc
	events   chan streamjson.Event
	activity chan struct{}
	pumpDone chan struct{}
	exited   chan error
}

// startChild spawns the CLI and begins pumping its stdout through the
// brace-depth parser. Wait runs only after the pump drains the pipe: Wait
// closes it and can discard buffered data, including the final result event.
func (e *Engine) startChild(spec SpawnSpec) (*child, error) {
	proc, err := e.Runner.Start(spec)
	if err != nil {
		return nil, err
	}

	c := &child{
		proc:     proc,
		events:   make(chan streamjson.Event, 64),
		activity: make(chan struct{}, 1),
		pumpDone: make(chan struct{}),
		exited:   make(chan error, 1),
	}

	go func() {
		defer close(c.events)
		defer close(c.pumpDone)
		var carry []byte
		buf := make([]byte, 32*1024)
		for {
			n, err := proc.Stdout().Read(buf)
			if n > 0 {
				select {
				case c.activity <- struct{}{}:
				default:
				}
				carry = append(carry, buf[:n]...)
				objs, rest := streamjson.ExtractObjects(carry)
				carry = append(carry[:0], rest...)
				for _, obj := range objs {
					ev, decErr := streamjson.Decode(obj)
					if decErr != nil {
						continue
					}
					c.events <- ev
				}
			}
			if err != nil {
				if err != io.EOF {
					fmt.Fprintf(os.Stderr, "read child stdout: %v\n", err)
				}
				return
			}
		}
	}()

	go func() {
		<-c.pumpDone
		c.exited <- proc.Wait()
	}()

	return c, nil
}

// Run executes one turn: spawn with retry, feed decoded events to the sink,
// supervise the idle watchdog, and funnel every termination cause through a
// single close path. The caller must already hold the queue head for the key.
func (e *Engine) Run(ctx context.Context, spec RunSpec, sink EventSink) (RunResult, error) {
	var res RunResult

	active := &ActiveRun{RequestID: spec.RequestID, Sender: spec.Sender}
	e.mu.Lock()
	e.active[spec.Key] = active
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		if e.active[spec.Key] == active {
			delete(e.active, spec.Key)
		}
		e.mu.Unlock()
		e.cleanupTempDir(spec.TempDir)
	}()

	c, pending, err := e.spawnWithRetry(ctx, spec.Key, &spec.Spawn)
	if err != nil {
		return res, err
	}

	active.mu.Lock()
	active.kill = c.proc.Kill
	active.mu.Unlock()
	if active.Cancelled() {
		// Preempted between spawn and registration.
		c.proc.Kill()
	}

	e.publish("run_started", spec.Key, spec.RequestID, map[string]any{
		"model":  spec.Spawn.Model,
		"resume": spec.Spawn.Resume,
		"uuid":   spec.Spawn.SessionUUID,
	})

	phase := phaseText
	timer := time.NewTimer(e.threshold(phase))
	defer timer.Stop()

	deliver := func(ev streamjson.Event) {
		res.EventCount++
		if next := phaseFor(ev, phase); next != phase {
			phase = next
			resetTimer(timer, e.threshold(phase))
		}
		e.recordEvent(&res, ev)
		if !res.Cancelled {
			sink.OnEvent(ev)
		}
	}

	for _, ev := range pending {
		deliver(ev)
	}

	ctxDone := ctx.Done()
	timerC := timer.C
	eventsOpen := true
	for eventsOpen {
		select {
		case <-ctxDone:
			ctxDone = nil
			res.Cancelled = true
			active.Cancel()
			e.publish("client_disconnected", spec.Key, spec.RequestID, nil)

		case <-c.activity:
			resetTimer(timer, e.threshold(phase))

		case ev, ok := <-c.events:
			if !ok {
				eventsOpen = false
				break
			}
			resetTimer(timer, e.threshold(phase))
			deliver(ev)

		case <-timerC:
			timerC = nil
			res.TimedOut = true
			c.proc.Kill()
			e.publish("idle_timeout", spec.Key, spec.RequestID, map[string]any{
				"phase": phase.String(),
			})
		}
	}

	res.ExitErr = <-c.exited
	if active.Cancelled() {
		res.Cancelled = true
	}

	e.publish("run_finished", spec.Key, spec.RequestID, map[string]any{
		"cancelled":     res.Cancelled,
		"timed_out":     res.TimedOut,
		"output_tokens": res.Usage.OutputTokens,
	})

	// A non-zero exit that still produced parseable output is how the CLI
	// reports quota and credit conditions; the text passes through.
	if res.ExitErr != nil && res.EventCount == 0 && !res.Cancelled && !res.TimedOut {
		return res, fmt.Errorf("cli exited without output: %w", res.ExitErr)
	}
	return res, nil
}

// spawnWithRetry races a fresh child against the probe window. Immediate
// failures are classified and retried once:
//
//   - stderr mentions the session id being in use: delete the JSONL and
//     respawn as a new session (loses in-CLI history but unblocks the key);
//   - a resume attempt exited non-zero: drop the record, respawn new;
//   - anything else: clear the JSONL and retry once.
//
// On success it returns any events decoded during the probe so none are lost.
func (e *Engine) spawnWithRetry(ctx context.Context, key string, spec *SpawnSpec) (*child, []streamjson.Event, error) {
	retried := false
	for {
		c, err := e.startChild(*spec)
		if err != nil {
			return nil, nil, fmt.Errorf("spawn cli: %w", err)
		}

		probe := time.NewTimer(spawnProbeWindow)
		var pending []streamjson.Event
		var exitErr error
		exitedEarly := false

	probeLoop:
		for {
			select {
			case ev, ok := <-c.events:
				if !ok {
					// Pipe closed; the exit result decides what happened.
					exitErr = <-c.exited
					exitedEarly = true
					break probeLoop
				}
				pending = append(pending, ev)
				if len(pending) == 1 {
					// First event means the child is up and talking.
					break probeLoop
				}
			case exitErr = <-c.exited:
				exitedEarly = true
				break probeLoop
			case <-probe.C:
				break probeLoop
			case <-ctx.Done():
				probe.Stop()
				c.proc.Kill()
				return nil, nil, ctx.Err()
			}
		}
		probe.Stop()

		if !exitedEarly {
			return c, pending, nil
		}

		// The child exited inside the probe window. A clean exit with
		// parseable output is a legitimately fast run, not a failure.
		pending = append(pending, drainEvents(c.events)...)
		if exitErr == nil || len(pending) > 0 {
			c.exited <- exitErr // put back for Run's close path
			return c, pending, nil
		}

		if retried {
			return nil, nil, fmt.Errorf("cli failed to start after retry: %w (stderr: %s)", exitErr, c.proc.Stderr())
		}
		retried = true

		stderr := c.proc.Stderr()
		switch {
		case strings.Contains(strings.ToLower(stderr), "already in use"):
			e.removeSessionFile(spec.SessionUUID)
			spec.Resume = false
		case spec.Resume:
			e.Registry.Drop(key)
			spec.Resume = false
		default:
			e.removeSessionFile(spec.SessionUUID)
		}
		e.publish("spawn_retry", key, "", map[string]any{
			"uuid":   spec.SessionUUID,
			"stderr": truncate(stderr, 300),
		})
	}
}

func drainEvents(ch chan streamjson.Event) []streamjson.Event {
	var out []streamjson.Event
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func (e *Engine) removeSessionFile(uuid string) {
	if e.SessionDir == "" || uuid == "" {
		return
	}
	path := filepath.Join(e.SessionDir, uuid+".jsonl")
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "remove session file %s: %v\n", path, err)
	}
}

func (e *Engine) cleanupTempDir(dir string) {
	if dir == "" {
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		fmt.Fprintf(os.Stderr, "remove temp dir %s: %v\n", dir, err)
	}
}

// recordEvent folds an event into the run's aggregate result.
func (e *Engine) recordEvent(res *RunResult, ev streamjson.Event) {
	switch ev.Type {
	case "result":
		res.ResultText = ev.Result
		res.IsError = ev.IsError
		if ev.Usage != nil {
			res.Usage = *ev.Usage
		}
	case "message_delta":
		if ev.Usage != nil && ev.Usage.OutputTokens > 0 {
			res.Usage.OutputTokens = ev.Usage.OutputTokens
		}
	}
}

func (e *Engine) publish(eventType, key, requestID string, data map[string]any) {
	if e.Hub == nil {
		return
	}
	e.Hub.Publish(hub.NewEvent(eventType, key, requestID, data))
}

// phase is the CLI activity phase driving the idle threshold.
type phase int

const (
	phaseText phase = iota
	phaseTool
	phaseCompact
)

func (p phase) String() string {
	switch p {
	case phaseTool:
		return "tool"
	case phaseCompact:
		return "compact"
	default:
		return "text"
	}
}

// phaseFor derives the next phase from an event. Entering or leaving a
// tool or compaction phase resets the watchdog to the new threshold.
func phaseFor(ev streamjson.Event, current phase) phase {
	switch ev.Type {
	case "content_block_start":
		if ev.ContentBlock != nil {
			if ev.ContentBlock.Type == "tool_use" {
				return phaseTool
			}
			return phaseText
		}
	case "system":
		if ev.Subtype == "compact_boundary" {
			return phaseCompact
		}
		if ev.Subtype == "status" && ev.Status == "compacting" {
			return phaseCompact
		}
	}
	return current
}

func (e *Engine) threshold(p phase) time.Duration {
	switch p {
	case phaseTool:
		return e.Timeouts.Tool
	case phaseCompact:
		return e.Timeouts.Compact
	default:
		return e.Timeouts.Base
	}
}

// resetTimer safely rearms a timer that may have fired or be pending.
func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
