// Package debugger drives one debug adapter session: it sequences protocol
// requests, keeps the thread directory and active thread consistent with the
// events the adapter reports, and serves source text through a cache.
package debugger

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/ZhouYanlang/nuclide/console"
	"github.com/ZhouYanlang/nuclide/constants"
	e "github.com/ZhouYanlang/nuclide/error"
	"github.com/ZhouYanlang/nuclide/utils"
	"github.com/google/go-dap"
	"github.com/sirupsen/logrus"
)

// ProtocolSession is the wire-level request/response and event-stream
// connection to a debug adapter. There is one production implementation in
// package dapsession; tests substitute fakes.
type ProtocolSession interface {
	Initialize(ctx context.Context, args dap.InitializeRequestArguments) (*dap.Capabilities, error)
	Launch(ctx context.Context, args json.RawMessage) error
	Threads(ctx context.Context) ([]dap.Thread, error)
	StackTrace(ctx context.Context, args dap.StackTraceArguments) ([]dap.StackFrame, error)
	StepIn(ctx context.Context, threadID int) error
	Next(ctx context.Context, threadID int) error
	Continue(ctx context.Context, threadID int) error
	Source(ctx context.Context, sourceReference int) (string, error)
	Disconnect(ctx context.Context) error
	Subscribe(event constants.DebugEventType, handler func(dap.EventMessage))
	Close() error
}

// SessionFactory opens a fresh wire session, one per OpenSession call.
type SessionFactory func(ctx context.Context) (ProtocolSession, error)

// Config 调试器的配置
type Config struct {
	// AdapterID identifies the adapter in the initialize handshake.
	AdapterID string
	// NewSession constructs the wire session on open.
	NewSession SessionFactory
}

// Debugger owns the lifecycle of one debug session. At most one session is
// live at a time; event reactions may interleave with caller operations, so
// every handler re-reads state under the lock instead of trusting an
// earlier snapshot.
type Debugger struct {
	config  *Config
	console console.Output

	statusManager *utils.StatusManager

	mutex           sync.Mutex
	session         ProtocolSession
	threads         map[int]string
	activeThread    int
	hasActiveThread bool
	// endedDuringLaunch records an exited or terminated event that arrived
	// before OpenSession published the session handle; the commit checks it
	// so a dead target is never marked open.
	endedDuringLaunch bool

	sourceCache *SourceCache
}

func NewDebugger(config *Config, con console.Output) *Debugger {
	d := &Debugger{
		config:        config,
		console:       con,
		statusManager: utils.NewStatusManager(),
		threads:       map[int]string{},
	}
	// The cache calls back for reference-keyed misses only; it re-resolves
	// the session per fetch so a flushed cache never holds a dead handle.
	d.sourceCache = NewSourceCache(func(ctx context.Context, sourceReference int) (string, error) {
		session, err := d.currentSession()
		if err != nil {
			return "", err
		}
		return session.Source(ctx, sourceReference)
	})
	return d
}

// OpenSession connects to the adapter, performs the initialize handshake,
// launches the target and caches the initial thread list. It fails with
// ErrSessionAlreadyOpen rather than silently orphaning a live session.
func (d *Debugger) OpenSession(ctx context.Context, launchArgs json.RawMessage) error {
	logrus.Infof("[Debugger] OpenSession")
	d.mutex.Lock()
	if d.session != nil {
		d.mutex.Unlock()
		return e.ErrSessionAlreadyOpen
	}
	d.endedDuringLaunch = false
	d.mutex.Unlock()

	session, err := d.config.NewSession(ctx)
	if err != nil {
		return fmt.Errorf("connect to adapter: %w", err)
	}

	if _, err = session.Initialize(ctx, dap.InitializeRequestArguments{
		ClientID:                     constants.ClientID,
		ClientName:                   constants.ClientName,
		AdapterID:                    d.config.AdapterID,
		PathFormat:                   constants.PathFormat,
		LinesStartAt1:                false,
		ColumnsStartAt1:              false,
		SupportsRunInTerminalRequest: true,
	}); err != nil {
		_ = session.Close()
		return fmt.Errorf("initialize: %w", err)
	}

	// Subscriptions must be in place before launch or early events are lost.
	session.Subscribe(constants.OutputEvent, d.onOutput)
	session.Subscribe(constants.ContinuedEvent, d.onContinued)
	session.Subscribe(constants.StoppedEvent, d.onStopped)
	session.Subscribe(constants.ExitedEvent, d.onExited)
	session.Subscribe(constants.TerminatedEvent, d.onTerminated)

	if err = session.Launch(ctx, launchArgs); err != nil {
		_ = session.Close()
		return fmt.Errorf("launch: %w", err)
	}

	d.mutex.Lock()
	if d.endedDuringLaunch {
		d.mutex.Unlock()
		_ = session.Close()
		return fmt.Errorf("launch: target exited before the session opened")
	}
	d.session = session
	d.statusManager.Set(utils.Open)
	d.mutex.Unlock()

	if err = d.cacheThreads(ctx); err != nil {
		return fmt.Errorf("cache threads: %w", err)
	}
	return nil
}

// CloseSession tears the session down. It is idempotent and safe to call
// from event handlers; a second call, or a call after the target already
// exited, is a no-op.
func (d *Debugger) CloseSession() {
	logrus.Infof("[Debugger] CloseSession")
	d.mutex.Lock()
	session := d.session
	d.session = nil
	d.threads = map[int]string{}
	d.hasActiveThread = false
	d.activeThread = 0
	d.mutex.Unlock()
	d.statusManager.Set(utils.Closed)

	if session == nil {
		return
	}
	if err := session.Disconnect(context.Background()); err != nil {
		logrus.Errorf("[Debugger] CloseSession disconnect fail, err = %v", err)
	}
	if err := session.Close(); err != nil {
		logrus.Errorf("[Debugger] CloseSession close fail, err = %v", err)
	}
	d.sourceCache.Flush()
}

// GetThreads returns a snapshot of the thread directory.
func (d *Debugger) GetThreads() (map[int]string, error) {
	if !d.statusManager.Is(utils.Open) {
		return nil, e.ErrNoActiveSession
	}
	d.mutex.Lock()
	defer d.mutex.Unlock()
	snapshot := make(map[int]string, len(d.threads))
	for id, name := range d.threads {
		snapshot[id] = name
	}
	return snapshot, nil
}

// GetActiveThread reports the thread stepping commands apply to. ok is
// false when the target reported no threads.
func (d *Debugger) GetActiveThread() (threadID int, ok bool, err error) {
	if !d.statusManager.Is(utils.Open) {
		return 0, false, e.ErrNoActiveSession
	}
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.activeThread, d.hasActiveThread, nil
}

// GetStackTrace fetches at most levels frames for a thread; levels zero
// means no limit, per protocol convention.
func (d *Debugger) GetStackTrace(ctx context.Context, threadID int, levels int) ([]dap.StackFrame, error) {
	session, err := d.currentSession()
	if err != nil {
		return nil, err
	}
	return session.StackTrace(ctx, dap.StackTraceArguments{
		ThreadId: threadID,
		Levels:   levels,
	})
}

// StepIn steps the active thread into the next call. The resulting stopped
// event is handled asynchronously; StepIn does not wait for it.
func (d *Debugger) StepIn(ctx context.Context) error {
	logrus.Infof("[Debugger] StepIn")
	threadID, ok := d.activeThreadID()
	if !ok {
		return e.ErrNoActiveThreadStepIn
	}
	session, err := d.currentSession()
	if err != nil {
		return err
	}
	return session.StepIn(ctx, threadID)
}

// StepOver steps the active thread past the next call.
func (d *Debugger) StepOver(ctx context.Context) error {
	logrus.Infof("[Debugger] StepOver")
	threadID, ok := d.activeThreadID()
	if !ok {
		return e.ErrNoActiveThreadStepOver
	}
	session, err := d.currentSession()
	if err != nil {
		return err
	}
	return session.Next(ctx, threadID)
}

// Continue resumes the active thread.
func (d *Debugger) Continue(ctx context.Context) error {
	logrus.Infof("[Debugger] Continue")
	threadID, ok := d.activeThreadID()
	if !ok {
		return e.ErrNoActiveThreadContinue
	}
	session, err := d.currentSession()
	if err != nil {
		return err
	}
	return session.Continue(ctx, threadID)
}

// GetSourceLines returns lines [start, start+length) of the given source,
// clamped to the text actually available. Out-of-range windows yield an
// empty slice, never an error; transport failures still propagate.
func (d *Debugger) GetSourceLines(ctx context.Context, source *dap.Source, start int, length int) ([]string, error) {
	var lines []string
	var err error
	switch {
	case source == nil:
		return []string{}, nil
	case source.SourceReference != 0:
		lines, err = d.sourceCache.GetFileDataBySourceReference(ctx, source.SourceReference)
	case source.Path != "":
		lines, err = d.sourceCache.GetFileDataByPath(ctx, source.Path)
	default:
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}
	if start < 0 || length < 0 || start >= len(lines) {
		return []string{}, nil
	}
	end := start + length
	if end > len(lines) {
		end = len(lines)
	}
	return lines[start:end], nil
}

// FlushSourceCache drops all cached source text.
func (d *Debugger) FlushSourceCache() {
	d.sourceCache.Flush()
}

// cacheThreads replaces the thread directory wholesale from a fresh threads
// request and points the active thread at the first one reported.
func (d *Debugger) cacheThreads(ctx context.Context) error {
	session, err := d.currentSession()
	if err != nil {
		return fmt.Errorf("thread refresh on closed session: %w", err)
	}
	threads, err := session.Threads(ctx)
	if err != nil {
		return err
	}

	d.mutex.Lock()
	defer d.mutex.Unlock()
	directory := make(map[int]string, len(threads))
	for _, thread := range threads {
		directory[thread.Id] = thread.Name
	}
	d.threads = directory
	if len(threads) > 0 {
		d.activeThread = threads[0].Id
		d.hasActiveThread = true
	} else {
		d.activeThread = 0
		d.hasActiveThread = false
	}
	return nil
}

func (d *Debugger) currentSession() (ProtocolSession, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if d.session == nil {
		return nil, e.ErrNoActiveSession
	}
	return d.session, nil
}

func (d *Debugger) activeThreadID() (int, bool) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.activeThread, d.hasActiveThread
}

// Event reactions. Handlers run on the session dispatch goroutine; failures
// are logged and contained because no caller awaits them.

func (d *Debugger) onOutput(message dap.EventMessage) {
	event, ok := message.(*dap.OutputEvent)
	if !ok {
		return
	}
	d.console.Output(event.Body.Output)
}

func (d *Debugger) onContinued(message dap.EventMessage) {
	event, ok := message.(*dap.ContinuedEvent)
	if !ok {
		return
	}
	threadID, active := d.activeThreadID()
	if active && event.Body.ThreadId == threadID {
		d.console.StopInput()
	}
}

func (d *Debugger) onStopped(message dap.EventMessage) {
	event, ok := message.(*dap.StoppedEvent)
	if !ok {
		return
	}
	threadID, active := d.activeThreadID()
	if !active || event.Body.ThreadId != threadID {
		return
	}

	ctx := context.Background()
	if line, err := d.topOfStackLine(ctx, threadID); err != nil {
		logrus.Errorf("[Debugger] resolve top of stack fail, err = %v", err)
	} else if line != "" {
		d.console.OutputLine(line)
	}
	d.console.StartInput()
}

func (d *Debugger) onExited(message dap.EventMessage) {
	event, ok := message.(*dap.ExitedEvent)
	if !ok {
		return
	}
	if d.markEndedIfNotOpen() {
		return
	}
	d.console.OutputLine(fmt.Sprintf("Target exited with status %d", event.Body.ExitCode))
	d.CloseSession()
}

func (d *Debugger) onTerminated(message dap.EventMessage) {
	// Adapters may send terminated more than once; later ones are no-ops.
	if d.markEndedIfNotOpen() {
		return
	}
	d.console.OutputLine("The target has exited.")
	d.CloseSession()
	d.console.StartInput()
}

// markEndedIfNotOpen reports whether the session is not open, flagging the
// early termination under the same lock OpenSession commits under so the
// event cannot slip between the launch response and the handle assignment.
func (d *Debugger) markEndedIfNotOpen() bool {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if d.statusManager.Is(utils.Open) {
		return false
	}
	d.endedDuringLaunch = true
	return true
}

// topOfStackLine resolves the active frame to "name:line text". It returns
// "" when the frame has no usable source, which the protocol permits only
// transiently; nothing is printed in that case.
func (d *Debugger) topOfStackLine(ctx context.Context, threadID int) (string, error) {
	frames, err := d.GetStackTrace(ctx, threadID, 1)
	if err != nil {
		return "", err
	}
	if len(frames) == 0 || frames[0].Source == nil {
		return "", nil
	}
	frame := frames[0]

	var name string
	switch {
	case frame.Source.Path != "":
		name = filepath.Base(frame.Source.Path)
	case frame.Source.Name != "":
		name = frame.Source.Name
	default:
		return "", nil
	}

	// Lines are zero-based on the wire and one-based on screen.
	location := fmt.Sprintf("%s:%d", name, frame.Line+1)
	lines, err := d.GetSourceLines(ctx, frame.Source, frame.Line, 1)
	if err != nil || len(lines) == 0 {
		if err != nil {
			logrus.Errorf("[Debugger] fetch source line fail, err = %v", err)
		}
		return location, nil
	}
	return fmt.Sprintf("%s %s", location, lines[0]), nil
}
