package debugger

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/ZhouYanlang/nuclide/constants"
	e "github.com/ZhouYanlang/nuclide/error"
	"github.com/google/go-dap"
	"github.com/stretchr/testify/assert"
)

// fakeConsole records everything the debugger tells the console.
type fakeConsole struct {
	mutex      sync.Mutex
	output     []string
	lines      []string
	startCount int
	stopCount  int
}

func (c *fakeConsole) Output(text string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.output = append(c.output, text)
}

func (c *fakeConsole) OutputLine(text string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.lines = append(c.lines, text)
}

func (c *fakeConsole) StartInput() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.startCount++
}

func (c *fakeConsole) StopInput() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.stopCount++
}

func (c *fakeConsole) Lines() []string {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return append([]string{}, c.lines...)
}

// fakeSession is a scripted ProtocolSession. Events are emitted
// synchronously so tests observe reactions deterministically.
type fakeSession struct {
	mutex sync.Mutex

	threads       []dap.Thread
	frames        map[int][]dap.StackFrame
	sourceContent map[int]string

	handlers map[constants.DebugEventType][]func(dap.EventMessage)

	initialized           bool
	launched              bool
	handlersBeforeLaunch  int
	terminateDuringLaunch bool
	sourceFetches        int
	stepInThreads        []int
	nextThreads          []int
	continueThreads      []int
	disconnects          int
	closed               bool
}

func newFakeSession(threads ...dap.Thread) *fakeSession {
	return &fakeSession{
		threads:       threads,
		frames:        map[int][]dap.StackFrame{},
		sourceContent: map[int]string{},
		handlers:      map[constants.DebugEventType][]func(dap.EventMessage){},
	}
}

func (f *fakeSession) Initialize(ctx context.Context, args dap.InitializeRequestArguments) (*dap.Capabilities, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.initialized = true
	return &dap.Capabilities{}, nil
}

func (f *fakeSession) Launch(ctx context.Context, args json.RawMessage) error {
	f.mutex.Lock()
	f.launched = true
	for _, handlers := range f.handlers {
		f.handlersBeforeLaunch += len(handlers)
	}
	terminate := f.terminateDuringLaunch
	f.mutex.Unlock()
	if terminate {
		f.emit(constants.TerminatedEvent, &dap.TerminatedEvent{Event: newEvent("terminated")})
	}
	return nil
}

func (f *fakeSession) Threads(ctx context.Context) ([]dap.Thread, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return append([]dap.Thread{}, f.threads...), nil
}

func (f *fakeSession) StackTrace(ctx context.Context, args dap.StackTraceArguments) ([]dap.StackFrame, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	frames := append([]dap.StackFrame{}, f.frames[args.ThreadId]...)
	if args.Levels > 0 && args.Levels < len(frames) {
		frames = frames[:args.Levels]
	}
	return frames, nil
}

func (f *fakeSession) StepIn(ctx context.Context, threadID int) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.stepInThreads = append(f.stepInThreads, threadID)
	return nil
}

func (f *fakeSession) Next(ctx context.Context, threadID int) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.nextThreads = append(f.nextThreads, threadID)
	return nil
}

func (f *fakeSession) Continue(ctx context.Context, threadID int) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.continueThreads = append(f.continueThreads, threadID)
	return nil
}

func (f *fakeSession) Source(ctx context.Context, sourceReference int) (string, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.sourceFetches++
	content, ok := f.sourceContent[sourceReference]
	if !ok {
		return "", fmt.Errorf("unknown source reference %d", sourceReference)
	}
	return content, nil
}

func (f *fakeSession) Disconnect(ctx context.Context) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.disconnects++
	return nil
}

func (f *fakeSession) Subscribe(event constants.DebugEventType, handler func(dap.EventMessage)) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.handlers[event] = append(f.handlers[event], handler)
}

func (f *fakeSession) Close() error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSession) emit(event constants.DebugEventType, message dap.EventMessage) {
	f.mutex.Lock()
	handlers := append([]func(dap.EventMessage){}, f.handlers[event]...)
	f.mutex.Unlock()
	for _, handler := range handlers {
		handler(message)
	}
}

func newEvent(event string) dap.Event {
	return dap.Event{
		ProtocolMessage: dap.ProtocolMessage{Seq: 0, Type: "event"},
		Event:           event,
	}
}

func stoppedEvent(threadID int) *dap.StoppedEvent {
	return &dap.StoppedEvent{
		Event: newEvent("stopped"),
		Body:  dap.StoppedEventBody{Reason: "step", ThreadId: threadID},
	}
}

func openTestDebugger(t *testing.T, session *fakeSession) (*Debugger, *fakeConsole) {
	t.Helper()
	con := &fakeConsole{}
	debug := NewDebugger(&Config{
		AdapterID: "test",
		NewSession: func(ctx context.Context) (ProtocolSession, error) {
			return session, nil
		},
	}, con)
	assert.Nil(t, debug.OpenSession(context.Background(), nil))
	return debug, con
}

func TestOpenSessionCachesThreads(t *testing.T) {
	session := newFakeSession(dap.Thread{Id: 1, Name: "main"}, dap.Thread{Id: 2, Name: "worker"})
	debug, _ := openTestDebugger(t, session)

	assert.True(t, session.initialized)
	assert.True(t, session.launched)
	// All five streams must be subscribed before launch.
	assert.Equal(t, 5, session.handlersBeforeLaunch)

	threads, err := debug.GetThreads()
	assert.Nil(t, err)
	assert.Equal(t, map[int]string{1: "main", 2: "worker"}, threads)

	threadID, ok, err := debug.GetActiveThread()
	assert.Nil(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, threadID)
}

func TestOpenSessionWhileOpenFails(t *testing.T) {
	session := newFakeSession(dap.Thread{Id: 1, Name: "main"})
	debug, _ := openTestDebugger(t, session)

	err := debug.OpenSession(context.Background(), nil)
	assert.ErrorIs(t, err, e.ErrSessionAlreadyOpen)
}

func TestOpenSessionEmptyThreadList(t *testing.T) {
	session := newFakeSession()
	debug, _ := openTestDebugger(t, session)

	_, ok, err := debug.GetActiveThread()
	assert.Nil(t, err)
	assert.False(t, ok)
}

func TestCloseSessionIdempotent(t *testing.T) {
	session := newFakeSession(dap.Thread{Id: 1, Name: "main"})
	debug, _ := openTestDebugger(t, session)

	debug.CloseSession()
	debug.CloseSession()

	assert.Equal(t, 1, session.disconnects)
	assert.True(t, session.closed)
	_, err := debug.GetThreads()
	assert.ErrorIs(t, err, e.ErrNoActiveSession)
	_, _, err = debug.GetActiveThread()
	assert.ErrorIs(t, err, e.ErrNoActiveSession)
}

func TestReopenRebuildsThreadDirectory(t *testing.T) {
	first := newFakeSession(dap.Thread{Id: 1, Name: "main"})
	con := &fakeConsole{}
	second := newFakeSession(dap.Thread{Id: 7, Name: "init"})
	sessions := []*fakeSession{first, second}
	index := 0
	debug := NewDebugger(&Config{
		AdapterID: "test",
		NewSession: func(ctx context.Context) (ProtocolSession, error) {
			session := sessions[index]
			index++
			return session, nil
		},
	}, con)

	assert.Nil(t, debug.OpenSession(context.Background(), nil))
	debug.CloseSession()
	assert.Nil(t, debug.OpenSession(context.Background(), nil))

	threads, err := debug.GetThreads()
	assert.Nil(t, err)
	assert.Equal(t, map[int]string{7: "init"}, threads)
	threadID, ok, _ := debug.GetActiveThread()
	assert.True(t, ok)
	assert.Equal(t, 7, threadID)
}

func TestStepWithoutActiveThread(t *testing.T) {
	session := newFakeSession()
	debug, _ := openTestDebugger(t, session)

	assert.ErrorIs(t, debug.StepIn(context.Background()), e.ErrNoActiveThreadStepIn)
	assert.ErrorIs(t, debug.StepOver(context.Background()), e.ErrNoActiveThreadStepOver)
	assert.ErrorIs(t, debug.Continue(context.Background()), e.ErrNoActiveThreadContinue)
	assert.Empty(t, session.stepInThreads)
	assert.Empty(t, session.nextThreads)
	assert.Empty(t, session.continueThreads)
}

func TestStepTargetsActiveThread(t *testing.T) {
	session := newFakeSession(dap.Thread{Id: 3, Name: "main"})
	debug, _ := openTestDebugger(t, session)

	assert.Nil(t, debug.StepIn(context.Background()))
	assert.Nil(t, debug.StepOver(context.Background()))
	assert.Equal(t, []int{3}, session.stepInThreads)
	assert.Equal(t, []int{3}, session.nextThreads)
}

func TestStoppedEventPrintsTopOfStack(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "b.js")
	content := "l0\nl1\nl2\nl3\nconsole.log('hi')\nl5\n"
	assert.Nil(t, os.WriteFile(path, []byte(content), 0o644))

	session := newFakeSession(dap.Thread{Id: 1, Name: "main"})
	session.frames[1] = []dap.StackFrame{
		{Id: 0, Name: "main", Line: 4, Source: &dap.Source{Path: path}},
		{Id: 1, Name: "caller", Line: 10, Source: &dap.Source{Path: path}},
	}
	_, con := openTestDebugger(t, session)

	session.emit(constants.StoppedEvent, stoppedEvent(1))

	assert.Equal(t, []string{"b.js:5 console.log('hi')"}, con.Lines())
	assert.Equal(t, 1, con.startCount)
}

func TestStoppedEventOtherThreadIgnored(t *testing.T) {
	session := newFakeSession(dap.Thread{Id: 1, Name: "main"})
	_, con := openTestDebugger(t, session)

	session.emit(constants.StoppedEvent, stoppedEvent(9))

	assert.Empty(t, con.Lines())
	assert.Equal(t, 0, con.startCount)
}

func TestStoppedEventWithoutSourceIsSilent(t *testing.T) {
	session := newFakeSession(dap.Thread{Id: 1, Name: "main"})
	session.frames[1] = []dap.StackFrame{{Id: 0, Name: "main", Line: 4}}
	_, con := openTestDebugger(t, session)

	session.emit(constants.StoppedEvent, stoppedEvent(1))

	assert.Empty(t, con.Lines())
	// Input still resumes; the user must be able to keep stepping.
	assert.Equal(t, 1, con.startCount)
}

func TestContinuedEventSuspendsInput(t *testing.T) {
	session := newFakeSession(dap.Thread{Id: 1, Name: "main"})
	_, con := openTestDebugger(t, session)

	session.emit(constants.ContinuedEvent, &dap.ContinuedEvent{
		Event: newEvent("continued"),
		Body:  dap.ContinuedEventBody{ThreadId: 1},
	})
	session.emit(constants.ContinuedEvent, &dap.ContinuedEvent{
		Event: newEvent("continued"),
		Body:  dap.ContinuedEventBody{ThreadId: 5},
	})

	assert.Equal(t, 1, con.stopCount)
}

func TestExitedEventClosesSession(t *testing.T) {
	session := newFakeSession(dap.Thread{Id: 1, Name: "main"})
	debug, con := openTestDebugger(t, session)

	session.emit(constants.ExitedEvent, &dap.ExitedEvent{
		Event: newEvent("exited"),
		Body:  dap.ExitedEventBody{ExitCode: 1},
	})

	assert.Equal(t, []string{"Target exited with status 1"}, con.Lines())
	_, err := debug.GetThreads()
	assert.ErrorIs(t, err, e.ErrNoActiveSession)
}

func TestDuplicateTerminatedEvents(t *testing.T) {
	session := newFakeSession(dap.Thread{Id: 1, Name: "main"})
	debug, con := openTestDebugger(t, session)

	terminated := &dap.TerminatedEvent{Event: newEvent("terminated")}
	session.emit(constants.TerminatedEvent, terminated)
	session.emit(constants.TerminatedEvent, terminated)

	assert.Equal(t, []string{"The target has exited."}, con.Lines())
	assert.Equal(t, 1, con.startCount)
	assert.Equal(t, 1, session.disconnects)
	_, err := debug.GetThreads()
	assert.ErrorIs(t, err, e.ErrNoActiveSession)
}

func TestTargetTerminatedDuringLaunch(t *testing.T) {
	session := newFakeSession(dap.Thread{Id: 1, Name: "main"})
	session.terminateDuringLaunch = true
	con := &fakeConsole{}
	debug := NewDebugger(&Config{
		AdapterID: "test",
		NewSession: func(ctx context.Context) (ProtocolSession, error) {
			return session, nil
		},
	}, con)

	err := debug.OpenSession(context.Background(), nil)
	assert.NotNil(t, err)
	assert.True(t, session.closed)
	_, err = debug.GetThreads()
	assert.ErrorIs(t, err, e.ErrNoActiveSession)

	// A fresh open must not inherit the aborted launch.
	session.terminateDuringLaunch = false
	session.closed = false
	assert.Nil(t, debug.OpenSession(context.Background(), nil))
	threads, err := debug.GetThreads()
	assert.Nil(t, err)
	assert.Equal(t, map[int]string{1: "main"}, threads)
}

func TestOutputEventForwarded(t *testing.T) {
	session := newFakeSession(dap.Thread{Id: 1, Name: "main"})
	_, con := openTestDebugger(t, session)

	output := &dap.OutputEvent{Event: newEvent("output")}
	output.Body.Output = "hello\n"
	session.emit(constants.OutputEvent, output)

	assert.Equal(t, []string{"hello\n"}, con.output)
}

func TestGetSourceLinesByReference(t *testing.T) {
	session := newFakeSession(dap.Thread{Id: 1, Name: "main"})
	session.sourceContent[7] = "a\nb\nc"
	debug, _ := openTestDebugger(t, session)
	source := &dap.Source{SourceReference: 7}
	ctx := context.Background()

	lines, err := debug.GetSourceLines(ctx, source, 1, 5)
	assert.Nil(t, err)
	assert.Equal(t, []string{"b", "c"}, lines)

	// Second hit is served from cache.
	lines, err = debug.GetSourceLines(ctx, source, 0, 2)
	assert.Nil(t, err)
	assert.Equal(t, []string{"a", "b"}, lines)
	assert.Equal(t, 1, session.sourceFetches)

	lines, err = debug.GetSourceLines(ctx, source, 10, 4)
	assert.Nil(t, err)
	assert.Empty(t, lines)

	lines, err = debug.GetSourceLines(ctx, source, 2, 0)
	assert.Nil(t, err)
	assert.Empty(t, lines)
}

func TestGetSourceLinesWithoutKey(t *testing.T) {
	session := newFakeSession(dap.Thread{Id: 1, Name: "main"})
	debug, _ := openTestDebugger(t, session)

	lines, err := debug.GetSourceLines(context.Background(), &dap.Source{Name: "generated"}, 0, 3)
	assert.Nil(t, err)
	assert.Empty(t, lines)
	assert.Equal(t, 0, session.sourceFetches)

	lines, err = debug.GetSourceLines(context.Background(), nil, 0, 3)
	assert.Nil(t, err)
	assert.Empty(t, lines)
}

func TestCloseSessionFlushesSourceCache(t *testing.T) {
	session := newFakeSession(dap.Thread{Id: 1, Name: "main"})
	session.sourceContent[7] = "a\nb"
	con := &fakeConsole{}
	debug := NewDebugger(&Config{
		AdapterID: "test",
		NewSession: func(ctx context.Context) (ProtocolSession, error) {
			return session, nil
		},
	}, con)
	assert.Nil(t, debug.OpenSession(context.Background(), nil))
	source := &dap.Source{SourceReference: 7}

	_, err := debug.GetSourceLines(context.Background(), source, 0, 1)
	assert.Nil(t, err)
	debug.CloseSession()
	assert.Nil(t, debug.OpenSession(context.Background(), nil))

	_, err = debug.GetSourceLines(context.Background(), source, 0, 1)
	assert.Nil(t, err)
	assert.Equal(t, 2, session.sourceFetches)
}
