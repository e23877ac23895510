// Package dapsession implements the wire-level adapter session: sequenced
// request/response exchanges plus asynchronous event delivery, both over a
// single Debug Adapter Protocol byte stream.
package dapsession

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/ZhouYanlang/nuclide/constants"
	e "github.com/ZhouYanlang/nuclide/error"
	"github.com/ZhouYanlang/nuclide/utils"
	"github.com/ZhouYanlang/nuclide/utils/gosync"
	"github.com/google/go-dap"
	"github.com/sirupsen/logrus"
)

// EventHandler consumes one adapter event. Handlers for the same session
// run on a single dispatch goroutine, in transport delivery order.
type EventHandler func(dap.EventMessage)

// TerminalRunner executes a target command on behalf of the adapter when it
// sends a reverse runInTerminal request, returning the process id.
type TerminalRunner interface {
	Run(args dap.RunInTerminalRequestArguments) (int, error)
}

// Session is one live adapter connection.
type Session struct {
	id   string
	conn io.ReadWriteCloser
	rw   *bufio.ReadWriter

	seq int64

	writeMutex sync.Mutex

	pendingMutex sync.Mutex
	pending      map[int]*pendingRequest

	handlerMutex sync.RWMutex
	handlers     map[constants.DebugEventType][]EventHandler
	runner       TerminalRunner

	// The event queue is unbounded. Handlers may issue requests of their
	// own, so the receive loop must never wait on handler progress or the
	// response a handler is parked on could sit unread behind queued events.
	eventMutex sync.Mutex
	eventCond  *sync.Cond
	eventQueue []dap.EventMessage
	eventsDone bool

	done      chan struct{}
	closeOnce sync.Once
}

// pendingRequest parks a caller until its response arrives.
type pendingRequest struct {
	done    chan struct{}
	message dap.ResponseMessage
	err     error
}

func NewSession(conn io.ReadWriteCloser) *Session {
	s := &Session{
		id:       utils.GetUUID(),
		conn:     conn,
		rw:       bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn)),
		pending:  map[int]*pendingRequest{},
		handlers: map[constants.DebugEventType][]EventHandler{},
		done:     make(chan struct{}),
	}
	s.eventCond = sync.NewCond(&s.eventMutex)
	go s.receiveLoop()
	go s.dispatchLoop()
	return s
}

// Subscribe registers a handler for one event stream. Registration must
// happen before the request that can trigger the event.
func (s *Session) Subscribe(event constants.DebugEventType, handler func(dap.EventMessage)) {
	s.handlerMutex.Lock()
	s.handlers[event] = append(s.handlers[event], handler)
	s.handlerMutex.Unlock()
}

// SetTerminalRunner installs the handler for reverse runInTerminal requests.
func (s *Session) SetTerminalRunner(runner TerminalRunner) {
	s.handlerMutex.Lock()
	s.runner = runner
	s.handlerMutex.Unlock()
}

// Close shuts the connection down and fails every parked caller.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	err := s.conn.Close()
	s.failPending(e.ErrSessionClosed)
	return err
}

// receiveLoop is the only reader of the connection. Responses release their
// parked caller; events are queued for the dispatch goroutine so a slow
// handler never stalls an in-flight request.
func (s *Session) receiveLoop() {
	defer s.closeEventQueue()
	for {
		message, err := dap.ReadProtocolMessage(s.rw.Reader)
		if err != nil {
			select {
			case <-s.done:
			default:
				if err != io.EOF {
					logrus.Errorf("[Session] %s read fail, err = %v", s.id, err)
				}
				s.failPending(fmt.Errorf("session connection lost: %w", err))
			}
			return
		}

		switch m := message.(type) {
		case dap.ResponseMessage:
			s.handleResponse(m)
		case dap.EventMessage:
			s.enqueueEvent(m)
		case dap.RequestMessage:
			s.handleReverseRequest(m)
		}
	}
}

func (s *Session) enqueueEvent(message dap.EventMessage) {
	s.eventMutex.Lock()
	s.eventQueue = append(s.eventQueue, message)
	s.eventMutex.Unlock()
	s.eventCond.Signal()
}

func (s *Session) closeEventQueue() {
	s.eventMutex.Lock()
	s.eventsDone = true
	s.eventMutex.Unlock()
	s.eventCond.Signal()
}

// dispatchLoop delivers events FIFO, draining the queue before exiting.
// Handler panics are contained here; no caller is awaiting an event reaction.
func (s *Session) dispatchLoop() {
	for {
		s.eventMutex.Lock()
		for len(s.eventQueue) == 0 && !s.eventsDone {
			s.eventCond.Wait()
		}
		if len(s.eventQueue) == 0 {
			s.eventMutex.Unlock()
			return
		}
		message := s.eventQueue[0]
		s.eventQueue = s.eventQueue[1:]
		s.eventMutex.Unlock()

		event := constants.DebugEventType(message.GetEvent().Event)
		s.handlerMutex.RLock()
		handlers := append([]EventHandler{}, s.handlers[event]...)
		s.handlerMutex.RUnlock()
		for _, handler := range handlers {
			s.invoke(handler, message)
		}
	}
}

func (s *Session) invoke(handler EventHandler, message dap.EventMessage) {
	defer func() {
		if err := recover(); err != nil {
			logrus.Errorf("[Session] %s event handler panic, err = %v", s.id, err)
		}
	}()
	handler(message)
}

func (s *Session) handleResponse(message dap.ResponseMessage) {
	response := message.GetResponse()

	s.pendingMutex.Lock()
	request, ok := s.pending[response.RequestSeq]
	if ok {
		delete(s.pending, response.RequestSeq)
	}
	s.pendingMutex.Unlock()

	if !ok {
		logrus.Warnf("[Session] %s response without request, command = %s, seq = %d", s.id, response.Command, response.RequestSeq)
		return
	}
	if !response.Success {
		request.err = responseError(message)
	} else {
		request.message = message
	}
	close(request.done)
}

// handleReverseRequest serves requests the adapter sends to the client.
// Only runInTerminal is supported.
func (s *Session) handleReverseRequest(message dap.RequestMessage) {
	request, ok := message.(*dap.RunInTerminalRequest)
	if !ok {
		base := message.GetRequest()
		s.send(newErrorResponse(base.Seq, base.Command, fmt.Sprintf("%s is not supported", base.Command)))
		return
	}

	gosync.Go(context.Background(), func(ctx context.Context) {
		s.handlerMutex.RLock()
		runner := s.runner
		s.handlerMutex.RUnlock()
		if runner == nil {
			s.send(newErrorResponse(request.Seq, request.Command, "no terminal available"))
			return
		}
		pid, err := runner.Run(request.Arguments)
		if err != nil {
			s.send(newErrorResponse(request.Seq, request.Command, err.Error()))
			return
		}
		response := &dap.RunInTerminalResponse{}
		response.Response = *newResponse(request.Seq, request.Command)
		response.Body.ProcessId = pid
		s.send(response)
	})
}

func (s *Session) failPending(err error) {
	s.pendingMutex.Lock()
	defer s.pendingMutex.Unlock()
	for _, request := range s.pending {
		request.err = err
		close(request.done)
	}
	s.pending = map[int]*pendingRequest{}
}

// sendRequest writes one request and parks the caller until the matching
// response arrives. No timeout is applied at this layer.
func (s *Session) sendRequest(ctx context.Context, seq int, message dap.Message) (dap.ResponseMessage, error) {
	request := &pendingRequest{done: make(chan struct{})}
	s.pendingMutex.Lock()
	s.pending[seq] = request
	s.pendingMutex.Unlock()

	if err := s.send(message); err != nil {
		s.pendingMutex.Lock()
		delete(s.pending, seq)
		s.pendingMutex.Unlock()
		return nil, fmt.Errorf("send request: %w", err)
	}

	select {
	case <-ctx.Done():
		s.pendingMutex.Lock()
		delete(s.pending, seq)
		s.pendingMutex.Unlock()
		return nil, ctx.Err()
	case <-request.done:
		if request.err != nil {
			return nil, request.err
		}
		return request.message, nil
	}
}

func (s *Session) send(message dap.Message) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	if err := dap.WriteProtocolMessage(s.rw.Writer, message); err != nil {
		return err
	}
	return s.rw.Flush()
}

func (s *Session) nextSeq() int {
	return int(atomic.AddInt64(&s.seq, 1))
}

// Request methods

func (s *Session) Initialize(ctx context.Context, args dap.InitializeRequestArguments) (*dap.Capabilities, error) {
	seq := s.nextSeq()
	request := &dap.InitializeRequest{Request: newRequest(seq, "initialize"), Arguments: args}
	message, err := s.sendRequest(ctx, seq, request)
	if err != nil {
		return nil, err
	}
	response, ok := message.(*dap.InitializeResponse)
	if !ok {
		return nil, fmt.Errorf("unexpected response to initialize: %T", message)
	}
	return &response.Body, nil
}

func (s *Session) Launch(ctx context.Context, args json.RawMessage) error {
	seq := s.nextSeq()
	request := &dap.LaunchRequest{Request: newRequest(seq, "launch"), Arguments: args}
	_, err := s.sendRequest(ctx, seq, request)
	return err
}

func (s *Session) Threads(ctx context.Context) ([]dap.Thread, error) {
	seq := s.nextSeq()
	request := &dap.ThreadsRequest{Request: newRequest(seq, "threads")}
	message, err := s.sendRequest(ctx, seq, request)
	if err != nil {
		return nil, err
	}
	response, ok := message.(*dap.ThreadsResponse)
	if !ok {
		return nil, fmt.Errorf("unexpected response to threads: %T", message)
	}
	return response.Body.Threads, nil
}

func (s *Session) StackTrace(ctx context.Context, args dap.StackTraceArguments) ([]dap.StackFrame, error) {
	seq := s.nextSeq()
	request := &dap.StackTraceRequest{Request: newRequest(seq, "stackTrace"), Arguments: args}
	message, err := s.sendRequest(ctx, seq, request)
	if err != nil {
		return nil, err
	}
	response, ok := message.(*dap.StackTraceResponse)
	if !ok {
		return nil, fmt.Errorf("unexpected response to stackTrace: %T", message)
	}
	return response.Body.StackFrames, nil
}

func (s *Session) StepIn(ctx context.Context, threadID int) error {
	seq := s.nextSeq()
	request := &dap.StepInRequest{
		Request:   newRequest(seq, "stepIn"),
		Arguments: dap.StepInArguments{ThreadId: threadID},
	}
	_, err := s.sendRequest(ctx, seq, request)
	return err
}

func (s *Session) Next(ctx context.Context, threadID int) error {
	seq := s.nextSeq()
	request := &dap.NextRequest{
		Request:   newRequest(seq, "next"),
		Arguments: dap.NextArguments{ThreadId: threadID},
	}
	_, err := s.sendRequest(ctx, seq, request)
	return err
}

func (s *Session) Continue(ctx context.Context, threadID int) error {
	seq := s.nextSeq()
	request := &dap.ContinueRequest{
		Request:   newRequest(seq, "continue"),
		Arguments: dap.ContinueArguments{ThreadId: threadID},
	}
	_, err := s.sendRequest(ctx, seq, request)
	return err
}

func (s *Session) Source(ctx context.Context, sourceReference int) (string, error) {
	seq := s.nextSeq()
	request := &dap.SourceRequest{
		Request:   newRequest(seq, "source"),
		Arguments: dap.SourceArguments{SourceReference: sourceReference},
	}
	message, err := s.sendRequest(ctx, seq, request)
	if err != nil {
		return "", err
	}
	response, ok := message.(*dap.SourceResponse)
	if !ok {
		return "", fmt.Errorf("unexpected response to source: %T", message)
	}
	return response.Body.Content, nil
}

func (s *Session) Disconnect(ctx context.Context) error {
	seq := s.nextSeq()
	request := &dap.DisconnectRequest{Request: newRequest(seq, "disconnect")}
	_, err := s.sendRequest(ctx, seq, request)
	return err
}

// Message helpers

func newRequest(seq int, command string) dap.Request {
	return dap.Request{
		ProtocolMessage: dap.ProtocolMessage{
			Seq:  seq,
			Type: "request",
		},
		Command: command,
	}
}

func newResponse(requestSeq int, command string) *dap.Response {
	return &dap.Response{
		ProtocolMessage: dap.ProtocolMessage{
			Seq:  0,
			Type: "response",
		},
		Command:    command,
		RequestSeq: requestSeq,
		Success:    true,
	}
}

func newErrorResponse(requestSeq int, command string, message string) *dap.ErrorResponse {
	er := &dap.ErrorResponse{}
	er.Response = *newResponse(requestSeq, command)
	er.Success = false
	er.Message = message
	er.Body.Error = &dap.ErrorMessage{Format: message}
	return er
}

func responseError(message dap.ResponseMessage) error {
	if er, ok := message.(*dap.ErrorResponse); ok && er.Body.Error != nil && er.Body.Error.Format != "" {
		return fmt.Errorf("%s: %s", er.Command, er.Body.Error.Format)
	}
	response := message.GetResponse()
	if response.Message != "" {
		return fmt.Errorf("%s: %s", response.Command, response.Message)
	}
	return fmt.Errorf("%s request failed", response.Command)
}
