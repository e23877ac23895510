package constants

// DebugEventType 调试事件类型
// Event names as they appear on the wire, see the DAP specification.
type DebugEventType string

const (
	InitializedEvent DebugEventType = "initialized"
	OutputEvent      DebugEventType = "output"
	ContinuedEvent   DebugEventType = "continued"
	StoppedEvent     DebugEventType = "stopped"
	ExitedEvent      DebugEventType = "exited"
	TerminatedEvent  DebugEventType = "terminated"
)

// Initialize handshake settings sent to every adapter. Lines and columns
// are zero-based internally and converted only for display.
const (
	ClientID   = "nuclide"
	ClientName = "Nuclide console debugger"
	PathFormat = "path"
)
