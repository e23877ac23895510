package error

import "errors"

var (
	ErrNoActiveSession        = errors.New("no active debug session")
	ErrSessionAlreadyOpen     = errors.New("debug session already open")
	ErrNoActiveThreadStepIn   = errors.New("no active thread to step into")
	ErrNoActiveThreadStepOver = errors.New("no active thread to step through")
	ErrNoActiveThreadContinue = errors.New("no active thread to continue")
	ErrSessionClosed          = errors.New("session connection is closed")
)
