package command

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/ZhouYanlang/nuclide/console"
	"github.com/ZhouYanlang/nuclide/debugger"
	"github.com/google/go-dap"
)

const listWindow = 10

// RegisterDebuggerCommands installs the standard command set against one
// debugger and console.
func RegisterDebuggerCommands(d *Dispatcher, debug *debugger.Debugger, con console.Output) {
	d.Register(&Command{
		Name:  "threads",
		Usage: "threads",
		Help:  "List target threads, the active one marked with *",
		Run: func(ctx context.Context, args []string) error {
			return runThreads(debug, con)
		},
	})
	d.Register(&Command{
		Name:    "backtrace",
		Aliases: []string{"bt"},
		Usage:   "backtrace [frame-count]",
		Help:    "Print the call stack of the active thread",
		Run: func(ctx context.Context, args []string) error {
			return runBacktrace(ctx, debug, con, args)
		},
	})
	d.Register(&Command{
		Name:    "step",
		Aliases: []string{"s"},
		Usage:   "step",
		Help:    "Step the active thread, entering calls",
		Run: func(ctx context.Context, args []string) error {
			return debug.StepIn(ctx)
		},
	})
	d.Register(&Command{
		Name:    "next",
		Aliases: []string{"n"},
		Usage:   "next",
		Help:    "Step the active thread over calls",
		Run: func(ctx context.Context, args []string) error {
			return debug.StepOver(ctx)
		},
	})
	d.Register(&Command{
		Name:    "continue",
		Aliases: []string{"c"},
		Usage:   "continue",
		Help:    "Resume the active thread",
		Run: func(ctx context.Context, args []string) error {
			return debug.Continue(ctx)
		},
	})
	d.Register(&Command{
		Name:    "list",
		Aliases: []string{"l"},
		Usage:   "list [first-line]",
		Help:    "List source around the active thread's current line",
		Run: func(ctx context.Context, args []string) error {
			return runList(ctx, debug, con, args)
		},
	})
	d.Register(&Command{
		Name:    "help",
		Aliases: []string{"h"},
		Usage:   "help",
		Help:    "Show this list",
		Run: func(ctx context.Context, args []string) error {
			for _, cmd := range d.Commands() {
				con.OutputLine(fmt.Sprintf("%-28s %s", cmd.Usage, cmd.Help))
			}
			return nil
		},
	})
	d.Register(&Command{
		Name:    "quit",
		Aliases: []string{"q", "exit"},
		Usage:   "quit",
		Help:    "End the session and exit",
		Run: func(ctx context.Context, args []string) error {
			return ErrQuit
		},
	})
}

func runThreads(debug *debugger.Debugger, con console.Output) error {
	threads, err := debug.GetThreads()
	if err != nil {
		return err
	}
	activeThread, hasActive, err := debug.GetActiveThread()
	if err != nil {
		return err
	}

	ids := make([]int, 0, len(threads))
	for id := range threads {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		marker := " "
		if hasActive && id == activeThread {
			marker = "*"
		}
		con.OutputLine(fmt.Sprintf("%s %d: %s", marker, id, threads[id]))
	}
	return nil
}

func runBacktrace(ctx context.Context, debug *debugger.Debugger, con console.Output, args []string) error {
	levels := 0
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("frame count must be a number: %q", args[0])
		}
		levels = n
	}

	threadID, ok, err := debug.GetActiveThread()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no active thread")
	}
	frames, err := debug.GetStackTrace(ctx, threadID, levels)
	if err != nil {
		return err
	}
	for i, frame := range frames {
		con.OutputLine(fmt.Sprintf("#%d %s %s:%d", i, frame.Name, frameSourceName(&frame), frame.Line+1))
	}
	return nil
}

func runList(ctx context.Context, debug *debugger.Debugger, con console.Output, args []string) error {
	threadID, ok, err := debug.GetActiveThread()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no active thread")
	}
	frames, err := debug.GetStackTrace(ctx, threadID, 1)
	if err != nil {
		return err
	}
	if len(frames) == 0 || frames[0].Source == nil {
		return fmt.Errorf("no source for the current frame")
	}
	frame := frames[0]

	start := frame.Line - listWindow/2
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("first line must be a number: %q", args[0])
		}
		start = n - 1
	}
	if start < 0 {
		start = 0
	}

	lines, err := debug.GetSourceLines(ctx, frame.Source, start, listWindow)
	if err != nil {
		return err
	}
	for i, text := range lines {
		marker := " "
		if start+i == frame.Line {
			marker = ">"
		}
		con.OutputLine(fmt.Sprintf("%s %4d  %s", marker, start+i+1, text))
	}
	return nil
}

func frameSourceName(frame *dap.StackFrame) string {
	if frame.Source == nil {
		return "<unknown>"
	}
	if frame.Source.Path != "" {
		return filepath.Base(frame.Source.Path)
	}
	if frame.Source.Name != "" {
		return frame.Source.Name
	}
	return "<unknown>"
}
