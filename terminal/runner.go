// Package terminal executes target processes on behalf of the adapter when
// it asks the client to run the debuggee in a terminal.
package terminal

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/ZhouYanlang/nuclide/console"
	"github.com/ZhouYanlang/nuclide/utils/gosync"
	"github.com/creack/pty"
	"github.com/google/go-dap"
	"github.com/sirupsen/logrus"
	"golang.org/x/term"
)

// Runner satisfies dapsession.TerminalRunner. The target runs on a pty and
// its output is pumped onto the console alongside adapter output events.
type Runner struct {
	console console.Output

	mutex sync.Mutex
	ptms  []*os.File
	cmds  []*exec.Cmd
}

func NewRunner(con console.Output) *Runner {
	return &Runner{console: con}
}

// Run spawns the requested command and returns its pid.
func (r *Runner) Run(args dap.RunInTerminalRequestArguments) (int, error) {
	logrus.Infof("[Runner] Run")
	if len(args.Args) == 0 {
		return 0, fmt.Errorf("runInTerminal request without a command")
	}

	cmd := exec.Command(args.Args[0], args.Args[1:]...)
	cmd.Dir = args.Cwd
	if len(args.Env) != 0 {
		env := os.Environ()
		for key, value := range args.Env {
			env = append(env, fmt.Sprintf("%s=%v", key, value))
		}
		cmd.Env = env
	}

	ptm, err := pty.Start(cmd)
	if err != nil {
		return 0, fmt.Errorf("start target on pty: %w", err)
	}
	if _, err = term.MakeRaw(int(ptm.Fd())); err != nil {
		logrus.Errorf("[Runner] make pty raw fail, err = %v", err)
	}

	r.mutex.Lock()
	r.ptms = append(r.ptms, ptm)
	r.cmds = append(r.cmds, cmd)
	r.mutex.Unlock()

	gosync.Go(context.Background(), func(ctx context.Context) {
		r.pumpOutput(ptm)
	})

	return cmd.Process.Pid, nil
}

// pumpOutput copies target output to the console until the pty closes.
func (r *Runner) pumpOutput(ptm *os.File) {
	b := make([]byte, 1024)
	for {
		n, err := ptm.Read(b)
		if n > 0 {
			r.console.Output(string(b[:n]))
		}
		if err != nil {
			return
		}
	}
}

// Close reaps every target started through this runner.
func (r *Runner) Close() {
	r.mutex.Lock()
	ptms := r.ptms
	cmds := r.cmds
	r.ptms = nil
	r.cmds = nil
	r.mutex.Unlock()

	for _, ptm := range ptms {
		_ = ptm.Close()
	}
	for _, cmd := range cmds {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		_ = cmd.Wait()
	}
}
