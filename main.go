package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/ZhouYanlang/nuclide/command"
	"github.com/ZhouYanlang/nuclide/console"
	"github.com/ZhouYanlang/nuclide/dapsession"
	"github.com/ZhouYanlang/nuclide/debugger"
	"github.com/ZhouYanlang/nuclide/terminal"
)

const Version = "1.0.0"

func main() {
	SetupLogger()
	defer CloseLogger()

	showVersion := flag.Bool("version", false, "Show the version number")
	adapter := flag.String("adapter", "", "Debug adapter command to spawn")
	connect := flag.String("connect", "", "Debug adapter address to connect to (host:port)")
	adapterID := flag.String("adapter-id", "generic", "Adapter identifier for the initialize handshake")
	program := flag.String("program", "", "Program to debug")
	stopOnEntry := flag.Bool("stop-on-entry", false, "Stop the target at its first instruction")
	flag.Parse()

	if *showVersion {
		fmt.Printf("Version: %s\n", Version)
		return
	}
	if *adapter == "" && *connect == "" {
		fmt.Println("either -adapter or -connect is required")
		os.Exit(1)
	}
	if *program == "" {
		fmt.Println("program cannot be empty")
		os.Exit(1)
	}

	con := console.New(os.Stdin, os.Stdout, "(dbg) ")
	runner := terminal.NewRunner(con)
	defer runner.Close()

	debug := debugger.NewDebugger(&debugger.Config{
		AdapterID: *adapterID,
		NewSession: func(ctx context.Context) (debugger.ProtocolSession, error) {
			session, err := openWireSession(*adapter, *connect)
			if err != nil {
				return nil, err
			}
			session.SetTerminalRunner(runner)
			return session, nil
		},
	}, con)

	dispatcher := command.NewDispatcher()
	command.RegisterDebuggerCommands(dispatcher, debug, con)

	ctx := context.Background()
	launchArgs, err := json.Marshal(map[string]interface{}{
		"program":     *program,
		"stopOnEntry": *stopOnEntry,
	})
	if err != nil {
		fmt.Printf("build launch arguments fail: %v\n", err)
		os.Exit(1)
	}
	if err = debug.OpenSession(ctx, launchArgs); err != nil {
		fmt.Printf("open session fail: %v\n", err)
		os.Exit(1)
	}
	defer debug.CloseSession()

	con.StartInput()
	for {
		line, ok := con.ReadLine()
		if !ok {
			return
		}
		if err := dispatcher.Dispatch(ctx, line); err != nil {
			if errors.Is(err, command.ErrQuit) {
				return
			}
			con.OutputLine(err.Error())
		}
		con.Prompt()
	}
}

func openWireSession(adapter string, connect string) (*dapsession.Session, error) {
	if connect != "" {
		return dapsession.Dial(connect)
	}
	parts := strings.Fields(adapter)
	if len(parts) == 0 {
		return nil, fmt.Errorf("adapter command is empty")
	}
	return dapsession.Spawn(parts[0], parts[1:]...)
}
