// Package command wires console input lines to debugger operations.
package command

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/emirpasic/gods/maps/treemap"
	"github.com/sirupsen/logrus"
)

// ErrQuit is returned by the quit command; the read loop exits on it.
var ErrQuit = errors.New("quit")

// HandlerFunc runs one command invocation. args excludes the command name.
type HandlerFunc func(ctx context.Context, args []string) error

// Command is a registered console command.
type Command struct {
	Name    string
	Aliases []string
	Usage   string
	Help    string
	Run     HandlerFunc
}

// Dispatcher routes parsed input lines to commands.
type Dispatcher struct {
	commands *treemap.Map // name -> *Command, sorted for help output
	aliases  map[string]string
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		commands: treemap.NewWithStringComparator(),
		aliases:  map[string]string{},
	}
}

func (d *Dispatcher) Register(cmd *Command) {
	d.commands.Put(cmd.Name, cmd)
	for _, alias := range cmd.Aliases {
		d.aliases[alias] = cmd.Name
	}
}

// Dispatch parses a line and runs the matching command.
func (d *Dispatcher) Dispatch(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	name := fields[0]
	if canonical, ok := d.aliases[name]; ok {
		name = canonical
	}
	value, ok := d.commands.Get(name)
	if !ok {
		return fmt.Errorf("unknown command %q, try help", fields[0])
	}
	logrus.Infof("[Dispatcher] Dispatch %s", name)
	return value.(*Command).Run(ctx, fields[1:])
}

// Commands lists registered commands in name order.
func (d *Dispatcher) Commands() []*Command {
	commands := make([]*Command, 0, d.commands.Size())
	d.commands.Each(func(key interface{}, value interface{}) {
		commands = append(commands, value.(*Command))
	})
	return commands
}
