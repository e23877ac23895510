// Package console implements the terminal front end of the debugger.
// Input is line based; the debugger pauses and resumes it around target
// execution so the user is not prompted while the target is running.
package console

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/term"
)

// Output is the presentation surface the debugger writes to.
type Output interface {
	// Output writes text without a trailing newline.
	Output(text string)
	// OutputLine writes a full line.
	OutputLine(text string)
	// StartInput resumes the prompt after the target stopped.
	StartInput()
	// StopInput suspends the prompt while the target is running.
	StopInput()
}

// Console is a line-oriented terminal console.
type Console struct {
	out    io.Writer
	prompt string
	isTTY  bool

	mutex   sync.Mutex
	reading bool

	lines chan string
}

func New(in io.Reader, out io.Writer, prompt string) *Console {
	c := &Console{
		out:    out,
		prompt: prompt,
		lines:  make(chan string),
	}
	if f, ok := out.(*os.File); ok {
		c.isTTY = term.IsTerminal(int(f.Fd()))
	}

	// The reader runs for the life of the process; StartInput/StopInput only
	// gate the prompt, not the underlying stream.
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			c.lines <- scanner.Text()
		}
		close(c.lines)
	}()

	return c
}

// ReadLine blocks until the user enters a line. ok is false once the input
// stream is exhausted.
func (c *Console) ReadLine() (line string, ok bool) {
	line, ok = <-c.lines
	return line, ok
}

func (c *Console) Output(text string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	fmt.Fprint(c.out, text)
}

func (c *Console) OutputLine(text string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	fmt.Fprintln(c.out, text)
}

func (c *Console) StartInput() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.reading {
		return
	}
	c.reading = true
	if c.isTTY {
		fmt.Fprint(c.out, c.prompt)
	}
}

func (c *Console) StopInput() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.reading = false
}

// Prompt reprints the prompt if input is active, used after asynchronous
// output interleaves with an open prompt.
func (c *Console) Prompt() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.reading && c.isTTY {
		fmt.Fprint(c.out, c.prompt)
	}
}
