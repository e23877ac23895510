package dapsession

import (
	"fmt"
	"io"
	"net"
	"os/exec"
)

// Dial opens a session to an adapter listening on a TCP address.
func Dial(address string) (*Session, error) {
	conn, err := net.Dial("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}
	return NewSession(conn), nil
}

// Spawn starts an adapter subprocess and opens a session over its stdio.
// stderr is left attached to the parent so adapter diagnostics stay visible.
func Spawn(command string, args ...string) (*Session, error) {
	cmd := exec.Command(command, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("get stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("get stdout pipe: %w", err)
	}
	if err = cmd.Start(); err != nil {
		stdin.Close()
		return nil, fmt.Errorf("start adapter: %w", err)
	}
	return NewSession(&stdioConn{cmd: cmd, stdin: stdin, stdout: stdout}), nil
}

// stdioConn adapts a subprocess' pipes to one read/write/close stream.
type stdioConn struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
}

func (c *stdioConn) Read(p []byte) (int, error) {
	return c.stdout.Read(p)
}

func (c *stdioConn) Write(p []byte) (int, error) {
	return c.stdin.Write(p)
}

func (c *stdioConn) Close() error {
	c.stdin.Close()
	c.stdout.Close()
	if c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
	}
	return c.cmd.Wait()
}
