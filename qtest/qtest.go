// Package qtest implements the server side of QEMU's qtest protocol, a line
// based channel used to poke guest memory, ports and clocks from a test.
package qtest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"
)

// ErrClosed is returned once the connection is closed or was never accepted.
var ErrClosed = errors.New("qtest connection closed")

// Conn is a server-mode qtest connection. It is not safe for concurrent use.
type Conn struct {
	path     string
	listener *net.UnixListener
	conn     net.Conn
	reader   *bufio.Reader

	irqs []string
}

// Listen binds a unix socket at path for QEMU's -qtest unix:path= option.
func Listen(path string) (*Conn, error) {
	os.Remove(path)

	l, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("failed to listen on qtest socket: %w", err)
	}
	l.SetUnlinkOnClose(false)

	return &Conn{path: path, listener: l}, nil
}

// Accept waits for QEMU to connect, giving up when ctx is done.
func (c *Conn) Accept(ctx context.Context) error {
	l := c.listener
	if l == nil {
		return ErrClosed
	}
	c.listener = nil
	defer l.Close()

	stop := context.AfterFunc(ctx, func() {
		l.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	conn, err := l.Accept()
	if err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return fmt.Errorf("accepting qtest connection: %w", err)
	}

	c.conn = conn
	c.reader = bufio.NewReader(conn)
	return nil
}

// Cmd sends one command line and returns the reply line without its
// trailing newline. Asynchronous "IRQ" notifications read while waiting are
// kept and available from IRQs.
func (c *Conn) Cmd(cmd string) (string, error) {
	if c.conn == nil {
		return "", ErrClosed
	}

	if _, err := c.conn.Write([]byte(cmd + "\n")); err != nil {
		return "", fmt.Errorf("failed to write qtest command: %w", err)
	}

	for {
		line, err := c.reader.ReadString('\n')
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrClosed, err)
		}
		line = strings.TrimRight(line, "\r\n")
		if strings.HasPrefix(line, "IRQ ") {
			c.irqs = append(c.irqs, line)
			continue
		}
		return line, nil
	}
}

// IRQs returns and clears the IRQ notifications seen so far.
func (c *Conn) IRQs() []string {
	irqs := c.irqs
	c.irqs = nil
	return irqs
}

// Close closes the connection and the listener if still open.
func (c *Conn) Close() error {
	var err error
	if c.listener != nil {
		err = c.listener.Close()
		c.listener = nil
	}
	if c.conn != nil {
		err = c.conn.Close()
		c.conn = nil
	}
	return err
}
