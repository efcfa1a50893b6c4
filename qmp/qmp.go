// Package qmp implements the server side of a QEMU Monitor Protocol channel
// as used by test harnesses: the harness listens on a unix socket, QEMU
// connects to it, and from then on a single consumer issues commands and
// pulls events over the same connection using blocking reads.
//
// Events that arrive while a command is waiting for its response are queued
// on the Monitor and handed out by PullEvent and GetEvents in arrival order.
package qmp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"syscall"
	"time"
)

// pollInterval is the read deadline used for a non-blocking check of the
// socket. A deadline that has already passed never reaches the kernel, so a
// short positive one is used instead.
const pollInterval = time.Millisecond

var (
	// ErrTimeout is returned when a blocking read hits its deadline.
	ErrTimeout = errors.New("QMP timeout")

	// ErrClosed is returned once the connection is closed or was never accepted.
	ErrClosed = errors.New("QMP connection closed")
)

// QMPError is returned when QEMU rejects the capabilities negotiation.
// Errors returned by regular commands are left in the Response.
type QMPError struct {
	Class       string
	Description string
}

func (e *QMPError) Error() string {
	return fmt.Sprintf("QMP error [%s]: %s", e.Class, e.Description)
}

// Monitor is a server-mode QMP connection. It is not safe for concurrent use.
type Monitor struct {
	path     string
	listener *net.UnixListener
	conn     *net.UnixConn
	reader   *bufio.Reader
	partial  []byte

	events   []*Event
	greeting map[string]any

	// CommandTimeout bounds the wait for a command response. Zero waits forever.
	CommandTimeout time.Duration

	log *slog.Logger
}

// Listen binds a unix socket at path and starts listening for QEMU.
// A stale socket file at path is removed first.
func Listen(path string, logger *slog.Logger) (*Monitor, error) {
	if logger == nil {
		logger = slog.Default()
	}

	os.Remove(path)

	l, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("failed to listen on QMP socket: %w", err)
	}
	// The socket file belongs to whoever created the VM paths.
	l.SetUnlinkOnClose(false)

	return &Monitor{path: path, listener: l, log: logger}, nil
}

// Path returns the socket path the monitor listens on.
func (m *Monitor) Path() string {
	return m.path
}

// Accept waits for QEMU to connect, reads the greeting and enters command
// mode. It gives up when ctx is done: a deadline on ctx bounds the whole
// handshake and cancelling ctx drops a half-open connection. The listener
// is closed once Accept returns.
func (m *Monitor) Accept(ctx context.Context) error {
	l := m.listener
	if l == nil {
		return ErrClosed
	}
	m.listener = nil
	defer l.Close()

	var (
		mu       sync.Mutex
		accepted *net.UnixConn
	)
	stop := context.AfterFunc(ctx, func() {
		mu.Lock()
		defer mu.Unlock()
		l.SetDeadline(time.Unix(1, 0))
		if accepted != nil {
			accepted.Close()
		}
	})
	defer stop()

	conn, err := l.AcceptUnix()
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("accepting QMP connection: %w", contextErr(ctx))
		}
		return fmt.Errorf("accepting QMP connection: %w", err)
	}

	mu.Lock()
	accepted = conn
	mu.Unlock()
	if ctx.Err() != nil {
		conn.Close()
		return fmt.Errorf("accepting QMP connection: %w", contextErr(ctx))
	}

	m.conn = conn
	m.reader = bufio.NewReader(conn)

	deadline, _ := ctx.Deadline()
	err = m.readGreeting(deadline)
	if err == nil {
		err = m.negotiate(deadline)
	}
	if err == nil && !stop() {
		// ctx ended as the handshake finished; conn is being closed.
		err = ctx.Err()
	}
	if err != nil {
		m.Close()
		if ctx.Err() != nil {
			return fmt.Errorf("QMP handshake: %w", contextErr(ctx))
		}
		return err
	}
	return nil
}

// contextErr maps a deadline to ErrTimeout so that callers can test for
// transport timeouts uniformly.
func contextErr(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	return ctx.Err()
}

// readGreeting reads the initial {"QMP": {...}} banner.
func (m *Monitor) readGreeting(deadline time.Time) error {
	msg, err := m.readMessage(deadline)
	if err != nil {
		return fmt.Errorf("failed to read QMP greeting: %w", err)
	}

	greeting, ok := msg["QMP"].(map[string]any)
	if !ok {
		return fmt.Errorf("failed to parse QMP greeting: unexpected message %v", msg)
	}
	m.greeting = greeting
	return nil
}

// negotiate sends qmp_capabilities to enter command mode.
func (m *Monitor) negotiate(deadline time.Time) error {
	data, err := encodeCommand("qmp_capabilities", nil)
	if err != nil {
		return err
	}
	if err := m.write(data); err != nil {
		return err
	}
	resp, err := m.readResponse("qmp_capabilities", deadline)
	if err != nil {
		return err
	}
	if qerr := resp.Err(); qerr != nil {
		return qerr
	}
	if _, ok := resp["return"]; !ok {
		return fmt.Errorf("unexpected qmp_capabilities response: %v", resp)
	}
	return nil
}

// Greeting returns the greeting QEMU sent on connect.
func (m *Monitor) Greeting() map[string]any {
	return m.greeting
}

// Cmd sends a command and blocks until its response arrives. Events read in
// the meantime are queued. The returned error only reports transport
// failures; a command rejected by QEMU yields a Response with an "error" key.
func (m *Monitor) Cmd(name string, args map[string]any) (Response, error) {
	data, err := encodeCommand(name, args)
	if err != nil {
		return nil, err
	}
	if err := m.write(data); err != nil {
		return nil, err
	}
	return m.readResponse(name, m.commandDeadline())
}

// CmdWithFd sends a command together with a file descriptor via SCM_RIGHTS.
func (m *Monitor) CmdWithFd(name string, args map[string]any, fd int) (Response, error) {
	if m.conn == nil {
		return nil, ErrClosed
	}

	data, err := encodeCommand(name, args)
	if err != nil {
		return nil, err
	}

	rawConn, err := m.conn.SyscallConn()
	if err != nil {
		return nil, fmt.Errorf("failed to get raw connection: %w", err)
	}

	var sendErr error
	err = rawConn.Control(func(sockfd uintptr) {
		rights := syscall.UnixRights(fd)
		sendErr = syscall.Sendmsg(int(sockfd), data, rights, nil, 0)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to control raw connection: %w", err)
	}
	if sendErr != nil {
		if isPeerGone(sendErr) {
			return nil, fmt.Errorf("%w: %v", ErrClosed, sendErr)
		}
		return nil, fmt.Errorf("failed to send fd via SCM_RIGHTS: %w", sendErr)
	}

	return m.readResponse(name, m.commandDeadline())
}

func encodeCommand(name string, args map[string]any) ([]byte, error) {
	cmd := struct {
		Execute   string         `json:"execute"`
		Arguments map[string]any `json:"arguments,omitempty"`
	}{name, args}

	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal command: %w", err)
	}
	return append(data, '\n'), nil
}

func (m *Monitor) write(data []byte) error {
	if m.conn == nil {
		return ErrClosed
	}
	if _, err := m.conn.Write(data); err != nil {
		if isPeerGone(err) {
			return fmt.Errorf("%w: %v", ErrClosed, err)
		}
		return fmt.Errorf("failed to write command: %w", err)
	}
	return nil
}

// commandDeadline returns the read deadline for a command sent now.
func (m *Monitor) commandDeadline() time.Time {
	if m.CommandTimeout > 0 {
		return time.Now().Add(m.CommandTimeout)
	}
	return time.Time{}
}

// readResponse reads messages until a non-event one shows up. A zero
// deadline waits forever.
func (m *Monitor) readResponse(name string, deadline time.Time) (Response, error) {
	for {
		msg, err := m.readMessage(deadline)
		if err != nil {
			return nil, fmt.Errorf("command %q: %w", name, err)
		}
		if ev := eventFromMessage(msg); ev != nil {
			m.events = append(m.events, ev)
			continue
		}
		return Response(msg), nil
	}
}

// PullEvent returns the oldest queued event, reading from the socket
// according to wait. It returns nil and no error when wait is NoWait and
// nothing is pending.
func (m *Monitor) PullEvent(wait Wait) (*Event, error) {
	if err := m.fill(wait); err != nil {
		return nil, err
	}
	if len(m.events) == 0 {
		return nil, nil
	}
	ev := m.events[0]
	m.events = m.events[1:]
	return ev, nil
}

// GetEvents reads pending events from the socket according to wait and
// returns every queued event. The queue is left untouched; use ClearEvents.
func (m *Monitor) GetEvents(wait Wait) ([]*Event, error) {
	if err := m.fill(wait); err != nil {
		return nil, err
	}
	events := make([]*Event, len(m.events))
	copy(events, m.events)
	return events, nil
}

// ClearEvents drops all queued events.
func (m *Monitor) ClearEvents() {
	m.events = nil
}

// fill drains whatever is immediately readable, then, if the queue is still
// empty and wait allows it, blocks for one more event.
func (m *Monitor) fill(wait Wait) error {
	if m.conn == nil {
		return ErrClosed
	}

	for {
		msg, err := m.readMessage(time.Now().Add(pollInterval))
		if errors.Is(err, ErrTimeout) {
			break
		}
		if err != nil {
			return err
		}
		m.queue(msg)
	}

	if len(m.events) > 0 || wait == NoWait {
		return nil
	}

	deadline := wait.deadline()
	for len(m.events) == 0 {
		msg, err := m.readMessage(deadline)
		if err != nil {
			return err
		}
		m.queue(msg)
	}
	return nil
}

func (m *Monitor) queue(msg map[string]any) {
	if ev := eventFromMessage(msg); ev != nil {
		m.events = append(m.events, ev)
		return
	}
	m.log.Debug("dropping unsolicited QMP message", "message", msg)
}

// readMessage reads one JSON object. A partially received line survives a
// timeout and is completed by the next call.
func (m *Monitor) readMessage(deadline time.Time) (map[string]any, error) {
	if m.conn == nil {
		return nil, ErrClosed
	}

	for {
		if err := m.conn.SetReadDeadline(deadline); err != nil {
			return nil, fmt.Errorf("failed to set read deadline: %w", err)
		}

		chunk, err := m.reader.ReadBytes('\n')
		m.partial = append(m.partial, chunk...)
		if err != nil {
			if isTimeout(err) {
				return nil, ErrTimeout
			}
			return nil, fmt.Errorf("%w: %v", ErrClosed, err)
		}

		line := bytes.TrimSpace(m.partial)
		m.partial = nil
		if len(line) == 0 {
			continue
		}

		dec := json.NewDecoder(bytes.NewReader(line))
		dec.UseNumber()
		var msg map[string]any
		if err := dec.Decode(&msg); err != nil {
			return nil, fmt.Errorf("malformed QMP message %q: %w", line, err)
		}
		return msg, nil
	}
}

// Close closes the connection and the listener if still open.
func (m *Monitor) Close() error {
	var err error
	if m.listener != nil {
		err = m.listener.Close()
		m.listener = nil
	}
	if m.conn != nil {
		err = m.conn.Close()
		m.conn = nil
	}
	return err
}

// isPeerGone reports whether a write failed because QEMU closed its end.
func isPeerGone(err error) bool {
	return errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, net.ErrClosed)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
