package iotests

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KarpelesLab/iotests/qmp"
)

const fakeQemuMarker = "fake-qemu"

// fakeQemuConfig returns a Config whose QEMU is this test binary running
// TestHelperProcess.
func fakeQemuConfig(t *testing.T) *Config {
	t.Helper()

	// unix socket paths are limited to ~108 bytes, keep the dir short
	dir, err := os.MkdirTemp("", "iot")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	cfg := DefaultConfig()
	cfg.QemuProg = os.Args[0]
	cfg.QemuOptions = []string{"-test.run=^TestHelperProcess$", "--", fakeQemuMarker}
	cfg.TestDir = dir
	cfg.AcceptTimeout = Duration(10 * time.Second)
	cfg.EventTimeout = Duration(5 * time.Second)
	cfg.CommandTimeout = Duration(10 * time.Second)
	return cfg
}

func launchFake(t *testing.T, extra ...string) *VM {
	t.Helper()
	vm := NewVM(fakeQemuConfig(t)).AddArgs(extra...)
	require.NoError(t, vm.Launch())
	t.Cleanup(func() { vm.Shutdown() })
	return vm
}

func TestVMLaunchShutdown(t *testing.T) {
	vm := launchFake(t)

	assert.Greater(t, vm.Pid(), 0)
	for _, p := range []string{vm.MonitorPath(), vm.QtestPath(), vm.LogPath()} {
		_, err := os.Stat(p)
		assert.NoError(t, err, p)
	}

	resp, err := vm.QMP("query-status")
	require.NoError(t, err)
	assert.NoError(t, CheckQMP(resp, "return/status", "running"))

	reply, err := vm.Qtest("clock_step")
	require.NoError(t, err)
	assert.Equal(t, "OK 1000", reply)

	log, err := vm.ReadLog()
	require.NoError(t, err)
	assert.Contains(t, log, "fake qemu started")

	args := vm.CommandLine()
	assert.Contains(t, args, fakeQemuMarker)

	require.NoError(t, vm.Shutdown())
	assert.Equal(t, 0, vm.ExitCode())
	assert.Equal(t, 0, vm.Pid())
	for _, p := range []string{vm.MonitorPath(), vm.QtestPath(), vm.LogPath()} {
		_, err := os.Stat(p)
		assert.True(t, errors.Is(err, os.ErrNotExist), "%s still exists", p)
	}

	// idempotent
	assert.NoError(t, vm.Shutdown())
	_, err = vm.QMP("query-status")
	assert.True(t, errors.Is(err, ErrNotRunning))
}

func TestVMLaunchTwice(t *testing.T) {
	vm := launchFake(t)
	assert.True(t, errors.Is(vm.Launch(), ErrAlreadyRunning))
}

func TestVMEarlyExit(t *testing.T) {
	vm := NewVM(fakeQemuConfig(t)).AddArgs("-fake-exit")

	err := vm.Launch()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrEarlyExit), "got %v", err)

	for _, p := range []string{vm.MonitorPath(), vm.QtestPath()} {
		_, err := os.Stat(p)
		assert.True(t, errors.Is(err, os.ErrNotExist), "%s still exists", p)
	}

	log, err := vm.ReadLog()
	require.NoError(t, err)
	assert.Contains(t, log, "failing on request")
}

func TestVMAcceptTimeout(t *testing.T) {
	cfg := fakeQemuConfig(t)
	cfg.AcceptTimeout = Duration(200 * time.Millisecond)
	vm := NewVM(cfg).AddArgs("-fake-hang")

	start := time.Now()
	err := vm.Launch()
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrEarlyExit), "got %v", err)
	assert.Less(t, time.Since(start), 5*time.Second)

	_, err = os.Stat(vm.MonitorPath())
	assert.True(t, errors.Is(err, os.ErrNotExist))
	assert.Equal(t, 0, vm.Pid())
}

func TestVMHandshakeTimeout(t *testing.T) {
	cfg := fakeQemuConfig(t)
	cfg.AcceptTimeout = Duration(300 * time.Millisecond)
	cfg.CommandTimeout = 0
	vm := NewVM(cfg).AddArgs("-fake-silent")

	done := make(chan error, 1)
	go func() { done <- vm.Launch() }()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.True(t, errors.Is(err, qmp.ErrTimeout), "got %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("Launch still blocked after the accept timeout")
	}

	_, err := os.Stat(vm.MonitorPath())
	assert.True(t, errors.Is(err, os.ErrNotExist))
	assert.Equal(t, 0, vm.Pid())
}

func TestVMCommandError(t *testing.T) {
	vm := launchFake(t)

	resp, err := vm.QMP("no-such-command")
	require.NoError(t, err)
	qerr := resp.Err()
	require.NotNil(t, qerr)
	assert.Equal(t, "CommandNotFound", qerr.Class)
}

func TestVMEvents(t *testing.T) {
	vm := launchFake(t)

	_, err := vm.QMP("fake-events", KV("count", 2))
	require.NoError(t, err)

	evs, err := vm.GetQMPEvents(qmp.NoWait)
	require.NoError(t, err)
	assert.Equal(t, []string{"FAKE_0", "FAKE_1"}, names(evs))

	ev, err := vm.GetQMPEvent(qmp.NoWait)
	require.NoError(t, err)
	assert.Nil(t, ev)
}

func TestVMEventWait(t *testing.T) {
	vm := launchFake(t)

	_, err := vm.QMP("fake-events", KV("count", 3))
	require.NoError(t, err)

	ev, err := vm.EventWait("FAKE_1", 0, map[string]any{"data": map[string]any{"index": 1}})
	require.NoError(t, err)
	assert.Equal(t, "FAKE_1", ev.Name)

	// FAKE_0 was kept, FAKE_2 is still on the monitor
	ev, err = vm.GetQMPEvent(qmp.NoWait)
	require.NoError(t, err)
	assert.Equal(t, "FAKE_0", ev.Name)
	ev, err = vm.GetQMPEvent(qmp.NoWait)
	require.NoError(t, err)
	assert.Equal(t, "FAKE_2", ev.Name)

	_, err = vm.EventWait("NEVER", 50*time.Millisecond, nil)
	assert.True(t, errors.Is(err, qmp.ErrTimeout), "got %v", err)
}

func TestVMTestCaseCancel(t *testing.T) {
	vm := launchFake(t)
	tc := NewTestCase(t, vm)

	ev := tc.CancelAndWait("drive0", true, false)
	assert.Equal(t, EventBlockJobCancelled, ev.Name)
	tc.AssertQMP(ev, "data/device", "drive0")
	tc.AssertNoActiveBlockJobs()
}

func TestVMHMP(t *testing.T) {
	vm := launchFake(t)

	resp, err := vm.HMPQemuIO("drive0", "read 0 512")
	require.NoError(t, err)
	assert.NoError(t, CheckQMP(resp, "return", `ran: qemu-io drive0 "read 0 512"`))

	require.NoError(t, vm.PauseDrive("drive0", ""))
	require.NoError(t, vm.ResumeDrive("drive0"))
}

func TestVMSendFd(t *testing.T) {
	vm := launchFake(t)

	path := filepath.Join(t.TempDir(), "fd.img")
	require.NoError(t, CreateImage(path, 512))
	require.NoError(t, vm.SendFd(path, "img"))

	// without a descriptor the fake rejects getfd like QEMU does
	resp, err := vm.QMP("getfd", KV("fdname", "img"))
	require.NoError(t, err)
	require.NotNil(t, resp.Err())
	assert.Equal(t, "GenericError", resp.Err().Class)
}

func TestVMQueryBlock(t *testing.T) {
	vm := launchFake(t)

	blocks, err := vm.QueryBlock()
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.Equal(t, "drive0", blocks[0].Device)
	assert.Equal(t, "ok", blocks[0].IOStatus)
	require.NotNil(t, blocks[0].Inserted)
	assert.Equal(t, "raw", blocks[0].Inserted.Drv)

	jobs, err := vm.QueryBlockJobs()
	require.NoError(t, err)
	assert.Empty(t, jobs)

	assert.NoError(t, vm.SetIOThrottle("drive0", 1<<20, 0))
}

func TestVMSignalExit(t *testing.T) {
	vm := launchFake(t)

	_, err := vm.QMP("fake-crash")
	require.Error(t, err)
	assert.True(t, errors.Is(err, qmp.ErrClosed), "got %v", err)

	require.NoError(t, vm.Shutdown())
	assert.Equal(t, -int(syscall.SIGKILL), vm.ExitCode())
}

// TestHelperProcess is not a real test. It plays QEMU when the test binary
// is started by fakeQemuConfig.
func TestHelperProcess(t *testing.T) {
	i := slices.Index(os.Args, "--")
	if i < 0 || i+1 >= len(os.Args) || os.Args[i+1] != fakeQemuMarker {
		return
	}
	os.Exit(fakeQemu(os.Args[i+2:]))
}

func fakeQemu(args []string) int {
	fmt.Println("fake qemu started")

	if slices.Contains(args, "-fake-exit") {
		fmt.Fprintln(os.Stderr, "fake qemu: failing on request")
		return 1
	}
	if slices.Contains(args, "-fake-hang") {
		time.Sleep(time.Minute)
		return 1
	}

	var monPath, qtestPath string
	for i := 0; i+1 < len(args); i++ {
		switch args[i] {
		case "-chardev":
			for _, opt := range strings.Split(args[i+1], ",") {
				if p, ok := strings.CutPrefix(opt, "path="); ok {
					monPath = p
				}
			}
		case "-qtest":
			qtestPath = strings.TrimPrefix(args[i+1], "unix:path=")
		}
	}

	qt, err := net.Dial("unix", qtestPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "qtest:", err)
		return 1
	}
	go serveQtest(qt)

	mon, err := net.Dial("unix", monPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "monitor:", err)
		return 1
	}
	if slices.Contains(args, "-fake-silent") {
		// greet, then never answer qmp_capabilities
		fmt.Fprint(mon, `{"QMP": {"version": {}, "capabilities": []}}`+"\n")
		time.Sleep(time.Minute)
		return 1
	}
	return serveMonitor(mon.(*net.UnixConn))
}

func serveQtest(conn net.Conn) {
	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		if strings.HasPrefix(line, "clock_step") {
			fmt.Fprint(conn, "OK 1000\n")
		} else {
			fmt.Fprint(conn, "OK\n")
		}
	}
}

func serveMonitor(conn *net.UnixConn) int {
	send := func(v any) {
		data, _ := json.Marshal(v)
		conn.Write(append(data, '\n'))
	}
	event := func(name string, data map[string]any) {
		now := time.Now()
		send(map[string]any{
			"event":     name,
			"data":      data,
			"timestamp": map[string]any{"seconds": now.Unix(), "microseconds": now.Nanosecond() / 1000},
		})
	}
	ok := func(v any) { send(map[string]any{"return": v}) }
	fail := func(class, desc string) {
		send(map[string]any{"error": map[string]any{"class": class, "desc": desc}})
	}

	send(map[string]any{"QMP": map[string]any{
		"version":      map[string]any{"qemu": map[string]any{"major": 2, "minor": 0, "micro": 0}, "package": ""},
		"capabilities": []any{},
	}})

	var pending []byte
	buf := make([]byte, 4096)
	oob := make([]byte, syscall.CmsgSpace(4))
	for {
		n, oobn, _, _, err := conn.ReadMsgUnix(buf, oob)
		if err != nil {
			return 1
		}
		gotFd := receivedFd(oob[:oobn])
		pending = append(pending, buf[:n]...)

		for {
			idx := bytes.IndexByte(pending, '\n')
			if idx < 0 {
				break
			}
			line := pending[:idx]
			pending = pending[idx+1:]

			var cmd struct {
				Execute   string         `json:"execute"`
				Arguments map[string]any `json:"arguments"`
			}
			if err := json.Unmarshal(line, &cmd); err != nil {
				fail("GenericError", "JSON parse error")
				continue
			}

			switch cmd.Execute {
			case "qmp_capabilities":
				ok(map[string]any{})
			case "query-status":
				ok(map[string]any{"status": "running", "running": true})
			case "query-block-jobs":
				ok([]any{})
			case "query-block":
				ok([]any{map[string]any{
					"device":    "drive0",
					"type":      "unknown",
					"removable": false,
					"locked":    false,
					"io-status": "ok",
					"inserted": map[string]any{
						"file": "/tmp/a.img",
						"ro":   false,
						"drv":  "raw",
						"bps":  0,
					},
				}})
			case "block_set_io_throttle":
				if _, found := cmd.Arguments["bps_rd"]; !found {
					fail("GenericError", "Parameter 'bps_rd' is missing")
					continue
				}
				ok(map[string]any{})
			case "block-job-cancel":
				event(EventBlockJobCancelled, map[string]any{
					"device": cmd.Arguments["device"],
					"type":   "mirror",
					"len":    1024,
					"offset": 512,
					"speed":  0,
				})
				ok(map[string]any{})
			case "human-monitor-command":
				ok(fmt.Sprintf("ran: %v", cmd.Arguments["command-line"]))
			case "getfd":
				if !gotFd {
					fail("GenericError", "No file descriptor supplied via SCM_RIGHTS")
					continue
				}
				ok(map[string]any{})
			case "fake-events":
				count, _ := cmd.Arguments["count"].(float64)
				for i := 0; i < int(count); i++ {
					event(fmt.Sprintf("FAKE_%d", i), map[string]any{"index": i})
				}
				ok(map[string]any{})
			case "fake-crash":
				syscall.Kill(os.Getpid(), syscall.SIGKILL)
				time.Sleep(time.Minute)
			case "quit":
				ok(map[string]any{})
				return 0
			default:
				fail("CommandNotFound", fmt.Sprintf("The command %s has not been found", cmd.Execute))
			}
		}
	}
}

// receivedFd reports whether oob carried a descriptor, closing it.
func receivedFd(oob []byte) bool {
	if len(oob) == 0 {
		return false
	}
	msgs, err := syscall.ParseSocketControlMessage(oob)
	if err != nil {
		return false
	}
	found := false
	for _, msg := range msgs {
		fds, err := syscall.ParseUnixRights(&msg)
		if err != nil {
			continue
		}
		for _, fd := range fds {
			syscall.Close(fd)
			found = true
		}
	}
	return found
}
