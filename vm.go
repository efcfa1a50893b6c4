package iotests

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/KarpelesLab/iotests/qmp"
	"github.com/KarpelesLab/iotests/qtest"
	"github.com/KarpelesLab/runutil"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// VM is a QEMU process under test, with a QMP monitor and a qtest channel
// both served by the harness. QEMU connects to the two sockets as a client,
// so they exist before the process is spawned.
//
// A VM is built with NewVM and the Add* methods, started with Launch and
// stopped with Shutdown. It is not safe for concurrent use.
type VM struct {
	cfg *Config
	log *slog.Logger

	monitorPath string
	qtestPath   string
	logPath     string

	args      []string
	numDrives int
	events    *EventCache

	cmd      *exec.Cmd
	exited   chan struct{}
	waitErr  error
	exitCode int

	monitor *qmp.Monitor
	qtest   *qtest.Conn
}

// NewVM returns an unlaunched VM. A nil cfg means DefaultConfig; callers
// that want the environment pass ConfigFromEnv explicitly.
func NewVM(cfg *Config) *VM {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	id := fmt.Sprintf("%d-%s", os.Getpid(), strings.SplitN(uuid.NewString(), "-", 2)[0])

	vm := &VM{
		cfg:         cfg,
		log:         Logger().With("vm", id),
		monitorPath: filepath.Join(cfg.TestDir, "qemu-mon."+id),
		qtestPath:   filepath.Join(cfg.TestDir, "qemu-qtest."+id),
		logPath:     filepath.Join(cfg.TestDir, "qemu-log."+id),
	}

	machine := "accel=qtest"
	if cfg.DefaultMachine != "" {
		machine = cfg.DefaultMachine + "," + machine
	}

	vm.args = append(cfg.qemuArgs(),
		"-chardev", "socket,id=mon,path="+vm.monitorPath,
		"-mon", "chardev=mon,mode=control",
		"-qtest", "unix:path="+vm.qtestPath,
		"-machine", machine,
		"-display", "none",
		"-vga", "none",
	)
	vm.events = NewEventCache(monitorSource{vm})
	return vm
}

// AddDrive adds a -drive with the next driveN id.
func (vm *VM) AddDrive(spec DriveSpec) *VM {
	vm.args = append(vm.args, "-drive", driveOptions(spec, vm.numDrives, vm.cfg))
	vm.numDrives++
	return vm
}

// AddDriveRaw adds a -drive with opts used verbatim. It does not consume a
// drive id.
func (vm *VM) AddDriveRaw(opts string) *VM {
	vm.args = append(vm.args, "-drive", opts)
	return vm
}

// AddFd adds an -add-fd option for a descriptor the child inherits.
func (vm *VM) AddFd(fd, fdset int, opaque, opts string) *VM {
	vm.args = append(vm.args, "-add-fd", fdOptions(fd, fdset, opaque, opts))
	return vm
}

// AddMonitorTelnet adds an HMP monitor listening for telnet on ip:port.
func (vm *VM) AddMonitorTelnet(ip string, port int) *VM {
	vm.args = append(vm.args, "-monitor", telnetMonitorOptions(ip, port))
	return vm
}

// AddArgs appends raw command line arguments.
func (vm *VM) AddArgs(args ...string) *VM {
	vm.args = append(vm.args, args...)
	return vm
}

// Launch starts QEMU and waits for it to connect. See LaunchContext.
func (vm *VM) Launch() error {
	return vm.LaunchContext(context.Background())
}

// LaunchContext starts QEMU and waits for it to connect to both the monitor
// and the qtest socket. The process is killed when ctx is cancelled.
//
// On failure the process is killed and the sockets removed; the log file is
// kept so that ReadLog can explain what went wrong.
func (vm *VM) LaunchContext(ctx context.Context) (err error) {
	if vm.cmd != nil {
		return ErrAlreadyRunning
	}

	if err := vm.cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := vm.cfg.ensureTestDir(); err != nil {
		return err
	}

	defer func() {
		if err != nil {
			vm.abort()
		}
	}()

	vm.monitor, err = qmp.Listen(vm.monitorPath, vm.log)
	if err != nil {
		return err
	}
	vm.monitor.CommandTimeout = time.Duration(vm.cfg.CommandTimeout)

	vm.qtest, err = qtest.Listen(vm.qtestPath)
	if err != nil {
		return err
	}

	logFile, err := os.Create(vm.logPath)
	if err != nil {
		return fmt.Errorf("failed to create QEMU log: %w", err)
	}
	// The child keeps its own descriptor.
	defer logFile.Close()

	cmd := exec.CommandContext(ctx, vm.args[0], vm.args[1:]...)
	cmd.Stdin = nil
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	// Set process group so we can kill all children
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start QEMU: %w", err)
	}

	exited := make(chan struct{})
	vm.cmd = cmd
	vm.exited = exited
	go func() {
		vm.waitErr = cmd.Wait()
		close(exited)
	}()

	if err := vm.accept(ctx); err != nil {
		return err
	}

	vm.log.Debug("QEMU launched", "pid", cmd.Process.Pid, "args", strings.Join(vm.args, " "))
	return nil
}

// accept waits for QEMU on both sockets at once. Either accept failing, the
// accept timeout expiring or the process exiting stops both.
func (vm *VM) accept(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if timeout := time.Duration(vm.cfg.AcceptTimeout); timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	exited := vm.exited
	go func() {
		select {
		case <-exited:
			cancel()
		case <-ctx.Done():
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return vm.monitor.Accept(gctx) })
	g.Go(func() error { return vm.qtest.Accept(gctx) })

	err := g.Wait()
	if err == nil {
		return nil
	}

	select {
	case <-exited:
		return fmt.Errorf("%w: %v", ErrEarlyExit, vm.waitErr)
	default:
		return err
	}
}

// abort undoes a partial launch.
func (vm *VM) abort() {
	if vm.cmd != nil {
		vm.kill()
		<-vm.exited
	}
	if vm.monitor != nil {
		vm.monitor.Close()
	}
	if vm.qtest != nil {
		vm.qtest.Close()
	}
	os.Remove(vm.monitorPath)
	os.Remove(vm.qtestPath)

	vm.cmd = nil
	vm.exited = nil
	vm.monitor = nil
	vm.qtest = nil
}

// kill terminates the process group.
func (vm *VM) kill() {
	syscall.Kill(-vm.cmd.Process.Pid, syscall.SIGKILL)
	vm.cmd.Process.Kill()
}

// Shutdown asks QEMU to quit, waits for it to exit and removes the sockets
// and the log. It is a no-op if the VM is not running. A QEMU killed by a
// signal is logged as a warning, not reported as an error.
func (vm *VM) Shutdown() error {
	if vm.cmd == nil {
		return nil
	}

	if _, err := vm.monitor.Cmd("quit", nil); err != nil && !errors.Is(err, qmp.ErrClosed) {
		// QEMU may disconnect before answering; anything else means it is stuck.
		vm.log.Warn("quit failed, killing QEMU", "error", err)
		vm.kill()
	}
	<-vm.exited

	vm.exitCode = exitStatus(vm.cmd.ProcessState)
	if vm.exitCode < 0 {
		vm.log.Warn("QEMU received signal",
			"signal", syscall.Signal(-vm.exitCode).String(),
			"args", strings.Join(vm.args, " "))
	}

	vm.monitor.Close()
	vm.qtest.Close()

	var errs []error
	for _, path := range []string{vm.monitorPath, vm.qtestPath, vm.logPath} {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}

	vm.cmd = nil
	vm.exited = nil
	vm.monitor = nil
	vm.qtest = nil
	return errors.Join(errs...)
}

// exitStatus returns the exit code, or the negated signal number if the
// process was killed by a signal.
func exitStatus(ps *os.ProcessState) int {
	if ps == nil {
		return 0
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return -int(ws.Signal())
	}
	return ps.ExitCode()
}

// QMP runs a command with "_" in argument names replaced by "-". Errors
// reported by QEMU are left in the response; the returned error is a
// transport failure.
func (vm *VM) QMP(name string, args ...Arg) (qmp.Response, error) {
	return vm.qmp(name, Args(args).Translate())
}

// QMPVerbatim runs a command with argument names as given.
func (vm *VM) QMPVerbatim(name string, args ...Arg) (qmp.Response, error) {
	return vm.qmp(name, Args(args))
}

func (vm *VM) qmp(name string, args Args) (qmp.Response, error) {
	if vm.monitor == nil {
		return nil, ErrNotRunning
	}
	return vm.monitor.Cmd(name, args.Map())
}

// HumanMonitorCommand runs an HMP command through QMP.
func (vm *VM) HumanMonitorCommand(cmdline string) (qmp.Response, error) {
	return vm.QMP("human-monitor-command", KV("command-line", cmdline))
}

// HMPQemuIO runs a qemu-io command against drive.
func (vm *VM) HMPQemuIO(drive, cmd string) (qmp.Response, error) {
	return vm.HumanMonitorCommand(fmt.Sprintf(`qemu-io %s "%s"`, drive, cmd))
}

// PauseDrive sets a blkdebug breakpoint on event for drive, which stalls
// I/O until ResumeDrive. An empty event pauses both read_aio and write_aio.
// The drive must sit on top of a blkdebug node.
func (vm *VM) PauseDrive(drive, event string) error {
	if event == "" {
		if err := vm.PauseDrive(drive, "read_aio"); err != nil {
			return err
		}
		return vm.PauseDrive(drive, "write_aio")
	}
	return vm.hmpCheck(vm.HMPQemuIO(drive, fmt.Sprintf("break %s bp_%s", event, drive)))
}

// ResumeDrive removes the breakpoint set by PauseDrive.
func (vm *VM) ResumeDrive(drive string) error {
	return vm.hmpCheck(vm.HMPQemuIO(drive, "remove_break bp_"+drive))
}

func (vm *VM) hmpCheck(resp qmp.Response, err error) error {
	if err != nil {
		return err
	}
	if qerr := resp.Err(); qerr != nil {
		return qerr
	}
	return nil
}

// Qtest sends one qtest command and returns the reply line.
func (vm *VM) Qtest(cmd string) (string, error) {
	if vm.qtest == nil {
		return "", ErrNotRunning
	}
	return vm.qtest.Cmd(cmd)
}

// SendFd opens path read-write and hands the descriptor to QEMU under
// fdname with getfd.
func (vm *VM) SendFd(path, fdname string) error {
	if vm.monitor == nil {
		return ErrNotRunning
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	resp, err := vm.monitor.CmdWithFd("getfd", map[string]any{"fdname": fdname}, int(f.Fd()))
	if err != nil {
		return err
	}
	if qerr := resp.Err(); qerr != nil {
		return qerr
	}
	return nil
}

// Events returns the VM's event cache.
func (vm *VM) Events() *EventCache {
	return vm.events
}

// GetQMPEvent returns the next event, cached ones first.
func (vm *VM) GetQMPEvent(wait qmp.Wait) (*qmp.Event, error) {
	return vm.events.Next(wait)
}

// GetQMPEvents returns every pending event and forgets them.
func (vm *VM) GetQMPEvents(wait qmp.Wait) ([]*qmp.Event, error) {
	return vm.events.DrainNew(wait)
}

// EventWait waits for an event named name that matches match. A zero timeout
// uses the configured event timeout; a negative one waits forever.
func (vm *VM) EventWait(name string, timeout time.Duration, match map[string]any) (*qmp.Event, error) {
	if timeout == 0 {
		timeout = time.Duration(vm.cfg.EventTimeout)
	}
	return vm.events.WaitFor(name, match, timeout)
}

// Jobs returns a block job harness for this VM using the configured event
// timeout.
func (vm *VM) Jobs() *JobHarness {
	h := NewJobHarness(vm)
	h.EventTimeout = time.Duration(vm.cfg.EventTimeout)
	return h
}

// Pid returns the QEMU process id, or 0 if not running.
func (vm *VM) Pid() int {
	if vm.cmd == nil {
		return 0
	}
	return vm.cmd.Process.Pid
}

// CommandLine returns the argv of the running process as seen by the
// system, or the configured arguments if it cannot be read.
func (vm *VM) CommandLine() []string {
	if pid := vm.Pid(); pid != 0 {
		if args, err := runutil.ArgsOf(pid); err == nil && len(args) > 0 {
			return args
		}
	}
	return append([]string(nil), vm.args...)
}

// ExitCode returns the exit status recorded by the last Shutdown, negative
// for a signal.
func (vm *VM) ExitCode() int {
	return vm.exitCode
}

// ReadLog returns QEMU's stdout and stderr output so far.
func (vm *VM) ReadLog() (string, error) {
	data, err := os.ReadFile(vm.logPath)
	if err != nil {
		return "", fmt.Errorf("failed to read QEMU log: %w", err)
	}
	return string(data), nil
}

// MonitorPath returns the QMP socket path.
func (vm *VM) MonitorPath() string {
	return vm.monitorPath
}

// QtestPath returns the qtest socket path.
func (vm *VM) QtestPath() string {
	return vm.qtestPath
}

// LogPath returns the QEMU log path.
func (vm *VM) LogPath() string {
	return vm.logPath
}

// monitorSource feeds the event cache from whichever monitor is current.
type monitorSource struct {
	vm *VM
}

func (s monitorSource) PullEvent(wait qmp.Wait) (*qmp.Event, error) {
	if s.vm.monitor == nil {
		return nil, ErrNotRunning
	}
	return s.vm.monitor.PullEvent(wait)
}

func (s monitorSource) GetEvents(wait qmp.Wait) ([]*qmp.Event, error) {
	if s.vm.monitor == nil {
		return nil, ErrNotRunning
	}
	return s.vm.monitor.GetEvents(wait)
}

func (s monitorSource) ClearEvents() {
	if s.vm.monitor != nil {
		s.vm.monitor.ClearEvents()
	}
}
