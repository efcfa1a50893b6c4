package iotests

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/gofrs/flock"
)

// sectorSize is the granularity of the markers written by CreateImage.
const sectorSize = 512

// Tools runs qemu-img and qemu-io as configured. A program killed by a
// signal is logged as a warning and reported with a negative exit code.
type Tools struct {
	cfg *Config
	log *slog.Logger
}

// NewTools returns Tools for cfg. A nil cfg means DefaultConfig.
func NewTools(cfg *Config) *Tools {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Tools{cfg: cfg, log: Logger()}
}

func (t *Tools) imgArgs(args []string) []string {
	prog := t.cfg.QemuImgProg
	if prog == "" {
		prog = "qemu-img"
	}
	out := append([]string{prog}, t.cfg.QemuImgOptions...)
	return append(out, args...)
}

func (t *Tools) ioArgs(args []string) []string {
	prog := t.cfg.QemuIOProg
	if prog == "" {
		prog = "qemu-io"
	}
	out := append([]string{prog}, t.cfg.QemuIOOptions...)
	return append(out, args...)
}

// QemuImg runs qemu-img with stdin and stdout on /dev/null and returns its
// exit code.
func (t *Tools) QemuImg(args ...string) (int, error) {
	argv := t.imgArgs(args)
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stderr = os.Stderr
	return t.run(cmd, argv)
}

// QemuImgVerbose runs qemu-img with the test's stdout and stderr and
// returns its exit code.
func (t *Tools) QemuImgVerbose(args ...string) (int, error) {
	argv := t.imgArgs(args)
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return t.run(cmd, argv)
}

// QemuImgPipe runs qemu-img and returns its stdout. A non-zero exit status
// is not an error.
func (t *Tools) QemuImgPipe(args ...string) (string, error) {
	return t.output(t.imgArgs(args))
}

// QemuIO runs qemu-io and returns its stdout. A non-zero exit status is not
// an error.
func (t *Tools) QemuIO(args ...string) (string, error) {
	return t.output(t.ioArgs(args))
}

// CompareImages reports whether qemu-img compare finds a and b identical.
func (t *Tools) CompareImages(a, b string) (bool, error) {
	code, err := t.QemuImg("compare", "-f", t.cfg.ImgFmt, "-F", t.cfg.ImgFmt, a, b)
	if err != nil {
		return false, err
	}
	return code == 0, nil
}

func (t *Tools) output(argv []string) (string, error) {
	var out strings.Builder
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdout = &out
	cmd.Stderr = os.Stderr
	if _, err := t.run(cmd, argv); err != nil {
		return "", err
	}
	return out.String(), nil
}

// run executes cmd and maps its termination to an exit code. Only a
// failure to run the program at all is an error.
func (t *Tools) run(cmd *exec.Cmd, argv []string) (int, error) {
	err := cmd.Run()

	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return 0, fmt.Errorf("failed to run %s: %w", argv[0], err)
	}

	code := exitStatus(cmd.ProcessState)
	if code < 0 {
		t.log.Warn("program received signal",
			"program", argv[0],
			"signal", -code,
			"args", strings.Join(argv, " "))
	}
	return code, nil
}

// CreateImage writes a fully allocated raw image of size bytes, rounded up
// to whole sectors. Each 512-byte sector carries its index as a big-endian
// int32 at offsets 0 and 508 and zeros in between.
//
// The image is written under an exclusive lock on name+".lock" so that
// concurrent test binaries sharing a scratch image do not interleave. The
// lock file is left in place after unlocking, since removing it would let
// a waiter lock an unlinked file. Callers remove it along with the image.
func CreateImage(name string, size int64) error {
	fl := flock.New(name + ".lock")
	if err := fl.Lock(); err != nil {
		return fmt.Errorf("acquiring file lock %s: %w", fl.Path(), err)
	}
	defer func() {
		if err := fl.Close(); err != nil {
			Logger().Debug("failed to release file lock", "path", fl.Path(), "err", err)
		}
	}()

	f, err := os.Create(name)
	if err != nil {
		return fmt.Errorf("failed to create image: %w", err)
	}

	w := bufio.NewWriter(f)
	sector := make([]byte, sectorSize)
	for off := int64(0); off < size; off += sectorSize {
		idx := uint32(int32(off / sectorSize))
		binary.BigEndian.PutUint32(sector[0:4], idx)
		binary.BigEndian.PutUint32(sector[sectorSize-4:], idx)
		if _, err := w.Write(sector); err != nil {
			f.Close()
			return fmt.Errorf("failed to write image: %w", err)
		}
	}

	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("failed to write image: %w", err)
	}
	return f.Close()
}
